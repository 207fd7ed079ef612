package convstore

// Conversation status values. The processing lock is the status itself:
// a row in "processing_reply" is owned by exactly one worker.
const (
	StatusActive          = "active"
	StatusTemplateSent    = "template_sent"
	StatusProcessingReply = "processing_reply"
	StatusReplySent       = "reply_sent"
	StatusRetry           = "retry"
)

// MessageTurn is one entry in a conversation's message history, either the
// merged user input or the assistant reply.
type MessageTurn struct {
	MessageID        string `dynamodbav:"message_id" json:"message_id"`
	Timestamp        string `dynamodbav:"timestamp" json:"timestamp"`
	Role             string `dynamodbav:"role" json:"role"`
	Content          string `dynamodbav:"content" json:"content"`
	PromptTokens     int    `dynamodbav:"prompt_tokens,omitempty" json:"prompt_tokens,omitempty"`
	CompletionTokens int    `dynamodbav:"completion_tokens,omitempty" json:"completion_tokens,omitempty"`
	TotalTokens      int    `dynamodbav:"total_tokens,omitempty" json:"total_tokens,omitempty"`
}

// AIConfig is the per-conversation assistant configuration embedded in the
// conversation row.
type AIConfig struct {
	APIKeyRef          string `dynamodbav:"api_key_reference" json:"api_key_reference"`
	AssistantIDReplies string `dynamodbav:"assistant_id_replies" json:"assistant_id_replies"`
}

// ChannelConfig carries the per-channel credential reference and company
// sender identity.
type ChannelConfig struct {
	WhatsAppCredentialsID string `dynamodbav:"whatsapp_credentials_id,omitempty" json:"whatsapp_credentials_id,omitempty"`
	SMSCredentialsID      string `dynamodbav:"sms_credentials_id,omitempty" json:"sms_credentials_id,omitempty"`
	EmailCredentialsID    string `dynamodbav:"email_credentials_id,omitempty" json:"email_credentials_id,omitempty"`
	CompanyWhatsAppNumber string `dynamodbav:"company_whatsapp_number,omitempty" json:"company_whatsapp_number,omitempty"`
	CompanySMSNumber      string `dynamodbav:"company_sms_number,omitempty" json:"company_sms_number,omitempty"`
	CompanyEmail          string `dynamodbav:"company_email,omitempty" json:"company_email,omitempty"`
}

// CredentialRef returns the secret reference for the given channel, or ""
// when the channel has no credentials configured.
func (c ChannelConfig) CredentialRef(channel string) string {
	switch channel {
	case "whatsapp":
		return c.WhatsAppCredentialsID
	case "sms":
		return c.SMSCredentialsID
	case "email":
		return c.EmailCredentialsID
	}
	return ""
}

// CompanySender returns the company-side sender identity for the channel.
func (c ChannelConfig) CompanySender(channel string) string {
	switch channel {
	case "whatsapp":
		return c.CompanyWhatsAppNumber
	case "sms":
		return c.CompanySMSNumber
	case "email":
		return c.CompanyEmail
	}
	return ""
}

// Conversation is the canonical conversation row.
type Conversation struct {
	PrimaryChannel       string        `dynamodbav:"primary_channel" json:"primary_channel"`
	ConversationID       string        `dynamodbav:"conversation_id" json:"conversation_id"`
	ProjectStatus        string        `dynamodbav:"project_status" json:"project_status"`
	AllowedChannels      []string      `dynamodbav:"allowed_channels,stringset" json:"allowed_channels"`
	ChannelConfig        ChannelConfig `dynamodbav:"channel_config" json:"channel_config"`
	AIConfig             AIConfig      `dynamodbav:"ai_config" json:"ai_config"`
	ThreadID             string        `dynamodbav:"thread_id" json:"thread_id"`
	Messages             []MessageTurn `dynamodbav:"messages,omitempty" json:"messages,omitempty"`
	ConversationStatus   string        `dynamodbav:"conversation_status" json:"conversation_status"`
	TaskComplete         int           `dynamodbav:"task_complete" json:"task_complete"`
	HandOffToHuman       bool          `dynamodbav:"hand_off_to_human" json:"hand_off_to_human"`
	HandOffToHumanReason string        `dynamodbav:"hand_off_to_human_reason,omitempty" json:"hand_off_to_human_reason,omitempty"`

	AutoQueueReplyMessage           bool     `dynamodbav:"auto_queue_reply_message" json:"auto_queue_reply_message"`
	AutoQueueReplyMessageFromNumber []string `dynamodbav:"auto_queue_reply_message_from_number,stringset,omitempty" json:"auto_queue_reply_message_from_number,omitempty"`
	AutoQueueReplyMessageFromEmail  []string `dynamodbav:"auto_queue_reply_message_from_email,stringset,omitempty" json:"auto_queue_reply_message_from_email,omitempty"`

	InitialProcessingTimeMS int64  `dynamodbav:"initial_processing_time_ms,omitempty" json:"initial_processing_time_ms,omitempty"`
	CreatedAt               string `dynamodbav:"created_at" json:"created_at"`
	UpdatedAt               string `dynamodbav:"updated_at" json:"updated_at"`
}

// StagingFragment is one inbound message fragment parked in the staging
// table until the batch timer fires.
type StagingFragment struct {
	ConversationID string `dynamodbav:"conversation_id" json:"conversation_id"`
	MessageSID     string `dynamodbav:"message_sid" json:"message_sid"`
	PrimaryChannel string `dynamodbav:"primary_channel" json:"primary_channel"`
	Body           string `dynamodbav:"body" json:"body"`
	ReceivedAt     string `dynamodbav:"received_at" json:"received_at"`
	ExpiresAt      int64  `dynamodbav:"expires_at" json:"expires_at"`
}

// StagingKey identifies a staging row for deletion.
type StagingKey struct {
	ConversationID string
	MessageSID     string
}
