package convstore

import (
	"context"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"repliesengine/internal/logging"
)

// LookupStatus is the outcome of a credential-reference lookup.
type LookupStatus string

const (
	LookupFound              LookupStatus = "FOUND"
	LookupNotFound           LookupStatus = "NOT_FOUND"
	LookupMissingConfig      LookupStatus = "MISSING_CREDENTIAL_CONFIG"
	LookupUnsupportedChannel LookupStatus = "UNSUPPORTED_CHANNEL"
	LookupTransient          LookupStatus = "DB_TRANSIENT_ERROR"
	LookupConfigErr          LookupStatus = "DB_CONFIG_ERROR"
	LookupValidationErr      LookupStatus = "DB_VALIDATION_ERROR"
	LookupOther              LookupStatus = "DB_QUERY_ERROR"
)

// Transient reports whether the lookup failed in a way the caller should
// retry.
func (s LookupStatus) Transient() bool { return s == LookupTransient }

// CredentialLookup is the result of LookupCredentialRef.
type CredentialLookup struct {
	Status         LookupStatus
	CredentialRef  string
	ConversationID string
}

// indexConfig describes the per-channel secondary index on the
// conversations table.
type indexConfig struct {
	indexName string
	pkAttr    string
	skAttr    string
}

var channelIndexes = map[string]indexConfig{
	"whatsapp": {
		indexName: "company-whatsapp-number-recipient-tel-index",
		pkAttr:    "gsi_company_whatsapp_number",
		skAttr:    "gsi_recipient_tel",
	},
	"sms": {
		indexName: "company-sms-number-recipient-tel-index",
		pkAttr:    "gsi_company_sms_number",
		skAttr:    "gsi_recipient_tel",
	},
	"email": {
		indexName: "company-email-recipient-email-index",
		pkAttr:    "gsi_company_email",
		skAttr:    "gsi_recipient_email",
	},
}

// StripChannelPrefix removes a leading "<channel>:" from an identifier.
// Stored identifiers are always the stripped form.
func StripChannelPrefix(channel, id string) string {
	return strings.TrimPrefix(id, channel+":")
}

// LookupCredentialRef queries the channel-specific index for the
// conversation owning the (company, user) pair and returns the secret
// reference needed to verify the webhook signature. Both identifiers are
// stripped of their channel prefix before querying. When several rows
// match, open conversations win and the most recently created is chosen.
func (s *Store) LookupCredentialRef(ctx context.Context, channel, userID, companyID string) CredentialLookup {
	idx, ok := channelIndexes[channel]
	if !ok {
		return CredentialLookup{Status: LookupUnsupportedChannel}
	}

	pk := StripChannelPrefix(channel, companyID)
	sk := StripChannelPrefix(channel, userID)

	out, err := s.db.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tables.Conversations),
		IndexName:              aws.String(idx.indexName),
		KeyConditionExpression: aws.String("#pk = :pk AND #sk = :sk"),
		ExpressionAttributeNames: map[string]string{
			"#pk": idx.pkAttr,
			"#sk": idx.skAttr,
		},
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":pk": &ddbtypes.AttributeValueMemberS{Value: pk},
			":sk": &ddbtypes.AttributeValueMemberS{Value: sk},
		},
		ProjectionExpression: aws.String("channel_config, conversation_id, created_at, task_complete"),
	})
	if err != nil {
		logging.Log.WithError(err).WithField("index", idx.indexName).Error("credential lookup query failed")
		return CredentialLookup{Status: lookupStatusFor(err)}
	}
	if len(out.Items) == 0 {
		return CredentialLookup{Status: LookupNotFound}
	}

	var rows []Conversation
	if err := attributevalue.UnmarshalListOfMaps(out.Items, &rows); err != nil {
		logging.Log.WithError(err).Error("credential lookup unmarshal failed")
		return CredentialLookup{Status: LookupOther}
	}

	row := selectActiveRow(rows)
	ref := row.ChannelConfig.CredentialRef(channel)
	if ref == "" {
		return CredentialLookup{Status: LookupMissingConfig, ConversationID: row.ConversationID}
	}
	return CredentialLookup{
		Status:         LookupFound,
		CredentialRef:  ref,
		ConversationID: row.ConversationID,
	}
}

// selectActiveRow picks the row to act on when the index matches more than
// one conversation: open tasks beat finished ones, newest creation wins.
func selectActiveRow(rows []Conversation) Conversation {
	sort.SliceStable(rows, func(i, j int) bool {
		if (rows[i].TaskComplete == 0) != (rows[j].TaskComplete == 0) {
			return rows[i].TaskComplete == 0
		}
		return rows[i].CreatedAt > rows[j].CreatedAt
	})
	return rows[0]
}

func lookupStatusFor(err error) LookupStatus {
	switch classify(err) {
	case KindTransient:
		return LookupTransient
	case KindConfig:
		return LookupConfigErr
	case KindValidation:
		return LookupValidationErr
	}
	return LookupOther
}

// GetStatus is the outcome of a conversation fetch.
type GetStatus string

const (
	GetFound     GetStatus = "FOUND"
	GetNotFound  GetStatus = "NOT_FOUND"
	GetTransient GetStatus = "DB_TRANSIENT_ERROR"
	GetConfig    GetStatus = "DB_CONFIG_ERROR"
	GetError     GetStatus = "DB_GET_ITEM_ERROR"
)

// Transient reports whether the fetch should be retried.
func (s GetStatus) Transient() bool { return s == GetTransient }

// GetConversation fetches the full conversation row with a strongly
// consistent read.
func (s *Store) GetConversation(ctx context.Context, primaryChannel, conversationID string) (Conversation, GetStatus) {
	out, err := s.db.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tables.Conversations),
		Key: map[string]ddbtypes.AttributeValue{
			"primary_channel": &ddbtypes.AttributeValueMemberS{Value: primaryChannel},
			"conversation_id": &ddbtypes.AttributeValueMemberS{Value: conversationID},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		logging.Log.WithError(err).WithField("conversation_id", conversationID).Error("conversation fetch failed")
		switch classify(err) {
		case KindTransient:
			return Conversation{}, GetTransient
		case KindConfig:
			return Conversation{}, GetConfig
		}
		return Conversation{}, GetError
	}
	if out.Item == nil {
		return Conversation{}, GetNotFound
	}
	var conv Conversation
	if err := attributevalue.UnmarshalMap(out.Item, &conv); err != nil {
		logging.Log.WithError(err).WithField("conversation_id", conversationID).Error("conversation unmarshal failed")
		return Conversation{}, GetError
	}
	return conv, GetFound
}
