package routing

import (
	"slices"

	"repliesengine/internal/config"
	"repliesengine/internal/convstore"
)

// Rule codes returned when a hydrated conversation fails validation.
const (
	RuleProjectInactive    = "PROJECT_INACTIVE"
	RuleChannelNotAllowed  = "CHANNEL_NOT_ALLOWED"
	RuleConversationLocked = "CONVERSATION_LOCKED"
)

// ValidateRules checks the hydrated conversation against the ordered
// business rules. It returns "" when the message may proceed. A row in
// "retry" passes: a previously failed batch does not block new input.
func ValidateRules(conv convstore.Conversation, channel string) string {
	if conv.ProjectStatus != "active" {
		return RuleProjectInactive
	}
	if !slices.Contains(conv.AllowedChannels, channel) {
		return RuleChannelNotAllowed
	}
	if conv.ConversationStatus == convstore.StatusProcessingReply {
		return RuleConversationLocked
	}
	return ""
}

// Route is the destination decision for a validated message.
type Route struct {
	QueueURL string
	// Handoff routes bypass AI processing: the full context is enqueued
	// with no delay for a human operator.
	Handoff bool
}

// DetermineRoute picks the target queue. The handoff queue wins when the
// conversation opts out of automatic replies, globally or for this
// recipient; otherwise the message goes to the channel's batch queue.
func DetermineRoute(conv convstore.Conversation, channel string, queues config.QueueConfig) (Route, bool) {
	if conv.AutoQueueReplyMessage {
		return Route{QueueURL: queues.Handoff, Handoff: true}, true
	}
	switch channel {
	case "whatsapp", "sms":
		if slices.Contains(conv.AutoQueueReplyMessageFromNumber, conv.PrimaryChannel) {
			return Route{QueueURL: queues.Handoff, Handoff: true}, true
		}
	case "email":
		if slices.Contains(conv.AutoQueueReplyMessageFromEmail, conv.PrimaryChannel) {
			return Route{QueueURL: queues.Handoff, Handoff: true}, true
		}
	}
	if url := queues.QueueForChannel(channel); url != "" {
		return Route{QueueURL: url}, true
	}
	return Route{}, false
}
