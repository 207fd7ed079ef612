package queue

import "repliesengine/internal/convstore"

// TriggerMessage is the minimal batch trigger delivered to a channel queue
// after the batch window elapses.
type TriggerMessage struct {
	ConversationID string `json:"conversation_id"`
	PrimaryChannel string `json:"primary_channel"`
}

// HandoffMessage is the full hydrated context delivered to the handoff
// queue with no delay for a human operator.
type HandoffMessage struct {
	ConversationID string                 `json:"conversation_id"`
	PrimaryChannel string                 `json:"primary_channel"`
	Channel        string                 `json:"channel"`
	MessageSID     string                 `json:"message_sid"`
	Body           string                 `json:"body"`
	Conversation   convstore.Conversation `json:"conversation"`
}
