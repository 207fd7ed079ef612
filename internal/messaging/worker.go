package messaging

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"repliesengine/internal/assistant"
	"repliesengine/internal/convstore"
	"repliesengine/internal/logging"
	"repliesengine/internal/queue"
	"repliesengine/internal/secrets"
	"repliesengine/internal/twilio"
)

// Outcome tells the consumer what to do with the queue message.
type Outcome int

const (
	// OutcomeAck deletes the message: processed, benign duplicate, or a
	// post-send failure that must never be retried.
	OutcomeAck Outcome = iota
	// OutcomeFail leaves the message for redelivery; the broker's
	// max-receive policy dead-letters it eventually.
	OutcomeFail
)

// Store is the conversation-table surface Stage B needs.
type Store interface {
	AcquireProcessingLock(ctx context.Context, primaryChannel, conversationID string) convstore.LockStatus
	QueryStaging(ctx context.Context, conversationID string) ([]convstore.StagingFragment, error)
	GetConversation(ctx context.Context, primaryChannel, conversationID string) (convstore.Conversation, convstore.GetStatus)
	CommitReply(ctx context.Context, in convstore.CommitInput) convstore.CommitStatus
	DeleteStaging(ctx context.Context, keys []convstore.StagingKey) error
	DeleteTriggerLock(ctx context.Context, conversationID string) error
	ReleaseLockForRetry(ctx context.Context, primaryChannel, conversationID string) error
}

// SecretFetcher resolves both credential bundles.
type SecretFetcher interface {
	FetchAI(ctx context.Context, ref string) (secrets.AICredentials, secrets.Status)
	FetchProvider(ctx context.Context, ref string) (secrets.ProviderCredentials, secrets.Status)
}

// Assistant produces the reply for a merged user turn.
type Assistant interface {
	ProcessReply(ctx context.Context, threadID, assistantID, userText, apiKey string) (assistant.Reply, assistant.Status, error)
}

// ProviderSender delivers the outbound message.
type ProviderSender interface {
	Send(creds secrets.ProviderCredentials, channel, recipient, sender, body string) (twilio.SendResult, twilio.Status, error)
}

// LeaseKeeper is the in-flight visibility heartbeat.
type LeaseKeeper interface {
	Start(ctx context.Context)
	Stop() error
}

// Worker processes batch triggers for one channel queue.
type Worker struct {
	store     Store
	secrets   SecretFetcher
	assistant Assistant
	sender    ProviderSender
	channel   string

	// newHeartbeat builds the visibility extender for a received message.
	// A nil return (with error) degrades to processing without a lease
	// keeper.
	newHeartbeat func(receiptHandle string) (LeaseKeeper, error)

	now func() time.Time
}

// NewWorker wires a Stage B worker for one channel.
func NewWorker(store Store, fetcher SecretFetcher, ai Assistant, sender ProviderSender, channel string, newHeartbeat func(receiptHandle string) (LeaseKeeper, error)) *Worker {
	return &Worker{
		store:        store,
		secrets:      fetcher,
		assistant:    ai,
		sender:       sender,
		channel:      channel,
		newHeartbeat: newHeartbeat,
		now:          time.Now,
	}
}

// Process handles one queue message end to end. A heartbeat error after an
// otherwise clean run still fails the message: the lease may have lapsed
// and another worker may already own a redelivery.
func (w *Worker) Process(ctx context.Context, msg queue.Message) Outcome {
	log := logging.Log.WithField("message_id", msg.MessageID)

	var trigger queue.TriggerMessage
	if err := json.Unmarshal([]byte(msg.Body), &trigger); err != nil {
		log.WithError(err).Error("malformed trigger message")
		return OutcomeFail
	}
	if trigger.ConversationID == "" || trigger.PrimaryChannel == "" {
		log.Error("trigger message missing conversation_id or primary_channel")
		return OutcomeFail
	}
	log = log.WithFields(logrus.Fields{
		"conversation_id": trigger.ConversationID,
		"primary_channel": trigger.PrimaryChannel,
	})

	switch lockStatus := w.store.AcquireProcessingLock(ctx, trigger.PrimaryChannel, trigger.ConversationID); lockStatus {
	case convstore.LockAcquired:
	case convstore.LockExists:
		// Benign duplicate trigger; the holder will consume the staging
		// rows.
		log.Warn("processing lock already held; skipping trigger")
		return OutcomeAck
	default:
		log.WithField("status", lockStatus).Error("failed to acquire processing lock")
		return OutcomeFail
	}

	var hb LeaseKeeper
	if w.newHeartbeat != nil && msg.ReceiptHandle != "" {
		var err error
		if hb, err = w.newHeartbeat(msg.ReceiptHandle); err != nil {
			log.WithError(err).Warn("could not start visibility heartbeat; continuing without")
			hb = nil
		} else {
			hb.Start(ctx)
		}
	}

	outcome := w.processLocked(ctx, log, trigger)

	if hb != nil {
		if hbErr := hb.Stop(); hbErr != nil {
			log.WithError(hbErr).Error("heartbeat reported a failed visibility extension; failing message")
			return OutcomeFail
		}
	}
	return outcome
}

// failRetry releases the processing lock so a redelivery can run, then
// fails the message.
func (w *Worker) failRetry(ctx context.Context, log *logrus.Entry, trigger queue.TriggerMessage) Outcome {
	if err := w.store.ReleaseLockForRetry(ctx, trigger.PrimaryChannel, trigger.ConversationID); err != nil {
		log.WithError(err).Error("failed to release processing lock; TTL-less row may stay locked until manual action")
	}
	return OutcomeFail
}

// processLocked runs the batch with the processing lock held. Every
// pre-commit failure path releases the lock with status "retry"; the
// success path releases it through the commit itself.
func (w *Worker) processLocked(ctx context.Context, log *logrus.Entry, trigger queue.TriggerMessage) Outcome {
	start := w.now()

	fragments, err := w.store.QueryStaging(ctx, trigger.ConversationID)
	if err != nil {
		log.WithError(err).Error("staging query failed")
		return w.failRetry(ctx, log, trigger)
	}
	if len(fragments) == 0 {
		// The timer fired before any fragment landed, or a previous run
		// already consumed them. Nothing to do, but the lock must not
		// stay held.
		log.Warn("no staged fragments for trigger; releasing lock")
		if err := w.store.ReleaseLockForRetry(ctx, trigger.PrimaryChannel, trigger.ConversationID); err != nil {
			log.WithError(err).Error("failed to release processing lock after empty batch")
			return OutcomeFail
		}
		return OutcomeAck
	}

	combined, firstSID := mergeFragments(fragments)
	log.WithFields(logrus.Fields{
		"fragments":   len(fragments),
		"first_sid":   firstSID,
		"body_length": len(combined),
	}).Info("merged staged fragments")

	if fragments[0].PrimaryChannel != trigger.PrimaryChannel {
		log.WithField("staged_primary_channel", fragments[0].PrimaryChannel).Error("staging rows disagree with trigger about the conversation owner")
		return w.failRetry(ctx, log, trigger)
	}

	conv, getStatus := w.store.GetConversation(ctx, trigger.PrimaryChannel, trigger.ConversationID)
	if getStatus != convstore.GetFound {
		log.WithField("status", getStatus).Error("failed to hydrate conversation")
		return w.failRetry(ctx, log, trigger)
	}

	aiCreds, aiStatus := w.secrets.FetchAI(ctx, conv.AIConfig.APIKeyRef)
	if aiStatus != secrets.StatusSuccess {
		log.WithField("status", aiStatus).Error("assistant secret fetch failed")
		return w.failRetry(ctx, log, trigger)
	}
	providerCreds, provStatus := w.secrets.FetchProvider(ctx, conv.ChannelConfig.CredentialRef(w.channel))
	if provStatus != secrets.StatusSuccess {
		log.WithField("status", provStatus).Error("provider secret fetch failed")
		return w.failRetry(ctx, log, trigger)
	}

	if conv.ThreadID == "" || conv.AIConfig.AssistantIDReplies == "" {
		log.Error("conversation is missing thread_id or assistant_id_replies")
		return w.failRetry(ctx, log, trigger)
	}

	reply, aiRunStatus, err := w.assistant.ProcessReply(ctx, conv.ThreadID, conv.AIConfig.AssistantIDReplies, combined, aiCreds.APIKey)
	if aiRunStatus != assistant.StatusSuccess {
		log.WithError(err).WithField("status", aiRunStatus).Error("assistant processing failed")
		return w.failRetry(ctx, log, trigger)
	}

	replyBody, ok := extractContent(reply.Content)
	if !ok {
		log.WithField("raw_length", len(reply.Content)).Error("assistant response is not a JSON object with a content field")
		return w.failRetry(ctx, log, trigger)
	}

	sender := conv.ChannelConfig.CompanySender(w.channel)
	sent, sendStatus, err := w.sender.Send(providerCreds, w.channel, trigger.PrimaryChannel, sender, replyBody)
	if sendStatus != twilio.StatusSuccess {
		log.WithError(err).WithField("status", sendStatus).Error("provider send failed")
		return w.failRetry(ctx, log, trigger)
	}
	log = log.WithField("provider_sid", sent.MessageSID)
	log.Info("reply delivered to provider")

	// From here the reply is externally visible: no path below may cause a
	// resend.
	userTS := w.now().UTC()
	assistantTS := w.now().UTC()
	if assistantTS.Before(userTS) {
		assistantTS = userTS
	}
	processingMS := w.now().Sub(start).Milliseconds()
	taskComplete := conv.TaskComplete
	handOff := conv.HandOffToHuman

	commit := convstore.CommitInput{
		PrimaryChannel: trigger.PrimaryChannel,
		ConversationID: trigger.ConversationID,
		UserTurn: convstore.MessageTurn{
			MessageID: firstSID,
			Timestamp: userTS.Format(time.RFC3339Nano),
			Role:      "user",
			Content:   combined,
		},
		AssistantTurn: convstore.MessageTurn{
			MessageID:        sent.MessageSID,
			Timestamp:        assistantTS.Format(time.RFC3339Nano),
			Role:             "assistant",
			Content:          sent.Body,
			PromptTokens:     reply.PromptTokens,
			CompletionTokens: reply.CompletionTokens,
			TotalTokens:      reply.TotalTokens,
		},
		Status:           convstore.StatusReplySent,
		ProcessingTimeMS: &processingMS,
		TaskComplete:     &taskComplete,
		HandOffToHuman:   &handOff,
	}
	if conv.HandOffToHumanReason != "" {
		reason := conv.HandOffToHumanReason
		commit.HandOffToHumanReason = &reason
	}

	switch status := w.store.CommitReply(ctx, commit); status {
	case convstore.CommitSuccess:
	case convstore.CommitLockLost:
		log.Error("CRITICAL: commit lost the processing lock after the reply was sent; history not updated, manual investigation needed")
		return OutcomeAck
	default:
		log.Error("CRITICAL: commit failed after the reply was sent; history not updated, manual investigation needed")
		return OutcomeAck
	}

	keys := make([]convstore.StagingKey, 0, len(fragments))
	for _, f := range fragments {
		keys = append(keys, convstore.StagingKey{ConversationID: f.ConversationID, MessageSID: f.MessageSID})
	}
	if err := w.store.DeleteStaging(ctx, keys); err != nil {
		log.WithError(err).Warn("staging cleanup failed; TTL will reap the rows")
	}
	if err := w.store.DeleteTriggerLock(ctx, trigger.ConversationID); err != nil {
		log.WithError(err).Warn("trigger lock cleanup failed; TTL will reap the row")
	}

	log.WithField("processing_ms", processingMS).Info("batch committed")
	return OutcomeAck
}

// mergeFragments orders the batch by arrival time, breaking ties on the
// fragment id, and joins the bodies with newlines. The returned sid is the
// earliest fragment's, which becomes the merged user turn's message id.
func mergeFragments(fragments []convstore.StagingFragment) (combined, firstSID string) {
	sort.SliceStable(fragments, func(i, j int) bool {
		if fragments[i].ReceivedAt != fragments[j].ReceivedAt {
			return fragments[i].ReceivedAt < fragments[j].ReceivedAt
		}
		return fragments[i].MessageSID < fragments[j].MessageSID
	})
	bodies := make([]string, 0, len(fragments))
	for _, f := range fragments {
		bodies = append(bodies, f.Body)
	}
	return strings.Join(bodies, "\n"), fragments[0].MessageSID
}

// extractContent parses the assistant's raw response, which is expected to
// be a JSON object carrying the outbound text in its content field.
func extractContent(raw string) (string, bool) {
	var payload struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return "", false
	}
	if payload.Content == "" {
		return "", false
	}
	return payload.Content, true
}
