package staging

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"repliesengine/internal/config"
	"repliesengine/internal/convstore"
	"repliesengine/internal/logging"
	"repliesengine/internal/queue"
	"repliesengine/internal/routing"
	"repliesengine/internal/secrets"
	"repliesengine/internal/webhook"
)

// Store is the conversation-table surface Stage A needs.
type Store interface {
	LookupCredentialRef(ctx context.Context, channel, userID, companyID string) convstore.CredentialLookup
	GetConversation(ctx context.Context, primaryChannel, conversationID string) (convstore.Conversation, convstore.GetStatus)
	StageFragment(ctx context.Context, conversationID, messageSID, primaryChannel, body string) convstore.WriteStatus
	AcquireTriggerLock(ctx context.Context, conversationID string) convstore.LockStatus
}

// SecretFetcher resolves the provider credential bundle used for signature
// verification.
type SecretFetcher interface {
	FetchProvider(ctx context.Context, ref string) (secrets.ProviderCredentials, secrets.Status)
}

// Enqueuer sends trigger and handoff messages.
type Enqueuer interface {
	Enqueue(ctx context.Context, queueURL, body string, delay time.Duration) error
}

// Handler is the Stage A orchestrator: validate, stage the fragment, and
// conditionally schedule the batch trigger.
type Handler struct {
	store       Store
	secrets     SecretFetcher
	enqueuer    Enqueuer
	queues      config.QueueConfig
	batchWindow time.Duration

	// verify is swapped in tests; production uses the provider HMAC check.
	verify func(authToken string, req *webhook.ParsedRequest) bool
}

// NewHandler wires the Stage A orchestrator.
func NewHandler(store Store, fetcher SecretFetcher, enqueuer Enqueuer, queues config.QueueConfig, batchWindow time.Duration) *Handler {
	return &Handler{
		store:       store,
		secrets:     fetcher,
		enqueuer:    enqueuer,
		queues:      queues,
		batchWindow: batchWindow,
		verify:      webhook.VerifySignature,
	}
}

// Handle runs the synchronous webhook path for one inbound fragment.
// The tenant secret is resolved before the signature is checked ("late
// validation"): which secret applies depends on the receiving number.
func (h *Handler) Handle(ctx context.Context, meta webhook.RequestMeta, rawBody []byte) Decision {
	log := logging.Log.WithField("request_id", uuid.NewString())

	req, err := webhook.Parse(meta, rawBody)
	if err != nil {
		return errorDecision(webhook.ChannelFromPath(meta.Path), "PARSING_ERROR", err.Error())
	}
	log = log.WithFields(logrus.Fields{
		"channel":     req.Channel,
		"message_sid": req.MessageSID,
	})
	log.WithField("conversation_id", req.ProvisionalConversationID).Info("processing inbound fragment")

	// Credential lookup via the channel index; this also resolves the
	// authoritative conversation id.
	lookup := h.store.LookupCredentialRef(ctx, req.Channel, req.From, req.To)
	if lookup.Status != convstore.LookupFound {
		return errorDecision(req.Channel, string(lookup.Status), "credential lookup failed")
	}
	conversationID := lookup.ConversationID
	log = log.WithField("conversation_id", conversationID)

	creds, secretStatus := h.secrets.FetchProvider(ctx, lookup.CredentialRef)
	if secretStatus != secrets.StatusSuccess {
		code := "SECRET_FETCH_FAILED"
		if secretStatus.Transient() {
			code = "SECRET_FETCH_TRANSIENT_ERROR"
		}
		return errorDecision(req.Channel, code, "failed to retrieve signing credentials")
	}

	if !h.verify(creds.AuthToken, req) {
		return errorDecision(req.Channel, "INVALID_SIGNATURE", "provider signature did not verify")
	}
	log.Debug("provider signature verified")

	primaryChannel := convstore.StripChannelPrefix(req.Channel, req.From)

	conv, getStatus := h.store.GetConversation(ctx, primaryChannel, conversationID)
	if getStatus != convstore.GetFound {
		return errorDecision(req.Channel, string(getStatus), "failed to hydrate conversation")
	}

	if code := routing.ValidateRules(conv, req.Channel); code != "" {
		return errorDecision(req.Channel, code, "conversation rules rejected the message")
	}

	route, ok := routing.DetermineRoute(conv, req.Channel, h.queues)
	if !ok {
		return errorDecision(req.Channel, "ROUTING_ERROR", "could not determine target queue")
	}

	// Staging happens before the trigger decision so a concurrently firing
	// batch run is guaranteed to see this fragment.
	if status := h.store.StageFragment(ctx, conversationID, req.MessageSID, primaryChannel, req.Body); status != convstore.WriteSuccess {
		return errorDecision(req.Channel, string(status), "failed to stage message fragment")
	}

	if route.Handoff {
		body, err := json.Marshal(queue.HandoffMessage{
			ConversationID: conversationID,
			PrimaryChannel: primaryChannel,
			Channel:        req.Channel,
			MessageSID:     req.MessageSID,
			Body:           req.Body,
			Conversation:   conv,
		})
		if err != nil {
			return errorDecision(req.Channel, "INTERNAL_ERROR", "handoff context is not serializable")
		}
		if err := h.enqueuer.Enqueue(ctx, route.QueueURL, string(body), 0); err != nil {
			return errorDecision(req.Channel, string(queue.ClassifySend(err)), "failed to enqueue handoff message")
		}
		log.Info("routed fragment to handoff queue")
		return h.ack(req.Channel)
	}

	switch lockStatus := h.store.AcquireTriggerLock(ctx, conversationID); lockStatus {
	case convstore.LockAcquired:
		body, _ := json.Marshal(queue.TriggerMessage{
			ConversationID: conversationID,
			PrimaryChannel: primaryChannel,
		})
		if err := h.enqueuer.Enqueue(ctx, route.QueueURL, string(body), h.batchWindow); err != nil {
			return errorDecision(req.Channel, string(queue.ClassifySend(err)), "failed to enqueue batch trigger")
		}
		log.WithField("delay_s", h.batchWindow.Seconds()).Info("scheduled batch trigger")
	case convstore.LockExists:
		// A timer is already running for this batch; the fragment just
		// staged will be merged when it fires.
		log.Debug("batch trigger already scheduled; fragment staged only")
	case convstore.LockTransient:
		return errorDecision(req.Channel, "TRIGGER_DB_TRANSIENT_ERROR", "trigger lock acquisition failed transiently")
	default:
		return errorDecision(req.Channel, "TRIGGER_LOCK_WRITE_ERROR", "trigger lock acquisition failed")
	}

	return h.ack(req.Channel)
}

func (h *Handler) ack(channel string) Decision {
	if telephony(channel) {
		return ackTwiML()
	}
	return ackJSON("message received")
}
