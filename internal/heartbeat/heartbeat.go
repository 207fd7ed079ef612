package heartbeat

import (
	"context"
	"errors"
	"sync"
	"time"

	"repliesengine/internal/logging"
)

// Extender extends the visibility lease of an in-flight queue message.
type Extender interface {
	ExtendVisibility(ctx context.Context, queueURL, receiptHandle string, timeout time.Duration) error
}

// Heartbeat keeps one queue message invisible while a worker processes it,
// extending the lease on a fixed interval from a companion goroutine. The
// first extension error ends the loop; the worker reads it after Stop and
// treats it as a processing failure, since the lease may already be gone.
type Heartbeat struct {
	extender      Extender
	queueURL      string
	receiptHandle string
	interval      time.Duration
	extension     time.Duration

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
	started  bool

	// err is written by the run goroutine only, before done is closed.
	err error
}

// New validates the lease parameters and builds a stopped heartbeat.
func New(extender Extender, queueURL, receiptHandle string, interval, extension time.Duration) (*Heartbeat, error) {
	if queueURL == "" || receiptHandle == "" {
		return nil, errors.New("heartbeat requires a queue URL and receipt handle")
	}
	if interval <= 0 {
		return nil, errors.New("heartbeat interval must be positive")
	}
	if extension <= interval {
		logging.Log.WithFields(map[string]interface{}{
			"interval_s":  interval.Seconds(),
			"extension_s": extension.Seconds(),
		}).Warn("visibility extension is not longer than the heartbeat interval")
	}
	return &Heartbeat{
		extender:      extender,
		queueURL:      queueURL,
		receiptHandle: receiptHandle,
		interval:      interval,
		extension:     extension,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}, nil
}

// Start launches the extension loop. It may be called once.
func (h *Heartbeat) Start(ctx context.Context) {
	if h.started {
		return
	}
	h.started = true
	go h.run(ctx)
}

func (h *Heartbeat) run(ctx context.Context) {
	defer close(h.done)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.extender.ExtendVisibility(ctx, h.queueURL, h.receiptHandle, h.extension); err != nil {
				logging.Log.WithError(err).Warn("visibility extension failed; heartbeat exiting")
				h.err = err
				return
			}
		}
	}
}

// Stop signals the loop and waits for it with a bounded join. It is
// idempotent and safe to call on every exit path, including before Start.
// The returned error is the first extension failure, if any.
func (h *Heartbeat) Stop() error {
	h.stopOnce.Do(func() { close(h.stop) })
	if !h.started {
		return nil
	}
	select {
	case <-h.done:
	case <-time.After(h.interval + 10*time.Second):
		logging.Log.Warn("heartbeat goroutine did not stop within the join window")
		return nil
	}
	return h.err
}
