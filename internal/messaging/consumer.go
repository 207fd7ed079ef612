package messaging

import (
	"context"
	"errors"
	"sync"
	"time"

	"repliesengine/internal/logging"
	"repliesengine/internal/queue"
)

// Receiver is the queue surface the consumer uses.
type Receiver interface {
	Receive(ctx context.Context, queueURL string, max int32, wait time.Duration) ([]queue.Message, error)
	Delete(ctx context.Context, queueURL, receiptHandle string) error
}

const (
	receiveBatchSize = 10
	receiveWait      = 20 * time.Second
	fetchErrorPause  = 500 * time.Millisecond
)

// Consumer long-polls one channel queue and fans messages out to a worker
// pool. Messages are deleted only when the worker acks; failed messages
// reappear after their visibility timeout and dead-letter via the queue's
// redrive policy.
type Consumer struct {
	receiver    Receiver
	queueURL    string
	worker      *Worker
	workerCount int
}

// NewConsumer wires a consumer for one channel queue.
func NewConsumer(receiver Receiver, queueURL string, worker *Worker, workerCount int) *Consumer {
	if workerCount <= 0 {
		workerCount = 1
	}
	return &Consumer{
		receiver:    receiver,
		queueURL:    queueURL,
		worker:      worker,
		workerCount: workerCount,
	}
}

// Run consumes until the context is canceled, then drains in-flight work.
func (c *Consumer) Run(ctx context.Context) error {
	jobs := make(chan queue.Message, c.workerCount*4)

	var wg sync.WaitGroup
	wg.Add(c.workerCount)
	for i := 0; i < c.workerCount; i++ {
		go func(workerID int) {
			defer wg.Done()
			for msg := range jobs {
				log := logging.Log.WithFields(map[string]interface{}{
					"worker":     workerID,
					"message_id": msg.MessageID,
				})
				switch c.worker.Process(ctx, msg) {
				case OutcomeAck:
					if err := c.receiver.Delete(ctx, c.queueURL, msg.ReceiptHandle); err != nil {
						log.WithError(err).Warn("failed to delete acked message; broker will redeliver a no-op")
					}
				case OutcomeFail:
					// Left on the queue; redelivered after the visibility
					// timeout.
					log.Warn("message failed; awaiting redelivery")
				}
			}
		}(i)
	}

	go func() {
		defer close(jobs)
		for {
			if ctx.Err() != nil {
				return
			}
			messages, err := c.receiver.Receive(ctx, c.queueURL, receiveBatchSize, receiveWait)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				logging.Log.WithError(err).WithField("queue", c.queueURL).Warn("receive failed; backing off")
				t := time.NewTimer(fetchErrorPause)
				select {
				case <-t.C:
				case <-ctx.Done():
					if !t.Stop() {
						<-t.C
					}
					return
				}
				continue
			}
			for _, msg := range messages {
				select {
				case jobs <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	wg.Wait()
	return ctx.Err()
}
