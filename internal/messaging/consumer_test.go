package messaging

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"repliesengine/internal/convstore"
	"repliesengine/internal/queue"
)

type fakeReceiver struct {
	mu       sync.Mutex
	messages []queue.Message
	deleted  []string
}

func (f *fakeReceiver) Receive(ctx context.Context, queueURL string, max int32, wait time.Duration) ([]queue.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.messages) == 0 {
		// Simulate an empty long poll without burning CPU.
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
			return nil, nil
		}
	}
	out := f.messages
	f.messages = nil
	return out, nil
}

func (f *fakeReceiver) Delete(_ context.Context, queueURL, receiptHandle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, receiptHandle)
	return nil
}

func (f *fakeReceiver) deletedHandles() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

func TestConsumerDeletesAckedMessages(t *testing.T) {
	// A duplicate trigger (lock already held) is the simplest ack path.
	store := happyWorkerStore()
	store.lockStatus = convstore.LockExists
	fx := newFixture(store)

	receiver := &fakeReceiver{messages: []queue.Message{triggerMessage()}}
	consumer := NewConsumer(receiver, "https://sqs.example/whatsapp", fx.worker, 2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- consumer.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(receiver.deletedHandles()) == 1
	}, time.Second, 5*time.Millisecond)
	cancel()

	require.ErrorIs(t, <-done, context.Canceled)
	require.Equal(t, []string{"rh-1"}, receiver.deletedHandles())
}

func TestConsumerLeavesFailedMessages(t *testing.T) {
	fx := newFixture(happyWorkerStore())

	receiver := &fakeReceiver{messages: []queue.Message{{MessageID: "m-bad", Body: "{not json", ReceiptHandle: "rh-bad"}}}
	consumer := NewConsumer(receiver, "https://sqs.example/whatsapp", fx.worker, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_ = consumer.Run(ctx)

	require.Empty(t, receiver.deletedHandles())
}
