package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"repliesengine/internal/assistant"
	"repliesengine/internal/config"
	"repliesengine/internal/convstore"
	"repliesengine/internal/heartbeat"
	"repliesengine/internal/logging"
	"repliesengine/internal/messaging"
	"repliesengine/internal/queue"
	"repliesengine/internal/secrets"
	"repliesengine/internal/twilio"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		logging.Log.WithError(err).Fatal("configuration is invalid")
	}

	ddb, err := convstore.NewClient(ctx, cfg)
	if err != nil {
		logging.Log.WithError(err).Fatal("failed to build table client")
	}
	store := convstore.New(ddb, cfg.Tables, cfg.BatchWindow, cfg.TTLBuffer)

	queues, err := queue.NewClient(ctx, cfg)
	if err != nil {
		logging.Log.WithError(err).Fatal("failed to build queue client")
	}

	fetcher, err := secrets.NewFetcher(ctx, cfg)
	if err != nil {
		logging.Log.WithError(err).Fatal("failed to build secret fetcher")
	}

	ai := assistant.New()
	sender := twilio.NewSender()

	channelQueues := map[string]string{
		"whatsapp": cfg.Queues.WhatsApp,
		"sms":      cfg.Queues.SMS,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	for channel, queueURL := range channelQueues {
		newHeartbeat := func(receiptHandle string) (messaging.LeaseKeeper, error) {
			return heartbeat.New(queues, queueURL, receiptHandle, cfg.Heartbeat.Interval, cfg.Heartbeat.VisibilityExtension)
		}
		worker := messaging.NewWorker(store, fetcher, ai, sender, channel, newHeartbeat)
		consumer := messaging.NewConsumer(queues, queueURL, worker, cfg.WorkerCount)
		logging.Log.WithFields(map[string]interface{}{
			"channel": channel,
			"queue":   queueURL,
			"workers": cfg.WorkerCount,
		}).Info("starting batch consumer")
		group.Go(func() error { return consumer.Run(groupCtx) })
	}

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logging.Log.WithError(err).Fatal("consumer exited with error")
	}
	logging.Log.Info("worker stopped")
}
