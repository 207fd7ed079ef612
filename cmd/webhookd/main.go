package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"repliesengine/internal/config"
	"repliesengine/internal/convstore"
	"repliesengine/internal/logging"
	"repliesengine/internal/queue"
	"repliesengine/internal/secrets"
	"repliesengine/internal/staging"
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

	handler := staging.NewHandler(store, fetcher, queues, cfg.Queues, cfg.BatchWindow)
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           staging.NewServer(handler, cfg.WebhookStage),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logging.Log.WithField("addr", cfg.HTTPAddr).Info("webhook ingress listening")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logging.Log.WithError(err).Fatal("webhook server failed")
	}
	logging.Log.Info("webhook ingress stopped")
}
