package assistant

import (
	"context"
	"errors"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"repliesengine/internal/logging"
)

// Status classifies the outcome of an assistant invocation.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	// StatusTransient covers rate limits, connection failures, 5xx and
	// polling timeouts: the broker should redeliver.
	StatusTransient Status = "TRANSIENT_ERROR"
	// StatusNonTransient covers auth, not-found, bad-request and terminal
	// run states: retrying cannot help.
	StatusNonTransient Status = "NON_TRANSIENT_ERROR"
	StatusInvalidInput Status = "INVALID_INPUT"
)

// Reply is a completed assistant response with its token usage.
type Reply struct {
	Content          string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Defaults for the run polling loop.
const (
	DefaultPollInterval = time.Second
	DefaultPollTimeout  = 540 * time.Second
)

// threadAPI is the slice of the OpenAI client the adapter uses. Tests pass
// fakes.
type threadAPI interface {
	CreateMessage(ctx context.Context, threadID string, request openai.MessageRequest) (openai.Message, error)
	CreateRun(ctx context.Context, threadID string, request openai.RunRequest) (openai.Run, error)
	RetrieveRun(ctx context.Context, threadID, runID string) (openai.Run, error)
	CancelRun(ctx context.Context, threadID, runID string) (openai.Run, error)
	ListMessage(ctx context.Context, threadID string, limit *int, order *string, after, before *string, runID *string) (openai.MessagesList, error)
}

// Adapter drives the assistant thread/run API: append the user turn, run
// the reply assistant, wait for completion, extract the reply text and
// usage.
type Adapter struct {
	pollInterval time.Duration
	pollTimeout  time.Duration
	newClient    func(apiKey string) threadAPI
}

// New builds an Adapter with the default polling parameters.
func New() *Adapter {
	return &Adapter{
		pollInterval: DefaultPollInterval,
		pollTimeout:  DefaultPollTimeout,
		newClient: func(apiKey string) threadAPI {
			return openai.NewClient(apiKey)
		},
	}
}

// ProcessReply appends userText to the thread, runs the assistant and
// returns the extracted reply. The returned error carries detail for logs;
// callers branch on the Status.
func (a *Adapter) ProcessReply(ctx context.Context, threadID, assistantID, userText, apiKey string) (Reply, Status, error) {
	if threadID == "" || assistantID == "" || userText == "" || apiKey == "" {
		return Reply{}, StatusInvalidInput, errors.New("missing required assistant inputs")
	}
	client := a.newClient(apiKey)

	if _, err := client.CreateMessage(ctx, threadID, openai.MessageRequest{
		Role:    openai.ChatMessageRoleUser,
		Content: userText,
	}); err != nil {
		return Reply{}, classify(err), fmt.Errorf("append user message to thread %s: %w", threadID, err)
	}

	run, err := client.CreateRun(ctx, threadID, openai.RunRequest{AssistantID: assistantID})
	if err != nil {
		return Reply{}, classify(err), fmt.Errorf("start run on thread %s: %w", threadID, err)
	}

	run, status, err := a.waitForRun(ctx, client, threadID, run.ID)
	if err != nil {
		return Reply{}, status, err
	}

	content, textStatus, err := latestAssistantText(ctx, client, threadID, run.ID)
	if err != nil {
		return Reply{}, textStatus, err
	}

	return Reply{
		Content:          content,
		PromptTokens:     run.Usage.PromptTokens,
		CompletionTokens: run.Usage.CompletionTokens,
		TotalTokens:      run.Usage.TotalTokens,
	}, StatusSuccess, nil
}

// waitForRun polls the run until it reaches a terminal state or the
// timeout elapses. On timeout the run is cancelled best-effort and the
// failure is transient.
func (a *Adapter) waitForRun(ctx context.Context, client threadAPI, threadID, runID string) (openai.Run, Status, error) {
	deadline := time.Now().Add(a.pollTimeout)
	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()

	for {
		run, err := client.RetrieveRun(ctx, threadID, runID)
		if err != nil {
			return openai.Run{}, classify(err), fmt.Errorf("poll run %s: %w", runID, err)
		}
		switch run.Status {
		case openai.RunStatusCompleted:
			return run, StatusSuccess, nil
		case openai.RunStatusFailed, openai.RunStatusCancelled, openai.RunStatusExpired:
			return openai.Run{}, StatusNonTransient, fmt.Errorf("run %s ended with terminal status %q", runID, run.Status)
		case openai.RunStatusRequiresAction:
			return openai.Run{}, StatusNonTransient, fmt.Errorf("run %s requires tool action, which is unsupported", runID)
		}

		if time.Now().After(deadline) {
			if _, cancelErr := client.CancelRun(ctx, threadID, runID); cancelErr != nil {
				logging.Log.WithError(cancelErr).WithField("run_id", runID).Warn("failed to cancel timed-out run")
			}
			return openai.Run{}, StatusTransient, fmt.Errorf("run %s exceeded polling timeout of %s", runID, a.pollTimeout)
		}

		select {
		case <-ctx.Done():
			return openai.Run{}, StatusTransient, ctx.Err()
		case <-ticker.C:
		}
	}
}

// latestAssistantText finds the newest assistant message produced by the
// run and returns its first text segment. A completed run without any
// assistant text cannot be fixed by retrying.
func latestAssistantText(ctx context.Context, client threadAPI, threadID, runID string) (string, Status, error) {
	order := "desc"
	msgs, err := client.ListMessage(ctx, threadID, nil, &order, nil, nil, &runID)
	if err != nil {
		return "", classify(err), fmt.Errorf("list thread %s messages: %w", threadID, err)
	}
	for _, m := range msgs.Messages {
		if m.Role != openai.ChatMessageRoleAssistant {
			continue
		}
		for _, part := range m.Content {
			if part.Text != nil {
				return part.Text.Value, StatusSuccess, nil
			}
		}
	}
	return "", StatusNonTransient, fmt.Errorf("run %s produced no assistant text in thread %s", runID, threadID)
}

// classify maps OpenAI client errors to the retry policy: rate limits,
// timeouts and server faults are transient; auth, not-found and
// bad-request are not. Connection-level failures have no API error type
// and default to transient.
func classify(err error) Status {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return statusFromHTTP(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return statusFromHTTP(reqErr.HTTPStatusCode)
	}
	return StatusTransient
}

func statusFromHTTP(code int) Status {
	switch {
	case code == 429:
		return StatusTransient
	case code >= 500:
		return StatusTransient
	case code == 408:
		return StatusTransient
	case code >= 400:
		return StatusNonTransient
	}
	return StatusTransient
}
