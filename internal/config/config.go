package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// TableConfig names the three DynamoDB tables the pipeline writes.
type TableConfig struct {
	Conversations string
	Staging       string
	TriggerLock   string
}

// QueueConfig holds the per-channel trigger queues plus the handoff queue.
type QueueConfig struct {
	WhatsApp string
	SMS      string
	Email    string
	Handoff  string
}

// HeartbeatConfig controls the SQS visibility extender.
type HeartbeatConfig struct {
	Interval            time.Duration
	VisibilityExtension time.Duration
}

// Config is the full runtime configuration for both binaries.
type Config struct {
	Tables TableConfig
	Queues QueueConfig

	// BatchWindow is the debounce interval W applied as the trigger
	// message's delay.
	BatchWindow time.Duration
	// TTLBuffer is added on top of BatchWindow for staging and
	// trigger-lock row expiry.
	TTLBuffer time.Duration

	Heartbeat HeartbeatConfig

	HTTPAddr    string
	WorkerCount int
	LogLevel    string

	// WebhookStage is the optional public path segment (e.g. a gateway
	// stage) included in the provider-signed URL.
	WebhookStage string

	// AWSEndpoint overrides the SDK endpoint for local stacks.
	AWSEndpoint string
	AWSRegion   string
	// Static credentials for local stacks; the default provider chain is
	// used when unset.
	AWSAccessKey string
	AWSSecretKey string
}

// Load reads configuration from environment variables (optionally .env).
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Tables: TableConfig{
			Conversations: strings.TrimSpace(os.Getenv("CONVERSATIONS_TABLE")),
			Staging:       strings.TrimSpace(os.Getenv("CONVERSATIONS_STAGE_TABLE")),
			TriggerLock:   strings.TrimSpace(os.Getenv("CONVERSATIONS_TRIGGER_LOCK_TABLE")),
		},
		Queues: QueueConfig{
			WhatsApp: strings.TrimSpace(os.Getenv("WHATSAPP_QUEUE_URL")),
			SMS:      strings.TrimSpace(os.Getenv("SMS_QUEUE_URL")),
			Email:    strings.TrimSpace(os.Getenv("EMAIL_QUEUE_URL")),
			Handoff:  strings.TrimSpace(os.Getenv("HANDOFF_QUEUE_URL")),
		},
		BatchWindow: time.Duration(intFromEnv("BATCH_WINDOW_SECONDS", 10)) * time.Second,
		TTLBuffer:   time.Duration(intFromEnv("TTL_BUFFER_SECONDS", 60)) * time.Second,
		Heartbeat: HeartbeatConfig{
			Interval:            time.Duration(intFromEnv("SQS_HEARTBEAT_INTERVAL_MS", 300000)) * time.Millisecond,
			VisibilityExtension: time.Duration(intFromEnv("SQS_VISIBILITY_EXTENSION_SECONDS", 600)) * time.Second,
		},
		HTTPAddr:     firstNonEmpty(strings.TrimSpace(os.Getenv("HTTP_ADDR")), ":8080"),
		WorkerCount:  intFromEnv("WORKER_COUNT", 4),
		LogLevel:     strings.TrimSpace(os.Getenv("LOG_LEVEL")),
		WebhookStage: strings.TrimSpace(os.Getenv("WEBHOOK_STAGE")),
		AWSEndpoint:  strings.TrimSpace(os.Getenv("AWS_ENDPOINT_URL")),
		AWSRegion:    strings.TrimSpace(os.Getenv("AWS_REGION")),
		AWSAccessKey: strings.TrimSpace(os.Getenv("AWS_STATIC_ACCESS_KEY")),
		AWSSecretKey: strings.TrimSpace(os.Getenv("AWS_STATIC_SECRET_KEY")),
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	required := map[string]string{
		"CONVERSATIONS_TABLE":              c.Tables.Conversations,
		"CONVERSATIONS_STAGE_TABLE":        c.Tables.Staging,
		"CONVERSATIONS_TRIGGER_LOCK_TABLE": c.Tables.TriggerLock,
		"WHATSAPP_QUEUE_URL":               c.Queues.WhatsApp,
		"SMS_QUEUE_URL":                    c.Queues.SMS,
		"EMAIL_QUEUE_URL":                  c.Queues.Email,
		"HANDOFF_QUEUE_URL":                c.Queues.Handoff,
	}
	var missing []string
	for name, value := range required {
		if value == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}
	if c.BatchWindow <= 0 {
		return fmt.Errorf("BATCH_WINDOW_SECONDS must be positive")
	}
	if c.Heartbeat.Interval <= 0 {
		return fmt.Errorf("SQS_HEARTBEAT_INTERVAL_MS must be positive")
	}
	if c.WorkerCount <= 0 {
		return fmt.Errorf("WORKER_COUNT must be positive")
	}
	return nil
}

// QueueForChannel returns the trigger queue URL for a channel, or "" when
// the channel is unknown.
func (q QueueConfig) QueueForChannel(channel string) string {
	switch channel {
	case "whatsapp":
		return q.WhatsApp
	case "sms":
		return q.SMS
	case "email":
		return q.Email
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func intFromEnv(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
