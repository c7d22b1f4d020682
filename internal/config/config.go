package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Kafka    KafkaConfig
	Provider ProviderConfig
	Scan     ScanPolicy
	Retry    RetryPolicy
	Bulk     BulkPolicy
}

type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type DatabaseConfig struct {
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  time.Duration
}

type RedisConfig struct {
	Addr string
}

type KafkaConfig struct {
	Brokers []string
	GroupID string
	Topics  TopicConfig
}

type TopicConfig struct {
	ScanRecorded     string
	EmailStatus      string
	PaymentSucceeded string
	PaymentRefunded  string
}

// ProviderConfig configures the external email provider API and its webhook.
type ProviderConfig struct {
	BaseURL          string
	APIKey           string
	Sender           string
	Timeout          time.Duration
	WebhookSecret    string
	WebhookTolerance time.Duration
}

// ScanPolicy holds the per-call settings of the check-in flow. The zero-ish
// defaults come from the environment; event-level overrides are merged in via
// Merge rather than mutating shared state.
type ScanPolicy struct {
	ActorPerMinute  int
	DevicePerMinute int
	PIILevel        string
	AllowUndo       bool
}

// ScanPolicyOverride carries optional event-level settings; nil fields keep
// the org-wide value.
type ScanPolicyOverride struct {
	ActorPerMinute  *int    `json:"actor_per_minute,omitempty"`
	DevicePerMinute *int    `json:"device_per_minute,omitempty"`
	PIILevel        *string `json:"pii_level,omitempty"`
	AllowUndo       *bool   `json:"allow_undo,omitempty"`
}

func (p ScanPolicy) Merge(o ScanPolicyOverride) ScanPolicy {
	merged := p
	if o.ActorPerMinute != nil {
		merged.ActorPerMinute = *o.ActorPerMinute
	}
	if o.DevicePerMinute != nil {
		merged.DevicePerMinute = *o.DevicePerMinute
	}
	if o.PIILevel != nil {
		merged.PIILevel = *o.PIILevel
	}
	if o.AllowUndo != nil {
		merged.AllowUndo = *o.AllowUndo
	}
	return merged
}

// RetryPolicy drives outbox delivery retries.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
}

// BulkPolicy bounds campaign creation and the outbox batch loop.
type BulkPolicy struct {
	MaxRecipients int
	ChunkSize     int
	BatchSize     int
	Interval      time.Duration
}

func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         getEnv("PORT", ":8084"),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Database: DatabaseConfig{
			DSN:          getEnv("POSTGRES_DSN", ""),
			MaxOpenConns: getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns: getEnvInt("DB_MAX_IDLE_CONNS", 25),
			MaxLifetime:  time.Duration(getEnvInt("DB_MAX_LIFETIME_MINUTES", 5)) * time.Minute,
		},
		Redis: RedisConfig{
			Addr: getEnv("REDIS_ADDR", "localhost:6379"),
		},
		Kafka: KafkaConfig{
			Brokers: []string{getEnv("KAFKA_ADDR", "localhost:9092")},
			GroupID: getEnv("KAFKA_GROUP_ID", "checkin-service-group"),
			Topics: TopicConfig{
				ScanRecorded:     getEnv("KAFKA_TOPIC_SCANS", "ticketly.checkin.scans"),
				EmailStatus:      getEnv("KAFKA_TOPIC_EMAIL_STATUS", "ticketly.email.status"),
				PaymentSucceeded: getEnv("KAFKA_TOPIC_PAYMENT_SUCCEEDED", "ticketly.payment.succeeded"),
				PaymentRefunded:  getEnv("KAFKA_TOPIC_PAYMENT_REFUNDED", "ticketly.payment.refunded"),
			},
		},
		Provider: ProviderConfig{
			BaseURL:          getEnv("EMAIL_PROVIDER_URL", "https://api.mailprovider.test"),
			APIKey:           getEnv("EMAIL_PROVIDER_API_KEY", ""),
			Sender:           getEnv("EMAIL_SENDER", "tickets@ticketly.com"),
			Timeout:          time.Duration(getEnvInt("EMAIL_PROVIDER_TIMEOUT_SECONDS", 10)) * time.Second,
			WebhookSecret:    getEnv("EMAIL_WEBHOOK_SECRET", ""),
			WebhookTolerance: time.Duration(getEnvInt("EMAIL_WEBHOOK_TOLERANCE_SECONDS", 300)) * time.Second,
		},
		Scan: ScanPolicy{
			ActorPerMinute:  getEnvInt("SCAN_LIMIT_PER_MINUTE", 60),
			DevicePerMinute: getEnvInt("SCAN_LIMIT_PER_DEVICE_PER_MINUTE", 30),
			PIILevel:        getEnv("SCAN_PII_LEVEL", "masked"),
			AllowUndo:       getEnvBool("SCAN_ALLOW_UNDO", false),
		},
		Retry: RetryPolicy{
			MaxAttempts:  getEnvInt("EMAIL_MAX_ATTEMPTS", 3),
			InitialDelay: time.Duration(getEnvInt("EMAIL_RETRY_INITIAL_SECONDS", 60)) * time.Second,
			Multiplier:   getEnvFloat("EMAIL_RETRY_MULTIPLIER", 2.0),
		},
		Bulk: BulkPolicy{
			MaxRecipients: getEnvInt("BULK_MAX_RECIPIENTS", 10000),
			ChunkSize:     getEnvInt("BULK_CHUNK_SIZE", 500),
			BatchSize:     getEnvInt("OUTBOX_BATCH_SIZE", 50),
			Interval:      time.Duration(getEnvInt("OUTBOX_INTERVAL_SECONDS", 60)) * time.Second,
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}
