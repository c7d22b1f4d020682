package models

import (
	"encoding/json"
	"time"

	"github.com/uptrace/bun"
)

// EmailMessage statuses. queued and soft_bounced are the claimable set; the
// outbox processor moves rows through processing, the webhook reconciler
// drives the post-send transitions.
const (
	EmailStatusQueued      = "queued"
	EmailStatusProcessing  = "processing"
	EmailStatusSent        = "sent"
	EmailStatusDelivered   = "delivered"
	EmailStatusBounced     = "bounced"
	EmailStatusSoftBounced = "soft_bounced"
	EmailStatusComplained  = "complained"
	EmailStatusFailed      = "failed"
	EmailStatusCancelled   = "cancelled"
)

// Message classifications.
const (
	EmailClassTransactional = "transactional"
	EmailClassMarketing     = "marketing"
	EmailClassSystem        = "system"
)

// EmailMessage is one logical email in the outbox. IdempotencyKey is unique:
// enqueuing the same key twice returns the existing row.
type EmailMessage struct {
	bun.BaseModel `bun:"table:email_messages"`

	MessageID         string    `bun:"message_id,pk" json:"message_id"`
	OrgID             string    `bun:"org_id" json:"org_id"`
	EventID           string    `bun:"event_id,nullzero" json:"event_id,omitempty"`
	IdempotencyKey    string    `bun:"idempotency_key,unique" json:"idempotency_key"`
	Sender            string    `bun:"sender" json:"sender"`
	Recipient         string    `bun:"recipient" json:"recipient"`
	Subject           string    `bun:"subject" json:"subject"`
	Body              string    `bun:"body" json:"body"`
	Class             string    `bun:"class" json:"class"`
	Status            string    `bun:"status" json:"status"`
	AttemptCount      int       `bun:"attempt_count" json:"attempt_count"`
	MaxAttempts       int       `bun:"max_attempts" json:"max_attempts"`
	LastAttemptAt     time.Time `bun:"last_attempt_at,nullzero" json:"last_attempt_at,omitempty"`
	NextAttemptAt     time.Time `bun:"next_attempt_at,nullzero" json:"next_attempt_at,omitempty"`
	ProviderMessageID string    `bun:"provider_message_id,nullzero" json:"provider_message_id,omitempty"`
	ErrorCode         string    `bun:"error_code,nullzero" json:"error_code,omitempty"`
	ErrorMessage      string    `bun:"error_message,nullzero" json:"error_message,omitempty"`
	BatchID           string    `bun:"batch_id,nullzero" json:"batch_id,omitempty"`
	CreatedAt         time.Time `bun:"created_at" json:"created_at"`
	UpdatedAt         time.Time `bun:"updated_at" json:"updated_at"`
}

// EmailEvent records one status transition of an EmailMessage, append-only.
// ProviderEventID is unique when present and dedupes webhook redeliveries.
type EmailEvent struct {
	bun.BaseModel `bun:"table:email_events"`

	EventID           string          `bun:"event_id,pk" json:"event_id"`
	MessageID         string          `bun:"message_id" json:"message_id"`
	Type              string          `bun:"type" json:"type"`
	FromStatus        string          `bun:"from_status" json:"from_status"`
	ToStatus          string          `bun:"to_status" json:"to_status"`
	ProviderEventID   string          `bun:"provider_event_id,unique,nullzero" json:"provider_event_id,omitempty"`
	ProviderTimestamp time.Time       `bun:"provider_timestamp,nullzero" json:"provider_timestamp,omitempty"`
	ErrorDetail       string          `bun:"error_detail,nullzero" json:"error_detail,omitempty"`
	Payload           json.RawMessage `bun:"payload,nullzero" json:"payload,omitempty"`
	CreatedAt         time.Time       `bun:"created_at" json:"created_at"`
}
