package models

import (
	"encoding/json"
	"time"

	"github.com/uptrace/bun"
)

// MessageBatch statuses.
const (
	BatchStatusDraft      = "draft"
	BatchStatusQueued     = "queued"
	BatchStatusProcessing = "processing"
	BatchStatusSending    = "sending"
	BatchStatusCompleted  = "completed"
	BatchStatusPaused     = "paused"
	BatchStatusCancelled  = "cancelled"
	BatchStatusFailed     = "failed"
)

// BatchItem statuses.
const (
	BatchItemPending = "pending"
	BatchItemQueued  = "queued"
	BatchItemSkipped = "skipped"
	BatchItemFailed  = "failed"
)

// Recipient is one resolved campaign target before batch items exist.
type Recipient struct {
	Name  string `bun:"holder_name" json:"name"`
	Email string `bun:"holder_email" json:"email"`
}

// MessageBatch groups the messages created from one bulk campaign request.
type MessageBatch struct {
	bun.BaseModel `bun:"table:message_batches"`

	BatchID        string    `bun:"batch_id,pk" json:"batch_id"`
	OrgID          string    `bun:"org_id" json:"org_id"`
	EventID        string    `bun:"event_id,nullzero" json:"event_id,omitempty"`
	Name           string    `bun:"name" json:"name"`
	FilterKind     string    `bun:"filter_kind" json:"filter_kind"`
	FilterValue    string    `bun:"filter_value,nullzero" json:"filter_value,omitempty"`
	Status         string    `bun:"status" json:"status"`
	RecipientCount int       `bun:"recipient_count" json:"recipient_count"`
	QueuedCount    int       `bun:"queued_count" json:"queued_count"`
	SentCount      int       `bun:"sent_count" json:"sent_count"`
	DeliveredCount int       `bun:"delivered_count" json:"delivered_count"`
	FailedCount    int       `bun:"failed_count" json:"failed_count"`
	BouncedCount   int       `bun:"bounced_count" json:"bounced_count"`
	CreatedAt      time.Time `bun:"created_at" json:"created_at"`
	UpdatedAt      time.Time `bun:"updated_at" json:"updated_at"`
}

// BatchItem is one resolved recipient within a batch, unique per recipient
// address.
type BatchItem struct {
	bun.BaseModel `bun:"table:batch_items"`

	ItemID    string          `bun:"item_id,pk" json:"item_id"`
	BatchID   string          `bun:"batch_id,unique:batch_recipient" json:"batch_id"`
	Recipient string          `bun:"recipient,unique:batch_recipient" json:"recipient"`
	Variables json.RawMessage `bun:"variables,nullzero" json:"variables,omitempty"`
	MessageID string          `bun:"message_id,nullzero" json:"message_id,omitempty"`
	Status    string          `bun:"status" json:"status"`
	CreatedAt time.Time       `bun:"created_at" json:"created_at"`
}
