package models

import (
	"encoding/json"
	"time"

	"github.com/uptrace/bun"
)

// Scan outcomes. Every scan attempt resolves to exactly one of these.
const (
	ScanOutcomeValid             = "VALID"
	ScanOutcomeInvalid           = "INVALID"
	ScanOutcomeAlreadyUsed       = "ALREADY_USED"
	ScanOutcomeCancelled         = "CANCELLED"
	ScanOutcomeRefunded          = "REFUNDED"
	ScanOutcomeNotInEvent        = "NOT_IN_EVENT"
	ScanOutcomeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	ScanOutcomeUndo              = "UNDO"
	ScanOutcomeError             = "ERROR"
)

// ScanAttempt is the append-only audit record for a single check-in attempt.
// Rows are never updated or deleted. TicketID stays empty when the token did
// not resolve to a ticket.
type ScanAttempt struct {
	bun.BaseModel `bun:"table:scan_attempts"`

	AttemptID string          `bun:"attempt_id,pk" json:"attempt_id"`
	TicketID  string          `bun:"ticket_id,nullzero" json:"ticket_id,omitempty"`
	EventID   string          `bun:"event_id" json:"event_id"`
	ActorID   string          `bun:"actor_id" json:"actor_id"`
	DeviceID  string          `bun:"device_id,nullzero" json:"device_id,omitempty"`
	IPAddress string          `bun:"ip_address,nullzero" json:"ip_address,omitempty"`
	UserAgent string          `bun:"user_agent,nullzero" json:"user_agent,omitempty"`
	Outcome   string          `bun:"outcome" json:"outcome"`
	Reason    string          `bun:"reason,nullzero" json:"reason,omitempty"`
	Metadata  json.RawMessage `bun:"metadata,nullzero" json:"metadata,omitempty"`
	CreatedAt time.Time       `bun:"created_at" json:"created_at"`
}

// ScanStats aggregates scan attempts for one event, derived entirely from
// the audit log.
type ScanStats struct {
	EventID        string `json:"event_id"`
	TotalScans     int    `json:"total_scans"`
	ValidScans     int    `json:"valid_scans"`
	InvalidScans   int    `json:"invalid_scans"`
	ScansInWindow  int    `json:"scans_in_window"`
	UniqueScanners int    `json:"unique_scanners"`
}
