package models

import (
	"time"

	"github.com/uptrace/bun"
)

// Ticket lifecycle statuses.
const (
	TicketStatusIssued    = "issued"
	TicketStatusCheckedIn = "checked_in"
	TicketStatusVoid      = "void"
)

type Ticket struct {
	bun.BaseModel `bun:"table:tickets"`

	TicketID    string    `bun:"ticket_id,pk" json:"ticket_id"`
	OrderID     string    `bun:"order_id" json:"order_id"`
	EventID     string    `bun:"event_id" json:"event_id"`
	TypeID      string    `bun:"type_id" json:"type_id"`
	TypeName    string    `bun:"type_name" json:"type_name"`
	TokenHash   string    `bun:"token_hash,unique" json:"-"`
	QRCode      []byte    `bun:"qr_code" json:"-"`
	Status      string    `bun:"status" json:"status"`
	HolderName  string    `bun:"holder_name" json:"holder_name"`
	HolderEmail string    `bun:"holder_email" json:"holder_email"`
	IssuedAt    time.Time `bun:"issued_at" json:"issued_at"`
	CheckedInAt time.Time `bun:"checked_in_at,nullzero" json:"checked_in_at,omitempty"`
	CheckedInBy string    `bun:"checked_in_by,nullzero" json:"checked_in_by,omitempty"`
}

type TicketSpec struct {
	TypeID      string `json:"type_id"`
	TypeName    string `json:"type_name"`
	HolderName  string `json:"holder_name"`
	HolderEmail string `json:"holder_email"`
}
