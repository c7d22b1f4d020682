package models

import (
	"time"

	"github.com/uptrace/bun"
)

// Order statuses as observed from payment events. Orders are owned by the
// order service; this service reads them for the refund check and writes the
// status mirrored from payment events.
const (
	OrderStatusPending  = "pending"
	OrderStatusPaid     = "paid"
	OrderStatusRefunded = "refunded"
	OrderStatusCanceled = "cancelled"
)

type Order struct {
	bun.BaseModel `bun:"table:orders"`

	OrderID   string    `bun:"order_id,pk" json:"order_id"`
	OrgID     string    `bun:"org_id" json:"org_id"`
	EventID   string    `bun:"event_id" json:"event_id"`
	UserID    string    `bun:"user_id" json:"user_id"`
	Status    string    `bun:"status" json:"status"`
	Price     float64   `bun:"price" json:"price"`
	CreatedAt time.Time `bun:"created_at" json:"created_at"`
}

// PaymentEvent is the payload consumed from the payment topics. It carries
// enough detail to issue tickets without calling back into the order service.
type PaymentEvent struct {
	Type      string       `json:"type"`
	OrderID   string       `json:"order_id"`
	OrgID     string       `json:"org_id"`
	EventID   string       `json:"event_id"`
	UserID    string       `json:"user_id"`
	Status    string       `json:"status"`
	Tickets   []TicketSpec `json:"tickets,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}
