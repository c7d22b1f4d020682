package models

import (
	"time"

	"github.com/uptrace/bun"
)

// Suppression reasons.
const (
	SuppressionReasonUnsubscribe = "unsubscribe"
	SuppressionReasonHardBounce  = "hard_bounce"
	SuppressionReasonComplaint   = "spam_complaint"
	SuppressionReasonManual      = "manual"
)

// Unsubscribe is a suppression entry keyed by (org, email, class). An active
// entry blocks any new message of that class to the address.
type Unsubscribe struct {
	bun.BaseModel `bun:"table:unsubscribes"`

	UnsubID   string    `bun:"unsub_id,pk" json:"unsub_id"`
	OrgID     string    `bun:"org_id,unique:org_email_class" json:"org_id"`
	Email     string    `bun:"email,unique:org_email_class" json:"email"`
	Class     string    `bun:"class,unique:org_email_class" json:"class"`
	Reason    string    `bun:"reason" json:"reason"`
	Source    string    `bun:"source,nullzero" json:"source,omitempty"`
	Active    bool      `bun:"active" json:"active"`
	CreatedAt time.Time `bun:"created_at" json:"created_at"`
}
