package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"ms-checkin/internal/config"
	"ms-checkin/internal/logger"
	"ms-checkin/internal/models"
	"ms-checkin/internal/outbox"
	outboxdb "ms-checkin/internal/outbox/db"
)

var (
	ErrBadSignature   = errors.New("webhook signature verification failed")
	ErrStaleTimestamp = errors.New("webhook timestamp outside tolerance")
	ErrUnknownMessage = errors.New("no message matches provider message id")
	ErrUnknownType    = errors.New("unhandled provider event type")
)

// Store is the persistence surface the reconciler needs.
type Store interface {
	GetByProviderMessageID(ctx context.Context, providerMessageID string) (*models.EmailMessage, error)
	HasProviderEvent(ctx context.Context, providerEventID string) (bool, error)
	ApplyProviderEvent(ctx context.Context, msg *models.EmailMessage, toStatus string, nextAttemptAt time.Time, evt *models.EmailEvent) error
	InsertUnsubscribe(ctx context.Context, unsub *models.Unsubscribe) error
	BumpBatchCounter(ctx context.Context, batchID, status string) error
}

// StatusPublisher streams message status transitions.
type StatusPublisher interface {
	PublishEmailStatus(messageID, fromStatus, toStatus string) error
}

// ProviderEvent is the provider's webhook payload.
type ProviderEvent struct {
	EventID   string `json:"event_id"`
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
	Timestamp int64  `json:"timestamp"`
	Detail    string `json:"detail,omitempty"`
}

// Reconciler applies provider delivery events to outbox messages.
type Reconciler struct {
	Store    Store
	Producer StatusPublisher
	Config   *config.Config
	Logger   *logger.Logger
}

func NewReconciler(store Store, producer StatusPublisher, cfg *config.Config, log *logger.Logger) *Reconciler {
	return &Reconciler{Store: store, Producer: producer, Config: cfg, Logger: log}
}

// VerifySignature checks the provider's signature header against the raw
// request body. Header format: "t=<unix>,v1=<hex hmac-sha256>", signed over
// "<unix>.<body>". The timestamp must fall inside the configured tolerance.
func (r *Reconciler) VerifySignature(header string, body []byte, now time.Time) error {
	var tsPart, sigPart string
	for _, part := range strings.Split(header, ",") {
		switch {
		case strings.HasPrefix(part, "t="):
			tsPart = strings.TrimPrefix(part, "t=")
		case strings.HasPrefix(part, "v1="):
			sigPart = strings.TrimPrefix(part, "v1=")
		}
	}
	if tsPart == "" || sigPart == "" {
		return ErrBadSignature
	}

	ts, err := strconv.ParseInt(tsPart, 10, 64)
	if err != nil {
		return ErrBadSignature
	}
	age := now.Sub(time.Unix(ts, 0))
	if age < 0 {
		age = -age
	}
	if age > r.Config.Provider.WebhookTolerance {
		return ErrStaleTimestamp
	}

	mac := hmac.New(sha256.New, []byte(r.Config.Provider.WebhookSecret))
	fmt.Fprintf(mac, "%d.%s", ts, body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(sigPart)) {
		return ErrBadSignature
	}
	return nil
}

// eventTransitions maps provider event types to message statuses.
var eventTransitions = map[string]string{
	"delivered":   models.EmailStatusDelivered,
	"bounce":      models.EmailStatusBounced,
	"soft_bounce": models.EmailStatusSoftBounced,
	"complaint":   models.EmailStatusComplained,
}

// HandleProviderEvent applies one verified webhook event. Replays of an
// already-recorded event id are acknowledged without side effects.
func (r *Reconciler) HandleProviderEvent(ctx context.Context, event ProviderEvent) error {
	if event.EventID == "" || event.MessageID == "" {
		return fmt.Errorf("event is missing event_id or message_id")
	}

	toStatus, ok := eventTransitions[event.Type]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownType, event.Type)
	}

	seen, err := r.Store.HasProviderEvent(ctx, event.EventID)
	if err != nil {
		return fmt.Errorf("failed to check event %s: %w", event.EventID, err)
	}
	if seen {
		r.Logger.LogWebhook(event.Type, "event "+event.EventID+" already applied")
		return nil
	}

	msg, err := r.Store.GetByProviderMessageID(ctx, event.MessageID)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownMessage, event.MessageID)
	}

	// Failed and cancelled are terminal. A late webhook must not pull the
	// message back into delivery, so the event is acknowledged and dropped.
	if msg.Status == models.EmailStatusFailed || msg.Status == models.EmailStatusCancelled {
		r.Logger.LogWebhook(event.Type, "message "+msg.MessageID+" is "+msg.Status+", event "+event.EventID+" ignored")
		return nil
	}

	// Soft bounces go back into the retry queue instead of parking in a
	// terminal state.
	var nextAttemptAt time.Time
	if toStatus == models.EmailStatusSoftBounced {
		nextAttemptAt = outbox.NextAttemptAt(time.Now(), r.Config.Retry, msg.AttemptCount)
	}

	evt := &models.EmailEvent{
		MessageID:         msg.MessageID,
		Type:              event.Type,
		FromStatus:        msg.Status,
		ToStatus:          toStatus,
		ProviderEventID:   event.EventID,
		ProviderTimestamp: time.Unix(event.Timestamp, 0),
		ErrorDetail:       event.Detail,
	}
	if err := r.Store.ApplyProviderEvent(ctx, msg, toStatus, nextAttemptAt, evt); err != nil {
		if errors.Is(err, outboxdb.ErrDuplicateEvent) {
			r.Logger.LogWebhook(event.Type, "event "+event.EventID+" applied concurrently")
			return nil
		}
		return fmt.Errorf("failed to apply event %s: %w", event.EventID, err)
	}

	if toStatus == models.EmailStatusComplained {
		unsub := &models.Unsubscribe{
			OrgID:  msg.OrgID,
			Email:  msg.Recipient,
			Class:  models.EmailClassMarketing,
			Reason: models.SuppressionReasonComplaint,
			Source: "webhook",
		}
		if err := r.Store.InsertUnsubscribe(ctx, unsub); err != nil {
			r.Logger.LogWebhook(event.Type, "failed to suppress "+msg.Recipient+": "+err.Error())
		}
	}

	if msg.BatchID != "" {
		if err := r.Store.BumpBatchCounter(ctx, msg.BatchID, toStatus); err != nil {
			r.Logger.LogWebhook(event.Type, "failed to bump batch counter for "+msg.BatchID+": "+err.Error())
		}
	}

	r.Logger.LogWebhook(event.Type, "message "+msg.MessageID+" -> "+toStatus)
	if r.Producer != nil {
		if err := r.Producer.PublishEmailStatus(msg.MessageID, msg.Status, toStatus); err != nil {
			r.Logger.LogKafka("PUBLISH", "email.status", "failed for "+msg.MessageID+": "+err.Error())
		}
	}
	return nil
}
