package outbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"ms-checkin/internal/config"
	"ms-checkin/internal/logger"
	"ms-checkin/internal/models"
	"ms-checkin/internal/outbox/provider"
)

var (
	ErrMissingRecipient = errors.New("recipient is required")
	ErrMissingSubject   = errors.New("subject is required")
	ErrInvalidClass     = errors.New("unknown message class")
)

// Store is the persistence surface the processor and enqueue path need.
type Store interface {
	Enqueue(ctx context.Context, msg *models.EmailMessage) (*models.EmailMessage, error)
	DueMessages(ctx context.Context, limit int, now time.Time) ([]models.EmailMessage, error)
	Claim(ctx context.Context, messageID string, now time.Time) (bool, error)
	MarkSent(ctx context.Context, messageID, providerMessageID string, attemptCount int) error
	Reschedule(ctx context.Context, messageID string, attemptCount int, nextAttemptAt time.Time, errCode, errMsg string) error
	MarkFailed(ctx context.Context, messageID string, attemptCount int, errCode, errMsg string) error
	IsSuppressed(ctx context.Context, orgID, email, class string) (bool, error)
}

// ProviderClient sends one email through the external provider.
type ProviderClient interface {
	Send(ctx context.Context, req provider.SendRequest) (*provider.SendResult, error)
}

// RunLock keeps scheduled runs from overlapping across worker instances.
type RunLock interface {
	Acquire(ctx context.Context, name, owner string) (bool, error)
	Release(ctx context.Context, name, owner string) error
}

// StatusPublisher streams message status transitions.
type StatusPublisher interface {
	PublishEmailStatus(messageID, fromStatus, toStatus string) error
}

// ProcessStats summarizes one outbox run.
type ProcessStats struct {
	Processed int `json:"processed"`
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Service owns the outbox: enqueueing messages and the delivery loop.
type Service struct {
	Store    Store
	Provider ProviderClient
	Lock     RunLock
	Producer StatusPublisher
	Config   *config.Config
	Logger   *logger.Logger
	Sender   string
}

func NewService(store Store, prov ProviderClient, lock RunLock, producer StatusPublisher, cfg *config.Config, log *logger.Logger) *Service {
	return &Service{
		Store:    store,
		Provider: prov,
		Lock:     lock,
		Producer: producer,
		Config:   cfg,
		Logger:   log,
		Sender:   cfg.Provider.Sender,
	}
}

// EnqueueRequest is a single-message enqueue, from the API or internal
// callers.
type EnqueueRequest struct {
	OrgID          string `json:"org_id"`
	EventID        string `json:"event_id,omitempty"`
	IdempotencyKey string `json:"idempotency_key"`
	Recipient      string `json:"recipient"`
	Subject        string `json:"subject"`
	Body           string `json:"body"`
	Class          string `json:"class"`
	BatchID        string `json:"-"`
}

func validClass(class string) bool {
	switch class {
	case models.EmailClassTransactional, models.EmailClassMarketing, models.EmailClassSystem:
		return true
	}
	return false
}

// Enqueue validates and inserts one message. Re-submitting the same
// idempotency key returns the already-queued message unchanged.
func (s *Service) Enqueue(ctx context.Context, req EnqueueRequest) (*models.EmailMessage, error) {
	if strings.TrimSpace(req.Recipient) == "" {
		return nil, ErrMissingRecipient
	}
	if strings.TrimSpace(req.Subject) == "" {
		return nil, ErrMissingSubject
	}
	if req.Class == "" {
		req.Class = models.EmailClassTransactional
	}
	if !validClass(req.Class) {
		return nil, ErrInvalidClass
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = uuid.New().String()
	}

	msg := &models.EmailMessage{
		OrgID:          req.OrgID,
		EventID:        req.EventID,
		IdempotencyKey: req.IdempotencyKey,
		Sender:         s.Sender,
		Recipient:      strings.ToLower(strings.TrimSpace(req.Recipient)),
		Subject:        req.Subject,
		Body:           req.Body,
		Class:          req.Class,
		MaxAttempts:    s.Config.Retry.MaxAttempts,
		BatchID:        req.BatchID,
	}

	stored, err := s.Store.Enqueue(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue message: %w", err)
	}
	if stored.MessageID != msg.MessageID {
		s.Logger.LogOutbox("ENQUEUE", stored.MessageID, "idempotency key "+req.IdempotencyKey+" already queued")
	} else {
		s.Logger.LogOutbox("ENQUEUE", stored.MessageID, "queued "+req.Class+" message to "+stored.Recipient)
	}
	return stored, nil
}

// EnqueueConfirmation queues the ticket confirmation email for a paid order.
// The idempotency key is derived from the order id, so redelivered payment
// events do not produce duplicate emails.
func (s *Service) EnqueueConfirmation(ctx context.Context, order models.Order, tickets []models.Ticket) error {
	if len(tickets) == 0 {
		return nil
	}

	var body strings.Builder
	fmt.Fprintf(&body, "Hi %s,\n\nYour order %s is confirmed. Your tickets:\n\n", tickets[0].HolderName, order.OrderID)
	for _, t := range tickets {
		fmt.Fprintf(&body, "- %s (ticket %s)\n", t.TypeName, t.TicketID)
	}
	body.WriteString("\nPresent the QR code attached to each ticket at the entrance.\n")

	_, err := s.Enqueue(ctx, EnqueueRequest{
		OrgID:          order.OrgID,
		EventID:        order.EventID,
		IdempotencyKey: "order-" + order.OrderID + "-confirmation",
		Recipient:      tickets[0].HolderEmail,
		Subject:        "Your tickets are ready",
		Body:           body.String(),
		Class:          models.EmailClassTransactional,
	})
	return err
}

// ProcessBatch runs one delivery pass: claim due messages, send each, and
// record the outcome. A failure on one message never stops the rest of the
// batch.
func (s *Service) ProcessBatch(ctx context.Context, batchSize int) (ProcessStats, error) {
	var stats ProcessStats
	now := time.Now()

	due, err := s.Store.DueMessages(ctx, batchSize, now)
	if err != nil {
		return stats, fmt.Errorf("failed to list due messages: %w", err)
	}

	for _, msg := range due {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}

		claimed, err := s.Store.Claim(ctx, msg.MessageID, now)
		if err != nil {
			s.Logger.LogOutbox("CLAIM", msg.MessageID, "claim failed: "+err.Error())
			continue
		}
		if !claimed {
			// Another worker got there first.
			stats.Skipped++
			continue
		}

		stats.Processed++
		if s.deliver(ctx, msg) {
			stats.Sent++
		} else {
			stats.Failed++
		}
	}
	return stats, nil
}

// deliver sends one claimed message and records the result. Returns true on
// provider acceptance.
func (s *Service) deliver(ctx context.Context, msg models.EmailMessage) bool {
	attempt := msg.AttemptCount + 1

	suppressed, err := s.Store.IsSuppressed(ctx, msg.OrgID, msg.Recipient, msg.Class)
	if err != nil {
		s.Logger.LogOutbox("SEND", msg.MessageID, "suppression check failed, sending anyway: "+err.Error())
	}
	if suppressed {
		if err := s.Store.MarkFailed(ctx, msg.MessageID, attempt, "suppressed", "recipient is suppressed for class "+msg.Class); err != nil {
			s.Logger.LogOutbox("SEND", msg.MessageID, "failed to record suppression failure: "+err.Error())
		}
		s.publishStatus(msg.MessageID, models.EmailStatusProcessing, models.EmailStatusFailed)
		return false
	}

	result, sendErr := s.Provider.Send(ctx, provider.SendRequest{
		From:    msg.Sender,
		To:      msg.Recipient,
		Subject: msg.Subject,
		Body:    msg.Body,
	})
	if sendErr == nil {
		if err := s.Store.MarkSent(ctx, msg.MessageID, result.MessageID, attempt); err != nil {
			s.Logger.LogOutbox("SEND", msg.MessageID, "sent but failed to record: "+err.Error())
			return false
		}
		s.Logger.LogOutbox("SEND", msg.MessageID, "accepted by provider as "+result.MessageID)
		s.publishStatus(msg.MessageID, models.EmailStatusProcessing, models.EmailStatusSent)
		return true
	}

	maxAttempts := msg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.Config.Retry.MaxAttempts
	}

	if attempt >= maxAttempts {
		if err := s.Store.MarkFailed(ctx, msg.MessageID, attempt, "send_error", sendErr.Error()); err != nil {
			s.Logger.LogOutbox("SEND", msg.MessageID, "failed to record terminal failure: "+err.Error())
			return false
		}
		s.Logger.LogOutbox("SEND", msg.MessageID, fmt.Sprintf("failed permanently after %d attempts: %s", attempt, sendErr))
		s.publishStatus(msg.MessageID, models.EmailStatusProcessing, models.EmailStatusFailed)
		return false
	}

	retryAt := NextAttemptAt(time.Now(), s.Config.Retry, attempt)
	if err := s.Store.Reschedule(ctx, msg.MessageID, attempt, retryAt, "send_error", sendErr.Error()); err != nil {
		s.Logger.LogOutbox("SEND", msg.MessageID, "failed to reschedule: "+err.Error())
		return false
	}
	s.Logger.LogOutbox("SEND", msg.MessageID, fmt.Sprintf("attempt %d failed, retrying at %s: %s", attempt, retryAt.Format(time.RFC3339), sendErr))
	return false
}

func (s *Service) publishStatus(messageID, from, to string) {
	if s.Producer == nil {
		return
	}
	if err := s.Producer.PublishEmailStatus(messageID, from, to); err != nil {
		s.Logger.LogKafka("PUBLISH", "email.status", "failed for "+messageID+": "+err.Error())
	}
}

// Run drives ProcessBatch on a fixed interval until the context is
// cancelled. The redis lock makes concurrent schedulers take turns.
func (s *Service) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = s.Config.Bulk.Interval
	}
	owner := uuid.New().String()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.Logger.Info("OUTBOX", "processor started with interval "+interval.String())
	for {
		select {
		case <-ctx.Done():
			s.Logger.Info("OUTBOX", "processor stopped")
			return
		case <-ticker.C:
			s.runOnce(ctx, owner)
		}
	}
}

func (s *Service) runOnce(ctx context.Context, owner string) {
	if s.Lock != nil {
		ok, err := s.Lock.Acquire(ctx, "outbox", owner)
		if err != nil {
			s.Logger.Error("OUTBOX", "failed to acquire run lock: "+err.Error())
			return
		}
		if !ok {
			return
		}
		defer func() {
			if err := s.Lock.Release(ctx, "outbox", owner); err != nil {
				s.Logger.Error("OUTBOX", "failed to release run lock: "+err.Error())
			}
		}()
	}

	stats, err := s.ProcessBatch(ctx, s.Config.Bulk.BatchSize)
	if err != nil {
		s.Logger.Error("OUTBOX", "batch failed: "+err.Error())
		return
	}
	if stats.Processed > 0 || stats.Skipped > 0 {
		s.Logger.Info("OUTBOX", fmt.Sprintf("batch done: processed=%d sent=%d failed=%d skipped=%d",
			stats.Processed, stats.Sent, stats.Failed, stats.Skipped))
	}
}
