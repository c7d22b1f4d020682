package checkin

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"ms-checkin/internal/config"
	"ms-checkin/internal/logger"
	"ms-checkin/internal/models"
)

// RegistryDB is the persistence surface of the check-in state machine.
type RegistryDB interface {
	GetTicketByTokenHash(ctx context.Context, tokenHash string) (*models.Ticket, error)
	GetTicketByID(ctx context.Context, id string) (*models.Ticket, error)
	GetOrderByID(ctx context.Context, id string) (*models.Order, error)
	TransitionToCheckedIn(ctx context.Context, ticketID, actorID string, at time.Time) (bool, error)
	TransitionToIssued(ctx context.Context, ticketID string) (bool, error)
	InsertScanAttempt(ctx context.Context, attempt *models.ScanAttempt) error
	CountScansByActorSince(ctx context.Context, actorID string, since time.Time) (int, error)
	CountScansByDeviceSince(ctx context.Context, deviceID string, since time.Time) (int, error)
	EventScanStats(ctx context.Context, eventID string, windowStart time.Time) (*models.ScanStats, error)
}

// ScanPublisher streams recorded scans; delivery is best-effort.
type ScanPublisher interface {
	PublishScanRecorded(attempt models.ScanAttempt) error
}

var (
	ErrUndoDisabled  = errors.New("undo is disabled for this event")
	ErrNotAuthorized = errors.New("caller lacks the required role")
	ErrNotCheckedIn  = errors.New("ticket is not checked in")
)

type Service struct {
	DB     RegistryDB
	Kafka  ScanPublisher
	Logger *logger.Logger
}

func NewService(db RegistryDB, kafka ScanPublisher, log *logger.Logger) *Service {
	return &Service{DB: db, Kafka: kafka, Logger: log}
}

type ScanRequest struct {
	EventID   string `json:"event_id"`
	RawToken  string `json:"token"`
	ActorID   string `json:"-"`
	DeviceID  string `json:"device_id,omitempty"`
	IPAddress string `json:"-"`
	UserAgent string `json:"-"`
}

type TicketView struct {
	TicketID    string      `json:"id"`
	Info        DisplayInfo `json:"info"`
	CheckedInAt time.Time   `json:"checked_in_at"`
}

type ScanResult struct {
	Result string      `json:"result"`
	Ticket *TicketView `json:"ticket,omitempty"`
}

// HashToken is the one-way mapping from raw token to the stored hash.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Scan runs one check-in attempt through the state machine. Every invocation
// that passes input validation writes exactly one scan_attempts row, whatever
// the outcome. Domain outcomes (ALREADY_USED, CANCELLED, ...) come back in
// the result, not as errors.
func (s *Service) Scan(ctx context.Context, req ScanRequest, policy config.ScanPolicy) (*ScanResult, error) {
	if req.EventID == "" || req.RawToken == "" || req.ActorID == "" {
		return nil, errors.New("event_id, token and actor are required")
	}

	now := time.Now()
	attempt := &models.ScanAttempt{
		AttemptID: uuid.New().String(),
		EventID:   req.EventID,
		ActorID:   req.ActorID,
		DeviceID:  req.DeviceID,
		IPAddress: req.IPAddress,
		UserAgent: req.UserAgent,
		CreatedAt: now,
	}

	// Rate limit first so the endpoint cannot be used as a token oracle.
	limited, count, err := s.rateLimited(ctx, req, policy, now)
	if err != nil {
		return nil, fmt.Errorf("rate limit check failed: %w", err)
	}
	if limited {
		attempt.Outcome = models.ScanOutcomeRateLimitExceeded
		attempt.Reason = fmt.Sprintf("%d attempts in window", count)
		return s.finish(ctx, attempt, nil, policy)
	}

	ticket, err := s.DB.GetTicketByTokenHash(ctx, HashToken(req.RawToken))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			attempt.Outcome = models.ScanOutcomeInvalid
			attempt.Reason = "unknown token"
			return s.finish(ctx, attempt, nil, policy)
		}
		return nil, fmt.Errorf("token lookup failed: %w", err)
	}
	attempt.TicketID = ticket.TicketID

	outcome, reason, err := s.classify(ctx, ticket, req, now)
	if err != nil {
		// Audit completeness: the attempt is recorded even when the
		// transition logic fails unexpectedly after the lookup.
		attempt.Outcome = models.ScanOutcomeError
		attempt.Reason = err.Error()
		if auditErr := s.DB.InsertScanAttempt(ctx, attempt); auditErr != nil {
			s.Logger.Error("SCAN", "failed to audit errored attempt "+attempt.AttemptID+": "+auditErr.Error())
		}
		return nil, err
	}

	attempt.Outcome = outcome
	attempt.Reason = reason
	return s.finish(ctx, attempt, ticket, policy)
}

func (s *Service) rateLimited(ctx context.Context, req ScanRequest, policy config.ScanPolicy, now time.Time) (bool, int, error) {
	windowStart := now.Add(-time.Minute)

	if policy.ActorPerMinute > 0 {
		count, err := s.DB.CountScansByActorSince(ctx, req.ActorID, windowStart)
		if err != nil {
			return false, 0, err
		}
		if count >= policy.ActorPerMinute {
			return true, count, nil
		}
	}

	if req.DeviceID != "" && policy.DevicePerMinute > 0 {
		count, err := s.DB.CountScansByDeviceSince(ctx, req.DeviceID, windowStart)
		if err != nil {
			return false, 0, err
		}
		if count >= policy.DevicePerMinute {
			return true, count, nil
		}
	}

	return false, 0, nil
}

// classify walks the found ticket through the remaining states and performs
// the checked-in transition when the ticket is claimable.
func (s *Service) classify(ctx context.Context, ticket *models.Ticket, req ScanRequest, now time.Time) (outcome, reason string, err error) {
	if ticket.EventID != req.EventID {
		return models.ScanOutcomeNotInEvent, "ticket belongs to event " + ticket.EventID, nil
	}

	if ticket.Status == models.TicketStatusVoid {
		return models.ScanOutcomeCancelled, "ticket is void", nil
	}

	order, err := s.DB.GetOrderByID(ctx, ticket.OrderID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", "", fmt.Errorf("order lookup failed: %w", err)
	}
	if order != nil && order.Status == models.OrderStatusRefunded {
		return models.ScanOutcomeRefunded, "order " + order.OrderID + " refunded", nil
	}

	if ticket.Status == models.TicketStatusCheckedIn {
		return models.ScanOutcomeAlreadyUsed, "", nil
	}

	ok, err := s.DB.TransitionToCheckedIn(ctx, ticket.TicketID, req.ActorID, now)
	if err != nil {
		return "", "", fmt.Errorf("check-in transition failed: %w", err)
	}
	if !ok {
		// Lost the race between the read and the write; the winner has
		// already claimed the ticket.
		if fresh, rErr := s.DB.GetTicketByID(ctx, ticket.TicketID); rErr == nil {
			*ticket = *fresh
		}
		return models.ScanOutcomeAlreadyUsed, "lost transition race", nil
	}

	ticket.Status = models.TicketStatusCheckedIn
	ticket.CheckedInAt = now
	ticket.CheckedInBy = req.ActorID
	return models.ScanOutcomeValid, "", nil
}

// finish writes the audit row, streams it, and shapes the response.
func (s *Service) finish(ctx context.Context, attempt *models.ScanAttempt, ticket *models.Ticket, policy config.ScanPolicy) (*ScanResult, error) {
	if err := s.DB.InsertScanAttempt(ctx, attempt); err != nil {
		return nil, fmt.Errorf("failed to record scan attempt: %w", err)
	}

	if s.Kafka != nil {
		if err := s.Kafka.PublishScanRecorded(*attempt); err != nil {
			s.Logger.Error("KAFKA", "failed to publish scan "+attempt.AttemptID+": "+err.Error())
		}
	}

	result := &ScanResult{Result: attempt.Outcome}
	if attempt.Outcome == models.ScanOutcomeValid && ticket != nil {
		result.Ticket = &TicketView{
			TicketID: ticket.TicketID,
			Info: MaskParticipant(ticket.TypeName, Participant{
				Name:  ticket.HolderName,
				Email: ticket.HolderEmail,
			}, policy.PIILevel),
			CheckedInAt: ticket.CheckedInAt,
		}
	}

	s.Logger.LogScan(attempt.Outcome, attempt.TicketID, "event "+attempt.EventID+" actor "+attempt.ActorID)
	return result, nil
}

type UndoRequest struct {
	TicketID string `json:"ticket_id"`
	Reason   string `json:"reason,omitempty"`
	ActorID  string `json:"-"`
	Elevated bool   `json:"-"`
}

// Undo reverts checked_in -> issued. It needs both the configuration flag and
// an elevated caller, and like every other path it writes an audit row.
func (s *Service) Undo(ctx context.Context, req UndoRequest, policy config.ScanPolicy) error {
	if req.TicketID == "" || req.ActorID == "" {
		return errors.New("ticket_id and actor are required")
	}
	if !policy.AllowUndo {
		return ErrUndoDisabled
	}
	if !req.Elevated {
		return ErrNotAuthorized
	}

	ticket, err := s.DB.GetTicketByID(ctx, req.TicketID)
	if err != nil {
		return fmt.Errorf("ticket %s not found: %w", req.TicketID, err)
	}

	ok, err := s.DB.TransitionToIssued(ctx, req.TicketID)
	if err != nil {
		return fmt.Errorf("undo transition failed: %w", err)
	}
	if !ok {
		return ErrNotCheckedIn
	}

	attempt := &models.ScanAttempt{
		AttemptID: uuid.New().String(),
		TicketID:  ticket.TicketID,
		EventID:   ticket.EventID,
		ActorID:   req.ActorID,
		Outcome:   models.ScanOutcomeUndo,
		Reason:    req.Reason,
		CreatedAt: time.Now(),
	}
	if err := s.DB.InsertScanAttempt(ctx, attempt); err != nil {
		return fmt.Errorf("failed to record undo: %w", err)
	}

	if s.Kafka != nil {
		if err := s.Kafka.PublishScanRecorded(*attempt); err != nil {
			s.Logger.Error("KAFKA", "failed to publish undo "+attempt.AttemptID+": "+err.Error())
		}
	}

	s.Logger.LogScan(models.ScanOutcomeUndo, ticket.TicketID, "undone by "+req.ActorID)
	return nil
}

// Stats aggregates the audit log for one event over the given recent window.
func (s *Service) Stats(ctx context.Context, eventID string, window time.Duration) (*models.ScanStats, error) {
	if eventID == "" {
		return nil, errors.New("event_id is required")
	}
	if window <= 0 {
		window = time.Hour
	}
	return s.DB.EventScanStats(ctx, eventID, time.Now().Add(-window))
}
