package campaign

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"ms-checkin/internal/config"
	"ms-checkin/internal/logger"
	"ms-checkin/internal/models"
	"ms-checkin/internal/outbox"
	"ms-checkin/internal/utils"
)

// Recipient filter kinds.
const (
	FilterAll        = "all"
	FilterTicketType = "ticket_type"
	FilterExplicit   = "explicit"
)

var (
	ErrTooManyRecipients = errors.New("recipient count exceeds the allowed maximum")
	ErrNoRecipients      = errors.New("filter resolved to zero recipients")
	ErrInvalidFilter     = errors.New("unknown recipient filter")
	ErrMissingEvent      = errors.New("event_id is required for this filter")
)

// Store is the persistence surface campaign creation needs.
type Store interface {
	CreateBatch(ctx context.Context, batch *models.MessageBatch) error
	UpdateBatchStatus(ctx context.Context, batchID, status string) error
	SetBatchCounts(ctx context.Context, batchID string, recipientCount, queuedCount int) error
	InsertBatchItems(ctx context.Context, items []models.BatchItem) error
	EventRecipients(ctx context.Context, eventID string) ([]models.Recipient, error)
	TicketTypeRecipients(ctx context.Context, eventID, typeID string) ([]models.Recipient, error)
	SuppressedSet(ctx context.Context, orgID string, emails []string, class string) (map[string]bool, error)
}

// Enqueuer queues the per-recipient messages.
type Enqueuer interface {
	Enqueue(ctx context.Context, req outbox.EnqueueRequest) (*models.EmailMessage, error)
}

// CreateRequest describes one bulk campaign.
type CreateRequest struct {
	OrgID      string   `json:"org_id"`
	EventID    string   `json:"event_id"`
	Name       string   `json:"name"`
	Subject    string   `json:"subject"`
	Body       string   `json:"body"`
	Filter     string   `json:"filter"`
	TicketType string   `json:"ticket_type,omitempty"`
	Recipients []string `json:"recipients,omitempty"`
}

// Result summarizes what a campaign produced.
type Result struct {
	BatchID        string `json:"batch_id"`
	Status         string `json:"status"`
	RecipientCount int    `json:"recipient_count"`
	QueuedCount    int    `json:"queued_count"`
	SkippedCount   int    `json:"skipped_count"`
}

// Service builds marketing campaigns on top of the outbox.
type Service struct {
	Store  Store
	Outbox Enqueuer
	Config *config.Config
	Logger *logger.Logger
}

func NewService(store Store, outbox Enqueuer, cfg *config.Config, log *logger.Logger) *Service {
	return &Service{Store: store, Outbox: outbox, Config: cfg, Logger: log}
}

// resolveRecipients expands the filter into a deduplicated recipient list.
// Addresses dedupe case-insensitively; the first occurrence wins.
func (s *Service) resolveRecipients(ctx context.Context, req CreateRequest) ([]models.Recipient, error) {
	var (
		raw []models.Recipient
		err error
	)
	switch req.Filter {
	case FilterAll:
		if req.EventID == "" {
			return nil, ErrMissingEvent
		}
		raw, err = s.Store.EventRecipients(ctx, req.EventID)
	case FilterTicketType:
		if req.EventID == "" {
			return nil, ErrMissingEvent
		}
		raw, err = s.Store.TicketTypeRecipients(ctx, req.EventID, req.TicketType)
	case FilterExplicit:
		for _, email := range req.Recipients {
			raw = append(raw, models.Recipient{Email: email})
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidFilter, req.Filter)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve recipients: %w", err)
	}

	seen := make(map[string]bool, len(raw))
	deduped := make([]models.Recipient, 0, len(raw))
	for _, r := range raw {
		email := strings.ToLower(strings.TrimSpace(r.Email))
		if email == "" || seen[email] {
			continue
		}
		seen[email] = true
		deduped = append(deduped, models.Recipient{Name: r.Name, Email: email})
	}
	return deduped, nil
}

// Create resolves recipients, filters suppressions, and queues one marketing
// message per remaining address. Campaigns over the recipient cap are
// rejected before anything is written.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Result, error) {
	if strings.TrimSpace(req.Subject) == "" {
		return nil, outbox.ErrMissingSubject
	}

	recipients, err := s.resolveRecipients(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(recipients) == 0 {
		return nil, ErrNoRecipients
	}
	if len(recipients) > s.Config.Bulk.MaxRecipients {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyRecipients, len(recipients), s.Config.Bulk.MaxRecipients)
	}

	emails := make([]string, len(recipients))
	for i, r := range recipients {
		emails[i] = r.Email
	}
	suppressed, err := s.Store.SuppressedSet(ctx, req.OrgID, emails, models.EmailClassMarketing)
	if err != nil {
		// Suppression filtering degrades open: a broken suppression read
		// must not block a campaign, skipped entries are caught at send
		// time by the per-message check.
		s.Logger.Warn("CAMPAIGN", "suppression lookup failed, continuing unfiltered: "+err.Error())
		suppressed = map[string]bool{}
	}

	batch := &models.MessageBatch{
		BatchID:     utils.GenerateBatchID(),
		OrgID:       req.OrgID,
		EventID:     req.EventID,
		Name:        req.Name,
		FilterKind:  req.Filter,
		FilterValue: req.TicketType,
		Status:      models.BatchStatusProcessing,
	}
	if err := s.Store.CreateBatch(ctx, batch); err != nil {
		return nil, fmt.Errorf("failed to create batch: %w", err)
	}

	items := make([]models.BatchItem, 0, len(recipients))
	skipped := 0
	for _, r := range recipients {
		status := models.BatchItemPending
		if suppressed[r.Email] {
			status = models.BatchItemSkipped
			skipped++
		}
		items = append(items, models.BatchItem{
			BatchID:   batch.BatchID,
			Recipient: r.Email,
			Status:    status,
			CreatedAt: time.Now(),
		})
	}

	chunkSize := s.Config.Bulk.ChunkSize
	if chunkSize <= 0 {
		chunkSize = 500
	}
	for start := 0; start < len(items); start += chunkSize {
		end := start + chunkSize
		if end > len(items) {
			end = len(items)
		}
		if err := s.Store.InsertBatchItems(ctx, items[start:end]); err != nil {
			s.Logger.Error("CAMPAIGN", "batch "+batch.BatchID+" item insert failed: "+err.Error())
			if updErr := s.Store.UpdateBatchStatus(ctx, batch.BatchID, models.BatchStatusFailed); updErr != nil {
				s.Logger.Error("CAMPAIGN", "failed to mark batch failed: "+updErr.Error())
			}
			return nil, fmt.Errorf("failed to store batch items: %w", err)
		}
	}

	queued := 0
	for _, item := range items {
		if item.Status == models.BatchItemSkipped {
			continue
		}
		_, err := s.Outbox.Enqueue(ctx, outbox.EnqueueRequest{
			OrgID:          req.OrgID,
			EventID:        req.EventID,
			IdempotencyKey: "batch-" + batch.BatchID + "-" + item.Recipient,
			Recipient:      item.Recipient,
			Subject:        req.Subject,
			Body:           req.Body,
			Class:          models.EmailClassMarketing,
			BatchID:        batch.BatchID,
		})
		if err != nil {
			s.Logger.Error("CAMPAIGN", "batch "+batch.BatchID+" enqueue for "+item.Recipient+" failed: "+err.Error())
			continue
		}
		queued++
	}

	if err := s.Store.SetBatchCounts(ctx, batch.BatchID, len(recipients), queued); err != nil {
		s.Logger.Error("CAMPAIGN", "failed to store batch counts: "+err.Error())
	}
	status := models.BatchStatusSending
	if queued == 0 {
		status = models.BatchStatusCompleted
	}
	if err := s.Store.UpdateBatchStatus(ctx, batch.BatchID, status); err != nil {
		s.Logger.Error("CAMPAIGN", "failed to update batch status: "+err.Error())
	}

	s.Logger.Info("CAMPAIGN", fmt.Sprintf("batch %s: %d recipients, %d queued, %d suppressed",
		batch.BatchID, len(recipients), queued, skipped))

	return &Result{
		BatchID:        batch.BatchID,
		Status:         status,
		RecipientCount: len(recipients),
		QueuedCount:    queued,
		SkippedCount:   skipped,
	}, nil
}
