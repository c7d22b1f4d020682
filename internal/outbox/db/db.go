package db

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/uptrace/bun"

	"ms-checkin/internal/models"
)

// ErrDuplicateEvent signals that a provider event id was already recorded;
// the webhook delivery is a replay.
var ErrDuplicateEvent = errors.New("provider event already recorded")

// claimable is the status set the outbox processor may pick up.
var claimable = []string{models.EmailStatusQueued, models.EmailStatusSoftBounced}

// terminal statuses never move again, not even on a late provider event.
var terminal = []string{models.EmailStatusFailed, models.EmailStatusCancelled}

type DB struct {
	Bun *bun.DB
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	// sqlite (tests) reports "UNIQUE constraint failed: ..."
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// insertEvent appends the event row inside the caller's transaction. Every
// status column mutation goes through here so the event log never drifts
// from the denormalized status.
func insertEvent(ctx context.Context, tx bun.Tx, evt *models.EmailEvent) error {
	if evt.EventID == "" {
		evt.EventID = uuid.New().String()
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = time.Now()
	}
	_, err := tx.NewInsert().Model(evt).Exec(ctx)
	return err
}

// ---------------- OUTBOX ----------------

// Enqueue inserts a message, or returns the existing one when the
// idempotency key is already present. The unique index makes the check and
// the insert one atomic step.
func (d *DB) Enqueue(ctx context.Context, msg *models.EmailMessage) (*models.EmailMessage, error) {
	now := time.Now()
	if msg.MessageID == "" {
		msg.MessageID = uuid.New().String()
	}
	if msg.Status == "" {
		msg.Status = models.EmailStatusQueued
	}
	if msg.NextAttemptAt.IsZero() {
		msg.NextAttemptAt = now
	}
	msg.CreatedAt = now
	msg.UpdatedAt = now

	res, err := d.Bun.NewInsert().
		Model(msg).
		On("CONFLICT (idempotency_key) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return d.GetByIdempotencyKey(ctx, msg.IdempotencyKey)
	}
	return msg, nil
}

func (d *DB) GetMessage(ctx context.Context, id string) (*models.EmailMessage, error) {
	var msg models.EmailMessage
	err := d.Bun.NewSelect().
		Model(&msg).
		Where("message_id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (d *DB) GetByIdempotencyKey(ctx context.Context, key string) (*models.EmailMessage, error) {
	var msg models.EmailMessage
	err := d.Bun.NewSelect().
		Model(&msg).
		Where("idempotency_key = ?", key).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (d *DB) GetByProviderMessageID(ctx context.Context, providerMessageID string) (*models.EmailMessage, error) {
	var msg models.EmailMessage
	err := d.Bun.NewSelect().
		Model(&msg).
		Where("provider_message_id = ?", providerMessageID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// DueMessages lists claimable messages whose retry time has passed, oldest
// schedule first.
func (d *DB) DueMessages(ctx context.Context, limit int, now time.Time) ([]models.EmailMessage, error) {
	var msgs []models.EmailMessage
	err := d.Bun.NewSelect().
		Model(&msgs).
		Where("status IN (?)", bun.In(claimable)).
		Where("next_attempt_at <= ?", now).
		Order("next_attempt_at ASC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

// Claim is the compare-and-swap that linearizes concurrent processor runs:
// the update only lands while the row is still in the claimable set, so of N
// concurrent claims exactly one reports an affected row.
func (d *DB) Claim(ctx context.Context, messageID string, now time.Time) (bool, error) {
	var claimed bool
	err := d.Bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var msg models.EmailMessage
		if err := tx.NewSelect().
			Model(&msg).
			Where("message_id = ?", messageID).
			Limit(1).
			Scan(ctx); err != nil {
			return err
		}

		res, err := tx.NewUpdate().
			Model((*models.EmailMessage)(nil)).
			Set("status = ?", models.EmailStatusProcessing).
			Set("last_attempt_at = ?", now).
			Set("updated_at = ?", now).
			Where("message_id = ?", messageID).
			Where("status IN (?)", bun.In(claimable)).
			Exec(ctx)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return nil
		}
		claimed = true
		return insertEvent(ctx, tx, &models.EmailEvent{
			MessageID:  messageID,
			Type:       "claimed",
			FromStatus: msg.Status,
			ToStatus:   models.EmailStatusProcessing,
		})
	})
	return claimed, err
}

// MarkSent records provider acceptance: processing -> sent.
func (d *DB) MarkSent(ctx context.Context, messageID, providerMessageID string, attemptCount int) error {
	return d.Bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		res, err := tx.NewUpdate().
			Model((*models.EmailMessage)(nil)).
			Set("status = ?", models.EmailStatusSent).
			Set("provider_message_id = ?", providerMessageID).
			Set("attempt_count = ?", attemptCount).
			Set("error_code = NULL").
			Set("error_message = NULL").
			Set("updated_at = ?", time.Now()).
			Where("message_id = ?", messageID).
			Where("status = ?", models.EmailStatusProcessing).
			Exec(ctx)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return errors.New("message " + messageID + " is not processing")
		}
		return insertEvent(ctx, tx, &models.EmailEvent{
			MessageID:  messageID,
			Type:       "sent",
			FromStatus: models.EmailStatusProcessing,
			ToStatus:   models.EmailStatusSent,
		})
	})
}

// Reschedule puts a failed attempt back into the claimable set with the
// backoff-computed retry time.
func (d *DB) Reschedule(ctx context.Context, messageID string, attemptCount int, nextAttemptAt time.Time, errCode, errMsg string) error {
	return d.Bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		res, err := tx.NewUpdate().
			Model((*models.EmailMessage)(nil)).
			Set("status = ?", models.EmailStatusQueued).
			Set("attempt_count = ?", attemptCount).
			Set("next_attempt_at = ?", nextAttemptAt).
			Set("error_code = ?", errCode).
			Set("error_message = ?", errMsg).
			Set("updated_at = ?", time.Now()).
			Where("message_id = ?", messageID).
			Where("status = ?", models.EmailStatusProcessing).
			Exec(ctx)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return errors.New("message " + messageID + " is not processing")
		}
		return insertEvent(ctx, tx, &models.EmailEvent{
			MessageID:   messageID,
			Type:        "retry_scheduled",
			FromStatus:  models.EmailStatusProcessing,
			ToStatus:    models.EmailStatusQueued,
			ErrorDetail: errMsg,
		})
	})
}

// MarkFailed is the terminal failure: attempts exhausted.
func (d *DB) MarkFailed(ctx context.Context, messageID string, attemptCount int, errCode, errMsg string) error {
	return d.Bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		res, err := tx.NewUpdate().
			Model((*models.EmailMessage)(nil)).
			Set("status = ?", models.EmailStatusFailed).
			Set("attempt_count = ?", attemptCount).
			Set("next_attempt_at = NULL").
			Set("error_code = ?", errCode).
			Set("error_message = ?", errMsg).
			Set("updated_at = ?", time.Now()).
			Where("message_id = ?", messageID).
			Where("status = ?", models.EmailStatusProcessing).
			Exec(ctx)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return errors.New("message " + messageID + " is not processing")
		}
		return insertEvent(ctx, tx, &models.EmailEvent{
			MessageID:   messageID,
			Type:        "failed",
			FromStatus:  models.EmailStatusProcessing,
			ToStatus:    models.EmailStatusFailed,
			ErrorDetail: errMsg,
		})
	})
}

// Cancel sets an administrative stop on a message that has not reached the
// provider yet.
func (d *DB) Cancel(ctx context.Context, messageID string) (bool, error) {
	var cancelled bool
	err := d.Bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var msg models.EmailMessage
		if err := tx.NewSelect().
			Model(&msg).
			Where("message_id = ?", messageID).
			Limit(1).
			Scan(ctx); err != nil {
			return err
		}

		res, err := tx.NewUpdate().
			Model((*models.EmailMessage)(nil)).
			Set("status = ?", models.EmailStatusCancelled).
			Set("updated_at = ?", time.Now()).
			Where("message_id = ?", messageID).
			Where("status IN (?)", bun.In([]string{
				models.EmailStatusQueued,
				models.EmailStatusProcessing,
				models.EmailStatusSoftBounced,
			})).
			Exec(ctx)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return nil
		}
		cancelled = true
		return insertEvent(ctx, tx, &models.EmailEvent{
			MessageID:  messageID,
			Type:       "cancelled",
			FromStatus: msg.Status,
			ToStatus:   models.EmailStatusCancelled,
		})
	})
	return cancelled, err
}

// ---------------- WEBHOOK RECONCILIATION ----------------

func (d *DB) HasProviderEvent(ctx context.Context, providerEventID string) (bool, error) {
	return d.Bun.NewSelect().
		Model((*models.EmailEvent)(nil)).
		Where("provider_event_id = ?", providerEventID).
		Exists(ctx)
}

// ApplyProviderEvent updates the message status and appends the provider
// event in one transaction. The event row is recorded unconditionally for the
// audit trail, but the status only moves while the message is outside the
// terminal set, so a late webhook cannot pull a cancelled or failed message
// back into delivery. A unique violation on provider_event_id means a
// concurrent replay won the race; ErrDuplicateEvent tells the caller to
// acknowledge without side effects.
func (d *DB) ApplyProviderEvent(ctx context.Context, msg *models.EmailMessage, toStatus string, nextAttemptAt time.Time, evt *models.EmailEvent) error {
	err := d.Bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := insertEvent(ctx, tx, evt); err != nil {
			return err
		}

		q := tx.NewUpdate().
			Model((*models.EmailMessage)(nil)).
			Set("status = ?", toStatus).
			Set("updated_at = ?", time.Now()).
			Where("message_id = ?", msg.MessageID).
			Where("status NOT IN (?)", bun.In(terminal))
		if !nextAttemptAt.IsZero() {
			q = q.Set("next_attempt_at = ?", nextAttemptAt)
		}
		_, err := q.Exec(ctx)
		return err
	})
	if isUniqueViolation(err) {
		return ErrDuplicateEvent
	}
	return err
}

// ---------------- SUPPRESSION ----------------

func (d *DB) IsSuppressed(ctx context.Context, orgID, email, class string) (bool, error) {
	return d.Bun.NewSelect().
		Model((*models.Unsubscribe)(nil)).
		Where("org_id = ?", orgID).
		Where("email = ?", strings.ToLower(email)).
		Where("class = ?", class).
		Where("active = ?", true).
		Exists(ctx)
}

// SuppressedSet returns which of the given addresses carry an active
// suppression for the class.
func (d *DB) SuppressedSet(ctx context.Context, orgID string, emails []string, class string) (map[string]bool, error) {
	if len(emails) == 0 {
		return map[string]bool{}, nil
	}

	var suppressed []string
	err := d.Bun.NewSelect().
		Model((*models.Unsubscribe)(nil)).
		Column("email").
		Where("org_id = ?", orgID).
		Where("class = ?", class).
		Where("active = ?", true).
		Where("email IN (?)", bun.In(emails)).
		Scan(ctx, &suppressed)
	if err != nil {
		return nil, err
	}

	set := make(map[string]bool, len(suppressed))
	for _, email := range suppressed {
		set[email] = true
	}
	return set, nil
}

// InsertUnsubscribe records a suppression; re-recording the same
// (org, email, class) is a no-op.
func (d *DB) InsertUnsubscribe(ctx context.Context, unsub *models.Unsubscribe) error {
	if unsub.UnsubID == "" {
		unsub.UnsubID = uuid.New().String()
	}
	if unsub.CreatedAt.IsZero() {
		unsub.CreatedAt = time.Now()
	}
	unsub.Email = strings.ToLower(unsub.Email)
	unsub.Active = true

	_, err := d.Bun.NewInsert().
		Model(unsub).
		On("CONFLICT (org_id, email, class) DO NOTHING").
		Exec(ctx)
	return err
}

// ---------------- BATCHES ----------------

func (d *DB) CreateBatch(ctx context.Context, batch *models.MessageBatch) error {
	now := time.Now()
	batch.CreatedAt = now
	batch.UpdatedAt = now
	_, err := d.Bun.NewInsert().Model(batch).Exec(ctx)
	return err
}

func (d *DB) UpdateBatchStatus(ctx context.Context, batchID, status string) error {
	_, err := d.Bun.NewUpdate().
		Model((*models.MessageBatch)(nil)).
		Set("status = ?", status).
		Set("updated_at = ?", time.Now()).
		Where("batch_id = ?", batchID).
		Exec(ctx)
	return err
}

func (d *DB) SetBatchCounts(ctx context.Context, batchID string, recipientCount, queuedCount int) error {
	_, err := d.Bun.NewUpdate().
		Model((*models.MessageBatch)(nil)).
		Set("recipient_count = ?", recipientCount).
		Set("queued_count = ?", queuedCount).
		Set("updated_at = ?", time.Now()).
		Where("batch_id = ?", batchID).
		Exec(ctx)
	return err
}

var batchCounters = map[string]string{
	models.EmailStatusSent:      "sent_count",
	models.EmailStatusDelivered: "delivered_count",
	models.EmailStatusFailed:    "failed_count",
	models.EmailStatusBounced:   "bounced_count",
}

// BumpBatchCounter increments the aggregate counter matching a message
// status transition. Unknown statuses are ignored.
func (d *DB) BumpBatchCounter(ctx context.Context, batchID, status string) error {
	column, ok := batchCounters[status]
	if !ok || batchID == "" {
		return nil
	}
	_, err := d.Bun.NewUpdate().
		Model((*models.MessageBatch)(nil)).
		Set(column+" = "+column+" + 1").
		Set("updated_at = ?", time.Now()).
		Where("batch_id = ?", batchID).
		Exec(ctx)
	return err
}

func (d *DB) GetBatch(ctx context.Context, batchID string) (*models.MessageBatch, error) {
	var batch models.MessageBatch
	err := d.Bun.NewSelect().
		Model(&batch).
		Where("batch_id = ?", batchID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return &batch, nil
}

func (d *DB) InsertBatchItems(ctx context.Context, items []models.BatchItem) error {
	if len(items) == 0 {
		return nil
	}
	for i := range items {
		if items[i].ItemID == "" {
			items[i].ItemID = uuid.New().String()
		}
		if items[i].CreatedAt.IsZero() {
			items[i].CreatedAt = time.Now()
		}
	}
	_, err := d.Bun.NewInsert().Model(&items).Exec(ctx)
	return err
}

func (d *DB) BatchItems(ctx context.Context, batchID string) ([]models.BatchItem, error) {
	var items []models.BatchItem
	err := d.Bun.NewSelect().
		Model(&items).
		Where("batch_id = ?", batchID).
		Order("recipient ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return items, nil
}

// ---------------- CAMPAIGN RECIPIENTS ----------------

// EventRecipients resolves every non-void ticket holder of an event.
func (d *DB) EventRecipients(ctx context.Context, eventID string) ([]models.Recipient, error) {
	var recipients []models.Recipient
	err := d.Bun.NewSelect().
		Model((*models.Ticket)(nil)).
		ColumnExpr("DISTINCT holder_email, holder_name").
		Where("event_id = ?", eventID).
		Where("status != ?", models.TicketStatusVoid).
		Where("holder_email != ''").
		Scan(ctx, &recipients)
	if err != nil {
		return nil, err
	}
	return recipients, nil
}

// TicketTypeRecipients narrows EventRecipients to one ticket type.
func (d *DB) TicketTypeRecipients(ctx context.Context, eventID, typeID string) ([]models.Recipient, error) {
	var recipients []models.Recipient
	err := d.Bun.NewSelect().
		Model((*models.Ticket)(nil)).
		ColumnExpr("DISTINCT holder_email, holder_name").
		Where("event_id = ?", eventID).
		Where("type_id = ?", typeID).
		Where("status != ?", models.TicketStatusVoid).
		Where("holder_email != ''").
		Scan(ctx, &recipients)
	if err != nil {
		return nil, err
	}
	return recipients, nil
}
