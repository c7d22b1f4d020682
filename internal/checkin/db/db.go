package db

import (
	"context"
	"time"

	"github.com/uptrace/bun"

	"ms-checkin/internal/models"
)

type DB struct {
	Bun *bun.DB
}

// ---------------- TICKET REGISTRY ----------------

// GetTicketByTokenHash resolves a scanned token to its ticket. The read is
// deliberately lock-free: concurrent scans of the same ticket all see it, and
// the compare-and-swap in TransitionToCheckedIn decides which one wins.
func (d *DB) GetTicketByTokenHash(ctx context.Context, tokenHash string) (*models.Ticket, error) {
	var ticket models.Ticket
	err := d.Bun.NewSelect().
		Model(&ticket).
		Where("token_hash = ?", tokenHash).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return &ticket, nil
}

func (d *DB) GetTicketByID(ctx context.Context, id string) (*models.Ticket, error) {
	var ticket models.Ticket
	err := d.Bun.NewSelect().
		Model(&ticket).
		Where("ticket_id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return &ticket, nil
}

func (d *DB) CreateTicket(ctx context.Context, ticket models.Ticket) error {
	_, err := d.Bun.NewInsert().Model(&ticket).Exec(ctx)
	return err
}

// TransitionToCheckedIn flips issued -> checked_in. The status predicate makes
// this a compare-and-swap: under concurrent scans of the same ticket at most
// one update reports an affected row.
func (d *DB) TransitionToCheckedIn(ctx context.Context, ticketID, actorID string, at time.Time) (bool, error) {
	res, err := d.Bun.NewUpdate().
		Model((*models.Ticket)(nil)).
		Set("status = ?", models.TicketStatusCheckedIn).
		Set("checked_in_at = ?", at).
		Set("checked_in_by = ?", actorID).
		Where("ticket_id = ?", ticketID).
		Where("status = ?", models.TicketStatusIssued).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// TransitionToIssued is the undo: checked_in -> issued, clearing the check-in
// bookkeeping.
func (d *DB) TransitionToIssued(ctx context.Context, ticketID string) (bool, error) {
	res, err := d.Bun.NewUpdate().
		Model((*models.Ticket)(nil)).
		Set("status = ?", models.TicketStatusIssued).
		Set("checked_in_at = NULL").
		Set("checked_in_by = NULL").
		Where("ticket_id = ?", ticketID).
		Where("status = ?", models.TicketStatusCheckedIn).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// TransitionToVoid voids an issued ticket. Checked-in tickets stay checked in;
// voiding them would lose the attendance record.
func (d *DB) TransitionToVoid(ctx context.Context, ticketID string) (bool, error) {
	res, err := d.Bun.NewUpdate().
		Model((*models.Ticket)(nil)).
		Set("status = ?", models.TicketStatusVoid).
		Where("ticket_id = ?", ticketID).
		Where("status = ?", models.TicketStatusIssued).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// VoidTicketsByOrder voids every still-issued ticket of an order, used when a
// payment refund event arrives.
func (d *DB) VoidTicketsByOrder(ctx context.Context, orderID string) (int, error) {
	res, err := d.Bun.NewUpdate().
		Model((*models.Ticket)(nil)).
		Set("status = ?", models.TicketStatusVoid).
		Where("order_id = ?", orderID).
		Where("status = ?", models.TicketStatusIssued).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

// ---------------- ORDERS ----------------

func (d *DB) GetOrderByID(ctx context.Context, id string) (*models.Order, error) {
	var order models.Order
	err := d.Bun.NewSelect().
		Model(&order).
		Where("order_id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (d *DB) UpsertOrder(ctx context.Context, order models.Order) error {
	_, err := d.Bun.NewInsert().
		Model(&order).
		On("CONFLICT (order_id) DO UPDATE").
		Set("status = EXCLUDED.status").
		Exec(ctx)
	return err
}

// ---------------- AUDIT LOG ----------------

// InsertScanAttempt appends one audit row. The audit log is append-only;
// there is deliberately no update or delete counterpart.
func (d *DB) InsertScanAttempt(ctx context.Context, attempt *models.ScanAttempt) error {
	_, err := d.Bun.NewInsert().Model(attempt).Exec(ctx)
	return err
}

func (d *DB) CountScansByActorSince(ctx context.Context, actorID string, since time.Time) (int, error) {
	return d.Bun.NewSelect().
		Model((*models.ScanAttempt)(nil)).
		Where("actor_id = ?", actorID).
		Where("created_at >= ?", since).
		Count(ctx)
}

func (d *DB) CountScansByDeviceSince(ctx context.Context, deviceID string, since time.Time) (int, error) {
	return d.Bun.NewSelect().
		Model((*models.ScanAttempt)(nil)).
		Where("device_id = ?", deviceID).
		Where("created_at >= ?", since).
		Count(ctx)
}

// EventScanStats aggregates the audit log for one event. windowStart bounds
// the "recent" counter only; totals cover the whole log.
func (d *DB) EventScanStats(ctx context.Context, eventID string, windowStart time.Time) (*models.ScanStats, error) {
	stats := &models.ScanStats{EventID: eventID}

	var err error
	stats.TotalScans, err = d.Bun.NewSelect().
		Model((*models.ScanAttempt)(nil)).
		Where("event_id = ?", eventID).
		Count(ctx)
	if err != nil {
		return nil, err
	}

	stats.ValidScans, err = d.Bun.NewSelect().
		Model((*models.ScanAttempt)(nil)).
		Where("event_id = ?", eventID).
		Where("outcome = ?", models.ScanOutcomeValid).
		Count(ctx)
	if err != nil {
		return nil, err
	}

	stats.InvalidScans, err = d.Bun.NewSelect().
		Model((*models.ScanAttempt)(nil)).
		Where("event_id = ?", eventID).
		Where("outcome != ?", models.ScanOutcomeValid).
		Count(ctx)
	if err != nil {
		return nil, err
	}

	stats.ScansInWindow, err = d.Bun.NewSelect().
		Model((*models.ScanAttempt)(nil)).
		Where("event_id = ?", eventID).
		Where("created_at >= ?", windowStart).
		Count(ctx)
	if err != nil {
		return nil, err
	}

	err = d.Bun.NewRaw(
		"SELECT COUNT(DISTINCT actor_id) FROM scan_attempts WHERE event_id = ?", eventID).
		Scan(ctx, &stats.UniqueScanners)
	if err != nil {
		return nil, err
	}

	return stats, nil
}
