package checkin

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ms-checkin/internal/config"
	"ms-checkin/internal/logger"
	"ms-checkin/internal/models"
)

// fakeRegistry is a mutex-guarded in-memory RegistryDB. The mutex makes the
// checked-in transition atomic the same way the database update is.
type fakeRegistry struct {
	mu       sync.Mutex
	tickets  map[string]*models.Ticket
	orders   map[string]*models.Order
	attempts []models.ScanAttempt
	failOn   string
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		tickets: make(map[string]*models.Ticket),
		orders:  make(map[string]*models.Order),
	}
}

func (f *fakeRegistry) addTicket(t models.Ticket) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tickets[t.TicketID] = &t
}

func (f *fakeRegistry) addOrder(o models.Order) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders[o.OrderID] = &o
}

func (f *fakeRegistry) GetTicketByTokenHash(_ context.Context, tokenHash string) (*models.Ticket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.tickets {
		if t.TokenHash == tokenHash {
			cp := *t
			return &cp, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (f *fakeRegistry) GetTicketByID(_ context.Context, id string) (*models.Ticket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tickets[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	cp := *t
	return &cp, nil
}

func (f *fakeRegistry) GetOrderByID(_ context.Context, id string) (*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	cp := *o
	return &cp, nil
}

func (f *fakeRegistry) TransitionToCheckedIn(_ context.Context, ticketID, actorID string, at time.Time) (bool, error) {
	if f.failOn == "TransitionToCheckedIn" {
		return false, errors.New("forced transition failure")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tickets[ticketID]
	if !ok || t.Status != models.TicketStatusIssued {
		return false, nil
	}
	t.Status = models.TicketStatusCheckedIn
	t.CheckedInAt = at
	t.CheckedInBy = actorID
	return true, nil
}

func (f *fakeRegistry) TransitionToIssued(_ context.Context, ticketID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tickets[ticketID]
	if !ok || t.Status != models.TicketStatusCheckedIn {
		return false, nil
	}
	t.Status = models.TicketStatusIssued
	t.CheckedInAt = time.Time{}
	t.CheckedInBy = ""
	return true, nil
}

func (f *fakeRegistry) InsertScanAttempt(_ context.Context, attempt *models.ScanAttempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, *attempt)
	return nil
}

func (f *fakeRegistry) CountScansByActorSince(_ context.Context, actorID string, since time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, a := range f.attempts {
		if a.ActorID == actorID && !a.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (f *fakeRegistry) CountScansByDeviceSince(_ context.Context, deviceID string, since time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, a := range f.attempts {
		if a.DeviceID == deviceID && !a.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (f *fakeRegistry) EventScanStats(_ context.Context, eventID string, windowStart time.Time) (*models.ScanStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stats := &models.ScanStats{EventID: eventID}
	for _, a := range f.attempts {
		if a.EventID != eventID {
			continue
		}
		stats.TotalScans++
		if a.Outcome == models.ScanOutcomeValid {
			stats.ValidScans++
		} else {
			stats.InvalidScans++
		}
	}
	return stats, nil
}

func (f *fakeRegistry) attemptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.attempts)
}

func (f *fakeRegistry) lastAttempt() models.ScanAttempt {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[len(f.attempts)-1]
}

func testPolicy() config.ScanPolicy {
	return config.ScanPolicy{
		ActorPerMinute:  60,
		DevicePerMinute: 30,
		PIILevel:        PIILevelMasked,
		AllowUndo:       true,
	}
}

func newTestService(reg *fakeRegistry) *Service {
	return NewService(reg, nil, logger.NewLogger())
}

func scanRequest(token string) ScanRequest {
	return ScanRequest{
		EventID:  "ev1",
		RawToken: token,
		ActorID:  "actor-1",
		DeviceID: "device-1",
	}
}

func registryTicket(id, eventID, rawToken, status string) models.Ticket {
	return models.Ticket{
		TicketID:    id,
		OrderID:     "order-1",
		EventID:     eventID,
		TypeName:    "General Admission",
		TokenHash:   HashToken(rawToken),
		Status:      status,
		HolderName:  "Jane Doe",
		HolderEmail: "jane@example.com",
	}
}

func TestScanValid(t *testing.T) {
	reg := newFakeRegistry()
	reg.addTicket(registryTicket("t1", "ev1", "tok-1", models.TicketStatusIssued))
	svc := newTestService(reg)

	result, err := svc.Scan(context.Background(), scanRequest("tok-1"), testPolicy())
	require.NoError(t, err)
	assert.Equal(t, models.ScanOutcomeValid, result.Result)
	require.NotNil(t, result.Ticket)
	assert.Equal(t, "t1", result.Ticket.TicketID)
	assert.Equal(t, "J. D***", result.Ticket.Info.ParticipantName)

	assert.Equal(t, 1, reg.attemptCount())
	assert.Equal(t, models.ScanOutcomeValid, reg.lastAttempt().Outcome)
}

func TestScanUnknownToken(t *testing.T) {
	reg := newFakeRegistry()
	svc := newTestService(reg)

	result, err := svc.Scan(context.Background(), scanRequest("no-such-token"), testPolicy())
	require.NoError(t, err)
	assert.Equal(t, models.ScanOutcomeInvalid, result.Result)
	assert.Nil(t, result.Ticket)

	last := reg.lastAttempt()
	assert.Empty(t, last.TicketID)
	assert.Equal(t, models.ScanOutcomeInvalid, last.Outcome)
}

func TestScanAlreadyUsed(t *testing.T) {
	reg := newFakeRegistry()
	reg.addTicket(registryTicket("t1", "ev1", "tok-1", models.TicketStatusCheckedIn))
	svc := newTestService(reg)

	result, err := svc.Scan(context.Background(), scanRequest("tok-1"), testPolicy())
	require.NoError(t, err)
	assert.Equal(t, models.ScanOutcomeAlreadyUsed, result.Result)
	assert.Nil(t, result.Ticket)
}

func TestScanVoidTicket(t *testing.T) {
	reg := newFakeRegistry()
	reg.addTicket(registryTicket("t1", "ev1", "tok-1", models.TicketStatusVoid))
	svc := newTestService(reg)

	result, err := svc.Scan(context.Background(), scanRequest("tok-1"), testPolicy())
	require.NoError(t, err)
	assert.Equal(t, models.ScanOutcomeCancelled, result.Result)
}

func TestScanRefundedOrder(t *testing.T) {
	reg := newFakeRegistry()
	reg.addTicket(registryTicket("t1", "ev1", "tok-1", models.TicketStatusIssued))
	reg.addOrder(models.Order{OrderID: "order-1", Status: models.OrderStatusRefunded})
	svc := newTestService(reg)

	result, err := svc.Scan(context.Background(), scanRequest("tok-1"), testPolicy())
	require.NoError(t, err)
	assert.Equal(t, models.ScanOutcomeRefunded, result.Result)

	// The ticket itself stays issued; the outcome comes from the order.
	ticket, err := reg.GetTicketByID(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, models.TicketStatusIssued, ticket.Status)
}

func TestScanWrongEvent(t *testing.T) {
	reg := newFakeRegistry()
	reg.addTicket(registryTicket("t1", "ev2", "tok-1", models.TicketStatusIssued))
	svc := newTestService(reg)

	result, err := svc.Scan(context.Background(), scanRequest("tok-1"), testPolicy())
	require.NoError(t, err)
	assert.Equal(t, models.ScanOutcomeNotInEvent, result.Result)
}

func TestScanRateLimited(t *testing.T) {
	reg := newFakeRegistry()
	reg.addTicket(registryTicket("t1", "ev1", "tok-1", models.TicketStatusIssued))
	svc := newTestService(reg)

	policy := testPolicy()
	policy.ActorPerMinute = 2

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := svc.Scan(ctx, scanRequest("bad-token"), policy)
		require.NoError(t, err)
	}

	// Third attempt hits the limit before the token is even looked up, so
	// a valid token gets the rate limit outcome too.
	result, err := svc.Scan(ctx, scanRequest("tok-1"), policy)
	require.NoError(t, err)
	assert.Equal(t, models.ScanOutcomeRateLimitExceeded, result.Result)

	// The denied attempt is still audited.
	assert.Equal(t, 3, reg.attemptCount())

	ticket, err := reg.GetTicketByID(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.TicketStatusIssued, ticket.Status)
}

func TestScanTransitionErrorIsAudited(t *testing.T) {
	reg := newFakeRegistry()
	reg.addTicket(registryTicket("t1", "ev1", "tok-1", models.TicketStatusIssued))
	reg.failOn = "TransitionToCheckedIn"
	svc := newTestService(reg)

	_, err := svc.Scan(context.Background(), scanRequest("tok-1"), testPolicy())
	require.Error(t, err)

	require.Equal(t, 1, reg.attemptCount())
	assert.Equal(t, models.ScanOutcomeError, reg.lastAttempt().Outcome)
}

func TestScanValidationErrorsAreNotAudited(t *testing.T) {
	reg := newFakeRegistry()
	svc := newTestService(reg)

	_, err := svc.Scan(context.Background(), ScanRequest{EventID: "ev1"}, testPolicy())
	require.Error(t, err)
	assert.Equal(t, 0, reg.attemptCount())
}

func TestScanPIILevelNone(t *testing.T) {
	reg := newFakeRegistry()
	reg.addTicket(registryTicket("t1", "ev1", "tok-1", models.TicketStatusIssued))
	svc := newTestService(reg)

	policy := testPolicy()
	policy.PIILevel = PIILevelNone

	result, err := svc.Scan(context.Background(), scanRequest("tok-1"), policy)
	require.NoError(t, err)
	require.NotNil(t, result.Ticket)
	assert.Equal(t, "General Admission", result.Ticket.Info.TypeName)
	assert.Empty(t, result.Ticket.Info.ParticipantName)
	assert.Empty(t, result.Ticket.Info.ParticipantEmail)
}

func TestConcurrentScansCheckInExactlyOnce(t *testing.T) {
	reg := newFakeRegistry()
	reg.addTicket(registryTicket("t1", "ev1", "tok-1", models.TicketStatusIssued))
	svc := newTestService(reg)

	const scanners = 16
	policy := testPolicy()
	policy.ActorPerMinute = 0
	policy.DevicePerMinute = 0

	results := make(chan string, scanners)
	var wg sync.WaitGroup
	for i := 0; i < scanners; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			req := ScanRequest{
				EventID:  "ev1",
				RawToken: "tok-1",
				ActorID:  "actor-" + string(rune('a'+n)),
			}
			result, err := svc.Scan(context.Background(), req, policy)
			if err != nil {
				t.Error(err)
				return
			}
			results <- result.Result
		}(i)
	}
	wg.Wait()
	close(results)

	valid, used := 0, 0
	for outcome := range results {
		switch outcome {
		case models.ScanOutcomeValid:
			valid++
		case models.ScanOutcomeAlreadyUsed:
			used++
		default:
			t.Fatalf("unexpected outcome %s", outcome)
		}
	}
	assert.Equal(t, 1, valid)
	assert.Equal(t, scanners-1, used)
	assert.Equal(t, scanners, reg.attemptCount())
}

func TestUndoRequiresConfigAndRole(t *testing.T) {
	reg := newFakeRegistry()
	reg.addTicket(registryTicket("t1", "ev1", "tok-1", models.TicketStatusCheckedIn))
	svc := newTestService(reg)
	ctx := context.Background()

	policy := testPolicy()
	policy.AllowUndo = false
	err := svc.Undo(ctx, UndoRequest{TicketID: "t1", ActorID: "actor-1", Elevated: true}, policy)
	assert.ErrorIs(t, err, ErrUndoDisabled)

	policy.AllowUndo = true
	err = svc.Undo(ctx, UndoRequest{TicketID: "t1", ActorID: "actor-1"}, policy)
	assert.ErrorIs(t, err, ErrNotAuthorized)

	err = svc.Undo(ctx, UndoRequest{TicketID: "t1", ActorID: "actor-1", Elevated: true}, policy)
	require.NoError(t, err)

	ticket, err := reg.GetTicketByID(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.TicketStatusIssued, ticket.Status)
	assert.Equal(t, models.ScanOutcomeUndo, reg.lastAttempt().Outcome)
}

func TestUndoNotCheckedIn(t *testing.T) {
	reg := newFakeRegistry()
	reg.addTicket(registryTicket("t1", "ev1", "tok-1", models.TicketStatusIssued))
	svc := newTestService(reg)

	err := svc.Undo(context.Background(), UndoRequest{TicketID: "t1", ActorID: "actor-1", Elevated: true}, testPolicy())
	assert.ErrorIs(t, err, ErrNotCheckedIn)
}
