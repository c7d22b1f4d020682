package checkin

import (
	"bytes"
	"context"
	"errors"
	"image/png"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ms-checkin/internal/logger"
	"ms-checkin/internal/models"
)

type fakeIssuerDB struct {
	tickets map[string]models.Ticket
	orders  map[string]models.Order
	voided  []string
}

func newFakeIssuerDB() *fakeIssuerDB {
	return &fakeIssuerDB{
		tickets: make(map[string]models.Ticket),
		orders:  make(map[string]models.Order),
	}
}

func (f *fakeIssuerDB) CreateTicket(_ context.Context, ticket models.Ticket) error {
	f.tickets[ticket.TicketID] = ticket
	return nil
}

func (f *fakeIssuerDB) UpsertOrder(_ context.Context, order models.Order) error {
	f.orders[order.OrderID] = order
	return nil
}

func (f *fakeIssuerDB) VoidTicketsByOrder(_ context.Context, orderID string) (int, error) {
	f.voided = append(f.voided, orderID)
	count := 0
	for id, t := range f.tickets {
		if t.OrderID == orderID && t.Status == models.TicketStatusIssued {
			t.Status = models.TicketStatusVoid
			f.tickets[id] = t
			count++
		}
	}
	return count, nil
}

type fakeEnqueuer struct {
	calls   int
	lastErr error
	order   models.Order
	tickets []models.Ticket
}

func (f *fakeEnqueuer) EnqueueConfirmation(_ context.Context, order models.Order, tickets []models.Ticket) error {
	f.calls++
	f.order = order
	f.tickets = tickets
	return f.lastErr
}

func paidEvent() models.PaymentEvent {
	return models.PaymentEvent{
		OrderID: "o1",
		OrgID:   "org-1",
		EventID: "ev1",
		UserID:  "user-1",
		Status:  models.OrderStatusPaid,
		Tickets: []models.TicketSpec{
			{TypeID: "vip", TypeName: "VIP", HolderName: "Jane Doe", HolderEmail: "jane@example.com"},
			{TypeID: "ga", TypeName: "General", HolderName: "Jane Doe", HolderEmail: "jane@example.com"},
		},
		Timestamp: time.Now(),
	}
}

func TestHandlePaymentEventIssuesTickets(t *testing.T) {
	db := newFakeIssuerDB()
	enq := &fakeEnqueuer{}
	issuer := NewIssuer(db, enq, logger.NewLogger())

	require.NoError(t, issuer.HandlePaymentEvent(context.Background(), paidEvent()))

	assert.Len(t, db.tickets, 2)
	assert.Equal(t, models.OrderStatusPaid, db.orders["o1"].Status)

	for _, ticket := range db.tickets {
		assert.Equal(t, models.TicketStatusIssued, ticket.Status)
		// Only the hash is stored, and it is a sha256 hex digest.
		assert.Len(t, ticket.TokenHash, 64)
		// The QR payload decodes as a PNG image.
		_, err := png.Decode(bytes.NewReader(ticket.QRCode))
		assert.NoError(t, err)
	}

	assert.Equal(t, 1, enq.calls)
	assert.Equal(t, "o1", enq.order.OrderID)
	assert.Len(t, enq.tickets, 2)
}

func TestHandlePaymentEventRefundVoids(t *testing.T) {
	db := newFakeIssuerDB()
	issuer := NewIssuer(db, &fakeEnqueuer{}, logger.NewLogger())
	ctx := context.Background()

	require.NoError(t, issuer.HandlePaymentEvent(ctx, paidEvent()))

	refund := paidEvent()
	refund.Status = models.OrderStatusRefunded
	refund.Tickets = nil
	require.NoError(t, issuer.HandlePaymentEvent(ctx, refund))

	assert.Equal(t, models.OrderStatusRefunded, db.orders["o1"].Status)
	for _, ticket := range db.tickets {
		assert.Equal(t, models.TicketStatusVoid, ticket.Status)
	}
}

func TestHandlePaymentEventIgnoresOtherStatuses(t *testing.T) {
	db := newFakeIssuerDB()
	enq := &fakeEnqueuer{}
	issuer := NewIssuer(db, enq, logger.NewLogger())

	event := paidEvent()
	event.Status = models.OrderStatusPending
	require.NoError(t, issuer.HandlePaymentEvent(context.Background(), event))

	assert.Empty(t, db.tickets)
	assert.Zero(t, enq.calls)
}

func TestHandlePaymentEventPropagatesEnqueueError(t *testing.T) {
	db := newFakeIssuerDB()
	enq := &fakeEnqueuer{lastErr: errors.New("outbox down")}
	issuer := NewIssuer(db, enq, logger.NewLogger())

	err := issuer.HandlePaymentEvent(context.Background(), paidEvent())
	require.Error(t, err)
	// Tickets exist regardless; the retried event dedupes on its key.
	assert.Len(t, db.tickets, 2)
}
