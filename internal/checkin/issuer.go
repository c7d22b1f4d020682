package checkin

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	qrcode "github.com/skip2/go-qrcode"

	"ms-checkin/internal/logger"
	"ms-checkin/internal/models"
	"ms-checkin/internal/utils"
)

// IssuerDB is the slice of the registry the issuer needs.
type IssuerDB interface {
	CreateTicket(ctx context.Context, ticket models.Ticket) error
	UpsertOrder(ctx context.Context, order models.Order) error
	VoidTicketsByOrder(ctx context.Context, orderID string) (int, error)
}

// Enqueuer hands confirmation emails to the outbox.
type Enqueuer interface {
	EnqueueConfirmation(ctx context.Context, order models.Order, tickets []models.Ticket) error
}

// Issuer turns payment events into tickets. The raw token is handed out once,
// inside the QR image; only its hash is stored.
type Issuer struct {
	DB     IssuerDB
	Outbox Enqueuer
	Logger *logger.Logger
}

func NewIssuer(db IssuerDB, outbox Enqueuer, log *logger.Logger) *Issuer {
	return &Issuer{DB: db, Outbox: outbox, Logger: log}
}

// HandlePaymentEvent is the kafka consumer callback for both payment topics.
func (i *Issuer) HandlePaymentEvent(ctx context.Context, event models.PaymentEvent) error {
	switch event.Status {
	case models.OrderStatusPaid:
		return i.issueForOrder(ctx, event)
	case models.OrderStatusRefunded:
		return i.voidForOrder(ctx, event)
	default:
		i.Logger.Warn("ISSUER", "ignoring payment event with status "+event.Status+" for order "+event.OrderID)
		return nil
	}
}

func (i *Issuer) issueForOrder(ctx context.Context, event models.PaymentEvent) error {
	order := models.Order{
		OrderID:   event.OrderID,
		OrgID:     event.OrgID,
		EventID:   event.EventID,
		UserID:    event.UserID,
		Status:    models.OrderStatusPaid,
		CreatedAt: time.Now(),
	}
	if err := i.DB.UpsertOrder(ctx, order); err != nil {
		return fmt.Errorf("failed to upsert order %s: %w", event.OrderID, err)
	}

	tickets := make([]models.Ticket, 0, len(event.Tickets))
	for _, spec := range event.Tickets {
		rawToken := utils.GenerateTicketToken()

		qrBytes, err := qrcode.Encode(rawToken, qrcode.Medium, 256)
		if err != nil {
			return fmt.Errorf("failed to generate QR for order %s: %w", event.OrderID, err)
		}

		ticket := models.Ticket{
			TicketID:    uuid.New().String(),
			OrderID:     event.OrderID,
			EventID:     event.EventID,
			TypeID:      spec.TypeID,
			TypeName:    spec.TypeName,
			TokenHash:   HashToken(rawToken),
			QRCode:      qrBytes,
			Status:      models.TicketStatusIssued,
			HolderName:  spec.HolderName,
			HolderEmail: spec.HolderEmail,
			IssuedAt:    time.Now(),
		}
		if err := i.DB.CreateTicket(ctx, ticket); err != nil {
			return fmt.Errorf("failed to create ticket for order %s: %w", event.OrderID, err)
		}
		tickets = append(tickets, ticket)
	}

	i.Logger.Info("ISSUER", fmt.Sprintf("issued %d tickets for order %s", len(tickets), event.OrderID))

	if len(tickets) > 0 && i.Outbox != nil {
		if err := i.Outbox.EnqueueConfirmation(ctx, order, tickets); err != nil {
			// The tickets exist; the confirmation email is retried by the
			// next delivery of the payment event, deduped by its
			// idempotency key.
			i.Logger.Error("ISSUER", "failed to enqueue confirmation for order "+event.OrderID+": "+err.Error())
			return err
		}
	}
	return nil
}

func (i *Issuer) voidForOrder(ctx context.Context, event models.PaymentEvent) error {
	order := models.Order{
		OrderID:   event.OrderID,
		OrgID:     event.OrgID,
		EventID:   event.EventID,
		UserID:    event.UserID,
		Status:    models.OrderStatusRefunded,
		CreatedAt: time.Now(),
	}
	if err := i.DB.UpsertOrder(ctx, order); err != nil {
		return fmt.Errorf("failed to upsert order %s: %w", event.OrderID, err)
	}

	voided, err := i.DB.VoidTicketsByOrder(ctx, event.OrderID)
	if err != nil {
		return fmt.Errorf("failed to void tickets for order %s: %w", event.OrderID, err)
	}
	i.Logger.Info("ISSUER", fmt.Sprintf("voided %d tickets for refunded order %s", voided, event.OrderID))
	return nil
}
