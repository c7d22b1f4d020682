package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	"github.com/segmentio/kafka-go"

	"ms-checkin/internal/logger"
	"ms-checkin/internal/models"
)

type Consumer struct {
	reader *kafka.Reader
	log    *logger.Logger
}

// NewConsumer creates a consumer group reader for one payment topic.
func NewConsumer(brokers []string, topic, groupID string, log *logger.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
	return &Consumer{reader: reader, log: log}
}

// Start consumes payment events until the context is cancelled. Malformed
// messages are logged and skipped; handler errors do not stop the loop.
func (c *Consumer) Start(ctx context.Context, handler func(context.Context, models.PaymentEvent) error) {
	c.log.LogKafka("CONSUME", c.reader.Config().Topic, "consumer started")

	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				c.log.LogKafka("CONSUME", c.reader.Config().Topic, "consumer stopped")
				return
			}
			c.log.Error("KAFKA", "failed to read message: "+err.Error())
			continue
		}

		var event models.PaymentEvent
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			c.log.Warn("KAFKA", "failed to unmarshal payment event: "+err.Error())
			continue
		}

		if err := handler(ctx, event); err != nil {
			c.log.Error("KAFKA", "payment event handler failed for order "+event.OrderID+": "+err.Error())
		}
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
