package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"ms-checkin/internal/models"
)

type Producer struct {
	Writer *kafka.Writer
	Topics struct {
		ScanRecorded string
		EmailStatus  string
	}
}

func NewProducer(brokers []string, scanTopic, emailTopic string) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
	}
	p := &Producer{Writer: writer}
	p.Topics.ScanRecorded = scanTopic
	p.Topics.EmailStatus = emailTopic
	return p
}

// Publish writes one message to the given topic.
func (p *Producer) Publish(topic, key string, value []byte) error {
	return p.Writer.WriteMessages(context.Background(), kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
	})
}

// PublishScanRecorded streams a scan attempt to the scan topic. Failures are
// the caller's to log; the audit row in the database is the source of truth.
func (p *Producer) PublishScanRecorded(attempt models.ScanAttempt) error {
	msgBytes, err := json.Marshal(attempt)
	if err != nil {
		return err
	}
	return p.Publish(p.Topics.ScanRecorded, attempt.EventID, msgBytes)
}

type emailStatusEvent struct {
	MessageID  string    `json:"message_id"`
	FromStatus string    `json:"from_status"`
	ToStatus   string    `json:"to_status"`
	Timestamp  time.Time `json:"timestamp"`
}

// PublishEmailStatus streams an outbox status transition to the email topic.
func (p *Producer) PublishEmailStatus(messageID, fromStatus, toStatus string) error {
	msgBytes, err := json.Marshal(emailStatusEvent{
		MessageID:  messageID,
		FromStatus: fromStatus,
		ToStatus:   toStatus,
		Timestamp:  time.Now(),
	})
	if err != nil {
		return err
	}
	return p.Publish(p.Topics.EmailStatus, messageID, msgBytes)
}

func (p *Producer) Close() error {
	return p.Writer.Close()
}
