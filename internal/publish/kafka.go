package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// MessageWriter abstracts kafka.Writer for testability
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaPublisher publishes listing events to a topic keyed by listing id,
// so every event for one listing lands on the same partition in order.
type KafkaPublisher struct {
	writer MessageWriter
}

// NewKafkaPublisher creates a publisher writing to topic on brokers
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}}
}

// NewKafkaPublisherWith wraps an existing writer
func NewKafkaPublisherWith(w MessageWriter) *KafkaPublisher {
	return &KafkaPublisher{writer: w}
}

// Name implements Publisher
func (k *KafkaPublisher) Name() string { return "kafka" }

// Publish implements Publisher
func (k *KafkaPublisher) Publish(ctx context.Context, event ListingEvent) error {
	b, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.ListingID),
		Value: b,
		Time:  event.At,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(event.Type)},
		},
	})
}

// Close flushes and closes the underlying writer when it supports it
func (k *KafkaPublisher) Close() error {
	if c, ok := k.writer.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
