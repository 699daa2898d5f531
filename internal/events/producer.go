// Package events moves ContentStored triggers over Kafka. Delivery is
// at-least-once and unordered: the consumer only commits offsets after the
// handler succeeds, so failed reconciliations are redelivered.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/tendant/image-scan-pipeline/internal/scan"
)

// Producer publishes ContentStored events, keyed by content key so all
// deliveries for one key land on one partition.
type Producer struct {
	writer *kafka.Writer
	logger *slog.Logger
}

// NewProducer creates a Producer for the given brokers and topic.
func NewProducer(brokers []string, topic string) *Producer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		MaxAttempts:  3,
		RequiredAcks: kafka.RequireAll,
		Async:        false,
	}
	return &Producer{
		writer: w,
		logger: slog.Default().With("component", "events-producer", "topic", topic),
	}
}

// PublishContentStored writes one trigger synchronously.
func (p *Producer) PublishContentStored(ctx context.Context, ev scan.ContentStoredEvent) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling content-stored event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(ev.ContentKey),
		Value: value,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error("failed to publish trigger",
			"content_key", ev.ContentKey,
			"error", err,
		)
		return fmt.Errorf("publishing content-stored event: %w", err)
	}
	p.logger.Debug("trigger published",
		"content_key", ev.ContentKey,
		"object_key", ev.ObjectKey,
	)
	return nil
}

// Close flushes pending writes and closes the writer.
func (p *Producer) Close() error {
	return p.writer.Close()
}
