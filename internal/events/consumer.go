package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/segmentio/kafka-go"
	"github.com/tendant/image-scan-pipeline/internal/scan"
)

// Handler processes one ContentStored trigger. Returning an error leaves the
// offset uncommitted so the trigger is redelivered; handlers must therefore
// be idempotent.
type Handler func(ctx context.Context, ev scan.ContentStoredEvent) error

// Consumer reads ContentStored triggers and dispatches them to a Handler.
type Consumer struct {
	reader  *kafka.Reader
	logger  *slog.Logger
	handler Handler
}

// NewConsumer creates a consumer-group reader for the given topic.
func NewConsumer(brokers []string, topic, group string, handler Handler) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		Topic:       topic,
		GroupID:     group,
		MinBytes:    1e3,
		MaxBytes:    10e6,
		StartOffset: kafka.FirstOffset,
	})
	return &Consumer{
		reader:  r,
		logger:  slog.Default().With("component", "events-consumer", "topic", topic),
		handler: handler,
	}
}

// Start enters the consume loop until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("consumer started")
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("consumer stopping", "reason", ctx.Err())
			return c.reader.Close()
		default:
		}

		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("failed to fetch message", "error", err)
			continue
		}

		ev, err := decodeEvent(msg.Value)
		if err != nil {
			// Poison message: log and commit so it does not wedge the
			// partition.
			c.logger.Error("failed to decode trigger, skipping",
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err,
			)
			if err := c.reader.CommitMessages(ctx, msg); err != nil {
				c.logger.Error("failed to commit poison message", "error", err)
			}
			continue
		}

		if err := c.handler(ctx, ev); err != nil {
			c.logger.Error("failed to process trigger, leaving uncommitted",
				"content_key", ev.ContentKey,
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err,
			)
			continue
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			c.logger.Error("failed to commit message",
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err,
			)
		}
	}
}

// Close closes the underlying reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}

func decodeEvent(value []byte) (scan.ContentStoredEvent, error) {
	var ev scan.ContentStoredEvent
	if err := json.Unmarshal(value, &ev); err != nil {
		return ev, fmt.Errorf("decoding content-stored event: %w", err)
	}
	if ev.ContentKey == "" || ev.ObjectKey == "" {
		return ev, fmt.Errorf("content-stored event missing keys")
	}
	return ev, nil
}
