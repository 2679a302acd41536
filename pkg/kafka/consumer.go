// Package kafka provides Kafka producer and consumer clients backed by
// segmentio/kafka-go. The producer serialises events as JSON, while the
// consumer decodes them via a pluggable MessageHandler callback.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/Adithya-Monish-Kumar-K/indexstore/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/indexstore/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/indexstore/pkg/resilience"
)

// MessageHandler is a callback invoked for each Kafka message.
type MessageHandler func(ctx context.Context, key []byte, value []byte) error

var handlerRetry = resilience.RetryConfig{
	MaxAttempts:  3,
	InitialDelay: 200 * time.Millisecond,
	MaxDelay:     2 * time.Second,
	Retryable: func(err error) bool {
		return !errors.Is(err, apperrors.ErrInvalidInput)
	},
}

// Consumer reads messages from a Kafka topic and dispatches them to a
// MessageHandler. A message is committed once the handler succeeds or fails
// permanently; transient failures are retried first.
type Consumer struct {
	reader     *kafka.Reader
	logger     *slog.Logger
	handler    MessageHandler
	deadLetter *Producer
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithDeadLetter republishes messages that failed processing to p before
// they are committed.
func WithDeadLetter(p *Producer) ConsumerOption {
	return func(c *Consumer) {
		c.deadLetter = p
	}
}

// NewConsumer creates a Consumer for the given topic and handler. A new
// consumer group starts from the oldest retained message so that no document
// update is skipped.
func NewConsumer(cfg config.KafkaConfig, topic string, handler MessageHandler, opts ...ConsumerOption) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       topic,
		GroupID:     cfg.ConsumerGroup,
		MinBytes:    1e3,
		MaxBytes:    10e6,
		StartOffset: kafka.FirstOffset,
	})

	c := &Consumer{
		reader:  r,
		logger:  slog.Default().With("component", "kafka-consumer", "topic", topic),
		handler: handler,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start enters the consume loop, fetching and processing messages until ctx
// is cancelled.
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
				return c.reader.Close()
			}
			c.logger.Error("failed to fetch message", "error", err)
			continue
		}
		c.logger.Debug("message received",
			"partition", msg.Partition,
			"offset", msg.Offset,
			"key", string(msg.Key),
			"value_size", len(msg.Value),
		)
		err = resilience.Retry(ctx, "handle-message", handlerRetry, func() error {
			return c.handler(ctx, msg.Key, msg.Value)
		})
		if err != nil {
			if ctx.Err() != nil {
				// not committed; redelivered after restart
				return c.reader.Close()
			}
			c.logger.Error("dropping message after failed processing",
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err,
			)
			c.sendToDeadLetter(ctx, msg, err)
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

func (c *Consumer) sendToDeadLetter(ctx context.Context, msg kafka.Message, cause error) {
	if c.deadLetter == nil {
		return
	}
	err := c.deadLetter.PublishRaw(ctx, kafka.Message{
		Key:   msg.Key,
		Value: msg.Value,
		Headers: []kafka.Header{
			{Key: "error", Value: []byte(cause.Error())},
			{Key: "source-topic", Value: []byte(msg.Topic)},
		},
	})
	if err != nil {
		c.logger.Error("failed to publish to dead-letter topic", "offset", msg.Offset, "error", err)
	}
}

// Close closes the underlying Kafka reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}

// DecodeJSON is a generic helper that unmarshals a Kafka message value into T.
// Malformed payloads are reported as invalid input so they are not retried.
func DecodeJSON[T any](value []byte) (T, error) {
	var result T
	if err := json.Unmarshal(value, &result); err != nil {
		return result, fmt.Errorf("%w: decoding kafka message: %v", apperrors.ErrInvalidInput, err)
	}
	return result, nil
}
