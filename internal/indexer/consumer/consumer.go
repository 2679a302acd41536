// Package consumer applies document update events from Kafka to the scope
// engines and announces every committed index generation.
package consumer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/indexstore/internal/indexer"
	"github.com/Adithya-Monish-Kumar-K/indexstore/internal/indexer/scope"
	"github.com/Adithya-Monish-Kumar-K/indexstore/pkg/kafka"
)

// DocumentEvent adds, replaces or deletes one document of a scope. Categories
// maps a category name to the words the document holds in it.
type DocumentEvent struct {
	Scope      string              `json:"scope"`
	Document   string              `json:"document"`
	Deleted    bool                `json:"deleted,omitempty"`
	Categories map[string][]string `json:"categories,omitempty"`
}

// CommitEvent is published after a scope's delta was merged into a new file.
type CommitEvent struct {
	Scope       string    `json:"scope"`
	Path        string    `json:"path"`
	Documents   int       `json:"documents"`
	CommittedAt time.Time `json:"committed_at"`
}

// IndexConsumer wraps a Kafka consumer to drive the indexing pipeline.
type IndexConsumer struct {
	consumer *kafka.Consumer
	logger   *slog.Logger
}

// New creates an IndexConsumer backed by the given Kafka consumer.
func New(kafkaConsumer *kafka.Consumer) *IndexConsumer {
	return &IndexConsumer{
		consumer: kafkaConsumer,
		logger:   slog.Default().With("component", "index-consumer"),
	}
}

// Start begins consuming Kafka messages. It blocks until ctx is cancelled.
func (ic *IndexConsumer) Start(ctx context.Context) error {
	ic.logger.Info("index consumer starting")
	return ic.consumer.Start(ctx)
}

// HandleMessage returns a Kafka MessageHandler that routes each document
// event to the engine of its scope.
func HandleMessage(router *scope.Router) kafka.MessageHandler {
	logger := slog.Default().With("component", "index-consumer")
	return func(ctx context.Context, key []byte, value []byte) error {
		event, err := kafka.DecodeJSON[DocumentEvent](value)
		if err != nil {
			logger.Error("failed to decode document event",
				"error", err,
				"key", string(key),
			)
			return err
		}
		if err := Apply(ctx, router, event); err != nil {
			return err
		}
		logger.Debug("document event applied",
			"scope", event.Scope,
			"document", event.Document,
			"deleted", event.Deleted,
		)
		return nil
	}
}

// Apply routes event to its scope and updates the delta.
func Apply(ctx context.Context, router *scope.Router, event DocumentEvent) error {
	engine, err := router.Route(event.Scope)
	if err != nil {
		return fmt.Errorf("routing document %s: %w", event.Document, err)
	}
	if event.Deleted {
		if err := engine.RemoveDocument(ctx, event.Document); err != nil {
			return fmt.Errorf("removing %s from %s: %w", event.Document, event.Scope, err)
		}
		return nil
	}
	if err := engine.AddDocument(ctx, event.Document, event.Categories); err != nil {
		return fmt.Errorf("indexing %s in %s: %w", event.Document, event.Scope, err)
	}
	return nil
}

// Publisher is the part of kafka.Producer used to announce commits.
type Publisher interface {
	Publish(ctx context.Context, event kafka.Event) error
}

// CommitPublisher publishes a CommitEvent for every saved generation.
type CommitPublisher struct {
	publisher Publisher
}

func NewCommitPublisher(publisher Publisher) *CommitPublisher {
	return &CommitPublisher{publisher: publisher}
}

var _ indexer.CommitListener = (*CommitPublisher)(nil)

func (p *CommitPublisher) OnCommit(ctx context.Context, g indexer.Generation) error {
	return p.publisher.Publish(ctx, kafka.Event{
		Key: g.Scope,
		Value: CommitEvent{
			Scope:       g.Scope,
			Path:        g.Path,
			Documents:   g.Documents,
			CommittedAt: g.CommittedAt,
		},
	})
}
