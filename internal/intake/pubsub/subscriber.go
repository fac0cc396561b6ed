// Package pubsub receives crawl-target batches published by external
// seeding tools and feeds them into the target store.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/localscope/prospector/internal/crawl"
)

// ErrMalformedBatch marks a payload that can never be processed; the
// subscriber acks it so Pub/Sub stops redelivering poison messages.
var ErrMalformedBatch = errors.New("malformed target batch")

// Config identifies the subscription to drain.
type Config struct {
	ProjectID    string `mapstructure:"project_id" yaml:"project_id"`
	Subscription string `mapstructure:"subscription" yaml:"subscription"`
}

// TargetMessage is one entry of a published batch.
type TargetMessage struct {
	Region   string `json:"region"`
	Locality string `json:"locality"`
	Category string `json:"category"`
	Priority int    `json:"priority"`
}

// Subscriber pulls target batches off a subscription and enqueues them.
type Subscriber struct {
	client  *pubsub.Client
	sub     *pubsub.Subscription
	targets crawl.TargetStore
	ids     crawl.IDGenerator
	logger  *zap.Logger
}

// New creates a Subscriber. It authenticates with Application Default
// Credentials.
func New(ctx context.Context, cfg Config, targets crawl.TargetStore, ids crawl.IDGenerator, logger *zap.Logger) (*Subscriber, error) {
	if cfg.ProjectID == "" || cfg.Subscription == "" {
		return nil, fmt.Errorf("pubsub project and subscription are required")
	}
	if targets == nil {
		return nil, fmt.Errorf("target store is required")
	}
	if ids == nil {
		return nil, fmt.Errorf("id generator is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub client: %w", err)
	}
	return &Subscriber{
		client:  client,
		sub:     client.Subscription(cfg.Subscription),
		targets: targets,
		ids:     ids,
		logger:  logger.Named("intake"),
	}, nil
}

// Run blocks receiving messages until ctx ends. Malformed batches are acked
// and dropped; store failures are nacked for redelivery.
func (s *Subscriber) Run(ctx context.Context) error {
	err := s.sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		accepted, err := s.process(ctx, msg.Data)
		switch {
		case errors.Is(err, ErrMalformedBatch):
			s.logger.Warn("dropping malformed target batch",
				zap.String("message_id", msg.ID),
				zap.Error(err))
			msg.Ack()
		case err != nil:
			s.logger.Warn("target batch enqueue failed, nacking for retry",
				zap.String("message_id", msg.ID),
				zap.Error(err))
			msg.Nack()
		default:
			s.logger.Info("target batch enqueued",
				zap.String("message_id", msg.ID),
				zap.Int("targets", accepted))
			msg.Ack()
		}
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("receive targets: %w", err)
	}
	return nil
}

// Close releases the underlying client.
func (s *Subscriber) Close() error {
	return s.client.Close()
}

// process decodes one batch and enqueues its valid rows. It returns how many
// targets were handed to the store.
func (s *Subscriber) process(ctx context.Context, data []byte) (int, error) {
	var batch []TargetMessage
	if err := json.Unmarshal(data, &batch); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformedBatch, err)
	}
	if len(batch) == 0 {
		return 0, fmt.Errorf("%w: empty batch", ErrMalformedBatch)
	}

	targets := make([]crawl.CrawlTarget, 0, len(batch))
	skipped := 0
	for _, msg := range batch {
		if msg.Region == "" || msg.Locality == "" || msg.Category == "" {
			skipped++
			continue
		}
		id, err := s.ids.NewID()
		if err != nil {
			return 0, fmt.Errorf("mint target id: %w", err)
		}
		targets = append(targets, crawl.CrawlTarget{
			ID:       id,
			Region:   msg.Region,
			Locality: msg.Locality,
			Category: msg.Category,
			Priority: msg.Priority,
			Status:   crawl.TargetPending,
		})
	}
	if skipped > 0 {
		s.logger.Warn("skipping incomplete targets in batch", zap.Int("skipped", skipped))
	}
	if len(targets) == 0 {
		return 0, fmt.Errorf("%w: no complete targets", ErrMalformedBatch)
	}

	if err := s.targets.Enqueue(ctx, targets...); err != nil {
		return 0, fmt.Errorf("enqueue targets: %w", err)
	}
	return len(targets), nil
}
