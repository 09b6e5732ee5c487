// Package notify announces cache refreshes to downstream subscribers over
// Google Cloud Pub/Sub.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/illmade-knight/go-listingcache/pkg/types"
	"github.com/rs/zerolog"
)

// Message attributes set on every refresh event.
const (
	AttrEventID      = "event_id"
	AttrOrigin       = "origin"
	AttrListingCount = "listing_count"
)

const defaultDelayThreshold = 50 * time.Millisecond

// RefreshPublisher delivers refresh events to subscribers.
type RefreshPublisher interface {
	PublishRefresh(ctx context.Context, event types.RefreshEvent) error
	// Stop flushes pending events, bounded by ctx.
	Stop(ctx context.Context) error
}

// GoogleRefreshPublisher publishes refresh events to a Pub/Sub topic. Events
// are ordered per origin: the origin is the message ordering key, so a
// subscriber with ordering enabled sees each origin's refreshes in the order
// they happened.
type GoogleRefreshPublisher struct {
	topic     *pubsub.Topic
	pending   sync.WaitGroup
	published atomic.Uint64
	failed    atomic.Uint64
	logger    zerolog.Logger
}

// NewGoogleRefreshPublisher creates a publisher for topicID. It verifies that
// the topic exists before returning, respecting the context's deadline.
func NewGoogleRefreshPublisher(ctx context.Context, client *pubsub.Client, topicID string, logger zerolog.Logger) (*GoogleRefreshPublisher, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client cannot be nil")
	}
	topic := client.Topic(topicID)

	exists, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to check for topic %s: %w", topicID, err)
	}
	if !exists {
		return nil, fmt.Errorf("pubsub topic %s does not exist", topicID)
	}

	// Flush each event within defaultDelayThreshold instead of waiting for a full batch.
	topic.PublishSettings.DelayThreshold = defaultDelayThreshold
	topic.EnableMessageOrdering = true

	return &GoogleRefreshPublisher{
		topic:  topic,
		logger: logger.With().Str("component", "GoogleRefreshPublisher").Str("topic_id", topicID).Logger(),
	}, nil
}

// PublishRefresh queues event and returns without waiting for the broker. The
// outcome is logged and counted once the broker answers.
func (p *GoogleRefreshPublisher) PublishRefresh(ctx context.Context, event types.RefreshEvent) error {
	if event.ID == "" {
		return fmt.Errorf("refresh event has no id")
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal refresh event %s: %w", event.ID, err)
	}

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			AttrEventID:      event.ID,
			AttrOrigin:       event.Origin,
			AttrListingCount: strconv.Itoa(event.ListingCount),
		},
		OrderingKey: event.Origin,
	})

	p.pending.Add(1)
	go p.awaitResult(result, event)
	return nil
}

// awaitResult blocks until the broker answers. Stop flushes the topic, so
// every result resolves.
func (p *GoogleRefreshPublisher) awaitResult(result *pubsub.PublishResult, event types.RefreshEvent) {
	defer p.pending.Done()

	msgID, err := result.Get(context.Background())
	if err != nil {
		p.failed.Add(1)
		// A failed publish pauses its ordering key until resumed.
		p.topic.ResumePublish(event.Origin)
		p.logger.Error().Err(err).Str("event_id", event.ID).Str("origin", event.Origin).Msg("Failed to publish refresh event")
		return
	}
	p.published.Add(1)
	p.logger.Debug().
		Str("event_id", event.ID).
		Str("published_msg_id", msgID).
		Int("listing_count", event.ListingCount).
		Msg("Refresh event published.")
}

// Published returns how many events the broker has acknowledged.
func (p *GoogleRefreshPublisher) Published() uint64 {
	return p.published.Load()
}

// Failed returns how many events the broker rejected.
func (p *GoogleRefreshPublisher) Failed() uint64 {
	return p.failed.Load()
}

// Stop flushes queued events and waits for every outstanding result, bounded
// by ctx.
func (p *GoogleRefreshPublisher) Stop(ctx context.Context) error {
	stopDone := make(chan struct{})
	go func() {
		p.topic.Stop()
		p.pending.Wait()
		close(stopDone)
	}()

	select {
	case <-stopDone:
		p.logger.Info().
			Uint64("published", p.Published()).
			Uint64("failed", p.Failed()).
			Msg("Refresh publisher stopped.")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
