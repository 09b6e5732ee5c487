package notify

import (
	"context"

	"github.com/google/uuid"
	"github.com/illmade-knight/go-listingcache/pkg/cache"
	"github.com/illmade-knight/go-listingcache/pkg/types"
	"github.com/rs/zerolog"
)

// RefreshNotifier is a cache.Observer that publishes a types.RefreshEvent for
// every successful refresh. Failures are not published.
type RefreshNotifier struct {
	publisher RefreshPublisher
	logger    zerolog.Logger
}

var _ cache.Observer = (*RefreshNotifier)(nil)

// NewRefreshNotifier creates a notifier publishing through publisher.
func NewRefreshNotifier(publisher RefreshPublisher, logger zerolog.Logger) *RefreshNotifier {
	return &RefreshNotifier{
		publisher: publisher,
		logger:    logger.With().Str("component", "RefreshNotifier").Logger(),
	}
}

// Refreshed publishes a RefreshEvent describing snapshot.
func (n *RefreshNotifier) Refreshed(ctx context.Context, origin cache.Origin, snapshot cache.Snapshot) {
	event := types.RefreshEvent{
		ID:           uuid.NewString(),
		Origin:       string(origin),
		ListingCount: len(snapshot.Listings),
		FetchedAt:    snapshot.FetchedAt,
	}
	if err := n.publisher.PublishRefresh(ctx, event); err != nil {
		n.logger.Error().Err(err).Str("event_id", event.ID).Msg("Failed to publish refresh event")
	}
}

// RefreshFailed logs the failure. No event is published.
func (n *RefreshNotifier) RefreshFailed(_ context.Context, origin cache.Origin, err error) {
	n.logger.Debug().Err(err).Str("origin", string(origin)).Msg("Refresh failed, no event published.")
}
