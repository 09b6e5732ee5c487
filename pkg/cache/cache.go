// Package cache provides the refreshing listings cache: a single snapshot of
// upstream listings that is served under a freshness policy, refreshed on
// demand and kept warm by a background loop.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/illmade-knight/go-listingcache/pkg/types"
)

// ErrNoCachedListings is returned when a refresh fails and there is no cached
// snapshot to fall back on.
var ErrNoCachedListings = errors.New("cache: fetch failed and no cached listings are available")

// Fetcher produces a fresh, ordered set of listings from the upstream source.
// It may be slow and may fail transiently.
type Fetcher interface {
	Fetch(ctx context.Context) ([]types.Listing, error)
}

// FetcherFunc adapts an ordinary function to the Fetcher interface.
type FetcherFunc func(ctx context.Context) ([]types.Listing, error)

// Fetch calls f(ctx).
func (f FetcherFunc) Fetch(ctx context.Context) ([]types.Listing, error) {
	return f(ctx)
}

// FetchError is the only error the read path surfaces. It matches
// ErrNoCachedListings with errors.Is and unwraps to the Fetcher's error.
type FetchError struct {
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%s: %v", ErrNoCachedListings.Error(), e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrNoCachedListings.
func (e *FetchError) Is(target error) bool {
	return target == ErrNoCachedListings
}

// Origin names what triggered a refresh.
type Origin string

const (
	// OriginRead is a refresh triggered by a read of a missing or stale snapshot.
	OriginRead Origin = "read"
	// OriginForced is a refresh explicitly requested by the caller.
	OriginForced Origin = "forced"
	// OriginBackground is a refresh made by the background loop.
	OriginBackground Origin = "background"
)

// Observer is notified about refresh outcomes. Implementations are called on
// the refreshing goroutine and must not block.
type Observer interface {
	Refreshed(ctx context.Context, origin Origin, snapshot Snapshot)
	RefreshFailed(ctx context.Context, origin Origin, err error)
}

// InvalidationObserver is implemented by observers that also track when the
// snapshot is cleared. Notifications for a refresh and an invalidation may
// arrive in either order; at orders them against Snapshot.FetchedAt.
type InvalidationObserver interface {
	Invalidated(at time.Time)
}

// Observers fans a notification out to every observer in the slice.
type Observers []Observer

func (o Observers) Refreshed(ctx context.Context, origin Origin, snapshot Snapshot) {
	for _, obs := range o {
		obs.Refreshed(ctx, origin, snapshot)
	}
}

func (o Observers) RefreshFailed(ctx context.Context, origin Origin, err error) {
	for _, obs := range o {
		obs.RefreshFailed(ctx, origin, err)
	}
}

// Invalidated notifies the observers that implement InvalidationObserver.
func (o Observers) Invalidated(at time.Time) {
	for _, obs := range o {
		if inv, ok := obs.(InvalidationObserver); ok {
			inv.Invalidated(at)
		}
	}
}
