package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/illmade-knight/go-listingcache/pkg/types"
	"github.com/rs/zerolog"
)

// Snapshot is the cached set of listings together with the time it was
// fetched. A zero FetchedAt means nothing has been fetched since creation or
// the last invalidation.
type Snapshot struct {
	Listings  []types.Listing `json:"listings"`
	FetchedAt time.Time       `json:"fetchedAt"`
}

// Fetched reports whether the snapshot came from a successful fetch. An empty
// but fetched snapshot is a valid "no results" outcome.
func (s Snapshot) Fetched() bool {
	return !s.FetchedAt.IsZero()
}

// Stats is a point-in-time view of the cache for observability.
type Stats struct {
	ListingCount int       `json:"listingCount"`
	LastSuccess  time.Time `json:"lastSuccess"`
	// LastAttempt is updated on every fetch, successful or not. Staleness is
	// always measured from LastSuccess.
	LastAttempt       time.Time `json:"lastAttempt"`
	LastError         string    `json:"lastError,omitempty"`
	Fetches           uint64    `json:"fetches"`
	FetchFailures     uint64    `json:"fetchFailures"`
	Invalidations     uint64    `json:"invalidations"`
	BackgroundRunning bool      `json:"backgroundRunning"`
}

// RefreshingCache serves the most recent successfully fetched listings. A read
// of a missing, stale or force-refreshed snapshot fetches synchronously, and a
// background loop keeps the snapshot warm independently of reads.
//
// The snapshot lock is held across the freshness check and any read-triggered
// fetch, so concurrent readers of a stale snapshot cause a single fetch.
type RefreshingCache struct {
	threshold    time.Duration
	fetchTimeout time.Duration
	fetcher      Fetcher
	observers    Observers
	now          func() time.Time
	logger       zerolog.Logger

	mu         sync.Mutex
	snapshot   Snapshot
	generation uint64
	stats      Stats

	loopMu     sync.Mutex
	loopCancel context.CancelFunc
	loopDone   chan struct{}
}

// NewRefreshingCache creates a cache bound to fetcher. The snapshot starts
// empty; nothing is fetched until the first read or background refresh.
func NewRefreshingCache(
	cfg *RefreshingCacheConfig,
	fetcher Fetcher,
	logger zerolog.Logger,
	opts ...Option,
) (*RefreshingCache, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("fetcher cannot be nil")
	}
	if cfg == nil {
		cfg = &RefreshingCacheConfig{}
	}
	threshold := cfg.FreshnessThreshold
	if threshold <= 0 {
		threshold = defaultFreshnessThreshold
	}

	c := &RefreshingCache{
		threshold:    threshold,
		fetchTimeout: cfg.FetchTimeout,
		fetcher:      fetcher,
		now:          time.Now,
		logger:       logger.With().Str("component", "RefreshingCache").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger.Debug().Dur("freshness_threshold", threshold).Msg("RefreshingCache initialized.")
	return c, nil
}

// GetListings returns the cached listings, fetching first if forceRefresh is
// set, the snapshot is empty, or it is older than the freshness threshold.
//
// If that fetch fails the previous listings are returned without error when
// there are any. Otherwise the result is nil and the error is a *FetchError.
// The returned slice is shared and must not be modified.
func (c *RefreshingCache) GetListings(ctx context.Context, forceRefresh bool) ([]types.Listing, error) {
	origin := OriginRead
	if forceRefresh {
		origin = OriginForced
	}

	c.mu.Lock()
	res, err := c.readLocked(ctx, forceRefresh)
	c.mu.Unlock()

	switch {
	case res.stored != nil:
		c.observers.Refreshed(ctx, origin, *res.stored)
	case res.fetchErr != nil:
		c.observers.RefreshFailed(ctx, origin, res.fetchErr)
	}
	return res.listings, err
}

// readResult carries what a locked read did, so observers can be notified
// after the lock is released.
type readResult struct {
	listings []types.Listing
	stored   *Snapshot
	fetchErr error
}

func (c *RefreshingCache) readLocked(ctx context.Context, forceRefresh bool) (readResult, error) {
	if !c.needsRefreshLocked(forceRefresh) {
		c.logger.Debug().Int("listing_count", len(c.snapshot.Listings)).Msg("Returning cached listings.")
		return readResult{listings: c.snapshot.Listings}, nil
	}

	c.logger.Info().Bool("force_refresh", forceRefresh).Msg("Cache miss or force refresh, fetching new listings.")
	listings, err := c.fetch(ctx)
	now := c.now()
	c.stats.LastAttempt = now
	if err != nil {
		c.recordFailureLocked(err)
		if len(c.snapshot.Listings) > 0 {
			c.logger.Error().Err(err).
				Int("listing_count", len(c.snapshot.Listings)).
				Time("fetched_at", c.snapshot.FetchedAt).
				Msg("Error refreshing cache, serving stale listings.")
			return readResult{listings: c.snapshot.Listings, fetchErr: err}, nil
		}
		c.logger.Error().Err(err).Msg("Error refreshing cache and no cached listings to serve.")
		return readResult{fetchErr: err}, &FetchError{Err: err}
	}

	c.storeLocked(listings, now)
	snap := c.snapshot
	return readResult{listings: snap.Listings, stored: &snap}, nil
}

func (c *RefreshingCache) needsRefreshLocked(forceRefresh bool) bool {
	if forceRefresh || len(c.snapshot.Listings) == 0 {
		return true
	}
	return c.snapshot.Fetched() && c.now().Sub(c.snapshot.FetchedAt) > c.threshold
}

// storeLocked replaces the snapshot. Listings and timestamp always change
// together.
func (c *RefreshingCache) storeLocked(listings []types.Listing, at time.Time) {
	if listings == nil {
		listings = []types.Listing{}
	}
	c.snapshot = Snapshot{Listings: listings, FetchedAt: at}
	c.stats.Fetches++
	c.stats.LastSuccess = at
	c.stats.LastError = ""
}

func (c *RefreshingCache) recordFailureLocked(err error) {
	c.stats.FetchFailures++
	c.stats.LastError = err.Error()
}

func (c *RefreshingCache) fetch(ctx context.Context) ([]types.Listing, error) {
	if c.fetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.fetchTimeout)
		defer cancel()
	}
	return c.fetcher.Fetch(ctx)
}

// Invalidate clears the snapshot so the next read fetches. It does not fetch
// itself, and a background fetch already in flight will not be stored.
func (c *RefreshingCache) Invalidate() {
	c.mu.Lock()
	at := c.now()
	c.snapshot = Snapshot{}
	c.generation++
	c.stats.Invalidations++
	c.mu.Unlock()
	c.logger.Info().Msg("Invalidating cache.")
	c.observers.Invalidated(at)
}

// Snapshot returns a copy of the current snapshot.
func (c *RefreshingCache) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := Snapshot{FetchedAt: c.snapshot.FetchedAt}
	if c.snapshot.Listings != nil {
		out.Listings = make([]types.Listing, len(c.snapshot.Listings))
		copy(out.Listings, c.snapshot.Listings)
	}
	return out
}

// Stats returns the current cache statistics.
func (c *RefreshingCache) Stats() Stats {
	c.mu.Lock()
	stats := c.stats
	stats.ListingCount = len(c.snapshot.Listings)
	c.mu.Unlock()

	c.loopMu.Lock()
	stats.BackgroundRunning = c.loopDone != nil
	c.loopMu.Unlock()
	return stats
}
