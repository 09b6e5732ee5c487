package cache

import (
	"time"
)

const defaultFreshnessThreshold = 30 * time.Minute

// RefreshingCacheConfig holds configuration for the RefreshingCache.
type RefreshingCacheConfig struct {
	// FreshnessThreshold is the age after which a snapshot is stale. It is also
	// the wait between background refreshes.
	FreshnessThreshold time.Duration
	// FetchTimeout bounds a single call to the Fetcher. Zero means no bound
	// beyond the caller's context.
	FetchTimeout time.Duration
}

// Option is a function that sets an optional collaborator of the cache.
type Option func(*RefreshingCache)

// WithClock replaces time.Now as the source of snapshot timestamps and ages.
func WithClock(now func() time.Time) Option {
	return func(c *RefreshingCache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithObserver registers an observer for refresh outcomes. Multiple calls add
// multiple observers.
func WithObserver(obs Observer) Option {
	return func(c *RefreshingCache) {
		if obs != nil {
			c.observers = append(c.observers, obs)
		}
	}
}
