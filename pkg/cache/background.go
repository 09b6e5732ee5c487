package cache

import (
	"context"
	"time"
)

// StartBackgroundRefresh starts the background refresh loop. The loop fetches
// immediately, then once per freshness threshold, until ctx is cancelled or
// StopBackgroundRefresh is called. Starting a running loop is a no-op.
func (c *RefreshingCache) StartBackgroundRefresh(ctx context.Context) {
	c.loopMu.Lock()
	defer c.loopMu.Unlock()

	if c.loopDone != nil {
		c.logger.Warn().Msg("Background refresh loop already running, ignoring start.")
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.loopCancel = cancel
	c.loopDone = done

	c.logger.Info().Dur("interval", c.threshold).Msg("Starting background refresh loop...")
	go c.refreshLoop(loopCtx, cancel, done)
}

// StopBackgroundRefresh cancels the background loop and waits for it to exit,
// bounded by ctx. An in-flight fetch is cancelled through its context. Calling
// it when no loop is running returns nil.
//
// If ctx ends first, ctx.Err() is returned and the loop still counts as
// running until it exits: Stats reports it and StartBackgroundRefresh remains
// a no-op. A later call waits again.
func (c *RefreshingCache) StopBackgroundRefresh(ctx context.Context) error {
	c.loopMu.Lock()
	cancel, done := c.loopCancel, c.loopDone
	c.loopMu.Unlock()

	if done == nil {
		return nil
	}

	c.logger.Info().Msg("Stopping background refresh loop...")
	cancel()

	select {
	case <-done:
		c.logger.Info().Msg("Background refresh loop stopped.")
		return nil
	case <-ctx.Done():
		c.logger.Error().Err(ctx.Err()).Msg("Timeout waiting for background refresh loop to stop.")
		return ctx.Err()
	}
}

func (c *RefreshingCache) refreshLoop(ctx context.Context, cancel context.CancelFunc, done chan struct{}) {
	defer func() {
		// The handle is released before done closes, so a returning Stop
		// never observes a stale handle.
		c.loopMu.Lock()
		if c.loopDone == done {
			c.loopCancel, c.loopDone = nil, nil
		}
		c.loopMu.Unlock()
		cancel()
		close(done)
	}()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		// Both cases may be ready at once; never start a fetch after cancellation.
		if ctx.Err() != nil {
			return
		}

		c.backgroundRefresh(ctx)

		c.logger.Debug().Dur("interval", c.threshold).Msg("Waiting until next background refresh.")
		timer.Reset(c.threshold)
	}
}

// backgroundRefresh fetches without holding the snapshot lock and stores the
// result under it. A failure leaves the existing snapshot in place. A result
// whose fetch began before an invalidation is dropped, since it may have been
// fetched with superseded settings.
func (c *RefreshingCache) backgroundRefresh(ctx context.Context) {
	c.mu.Lock()
	generation := c.generation
	c.mu.Unlock()

	c.logger.Info().Msg("Refreshing cache in background...")
	listings, err := c.fetch(ctx)
	if err != nil && ctx.Err() != nil {
		c.logger.Debug().Err(err).Msg("Background refresh cancelled.")
		return
	}

	now := c.now()
	c.mu.Lock()
	c.stats.LastAttempt = now
	if err != nil {
		c.recordFailureLocked(err)
		c.mu.Unlock()
		c.logger.Error().Err(err).Msg("Error in background refresh, keeping existing listings.")
		c.observers.RefreshFailed(ctx, OriginBackground, err)
		return
	}
	if generation != c.generation {
		c.mu.Unlock()
		c.logger.Info().Msg("Cache invalidated during background refresh, discarding fetched listings.")
		return
	}
	c.storeLocked(listings, now)
	snap := c.snapshot
	c.mu.Unlock()

	c.logger.Info().Int("listing_count", len(snap.Listings)).Msg("Cache refreshed in background.")
	c.observers.Refreshed(ctx, OriginBackground, snap)
}
