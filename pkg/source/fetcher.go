package source

import (
	"context"
	"fmt"
	"time"

	"github.com/illmade-knight/go-listingcache/pkg/types"
	"github.com/rs/zerolog"
)

// SettingsProvider supplies the current search settings.
type SettingsProvider interface {
	Get(ctx context.Context) (types.Settings, error)
}

// SettingsBoundFetcher binds a ListingSource to the current search settings.
// Each Fetch reads the settings afresh, so an update is picked up by the next
// fetch without rebuilding anything. It satisfies cache.Fetcher.
type SettingsBoundFetcher struct {
	settings SettingsProvider
	source   ListingSource
	logger   zerolog.Logger
}

// NewSettingsBoundFetcher creates a new SettingsBoundFetcher.
func NewSettingsBoundFetcher(settings SettingsProvider, src ListingSource, logger zerolog.Logger) (*SettingsBoundFetcher, error) {
	if settings == nil {
		return nil, fmt.Errorf("settings provider cannot be nil")
	}
	if src == nil {
		return nil, fmt.Errorf("listing source cannot be nil")
	}
	return &SettingsBoundFetcher{
		settings: settings,
		source:   src,
		logger:   logger.With().Str("component", "SettingsBoundFetcher").Logger(),
	}, nil
}

// Fetch retrieves listings using the current settings.
func (f *SettingsBoundFetcher) Fetch(ctx context.Context) ([]types.Listing, error) {
	settings, err := f.settings.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read search settings: %w", err)
	}

	f.logger.Info().Msg("Fetching listings from upstream...")
	start := time.Now()
	listings, err := f.source.FetchListings(ctx, settings)
	if err != nil {
		f.logger.Error().Err(err).Dur("elapsed", time.Since(start)).Msg("Error fetching listings from upstream.")
		return nil, fmt.Errorf("error fetching from source: %w", err)
	}

	f.logger.Info().Int("listing_count", len(listings)).Dur("elapsed", time.Since(start)).Msg("Retrieved listings from upstream.")
	return listings, nil
}
