package settings

import (
	"context"
	"sync"

	"github.com/illmade-knight/go-listingcache/pkg/types"
	"github.com/rs/zerolog"
)

// InMemoryStore is a thread-safe, process-local settings store. Settings are
// lost on restart.
type InMemoryStore struct {
	mu       sync.RWMutex
	settings types.Settings
	logger   zerolog.Logger
}

// NewInMemoryStore creates a store seeded with initial.
func NewInMemoryStore(initial types.Settings, logger zerolog.Logger) *InMemoryStore {
	s := &InMemoryStore{
		settings: initial.Clone(),
		logger:   logger.With().Str("component", "InMemorySettingsStore").Logger(),
	}
	s.logger.Debug().Interface("settings", s.settings).Msg("InMemorySettingsStore initialized.")
	return s
}

// Get returns a copy of the current settings.
func (s *InMemoryStore) Get(_ context.Context) (types.Settings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings.Clone(), nil
}

// Update merges patch into the current settings.
func (s *InMemoryStore) Update(_ context.Context, patch types.Settings) (types.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = s.settings.Merge(patch)
	s.logger.Info().Interface("patch", patch).Msg("Settings updated.")
	return s.settings.Clone(), nil
}

// Close is a no-op for the in-memory implementation.
func (s *InMemoryStore) Close() error {
	return nil
}
