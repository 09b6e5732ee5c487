package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/illmade-knight/go-listingcache/pkg/types"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	defaultRedisKey  = "listings:settings"
	maxUpdateRetries = 5
)

// RedisConfig holds the configuration for the Redis settings store.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Key is the Redis key holding the settings as a JSON object.
	Key string
}

// RedisStore keeps the settings as a single JSON document in Redis, so they
// survive restarts of the service.
type RedisStore struct {
	redisClient *redis.Client
	key         string
	defaults    types.Settings
	logger      zerolog.Logger
}

// NewRedisStore creates and connects a new RedisStore. It pings the Redis
// server to ensure connectivity before returning. Until the first update the
// store reports defaults.
func NewRedisStore(
	ctx context.Context,
	cfg *RedisConfig,
	defaults types.Settings,
	logger zerolog.Logger,
) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	key := cfg.Key
	if key == "" {
		key = defaultRedisKey
	}
	logger.Info().Str("redis_address", cfg.Addr).Str("key", key).Msg("Successfully connected to Redis for settings.")

	return &RedisStore{
		redisClient: rdb,
		key:         key,
		defaults:    defaults.Clone(),
		logger:      logger.With().Str("component", "RedisSettingsStore").Logger(),
	}, nil
}

// Get returns the stored settings, or the defaults if none are stored yet.
func (s *RedisStore) Get(ctx context.Context) (types.Settings, error) {
	return s.load(ctx, s.redisClient)
}

// Update merges patch into the stored settings. The read-merge-write runs in
// a WATCH transaction and is retried if another writer got in between.
func (s *RedisStore) Update(ctx context.Context, patch types.Settings) (types.Settings, error) {
	var merged types.Settings
	txf := func(tx *redis.Tx) error {
		current, err := s.load(ctx, tx)
		if err != nil {
			return err
		}
		merged = current.Merge(patch)
		data, err := json.Marshal(merged)
		if err != nil {
			return fmt.Errorf("failed to marshal settings: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.key, data, 0)
			return nil
		})
		return err
	}

	for i := 0; i < maxUpdateRetries; i++ {
		err := s.redisClient.Watch(ctx, txf, s.key)
		if err == nil {
			s.logger.Info().Interface("patch", patch).Msg("Settings updated.")
			return merged.Clone(), nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			s.logger.Debug().Int("attempt", i+1).Msg("Concurrent settings update, retrying.")
			continue
		}
		return nil, fmt.Errorf("failed to update settings in redis: %w", err)
	}
	return nil, fmt.Errorf("failed to update settings in redis: too many concurrent updates")
}

// getter is satisfied by both *redis.Client and *redis.Tx.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// load reads and decodes the settings document.
func (s *RedisStore) load(ctx context.Context, cmd getter) (types.Settings, error) {
	data, err := cmd.Get(ctx, s.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return s.defaults.Clone(), nil
		}
		return nil, fmt.Errorf("redis get failed for key %s: %w", s.key, err)
	}
	settings, err := decodeObject(data)
	if err != nil {
		s.logger.Error().Err(err).Str("key", s.key).Msg("Failed to unmarshal stored settings.")
		return nil, fmt.Errorf("failed to unmarshal settings: %w", err)
	}
	return settings, nil
}

// Close closes the Redis client connection.
func (s *RedisStore) Close() error {
	if s.redisClient != nil {
		s.logger.Info().Msg("Closing Redis client connection...")
		return s.redisClient.Close()
	}
	return nil
}
