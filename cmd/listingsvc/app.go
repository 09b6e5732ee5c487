package main

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	"github.com/illmade-knight/go-listingcache/pkg/api"
	"github.com/illmade-knight/go-listingcache/pkg/cache"
	"github.com/illmade-knight/go-listingcache/pkg/config"
	"github.com/illmade-knight/go-listingcache/pkg/metrics"
	"github.com/illmade-knight/go-listingcache/pkg/notify"
	"github.com/illmade-knight/go-listingcache/pkg/settings"
	"github.com/illmade-knight/go-listingcache/pkg/source"
	"github.com/illmade-knight/go-listingcache/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/option"
)

// app holds the wired service and everything that must be released on
// shutdown.
type app struct {
	logger zerolog.Logger

	store     settings.Store
	firestore *firestore.Client
	pubsub    *pubsub.Client
	publisher *notify.GoogleRefreshPublisher
	cache     *cache.RefreshingCache
	server    *api.Server
	metrics   *metrics.Metrics
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{logger: logger.With().Str("component", "listingsvc").Logger()}

	// The settings backend and the Pub/Sub topic check both dial out, so they
	// are set up together.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		store, err := a.newSettingsStore(gctx, cfg, logger)
		if err != nil {
			return fmt.Errorf("settings store: %w", err)
		}
		a.store = store
		return nil
	})
	g.Go(func() error {
		if err := a.newPublisher(gctx, cfg, logger); err != nil {
			return fmt.Errorf("refresh notifications: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		a.release()
		return nil, err
	}

	src, err := source.NewHTTPSource(source.HTTPSourceConfig{
		URL:      cfg.Source.URL,
		Location: cfg.Source.Location,
		DealType: cfg.Source.DealType,
		Rooms:    cfg.Source.Rooms,
		Timeout:  cfg.Source.Timeout,
		RetryMax: cfg.Source.RetryMax,
		Headers:  cfg.Source.Headers,
	}, nil, logger)
	if err != nil {
		a.release()
		return nil, err
	}
	fetcher, err := source.NewSettingsBoundFetcher(a.store, src, logger)
	if err != nil {
		a.release()
		return nil, err
	}

	var opts []cache.Option
	if cfg.Metrics.Enabled {
		a.metrics = metrics.New()
		opts = append(opts, cache.WithObserver(a.metrics))
	}
	if a.publisher != nil {
		opts = append(opts, cache.WithObserver(notify.NewRefreshNotifier(a.publisher, logger)))
	}

	a.cache, err = cache.NewRefreshingCache(&cache.RefreshingCacheConfig{
		FreshnessThreshold: cfg.Cache.FreshnessThreshold,
		FetchTimeout:       cfg.Cache.FetchTimeout,
	}, fetcher, logger, opts...)
	if err != nil {
		a.release()
		return nil, err
	}

	if a.metrics != nil {
		a.metrics.Registry().MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "listings",
			Name:      "cache_background_refresh_running",
			Help:      "1 while the background refresh loop is running.",
		}, func() float64 {
			if a.cache.Stats().BackgroundRunning {
				return 1
			}
			return 0
		}))
	}

	a.server = api.NewServer(cfg.HTTP.Addr(), a.cache, a.store, a.metrics, logger)
	a.logger.Info().
		Str("settings_backend", cfg.Settings.Backend).
		Bool("metrics", a.metrics != nil).
		Bool("notifications", a.publisher != nil).
		Msg("Service initialised.")
	return a, nil
}

func (a *app) newSettingsStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (settings.Store, error) {
	defaults := settings.Defaults()
	if len(cfg.Settings.Defaults) > 0 {
		defaults = types.Settings(cfg.Settings.Defaults)
	}

	switch cfg.Settings.Backend {
	case config.BackendRedis:
		return settings.NewRedisStore(ctx, &settings.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Key:      cfg.Redis.Key,
		}, defaults, logger)
	case config.BackendFirestore:
		var clientOpts []option.ClientOption
		if cfg.Firestore.CredentialsFile != "" {
			clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.Firestore.CredentialsFile))
		}
		client, err := firestore.NewClient(ctx, cfg.Firestore.ProjectID, clientOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create firestore client: %w", err)
		}
		a.firestore = client
		return settings.NewFirestoreStore(&settings.FirestoreConfig{
			ProjectID:      cfg.Firestore.ProjectID,
			CollectionName: cfg.Firestore.Collection,
			DocumentID:     cfg.Firestore.Document,
		}, client, defaults, logger)
	default:
		return settings.NewInMemoryStore(defaults, logger), nil
	}
}

func (a *app) newPublisher(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	if cfg.PubSub.TopicID == "" {
		return nil
	}
	var clientOpts []option.ClientOption
	if cfg.PubSub.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.PubSub.CredentialsFile))
	}
	client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID, clientOpts...)
	if err != nil {
		return fmt.Errorf("failed to create pubsub client: %w", err)
	}
	a.pubsub = client

	publisher, err := notify.NewGoogleRefreshPublisher(ctx, client, cfg.PubSub.TopicID, logger)
	if err != nil {
		return err
	}
	a.publisher = publisher
	return nil
}

// start launches the background refresh and the HTTP server. The refresh loop
// is detached from ctx so that shutdown can stop it after the server drains.
func (a *app) start(ctx context.Context) error {
	a.cache.StartBackgroundRefresh(context.WithoutCancel(ctx))
	return a.server.Start()
}

// shutdown stops the service in dependency order: HTTP server, background
// refresh, publisher, then the store and clients. Every step runs even if an
// earlier one fails.
func (a *app) shutdown(ctx context.Context) error {
	var errs []error
	if a.server != nil {
		errs = append(errs, a.server.Shutdown(ctx))
	}
	if a.cache != nil {
		errs = append(errs, a.cache.StopBackgroundRefresh(ctx))
	}
	if a.publisher != nil {
		errs = append(errs, a.publisher.Stop(ctx))
	}
	errs = append(errs, a.release())
	return errors.Join(errs...)
}

// release closes the store and the cloud clients.
func (a *app) release() error {
	var errs []error
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.firestore != nil {
		errs = append(errs, a.firestore.Close())
	}
	if a.pubsub != nil {
		errs = append(errs, a.pubsub.Close())
	}
	return errors.Join(errs...)
}
