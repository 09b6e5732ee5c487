// Package config loads the service configuration from defaults, an optional
// YAML file, LISTINGS_* environment variables and command-line flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "LISTINGS"

// Settings backends.
const (
	BackendMemory    = "memory"
	BackendRedis     = "redis"
	BackendFirestore = "firestore"
)

// Config is the complete service configuration.
type Config struct {
	HTTP      HTTPConfig      `mapstructure:"http"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Source    SourceConfig    `mapstructure:"source"`
	Settings  SettingsConfig  `mapstructure:"settings"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Firestore FirestoreConfig `mapstructure:"firestore"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Log       LogConfig       `mapstructure:"log"`
}

type HTTPConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Addr returns the host:port the HTTP server listens on.
func (h HTTPConfig) Addr() string {
	return net.JoinHostPort(h.Host, strconv.Itoa(h.Port))
}

type CacheConfig struct {
	FreshnessThreshold time.Duration `mapstructure:"freshness_threshold"`
	// FetchTimeout bounds each upstream fetch. Zero means no bound.
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
	// StopTimeout bounds the whole shutdown sequence.
	StopTimeout time.Duration `mapstructure:"stop_timeout"`
}

type SourceConfig struct {
	URL      string            `mapstructure:"url"`
	Location string            `mapstructure:"location"`
	DealType string            `mapstructure:"deal_type"`
	Rooms    string            `mapstructure:"rooms"`
	RetryMax int               `mapstructure:"retry_max"`
	Timeout  time.Duration     `mapstructure:"timeout"`
	Headers  map[string]string `mapstructure:"headers"`
}

type SettingsConfig struct {
	Backend  string                 `mapstructure:"backend"`
	Defaults map[string]interface{} `mapstructure:"defaults"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Key      string `mapstructure:"key"`
}

type FirestoreConfig struct {
	ProjectID       string `mapstructure:"project_id"`
	Collection      string `mapstructure:"collection"`
	Document        string `mapstructure:"document"`
	CredentialsFile string `mapstructure:"credentials_file"`
}

// PubSubConfig configures refresh notifications. An empty TopicID disables them.
type PubSubConfig struct {
	ProjectID       string `mapstructure:"project_id"`
	TopicID         string `mapstructure:"topic_id"`
	CredentialsFile string `mapstructure:"credentials_file"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// Load reads the configuration. configPath may be empty, in which case
// config.yaml is looked up in ./config and the working directory and its
// absence is not an error. flags may be nil; when given, its "port" and
// "log-level" flags override every other source.
func Load(configPath string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Platforms commonly inject a bare PORT.
	if err := v.BindEnv("http.port", envPrefix+"_HTTP_PORT", "PORT"); err != nil {
		return nil, fmt.Errorf("failed to bind port env: %w", err)
	}

	setDefaults(v)

	if flags != nil {
		if err := bindFlags(v, flags); err != nil {
			return nil, err
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	bindings := map[string]string{
		"http.port": "port",
		"log.level": "log-level",
	}
	for key, name := range bindings {
		flag := flags.Lookup(name)
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", name, err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 5000)

	v.SetDefault("cache.freshness_threshold", "1800s")
	v.SetDefault("cache.fetch_timeout", "0s")
	v.SetDefault("cache.stop_timeout", "5s")

	v.SetDefault("source.url", "")
	v.SetDefault("source.location", "Москва")
	v.SetDefault("source.deal_type", "rent_long")
	v.SetDefault("source.rooms", "all")
	v.SetDefault("source.retry_max", 3)
	v.SetDefault("source.timeout", "60s")

	v.SetDefault("settings.backend", BackendMemory)
	v.SetDefault("settings.defaults", map[string]interface{}{
		"min_price":      30000,
		"max_price":      80000,
		"min_house_year": 1990,
		"max_house_year": 2023,
		"min_floor":      3,
		"sort_by":        "total_meters_from_max_to_min",
	})

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key", "listings:settings")

	v.SetDefault("firestore.project_id", "")
	v.SetDefault("firestore.collection", "listing-settings")
	v.SetDefault("firestore.document", "current")
	v.SetDefault("firestore.credentials_file", "")

	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_id", "")
	v.SetDefault("pubsub.credentials_file", "")

	v.SetDefault("metrics.enabled", true)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.file", "logs/listingsvc.log")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 5)
}

// Validate checks the configuration for values the service cannot run with.
func (c *Config) Validate() error {
	if c.HTTP.Port < 1 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http port %d out of range", c.HTTP.Port)
	}
	if c.Cache.FreshnessThreshold <= 0 {
		return fmt.Errorf("cache freshness threshold must be positive")
	}
	if c.Cache.FetchTimeout < 0 {
		return fmt.Errorf("cache fetch timeout must be >= 0")
	}
	if c.Cache.StopTimeout <= 0 {
		return fmt.Errorf("cache stop timeout must be positive")
	}
	if c.Source.URL == "" {
		return fmt.Errorf("source url is required")
	}
	if c.Source.RetryMax < 0 {
		return fmt.Errorf("source retry_max must be >= 0")
	}

	switch c.Settings.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis addr is required for the redis settings backend")
		}
	case BackendFirestore:
		if c.Firestore.ProjectID == "" {
			return fmt.Errorf("firestore project_id is required for the firestore settings backend")
		}
	default:
		return fmt.Errorf("unknown settings backend %q", c.Settings.Backend)
	}

	if c.PubSub.TopicID != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub project_id is required when topic_id is set")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(c.Log.Level)] {
		return fmt.Errorf("invalid log level %q", c.Log.Level)
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		return fmt.Errorf("invalid log format %q", c.Log.Format)
	}
	return nil
}
