// Package config loads the relay configuration from an optional YAML file
// and environment overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mcdev12/eventrelay/go/internal/channel"
	"github.com/mcdev12/eventrelay/go/internal/dbconfig"
	"github.com/mcdev12/eventrelay/go/internal/dispatch"
	"github.com/mcdev12/eventrelay/go/internal/idempotency"
	"github.com/mcdev12/eventrelay/go/internal/retry"
	"github.com/mcdev12/eventrelay/go/internal/subscription"
)

const DefaultFile = "config.yaml"

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
	Migrate  MigrateConfig  `yaml:"migrate"`
	Outbox   DispatchConfig `yaml:"outbox"`
	Delivery DispatchConfig `yaml:"delivery"`
	Retry    RetryConfig    `yaml:"retry"`
	Redis    RedisConfig    `yaml:"redis"`
	Cache    CacheConfig    `yaml:"cache"`
	Tracker  TrackerConfig  `yaml:"tracker"`
	Webhook  WebhookConfig  `yaml:"webhook"`
	NATS     NATSConfig     `yaml:"nats"`
	AMQP     AMQPConfig     `yaml:"amqp"`
	Listener ListenerConfig `yaml:"listener"`

	// DB is read from DB_* only.
	DB dbconfig.Config `yaml:"-"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	HealthThreshold time.Duration `yaml:"health_threshold"` // max time since a worker's last tick
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

type MigrateConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

// DispatchConfig is one scheduler's tuning. Zero values take defaults.
type DispatchConfig struct {
	Enabled           *bool         `yaml:"enabled"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	BatchSize         int           `yaml:"batch_size"`
	Concurrency       int           `yaml:"concurrency"`
	ProcessingTimeout time.Duration `yaml:"processing_timeout"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval"`
	Retention         time.Duration `yaml:"retention"`
	CleanupBatchSize  int           `yaml:"cleanup_batch_size"`
}

type RetryConfig struct {
	BaseDelay     time.Duration `yaml:"base_delay"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	MaxRetryCount int           `yaml:"max_retry_count"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"` // empty disables Redis; in-memory fallbacks are used
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type CacheConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

type TrackerConfig struct {
	TTL    time.Duration `yaml:"ttl"`
	Prefix string        `yaml:"prefix"`
}

type WebhookConfig struct {
	DefaultTimeout time.Duration           `yaml:"default_timeout"`
	Breaker        channel.BreakerSettings `yaml:"breaker"`
}

type NATSConfig struct {
	Enabled bool `yaml:"enabled"`

	channel.NATSConfig `yaml:",inline"`
}

type AMQPConfig struct {
	Enabled bool `yaml:"enabled"`

	channel.AMQPConfig `yaml:",inline"`
}

type ListenerConfig struct {
	Enabled      bool          `yaml:"enabled"`
	PingInterval time.Duration `yaml:"ping_interval"`
	MinReconnect time.Duration `yaml:"min_reconnect"`
	MaxReconnect time.Duration `yaml:"max_reconnect"`
}

// Default returns the configuration used when neither file nor env set a value.
func Default() Config {
	def := dispatch.DefaultConfig()
	listener := dispatch.DefaultListenerConfig()
	return Config{
		Server:   ServerConfig{Addr: ":8080", HealthThreshold: time.Minute},
		Log:      LogConfig{Level: "info"},
		Migrate:  MigrateConfig{Dir: "go/migrations"},
		Outbox:   dispatchDefaults(def),
		Delivery: dispatchDefaults(def),
		Retry: RetryConfig{
			BaseDelay:     def.Retry.BaseDelay,
			MaxDelay:      def.Retry.MaxDelay,
			MaxRetryCount: def.Retry.MaxRetryCount,
		},
		Cache:   CacheConfig{TTL: subscription.DefaultCacheTTL},
		Tracker: TrackerConfig{TTL: idempotency.DefaultTTL, Prefix: idempotency.DefaultPrefix},
		Webhook: WebhookConfig{
			DefaultTimeout: channel.DefaultWebhookTimeout,
			Breaker:        channel.DefaultBreakerSettings(),
		},
		NATS: NATSConfig{NATSConfig: channel.DefaultNATSConfig()},
		AMQP: AMQPConfig{AMQPConfig: channel.DefaultAMQPConfig()},
		Listener: ListenerConfig{
			Enabled:      true,
			PingInterval: listener.PingInterval,
			MinReconnect: listener.MinReconnect,
			MaxReconnect: listener.MaxReconnect,
		},
	}
}

func dispatchDefaults(def dispatch.Config) DispatchConfig {
	enabled := true
	return DispatchConfig{
		Enabled:           &enabled,
		PollInterval:      def.PollInterval,
		BatchSize:         def.BatchSize,
		Concurrency:       def.Concurrency,
		ProcessingTimeout: def.ProcessingTimeout,
		CleanupInterval:   def.CleanupInterval,
		Retention:         def.Retention,
		CleanupBatchSize:  def.CleanupBatchSize,
	}
}

// Load reads path over the defaults, then applies env overrides. A missing
// file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.normalize()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.DB = dbconfig.NewConfigFromEnv()

	c.Server.Addr = getEnv("SERVER_ADDR", c.Server.Addr)
	if port := os.Getenv("PORT"); port != "" {
		c.Server.Addr = ":" + port
	}
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Pretty = getEnvAsBool("LOG_PRETTY", c.Log.Pretty)
	c.Migrate.Enabled = getEnvAsBool("MIGRATE", c.Migrate.Enabled)
	c.Migrate.Dir = getEnv("MIGRATIONS_DIR", c.Migrate.Dir)

	c.Outbox.applyEnv("OUTBOX")
	c.Delivery.applyEnv("DELIVERY")

	c.Retry.BaseDelay = getEnvAsDuration("RETRY_BASE_DELAY", c.Retry.BaseDelay)
	c.Retry.MaxDelay = getEnvAsDuration("RETRY_MAX_DELAY", c.Retry.MaxDelay)
	c.Retry.MaxRetryCount = getEnvAsInt("RETRY_MAX_COUNT", c.Retry.MaxRetryCount)

	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getEnvAsInt("REDIS_DB", c.Redis.DB)
	c.Cache.TTL = getEnvAsDuration("SUBSCRIPTION_CACHE_TTL", c.Cache.TTL)
	c.Tracker.TTL = getEnvAsDuration("CONSUME_TRACKER_TTL", c.Tracker.TTL)

	c.Webhook.DefaultTimeout = getEnvAsDuration("WEBHOOK_TIMEOUT", c.Webhook.DefaultTimeout)

	c.NATS.Enabled = getEnvAsBool("NATS_ENABLED", c.NATS.Enabled)
	c.NATS.URL = getEnv("NATS_URL", c.NATS.URL)
	c.AMQP.Enabled = getEnvAsBool("AMQP_ENABLED", c.AMQP.Enabled)
	c.AMQP.URL = getEnv("AMQP_URL", c.AMQP.URL)

	c.Listener.Enabled = getEnvAsBool("LISTENER_ENABLED", c.Listener.Enabled)
}

func (d *DispatchConfig) applyEnv(prefix string) {
	if v := os.Getenv(prefix + "_ENABLED"); v != "" {
		enabled := getEnvAsBool(prefix+"_ENABLED", true)
		d.Enabled = &enabled
	}
	d.PollInterval = getEnvAsDuration(prefix+"_POLL_INTERVAL", d.PollInterval)
	d.BatchSize = getEnvAsInt(prefix+"_BATCH_SIZE", d.BatchSize)
	d.Concurrency = getEnvAsInt(prefix+"_CONCURRENCY", d.Concurrency)
	d.ProcessingTimeout = getEnvAsDuration(prefix+"_PROCESSING_TIMEOUT", d.ProcessingTimeout)
	d.Retention = getEnvAsDuration(prefix+"_RETENTION", d.Retention)
}

func (c *Config) normalize() {
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Migrate.Dir == "" {
		c.Migrate.Dir = "go/migrations"
	}
	if c.Cache.TTL <= 0 {
		c.Cache.TTL = subscription.DefaultCacheTTL
	}
	if c.Tracker.TTL <= 0 {
		c.Tracker.TTL = idempotency.DefaultTTL
	}
	if c.Tracker.Prefix == "" {
		c.Tracker.Prefix = idempotency.DefaultPrefix
	}
	if c.Webhook.DefaultTimeout <= 0 {
		c.Webhook.DefaultTimeout = channel.DefaultWebhookTimeout
	}
	if c.NATS.StreamName == "" || c.NATS.SubjectPrefix == "" {
		def := channel.DefaultNATSConfig()
		c.NATS.StreamName, c.NATS.SubjectPrefix = def.StreamName, def.SubjectPrefix
	}
	if c.AMQP.Exchange == "" || c.AMQP.ExchangeKind == "" {
		def := channel.DefaultAMQPConfig()
		c.AMQP.Exchange, c.AMQP.ExchangeKind = def.Exchange, def.ExchangeKind
	}
	c.Listener.MinReconnect = max(c.Listener.MinReconnect, 0)
	if c.Listener.MaxReconnect < c.Listener.MinReconnect {
		c.Listener.MaxReconnect = c.Listener.MinReconnect
	}
}

// RetryPolicy returns the normalized global retry policy.
func (c Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		BaseDelay:     c.Retry.BaseDelay,
		MaxDelay:      c.Retry.MaxDelay,
		MaxRetryCount: c.Retry.MaxRetryCount,
	}.Normalize()
}

// Dispatch converts a scheduler section for the dispatch package.
func (c Config) Dispatch(d DispatchConfig) dispatch.Config {
	return dispatch.Config{
		PollInterval:      d.PollInterval,
		BatchSize:         d.BatchSize,
		Concurrency:       d.Concurrency,
		ProcessingTimeout: d.ProcessingTimeout,
		CleanupInterval:   d.CleanupInterval,
		Retention:         d.Retention,
		CleanupBatchSize:  d.CleanupBatchSize,
		Retry:             c.RetryPolicy(),
	}.Normalize()
}

// IsEnabled reports whether the scheduler should run. Unset means enabled.
func (d DispatchConfig) IsEnabled() bool {
	return d.Enabled == nil || *d.Enabled
}

// ListenerSettings builds the LISTEN/NOTIFY settings against the DB DSN.
func (c Config) ListenerSettings() dispatch.ListenerConfig {
	return dispatch.ListenerConfig{
		DatabaseURL:  c.DB.DSN(),
		PingInterval: c.Listener.PingInterval,
		MinReconnect: c.Listener.MinReconnect,
		MaxReconnect: c.Listener.MaxReconnect,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
