// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides, e.g. LEADSCRAPER_SERVER_PORT.
const EnvPrefix = "LEADSCRAPER"

// Store backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Scraper      ScraperConfig      `mapstructure:"scraper"`
	Lookup       LookupConfig       `mapstructure:"lookup"`
	Store        StoreConfig        `mapstructure:"store"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Events       EventsConfig       `mapstructure:"events"`
	Export       ExportConfig       `mapstructure:"export"`
	Telemetry    TelemetryConfig    `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig maps API keys to owners. APIKey/Owner is a single-key shortcut
// convenient for environment overrides.
type AuthConfig struct {
	Enabled bool           `mapstructure:"enabled"`
	APIKey  string         `mapstructure:"api_key"`
	Owner   string         `mapstructure:"owner"`
	APIKeys []APIKeyConfig `mapstructure:"api_keys"`
}

// APIKeyConfig binds one key to an owner id.
type APIKeyConfig struct {
	Key   string `mapstructure:"key"`
	Owner string `mapstructure:"owner"`
}

// KeyOwners flattens the configured keys. It returns nil when auth is disabled.
func (a AuthConfig) KeyOwners() map[string]string {
	if !a.Enabled {
		return nil
	}
	out := make(map[string]string, len(a.APIKeys)+1)
	if a.APIKey != "" {
		out[a.APIKey] = a.Owner
	}
	for _, k := range a.APIKeys {
		out[k.Key] = k.Owner
	}
	return out
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// OrchestratorConfig bounds steps and the optional background driver.
type OrchestratorConfig struct {
	StepBudget        time.Duration `mapstructure:"step_budget"`
	CommitTimeout     time.Duration `mapstructure:"commit_timeout"`
	BackgroundDriver  bool          `mapstructure:"background_driver"`
	DriverConcurrency int           `mapstructure:"driver_concurrency"`
	QueueDepth        int           `mapstructure:"queue_depth"`
	RetryBackoff      time.Duration `mapstructure:"retry_backoff"`
	MaxStepFailures   int           `mapstructure:"max_step_failures"`
}

// ScraperConfig configures the headless browser scraper.
type ScraperConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	BaseURL           string        `mapstructure:"base_url"`
	UserAgent         string        `mapstructure:"user_agent"`
	ExecPath          string        `mapstructure:"exec_path"`
	NoSandbox         bool          `mapstructure:"no_sandbox"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	ScrollPasses      int           `mapstructure:"scroll_passes"`
	ScrollPause       time.Duration `mapstructure:"scroll_pause"`
	MaxResults        int           `mapstructure:"max_results"`
	// RPS paces navigations to the search host. Zero disables pacing.
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// LookupConfig configures the carrier lookup. An empty Endpoint selects the
// offline prefix table.
type LookupConfig struct {
	Endpoint      string        `mapstructure:"endpoint"`
	APIKey        string        `mapstructure:"api_key"`
	Timeout       time.Duration `mapstructure:"timeout"`
	BatchSize     int           `mapstructure:"batch_size"`
	MaxRetryDelay time.Duration `mapstructure:"max_retry_delay"`
	RPS           float64       `mapstructure:"rps"`
	Burst         int           `mapstructure:"burst"`
}

// StoreConfig selects the session store backing.
type StoreConfig struct {
	Backend string `mapstructure:"backend"`
}

// DatabaseConfig controls access to Postgres.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

// RedisConfig controls access to Redis.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Prefix   string        `mapstructure:"prefix"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// EventsConfig tunes subscriber streams and the export hub.
type EventsConfig struct {
	BufferSize        int           `mapstructure:"buffer_size"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	CompleteGrace     time.Duration `mapstructure:"complete_grace"`
	Hub               HubConfig     `mapstructure:"hub"`
}

// HubConfig controls export batching.
type HubConfig struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout    time.Duration `mapstructure:"sink_timeout"`
}

// ExportConfig enables event sinks.
type ExportConfig struct {
	Log        bool         `mapstructure:"log"`
	Prometheus bool         `mapstructure:"prometheus"`
	Kafka      KafkaConfig  `mapstructure:"kafka"`
	PubSub     PubSubConfig `mapstructure:"pubsub"`
}

// KafkaConfig names the brokers and topic for event export.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// PubSubConfig holds metadata for Pub/Sub event export.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// TelemetryConfig controls tracing. A non-empty ProjectID enables export to
// Google Cloud Trace.
type TelemetryConfig struct {
	ServiceName string  `mapstructure:"service_name"`
	ProjectID   string  `mapstructure:"project_id"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from an optional .env file, an optional config file,
// and the environment.
func Load(path string) (Config, error) {
	if err := loadDotenv(".env"); err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func loadDotenv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("auth.owner", "default")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("orchestrator.step_budget", 300*time.Second)
	v.SetDefault("orchestrator.commit_timeout", 15*time.Second)
	v.SetDefault("orchestrator.background_driver", false)
	v.SetDefault("orchestrator.driver_concurrency", 2)
	v.SetDefault("orchestrator.queue_depth", 64)
	v.SetDefault("orchestrator.retry_backoff", 5*time.Second)
	v.SetDefault("orchestrator.max_step_failures", 3)
	v.SetDefault("scraper.enabled", true)
	v.SetDefault("scraper.base_url", "https://www.google.com/maps/search/")
	v.SetDefault("scraper.user_agent", "")
	v.SetDefault("scraper.exec_path", "")
	v.SetDefault("scraper.no_sandbox", false)
	v.SetDefault("scraper.navigation_timeout", 45*time.Second)
	v.SetDefault("scraper.scroll_passes", 5)
	v.SetDefault("scraper.scroll_pause", 1500*time.Millisecond)
	v.SetDefault("scraper.max_results", 60)
	v.SetDefault("scraper.rps", 0.0)
	v.SetDefault("scraper.burst", 1)
	v.SetDefault("lookup.endpoint", "")
	v.SetDefault("lookup.api_key", "")
	v.SetDefault("lookup.timeout", 10*time.Second)
	v.SetDefault("lookup.batch_size", 10)
	v.SetDefault("lookup.max_retry_delay", 10*time.Second)
	v.SetDefault("lookup.rps", 5.0)
	v.SetDefault("lookup.burst", 5)
	v.SetDefault("store.backend", BackendMemory)
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("database.max_conn_lifetime", time.Hour)
	v.SetDefault("database.migrate", true)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "leadscraper:")
	v.SetDefault("redis.ttl", 0)
	v.SetDefault("events.buffer_size", 64)
	v.SetDefault("events.heartbeat_interval", 15*time.Second)
	v.SetDefault("events.complete_grace", time.Second)
	v.SetDefault("events.hub.buffer_size", 1024)
	v.SetDefault("events.hub.max_batch_events", 200)
	v.SetDefault("events.hub.max_batch_wait", 500*time.Millisecond)
	v.SetDefault("events.hub.sink_timeout", 10*time.Second)
	v.SetDefault("export.log", false)
	v.SetDefault("export.prometheus", true)
	v.SetDefault("export.kafka.brokers", []string{})
	v.SetDefault("export.kafka.topic", "")
	v.SetDefault("export.pubsub.project_id", "")
	v.SetDefault("export.pubsub.topic_name", "")
	v.SetDefault("telemetry.service_name", "leadscraper")
	v.SetDefault("telemetry.project_id", "")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && len(c.Auth.KeyOwners()) == 0 {
		return fmt.Errorf("auth.api_key or auth.api_keys must be set when auth is enabled")
	}
	for i, k := range c.Auth.APIKeys {
		if k.Key == "" || k.Owner == "" {
			return fmt.Errorf("auth.api_keys[%d] needs both key and owner", i)
		}
	}
	if c.Orchestrator.StepBudget <= 0 {
		return fmt.Errorf("orchestrator.step_budget must be > 0")
	}
	if c.Orchestrator.CommitTimeout <= 0 {
		return fmt.Errorf("orchestrator.commit_timeout must be > 0")
	}
	if c.Orchestrator.BackgroundDriver && c.Orchestrator.DriverConcurrency <= 0 {
		return fmt.Errorf("orchestrator.driver_concurrency must be > 0 when the background driver is enabled")
	}
	if c.Scraper.RPS < 0 {
		return fmt.Errorf("scraper.rps must be >= 0")
	}
	if c.Lookup.BatchSize <= 0 {
		return fmt.Errorf("lookup.batch_size must be > 0")
	}
	if c.Lookup.Endpoint != "" && c.Lookup.RPS <= 0 {
		return fmt.Errorf("lookup.rps must be > 0 when lookup.endpoint is set")
	}
	switch c.Store.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn must be set for the postgres store")
		}
	case BackendRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr must be set for the redis store")
		}
	default:
		return fmt.Errorf("store.backend %q is not one of memory, postgres, redis", c.Store.Backend)
	}
	if len(c.Export.Kafka.Brokers) > 0 && c.Export.Kafka.Topic == "" {
		return fmt.Errorf("export.kafka.topic must be set when brokers are configured")
	}
	if c.Export.PubSub.TopicName != "" && c.Export.PubSub.ProjectID == "" {
		return fmt.Errorf("export.pubsub.project_id must be set when topic_name is configured")
	}
	return nil
}
