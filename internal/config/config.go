// Package config loads and validates application configuration from YAML
// files and environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Broker        BrokerConfig        `yaml:"broker"`
	Store         StoreConfig         `yaml:"store"`
	Monitor       MonitorConfig       `yaml:"monitor"`
	Broadcast     BroadcastConfig     `yaml:"broadcast"`
	Engine        EngineConfig        `yaml:"engine"`
	Retry         RetryConfig         `yaml:"retry"`
	Notify        NotifyConfig        `yaml:"notify"`
	TaskNames     TaskNameCacheConfig `yaml:"task_names"`
	Definitions   DefinitionsConfig   `yaml:"definitions"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// BrokerConfig describes the NATS connection and subjects.
type BrokerConfig struct {
	URL           string        `yaml:"url"`
	EventSubject  string        `yaml:"event_subject"`
	SubmitSubject string        `yaml:"submit_subject"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
}

// StoreConfig describes event and workflow persistence settings.
type StoreConfig struct {
	Driver          string        `yaml:"driver"` // "postgres" or "memory"
	DSNEnv          string        `yaml:"dsn_env"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// MonitorConfig describes worker health monitoring and orphan detection.
type MonitorConfig struct {
	CheckInterval      time.Duration `yaml:"check_interval"`
	HeartbeatTimeout   time.Duration `yaml:"heartbeat_timeout"`
	OrphanGracePeriod  time.Duration `yaml:"orphan_grace_period"`
}

// BroadcastConfig describes the subscriber fan-out bridge.
type BroadcastConfig struct {
	QueueSize   int           `yaml:"queue_size"`
	PollTimeout time.Duration `yaml:"poll_timeout"`
	ReplayLimit int           `yaml:"replay_limit"`
}

// EngineConfig describes the workflow dispatch worker pool.
type EngineConfig struct {
	PoolSize  int `yaml:"pool_size"`
	QueueSize int `yaml:"queue_size"`
}

// RetryConfig describes the task retry action defaults.
type RetryConfig struct {
	DefaultMaxRetries int `yaml:"default_max_retries"`
}

// NotifyConfig describes the notify action defaults. A workflow action may
// override the webhook URL per definition.
type NotifyConfig struct {
	WebhookURL string        `yaml:"webhook_url"`
	Timeout    time.Duration `yaml:"timeout"`
}

// TaskNameCacheConfig describes the known-task-name cache.
type TaskNameCacheConfig struct {
	Driver  string        `yaml:"driver"` // "memory" or "redis"
	AddrEnv string        `yaml:"addr_env"`
	DB      int           `yaml:"db"`
	TTL     time.Duration `yaml:"ttl"`
}

// DefinitionsConfig describes where workflow definition YAML documents are
// loaded from at boot. Empty means no bootstrap documents.
type DefinitionsConfig struct {
	Directories []string `yaml:"directories"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8085,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    0, // SSE responses stream indefinitely
			ShutdownTimeout: 30 * time.Second,
		},
		Broker: BrokerConfig{
			URL:           "nats://127.0.0.1:4222",
			EventSubject:  "queue.events.>",
			SubmitSubject: "queue.tasks",
			ReconnectWait: time.Second,
		},
		Store: StoreConfig{
			Driver:          "postgres",
			DSNEnv:          "QUEUESCOPE_DATABASE_URL",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Monitor: MonitorConfig{
			CheckInterval:     15 * time.Second,
			HeartbeatTimeout:  30 * time.Second,
			OrphanGracePeriod: 5 * time.Second,
		},
		Broadcast: BroadcastConfig{
			QueueSize:   1024,
			PollTimeout: 250 * time.Millisecond,
			ReplayLimit: 200,
		},
		Engine: EngineConfig{
			PoolSize:  8,
			QueueSize: 256,
		},
		Retry: RetryConfig{
			DefaultMaxRetries: 10,
		},
		Notify: NotifyConfig{
			Timeout: 10 * time.Second,
		},
		TaskNames: TaskNameCacheConfig{
			Driver:  "memory",
			AddrEnv: "QUEUESCOPE_REDIS_ADDR",
			TTL:     10 * time.Minute,
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates the result.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if c.Broker.URL == "" {
		errs = append(errs, "broker.url is required")
	}
	if c.Store.Driver != "postgres" && c.Store.Driver != "memory" {
		errs = append(errs, fmt.Sprintf("store.driver %q must be postgres or memory", c.Store.Driver))
	}
	if c.Monitor.CheckInterval <= 0 {
		errs = append(errs, "monitor.check_interval must be positive")
	}
	if c.Monitor.HeartbeatTimeout <= 0 {
		errs = append(errs, "monitor.heartbeat_timeout must be positive")
	}
	if c.Broadcast.QueueSize < 1 {
		errs = append(errs, "broadcast.queue_size must be at least 1")
	}
	if c.Engine.PoolSize < 1 {
		errs = append(errs, "engine.pool_size must be at least 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads QUEUESCOPE_* environment variables and overrides
// config values. Only commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("QUEUESCOPE_SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("QUEUESCOPE_BROKER_URL"); v != "" {
		cfg.Broker.URL = v
	}
	if v := os.Getenv("QUEUESCOPE_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("QUEUESCOPE_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}
