package config

import (
	"os"
	"testing"
	"time"
)

func TestLoad_valid(t *testing.T) {
	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("Server.ReadTimeout = %v, want 15s", cfg.Server.ReadTimeout)
	}
	if cfg.Broker.URL != "nats://broker.internal:4222" {
		t.Errorf("Broker.URL = %q", cfg.Broker.URL)
	}
	if cfg.Broker.EventSubject != "celery.events.>" {
		t.Errorf("Broker.EventSubject = %q", cfg.Broker.EventSubject)
	}
	if cfg.Store.Driver != "memory" {
		t.Errorf("Store.Driver = %q, want memory", cfg.Store.Driver)
	}
	if cfg.Monitor.CheckInterval != 5*time.Second {
		t.Errorf("Monitor.CheckInterval = %v, want 5s", cfg.Monitor.CheckInterval)
	}
	if cfg.Monitor.HeartbeatTimeout != 20*time.Second {
		t.Errorf("Monitor.HeartbeatTimeout = %v, want 20s", cfg.Monitor.HeartbeatTimeout)
	}
	if cfg.Broadcast.QueueSize != 512 {
		t.Errorf("Broadcast.QueueSize = %d, want 512", cfg.Broadcast.QueueSize)
	}
	if cfg.Engine.PoolSize != 4 {
		t.Errorf("Engine.PoolSize = %d, want 4", cfg.Engine.PoolSize)
	}
	if cfg.Retry.DefaultMaxRetries != 5 {
		t.Errorf("Retry.DefaultMaxRetries = %d, want 5", cfg.Retry.DefaultMaxRetries)
	}
	if cfg.TaskNames.Driver != "redis" {
		t.Errorf("TaskNames.Driver = %q, want redis", cfg.TaskNames.Driver)
	}
	if len(cfg.Definitions.Directories) != 1 {
		t.Errorf("Definitions.Directories = %v, want 1 entry", cfg.Definitions.Directories)
	}
	if cfg.Observability.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.Observability.LogLevel)
	}
}

func TestLoad_missing_file(t *testing.T) {
	_, err := Load("testdata/nonexistent.yaml")
	if err == nil {
		t.Fatal("Load() with missing file should return error")
	}
}

func TestLoad_bad_driver(t *testing.T) {
	_, err := Load("testdata/bad_driver.yaml")
	if err == nil {
		t.Fatal("Load() with unknown store driver should return error")
	}
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Server.Port != 8085 {
		t.Errorf("default Server.Port = %d, want 8085", cfg.Server.Port)
	}
	if cfg.Monitor.CheckInterval != 15*time.Second {
		t.Errorf("default Monitor.CheckInterval = %v, want 15s", cfg.Monitor.CheckInterval)
	}
	if cfg.Monitor.HeartbeatTimeout != 30*time.Second {
		t.Errorf("default Monitor.HeartbeatTimeout = %v, want 30s", cfg.Monitor.HeartbeatTimeout)
	}
	if cfg.Retry.DefaultMaxRetries != 10 {
		t.Errorf("default Retry.DefaultMaxRetries = %d, want 10", cfg.Retry.DefaultMaxRetries)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Defaults() should validate, got %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	os.Setenv("QUEUESCOPE_BROKER_URL", "nats://override:4222")
	os.Setenv("QUEUESCOPE_LOG_LEVEL", "warn")
	defer os.Unsetenv("QUEUESCOPE_BROKER_URL")
	defer os.Unsetenv("QUEUESCOPE_LOG_LEVEL")

	cfg := Defaults()
	applyEnvOverrides(cfg)

	if cfg.Broker.URL != "nats://override:4222" {
		t.Errorf("Broker.URL = %q, want override", cfg.Broker.URL)
	}
	if cfg.Observability.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn", cfg.Observability.LogLevel)
	}
}
