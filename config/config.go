// Package config provides configuration loading for analysisd.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete analysisd configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	NATS     NATSConfig     `yaml:"nats"`
	Store    StoreConfig    `yaml:"store"`
	Queue    QueueConfig    `yaml:"queue"`
	Worker   WorkerConfig   `yaml:"worker"`
	Progress ProgressConfig `yaml:"progress"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	// Addr is the listen address for the HTTP API.
	Addr string `yaml:"addr"`
}

// NATSConfig configures the NATS connection backing the queue and the
// fast cache.
type NATSConfig struct {
	// URL is the NATS server URL.
	URL string `yaml:"url"`
	// Name is the client connection name.
	Name string `yaml:"name"`
}

// StoreConfig configures the durable task store.
type StoreConfig struct {
	// Path is the SQLite database file.
	Path string `yaml:"path"`
}

// QueueConfig configures admission and the ready queue. Durations are
// strings like "300s" or "5m".
type QueueConfig struct {
	// UserLimit is the per-user concurrent task ceiling.
	UserLimit int `yaml:"user_limit"`
	// GlobalLimit is the system-wide concurrent task ceiling.
	GlobalLimit int `yaml:"global_limit"`
	// VisibilityTimeout is how long a dequeued task may go without
	// progress before its claim is reclaimable.
	VisibilityTimeout string `yaml:"visibility_timeout"`
	// RequeueDelay is how long an over-limit task waits before
	// redelivery.
	RequeueDelay string `yaml:"requeue_delay"`
}

// WorkerConfig configures the worker loops.
type WorkerConfig struct {
	HeartbeatInterval string `yaml:"heartbeat_interval"`
	CleanupInterval   string `yaml:"cleanup_interval"`
	// ZombieMaxRunning is the longest a task may run before cleanup
	// force-fails it.
	ZombieMaxRunning string `yaml:"zombie_max_running"`
	// Retention is how long terminal tasks are kept.
	Retention string `yaml:"retention"`
}

// ProgressConfig configures the progress snapshot cache.
type ProgressConfig struct {
	// SnapshotTTL is the KV lifetime of progress snapshots.
	SnapshotTTL string `yaml:"snapshot_ttl"`
	// FallbackDir is where snapshots land when the cache is down.
	FallbackDir string `yaml:"fallback_dir"`
}

// PipelineConfig selects the analysis pipeline.
type PipelineConfig struct {
	// Simulate runs the deterministic simulator instead of a real
	// pipeline. Development only.
	Simulate bool `yaml:"simulate"`
	// StepDelay is the simulator's pause between stages.
	StepDelay string `yaml:"step_delay"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: ":8080",
		},
		NATS: NATSConfig{
			URL:  "nats://localhost:4222",
			Name: "analysisd",
		},
		Store: StoreConfig{
			Path: "./data/tasks.db",
		},
		Queue: QueueConfig{
			UserLimit:         3,
			GlobalLimit:       3,
			VisibilityTimeout: "5m",
			RequeueDelay:      "5s",
		},
		Worker: WorkerConfig{
			HeartbeatInterval: "30s",
			CleanupInterval:   "1m",
			ZombieMaxRunning:  "2h",
			Retention:         "24h",
		},
		Progress: ProgressConfig{
			SnapshotTTL: "1h",
			FallbackDir: "./data/progress",
		},
		Pipeline: PipelineConfig{
			Simulate:  false,
			StepDelay: "2s",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.Queue.UserLimit <= 0 {
		return fmt.Errorf("queue.user_limit must be positive")
	}
	if c.Queue.GlobalLimit <= 0 {
		return fmt.Errorf("queue.global_limit must be positive")
	}
	for name, raw := range map[string]string{
		"queue.visibility_timeout":  c.Queue.VisibilityTimeout,
		"queue.requeue_delay":       c.Queue.RequeueDelay,
		"worker.heartbeat_interval": c.Worker.HeartbeatInterval,
		"worker.cleanup_interval":   c.Worker.CleanupInterval,
		"worker.zombie_max_running": c.Worker.ZombieMaxRunning,
		"worker.retention":          c.Worker.Retention,
		"progress.snapshot_ttl":     c.Progress.SnapshotTTL,
	} {
		if raw == "" {
			continue
		}
		if _, err := time.ParseDuration(raw); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

func parseDuration(raw string, def time.Duration) time.Duration {
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

// GetVisibilityTimeout returns the parsed visibility timeout.
func (c QueueConfig) GetVisibilityTimeout() time.Duration {
	return parseDuration(c.VisibilityTimeout, 5*time.Minute)
}

// GetRequeueDelay returns the parsed requeue delay.
func (c QueueConfig) GetRequeueDelay() time.Duration {
	return parseDuration(c.RequeueDelay, 5*time.Second)
}

// GetHeartbeatInterval returns the parsed heartbeat interval.
func (c WorkerConfig) GetHeartbeatInterval() time.Duration {
	return parseDuration(c.HeartbeatInterval, 30*time.Second)
}

// GetCleanupInterval returns the parsed cleanup interval.
func (c WorkerConfig) GetCleanupInterval() time.Duration {
	return parseDuration(c.CleanupInterval, time.Minute)
}

// GetZombieMaxRunning returns the parsed zombie ceiling.
func (c WorkerConfig) GetZombieMaxRunning() time.Duration {
	return parseDuration(c.ZombieMaxRunning, 2*time.Hour)
}

// GetRetention returns the parsed retention window.
func (c WorkerConfig) GetRetention() time.Duration {
	return parseDuration(c.Retention, 24*time.Hour)
}

// GetSnapshotTTL returns the parsed snapshot TTL.
func (c ProgressConfig) GetSnapshotTTL() time.Duration {
	return parseDuration(c.SnapshotTTL, time.Hour)
}

// GetStepDelay returns the parsed simulator step delay.
func (c PipelineConfig) GetStepDelay() time.Duration {
	return parseDuration(c.StepDelay, 2*time.Second)
}

// LoadFromFile loads configuration from a YAML file, layered over the
// defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return config, nil
}

// Load builds the effective configuration: defaults, then the optional
// file, then environment overrides, then validation.
func Load(path string) (*Config, error) {
	config := Default()

	if path != "" {
		loaded, err := LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		config = loaded
	}

	config.applyEnv()

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// applyEnv overlays ANALYSISD_* environment variables.
func (c *Config) applyEnv() {
	if v := os.Getenv("ANALYSISD_HTTP_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("ANALYSISD_NATS_URL"); v != "" {
		c.NATS.URL = v
	}
	if v := os.Getenv("ANALYSISD_STORE_PATH"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("ANALYSISD_USER_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Queue.UserLimit = n
		}
	}
	if v := os.Getenv("ANALYSISD_GLOBAL_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Queue.GlobalLimit = n
		}
	}
	if v := os.Getenv("ANALYSISD_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("ANALYSISD_SIMULATE"); v != "" {
		c.Pipeline.Simulate = v == "1" || v == "true"
	}
}
