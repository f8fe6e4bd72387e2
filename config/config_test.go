package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "analysisd.yaml")
	content := `
server:
  addr: ":9090"
queue:
  user_limit: 5
  visibility_timeout: "10m"
pipeline:
  simulate: true
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":9090" {
		t.Fatalf("addr = %s, want :9090", cfg.Server.Addr)
	}
	if cfg.Queue.UserLimit != 5 {
		t.Fatalf("user limit = %d, want 5", cfg.Queue.UserLimit)
	}
	if got := cfg.Queue.GetVisibilityTimeout(); got != 10*time.Minute {
		t.Fatalf("visibility = %v, want 10m", got)
	}
	if !cfg.Pipeline.Simulate {
		t.Fatal("simulate should be enabled")
	}
	// Fields absent from the file keep their defaults.
	if cfg.Queue.GlobalLimit != 3 {
		t.Fatalf("global limit = %d, want default 3", cfg.Queue.GlobalLimit)
	}
	if cfg.NATS.URL == "" {
		t.Fatal("nats url default missing")
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("missing explicit config file should fail")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty addr", func(c *Config) { c.Server.Addr = "" }},
		{"empty nats url", func(c *Config) { c.NATS.URL = "" }},
		{"zero user limit", func(c *Config) { c.Queue.UserLimit = 0 }},
		{"negative global limit", func(c *Config) { c.Queue.GlobalLimit = -1 }},
		{"bad duration", func(c *Config) { c.Worker.Retention = "soon" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ANALYSISD_HTTP_ADDR", ":7070")
	t.Setenv("ANALYSISD_USER_LIMIT", "9")
	t.Setenv("ANALYSISD_SIMULATE", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":7070" {
		t.Fatalf("addr = %s, want env override", cfg.Server.Addr)
	}
	if cfg.Queue.UserLimit != 9 {
		t.Fatalf("user limit = %d, want 9", cfg.Queue.UserLimit)
	}
	if !cfg.Pipeline.Simulate {
		t.Fatal("simulate env override lost")
	}
}

func TestDurationGettersFallBack(t *testing.T) {
	var q QueueConfig
	if got := q.GetVisibilityTimeout(); got != 5*time.Minute {
		t.Fatalf("empty visibility = %v, want default 5m", got)
	}
	q.VisibilityTimeout = "not-a-duration"
	if got := q.GetVisibilityTimeout(); got != 5*time.Minute {
		t.Fatalf("unparseable visibility = %v, want default 5m", got)
	}
}
