package config

import (
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
  auth_token: secret
sync:
  enabled: true
  base_url: https://sync.example.com
  poll_interval: 30s
progression:
  milestones: false
subscription:
  multipliers:
    plus: 1.25
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want default", cfg.Server.Host)
	}
	if cfg.Server.AuthToken != "secret" {
		t.Errorf("Server.AuthToken = %q", cfg.Server.AuthToken)
	}
	if !cfg.Sync.Enabled || cfg.Sync.PollInterval != 30*time.Second {
		t.Errorf("Sync = %+v", cfg.Sync)
	}
	if cfg.Sync.MaxAttempts != 8 {
		t.Errorf("Sync.MaxAttempts = %d, want default 8", cfg.Sync.MaxAttempts)
	}
	if cfg.Progression.Milestones {
		t.Error("Progression.Milestones should be disabled")
	}
	if got := cfg.Subscription.Multipliers["plus"]; got != 1.25 {
		t.Errorf("plus multiplier = %v, want 1.25", got)
	}
	// yaml merges into the default map.
	if got := cfg.Subscription.Multipliers["pro"]; got != 2 {
		t.Errorf("pro multiplier = %v, want default 2", got)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	def := Default()
	if cfg.Server.Port != def.Server.Port || cfg.Progression.MaxDirectXP != def.Progression.MaxDirectXP {
		t.Errorf("cfg = %+v, want defaults", cfg)
	}
}

func TestLoadEmptyPath(t *testing.T) {
	if _, err := Load(""); err != nil {
		t.Fatalf("Load(\"\") error: %v", err)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeConfig(t, "server: [not a map")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 9090\n")
	t.Setenv("NOMO_PORT", "7070")
	t.Setenv("NOMO_STATE_DIR", "/tmp/nomo-state")
	t.Setenv("NOMO_SYNC_POLL_INTERVAL", "1m")
	t.Setenv("NOMO_ALLOWED_ORIGINS", "http://a.test,http://b.test")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("Server.Port = %d, want env override 7070", cfg.Server.Port)
	}
	if cfg.Storage.Dir != "/tmp/nomo-state" {
		t.Errorf("Storage.Dir = %q", cfg.Storage.Dir)
	}
	if cfg.Sync.PollInterval != time.Minute {
		t.Errorf("Sync.PollInterval = %v", cfg.Sync.PollInterval)
	}
	if !slices.Equal(cfg.Server.AllowedOrigins, []string{"http://a.test", "http://b.test"}) {
		t.Errorf("AllowedOrigins = %v", cfg.Server.AllowedOrigins)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port out of range", func(c *Config) { c.Server.Port = 70000 }},
		{"sync without url", func(c *Config) { c.Sync.Enabled = true }},
		{"negative poll", func(c *Config) { c.Sync.PollInterval = -time.Second }},
		{"remote without secret", func(c *Config) { c.Remote.Enabled = true }},
		{"negative direct cap", func(c *Config) { c.Progression.MaxDirectXP = -1 }},
		{"multiplier below one", func(c *Config) { c.Subscription.Multipliers["plus"] = 0.5 }},
		{"multiplier above cap", func(c *Config) { c.Subscription.Multipliers["pro"] = 1e300 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
	if err := Default().Validate(); err != nil {
		t.Errorf("Default().Validate() = %v", err)
	}
}

func TestAddr(t *testing.T) {
	cfg := Default()
	cfg.Server.Port = 1234
	if got := cfg.Addr(); got != "127.0.0.1:1234" {
		t.Errorf("Addr() = %q", got)
	}
}
