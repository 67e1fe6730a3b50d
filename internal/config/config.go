package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/nomo-app/backend/internal/progression"
)

type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Storage      StorageConfig      `yaml:"storage"`
	Sync         SyncConfig         `yaml:"sync"`
	Remote       RemoteConfig       `yaml:"remote"`
	Progression  ProgressionConfig  `yaml:"progression"`
	Subscription SubscriptionConfig `yaml:"subscription"`
}

type ServerConfig struct {
	Port              int           `yaml:"port" env:"NOMO_PORT"`
	Host              string        `yaml:"host" env:"NOMO_HOST"`
	AuthToken         string        `yaml:"auth_token" env:"NOMO_AUTH_TOKEN"`
	AllowedOrigins    []string      `yaml:"allowed_origins" env:"NOMO_ALLOWED_ORIGINS"`
	BroadcastThrottle time.Duration `yaml:"broadcast_throttle" env:"NOMO_BROADCAST_THROTTLE"`
	// MaxConnections caps websocket clients. Zero is unlimited.
	MaxConnections int `yaml:"max_connections" env:"NOMO_MAX_CONNECTIONS"`
}

type StorageConfig struct {
	// Dir holds one JSON file per key. Empty means the XDG state dir.
	Dir string `yaml:"dir" env:"NOMO_STATE_DIR"`
	// WatchInterval is how often the progression file is checked for
	// writes from other processes. Zero disables watching.
	WatchInterval time.Duration `yaml:"watch_interval" env:"NOMO_WATCH_INTERVAL"`
}

type SyncConfig struct {
	Enabled      bool          `yaml:"enabled" env:"NOMO_SYNC_ENABLED"`
	BaseURL      string        `yaml:"base_url" env:"NOMO_SYNC_URL"`
	Token        string        `yaml:"token" env:"NOMO_SYNC_TOKEN"`
	PollInterval time.Duration `yaml:"poll_interval" env:"NOMO_SYNC_POLL_INTERVAL"`
	MaxAttempts  int           `yaml:"max_attempts" env:"NOMO_SYNC_MAX_ATTEMPTS"`
	// JournalPath is the sqlite file holding undelivered jobs. Empty keeps
	// them in memory only.
	JournalPath string `yaml:"journal_path" env:"NOMO_SYNC_JOURNAL"`
}

type RemoteConfig struct {
	Enabled   bool          `yaml:"enabled" env:"NOMO_REMOTE_ENABLED"`
	DBPath    string        `yaml:"db_path" env:"NOMO_REMOTE_DB"`
	JWTSecret string        `yaml:"jwt_secret" env:"NOMO_JWT_SECRET"`
	TokenTTL  time.Duration `yaml:"token_ttl" env:"NOMO_TOKEN_TTL"`
}

type ProgressionConfig struct {
	Milestones  bool `yaml:"milestones" env:"NOMO_MILESTONES"`
	MaxDirectXP int  `yaml:"max_direct_xp" env:"NOMO_MAX_DIRECT_XP"`
}

type SubscriptionConfig struct {
	// Multipliers maps entitlement tier to session XP multiplier.
	Multipliers map[string]float64 `yaml:"multipliers"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:              8080,
			Host:              "127.0.0.1",
			AllowedOrigins:    []string{"*"},
			BroadcastThrottle: 100 * time.Millisecond,
			MaxConnections:    32,
		},
		Storage: StorageConfig{
			WatchInterval: 2 * time.Second,
		},
		Sync: SyncConfig{
			PollInterval: 5 * time.Minute,
			MaxAttempts:  8,
		},
		Remote: RemoteConfig{
			DBPath:   "nomo-remote.db",
			TokenTTL: 30 * 24 * time.Hour,
		},
		Progression: ProgressionConfig{
			Milestones:  true,
			MaxDirectXP: 100000,
		},
		Subscription: SubscriptionConfig{
			Multipliers: map[string]float64{
				"free": 1,
				"plus": 1.5,
				"pro":  2,
			},
		},
	}
}

// Load reads path over the defaults and then applies NOMO_* environment
// overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, err
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing %s: %w", path, err)
			}
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Sync.Enabled && c.Sync.BaseURL == "" {
		return errors.New("sync.base_url is required when sync is enabled")
	}
	if c.Sync.PollInterval < 0 {
		return errors.New("sync.poll_interval must not be negative")
	}
	if c.Remote.Enabled && c.Remote.JWTSecret == "" {
		return errors.New("remote.jwt_secret is required when remote is enabled")
	}
	if c.Progression.MaxDirectXP < 0 {
		return errors.New("progression.max_direct_xp must not be negative")
	}
	for tier, m := range c.Subscription.Multipliers {
		if m < 1 || m > progression.MaxSubscriptionMultiplier {
			return fmt.Errorf("subscription.multipliers.%s = %v, must be between 1 and %v", tier, m, progression.MaxSubscriptionMultiplier)
		}
	}
	return nil
}

// Addr is the listen address of the local API.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
