// Package config handles configuration loading and validation for the
// chittysync daemon.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds the complete daemon configuration.
type Config struct {
	// Server configures the HTTP API surface.
	Server ServerConfig `toml:"server"`

	// Sync configures the resilient write pipeline.
	Sync SyncConfig `toml:"sync"`

	// Store configures the external record store client.
	Store StoreConfig `toml:"store"`

	// State configures crash-recovery persistence.
	State StateConfig `toml:"state"`

	// Intake configures the spool-directory watcher.
	Intake IntakeConfig `toml:"intake"`

	// Logging configures structured log output.
	Logging LoggingConfig `toml:"logging"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	// ListenAddr is the host:port the API binds to.
	ListenAddr string `toml:"listen_addr"`

	// AuthSecret signs and verifies API bearer tokens. Leaving it empty
	// disables authentication, which is only sane for local development.
	AuthSecret string `toml:"auth_secret"`

	// PeerURLs are websocket endpoints of sibling instances that receive
	// best-effort notifications after each applied operation.
	PeerURLs []string `toml:"peer_urls"`

	// RateLimitMax caps API requests per caller per RateLimitWindow.
	// Zero disables per-caller throttling.
	RateLimitMax    int      `toml:"rate_limit_max"`
	RateLimitWindow Duration `toml:"rate_limit_window"`
}

// SyncConfig holds pipeline tuning knobs.
type SyncConfig struct {
	// SessionID identifies this instance in vector clocks. Required.
	SessionID string `toml:"session_id"`

	// RateRequests and RatePer define the token bucket: RateRequests
	// admissions per RatePer window.
	RateRequests int      `toml:"rate_requests"`
	RatePer      Duration `toml:"rate_per"`

	// BreakerThreshold consecutive failures open the circuit for
	// BreakerTimeout before a probe is allowed.
	BreakerThreshold uint     `toml:"breaker_threshold"`
	BreakerTimeout   Duration `toml:"breaker_timeout"`

	// Retry policy for the dead letter queue.
	MaxAttempts    uint     `toml:"max_attempts"`
	RetryBaseDelay Duration `toml:"retry_base_delay"`
	RetryMaxDelay  Duration `toml:"retry_max_delay"`

	// ConflictStrategy is last-write-wins, merge, or manual.
	ConflictStrategy string `toml:"conflict_strategy"`

	// DrainInterval is how often due dead letters are retried.
	DrainInterval Duration `toml:"drain_interval"`
}

// StoreConfig selects and configures the record store.
type StoreConfig struct {
	// Mode is "memory" or "http".
	Mode string `toml:"mode"`

	// BaseURL, APIToken, and APIVersion configure the HTTP gateway client.
	BaseURL    string `toml:"base_url"`
	APIToken   string `toml:"api_token"`
	APIVersion string `toml:"api_version"`
}

// StateConfig selects the crash-recovery backend.
type StateConfig struct {
	// Backend is "none", "file", "sqlite", or "postgres".
	Backend string `toml:"backend"`

	// Path is the state file or SQLite database path.
	Path string `toml:"path"`

	// DSN is the Postgres connection string.
	DSN string `toml:"dsn"`
}

// IntakeConfig holds the spool watcher settings.
type IntakeConfig struct {
	// Enabled turns the spool watcher on.
	Enabled bool `toml:"enabled"`

	// Dir is the spool directory scanned for operation files.
	Dir string `toml:"dir"`

	// RescanInterval backs up the filesystem watcher with a periodic sweep.
	RescanInterval Duration `toml:"rescan_interval"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	// Level is debug, info, warn, or error.
	Level string `toml:"level"`

	// Format is "json" or "text".
	Format string `toml:"format"`
}

// Duration is a time.Duration that decodes from TOML strings like "250ms".
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// DefaultConfig returns a configuration suitable for local development:
// in-memory store, no persistence, no auth.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:      "127.0.0.1:8787",
			RateLimitWindow: Duration(time.Minute),
		},
		Sync: SyncConfig{
			RateRequests:     10,
			RatePer:          Duration(time.Second),
			BreakerThreshold: 5,
			BreakerTimeout:   Duration(30 * time.Second),
			MaxAttempts:      5,
			RetryBaseDelay:   Duration(100 * time.Millisecond),
			RetryMaxDelay:    Duration(30 * time.Second),
			ConflictStrategy: "last-write-wins",
			DrainInterval:    Duration(5 * time.Second),
		},
		Store: StoreConfig{
			Mode: "memory",
		},
		State: StateConfig{
			Backend: "none",
		},
		Intake: IntakeConfig{
			RescanInterval: Duration(30 * time.Second),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads a TOML file over the defaults, applies environment overrides,
// and validates the result. An empty path loads defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if strings.TrimSpace(path) != "" {
		meta, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("parse %s: unknown key %q", path, undecoded[0].String())
		}
	}
	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("CHITTYSYNC_SESSION_ID"); v != "" {
		c.Sync.SessionID = v
	}
	if v := os.Getenv("CHITTYSYNC_LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("CHITTYSYNC_AUTH_SECRET"); v != "" {
		c.Server.AuthSecret = v
	}
	if v := os.Getenv("CHITTYSYNC_STORE_BASE_URL"); v != "" {
		c.Store.Mode = "http"
		c.Store.BaseURL = v
	}
	if v := os.Getenv("CHITTYSYNC_STORE_API_TOKEN"); v != "" {
		c.Store.APIToken = v
	}
	if v := os.Getenv("CHITTYSYNC_STATE_DSN"); v != "" {
		c.State.Backend = "postgres"
		c.State.DSN = v
	}
	if v := os.Getenv("CHITTYSYNC_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Validate checks the configuration for structural mistakes. It does not
// probe any external system.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Sync.SessionID) == "" {
		return fmt.Errorf("sync.session_id is required")
	}
	if c.Server.RateLimitMax < 0 {
		return fmt.Errorf("server.rate_limit_max must not be negative, got %d", c.Server.RateLimitMax)
	}
	if c.Sync.RateRequests <= 0 {
		return fmt.Errorf("sync.rate_requests must be positive, got %d", c.Sync.RateRequests)
	}
	if c.Sync.RatePer.Std() <= 0 {
		return fmt.Errorf("sync.rate_per must be positive, got %s", c.Sync.RatePer.Std())
	}
	if c.Sync.BreakerThreshold == 0 {
		return fmt.Errorf("sync.breaker_threshold must be positive")
	}
	if c.Sync.MaxAttempts == 0 {
		return fmt.Errorf("sync.max_attempts must be positive")
	}
	if c.Sync.RetryMaxDelay.Std() < c.Sync.RetryBaseDelay.Std() {
		return fmt.Errorf("sync.retry_max_delay %s below sync.retry_base_delay %s",
			c.Sync.RetryMaxDelay.Std(), c.Sync.RetryBaseDelay.Std())
	}
	switch c.Sync.ConflictStrategy {
	case "last-write-wins", "merge", "manual":
	default:
		return fmt.Errorf("sync.conflict_strategy %q is not one of last-write-wins, merge, manual", c.Sync.ConflictStrategy)
	}
	switch c.Store.Mode {
	case "memory":
	case "http":
		if strings.TrimSpace(c.Store.BaseURL) == "" {
			return fmt.Errorf("store.base_url is required when store.mode is http")
		}
	default:
		return fmt.Errorf("store.mode %q is not one of memory, http", c.Store.Mode)
	}
	switch c.State.Backend {
	case "none":
	case "file", "sqlite":
		if strings.TrimSpace(c.State.Path) == "" {
			return fmt.Errorf("state.path is required when state.backend is %s", c.State.Backend)
		}
	case "postgres":
		if strings.TrimSpace(c.State.DSN) == "" {
			return fmt.Errorf("state.dsn is required when state.backend is postgres")
		}
	default:
		return fmt.Errorf("state.backend %q is not one of none, file, sqlite, postgres", c.State.Backend)
	}
	if c.Intake.Enabled && strings.TrimSpace(c.Intake.Dir) == "" {
		return fmt.Errorf("intake.dir is required when intake is enabled")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format %q is not one of json, text", c.Logging.Format)
	}
	return nil
}
