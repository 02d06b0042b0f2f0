// Package config loads server configuration from the environment.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tallyhq/tally/internal/syncqueue"
)

type Config struct {
	// HTTP server
	Port string

	// Storage
	DBPath string

	// Remote record store
	RemoteURL    string
	RemoteAPIKey string

	// Auth
	JWTSecret string
	TokenTTL  time.Duration

	// Sync queue
	SyncMaxAttempts  int
	SyncBaseDelay    time.Duration
	SyncMaxDelay     time.Duration
	SyncPushTimeout  time.Duration
	SyncPullTimeout  time.Duration
	SyncPollInterval time.Duration
	SyncBatchSize    int

	// StartOnline assumes connectivity at boot instead of waiting for the
	// first signal from a client.
	StartOnline bool
}

func Load() *Config {
	defaults := syncqueue.DefaultConfig()
	return &Config{
		Port:   getEnv("PORT", "8080"),
		DBPath: getEnv("DB_PATH", "./data/tally.db"),

		RemoteURL:    getEnv("REMOTE_URL", ""),
		RemoteAPIKey: getEnv("REMOTE_API_KEY", ""),

		JWTSecret: getEnv("JWT_SECRET", ""),
		TokenTTL:  getEnvDuration("TOKEN_TTL", 24*time.Hour),

		SyncMaxAttempts:  getEnvInt("SYNC_MAX_ATTEMPTS", defaults.MaxAttempts),
		SyncBaseDelay:    getEnvDuration("SYNC_BASE_DELAY", defaults.BaseDelay),
		SyncMaxDelay:     getEnvDuration("SYNC_MAX_DELAY", defaults.MaxDelay),
		SyncPushTimeout:  getEnvDuration("SYNC_PUSH_TIMEOUT", defaults.PushTimeout),
		SyncPullTimeout:  getEnvDuration("SYNC_PULL_TIMEOUT", defaults.PullTimeout),
		SyncPollInterval: getEnvDuration("SYNC_POLL_INTERVAL", defaults.PollInterval),
		SyncBatchSize:    getEnvInt("SYNC_BATCH_SIZE", defaults.BatchSize),

		StartOnline: getEnvBool("START_ONLINE", true),
	}
}

// SyncConfig maps the loaded settings onto the queue's tuning knobs.
func (c *Config) SyncConfig() syncqueue.Config {
	return syncqueue.Config{
		MaxAttempts:  c.SyncMaxAttempts,
		BaseDelay:    c.SyncBaseDelay,
		MaxDelay:     c.SyncMaxDelay,
		PushTimeout:  c.SyncPushTimeout,
		PullTimeout:  c.SyncPullTimeout,
		PollInterval: c.SyncPollInterval,
		BatchSize:    c.SyncBatchSize,
	}
}

// Validate checks the configuration and returns every problem at once.
func (c *Config) Validate() error {
	var errors []string

	if port, err := strconv.Atoi(c.Port); err != nil {
		errors = append(errors, fmt.Sprintf("invalid port '%s': must be a number", c.Port))
	} else if port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("invalid port %d: must be between 1 and 65535", port))
	}

	if c.DBPath == "" {
		errors = append(errors, "database path cannot be empty")
	}

	if c.RemoteURL == "" {
		errors = append(errors, "remote store URL is required")
	} else if parsed, err := url.Parse(c.RemoteURL); err != nil {
		errors = append(errors, fmt.Sprintf("invalid remote URL '%s': %v", c.RemoteURL, err))
	} else if parsed.Scheme != "http" && parsed.Scheme != "https" {
		errors = append(errors, fmt.Sprintf("invalid remote URL scheme '%s': must be 'http' or 'https'", parsed.Scheme))
	}

	if len(c.JWTSecret) < 16 {
		errors = append(errors, "JWT secret must be at least 16 characters")
	}

	if c.TokenTTL < time.Minute {
		errors = append(errors, fmt.Sprintf("invalid token TTL %v: must be at least 1 minute", c.TokenTTL))
	}

	if c.SyncMaxAttempts < 1 {
		errors = append(errors, fmt.Sprintf("invalid sync max attempts %d: must be at least 1", c.SyncMaxAttempts))
	}

	if c.SyncBatchSize < 1 {
		errors = append(errors, fmt.Sprintf("invalid sync batch size %d: must be at least 1", c.SyncBatchSize))
	} else if c.SyncBatchSize > 1000 {
		errors = append(errors, fmt.Sprintf("invalid sync batch size %d: must be at most 1000", c.SyncBatchSize))
	}

	if c.SyncPollInterval < time.Second {
		errors = append(errors, fmt.Sprintf("invalid sync poll interval %v: must be at least 1 second", c.SyncPollInterval))
	}

	if c.SyncBaseDelay <= 0 || c.SyncMaxDelay < c.SyncBaseDelay {
		errors = append(errors, fmt.Sprintf("invalid sync backoff %v..%v: base must be positive and at most max", c.SyncBaseDelay, c.SyncMaxDelay))
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(errors, "\n- "))
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
