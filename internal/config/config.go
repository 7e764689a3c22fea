// Package config loads the core's runtime configuration from environment
// variables (plus an optional .env file), following the same
// getEnv/getEnvAsInt/getEnvAsBool shape used throughout the rest of this
// codebase, covering every runtime knob the trading core exposes.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	// Server
	Port     int
	DevMode  bool
	AdminKey string

	// Database
	DatabaseDriver string // "sqlite" or "postgres"
	DatabaseDSN    string

	// Logging
	LogLevel string

	// Worker pools
	IngestWorkers       int
	ExecWorkers         int
	ExecTaskTimeout     time.Duration
	IngestEnqueueDeadline time.Duration

	// Streaming Hub
	StreamConnectConcurrency int
	StreamConnectSpacing     time.Duration
	StreamDeadSubWindows     int
	StreamDeadSubWindowSize  time.Duration
	StreamInitialStaggerMax  time.Duration
	StreamSilenceTimeout     time.Duration
	StreamHeartbeatInterval  time.Duration
	StreamTokenMaxAge        time.Duration
	StreamBackoffMax         time.Duration

	// Credential Keeper
	TokenRefreshEarlyMargin time.Duration
	TokenStoredLifetime     time.Duration
	CredentialSweepInterval time.Duration

	// Reconciler
	ReconcilerInterval         time.Duration
	ReconcilerStaleGracePeriod time.Duration

	// Signal Router
	WebhookDedupWindow      time.Duration
	SignalCooldownDefault   time.Duration
	MaxDailyLossDefault     float64
	MaxSignalsPerSessionDefault int

	// Copy Engine
	CopyFillDedupWindow time.Duration

	// Broker endpoints
	FuturesBaseURL   string
	FuturesWSURL     string
	FuturesOAuthAuthURL  string
	FuturesOAuthTokenURL string
	FuturesOAuthClientID string

	PropFirmBaseURL string
	PropFirmWSURL   string

	EquityBaseURL string
	EquityWSURL   string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		Port:     getEnvAsInt("PORT", 8080),
		DevMode:  getEnvAsBool("DEV_MODE", false),
		AdminKey: getEnv("ADMIN_KEY", ""),

		DatabaseDriver: getEnv("DATABASE_DRIVER", "sqlite"),
		DatabaseDSN:    getEnv("DATABASE_DSN", "./data/core.db"),

		LogLevel: getEnv("LOG_LEVEL", "info"),

		IngestWorkers:         getEnvAsInt("INGEST_WORKERS", 10),
		ExecWorkers:           getEnvAsInt("EXEC_WORKERS", 10),
		ExecTaskTimeout:       getEnvAsDuration("EXEC_TASK_TIMEOUT", 60*time.Second),
		IngestEnqueueDeadline: getEnvAsDuration("INGEST_ENQUEUE_DEADLINE", 500*time.Millisecond),

		StreamConnectConcurrency: getEnvAsInt("STREAM_CONNECT_CONCURRENCY", 2),
		StreamConnectSpacing:     getEnvAsDuration("STREAM_CONNECT_SPACING", 3*time.Second),
		StreamDeadSubWindows:     getEnvAsInt("STREAM_DEAD_SUB_WINDOWS", 10),
		StreamDeadSubWindowSize:  getEnvAsDuration("STREAM_DEAD_SUB_WINDOW_SIZE", 30*time.Second),
		StreamInitialStaggerMax:  getEnvAsDuration("STREAM_INITIAL_STAGGER_MAX", 30*time.Second),
		StreamSilenceTimeout:     getEnvAsDuration("STREAM_SILENCE_TIMEOUT", 10*time.Second),
		StreamHeartbeatInterval:  getEnvAsDuration("STREAM_HEARTBEAT_INTERVAL", 2500*time.Millisecond),
		StreamTokenMaxAge:        getEnvAsDuration("STREAM_TOKEN_MAX_AGE", 70*time.Minute),
		StreamBackoffMax:         getEnvAsDuration("STREAM_BACKOFF_MAX", 60*time.Second),

		TokenRefreshEarlyMargin: getEnvAsDuration("TOKEN_REFRESH_EARLY_MARGIN", 30*time.Minute),
		TokenStoredLifetime:     getEnvAsDuration("TOKEN_STORED_LIFETIME", 85*time.Minute),
		CredentialSweepInterval: getEnvAsDuration("CREDENTIAL_SWEEP_INTERVAL", 5*time.Minute),

		ReconcilerInterval:         getEnvAsDuration("RECONCILER_INTERVAL", 5*time.Minute),
		ReconcilerStaleGracePeriod: getEnvAsDuration("RECONCILER_STALE_GRACE_PERIOD", 4*time.Hour),

		WebhookDedupWindow:          getEnvAsDuration("WEBHOOK_DEDUP_WINDOW", 30*time.Second),
		SignalCooldownDefault:       getEnvAsDuration("SIGNAL_COOLDOWN_DEFAULT", 0),
		MaxDailyLossDefault:         getEnvAsFloat("MAX_DAILY_LOSS_DEFAULT", 0),
		MaxSignalsPerSessionDefault: getEnvAsInt("MAX_SIGNALS_PER_SESSION_DEFAULT", 0),

		CopyFillDedupWindow: getEnvAsDuration("COPY_FILL_DEDUP_WINDOW", 60*time.Second),

		FuturesBaseURL:       getEnv("FUTURES_BASE_URL", "https://api.futures-broker.example/v1"),
		FuturesWSURL:         getEnv("FUTURES_WS_URL", "wss://stream.futures-broker.example/v1"),
		FuturesOAuthAuthURL:  getEnv("FUTURES_OAUTH_AUTH_URL", "https://auth.futures-broker.example/oauth/authorize"),
		FuturesOAuthTokenURL: getEnv("FUTURES_OAUTH_TOKEN_URL", "https://auth.futures-broker.example/oauth/token"),
		FuturesOAuthClientID: getEnv("FUTURES_OAUTH_CLIENT_ID", ""),

		PropFirmBaseURL: getEnv("PROPFIRM_BASE_URL", "https://api.propfirm-broker.example/v1"),
		PropFirmWSURL:   getEnv("PROPFIRM_WS_URL", "wss://stream.propfirm-broker.example/v1"),

		EquityBaseURL: getEnv("EQUITY_BASE_URL", "https://api.equity-broker.example/v1"),
		EquityWSURL:   getEnv("EQUITY_WS_URL", "wss://stream.equity-broker.example/v1"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present.
func (c *Config) Validate() error {
	if c.DatabaseDSN == "" {
		return fmt.Errorf("DATABASE_DSN is required")
	}
	if c.DatabaseDriver != "sqlite" && c.DatabaseDriver != "postgres" {
		return fmt.Errorf("DATABASE_DRIVER must be sqlite or postgres, got %q", c.DatabaseDriver)
	}
	if c.TokenStoredLifetime <= 0 {
		return fmt.Errorf("TOKEN_STORED_LIFETIME must be positive")
	}
	return nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
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
