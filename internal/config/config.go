// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Database settings.
	DatabasePath string // SQLite database file; ":memory:" for ephemeral.

	// Tool gateway settings. An empty MCPEndpoint selects the built-in
	// echo gateway, which records act steps without side effects.
	MCPEndpoint  string
	MCPAuthToken string

	// Engine settings.
	TimeoutWholeRun bool // Apply recipe guardrail timeouts to the whole run instead of plan+act.

	// Scheduler settings. Zero disables the built-in tick loop; runs
	// are then started only by POST /v1/tick or manual requests.
	TickInterval time.Duration

	// OTEL settings.
	OTELEndpoint string
	ServiceName  string

	// Operational settings.
	LogLevel            string
	MaxRequestBodyBytes int64
}

// Load reads configuration from environment variables with sensible
// defaults. Malformed values are collected and reported together
// rather than silently falling back.
func Load() (Config, error) {
	var errs []error
	collectInt := func(key string, def int) int {
		v, err := envInt(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	collectBool := func(key string, def bool) bool {
		v, err := envBool(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	collectDuration := func(key string, def time.Duration) time.Duration {
		v, err := envDuration(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}

	cfg := Config{
		Port:                collectInt("DANDORI_PORT", 8080),
		ReadTimeout:         collectDuration("DANDORI_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:        collectDuration("DANDORI_WRITE_TIMEOUT", 30*time.Second),
		DatabasePath:        envStr("DANDORI_DB_PATH", "dandori.db"),
		MCPEndpoint:         envStr("DANDORI_MCP_ENDPOINT", ""),
		MCPAuthToken:        envStr("DANDORI_MCP_AUTH_TOKEN", ""),
		TimeoutWholeRun:     collectBool("DANDORI_TIMEOUT_WHOLE_RUN", false),
		TickInterval:        collectDuration("DANDORI_TICK_INTERVAL", 0),
		OTELEndpoint:        envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:         envStr("OTEL_SERVICE_NAME", "dandori"),
		LogLevel:            envStr("DANDORI_LOG_LEVEL", "info"),
		MaxRequestBodyBytes: int64(collectInt("DANDORI_MAX_REQUEST_BODY_BYTES", 4*1024*1024)), // bundles arrive inline
	}
	if len(errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(errs...))
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present.
func (c Config) Validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("config: DANDORI_DB_PATH is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: DANDORI_PORT must be a valid port")
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: DANDORI_MAX_REQUEST_BODY_BYTES must be positive")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
