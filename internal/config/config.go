// Package config handles dispatcher configuration from environment variables.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds all dispatcher configuration.
type Config struct {
	// Server
	ListenAddr string

	// Identity: namespaces every queue channel so multiple instances can
	// share one Redis.
	SockethubID string

	// Queue
	RedisURL string

	// Platforms this instance is responsible for (the allow-list). The
	// dispatcher platform itself is always implicitly allowed.
	Platforms []string

	// Liveness
	ListenerIntervalTime  time.Duration // time between liveness scans
	ListenerIntervalCount int           // maximum scans before readiness gives up

	// Optional path to a JSON platform catalog. Empty means built-ins only.
	CatalogPath string

	LogLevel string
}

// Load reads configuration from SOCKETHUB_* environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:            getEnv("SOCKETHUB_LISTEN", ":10550"),
		SockethubID:           getEnv("SOCKETHUB_ID", uuid.NewString()),
		RedisURL:              getEnv("SOCKETHUB_REDIS_URL", "redis://localhost:6379/0"),
		ListenerIntervalTime:  parseMillis("SOCKETHUB_LISTENER_INTERVAL_TIME", 1000*time.Millisecond),
		ListenerIntervalCount: parseInt("SOCKETHUB_LISTENER_INTERVAL_COUNT", 10),
		CatalogPath:           os.Getenv("SOCKETHUB_CATALOG"),
		LogLevel:              getEnv("SOCKETHUB_LOG_LEVEL", "info"),
	}

	if raw := os.Getenv("SOCKETHUB_PLATFORMS"); raw != "" {
		for _, name := range strings.Split(raw, ",") {
			if name = strings.TrimSpace(name); name != "" {
				cfg.Platforms = append(cfg.Platforms, name)
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("listen address is required")
	}
	if c.SockethubID == "" {
		return errors.New("sockethub id is required")
	}
	if c.RedisURL == "" {
		return errors.New("redis URL is required")
	}
	if c.ListenerIntervalTime < 10*time.Millisecond {
		return errors.New("listener interval time must be at least 10ms")
	}
	if c.ListenerIntervalCount < 1 {
		return errors.New("listener interval count must be at least 1")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// parseMillis reads a millisecond count, matching how the listener interval
// has always been expressed.
func parseMillis(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * time.Millisecond
		}
	}
	return fallback
}
