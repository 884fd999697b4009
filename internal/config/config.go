package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Supported storage backends.
const (
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

type Config struct {
	// Storage
	DataBackend  string
	SQLiteDBPath string

	// AMQP, optional: events are not published when AMQPURL is empty
	AMQPURL      string
	AMQPExchange string
	AMQPQueue    string

	// Catch-up
	CatchUpInterval time.Duration
	CatchUpLeaseTTL time.Duration

	// Cache
	CacheVersionTTL time.Duration
	CacheEntryTTL   time.Duration
	CacheMaxEntries int

	// Logging
	LogLevel string
}

func Load() *Config {
	cfg := &Config{
		DataBackend:  getEnv("DATA_BACKEND", BackendSQLite),
		SQLiteDBPath: getEnv("SQLITE_DB_PATH", "./data/praondefoi.db"),

		AMQPURL:      getEnv("AMQP_URL", ""),
		AMQPExchange: getEnv("AMQP_EXCHANGE", "praondefoi"),
		AMQPQueue:    getEnv("AMQP_QUEUE", "ledger_events"),

		CatchUpInterval: getEnvDuration("CATCHUP_INTERVAL", 60*time.Minute),
		CatchUpLeaseTTL: getEnvDuration("CATCHUP_LEASE_TTL", 10*time.Minute),

		CacheVersionTTL: getEnvDuration("CACHE_VERSION_TTL", 12*time.Hour),
		CacheEntryTTL:   getEnvDuration("CACHE_ENTRY_TTL", 5*time.Minute),
		CacheMaxEntries: getEnvInt("CACHE_MAX_ENTRIES", 1024),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	return cfg
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	var errors []string

	validBackends := []string{BackendSQLite, BackendMemory}
	isValidBackend := false
	for _, backend := range validBackends {
		if c.DataBackend == backend {
			isValidBackend = true
			break
		}
	}
	if !isValidBackend {
		errors = append(errors, fmt.Sprintf("invalid data backend '%s': must be one of %v", c.DataBackend, validBackends))
	}

	if c.DataBackend == BackendSQLite {
		if c.SQLiteDBPath == "" {
			errors = append(errors, "SQLite database path cannot be empty when using sqlite backend")
		} else {
			dir := filepath.Dir(c.SQLiteDBPath)
			if dir != "." && dir != "" {
				if _, err := os.Stat(dir); os.IsNotExist(err) {
					if err := os.MkdirAll(dir, 0755); err != nil {
						errors = append(errors, fmt.Sprintf("cannot create SQLite database directory '%s': %v", dir, err))
					}
				}
			}
		}
	}

	if c.AMQPURL != "" {
		if parsedURL, err := url.Parse(c.AMQPURL); err != nil {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL '%s': %v", c.AMQPURL, err))
		} else if parsedURL.Scheme != "amqp" && parsedURL.Scheme != "amqps" {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL scheme '%s': must be 'amqp' or 'amqps'", parsedURL.Scheme))
		}
		if c.AMQPExchange == "" {
			errors = append(errors, "AMQP exchange name cannot be empty when AMQP URL is provided")
		}
		if c.AMQPQueue == "" {
			errors = append(errors, "AMQP queue name cannot be empty when AMQP URL is provided")
		}
	}

	if c.CatchUpInterval < time.Minute {
		errors = append(errors, fmt.Sprintf("invalid catch-up interval %v: must be at least 1 minute", c.CatchUpInterval))
	} else if c.CatchUpInterval > 24*time.Hour {
		errors = append(errors, fmt.Sprintf("invalid catch-up interval %v: must be at most 24 hours", c.CatchUpInterval))
	}

	if c.CatchUpLeaseTTL < time.Minute {
		errors = append(errors, fmt.Sprintf("invalid catch-up lease TTL %v: must be at least 1 minute", c.CatchUpLeaseTTL))
	}

	if c.CacheEntryTTL <= 0 {
		errors = append(errors, fmt.Sprintf("invalid cache entry TTL %v: must be positive", c.CacheEntryTTL))
	}
	// A version that expires while values cached under it are still live
	// would restart at an old number and expose those values again.
	if c.CacheVersionTTL <= c.CacheEntryTTL {
		errors = append(errors, fmt.Sprintf("invalid cache version TTL %v: must be longer than the cache entry TTL %v", c.CacheVersionTTL, c.CacheEntryTTL))
	}

	if c.CacheMaxEntries < 1 {
		errors = append(errors, fmt.Sprintf("invalid cache max entries %d: must be at least 1", c.CacheMaxEntries))
	} else if c.CacheMaxEntries > 1_000_000 {
		errors = append(errors, fmt.Sprintf("invalid cache max entries %d: must be at most 1000000", c.CacheMaxEntries))
	}

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errors = append(errors, err.Error())
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(errors, "\n- "))
	}

	return nil
}

// ParseLogLevel maps LOG_LEVEL values onto slog levels.
func ParseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("invalid log level '%s': must be one of debug, info, warn, error", level)
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

// getEnvDuration accepts Go durations ("90m") and bare numbers of minutes
// ("60").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		if m, err := strconv.Atoi(value); err == nil {
			return time.Duration(m) * time.Minute
		}
	}
	return defaultValue
}
