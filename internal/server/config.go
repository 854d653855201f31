// Package server provides configuration for the chat relay: runtime defaults,
// environment overrides, and the origin allow-list consulted during WebSocket
// upgrades.
package server

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Tyrowin/chathub/internal/store"
)

const (
	defaultPort           = ":8080"
	defaultMaxMessageSize = 4096
	defaultHistoryLimit   = 50
	defaultRateBurst      = 5
	defaultDatabasePath   = "data/chathub.db"
)

// RateLimitConfig defines the per-connection inbound event throttle.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// Config holds the relay's runtime settings.
type Config struct {
	Port           string
	AllowedOrigins []string
	MaxMessageSize int64
	HistoryLimit   int
	RateLimit      RateLimitConfig
	Database       store.Config
}

var (
	configMu        sync.RWMutex
	activeConfig    Config
	allowedOrigins  map[string]struct{}
	allowAllOrigins bool
)

func init() {
	SetConfig(nil)
}

func defaultConfig() Config {
	return Config{
		Port:           defaultPort,
		AllowedOrigins: []string{"http://localhost:8080"},
		MaxMessageSize: defaultMaxMessageSize,
		HistoryLimit:   defaultHistoryLimit,
		RateLimit: RateLimitConfig{
			Burst:          defaultRateBurst,
			RefillInterval: time.Second,
		},
		Database: store.Config{
			Driver: store.DriverSQLite,
			Path:   defaultDatabasePath,
		},
	}
}

// SetConfig applies the provided configuration after sanitizing it. Passing
// nil resets to defaults.
func SetConfig(cfg *Config) {
	applied := defaultConfig()
	if cfg != nil {
		applied = *cfg
		applied.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	}
	sanitizeConfig(applied)
}

func sanitizeConfig(cfg Config) {
	defaults := defaultConfig()

	if cfg.Port == "" {
		cfg.Port = defaults.Port
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaults.MaxMessageSize
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaults.HistoryLimit
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = defaults.RateLimit.Burst
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = defaults.RateLimit.RefillInterval
	}
	if cfg.Database.Driver == "" {
		cfg.Database = defaults.Database
	}

	origins, allowAll := normalizeOrigins(cfg.AllowedOrigins)
	cfg.AllowedOrigins = origins

	configMu.Lock()
	defer configMu.Unlock()

	activeConfig = cfg
	allowAllOrigins = allowAll
	allowedOrigins = make(map[string]struct{}, len(origins))
	for _, origin := range origins {
		allowedOrigins[origin] = struct{}{}
	}
}

func currentConfig() Config {
	configMu.RLock()
	defer configMu.RUnlock()

	cfg := activeConfig
	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return cfg
}

// NewConfig returns a Config populated with defaults.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// NewConfigFromEnv builds a Config from environment variables, falling back
// to defaults for anything unset or unparsable.
func NewConfigFromEnv() *Config {
	cfg := defaultConfig()

	if port := os.Getenv("SERVER_PORT"); port != "" {
		cfg.Port = port
	}
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = splitAndTrim(origins)
	}
	if raw := os.Getenv("MAX_MESSAGE_SIZE"); raw != "" {
		if size, err := strconv.ParseInt(raw, 10, 64); err == nil && size > 0 {
			cfg.MaxMessageSize = size
		}
	}
	if raw := os.Getenv("HISTORY_LIMIT"); raw != "" {
		if limit, err := strconv.Atoi(raw); err == nil && limit > 0 {
			cfg.HistoryLimit = limit
		}
	}
	if raw := os.Getenv("RATE_LIMIT_BURST"); raw != "" {
		if burst, err := strconv.Atoi(raw); err == nil && burst > 0 {
			cfg.RateLimit.Burst = burst
		}
	}
	if raw := os.Getenv("RATE_LIMIT_REFILL_INTERVAL"); raw != "" {
		if seconds, err := strconv.Atoi(raw); err == nil && seconds > 0 {
			cfg.RateLimit.RefillInterval = time.Duration(seconds) * time.Second
		}
	}
	if driver := os.Getenv("DATABASE_DRIVER"); driver != "" {
		cfg.Database.Driver = driver
	}
	if path := os.Getenv("DATABASE_PATH"); path != "" {
		cfg.Database.Path = path
	}
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		cfg.Database.DSN = dsn
	}

	return &cfg
}

func splitAndTrim(value string) []string {
	parts := strings.Split(value, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
