// Package server provides configuration helpers that define runtime defaults,
// validation, and security parameters for the chat service.
package server

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/palaver-chat/palaver/internal/room"
)

// Config holds the server configuration settings including security controls.
type Config struct {
	Port           string
	AllowedOrigins []string
	MaxMessageSize int64
	RateLimit      RateLimitConfig

	// TokenSecret signs handoff tokens. Loaded once at startup; required for
	// any deployment where restarts must not invalidate issued tokens.
	TokenSecret string

	// TokenTTL, when positive, stamps handoff tokens with an expiry claim.
	TokenTTL time.Duration

	// SessionTTL, when positive, enables the session janitor that purges
	// entries older than the TTL. Zero keeps sessions forever, matching the
	// base design.
	SessionTTL time.Duration
}

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// NewConfig creates a Config populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

func defaultConfig() Config {
	return Config{
		Port: ":8080",
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		MaxMessageSize: 512,
		RateLimit: RateLimitConfig{
			Burst:          5,
			RefillInterval: time.Second,
		},
	}
}

// NewConfigFromEnv creates a Config from environment variables, falling back
// to defaults for anything unset.
func NewConfigFromEnv() *Config {
	cfg := defaultConfig()

	if port := os.Getenv("SERVER_PORT"); port != "" {
		cfg.Port = port
	}

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = parseOrigins(origins)
	}

	if maxSize := os.Getenv("MAX_MESSAGE_SIZE"); maxSize != "" {
		cfg.MaxMessageSize = parseMaxMessageSize(maxSize, cfg.MaxMessageSize)
	}

	if burst := os.Getenv("RATE_LIMIT_BURST"); burst != "" {
		cfg.RateLimit.Burst = parseIntValue(burst, cfg.RateLimit.Burst)
	}

	if interval := os.Getenv("RATE_LIMIT_REFILL_INTERVAL"); interval != "" {
		cfg.RateLimit.RefillInterval = parseRefillInterval(interval, cfg.RateLimit.RefillInterval)
	}

	cfg.TokenSecret = os.Getenv("TOKEN_SECRET")

	if ttl := os.Getenv("TOKEN_TTL"); ttl != "" {
		cfg.TokenTTL = parseTTL(ttl, cfg.TokenTTL)
	}

	if ttl := os.Getenv("SESSION_TTL"); ttl != "" {
		cfg.SessionTTL = parseTTL(ttl, cfg.SessionTTL)
	}

	return &cfg
}

func (c *Config) sanitize() {
	if c.Port == "" {
		c.Port = ":8080"
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 512
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = 5
	}
	if c.RateLimit.RefillInterval <= 0 {
		c.RateLimit.RefillInterval = time.Second
	}
	if c.TokenTTL < 0 {
		c.TokenTTL = 0
	}
	if c.SessionTTL < 0 {
		c.SessionTTL = 0
	}
}

func (c *Config) roomLimits() room.Limits {
	return room.Limits{
		MaxMessageSize: c.MaxMessageSize,
		RateBurst:      c.RateLimit.Burst,
		RateInterval:   c.RateLimit.RefillInterval,
	}
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseMaxMessageSize(value string, defaultValue int64) int64 {
	if size, err := strconv.ParseInt(value, 10, 64); err == nil && size > 0 {
		return size
	}
	return defaultValue
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

func parseRefillInterval(value string, defaultValue time.Duration) time.Duration {
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}

func parseTTL(value string, defaultValue time.Duration) time.Duration {
	if ttl, err := time.ParseDuration(value); err == nil && ttl > 0 {
		return ttl
	}
	return defaultValue
}
