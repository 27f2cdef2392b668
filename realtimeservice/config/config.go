// Package config loads the realtime service configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type AuthConfig struct {
	Issuer           string
	Audience         string
	MaxTokenBytes    int
	HandshakeTimeout time.Duration
}

type NatsConfig struct {
	URL        string
	QueueGroup string
}

type QueueConfig struct {
	// MaxLength bounds the durable queue per user; 0 is unbounded.
	MaxLength         int
	TTL               time.Duration
	FallbackMaxLength int
	DeliverTimeout    time.Duration
}

type WebSocketConfig struct {
	PingInterval    time.Duration
	PongWait        time.Duration
	WriteWait       time.Duration
	MaxMessageBytes int64
	SendBuffer      int
	CommandBuffer   int
}

type AuditConfig struct {
	Stream string
	MaxLen int64
	Buffer int
}

// AppConfig is the canonical, validated configuration object used throughout the application.
// It is created by NewConfigFromYaml (Stage 1) and finalized by
// UpdateConfigWithEnvOverrides (Stage 2).
type AppConfig struct {
	RunMode            string
	LogLevel           string
	APIPort            string
	WebSocketPort      string
	IdentityServiceURL string
	MaxPayloadBytes    int
	AllowedOrigins     []string
	// JWTSecret is only ever read from the environment.
	JWTSecret      string
	Auth           AuthConfig
	RedisAddr      string
	Nats           NatsConfig
	Queue          QueueConfig
	WebSocket      WebSocketConfig
	EntityRoles    map[string][]string
	Audit          AuditConfig
	HealthInterval time.Duration
	DegradedWindow time.Duration
	DrainTimeout   time.Duration
}

// UpdateConfigWithEnvOverrides takes the base configuration (created from YAML)
// and completes it by applying environment variables and final validation.
// This function completes "Stage 2" of configuration loading.
func UpdateConfigWithEnvOverrides(cfg *AppConfig, logger zerolog.Logger) (*AppConfig, error) {
	logger.Debug().Msg("Applying environment variable overrides...")

	override := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			logger.Debug().Str("key", key).Str("source", "env").Msg("Overriding config value")
			*dst = v
		}
	}
	override("JWT_SECRET", &cfg.JWTSecret)
	override("REDIS_ADDR", &cfg.RedisAddr)
	override("WEBSOCKET_PORT", &cfg.WebSocketPort)
	override("API_PORT", &cfg.APIPort)
	override("IDENTITY_SERVICE_URL", &cfg.IdentityServiceURL)
	override("NATS_URL", &cfg.Nats.URL)
	override("LOG_LEVEL", &cfg.LogLevel)

	if corsOrigins := os.Getenv("CORS_ALLOWED_ORIGINS"); corsOrigins != "" {
		logger.Debug().Str("key", "CORS_ALLOWED_ORIGINS").Str("source", "env").Msg("Overriding config value")
		var cleanOrigins []string
		for _, o := range strings.Split(corsOrigins, ",") {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				cleanOrigins = append(cleanOrigins, trimmed)
			}
		}
		cfg.AllowedOrigins = cleanOrigins
	}

	required := []struct {
		key   string
		value string
	}{
		{"JWT_SECRET", cfg.JWTSecret},
		{"REDIS_ADDR", cfg.RedisAddr},
		{"WEBSOCKET_PORT", cfg.WebSocketPort},
		{"API_PORT", cfg.APIPort},
		{"IDENTITY_SERVICE_URL", cfg.IdentityServiceURL},
	}
	for _, r := range required {
		if r.value == "" {
			logger.Error().Str("error", r.key+" is not set").Msg("Final config validation failed")
			return nil, fmt.Errorf("%s is not set in config or env var", r.key)
		}
	}
	if cfg.Queue.MaxLength < 0 {
		return nil, fmt.Errorf("queue.max_length cannot be negative")
	}

	logger.Debug().Msg("Configuration finalized and validated successfully")
	return cfg, nil
}
