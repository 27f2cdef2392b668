package config

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// --- YAML-Specific Structs ---

type YamlCorsConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type YamlAuthConfig struct {
	Issuer           string `yaml:"issuer"`
	Audience         string `yaml:"audience"`
	MaxTokenBytes    int    `yaml:"max_token_bytes"`
	HandshakeTimeout string `yaml:"handshake_timeout"`
}

type YamlRedisConfig struct {
	Addr string `yaml:"addr"`
}

type YamlNatsConfig struct {
	URL        string `yaml:"url"`
	QueueGroup string `yaml:"queue_group"`
}

type YamlQueueConfig struct {
	MaxLength         int    `yaml:"max_length"`
	TTL               string `yaml:"ttl"`
	FallbackMaxLength int    `yaml:"fallback_max_length"`
	DeliverTimeout    string `yaml:"deliver_timeout"`
}

type YamlWebSocketConfig struct {
	PingInterval    string `yaml:"ping_interval"`
	PongWait        string `yaml:"pong_wait"`
	WriteWait       string `yaml:"write_wait"`
	MaxMessageBytes int64  `yaml:"max_message_bytes"`
	SendBuffer      int    `yaml:"send_buffer"`
	CommandBuffer   int    `yaml:"command_buffer"`
}

type YamlRoomsConfig struct {
	EntityRoles map[string][]string `yaml:"entity_roles"`
}

type YamlAuditConfig struct {
	Stream string `yaml:"stream"`
	MaxLen int64  `yaml:"max_len"`
	Buffer int    `yaml:"buffer"`
}

type YamlHealthConfig struct {
	Interval       string `yaml:"interval"`
	DegradedWindow string `yaml:"degraded_window"`
}

type YamlShutdownConfig struct {
	DrainTimeout string `yaml:"drain_timeout"`
}

// YamlConfig defines the structure for unmarshaling the embedded config.yaml file.
type YamlConfig struct {
	RunMode            string              `yaml:"run_mode"`
	LogLevel           string              `yaml:"log_level"`
	APIPort            string              `yaml:"api_port"`
	WebSocketPort      string              `yaml:"websocket_port"`
	IdentityServiceURL string              `yaml:"identity_service_url"`
	MaxPayloadBytes    int                 `yaml:"max_payload_bytes"`
	Cors               YamlCorsConfig      `yaml:"cors"`
	Auth               YamlAuthConfig      `yaml:"auth"`
	Redis              YamlRedisConfig     `yaml:"redis"`
	Nats               YamlNatsConfig      `yaml:"nats"`
	Queue              YamlQueueConfig     `yaml:"queue"`
	WebSocket          YamlWebSocketConfig `yaml:"websocket"`
	Rooms              YamlRoomsConfig     `yaml:"rooms"`
	Audit              YamlAuditConfig     `yaml:"audit"`
	Health             YamlHealthConfig    `yaml:"health"`
	Shutdown           YamlShutdownConfig  `yaml:"shutdown"`
}

// --- Stage 1 Function ---

// NewConfigFromYaml converts the raw unmarshaled data (YamlConfig) into a
// base AppConfig, parsing every duration. Environment overrides are applied
// afterwards by UpdateConfigWithEnvOverrides.
func NewConfigFromYaml(yamlCfg *YamlConfig, logger zerolog.Logger) (*AppConfig, error) {
	logger.Debug().Msg("Mapping YAML config to base config struct")

	d := durationParser{}
	cfg := &AppConfig{
		RunMode:            yamlCfg.RunMode,
		LogLevel:           yamlCfg.LogLevel,
		APIPort:            yamlCfg.APIPort,
		WebSocketPort:      yamlCfg.WebSocketPort,
		IdentityServiceURL: yamlCfg.IdentityServiceURL,
		MaxPayloadBytes:    yamlCfg.MaxPayloadBytes,
		AllowedOrigins:     yamlCfg.Cors.AllowedOrigins,
		Auth: AuthConfig{
			Issuer:           yamlCfg.Auth.Issuer,
			Audience:         yamlCfg.Auth.Audience,
			MaxTokenBytes:    yamlCfg.Auth.MaxTokenBytes,
			HandshakeTimeout: d.parse("auth.handshake_timeout", yamlCfg.Auth.HandshakeTimeout),
		},
		RedisAddr: yamlCfg.Redis.Addr,
		Nats: NatsConfig{
			URL:        yamlCfg.Nats.URL,
			QueueGroup: yamlCfg.Nats.QueueGroup,
		},
		Queue: QueueConfig{
			MaxLength:         yamlCfg.Queue.MaxLength,
			TTL:               d.parse("queue.ttl", yamlCfg.Queue.TTL),
			FallbackMaxLength: yamlCfg.Queue.FallbackMaxLength,
			DeliverTimeout:    d.parse("queue.deliver_timeout", yamlCfg.Queue.DeliverTimeout),
		},
		WebSocket: WebSocketConfig{
			PingInterval:    d.parse("websocket.ping_interval", yamlCfg.WebSocket.PingInterval),
			PongWait:        d.parse("websocket.pong_wait", yamlCfg.WebSocket.PongWait),
			WriteWait:       d.parse("websocket.write_wait", yamlCfg.WebSocket.WriteWait),
			MaxMessageBytes: yamlCfg.WebSocket.MaxMessageBytes,
			SendBuffer:      yamlCfg.WebSocket.SendBuffer,
			CommandBuffer:   yamlCfg.WebSocket.CommandBuffer,
		},
		EntityRoles: yamlCfg.Rooms.EntityRoles,
		Audit: AuditConfig{
			Stream: yamlCfg.Audit.Stream,
			MaxLen: yamlCfg.Audit.MaxLen,
			Buffer: yamlCfg.Audit.Buffer,
		},
		HealthInterval: d.parse("health.interval", yamlCfg.Health.Interval),
		DegradedWindow: d.parse("health.degraded_window", yamlCfg.Health.DegradedWindow),
		DrainTimeout:   d.parse("shutdown.drain_timeout", yamlCfg.Shutdown.DrainTimeout),
	}
	if d.err != nil {
		logger.Error().Err(d.err).Msg("Invalid duration in YAML config")
		return nil, d.err
	}

	logger.Debug().
		Str("api_port", cfg.APIPort).
		Str("websocket_port", cfg.WebSocketPort).
		Str("identity_service_url", cfg.IdentityServiceURL).
		Int("queue_max_length", cfg.Queue.MaxLength).
		Dur("queue_ttl", cfg.Queue.TTL).
		Msg("YAML config mapping complete")
	return cfg, nil
}

// durationParser keeps the first parse error. Empty values parse to zero so
// component defaults apply.
type durationParser struct {
	err error
}

func (p *durationParser) parse(key, value string) time.Duration {
	if value == "" || p.err != nil {
		return 0
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		p.err = fmt.Errorf("invalid duration for %s: %w", key, err)
		return 0
	}
	return d
}
