// Main entrypoint for the realtime service. Handles config loading,
// dependency construction and running the application.
package main

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/tinywideclouds/go-realtime-service/internal/app"
	"github.com/tinywideclouds/go-realtime-service/internal/platform/users"
	"github.com/tinywideclouds/go-realtime-service/realtimeservice"
	"github.com/tinywideclouds/go-realtime-service/realtimeservice/config"
)

//go:embed config.yaml
var configFile []byte

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", "go-realtime-service").Logger()

	// --- 1. Load Configuration (Stage 0: Unmarshal) ---
	var yamlCfg config.YamlConfig
	if err := yaml.Unmarshal(configFile, &yamlCfg); err != nil {
		logger.Fatal().Err(err).Msg("Failed to unmarshal embedded yaml config")
	}

	// --- 2. Build Base Config (Stage 1: YAML to Base Struct) ---
	baseCfg, err := config.NewConfigFromYaml(&yamlCfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to build base configuration from YAML")
	}

	// --- 3. Apply Overrides & Validate (Stage 2: Env Vars) ---
	cfg, err := config.UpdateConfigWithEnvOverrides(baseCfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to finalize configuration with environment overrides")
	}
	logger = logger.Level(parseLevel(cfg.LogLevel))
	zerolog.SetGlobalLevel(parseLevel(cfg.LogLevel))

	// --- 4. Create dependencies ---
	ctx := context.Background()
	deps, cleanup, err := newDependencies(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize dependencies")
	}
	defer cleanup()

	// --- 5. Create the service ---
	svc, err := realtimeservice.New(cfg, deps, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create realtime service")
	}

	// --- 6. Run the application ---
	app.Run(ctx, logger,
		app.Named{Name: "RealtimeService", Service: svc},
		app.Named{Name: "ConnectionManager", Service: svc.ConnectionManager()},
	)
}

func parseLevel(s string) zerolog.Level {
	level, err := zerolog.ParseLevel(s)
	if err != nil || s == "" {
		return zerolog.InfoLevel
	}
	return level
}

// newDependencies connects to Redis, the identity service and, when
// configured, NATS.
func newDependencies(ctx context.Context, cfg *config.AppConfig, logger zerolog.Logger) (realtimeservice.Dependencies, func(), error) {
	var deps realtimeservice.Dependencies

	logger.Debug().Str("addr", cfg.RedisAddr).Msg("Connecting to Redis")
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return deps, nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.RedisAddr, err)
	}
	logger.Info().Str("addr", cfg.RedisAddr).Msg("Connected to Redis")
	deps.Redis = rdb

	lookup, err := users.NewHTTPLookup(cfg.IdentityServiceURL, nil, logger)
	if err != nil {
		_ = rdb.Close()
		return deps, nil, err
	}
	deps.Users = lookup

	if cfg.Nats.URL != "" {
		nc, err := nats.Connect(cfg.Nats.URL,
			nats.Name("go-realtime-service"),
			nats.MaxReconnects(-1),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				logger.Warn().Err(err).Msg("NATS disconnected")
			}),
			nats.ReconnectHandler(func(c *nats.Conn) {
				logger.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
			}),
		)
		if err != nil {
			_ = rdb.Close()
			return deps, nil, fmt.Errorf("failed to connect to nats at %s: %w", cfg.Nats.URL, err)
		}
		logger.Info().Str("url", cfg.Nats.URL).Msg("Connected to NATS")
		deps.Nats = nc
	} else {
		logger.Info().Msg("NATS_URL not set; presence fan-out and bus ingestion disabled")
	}

	cleanup := func() {
		if deps.Nats != nil {
			deps.Nats.Close()
		}
		_ = rdb.Close()
	}
	return deps, cleanup, nil
}
