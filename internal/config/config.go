// Package config loads server configuration from the process environment
// (with optional .env support for local development), validates it, and
// exposes the full set of tunables the server recognizes.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds every configuration knob this server recognizes.
//
// Tags:
//
//	env: environment variable name
//	envDefault: default value if not set
type Config struct {
	// Networking.
	Addr           string `env:"WORLD_ADDR" envDefault:":8080"`
	AllowedOrigins string `env:"WORLD_ALLOWED_ORIGINS" envDefault:"localhost"`
	PublicURL      string `env:"WORLD_PUBLIC_URL" envDefault:"ws://localhost:8080/ws"`
	Region         string `env:"WORLD_REGION" envDefault:"local"`
	InstanceID     string `env:"WORLD_INSTANCE_ID" envDefault:"dev-instance"`

	// Durable store.
	StoreDSN string `env:"WORLD_STORE_DSN" envDefault:"file:world.db"`

	// Capacity.
	MaxParticipantsPerWorld int `env:"WORLD_MAX_PARTICIPANTS" envDefault:"8"`

	// Timing.
	TickPeriod           time.Duration `env:"WORLD_TICK_PERIOD" envDefault:"50ms"`
	HandshakeTimeout     time.Duration `env:"WORLD_HANDSHAKE_TIMEOUT" envDefault:"5s"`
	StaleActivityTimeout time.Duration `env:"WORLD_STALE_TIMEOUT" envDefault:"60s"`
	PersistenceFlush     time.Duration `env:"WORLD_PERSISTENCE_PERIOD" envDefault:"1s"`
	HeartbeatPeriod      time.Duration `env:"WORLD_HEARTBEAT_PERIOD" envDefault:"30s"`
	KeySetCacheTTL       time.Duration `env:"WORLD_KEYSET_TTL" envDefault:"1h"`
	RequestIDTTL         time.Duration `env:"WORLD_REQUEST_ID_TTL" envDefault:"60s"`

	// Rate limits.
	EditsPerSecond        int     `env:"WORLD_EDITS_PER_SEC" envDefault:"20"`
	SubscribesPerSecond   int     `env:"WORLD_SUBSCRIBES_PER_SEC" envDefault:"100"`
	ConnRatePerIPPerMin   int     `env:"WORLD_CONN_RATE_PER_IP_MIN" envDefault:"3"`
	MaxInboundFrameBytes  int     `env:"WORLD_MAX_FRAME_BYTES" envDefault:"65536"`
	MaxReachDistance      float64 `env:"WORLD_MAX_REACH" envDefault:"5.0"`
	MaxSubscriptions      int     `env:"WORLD_MAX_SUBSCRIPTIONS" envDefault:"128"`
	SectionsStreamedPerSecond int `env:"WORLD_SECTIONS_PER_SEC" envDefault:"20"`

	// Protocol/registry/generator versions this instance requires a HELLO
	// to match exactly.
	RegistryVersion  int `env:"WORLD_REGISTRY_VERSION" envDefault:"1"`
	GeneratorVersion int `env:"WORLD_GENERATOR_VERSION" envDefault:"1"`

	// Dirty-section back-pressure bound.
	MaxDirtySectionsPerWorld int `env:"WORLD_MAX_DIRTY_SECTIONS" envDefault:"500"`

	// Monitoring.
	MetricsInterval time.Duration `env:"WORLD_METRICS_INTERVAL" envDefault:"15s"`

	// Logging.
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from a .env file (optional) and the process
// environment, in that precedence order (env vars win), then validates it.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate range-checks and cross-checks configuration values.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("WORLD_ADDR is required")
	}
	if c.MaxParticipantsPerWorld < 1 || c.MaxParticipantsPerWorld > 8 {
		return fmt.Errorf("WORLD_MAX_PARTICIPANTS must be in 1..8, got %d", c.MaxParticipantsPerWorld)
	}
	if c.EditsPerSecond < 1 {
		return fmt.Errorf("WORLD_EDITS_PER_SEC must be > 0, got %d", c.EditsPerSecond)
	}
	if c.SubscribesPerSecond < 1 {
		return fmt.Errorf("WORLD_SUBSCRIBES_PER_SEC must be > 0, got %d", c.SubscribesPerSecond)
	}
	if c.MaxReachDistance <= 0 {
		return fmt.Errorf("WORLD_MAX_REACH must be > 0, got %.2f", c.MaxReachDistance)
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of debug,info,warn,error (got %s)", c.LogLevel)
	}
	validFormats := map[string]bool{"json": true, "pretty": true}
	if !validFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of json,pretty (got %s)", c.LogFormat)
	}
	return nil
}

// LogConfig emits the loaded configuration as a structured log line.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("addr", c.Addr).
		Str("region", c.Region).
		Str("instance_id", c.InstanceID).
		Int("max_participants", c.MaxParticipantsPerWorld).
		Dur("tick_period", c.TickPeriod).
		Dur("handshake_timeout", c.HandshakeTimeout).
		Dur("stale_timeout", c.StaleActivityTimeout).
		Dur("persistence_period", c.PersistenceFlush).
		Dur("heartbeat_period", c.HeartbeatPeriod).
		Int("edits_per_sec", c.EditsPerSecond).
		Int("subscribes_per_sec", c.SubscribesPerSecond).
		Int("conn_rate_per_ip_min", c.ConnRatePerIPPerMin).
		Float64("max_reach", c.MaxReachDistance).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("configuration loaded")
}
