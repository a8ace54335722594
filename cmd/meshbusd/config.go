package main

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds the daemon configuration. Priority: environment variables
// over .env file over defaults.
type Config struct {
	// Bind is the bridge endpoint: "host:port" or "ws://host[:port]/path".
	// "*:port" binds all interfaces, "host:*" picks a random port.
	Bind string `env:"MESHBUS_BIND" envDefault:"ws://*:12121/meshbus"`

	// Stdio additionally bridges the bus over stdin/stdout, for use as a
	// spawned child of another meshbus process.
	Stdio bool `env:"MESHBUS_STDIO" envDefault:"false"`

	// NATS federation (optional).
	NATSURL      string   `env:"MESHBUS_NATS_URL"`
	NATSChannels []string `env:"MESHBUS_NATS_CHANNELS" envSeparator:","`
	NATSPrefix   string   `env:"MESHBUS_NATS_PREFIX" envDefault:"meshbus."`

	// Flow control and sessions.
	HWM            int           `env:"MESHBUS_HWM" envDefault:"1048576"`
	HWMTimeout     time.Duration `env:"MESHBUS_HWM_TIMEOUT" envDefault:"1s"`
	SessionTimeout time.Duration `env:"MESHBUS_SESSION_TIMEOUT" envDefault:"30s"`

	// PingInterval drives the dead-peer sweep; 0 disables it.
	PingInterval time.Duration `env:"MESHBUS_PING_INTERVAL" envDefault:"1m"`

	// AcceptRate limits inbound connections per second; 0 disables.
	AcceptRate  float64 `env:"MESHBUS_ACCEPT_RATE" envDefault:"0"`
	AcceptBurst int     `env:"MESHBUS_ACCEPT_BURST" envDefault:"10"`

	// MetricsAddr exposes Prometheus metrics; empty disables the endpoint.
	MetricsAddr string `env:"MESHBUS_METRICS_ADDR" envDefault:":9102"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// LoadConfig reads the optional .env file and the environment.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks ranges and enums.
func (c *Config) Validate() error {
	if c.Bind == "" {
		return fmt.Errorf("MESHBUS_BIND is required")
	}
	if c.HWM < 1 {
		return fmt.Errorf("MESHBUS_HWM must be > 0, got %d", c.HWM)
	}
	if c.HWMTimeout < 0 {
		return fmt.Errorf("MESHBUS_HWM_TIMEOUT must be >= 0")
	}
	if c.AcceptRate < 0 {
		return fmt.Errorf("MESHBUS_ACCEPT_RATE must be >= 0")
	}
	if len(c.NATSChannels) > 0 && c.NATSURL == "" {
		return fmt.Errorf("MESHBUS_NATS_CHANNELS set without MESHBUS_NATS_URL")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	switch c.LogFormat {
	case "json", "pretty":
	default:
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}
	return nil
}

// LogConfig dumps the effective configuration.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("bind", c.Bind).
		Bool("stdio", c.Stdio).
		Str("nats_url", c.NATSURL).
		Strs("nats_channels", c.NATSChannels).
		Int("hwm", c.HWM).
		Dur("hwm_timeout", c.HWMTimeout).
		Dur("session_timeout", c.SessionTimeout).
		Dur("ping_interval", c.PingInterval).
		Float64("accept_rate", c.AcceptRate).
		Str("metrics_addr", c.MetricsAddr).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("configuration loaded")
}
