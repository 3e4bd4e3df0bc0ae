package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/multierr"
)

type Config struct {
	Addr                 string        `env:"ADDR" envDefault:":8080"`
	OutboundQueueSize    int           `env:"OUTBOUND_QUEUE_SIZE" envDefault:"16"`
	ReconnectGrace       time.Duration `env:"RECONNECT_GRACE" envDefault:"30s"`
	ForfeitCheckInterval time.Duration `env:"FORFEIT_CHECK_INTERVAL" envDefault:"1s"`
	FinishedRetention    time.Duration `env:"FINISHED_RETENTION" envDefault:"5m"`
	WriteTimeout         time.Duration `env:"WRITE_TIMEOUT" envDefault:"3s"`
	PingInterval         time.Duration `env:"PING_INTERVAL" envDefault:"20s"`
	PingTimeout          time.Duration `env:"PING_TIMEOUT" envDefault:"10s"`
	IdleLobbyTimeout     time.Duration `env:"IDLE_LOBBY_TIMEOUT" envDefault:"10m"`
	MaxMessageBytes      int64         `env:"MAX_MESSAGE_BYTES" envDefault:"8192"`
	LogLevel             string        `env:"LOG_LEVEL" envDefault:"info"`
	DatabaseURL          string        `env:"DATABASE_URL"`
	AllowedOrigins       []string      `env:"ALLOWED_ORIGINS" envSeparator:","`
}

// Prefix is prepended to every variable name.
const Prefix = "ALS_"

// Load reads the configuration from the environment.
func Load() (Config, error) {
	cfg, err := env.ParseAsWithOptions[Config](env.Options{Prefix: Prefix})
	if err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var err error
	if c.OutboundQueueSize <= 0 {
		err = multierr.Append(err, fmt.Errorf("OUTBOUND_QUEUE_SIZE must be positive, got %d", c.OutboundQueueSize))
	}
	if c.ReconnectGrace < 0 {
		err = multierr.Append(err, fmt.Errorf("RECONNECT_GRACE must not be negative, got %s", c.ReconnectGrace))
	}
	if c.WriteTimeout <= 0 {
		err = multierr.Append(err, fmt.Errorf("WRITE_TIMEOUT must be positive, got %s", c.WriteTimeout))
	}
	if c.PingInterval <= 0 {
		err = multierr.Append(err, fmt.Errorf("PING_INTERVAL must be positive, got %s", c.PingInterval))
	}
	if c.PingTimeout <= 0 {
		err = multierr.Append(err, fmt.Errorf("PING_TIMEOUT must be positive, got %s", c.PingTimeout))
	}
	if c.ForfeitCheckInterval <= 0 {
		err = multierr.Append(err, fmt.Errorf("FORFEIT_CHECK_INTERVAL must be positive, got %s", c.ForfeitCheckInterval))
	}
	if c.FinishedRetention <= 0 {
		err = multierr.Append(err, fmt.Errorf("FINISHED_RETENTION must be positive, got %s", c.FinishedRetention))
	}
	if c.IdleLobbyTimeout <= 0 {
		err = multierr.Append(err, fmt.Errorf("IDLE_LOBBY_TIMEOUT must be positive, got %s", c.IdleLobbyTimeout))
	}
	if c.MaxMessageBytes <= 0 {
		err = multierr.Append(err, fmt.Errorf("MAX_MESSAGE_BYTES must be positive, got %d", c.MaxMessageBytes))
	}
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
