// Package config loads gateway settings from TAVERN_* environment variables,
// overridable by command-line flags.
package config

import (
	"errors"
	"flag"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"tavern.org/internal/event"
	"tavern.org/internal/ratelimit"
	"tavern.org/internal/store/sqlstore"
)

// Config holds gateway process configuration.
type Config struct {
	HTTPAddr string `env:"TAVERN_HTTP_ADDR" envDefault:":8080"`
	GRPCAddr string `env:"TAVERN_GRPC_ADDR" envDefault:":9090"`

	RedisURL    string `env:"TAVERN_REDIS_URL"`
	DBDriver    string `env:"TAVERN_DB_DRIVER" envDefault:"sqlite"`
	DatabaseDSN string `env:"TAVERN_DB_DSN" envDefault:"file:tavern.db?_pragma=busy_timeout(5000)"`
	AutoMigrate bool   `env:"TAVERN_AUTO_MIGRATE" envDefault:"true"`

	AuthSecret string `env:"TAVERN_AUTH_SECRET"`
	Issuer     string `env:"TAVERN_AUTH_ISSUER" envDefault:"tavern"`
	InstanceID string `env:"TAVERN_INSTANCE_ID"`

	AuthTimeout   time.Duration `env:"TAVERN_AUTH_TIMEOUT" envDefault:"10s"`
	WriteTimeout  time.Duration `env:"TAVERN_WRITE_TIMEOUT" envDefault:"2s"`
	BrokerTimeout time.Duration `env:"TAVERN_BROKER_TIMEOUT" envDefault:"2s"`
	PongWait      time.Duration `env:"TAVERN_PONG_WAIT" envDefault:"60s"`
	SweepInterval time.Duration `env:"TAVERN_SWEEP_INTERVAL" envDefault:"5m"`
	RoomCacheTTL  time.Duration `env:"TAVERN_ROOM_CACHE_TTL" envDefault:"30s"`
	ShutdownGrace time.Duration `env:"TAVERN_SHUTDOWN_GRACE" envDefault:"10s"`

	OutboundQueue int   `env:"TAVERN_OUTBOUND_QUEUE" envDefault:"1024"`
	MaxFrameBytes int64 `env:"TAVERN_MAX_FRAME_BYTES" envDefault:"65536"`

	// RateLimits overrides per-kind limits, e.g. "chat=30/10s,dice_roll=0/0s".
	// A zero max removes the limit for that kind.
	RateLimits map[string]string `env:"TAVERN_RATE_LIMITS" envSeparator:"," envKeyValSeparator:"="`
}

// Load reads the environment only.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// ParseConfig reads the environment, then applies flags from args.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	cfg, err := Load()
	if err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "HTTP listen address (default: TAVERN_HTTP_ADDR or :8080)")
	fs.StringVar(&cfg.GRPCAddr, "grpc-addr", cfg.GRPCAddr, "gRPC health listen address; empty disables it")
	fs.StringVar(&cfg.RedisURL, "redis-url", cfg.RedisURL, "shared broker URL; empty runs single-instance")
	fs.StringVar(&cfg.DBDriver, "db-driver", cfg.DBDriver, "durable store driver (pgx|sqlite)")
	fs.StringVar(&cfg.DatabaseDSN, "db-dsn", cfg.DatabaseDSN, "durable store DSN")
	fs.BoolVar(&cfg.AutoMigrate, "auto-migrate", cfg.AutoMigrate, "apply embedded migrations at startup")
	fs.StringVar(&cfg.InstanceID, "instance-id", cfg.InstanceID, "instance id; generated when empty")
	fs.DurationVar(&cfg.AuthTimeout, "auth-timeout", cfg.AuthTimeout, "handshake authentication grace period")
	fs.DurationVar(&cfg.WriteTimeout, "write-timeout", cfg.WriteTimeout, "per-frame write timeout")
	fs.DurationVar(&cfg.BrokerTimeout, "broker-timeout", cfg.BrokerTimeout, "shared broker call timeout")
	fs.DurationVar(&cfg.SweepInterval, "sweep-interval", cfg.SweepInterval, "cache and rate window sweep interval")
	fs.IntVar(&cfg.OutboundQueue, "outbound-queue", cfg.OutboundQueue, "cluster outbound queue capacity")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks required values and bounds.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.AuthSecret) == "" {
		errs = append(errs, errors.New("TAVERN_AUTH_SECRET is required"))
	}
	switch c.DBDriver {
	case sqlstore.DriverPostgres, sqlstore.DriverSQLite:
	default:
		errs = append(errs, fmt.Errorf("unsupported db driver %q", c.DBDriver))
	}
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		errs = append(errs, errors.New("db dsn is required"))
	}
	for name, d := range map[string]time.Duration{
		"auth timeout":   c.AuthTimeout,
		"write timeout":  c.WriteTimeout,
		"broker timeout": c.BrokerTimeout,
		"sweep interval": c.SweepInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.OutboundQueue <= 0 {
		errs = append(errs, errors.New("outbound queue must be positive"))
	}
	if _, err := c.Limits(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Limits parses RateLimits into limiter overrides.
func (c Config) Limits() (map[event.Kind]ratelimit.Limit, error) {
	out := make(map[event.Kind]ratelimit.Limit, len(c.RateLimits))
	for name, raw := range c.RateLimits {
		kind := event.Kind(strings.TrimSpace(name))
		if !kind.ClientOriginated() {
			return nil, fmt.Errorf("rate limit: unknown kind %q", name)
		}
		lim, err := parseLimit(raw)
		if err != nil {
			return nil, fmt.Errorf("rate limit %s: %w", name, err)
		}
		out[kind] = lim
	}
	return out, nil
}

// LimiterOptions converts the overrides into ratelimit options.
func (c Config) LimiterOptions() []ratelimit.Option {
	limits, err := c.Limits()
	if err != nil {
		return nil
	}
	opts := make([]ratelimit.Option, 0, len(limits))
	for kind, lim := range limits {
		opts = append(opts, ratelimit.WithLimit(kind, lim))
	}
	return opts
}

func parseLimit(raw string) (ratelimit.Limit, error) {
	maxPart, windowPart, ok := strings.Cut(strings.TrimSpace(raw), "/")
	if !ok {
		return ratelimit.Limit{}, fmt.Errorf("want MAX/WINDOW, got %q", raw)
	}
	n, err := strconv.Atoi(maxPart)
	if err != nil || n < 0 {
		return ratelimit.Limit{}, fmt.Errorf("invalid max %q", maxPart)
	}
	w, err := time.ParseDuration(windowPart)
	if err != nil || w < 0 {
		return ratelimit.Limit{}, fmt.Errorf("invalid window %q", windowPart)
	}
	return ratelimit.Limit{Max: n, Window: w}, nil
}
