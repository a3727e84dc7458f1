// Package config loads service settings from a YAML file with COLISFLOW_*
// environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"colisflow/delivery"
)

const envPrefix = "COLISFLOW_"

type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Auth      AuthConfig      `yaml:"auth"`
	Escrow    EscrowConfig    `yaml:"escrow"`
	Outbox    OutboxConfig    `yaml:"outbox"`
	Sweeper   SweeperConfig   `yaml:"sweeper"`
	Log       LogConfig       `yaml:"log"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type DatabaseConfig struct {
	URL string `yaml:"url"`
}

type RedisConfig struct {
	Addr string `yaml:"addr"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
}

type EscrowConfig struct {
	// CommissionRate is kept as text so no float rounding reaches money.
	CommissionRate     string        `yaml:"commission_rate"`
	ProviderTimeout    time.Duration `yaml:"provider_timeout"`
	ProviderMaxRetries uint64        `yaml:"provider_max_retries"`
	BreakerFailures    uint32        `yaml:"breaker_failures"`
	BreakerOpenTimeout time.Duration `yaml:"breaker_open_timeout"`
}

type OutboxConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	BatchSize    int           `yaml:"batch_size"`
	MaxAttempts  int           `yaml:"max_attempts"`
}

type SweeperConfig struct {
	Interval          time.Duration `yaml:"interval"`
	CancelUnpaidAfter time.Duration `yaml:"cancel_unpaid_after"`
	FlagPaidAfter     time.Duration `yaml:"flag_paid_after"`
	BatchSize         int           `yaml:"batch_size"`
	LockTTL           time.Duration `yaml:"lock_ttl"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// Default returns the settings used when neither file nor environment
// says otherwise.
func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Redis: RedisConfig{Addr: "localhost:6379"},
		Kafka: KafkaConfig{Topic: "colisflow.events"},
		Auth:  AuthConfig{TokenTTL: 24 * time.Hour},
		Escrow: EscrowConfig{
			CommissionRate:     "0.10",
			ProviderTimeout:    10 * time.Second,
			ProviderMaxRetries: 3,
			BreakerFailures:    5,
			BreakerOpenTimeout: 30 * time.Second,
		},
		Outbox: OutboxConfig{PollInterval: 2 * time.Second, BatchSize: 100, MaxAttempts: 10},
		Sweeper: SweeperConfig{
			Interval:          5 * time.Minute,
			CancelUnpaidAfter: 72 * time.Hour,
			FlagPaidAfter:     7 * 24 * time.Hour,
			BatchSize:         200,
			LockTTL:           time.Minute,
		},
		Log:       LogConfig{Level: "info", Format: "json"},
		RateLimit: RateLimitConfig{RPS: 5, Burst: 20},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := ApplyEnvOverrides(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnvOverrides replaces settings with COLISFLOW_* variables found by
// lookup.
func ApplyEnvOverrides(cfg *Config, lookup func(string) (string, bool)) error {
	o := overrider{lookup: lookup}
	o.str("HTTP_ADDR", &cfg.HTTP.Addr)
	o.str("DATABASE_URL", &cfg.Database.URL)
	o.str("REDIS_ADDR", &cfg.Redis.Addr)
	o.csv("KAFKA_BROKERS", &cfg.Kafka.Brokers)
	o.str("KAFKA_TOPIC", &cfg.Kafka.Topic)
	o.str("JWT_SECRET", &cfg.Auth.JWTSecret)
	o.duration("TOKEN_TTL", &cfg.Auth.TokenTTL)
	o.str("COMMISSION_RATE", &cfg.Escrow.CommissionRate)
	o.duration("PROVIDER_TIMEOUT", &cfg.Escrow.ProviderTimeout)
	o.uint("PROVIDER_MAX_RETRIES", &cfg.Escrow.ProviderMaxRetries)
	o.duration("OUTBOX_POLL_INTERVAL", &cfg.Outbox.PollInterval)
	o.integer("OUTBOX_BATCH_SIZE", &cfg.Outbox.BatchSize)
	o.duration("SWEEPER_INTERVAL", &cfg.Sweeper.Interval)
	o.duration("SWEEPER_CANCEL_UNPAID_AFTER", &cfg.Sweeper.CancelUnpaidAfter)
	o.duration("SWEEPER_FLAG_PAID_AFTER", &cfg.Sweeper.FlagPaidAfter)
	o.str("LOG_LEVEL", &cfg.Log.Level)
	o.str("LOG_FORMAT", &cfg.Log.Format)
	o.float("RATE_LIMIT_RPS", &cfg.RateLimit.RPS)
	o.integer("RATE_LIMIT_BURST", &cfg.RateLimit.Burst)
	if o.err != nil {
		return o.err
	}
	// the generic DATABASE_URL used by the integration tests
	if cfg.Database.URL == "" {
		if v, ok := lookup("DATABASE_URL"); ok {
			cfg.Database.URL = v
		}
	}
	return nil
}

// Validate rejects settings the services cannot run with.
func (c Config) Validate() error {
	rate, err := c.Commission()
	if err != nil {
		return err
	}
	if rate.IsNegative() || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("config: commission_rate %s must be within [0, 1)", rate)
	}
	if err := delivery.CheckRate("config: commission_rate", rate); err != nil {
		return err
	}
	if c.Escrow.ProviderTimeout <= 0 {
		return fmt.Errorf("config: escrow.provider_timeout must be positive")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("config: http timeouts must be positive")
	}
	if c.Outbox.PollInterval <= 0 || c.Sweeper.Interval <= 0 {
		return fmt.Errorf("config: poll intervals must be positive")
	}
	if c.Sweeper.CancelUnpaidAfter <= 0 || c.Sweeper.FlagPaidAfter <= 0 {
		return fmt.Errorf("config: sweeper thresholds must be positive")
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("config: log.format %q must be json or console", c.Log.Format)
	}
	return nil
}

// Commission parses the configured platform commission rate.
func (c Config) Commission() (decimal.Decimal, error) {
	rate, err := decimal.NewFromString(strings.TrimSpace(c.Escrow.CommissionRate))
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("config: commission_rate %q: %w", c.Escrow.CommissionRate, err)
	}
	return rate, nil
}

type overrider struct {
	lookup func(string) (string, bool)
	err    error
}

func (o *overrider) get(name string) (string, bool) {
	if o.err != nil {
		return "", false
	}
	v, ok := o.lookup(envPrefix + name)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (o *overrider) fail(name string, err error) {
	o.err = fmt.Errorf("config: %s%s: %w", envPrefix, name, err)
}

func (o *overrider) str(name string, dst *string) {
	if v, ok := o.get(name); ok {
		*dst = v
	}
}

func (o *overrider) csv(name string, dst *[]string) {
	v, ok := o.get(name)
	if !ok {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*dst = out
}

func (o *overrider) duration(name string, dst *time.Duration) {
	v, ok := o.get(name)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		o.fail(name, err)
		return
	}
	*dst = d
}

func (o *overrider) integer(name string, dst *int) {
	v, ok := o.get(name)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		o.fail(name, err)
		return
	}
	*dst = n
}

func (o *overrider) uint(name string, dst *uint64) {
	v, ok := o.get(name)
	if !ok {
		return
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		o.fail(name, err)
		return
	}
	*dst = n
}

func (o *overrider) float(name string, dst *float64) {
	v, ok := o.get(name)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		o.fail(name, err)
		return
	}
	*dst = f
}
