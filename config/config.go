// Package config loads the service configuration from YAML and the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"accountmarket/escrow"
	"accountmarket/janitor"
	"accountmarket/ledger"
	"accountmarket/sale"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for the marketplace API.
type Config struct {
	Service string        `yaml:"service"`
	Env     string        `yaml:"env"`
	Log     LogConfig     `yaml:"log"`
	HTTP    HTTPConfig    `yaml:"http"`
	Ledger  LedgerConfig  `yaml:"ledger"`
	Auth    AuthConfig    `yaml:"auth"`
	Escrow  EscrowConfig  `yaml:"escrow"`
	Sale    SaleConfig    `yaml:"sale"`
	Kafka   KafkaConfig   `yaml:"kafka"`
	Redis   RedisConfig   `yaml:"redis"`
	Janitor JanitorConfig `yaml:"janitor"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type HTTPConfig struct {
	Addr            string   `yaml:"addr"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
	// LoginPerMinute and LoginBurst throttle /auth/login per client address.
	LoginPerMinute float64 `yaml:"login_per_minute"`
	LoginBurst     int     `yaml:"login_burst"`
}

// LedgerConfig selects the backing store.
type LedgerConfig struct {
	Driver      string `yaml:"driver"`
	DatabaseURL string `yaml:"database_url"`
	// SQLitePath is a file path or DSN; empty means in-memory.
	SQLitePath string `yaml:"sqlite_path"`
	Migrate    bool   `yaml:"migrate"`
}

type AuthConfig struct {
	JWTSecret string   `yaml:"jwt_secret"`
	TokenTTL  Duration `yaml:"token_ttl"`
	// Operators maps admin ids to bcrypt password hashes.
	Operators map[string]string `yaml:"operators"`
}

type EscrowConfig struct {
	// SealKey encrypts delivery proofs at rest, 32 bytes hex or base64.
	SealKey                  string `yaml:"seal_key"`
	AllowDisputeAfterConfirm bool   `yaml:"allow_dispute_after_confirm"`
}

type SaleConfig struct {
	CommissionRate string `yaml:"commission_rate"`
}

// KafkaConfig enables the Kafka notification sink when Brokers is set.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// RedisConfig enables the janitor lease when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	LeaseKey string `yaml:"lease_key"`
}

type JanitorConfig struct {
	Disabled            bool     `yaml:"disabled"`
	Interval            Duration `yaml:"interval"`
	AutoReleaseAfter    Duration `yaml:"auto_release_after"`
	PendingPurchaseTTL  Duration `yaml:"pending_purchase_ttl"`
	PendingSaleTTL      Duration `yaml:"pending_sale_ttl"`
	DisputeOverdueAfter Duration `yaml:"dispute_overdue_after"`
	Retries             int      `yaml:"retries"`
	RetryBackoff        Duration `yaml:"retry_backoff"`
}

// Load reads configuration from path, overlays the process environment and
// validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	return LoadWithEnv(path, os.Getenv)
}

// LoadWithEnv is Load with an explicit environment lookup.
func LoadWithEnv(path string, getenv func(string) string) (Config, error) {
	cfg := Config{}
	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			return cfg, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		dec := yaml.NewDecoder(file)
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	}
	if err := applyEnv(&cfg, getenv); err != nil {
		return cfg, err
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	str("APP_ENV", &cfg.Env)
	str("LOG_LEVEL", &cfg.Log.Level)
	str("HTTP_ADDR", &cfg.HTTP.Addr)
	str("LEDGER_DRIVER", &cfg.Ledger.Driver)
	str("DATABASE_URL", &cfg.Ledger.DatabaseURL)
	str("SQLITE_PATH", &cfg.Ledger.SQLitePath)
	str("JWT_SECRET", &cfg.Auth.JWTSecret)
	str("DELIVERY_SEAL_KEY", &cfg.Escrow.SealKey)
	str("COMMISSION_RATE", &cfg.Sale.CommissionRate)
	str("KAFKA_TOPIC", &cfg.Kafka.Topic)
	str("REDIS_ADDR", &cfg.Redis.Addr)
	str("REDIS_PASSWORD", &cfg.Redis.Password)

	if v := strings.TrimSpace(getenv("KAFKA_BROKERS")); v != "" {
		cfg.Kafka.Brokers = splitList(v)
	}
	if v := strings.TrimSpace(getenv("JANITOR_INTERVAL")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: JANITOR_INTERVAL: %w", err)
		}
		cfg.Janitor.Interval.Duration = d
	}
	if v := strings.TrimSpace(getenv("ESCROW_ALLOW_DISPUTE_AFTER_CONFIRM")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: ESCROW_ALLOW_DISPUTE_AFTER_CONFIRM: %w", err)
		}
		cfg.Escrow.AllowDisputeAfterConfirm = b
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func applyDefaults(cfg *Config) {
	if cfg.Service == "" {
		cfg.Service = "accountmarket"
	}
	if cfg.Env == "" {
		cfg.Env = "development"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = ":8080"
	}
	if cfg.HTTP.ReadTimeout.Duration == 0 {
		cfg.HTTP.ReadTimeout.Duration = 10 * time.Second
	}
	if cfg.HTTP.WriteTimeout.Duration == 0 {
		cfg.HTTP.WriteTimeout.Duration = 15 * time.Second
	}
	if cfg.HTTP.ShutdownTimeout.Duration == 0 {
		cfg.HTTP.ShutdownTimeout.Duration = 10 * time.Second
	}
	if cfg.Ledger.Driver == "" {
		if cfg.Ledger.DatabaseURL != "" {
			cfg.Ledger.Driver = DriverPostgres
		} else {
			cfg.Ledger.Driver = DriverSQLite
		}
	}
	if cfg.Sale.CommissionRate == "" {
		cfg.Sale.CommissionRate = "0.10"
	}
	if cfg.Kafka.Topic == "" {
		cfg.Kafka.Topic = "marketplace.notifications"
	}
	if cfg.Redis.LeaseKey == "" {
		cfg.Redis.LeaseKey = "accountmarket:janitor"
	}

	def := janitor.DefaultConfig()
	if cfg.Janitor.Interval.Duration == 0 {
		cfg.Janitor.Interval.Duration = def.Interval
	}
	if cfg.Janitor.AutoReleaseAfter.Duration == 0 {
		cfg.Janitor.AutoReleaseAfter.Duration = def.AutoReleaseAfter
	}
	if cfg.Janitor.PendingPurchaseTTL.Duration == 0 {
		cfg.Janitor.PendingPurchaseTTL.Duration = def.PendingPurchaseTTL
	}
	if cfg.Janitor.PendingSaleTTL.Duration == 0 {
		cfg.Janitor.PendingSaleTTL.Duration = def.PendingSaleTTL
	}
	if cfg.Janitor.DisputeOverdueAfter.Duration == 0 {
		cfg.Janitor.DisputeOverdueAfter.Duration = def.DisputeOverdueAfter
	}
	if cfg.Janitor.Retries == 0 {
		cfg.Janitor.Retries = def.Retries
	}
	if cfg.Janitor.RetryBackoff.Duration == 0 {
		cfg.Janitor.RetryBackoff.Duration = def.RetryBackoff
	}
}

// Validate reports every problem in the configuration at once.
func (c Config) Validate() error {
	var errs []error
	switch c.Ledger.Driver {
	case DriverPostgres:
		if c.Ledger.DatabaseURL == "" {
			errs = append(errs, errors.New("config: ledger.database_url is required for postgres"))
		}
	case DriverSQLite:
	default:
		errs = append(errs, fmt.Errorf("config: unknown ledger driver %q", c.Ledger.Driver))
	}
	if len(c.Auth.JWTSecret) < 32 {
		errs = append(errs, errors.New("config: auth.jwt_secret must be at least 32 bytes"))
	}
	if _, err := escrow.ParseKey(c.Escrow.SealKey); err != nil {
		errs = append(errs, fmt.Errorf("config: escrow.seal_key: %w", err))
	}
	if _, err := c.CommissionRate(); err != nil {
		errs = append(errs, err)
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		errs = append(errs, errors.New("config: kafka.topic is required with brokers"))
	}
	if c.Janitor.Retries < 0 {
		errs = append(errs, errors.New("config: janitor.retries must not be negative"))
	}
	if c.Janitor.Interval.Duration < time.Second {
		errs = append(errs, errors.New("config: janitor.interval must be at least 1s"))
	}
	return errors.Join(errs...)
}

// CommissionRate parses the platform commission rate, a fraction in [0, 1).
func (c Config) CommissionRate() (decimal.Decimal, error) {
	rate, err := decimal.NewFromString(strings.TrimSpace(c.Sale.CommissionRate))
	if err != nil {
		return decimal.Zero, fmt.Errorf("config: sale.commission_rate: %w", err)
	}
	if rate.IsNegative() || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return decimal.Zero, fmt.Errorf("config: sale.commission_rate %s must be in [0, 1)", rate)
	}
	if !rate.Equal(rate.Round(sale.RateScale)) {
		return decimal.Zero, fmt.Errorf("config: sale.commission_rate %s has more than %d decimal places", rate, sale.RateScale)
	}
	return rate, nil
}

// SealKey decodes the delivery proof sealing key.
func (c Config) SealKey() ([]byte, error) {
	return escrow.ParseKey(c.Escrow.SealKey)
}

func (c Config) EscrowPolicy() ledger.EscrowPolicy {
	return ledger.EscrowPolicy{AllowDisputeAfterConfirm: c.Escrow.AllowDisputeAfterConfirm}
}

func (c Config) JanitorConfig() janitor.Config {
	j := c.Janitor
	return janitor.Config{
		Interval:            j.Interval.Duration,
		AutoReleaseAfter:    j.AutoReleaseAfter.Duration,
		PendingPurchaseTTL:  j.PendingPurchaseTTL.Duration,
		PendingSaleTTL:      j.PendingSaleTTL.Duration,
		DisputeOverdueAfter: j.DisputeOverdueAfter.Duration,
		Retries:             j.Retries,
		RetryBackoff:        j.RetryBackoff.Duration,
	}
}
