// Package config loads server and CLI settings from the environment and an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds every setting the binaries read.
type Config struct {
	ServerPort int    `mapstructure:"SERVER_PORT"`
	Currency   string `mapstructure:"CURRENCY"`

	StoreDriver string `mapstructure:"STORE_DRIVER"`
	SQLitePath  string `mapstructure:"SQLITE_PATH"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`

	RedisURL        string        `mapstructure:"REDIS_URL"`
	RedisLockPrefix string        `mapstructure:"REDIS_LOCK_PREFIX"`
	LockTimeout     time.Duration `mapstructure:"LOCK_TIMEOUT"`
	ReservationTTL  time.Duration `mapstructure:"RESERVATION_TTL"`
	SweepSchedule   string        `mapstructure:"SWEEP_SCHEDULE"`

	PaystackSecretKey string `mapstructure:"PAYSTACK_SECRET_KEY"`
	AdminJWTSecret    string `mapstructure:"ADMIN_JWT_SECRET"`

	TagDirectory     string `mapstructure:"TAG_DIRECTORY"`
	TagDirectoryFile string `mapstructure:"TAG_DIRECTORY_FILE"`

	RabbitMQURL    string `mapstructure:"RABBITMQ_URL"`
	NotifyExchange string `mapstructure:"NOTIFY_EXCHANGE"`
	KafkaBrokers   string `mapstructure:"KAFKA_BROKERS"`
	KafkaTopic     string `mapstructure:"KAFKA_TOPIC"`
	IFTTTKey       string `mapstructure:"IFTTT_KEY"`
	NotifyBuffer   int    `mapstructure:"NOTIFY_BUFFER"`

	EnableScenarios bool     `mapstructure:"ENABLE_SCENARIOS"`
	LogLevel        string   `mapstructure:"LOG_LEVEL"`
	LogFormat       string   `mapstructure:"LOG_FORMAT"`
	AllowedOrigins  []string `mapstructure:"ALLOWED_ORIGINS"`
}

var defaults = map[string]any{
	"SERVER_PORT":         8080,
	"CURRENCY":            "GHS",
	"STORE_DRIVER":        DriverSQLite,
	"SQLITE_PATH":         "toll-ledger.db",
	"DATABASE_URL":        "",
	"DB_MAX_CONNS":        10,
	"REDIS_URL":           "",
	"REDIS_LOCK_PREFIX":   "toll-ledger:lock",
	"LOCK_TIMEOUT":        "5s",
	"RESERVATION_TTL":     "2m",
	"SWEEP_SCHEDULE":      "@every 1m",
	"PAYSTACK_SECRET_KEY": "",
	"ADMIN_JWT_SECRET":    "",
	"TAG_DIRECTORY":       "",
	"TAG_DIRECTORY_FILE":  "",
	"RABBITMQ_URL":        "",
	"NOTIFY_EXCHANGE":     "toll.ledger.events",
	"KAFKA_BROKERS":       "",
	"KAFKA_TOPIC":         "toll-ledger-events",
	"IFTTT_KEY":           "",
	"NOTIFY_BUFFER":       256,
	"ENABLE_SCENARIOS":    false,
	"LOG_LEVEL":           "info",
	"LOG_FORMAT":          "text",
	"ALLOWED_ORIGINS":     "http://localhost:5173,http://localhost:8080",
}

// Load reads the environment, layered over the .env-style file at path
// when path is non-empty and exists. Environment variables win.
func Load(path string) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
		_ = v.BindEnv(key)
	}
	v.AutomaticEnv()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			v.SetConfigType("env")
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("stat config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))
	cfg.AllowedOrigins = trimAll(cfg.AllowedOrigins)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field requirements.
func (c *Config) Validate() error {
	var errs []error
	switch c.StoreDriver {
	case DriverMemory, DriverSQLite:
	case DriverPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required when STORE_DRIVER=postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("STORE_DRIVER %q is not one of memory, sqlite, postgres", c.StoreDriver))
	}
	if c.ServerPort <= 0 || c.ServerPort > 65535 {
		errs = append(errs, fmt.Errorf("SERVER_PORT %d out of range", c.ServerPort))
	}
	if c.LockTimeout <= 0 {
		errs = append(errs, errors.New("LOCK_TIMEOUT must be positive"))
	}
	if c.ReservationTTL <= c.LockTimeout {
		errs = append(errs, errors.New("RESERVATION_TTL must exceed LOCK_TIMEOUT"))
	}
	return errors.Join(errs...)
}

func trimAll(in []string) []string {
	out := in[:0]
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
