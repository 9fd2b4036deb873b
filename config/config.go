/*
Package config loads server configuration.

SOURCES (later wins):
  1. struct defaults (env-default tags)
  2. YAML file, when a path is given
  3. environment variables (LOYALTY_*), optionally seeded from a .env file

EXAMPLE:
  http:
    addr: ":8080"
  database:
    driver: sqlite
    dsn: ./loyalty.db
  kafka:
    brokers: ["localhost:9092"]
    topic: loyalty.points
*/
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

type Config struct {
	HTTP          HTTP          `yaml:"http"`
	Database      Database      `yaml:"database"`
	CRM           CRM           `yaml:"crm"`
	Kafka         Kafka         `yaml:"kafka"`
	Scheduler     Scheduler     `yaml:"scheduler"`
	SettingsCache SettingsCache `yaml:"settings_cache"`
	Log           Log           `yaml:"log"`
}

type HTTP struct {
	Addr            string        `yaml:"addr" env:"LOYALTY_HTTP_ADDR" env-default:":8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"LOYALTY_HTTP_READ_TIMEOUT" env-default:"10s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"LOYALTY_HTTP_WRITE_TIMEOUT" env-default:"10s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"LOYALTY_HTTP_SHUTDOWN_TIMEOUT" env-default:"15s"`
	AllowedOrigins  []string      `yaml:"allowed_origins" env:"LOYALTY_HTTP_ALLOWED_ORIGINS" env-default:"*"`
	// EnableScenarios mounts the demo scenario routes. Never in production.
	EnableScenarios bool `yaml:"enable_scenarios" env:"LOYALTY_HTTP_ENABLE_SCENARIOS"`
}

// Database selects the storage backend.
// driver "sqlite" uses store/sqlite with DSN as a file path (or ":memory:");
// driver "postgres" uses store/gormstore with DSN as a libpq connection string.
type Database struct {
	Driver string `yaml:"driver" env:"LOYALTY_DB_DRIVER" env-default:"sqlite"`
	DSN    string `yaml:"dsn" env:"LOYALTY_DB_DSN" env-default:"loyalty.db"`
}

// CRM points at the store/customer service. An empty BaseURL switches the
// server to the in-process demo catalogue.
type CRM struct {
	BaseURL string        `yaml:"base_url" env:"LOYALTY_CRM_BASE_URL"`
	APIKey  string        `yaml:"api_key" env:"LOYALTY_CRM_API_KEY"`
	Timeout time.Duration `yaml:"timeout" env:"LOYALTY_CRM_TIMEOUT" env-default:"5s"`
	Retries int           `yaml:"retries" env:"LOYALTY_CRM_RETRIES" env-default:"2"`
}

// Kafka is optional. No brokers means events are discarded.
type Kafka struct {
	Brokers []string `yaml:"brokers" env:"LOYALTY_KAFKA_BROKERS"`
	Topic   string   `yaml:"topic" env:"LOYALTY_KAFKA_TOPIC" env-default:"loyalty.points"`
}

// Scheduler holds cron specs. An empty spec disables the job.
type Scheduler struct {
	Reconcile string `yaml:"reconcile" env:"LOYALTY_SCHEDULER_RECONCILE" env-default:"@every 1h"`
	Expiry    string `yaml:"expiry" env:"LOYALTY_SCHEDULER_EXPIRY" env-default:"@daily"`
}

type SettingsCache struct {
	Size int           `yaml:"size" env:"LOYALTY_SETTINGS_CACHE_SIZE" env-default:"256"`
	TTL  time.Duration `yaml:"ttl" env:"LOYALTY_SETTINGS_CACHE_TTL" env-default:"5m"`
}

type Log struct {
	Level  string `yaml:"level" env:"LOYALTY_LOG_LEVEL" env-default:"info"`
	Format string `yaml:"format" env:"LOYALTY_LOG_FORMAT" env-default:"text"`
}

// Load reads the configuration. path may be empty, in which case only
// defaults and the environment apply. A missing .env file is not an error.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	var cfg Config
	var err error
	if path != "" {
		err = cleanenv.ReadConfig(path, &cfg)
	} else {
		err = cleanenv.ReadEnv(&cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the values cleanenv cannot.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver: unsupported %q (sqlite or postgres)", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return errors.New("database.dsn: required")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format: unsupported %q (text or json)", c.Log.Format)
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return errors.New("kafka.topic: required when brokers are set")
	}
	return nil
}
