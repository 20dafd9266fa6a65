// Package config loads shelfscan settings from a config file, a .env file and
// SHELFSCAN_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	apperrors "github.com/kimhsiao/shelfscan/backend/internal/errors"
)

// EnvPrefix is prepended to every environment variable, e.g. SHELFSCAN_BACKEND_KIND.
const EnvPrefix = "SHELFSCAN"

// Backend kinds.
const (
	BackendREST     = "rest"
	BackendPostgres = "postgres"
)

// Config is the full runtime configuration.
type Config struct {
	HTTP    HTTPConfig    `mapstructure:"http"`
	DataDir string        `mapstructure:"data_dir"`
	Log     LogConfig     `mapstructure:"log"`
	Queue   QueueConfig   `mapstructure:"queue"`
	Backend BackendConfig `mapstructure:"backend"`
	Events  EventsConfig  `mapstructure:"events"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// QueueConfig tunes retry behaviour.
type QueueConfig struct {
	RetryCeiling int           `mapstructure:"retry_ceiling"`
	BackoffBase  time.Duration `mapstructure:"backoff_base"`
	BackoffMax   time.Duration `mapstructure:"backoff_max"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	SaveTimeout  time.Duration `mapstructure:"save_timeout"`
	// JournalRetention is how long saved and queued rows stay in the local
	// journal. Zero prunes them all at startup.
	JournalRetention time.Duration `mapstructure:"journal_retention"`
}

// BackendConfig selects where products are written.
type BackendConfig struct {
	Kind     string         `mapstructure:"kind"`
	REST     RESTConfig     `mapstructure:"rest"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

type RESTConfig struct {
	URL    string `mapstructure:"url"`
	APIKey string `mapstructure:"api_key"`
	Table  string `mapstructure:"table"`
}

type PostgresConfig struct {
	URL string `mapstructure:"url"`
}

// EventsConfig configures optional event fan-out.
type EventsConfig struct {
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig enables Redis publishing when Addr is set.
type RedisConfig struct {
	Addr    string `mapstructure:"addr"`
	Channel string `mapstructure:"channel"`
}

var defaults = map[string]interface{}{
	"http.addr":               "127.0.0.1:8090",
	"data_dir":                "./data",
	"log.level":               "INFO",
	"queue.retry_ceiling":     10,
	"queue.backoff_base":      time.Second,
	"queue.backoff_max":       time.Minute,
	"queue.poll_interval":     250 * time.Millisecond,
	"queue.save_timeout":      15 * time.Second,
	"queue.journal_retention": 7 * 24 * time.Hour,
	"backend.kind":            BackendREST,
	"backend.rest.url":        "",
	"backend.rest.api_key":    "",
	"backend.rest.table":      "products",
	"backend.postgres.url":    "",
	"events.redis.addr":       "",
	"events.redis.channel":    "shelfscan:save_queue",
}

// NewViper returns a viper instance with defaults and environment binding set up.
func NewViper() *viper.Viper {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// LoadEnvFile loads variables from a .env file into the process environment.
// A missing file is not an error; variables already set are kept.
func LoadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return apperrors.Wrap(apperrors.ErrConfig, "read "+path, err)
	}
	return nil
}

// Load reads configFile, or shelfscan.yaml from the working directory when
// configFile is empty. Commands that talk to the backend call Validate on
// the result; local maintenance commands do not need a backend configured.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("shelfscan")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, apperrors.Wrap(apperrors.ErrConfig, "read config file", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrConfig, "decode config", err)
	}
	cfg.Backend.Kind = strings.ToLower(strings.TrimSpace(cfg.Backend.Kind))
	return &cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Queue.RetryCeiling <= 0 {
		return invalid("queue.retry_ceiling must be positive, got %d", c.Queue.RetryCeiling)
	}
	if c.Queue.BackoffBase <= 0 || c.Queue.BackoffMax < c.Queue.BackoffBase {
		return invalid("queue.backoff_base must be positive and not above queue.backoff_max")
	}
	if c.Queue.PollInterval <= 0 || c.Queue.SaveTimeout <= 0 {
		return invalid("queue.poll_interval and queue.save_timeout must be positive")
	}
	if c.Queue.JournalRetention < 0 {
		return invalid("queue.journal_retention must not be negative")
	}
	if c.DataDir == "" {
		return invalid("data_dir must be set")
	}

	switch c.Backend.Kind {
	case BackendREST:
		if c.Backend.REST.URL == "" {
			return invalid("backend.rest.url is required for the rest backend")
		}
	case BackendPostgres:
		if c.Backend.Postgres.URL == "" {
			return invalid("backend.postgres.url is required for the postgres backend")
		}
	default:
		return invalid("unknown backend.kind %q (want %s or %s)", c.Backend.Kind, BackendREST, BackendPostgres)
	}
	return nil
}

func invalid(format string, args ...interface{}) error {
	return apperrors.New(apperrors.ErrConfig, fmt.Sprintf(format, args...))
}
