package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

const (
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)

type Config struct {
	Port         string `yaml:"port"`
	StoreDriver  string `yaml:"store_driver"`
	DatabasePath string `yaml:"database_path"`

	// MaxBodySize accepts human sizes such as "10MiB" or "512KB".
	MaxBodySize  string `yaml:"max_body_size"`
	MaxBodyBytes int64  `yaml:"-"`

	HistoryLimit       int           `yaml:"history_limit"`
	DefaultMaxRequests int           `yaml:"default_max_requests"`
	EndpointTTL        time.Duration `yaml:"endpoint_ttl"`
	CleanupInterval    time.Duration `yaml:"cleanup_interval"`
	ExpiredRetention   time.Duration `yaml:"expired_retention"`

	RedisURL string        `yaml:"redis_url"`
	CacheTTL time.Duration `yaml:"cache_ttl"`

	SubscriberBuffer int `yaml:"subscriber_buffer"`

	LogLevel        string        `yaml:"log_level"`
	LogFormat       string        `yaml:"log_format"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

func Default() Config {
	return Config{
		Port:               "8080",
		StoreDriver:        DriverSQLite,
		DatabasePath:       "webhook.db",
		MaxBodySize:        "10MiB",
		HistoryLimit:       100,
		DefaultMaxRequests: 1000,
		EndpointTTL:        24 * time.Hour,
		CleanupInterval:    time.Hour,
		ExpiredRetention:   24 * time.Hour,
		CacheTTL:           30 * time.Second,
		SubscriberBuffer:   64,
		LogLevel:           "info",
		LogFormat:          "text",
		ShutdownTimeout:    10 * time.Second,
	}
}

// Load builds the server configuration. Values come from the defaults, then
// the YAML file named by CONFIG_FILE, then environment variables.
func Load() (*Config, error) {
	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.Port = getEnv("PORT", c.Port)
	c.StoreDriver = strings.ToLower(getEnv("STORE_DRIVER", c.StoreDriver))
	c.DatabasePath = getEnv("DATABASE_PATH", c.DatabasePath)
	c.MaxBodySize = getEnv("MAX_BODY_BYTES", c.MaxBodySize)
	c.RedisURL = getEnv("REDIS_URL", c.RedisURL)
	c.LogLevel = strings.ToLower(getEnv("LOG_LEVEL", c.LogLevel))
	c.LogFormat = strings.ToLower(getEnv("LOG_FORMAT", c.LogFormat))

	ints := []struct {
		key string
		dst *int
	}{
		{"HISTORY_LIMIT", &c.HistoryLimit},
		{"DEFAULT_MAX_REQUESTS", &c.DefaultMaxRequests},
		{"SUBSCRIBER_BUFFER", &c.SubscriberBuffer},
	}
	for _, i := range ints {
		n, err := getEnvInt(i.key, *i.dst)
		if err != nil {
			return err
		}
		*i.dst = n
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"ENDPOINT_TTL", &c.EndpointTTL},
		{"CLEANUP_INTERVAL", &c.CleanupInterval},
		{"EXPIRED_RETENTION", &c.ExpiredRetention},
		{"CACHE_TTL", &c.CacheTTL},
		{"SHUTDOWN_TIMEOUT", &c.ShutdownTimeout},
	}
	for _, d := range durations {
		v := os.Getenv(d.key)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = parsed
	}

	size, err := humanize.ParseBytes(c.MaxBodySize)
	if err != nil {
		return fmt.Errorf("parse MAX_BODY_BYTES: %w", err)
	}
	c.MaxBodyBytes = int64(size)
	return nil
}

func (c *Config) Validate() error {
	var errs []string
	if c.Port == "" {
		errs = append(errs, "PORT is required")
	}
	switch c.StoreDriver {
	case DriverSQLite:
		if c.DatabasePath == "" {
			errs = append(errs, "DATABASE_PATH is required for the sqlite driver")
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Sprintf("STORE_DRIVER must be %q or %q", DriverSQLite, DriverMemory))
	}
	if c.MaxBodyBytes <= 0 {
		errs = append(errs, "MAX_BODY_BYTES must be > 0")
	}
	if c.HistoryLimit <= 0 {
		errs = append(errs, "HISTORY_LIMIT must be > 0")
	}
	if c.EndpointTTL < 0 {
		errs = append(errs, "ENDPOINT_TTL must be >= 0")
	}
	if c.CleanupInterval <= 0 {
		errs = append(errs, "CLEANUP_INTERVAL must be > 0")
	}
	if c.ExpiredRetention < 0 {
		errs = append(errs, "EXPIRED_RETENTION must be >= 0")
	}
	if c.SubscriberBuffer <= 0 {
		errs = append(errs, "SUBSCRIBER_BUFFER must be > 0")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, "LOG_FORMAT must be text or json")
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, "SHUTDOWN_TIMEOUT must be > 0")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) Addr() string {
	return ":" + c.Port
}

func getEnv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getEnvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return n, nil
}
