package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var envKeys = []string{
	"CONFIG_FILE", "PORT", "STORE_DRIVER", "DATABASE_PATH", "MAX_BODY_BYTES", "HISTORY_LIMIT",
	"DEFAULT_MAX_REQUESTS", "ENDPOINT_TTL", "CLEANUP_INTERVAL", "EXPIRED_RETENTION", "REDIS_URL",
	"CACHE_TTL", "SUBSCRIBER_BUFFER", "LOG_LEVEL", "LOG_FORMAT", "SHUTDOWN_TIMEOUT",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Port != "8080" || cfg.Addr() != ":8080" {
		t.Fatalf("Port = %q, want 8080", cfg.Port)
	}
	if cfg.StoreDriver != DriverSQLite || cfg.DatabasePath != "webhook.db" {
		t.Fatalf("store = %s %s", cfg.StoreDriver, cfg.DatabasePath)
	}
	if cfg.MaxBodyBytes != 10<<20 {
		t.Fatalf("MaxBodyBytes = %d, want %d", cfg.MaxBodyBytes, 10<<20)
	}
	if cfg.HistoryLimit != 100 || cfg.DefaultMaxRequests != 1000 {
		t.Fatalf("limits = %d %d", cfg.HistoryLimit, cfg.DefaultMaxRequests)
	}
	if cfg.EndpointTTL != 24*time.Hour || cfg.CacheTTL != 30*time.Second {
		t.Fatalf("durations = %s %s", cfg.EndpointTTL, cfg.CacheTTL)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("STORE_DRIVER", "MEMORY")
	t.Setenv("MAX_BODY_BYTES", "512KB")
	t.Setenv("ENDPOINT_TTL", "0s")
	t.Setenv("DEFAULT_MAX_REQUESTS", "0")
	t.Setenv("LOG_FORMAT", "json")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Port != "9090" || cfg.StoreDriver != DriverMemory {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.MaxBodyBytes != 512000 {
		t.Fatalf("MaxBodyBytes = %d, want 512000", cfg.MaxBodyBytes)
	}
	if cfg.EndpointTTL != 0 || cfg.DefaultMaxRequests != 0 || cfg.LogFormat != "json" {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestLoadReadsConfigFileThenEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "hooktunnel.yaml")
	configYAML := "port: \"7000\"\nstore_driver: memory\nmax_body_size: 1MiB\nendpoint_ttl: 2h\nhistory_limit: 25\nredis_url: redis://localhost:6379/0\n"
	if err := os.WriteFile(path, []byte(configYAML), 0644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("HISTORY_LIMIT", "50")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Port != "7000" || cfg.StoreDriver != DriverMemory {
		t.Fatalf("file values ignored: %+v", cfg)
	}
	if cfg.MaxBodyBytes != 1<<20 || cfg.EndpointTTL != 2*time.Hour {
		t.Fatalf("MaxBodyBytes = %d EndpointTTL = %s", cfg.MaxBodyBytes, cfg.EndpointTTL)
	}
	if cfg.HistoryLimit != 50 {
		t.Fatalf("HistoryLimit = %d, env should win over file", cfg.HistoryLimit)
	}
	if cfg.RedisURL != "redis://localhost:6379/0" {
		t.Fatalf("RedisURL = %q", cfg.RedisURL)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]struct {
		key, value, want string
	}{
		"bad duration": {"CACHE_TTL", "soon", "CACHE_TTL"},
		"bad size":     {"MAX_BODY_BYTES", "lots", "MAX_BODY_BYTES"},
		"bad driver":   {"STORE_DRIVER", "postgres", "STORE_DRIVER"},
		"bad format":   {"LOG_FORMAT", "xml", "LOG_FORMAT"},
		"zero history": {"HISTORY_LIMIT", "0", "HISTORY_LIMIT"},
		"bad history":  {"HISTORY_LIMIT", "abc", "HISTORY_LIMIT"},
		"bad quota":    {"DEFAULT_MAX_REQUESTS", "many", "DEFAULT_MAX_REQUESTS"},
		"bad buffer":   {"SUBSCRIBER_BUFFER", "1.5", "SUBSCRIBER_BUFFER"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tc.key, tc.value)
			_, err := Load()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Load() error = %v, want mention of %s", err, tc.want)
			}
		})
	}
}

func TestLoadMissingConfigFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
