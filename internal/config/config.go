// Package config loads service configuration: optional YAML file first,
// environment variables (with .env support) override it, defaults fill the
// rest. Every knob has a working default except the database DSN.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Provider ProviderConfig `yaml:"provider"`
	Jobs     JobsConfig     `yaml:"jobs"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// DatabaseConfig holds the Postgres connection settings.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// RedisConfig holds the optional stream-publishing settings. An empty URL
// disables publishing entirely.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// ProviderConfig holds the sports-data API settings.
type ProviderConfig struct {
	BaseURL        string  `yaml:"base_url"`
	APIKey         string  `yaml:"api_key"`
	RequestsPerSec float64 `yaml:"requests_per_sec"`
}

// JobsConfig tunes the pipeline.
type JobsConfig struct {
	Leagues            []string `yaml:"leagues"`
	DiscoverHoursBack  int      `yaml:"discover_hours_back"`
	DiscoverHoursFwd   int      `yaml:"discover_hours_forward"`
	FinalizeStuckHours int      `yaml:"finalize_stuck_hours"`
	SettleBatch        int      `yaml:"settle_batch"`
	LockTTLMinutes     int      `yaml:"lock_ttl_minutes"`
}

// LogConfig controls logging output.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Load reads the YAML file at path (skipped when path is empty or the file
// does not exist), then applies environment overrides and defaults. A .env
// file in the working directory is loaded first when present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: read %q: %w", path, err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("config: parse YAML: %w", err)
			}
		}
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if cfg.Database.DSN == "" {
		return nil, fmt.Errorf("config: database DSN is required (DATABASE_URL or database.dsn)")
	}
	return &cfg, nil
}

// LockTTL returns the configured lease TTL as a duration.
func (c *Config) LockTTL() time.Duration {
	return time.Duration(c.Jobs.LockTTLMinutes) * time.Minute
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("PROVIDER_BASE_URL"); v != "" {
		cfg.Provider.BaseURL = v
	}
	if v := os.Getenv("PROVIDER_API_KEY"); v != "" {
		cfg.Provider.APIKey = v
	}
	if v := os.Getenv("PROVIDER_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Provider.RequestsPerSec = f
		}
	}
	if v := os.Getenv("LOCK_TTL_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Jobs.LockTTLMinutes = n
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

func setDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Provider.BaseURL == "" {
		cfg.Provider.BaseURL = "https://v1.api-sports.io"
	}
	if cfg.Provider.RequestsPerSec <= 0 {
		cfg.Provider.RequestsPerSec = 5
	}
	if cfg.Jobs.DiscoverHoursBack <= 0 {
		cfg.Jobs.DiscoverHoursBack = 36
	}
	if cfg.Jobs.DiscoverHoursFwd <= 0 {
		cfg.Jobs.DiscoverHoursFwd = 36
	}
	if cfg.Jobs.FinalizeStuckHours <= 0 {
		cfg.Jobs.FinalizeStuckHours = 4
	}
	if cfg.Jobs.SettleBatch <= 0 {
		cfg.Jobs.SettleBatch = 50
	}
	if cfg.Jobs.LockTTLMinutes <= 0 {
		cfg.Jobs.LockTTLMinutes = 10
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}
