// Package config loads coordinator configuration from a yaml file with
// environment overrides. CLI flags are applied on top by the caller.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full coordinator configuration.
type Config struct {
	Pool    PoolConfig    `yaml:"pool"`
	Store   StoreConfig   `yaml:"store"`
	Node    NodeConfig    `yaml:"node"`
	Archive ArchiveConfig `yaml:"archive"`
	Stratum StratumConfig `yaml:"stratum"`
	HTTP    HTTPConfig    `yaml:"http"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// PoolConfig holds pool identity and payout policy.
type PoolConfig struct {
	Name           string        `yaml:"name"`
	FeePercent     float64       `yaml:"fee_percent"`
	MinPayout      uint64        `yaml:"min_payout"`
	PayoutInterval time.Duration `yaml:"payout_interval"`
	ShareWindow    time.Duration `yaml:"share_window"`
}

// StoreConfig selects the share-ledger backend. An empty redis_url selects
// the in-memory store.
type StoreConfig struct {
	RedisURL string `yaml:"redis_url"`
}

// NodeConfig holds chain-node RPC settings. An empty url selects the
// synthetic template source.
type NodeConfig struct {
	URL             string        `yaml:"url"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

// ArchiveConfig holds the optional Postgres archive settings.
type ArchiveConfig struct {
	DatabaseURL string `yaml:"database_url"`
}

// StratumConfig holds the stratum bind address and abuse guards.
type StratumConfig struct {
	Bind          string  `yaml:"bind"`
	MaxConnsPerIP int     `yaml:"max_conns_per_ip"`
	MaxConns      int     `yaml:"max_conns"`
	SubmitRate    float64 `yaml:"submit_rate"`
	SubmitBurst   int     `yaml:"submit_burst"`
	BanThreshold  int     `yaml:"ban_threshold"`
}

// HTTPConfig holds the REST API bind address.
type HTTPConfig struct {
	Bind string `yaml:"bind"`
}

// MetricsConfig holds Prometheus exposition settings.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns the default coordinator configuration.
func DefaultConfig() *Config {
	return &Config{
		Pool: PoolConfig{
			Name:           "StarkForge Mining Pool",
			FeePercent:     2.0,
			MinPayout:      1_000_000,
			PayoutInterval: time.Hour,
			ShareWindow:    24 * time.Hour,
		},
		Node: NodeConfig{
			RefreshInterval: 15 * time.Second,
		},
		Stratum: StratumConfig{
			Bind:          "0.0.0.0:3333",
			MaxConnsPerIP: 32,
			MaxConns:      4096,
			SubmitRate:    20,
			SubmitBurst:   60,
			BanThreshold:  50,
		},
		HTTP: HTTPConfig{
			Bind: "0.0.0.0:8080",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9100,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a yaml config file and merges it over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return cfg, nil
}

// ApplyEnv applies POOL_* environment overrides on top of the loaded values.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("POOL_REDIS_URL"); v != "" {
		c.Store.RedisURL = v
	}
	if v := os.Getenv("POOL_NAME"); v != "" {
		c.Pool.Name = v
	}
	if v := os.Getenv("POOL_FEE_PERCENT"); v != "" {
		fee, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid POOL_FEE_PERCENT: %w", err)
		}
		c.Pool.FeePercent = fee
	}
	if v := os.Getenv("POOL_MIN_PAYOUT"); v != "" {
		minPayout, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid POOL_MIN_PAYOUT: %w", err)
		}
		c.Pool.MinPayout = minPayout
	}
	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Pool.Name == "" {
		return fmt.Errorf("pool.name is required")
	}
	if c.Pool.FeePercent < 0 || c.Pool.FeePercent > 100 {
		return fmt.Errorf("pool.fee_percent must be between 0 and 100")
	}
	if c.Pool.MinPayout == 0 {
		return fmt.Errorf("pool.min_payout must be at least 1")
	}
	if c.Pool.PayoutInterval <= 0 {
		return fmt.Errorf("pool.payout_interval must be positive")
	}
	if c.Pool.ShareWindow <= 0 {
		return fmt.Errorf("pool.share_window must be positive")
	}
	if c.Stratum.Bind == "" {
		return fmt.Errorf("stratum.bind is required")
	}
	if c.HTTP.Bind == "" {
		return fmt.Errorf("http.bind is required")
	}
	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return fmt.Errorf("metrics.port must be a valid port number")
	}
	return nil
}
