package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Upstream UpstreamConfig `json:"upstream" yaml:"upstream"`
	Sync     SyncConfig     `json:"sync" yaml:"sync"`
	Import   ImportConfig   `json:"import" yaml:"import"`
	API      APIConfig      `json:"api" yaml:"api"`
	Storage  StorageConfig  `json:"storage" yaml:"storage"`
	Metrics  MetricsConfig  `json:"metrics" yaml:"metrics"`
	Logging  LoggingConfig  `json:"logging" yaml:"logging"`
}

// UpstreamConfig points at the pool service that owns canonical state.
type UpstreamConfig struct {
	BaseURL     string `json:"base_url" yaml:"base_url"`
	TimeoutMs   int    `json:"timeout_ms" yaml:"timeout_ms"`
	APIKeyEnv   string `json:"api_key_env" yaml:"api_key_env"`
	SOCKS5Proxy string `json:"socks5_proxy" yaml:"socks5_proxy"`
}

type SyncConfig struct {
	PollIntervalMs  int `json:"poll_interval_ms" yaml:"poll_interval_ms"`
	ValidateDelayMs int `json:"validate_delay_ms" yaml:"validate_delay_ms"`
}

type ImportConfig struct {
	UserAgent string `json:"user_agent" yaml:"user_agent"`
	// AllowedHosts lists the hosts remote lists may be fetched from through the
	// dashboard API. Any host is accepted while API-key auth is active.
	AllowedHosts []string `json:"allowed_hosts" yaml:"allowed_hosts"`
}

type APIConfig struct {
	Addr               string   `json:"addr" yaml:"addr"`
	APIKeyEnv          string   `json:"api_key_env" yaml:"api_key_env"`
	RateLimitPerMinute int      `json:"rate_limit_per_minute" yaml:"rate_limit_per_minute"`
	EnableAPIKeyAuth   bool     `json:"enable_api_key_auth" yaml:"enable_api_key_auth"`
	EnableIPRateLimit  bool     `json:"enable_ip_rate_limit" yaml:"enable_ip_rate_limit"`
	CORSOrigins        []string `json:"cors_origins" yaml:"cors_origins"`
}

type StorageConfig struct {
	Type                   string `json:"type" yaml:"type"` // "file", "sqlite", "redis"
	Path                   string `json:"path" yaml:"path"`
	PersistIntervalSeconds int    `json:"persist_interval_seconds" yaml:"persist_interval_seconds"`
	RedisKey               string `json:"redis_key" yaml:"redis_key"`
	// RedisTTLSeconds expires the saved view; negative keeps it forever.
	RedisTTLSeconds int `json:"redis_ttl_seconds" yaml:"redis_ttl_seconds"`
}

type MetricsConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Endpoint  string `json:"endpoint" yaml:"endpoint"`
	Namespace string `json:"namespace" yaml:"namespace"`
}

type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"` // "json" or "text"
}

// Load reads configuration from a JSON or YAML file, chosen by extension.
func Load(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config YAML: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config JSON: %w", err)
		}
	}

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

func (c *Config) SetDefaults() {
	if c.Upstream.BaseURL == "" {
		c.Upstream.BaseURL = "http://localhost:3000/api"
	}
	if c.Upstream.TimeoutMs == 0 {
		c.Upstream.TimeoutMs = 10000
	}
	if c.Sync.PollIntervalMs == 0 {
		c.Sync.PollIntervalMs = 5000
	}
	if c.Sync.ValidateDelayMs == 0 {
		c.Sync.ValidateDelayMs = 2000
	}
	if c.API.Addr == "" {
		c.API.Addr = ":8090"
	}
	if c.API.RateLimitPerMinute == 0 {
		c.API.RateLimitPerMinute = 1200
	}
	if len(c.API.CORSOrigins) == 0 {
		c.API.CORSOrigins = []string{"*"}
	}
	if c.Storage.Type == "" {
		c.Storage.Type = "file"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "./data/view.json"
	}
	if c.Storage.PersistIntervalSeconds == 0 {
		c.Storage.PersistIntervalSeconds = 300
	}
	if c.Storage.RedisKey == "" {
		c.Storage.RedisKey = "proxypool-dash:view"
	}
	if c.Storage.RedisTTLSeconds == 0 {
		c.Storage.RedisTTLSeconds = 86400
	}
	if c.Metrics.Endpoint == "" {
		c.Metrics.Endpoint = "/metrics"
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "proxypool_dash"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	u, err := url.Parse(c.Upstream.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("upstream base_url must be an absolute http(s) URL")
	}
	if c.Upstream.TimeoutMs < 100 || c.Upstream.TimeoutMs > 300000 {
		return fmt.Errorf("upstream timeout_ms must be between 100 and 300000")
	}
	if c.Sync.PollIntervalMs < 100 {
		return fmt.Errorf("sync poll_interval_ms must be at least 100")
	}
	if c.Sync.ValidateDelayMs < 0 {
		return fmt.Errorf("sync validate_delay_ms must not be negative")
	}
	if c.Storage.Type != "file" && c.Storage.Type != "sqlite" && c.Storage.Type != "redis" {
		return fmt.Errorf("storage type must be 'file', 'sqlite', or 'redis'")
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("logging format must be 'json' or 'text'")
	}
	return nil
}

func (s SyncConfig) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalMs) * time.Millisecond
}

func (s SyncConfig) ValidateDelay() time.Duration {
	return time.Duration(s.ValidateDelayMs) * time.Millisecond
}

func (u UpstreamConfig) Timeout() time.Duration {
	return time.Duration(u.TimeoutMs) * time.Millisecond
}
