package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadJSONDefaults(t *testing.T) {
	path := writeFile(t, "config.json", `{"upstream": {"base_url": "http://pool:3000/api"}}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Upstream.BaseURL != "http://pool:3000/api" {
		t.Errorf("base_url = %q", cfg.Upstream.BaseURL)
	}
	if cfg.Sync.PollInterval() != 5*time.Second {
		t.Errorf("poll interval = %v, want 5s", cfg.Sync.PollInterval())
	}
	if cfg.Sync.ValidateDelay() != 2*time.Second {
		t.Errorf("validate delay = %v, want 2s", cfg.Sync.ValidateDelay())
	}
	if cfg.Storage.Type != "file" || cfg.Logging.Format != "json" {
		t.Errorf("unexpected defaults: storage=%q format=%q", cfg.Storage.Type, cfg.Logging.Format)
	}
	if cfg.Storage.RedisKey != "proxypool-dash:view" || cfg.Storage.RedisTTLSeconds != 86400 {
		t.Errorf("unexpected redis defaults: %+v", cfg.Storage)
	}
	if len(cfg.Import.AllowedHosts) != 0 {
		t.Errorf("no import host should be allowed by default, got %v", cfg.Import.AllowedHosts)
	}
}

func TestLoadImportAllowedHosts(t *testing.T) {
	path := writeFile(t, "config.json", `{"import": {"allowed_hosts": ["lists.example.com"]}, "storage": {"redis_ttl_seconds": -1}}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Import.AllowedHosts) != 1 || cfg.Import.AllowedHosts[0] != "lists.example.com" {
		t.Errorf("allowed_hosts = %v", cfg.Import.AllowedHosts)
	}
	if cfg.Storage.RedisTTLSeconds != -1 {
		t.Errorf("negative ttl should be kept, got %d", cfg.Storage.RedisTTLSeconds)
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "config.yaml", `
upstream:
  base_url: https://pool.example.com/api
  timeout_ms: 2500
sync:
  poll_interval_ms: 1000
storage:
  type: sqlite
  path: /tmp/view.db
logging:
  level: debug
  format: text
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Upstream.Timeout() != 2500*time.Millisecond {
		t.Errorf("timeout = %v", cfg.Upstream.Timeout())
	}
	if cfg.Sync.PollInterval() != time.Second {
		t.Errorf("poll interval = %v", cfg.Sync.PollInterval())
	}
	if cfg.Storage.Type != "sqlite" || cfg.Logging.Format != "text" {
		t.Errorf("unexpected values: %+v %+v", cfg.Storage, cfg.Logging)
	}
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad storage", `{"storage": {"type": "mongo"}}`},
		{"relative base url", `{"upstream": {"base_url": "/api"}}`},
		{"tiny poll interval", `{"sync": {"poll_interval_ms": 5}}`},
		{"bad format", `{"logging": {"format": "xml"}}`},
		{"broken json", `{`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeFile(t, "config.json", tt.content)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected fs.ErrNotExist, got %v", err)
	}
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}
