package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/proxy-pool-dashboard/internal/config"
	"github.com/proxy-pool-dashboard/internal/types"
)

// The view carries proxy and pool auth credentials, so everything written to
// disk is private to the owning user.
const (
	dirMode  os.FileMode = 0700
	fileMode os.FileMode = 0600
)

// Storage keeps the last committed view so a restart can show it before the
// first refresh completes. Load returns nil, nil when nothing was saved.
type Storage interface {
	Save(view *types.View) error
	Load() (*types.View, error)
	Close() error
}

// NewStorage picks a backend. For redis, Path is the server address.
func NewStorage(cfg config.StorageConfig) (Storage, error) {
	switch cfg.Type {
	case "file":
		return NewFileStorage(cfg.Path)
	case "sqlite":
		return NewSQLiteStorage(cfg.Path)
	case "redis":
		var ttl time.Duration
		if cfg.RedisTTLSeconds > 0 {
			ttl = time.Duration(cfg.RedisTTLSeconds) * time.Second
		}
		return NewRedisStorage(cfg.Path, cfg.RedisKey, ttl)
	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
}

// FileStorage keeps the view as one JSON document, replaced atomically.
type FileStorage struct {
	path string
}

func NewFileStorage(path string) (*FileStorage, error) {
	if err := os.MkdirAll(filepath.Dir(path), dirMode); err != nil {
		return nil, fmt.Errorf("create view directory: %w", err)
	}
	return &FileStorage{path: path}, nil
}

func (f *FileStorage) Save(view *types.View) error {
	data, err := json.MarshalIndent(view, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal view: %w", err)
	}

	// CreateTemp opens the file with mode 0600.
	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".view-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, f.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace view file: %w", err)
	}
	return nil
}

func (f *FileStorage) Load() (*types.View, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read view file: %w", err)
	}
	return decodeView(data)
}

func (f *FileStorage) Close() error {
	return nil
}

func decodeView(data []byte) (*types.View, error) {
	var view types.View
	if err := json.Unmarshal(data, &view); err != nil {
		return nil, fmt.Errorf("unmarshal view: %w", err)
	}
	if view.Proxies == nil {
		view.Proxies = []types.Proxy{}
	}
	return &view, nil
}
