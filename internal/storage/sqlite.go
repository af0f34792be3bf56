package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/proxy-pool-dashboard/internal/types"
)

type SQLiteStorage struct {
	db *sql.DB
}

func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	if err := os.MkdirAll(filepath.Dir(path), dirMode); err != nil {
		return nil, fmt.Errorf("create view directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// The view is a singleton row.
	schema := `
	CREATE TABLE IF NOT EXISTS views (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		data TEXT NOT NULL,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	// The driver creates the file with the process umask.
	if err := os.Chmod(path, fileMode); err != nil {
		db.Close()
		return nil, fmt.Errorf("restrict database file: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

func (s *SQLiteStorage) Save(view *types.View) error {
	data, err := json.Marshal(view)
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	_, err = s.db.Exec(`INSERT INTO views (id, data, updated_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		string(data), time.Now())
	if err != nil {
		return fmt.Errorf("upsert view: %w", err)
	}

	return nil
}

func (s *SQLiteStorage) Load() (*types.View, error) {
	var data string
	err := s.db.QueryRow("SELECT data FROM views WHERE id = 1").Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query view: %w", err)
	}

	return decodeView([]byte(data))
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
