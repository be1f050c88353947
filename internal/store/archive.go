package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ArchiveStore keeps objects as blobs in a SQLite database. It is the
// secondary backend: slower than the filesystem store but immune to the
// artifact volume disappearing.
type ArchiveStore struct {
	db      *sql.DB
	baseURL string
}

// NewArchiveStore opens (creating if needed) the SQLite archive at path.
func NewArchiveStore(path, baseURL string) (*ArchiveStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("archive store: open: %w", err)
	}
	schema := `
	CREATE TABLE IF NOT EXISTS objects (
		key          TEXT PRIMARY KEY,
		data         BLOB NOT NULL,
		content_type TEXT NOT NULL DEFAULT '',
		size         INTEGER NOT NULL,
		created_at   TIMESTAMP NOT NULL
	);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("archive store: init schema: %w", err)
	}
	return &ArchiveStore{db: db, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// Name identifies the backend.
func (s *ArchiveStore) Name() string { return "archive" }

// Close releases the database handle.
func (s *ArchiveStore) Close() error { return s.db.Close() }

// Upload writes data under key, replacing any existing object.
func (s *ArchiveStore) Upload(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO objects (key, data, content_type, size, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			data = excluded.data,
			content_type = excluded.content_type,
			size = excluded.size,
			created_at = excluded.created_at`,
		key, data, contentType, len(data), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("archive store: upload %s: %w", key, err)
	}
	return nil
}

// Download returns the object bytes, or ErrNotFound.
func (s *ArchiveStore) Download(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM objects WHERE key = ?`, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("archive store: download %s: %w", key, err)
	}
	return data, nil
}

// Delete removes the object. Missing keys are fine.
func (s *ArchiveStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM objects WHERE key = ?`, key); err != nil {
		return fmt.Errorf("archive store: delete %s: %w", key, err)
	}
	return nil
}

// SignedURL returns a resolvable URL for the object.
func (s *ArchiveStore) SignedURL(ctx context.Context, key string) (string, error) {
	ok, err := s.Exists(ctx, key)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrNotFound
	}
	return s.baseURL + "/" + key, nil
}

// Exists reports whether key holds an object.
func (s *ArchiveStore) Exists(ctx context.Context, key string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM objects WHERE key = ?`, key).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("archive store: exists %s: %w", key, err)
	}
	return true, nil
}

// GetMetadata returns object metadata, or ErrNotFound.
func (s *ArchiveStore) GetMetadata(ctx context.Context, key string) (Metadata, error) {
	var meta Metadata
	err := s.db.QueryRowContext(ctx,
		`SELECT key, size, content_type, created_at FROM objects WHERE key = ?`, key).
		Scan(&meta.Key, &meta.Size, &meta.ContentType, &meta.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Metadata{}, ErrNotFound
	}
	if err != nil {
		return Metadata{}, fmt.Errorf("archive store: metadata %s: %w", key, err)
	}
	return meta, nil
}

// List returns keys with the given prefix, sorted.
func (s *ArchiveStore) List(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM objects WHERE key LIKE ? || '%' ORDER BY key`, prefix)
	if err != nil {
		return nil, fmt.Errorf("archive store: list %s: %w", prefix, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("archive store: scan key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
