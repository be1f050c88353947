package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// FSStore keeps objects as files under a root directory with a JSON
// metadata sidecar per object. Keys are slash-separated paths.
type FSStore struct {
	root    string
	baseURL string
}

const metaSuffix = ".meta.json"

// NewFSStore creates the directory-backed store rooted at root. URLs are
// baseURL + "/" + key.
func NewFSStore(root, baseURL string) (*FSStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("fs store: create root: %w", err)
	}
	return &FSStore{root: root, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// Name identifies the backend.
func (s *FSStore) Name() string { return "fs" }

func (s *FSStore) path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("fs store: invalid key %q", key)
	}
	return filepath.Join(s.root, clean), nil
}

// Upload writes data under key.
func (s *FSStore) Upload(_ context.Context, key string, data []byte, contentType string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("fs store: mkdir: %w", err)
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return fmt.Errorf("fs store: write: %w", err)
	}
	meta := Metadata{
		Key:         key,
		Size:        int64(len(data)),
		ContentType: contentType,
		CreatedAt:   time.Now().UTC(),
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("fs store: marshal metadata: %w", err)
	}
	if err := os.WriteFile(p+metaSuffix, raw, 0o644); err != nil {
		return fmt.Errorf("fs store: write metadata: %w", err)
	}
	return nil
}

// Download returns the object bytes.
func (s *FSStore) Download(_ context.Context, key string) ([]byte, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fs store: read: %w", err)
	}
	return data, nil
}

// Delete removes the object and its sidecar. Missing keys are fine.
func (s *FSStore) Delete(_ context.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("fs store: delete: %w", err)
	}
	_ = os.Remove(p + metaSuffix)
	return nil
}

// SignedURL returns the public URL for key.
func (s *FSStore) SignedURL(ctx context.Context, key string) (string, error) {
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
func (s *FSStore) Exists(_ context.Context, key string) (bool, error) {
	p, err := s.path(key)
	if err != nil {
		return false, err
	}
	_, statErr := os.Stat(p)
	if os.IsNotExist(statErr) {
		return false, nil
	}
	if statErr != nil {
		return false, fmt.Errorf("fs store: stat: %w", statErr)
	}
	return true, nil
}

// GetMetadata returns the sidecar metadata, falling back to file stats.
func (s *FSStore) GetMetadata(_ context.Context, key string) (Metadata, error) {
	p, err := s.path(key)
	if err != nil {
		return Metadata{}, err
	}
	raw, err := os.ReadFile(p + metaSuffix)
	if err == nil {
		var meta Metadata
		if jsonErr := json.Unmarshal(raw, &meta); jsonErr == nil {
			return meta, nil
		}
	}
	info, statErr := os.Stat(p)
	if os.IsNotExist(statErr) {
		return Metadata{}, ErrNotFound
	}
	if statErr != nil {
		return Metadata{}, fmt.Errorf("fs store: stat: %w", statErr)
	}
	return Metadata{Key: key, Size: info.Size(), CreatedAt: info.ModTime().UTC()}, nil
}

// List returns keys with the given prefix.
func (s *FSStore) List(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(s.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasSuffix(path, metaSuffix) {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fs store: list: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}
