package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
)

// memStore is an in-memory ObjectStore with switchable failure.
type memStore struct {
	mu      sync.Mutex
	name    string
	objects map[string][]byte
	broken  bool
}

func newMemStore(name string) *memStore {
	return &memStore{name: name, objects: make(map[string][]byte)}
}

func (m *memStore) fail() error {
	if m.broken {
		return fmt.Errorf("%s: backend down", m.name)
	}
	return nil
}

func (m *memStore) Name() string { return m.name }

func (m *memStore) Upload(_ context.Context, key string, data []byte, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return err
	}
	m.objects[key] = append([]byte(nil), data...)
	return nil
}

func (m *memStore) Download(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return nil, err
	}
	data, ok := m.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	return data, nil
}

func (m *memStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return err
	}
	delete(m.objects, key)
	return nil
}

func (m *memStore) SignedURL(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return "", err
	}
	if _, ok := m.objects[key]; !ok {
		return "", ErrNotFound
	}
	return "mem://" + m.name + "/" + key, nil
}

func (m *memStore) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return false, err
	}
	_, ok := m.objects[key]
	return ok, nil
}

func (m *memStore) GetMetadata(_ context.Context, key string) (Metadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return Metadata{}, err
	}
	data, ok := m.objects[key]
	if !ok {
		return Metadata{}, ErrNotFound
	}
	return Metadata{Key: key, Size: int64(len(data))}, nil
}

func (m *memStore) List(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return nil, err
	}
	var keys []string
	for k := range m.objects {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func TestFallbackUploadPrefersPrimary(t *testing.T) {
	primary := newMemStore("p")
	secondary := newMemStore("s")
	f := NewFallback(primary, secondary)

	if err := f.Upload(context.Background(), "a", []byte("x"), "text/plain"); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if _, ok := primary.objects["a"]; !ok {
		t.Fatal("object missing from primary")
	}
	if _, ok := secondary.objects["a"]; ok {
		t.Fatal("secondary written although primary succeeded")
	}
}

func TestFallbackUploadFallsBackToSecondary(t *testing.T) {
	primary := newMemStore("p")
	primary.broken = true
	secondary := newMemStore("s")
	f := NewFallback(primary, secondary)

	if err := f.Upload(context.Background(), "a", []byte("x"), "text/plain"); err != nil {
		t.Fatalf("upload with broken primary: %v", err)
	}
	if _, ok := secondary.objects["a"]; !ok {
		t.Fatal("object missing from secondary")
	}

	data, err := f.Download(context.Background(), "a")
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if string(data) != "x" {
		t.Fatalf("download = %q, want %q", data, "x")
	}
}

func TestFallbackUploadBothFail(t *testing.T) {
	primary := newMemStore("p")
	primary.broken = true
	secondary := newMemStore("s")
	secondary.broken = true
	f := NewFallback(primary, secondary)

	if err := f.Upload(context.Background(), "a", []byte("x"), "text/plain"); err == nil {
		t.Fatal("upload succeeded with both stores down")
	}
}

func TestFallbackDownloadFillsPrimaryGap(t *testing.T) {
	primary := newMemStore("p")
	secondary := newMemStore("s")
	secondary.objects["only-secondary"] = []byte("y")
	f := NewFallback(primary, secondary)

	data, err := f.Download(context.Background(), "only-secondary")
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if string(data) != "y" {
		t.Fatalf("download = %q, want %q", data, "y")
	}
}

func TestFallbackDeleteTriesBoth(t *testing.T) {
	primary := newMemStore("p")
	secondary := newMemStore("s")
	primary.objects["a"] = []byte("1")
	secondary.objects["a"] = []byte("1")
	f := NewFallback(primary, secondary)

	if err := f.Delete(context.Background(), "a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := primary.objects["a"]; ok {
		t.Fatal("object still in primary")
	}
	if _, ok := secondary.objects["a"]; ok {
		t.Fatal("object still in secondary")
	}
}

func TestFallbackDeleteErrorsOnlyWhenBothFail(t *testing.T) {
	primary := newMemStore("p")
	primary.broken = true
	secondary := newMemStore("s")
	secondary.objects["a"] = []byte("1")
	f := NewFallback(primary, secondary)

	if err := f.Delete(context.Background(), "a"); err != nil {
		t.Fatalf("delete with one healthy store: %v", err)
	}

	secondary.broken = true
	if err := f.Delete(context.Background(), "a"); err == nil {
		t.Fatal("delete succeeded with both stores down")
	}
}

func TestFallbackExistsTrueWins(t *testing.T) {
	primary := newMemStore("p")
	secondary := newMemStore("s")
	secondary.objects["a"] = []byte("1")
	f := NewFallback(primary, secondary)

	ok, err := f.Exists(context.Background(), "a")
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if !ok {
		t.Fatal("exists = false, secondary copy should win")
	}
}

func TestFallbackListMerges(t *testing.T) {
	primary := newMemStore("p")
	secondary := newMemStore("s")
	primary.objects["runs/1"] = []byte("1")
	primary.objects["runs/2"] = []byte("2")
	secondary.objects["runs/2"] = []byte("2")
	secondary.objects["runs/3"] = []byte("3")
	f := NewFallback(primary, secondary)

	keys, err := f.List(context.Background(), "runs/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) != 3 {
		t.Fatalf("list = %v, want 3 merged keys", keys)
	}
}

func TestFallbackDownloadBothFail(t *testing.T) {
	primary := newMemStore("p")
	secondary := newMemStore("s")
	f := NewFallback(primary, secondary)

	if _, err := f.Download(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		// Both report not-found; the composite wraps the secondary error.
		t.Fatalf("download missing err = %v, want ErrNotFound in chain", err)
	}
}
