package trace

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"webpilot/internal/store"
	"webpilot/internal/types"
)

// fakeStore records uploads in memory and can refuse writes.
type fakeStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	broken  bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: make(map[string][]byte)}
}

func (f *fakeStore) Name() string { return "fake" }

func (f *fakeStore) Upload(_ context.Context, key string, data []byte, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.broken {
		return fmt.Errorf("fake store down")
	}
	f.objects[key] = append([]byte(nil), data...)
	return nil
}

func (f *fakeStore) Download(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return data, nil
}

func (f *fakeStore) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	return nil
}

func (f *fakeStore) SignedURL(_ context.Context, key string) (string, error) {
	return "fake://" + key, nil
}

func (f *fakeStore) Exists(_ context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[key]
	return ok, nil
}

func (f *fakeStore) GetMetadata(_ context.Context, key string) (store.Metadata, error) {
	return store.Metadata{Key: key}, nil
}

func (f *fakeStore) List(_ context.Context, prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func TestBuilderStepNumbersMonotonic(t *testing.T) {
	reg := NewRegistry(newFakeStore())
	b, err := reg.Create("r1", "https://example.com", "chromium", "1280x800")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	for want := 1; want <= 3; want++ {
		got := b.AddStep(types.Action{Type: types.ActionClick}, "pattern", true, "", nil)
		if got != want {
			t.Fatalf("step number = %d, want %d", got, want)
		}
	}
	if b.StepCount() != 3 {
		t.Fatalf("step count = %d, want 3", b.StepCount())
	}
}

func TestBuilderBuffersLogsUntilNextStep(t *testing.T) {
	reg := NewRegistry(newFakeStore())
	b, _ := reg.Create("r1", "https://example.com", "chromium", "1280x800")

	b.AddConsoleLog("[error] boom")
	b.AddNetworkEvent(types.NetworkEvent{Method: "GET", URL: "https://example.com/a", Status: 500, Failed: true})
	b.AddStep(types.Action{Type: types.ActionNavigate, Value: "https://example.com"}, "reasoning", true, "", nil)
	b.AddStep(types.Action{Type: types.ActionClick, Selector: "#go"}, "pattern", true, "", nil)

	steps := b.trace.Steps
	if len(steps[0].ConsoleLog) != 1 || steps[0].ConsoleLog[0] != "[error] boom" {
		t.Fatalf("step 1 console = %v", steps[0].ConsoleLog)
	}
	if len(steps[0].NetworkLog) != 1 {
		t.Fatalf("step 1 network = %v", steps[0].NetworkLog)
	}
	if len(steps[1].ConsoleLog) != 0 || len(steps[1].NetworkLog) != 0 {
		t.Fatal("buffered output leaked into step 2")
	}
}

func TestBuilderSaveIsIdempotent(t *testing.T) {
	fs := newFakeStore()
	reg := NewRegistry(fs)
	b, _ := reg.Create("r1", "https://example.com", "chromium", "1280x800")
	b.AddStep(types.Action{Type: types.ActionDone}, "pattern", true, "", []byte("png-bytes"))

	url, err := b.Save(context.Background(), types.StatusCompleted)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if url == "" {
		t.Fatal("empty trace url")
	}
	if _, ok := fs.objects["runs/r1/trace.json"]; !ok {
		t.Fatal("trace document not uploaded")
	}
	if _, ok := fs.objects["runs/r1/steps/001.png"]; !ok {
		t.Fatal("screenshot not uploaded")
	}

	// Second save is a no-op.
	url2, err := b.Save(context.Background(), types.StatusCompleted)
	if err != nil {
		t.Fatalf("second save: %v", err)
	}
	if url2 != "" {
		t.Fatalf("second save url = %q, want empty", url2)
	}
}

func TestBuilderSaveFailsWhenStoreDown(t *testing.T) {
	fs := newFakeStore()
	fs.broken = true
	reg := NewRegistry(fs)
	b, _ := reg.Create("r1", "https://example.com", "chromium", "1280x800")
	b.AddStep(types.Action{Type: types.ActionDone}, "pattern", true, "", nil)

	if _, err := b.Save(context.Background(), types.StatusCompleted); err == nil {
		t.Fatal("save succeeded with store down")
	}

	// The trace is still open; a later retry against a healed store works.
	fs.broken = false
	if _, err := b.Save(context.Background(), types.StatusCompleted); err != nil {
		t.Fatalf("save after store recovery: %v", err)
	}
}

func TestRegistryRejectsDuplicateOpenTrace(t *testing.T) {
	reg := NewRegistry(newFakeStore())
	if _, err := reg.Create("r1", "https://example.com", "chromium", "1280x800"); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := reg.Create("r1", "https://example.com", "chromium", "1280x800"); err == nil {
		t.Fatal("second open trace for the same run was allowed")
	}
}

func TestRegistryReleasesRunAfterSave(t *testing.T) {
	reg := NewRegistry(newFakeStore())
	b, _ := reg.Create("r1", "https://example.com", "chromium", "1280x800")
	if _, err := b.Save(context.Background(), types.StatusCancelled); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := reg.Create("r1", "https://example.com", "chromium", "1280x800"); err != nil {
		t.Fatalf("create after save: %v", err)
	}
}

func TestDiscardReleasesRunWithoutPersisting(t *testing.T) {
	fs := newFakeStore()
	reg := NewRegistry(fs)
	b, _ := reg.Create("r1", "https://example.com", "chromium", "1280x800")
	b.AddStep(types.Action{Type: types.ActionClick}, "pattern", true, "", nil)
	b.Discard()

	// The run is free again and nothing was written.
	if _, err := reg.Create("r1", "https://example.com", "chromium", "1280x800"); err != nil {
		t.Fatalf("create after discard: %v", err)
	}
	if len(fs.objects) != 0 {
		t.Fatalf("discard persisted %d objects", len(fs.objects))
	}

	// A discarded builder never flushes.
	url, err := b.Save(context.Background(), types.StatusFailed)
	if err != nil || url != "" {
		t.Fatalf("save after discard = (%q, %v), want no-op", url, err)
	}
}

func TestBuilderMarkFailed(t *testing.T) {
	reg := NewRegistry(newFakeStore())
	b, _ := reg.Create("r1", "https://example.com", "chromium", "1280x800")
	b.AddStep(types.Action{Type: types.ActionClick}, "reasoning", false, "element not found", nil)
	b.MarkFailed(1, types.ReasonStuck, "no actionable decision after retries")

	if b.trace.Failure == nil {
		t.Fatal("failure marker not set")
	}
	if b.trace.Failure.Reason != types.ReasonStuck || b.trace.Failure.StepID != 1 {
		t.Fatalf("failure = %+v", b.trace.Failure)
	}
}
