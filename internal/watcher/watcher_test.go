package watcher

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type recorder struct {
	mu    sync.Mutex
	calls [][]string
}

func (r *recorder) callback(key string, changed []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, changed)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestWatch_ReportsChangedFile(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "package.json")
	os.WriteFile(target, []byte(`{}`), 0644)

	w := New(50*time.Millisecond, nil)
	defer w.Shutdown()

	rec := &recorder{}
	if err := w.Watch("pkg", []string{target}, rec.callback); err != nil {
		t.Fatalf("watch: %v", err)
	}

	os.WriteFile(target, []byte(`{"name":"app"}`), 0644)
	waitFor(t, func() bool { return rec.count() > 0 })

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.calls[0]) != 1 || rec.calls[0][0] != target {
		t.Errorf("expected [%s], got %v", target, rec.calls[0])
	}
}

func TestWatch_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "package.json")

	w := New(50*time.Millisecond, nil)
	defer w.Shutdown()

	rec := &recorder{}
	if err := w.Watch("pkg", []string{target}, rec.callback); err != nil {
		t.Fatalf("watch: %v", err)
	}

	os.WriteFile(filepath.Join(dir, "README.md"), []byte("hi"), 0644)
	time.Sleep(200 * time.Millisecond)
	if rec.count() != 0 {
		t.Errorf("expected no callbacks, got %d", rec.count())
	}

	// A file that did not exist at Watch time is picked up once created.
	os.WriteFile(target, []byte(`{}`), 0644)
	waitFor(t, func() bool { return rec.count() > 0 })
}

func TestWatch_DebouncesBursts(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.log")
	b := filepath.Join(dir, "b.log")

	w := New(200*time.Millisecond, nil)
	defer w.Shutdown()

	rec := &recorder{}
	if err := w.Watch("logs", []string{a, b}, rec.callback); err != nil {
		t.Fatalf("watch: %v", err)
	}

	for i := 0; i < 5; i++ {
		os.WriteFile(a, []byte{byte('0' + i)}, 0644)
	}
	os.WriteFile(b, []byte("x"), 0644)

	waitFor(t, func() bool { return rec.count() > 0 })
	time.Sleep(300 * time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.calls) != 1 {
		t.Fatalf("expected 1 debounced callback, got %d", len(rec.calls))
	}
	if len(rec.calls[0]) != 2 || rec.calls[0][0] != a || rec.calls[0][1] != b {
		t.Errorf("expected [%s %s], got %v", a, b, rec.calls[0])
	}
}

func TestWatch_MissingDirectory(t *testing.T) {
	w := New(0, nil)
	defer w.Shutdown()

	err := w.Watch("pkg", []string{"/nonexistent/path/xyz/package.json"}, func(string, []string) {})
	if err == nil {
		t.Fatal("expected error for missing directory")
	}
}

func TestUnwatch_StopsCallbacks(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "app.log")

	w := New(50*time.Millisecond, nil)
	defer w.Shutdown()

	rec := &recorder{}
	if err := w.Watch("logs", []string{target}, rec.callback); err != nil {
		t.Fatalf("watch: %v", err)
	}
	w.Unwatch("logs")
	w.Unwatch("logs")

	os.WriteFile(target, []byte("error"), 0644)
	time.Sleep(200 * time.Millisecond)
	if rec.count() != 0 {
		t.Errorf("expected no callbacks after unwatch, got %d", rec.count())
	}
}
