package watcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/therealutkarshpriyadarshi/cachestat/internal/checkpoint"
	"github.com/therealutkarshpriyadarshi/cachestat/internal/metrics"
	"github.com/therealutkarshpriyadarshi/cachestat/internal/parser"
	"github.com/therealutkarshpriyadarshi/cachestat/internal/stats"
	"github.com/therealutkarshpriyadarshi/cachestat/internal/tailer"
)

type fakeNotifier struct {
	mu      sync.Mutex
	events  chan Event
	errors  chan error
	paths   map[string]bool
	adds    int
	removes int
	addErr  error
	closed  bool
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{
		events: make(chan Event, 16),
		errors: make(chan error, 1),
		paths:  make(map[string]bool),
	}
}

func (f *fakeNotifier) Subscribe(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addErr != nil {
		return f.addErr
	}
	f.paths[path] = true
	f.adds++
	return nil
}

func (f *fakeNotifier) Unsubscribe(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.paths, path)
	f.removes++
	return nil
}

func (f *fakeNotifier) Events() <-chan Event { return f.events }
func (f *fakeNotifier) Errors() <-chan error { return f.errors }

func (f *fakeNotifier) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeNotifier) subscribed(path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paths[path]
}

type fixture struct {
	path     string
	notifier *fakeNotifier
	table    *stats.Table
	store    *checkpoint.FileStore
	watcher  *Watcher
}

// Lines are "<cache status> <size> <request> <status>"
func newFixture(t *testing.T, opts tailer.Options) *fixture {
	t.Helper()

	path := filepath.Join(t.TempDir(), "access.log")
	store, err := checkpoint.NewFileStore(checkpoint.DefaultPath(path))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	p, err := parser.New(parser.Config{
		CacheStatusField: 1,
		SizeField:        2,
		RequestField:     3,
		StatusField:      4,
		Methods:          []string{"GET"},
	})
	if err != nil {
		t.Fatalf("Failed to create parser: %v", err)
	}

	f := &fixture{
		path:     path,
		notifier: newFakeNotifier(),
		table:    stats.NewTable(stats.Options{}),
		store:    store,
	}

	w, err := New(Config{
		Path:           path,
		Store:          store,
		Notifier:       f.notifier,
		Parser:         p,
		Table:          f.table,
		Tailer:         opts,
		ReopenAttempts: 2,
		ReopenBackoff:  time.Millisecond,
		Metrics:        metrics.NewCollector(),
	})
	if err != nil {
		t.Fatalf("Failed to create watcher: %v", err)
	}
	f.watcher = w
	t.Cleanup(func() { w.Close() })
	return f
}

func (f *fixture) write(t *testing.T, content string) {
	t.Helper()
	if err := os.WriteFile(f.path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write log: %v", err)
	}
}

func (f *fixture) append(t *testing.T, content string) {
	t.Helper()
	file, err := os.OpenFile(f.path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatalf("Failed to open log: %v", err)
	}
	defer file.Close()
	if _, err := file.WriteString(content); err != nil {
		t.Fatalf("Failed to append: %v", err)
	}
}

func (f *fixture) counts(t *testing.T) map[string]int64 {
	t.Helper()
	out := make(map[string]int64)
	snap, ok := f.table.SwapAndClear()
	if !ok {
		return out
	}
	for status, entry := range snap.Entries {
		out[status] = entry.Count
	}
	return out
}

func expectCounts(t *testing.T, got map[string]int64, want map[string]int64) {
	t.Helper()
	if len(got) != len(want) {
		t.Errorf("counts = %v, want %v", got, want)
		return
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("counts[%s] = %d, want %d", k, got[k], v)
		}
	}
}

func TestWatcherOpenDrainsExisting(t *testing.T) {
	f := newFixture(t, tailer.Options{})
	f.write(t, "HIT 100 \"GET /a HTTP/1.1\" 200\nMISS 50 \"GET /b HTTP/1.1\" 200\n")

	if err := f.watcher.Open(); err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	if !f.notifier.subscribed(f.path) {
		t.Error("Expected path to be subscribed")
	}
	if !f.watcher.Armed() {
		t.Error("Expected watcher to be armed")
	}
	expectCounts(t, f.counts(t), map[string]int64{"hit": 1, "miss": 1})
}

func TestWatcherModified(t *testing.T) {
	f := newFixture(t, tailer.Options{})
	f.write(t, "")

	if err := f.watcher.Open(); err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	f.append(t, "HIT 100 \"GET / HTTP/1.1\" 200\nHIT 100 \"GET / HTTP/1.1\" 200\n")
	f.watcher.handle(context.Background(), Event{Kind: Modified, Path: f.path})

	expectCounts(t, f.counts(t), map[string]int64{"hit": 2})
}

func TestWatcherRotationCountsEachLineOnce(t *testing.T) {
	f := newFixture(t, tailer.Options{})
	f.write(t, "HIT 1 \"GET / HTTP/1.1\" 200\n")

	if err := f.watcher.Open(); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	expectCounts(t, f.counts(t), map[string]int64{"hit": 1})

	// Written just before the rotation, not yet seen
	f.append(t, "MISS 1 \"GET / HTTP/1.1\" 200\n")
	if err := os.Rename(f.path, f.path+".1"); err != nil {
		t.Fatalf("Failed to rotate: %v", err)
	}
	f.write(t, "EXPIRED 1 \"GET / HTTP/1.1\" 200\n")

	f.watcher.handle(context.Background(), Event{Kind: MovedSelf, Path: f.path})
	// The new file's creation arrives afterwards
	f.watcher.handle(context.Background(), Event{Kind: Modified, Path: f.path})

	expectCounts(t, f.counts(t), map[string]int64{"miss": 1, "expired": 1})

	inode, err := tailer.InodeOf(f.path)
	if err != nil {
		t.Fatalf("Failed to stat log: %v", err)
	}
	if f.watcher.tailer == nil || f.watcher.tailer.Inode() != inode {
		t.Error("Expected watcher to follow the new file")
	}
	if !f.notifier.subscribed(f.path) {
		t.Error("Expected path to be subscribed after rearm")
	}
}

func TestWatcherDeletedThenRecreated(t *testing.T) {
	f := newFixture(t, tailer.Options{})
	f.write(t, "HIT 1 \"GET / HTTP/1.1\" 200\n")

	if err := f.watcher.Open(); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	f.counts(t)

	f.append(t, "MISS 1 \"GET / HTTP/1.1\" 200\n")
	if err := os.Remove(f.path); err != nil {
		t.Fatalf("Failed to remove log: %v", err)
	}

	f.watcher.handle(context.Background(), Event{Kind: Deleted, Path: f.path})

	if f.watcher.tailer != nil {
		t.Error("Expected tailer to be closed while file is missing")
	}
	if f.watcher.Armed() {
		t.Error("Expected watcher to be disarmed")
	}
	if !f.notifier.subscribed(f.path) {
		t.Error("Expected watch to stay subscribed while waiting")
	}
	expectCounts(t, f.counts(t), map[string]int64{"miss": 1})

	f.write(t, "HIT 1 \"GET / HTTP/1.1\" 200\nHIT 1 \"GET / HTTP/1.1\" 200\n")
	f.watcher.handle(context.Background(), Event{Kind: Modified, Path: f.path})

	if !f.watcher.Armed() {
		t.Error("Expected watcher to be armed after file reappeared")
	}
	expectCounts(t, f.counts(t), map[string]int64{"hit": 2})
}

func TestWatcherMissingAtOpen(t *testing.T) {
	f := newFixture(t, tailer.Options{})

	if err := f.watcher.Open(); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if f.watcher.Armed() {
		t.Error("Expected watcher not to be armed")
	}
	if !f.notifier.subscribed(f.path) {
		t.Error("Expected path to be subscribed")
	}

	f.write(t, "HIT 1 \"GET / HTTP/1.1\" 200\n")
	f.watcher.handle(context.Background(), Event{Kind: Modified, Path: f.path})

	expectCounts(t, f.counts(t), map[string]int64{"hit": 1})
}

func TestWatcherCorruptOffsetIsFatal(t *testing.T) {
	f := newFixture(t, tailer.Options{})
	f.write(t, "HIT 1 \"GET / HTTP/1.1\" 200\n")
	if err := os.WriteFile(f.store.Path(), []byte("garbage"), 0644); err != nil {
		t.Fatalf("Failed to write offset: %v", err)
	}

	err := f.watcher.Open()
	if !errors.Is(err, checkpoint.ErrCorrupt) {
		t.Errorf("Open() error = %v, want ErrCorrupt", err)
	}
}

func TestWatcherSubscribeFailure(t *testing.T) {
	f := newFixture(t, tailer.Options{})
	f.write(t, "")
	f.notifier.addErr = errors.New("no watches left")

	if err := f.watcher.Open(); err == nil {
		t.Error("Expected error when subscribe fails")
	}
}

func TestWatcherStaleEventKeepsTailer(t *testing.T) {
	f := newFixture(t, tailer.Options{})
	f.write(t, "HIT 1 \"GET / HTTP/1.1\" 200\n")

	if err := f.watcher.Open(); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	before := f.watcher.tailer
	removes := f.notifier.removes

	f.watcher.handle(context.Background(), Event{Kind: MovedSelf, Path: f.path})

	if f.watcher.tailer != before {
		t.Error("Expected tailer to be kept for a stale event")
	}
	if f.notifier.removes != removes {
		t.Error("Expected no unsubscribe for a stale event")
	}
}

func TestWatcherStats(t *testing.T) {
	f := newFixture(t, tailer.Options{})
	f.write(t, "HIT 1 \"GET / HTTP/1.1\" 200\n" +
		"HIT 1 \"POST / HTTP/1.1\" 200\n" +
		"garbage\n" +
		"HIT notanumber \"GET / HTTP/1.1\" 200\n")

	if err := f.watcher.Open(); err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	s := f.watcher.Stats()
	if s.Parsed != 1 || s.Filtered != 1 || s.Failed != 2 {
		t.Errorf("Stats() = %+v, want parsed 1 filtered 1 failed 2", s)
	}
}

func TestWatcherRearmDiscardsStaleOffset(t *testing.T) {
	f := newFixture(t, tailer.Options{})
	f.write(t, "HIT 1 \"GET / HTTP/1.1\" 200\nHIT 1 \"GET / HTTP/1.1\" 200\n")

	if err := f.watcher.Open(); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	f.counts(t)

	// Replaced by a shorter file, old inode kept alive elsewhere
	if err := os.Rename(f.path, filepath.Join(filepath.Dir(f.path), "archived")); err != nil {
		t.Fatalf("Failed to move log: %v", err)
	}
	f.write(t, "MISS 1 \"GET / HTTP/1.1\" 200\n")

	f.watcher.handle(context.Background(), Event{Kind: MovedSelf, Path: f.path})

	expectCounts(t, f.counts(t), map[string]int64{"miss": 1})
}

func TestWatcherRun(t *testing.T) {
	f := newFixture(t, tailer.Options{})
	f.write(t, "")

	if err := f.watcher.Open(); err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.watcher.Run(ctx) }()

	f.append(t, "HIT 1 \"GET / HTTP/1.1\" 200\n")
	f.notifier.events <- Event{Kind: Modified, Path: f.path}
	f.notifier.errors <- errors.New("queue overflow")

	deadline := time.Now().Add(5 * time.Second)
	for f.watcher.Stats().Parsed < 1 {
		if time.Now().After(deadline) {
			t.Fatal("Timed out waiting for line to be processed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("Expected error for empty config")
	}
}
