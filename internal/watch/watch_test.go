package watch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func waitForEvent(t *testing.T, events <-chan Event, want EventType, path string) Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == want && (path == "" || ev.Path == path) {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %v on %s", want, path)
		}
	}
}

func TestHybridWatcherReportsCreateAndModify(t *testing.T) {
	dir := t.TempDir()
	w := New(Options{DebounceWindow: 20 * time.Millisecond, PollInterval: 50 * time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- w.Start(ctx, dir) }()
	time.Sleep(50 * time.Millisecond) // let the backend finish its initial recursive add

	target := filepath.Join(dir, "a.py")
	writeFile(t, target, "x = 1\n")

	waitForEvent(t, w.Events(), Created, target)

	writeFile(t, target, "x = 2\n")
	waitForEvent(t, w.Events(), Modified, target)

	require.NoError(t, w.Stop())
	cancel()
	<-done
}

func TestHybridWatcherReportsDelete(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "a.py")
	writeFile(t, target, "x = 1\n")

	w := New(Options{DebounceWindow: 20 * time.Millisecond}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- w.Start(ctx, dir) }()
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, os.Remove(target))
	waitForEvent(t, w.Events(), Deleted, target)

	require.NoError(t, w.Stop())
	cancel()
	<-done
}

func TestPollingWatcherDiffsSnapshots(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.py"), "x = 1\n")

	p := NewPollingWatcher(30*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = p.Start(ctx, dir) }()

	target := filepath.Join(dir, "b.py")
	writeFile(t, target, "y = 1\n")

	waitForEvent(t, p.Events(), Created, target)
	require.NoError(t, p.Stop())
}
