package watch

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// renamePairWindow is how long a bare fsnotify Rename event waits for a
// matching Create at a different path before it is reported as a plain
// Deleted. Editors that do atomic-replace writes (rename old, create new)
// produce exactly this pattern within a few milliseconds.
const renamePairWindow = 50 * time.Millisecond

// HybridWatcher watches root with fsnotify, falling back to a polling
// backend when fsnotify cannot be initialized (e.g. inotify watch limits).
type HybridWatcher struct {
	opts Options

	debounce *debouncer
	resync   chan struct{}
	errs     chan error

	fsw     *fsnotify.Watcher
	polling *PollingWatcher

	mu          sync.Mutex
	rootPath    string
	pendingRenames map[string]*time.Timer // source path -> pairing timer
	dirs        map[string]struct{}      // watched directories, for isDir lookups after the path is gone
	stopped     bool
	stopCh      chan struct{}

	logger *slog.Logger
}

// New builds a Watcher, preferring fsnotify and transparently falling back
// to polling if the OS backend fails to initialize.
func New(opts Options, logger *slog.Logger) *HybridWatcher {
	opts = opts.WithDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	h := &HybridWatcher{
		opts:           opts,
		resync:         make(chan struct{}, 1),
		errs:           make(chan error, 16),
		pendingRenames: make(map[string]*time.Timer),
		dirs:           make(map[string]struct{}),
		stopCh:         make(chan struct{}),
		logger:         logger,
	}
	h.debounce = newDebouncer(opts.DebounceWindow, opts.EventBufferSize, h.triggerResync)
	return h
}

// triggerResync signals an event buffer overflow: delivery may have dropped
// events, so the caller must fall back to a full PathSource scan.
func (h *HybridWatcher) triggerResync() {
	select {
	case h.resync <- struct{}{}:
	default:
	}
}

func (h *HybridWatcher) Events() <-chan Event      { return h.debounce.events() }
func (h *HybridWatcher) Resync() <-chan struct{}   { return h.resync }
func (h *HybridWatcher) Errors() <-chan error       { return h.errs }

// Start begins watching root, blocking until ctx is cancelled or Stop is
// called.
func (h *HybridWatcher) Start(ctx context.Context, root string) error {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("resolve watch root: %w", err)
	}
	h.rootPath = absRoot

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		h.logger.Warn("fsnotify unavailable, falling back to polling", "error", err)
		h.polling = NewPollingWatcher(h.opts.PollInterval, h.opts.Filter)
		return h.runPolling(ctx)
	}
	h.fsw = fsw
	defer func() { _ = fsw.Close() }()

	if err := h.addRecursive(absRoot); err != nil {
		return fmt.Errorf("add watch directories: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-h.stopCh:
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			h.handle(ev)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			h.emitError(err)
		}
	}
}

func (h *HybridWatcher) runPolling(ctx context.Context) error {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-h.stopCh:
				return
			case ev, ok := <-h.polling.Events():
				if !ok {
					return
				}
				h.debounce.add(ev)
			case err, ok := <-h.polling.Errors():
				if !ok {
					return
				}
				h.emitError(err)
			}
		}
	}()
	return h.polling.Start(ctx, h.rootPath)
}

func (h *HybridWatcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && h.ignored(path, true) {
			return fs.SkipDir
		}
		if err := h.fsw.Add(path); err != nil {
			h.emitError(fmt.Errorf("watch %s: %w", path, err))
		}
		h.mu.Lock()
		h.dirs[path] = struct{}{}
		h.mu.Unlock()
		return nil
	})
}

func (h *HybridWatcher) handle(ev fsnotify.Event) {
	info, statErr := os.Lstat(ev.Name)
	isDir := statErr == nil && info.IsDir()
	if statErr != nil {
		// The path is already gone by the time Remove/Rename fires, so Lstat
		// can never tell directory from file here; fall back to whether we
		// had it watched as a directory.
		isDir = h.wasDir(ev.Name)
	}

	if h.ignored(ev.Name, isDir) {
		return
	}

	switch {
	case ev.Op&fsnotify.Create != 0:
		if isDir {
			_ = h.addRecursive(ev.Name)
			h.expandDirCreate(ev.Name)
			return
		}
		if h.claimRenamePair(ev.Name) {
			return
		}
		h.debounce.add(Event{Type: Created, Path: ev.Name})

	case ev.Op&fsnotify.Write != 0:
		if !isDir {
			h.debounce.add(Event{Type: Modified, Path: ev.Name})
		}

	case ev.Op&fsnotify.Remove != 0:
		if isDir {
			h.forgetDir(ev.Name)
		}
		h.debounce.add(Event{Type: Deleted, Path: ev.Name, IsDir: isDir})

	case ev.Op&fsnotify.Rename != 0:
		// fsnotify reports the source side of a rename as Rename and never
		// directly links it to the destination Create; pair them on a short
		// timer so in-place moves surface as a single Moved event instead of
		// Deleted+Created. A renamed-away directory never gets a matching
		// Create at this path, so it always falls through to Deleted, and
		// isDir must carry through from the moment of the event since the
		// path is unstattable by the time the timer fires.
		h.scheduleRenameDelete(ev.Name, isDir)
	}
}

// wasDir reports whether path was being watched as a directory, for use
// once the path itself can no longer be stat'd to tell.
func (h *HybridWatcher) wasDir(path string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.dirs[path]
	return ok
}

func (h *HybridWatcher) forgetDir(path string) {
	h.mu.Lock()
	delete(h.dirs, path)
	h.mu.Unlock()
}

// expandDirCreate enumerates a newly created directory's descendant files
// as individual Created events, per spec: directory-rename/create events
// enumerate descendants rather than requiring the Indexer to recurse.
func (h *HybridWatcher) expandDirCreate(dir string) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if h.ignored(path, false) {
			return nil
		}
		h.debounce.add(Event{Type: Created, Path: path})
		return nil
	})
}

func (h *HybridWatcher) scheduleRenameDelete(path string, isDir bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return
	}
	h.pendingRenames[path] = time.AfterFunc(renamePairWindow, func() {
		h.mu.Lock()
		delete(h.pendingRenames, path)
		if isDir {
			delete(h.dirs, path)
		}
		h.mu.Unlock()
		h.debounce.add(Event{Type: Deleted, Path: path, IsDir: isDir})
	})
}

// claimRenamePair cancels one outstanding pending rename-delete, if any, and
// reports a single Moved event from it to newPath instead. Since fsnotify
// doesn't expose which source path a Create corresponds to, the pending
// rename taken is whichever the map iteration yields first: correct for the
// common single-file-move case, while with several renames outstanding the
// old/new pairing is arbitrary.
func (h *HybridWatcher) claimRenamePair(newPath string) bool {
	h.mu.Lock()
	var claimedOld string
	for oldPath, timer := range h.pendingRenames {
		timer.Stop()
		delete(h.pendingRenames, oldPath)
		claimedOld = oldPath
		break
	}
	h.mu.Unlock()

	if claimedOld == "" {
		return false
	}
	h.debounce.add(Event{Type: Moved, Path: newPath, OldPath: claimedOld})
	return true
}

func (h *HybridWatcher) ignored(absPath string, isDir bool) bool {
	if h.opts.Filter == nil {
		return false
	}
	return h.opts.Filter(absPath, isDir)
}

func (h *HybridWatcher) emitError(err error) {
	select {
	case h.errs <- err:
	default:
	}
}

// Stop halts the watcher. Safe to call multiple times.
func (h *HybridWatcher) Stop() error {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return nil
	}
	h.stopped = true
	for _, t := range h.pendingRenames {
		t.Stop()
	}
	h.mu.Unlock()

	close(h.stopCh)
	if h.polling != nil {
		return h.polling.Stop()
	}
	return nil
}
