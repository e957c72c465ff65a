// Package indexer implements the Indexer: orchestration of PathSource,
// FingerprintCatalog, ObjectExtractor, EmbeddingService and IndexStore into
// one-shot and live indexing runs. One-shot indexes the dirty set once and
// returns; live additionally subscribes to a Watcher and keeps the index
// converged with the on-disk tree until its context is cancelled.
package indexer

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/codebased-sh/codebased/internal/catalog"
	"github.com/codebased-sh/codebased/internal/embedding"
	"github.com/codebased-sh/codebased/internal/extract"
	"github.com/codebased-sh/codebased/internal/indexstore"
	"github.com/codebased-sh/codebased/internal/source"
	"github.com/codebased-sh/codebased/internal/watch"
)

// maxQuarantineAttempts bounds how many times a path is retried per session
// before it is quarantined until its fingerprint changes.
const maxQuarantineAttempts = 3

// Config controls Indexer behavior. Zero values fall back to the
// documented defaults.
type Config struct {
	// RootDir is the repository root to index.
	RootDir string
	// Workers bounds one-shot extraction/commit parallelism. Default
	// min(runtime.NumCPU(), 8).
	Workers int
	// LockPath is an advisory lock file path guarding against two Indexer
	// instances writing the same index concurrently. Empty disables
	// locking (tests typically do, using in-memory stores).
	LockPath string
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU()
		if c.Workers > 8 {
			c.Workers = 8
		}
	}
	return c
}

// ChangeNotification is published after a commit becomes visible, carrying
// the ids of objects affected by that commit (for added/modified paths) or
// empty for a removal-only commit.
type ChangeNotification struct {
	ID        string
	Paths     []string
	ObjectIDs []string
}

// Indexer is the Indexer component: it owns the full pipeline from
// directory walk to committed index revision.
type Indexer struct {
	cfg       Config
	logger    *slog.Logger
	source    *source.PathSource
	catalog   *catalog.Catalog
	extractor *extract.ObjectExtractor
	store     *indexstore.Store
	embedder  *embedding.Service
	watcher   watch.Watcher
	lock      *flock.Flock

	mu          sync.Mutex
	failures    map[string]int
	quarantined map[string]string // path -> content hash it is quarantined for

	subMu sync.Mutex
	subs  []chan ChangeNotification
}

// New builds an Indexer. watcher may be nil; RunOnce then still works and
// RunLive returns ErrNoWatcher.
func New(cfg Config, src *source.PathSource, cat *catalog.Catalog, extractor *extract.ObjectExtractor, store *indexstore.Store, embedder *embedding.Service, watcher watch.Watcher, logger *slog.Logger) *Indexer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Indexer{
		cfg:         cfg.withDefaults(),
		logger:      logger,
		source:      src,
		catalog:     cat,
		extractor:   extractor,
		store:       store,
		embedder:    embedder,
		watcher:     watcher,
		failures:    make(map[string]int),
		quarantined: make(map[string]string),
	}
}

// Subscribe registers a channel that receives a ChangeNotification after
// every commit. The channel is buffered; a slow subscriber only misses
// notifications, it never blocks indexing.
func (ix *Indexer) Subscribe() <-chan ChangeNotification {
	ch := make(chan ChangeNotification, 32)
	ix.subMu.Lock()
	ix.subs = append(ix.subs, ch)
	ix.subMu.Unlock()
	return ch
}

func (ix *Indexer) publish(n ChangeNotification) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	ix.subMu.Lock()
	defer ix.subMu.Unlock()
	for _, ch := range ix.subs {
		select {
		case ch <- n:
		default:
		}
	}
}

// acquireLock takes the advisory lock at cfg.LockPath, if configured, so a
// second Indexer instance never races this one for index.db/ann.bin.
func (ix *Indexer) acquireLock() error {
	if ix.cfg.LockPath == "" {
		return nil
	}
	ix.lock = flock.New(ix.cfg.LockPath)
	locked, err := ix.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire index lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("index at %s is locked by another process", ix.cfg.RootDir)
	}
	return nil
}

func (ix *Indexer) releaseLock() {
	if ix.lock != nil {
		_ = ix.lock.Unlock()
	}
}

// Close releases the advisory lock, if held. It does not close the
// injected Store/Service/Watcher; callers own those lifetimes.
func (ix *Indexer) Close() error {
	ix.releaseLock()
	return nil
}

func (ix *Indexer) isQuarantined(path, currentHash string) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	hash, ok := ix.quarantined[path]
	return ok && hash == currentHash
}

func (ix *Indexer) recordFailure(path, hash string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.failures[path]++
	if ix.failures[path] >= maxQuarantineAttempts {
		ix.quarantined[path] = hash
		ix.logger.Warn("path quarantined after repeated failures", "path", path, "attempts", ix.failures[path])
	}
}

func (ix *Indexer) clearFailure(path string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	delete(ix.failures, path)
	delete(ix.quarantined, path)
}

// drainTimeout is a 5s shutdown drain period. RunLive does not read it: on
// cancellation RunLive stops the watcher and returns without waiting for a
// drain period.
const drainTimeout = 5 * time.Second
