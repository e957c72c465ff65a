package indexer

import (
	"context"
	"errors"
	"fmt"

	"github.com/codebased-sh/codebased/internal/watch"
)

// ErrNoWatcher is returned by RunLive when the Indexer was constructed
// without a Watcher.
var ErrNoWatcher = errors.New("indexer: live mode requires a watcher")

// RunLive performs a one-shot index, then subscribes to the Watcher and
// keeps the index converged with the on-disk tree until ctx is cancelled.
// Per-event work is serialized: the Watcher's own coalescing window already
// collapses rapid-fire events per path, so a single in-order consumer keeps
// commit ordering simple without sacrificing throughput for interactive use.
func (ix *Indexer) RunLive(ctx context.Context) error {
	if ix.watcher == nil {
		return ErrNoWatcher
	}
	if err := ix.acquireLock(); err != nil {
		return err
	}
	defer ix.releaseLock()

	if err := ix.runOnceLocked(ctx); err != nil {
		return fmt.Errorf("initial index: %w", err)
	}

	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()

	started := make(chan error, 1)
	go func() { started <- ix.watcher.Start(watchCtx, ix.cfg.RootDir) }()

	for {
		select {
		case <-ctx.Done():
			_ = ix.watcher.Stop()
			<-started
			return ctx.Err()

		case err := <-started:
			if err != nil && ctx.Err() == nil {
				return fmt.Errorf("watcher stopped: %w", err)
			}
			return ctx.Err()

		case <-ix.watcher.Resync():
			ix.logger.Warn("watcher overflow, running full rescan")
			if err := ix.runOnceLocked(ctx); err != nil {
				ix.logger.Error("resync scan failed", "error", err)
			}

		case err := <-ix.watcher.Errors():
			ix.logger.Warn("watcher error", "error", err)

		case ev, ok := <-ix.watcher.Events():
			if !ok {
				continue
			}
			ix.handleWatchEvent(ctx, ev)
		}
	}
}

func (ix *Indexer) handleWatchEvent(ctx context.Context, ev watch.Event) {
	switch ev.Type {
	case watch.Deleted:
		if ev.IsDir {
			// Directory removal can take an arbitrary number of catalogued
			// descendants with it; a full rescan correctly flags every one
			// of them Removed without the Indexer tracking directory
			// membership itself.
			if err := ix.runOnceLocked(ctx); err != nil {
				ix.logger.Error("rescan after directory delete failed", "path", ev.Path, "error", err)
			}
			return
		}
		ix.removePath(ctx, ev.Path)
		ix.publish(ChangeNotification{Paths: []string{ev.Path}})

	case watch.Moved:
		ix.removePath(ctx, ev.OldPath)
		ix.reindexOne(ctx, ev.Path)

	case watch.Created, watch.Modified:
		if ev.IsDir {
			return
		}
		ix.reindexOne(ctx, ev.Path)
	}
}

// reindexOne re-scans and commits a single path, the incremental
// counterpart to commitDirty's batch path.
func (ix *Indexer) reindexOne(ctx context.Context, path string) {
	// Scan with a singleton candidate set: every other catalogued path will
	// show up in scan.Removed, which is fine since we only read
	// scan.Fingerprints[path] below and discard the rest.
	scan, err := ix.catalog.Scan(ctx, []string{path})
	if err != nil {
		ix.logger.Error("scan path failed", "path", path, "error", err)
		return
	}
	fp, ok := scan.Fingerprints[path]
	if !ok {
		return // stat-identical; nothing to do
	}
	if ix.isQuarantined(path, fp.ContentHash) {
		return
	}

	ids, err := ix.commitPath(ctx, path, fp)
	if err != nil {
		ix.logger.Error("index path failed", "path", path, "error", err)
		ix.recordFailure(path, fp.ContentHash)
		return
	}
	ix.clearFailure(path)
	ix.publish(ChangeNotification{Paths: []string{path}, ObjectIDs: ids})
}
