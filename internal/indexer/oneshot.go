package indexer

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/codebased-sh/codebased/internal/catalog"
	"github.com/codebased-sh/codebased/internal/cerrors"
)

// RunOnce walks the repository, diffs against the catalog, and commits the
// dirty set through IndexStore with bounded worker-pool parallelism. It
// returns once the last path commits (successfully or via quarantine).
func (ix *Indexer) RunOnce(ctx context.Context) error {
	if err := ix.acquireLock(); err != nil {
		return err
	}
	defer ix.releaseLock()
	return ix.runOnceLocked(ctx)
}

func (ix *Indexer) runOnceLocked(ctx context.Context) error {
	paths, errc := ix.source.Walk(ctx)
	var candidates []string
	for p := range paths {
		candidates = append(candidates, p)
	}
	if err := <-errc; err != nil {
		return fmt.Errorf("walk repository: %w", err)
	}

	scan, err := ix.catalog.Scan(ctx, candidates)
	if err != nil {
		return fmt.Errorf("scan catalog: %w", err)
	}

	dirty := make([]string, 0, len(scan.Added)+len(scan.Modified))
	dirty = append(dirty, scan.Added...)
	dirty = append(dirty, scan.Modified...)

	objectIDs := ix.commitDirty(ctx, dirty, scan.Fingerprints)

	for _, path := range scan.Removed {
		ix.removePath(ctx, path)
	}

	if _, err := ix.store.GCEmbeddings(ctx); err != nil {
		ix.logger.Warn("embedding gc failed", "error", err)
	}

	if len(dirty) > 0 || len(scan.Removed) > 0 {
		affected := make([]string, 0, len(dirty)+len(scan.Removed))
		affected = append(affected, dirty...)
		affected = append(affected, scan.Removed...)
		ix.publish(ChangeNotification{Paths: affected, ObjectIDs: objectIDs})
	}

	return nil
}

// commitDirty fans added/modified paths out across a bounded worker pool,
// isolating per-path failures so one bad file never stalls the rest.
func (ix *Indexer) commitDirty(ctx context.Context, paths []string, fingerprints map[string]catalog.Fingerprint) []string {
	sem := make(chan struct{}, ix.cfg.Workers)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var objectIDs []string

	for _, path := range paths {
		fp, ok := fingerprints[path]
		if !ok {
			continue
		}
		if ix.isQuarantined(path, fp.ContentHash) {
			continue
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(path string, fp catalog.Fingerprint) {
			defer wg.Done()
			defer func() { <-sem }()

			ids, err := ix.commitPath(ctx, path, fp)
			if err != nil {
				if cerrors.IsCancelled(err) {
					return
				}
				ix.logger.Error("index path failed", "path", path, "error", err)
				ix.recordFailure(path, fp.ContentHash)
				return
			}
			ix.clearFailure(path)

			mu.Lock()
			objectIDs = append(objectIDs, ids...)
			mu.Unlock()
		}(path, fp)
	}
	wg.Wait()
	return objectIDs
}

// commitPath extracts objects from one path's current bytes and commits
// them through IndexStore, then updates the path's catalog fingerprint —
// in that order, so a store failure never advances the fingerprint past a
// revision that was never actually indexed.
func (ix *Indexer) commitPath(ctx context.Context, path string, fp catalog.Fingerprint) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.ErrCodeFileNotFound, err).WithDetail("path", path)
	}

	language, _ := ix.extractor.LanguageForPath(path)
	objects, err := ix.extractor.Extract(ctx, path, data, language)
	if err != nil {
		// Parse failure is non-fatal: the file is still catalogued, with
		// zero objects, so it isn't re-parsed every cycle.
		ix.logger.Warn("parse failed, cataloguing with zero objects", "path", path, "error", err)
		objects = nil
	}

	if err := ix.store.CommitPath(ctx, path, data, objects, ix.embedder); err != nil {
		return nil, fmt.Errorf("commit path %s: %w", path, err)
	}

	if err := ix.catalog.Commit(ctx, []catalog.Fingerprint{fp}, nil); err != nil {
		return nil, fmt.Errorf("commit fingerprint for %s: %w", path, err)
	}

	ids := make([]string, len(objects))
	for i, obj := range objects {
		ids[i] = obj.ID
	}
	return ids, nil
}

// removePath deletes a path's objects/embeddings/ANN entries and its
// catalog fingerprint, logging rather than aborting the run on failure.
func (ix *Indexer) removePath(ctx context.Context, path string) {
	if err := ix.store.DeletePath(ctx, path); err != nil {
		ix.logger.Error("delete path failed", "path", path, "error", err)
		return
	}
	if err := ix.catalog.Commit(ctx, nil, []string{path}); err != nil {
		ix.logger.Error("catalog removal commit failed", "path", path, "error", err)
	}
}
