// Package catalog implements FingerprintCatalog: the durable path→fingerprint
// mapping the Indexer diffs against on every scan. A cheap (size, mtime_ns)
// prefilter avoids hashing file content unless that prefilter disagrees.
package catalog

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/codebased-sh/codebased/internal/cerrors"
)

// Fingerprint identifies the on-disk state of one catalogued path.
type Fingerprint struct {
	Path        string
	Size        int64
	ModTimeNS   int64
	ContentHash string
}

// ScanResult partitions a set of candidate paths against stored fingerprints.
type ScanResult struct {
	Added     []string
	Modified  []string
	Removed   []string
	Unchanged []string

	// Fingerprints holds the freshly computed fingerprint for every path in
	// Added and Modified, and for every Unchanged path whose stat changed
	// but whose content hash did not, keyed by path, ready for Commit.
	Fingerprints map[string]Fingerprint
}

// Catalog is the durable path→fingerprint mapping, backed by a `files`
// table in the shared index database (the same *sql.DB the IndexStore's
// object/embedding/FTS tables live in, so Commit can be folded into the same
// transaction as the object and embedding writes).
type Catalog struct {
	db *sql.DB
}

// Open ensures the `files` table exists in db and returns a Catalog over it.
// db is expected to already have WAL/pragma setup applied by its owner.
func Open(db *sql.DB) (*Catalog, error) {
	const schema = `
	CREATE TABLE IF NOT EXISTS files (
		path TEXT PRIMARY KEY,
		size INTEGER NOT NULL,
		mtime_ns INTEGER NOT NULL,
		content_hash TEXT NOT NULL
	);`
	if _, err := db.Exec(schema); err != nil {
		return nil, cerrors.Wrap(cerrors.ErrCodeStoreOpen, fmt.Errorf("create files table: %w", err))
	}
	return &Catalog{db: db}, nil
}

// Scan partitions paths against the stored catalog. A path present in the
// store but absent from paths is Removed. A path whose (size, mtime_ns)
// match the stored row is Unchanged without touching its bytes; only a
// mismatch triggers a content hash, and if that hash still matches the
// stored one the path is still reported Unchanged (the file was merely
// touched, not edited).
func (c *Catalog) Scan(ctx context.Context, paths []string) (ScanResult, error) {
	stored, err := c.all(ctx)
	if err != nil {
		return ScanResult{}, err
	}

	result := ScanResult{Fingerprints: make(map[string]Fingerprint)}
	seen := make(map[string]struct{}, len(paths))

	for _, path := range paths {
		select {
		case <-ctx.Done():
			return ScanResult{}, cerrors.Cancelled(ctx.Err())
		default:
		}

		seen[path] = struct{}{}

		info, err := os.Stat(path)
		if err != nil {
			return ScanResult{}, cerrors.Wrap(cerrors.ErrCodeFileNotFound, err).WithDetail("path", path)
		}
		size := info.Size()
		mtimeNS := info.ModTime().UnixNano()

		existing, existed := stored[path]
		if existed && existing.Size == size && existing.ModTimeNS == mtimeNS {
			result.Unchanged = append(result.Unchanged, path)
			continue
		}

		hash, err := hashFile(path)
		if err != nil {
			return ScanResult{}, cerrors.Wrap(cerrors.ErrCodeFileNotFound, err).WithDetail("path", path)
		}

		fp := Fingerprint{Path: path, Size: size, ModTimeNS: mtimeNS, ContentHash: hash}

		switch {
		case !existed:
			result.Added = append(result.Added, path)
			result.Fingerprints[path] = fp
		case existing.ContentHash == hash:
			// Bytes identical despite a changed mtime; refresh the stat
			// fields so future scans see a cheap match, but don't treat
			// this as a content change.
			result.Unchanged = append(result.Unchanged, path)
			result.Fingerprints[path] = fp
		default:
			result.Modified = append(result.Modified, path)
			result.Fingerprints[path] = fp
		}
	}

	for path := range stored {
		if _, ok := seen[path]; !ok {
			result.Removed = append(result.Removed, path)
		}
	}

	return result, nil
}

// Commit writes fingerprints for added/modified/touched paths and deletes
// removed paths, all within a single transaction. Callers doing a combined
// catalog+object+embedding commit should instead issue the equivalent SQL
// inside their own transaction using the same *sql.DB; Commit is provided
// for standalone use (tests, simple one-shot indexing).
func (c *Catalog) Commit(ctx context.Context, upserts []Fingerprint, removed []string) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return cerrors.Wrap(cerrors.ErrCodeStoreOpen, err)
	}
	defer func() { _ = tx.Rollback() }()

	upsertStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO files(path, size, mtime_ns, content_hash) VALUES (?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET size=excluded.size, mtime_ns=excluded.mtime_ns, content_hash=excluded.content_hash
	`)
	if err != nil {
		return cerrors.Wrap(cerrors.ErrCodeStoreOpen, err)
	}
	defer func() { _ = upsertStmt.Close() }()

	for _, fp := range upserts {
		if _, err := upsertStmt.ExecContext(ctx, fp.Path, fp.Size, fp.ModTimeNS, fp.ContentHash); err != nil {
			return cerrors.Wrap(cerrors.ErrCodeConsistencyViolation, err).WithDetail("path", fp.Path)
		}
	}

	deleteStmt, err := tx.PrepareContext(ctx, `DELETE FROM files WHERE path = ?`)
	if err != nil {
		return cerrors.Wrap(cerrors.ErrCodeStoreOpen, err)
	}
	defer func() { _ = deleteStmt.Close() }()

	for _, path := range removed {
		if _, err := deleteStmt.ExecContext(ctx, path); err != nil {
			return cerrors.Wrap(cerrors.ErrCodeConsistencyViolation, err).WithDetail("path", path)
		}
	}

	if err := tx.Commit(); err != nil {
		return cerrors.Wrap(cerrors.ErrCodeConsistencyViolation, err)
	}
	return nil
}

// Get returns the stored fingerprint for path, if any.
func (c *Catalog) Get(ctx context.Context, path string) (Fingerprint, bool, error) {
	var fp Fingerprint
	fp.Path = path
	err := c.db.QueryRowContext(ctx, `SELECT size, mtime_ns, content_hash FROM files WHERE path = ?`, path).
		Scan(&fp.Size, &fp.ModTimeNS, &fp.ContentHash)
	if err == sql.ErrNoRows {
		return Fingerprint{}, false, nil
	}
	if err != nil {
		return Fingerprint{}, false, cerrors.Wrap(cerrors.ErrCodeStoreOpen, err)
	}
	return fp, true, nil
}

func (c *Catalog) all(ctx context.Context) (map[string]Fingerprint, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT path, size, mtime_ns, content_hash FROM files`)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.ErrCodeStoreOpen, err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]Fingerprint)
	for rows.Next() {
		var fp Fingerprint
		if err := rows.Scan(&fp.Path, &fp.Size, &fp.ModTimeNS, &fp.ContentHash); err != nil {
			return nil, cerrors.Wrap(cerrors.ErrCodeStoreOpen, err)
		}
		out[fp.Path] = fp
	}
	if err := rows.Err(); err != nil {
		return nil, cerrors.Wrap(cerrors.ErrCodeStoreOpen, err)
	}
	return out, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
