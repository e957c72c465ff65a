package catalog

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestScanReportsAddedForNewPaths(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.py")
	writeFile(t, a, "x = 1\n")

	c, err := Open(openTestDB(t))
	require.NoError(t, err)

	result, err := c.Scan(context.Background(), []string{a})
	require.NoError(t, err)
	assert.Equal(t, []string{a}, result.Added)
	assert.Empty(t, result.Modified)
	assert.Empty(t, result.Removed)
	assert.Empty(t, result.Unchanged)
}

func TestScanUnchangedWhenStatMatches(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.py")
	writeFile(t, a, "x = 1\n")

	c, err := Open(openTestDB(t))
	require.NoError(t, err)

	result, err := c.Scan(context.Background(), []string{a})
	require.NoError(t, err)
	require.NoError(t, c.Commit(context.Background(), valuesOf(result.Fingerprints), nil))

	result2, err := c.Scan(context.Background(), []string{a})
	require.NoError(t, err)
	assert.Equal(t, []string{a}, result2.Unchanged)
	assert.Empty(t, result2.Added)
}

func TestScanModifiedOnContentChange(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.py")
	writeFile(t, a, "x = 1\n")

	c, err := Open(openTestDB(t))
	require.NoError(t, err)

	result, err := c.Scan(context.Background(), []string{a})
	require.NoError(t, err)
	require.NoError(t, c.Commit(context.Background(), valuesOf(result.Fingerprints), nil))

	writeFile(t, a, "x = 2\n")
	result2, err := c.Scan(context.Background(), []string{a})
	require.NoError(t, err)
	assert.Equal(t, []string{a}, result2.Modified)
}

func TestScanRemovedWhenPathGoneFromList(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.py")
	writeFile(t, a, "x = 1\n")

	c, err := Open(openTestDB(t))
	require.NoError(t, err)

	result, err := c.Scan(context.Background(), []string{a})
	require.NoError(t, err)
	require.NoError(t, c.Commit(context.Background(), valuesOf(result.Fingerprints), nil))

	result2, err := c.Scan(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{a}, result2.Removed)
}

func TestCommitRemovesDeletedPaths(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.py")
	writeFile(t, a, "x = 1\n")

	c, err := Open(openTestDB(t))
	require.NoError(t, err)

	result, err := c.Scan(context.Background(), []string{a})
	require.NoError(t, err)
	require.NoError(t, c.Commit(context.Background(), valuesOf(result.Fingerprints), nil))

	require.NoError(t, c.Commit(context.Background(), nil, []string{a}))

	_, ok, err := c.Get(context.Background(), a)
	require.NoError(t, err)
	assert.False(t, ok)
}

func valuesOf(m map[string]Fingerprint) []Fingerprint {
	out := make([]Fingerprint, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out
}
