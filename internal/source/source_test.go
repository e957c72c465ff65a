package source

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func collect(t *testing.T, s *PathSource) []string {
	t.Helper()
	paths, errc := s.Walk(context.Background())
	var got []string
	for p := range paths {
		rel, err := filepath.Rel(s.Root(), p)
		require.NoError(t, err)
		got = append(got, filepath.ToSlash(rel))
	}
	require.NoError(t, <-errc)
	sort.Strings(got)
	return got
}

func TestWalkYieldsRegularFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.py"), "def foo(): pass\n")
	writeFile(t, filepath.Join(dir, "sub", "b.py"), "def bar(): pass\n")

	s, err := New(dir)
	require.NoError(t, err)

	got := collect(t, s)
	assert.Equal(t, []string{"a.py", "sub/b.py"}, got)
}

func TestWalkSkipsHiddenDirsExceptRoot(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, ".hidden", "x.py"), "x = 1\n")
	writeFile(t, filepath.Join(dir, "visible.py"), "y = 1\n")

	s, err := New(dir)
	require.NoError(t, err)

	got := collect(t, s)
	assert.Equal(t, []string{"visible.py"}, got)
}

func TestWalkHonorsGitignore(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, ".gitignore"), "*.log\nvendor/\n")
	writeFile(t, filepath.Join(dir, "keep.py"), "x = 1\n")
	writeFile(t, filepath.Join(dir, "debug.log"), "log\n")
	writeFile(t, filepath.Join(dir, "vendor", "dep.go"), "package vendor\n")

	s, err := New(dir)
	require.NoError(t, err)

	got := collect(t, s)
	assert.Equal(t, []string{".gitignore", "keep.py"}, got)
}

func TestCbignoreReexcludesGitignoreNegation(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, ".gitignore"), "vendor/*\n!vendor/important.go\n")
	writeFile(t, filepath.Join(dir, ".cbignore"), "vendor/\n")
	writeFile(t, filepath.Join(dir, "vendor", "important.go"), "package vendor\n")

	s, err := New(dir)
	require.NoError(t, err)

	got := collect(t, s)
	for _, p := range got {
		assert.NotEqual(t, "vendor/important.go", p)
	}
}

func TestWalkSkipsSymlinks(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "real.py"), "x = 1\n")
	require.NoError(t, os.Symlink(filepath.Join(dir, "real.py"), filepath.Join(dir, "link.py")))

	s, err := New(dir)
	require.NoError(t, err)

	got := collect(t, s)
	assert.Equal(t, []string{"real.py"}, got)
}

func TestWalkSkipsBinaryFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "text.py"), "x = 1\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bin.dat"), []byte{0, 1, 2, 3, 0}, 0o644))

	s, err := New(dir)
	require.NoError(t, err)

	got := collect(t, s)
	assert.Equal(t, []string{"text.py"}, got)
}

func TestWalkIsRestartable(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.py"), "x = 1\n")

	s, err := New(dir)
	require.NoError(t, err)

	first := collect(t, s)
	second := collect(t, s)
	assert.Equal(t, first, second)
}
