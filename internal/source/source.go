// Package source walks a repository root and yields the ordered sequence of
// candidate file paths for extraction, honoring .gitignore/.cbignore and
// filtering hidden directories, symlinks, and binaries.
package source

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"unicode/utf8"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/codebased-sh/codebased/internal/ignore"
)

// matcherCacheSize bounds the number of per-directory ignore matchers kept
// resident during a walk, so a very deep tree doesn't grow this unbounded.
const matcherCacheSize = 1000

// sniffBytes is how much of a file's head is inspected for binary content.
const sniffBytes = 8192

// PathSource walks rootDir, yielding absolute paths of files worth
// extracting from.
type PathSource struct {
	rootDir string

	mu             sync.Mutex
	gitignoreCache *lru.Cache[string, *ignore.Matcher]
	cbignoreCache  *lru.Cache[string, *ignore.Matcher]
}

// New creates a PathSource rooted at rootDir, which must exist and be a
// directory.
func New(rootDir string) (*PathSource, error) {
	absRoot, err := filepath.Abs(rootDir)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		return nil, fmt.Errorf("stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root is not a directory: %s", absRoot)
	}

	gitCache, err := lru.New[string, *ignore.Matcher](matcherCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create gitignore cache: %w", err)
	}
	cbCache, err := lru.New[string, *ignore.Matcher](matcherCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create cbignore cache: %w", err)
	}

	return &PathSource{
		rootDir:        absRoot,
		gitignoreCache: gitCache,
		cbignoreCache:  cbCache,
	}, nil
}

// Root returns the absolute repository root this PathSource walks.
func (s *PathSource) Root() string {
	return s.rootDir
}

// Walk streams absolute paths of indexable files under the root. The
// returned channel is closed when the walk completes or ctx is cancelled;
// a non-nil error on the error channel means the walk aborted early. Calling
// Walk again starts a fresh, independent walk (restartable).
func (s *PathSource) Walk(ctx context.Context) (<-chan string, <-chan error) {
	paths := make(chan string, 256)
	errc := make(chan error, 1)

	go func() {
		defer close(paths)
		defer close(errc)

		err := filepath.WalkDir(s.rootDir, func(path string, d fs.DirEntry, err error) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			if err != nil {
				return nil
			}

			relPath, relErr := filepath.Rel(s.rootDir, path)
			if relErr != nil {
				return nil
			}
			if relPath == "." {
				return nil
			}

			if d.IsDir() {
				if relPath != "." && isHidden(d.Name()) {
					return fs.SkipDir
				}
				if s.ignoredDir(relPath) {
					return fs.SkipDir
				}
				return nil
			}

			if d.Type()&fs.ModeSymlink != 0 {
				return nil
			}

			if s.ignoredFile(relPath) {
				return nil
			}

			if isBinaryFile(path) {
				return nil
			}

			select {
			case paths <- path:
			case <-ctx.Done():
				return ctx.Err()
			}
			return nil
		})

		if err != nil && err != context.Canceled {
			select {
			case errc <- err:
			default:
			}
		}
	}()

	return paths, errc
}

func isHidden(name string) bool {
	return len(name) > 1 && name[0] == '.'
}

func (s *PathSource) ignoredDir(relPath string) bool {
	return s.ignored(relPath, true)
}

func (s *PathSource) ignoredFile(relPath string) bool {
	return s.ignored(relPath, false)
}

// ignored applies .gitignore rules first, then .cbignore, walking from the
// root down to the immediate parent of relPath so ancestor rules apply and
// deeper rules override, matching standard gitignore precedence. A
// .cbignore match always wins regardless of a .gitignore negation, since it
// is consulted last.
func (s *PathSource) ignored(relPath string, isDir bool) bool {
	dir := filepath.Dir(relPath)
	var dirs []string
	for {
		dirs = append([]string{dir}, dirs...)
		if dir == "." {
			break
		}
		dir = filepath.Dir(dir)
	}

	gitIgnored := false
	for _, d := range dirs {
		m := s.matcherFor(s.gitignoreCache, ignore.GitignoreFile, d)
		if m == nil {
			continue
		}
		if m.Match(relPath, isDir) {
			gitIgnored = true
		}
	}

	cbIgnored := false
	for _, d := range dirs {
		m := s.matcherFor(s.cbignoreCache, ignore.CbignoreFile, d)
		if m == nil {
			continue
		}
		if m.Match(relPath, isDir) {
			cbIgnored = true
		}
	}

	return gitIgnored || cbIgnored
}

func (s *PathSource) matcherFor(cache *lru.Cache[string, *ignore.Matcher], filename, relDir string) *ignore.Matcher {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m, ok := cache.Get(relDir); ok {
		return m
	}

	absDir := s.rootDir
	if relDir != "." {
		absDir = filepath.Join(s.rootDir, relDir)
	}
	path := filepath.Join(absDir, filename)

	if _, err := os.Stat(path); err != nil {
		cache.Add(relDir, nil)
		return nil
	}

	base := ""
	if relDir != "." {
		base = filepath.ToSlash(relDir)
	}

	m := ignore.New()
	if err := m.AddFromFile(path, base); err != nil {
		cache.Add(relDir, nil)
		return nil
	}
	cache.Add(relDir, m)
	return m
}

// isBinaryFile reports whether path's first sniffBytes contain a NUL byte
// or fail to decode as valid UTF-8.
func isBinaryFile(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer func() { _ = f.Close() }()

	buf := make([]byte, sniffBytes)
	n, _ := f.Read(buf)
	buf = buf[:n]

	if bytes.IndexByte(buf, 0) != -1 {
		return true
	}
	return !utf8.Valid(buf)
}
