package search

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codebased-sh/codebased/internal/embedding"
	"github.com/codebased-sh/codebased/internal/extract"
	"github.com/codebased-sh/codebased/internal/indexstore"
)

// fakeEmbeddingServer returns a fixed-dimension vector per input text so
// vector search has something deterministic to rank against.
func fakeEmbeddingServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Input []string `json:"input"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)

		type item struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		}
		resp := struct {
			Data []item `json:"data"`
		}{}
		for i, text := range req.Input {
			// Any text containing "foo" gets a vector close to [1,0,0];
			// everything else gets [0,1,0], so vector search has a
			// deterministic near/far split to rank on.
			if contains(text, "foo") {
				resp.Data = append(resp.Data, item{Index: i, Embedding: []float32{1, 0, 0}})
			} else {
				resp.Data = append(resp.Data, item{Index: i, Embedding: []float32{0, 1, 0}})
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

func newTestSearcher(t *testing.T) (*Searcher, *indexstore.Store) {
	t.Helper()

	srv := fakeEmbeddingServer(t)
	t.Cleanup(srv.Close)

	store, err := indexstore.Open(":memory:", filepath.Join(t.TempDir(), "ann.bin"), 3)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	embedSvc := embedding.New(embedding.Config{BaseURL: srv.URL, Model: "test-model"}, store, nil)
	t.Cleanup(func() { _ = embedSvc.Close() })

	s, err := New(store, embedSvc, 0)
	require.NoError(t, err)
	return s, store
}

func writeAndCommit(t *testing.T, store *indexstore.Store, embedSvc *embedding.Service, dir, name, content string, objs []extract.Object) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	require.NoError(t, store.CommitPath(context.Background(), path, []byte(content), objs, embedSvc))
	return path
}

func TestSearchFusesLexicalAndSemanticHits(t *testing.T) {
	dir := t.TempDir()
	s, store := newTestSearcher(t)

	fooSrc := "def foo():\n    return 1\n"
	barSrc := "def bar():\n    return 2\n"

	fooPath := writeAndCommit(t, store, s.embedder, dir, "foo.py", fooSrc, []extract.Object{
		{ID: "foo#1", Path: filepath.Join(dir, "foo.py"), Name: "foo", Language: "python", Kind: extract.KindFunction,
			ByteRange: extract.ByteRange{Start: 0, End: uint32(len(fooSrc))}},
	})
	writeAndCommit(t, store, s.embedder, dir, "bar.py", barSrc, []extract.Object{
		{ID: "bar#1", Path: filepath.Join(dir, "bar.py"), Name: "bar", Language: "python", Kind: extract.KindFunction,
			ByteRange: extract.ByteRange{Start: 0, End: uint32(len(barSrc))}},
	})

	page, err := s.Search(context.Background(), Query{Text: "foo", K: 5})
	require.NoError(t, err)
	require.NotEmpty(t, page.Results)
	assert.Equal(t, fooPath, page.Results[0].Object.Path)
	assert.Equal(t, "foo", page.Results[0].Object.Name)
	assert.NotEmpty(t, page.Results[0].Body)
}

func TestSearchAppliesLanguageFilter(t *testing.T) {
	dir := t.TempDir()
	s, store := newTestSearcher(t)

	fooSrc := "def foo():\n    return 1\n"
	writeAndCommit(t, store, s.embedder, dir, "foo.py", fooSrc, []extract.Object{
		{ID: "foo#1", Path: filepath.Join(dir, "foo.py"), Name: "foo", Language: "python", Kind: extract.KindFunction,
			ByteRange: extract.ByteRange{Start: 0, End: uint32(len(fooSrc))}},
	})

	page, err := s.Search(context.Background(), Query{Text: "foo", K: 5, Language: "typescript"})
	require.NoError(t, err)
	assert.Empty(t, page.Results)
}

func TestSearchDropsResultWithStaleByteRange(t *testing.T) {
	dir := t.TempDir()
	s, store := newTestSearcher(t)

	fooSrc := "def foo():\n    return 1\n"
	writeAndCommit(t, store, s.embedder, dir, "foo.py", fooSrc, []extract.Object{
		{ID: "foo#1", Path: filepath.Join(dir, "foo.py"), Name: "foo", Language: "python", Kind: extract.KindFunction,
			ByteRange: extract.ByteRange{Start: 0, End: uint32(len(fooSrc))}},
	})
	// Shrink the file on disk so the committed byte range no longer fits.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "foo.py"), []byte("x\n"), 0o644))

	page, err := s.Search(context.Background(), Query{Text: "foo", K: 5})
	require.NoError(t, err)
	assert.Empty(t, page.Results)
}

func TestEmbedQueryCachesRepeatedText(t *testing.T) {
	s, _ := newTestSearcher(t)

	vec1, err := s.embedQuery(context.Background(), "a search phrase")
	require.NoError(t, err)

	vec2, err := s.embedQuery(context.Background(), "a search phrase")
	require.NoError(t, err)
	assert.Equal(t, vec1, vec2)

	_, ok := s.queryCache.Get("a search phrase")
	assert.True(t, ok)
}
