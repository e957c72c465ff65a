package search

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"github.com/codebased-sh/codebased/internal/embedding"
	"github.com/codebased-sh/codebased/internal/indexstore"
)

const (
	// DefaultK is the result count used when Query.K is unset.
	DefaultK = 10
	// poolMultiplier is how much deeper each sub-search digs than the final
	// result count, giving fusion and filtering room to work.
	poolMultiplier = 3
	// queryCacheSize bounds the Searcher's own query-embedding cache,
	// separate from EmbeddingService's content cache: repeat queries in an
	// interactive session skip the remote call entirely.
	queryCacheSize = 128
)

// Searcher executes hybrid search queries over a Store, fusing lexical and
// semantic sub-searches by Reciprocal Rank Fusion.
type Searcher struct {
	store    *indexstore.Store
	embedder *embedding.Service
	rrfK     int

	queryCache *lru.Cache[string, []float32]
}

// New builds a Searcher. rrfK <= 0 uses DefaultRRFConstant.
func New(store *indexstore.Store, embedder *embedding.Service, rrfK int) (*Searcher, error) {
	if rrfK <= 0 {
		rrfK = DefaultRRFConstant
	}
	cache, err := lru.New[string, []float32](queryCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create query cache: %w", err)
	}
	return &Searcher{store: store, embedder: embedder, rrfK: rrfK, queryCache: cache}, nil
}

// Search runs the lexical and semantic sub-searches concurrently, fuses
// them, applies q's filters, and hydrates the top K with body text read
// fresh from disk.
func (s *Searcher) Search(ctx context.Context, q Query) (ResultPage, error) {
	k := q.K
	if k <= 0 {
		k = DefaultK
	}
	pool := k * poolMultiplier

	var lexical, semantic []indexstore.SearchHit

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hits, err := s.store.LexicalSearch(gctx, lexicalQuery(q.Text), pool)
		if err != nil {
			return fmt.Errorf("lexical search: %w", err)
		}
		lexical = hits
		return nil
	})
	g.Go(func() error {
		vec, err := s.embedQuery(gctx, q.Text)
		if err != nil {
			return fmt.Errorf("embed query: %w", err)
		}
		hits, err := s.store.VectorSearch(gctx, vec, pool)
		if err != nil {
			return fmt.Errorf("vector search: %w", err)
		}
		semantic = hits
		return nil
	})
	if err := g.Wait(); err != nil {
		return ResultPage{}, err
	}

	candidates := fuseRRF(lexical, semantic, s.rrfK)

	results := make([]Result, 0, k)
	for _, c := range candidates {
		if len(results) >= k {
			break
		}
		if !matchesFilters(c.object, q) {
			continue
		}
		body, ok := readBody(c.object)
		if !ok {
			// File vanished or the byte range no longer fits the current
			// bytes on disk; drop it and let the next candidate fill the
			// slot rather than surfacing a stale snippet.
			continue
		}
		results = append(results, Result{
			Object:        c.object,
			Body:          body,
			LexicalScore:  c.lexicalScore,
			LexicalRank:   c.lexicalRank,
			SemanticScore: c.semanticScore,
			SemanticRank:  c.semanticRank,
			FusedScore:    c.rrfScore,
		})
	}

	return ResultPage{Results: results, Query: q.Text}, nil
}

// embedQuery returns q's embedding, serving it from the Searcher's own
// cache when the exact text was embedded before in this process.
func (s *Searcher) embedQuery(ctx context.Context, text string) ([]float32, error) {
	if vec, ok := s.queryCache.Get(text); ok {
		return vec, nil
	}

	fp := embedding.Fingerprint(sha256.Sum256([]byte(text)))
	items := []embedding.ContentItem{{Fingerprint: fp, Text: text}}

	vectors, err := s.embedder.Embed(ctx, items)
	if err != nil {
		return nil, err
	}
	vec, ok := vectors[fp]
	if !ok {
		return nil, fmt.Errorf("no embedding returned for query")
	}

	s.queryCache.Add(text, vec)
	return vec, nil
}

// lexicalQuery wraps free text as an FTS5 phrase match so multi-word
// queries search the trigram index as a literal substring rather than as an
// implicit AND of independent terms.
func lexicalQuery(text string) string {
	escaped := strings.ReplaceAll(text, `"`, `""`)
	return `"` + escaped + `"`
}

func matchesFilters(obj indexstore.ObjectRecord, q Query) bool {
	if q.Language != "" && obj.Language != q.Language {
		return false
	}
	if q.Kind != "" && string(obj.Kind) != q.Kind {
		return false
	}
	if q.PathPrefix != "" && !strings.HasPrefix(obj.Path, q.PathPrefix) {
		return false
	}
	return true
}

// readBody re-reads obj's byte range fresh from disk rather than trusting
// any cached snippet, so a result reflects the file's current content and
// silently drops if the range no longer fits.
func readBody(obj indexstore.ObjectRecord) (string, bool) {
	data, err := os.ReadFile(obj.Path)
	if err != nil {
		return "", false
	}
	if obj.ByteStart >= obj.ByteEnd || uint64(obj.ByteEnd) > uint64(len(data)) {
		return "", false
	}
	return string(data[obj.ByteStart:obj.ByteEnd]), true
}
