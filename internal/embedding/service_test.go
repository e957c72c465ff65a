package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCache struct {
	mu    sync.Mutex
	known map[Fingerprint][]float32
}

func newFakeCache() *fakeCache {
	return &fakeCache{known: make(map[Fingerprint][]float32)}
}

func (f *fakeCache) Lookup(ctx context.Context, fingerprints []Fingerprint) (map[Fingerprint][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[Fingerprint][]float32)
	for _, fp := range fingerprints {
		if v, ok := f.known[fp]; ok {
			out[fp] = v
		}
	}
	return out, nil
}

func fp(b byte) Fingerprint {
	var f Fingerprint
	f[0] = b
	return f
}

func newTestServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, Config) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := Config{
		BaseURL: srv.URL,
		Model:   "test-model",
		APIKey:  "sk-test",
	}
	return srv, cfg
}

func echoEmbeddingHandler(w http.ResponseWriter, r *http.Request) {
	var req embeddingRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	resp := embeddingResponse{}
	for i := range req.Input {
		resp.Data = append(resp.Data, struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		}{Index: i, Embedding: []float32{float32(i), 1, 2}})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func TestEmbedServesCacheHitsWithoutRemoteCall(t *testing.T) {
	var calls int32
	_, cfg := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		echoEmbeddingHandler(w, r)
	})

	cache := newFakeCache()
	vec := []float32{9, 9, 9}
	cache.known[fp(1)] = vec

	svc := New(cfg, cache, nil)
	defer svc.Close()

	out, err := svc.Embed(context.Background(), []ContentItem{{Fingerprint: fp(1), Text: "hello"}})
	require.NoError(t, err)
	assert.Equal(t, vec, out[fp(1)])
	assert.EqualValues(t, 0, atomic.LoadInt32(&calls))
}

func TestEmbedFetchesMissesFromRemote(t *testing.T) {
	_, cfg := newTestServer(t, echoEmbeddingHandler)
	cache := newFakeCache()
	svc := New(cfg, cache, nil)
	defer svc.Close()

	out, err := svc.Embed(context.Background(), []ContentItem{
		{Fingerprint: fp(1), Text: "alpha"},
		{Fingerprint: fp(2), Text: "beta"},
	})
	require.NoError(t, err)
	assert.Len(t, out, 2)
	assert.NotNil(t, out[fp(1)])
	assert.NotNil(t, out[fp(2)])
}

func TestEmbedDeduplicatesRepeatedFingerprint(t *testing.T) {
	var calls int32
	_, cfg := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req embeddingRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		atomic.AddInt32(&calls, int32(len(req.Input)))
		echoEmbeddingHandler(w, r)
	})
	cache := newFakeCache()
	svc := New(cfg, cache, nil)
	defer svc.Close()

	out, err := svc.Embed(context.Background(), []ContentItem{
		{Fingerprint: fp(1), Text: "alpha"},
		{Fingerprint: fp(1), Text: "alpha"},
	})
	require.NoError(t, err)
	assert.Len(t, out, 1)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestEmbedQuarantinesPermanentFailureOnSingleItem(t *testing.T) {
	_, cfg := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"invalid input"}}`))
	})
	cache := newFakeCache()
	svc := New(cfg, cache, nil)
	defer svc.Close()

	out, err := svc.Embed(context.Background(), []ContentItem{{Fingerprint: fp(7), Text: "bad"}})
	require.NoError(t, err)
	assert.Empty(t, out)

	q := svc.Quarantined()
	assert.Contains(t, q, fp(7))
}

func TestEmbedSplitsBatchOnPartialPermanentFailure(t *testing.T) {
	_, cfg := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req embeddingRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		for _, in := range req.Input {
			if strings.Contains(in, "bad") {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"error":{"message":"invalid input"}}`))
				return
			}
		}
		echoEmbeddingHandler(w, r)
	})
	cache := newFakeCache()
	svc := New(cfg, cache, nil)
	defer svc.Close()

	out, err := svc.Embed(context.Background(), []ContentItem{
		{Fingerprint: fp(1), Text: "good"},
		{Fingerprint: fp(2), Text: "bad"},
	})
	require.NoError(t, err)
	assert.NotNil(t, out[fp(1)])
	assert.NotContains(t, out, fp(2))
	assert.Contains(t, svc.Quarantined(), fp(2))
}

func TestEmbedRetriesOnRetryableStatus(t *testing.T) {
	var attempts int32
	_, cfg := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		echoEmbeddingHandler(w, r)
	})
	cache := newFakeCache()
	svc := New(cfg, cache, nil)
	defer svc.Close()

	out, err := svc.Embed(context.Background(), []ContentItem{{Fingerprint: fp(3), Text: "retry me"}})
	require.NoError(t, err)
	assert.NotNil(t, out[fp(3)])
	assert.GreaterOrEqual(t, atomic.LoadInt32(&attempts), int32(2))
}

func TestEmbedEmptyInputReturnsEmptyMap(t *testing.T) {
	_, cfg := newTestServer(t, echoEmbeddingHandler)
	svc := New(cfg, newFakeCache(), nil)
	defer svc.Close()

	out, err := svc.Embed(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestBatchItemsRespectsMaxItems(t *testing.T) {
	items := make([]ContentItem, 10)
	for i := range items {
		items[i] = ContentItem{Fingerprint: fp(byte(i)), Text: "x"}
	}
	batches := batchItems(items, 3, 1_000_000)
	require.Len(t, batches, 4)
	assert.Len(t, batches[0], 3)
	assert.Len(t, batches[3], 1)
}

func TestBatchItemsRespectsTokenBudget(t *testing.T) {
	big := strings.Repeat("word ", 100)
	items := []ContentItem{
		{Fingerprint: fp(1), Text: big},
		{Fingerprint: fp(2), Text: big},
	}
	tokensPerItem := estimateTokens(big)
	batches := batchItems(items, 100, tokensPerItem) // only one item fits per batch
	require.Len(t, batches, 2)
}

func TestTruncateCutsAtLineBoundary(t *testing.T) {
	text := strings.Repeat("word word word word word word word word\n", 500)
	out := truncate(text, 100)
	assert.Less(t, len(out), len(text))
	assert.Equal(t, byte('\n'), text[len(out)], "cut must fall right before a line break")
}
