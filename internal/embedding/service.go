package embedding

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Service is EmbeddingService: a cache-first, batched, retried embedding
// client. Construction is cheap; a Service is safe for concurrent Embed
// calls.
type Service struct {
	cfg    Config
	cache  Cache
	client *client
	sem    *semaphore.Weighted
	logger *slog.Logger

	mu          sync.Mutex
	quarantined map[Fingerprint]error
}

// New builds a Service. logger may be nil, in which case slog.Default() is
// used.
func New(cfg Config, cache Cache, logger *slog.Logger) *Service {
	cfg = cfg.WithDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:         cfg,
		cache:       cache,
		client:      newClient(cfg),
		sem:         semaphore.NewWeighted(int64(cfg.Concurrency)),
		logger:      logger,
		quarantined: make(map[Fingerprint]error),
	}
}

// Close releases the underlying HTTP transport's idle connections.
func (s *Service) Close() error {
	s.client.close()
	return nil
}

// Quarantined reports content fingerprints permanently rejected by the
// remote service during this Service's lifetime (a non-retryable 4xx on a
// single-item batch), along with the rejection reason.
func (s *Service) Quarantined() map[Fingerprint]error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[Fingerprint]error, len(s.quarantined))
	for k, v := range s.quarantined {
		out[k] = v
	}
	return out
}

// Embed resolves embeddings for items, serving known fingerprints from
// cache and only calling the remote endpoint for misses. The returned map
// omits fingerprints that were permanently quarantined.
func (s *Service) Embed(ctx context.Context, items []ContentItem) (map[Fingerprint][]float32, error) {
	if len(items) == 0 {
		return map[Fingerprint][]float32{}, nil
	}

	deduped := make(map[Fingerprint]ContentItem, len(items))
	for _, it := range items {
		deduped[it.Fingerprint] = it
	}

	fingerprints := make([]Fingerprint, 0, len(deduped))
	for fp := range deduped {
		fingerprints = append(fingerprints, fp)
	}

	result := make(map[Fingerprint][]float32, len(deduped))
	if s.cache != nil {
		known, err := s.cache.Lookup(ctx, fingerprints)
		if err != nil {
			return nil, fmt.Errorf("embedding cache lookup: %w", err)
		}
		for fp, vec := range known {
			result[fp] = vec
		}
	}

	var misses []ContentItem
	for fp, item := range deduped {
		if _, ok := result[fp]; ok {
			continue
		}
		if _, quarantined := s.isQuarantined(fp); quarantined {
			continue
		}
		misses = append(misses, ContentItem{Fingerprint: fp, Text: truncate(item.Text, s.cfg.MaxInputTokensPerItem)})
	}
	if len(misses) == 0 {
		return result, nil
	}

	batches := batchItems(misses, s.cfg.MaxBatchItems, s.cfg.MaxBatchTokens)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, batch := range batches {
		batch := batch
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return nil, fmt.Errorf("acquire embedding slot: %w", err)
		}
		g.Go(func() error {
			defer s.sem.Release(1)
			vectors, err := s.embedBatch(gctx, batch)
			if err != nil {
				return err
			}
			mu.Lock()
			for fp, vec := range vectors {
				result[fp] = vec
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return result, nil
}

// embedBatch embeds one batch with retry. A non-retryable failure on a
// multi-item batch splits it in half and retries each half independently;
// a non-retryable failure on a single-item batch quarantines that item's
// fingerprint for the remainder of the Service's lifetime.
func (s *Service) embedBatch(ctx context.Context, items []ContentItem) (map[Fingerprint][]float32, error) {
	texts := make([]string, len(items))
	for i, it := range items {
		texts[i] = it.Text
	}

	var vectors [][]float32
	permanent := false
	err := retryWithBackoff(ctx, func(attempt int) (bool, error) {
		v, retryable, err := s.client.embed(ctx, texts)
		if err != nil {
			permanent = !retryable
			return retryable, err
		}
		vectors = v
		return false, nil
	})

	if err == nil {
		out := make(map[Fingerprint][]float32, len(items))
		for i, it := range items {
			out[it.Fingerprint] = vectors[i]
		}
		return out, nil
	}
	if !permanent {
		return nil, err
	}

	if len(items) == 1 {
		s.quarantine(items[0].Fingerprint, err)
		s.logger.Warn("embedding permanently rejected, quarantining fingerprint",
			"error", err)
		return map[Fingerprint][]float32{}, nil
	}

	mid := len(items) / 2
	left, err := s.embedBatch(ctx, items[:mid])
	if err != nil {
		return nil, err
	}
	right, err := s.embedBatch(ctx, items[mid:])
	if err != nil {
		return nil, err
	}
	for fp, vec := range right {
		left[fp] = vec
	}
	return left, nil
}

func (s *Service) isQuarantined(fp Fingerprint) (error, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	err, ok := s.quarantined[fp]
	return err, ok
}

func (s *Service) quarantine(fp Fingerprint, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quarantined[fp] = err
}

// batchItems partitions items into batches bounded by maxItems and an
// approximate maxTokens budget per batch.
func batchItems(items []ContentItem, maxItems, maxTokens int) [][]ContentItem {
	var batches [][]ContentItem
	var current []ContentItem
	currentTokens := 0

	for _, it := range items {
		tokens := estimateTokens(it.Text)
		if len(current) > 0 && (len(current) >= maxItems || currentTokens+tokens > maxTokens) {
			batches = append(batches, current)
			current = nil
			currentTokens = 0
		}
		current = append(current, it)
		currentTokens += tokens
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches
}

// truncate bounds text to approximately maxTokens, cutting at the nearest
// preceding line boundary. When no line break falls inside the budget, the
// cut lands mid-line at the budget.
func truncate(text string, maxTokens int) string {
	if estimateTokens(text) <= maxTokens {
		return text
	}

	// Roughly 0.75 words per token, conservatively 4 chars per word.
	approxChars := maxTokens * 3
	if approxChars >= len(text) {
		return text
	}

	cut := strings.LastIndexByte(text[:approxChars], '\n')
	if cut <= 0 {
		cut = approxChars
	}
	return text[:cut]
}
