package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// client is a generic OpenAI-embeddings-compatible HTTP transport, built the
// way the teacher's OllamaEmbedder builds its client: a pooled transport and
// context-scoped per-request timeouts, no static client timeout (a static
// timeout would override the context deadline callers already control).
type client struct {
	http   *http.Client
	cfg    Config
}

func newClient(cfg Config) *client {
	transport := &http.Transport{
		MaxIdleConns:        cfg.Concurrency * 2,
		MaxIdleConnsPerHost: cfg.Concurrency * 2,
		MaxConnsPerHost:     cfg.Concurrency * 4,
		IdleConnTimeout:     10 * time.Second,
	}
	return &client{
		http: &http.Client{Transport: transport},
		cfg:  cfg,
	}
}

func (c *client) close() {
	if t, ok := c.http.Transport.(*http.Transport); ok {
		t.CloseIdleConnections()
	}
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// embed sends one batch request and returns vectors in the same order as
// texts. The returned bool reports whether a failure is retryable.
func (c *client) embed(ctx context.Context, texts []string) ([][]float32, bool, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.HTTPTimeout)
	defer cancel()

	body, err := json.Marshal(embeddingRequest{Model: c.cfg.Model, Input: texts})
	if err != nil {
		return nil, false, fmt.Errorf("marshal embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.cfg.BaseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("build embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("embedding request: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, fmt.Errorf("read embedding response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, isRetryableStatus(resp.StatusCode), fmt.Errorf("embedding request failed: status %d: %s", resp.StatusCode, string(payload))
	}

	var decoded embeddingResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return nil, false, fmt.Errorf("decode embedding response: %w", err)
	}
	if decoded.Error != nil {
		return nil, false, fmt.Errorf("embedding API error: %s", decoded.Error.Message)
	}
	if len(decoded.Data) != len(texts) {
		return nil, false, fmt.Errorf("embedding response length mismatch: got %d, want %d", len(decoded.Data), len(texts))
	}

	out := make([][]float32, len(texts))
	for _, d := range decoded.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, false, fmt.Errorf("embedding response index %d out of range", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	for i, v := range out {
		if v == nil {
			return nil, false, fmt.Errorf("embedding response missing index %d", i)
		}
	}
	return out, false, nil
}
