// Package embedding computes dense vectors for chunks and queries. A
// provider-agnostic HTTP client speaks the OpenAI /embeddings wire
// shape; the batching service on top adds caching, retries and a
// circuit breaker.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/lorekeep-ai/lorekeep/internal/faults"
)

// Provider generates embeddings for batches of texts.
type Provider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
	Dimension() int
}

// Client calls an OpenAI-compatible /embeddings endpoint.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
	dimension  int
}

// ClientConfig holds the provider connection settings.
type ClientConfig struct {
	BaseURL   string
	APIKey    string
	Model     string
	Dimension int
	Timeout   time.Duration
}

// NewClient creates an embedding client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, faults.New(faults.KindConfiguration, "embedding api key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		return nil, faults.New(faults.KindConfiguration, "embedding model is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		dimension:  cfg.Dimension,
	}, nil
}

type embeddingRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Embed requests vectors for texts, preserving input order.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(embeddingRequest{Input: texts, Model: c.model})
	if err != nil {
		return nil, faults.Wrap(faults.KindInternal, err, "marshal embedding request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, faults.Wrap(faults.KindInternal, err, "create embedding request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, faults.Wrap(faults.KindProviderError, faults.FromContext(err), "embedding request failed")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, faults.Wrap(faults.KindProviderError, err, "read embedding response")
	}

	var parsed embeddingResponse
	if resp.StatusCode != http.StatusOK {
		if err := json.Unmarshal(respBody, &parsed); err == nil && parsed.Error != nil {
			return nil, faults.Newf(faults.KindProviderError, "embedding provider: %s", parsed.Error.Message)
		}
		return nil, faults.Newf(faults.KindProviderError, "embedding provider: status %d", resp.StatusCode)
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, faults.Wrap(faults.KindProviderError, err, "decode embedding response")
	}
	if len(parsed.Data) != len(texts) {
		return nil, faults.Newf(faults.KindProviderError,
			"embedding provider returned %d vectors for %d inputs", len(parsed.Data), len(texts))
	}

	vectors := make([][]float32, len(texts))
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= len(vectors) {
			return nil, faults.Newf(faults.KindProviderError, "embedding provider returned index %d out of range", d.Index)
		}
		vectors[d.Index] = d.Embedding
		if c.dimension == 0 {
			c.dimension = len(d.Embedding)
		}
	}
	return vectors, nil
}

// Model returns the provider model identifier.
func (c *Client) Model() string { return c.model }

// Dimension returns the vector dimension.
func (c *Client) Dimension() int { return c.dimension }

// MockProvider generates deterministic vectors from rune trigrams so
// tests and local mode behave like a weak but stable embedding model:
// texts sharing substrings land near each other.
type MockProvider struct {
	dimension int
}

// NewMockProvider creates a mock with the given dimension.
func NewMockProvider(dimension int) *MockProvider {
	if dimension <= 0 {
		dimension = 256
	}
	return &MockProvider{dimension: dimension}
}

// Embed hashes rune trigrams into a bag-of-features vector, normalized
// to unit length.
func (m *MockProvider) Embed(_ context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		v := make([]float32, m.dimension)
		runes := []rune(text)
		for j := 0; j+3 <= len(runes); j++ {
			h := fnv.New32a()
			_, _ = h.Write([]byte(string(runes[j : j+3])))
			v[int(h.Sum32())%m.dimension]++
		}
		vectors[i] = unitNorm(v)
	}
	return vectors, nil
}

// Model returns the mock model identifier.
func (m *MockProvider) Model() string { return "mock-embedding" }

// Dimension returns the vector dimension.
func (m *MockProvider) Dimension() int { return m.dimension }

func unitNorm(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	norm := float32(1 / math.Sqrt(sum))
	for i := range v {
		v[i] *= norm
	}
	return v
}

var (
	_ Provider = (*Client)(nil)
	_ Provider = (*MockProvider)(nil)
)

// String renders the client target for logs without leaking the key.
func (c *Client) String() string {
	return fmt.Sprintf("embedding{%s model=%s}", c.baseURL, c.model)
}
