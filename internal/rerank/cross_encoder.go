package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lorekeep-ai/lorekeep/internal/faults"
)

const (
	// crossEncoderBatch bounds the documents sent per provider call.
	crossEncoderBatch = 32
	// crossEncoderMaxTokens truncates each document before sending.
	crossEncoderMaxTokens = 512
)

// CrossEncoder scores query-document pairs through a /rerank endpoint
// speaking the Cohere/Jina wire shape.
type CrossEncoder struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

func NewCrossEncoder(baseURL, apiKey, model string, timeout time.Duration) (*CrossEncoder, error) {
	if baseURL == "" {
		return nil, faults.New(faults.KindConfiguration, "rerank base url is required")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &CrossEncoder{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

type rerankRequest struct {
	Model     string   `json:"model,omitempty"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

type rerankResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
}

func (r *CrossEncoder) Rerank(ctx context.Context, query string, cands []Candidate) ([]Candidate, error) {
	out := make([]Candidate, len(cands))
	copy(out, cands)

	for start := 0; start < len(out); start += crossEncoderBatch {
		end := start + crossEncoderBatch
		if end > len(out) {
			end = len(out)
		}
		if err := r.scoreBatch(ctx, query, out[start:end]); err != nil {
			return nil, err
		}
	}
	sortByScore(out)
	return out, nil
}

func (r *CrossEncoder) scoreBatch(ctx context.Context, query string, batch []Candidate) error {
	docs := make([]string, len(batch))
	for i, c := range batch {
		docs[i] = truncateTokens(c.Text, crossEncoderMaxTokens)
	}
	body, err := json.Marshal(rerankRequest{Model: r.model, Query: query, Documents: docs})
	if err != nil {
		return faults.Wrap(faults.KindInternal, err, "encode rerank request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/rerank", bytes.NewReader(body))
	if err != nil {
		return faults.Wrap(faults.KindInternal, err, "build rerank request")
	}
	req.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return faults.FromContext(ctx.Err())
		}
		return faults.Wrap(faults.KindProviderError, err, "call rerank provider")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return faults.Newf(faults.KindProviderError, "rerank provider returned %d: %s",
			resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var decoded rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return faults.Wrap(faults.KindProviderError, err, "decode rerank response")
	}
	if len(decoded.Results) == 0 {
		return faults.New(faults.KindProviderError, "rerank provider returned no results")
	}
	for _, res := range decoded.Results {
		if res.Index < 0 || res.Index >= len(batch) {
			return faults.New(faults.KindProviderError,
				fmt.Sprintf("rerank provider returned out-of-range index %d", res.Index))
		}
		batch[res.Index].Score = res.RelevanceScore
	}
	return nil
}

// truncateTokens keeps the first n whitespace tokens of text.
func truncateTokens(text string, n int) string {
	fields := strings.Fields(text)
	if len(fields) <= n {
		return text
	}
	return strings.Join(fields[:n], " ")
}
