// Package rerank scores retrieved documents against the query with an
// external cross-encoder. Callers treat reranking as best effort: on failure
// they keep the fused order and attach a warning.
package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/sony/gobreaker"

	"github.com/norm-mesh/norm-mesh/pkg/observability"
)

// DefaultMinRelevanceScore drops rerank results below this score
const DefaultMinRelevanceScore = 0.15

// Result is a single rerank outcome referencing the input document by index
type Result struct {
	Index          int     `json:"index"`
	RelevanceScore float64 `json:"relevance_score"`
}

// Reranker scores documents against a query
type Reranker interface {
	// RerankDocuments returns results ordered by descending relevance,
	// limited to topN, with sub-threshold documents removed.
	RerankDocuments(ctx context.Context, query string, documents []string, topN int) ([]Result, error)
}

// Config contains cross-encoder client settings
type Config struct {
	BaseURL           string
	APIKey            string
	Model             string
	MinRelevanceScore float64
	Timeout           time.Duration
	HTTPClient        *http.Client
	Logger            observability.Logger
	Metrics           observability.MetricsClient
}

// CrossEncoderClient calls a hosted rerank API behind a circuit breaker
type CrossEncoderClient struct {
	baseURL  string
	apiKey   string
	model    string
	minScore float64
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker
	logger   observability.Logger
	metrics  observability.MetricsClient
}

// NewCrossEncoderClient creates a cross-encoder rerank client
func NewCrossEncoderClient(cfg Config) (*CrossEncoderClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("rerank API base URL is required")
	}
	if cfg.MinRelevanceScore <= 0 {
		cfg.MinRelevanceScore = DefaultMinRelevanceScore
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewLogger("rerank")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewMetricsClient()
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "rerank-api",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			cfg.Logger.Warn("Rerank circuit breaker state change", map[string]interface{}{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			})
		},
	})

	return &CrossEncoderClient{
		baseURL:  cfg.BaseURL,
		apiKey:   cfg.APIKey,
		model:    cfg.Model,
		minScore: cfg.MinRelevanceScore,
		client:   cfg.HTTPClient,
		breaker:  breaker,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
	}, nil
}

type rerankRequest struct {
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopN      int      `json:"top_n,omitempty"`
	Model     string   `json:"model,omitempty"`
}

type rerankResponse struct {
	Results []Result `json:"results"`
}

// RerankDocuments implements Reranker
func (c *CrossEncoderClient) RerankDocuments(ctx context.Context, query string, documents []string, topN int) ([]Result, error) {
	if len(documents) == 0 {
		return nil, nil
	}
	if topN <= 0 || topN > len(documents) {
		topN = len(documents)
	}

	start := time.Now()
	raw, err := c.breaker.Execute(func() (interface{}, error) {
		return c.call(ctx, rerankRequest{
			Query:     query,
			Documents: documents,
			TopN:      topN,
			Model:     c.model,
		})
	})
	c.metrics.RecordDuration("rerank.request.duration", time.Since(start))
	if err != nil {
		c.metrics.IncrementCounter("rerank.request.failed", 1)
		return nil, err
	}

	results := raw.([]Result)
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].RelevanceScore > results[j].RelevanceScore
	})

	filtered := make([]Result, 0, len(results))
	for _, r := range results {
		if r.Index < 0 || r.Index >= len(documents) {
			continue
		}
		if r.RelevanceScore < c.minScore {
			continue
		}
		filtered = append(filtered, r)
	}
	if len(filtered) > topN {
		filtered = filtered[:topN]
	}
	c.metrics.RecordHistogram("rerank.results.kept", float64(len(filtered)), nil)
	return filtered, nil
}

func (c *CrossEncoderClient) call(ctx context.Context, payload rerankRequest) ([]Result, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal rerank request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/rerank", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create rerank request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rerank request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("rerank API returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode rerank response: %w", err)
	}
	return parsed.Results, nil
}
