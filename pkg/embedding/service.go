// Package embedding turns query and passage text into vectors. It fronts the
// configured provider with a bounded-concurrency gate, a query-only cache,
// long-text segmentation with mean pooling, and a technical-failure fallback
// for ingest-side passage embedding.
package embedding

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"

	"github.com/norm-mesh/norm-mesh/pkg/config"
	"github.com/norm-mesh/norm-mesh/pkg/embedding/providers"
	"github.com/norm-mesh/norm-mesh/pkg/observability"
)

// Embedding task hints
const (
	TaskQuery   = "retrieval.query"
	TaskPassage = "retrieval.passage"
)

const (
	defaultMaxChars    = 15000
	defaultConcurrency = 5
	maxEmbedRetries    = 2
)

// ServiceConfig contains embedding service settings
type ServiceConfig struct {
	Provider    providers.Provider
	Fallback    providers.Provider
	Cache       VectorCache
	Concurrency int
	MaxChars    int
	DeployedEnv bool
	Logger      observability.Logger
	Metrics     observability.MetricsClient
}

// Service is the embedding port the retrieval coordinators depend on
type Service struct {
	provider    providers.Provider
	fallback    providers.Provider
	cache       VectorCache
	sem         *semaphore.Weighted
	maxChars    int
	deployedEnv bool
	logger      observability.Logger
	metrics     observability.MetricsClient
}

// NewService creates an embedding service. When the primary provider is local
// and the instance runs in a deployed environment, the provider is escalated
// to the fallback: deployed instances must not serve from an in-process model.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Provider == nil {
		return nil, fmt.Errorf("embedding provider is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewLogger("embedding")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewMetricsClient()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = defaultMaxChars
	}
	if cfg.Cache == nil {
		cfg.Cache = NewMemoryCache(4000, 10*time.Minute)
	}

	provider := cfg.Provider
	if cfg.DeployedEnv && provider.Name() == config.ProviderLocal {
		if cfg.Fallback == nil {
			return nil, fmt.Errorf("local embedding provider is not allowed in a deployed environment and no cloud fallback is configured")
		}
		cfg.Logger.Warn("Local embedding provider disallowed in deployed environment, escalating", map[string]interface{}{
			"requested": provider.Name(),
			"escalated": cfg.Fallback.Name(),
		})
		provider = cfg.Fallback
	}

	return &Service{
		provider:    provider,
		fallback:    cfg.Fallback,
		cache:       cfg.Cache,
		sem:         semaphore.NewWeighted(int64(cfg.Concurrency)),
		maxChars:    cfg.MaxChars,
		deployedEnv: cfg.DeployedEnv,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
	}, nil
}

// Provider returns the active provider name
func (s *Service) Provider() string { return s.provider.Name() }

// Dimensions returns the active provider's vector width
func (s *Service) Dimensions() int { return s.provider.Dimensions() }

// EmbedQuery embeds a single query string
func (s *Service) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := s.Embed(ctx, []string{text}, TaskQuery)
	if err != nil {
		return nil, err
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("expected 1 vector, got %d", len(vectors))
	}
	return vectors[0], nil
}

// Embed returns one vector per text, in input order. Query-task embeddings
// are served from the cache when possible; passage-task calls are never
// cached. Texts over the character limit are segmented and mean-pooled.
func (s *Service) Embed(ctx context.Context, texts []string, task string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string

	cacheable := task == TaskQuery
	for i, text := range texts {
		if cacheable {
			if v, ok := s.cache.Get(ctx, CacheKey(task, text)); ok {
				out[i] = v
				s.metrics.IncrementCounter("embedding.cache.hit", 1)
				continue
			}
			s.metrics.IncrementCounter("embedding.cache.miss", 1)
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, text)
	}
	if len(missTexts) == 0 {
		return out, nil
	}

	vectors, err := s.embedUncached(ctx, missTexts, task)
	if err != nil {
		return nil, err
	}
	for j, i := range missIdx {
		out[i] = vectors[j]
		if cacheable {
			s.cache.Set(ctx, CacheKey(task, texts[i]), vectors[j])
		}
	}
	return out, nil
}

// ChunkAndEncode splits a long document into segments and embeds each as a
// passage. It returns the segments alongside their vectors.
func (s *Service) ChunkAndEncode(ctx context.Context, text string) ([]string, [][]float32, error) {
	segments := splitSegments(text, s.maxChars)
	if len(segments) == 0 {
		return nil, nil, nil
	}
	vectors, err := s.Embed(ctx, segments, TaskPassage)
	if err != nil {
		return nil, nil, err
	}
	return segments, vectors, nil
}

func (s *Service) embedUncached(ctx context.Context, texts []string, task string) ([][]float32, error) {
	// Oversized texts are segmented here and pooled after the provider call.
	type pooled struct {
		from, to int // segment range in the flattened batch
	}
	var batch []string
	plan := make([]pooled, len(texts))
	for i, text := range texts {
		segments := splitSegments(text, s.maxChars)
		if len(segments) == 0 {
			segments = []string{""}
		}
		plan[i] = pooled{from: len(batch), to: len(batch) + len(segments)}
		batch = append(batch, segments...)
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("embedding concurrency gate: %w", err)
	}
	defer s.sem.Release(1)

	start := time.Now()
	vectors, err := s.callWithFallback(ctx, batch, task)
	s.metrics.RecordDuration("embedding.provider.duration", time.Since(start))
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(batch) {
		return nil, fmt.Errorf("provider returned %d vectors for %d segments", len(vectors), len(batch))
	}

	out := make([][]float32, len(texts))
	for i, p := range plan {
		if p.to-p.from == 1 {
			out[i] = vectors[p.from]
			continue
		}
		out[i] = meanPool(vectors[p.from:p.to])
	}
	return out, nil
}

// callWithFallback retries transient provider failures, then falls back to
// the secondary provider for passage tasks. Query embeddings never fall back:
// mixing vector spaces between query and index corrupts similarity search.
func (s *Service) callWithFallback(ctx context.Context, texts []string, task string) ([][]float32, error) {
	var vectors [][]float32
	operation := func() error {
		var err error
		vectors, err = s.provider.Embed(ctx, texts, task)
		if err == nil {
			return nil
		}
		if providers.IsTechnicalFailure(err) {
			return err
		}
		return backoff.Permanent(err)
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxEmbedRetries), ctx)
	err := backoff.Retry(operation, policy)
	if err == nil {
		return vectors, nil
	}

	if task == TaskPassage && s.fallback != nil && providers.IsTechnicalFailure(err) {
		s.logger.Warn("Primary embedding provider failed, using fallback for passage batch", map[string]interface{}{
			"provider": s.provider.Name(),
			"fallback": s.fallback.Name(),
			"error":    err.Error(),
		})
		s.metrics.IncrementCounter("embedding.fallback.used", 1)
		vectors, fbErr := s.fallback.Embed(ctx, texts, task)
		if fbErr != nil {
			return nil, fmt.Errorf("primary provider failed (%v) and fallback failed: %w", err, fbErr)
		}
		return vectors, nil
	}
	return nil, fmt.Errorf("embedding failed after retries: %w", err)
}

// splitSegments breaks text into pieces no longer than maxChars, preferring
// whitespace boundaries.
func splitSegments(text string, maxChars int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= maxChars {
		return []string{text}
	}

	var segments []string
	for len(text) > maxChars {
		cut := maxChars
		if idx := strings.LastIndexAny(text[:maxChars], " \t\n"); idx > maxChars/2 {
			cut = idx
		}
		segments = append(segments, strings.TrimSpace(text[:cut]))
		text = strings.TrimSpace(text[cut:])
	}
	if text != "" {
		segments = append(segments, text)
	}
	return segments
}

// meanPool averages segment vectors and L2-normalizes the result
func meanPool(vectors [][]float32) []float32 {
	if len(vectors) == 0 {
		return nil
	}
	dims := len(vectors[0])
	pooled := make([]float32, dims)
	for _, v := range vectors {
		for i := 0; i < dims && i < len(v); i++ {
			pooled[i] += v[i]
		}
	}
	n := float32(len(vectors))
	var norm float64
	for i := range pooled {
		pooled[i] /= n
		norm += float64(pooled[i]) * float64(pooled[i])
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range pooled {
			pooled[i] *= scale
		}
	}
	return pooled
}
