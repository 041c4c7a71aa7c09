package retrieval

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/norm-mesh/norm-mesh/pkg/apierrors"
	"github.com/norm-mesh/norm-mesh/pkg/observability"
	"github.com/norm-mesh/norm-mesh/pkg/rerank"
	"github.com/norm-mesh/norm-mesh/pkg/repository"
	"github.com/norm-mesh/norm-mesh/pkg/scope"
)

// Warning codes lifted into traces
const (
	WarningCodeHybridRPCSignatureMismatchHNSW = "HYBRID_RPC_SIGNATURE_MISMATCH_HNSW"
)

// Engine modes reported in traces
const (
	EngineModeHybrid        = "hybrid"
	EngineModeMultiQuery    = "multi_query"
	EngineModeComprehensive = "comprehensive"
)

// QueryEmbedder is the embedding capability the retrieval core needs
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// HybridConfig contains hybrid retriever settings
type HybridConfig struct {
	DefaultK      int
	DefaultFetchK int
	ScoreDefault  float64
}

// HybridRetriever is the single-query retrieval path: validate scope, embed,
// run the hybrid RPC, optionally rerank, then verify tenant isolation.
type HybridRetriever struct {
	repo      repository.RetrievalRepository
	embedder  QueryEmbedder
	reranker  rerank.Reranker
	validator *scope.Validator
	planner   *Planner
	canary    *LeakCanary
	cfg       HybridConfig
	logger    observability.Logger
	metrics   observability.MetricsClient
}

// NewHybridRetriever creates the single-query retrieval path
func NewHybridRetriever(
	repo repository.RetrievalRepository,
	embedder QueryEmbedder,
	reranker rerank.Reranker,
	validator *scope.Validator,
	cfg HybridConfig,
	logger observability.Logger,
	metrics observability.MetricsClient,
) *HybridRetriever {
	if validator == nil {
		validator = scope.NewValidator(nil)
	}
	if logger == nil {
		logger = observability.NewLogger("retrieval.hybrid")
	}
	if metrics == nil {
		metrics = observability.NewMetricsClient()
	}
	if cfg.DefaultK <= 0 {
		cfg.DefaultK = 8
	}
	if cfg.DefaultFetchK <= 0 {
		cfg.DefaultFetchK = 40
	}
	return &HybridRetriever{
		repo:      repo,
		embedder:  embedder,
		reranker:  reranker,
		validator: validator,
		planner:   NewPlanner(validator.Resolver()),
		canary:    NewLeakCanary(logger, metrics),
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics,
	}
}

// Retrieve executes the hybrid path for a validated tenant
func (h *HybridRetriever) Retrieve(ctx context.Context, req HybridRequest) (*HybridResponse, error) {
	ctx, span := observability.StartSpan(ctx, "retrieval.hybrid")
	defer span.End()
	start := time.Now()

	trace := NewTrace(EngineModeHybrid)
	trace.ScoreSpace = ScoreSpaceSimilarity

	validation := h.validator.Validate(req.Query, req.Filters)
	if !validation.Valid {
		return nil, apierrors.New(apierrors.CodeScopeValidationFailed, "scope filters failed validation").
			WithDetails(map[string]interface{}{"violations": validation.Violations})
	}
	for _, w := range validation.Warnings {
		trace.AddWarning(w)
	}
	trace.FiltersApplied = filtersApplied(validation.NormalizedScope)

	plan := req.Plan
	if plan == nil && !req.SkipPlanner {
		plan = h.planner.BuildPlan(req.Query)
		trace.PlannerUsed = true
	}

	query := req.Query
	if req.Policy != nil {
		expanded, applied := ExpandQuery(query, req.Policy.Hints)
		query = expanded
		trace.HintsApplied = applied
	}

	k, fetchK := h.sizeKnobs(req, plan)

	embedStart := time.Now()
	vector, err := h.embedder.EmbedQuery(ctx, query)
	trace.TimingsMS["embed"] = msSince(embedStart)
	if err != nil {
		return nil, fmt.Errorf("query embedding failed: %w", err)
	}

	rerankEnabled := req.RerankEnabled == nil || *req.RerankEnabled

	rpcStart := time.Now()
	result, err := h.repo.RetrieveHybridOptimized(ctx, repository.HybridPayload{
		Query:         query,
		QueryVector:   vector,
		TenantID:      req.TenantID,
		CollectionID:  req.CollectionID,
		K:             k,
		FetchK:        fetchK,
		RerankEnabled: rerankEnabled,
		Scope:         validation.NormalizedScope,
		GraphOptions:  req.Graph,
	})
	trace.TimingsMS["hybrid_rpc"] = msSince(rpcStart)
	if err != nil {
		return nil, fmt.Errorf("hybrid retrieval failed: %w", err)
	}

	items := make([]Item, 0, len(result.Rows))
	for i, row := range result.Rows {
		items = append(items, NewItemFromRow(row, SourceLabel(FusionSourceChunks, i+1), ScoreSpaceSimilarity, h.cfg.ScoreDefault))
	}

	for _, w := range result.Warnings {
		trace.AddWarning(w)
	}
	liftWarningCodes(trace)

	trace.ScopePenalizedCount = result.ScopePenalizedCount
	if len(result.Rows) > 0 {
		trace.ScopePenalizedRatio = float64(result.ScopePenalizedCount) / float64(len(result.Rows))
	}
	for phase, ms := range result.TimingsMS {
		trace.TimingsMS["store_"+phase] = ms
	}

	if rerankEnabled && !req.SkipExternalRerank && h.reranker != nil && len(items) > 0 {
		items = h.applyRerank(ctx, query, items, k, trace)
	}

	if len(items) > k {
		items = items[:k]
	}

	trace.TimingsMS["total"] = msSince(start)
	h.metrics.RecordHistogram("retrieval.hybrid.duration_ms", trace.TimingsMS["total"],
		map[string]string{"tenant_id": req.TenantID})

	if err := h.canary.Verify(req.TenantID, items); err != nil {
		return nil, err
	}
	return &HybridResponse{Items: items, Trace: trace}, nil
}

// applyRerank reorders items by cross-encoder relevance. Failure keeps the
// fused order and records a warning; reranking is best effort.
func (h *HybridRetriever) applyRerank(ctx context.Context, query string, items []Item, topN int, trace *Trace) []Item {
	docs := make([]string, len(items))
	for i, item := range items {
		docs[i] = item.Content
	}

	rerankStart := time.Now()
	results, err := h.reranker.RerankDocuments(ctx, query, docs, topN)
	trace.TimingsMS["rerank"] = msSince(rerankStart)
	if err != nil {
		trace.AddWarning("rerank_failed:" + err.Error())
		h.logger.Warn("Reranker failed, keeping fused order", map[string]interface{}{
			"error": err.Error(),
		})
		return items
	}
	if len(results) == 0 {
		return items
	}

	reranked := make([]Item, 0, len(results))
	for _, res := range results {
		item := items[res.Index]
		metadata := make(map[string]interface{}, len(item.Metadata))
		for k, v := range item.Metadata {
			metadata[k] = v
		}
		metadata["jina_relevance_score"] = res.RelevanceScore
		metadata["score_space"] = ScoreSpaceRerank
		item.Metadata = metadata
		item.Score = res.RelevanceScore
		reranked = append(reranked, item)
	}
	trace.ScoreSpace = ScoreSpaceRerank
	return reranked
}

func (h *HybridRetriever) sizeKnobs(req HybridRequest, plan *Plan) (int, int) {
	k := req.K
	fetchK := req.FetchK
	if k <= 0 && plan != nil && plan.ChunkK > 0 {
		k = plan.ChunkK
	}
	if fetchK <= 0 && plan != nil && plan.ChunkFetchK > 0 {
		fetchK = plan.ChunkFetchK
	}
	if k <= 0 {
		k = h.cfg.DefaultK
	}
	if fetchK <= 0 {
		fetchK = h.cfg.DefaultFetchK
	}
	if fetchK < k {
		fetchK = k
	}
	return k, fetchK
}

// liftWarningCodes promotes recognized warning texts into warning codes
func liftWarningCodes(trace *Trace) {
	for _, w := range trace.Warnings {
		lower := strings.ToLower(w)
		if strings.Contains(lower, "signature_mismatch") && strings.Contains(lower, "hnsw") {
			trace.AddWarningCode(WarningCodeHybridRPCSignatureMismatchHNSW)
		}
	}
}

func filtersApplied(sc scope.NormalizedScope) map[string]interface{} {
	applied := map[string]interface{}{}
	if len(sc.Metadata) > 0 {
		applied["metadata"] = sc.Metadata
	}
	if sc.TimeRange != nil {
		applied["time_range"] = sc.TimeRange
	}
	if len(sc.SourceStandards) > 0 {
		applied["source_standards"] = sc.SourceStandards
	}
	return applied
}

func msSince(t time.Time) float64 {
	return float64(time.Since(t).Microseconds()) / 1000.0
}
