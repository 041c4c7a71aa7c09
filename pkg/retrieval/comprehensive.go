package retrieval

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/norm-mesh/norm-mesh/pkg/apierrors"
	"github.com/norm-mesh/norm-mesh/pkg/observability"
	"github.com/norm-mesh/norm-mesh/pkg/repository"
)

// ComprehensiveConfig contains late-fusion coordinator settings
type ComprehensiveConfig struct {
	DefaultK     int
	GraphHopCap  int
	SummaryK     int
	ScoreDefault float64
}

// ComprehensiveCoordinator maximizes recall by fanning out to the chunk,
// graph and summary layers in parallel and interleaving their outputs under
// fixed quotas.
type ComprehensiveCoordinator struct {
	hybrid   *HybridRetriever
	repo     repository.RetrievalRepository
	embedder QueryEmbedder
	canary   *LeakCanary
	cfg      ComprehensiveConfig
	logger   observability.Logger
	metrics  observability.MetricsClient
}

// NewComprehensiveCoordinator creates the three-layer coordinator
func NewComprehensiveCoordinator(
	hybrid *HybridRetriever,
	repo repository.RetrievalRepository,
	embedder QueryEmbedder,
	cfg ComprehensiveConfig,
	logger observability.Logger,
	metrics observability.MetricsClient,
) *ComprehensiveCoordinator {
	if logger == nil {
		logger = observability.NewLogger("retrieval.comprehensive")
	}
	if metrics == nil {
		metrics = observability.NewMetricsClient()
	}
	if cfg.DefaultK <= 0 {
		cfg.DefaultK = 8
	}
	if cfg.GraphHopCap <= 0 {
		cfg.GraphHopCap = 2
	}
	if cfg.SummaryK <= 0 {
		cfg.SummaryK = 3
	}
	return &ComprehensiveCoordinator{
		hybrid:   hybrid,
		repo:     repo,
		embedder: embedder,
		canary:   NewLeakCanary(logger, metrics),
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
	}
}

// Execute fans out, fuses and post-processes. Individual pipeline failures
// degrade to empty results with a trace warning; tenant-isolation breaches
// are the one exception and always propagate.
func (c *ComprehensiveCoordinator) Execute(ctx context.Context, req ComprehensiveRequest) (*ComprehensiveResponse, error) {
	ctx, span := observability.StartSpan(ctx, "retrieval.comprehensive")
	defer span.End()
	start := time.Now()

	trace := NewTrace(EngineModeComprehensive)
	trace.ScoreSpace = ScoreSpaceMixed

	k := req.K
	if k <= 0 {
		k = c.cfg.DefaultK
	}

	query := req.Query
	if req.Policy != nil {
		expanded, applied := ExpandQuery(query, req.Policy.Hints)
		query = expanded
		trace.HintsApplied = applied
	}

	var (
		chunks      []Item
		chunksTrace *Trace
		chunksErr   error
		graph       []Item
		graphErr    error
		raptor      []Item
		raptorErr   error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		items, t, err := c.chunksPipeline(gctx, req, query, k)
		if err != nil {
			if apierrors.IsCode(err, apierrors.CodeSecurityIsolationBreach) {
				return err
			}
			chunksErr = err
			return nil
		}
		chunks, chunksTrace = items, t
		return nil
	})
	g.Go(func() error {
		graph, graphErr = c.graphPipeline(gctx, req, query, k)
		return nil
	})
	g.Go(func() error {
		raptor, raptorErr = c.summaryPipeline(gctx, req, query)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if chunksErr != nil {
		trace.AddWarning("chunks_pipeline_failed:" + chunksErr.Error())
	}
	if graphErr != nil {
		graph = nil
		trace.AddWarning("graph_pipeline_failed:" + graphErr.Error())
	}
	if raptorErr != nil {
		raptor = nil
		trace.AddWarning("summaries_pipeline_failed:" + raptorErr.Error())
	}

	if chunksTrace != nil {
		for _, w := range chunksTrace.Warnings {
			trace.AddWarning(w)
		}
		for _, code := range chunksTrace.WarningCodes {
			trace.AddWarningCode(code)
		}
		trace.ScopePenalizedCount = chunksTrace.ScopePenalizedCount
		trace.ScopePenalizedRatio = chunksTrace.ScopePenalizedRatio
		trace.PlannerUsed = chunksTrace.PlannerUsed
		trace.FiltersApplied = chunksTrace.FiltersApplied
		for phase, ms := range chunksTrace.TimingsMS {
			if phase != "total" {
				trace.TimingsMS[phase] = ms
			}
		}
	}

	fused := QuotaInterleave(chunks, graph, raptor, k)

	if req.Policy != nil && req.Policy.MinScore != nil {
		filtered, report := ApplyMinScore(fused, *req.Policy.MinScore)
		fused = filtered
		trace.MinScoreReport = &report
	}

	cleaned, droppedStructural := ReduceStructuralNoise(fused)
	fused = cleaned
	trace.DroppedStructural = droppedStructural

	if req.RequireAllScopes && chunksTrace != nil {
		requested := requestedStandardsFromFilters(req.Filters)
		trace.MissingScopes = MissingScopes(fused, requested)
	}
	trace.MissingClauseRefs = MissingClauseRefs(fused, req.RequiredClauseRefs, req.MinClauseRefsRequired)

	if err := c.canary.Verify(req.TenantID, fused); err != nil {
		return nil, err
	}

	trace.TimingsMS["total"] = msSince(start)
	c.metrics.RecordHistogram("retrieval.comprehensive.duration_ms", trace.TimingsMS["total"],
		map[string]string{"tenant_id": req.TenantID})

	return &ComprehensiveResponse{
		Items:     fused,
		Trace:     trace,
		LatencyMS: trace.TimingsMS["total"],
	}, nil
}

func (c *ComprehensiveCoordinator) chunksPipeline(ctx context.Context, req ComprehensiveRequest, query string, k int) ([]Item, *Trace, error) {
	rerankOn := true
	resp, err := c.hybrid.Retrieve(ctx, HybridRequest{
		Query:         query,
		TenantID:      req.TenantID,
		CollectionID:  req.CollectionID,
		K:             k,
		FetchK:        req.FetchK,
		Filters:       req.Filters,
		RerankEnabled: &rerankOn,
		Graph:         req.Graph,
	})
	if err != nil {
		return nil, nil, err
	}
	items := tagFusionSource(resp.Items, FusionSourceChunks)
	return items, resp.Trace, nil
}

func (c *ComprehensiveCoordinator) graphPipeline(ctx context.Context, req ComprehensiveRequest, query string, k int) ([]Item, error) {
	opts := repository.GraphOptions{MaxHops: c.cfg.GraphHopCap}
	if req.Graph != nil {
		opts = *req.Graph
	}
	opts.MaxHops = clampGraphHops(opts.MaxHops, c.cfg.GraphHopCap)

	rows, err := c.repo.RetrieveGraphNodes(ctx, query, req.TenantID, opts, k, req.CollectionID)
	if err != nil {
		return nil, fmt.Errorf("graph retrieval failed: %w", err)
	}
	items := make([]Item, 0, len(rows))
	for i, row := range rows {
		item := NewItemFromRow(row, SourceLabel(FusionSourceGraph, i+1), ScoreSpaceSimilarity, c.cfg.ScoreDefault)
		items = append(items, item)
	}
	return tagFusionSource(items, FusionSourceGraph), nil
}

func (c *ComprehensiveCoordinator) summaryPipeline(ctx context.Context, req ComprehensiveRequest, query string) ([]Item, error) {
	vector, err := c.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("summary query embedding failed: %w", err)
	}
	rows, err := c.repo.MatchSummaries(ctx, vector, req.TenantID, c.cfg.SummaryK, req.CollectionID)
	if err != nil {
		return nil, fmt.Errorf("summary retrieval failed: %w", err)
	}
	items := make([]Item, 0, len(rows))
	for i, row := range rows {
		items = append(items, NewItemFromRow(row, SourceLabel(FusionSourceRaptor, i+1), ScoreSpaceSimilarity, c.cfg.ScoreDefault))
	}
	return tagFusionSource(items, FusionSourceRaptor), nil
}

// clampGraphHops bounds the requested hop budget to [1, min(4, cap)]
func clampGraphHops(requested, hopCap int) int {
	if hopCap > 4 {
		hopCap = 4
	}
	if hopCap < 1 {
		hopCap = 1
	}
	if requested < 1 {
		return hopCap
	}
	if requested > hopCap {
		return hopCap
	}
	return requested
}

func tagFusionSource(items []Item, source string) []Item {
	out := make([]Item, len(items))
	for i, item := range items {
		metadata := make(map[string]interface{}, len(item.Metadata)+1)
		for k, v := range item.Metadata {
			metadata[k] = v
		}
		metadata["fusion_source"] = source
		item.Metadata = metadata
		out[i] = item
	}
	return out
}

func requestedStandardsFromFilters(filters map[string]interface{}) []string {
	var out []string
	if s, ok := filters["source_standard"].(string); ok && s != "" {
		out = append(out, s)
	}
	switch vals := filters["source_standards"].(type) {
	case []string:
		out = append(out, vals...)
	case []interface{}:
		for _, v := range vals {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
	}
	return out
}
