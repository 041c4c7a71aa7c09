package retrieval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/norm-mesh/norm-mesh/pkg/apierrors"
	"github.com/norm-mesh/norm-mesh/pkg/observability"
)

// MultiQueryConfig contains coordinator settings
type MultiQueryConfig struct {
	MaxParallel                int
	SubqueryTimeout            time.Duration
	DropScopePenalizedBranches bool
	ScopePenaltyDropThreshold  float64
	DefaultTopK                int
}

// MultiQueryCoordinator executes related sub-queries in parallel under a
// bounded semaphore and merges the surviving rankings by reciprocal rank.
type MultiQueryCoordinator struct {
	hybrid  *HybridRetriever
	cfg     MultiQueryConfig
	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewMultiQueryCoordinator creates a multi-query coordinator
func NewMultiQueryCoordinator(hybrid *HybridRetriever, cfg MultiQueryConfig, logger observability.Logger, metrics observability.MetricsClient) *MultiQueryCoordinator {
	if logger == nil {
		logger = observability.NewLogger("retrieval.multi_query")
	}
	if metrics == nil {
		metrics = observability.NewMetricsClient()
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 4
	}
	if cfg.MaxParallel > 8 {
		cfg.MaxParallel = 8
	}
	if cfg.SubqueryTimeout < 200*time.Millisecond {
		cfg.SubqueryTimeout = 8 * time.Second
	}
	if cfg.ScopePenaltyDropThreshold <= 0 || cfg.ScopePenaltyDropThreshold > 1 {
		cfg.ScopePenaltyDropThreshold = 0.95
	}
	if cfg.DefaultTopK <= 0 {
		cfg.DefaultTopK = 8
	}
	return &MultiQueryCoordinator{hybrid: hybrid, cfg: cfg, logger: logger, metrics: metrics}
}

// Execute runs the sub-queries and merges the results. It fails only when
// every sub-query failed; partial failure is reported per record.
func (c *MultiQueryCoordinator) Execute(ctx context.Context, req MultiQueryRequest) (*MultiQueryResponse, error) {
	ctx, span := observability.StartSpan(ctx, "retrieval.multi_query")
	defer span.End()
	start := time.Now()

	if len(req.Queries) == 0 {
		return nil, apierrors.New(apierrors.CodeInvalidRequest, "queries must not be empty")
	}

	trace := NewTrace(EngineModeMultiQuery)
	trace.ScoreSpace = ScoreSpaceRRF

	records := make([]SubqueryRecord, len(req.Queries))
	groups := make([][]Item, len(req.Queries))

	// Duplicate fingerprints are recorded and never executed.
	seen := make(map[string]int)
	var runnable []int
	for i, sub := range req.Queries {
		records[i] = SubqueryRecord{Index: i, Query: sub.Query}
		fp := subqueryFingerprint(sub)
		if first, dup := seen[fp]; dup {
			records[i].Status = SubqueryStatusError
			records[i].Code = apierrors.CodeSubquerySkippedDuplicate
			records[i].Error = fmt.Sprintf("duplicate of sub-query %d", first)
			continue
		}
		seen[fp] = i
		runnable = append(runnable, i)
	}

	sem := semaphore.NewWeighted(int64(c.cfg.MaxParallel))
	var wg sync.WaitGroup
	for _, i := range runnable {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := sem.Acquire(ctx, 1); err != nil {
				records[i].Status = SubqueryStatusError
				records[i].Code = apierrors.CodeSubqueryFailed
				records[i].Error = err.Error()
				return
			}
			defer sem.Release(1)
			c.runSubquery(ctx, req.TenantID, req.Queries[i], &records[i], &groups[i])
		}(i)
	}
	wg.Wait()

	// Safety errors are never folded into partial results.
	for _, rec := range records {
		if rec.Code == apierrors.CodeSecurityIsolationBreach {
			return nil, apierrors.New(apierrors.CodeSecurityIsolationBreach, rec.Error)
		}
	}

	// Branch dropout: a branch almost entirely scope-penalized is noise.
	if c.cfg.DropScopePenalizedBranches {
		for _, i := range runnable {
			if records[i].Status != SubqueryStatusOK || len(groups[i]) == 0 {
				continue
			}
			if scopePenalizedRatio(groups[i]) >= c.cfg.ScopePenaltyDropThreshold {
				groups[i] = nil
				records[i].Status = SubqueryStatusError
				records[i].Code = apierrors.CodeSubqueryOutOfScope
				records[i].Error = "branch dropped: scope-penalized ratio above threshold"
				records[i].ItemCount = 0
				c.metrics.IncrementCounter("retrieval.multi_query.branch_dropped", 1)
			}
		}
	}

	succeeded, failed := 0, 0
	for _, rec := range records {
		if rec.Status == SubqueryStatusOK {
			succeeded++
		} else {
			failed++
		}
	}
	if succeeded == 0 {
		return nil, apierrors.New(apierrors.CodeMultiQueryAllFailed, "all sub-queries failed").
			WithDetails(map[string]interface{}{"subqueries": records})
	}

	rrfK := req.Merge.RRFK
	if rrfK <= 0 {
		rrfK = DefaultRRFK
	}
	topK := req.Merge.TopK
	if topK <= 0 {
		topK = c.cfg.DefaultTopK
	}

	var mergeGroups [][]Item
	for _, g := range groups {
		if len(g) > 0 {
			mergeGroups = append(mergeGroups, g)
		}
	}
	items := RRFMerge(mergeGroups, rrfK, topK)
	if items == nil {
		items = []Item{}
	}

	trace.TimingsMS["total"] = msSince(start)
	c.metrics.RecordHistogram("retrieval.multi_query.duration_ms", trace.TimingsMS["total"],
		map[string]string{"tenant_id": req.TenantID})

	return &MultiQueryResponse{
		Items:      items,
		Subqueries: records,
		Partial:    failed > 0,
		Trace:      trace,
	}, nil
}

func (c *MultiQueryCoordinator) runSubquery(ctx context.Context, tenantID string, sub SubQuery, record *SubqueryRecord, out *[]Item) {
	subCtx, cancel := context.WithTimeout(ctx, c.cfg.SubqueryTimeout)
	defer cancel()
	start := time.Now()
	defer func() { record.DurationMS = msSince(start) }()

	resp, err := c.hybrid.Retrieve(subCtx, HybridRequest{
		Query:              sub.Query,
		TenantID:           tenantID,
		CollectionID:       sub.CollectionID,
		K:                  sub.K,
		FetchK:             sub.FetchK,
		Filters:            sub.Filters,
		SkipPlanner:        true,
		SkipExternalRerank: true,
	})
	if err != nil {
		record.Status = SubqueryStatusError
		record.Code = classifySubqueryError(subCtx, err)
		record.Error = err.Error()
		c.logger.Warn("Sub-query failed", map[string]interface{}{
			"query": sub.Query,
			"code":  record.Code,
			"error": err.Error(),
		})
		return
	}

	record.Status = SubqueryStatusOK
	record.ItemCount = len(resp.Items)
	*out = resp.Items
}

// subqueryFingerprint dedups sub-queries: a (standard, clause) pair collapses
// to scope_clause, everything else to the normalized query text.
func subqueryFingerprint(sub SubQuery) string {
	standard, _ := sub.Filters["source_standard"].(string)
	var clause string
	if meta, ok := sub.Filters["metadata"].(map[string]interface{}); ok {
		clause, _ = meta["clause_id"].(string)
	}
	if standard != "" && clause != "" {
		return fmt.Sprintf("scope_clause::%s::%s", standard, clause)
	}
	normalized := strings.Join(strings.Fields(strings.ToLower(sub.Query)), " ")
	return "query::" + normalized
}

func classifySubqueryError(ctx context.Context, err error) string {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return apierrors.CodeSubqueryTimeout
	}
	if apiErr, ok := apierrors.As(err); ok {
		return apiErr.Code
	}
	return apierrors.CodeSubqueryFailed
}

func scopePenalizedRatio(items []Item) float64 {
	if len(items) == 0 {
		return 0
	}
	penalized := 0
	for _, item := range items {
		if item.ScopePenalized() {
			penalized++
		}
	}
	return float64(penalized) / float64(len(items))
}
