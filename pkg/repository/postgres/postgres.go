// Package postgres implements the retrieval repository port over PostgreSQL
// with pgvector for dense similarity and tsvector full-text search. Every
// query is tenant-scoped in SQL; rows marked is_global are visible to all
// tenants.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/norm-mesh/norm-mesh/pkg/observability"
	"github.com/norm-mesh/norm-mesh/pkg/repository"
	"github.com/norm-mesh/norm-mesh/pkg/scope"
)

const (
	// maxSummaryDepth bounds the summary-tree DFS
	maxSummaryDepth = 5
	// scopePenaltyFactor softens rows outside the requested standards instead
	// of dropping them; the policy layer decides what to do with them.
	scopePenaltyFactor = 0.5
	// defaultGraphHops is used when the caller passes no hop budget
	defaultGraphHops = 2
)

// Config contains repository settings
type Config struct {
	DB           *sqlx.DB
	Logger       observability.Logger
	Metrics      observability.MetricsClient
	GraphHopCap  int
	FusionRRFK   int
	DisableProc  bool // skip the stored-procedure fast path
}

// Repository is the PostgreSQL adapter for the retrieval port
type Repository struct {
	db          *sqlx.DB
	logger      observability.Logger
	metrics     observability.MetricsClient
	graphHopCap int
	rrfK        int
	disableProc bool
}

// New creates a new PostgreSQL retrieval repository
func New(cfg Config) (*Repository, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewLogger("repository.postgres")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewMetricsClient()
	}
	if cfg.GraphHopCap <= 0 {
		cfg.GraphHopCap = defaultGraphHops
	}
	if cfg.FusionRRFK <= 0 {
		cfg.FusionRRFK = 60
	}
	return &Repository{
		db:          cfg.DB,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		graphHopCap: cfg.GraphHopCap,
		rrfK:        cfg.FusionRRFK,
		disableProc: cfg.DisableProc,
	}, nil
}

// RetrieveHybridOptimized implements repository.RetrievalRepository. It first
// tries the store-side fused procedure; when the procedure signature does not
// match the deployed schema it falls back to the two-arm inline search and
// records a warning the coordinators lift into warning codes.
func (r *Repository) RetrieveHybridOptimized(ctx context.Context, payload repository.HybridPayload) (*repository.HybridResult, error) {
	ctx, span := observability.StartSpan(ctx, "repository.retrieve_hybrid_optimized")
	defer span.End()

	start := time.Now()
	result := &repository.HybridResult{TimingsMS: map[string]float64{}}

	if !r.disableProc {
		rows, err := r.hybridViaProcedure(ctx, payload)
		if err == nil {
			result.Rows = rows
			r.applyScopePenalty(payload.Scope, result)
			result.TimingsMS["hybrid_rpc"] = msSince(start)
			return result, nil
		}
		if !isSignatureMismatch(err) {
			return nil, fmt.Errorf("hybrid procedure failed: %w", err)
		}
		result.Warnings = append(result.Warnings,
			"hybrid rpc signature_mismatch detected, hnsw fast path disabled")
		r.logger.Warn("Hybrid procedure signature mismatch, using inline fallback", map[string]interface{}{
			"tenant_id": payload.TenantID,
			"error":     err.Error(),
		})
	}

	fetchK := payload.FetchK
	if fetchK <= 0 {
		fetchK = payload.K * 4
	}

	type armResult struct {
		rows []repository.Row
		err  error
	}
	vectorChan := make(chan armResult, 1)
	ftsChan := make(chan armResult, 1)

	searchPayload := repository.SearchPayload{
		Query:        payload.Query,
		QueryVector:  payload.QueryVector,
		TenantID:     payload.TenantID,
		CollectionID: payload.CollectionID,
		Limit:        fetchK,
		Scope:        payload.Scope,
	}

	go func() {
		rows, err := r.SearchVectorsOnly(ctx, searchPayload)
		vectorChan <- armResult{rows: rows, err: err}
	}()
	go func() {
		rows, err := r.SearchFTSOnly(ctx, searchPayload)
		ftsChan <- armResult{rows: rows, err: err}
	}()

	vRes := <-vectorChan
	fRes := <-ftsChan

	if vRes.err != nil && fRes.err != nil {
		return nil, fmt.Errorf("both search arms failed: vector=%v, fts=%v", vRes.err, fRes.err)
	}
	if vRes.err != nil {
		result.Warnings = append(result.Warnings, "vector_arm_failed:"+vRes.err.Error())
	}
	if fRes.err != nil {
		result.Warnings = append(result.Warnings, "fts_arm_failed:"+fRes.err.Error())
	}

	result.Rows = r.fuseArms(vRes.rows, fRes.rows, payload.K, fetchK)
	r.applyScopePenalty(payload.Scope, result)
	result.TimingsMS["hybrid_rpc"] = msSince(start)

	r.metrics.RecordHistogram("repository.hybrid.duration", time.Since(start).Seconds(),
		map[string]string{"path": "inline"})
	return result, nil
}

// hybridViaProcedure calls the fused store procedure
func (r *Repository) hybridViaProcedure(ctx context.Context, payload repository.HybridPayload) ([]repository.Row, error) {
	query := `
		SELECT id, content, similarity, score, metadata, source_layer,
		       source_type, tenant_id, is_global
		FROM retrieve_hybrid_optimized($1, $2::vector, $3, $4, $5, $6)
	`
	rows, err := r.db.QueryContext(ctx, query,
		payload.Query,
		vectorLiteral(payload.QueryVector),
		payload.TenantID,
		nullString(payload.CollectionID),
		payload.K,
		payload.FetchK,
	)
	if err != nil {
		return nil, err
	}
	return r.scanRows(rows, repository.SourceLayerHybrid)
}

// SearchVectorsOnly implements repository.RetrievalRepository
func (r *Repository) SearchVectorsOnly(ctx context.Context, payload repository.SearchPayload) ([]repository.Row, error) {
	if len(payload.QueryVector) == 0 {
		return nil, fmt.Errorf("query vector is required for vector search")
	}

	query := `
		SELECT c.id, c.content,
		       1 - (c.embedding <=> $1::vector) AS similarity,
		       1 - (c.embedding <=> $1::vector) AS score,
		       c.metadata, c.source_type, c.tenant_id, c.is_global
		FROM chunks c
		WHERE (c.tenant_id = $2 OR c.is_global)
	`
	args := []interface{}{vectorLiteral(payload.QueryVector), payload.TenantID}
	query, args = appendFilters(query, args, payload, "c")
	args = append(args, payload.Limit)
	query += fmt.Sprintf(" ORDER BY c.embedding <=> $1::vector LIMIT $%d", len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}
	return r.scanChunkRows(rows, repository.SourceLayerVector)
}

// SearchFTSOnly implements repository.RetrievalRepository
func (r *Repository) SearchFTSOnly(ctx context.Context, payload repository.SearchPayload) ([]repository.Row, error) {
	query := `
		SELECT c.id, c.content,
		       0.0 AS similarity,
		       ts_rank_cd(c.content_tsv, plainto_tsquery('simple', $1)) AS score,
		       c.metadata, c.source_type, c.tenant_id, c.is_global
		FROM chunks c
		WHERE (c.tenant_id = $2 OR c.is_global)
		  AND c.content_tsv @@ plainto_tsquery('simple', $1)
	`
	args := []interface{}{payload.Query, payload.TenantID}
	query, args = appendFilters(query, args, payload, "c")
	args = append(args, payload.Limit)
	query += fmt.Sprintf(" ORDER BY score DESC LIMIT $%d", len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("fts search failed: %w", err)
	}
	return r.scanChunkRows(rows, repository.SourceLayerVector)
}

// MatchSummaries implements repository.RetrievalRepository
func (r *Repository) MatchSummaries(ctx context.Context, vector []float32, tenantID string, limit int, collectionID string) ([]repository.Row, error) {
	if len(vector) == 0 {
		return nil, fmt.Errorf("query vector is required for summary match")
	}
	if limit <= 0 {
		limit = 5
	}

	query := `
		SELECT s.id, s.content,
		       1 - (s.embedding <=> $1::vector) AS similarity,
		       1 - (s.embedding <=> $1::vector) AS score,
		       s.metadata, 'summary' AS source_type, s.tenant_id, s.is_global
		FROM summaries s
		WHERE (s.tenant_id = $2 OR s.is_global)
		  AND ($3::text IS NULL OR s.collection_id = $3)
		ORDER BY s.embedding <=> $1::vector
		LIMIT $4
	`
	rows, err := r.db.QueryContext(ctx, query,
		vectorLiteral(vector), tenantID, nullString(collectionID), limit)
	if err != nil {
		return nil, fmt.Errorf("summary match failed: %w", err)
	}
	return r.scanChunkRows(rows, repository.SourceLayerRaptor)
}

// FetchChunksByIDs implements repository.RetrievalRepository. Similarity is
// seeded to 0.0; graph-grounding callers overwrite it with the node score.
func (r *Repository) FetchChunksByIDs(ctx context.Context, ids []string) ([]repository.Row, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := `
		SELECT c.id, c.content,
		       0.0 AS similarity,
		       0.0 AS score,
		       c.metadata, c.source_type, c.tenant_id, c.is_global
		FROM chunks c
		WHERE c.id = ANY($1)
	`
	rows, err := r.db.QueryContext(ctx, query, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("chunk hydration failed: %w", err)
	}
	return r.scanChunkRows(rows, repository.SourceLayerVector)
}

// ResolveSummariesToChunkIDs implements repository.RetrievalRepository with an
// iterative DFS over summary_edges, depth capped at maxSummaryDepth.
func (r *Repository) ResolveSummariesToChunkIDs(ctx context.Context, summaryIDs []string) ([]string, error) {
	if len(summaryIDs) == 0 {
		return nil, nil
	}

	var chunkIDs []string
	seenChunks := make(map[string]bool)
	seenSummaries := make(map[string]bool)
	frontier := append([]string(nil), summaryIDs...)

	for depth := 0; depth < maxSummaryDepth && len(frontier) > 0; depth++ {
		query := `
			SELECT parent_id, child_id, child_kind
			FROM summary_edges
			WHERE parent_id = ANY($1)
		`
		rows, err := r.db.QueryContext(ctx, query, pq.Array(frontier))
		if err != nil {
			return nil, fmt.Errorf("summary edge fetch failed at depth %d: %w", depth, err)
		}

		var next []string
		for rows.Next() {
			var parentID, childID, childKind string
			if err := rows.Scan(&parentID, &childID, &childKind); err != nil {
				_ = rows.Close()
				return nil, fmt.Errorf("summary edge scan failed: %w", err)
			}
			switch childKind {
			case "chunk":
				if !seenChunks[childID] {
					seenChunks[childID] = true
					chunkIDs = append(chunkIDs, childID)
				}
			case "summary":
				if !seenSummaries[childID] {
					seenSummaries[childID] = true
					next = append(next, childID)
				}
			}
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("summary edge iteration failed: %w", err)
		}
		_ = rows.Close()
		frontier = next
	}

	return chunkIDs, nil
}

// RetrieveGraphNodes implements repository.RetrievalRepository. Seed nodes are
// matched by full-text rank; neighbors inherit a decayed seed score per hop.
func (r *Repository) RetrieveGraphNodes(ctx context.Context, query string, tenantID string, opts repository.GraphOptions, k int, collectionID string) ([]repository.Row, error) {
	if k <= 0 {
		k = 8
	}
	hops := clampHops(opts.MaxHops, r.graphHopCap)

	seedQuery := `
		SELECT g.id, g.label, g.content,
		       ts_rank_cd(g.content_tsv, plainto_tsquery('simple', $1)) AS score,
		       g.node_type, g.metadata, g.tenant_id, g.is_global
		FROM graph_nodes g
		WHERE (g.tenant_id = $2 OR g.is_global)
		  AND ($3::text IS NULL OR g.collection_id = $3)
		  AND g.content_tsv @@ plainto_tsquery('simple', $1)
	`
	args := []interface{}{query, tenantID, nullString(collectionID)}
	if len(opts.NodeTypes) > 0 {
		args = append(args, pq.Array(opts.NodeTypes))
		seedQuery += fmt.Sprintf(" AND g.node_type = ANY($%d)", len(args))
	}
	args = append(args, k)
	seedQuery += fmt.Sprintf(" ORDER BY score DESC LIMIT $%d", len(args))

	rows, err := r.db.QueryContext(ctx, seedQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("graph seed match failed: %w", err)
	}

	nodes, err := r.scanGraphRows(rows)
	if err != nil {
		return nil, err
	}

	collected := make(map[string]repository.Row, len(nodes))
	var order []string
	for _, n := range nodes {
		collected[n.ID] = n
		order = append(order, n.ID)
	}

	frontier := order
	decay := 1.0
	for hop := 0; hop < hops && len(frontier) > 0; hop++ {
		decay *= 0.7
		neighbors, err := r.expandNeighbors(ctx, frontier, tenantID)
		if err != nil {
			r.logger.Warn("Graph expansion failed, returning seeds only", map[string]interface{}{
				"hop":   hop,
				"error": err.Error(),
			})
			break
		}
		var next []string
		for _, n := range neighbors {
			if _, ok := collected[n.ID]; ok {
				continue
			}
			seedScore := collected[frontierParent(frontier, n)].Score
			n.Score = seedScore * decay
			n.Similarity = n.Score
			collected[n.ID] = n
			order = append(order, n.ID)
			next = append(next, n.ID)
		}
		frontier = next
	}

	out := make([]repository.Row, 0, len(order))
	for _, id := range order {
		row := collected[id]
		if opts.MinScore > 0 && row.Score < opts.MinScore {
			continue
		}
		out = append(out, row)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// expandNeighbors fetches the one-hop neighborhood of the frontier
func (r *Repository) expandNeighbors(ctx context.Context, frontier []string, tenantID string) ([]repository.Row, error) {
	query := `
		SELECT g.id, g.label, g.content,
		       0.0 AS score,
		       g.node_type, g.metadata, g.tenant_id, g.is_global
		FROM graph_edges e
		JOIN graph_nodes g ON g.id = e.target_id
		WHERE e.source_id = ANY($1)
		  AND (g.tenant_id = $2 OR g.is_global)
	`
	rows, err := r.db.QueryContext(ctx, query, pq.Array(frontier), tenantID)
	if err != nil {
		return nil, err
	}
	return r.scanGraphRows(rows)
}

// fuseArms merges the vector and FTS arms by reciprocal rank
func (r *Repository) fuseArms(vectorRows, ftsRows []repository.Row, k, fetchK int) []repository.Row {
	type fused struct {
		row   repository.Row
		score float64
		seen  int
	}
	byID := make(map[string]*fused)
	var order []string

	accumulate := func(rows []repository.Row, keepSimilarity bool) {
		for rank, row := range rows {
			f, ok := byID[row.ID]
			if !ok {
				f = &fused{row: row}
				byID[row.ID] = f
				order = append(order, row.ID)
			} else if keepSimilarity && f.row.Similarity == 0 {
				f.row.Similarity = row.Similarity
			}
			f.score += 1.0 / float64(r.rrfK+rank+1)
			f.seen++
		}
	}
	accumulate(vectorRows, true)
	accumulate(ftsRows, false)

	out := make([]repository.Row, 0, len(order))
	for _, id := range order {
		f := byID[id]
		f.row.Score = f.score
		f.row.SourceLayer = repository.SourceLayerHybrid
		out = append(out, f.row)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if k > 0 && len(out) > k {
		out = out[:k]
	}
	return out
}

// applyScopePenalty marks rows outside the requested standards instead of
// dropping them. The multi-query coordinator uses the resulting ratio for
// branch dropout.
func (r *Repository) applyScopePenalty(sc scope.NormalizedScope, result *repository.HybridResult) {
	if len(sc.SourceStandards) == 0 {
		return
	}
	allowed := make(map[string]bool, len(sc.SourceStandards))
	for _, s := range sc.SourceStandards {
		allowed[s] = true
	}
	for i := range result.Rows {
		std, _ := result.Rows[i].Metadata["source_standard"].(string)
		if std == "" || allowed[std] {
			continue
		}
		result.Rows[i].Score *= scopePenaltyFactor
		result.Rows[i].ScopePenalized = true
		result.ScopePenalizedCount++
	}
}

func (r *Repository) scanChunkRows(rows *sql.Rows, sourceLayer string) ([]repository.Row, error) {
	defer func() {
		if err := rows.Close(); err != nil {
			r.logger.Warn("Failed to close rows", map[string]interface{}{"error": err.Error()})
		}
	}()

	var out []repository.Row
	for rows.Next() {
		var row repository.Row
		var metadataJSON []byte
		var sourceType sql.NullString
		if err := rows.Scan(
			&row.ID, &row.Content, &row.Similarity, &row.Score,
			&metadataJSON, &sourceType, &row.TenantID, &row.IsGlobal,
		); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		row.SourceLayer = sourceLayer
		row.SourceType = sourceType.String
		row.Metadata = parseMetadata(metadataJSON)
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return out, nil
}

func (r *Repository) scanRows(rows *sql.Rows, fallbackLayer string) ([]repository.Row, error) {
	defer func() {
		if err := rows.Close(); err != nil {
			r.logger.Warn("Failed to close rows", map[string]interface{}{"error": err.Error()})
		}
	}()

	var out []repository.Row
	for rows.Next() {
		var row repository.Row
		var metadataJSON []byte
		var sourceLayer, sourceType sql.NullString
		if err := rows.Scan(
			&row.ID, &row.Content, &row.Similarity, &row.Score,
			&metadataJSON, &sourceLayer, &sourceType, &row.TenantID, &row.IsGlobal,
		); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		row.SourceLayer = sourceLayer.String
		if row.SourceLayer == "" {
			row.SourceLayer = fallbackLayer
		}
		row.SourceType = sourceType.String
		row.Metadata = parseMetadata(metadataJSON)
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return out, nil
}

func (r *Repository) scanGraphRows(rows *sql.Rows) ([]repository.Row, error) {
	defer func() {
		if err := rows.Close(); err != nil {
			r.logger.Warn("Failed to close rows", map[string]interface{}{"error": err.Error()})
		}
	}()

	var out []repository.Row
	for rows.Next() {
		var row repository.Row
		var label, nodeType sql.NullString
		var metadataJSON []byte
		if err := rows.Scan(
			&row.ID, &label, &row.Content, &row.Score,
			&nodeType, &metadataJSON, &row.TenantID, &row.IsGlobal,
		); err != nil {
			return nil, fmt.Errorf("failed to scan graph row: %w", err)
		}
		row.Similarity = row.Score
		row.SourceLayer = repository.SourceLayerGraph
		row.SourceType = nodeType.String
		row.Metadata = parseMetadata(metadataJSON)
		if label.String != "" {
			if row.Metadata == nil {
				row.Metadata = map[string]interface{}{}
			}
			row.Metadata["label"] = label.String
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating graph rows: %w", err)
	}
	return out, nil
}

// appendFilters adds scope filter clauses to query and returns the updated
// query and args.
func appendFilters(query string, args []interface{}, payload repository.SearchPayload, alias string) (string, []interface{}) {
	if payload.CollectionID != "" {
		args = append(args, payload.CollectionID)
		query += fmt.Sprintf(" AND %s.collection_id = $%d", alias, len(args))
	}
	for _, key := range sortedMetaKeys(payload.Scope.Metadata) {
		args = append(args, fmt.Sprintf("%v", payload.Scope.Metadata[key]))
		query += fmt.Sprintf(" AND %s.metadata->>%s = $%d", alias, pq.QuoteLiteral(key), len(args))
	}
	if tr := payload.Scope.TimeRange; tr != nil {
		field := tr.Field
		if field == "" {
			field = "created_at"
		}
		if tr.From != "" {
			args = append(args, tr.From)
			query += fmt.Sprintf(" AND %s.%s >= $%d", alias, pq.QuoteIdentifier(field), len(args))
		}
		if tr.To != "" {
			args = append(args, tr.To)
			query += fmt.Sprintf(" AND %s.%s <= $%d", alias, pq.QuoteIdentifier(field), len(args))
		}
	}
	return query, args
}

func parseMetadata(raw []byte) map[string]interface{} {
	if len(raw) == 0 {
		return nil
	}
	meta := make(map[string]interface{})
	// Malformed metadata is tolerated; the row is still useful.
	_ = json.Unmarshal(raw, &meta)
	return meta
}

// vectorLiteral renders a pgvector literal like [0.1,0.2,0.3]
func vectorLiteral(vec []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range vec {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%g", v)
	}
	b.WriteByte(']')
	return b.String()
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func clampHops(requested, hopCap int) int {
	if hopCap > 4 {
		hopCap = 4
	}
	if requested <= 0 {
		requested = defaultGraphHops
	}
	if requested > hopCap {
		return hopCap
	}
	return requested
}

func isSignatureMismatch(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "does not exist") || strings.Contains(msg, "signature")
}

// frontierParent attributes a neighbor to the first frontier node; edge rows
// do not carry the source back, so the decayed score uses the frontier head.
func frontierParent(frontier []string, _ repository.Row) string {
	if len(frontier) == 0 {
		return ""
	}
	return frontier[0]
}

func sortedMetaKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func msSince(t time.Time) float64 {
	return float64(time.Since(t).Microseconds()) / 1000.0
}
