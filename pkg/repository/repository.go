// Package repository defines the retrieval persistence port: the RPC surface
// the engine needs from a vector+FTS store, and the row shape those RPCs
// return. The postgres subpackage provides the production adapter; the engine
// itself depends only on the interfaces here.
package repository

import (
	"context"

	"github.com/norm-mesh/norm-mesh/pkg/scope"
)

// Source layers a row can originate from
const (
	SourceLayerVector        = "vector"
	SourceLayerGraph         = "graph"
	SourceLayerGraphGrounded = "graph_grounded"
	SourceLayerRaptor        = "raptor"
	SourceLayerHybrid        = "hybrid"
)

// Row is a single retrieval row as returned by the store
type Row struct {
	ID             string                 `json:"id"`
	Content        string                 `json:"content"`
	Similarity     float64                `json:"similarity"`
	Score          float64                `json:"score"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	SourceLayer    string                 `json:"source_layer"`
	SourceType     string                 `json:"source_type"`
	TenantID       string                 `json:"tenant_id"`
	IsGlobal       bool                   `json:"is_global"`
	ScopePenalized bool                   `json:"scope_penalized"`
}

// GraphOptions controls knowledge-graph retrieval
type GraphOptions struct {
	// MaxHops bounds edge expansion from matched seed nodes. Callers may
	// request more, but adapters clamp to their configured cap.
	MaxHops   int      `json:"max_hops,omitempty"`
	NodeTypes []string `json:"node_types,omitempty"`
	MinScore  float64  `json:"min_score,omitempty"`
}

// HybridPayload is the request shape for the hybrid RPC
type HybridPayload struct {
	Query         string
	QueryVector   []float32
	TenantID      string
	CollectionID  string
	K             int
	FetchK        int
	RerankEnabled bool
	Scope         scope.NormalizedScope
	GraphOptions  *GraphOptions
}

// SearchPayload is the request shape for the single-arm RPCs
type SearchPayload struct {
	Query        string
	QueryVector  []float32
	TenantID     string
	CollectionID string
	Limit        int
	Scope        scope.NormalizedScope
}

// HybridResult carries rows plus the store-side diagnostics the coordinators
// fold into the response trace.
type HybridResult struct {
	Rows                []Row
	Warnings            []string
	ScopePenalizedCount int
	TimingsMS           map[string]float64
}

// RetrievalRepository is the persistence port for all retrieval paths
type RetrievalRepository interface {
	// RetrieveHybridOptimized runs the fused vector+FTS search in the store.
	RetrieveHybridOptimized(ctx context.Context, payload HybridPayload) (*HybridResult, error)

	// SearchVectorsOnly runs pure vector similarity search.
	SearchVectorsOnly(ctx context.Context, payload SearchPayload) ([]Row, error)

	// SearchFTSOnly runs pure full-text search.
	SearchFTSOnly(ctx context.Context, payload SearchPayload) ([]Row, error)

	// MatchSummaries matches the query vector against the summary tree.
	MatchSummaries(ctx context.Context, vector []float32, tenantID string, limit int, collectionID string) ([]Row, error)

	// FetchChunksByIDs hydrates chunk rows by id. Similarity is seeded to 0.0;
	// callers that ground chunks through graph nodes overwrite it with the
	// node score before surfacing the row.
	FetchChunksByIDs(ctx context.Context, ids []string) ([]Row, error)

	// ResolveSummariesToChunkIDs walks the summary tree down to leaf chunk
	// ids. Traversal is a bounded DFS with depth at most 5.
	ResolveSummariesToChunkIDs(ctx context.Context, summaryIDs []string) ([]string, error)

	// RetrieveGraphNodes matches graph nodes for the query and expands over
	// edges up to the clamped hop budget.
	RetrieveGraphNodes(ctx context.Context, query string, tenantID string, opts GraphOptions, k int, collectionID string) ([]Row, error)
}
