// Package knowledge answers regulatory questions over the retrieval core.
// Answer generation itself is delegated to an abstract LLM port; without one
// the service degrades to an extractive answer built from the top evidence.
package knowledge

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/norm-mesh/norm-mesh/pkg/apierrors"
	"github.com/norm-mesh/norm-mesh/pkg/observability"
	"github.com/norm-mesh/norm-mesh/pkg/retrieval"
	"github.com/norm-mesh/norm-mesh/pkg/scope"
)

// Answer modes
const (
	ModeAmbiguousScope = "AMBIGUOUS_SCOPE"
	ModeExtractive     = "EXTRACTIVE"
	ModeGenerated      = "GENERATED"
)

const extractiveSnippets = 3

// LLM is the answer-synthesis port
type LLM interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Citation references the evidence an answer rests on
type Citation struct {
	Source     string `json:"source"`
	DocumentID string `json:"document_id,omitempty"`
	Snippet    string `json:"snippet"`
}

// AnswerRequest is a knowledge question for one tenant
type AnswerRequest struct {
	Query    string `json:"query"`
	TenantID string `json:"tenant_id"`
}

// AnswerResponse carries the answer with its evidence
type AnswerResponse struct {
	Answer        string           `json:"answer"`
	ContextChunks []retrieval.Item `json:"context_chunks"`
	Citations     []Citation       `json:"citations"`
	Mode          string           `json:"mode"`
	ScopeMessage  string           `json:"scope_message,omitempty"`
}

// Service answers questions using comprehensive retrieval as evidence
type Service struct {
	resolver      *scope.Resolver
	comprehensive *retrieval.ComprehensiveCoordinator
	llm           LLM
	logger        observability.Logger
	metrics       observability.MetricsClient
}

// NewService creates a knowledge answer service. The LLM is optional.
func NewService(
	resolver *scope.Resolver,
	comprehensive *retrieval.ComprehensiveCoordinator,
	llm LLM,
	logger observability.Logger,
	metrics observability.MetricsClient,
) *Service {
	if resolver == nil {
		resolver = scope.NewResolver(nil)
	}
	if logger == nil {
		logger = observability.NewLogger("knowledge")
	}
	if metrics == nil {
		metrics = observability.NewMetricsClient()
	}
	return &Service{
		resolver:      resolver,
		comprehensive: comprehensive,
		llm:           llm,
		logger:        logger,
		metrics:       metrics,
	}
}

// Answer resolves scope, retrieves evidence, and produces the answer. On
// ambiguous scope no retrieval runs; the caller gets the suggestions back.
func (s *Service) Answer(ctx context.Context, req AnswerRequest) (*AnswerResponse, error) {
	ctx, span := observability.StartSpan(ctx, "knowledge.answer")
	defer span.End()
	start := time.Now()

	if strings.TrimSpace(req.TenantID) == "" {
		return nil, apierrors.New(apierrors.CodeInvalidRequest, "tenant_id is required")
	}
	if strings.TrimSpace(req.Query) == "" {
		return nil, apierrors.New(apierrors.CodeInvalidRequest, "query is required")
	}

	resolution := s.resolver.Resolve(req.Query)
	if resolution.RequiresScopeClarification {
		s.metrics.IncrementCounter("knowledge.answer.ambiguous_scope", 1)
		return &AnswerResponse{
			Answer:        "",
			ContextChunks: []retrieval.Item{},
			Citations:     []Citation{},
			Mode:          ModeAmbiguousScope,
			ScopeMessage:  scope.FormatScopeMessage(resolution.SuggestedScopes),
		}, nil
	}

	result, err := s.comprehensive.Execute(ctx, retrieval.ComprehensiveRequest{
		Query:    req.Query,
		TenantID: req.TenantID,
	})
	if err != nil {
		return nil, fmt.Errorf("evidence retrieval failed: %w", err)
	}

	resp := &AnswerResponse{
		ContextChunks: result.Items,
		Citations:     buildCitations(result.Items),
	}

	if s.llm != nil && len(result.Items) > 0 {
		answer, genErr := s.llm.Generate(ctx, buildPrompt(req.Query, result.Items))
		if genErr == nil {
			resp.Answer = answer
			resp.Mode = ModeGenerated
			s.observe(start, ModeGenerated)
			return resp, nil
		}
		s.logger.Warn("Answer generation failed, falling back to extractive answer", map[string]interface{}{
			"error": genErr.Error(),
		})
	}

	resp.Answer = extractiveAnswer(result.Items)
	resp.Mode = ModeExtractive
	s.observe(start, ModeExtractive)
	return resp, nil
}

func (s *Service) observe(start time.Time, mode string) {
	s.metrics.RecordHistogram("knowledge.answer.duration_seconds",
		time.Since(start).Seconds(), map[string]string{"mode": mode})
}

func buildPrompt(query string, items []retrieval.Item) string {
	var b strings.Builder
	b.WriteString("Answer the question using only the evidence below. Cite sources by their label.\n\n")
	for _, item := range items {
		fmt.Fprintf(&b, "[%s] %s\n\n", item.Source, item.Content)
	}
	b.WriteString("Question: ")
	b.WriteString(query)
	return b.String()
}

// extractiveAnswer stitches the top snippets into a literal answer
func extractiveAnswer(items []retrieval.Item) string {
	if len(items) == 0 {
		return ""
	}
	n := len(items)
	if n > extractiveSnippets {
		n = extractiveSnippets
	}
	parts := make([]string, 0, n)
	for _, item := range items[:n] {
		parts = append(parts, fmt.Sprintf("[%s] %s", item.Source, snippet(item.Content, 400)))
	}
	return strings.Join(parts, "\n\n")
}

func buildCitations(items []retrieval.Item) []Citation {
	citations := make([]Citation, 0, len(items))
	for _, item := range items {
		docID, _ := item.Metadata["id"].(string)
		citations = append(citations, Citation{
			Source:     item.Source,
			DocumentID: docID,
			Snippet:    snippet(item.Content, 200),
		})
	}
	return citations
}

func snippet(content string, limit int) string {
	content = strings.TrimSpace(content)
	if len(content) <= limit {
		return content
	}
	cut := limit
	if idx := strings.LastIndex(content[:limit], " "); idx > limit/2 {
		cut = idx
	}
	return content[:cut] + "…"
}
