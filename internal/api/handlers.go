package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/norm-mesh/norm-mesh/pkg/apierrors"
	"github.com/norm-mesh/norm-mesh/pkg/auth"
	"github.com/norm-mesh/norm-mesh/pkg/knowledge"
	"github.com/norm-mesh/norm-mesh/pkg/retrieval"
)

type validateScopeRequest struct {
	Query    string                 `json:"query"`
	TenantID string                 `json:"tenant_id"`
	Filters  map[string]interface{} `json:"filters"`
}

func (s *Server) handleValidateScope(c *gin.Context) {
	var req validateScopeRequest
	if !bindJSON(c, &req) {
		return
	}
	if !s.checkTenant(c, &req.TenantID) {
		return
	}
	c.JSON(http.StatusOK, s.validator.Validate(req.Query, req.Filters))
}

func (s *Server) handleHybrid(c *gin.Context) {
	var req retrieval.HybridRequest
	if !bindJSON(c, &req) {
		return
	}
	if !s.checkTenant(c, &req.TenantID) {
		return
	}

	resp, err := s.hybrid.Retrieve(c.Request.Context(), req)
	if err != nil {
		auth.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleMultiQuery(c *gin.Context) {
	var req retrieval.MultiQueryRequest
	if !bindJSON(c, &req) {
		return
	}
	if !s.checkTenant(c, &req.TenantID) {
		return
	}

	resp, err := s.multiQuery.Execute(c.Request.Context(), req)
	if err != nil {
		auth.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleComprehensive(c *gin.Context) {
	var req retrieval.ComprehensiveRequest
	if !bindJSON(c, &req) {
		return
	}
	if !s.checkTenant(c, &req.TenantID) {
		return
	}

	resp, err := s.comprehensive.Execute(c.Request.Context(), req)
	if err != nil {
		auth.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

type explainRequest struct {
	retrieval.HybridRequest
	TopN int `json:"top_n,omitempty"`
}

// scoreComponents decomposes an item's final score for the explain endpoint
type scoreComponents struct {
	Similarity float64     `json:"similarity"`
	Rerank     interface{} `json:"rerank"`
	FinalScore float64     `json:"final_score"`
	ScoreSpace string      `json:"score_space"`
}

type explainItem struct {
	retrieval.Item
	ScoreComponents scoreComponents `json:"score_components"`
}

func (s *Server) handleExplain(c *gin.Context) {
	var req explainRequest
	if !bindJSON(c, &req) {
		return
	}
	if !s.checkTenant(c, &req.TenantID) {
		return
	}

	resp, err := s.hybrid.Retrieve(c.Request.Context(), req.HybridRequest)
	if err != nil {
		auth.RespondError(c, err)
		return
	}

	items := resp.Items
	if req.TopN > 0 && len(items) > req.TopN {
		items = items[:req.TopN]
	}

	explained := make([]explainItem, len(items))
	for i, item := range items {
		explained[i] = explainItem{
			Item: item,
			ScoreComponents: scoreComponents{
				Similarity: item.Similarity(),
				Rerank:     item.Metadata["jina_relevance_score"],
				FinalScore: item.Score,
				ScoreSpace: item.ScoreSpace(),
			},
		}
	}
	c.JSON(http.StatusOK, gin.H{"items": explained, "trace": resp.Trace})
}

func (s *Server) handleKnowledgeAnswer(c *gin.Context) {
	var req knowledge.AnswerRequest
	if !bindJSON(c, &req) {
		return
	}
	if !s.checkTenant(c, &req.TenantID) {
		return
	}

	resp, err := s.knowledge.Answer(c.Request.Context(), req)
	if err != nil {
		auth.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func bindJSON(c *gin.Context, target interface{}) bool {
	if err := c.ShouldBindJSON(target); err != nil {
		auth.AbortWithAPIError(c, apierrors.New(apierrors.CodeInvalidRequest,
			"request body is not valid JSON").WithCause(err))
		return false
	}
	return true
}

// checkTenant enforces the header/body tenant agreement. An absent body
// tenant inherits the header tenant; a conflicting one is rejected.
func (s *Server) checkTenant(c *gin.Context, bodyTenant *string) bool {
	headerTenant := auth.GetTenantID(c.Request.Context())
	if *bodyTenant == "" {
		*bodyTenant = headerTenant
		return true
	}
	if *bodyTenant != headerTenant {
		auth.AbortWithAPIError(c, apierrors.Newf(apierrors.CodeTenantMismatch,
			"body tenant_id %q does not match X-Tenant-ID", *bodyTenant))
		return false
	}
	return true
}
