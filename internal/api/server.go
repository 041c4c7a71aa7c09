// Package api exposes the retrieval engine over HTTP: gin routes, the
// middleware chain, and the request/response envelopes.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/norm-mesh/norm-mesh/pkg/auth"
	"github.com/norm-mesh/norm-mesh/pkg/knowledge"
	"github.com/norm-mesh/norm-mesh/pkg/observability"
	"github.com/norm-mesh/norm-mesh/pkg/retrieval"
	"github.com/norm-mesh/norm-mesh/pkg/scope"
)

// ServerConfig contains HTTP surface settings
type ServerConfig struct {
	APISecret       string
	DeployedEnv     bool
	RateLimitPerMin int
	RateLimitBurst  int
}

// Server wires the retrieval services to their routes
type Server struct {
	validator     *scope.Validator
	hybrid        *retrieval.HybridRetriever
	multiQuery    *retrieval.MultiQueryCoordinator
	comprehensive *retrieval.ComprehensiveCoordinator
	knowledge     *knowledge.Service
	registry      *prometheus.Registry
	cfg           ServerConfig
	logger        observability.Logger
}

// NewServer creates the HTTP surface over the given services
func NewServer(
	validator *scope.Validator,
	hybrid *retrieval.HybridRetriever,
	multiQuery *retrieval.MultiQueryCoordinator,
	comprehensive *retrieval.ComprehensiveCoordinator,
	knowledgeSvc *knowledge.Service,
	registry *prometheus.Registry,
	cfg ServerConfig,
	logger observability.Logger,
) *Server {
	if validator == nil {
		validator = scope.NewValidator(nil)
	}
	if logger == nil {
		logger = observability.NewLogger("api")
	}
	return &Server{
		validator:     validator,
		hybrid:        hybrid,
		multiQuery:    multiQuery,
		comprehensive: comprehensive,
		knowledge:     knowledgeSvc,
		registry:      registry,
		cfg:           cfg,
		logger:        logger,
	}
}

// Router builds the gin engine with the full middleware chain
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(auth.CorrelationMiddleware())

	router.GET("/healthz", s.handleHealth)
	if s.registry != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))
	}

	protected := router.Group("/")
	protected.Use(auth.TenantMiddleware(s.logger))
	protected.Use(auth.BearerSecretMiddleware(s.cfg.APISecret, s.cfg.DeployedEnv, s.logger))
	protected.Use(auth.RateLimitMiddleware(s.cfg.RateLimitPerMin, s.cfg.RateLimitBurst))

	protected.POST("/retrieval/validate-scope", s.handleValidateScope)
	protected.POST("/retrieval/hybrid", s.handleHybrid)
	protected.POST("/retrieval/multi-query", s.handleMultiQuery)
	protected.POST("/retrieval/comprehensive", s.handleComprehensive)
	protected.POST("/retrieval/explain", s.handleExplain)
	protected.POST("/knowledge/answer", s.handleKnowledgeAnswer)

	return router
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
