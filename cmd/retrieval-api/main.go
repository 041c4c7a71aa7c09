// Command retrieval-api serves the tenant-isolated hybrid retrieval engine:
// scope validation, hybrid search, multi-query and comprehensive coverage
// retrieval, and knowledge answers over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/norm-mesh/norm-mesh/internal/api"
	"github.com/norm-mesh/norm-mesh/pkg/config"
	"github.com/norm-mesh/norm-mesh/pkg/embedding"
	"github.com/norm-mesh/norm-mesh/pkg/embedding/providers"
	"github.com/norm-mesh/norm-mesh/pkg/knowledge"
	"github.com/norm-mesh/norm-mesh/pkg/observability"
	"github.com/norm-mesh/norm-mesh/pkg/rerank"
	"github.com/norm-mesh/norm-mesh/pkg/repository/postgres"
	"github.com/norm-mesh/norm-mesh/pkg/retrieval"
	"github.com/norm-mesh/norm-mesh/pkg/scope"
)

const shutdownGrace = 15 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "retrieval-api: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := observability.NewLoggerWithLevel("retrieval-api", observability.LogLevel(cfg.LogLevel))

	registry := prometheus.NewRegistry()
	metrics := observability.NewPrometheusMetricsClient("norm_mesh", registry)

	db, err := sqlx.Connect("postgres", cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	repo, err := postgres.New(postgres.Config{
		DB:          db,
		Logger:      logger.WithPrefix("repository.postgres"),
		Metrics:     metrics,
		GraphHopCap: cfg.Retrieval.GraphExpansionMaxHops,
		FusionRRFK:  cfg.Retrieval.RRFK,
	})
	if err != nil {
		return fmt.Errorf("build repository: %w", err)
	}

	embedder, err := buildEmbeddingService(cfg, logger, metrics)
	if err != nil {
		return fmt.Errorf("build embedding service: %w", err)
	}

	var reranker rerank.Reranker
	if cfg.Rerank.APIBaseURL != "" {
		reranker, err = rerank.NewCrossEncoderClient(rerank.Config{
			BaseURL:           cfg.Rerank.APIBaseURL,
			APIKey:            cfg.Rerank.APIKey,
			Model:             cfg.Rerank.Model,
			MinRelevanceScore: cfg.Rerank.MinRelevanceScore,
			Timeout:           cfg.Rerank.RequestTimeout,
			Logger:            logger.WithPrefix("rerank"),
			Metrics:           metrics,
		})
		if err != nil {
			return fmt.Errorf("build reranker: %w", err)
		}
	} else {
		logger.Info("RERANK_API_URL not set, external reranking disabled", nil)
	}

	resolver := scope.NewResolver(nil)
	validator := scope.NewValidator(resolver)

	hybrid := retrieval.NewHybridRetriever(repo, embedder, reranker, validator, retrieval.HybridConfig{
		DefaultK:      cfg.Retrieval.DefaultK,
		DefaultFetchK: cfg.Retrieval.DefaultFetchK,
		ScoreDefault:  cfg.Retrieval.ScoreDefault,
	}, logger.WithPrefix("retrieval.hybrid"), metrics)

	multiQuery := retrieval.NewMultiQueryCoordinator(hybrid, retrieval.MultiQueryConfig{
		MaxParallel:                cfg.Retrieval.MultiQueryMaxParallel,
		SubqueryTimeout:            cfg.Retrieval.SubqueryTimeout,
		DropScopePenalizedBranches: cfg.Retrieval.DropScopePenalizedBranches,
		ScopePenaltyDropThreshold:  cfg.Retrieval.ScopePenaltyDropThreshold,
	}, logger.WithPrefix("retrieval.multi_query"), metrics)

	comprehensive := retrieval.NewComprehensiveCoordinator(hybrid, repo, embedder, retrieval.ComprehensiveConfig{
		DefaultK:     cfg.Retrieval.DefaultK,
		GraphHopCap:  cfg.Retrieval.GraphExpansionMaxHops,
		ScoreDefault: cfg.Retrieval.ScoreDefault,
	}, logger.WithPrefix("retrieval.comprehensive"), metrics)

	knowledgeSvc := knowledge.NewService(resolver, comprehensive, nil,
		logger.WithPrefix("knowledge"), metrics)

	server := api.NewServer(validator, hybrid, multiQuery, comprehensive, knowledgeSvc,
		registry, api.ServerConfig{
			APISecret:       cfg.Server.APISecret,
			DeployedEnv:     cfg.DeployedEnv,
			RateLimitPerMin: cfg.Server.RateLimitPerMin,
			RateLimitBurst:  cfg.Server.RateLimitBurst,
		}, logger.WithPrefix("api"))

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Retrieval API listening", map[string]interface{}{
			"port":     cfg.Server.Port,
			"deployed": cfg.DeployedEnv,
		})
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case sig := <-stop:
		logger.Info("Shutting down", map[string]interface{}{"signal": sig.String()})
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// buildEmbeddingService assembles the provider chain and cache tier from
// configuration. The cloud provider is primary; a local provider configured
// as default is handed to the service, which escalates it to the cloud
// fallback in deployed environments.
func buildEmbeddingService(cfg *config.Config, logger observability.Logger, metrics observability.MetricsClient) (*embedding.Service, error) {
	var cloud providers.Provider
	if cfg.Embedding.APIBaseURL != "" {
		var err error
		cloud, err = providers.NewCloudProvider(providers.CloudConfig{
			BaseURL: cfg.Embedding.APIBaseURL,
			APIKey:  cfg.Embedding.APIKey,
			Model:   cfg.Embedding.Model,
			Timeout: cfg.Embedding.RequestTimeout,
			Logger:  logger.WithPrefix("embedding.cloud"),
		})
		if err != nil {
			return nil, err
		}
	}

	var primary, fallback providers.Provider
	switch cfg.Embedding.ProviderDefault {
	case config.ProviderLocal:
		primary = providers.NewLocalProvider(providers.LocalConfig{
			ModelPath: cfg.Embedding.Model,
			Logger:    logger.WithPrefix("embedding.local"),
		})
		fallback = cloud
	default:
		primary = cloud
	}
	if primary == nil {
		return nil, fmt.Errorf("no embedding provider configured, set EMBEDDING_API_URL")
	}

	cache := embedding.NewMemoryCache(cfg.Embedding.CacheMaxSize, cfg.Embedding.CacheTTL)
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		shared := embedding.NewRedisCache(client, cfg.Embedding.CacheTTL, logger.WithPrefix("embedding.cache.redis"))
		cache = embedding.NewTieredCache(cache, shared)
	}

	return embedding.NewService(embedding.ServiceConfig{
		Provider:    primary,
		Fallback:    fallback,
		Cache:       cache,
		Concurrency: cfg.Embedding.Concurrency,
		MaxChars:    cfg.Embedding.MaxChars,
		DeployedEnv: cfg.DeployedEnv,
		Logger:      logger.WithPrefix("embedding"),
		Metrics:     metrics,
	})
}
