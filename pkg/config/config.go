// Package config loads the retrieval engine configuration from the
// environment. Every knob has a safe default and out-of-range values are
// clamped rather than rejected, so a partially configured environment still
// boots with sane behavior.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Embedding provider modes
const (
	ProviderCloud = "cloud"
	ProviderLocal = "local"
)

// Config is the full engine configuration
type Config struct {
	Server     ServerConfig
	Embedding  EmbeddingConfig
	Retrieval  RetrievalConfig
	Rerank     RerankConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	LogLevel   string
	DeployedEnv bool
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Port            int
	APISecret       string
	RateLimitPerMin int
	RateLimitBurst  int
}

// EmbeddingConfig contains embedding service settings
type EmbeddingConfig struct {
	CacheMaxSize         int
	CacheTTL             time.Duration
	Concurrency          int
	ProviderDefault      string
	ProviderAllowlist    []string
	IngestProviderDefault string
	IngestFallbackProvider string
	IngestFallbackModel    string
	APIBaseURL           string
	APIKey               string
	Model                string
	RequestTimeout       time.Duration
	MaxChars             int
}

// RetrievalConfig contains coordinator settings
type RetrievalConfig struct {
	MultiQueryMaxParallel      int
	SubqueryTimeout            time.Duration
	DropScopePenalizedBranches bool
	ScopePenaltyDropThreshold  float64
	GraphExpansionMaxHops      int
	RRFK                       int
	DefaultK                   int
	DefaultFetchK              int
	ScoreDefault               float64
}

// RerankConfig contains reranker client settings
type RerankConfig struct {
	APIBaseURL        string
	APIKey            string
	Model             string
	MinRelevanceScore float64
	RequestTimeout    time.Duration
}

// DatabaseConfig contains database connection settings
type DatabaseConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig contains optional redis settings for the shared embedding cache
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Load reads configuration from the environment
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	setDefaults(v)

	cfg := &Config{
		Server: ServerConfig{
			Port:            v.GetInt("PORT"),
			APISecret:       v.GetString("RETRIEVAL_API_SECRET"),
			RateLimitPerMin: v.GetInt("RATE_LIMIT_PER_MINUTE"),
			RateLimitBurst:  v.GetInt("RATE_LIMIT_BURST"),
		},
		Embedding: EmbeddingConfig{
			CacheMaxSize:           clampInt(v.GetInt("EMBEDDING_CACHE_MAX_SIZE"), 100, 1_000_000),
			CacheTTL:               time.Duration(clampInt(v.GetInt("EMBEDDING_CACHE_TTL_SECONDS"), 30, 1800)) * time.Second,
			Concurrency:            clampInt(v.GetInt("EMBEDDING_CONCURRENCY"), 1, 64),
			ProviderDefault:        normalizeProvider(v.GetString("EMBEDDING_PROVIDER_DEFAULT")),
			ProviderAllowlist:      splitList(v.GetString("EMBEDDING_PROVIDER_ALLOWLIST")),
			IngestProviderDefault:  normalizeProvider(v.GetString("INGEST_EMBED_PROVIDER_DEFAULT")),
			IngestFallbackProvider: normalizeProvider(v.GetString("INGEST_EMBED_FALLBACK_PROVIDER")),
			IngestFallbackModel:    v.GetString("INGEST_EMBED_FALLBACK_MODEL"),
			APIBaseURL:             v.GetString("EMBEDDING_API_URL"),
			APIKey:                 v.GetString("EMBEDDING_API_KEY"),
			Model:                  v.GetString("EMBEDDING_MODEL"),
			RequestTimeout:         v.GetDuration("EMBEDDING_REQUEST_TIMEOUT"),
			MaxChars:               v.GetInt("EMBEDDING_MAX_CHARS"),
		},
		Retrieval: RetrievalConfig{
			MultiQueryMaxParallel:      clampInt(v.GetInt("RETRIEVAL_MULTI_QUERY_MAX_PARALLEL"), 1, 8),
			SubqueryTimeout:            time.Duration(maxInt(v.GetInt("RETRIEVAL_MULTI_QUERY_SUBQUERY_TIMEOUT_MS"), 200)) * time.Millisecond,
			DropScopePenalizedBranches: v.GetBool("RETRIEVAL_MULTI_QUERY_DROP_SCOPE_PENALIZED_BRANCHES"),
			ScopePenaltyDropThreshold:  clampFloat(v.GetFloat64("RETRIEVAL_MULTI_QUERY_SCOPE_PENALTY_DROP_THRESHOLD"), 0, 1),
			GraphExpansionMaxHops:      clampInt(v.GetInt("RETRIEVAL_COVERAGE_GRAPH_EXPANSION_MAX_HOPS"), 1, 4),
			RRFK:                       v.GetInt("RETRIEVAL_RRF_K"),
			DefaultK:                   v.GetInt("RETRIEVAL_DEFAULT_K"),
			DefaultFetchK:              v.GetInt("RETRIEVAL_DEFAULT_FETCH_K"),
			ScoreDefault:               v.GetFloat64("RETRIEVAL_SCORE_DEFAULT"),
		},
		Rerank: RerankConfig{
			APIBaseURL:        v.GetString("RERANK_API_URL"),
			APIKey:            v.GetString("RERANK_API_KEY"),
			Model:             v.GetString("RERANK_MODEL"),
			MinRelevanceScore: clampFloat(v.GetFloat64("RERANK_MIN_RELEVANCE_SCORE"), 0, 1),
			RequestTimeout:    v.GetDuration("RERANK_REQUEST_TIMEOUT"),
		},
		Database: DatabaseConfig{
			DSN:             v.GetString("DATABASE_DSN"),
			MaxOpenConns:    v.GetInt("DATABASE_MAX_OPEN_CONNS"),
			MaxIdleConns:    v.GetInt("DATABASE_MAX_IDLE_CONNS"),
			ConnMaxLifetime: v.GetDuration("DATABASE_CONN_MAX_LIFETIME"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("REDIS_ADDR"),
			Password: v.GetString("REDIS_PASSWORD"),
			DB:       v.GetInt("REDIS_DB"),
		},
		LogLevel:    strings.ToUpper(v.GetString("LOG_LEVEL")),
		DeployedEnv: v.GetBool("DEPLOYED_ENV"),
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", 8080)
	v.SetDefault("RATE_LIMIT_PER_MINUTE", 120)
	v.SetDefault("RATE_LIMIT_BURST", 30)

	v.SetDefault("EMBEDDING_CACHE_MAX_SIZE", 4000)
	v.SetDefault("EMBEDDING_CACHE_TTL_SECONDS", 600)
	v.SetDefault("EMBEDDING_CONCURRENCY", 5)
	v.SetDefault("EMBEDDING_PROVIDER_DEFAULT", ProviderCloud)
	v.SetDefault("INGEST_EMBED_PROVIDER_DEFAULT", ProviderCloud)
	v.SetDefault("EMBEDDING_REQUEST_TIMEOUT", 30*time.Second)
	v.SetDefault("EMBEDDING_MAX_CHARS", 15000)

	v.SetDefault("RETRIEVAL_MULTI_QUERY_MAX_PARALLEL", 4)
	v.SetDefault("RETRIEVAL_MULTI_QUERY_SUBQUERY_TIMEOUT_MS", 8000)
	v.SetDefault("RETRIEVAL_MULTI_QUERY_DROP_SCOPE_PENALIZED_BRANCHES", true)
	v.SetDefault("RETRIEVAL_MULTI_QUERY_SCOPE_PENALTY_DROP_THRESHOLD", 0.95)
	v.SetDefault("RETRIEVAL_COVERAGE_GRAPH_EXPANSION_MAX_HOPS", 2)
	v.SetDefault("RETRIEVAL_RRF_K", 60)
	v.SetDefault("RETRIEVAL_DEFAULT_K", 8)
	v.SetDefault("RETRIEVAL_DEFAULT_FETCH_K", 40)
	v.SetDefault("RETRIEVAL_SCORE_DEFAULT", 0.0)

	v.SetDefault("RERANK_MIN_RELEVANCE_SCORE", 0.15)
	v.SetDefault("RERANK_REQUEST_TIMEOUT", 10*time.Second)

	v.SetDefault("DATABASE_MAX_OPEN_CONNS", 25)
	v.SetDefault("DATABASE_MAX_IDLE_CONNS", 5)
	v.SetDefault("DATABASE_CONN_MAX_LIFETIME", 30*time.Minute)

	v.SetDefault("LOG_LEVEL", "INFO")
	v.SetDefault("DEPLOYED_ENV", false)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func maxInt(v, lo int) int {
	if v < lo {
		return lo
	}
	return v
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func normalizeProvider(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case ProviderLocal:
		return ProviderLocal
	case ProviderCloud:
		return ProviderCloud
	case "":
		return ""
	default:
		return ProviderCloud
	}
}

func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, strings.ToLower(p))
		}
	}
	return out
}
