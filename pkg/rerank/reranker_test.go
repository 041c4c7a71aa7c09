package rerank

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestCrossEncoderClient_RanksAndFilters(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req rerankRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "audit evidence", req.Query)
		assert.Len(t, req.Documents, 3)

		_ = json.NewEncoder(w).Encode(rerankResponse{Results: []Result{
			{Index: 2, RelevanceScore: 0.91},
			{Index: 0, RelevanceScore: 0.42},
			{Index: 1, RelevanceScore: 0.05},
		}})
	})

	client, err := NewCrossEncoderClient(Config{BaseURL: srv.URL})
	require.NoError(t, err)

	results, err := client.RerankDocuments(context.Background(), "audit evidence",
		[]string{"doc-a", "doc-b", "doc-c"}, 3)
	require.NoError(t, err)

	// doc-b falls below the default relevance floor.
	require.Len(t, results, 2)
	assert.Equal(t, 2, results[0].Index)
	assert.Equal(t, 0, results[1].Index)
}

func TestCrossEncoderClient_TopNTruncates(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(rerankResponse{Results: []Result{
			{Index: 0, RelevanceScore: 0.9},
			{Index: 1, RelevanceScore: 0.8},
			{Index: 2, RelevanceScore: 0.7},
		}})
	})

	client, err := NewCrossEncoderClient(Config{BaseURL: srv.URL})
	require.NoError(t, err)

	results, err := client.RerankDocuments(context.Background(), "q",
		[]string{"a", "b", "c"}, 2)
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestCrossEncoderClient_OutOfRangeIndexDropped(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(rerankResponse{Results: []Result{
			{Index: 7, RelevanceScore: 0.9},
			{Index: 0, RelevanceScore: 0.8},
		}})
	})

	client, err := NewCrossEncoderClient(Config{BaseURL: srv.URL})
	require.NoError(t, err)

	results, err := client.RerankDocuments(context.Background(), "q", []string{"a"}, 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 0, results[0].Index)
}

func TestCrossEncoderClient_ServerError(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	})

	client, err := NewCrossEncoderClient(Config{BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = client.RerankDocuments(context.Background(), "q", []string{"a"}, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestCrossEncoderClient_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	})

	client, err := NewCrossEncoderClient(Config{BaseURL: srv.URL})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err = client.RerankDocuments(context.Background(), "q", []string{"a"}, 1)
		require.Error(t, err)
	}
	// The breaker is now open and rejects without calling the server.
	_, err = client.RerankDocuments(context.Background(), "q", []string{"a"}, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circuit breaker is open")
}

func TestCrossEncoderClient_EmptyInput(t *testing.T) {
	client, err := NewCrossEncoderClient(Config{BaseURL: "http://unused"})
	require.NoError(t, err)

	results, err := client.RerankDocuments(context.Background(), "q", nil, 5)
	require.NoError(t, err)
	assert.Nil(t, results)
}
