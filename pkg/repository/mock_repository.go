package repository

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockRetrievalRepository is a testify mock of RetrievalRepository for use in
// coordinator and handler tests.
type MockRetrievalRepository struct {
	mock.Mock
}

// RetrieveHybridOptimized implements RetrievalRepository
func (m *MockRetrievalRepository) RetrieveHybridOptimized(ctx context.Context, payload HybridPayload) (*HybridResult, error) {
	args := m.Called(ctx, payload)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*HybridResult), args.Error(1)
}

// SearchVectorsOnly implements RetrievalRepository
func (m *MockRetrievalRepository) SearchVectorsOnly(ctx context.Context, payload SearchPayload) ([]Row, error) {
	args := m.Called(ctx, payload)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]Row), args.Error(1)
}

// SearchFTSOnly implements RetrievalRepository
func (m *MockRetrievalRepository) SearchFTSOnly(ctx context.Context, payload SearchPayload) ([]Row, error) {
	args := m.Called(ctx, payload)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]Row), args.Error(1)
}

// MatchSummaries implements RetrievalRepository
func (m *MockRetrievalRepository) MatchSummaries(ctx context.Context, vector []float32, tenantID string, limit int, collectionID string) ([]Row, error) {
	args := m.Called(ctx, vector, tenantID, limit, collectionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]Row), args.Error(1)
}

// FetchChunksByIDs implements RetrievalRepository
func (m *MockRetrievalRepository) FetchChunksByIDs(ctx context.Context, ids []string) ([]Row, error) {
	args := m.Called(ctx, ids)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]Row), args.Error(1)
}

// ResolveSummariesToChunkIDs implements RetrievalRepository
func (m *MockRetrievalRepository) ResolveSummariesToChunkIDs(ctx context.Context, summaryIDs []string) ([]string, error) {
	args := m.Called(ctx, summaryIDs)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

// RetrieveGraphNodes implements RetrievalRepository
func (m *MockRetrievalRepository) RetrieveGraphNodes(ctx context.Context, query string, tenantID string, opts GraphOptions, k int, collectionID string) ([]Row, error) {
	args := m.Called(ctx, query, tenantID, opts, k, collectionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]Row), args.Error(1)
}
