package rerank

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockReranker is a testify mock of Reranker for coordinator tests
type MockReranker struct {
	mock.Mock
}

// RerankDocuments implements Reranker
func (m *MockReranker) RerankDocuments(ctx context.Context, query string, documents []string, topN int) ([]Result, error) {
	args := m.Called(ctx, query, documents, topN)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]Result), args.Error(1)
}
