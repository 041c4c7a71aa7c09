package providers

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockProvider is a testify mock of Provider for service tests
type MockProvider struct {
	mock.Mock
	ProviderName string
	Dims         int
}

// Name implements Provider
func (m *MockProvider) Name() string {
	if m.ProviderName != "" {
		return m.ProviderName
	}
	return "mock"
}

// Dimensions implements Provider
func (m *MockProvider) Dimensions() int {
	if m.Dims > 0 {
		return m.Dims
	}
	return 4
}

// Embed implements Provider
func (m *MockProvider) Embed(ctx context.Context, texts []string, task string) ([][]float32, error) {
	args := m.Called(ctx, texts, task)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([][]float32), args.Error(1)
}
