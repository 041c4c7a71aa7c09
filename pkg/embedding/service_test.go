package embedding

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/norm-mesh/norm-mesh/pkg/embedding/providers"
)

func newService(t *testing.T, cfg ServiceConfig) *Service {
	t.Helper()
	svc, err := NewService(cfg)
	require.NoError(t, err)
	return svc
}

func TestService_QueryCacheCoherence(t *testing.T) {
	provider := &providers.MockProvider{ProviderName: "cloud"}
	provider.On("Embed", mock.Anything, []string{"audit requirements"}, TaskQuery).
		Return([][]float32{{0.1, 0.2}}, nil).Once()

	svc := newService(t, ServiceConfig{Provider: provider})

	first, err := svc.EmbedQuery(context.Background(), "audit requirements")
	require.NoError(t, err)
	second, err := svc.EmbedQuery(context.Background(), "audit requirements")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	provider.AssertNumberOfCalls(t, "Embed", 1)
}

func TestService_PassageTaskNotCached(t *testing.T) {
	provider := &providers.MockProvider{ProviderName: "cloud"}
	provider.On("Embed", mock.Anything, []string{"passage text"}, TaskPassage).
		Return([][]float32{{0.3}}, nil).Twice()

	svc := newService(t, ServiceConfig{Provider: provider})

	_, err := svc.Embed(context.Background(), []string{"passage text"}, TaskPassage)
	require.NoError(t, err)
	_, err = svc.Embed(context.Background(), []string{"passage text"}, TaskPassage)
	require.NoError(t, err)

	provider.AssertNumberOfCalls(t, "Embed", 2)
}

func TestService_DeployedEnvEscalatesLocalProvider(t *testing.T) {
	local := &providers.MockProvider{ProviderName: "local"}
	cloud := &providers.MockProvider{ProviderName: "cloud"}
	cloud.On("Embed", mock.Anything, mock.Anything, TaskQuery).
		Return([][]float32{{0.5}}, nil)

	svc := newService(t, ServiceConfig{
		Provider:    local,
		Fallback:    cloud,
		DeployedEnv: true,
	})

	assert.Equal(t, "cloud", svc.Provider())
	_, err := svc.EmbedQuery(context.Background(), "query")
	require.NoError(t, err)
	local.AssertNotCalled(t, "Embed")
}

func TestService_DeployedEnvLocalWithoutFallbackFails(t *testing.T) {
	local := &providers.MockProvider{ProviderName: "local"}
	_, err := NewService(ServiceConfig{Provider: local, DeployedEnv: true})
	assert.Error(t, err)
}

func TestService_PassageFallbackOnTechnicalFailure(t *testing.T) {
	primary := &providers.MockProvider{ProviderName: "cloud"}
	primary.On("Embed", mock.Anything, mock.Anything, TaskPassage).
		Return(nil, errors.New("embedding API returned status 503: overloaded"))
	fallback := &providers.MockProvider{ProviderName: "local"}
	fallback.On("Embed", mock.Anything, []string{"passage"}, TaskPassage).
		Return([][]float32{{0.7}}, nil).Once()

	svc := newService(t, ServiceConfig{Provider: primary, Fallback: fallback})

	vectors, err := svc.Embed(context.Background(), []string{"passage"}, TaskPassage)
	require.NoError(t, err)
	require.Len(t, vectors, 1)
	assert.Equal(t, []float32{0.7}, vectors[0])
	fallback.AssertNumberOfCalls(t, "Embed", 1)
}

func TestService_QueryTaskNeverFallsBack(t *testing.T) {
	primary := &providers.MockProvider{ProviderName: "cloud"}
	primary.On("Embed", mock.Anything, mock.Anything, TaskQuery).
		Return(nil, errors.New("connection refused"))
	fallback := &providers.MockProvider{ProviderName: "local"}

	svc := newService(t, ServiceConfig{Provider: primary, Fallback: fallback})

	_, err := svc.EmbedQuery(context.Background(), "query")
	assert.Error(t, err)
	fallback.AssertNotCalled(t, "Embed")
}

func TestService_NonTechnicalFailureNotRetried(t *testing.T) {
	primary := &providers.MockProvider{ProviderName: "cloud"}
	primary.On("Embed", mock.Anything, mock.Anything, TaskPassage).
		Return(nil, errors.New("embedding API returned status 400: bad input")).Once()
	fallback := &providers.MockProvider{ProviderName: "local"}

	svc := newService(t, ServiceConfig{Provider: primary, Fallback: fallback})

	_, err := svc.Embed(context.Background(), []string{"x"}, TaskPassage)
	assert.Error(t, err)
	primary.AssertNumberOfCalls(t, "Embed", 1)
	fallback.AssertNotCalled(t, "Embed")
}

func TestService_LongTextIsSegmentedAndPooled(t *testing.T) {
	long := strings.Repeat("seguridad y salud en el trabajo ", 40)
	provider := &providers.MockProvider{ProviderName: "cloud"}
	provider.On("Embed", mock.Anything, mock.MatchedBy(func(texts []string) bool {
		return len(texts) > 1
	}), TaskPassage).Return([][]float32{{1, 0}, {0, 1}}, nil).Once()

	svc := newService(t, ServiceConfig{Provider: provider, MaxChars: 700})

	vectors, err := svc.Embed(context.Background(), []string{long}, TaskPassage)
	require.NoError(t, err)
	require.Len(t, vectors, 1)
	// Mean of the two unit vectors, renormalized.
	assert.InDelta(t, 0.7071, vectors[0][0], 0.001)
	assert.InDelta(t, 0.7071, vectors[0][1], 0.001)
}

func TestService_ChunkAndEncode(t *testing.T) {
	provider := &providers.MockProvider{ProviderName: "cloud"}
	provider.On("Embed", mock.Anything, mock.Anything, TaskPassage).
		Return([][]float32{{0.1}, {0.2}}, nil).Once()

	svc := newService(t, ServiceConfig{Provider: provider, MaxChars: 30})

	segments, vectors, err := svc.ChunkAndEncode(context.Background(),
		"first part of the document and then second part of the document")
	require.NoError(t, err)
	assert.Len(t, segments, 2)
	assert.Len(t, vectors, 2)
}

func TestSplitSegments(t *testing.T) {
	t.Run("short text untouched", func(t *testing.T) {
		assert.Equal(t, []string{"hello"}, splitSegments("  hello  ", 100))
	})
	t.Run("empty text", func(t *testing.T) {
		assert.Nil(t, splitSegments("   ", 100))
	})
	t.Run("splits on whitespace", func(t *testing.T) {
		segments := splitSegments("aaaa bbbb cccc dddd", 10)
		require.True(t, len(segments) > 1)
		for _, s := range segments {
			assert.LessOrEqual(t, len(s), 10)
		}
	})
}

func TestIsTechnicalFailure(t *testing.T) {
	assert.True(t, providers.IsTechnicalFailure(errors.New("context deadline exceeded")))
	assert.True(t, providers.IsTechnicalFailure(errors.New("embedding API returned status 429: rate limit")))
	assert.True(t, providers.IsTechnicalFailure(errors.New("dial tcp: connection refused")))
	assert.False(t, providers.IsTechnicalFailure(errors.New("embedding API returned status 400: bad request")))
	assert.False(t, providers.IsTechnicalFailure(nil))
}

func TestMemoryCacheTTL(t *testing.T) {
	cache := NewMemoryCache(10, 20*time.Millisecond)
	ctx := context.Background()

	cache.Set(ctx, "k", []float32{1})
	_, ok := cache.Get(ctx, "k")
	require.True(t, ok)

	time.Sleep(40 * time.Millisecond)
	_, ok = cache.Get(ctx, "k")
	assert.False(t, ok)
}
