package providers

import (
	"context"
	"fmt"
	"sync"

	"github.com/norm-mesh/norm-mesh/pkg/observability"
)

// LocalConfig contains local provider settings
type LocalConfig struct {
	ModelPath  string
	Dimensions int
	Logger     observability.Logger

	// Loader opens the model. Injected in tests; the default refuses to load
	// so that misconfigured deployments fail loudly instead of serving
	// garbage vectors.
	Loader func(path string) (LocalModel, error)
}

// LocalModel is a loaded in-process embedding model
type LocalModel interface {
	Encode(texts []string) ([][]float32, error)
	Close() error
}

// LocalProvider embeds in-process with a locally loaded model. The model is
// loaded on first use, not at construction, so that an instance configured
// for cloud-only operation never pays the load cost.
type LocalProvider struct {
	cfg    LocalConfig
	logger observability.Logger

	mu     sync.Mutex
	loaded bool
	model  LocalModel
	errLoad error
}

// NewLocalProvider creates a lazy-loading local embedding provider
func NewLocalProvider(cfg LocalConfig) *LocalProvider {
	if cfg.Logger == nil {
		cfg.Logger = observability.NewLogger("embedding.local")
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = 768
	}
	return &LocalProvider{cfg: cfg, logger: cfg.Logger}
}

// Name implements Provider
func (p *LocalProvider) Name() string { return ProviderNameLocal }

// Dimensions implements Provider
func (p *LocalProvider) Dimensions() int { return p.cfg.Dimensions }

// Embed implements Provider
func (p *LocalProvider) Embed(ctx context.Context, texts []string, task string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	model, err := p.getModel()
	if err != nil {
		return nil, err
	}
	vectors, err := model.Encode(texts)
	if err != nil {
		return nil, fmt.Errorf("local model encode failed: %w", err)
	}
	return vectors, nil
}

// Close releases the loaded model, if any
func (p *LocalProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.model == nil {
		return nil
	}
	err := p.model.Close()
	p.model = nil
	p.loaded = false
	return err
}

func (p *LocalProvider) getModel() (LocalModel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.loaded {
		return p.model, p.errLoad
	}
	p.loaded = true

	loader := p.cfg.Loader
	if loader == nil {
		p.errLoad = fmt.Errorf("no local model loader configured")
		return nil, p.errLoad
	}

	p.logger.Info("Loading local embedding model", map[string]interface{}{
		"model_path": p.cfg.ModelPath,
	})
	model, err := loader(p.cfg.ModelPath)
	if err != nil {
		p.errLoad = fmt.Errorf("failed to load local model: %w", err)
		return nil, p.errLoad
	}
	p.model = model
	return p.model, nil
}
