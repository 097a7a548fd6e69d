package tower

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/raaihank/vision-tower/internal/preprocess"
	"github.com/raaihank/vision-tower/internal/tensor"
)

// Extractor is the uniform surface both tower kinds share: one pixel tensor
// in, one feature tensor out. Batch pipelines and the HTTP API work against
// this instead of the concrete towers.
type Extractor interface {
	Name() string
	IsLoaded() bool
	LoadModel(ctx context.Context) error
	Extract(ctx context.Context, images *tensor.Tensor) (*tensor.Tensor, error)
	Processor() *preprocess.Processor
	HiddenSize() int
	SelectLayer() int
	SelectFeature() string
	DummyFeature() *tensor.Tensor
	Close() error
}

// Extract runs Forward and returns the selected hidden-state features.
func (t *CLIPTower) Extract(ctx context.Context, images *tensor.Tensor) (*tensor.Tensor, error) {
	return t.Forward(ctx, images)
}

// SelectLayer returns the configured hidden-state layer index.
func (t *CLIPTower) SelectLayer() int { return t.opts.SelectLayer }

// SelectFeature returns the configured token selection policy.
func (t *CLIPTower) SelectFeature() string { return string(t.opts.SelectFeature) }

// Extract runs the generation pass and returns the image features, dropping
// the encoder hidden state.
func (t *Vision2SeqTower) Extract(ctx context.Context, images *tensor.Tensor) (*tensor.Tensor, error) {
	features, _, err := t.Forward(ctx, images)
	return features, err
}

// SelectLayer returns the configured hidden-state layer index.
func (t *Vision2SeqTower) SelectLayer() int { return t.opts.SelectLayer }

// SelectFeature returns the configured token selection policy.
func (t *Vision2SeqTower) SelectFeature() string { return string(t.opts.SelectFeature) }

// Registry holds the configured towers by name.
type Registry struct {
	mu     sync.RWMutex
	towers map[string]Extractor
}

// NewRegistry creates an empty tower registry.
func NewRegistry() *Registry {
	return &Registry{towers: make(map[string]Extractor)}
}

// Add registers a tower under a caller-chosen name, usually the configured
// tower name rather than the checkpoint path.
func (r *Registry) Add(name string, t Extractor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.towers[name]; exists {
		return fmt.Errorf("tower already registered: %s", name)
	}
	r.towers[name] = t
	return nil
}

// Get returns the tower registered under name.
func (r *Registry) Get(name string) (Extractor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.towers[name]
	if !ok {
		return nil, fmt.Errorf("unknown tower: %s", name)
	}
	return t, nil
}

// Names returns the registered tower names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.towers))
	for name := range r.towers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CloseAll releases every registered tower, keeping the first error.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var first error
	for _, t := range r.towers {
		if err := t.Close(); err != nil && first == nil {
			first = err
		}
	}
	r.towers = make(map[string]Extractor)
	return first
}
