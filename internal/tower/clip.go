package tower

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/raaihank/vision-tower/internal/backend"
	"github.com/raaihank/vision-tower/internal/preprocess"
	"github.com/raaihank/vision-tower/internal/tensor"
)

// CLIPTower wraps a pretrained CLIP-style vision transformer and returns
// selected hidden-state features for a downstream projector. Weights load
// once and are read-only afterwards; the tower itself is not safe for
// concurrent use (confine one tower to one goroutine).
type CLIPTower struct {
	name    string
	opts    Options
	factory backend.Factory
	logger  *zap.Logger

	loaded    bool
	session   backend.VisionSession
	processor *preprocess.Processor
	cfgOnly   *ModelConfig
	liveCfg   *ModelConfig
}

// NewCLIPTower creates a tower for the model directory at name. Unless
// DelayLoad is set (and UnfreezeVisionTower is not), weights load eagerly.
// A delayed tower still parses config.json so geometry accessors work
// before LoadModel runs.
func NewCLIPTower(name string, opts Options, factory backend.Factory, logger *zap.Logger) (*CLIPTower, error) {
	opts.applyDefaults()
	t := &CLIPTower{
		name:    name,
		opts:    opts,
		factory: factory,
		logger:  logger,
	}

	if !opts.DelayLoad || opts.UnfreezeVisionTower {
		if err := t.LoadModel(context.Background()); err != nil {
			return nil, err
		}
		return t, nil
	}

	cfg, err := LoadModelConfig(name)
	if err != nil {
		return nil, err
	}
	t.cfgOnly = cfg
	return t, nil
}

// LoadModel loads the image processor and vision session exactly once.
// Calling it on a loaded tower logs a notice and returns nil.
func (t *CLIPTower) LoadModel(ctx context.Context) error {
	if t.loaded {
		t.logger.Info("Vision tower already loaded, skipping load_model call",
			zap.String("model", t.name))
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	pcfg, err := preprocess.LoadConfig(t.name)
	if err != nil {
		return fmt.Errorf("loading image processor for %s: %w", t.name, err)
	}
	pcfg.PadToSquare = t.opts.PadToSquare
	processor := preprocess.NewWithConfig(pcfg, t.logger)

	session, err := t.factory.OpenVision(t.name, backend.Options{
		Device:        t.opts.Device,
		SharedLibPath: t.opts.SharedLibPath,
	})
	if err != nil {
		return fmt.Errorf("loading vision model %s: %w", t.name, err)
	}

	cfg, err := LoadModelConfig(t.name)
	if err != nil {
		session.Close()
		return err
	}

	t.processor = processor
	t.session = session
	t.liveCfg = cfg
	t.loaded = true

	t.logger.Info("Vision tower loaded",
		zap.String("model", t.name),
		zap.Int("hidden_size", cfg.HiddenSize),
		zap.Int("num_patches", cfg.NumPatches()),
		zap.String("device", string(t.opts.Device)))
	return nil
}

// Forward runs one batched forward pass and returns the selected features.
// The input is a [batch, channels, height, width] pixel tensor; the output
// is [batch, tokens, hidden] with dtype matching the input.
func (t *CLIPTower) Forward(ctx context.Context, images *tensor.Tensor) (*tensor.Tensor, error) {
	if !t.loaded {
		return nil, fmt.Errorf("%w: %s", ErrNotLoaded, t.name)
	}

	pixels := images.Convert(t.opts.DType).To(t.opts.Device)
	stack, err := t.session.Forward(ctx, pixels)
	if err != nil {
		return nil, fmt.Errorf("vision tower forward for %s: %w", t.name, err)
	}

	selected, err := t.featureSelect(stack)
	if err != nil {
		return nil, err
	}
	return selected.Convert(images.DType()), nil
}

// ForwardAll runs each single [channels, height, width] image as a batch of
// one and returns one feature tensor per input.
func (t *CLIPTower) ForwardAll(ctx context.Context, images []*tensor.Tensor) ([]*tensor.Tensor, error) {
	features := make([]*tensor.Tensor, 0, len(images))
	for i, img := range images {
		out, err := t.Forward(ctx, img.WithBatch())
		if err != nil {
			return nil, fmt.Errorf("image %d: %w", i, err)
		}
		features = append(features, out)
	}
	return features, nil
}

// featureSelect indexes the configured layer and applies the token policy.
func (t *CLIPTower) featureSelect(stack []*tensor.Tensor) (*tensor.Tensor, error) {
	layer, err := resolveLayer(len(stack), t.opts.SelectLayer)
	if err != nil {
		return nil, err
	}
	hidden := stack[layer]

	switch t.opts.SelectFeature {
	case FeaturePatch:
		return hidden.NarrowSeq(1)
	case FeatureClsPatch:
		return hidden, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidSelectFeature, string(t.opts.SelectFeature))
	}
}

// IsLoaded reports whether weights have been loaded.
func (t *CLIPTower) IsLoaded() bool { return t.loaded }

// Name returns the model identifier the tower was built with.
func (t *CLIPTower) Name() string { return t.name }

// Processor returns the image processor; nil before load.
func (t *CLIPTower) Processor() *preprocess.Processor { return t.processor }

// Config returns the live model config once loaded, the cached pre-load
// config otherwise. It is never nil for a successfully constructed tower.
func (t *CLIPTower) Config() *ModelConfig {
	if t.loaded {
		return t.liveCfg
	}
	return t.cfgOnly
}

// HiddenSize returns the encoder hidden dimension.
func (t *CLIPTower) HiddenSize() int { return t.Config().HiddenSize }

// NumPatchesPerSide returns image size divided by patch size.
func (t *CLIPTower) NumPatchesPerSide() int { return t.Config().NumPatchesPerSide() }

// NumPatches returns the total patch token count.
func (t *CLIPTower) NumPatches() int { return t.Config().NumPatches() }

// Dtype returns the tower compute dtype.
func (t *CLIPTower) Dtype() tensor.DType { return t.opts.DType }

// Device returns the tower device.
func (t *CLIPTower) Device() tensor.Device { return t.opts.Device }

// DummyFeature returns a zero [1, hidden] placeholder tensor with the
// tower's dtype and device, for callers that pad feature sequences.
func (t *CLIPTower) DummyFeature() *tensor.Tensor {
	return tensor.Zeros(t.opts.DType, t.opts.Device, 1, t.HiddenSize())
}

// Close releases the underlying session.
func (t *CLIPTower) Close() error {
	if t.session != nil {
		err := t.session.Close()
		t.session = nil
		return err
	}
	return nil
}
