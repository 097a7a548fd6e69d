package tower

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/raaihank/vision-tower/internal/backend"
	"github.com/raaihank/vision-tower/internal/preprocess"
	"github.com/raaihank/vision-tower/internal/tensor"
)

// Vision2SeqTower wraps a pretrained encoder-decoder vision-language model
// (Florence-2 layout) and extracts features through a constrained generation
// pass: a fixed batch of task prompts, a one-token generation budget, and
// greedy decoding. The generated token is discarded; the point is forcing
// the model to compute and expose its internal representations.
type Vision2SeqTower struct {
	name    string
	opts    Options
	factory backend.Factory
	logger  *zap.Logger
	tasks   *TaskPromptSet

	loaded    bool
	session   backend.Vision2SeqSession
	processor *preprocess.Processor
	cfgOnly   *ModelConfig
	liveCfg   *ModelConfig
}

// NewVision2SeqTower creates a tower for the model directory at name.
// Load timing follows the same rules as the CLIP tower.
func NewVision2SeqTower(name string, opts Options, factory backend.Factory, logger *zap.Logger) (*Vision2SeqTower, error) {
	opts.applyDefaults()
	tasks, err := TaskSetByName(opts.TaskSet)
	if err != nil {
		return nil, err
	}
	t := &Vision2SeqTower{
		name:    name,
		opts:    opts,
		factory: factory,
		logger:  logger,
		tasks:   tasks,
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

// LoadModel loads the processor and the encoder/decoder sessions exactly
// once. Calling it on a loaded tower logs a notice and returns nil.
func (t *Vision2SeqTower) LoadModel(ctx context.Context) error {
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

	session, err := t.factory.OpenVision2Seq(t.name, backend.Options{
		Device:        t.opts.Device,
		SharedLibPath: t.opts.SharedLibPath,
	})
	if err != nil {
		return fmt.Errorf("loading vision2seq model %s: %w", t.name, err)
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
		zap.String("task_set", t.tasks.Name),
		zap.Int("task_count", t.tasks.Len()),
		zap.String("device", string(t.opts.Device)))
	return nil
}

// Forward runs the generation-as-feature-extraction pass over a
// [batch, channels, height, width] pixel tensor. It returns the vision
// encoder's image features and the text encoder's last hidden state, both
// [rows, seq, hidden] where rows is the task count.
//
// A batch of one is tiled across the task prompts; otherwise the batch must
// match the task count row for row.
func (t *Vision2SeqTower) Forward(ctx context.Context, images *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
	if !t.loaded {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotLoaded, t.name)
	}

	pixels := images.Convert(t.opts.DType).To(t.opts.Device)
	imageFeatures, err := t.session.EncodeImage(ctx, pixels)
	if err != nil {
		return nil, nil, fmt.Errorf("encoding image for %s: %w", t.name, err)
	}

	rows := t.tasks.Rows()
	imageFeatures, err = tileToTasks(imageFeatures, len(rows))
	if err != nil {
		return nil, nil, err
	}

	promptEmbeds, err := t.session.EmbedTokens(ctx, rows)
	if err != nil {
		return nil, nil, fmt.Errorf("embedding task prompts for %s: %w", t.name, err)
	}

	inputsEmbeds, err := concatSeq(imageFeatures, promptEmbeds)
	if err != nil {
		return nil, nil, err
	}

	lastHidden, err := t.session.Encode(ctx, inputsEmbeds)
	if err != nil {
		return nil, nil, fmt.Errorf("encoding for %s: %w", t.name, err)
	}

	// One greedy decode step; max_new_tokens=1, num_beams=1. The sampled
	// tokens only prove the pass completed.
	start := make([][]int64, len(rows))
	for i := range start {
		start[i] = []int64{t.Config().DecoderStartTokenID}
	}
	logits, err := t.session.Decode(ctx, lastHidden, start)
	if err != nil {
		return nil, nil, fmt.Errorf("decoding for %s: %w", t.name, err)
	}
	if t.logger.Core().Enabled(zap.DebugLevel) {
		t.logger.Debug("Greedy decode step complete",
			zap.String("model", t.name),
			zap.Int64s("next_tokens", argmaxRows(logits)))
	}

	return imageFeatures.Convert(images.DType()), lastHidden.Convert(images.DType()), nil
}

// tileToTasks repeats a batch-of-one feature tensor across the task rows.
func tileToTasks(features *tensor.Tensor, tasks int) (*tensor.Tensor, error) {
	batch := features.Dim(0)
	if batch == tasks {
		return features, nil
	}
	if batch != 1 {
		return nil, fmt.Errorf("image batch %d does not match task count %d", batch, tasks)
	}
	seq, hidden := features.Dim(1), features.Dim(2)
	data := make([]float32, 0, tasks*seq*hidden)
	for i := 0; i < tasks; i++ {
		data = append(data, features.Data()...)
	}
	return tensor.New(features.DType(), features.Device(), []int{tasks, seq, hidden}, data)
}

// concatSeq joins two [batch, seq, hidden] tensors along the sequence axis.
func concatSeq(a, b *tensor.Tensor) (*tensor.Tensor, error) {
	if a.Dim(0) != b.Dim(0) || a.Dim(2) != b.Dim(2) {
		return nil, fmt.Errorf("cannot concatenate shapes %v and %v", a.Shape(), b.Shape())
	}
	batch, hidden := a.Dim(0), a.Dim(2)
	aSeq, bSeq := a.Dim(1), b.Dim(1)
	data := make([]float32, 0, batch*(aSeq+bSeq)*hidden)
	for row := 0; row < batch; row++ {
		data = append(data, a.Data()[row*aSeq*hidden:(row+1)*aSeq*hidden]...)
		data = append(data, b.Data()[row*bSeq*hidden:(row+1)*bSeq*hidden]...)
	}
	return tensor.New(a.DType(), a.Device(), []int{batch, aSeq + bSeq, hidden}, data)
}

// argmaxRows returns the argmax of each row of a [batch, vocab] tensor.
func argmaxRows(logits *tensor.Tensor) []int64 {
	if logits.Dims() != 2 {
		return nil
	}
	batch, vocab := logits.Dim(0), logits.Dim(1)
	out := make([]int64, batch)
	data := logits.Data()
	for b := 0; b < batch; b++ {
		best, bestVal := 0, data[b*vocab]
		for v := 1; v < vocab; v++ {
			if data[b*vocab+v] > bestVal {
				best, bestVal = v, data[b*vocab+v]
			}
		}
		out[b] = int64(best)
	}
	return out
}

// IsLoaded reports whether weights have been loaded.
func (t *Vision2SeqTower) IsLoaded() bool { return t.loaded }

// Name returns the model identifier the tower was built with.
func (t *Vision2SeqTower) Name() string { return t.name }

// Processor returns the image processor; nil before load.
func (t *Vision2SeqTower) Processor() *preprocess.Processor { return t.processor }

// TaskSet returns the active prompt preset table.
func (t *Vision2SeqTower) TaskSet() *TaskPromptSet { return t.tasks }

// Config returns the live model config once loaded, the cached pre-load
// config otherwise.
func (t *Vision2SeqTower) Config() *ModelConfig {
	if t.loaded {
		return t.liveCfg
	}
	return t.cfgOnly
}

// HiddenSize returns the encoder hidden dimension.
func (t *Vision2SeqTower) HiddenSize() int { return t.Config().HiddenSize }

// NumPatchesPerSide returns image size divided by patch size.
func (t *Vision2SeqTower) NumPatchesPerSide() int { return t.Config().NumPatchesPerSide() }

// NumPatches returns the total patch token count.
func (t *Vision2SeqTower) NumPatches() int { return t.Config().NumPatches() }

// Dtype returns the tower compute dtype.
func (t *Vision2SeqTower) Dtype() tensor.DType { return t.opts.DType }

// Device returns the tower device.
func (t *Vision2SeqTower) Device() tensor.Device { return t.opts.Device }

// DummyFeature returns a zero [1, hidden] placeholder tensor.
func (t *Vision2SeqTower) DummyFeature() *tensor.Tensor {
	return tensor.Zeros(t.opts.DType, t.opts.Device, 1, t.HiddenSize())
}

// Close releases the underlying sessions.
func (t *Vision2SeqTower) Close() error {
	if t.session != nil {
		err := t.session.Close()
		t.session = nil
		return err
	}
	return nil
}
