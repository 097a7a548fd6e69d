package tower

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/raaihank/vision-tower/internal/tensor"
)

// FeatureSelect chooses which encoder tokens a forward pass returns.
type FeatureSelect string

const (
	// FeaturePatch drops the leading class token and keeps patch tokens only.
	FeaturePatch FeatureSelect = "patch"

	// FeatureClsPatch keeps the class token plus all patch tokens.
	FeatureClsPatch FeatureSelect = "cls_patch"
)

// Common error values.
var (
	ErrInvalidSelectFeature = errors.New("unexpected select feature")
	ErrNotLoaded            = errors.New("vision tower not loaded")
)

// Options configures a vision tower. Zero values take documented defaults.
type Options struct {
	// SelectLayer indexes the hidden-state stack to read features from.
	// Negative values count back from the final layer, so -2 is the
	// second-to-last encoder layer. Required.
	SelectLayer int

	// SelectFeature picks the token subset to return. Default FeaturePatch.
	SelectFeature FeatureSelect

	// PadToSquare pads non-square images to a square canvas with the
	// normalization-mean fill before resizing, preserving aspect ratio
	// instead of cropping content away.
	PadToSquare bool

	// UnfreezeVisionTower forces an eager load even when DelayLoad is set.
	// Weights stay read-only either way; the flag only controls load timing.
	UnfreezeVisionTower bool

	// DelayLoad defers weight loading until LoadModel is called. The model
	// configuration is still read at construction so size accessors work
	// before any weights exist.
	DelayLoad bool

	// Device and DType describe where and how the model runs.
	// Defaults: CPU, float32.
	Device tensor.Device
	DType  tensor.DType

	// TaskSet names the prompt preset table used by the vision2seq tower.
	// Empty selects the default set. Ignored by the CLIP tower.
	TaskSet string

	// SharedLibPath overrides the inference runtime's shared library
	// location. Empty defers to the runtime's own discovery.
	SharedLibPath string
}

func (o *Options) applyDefaults() {
	if o.SelectFeature == "" {
		o.SelectFeature = FeaturePatch
	}
	if o.Device == "" {
		o.Device = tensor.CPU
	}
	if o.DType == "" {
		o.DType = tensor.Float32
	}
}

// ModelConfig holds the checkpoint geometry needed to size downstream
// projection layers. It is parsed from config.json and therefore available
// before any weights load.
type ModelConfig struct {
	HiddenSize          int
	ImageSize           int
	PatchSize           int
	NumHiddenLayers     int
	ProjectionDim       int
	DecoderStartTokenID int64
}

// NumPatchesPerSide returns the patch grid edge length.
func (c *ModelConfig) NumPatchesPerSide() int {
	if c.PatchSize == 0 {
		return 0
	}
	return c.ImageSize / c.PatchSize
}

// NumPatches returns the total patch token count.
func (c *ModelConfig) NumPatches() int {
	side := c.NumPatchesPerSide()
	return side * side
}

// rawModelConfig matches config.json. Vision geometry lives either at the top
// level (a bare vision-config export) or nested under vision_config; hidden
// size for encoder-decoder models falls back to the text model width.
type rawModelConfig struct {
	HiddenSize          int             `json:"hidden_size"`
	ImageSize           int             `json:"image_size"`
	PatchSize           int             `json:"patch_size"`
	NumHiddenLayers     int             `json:"num_hidden_layers"`
	ProjectionDim       int             `json:"projection_dim"`
	DecoderStartTokenID *int64          `json:"decoder_start_token_id"`
	VisionConfig        *rawModelConfig `json:"vision_config"`
	TextConfig          *struct {
		DModel              int    `json:"d_model"`
		HiddenSize          int    `json:"hidden_size"`
		DecoderStartTokenID *int64 `json:"decoder_start_token_id"`
	} `json:"text_config"`
}

// LoadModelConfig parses config.json from a model directory.
func LoadModelConfig(modelPath string) (*ModelConfig, error) {
	data, err := os.ReadFile(filepath.Join(modelPath, "config.json"))
	if err != nil {
		return nil, fmt.Errorf("reading model config for %s: %w", modelPath, err)
	}
	var raw rawModelConfig
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing model config for %s: %w", modelPath, err)
	}

	cfg := &ModelConfig{
		HiddenSize:      raw.HiddenSize,
		ImageSize:       raw.ImageSize,
		PatchSize:       raw.PatchSize,
		NumHiddenLayers: raw.NumHiddenLayers,
		ProjectionDim:   raw.ProjectionDim,
	}
	if raw.DecoderStartTokenID != nil {
		cfg.DecoderStartTokenID = *raw.DecoderStartTokenID
	}

	if v := raw.VisionConfig; v != nil {
		if v.HiddenSize > 0 {
			cfg.HiddenSize = v.HiddenSize
		}
		if v.ImageSize > 0 {
			cfg.ImageSize = v.ImageSize
		}
		if v.PatchSize > 0 {
			cfg.PatchSize = v.PatchSize
		}
		if v.NumHiddenLayers > 0 {
			cfg.NumHiddenLayers = v.NumHiddenLayers
		}
		if v.ProjectionDim > 0 {
			cfg.ProjectionDim = v.ProjectionDim
		}
	}
	if t := raw.TextConfig; t != nil {
		if cfg.HiddenSize == 0 {
			if t.DModel > 0 {
				cfg.HiddenSize = t.DModel
			} else if t.HiddenSize > 0 {
				cfg.HiddenSize = t.HiddenSize
			}
		}
		if cfg.DecoderStartTokenID == 0 && t.DecoderStartTokenID != nil {
			cfg.DecoderStartTokenID = *t.DecoderStartTokenID
		}
	}

	if cfg.HiddenSize == 0 {
		return nil, fmt.Errorf("model config for %s declares no hidden size", modelPath)
	}
	return cfg, nil
}

// resolveLayer turns a possibly negative layer index into a stack offset.
func resolveLayer(stackLen, selectLayer int) (int, error) {
	idx := selectLayer
	if idx < 0 {
		idx += stackLen
	}
	if idx < 0 || idx >= stackLen {
		return 0, fmt.Errorf("select layer %d out of range for %d hidden states", selectLayer, stackLen)
	}
	return idx, nil
}
