package backend

import (
	"context"
	"errors"

	"github.com/raaihank/vision-tower/internal/tensor"
)

// ErrNotSupported is returned by the stub factory when the binary was built
// without an inference runtime.
var ErrNotSupported = errors.New("inference backend not available: build with -tags=onnx to enable")

// Options controls how sessions are opened.
type Options struct {
	// Device selects the execution provider. CPU is always available; CUDA
	// requires an ONNX Runtime build with CUDA support.
	Device tensor.Device

	// SharedLibPath overrides the ONNX Runtime shared library location.
	// Falls back to the ONNXRUNTIME_SHARED_LIB environment variable.
	SharedLibPath string
}

// VisionSession runs a pretrained vision transformer graph. Implementations
// wrap an external inference runtime; this package never computes attention
// itself.
type VisionSession interface {
	// Forward runs the graph with hidden states enabled and returns one
	// [batch, seq, hidden] tensor per layer, embedding output first. The
	// returned stack is indexable the way a downstream feature selector
	// expects: index 0 is the embedding layer, the last index is the final
	// encoder layer.
	Forward(ctx context.Context, pixels *tensor.Tensor) ([]*tensor.Tensor, error)

	Close() error
}

// Vision2SeqSession runs a multi-graph encoder-decoder vision-language model
// (Florence-2 layout: vision_encoder, embed_tokens, encoder_model, decoder).
type Vision2SeqSession interface {
	// EncodeImage runs the vision encoder: pixel values to image features
	// [batch, imageSeq, hidden].
	EncodeImage(ctx context.Context, pixels *tensor.Tensor) (*tensor.Tensor, error)

	// EmbedTokens embeds prompt token IDs: [batch][seq] to [batch, seq, hidden].
	EmbedTokens(ctx context.Context, ids [][]int64) (*tensor.Tensor, error)

	// Encode runs the text encoder over concatenated embeddings and returns
	// the encoder last hidden state [batch, seq, hidden].
	Encode(ctx context.Context, inputsEmbeds *tensor.Tensor) (*tensor.Tensor, error)

	// Decode performs one decoder step against the encoder output and
	// returns next-token logits [batch, vocab].
	Decode(ctx context.Context, encoderHidden *tensor.Tensor, inputIDs [][]int64) (*tensor.Tensor, error)

	Close() error
}

// Factory opens inference sessions from a model directory. The directory
// holds exported ONNX graphs alongside config.json and
// preprocessor_config.json, the standard checkpoint export layout.
type Factory interface {
	OpenVision(modelPath string, opts Options) (VisionSession, error)
	OpenVision2Seq(modelPath string, opts Options) (Vision2SeqSession, error)
}
