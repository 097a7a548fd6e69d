//go:build onnx
// +build onnx

package backend

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"

	"github.com/raaihank/vision-tower/internal/tensor"
)

// OnnxFactory opens ONNX Runtime sessions. Requires build tag 'onnx'.
type OnnxFactory struct {
	logger *zap.Logger
}

// NewFactory initializes the ONNX Runtime environment and returns a factory.
func NewFactory(logger *zap.Logger) (Factory, error) {
	if !ort.IsInitialized() {
		if shlib := os.Getenv("ONNXRUNTIME_SHARED_LIB"); shlib != "" {
			ort.SetSharedLibraryPath(shlib)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("onnx runtime environment init failed: %w", err)
		}
	}
	return &OnnxFactory{logger: logger}, nil
}

// findGraph returns the first existing file among candidates in dir.
func findGraph(dir string, candidates []string) string {
	for _, name := range candidates {
		for _, sub := range []string{"", "onnx"} {
			path := filepath.Join(dir, sub, name)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

func sessionOptions(opts Options) (*ort.SessionOptions, error) {
	if opts.SharedLibPath != "" {
		ort.SetSharedLibraryPath(opts.SharedLibPath)
	}
	if opts.Device != tensor.CUDA {
		return nil, nil
	}
	so, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("creating session options: %w", err)
	}
	cuda, err := ort.NewCUDAProviderOptions()
	if err != nil {
		so.Destroy()
		return nil, fmt.Errorf("creating CUDA provider options: %w", err)
	}
	defer cuda.Destroy()
	if err := so.AppendExecutionProviderCUDA(cuda); err != nil {
		so.Destroy()
		return nil, fmt.Errorf("appending CUDA execution provider: %w", err)
	}
	return so, nil
}

// OpenVision opens a single-graph vision transformer exported with hidden
// states enabled (outputs last_hidden_state plus hidden_states.N).
func (f *OnnxFactory) OpenVision(modelPath string, opts Options) (VisionSession, error) {
	graph := findGraph(modelPath, []string{"model.onnx", "vision_model.onnx"})
	if graph == "" {
		return nil, fmt.Errorf("no vision graph found in %s", modelPath)
	}

	inputs, outputs, err := ort.GetInputOutputInfo(graph)
	if err != nil {
		return nil, fmt.Errorf("inspecting graph IO for %s: %w", graph, err)
	}

	inputName := "pixel_values"
	if len(inputs) > 0 && !hasName(inputs, inputName) {
		inputName = inputs[0].Name
	}

	hiddenNames := collectHiddenStateOutputs(outputs)
	if len(hiddenNames) == 0 {
		return nil, fmt.Errorf("graph %s exposes no hidden-state outputs; re-export with output_hidden_states", graph)
	}

	so, err := sessionOptions(opts)
	if err != nil {
		return nil, err
	}
	if so != nil {
		// Session creation copies the options.
		defer so.Destroy()
	}
	sess, err := ort.NewDynamicAdvancedSession(graph, []string{inputName}, hiddenNames, so)
	if err != nil {
		return nil, fmt.Errorf("creating vision session for %s: %w", graph, err)
	}

	f.logger.Info("Vision session ready",
		zap.String("graph", graph),
		zap.String("input", inputName),
		zap.Int("hidden_layers", len(hiddenNames)),
		zap.String("device", string(opts.Device)))

	return &onnxVisionSession{session: sess, device: opts.Device, outputCount: len(hiddenNames)}, nil
}

// collectHiddenStateOutputs orders graph outputs as a hidden-state stack:
// hidden_states.0..N sorted numerically, with last_hidden_state appended when
// the export provides it separately.
func collectHiddenStateOutputs(outputs []ort.InputOutputInfo) []string {
	type layer struct {
		name  string
		index int
	}
	var layers []layer
	last := ""
	for _, out := range outputs {
		name := strings.ToLower(out.Name)
		switch {
		case strings.HasPrefix(name, "hidden_states."):
			idx, err := strconv.Atoi(strings.TrimPrefix(name, "hidden_states."))
			if err == nil {
				layers = append(layers, layer{name: out.Name, index: idx})
			}
		case name == "last_hidden_state":
			last = out.Name
		}
	}
	sort.Slice(layers, func(i, j int) bool { return layers[i].index < layers[j].index })
	names := make([]string, 0, len(layers)+1)
	for _, l := range layers {
		names = append(names, l.name)
	}
	if len(names) == 0 && last != "" {
		names = append(names, last)
	}
	return names
}

func hasName(infos []ort.InputOutputInfo, name string) bool {
	for _, info := range infos {
		if strings.EqualFold(info.Name, name) {
			return true
		}
	}
	return false
}

type onnxVisionSession struct {
	session     *ort.DynamicAdvancedSession
	device      tensor.Device
	outputCount int
}

func (s *onnxVisionSession) Forward(ctx context.Context, pixels *tensor.Tensor) ([]*tensor.Tensor, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	input, err := pixelTensor(pixels)
	if err != nil {
		return nil, err
	}
	defer input.Destroy()

	outputs := make([]ort.Value, s.outputCount)
	if err := s.session.Run([]ort.Value{input}, outputs); err != nil {
		return nil, fmt.Errorf("vision forward failed: %w", err)
	}
	defer destroyAll(outputs)

	stack := make([]*tensor.Tensor, 0, len(outputs))
	for i, out := range outputs {
		t, err := fromOrtValue(out, s.device)
		if err != nil {
			return nil, fmt.Errorf("hidden state %d: %w", i, err)
		}
		stack = append(stack, t)
	}
	return stack, nil
}

func (s *onnxVisionSession) Close() error {
	if s.session != nil {
		s.session.Destroy()
		s.session = nil
	}
	return nil
}

// OpenVision2Seq opens the four-graph Florence-2 layout.
func (f *OnnxFactory) OpenVision2Seq(modelPath string, opts Options) (Vision2SeqSession, error) {
	paths := map[string]string{
		"vision_encoder": findGraph(modelPath, []string{"vision_encoder.onnx"}),
		"embed_tokens":   findGraph(modelPath, []string{"embed_tokens.onnx"}),
		"encoder_model":  findGraph(modelPath, []string{"encoder_model.onnx"}),
		"decoder": findGraph(modelPath, []string{
			"decoder_model_merged.onnx", "decoder_with_past.onnx", "decoder_model.onnx", "decoder.onnx",
		}),
	}
	for part, path := range paths {
		if path == "" {
			return nil, fmt.Errorf("%s graph not found in %s", part, modelPath)
		}
	}

	so, err := sessionOptions(opts)
	if err != nil {
		return nil, err
	}
	if so != nil {
		// Session creation copies the options.
		defer so.Destroy()
	}

	sess := &onnxVision2SeqSession{device: opts.Device}
	open := func(path string, ins, outs []string) (*ort.DynamicAdvancedSession, error) {
		s, err := ort.NewDynamicAdvancedSession(path, ins, outs, so)
		if err != nil {
			sess.Close()
			return nil, fmt.Errorf("creating session for %s: %w", path, err)
		}
		return s, nil
	}

	if sess.visionEncoder, err = open(paths["vision_encoder"], []string{"pixel_values"}, []string{"image_features"}); err != nil {
		return nil, err
	}
	if sess.embedTokens, err = open(paths["embed_tokens"], []string{"input_ids"}, []string{"inputs_embeds"}); err != nil {
		return nil, err
	}
	if sess.encoder, err = open(paths["encoder_model"], []string{"inputs_embeds", "attention_mask"}, []string{"last_hidden_state"}); err != nil {
		return nil, err
	}
	if sess.decoder, err = open(paths["decoder"], []string{"inputs_embeds", "encoder_hidden_states", "encoder_attention_mask"}, []string{"logits"}); err != nil {
		return nil, err
	}

	f.logger.Info("Vision2seq sessions ready",
		zap.String("model", modelPath),
		zap.String("device", string(opts.Device)))
	return sess, nil
}

type onnxVision2SeqSession struct {
	visionEncoder *ort.DynamicAdvancedSession
	embedTokens   *ort.DynamicAdvancedSession
	encoder       *ort.DynamicAdvancedSession
	decoder       *ort.DynamicAdvancedSession
	device        tensor.Device
}

func (s *onnxVision2SeqSession) EncodeImage(ctx context.Context, pixels *tensor.Tensor) (*tensor.Tensor, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	input, err := pixelTensor(pixels)
	if err != nil {
		return nil, err
	}
	defer input.Destroy()
	return s.runSingle(s.visionEncoder, []ort.Value{input}, "vision encoder")
}

func (s *onnxVision2SeqSession) EmbedTokens(ctx context.Context, ids [][]int64) (*tensor.Tensor, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	input, err := idTensor(ids)
	if err != nil {
		return nil, err
	}
	defer input.Destroy()
	return s.runSingle(s.embedTokens, []ort.Value{input}, "embed_tokens")
}

func (s *onnxVision2SeqSession) Encode(ctx context.Context, inputsEmbeds *tensor.Tensor) (*tensor.Tensor, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	embeds, err := floatTensor(inputsEmbeds)
	if err != nil {
		return nil, err
	}
	defer embeds.Destroy()

	mask, err := onesMask(inputsEmbeds.Dim(0), inputsEmbeds.Dim(1))
	if err != nil {
		return nil, err
	}
	defer mask.Destroy()

	return s.runSingle(s.encoder, []ort.Value{embeds, mask}, "encoder")
}

func (s *onnxVision2SeqSession) Decode(ctx context.Context, encoderHidden *tensor.Tensor, inputIDs [][]int64) (*tensor.Tensor, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	// The decoder consumes embeddings, not raw IDs.
	decoderEmbeds, err := s.EmbedTokens(ctx, inputIDs)
	if err != nil {
		return nil, fmt.Errorf("embedding decoder input: %w", err)
	}
	embeds, err := floatTensor(decoderEmbeds)
	if err != nil {
		return nil, err
	}
	defer embeds.Destroy()

	hidden, err := floatTensor(encoderHidden)
	if err != nil {
		return nil, err
	}
	defer hidden.Destroy()

	mask, err := onesMask(encoderHidden.Dim(0), encoderHidden.Dim(1))
	if err != nil {
		return nil, err
	}
	defer mask.Destroy()

	logits, err := s.runSingle(s.decoder, []ort.Value{embeds, hidden, mask}, "decoder")
	if err != nil {
		return nil, err
	}

	// Keep only the final position: [batch, seq, vocab] -> [batch, vocab].
	if logits.Dims() == 3 {
		batch, seq, vocab := logits.Dim(0), logits.Dim(1), logits.Dim(2)
		data := make([]float32, batch*vocab)
		src := logits.Data()
		for b := 0; b < batch; b++ {
			offset := (b*seq + seq - 1) * vocab
			copy(data[b*vocab:(b+1)*vocab], src[offset:offset+vocab])
		}
		return tensor.New(tensor.Float32, s.device, []int{batch, vocab}, data)
	}
	return logits, nil
}

func (s *onnxVision2SeqSession) runSingle(sess *ort.DynamicAdvancedSession, inputs []ort.Value, what string) (*tensor.Tensor, error) {
	outputs := make([]ort.Value, 1)
	if err := sess.Run(inputs, outputs); err != nil {
		return nil, fmt.Errorf("running %s: %w", what, err)
	}
	defer destroyAll(outputs)
	return fromOrtValue(outputs[0], s.device)
}

func (s *onnxVision2SeqSession) Close() error {
	for _, sess := range []**ort.DynamicAdvancedSession{&s.visionEncoder, &s.embedTokens, &s.encoder, &s.decoder} {
		if *sess != nil {
			(*sess).Destroy()
			*sess = nil
		}
	}
	return nil
}

// Conversion helpers between our tensors and ORT values.

func pixelTensor(t *tensor.Tensor) (*ort.Tensor[float32], error) {
	if t.Dims() != 4 {
		return nil, fmt.Errorf("pixel input must be [batch, channels, height, width], got shape %v", t.Shape())
	}
	return floatTensor(t)
}

func floatTensor(t *tensor.Tensor) (*ort.Tensor[float32], error) {
	shape := make([]int64, t.Dims())
	for i := range shape {
		shape[i] = int64(t.Dim(i))
	}
	// ORT sessions here run in float32; half tensors were already quantized
	// on conversion so passing the float32 view preserves their values.
	out, err := ort.NewTensor[float32](ort.NewShape(shape...), t.Data())
	if err != nil {
		return nil, fmt.Errorf("creating input tensor: %w", err)
	}
	return out, nil
}

func idTensor(ids [][]int64) (*ort.Tensor[int64], error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("empty token batch")
	}
	seq := len(ids[0])
	flat := make([]int64, 0, len(ids)*seq)
	for _, row := range ids {
		if len(row) != seq {
			return nil, fmt.Errorf("ragged token batch: row length %d, want %d", len(row), seq)
		}
		flat = append(flat, row...)
	}
	out, err := ort.NewTensor[int64](ort.NewShape(int64(len(ids)), int64(seq)), flat)
	if err != nil {
		return nil, fmt.Errorf("creating input_ids tensor: %w", err)
	}
	return out, nil
}

func onesMask(batch, seq int) (*ort.Tensor[int64], error) {
	data := make([]int64, batch*seq)
	for i := range data {
		data[i] = 1
	}
	out, err := ort.NewTensor[int64](ort.NewShape(int64(batch), int64(seq)), data)
	if err != nil {
		return nil, fmt.Errorf("creating attention mask: %w", err)
	}
	return out, nil
}

func fromOrtValue(v ort.Value, device tensor.Device) (*tensor.Tensor, error) {
	out, ok := v.(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("unexpected output type (want float32 tensor)")
	}
	shape := out.GetShape()
	dims := make([]int, len(shape))
	for i, d := range shape {
		dims[i] = int(d)
	}
	data := make([]float32, len(out.GetData()))
	copy(data, out.GetData())
	return tensor.New(tensor.Float32, device, dims, data)
}

func destroyAll(values []ort.Value) {
	for _, v := range values {
		if v != nil {
			_ = v.Destroy()
		}
	}
}
