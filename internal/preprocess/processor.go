package preprocess

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"strings"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	"go.uber.org/zap"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"

	"github.com/raaihank/vision-tower/internal/tensor"
)

// Config mirrors preprocessor_config.json from a checkpoint export.
// PadToSquare is a runtime option, not part of the checkpoint JSON.
type Config struct {
	ImageSize   int        `json:"-"`
	CropSize    int        `json:"-"`
	Mean        [3]float32 `json:"-"`
	Std         [3]float32 `json:"-"`
	PadToSquare bool       `json:"-"`
}

// CLIP ViT defaults, used when a checkpoint ships no preprocessor config.
var defaultConfig = Config{
	ImageSize: 224,
	CropSize:  224,
	Mean:      [3]float32{0.48145466, 0.4578275, 0.40821073},
	Std:       [3]float32{0.26862954, 0.26130258, 0.27577711},
}

// rawConfig matches the checkpoint JSON layout, which stores sizes either as
// plain ints or as {"shortest_edge": N} / {"height": N, "width": N} objects.
type rawConfig struct {
	Size      json.RawMessage `json:"size"`
	CropSize  json.RawMessage `json:"crop_size"`
	ImageMean []float32       `json:"image_mean"`
	ImageStd  []float32       `json:"image_std"`
}

// LoadConfig reads preprocessor_config.json from a model directory, falling
// back to CLIP defaults for anything missing.
func LoadConfig(modelPath string) (Config, error) {
	cfg := defaultConfig

	data, err := os.ReadFile(filepath.Join(modelPath, "preprocessor_config.json"))
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("reading preprocessor config: %w", err)
	}

	var raw rawConfig
	if err := json.Unmarshal(data, &raw); err != nil {
		return cfg, fmt.Errorf("parsing preprocessor config: %w", err)
	}

	if size := parseSize(raw.Size); size > 0 {
		cfg.ImageSize = size
		cfg.CropSize = size
	}
	if crop := parseSize(raw.CropSize); crop > 0 {
		cfg.CropSize = crop
	}
	if len(raw.ImageMean) == 3 {
		copy(cfg.Mean[:], raw.ImageMean)
	}
	if len(raw.ImageStd) == 3 {
		copy(cfg.Std[:], raw.ImageStd)
	}
	return cfg, nil
}

func parseSize(raw json.RawMessage) int {
	if len(raw) == 0 {
		return 0
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n
	}
	var obj struct {
		ShortestEdge int `json:"shortest_edge"`
		Height       int `json:"height"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		if obj.ShortestEdge > 0 {
			return obj.ShortestEdge
		}
		return obj.Height
	}
	return 0
}

// Processor converts decoded images into normalized CHW pixel tensors.
type Processor struct {
	config Config
	logger *zap.Logger
}

// New creates a processor for a model directory.
func New(modelPath string, logger *zap.Logger) (*Processor, error) {
	cfg, err := LoadConfig(modelPath)
	if err != nil {
		return nil, err
	}
	return NewWithConfig(cfg, logger), nil
}

// NewWithConfig creates a processor with an explicit configuration.
func NewWithConfig(cfg Config, logger *zap.Logger) *Processor {
	logger.Debug("Image processor configured",
		zap.Int("image_size", cfg.ImageSize),
		zap.Int("crop_size", cfg.CropSize),
		zap.Bool("pad_to_square", cfg.PadToSquare))
	return &Processor{config: cfg, logger: logger}
}

// Config returns the active preprocessing configuration.
func (p *Processor) Config() Config { return p.config }

// Process converts one image to a [3, crop, crop] float32 tensor: optional
// square pad with the mean fill color, bicubic shortest-edge resize, center
// crop, per-channel normalization.
func (p *Processor) Process(img image.Image) (*tensor.Tensor, error) {
	if p.config.PadToSquare {
		img = p.padSquare(img)
	}
	resized := resizeShortestEdge(img, p.config.ImageSize)
	cropped := imaging.CropCenter(resized, p.config.CropSize, p.config.CropSize)

	h := p.config.CropSize
	w := p.config.CropSize
	data := make([]float32, 3*h*w)
	plane := h * w
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, b, _ := cropped.At(cropped.Bounds().Min.X+x, cropped.Bounds().Min.Y+y).RGBA()
			idx := y*w + x
			data[idx] = (float32(r)/65535 - p.config.Mean[0]) / p.config.Std[0]
			data[plane+idx] = (float32(g)/65535 - p.config.Mean[1]) / p.config.Std[1]
			data[2*plane+idx] = (float32(b)/65535 - p.config.Mean[2]) / p.config.Std[2]
		}
	}
	return tensor.New(tensor.Float32, tensor.CPU, []int{3, h, w}, data)
}

// ProcessBatch stacks several images into one [n, 3, crop, crop] tensor.
func (p *Processor) ProcessBatch(images []image.Image) (*tensor.Tensor, error) {
	if len(images) == 0 {
		return nil, fmt.Errorf("empty image batch")
	}
	side := p.config.CropSize
	data := make([]float32, 0, len(images)*3*side*side)
	for i, img := range images {
		single, err := p.Process(img)
		if err != nil {
			return nil, fmt.Errorf("image %d: %w", i, err)
		}
		data = append(data, single.Data()...)
	}
	return tensor.New(tensor.Float32, tensor.CPU, []int{len(images), 3, side, side}, data)
}

// ProcessFile decodes and processes an image file. WebP is decoded through
// its dedicated codec; everything else goes through the registered stdlib
// and x/image decoders.
func (p *Processor) ProcessFile(path string) (*tensor.Tensor, error) {
	img, err := DecodeFile(path)
	if err != nil {
		return nil, err
	}
	return p.Process(img)
}

// DecodeFile decodes a supported image file into an image.Image.
func DecodeFile(path string) (image.Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("opening image: %w", err)
	}
	img, err := DecodeBytes(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	return img, nil
}

// DecodeBytes decodes raw image bytes. ext hints the codec; WebP goes
// through its dedicated decoder, everything else through the registered
// stdlib and x/image decoders.
func DecodeBytes(data []byte, ext string) (image.Image, error) {
	if strings.EqualFold(ext, ".webp") {
		return webp.Decode(bytes.NewReader(data))
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	return img, err
}

// padSquare centers the image on a square canvas filled with the
// normalization mean, so the padding normalizes to zero.
func (p *Processor) padSquare(img image.Image) image.Image {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w == h || w <= 0 || h <= 0 {
		return img
	}
	side := w
	if h > side {
		side = h
	}
	fill := color.NRGBA{
		R: uint8(p.config.Mean[0]*255 + 0.5),
		G: uint8(p.config.Mean[1]*255 + 0.5),
		B: uint8(p.config.Mean[2]*255 + 0.5),
		A: 255,
	}
	return imaging.PasteCenter(imaging.New(side, side, fill), img)
}

// resizeShortestEdge scales so the shorter side equals target, preserving
// aspect ratio. Catmull-Rom is the bicubic kernel the checkpoint exports
// assume.
func resizeShortestEdge(img image.Image, target int) image.Image {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w <= 0 || h <= 0 {
		return img
	}
	if w < h {
		return imaging.Resize(img, target, 0, imaging.CatmullRom)
	}
	return imaging.Resize(img, 0, target, imaging.CatmullRom)
}
