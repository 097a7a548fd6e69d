package etl

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/raaihank/vision-tower/internal/export"
	"github.com/raaihank/vision-tower/internal/preprocess"
	"github.com/raaihank/vision-tower/internal/tensor"
)

// fakeExtractor produces a fixed [1, 2, 4] feature tensor per image
type fakeExtractor struct {
	processor *preprocess.Processor
	forwards  int
}

func newFakeExtractor() *fakeExtractor {
	cfg := preprocess.Config{
		ImageSize: 8,
		CropSize:  8,
		Mean:      [3]float32{0.5, 0.5, 0.5},
		Std:       [3]float32{0.5, 0.5, 0.5},
	}
	return &fakeExtractor{processor: preprocess.NewWithConfig(cfg, zap.NewNop())}
}

func (f *fakeExtractor) Name() string                        { return "fake" }
func (f *fakeExtractor) IsLoaded() bool                      { return true }
func (f *fakeExtractor) LoadModel(ctx context.Context) error { return nil }
func (f *fakeExtractor) Extract(ctx context.Context, images *tensor.Tensor) (*tensor.Tensor, error) {
	f.forwards++
	t, _ := tensor.New(tensor.Float32, tensor.CPU, []int{1, 2, 4}, []float32{1, 2, 3, 4, 5, 6, 7, 8})
	return t, nil
}
func (f *fakeExtractor) Processor() *preprocess.Processor { return f.processor }
func (f *fakeExtractor) HiddenSize() int                  { return 4 }
func (f *fakeExtractor) SelectLayer() int                 { return -2 }
func (f *fakeExtractor) SelectFeature() string            { return "patch" }
func (f *fakeExtractor) DummyFeature() *tensor.Tensor {
	return tensor.Zeros(tensor.Float32, tensor.CPU, 1, 4)
}
func (f *fakeExtractor) Close() error { return nil }

func writeTestImages(t *testing.T, dir string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		img := image.NewRGBA(image.Rect(0, 0, 16, 16))
		for y := 0; y < 16; y++ {
			for x := 0; x < 16; x++ {
				img.Set(x, y, color.RGBA{uint8(i * 20), 100, 200, 255})
			}
		}
		f, err := os.Create(filepath.Join(dir, "img"+string(rune('a'+i))+".png"))
		if err != nil {
			t.Fatalf("Failed to create test image: %v", err)
		}
		if err := png.Encode(f, img); err != nil {
			t.Fatalf("Failed to encode test image: %v", err)
		}
		f.Close()
	}
}

func TestPipelineProcessDir(t *testing.T) {
	dir := t.TempDir()
	writeTestImages(t, dir, 5)

	extractor := newFakeExtractor()
	p := NewPipeline("fake", extractor, nil, nil, nil, &Config{BatchSize: 2, WorkerCount: 2}, zap.NewNop())

	result, err := p.ProcessDir(context.Background(), dir)
	if err != nil {
		t.Fatalf("ProcessDir failed: %v", err)
	}

	if result.TotalImages != 5 || result.ProcessedOK != 5 {
		t.Errorf("Expected 5/5 processed, got %d/%d", result.ProcessedOK, result.TotalImages)
	}
	if result.ProcessedFailed != 0 {
		t.Errorf("Expected no failures, got %d: %v", result.ProcessedFailed, result.Errors)
	}
	if extractor.forwards != 5 {
		t.Errorf("Expected 5 forward passes, got %d", extractor.forwards)
	}
}

func TestPipelineCorruptImage(t *testing.T) {
	dir := t.TempDir()
	writeTestImages(t, dir, 2)
	if err := os.WriteFile(filepath.Join(dir, "broken.png"), []byte("not a png"), 0644); err != nil {
		t.Fatalf("Failed to write corrupt file: %v", err)
	}

	p := NewPipeline("fake", newFakeExtractor(), nil, nil, nil, &Config{WorkerCount: 1}, zap.NewNop())

	result, err := p.ProcessDir(context.Background(), dir)
	if err != nil {
		t.Fatalf("ProcessDir failed: %v", err)
	}
	if result.ProcessedOK != 2 || result.ProcessedFailed != 1 {
		t.Errorf("Expected 2 ok and 1 failed, got %d ok and %d failed", result.ProcessedOK, result.ProcessedFailed)
	}
	if len(result.Errors) != 1 {
		t.Errorf("Expected 1 recorded error, got %v", result.Errors)
	}
}

func TestPipelineExport(t *testing.T) {
	imgDir := t.TempDir()
	exportDir := t.TempDir()
	writeTestImages(t, imgDir, 3)

	exporter, err := export.NewWriter(export.Config{Dir: exportDir, RowsPerFile: 100}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}

	cfg := &Config{WorkerCount: 1, ExportRows: true}
	p := NewPipeline("fake", newFakeExtractor(), nil, nil, exporter, cfg, zap.NewNop())

	if _, err := p.ProcessDir(context.Background(), imgDir); err != nil {
		t.Fatalf("ProcessDir failed: %v", err)
	}

	if exporter.Total() != 3 {
		t.Errorf("Expected 3 exported rows, got %d", exporter.Total())
	}
	files, _ := filepath.Glob(filepath.Join(exportDir, "features-*.parquet"))
	if len(files) != 1 {
		t.Errorf("Expected 1 export file, got %d", len(files))
	}
}

func TestPipelineProgressEvents(t *testing.T) {
	dir := t.TempDir()
	writeTestImages(t, dir, 4)

	var events []ProgressEvent
	p := NewPipeline("fake", newFakeExtractor(), nil, nil, nil, &Config{WorkerCount: 1, ProgressReport: 2}, zap.NewNop())
	p.SetProgressFunc(func(e ProgressEvent) { events = append(events, e) })

	if _, err := p.ProcessDir(context.Background(), dir); err != nil {
		t.Fatalf("ProcessDir failed: %v", err)
	}

	if len(events) != 2 {
		t.Fatalf("Expected 2 progress events, got %d", len(events))
	}
	if events[0].Tower != "fake" || events[0].Total != 4 {
		t.Errorf("Unexpected event: %+v", events[0])
	}
}

func TestIsImageFile(t *testing.T) {
	for _, path := range []string{"a.png", "b.JPG", "c.webp", "d.tiff"} {
		if !IsImageFile(path) {
			t.Errorf("%s should be recognized as an image", path)
		}
	}
	for _, path := range []string{"a.txt", "b.parquet", "noext"} {
		if IsImageFile(path) {
			t.Errorf("%s should not be recognized as an image", path)
		}
	}
}
