package export

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/segmentio/parquet-go"
	"go.uber.org/zap"
)

func writeRows(t *testing.T, w *Writer, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		err := w.Write(&FeatureRow{
			ImagePath:     "img.png",
			ImageHash:     "abc",
			Tower:         "clip",
			SelectLayer:   -2,
			SelectFeature: "patch",
			DType:         "float32",
			Shape:         "1x4",
			Features:      []float32{1, 2, 3, float32(i)},
		})
		if err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}
}

func readBack(t *testing.T, path string) []FeatureRow {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Failed to open %s: %v", path, err)
	}
	defer f.Close()

	reader := parquet.NewReader(f)
	defer reader.Close()

	var rows []FeatureRow
	for {
		var row FeatureRow
		if err := reader.Read(&row); err == io.EOF {
			break
		} else if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		rows = append(rows, row)
	}
	return rows
}

func TestWriterRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(Config{Dir: dir, RowsPerFile: 100}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}

	writeRows(t, w, 3)
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	rows := readBack(t, filepath.Join(dir, "features-00001.parquet"))
	if len(rows) != 3 {
		t.Fatalf("Expected 3 rows, got %d", len(rows))
	}
	if rows[0].Tower != "clip" || rows[0].Shape != "1x4" {
		t.Errorf("Unexpected row: %+v", rows[0])
	}
	if len(rows[2].Features) != 4 || rows[2].Features[3] != 2 {
		t.Errorf("Unexpected features: %v", rows[2].Features)
	}
}

func TestWriterRotation(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(Config{Dir: dir, RowsPerFile: 2}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}

	writeRows(t, w, 5)
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if w.Total() != 5 {
		t.Errorf("Expected total 5, got %d", w.Total())
	}

	files, err := filepath.Glob(filepath.Join(dir, "features-*.parquet"))
	if err != nil {
		t.Fatalf("Glob failed: %v", err)
	}
	if len(files) != 3 {
		t.Fatalf("Expected 3 files after rotation, got %d", len(files))
	}

	if rows := readBack(t, files[0]); len(rows) != 2 {
		t.Errorf("First file should hold 2 rows, got %d", len(rows))
	}
	if rows := readBack(t, files[2]); len(rows) != 1 {
		t.Errorf("Last file should hold 1 row, got %d", len(rows))
	}
}

func TestWriterBadCompression(t *testing.T) {
	if _, err := NewWriter(Config{Dir: t.TempDir(), Compression: "lz77"}, zap.NewNop()); err == nil {
		t.Error("Expected error for unknown compression")
	}
}
