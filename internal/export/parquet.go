package export

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/segmentio/parquet-go"
	"github.com/segmentio/parquet-go/compress"
	"go.uber.org/zap"
)

// FeatureRow is one exported tower output. The feature data is flattened;
// shape and dtype columns make it reconstructable downstream.
type FeatureRow struct {
	ImagePath     string    `parquet:"image_path"`
	ImageHash     string    `parquet:"image_hash"`
	Tower         string    `parquet:"tower"`
	SelectLayer   int32     `parquet:"select_layer"`
	SelectFeature string    `parquet:"select_feature"`
	DType         string    `parquet:"dtype"`
	Shape         string    `parquet:"shape"`
	Features      []float32 `parquet:"features,list"`
	CreatedAt     int64     `parquet:"created_at"`
}

// Config contains export configuration
type Config struct {
	Dir         string `yaml:"dir" mapstructure:"dir"`
	RowsPerFile int    `yaml:"rows_per_file" mapstructure:"rows_per_file"`
	Compression string `yaml:"compression" mapstructure:"compression"` // snappy, zstd, or none
}

// Writer streams feature rows into rotating Parquet files under a directory.
// Not safe for concurrent use; give each pipeline its own writer.
type Writer struct {
	config  Config
	logger  *zap.Logger
	codec   compress.Codec
	file    *os.File
	writer  *parquet.Writer
	rows    int
	fileSeq int
	total   int64
}

// NewWriter creates a Parquet export writer. Files are created lazily on the
// first row.
func NewWriter(config Config, logger *zap.Logger) (*Writer, error) {
	if config.RowsPerFile <= 0 {
		config.RowsPerFile = 10000
	}

	var codec compress.Codec
	switch config.Compression {
	case "", "snappy":
		codec = &parquet.Snappy
	case "zstd":
		codec = &parquet.Zstd
	case "none":
		codec = &parquet.Uncompressed
	default:
		return nil, fmt.Errorf("unknown compression: %s", config.Compression)
	}

	if err := os.MkdirAll(config.Dir, 0755); err != nil {
		return nil, fmt.Errorf("creating export directory: %w", err)
	}

	return &Writer{
		config: config,
		logger: logger,
		codec:  codec,
	}, nil
}

// Write appends one row, rotating to a new file when the current one is full
func (w *Writer) Write(row *FeatureRow) error {
	if w.writer == nil {
		if err := w.openNext(); err != nil {
			return err
		}
	}

	if row.CreatedAt == 0 {
		row.CreatedAt = time.Now().UnixMilli()
	}

	if err := w.writer.Write(row); err != nil {
		return fmt.Errorf("writing parquet row: %w", err)
	}
	w.rows++
	w.total++

	if w.rows >= w.config.RowsPerFile {
		return w.closeCurrent()
	}
	return nil
}

// WriteBatch appends a slice of rows
func (w *Writer) WriteBatch(rows []*FeatureRow) error {
	for _, row := range rows {
		if err := w.Write(row); err != nil {
			return err
		}
	}
	return nil
}

// Total returns the number of rows written across all files
func (w *Writer) Total() int64 { return w.total }

// Close flushes and closes the current file
func (w *Writer) Close() error {
	if w.writer == nil {
		return nil
	}
	return w.closeCurrent()
}

func (w *Writer) openNext() error {
	w.fileSeq++
	path := filepath.Join(w.config.Dir, fmt.Sprintf("features-%05d.parquet", w.fileSeq))

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating export file: %w", err)
	}

	w.file = file
	w.writer = parquet.NewWriter(file,
		parquet.SchemaOf(new(FeatureRow)),
		parquet.Compression(w.codec))
	w.rows = 0

	w.logger.Debug("Export file opened", zap.String("path", path))
	return nil
}

func (w *Writer) closeCurrent() error {
	if err := w.writer.Close(); err != nil {
		w.file.Close()
		return fmt.Errorf("closing parquet writer: %w", err)
	}
	name := w.file.Name()
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("closing export file: %w", err)
	}

	w.logger.Info("Export file written",
		zap.String("path", name),
		zap.Int("rows", w.rows))

	w.writer = nil
	w.file = nil
	w.rows = 0
	return nil
}
