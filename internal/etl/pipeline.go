package etl

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/vision-tower/internal/cache"
	"github.com/raaihank/vision-tower/internal/export"
	"github.com/raaihank/vision-tower/internal/preprocess"
	"github.com/raaihank/vision-tower/internal/store"
	"github.com/raaihank/vision-tower/internal/tower"
)

// Pipeline runs batch feature extraction: a worker pool decodes and forwards
// images through one tower, and a single collector fans the outputs into the
// store, the cache, and the Parquet exporter.
type Pipeline struct {
	towerName    string
	tower        tower.Extractor
	featureStore *store.Store
	featureCache *cache.FeatureCache
	exporter     *export.Writer
	config       *Config
	logger       *zap.Logger
	stats        *ProcessingStats
	mu           sync.RWMutex
	onProgress   func(ProgressEvent)

	// The tower is confined to a single goroutine; workers funnel forward
	// passes through this mutex.
	forwardMu sync.Mutex
}

// extraction is one finished image, carried from a worker to the collector
type extraction struct {
	path       string
	hash       string
	imageBytes []byte
	shape      []int
	dtype      string
	data       []float32
	fromCache  bool
	inference  time.Duration
}

// NewPipeline creates an extraction pipeline. Store, cache, and exporter are
// each optional; nil disables that sink.
func NewPipeline(
	towerName string,
	tw tower.Extractor,
	featureStore *store.Store,
	featureCache *cache.FeatureCache,
	exporter *export.Writer,
	config *Config,
	logger *zap.Logger,
) *Pipeline {
	if config.BatchSize <= 0 {
		config.BatchSize = 64
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = 4
	}
	if config.ProgressReport <= 0 {
		config.ProgressReport = 100
	}
	return &Pipeline{
		towerName:    towerName,
		tower:        tw,
		featureStore: featureStore,
		featureCache: featureCache,
		exporter:     exporter,
		config:       config,
		logger:       logger,
		stats: &ProcessingStats{
			StartTime: time.Now(),
		},
	}
}

// SetProgressFunc installs a callback invoked every ProgressReport images
func (p *Pipeline) SetProgressFunc(f func(ProgressEvent)) {
	p.onProgress = f
}

// ProcessDir walks a directory tree and extracts features for every image
func (p *Pipeline) ProcessDir(ctx context.Context, dir string) (*ProcessingResult, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && IsImageFile(path) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", dir, err)
	}

	if len(paths) == 0 {
		return nil, fmt.Errorf("no images found under %s", dir)
	}

	return p.ProcessFiles(ctx, paths)
}

// ProcessFiles extracts features for an explicit list of image files
func (p *Pipeline) ProcessFiles(ctx context.Context, paths []string) (*ProcessingResult, error) {
	if !p.tower.IsLoaded() {
		if err := p.tower.LoadModel(ctx); err != nil {
			return nil, fmt.Errorf("loading tower: %w", err)
		}
	}

	p.logger.Info("Starting extraction pipeline",
		zap.String("tower", p.towerName),
		zap.Int("images", len(paths)),
		zap.Int("batch_size", p.config.BatchSize),
		zap.Int("workers", p.config.WorkerCount))

	start := time.Now()
	p.resetStats()
	result := &ProcessingResult{TotalImages: int64(len(paths))}

	jobs := make(chan string)
	results := make(chan *extraction)
	errs := make(chan error)

	var wg sync.WaitGroup
	for i := 0; i < p.config.WorkerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for path := range jobs {
				ext, err := p.extractOne(ctx, path)
				if err != nil {
					select {
					case errs <- fmt.Errorf("%s: %w", path, err):
					case <-ctx.Done():
						return
					}
					continue
				}
				select {
				case results <- ext:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	go func() {
		defer close(jobs)
		for _, path := range paths {
			select {
			case jobs <- path:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
		close(errs)
	}()

	// Collector loop. Sinks are only touched here, so they need no locking.
	batch := make([]*extraction, 0, p.config.BatchSize)
	done := false
	for !done {
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			result.ProcessedFailed++
			result.Errors = append(result.Errors, err.Error())
			p.logger.Warn("Image extraction failed", zap.Error(err))
			p.maybeReport(result)
		case ext, ok := <-results:
			if !ok {
				done = true
				continue
			}
			result.ProcessedOK++
			result.InferenceTime += ext.inference
			if ext.fromCache {
				result.CacheHits++
			}
			batch = append(batch, ext)
			if len(batch) >= p.config.BatchSize {
				p.flush(ctx, batch, result)
				batch = batch[:0]
			}
			p.maybeReport(result)
		}
	}
	if len(batch) > 0 {
		p.flush(ctx, batch, result)
	}

	if p.exporter != nil && p.config.ExportRows {
		exportStart := time.Now()
		if err := p.exporter.Close(); err != nil {
			p.logger.Error("Failed to finalize export", zap.Error(err))
			result.Errors = append(result.Errors, err.Error())
		}
		result.ExportTime += time.Since(exportStart)
	}

	result.Duration = time.Since(start)

	p.logger.Info("Extraction pipeline completed",
		zap.Int64("total_images", result.TotalImages),
		zap.Int64("processed_ok", result.ProcessedOK),
		zap.Int64("processed_failed", result.ProcessedFailed),
		zap.Int64("cache_hits", result.CacheHits),
		zap.Duration("total_duration", result.Duration),
		zap.Duration("inference_time", result.InferenceTime),
		zap.Duration("database_time", result.DatabaseTime))

	return result, nil
}

// extractOne handles a single image end to end on a worker goroutine
func (p *Pipeline) extractOne(ctx context.Context, path string) (*extraction, error) {
	imageBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading image: %w", err)
	}
	sum := sha256.Sum256(imageBytes)
	hash := hex.EncodeToString(sum[:])

	// Cached features short-circuit the forward pass
	if p.featureCache != nil && p.config.SkipCached {
		lookup, err := p.featureCache.Lookup(ctx, imageBytes, p.towerName, p.tower.SelectLayer(), p.tower.SelectFeature())
		if err == nil && lookup.CacheHit {
			f := lookup.Features
			return &extraction{
				path:       path,
				hash:       hash,
				imageBytes: imageBytes,
				shape:      f.Shape,
				dtype:      f.DType,
				data:       f.Data,
				fromCache:  true,
			}, nil
		}
	}

	img, err := preprocess.DecodeBytes(imageBytes, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("decoding image: %w", err)
	}

	pixels, err := p.tower.Processor().Process(img)
	if err != nil {
		return nil, fmt.Errorf("preprocessing image: %w", err)
	}

	forwardStart := time.Now()
	p.forwardMu.Lock()
	features, err := p.tower.Extract(ctx, pixels.WithBatch())
	p.forwardMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("forward pass: %w", err)
	}

	return &extraction{
		path:       path,
		hash:       hash,
		imageBytes: imageBytes,
		shape:      features.Shape(),
		dtype:      string(features.DType()),
		data:       features.Data(),
		inference:  time.Since(forwardStart),
	}, nil
}

// flush writes one collected batch to the configured sinks
func (p *Pipeline) flush(ctx context.Context, batch []*extraction, result *ProcessingResult) {
	if p.featureStore != nil && p.config.StoreRecords {
		records := make([]*store.FeatureRecord, 0, len(batch))
		for _, ext := range batch {
			records = append(records, &store.FeatureRecord{
				ImageHash:     ext.hash,
				ImagePath:     ext.path,
				Tower:         p.towerName,
				SelectLayer:   p.tower.SelectLayer(),
				SelectFeature: p.tower.SelectFeature(),
				DType:         ext.dtype,
				Shape:         store.FormatShape(ext.shape),
				Vector:        store.EncodeVector(ext.data),
			})
		}

		dbStart := time.Now()
		if _, err := p.featureStore.BatchInsert(ctx, records); err != nil {
			p.logger.Error("Batch insert failed", zap.Error(err))
			result.Errors = append(result.Errors, err.Error())
		}
		result.DatabaseTime += time.Since(dbStart)
	}

	if p.featureCache != nil && p.config.UpdateCache {
		var images [][]byte
		var features []*cache.CachedFeatures
		for _, ext := range batch {
			if ext.fromCache {
				continue
			}
			images = append(images, ext.imageBytes)
			features = append(features, &cache.CachedFeatures{
				Tower:         p.towerName,
				SelectLayer:   p.tower.SelectLayer(),
				SelectFeature: p.tower.SelectFeature(),
				Shape:         ext.shape,
				DType:         ext.dtype,
				Data:          ext.data,
			})
		}

		if len(features) > 0 {
			cacheStart := time.Now()
			if err := p.featureCache.StoreBatch(ctx, images, features); err != nil {
				p.logger.Warn("Failed to update cache", zap.Error(err))
			}
			result.CacheTime += time.Since(cacheStart)
		}
	}

	if p.exporter != nil && p.config.ExportRows {
		exportStart := time.Now()
		for _, ext := range batch {
			row := &export.FeatureRow{
				ImagePath:     ext.path,
				ImageHash:     ext.hash,
				Tower:         p.towerName,
				SelectLayer:   int32(p.tower.SelectLayer()),
				SelectFeature: p.tower.SelectFeature(),
				DType:         ext.dtype,
				Shape:         store.FormatShape(ext.shape),
				Features:      ext.data,
			}
			if err := p.exporter.Write(row); err != nil {
				p.logger.Error("Export write failed", zap.Error(err))
				result.Errors = append(result.Errors, err.Error())
				break
			}
		}
		result.ExportTime += time.Since(exportStart)
	}
}

// maybeReport emits a progress event every ProgressReport images
func (p *Pipeline) maybeReport(result *ProcessingResult) {
	processed := result.ProcessedOK + result.ProcessedFailed
	if processed == 0 || processed%int64(p.config.ProgressReport) != 0 {
		return
	}

	elapsed := time.Since(p.stats.StartTime)
	rate := float64(processed) / elapsed.Seconds()

	p.logger.Info("Extraction progress",
		zap.Int64("processed", processed),
		zap.Int64("ok", result.ProcessedOK),
		zap.Int64("failed", result.ProcessedFailed),
		zap.Float64("rate_per_sec", rate),
		zap.Duration("elapsed", elapsed))

	if p.onProgress != nil {
		p.onProgress(ProgressEvent{
			Tower:     p.towerName,
			Processed: processed,
			Failed:    result.ProcessedFailed,
			Total:     result.TotalImages,
			CacheHits: result.CacheHits,
			Rate:      rate,
			Elapsed:   elapsed,
		})
	}
}

// resetStats resets processing statistics
func (p *Pipeline) resetStats() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stats = &ProcessingStats{
		StartTime: time.Now(),
	}
}

// GetStats returns current processing statistics
func (p *Pipeline) GetStats() *ProcessingStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := *p.stats
	return &stats
}
