package etl

import (
	"path/filepath"
	"strings"
	"time"
)

// ProcessingResult represents the result of processing an image set
type ProcessingResult struct {
	TotalImages     int64         `json:"total_images"`
	ProcessedOK     int64         `json:"processed_ok"`
	ProcessedFailed int64         `json:"processed_failed"`
	CacheHits       int64         `json:"cache_hits"`
	Duration        time.Duration `json:"duration"`
	InferenceTime   time.Duration `json:"inference_time"`
	DatabaseTime    time.Duration `json:"database_time"`
	CacheTime       time.Duration `json:"cache_time"`
	ExportTime      time.Duration `json:"export_time"`
	Errors          []string      `json:"errors,omitempty"`
}

// Config contains extraction pipeline configuration
type Config struct {
	BatchSize      int  `yaml:"batch_size" mapstructure:"batch_size"`           // 64
	WorkerCount    int  `yaml:"worker_count" mapstructure:"worker_count"`       // 4
	SkipCached     bool `yaml:"skip_cached" mapstructure:"skip_cached"`         // true
	UpdateCache    bool `yaml:"update_cache" mapstructure:"update_cache"`       // true
	StoreRecords   bool `yaml:"store_records" mapstructure:"store_records"`     // true
	ExportRows     bool `yaml:"export_rows" mapstructure:"export_rows"`         // false
	ProgressReport int  `yaml:"progress_report" mapstructure:"progress_report"` // 100
}

// ProgressEvent is a periodic snapshot of a running extraction, suitable for
// broadcasting to live subscribers.
type ProgressEvent struct {
	Tower     string        `json:"tower"`
	Processed int64         `json:"processed"`
	Failed    int64         `json:"failed"`
	Total     int64         `json:"total"`
	CacheHits int64         `json:"cache_hits"`
	Rate      float64       `json:"rate_per_sec"`
	Elapsed   time.Duration `json:"elapsed"`
}

// ProcessingStats tracks real-time processing statistics
type ProcessingStats struct {
	StartTime      time.Time `json:"start_time"`
	ImagesRead     int64     `json:"images_read"`
	ImagesValid    int64     `json:"images_valid"`
	ImagesInvalid  int64     `json:"images_invalid"`
	ForwardPasses  int64     `json:"forward_passes"`
	DatabaseWrites int64     `json:"database_writes"`
	CacheWrites    int64     `json:"cache_writes"`
	ProcessingRate float64   `json:"processing_rate"` // images per second
}

// imageExtensions are the file types the decoders understand
var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".bmp":  true,
	".tiff": true,
	".webp": true,
}

// IsImageFile reports whether a path has a decodable image extension
func IsImageFile(path string) bool {
	return imageExtensions[strings.ToLower(filepath.Ext(path))]
}
