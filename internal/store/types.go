package store

import (
	"time"
)

// FeatureRecord is one persisted tower output. The vector column holds the
// raw little-endian float32 data; shape and dtype make it reconstructable.
type FeatureRecord struct {
	ID            int64     `db:"id" json:"id"`
	ImageHash     string    `db:"image_hash" json:"image_hash"`
	ImagePath     string    `db:"image_path" json:"image_path"`
	Tower         string    `db:"tower" json:"tower"`
	SelectLayer   int       `db:"select_layer" json:"select_layer"`
	SelectFeature string    `db:"select_feature" json:"select_feature"`
	DType         string    `db:"dtype" json:"dtype"`
	Shape         string    `db:"shape" json:"shape"`
	Vector        []byte    `db:"vector" json:"-"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

// StoreStats represents database statistics
type StoreStats struct {
	TotalRecords int64 `json:"total_records"`
	TowerCount   int64 `json:"tower_count"`
	TotalBytes   int64 `json:"total_bytes"`
}

// BatchInsertResult represents the result of a batch insert operation
type BatchInsertResult struct {
	Inserted int64         `json:"inserted"`
	Failed   int64         `json:"failed"`
	Duration time.Duration `json:"duration"`
	Errors   []error       `json:"errors,omitempty"`
}
