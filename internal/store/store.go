package store

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// Store persists tower outputs in PostgreSQL
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// Config contains database configuration
type Config struct {
	DatabaseURL     string        `yaml:"database_url" mapstructure:"database_url"`
	MaxOpenConns    int           `yaml:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
}

const schema = `
CREATE TABLE IF NOT EXISTS feature_records (
	id BIGSERIAL PRIMARY KEY,
	image_hash TEXT NOT NULL,
	image_path TEXT NOT NULL DEFAULT '',
	tower TEXT NOT NULL,
	select_layer INTEGER NOT NULL,
	select_feature TEXT NOT NULL,
	dtype TEXT NOT NULL,
	shape TEXT NOT NULL,
	vector BYTEA NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (image_hash, tower, select_layer, select_feature)
)`

// NewStore creates a new feature store instance
func NewStore(config *Config, logger *zap.Logger) (*Store, error) {
	db, err := sqlx.Connect("postgres", config.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	store := &Store{
		db:     db,
		logger: logger,
	}

	if err := store.initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	logger.Info("Feature store initialized successfully",
		zap.String("database_url", maskDatabaseURL(config.DatabaseURL)),
		zap.Int("max_open_conns", config.MaxOpenConns),
		zap.Int("max_idle_conns", config.MaxIdleConns))

	return store, nil
}

// initialize checks the connection and ensures the schema exists
func (s *Store) initialize() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}

	return nil
}

// Insert adds a new feature record to the database
func (s *Store) Insert(ctx context.Context, record *FeatureRecord) error {
	query := `
		INSERT INTO feature_records (image_hash, image_path, tower, select_layer, select_feature, dtype, shape, vector)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (image_hash, tower, select_layer, select_feature) DO UPDATE SET vector = EXCLUDED.vector
		RETURNING id, created_at`

	err := s.db.QueryRowContext(ctx, query,
		record.ImageHash,
		record.ImagePath,
		record.Tower,
		record.SelectLayer,
		record.SelectFeature,
		record.DType,
		record.Shape,
		record.Vector,
	).Scan(&record.ID, &record.CreatedAt)

	if err != nil {
		s.logger.Error("Failed to insert feature record",
			zap.Error(err),
			zap.String("image_hash", record.ImageHash),
			zap.String("tower", record.Tower))
		return fmt.Errorf("failed to insert feature record: %w", err)
	}

	s.logger.Debug("Feature record inserted",
		zap.Int64("id", record.ID),
		zap.String("tower", record.Tower),
		zap.String("shape", record.Shape))

	return nil
}

// BatchInsert adds multiple feature records efficiently
func (s *Store) BatchInsert(ctx context.Context, records []*FeatureRecord) (*BatchInsertResult, error) {
	if len(records) == 0 {
		return &BatchInsertResult{}, nil
	}

	start := time.Now()
	result := &BatchInsertResult{}

	valueStrings := make([]string, 0, len(records))
	valueArgs := make([]interface{}, 0, len(records)*8)

	for i, record := range records {
		valueStrings = append(valueStrings, fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			i*8+1, i*8+2, i*8+3, i*8+4, i*8+5, i*8+6, i*8+7, i*8+8))
		valueArgs = append(valueArgs,
			record.ImageHash,
			record.ImagePath,
			record.Tower,
			record.SelectLayer,
			record.SelectFeature,
			record.DType,
			record.Shape,
			record.Vector,
		)
	}

	query := fmt.Sprintf(`
		INSERT INTO feature_records (image_hash, image_path, tower, select_layer, select_feature, dtype, shape, vector)
		VALUES %s
		ON CONFLICT (image_hash, tower, select_layer, select_feature) DO NOTHING`,
		strings.Join(valueStrings, ","))

	res, err := s.db.ExecContext(ctx, query, valueArgs...)
	if err != nil {
		result.Failed = int64(len(records))
		result.Errors = []error{err}
		s.logger.Error("Batch insert failed", zap.Error(err))
		return result, fmt.Errorf("batch insert failed: %w", err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		s.logger.Warn("Could not get rows affected", zap.Error(err))
		inserted = int64(len(records))
	}

	result.Inserted = inserted
	result.Duration = time.Since(start)
	duplicates := int64(len(records)) - inserted

	s.logger.Info("Batch insert completed",
		zap.Int64("inserted", result.Inserted),
		zap.Int64("duplicates_skipped", duplicates),
		zap.Duration("duration", result.Duration))

	return result, nil
}

// GetByImage fetches the stored record for an image hash under one tower
// configuration, or nil when absent.
func (s *Store) GetByImage(ctx context.Context, imageHash, tower string, selectLayer int, selectFeature string) (*FeatureRecord, error) {
	query := `
		SELECT id, image_hash, image_path, tower, select_layer, select_feature, dtype, shape, vector, created_at
		FROM feature_records
		WHERE image_hash = $1 AND tower = $2 AND select_layer = $3 AND select_feature = $4`

	var record FeatureRecord
	err := s.db.GetContext(ctx, &record, query, imageHash, tower, selectLayer, selectFeature)
	if err != nil {
		if strings.Contains(err.Error(), "no rows") {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to fetch feature record: %w", err)
	}

	return &record, nil
}

// GetStats returns database statistics
func (s *Store) GetStats(ctx context.Context) (*StoreStats, error) {
	stats := &StoreStats{}

	query := `
		SELECT
			COUNT(*) as total,
			COUNT(DISTINCT tower) as towers,
			COALESCE(SUM(octet_length(vector)), 0) as bytes
		FROM feature_records`

	err := s.db.QueryRowContext(ctx, query).Scan(
		&stats.TotalRecords,
		&stats.TowerCount,
		&stats.TotalBytes,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get store stats: %w", err)
	}

	return stats, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Helper functions

// EncodeVector converts float32 data to little-endian bytes for the vector
// column.
func EncodeVector(data []float32) []byte {
	buf := make([]byte, len(data)*4)
	for i, v := range data {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// DecodeVector converts the vector column back to float32 data
func DecodeVector(buf []byte) ([]float32, error) {
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("vector byte length %d is not a multiple of 4", len(buf))
	}
	data := make([]float32, len(buf)/4)
	for i := range data {
		data[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return data, nil
}

// FormatShape renders a tensor shape as a compact column value
func FormatShape(shape []int) string {
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = strconv.Itoa(d)
	}
	return strings.Join(parts, "x")
}

// ParseShape parses a shape column value back to dimensions
func ParseShape(s string) ([]int, error) {
	if s == "" {
		return nil, fmt.Errorf("empty shape")
	}
	parts := strings.Split(s, "x")
	shape := make([]int, len(parts))
	for i, p := range parts {
		d, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("bad shape %q: %w", s, err)
		}
		shape[i] = d
	}
	return shape, nil
}

// maskDatabaseURL masks sensitive information in database URL for logging
func maskDatabaseURL(url string) string {
	if strings.Contains(url, "@") {
		parts := strings.Split(url, "@")
		if len(parts) >= 2 {
			userPart := parts[0]
			if strings.Contains(userPart, ":") {
				userParts := strings.Split(userPart, ":")
				if len(userParts) >= 3 {
					userParts[len(userParts)-1] = "***"
					parts[0] = strings.Join(userParts, ":")
				}
			}
			return strings.Join(parts, "@")
		}
	}
	return url
}
