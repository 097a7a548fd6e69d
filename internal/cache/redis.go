package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// FeatureCache handles Redis-based caching of tower outputs, keyed by the
// image bytes and the tower configuration that produced them.
type FeatureCache struct {
	client *redis.Client
	config *Config
	logger *zap.Logger
	stats  *cacheStats
}

// cacheStats tracks cache performance metrics
type cacheStats struct {
	hits   int64
	misses int64
}

// NewFeatureCache creates a new Redis-based feature cache
func NewFeatureCache(config *Config, logger *zap.Logger) (*FeatureCache, error) {
	// Parse Redis URL
	opts, err := redis.ParseURL(config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	// Configure connection pool
	opts.PoolSize = config.MaxConnections
	opts.MinIdleConns = config.MinIdleConns

	client := redis.NewClient(opts)

	cache := &FeatureCache{
		client: client,
		config: config,
		logger: logger,
		stats:  &cacheStats{},
	}

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := cache.ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Feature cache initialized successfully",
		zap.String("redis_url", maskRedisURL(config.RedisURL)),
		zap.Int("max_connections", config.MaxConnections),
		zap.Duration("default_ttl", config.DefaultTTL))

	return cache, nil
}

// ping tests the Redis connection
func (fc *FeatureCache) ping(ctx context.Context) error {
	_, err := fc.client.Ping(ctx).Result()
	return err
}

// Lookup fetches cached features for an image under a tower configuration.
func (fc *FeatureCache) Lookup(ctx context.Context, imageBytes []byte, tower string, selectLayer int, selectFeature string) (*LookupResult, error) {
	start := time.Now()
	cacheKey := fc.featureKey(imageBytes, tower, selectLayer, selectFeature)

	cachedData, err := fc.client.Get(ctx, cacheKey).Result()
	if err == redis.Nil {
		fc.stats.misses++
		fc.logger.Debug("Cache miss", zap.String("key", cacheKey))
		return &LookupResult{CacheHit: false}, nil
	} else if err != nil {
		fc.logger.Error("Cache lookup failed", zap.Error(err))
		return &LookupResult{CacheHit: false}, nil
	}

	var features CachedFeatures
	if err := json.Unmarshal([]byte(cachedData), &features); err != nil {
		fc.logger.Error("Failed to unmarshal cached features", zap.Error(err))
		// Delete corrupted cache entry
		fc.client.Del(ctx, cacheKey)
		return &LookupResult{CacheHit: false}, nil
	}

	fc.stats.hits++
	fc.logger.Debug("Cache hit",
		zap.String("key", cacheKey),
		zap.Ints("shape", features.Shape),
		zap.Duration("duration", time.Since(start)))

	return &LookupResult{Features: &features, CacheHit: true}, nil
}

// Store caches a tower output for an image
func (fc *FeatureCache) Store(ctx context.Context, imageBytes []byte, features *CachedFeatures) error {
	cacheKey := fc.featureKey(imageBytes, features.Tower, features.SelectLayer, features.SelectFeature)

	// Set cache timestamp and TTL
	features.CachedAt = time.Now()
	features.TTL = int64(fc.config.DefaultTTL.Seconds())

	data, err := json.Marshal(features)
	if err != nil {
		return fmt.Errorf("failed to marshal features for caching: %w", err)
	}

	err = fc.client.Set(ctx, cacheKey, data, fc.config.DefaultTTL).Err()
	if err != nil {
		fc.logger.Error("Failed to cache features", zap.Error(err))
		return fmt.Errorf("failed to cache features: %w", err)
	}

	fc.logger.Debug("Features cached successfully",
		zap.String("key", cacheKey),
		zap.String("tower", features.Tower),
		zap.Ints("shape", features.Shape))

	return nil
}

// StoreBatch caches multiple outputs efficiently using a Redis pipeline
func (fc *FeatureCache) StoreBatch(ctx context.Context, imageBatches [][]byte, features []*CachedFeatures) error {
	if len(imageBatches) != len(features) {
		return fmt.Errorf("images and features length mismatch")
	}

	if len(features) == 0 {
		return nil
	}

	pipe := fc.client.Pipeline()

	for i, f := range features {
		cacheKey := fc.featureKey(imageBatches[i], f.Tower, f.SelectLayer, f.SelectFeature)

		f.CachedAt = time.Now()
		f.TTL = int64(fc.config.DefaultTTL.Seconds())

		data, err := json.Marshal(f)
		if err != nil {
			fc.logger.Error("Failed to marshal features for batch caching", zap.Error(err))
			continue
		}

		pipe.Set(ctx, cacheKey, data, fc.config.DefaultTTL)
	}

	// Execute pipeline
	_, err := pipe.Exec(ctx)
	if err != nil {
		fc.logger.Error("Batch cache operation failed", zap.Error(err))
		return fmt.Errorf("batch cache operation failed: %w", err)
	}

	fc.logger.Debug("Batch cache operation completed",
		zap.Int("cached_outputs", len(features)))

	return nil
}

// GetStats returns cache performance statistics
func (fc *FeatureCache) GetStats(ctx context.Context) (*Stats, error) {
	// Get Redis info
	info, err := fc.client.Info(ctx, "memory", "stats").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get Redis info: %w", err)
	}

	stats := &Stats{
		Hits:   fc.stats.hits,
		Misses: fc.stats.misses,
	}

	// Calculate hit rate
	total := stats.Hits + stats.Misses
	if total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total) * 100
	}

	// Parse memory usage from Redis info
	lines := strings.Split(info, "\r\n")
	for _, line := range lines {
		if strings.HasPrefix(line, "used_memory:") {
			if memStr := strings.TrimPrefix(line, "used_memory:"); memStr != "" {
				if mem, err := strconv.ParseInt(memStr, 10, 64); err == nil {
					stats.MemoryUsage = mem
				}
			}
		}
	}

	// Get total keys count
	keys, err := fc.client.DBSize(ctx).Result()
	if err == nil {
		stats.TotalKeys = keys
	}

	return stats, nil
}

// Clear removes all cached features
func (fc *FeatureCache) Clear(ctx context.Context) error {
	pattern := fc.config.KeyPrefix + "*"

	// Use SCAN to find all keys with our prefix
	iter := fc.client.Scan(ctx, 0, pattern, 0).Iterator()
	var keys []string

	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}

	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan cache keys: %w", err)
	}

	if len(keys) == 0 {
		return nil
	}

	// Delete keys in batches
	batchSize := 100
	for i := 0; i < len(keys); i += batchSize {
		end := i + batchSize
		if end > len(keys) {
			end = len(keys)
		}

		if err := fc.client.Del(ctx, keys[i:end]...).Err(); err != nil {
			fc.logger.Error("Failed to delete cache keys", zap.Error(err))
			return fmt.Errorf("failed to delete cache keys: %w", err)
		}
	}

	fc.logger.Info("Cache cleared", zap.Int("deleted_keys", len(keys)))
	return nil
}

// Close closes the Redis connection
func (fc *FeatureCache) Close() error {
	if fc.client != nil {
		return fc.client.Close()
	}
	return nil
}

// featureKey builds a cache key from the image content hash and the tower
// configuration. Same image under different selection settings caches
// separately.
func (fc *FeatureCache) featureKey(imageBytes []byte, tower string, selectLayer int, selectFeature string) string {
	hasher := sha256.New()
	hasher.Write(imageBytes)
	hash := hex.EncodeToString(hasher.Sum(nil))
	return fmt.Sprintf("%s%s:%d:%s:%s", fc.config.KeyPrefix, tower, selectLayer, selectFeature, hash[:24])
}

// maskRedisURL masks sensitive information in Redis URL for logging
func maskRedisURL(url string) string {
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
