package cache

import "time"

// CachedFeatures is one tower output stored in the cache. Shape and dtype
// travel with the data so the tensor can be rebuilt exactly.
type CachedFeatures struct {
	Tower         string    `json:"tower"`
	SelectLayer   int       `json:"select_layer"`
	SelectFeature string    `json:"select_feature"`
	Shape         []int     `json:"shape"`
	DType         string    `json:"dtype"`
	Data          []float32 `json:"data"`
	CachedAt      time.Time `json:"cached_at"`
	TTL           int64     `json:"ttl"`
}

// LookupResult represents a cache lookup result
type LookupResult struct {
	Features *CachedFeatures `json:"features"`
	CacheHit bool            `json:"cache_hit"`
}

// Stats represents cache performance statistics
type Stats struct {
	Hits        int64   `json:"hits"`
	Misses      int64   `json:"misses"`
	HitRate     float64 `json:"hit_rate"`
	TotalKeys   int64   `json:"total_keys"`
	MemoryUsage int64   `json:"memory_usage_bytes"`
}

// Config contains cache configuration
type Config struct {
	RedisURL       string        `yaml:"redis_url" mapstructure:"redis_url"`
	MaxConnections int           `yaml:"max_connections" mapstructure:"max_connections"`
	MinIdleConns   int           `yaml:"min_idle_conns" mapstructure:"min_idle_conns"`
	DefaultTTL     time.Duration `yaml:"default_ttl" mapstructure:"default_ttl"`
	KeyPrefix      string        `yaml:"key_prefix" mapstructure:"key_prefix"`
}
