package config

import "time"

// Config represents the main configuration structure
type Config struct {
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Runtime   RuntimeConfig   `yaml:"runtime" mapstructure:"runtime"`
	Towers    []TowerConfig   `yaml:"towers" mapstructure:"towers"`
	Cache     CacheConfig     `yaml:"cache" mapstructure:"cache"`
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Export    ExportConfig    `yaml:"export" mapstructure:"export"`
	Logging   LoggingConfig   `yaml:"logging" mapstructure:"logging"`
	WebSocket WebSocketConfig `yaml:"websocket" mapstructure:"websocket"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port         int           `yaml:"port" mapstructure:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout"`
	MaxImageMB   int           `yaml:"max_image_mb" mapstructure:"max_image_mb"`
	RateLimit    struct {
		Enabled           bool    `yaml:"enabled" mapstructure:"enabled"`
		RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
		Burst             int     `yaml:"burst" mapstructure:"burst"`
	} `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// RuntimeConfig contains inference runtime configuration
type RuntimeConfig struct {
	SharedLibPath string `yaml:"shared_lib_path" mapstructure:"shared_lib_path"`
}

// TowerConfig describes one vision tower to load
type TowerConfig struct {
	Name          string `yaml:"name" mapstructure:"name"`
	Path          string `yaml:"path" mapstructure:"path"`
	Kind          string `yaml:"kind" mapstructure:"kind"` // clip or vision2seq
	SelectLayer   int    `yaml:"select_layer" mapstructure:"select_layer"`
	SelectFeature string `yaml:"select_feature" mapstructure:"select_feature"` // patch or cls_patch
	PadSquare     bool   `yaml:"pad_square" mapstructure:"pad_square"`
	Device        string `yaml:"device" mapstructure:"device"`                 // cpu or cuda
	DType         string `yaml:"dtype" mapstructure:"dtype"`                   // float32 or float16
	DelayLoad     bool   `yaml:"delay_load" mapstructure:"delay_load"`
	Unfreeze      bool   `yaml:"unfreeze" mapstructure:"unfreeze"`
	TaskSet       string `yaml:"task_set" mapstructure:"task_set"` // vision2seq only
}

// CacheConfig contains Redis feature cache configuration
type CacheConfig struct {
	Enabled      bool          `yaml:"enabled" mapstructure:"enabled"`
	RedisURL     string        `yaml:"redis_url" mapstructure:"redis_url"`
	TTL          time.Duration `yaml:"ttl" mapstructure:"ttl"`
	KeyPrefix    string        `yaml:"key_prefix" mapstructure:"key_prefix"`
	DialTimeout  time.Duration `yaml:"dial_timeout" mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	PoolSize     int           `yaml:"pool_size" mapstructure:"pool_size"`
}

// StoreConfig contains Postgres feature store configuration
type StoreConfig struct {
	Enabled         bool          `yaml:"enabled" mapstructure:"enabled"`
	DatabaseURL     string        `yaml:"database_url" mapstructure:"database_url"`
	MaxConnections  int           `yaml:"max_connections" mapstructure:"max_connections"`
	MaxIdleConns    int           `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
}

// ExportConfig contains Parquet feature export configuration
type ExportConfig struct {
	Enabled     bool   `yaml:"enabled" mapstructure:"enabled"`
	Dir         string `yaml:"dir" mapstructure:"dir"`
	RowsPerFile int    `yaml:"rows_per_file" mapstructure:"rows_per_file"`
	Compression string `yaml:"compression" mapstructure:"compression"` // snappy, zstd, or none
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"` // json or console
	File   struct {
		Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
		Path    string `yaml:"path" mapstructure:"path"`
	} `yaml:"file" mapstructure:"file"`
}

// WebSocketConfig contains WebSocket progress feed configuration
type WebSocketConfig struct {
	Enabled         bool          `yaml:"enabled" mapstructure:"enabled"`
	Path            string        `yaml:"path" mapstructure:"path"`
	MaxConnections  int           `yaml:"max_connections" mapstructure:"max_connections"`
	ReadBufferSize  int           `yaml:"read_buffer_size" mapstructure:"read_buffer_size"`
	WriteBufferSize int           `yaml:"write_buffer_size" mapstructure:"write_buffer_size"`
	PingInterval    time.Duration `yaml:"ping_interval" mapstructure:"ping_interval"`
	PongTimeout     time.Duration `yaml:"pong_timeout" mapstructure:"pong_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	MaxMessageSize  int64         `yaml:"max_message_size" mapstructure:"max_message_size"`
	AllowedOrigins  []string      `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// GetDefaults returns a configuration with sensible defaults
func GetDefaults() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  60 * time.Second,
			MaxImageMB:   20,
		},
		Towers: []TowerConfig{
			{
				Name:          "clip-vit-large",
				Path:          "models/clip-vit-large-patch14-336",
				Kind:          "clip",
				SelectLayer:   -2,
				SelectFeature: "patch",
				Device:        "cpu",
				DType:         "float32",
			},
		},
		Cache: CacheConfig{
			Enabled:      false,
			RedisURL:     "redis://localhost:6379/0",
			TTL:          24 * time.Hour,
			KeyPrefix:    "vt:features:",
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
			PoolSize:     10,
		},
		Store: StoreConfig{
			Enabled:         false,
			DatabaseURL:     "postgres://localhost:5432/vision_tower?sslmode=disable",
			MaxConnections:  25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Export: ExportConfig{
			Enabled:     false,
			Dir:         "exports",
			RowsPerFile: 10000,
			Compression: "snappy",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		WebSocket: WebSocketConfig{
			Enabled:         true,
			Path:            "/ws",
			MaxConnections:  100,
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			PingInterval:    54 * time.Second,
			PongTimeout:     60 * time.Second,
			WriteTimeout:    10 * time.Second,
			MaxMessageSize:  512,
			AllowedOrigins:  []string{"*"},
		},
	}
	cfg.Server.RateLimit.Enabled = true
	cfg.Server.RateLimit.RequestsPerSecond = 10
	cfg.Server.RateLimit.Burst = 20
	cfg.Logging.File.Path = "logs/towerd.log"
	return cfg
}
