package config

import (
	"fmt"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	// Set defaults
	config := GetDefaults()

	// Configure viper
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath("/etc/vision-tower/")
	viper.AddConfigPath("$HOME/.vision-tower/")

	// Environment variable overrides
	viper.SetEnvPrefix("VISIONTOWER")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Use specific config file if provided
	if configPath != "" {
		viper.SetConfigFile(configPath)
	}

	// Read configuration
	if err := viper.ReadInConfig(); err != nil {
		// Config file not found is not an error - we'll use defaults
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Unmarshal into config struct
	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate configuration
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// validateConfig validates the loaded configuration
func validateConfig(config *Config) error {
	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	if len(config.Towers) == 0 {
		return fmt.Errorf("at least one tower must be configured")
	}

	seen := make(map[string]bool)
	for i, tower := range config.Towers {
		if tower.Name == "" {
			return fmt.Errorf("tower %d: name is required", i)
		}
		if seen[tower.Name] {
			return fmt.Errorf("duplicate tower name: %s", tower.Name)
		}
		seen[tower.Name] = true

		if tower.Path == "" {
			return fmt.Errorf("tower %s: path is required", tower.Name)
		}
		if tower.Kind != "clip" && tower.Kind != "vision2seq" {
			return fmt.Errorf("tower %s: invalid kind: %s (must be clip or vision2seq)", tower.Name, tower.Kind)
		}
		if tower.Device != "" && tower.Device != "cpu" && tower.Device != "cuda" {
			return fmt.Errorf("tower %s: invalid device: %s (must be cpu or cuda)", tower.Name, tower.Device)
		}
		if tower.DType != "" && tower.DType != "float32" && tower.DType != "float16" {
			return fmt.Errorf("tower %s: invalid dtype: %s (must be float32 or float16)", tower.Name, tower.DType)
		}
	}

	if config.Logging.Level != "debug" && config.Logging.Level != "info" && config.Logging.Level != "warn" && config.Logging.Level != "error" {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", config.Logging.Level)
	}

	if config.Logging.Format != "json" && config.Logging.Format != "console" {
		return fmt.Errorf("invalid log format: %s (must be json or console)", config.Logging.Format)
	}

	if config.Export.Enabled {
		switch config.Export.Compression {
		case "", "snappy", "zstd", "none":
		default:
			return fmt.Errorf("invalid export compression: %s (must be snappy, zstd, or none)", config.Export.Compression)
		}
	}

	return nil
}

// Watch starts watching the configuration file for changes
func Watch(config *Config, callback func(*Config)) error {
	viper.WatchConfig()
	viper.OnConfigChange(func(e fsnotify.Event) {
		newConfig := &Config{}
		if err := viper.Unmarshal(newConfig); err != nil {
			// Log error but don't crash
			return
		}

		if err := validateConfig(newConfig); err != nil {
			// Log error but don't crash
			return
		}

		callback(newConfig)
	})

	return nil
}
