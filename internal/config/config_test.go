package config

import (
	"testing"
)

func TestDefaultsAreValid(t *testing.T) {
	if err := validateConfig(GetDefaults()); err != nil {
		t.Errorf("Default configuration should validate: %v", err)
	}
}

func TestValidateConfig(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"BadPort", func(c *Config) { c.Server.Port = 0 }},
		{"NoTowers", func(c *Config) { c.Towers = nil }},
		{"TowerWithoutName", func(c *Config) { c.Towers[0].Name = "" }},
		{"TowerWithoutPath", func(c *Config) { c.Towers[0].Path = "" }},
		{"BadKind", func(c *Config) { c.Towers[0].Kind = "resnet" }},
		{"BadDevice", func(c *Config) { c.Towers[0].Device = "tpu" }},
		{"BadDType", func(c *Config) { c.Towers[0].DType = "bfloat16" }},
		{"DuplicateTower", func(c *Config) { c.Towers = append(c.Towers, c.Towers[0]) }},
		{"BadLogLevel", func(c *Config) { c.Logging.Level = "trace" }},
		{"BadLogFormat", func(c *Config) { c.Logging.Format = "xml" }},
		{"BadCompression", func(c *Config) {
			c.Export.Enabled = true
			c.Export.Compression = "lzma"
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := GetDefaults()
			tc.mutate(cfg)
			if err := validateConfig(cfg); err == nil {
				t.Error("Expected validation error")
			}
		})
	}
}

func TestValidateAcceptsBothKinds(t *testing.T) {
	cfg := GetDefaults()
	cfg.Towers = append(cfg.Towers, TowerConfig{
		Name: "florence",
		Path: "models/florence",
		Kind: "vision2seq",
	})
	if err := validateConfig(cfg); err != nil {
		t.Errorf("vision2seq tower should validate: %v", err)
	}
}
