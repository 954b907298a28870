// Package config handles configuration loading for the MeetMap indicator server.
package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the server configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Store   StoreConfig   `yaml:"store"`
	Rebuild RebuildConfig `yaml:"rebuild"`
	Cache   CacheConfig   `yaml:"cache"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// StoreConfig contains external document store settings. The API key is
// usually injected via MEETMAP_STORE_API_KEY rather than committed in YAML.
type StoreConfig struct {
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	PageSize       int    `yaml:"page_size"`
	BatchSize      int    `yaml:"batch_size"`
	MaxPoints      int    `yaml:"max_points"`
	MaxResults     int    `yaml:"max_results"`
}

// RebuildConfig contains rebuild job settings.
type RebuildConfig struct {
	Workers      int    `yaml:"workers"`
	SnapshotPath string `yaml:"snapshot_path"`
	RunsDBPath   string `yaml:"runs_db_path"`
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	ViewportSizeMB     int `yaml:"viewport_size_mb"`
	ViewportTTLMinutes int `yaml:"viewport_ttl_minutes"`
	LookupCacheSize    int `yaml:"lookup_cache_size"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Return default config if file doesn't exist
		cfg := DefaultConfig()
		applyEnv(cfg)
		return cfg, nil
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Apply defaults for missing values
	applyDefaults(&cfg)
	applyEnv(&cfg)

	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Store: StoreConfig{
			TimeoutSeconds: 30,
			PageSize:       1000,
			BatchSize:      500,
			MaxPoints:      200000,
			MaxResults:     2000,
		},
		Rebuild: RebuildConfig{
			Workers:      4,
			SnapshotPath: "./data/clusters.json.zst",
			RunsDBPath:   "./data/runs.db",
		},
		Cache: CacheConfig{
			ViewportSizeMB:     64,
			ViewportTTLMinutes: 10,
			LookupCacheSize:    1024,
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Store.TimeoutSeconds == 0 {
		cfg.Store.TimeoutSeconds = defaults.Store.TimeoutSeconds
	}
	if cfg.Store.PageSize == 0 {
		cfg.Store.PageSize = defaults.Store.PageSize
	}
	if cfg.Store.BatchSize == 0 {
		cfg.Store.BatchSize = defaults.Store.BatchSize
	}
	if cfg.Store.MaxPoints == 0 {
		cfg.Store.MaxPoints = defaults.Store.MaxPoints
	}
	if cfg.Store.MaxResults == 0 {
		cfg.Store.MaxResults = defaults.Store.MaxResults
	}
	if cfg.Rebuild.Workers == 0 {
		cfg.Rebuild.Workers = defaults.Rebuild.Workers
	}
	if cfg.Rebuild.SnapshotPath == "" {
		cfg.Rebuild.SnapshotPath = defaults.Rebuild.SnapshotPath
	}
	if cfg.Rebuild.RunsDBPath == "" {
		cfg.Rebuild.RunsDBPath = defaults.Rebuild.RunsDBPath
	}
	if cfg.Cache.ViewportSizeMB == 0 {
		cfg.Cache.ViewportSizeMB = defaults.Cache.ViewportSizeMB
	}
	if cfg.Cache.ViewportTTLMinutes == 0 {
		cfg.Cache.ViewportTTLMinutes = defaults.Cache.ViewportTTLMinutes
	}
	if cfg.Cache.LookupCacheSize == 0 {
		cfg.Cache.LookupCacheSize = defaults.Cache.LookupCacheSize
	}
}

// applyEnv lets the environment override secrets and deploy-specific values.
func applyEnv(cfg *Config) {
	if v := os.Getenv("MEETMAP_STORE_URL"); v != "" {
		cfg.Store.BaseURL = v
	}
	if v := os.Getenv("MEETMAP_STORE_API_KEY"); v != "" {
		cfg.Store.APIKey = v
	}
}
