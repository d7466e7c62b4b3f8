package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"
)

// Config holds application configuration.
type Config struct {
	// RebuildThreshold is the fraction of a context's concept set that must
	// change before the grammar is rebuilt. Below it, the previous cache
	// entry keeps serving.
	RebuildThreshold float64 `json:"rebuild_threshold"`

	// MaxGrammarSize caps the number of phrases offered to the recognizer.
	// Higher-ranked phrases win when truncating.
	MaxGrammarSize int `json:"max_grammar_size"`

	// MinConfidence gates resolution: recognition results below it are
	// rejected before any strategy runs.
	MinConfidence float64 `json:"min_confidence"`

	// DefaultLocale is applied to phrases and grammar builds when the caller
	// does not supply one.
	DefaultLocale string `json:"default_locale"`

	// CacheExpirySecs is how long a grammar cache entry stays valid.
	CacheExpirySecs int `json:"cache_expiry_secs"`

	// DBMaxOpenConns limits the maximum number of open database connections.
	// If set to 1, all database access is serialized (reduces "database is locked" errors).
	// 0 means use sql.DB default (unlimited). Only set if you experience contention.
	DBMaxOpenConns int `json:"db_max_open_conns,omitempty"`

	// DBMaxIdleConns limits the maximum number of idle database connections.
	// 0 means use sql.DB default. Typically set equal to DBMaxOpenConns.
	DBMaxIdleConns int `json:"db_max_idle_conns,omitempty"`

	// Debug enables verbose logging on the CLI surface.
	Debug bool `json:"debug,omitempty"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		RebuildThreshold: 0.2,
		MaxGrammarSize:   200,
		MinConfidence:    0.5,
		DefaultLocale:    "en-us",
		CacheExpirySecs:  3600,
	}
}

// CacheExpiry returns the cache expiry as a duration.
func (c *Config) CacheExpiry() time.Duration {
	return time.Duration(c.CacheExpirySecs) * time.Second
}

// Load loads configuration from baseDir/config.json.
// Returns default config if the file doesn't exist.
// The baseDir parameter allows tests to use t.TempDir() instead of ~/.voxmux.
func Load(baseDir string) (*Config, error) {
	cfg, err := loadFileRaw(filepath.Join(baseDir, "config.json"))
	if err != nil {
		return nil, err
	}
	return Merge(DefaultConfig(), cfg), nil
}

// loadFileRaw loads configuration from a specific file path.
// Returns zero-valued config if the file doesn't exist (not defaults).
func loadFileRaw(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// File doesn't exist, return zero config
			return &Config{}, nil
		}
		return nil, err
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Merge combines base and overlay configs.
// Overlay values take precedence for scalars; zero means "not set".
func Merge(base, overlay *Config) *Config {
	result := &Config{}

	result.RebuildThreshold = overlay.RebuildThreshold
	if result.RebuildThreshold == 0 {
		result.RebuildThreshold = base.RebuildThreshold
	}

	result.MaxGrammarSize = overlay.MaxGrammarSize
	if result.MaxGrammarSize == 0 {
		result.MaxGrammarSize = base.MaxGrammarSize
	}

	result.MinConfidence = overlay.MinConfidence
	if result.MinConfidence == 0 {
		result.MinConfidence = base.MinConfidence
	}

	result.DefaultLocale = overlay.DefaultLocale
	if result.DefaultLocale == "" {
		result.DefaultLocale = base.DefaultLocale
	}

	result.CacheExpirySecs = overlay.CacheExpirySecs
	if result.CacheExpirySecs == 0 {
		result.CacheExpirySecs = base.CacheExpirySecs
	}

	result.DBMaxOpenConns = overlay.DBMaxOpenConns
	if result.DBMaxOpenConns == 0 {
		result.DBMaxOpenConns = base.DBMaxOpenConns
	}

	result.DBMaxIdleConns = overlay.DBMaxIdleConns
	if result.DBMaxIdleConns == 0 {
		result.DBMaxIdleConns = base.DBMaxIdleConns
	}

	result.Debug = base.Debug || overlay.Debug

	return result
}
