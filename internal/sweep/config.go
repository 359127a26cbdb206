// Package sweep contains the scheduled reconciliation jobs that re-drive the
// relationship state machine for edges the live path missed, plus the cleanup
// and retention jobs.
package sweep

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the sweeper's job schedule.
type Config struct {
	// PendingInterval schedules the pending (increment) sweep.
	PendingInterval time.Duration `yaml:"pending_interval"`

	// CancelledInterval schedules the cancelled (decrement) sweep.
	CancelledInterval time.Duration `yaml:"cancelled_interval"`

	// CleanupInterval schedules deletion of FAILED edges.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`

	// RetentionInterval schedules pruning of old stats buckets.
	RetentionInterval time.Duration `yaml:"retention_interval"`

	// ChunkSize bounds each read-process-write pass.
	ChunkSize int `yaml:"chunk_size"`

	// StatsRetention is the horizon beyond which stats buckets are deleted.
	StatsRetention time.Duration `yaml:"stats_retention"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		PendingInterval:   30 * time.Second,
		CancelledInterval: 30 * time.Second,
		CleanupInterval:   10 * time.Minute,
		RetentionInterval: time.Hour,
		ChunkSize:         200,
		StatsRetention:    14 * 24 * time.Hour,
	}
}

// LoadConfig reads a YAML schedule file, overlaying it on the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}

	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultConfig().ChunkSize
	}

	return cfg, nil
}
