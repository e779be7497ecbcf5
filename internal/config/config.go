// Package config loads and validates the YAML configuration for a
// serindb engine process.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// EngineConfig is the top-level configuration for C1-C13.
type EngineConfig struct {
	DataDir string `yaml:"data_dir"`

	BufferPoolCapacity int `yaml:"buffer_pool_capacity"`
	WALBufferLimit     int `yaml:"wal_buffer_limit"`
	LSMFlushThreshold  int `yaml:"lsm_flush_threshold"`

	Schedule ScheduleConfig `yaml:"schedule"`

	Replication ReplicationConfig `yaml:"replication"`
	Admin       AdminConfig       `yaml:"admin"`

	LogLevel string `yaml:"log_level"`
}

// ScheduleConfig configures the background checkpoint and compaction jobs
// run by internal/scheduler.
type ScheduleConfig struct {
	CheckpointCron  string        `yaml:"checkpoint_cron"`
	CompactionCron  string        `yaml:"compaction_cron"`
	JobTimeout      time.Duration `yaml:"job_timeout"`
}

// ReplicationConfig configures the follower fan-out feed.
type ReplicationConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// AdminConfig configures the HTTP admin/health surface.
type AdminConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// Default returns a configuration usable for local development and tests:
// a 64-page buffer pool, 4 KiB WAL group-commit buffer, a 256-byte LSM
// flush threshold, and checkpoint/compaction jobs running every five and
// fifteen minutes respectively.
func Default(dataDir string) EngineConfig {
	return EngineConfig{
		DataDir:            dataDir,
		BufferPoolCapacity: 64,
		WALBufferLimit:     4096,
		LSMFlushThreshold:  256,
		Schedule: ScheduleConfig{
			CheckpointCron: "0 */5 * * * *",
			CompactionCron: "0 */15 * * * *",
			JobTimeout:     time.Minute,
		},
		Replication: ReplicationConfig{ListenAddr: ":7070"},
		Admin:       AdminConfig{ListenAddr: ":7071"},
		LogLevel:    "info",
	}
}

// Load reads and parses a YAML configuration file at path on top of
// Default("data"): any field the file omits keeps its default value. The
// result is validated before it is returned.
func Load(path string) (EngineConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return EngineConfig{}, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := Default("data")
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return EngineConfig{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return EngineConfig{}, err
	}
	return cfg, nil
}

// Validate checks that every field the storage core depends on is sane.
func (c EngineConfig) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("config: data_dir must not be empty")
	}
	if c.BufferPoolCapacity <= 0 {
		return fmt.Errorf("config: buffer_pool_capacity must be positive, got %d", c.BufferPoolCapacity)
	}
	if c.WALBufferLimit <= 0 {
		return fmt.Errorf("config: wal_buffer_limit must be positive, got %d", c.WALBufferLimit)
	}
	if c.LSMFlushThreshold <= 0 {
		return fmt.Errorf("config: lsm_flush_threshold must be positive, got %d", c.LSMFlushThreshold)
	}
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unrecognized log_level %q", c.LogLevel)
	}
	return nil
}
