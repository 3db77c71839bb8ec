// Package config loads and validates the engine's YAML configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EngineConfig is the engine's full configuration, loaded once at
// process start.
type EngineConfig struct {
	Listen       ListenInfo   `yaml:"listen"`
	Limits       LimitsInfo   `yaml:"limits"`
	Pipe         PipeInfo     `yaml:"pipe"`
	Output       OutputInfo   `yaml:"output"`
	Housekeeping HousekeeperInfo `yaml:"housekeeping"`
	Diagnostics  DiagnosticsInfo `yaml:"diagnostics"`
	Throttle     ThrottleInfo `yaml:"throttle"`
	Logging      LoggingInfo  `yaml:"logging"`
}

// ListenInfo names the transport and address the engine accepts
// connections on.
type ListenInfo struct {
	Network string `yaml:"network"` // "unix" or "tcp"
	Address string `yaml:"address"`
}

// LimitsInfo caps concurrent connections and sessions. Zero means
// unlimited for every field.
type LimitsInfo struct {
	MaxConnections           int `yaml:"max_connections"`
	MaxSessions               int `yaml:"max_sessions"`
	MaxSessionsPerConnection int `yaml:"max_sessions_per_connection"`
}

// PipeInfo configures the elastic stdin/data pipe's chunk sizing and
// spill behavior.
type PipeInfo struct {
	MemChunkSize       string `yaml:"mem_chunk_size"`      // e.g. "64kb"
	MaxFileSize        string `yaml:"max_file_size"`       // e.g. "256mb"
	MemoryThreshold    string `yaml:"memory_threshold"`    // e.g. "512mb"
	SpillDir           string `yaml:"spill_dir"`
	SpillCompression   bool   `yaml:"spill_compression"`

	MemChunkSizeRaw  int64 `yaml:"-"`
	MaxFileSizeRaw   int64 `yaml:"-"`
	MemoryThresholdRaw int64 `yaml:"-"`
}

// OutputInfo holds the parsed output.buffer_size setting. Nothing in
// the engine reads it: every session starts with a 4096-byte output
// buffer, changed only by the handler's SetBufferSize.
type OutputInfo struct {
	BufferSize    string `yaml:"buffer_size"`
	BufferSizeRaw int64  `yaml:"-"`
}

// HousekeeperInfo configures the background reaper.
type HousekeeperInfo struct {
	Cron           string        `yaml:"cron"`
	IdleSessionTTL time.Duration `yaml:"idle_session_ttl"`
}

// DiagnosticsInfo configures the periodic resource sampler.
type DiagnosticsInfo struct {
	Interval time.Duration `yaml:"interval"`
}

// ThrottleInfo configures per-connection STDIN/DATA rate limiting.
type ThrottleInfo struct {
	StdinBytesPerSec int64 `yaml:"stdin_bytes_per_sec"`
}

// LoggingInfo configures the engine's slog output.
type LoggingInfo struct {
	Level         string `yaml:"level"`
	Format        string `yaml:"format"`
	File          string `yaml:"file"`
	SessionLogDir string `yaml:"session_log_dir"`
}

// Load reads and validates the YAML configuration at path.
func Load(path string) (*EngineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading engine config: %w", err)
	}

	var cfg EngineConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing engine config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating engine config: %w", err)
	}

	return &cfg, nil
}

func (c *EngineConfig) validate() error {
	if c.Listen.Network == "" {
		c.Listen.Network = "unix"
	}
	c.Listen.Network = strings.ToLower(strings.TrimSpace(c.Listen.Network))
	if c.Listen.Network != "unix" && c.Listen.Network != "tcp" {
		return fmt.Errorf("listen.network must be unix or tcp, got %q", c.Listen.Network)
	}
	if c.Listen.Address == "" {
		return fmt.Errorf("listen.address is required")
	}

	if c.Limits.MaxConnections < 0 {
		return fmt.Errorf("limits.max_connections must not be negative")
	}
	if c.Limits.MaxSessions < 0 {
		return fmt.Errorf("limits.max_sessions must not be negative")
	}
	if c.Limits.MaxSessionsPerConnection < 0 {
		return fmt.Errorf("limits.max_sessions_per_connection must not be negative")
	}

	if c.Pipe.MemChunkSize == "" {
		c.Pipe.MemChunkSize = "64kb"
	}
	parsed, err := ParseByteSize(c.Pipe.MemChunkSize)
	if err != nil {
		return fmt.Errorf("pipe.mem_chunk_size: %w", err)
	}
	if parsed <= 0 {
		return fmt.Errorf("pipe.mem_chunk_size must be > 0, got %s", c.Pipe.MemChunkSize)
	}
	c.Pipe.MemChunkSizeRaw = parsed

	if c.Pipe.MaxFileSize == "" {
		c.Pipe.MaxFileSize = "256mb"
	}
	parsed, err = ParseByteSize(c.Pipe.MaxFileSize)
	if err != nil {
		return fmt.Errorf("pipe.max_file_size: %w", err)
	}
	if parsed <= 0 {
		return fmt.Errorf("pipe.max_file_size must be > 0, got %s", c.Pipe.MaxFileSize)
	}
	c.Pipe.MaxFileSizeRaw = parsed

	if c.Pipe.MemoryThreshold == "" {
		c.Pipe.MemoryThreshold = "512mb"
	}
	parsed, err = ParseByteSize(c.Pipe.MemoryThreshold)
	if err != nil {
		return fmt.Errorf("pipe.memory_threshold: %w", err)
	}
	if parsed <= 0 {
		return fmt.Errorf("pipe.memory_threshold must be > 0, got %s", c.Pipe.MemoryThreshold)
	}
	c.Pipe.MemoryThresholdRaw = parsed

	if c.Pipe.SpillDir == "" {
		return fmt.Errorf("pipe.spill_dir is required")
	}
	if err := os.MkdirAll(c.Pipe.SpillDir, 0o755); err != nil {
		return fmt.Errorf("pipe.spill_dir %q is not creatable: %w", c.Pipe.SpillDir, err)
	}

	if c.Output.BufferSize == "" {
		c.Output.BufferSize = "4kb"
	}
	parsed, err = ParseByteSize(c.Output.BufferSize)
	if err != nil {
		return fmt.Errorf("output.buffer_size: %w", err)
	}
	if parsed <= 0 {
		return fmt.Errorf("output.buffer_size must be > 0, got %s", c.Output.BufferSize)
	}
	c.Output.BufferSizeRaw = parsed

	if c.Housekeeping.Cron != "" && c.Housekeeping.IdleSessionTTL <= 0 {
		c.Housekeeping.IdleSessionTTL = time.Hour
	}

	if c.Throttle.StdinBytesPerSec < 0 {
		return fmt.Errorf("throttle.stdin_bytes_per_sec must not be negative")
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	return nil
}
