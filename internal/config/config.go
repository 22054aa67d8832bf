// Package config loads service configuration.
//
// Precedence, highest first: runtime overrides passed to Load,
// environment variables (GOFETCH_*), an optional gofetch.yaml config
// file, built-in defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config is the full service configuration tree.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
	Health  HealthConfig  `mapstructure:"health"`
	Debug   DebugConfig   `mapstructure:"debug"`
	Jobs    JobsConfig    `mapstructure:"jobs"`
	Limits  LimitsConfig  `mapstructure:"limits"`
	Engine  EngineConfig  `mapstructure:"engine"`
	Allow   AllowConfig   `mapstructure:"allow"`
	Presets PresetsConfig `mapstructure:"presets"`
	Archive ArchiveConfig `mapstructure:"archive"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	TrustProxyHeaders bool          `mapstructure:"trust_proxy_headers"`
}

// LoggingConfig configures the process loggers.
type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
	File    string `mapstructure:"file"`
}

// HealthConfig toggles the health endpoints.
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// DebugConfig toggles debug facilities.
type DebugConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	PprofEnabled bool `mapstructure:"pprof_enabled"`
}

// JobsConfig configures the job runner and lifecycle.
type JobsConfig struct {
	MaxConcurrent   int           `mapstructure:"max_concurrent"`
	QueueDepth      int           `mapstructure:"queue_depth"`
	MaxDuration     time.Duration `mapstructure:"max_duration"`
	Retention       time.Duration `mapstructure:"retention"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval"`
	ScratchDir      string        `mapstructure:"scratch_dir"`
	SingleRetrieval bool          `mapstructure:"single_retrieval"`
	StartRate       float64       `mapstructure:"start_rate"`
}

// LimitsConfig configures per-owner admission limits.
type LimitsConfig struct {
	MaxStartsPerWindow    int           `mapstructure:"max_starts_per_window"`
	Window                time.Duration `mapstructure:"window"`
	MaxConcurrentPerOwner int           `mapstructure:"max_concurrent_per_owner"`
}

// EngineConfig configures the external media engine.
type EngineConfig struct {
	YTDLPPath        string        `mapstructure:"ytdlp_path"`
	FFmpegPath       string        `mapstructure:"ffmpeg_path"`
	ProgressInterval time.Duration `mapstructure:"progress_interval"`
}

// AllowConfig is the submit-time URL allowlist.
type AllowConfig struct {
	Includes []string `mapstructure:"includes"`
	Excludes []string `mapstructure:"excludes"`
}

// PresetsConfig points at an optional user preset file or directory.
type PresetsConfig struct {
	Path string `mapstructure:"path"`
}

// ArchiveConfig configures the optional S3 artifact archive. Disabled
// unless Bucket is set.
type ArchiveConfig struct {
	Bucket         string `mapstructure:"bucket"`
	Prefix         string `mapstructure:"prefix"`
	Region         string `mapstructure:"region"`
	Endpoint       string `mapstructure:"endpoint"`
	Profile        string `mapstructure:"profile"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`
}

// SetDefaults registers every default on the given viper instance. The
// CLI binds the same table onto the global instance so flags and the
// loader agree.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.trust_proxy_headers", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")
	v.SetDefault("logging.file", "")

	v.SetDefault("health.enabled", true)

	v.SetDefault("debug.enabled", false)
	v.SetDefault("debug.pprof_enabled", false)

	v.SetDefault("jobs.max_concurrent", 2)
	v.SetDefault("jobs.queue_depth", 8)
	v.SetDefault("jobs.max_duration", "0s")
	v.SetDefault("jobs.retention", "60s")
	v.SetDefault("jobs.sweep_interval", "0s")
	v.SetDefault("jobs.scratch_dir", "")
	v.SetDefault("jobs.single_retrieval", true)
	v.SetDefault("jobs.start_rate", 0.0)

	v.SetDefault("limits.max_starts_per_window", 3)
	v.SetDefault("limits.window", "60s")
	v.SetDefault("limits.max_concurrent_per_owner", 1)

	v.SetDefault("engine.ytdlp_path", "yt-dlp")
	v.SetDefault("engine.ffmpeg_path", "ffmpeg")
	v.SetDefault("engine.progress_interval", "500ms")

	v.SetDefault("allow.includes", []string{})
	v.SetDefault("allow.excludes", []string{})

	v.SetDefault("presets.path", "")

	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.prefix", "")
	v.SetDefault("archive.region", "")
	v.SetDefault("archive.endpoint", "")
	v.SetDefault("archive.profile", "")
	v.SetDefault("archive.force_path_style", false)
}

// normalize fills derived values after decoding.
func (c *Config) normalize() {
	if c.Jobs.ScratchDir == "" {
		c.Jobs.ScratchDir = filepath.Join(os.TempDir(), "gofetch")
	}
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Jobs.MaxConcurrent < 1 {
		return fmt.Errorf("jobs.max_concurrent must be at least 1, got %d", c.Jobs.MaxConcurrent)
	}
	if c.Jobs.QueueDepth < 1 {
		return fmt.Errorf("jobs.queue_depth must be at least 1, got %d", c.Jobs.QueueDepth)
	}
	if c.Jobs.Retention <= 0 {
		return fmt.Errorf("jobs.retention must be positive, got %s", c.Jobs.Retention)
	}
	if c.Limits.MaxStartsPerWindow > 0 && c.Limits.Window <= 0 {
		return fmt.Errorf("limits.window must be positive when max_starts_per_window is set")
	}
	return nil
}
