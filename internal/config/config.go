// Package config loads the service configuration from YAML, filling in
// the same defaults a bare install would get. The core reads no
// environment variables; everything arrives through this file or through
// constructor options.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BlackVectorOps/hostguard/pkg/models"
)

// Config is the root document.
type Config struct {
	// DataDir anchors the default database, quarantine and cache layout.
	DataDir string `yaml:"data_dir"`

	DatabasePath  string `yaml:"database_path"`
	QuarantineDir string `yaml:"quarantine_dir"`

	Cache      CacheConfig      `yaml:"cache"`
	Monitor    MonitorConfig    `yaml:"monitor"`
	Scan       ScanConfig       `yaml:"scan"`
	Heuristics HeuristicsConfig `yaml:"heuristics"`
	Intel      IntelConfig      `yaml:"intel"`
	Schedule   ScheduleConfig   `yaml:"schedule"`
}

type CacheConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type MonitorConfig struct {
	Workers      int      `yaml:"workers"`
	ScanDelayMS  int      `yaml:"scan_delay_ms"`
	WatchPaths   []string `yaml:"watch_paths"`
	ScanArchives bool     `yaml:"scan_archives"`
}

func (m MonitorConfig) ScanDelay() time.Duration {
	return time.Duration(m.ScanDelayMS) * time.Millisecond
}

type ScanConfig struct {
	MaxFileSize    int64    `yaml:"max_file_size"`
	Extensions     []string `yaml:"extensions"`
	Exclusions     []string `yaml:"exclusions"`
	FollowSymlinks bool     `yaml:"follow_symlinks"`
	SystemPaths    []string `yaml:"system_paths"`
	QuickPaths     []string `yaml:"quick_paths"`
	FullPaths      []string `yaml:"full_paths"`
}

type HeuristicsConfig struct {
	Enabled          bool    `yaml:"enabled"`
	EntropyThreshold float64 `yaml:"entropy_threshold"`
}

type IntelConfig struct {
	Enabled            bool   `yaml:"enabled"`
	ServerURL          string `yaml:"server_url"`
	APIKey             string `yaml:"api_key"`
	RefreshIntervalMin int    `yaml:"refresh_interval_minutes"`
}

type ScheduleConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Type       string `yaml:"type"` // daily, weekly, monthly
	Hour       int    `yaml:"hour"`
	DayOfWeek  int    `yaml:"day_of_week"`  // 0 = Sunday
	DayOfMonth int    `yaml:"day_of_month"` // 1-31
	Kind       string `yaml:"kind"`         // quick, full, system
}

// Default returns the configuration of a bare install rooted at dataDir.
func Default(dataDir string) *Config {
	return &Config{
		DataDir:       dataDir,
		DatabasePath:  filepath.Join(dataDir, "Database", "signatures.db"),
		QuarantineDir: filepath.Join(dataDir, "Quarantine"),
		Cache: CacheConfig{
			Enabled: true,
			Path:    filepath.Join(dataDir, "Cache"),
		},
		Monitor: MonitorConfig{
			Workers:      models.DefaultMonitorWorkers,
			ScanDelayMS:  int(models.DefaultScanDelay / time.Millisecond),
			ScanArchives: true,
		},
		Scan: ScanConfig{
			MaxFileSize: models.MaxScanSize,
		},
		Heuristics: HeuristicsConfig{
			Enabled:          true,
			EntropyThreshold: models.DefaultEntropyThreshold,
		},
		Schedule: ScheduleConfig{
			Type: "daily",
			Hour: 2,
			Kind: "quick",
		},
	}
}

// Load reads path and overlays it on the defaults. A missing file is not
// an error: the defaults stand.
func Load(path, dataDir string) (*Config, error) {
	cfg := Default(dataDir)

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("%w: config: %v", models.ErrFormat, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Monitor.Workers < 0 {
		return fmt.Errorf("%w: monitor.workers must not be negative", models.ErrFormat)
	}
	if c.Heuristics.EntropyThreshold < 0 || c.Heuristics.EntropyThreshold > 8 {
		return fmt.Errorf("%w: heuristics.entropy_threshold outside [0, 8]", models.ErrFormat)
	}
	if c.Schedule.Hour < 0 || c.Schedule.Hour > 23 {
		return fmt.Errorf("%w: schedule.hour outside [0, 23]", models.ErrFormat)
	}
	switch c.Schedule.Type {
	case "", "daily", "weekly", "monthly":
	default:
		return fmt.Errorf("%w: schedule.type %q", models.ErrFormat, c.Schedule.Type)
	}
	switch c.Schedule.Kind {
	case "", "quick", "full", "system":
	default:
		return fmt.Errorf("%w: schedule.kind %q", models.ErrFormat, c.Schedule.Kind)
	}
	if c.Intel.Enabled && c.Intel.ServerURL == "" {
		return fmt.Errorf("%w: intel.enabled without intel.server_url", models.ErrFormat)
	}
	return nil
}

// ScanKind maps the schedule's kind string onto the orchestrator enum.
func (s ScheduleConfig) ScanKind() models.ScanKind {
	switch s.Kind {
	case "full":
		return models.ScanFull
	case "system":
		return models.ScanSystem
	}
	return models.ScanQuick
}
