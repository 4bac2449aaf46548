package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// #region config
// Config holds everything tunable at deploy time. Values resolve in order:
// code defaults, then the YAML file, then REGULATION_* env overrides.
type Config struct {
	DBPath     string `yaml:"db_path"`
	ListenAddr string `yaml:"listen_addr"`

	LatenessWindowMinutes  int `yaml:"lateness_window_minutes"`
	SurfacerTimeoutMillis  int `yaml:"surfacer_timeout_millis"`
	EvalIntervalMinutes    int `yaml:"eval_interval_minutes"`
	SweepIntervalMinutes   int `yaml:"sweep_interval_minutes"`
	RetentionCandidateDays int `yaml:"retention_candidate_days"`

	// TestingMode exposes the candidate-signal transparency endpoint.
	TestingMode bool `yaml:"testing_mode"`

	// PresetCatalogPath overrides the built-in preset catalog.
	PresetCatalogPath string `yaml:"preset_catalog_path"`
}

// Default returns the code defaults.
func Default() Config {
	return Config{
		DBPath:                 "regulation.db",
		ListenAddr:             ":8420",
		LatenessWindowMinutes:  10,
		SurfacerTimeoutMillis:  2000,
		EvalIntervalMinutes:    5,
		SweepIntervalMinutes:   15,
		RetentionCandidateDays: 90,
	}
}

// #endregion config

// #region load
// Load reads the optional YAML file at path (empty path skips the file) and
// applies env overrides on top of defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("load config %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %q: %w", path, err)
		}
	}

	cfg.DBPath = envOr("REGULATION_DB", cfg.DBPath)
	cfg.ListenAddr = envOr("REGULATION_ADDR", cfg.ListenAddr)
	cfg.PresetCatalogPath = envOr("REGULATION_PRESETS", cfg.PresetCatalogPath)
	cfg.LatenessWindowMinutes = envIntOr("REGULATION_LATENESS_MINUTES", cfg.LatenessWindowMinutes)
	cfg.SurfacerTimeoutMillis = envIntOr("REGULATION_SURFACER_TIMEOUT_MS", cfg.SurfacerTimeoutMillis)
	cfg.EvalIntervalMinutes = envIntOr("REGULATION_EVAL_INTERVAL_MINUTES", cfg.EvalIntervalMinutes)
	cfg.SweepIntervalMinutes = envIntOr("REGULATION_SWEEP_INTERVAL_MINUTES", cfg.SweepIntervalMinutes)
	cfg.RetentionCandidateDays = envIntOr("REGULATION_RETENTION_DAYS", cfg.RetentionCandidateDays)
	if v := os.Getenv("REGULATION_TESTING_MODE"); v == "true" {
		cfg.TestingMode = true
	}

	return cfg, nil
}

// #endregion load

// #region durations
// LatenessWindow returns the bounded lateness window as a duration.
func (c Config) LatenessWindow() time.Duration {
	return time.Duration(c.LatenessWindowMinutes) * time.Minute
}

// SurfacerTimeout bounds one per-user evaluation pass.
func (c Config) SurfacerTimeout() time.Duration {
	return time.Duration(c.SurfacerTimeoutMillis) * time.Millisecond
}

// EvalInterval is the periodic surfacer cadence.
func (c Config) EvalInterval() time.Duration {
	return time.Duration(c.EvalIntervalMinutes) * time.Minute
}

// SweepInterval is the active-signal garbage collection cadence.
func (c Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalMinutes) * time.Minute
}

// #endregion durations

// #region helpers
func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// #endregion helpers
