// Package config handles Fledge configuration.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all configuration
type Config struct {
	// Paths
	DataDir string `json:"data_dir"`

	// Server
	Server ServerConfig `json:"server"`

	// Engine policy (the tunable surface: thresholds, clamps, durations)
	Policy PolicyConfig `json:"policy"`

	// Features
	Features FeatureConfig `json:"features"`
}

// ServerConfig for the HTTP server
type ServerConfig struct {
	Port int    `json:"port"`
	Host string `json:"host"`
}

// PolicyConfig carries every operator-tunable constant of the engine.
// None of these are hard-coded in the algorithmic core.
type PolicyConfig struct {
	Score     ScorePolicy     `json:"score"`
	Milestone MilestonePolicy `json:"milestone"`
	Grace     GracePolicy     `json:"grace"`
	Reduction ReductionPolicy `json:"reduction"`
}

// ScorePolicy tunes the recency-weighted scorer.
type ScorePolicy struct {
	InitialScore   int           `json:"initial_score"`   // benefit of the doubt
	MaxDailyGain   float64       `json:"max_daily_gain"`  // positive clamp
	MaxDailyLoss   float64       `json:"max_daily_loss"`  // negative clamp magnitude
	RecencyBands   []RecencyBand `json:"recency_bands"`   // step decay
	FallbackWeight float64       `json:"fallback_weight"` // weight past the last band
}

// RecencyBand maps a maximum factor age to a weight.
type RecencyBand struct {
	MaxAgeDays int     `json:"max_age_days"`
	Weight     float64 `json:"weight"`
}

// MilestonePolicy defines the ordered ladder and per-level screenshot cadence.
type MilestonePolicy struct {
	Levels           []LevelPolicy `json:"levels"`
	DipToleranceDays int           `json:"dip_tolerance_days"` // 0 = strict: any dip resets the run
}

// LevelPolicy is one rung of the milestone ladder.
type LevelPolicy struct {
	Name           string `json:"name"`
	ScoreThreshold int    `json:"score_threshold"`
	RequiredDays   int    `json:"required_days"`
	CadenceMinutes int    `json:"cadence_minutes"`
}

// GracePolicy tunes the regression workflow.
type GracePolicy struct {
	GracePeriodDays int `json:"grace_period_days"`
}

// ReductionPolicy tunes the automatic reduction gate.
type ReductionPolicy struct {
	ScoreThreshold        int `json:"score_threshold"`
	SustainedDays         int `json:"sustained_days"`
	GraduationHorizonDays int `json:"graduation_horizon_days"`
}

// FeatureConfig for feature flags
type FeatureConfig struct {
	EnableAPI       bool `json:"enable_api"`
	EnableScheduler bool `json:"enable_scheduler"`
	DebugMode       bool `json:"debug_mode"`
}

// Default returns default configuration
func Default() *Config {
	home, _ := os.UserHomeDir()

	return &Config{
		DataDir: filepath.Join(home, ".fledge"),
		Server: ServerConfig{
			Port: 8080,
			Host: "localhost",
		},
		Policy: PolicyConfig{
			Score: ScorePolicy{
				InitialScore: 70,
				MaxDailyGain: 5,
				MaxDailyLoss: 10,
				RecencyBands: []RecencyBand{
					{MaxAgeDays: 7, Weight: 1.0},
					{MaxAgeDays: 14, Weight: 0.75},
					{MaxAgeDays: 30, Weight: 0.5},
				},
				FallbackWeight: 0.25,
			},
			Milestone: MilestonePolicy{
				Levels: []LevelPolicy{
					{Name: "growing", ScoreThreshold: 75, RequiredDays: 30, CadenceMinutes: 15},
					{Name: "maturing", ScoreThreshold: 85, RequiredDays: 60, CadenceMinutes: 30},
					{Name: "readyForIndependence", ScoreThreshold: 95, RequiredDays: 90, CadenceMinutes: 60},
				},
				DipToleranceDays: 0,
			},
			Grace: GracePolicy{
				GracePeriodDays: 14,
			},
			Reduction: ReductionPolicy{
				ScoreThreshold:        95,
				SustainedDays:         180,
				GraduationHorizonDays: 365,
			},
		},
		Features: FeatureConfig{
			EnableAPI:       true,
			EnableScheduler: true,
			DebugMode:       false,
		},
	}
}

// Load loads config from file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = filepath.Join(cfg.DataDir, "config.json")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnv()
			return cfg, nil // Use defaults
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	cfg.applyEnv()
	return cfg, nil
}

// applyEnv overrides select settings from the environment.
func (c *Config) applyEnv() {
	if dir := os.Getenv("FLEDGE_DATA_DIR"); dir != "" {
		c.DataDir = dir
	}
	if port := os.Getenv("FLEDGE_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.Port = p
		}
	}
	if os.Getenv("FLEDGE_DEBUG") == "1" {
		c.Features.DebugMode = true
	}
}

// Save saves config to file
func (c *Config) Save(path string) error {
	if path == "" {
		path = filepath.Join(c.DataDir, "config.json")
	}

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}
