package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault_PolicyConstants(t *testing.T) {
	cfg := Default()

	if cfg.Policy.Score.InitialScore != 70 {
		t.Errorf("InitialScore = %d, want 70", cfg.Policy.Score.InitialScore)
	}
	if cfg.Policy.Score.MaxDailyGain != 5 || cfg.Policy.Score.MaxDailyLoss != 10 {
		t.Errorf("clamps = +%v/-%v, want +5/-10", cfg.Policy.Score.MaxDailyGain, cfg.Policy.Score.MaxDailyLoss)
	}
	if len(cfg.Policy.Milestone.Levels) != 3 {
		t.Fatalf("got %d milestone levels, want 3", len(cfg.Policy.Milestone.Levels))
	}
	if cfg.Policy.Milestone.Levels[2].Name != "readyForIndependence" {
		t.Errorf("top level = %s", cfg.Policy.Milestone.Levels[2].Name)
	}
	if cfg.Policy.Grace.GracePeriodDays != 14 {
		t.Errorf("GracePeriodDays = %d, want 14", cfg.Policy.Grace.GracePeriodDays)
	}
	if cfg.Policy.Reduction.SustainedDays != 180 {
		t.Errorf("SustainedDays = %d, want 180", cfg.Policy.Reduction.SustainedDays)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Server.Port)
	}
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg := Default()
	cfg.Server.Port = 9999
	cfg.Policy.Grace.GracePeriodDays = 7
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Server.Port != 9999 {
		t.Errorf("Port = %d, want 9999", loaded.Server.Port)
	}
	if loaded.Policy.Grace.GracePeriodDays != 7 {
		t.Errorf("GracePeriodDays = %d, want 7", loaded.Policy.Grace.GracePeriodDays)
	}
}

func TestApplyEnv(t *testing.T) {
	os.Setenv("FLEDGE_PORT", "7070")
	os.Setenv("FLEDGE_DEBUG", "1")
	defer os.Unsetenv("FLEDGE_PORT")
	defer os.Unsetenv("FLEDGE_DEBUG")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("Port = %d, want 7070", cfg.Server.Port)
	}
	if !cfg.Features.DebugMode {
		t.Error("DebugMode should be enabled")
	}
}
