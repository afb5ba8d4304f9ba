package config

import (
	"path/filepath"
	"testing"
)

func TestLoadAppliesDefaultsWithNoFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	cfg, err := Load(filepath.Join(home, "nonexistent.toml"))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Scheduler.MaxWorkers != 3 {
		t.Fatalf("MaxWorkers default = %d, want 3", cfg.Scheduler.MaxWorkers)
	}
	if cfg.Watchdog.LoopThreshold != 3 {
		t.Fatalf("LoopThreshold default = %d, want 3", cfg.Watchdog.LoopThreshold)
	}
	if cfg.Forge.TokenEnvVar != "GH_TOKEN" {
		t.Fatalf("TokenEnvVar default = %q, want GH_TOKEN", cfg.Forge.TokenEnvVar)
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	path := filepath.Join(home, "config.toml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	cfg.Scheduler.MaxWorkers = 7
	cfg.Forge.TokenEnvVar = "CUSTOM_TOKEN"

	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload after Save returned error: %v", err)
	}
	if reloaded.Scheduler.MaxWorkers != 7 {
		t.Fatalf("reloaded MaxWorkers = %d, want 7", reloaded.Scheduler.MaxWorkers)
	}
	if reloaded.Forge.TokenEnvVar != "CUSTOM_TOKEN" {
		t.Fatalf("reloaded TokenEnvVar = %q, want CUSTOM_TOKEN", reloaded.Forge.TokenEnvVar)
	}
}

func TestEnvOverridesTakePrecedenceOverFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("RALPH_STATE_DB_PATH", filepath.Join(home, "override.sqlite"))

	cfg, err := Load(filepath.Join(home, "nonexistent.toml"))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Database.Path != filepath.Join(home, "override.sqlite") {
		t.Fatalf("Database.Path = %q, want env override to win", cfg.Database.Path)
	}
}

func TestExpandHomeExpandsTilde(t *testing.T) {
	got := expandHome("~/foo/bar", "/home/ralph")
	want := filepath.Join("/home/ralph", "foo/bar")
	if got != want {
		t.Fatalf("expandHome = %q, want %q", got, want)
	}

	abs := expandHome("/already/absolute", "/home/ralph")
	if abs != "/already/absolute" {
		t.Fatalf("expandHome should leave absolute paths untouched, got %q", abs)
	}
}
