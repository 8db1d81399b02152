package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default("PROJ-1")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Project.ID != "PROJ-1" {
		t.Fatalf("project id not seeded")
	}
	if cfg.Limits.MaxParallelAgents != 3 || cfg.Limits.SubagentPolicy != "parallel" {
		t.Fatalf("limits defaults: %+v", cfg.Limits)
	}
	if cfg.Stakes.DefaultLoops["critical"] != 7 {
		t.Fatalf("stakes defaults: %+v", cfg.Stakes.DefaultLoops)
	}
	total := 0
	for _, w := range cfg.Reward.Weights {
		total += w
	}
	if total != 100 {
		t.Fatalf("reward weights must sum to 100, got %d", total)
	}
	if cfg.Truth.Mode != "strict" || len(cfg.Truth.Checks) != 4 {
		t.Fatalf("truth defaults: %+v", cfg.Truth)
	}
}

func TestValidateRejections(t *testing.T) {
	cfg := Default("PROJ-1")
	cfg.Project.ID = ""
	if err := cfg.Validate(); err == nil {
		t.Fatalf("empty project id must fail")
	}
	cfg = Default("PROJ-1")
	cfg.Reward.Target = 150
	if err := cfg.Validate(); err == nil {
		t.Fatalf("target over 100 must fail")
	}
	cfg = Default("PROJ-1")
	cfg.Truth.Mode = "lenient"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("unknown truth mode must fail")
	}
	cfg = Default("PROJ-1")
	cfg.Stakes.DefaultLoops["low"] = 0
	if err := cfg.Validate(); err == nil {
		t.Fatalf("zero loop budget must fail")
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	if err != nil || cfg != nil {
		t.Fatalf("missing file should be nil,nil: %v %v", cfg, err)
	}
	if err := os.WriteFile(filepath.Join(dir, "planloom.yml"), []byte(GenerateDefault("PROJ-2")), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = LoadOptional(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Project.ID != "PROJ-2" {
		t.Fatalf("wrong project id: %s", cfg.Project.ID)
	}
}

func TestLoadFallsBack(t *testing.T) {
	cfg, err := Load(t.TempDir(), "PROJ-3")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Project.ID != "PROJ-3" {
		t.Fatalf("fallback id not used: %s", cfg.Project.ID)
	}
}
