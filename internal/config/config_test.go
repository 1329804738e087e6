package config

import (
	"path/filepath"
	"testing"
)

func TestLoadWritesDefaultWhenMissing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RefreshTimeMinutes != 15 {
		t.Fatalf("expected default refresh_time 15, got %d", cfg.RefreshTimeMinutes)
	}

	cfg2, err := Load(path)
	if err != nil {
		t.Fatalf("Load (second time, from disk): %v", err)
	}
	if cfg2.EOS.Server != cfg.EOS.Server {
		t.Fatalf("expected persisted config to round-trip")
	}
}

func TestValidateRejectsTimeoutExceedingRefreshPeriod(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RefreshTimeMinutes = 1
	cfg.EOS.Timeout = 180
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error when eos.timeout exceeds refresh period")
	}
}

func TestValidateRejectsMissingPVField(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PVForecast = []PVArrayConfig{{Name: "roof", Power: 0}}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for missing power field")
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected default config to validate, got %v", err)
	}
}
