package config

import (
	"path/filepath"
	"testing"
)

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg := Default()
	cfg.DefaultProfile = "work"
	cfg.UserID = "uid-a"
	cfg.Store.Backend = "memory"
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultProfile != "work" {
		t.Errorf("DefaultProfile = %q, want %q", loaded.DefaultProfile, "work")
	}
	if loaded.UserID != "uid-a" {
		t.Errorf("UserID = %q, want %q", loaded.UserID, "uid-a")
	}
	if loaded.Store.Backend != "memory" {
		t.Errorf("Store.Backend = %q, want %q", loaded.Store.Backend, "memory")
	}
}

func TestLoadMissing(t *testing.T) {
	if _, err := Load("/nonexistent/config.toml"); err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Store.Backend != "redis" {
		t.Errorf("default backend = %q, want redis", cfg.Store.Backend)
	}
	if len(cfg.Call.STUNServers) == 0 {
		t.Error("default config should carry STUN servers")
	}
}
