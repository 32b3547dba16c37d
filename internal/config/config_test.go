package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"proxmoxcore/internal/chunkstore"
	"proxmoxcore/internal/prune"
)

func TestLoadFillsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "datastore.json")
	raw := `{"datastore_name":"backup","root_path":"/srv/backup"}`
	if err := os.WriteFile(path, []byte(raw), 0o640); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.VerifyWorkers != defaultVerifyWorkers {
		t.Errorf("VerifyWorkers = %d, want %d", cfg.VerifyWorkers, defaultVerifyWorkers)
	}
	if cfg.GCSafetyMargin != chunkstore.MinGCSafetyMargin {
		t.Errorf("GCSafetyMargin = %s, want %s", cfg.GCSafetyMargin, chunkstore.MinGCSafetyMargin)
	}
}

func TestLoadRejectsLowSafetyMargin(t *testing.T) {
	path := filepath.Join(t.TempDir(), "datastore.json")
	raw := `{"datastore_name":"backup","root_path":"/srv/backup","gc_safety_margin":60000000000}`
	if err := os.WriteFile(path, []byte(raw), 0o640); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected error for gc_safety_margin below minimum")
	}
}

func TestLoadRequiresRootPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "datastore.json")
	raw := `{"datastore_name":"backup"}`
	if err := os.WriteFile(path, []byte(raw), 0o640); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected error for missing root_path")
	}
}

func TestSaveThenLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "datastore.json")
	keepLast := uint64(3)
	cfg := &Config{
		DatastoreName:  "backup",
		RootPath:       "/srv/backup",
		GCSafetyMargin: chunkstore.MinGCSafetyMargin + time.Hour,
		DefaultKeep:    prune.KeepSpec{KeepLast: &keepLast},
		VerifyWorkers:  8,
	}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.DatastoreName != cfg.DatastoreName || got.RootPath != cfg.RootPath || got.VerifyWorkers != cfg.VerifyWorkers {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, cfg)
	}
}
