// Package config provides configuration persistence for a datastore.
//
// Config describes the desired shape of a single datastore and is
// load-on-start only, consistent with the original gastrolog config
// package's own design: it is not hot-reloaded, and it is never read on
// the chunk-store, session, or verify hot path.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"proxmoxcore/internal/chunkstore"
	"proxmoxcore/internal/prune"
)

// Config describes the desired shape of a datastore: where it lives on
// disk and the policy defaults applied when a caller doesn't override
// them (GC safety margin, prune retention, verify worker count).
type Config struct {
	DatastoreName  string         `json:"datastore_name"`
	RootPath       string         `json:"root_path"`
	GCSafetyMargin time.Duration  `json:"gc_safety_margin"`
	DefaultKeep    prune.KeepSpec `json:"default_keep"`
	VerifyWorkers  int            `json:"verify_workers"`
}

// defaultVerifyWorkers matches the verify package's own bounded fan-out
// default so a config file that omits verify_workers behaves the same as
// passing a zero-value Options to verify.New.
const defaultVerifyWorkers = 4

// FileName is the fixed config filename `datastore create` writes at the
// datastore root, and the name cmd/proxmoxcore's other subcommands look
// for to source policy defaults.
const FileName = "datastore.cfg"

// Load reads and validates a JSON config file at path. Missing optional
// fields are filled with their defaults (VerifyWorkers, GCSafetyMargin).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if cfg.DatastoreName == "" {
		return nil, fmt.Errorf("config: %s: datastore_name is required", path)
	}
	if cfg.RootPath == "" {
		return nil, fmt.Errorf("config: %s: root_path is required", path)
	}
	if cfg.VerifyWorkers <= 0 {
		cfg.VerifyWorkers = defaultVerifyWorkers
	}
	if cfg.GCSafetyMargin == 0 {
		cfg.GCSafetyMargin = chunkstore.MinGCSafetyMargin
	}
	if cfg.GCSafetyMargin < chunkstore.MinGCSafetyMargin {
		return nil, fmt.Errorf("config: %s: gc_safety_margin %s below minimum %s",
			path, cfg.GCSafetyMargin, chunkstore.MinGCSafetyMargin)
	}

	return &cfg, nil
}

// Save persists cfg as JSON at path, overwriting any existing file. Save
// is used by `datastore create` to write the initial config; it is not
// called on any hot path.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o640); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}
