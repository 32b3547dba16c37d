// Package datastore walks a datastore's on-disk namespace/group/snapshot
// tree (spec.md §3: "ns/<name>/", "<type>/<id>/", "<type>/<id>/<rfc3339>/")
// on behalf of the operations that need a view across every snapshot:
// GC's mark phase, prune's per-group retention pass, and verify-all.
//
// Grounded on internal/chunkstore.IterateChunks's directory-walk style
// (skip what doesn't look like a recognized entry, surface errors via the
// supplied callback) and spec.md §3/§4.6's group/snapshot directory shape.
package datastore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"proxmoxcore/internal/digest"
	"proxmoxcore/internal/dynidx"
	"proxmoxcore/internal/fixedidx"
	"proxmoxcore/internal/manifest"
	"proxmoxcore/internal/prune"
)

// manifestName is the signed manifest's fixed filename within a snapshot
// directory, matching internal/session and internal/verify.
const manifestName = "index.json.blob"

var snapshotDirPattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}Z$`)

var backupTypes = []string{"host", "vm", "ct"}

// Snapshot identifies one backup snapshot directory on disk.
type Snapshot struct {
	// GroupPath is "<type>/<id>" relative to the datastore root (or
	// namespace, if namespaces are in use).
	GroupPath string
	Timestamp time.Time
	// Dir is the snapshot's absolute directory path.
	Dir string
	// IsComplete is true iff the directory contains a manifest file
	// (index.json.blob); the manifest is neither parsed nor checked for a
	// signature.
	IsComplete bool
}

// WalkGroups calls fn once per backup group directory ("<type>/<id>")
// found directly under root. Namespacing (nested "ns/<name>/" prefixes)
// is out of scope for this walker; callers operating on a namespaced
// datastore pass the namespace directory as root.
func WalkGroups(root string, fn func(groupPath, groupDir string) error) error {
	for _, typ := range backupTypes {
		typeDir := filepath.Join(root, typ)
		entries, err := os.ReadDir(typeDir)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return fmt.Errorf("datastore: read %s: %w", typeDir, err)
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			groupPath := filepath.Join(typ, e.Name())
			if err := fn(groupPath, filepath.Join(root, groupPath)); err != nil {
				return err
			}
		}
	}
	return nil
}

// ListSnapshots returns every snapshot directory under groupDir, sorted by
// timestamp ascending. Directories not matching the RFC-3339 naming
// pattern (including in-progress ".<rfc3339>.tmp" directories) are
// skipped.
func ListSnapshots(groupPath, groupDir string) ([]Snapshot, error) {
	entries, err := os.ReadDir(groupDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("datastore: read %s: %w", groupDir, err)
	}

	var snaps []Snapshot
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if !snapshotDirPattern.MatchString(e.Name()) {
			continue
		}
		ts, err := time.Parse(time.RFC3339, e.Name())
		if err != nil {
			continue
		}
		dir := filepath.Join(groupDir, e.Name())
		_, err = os.Stat(filepath.Join(dir, manifestName))
		snaps = append(snaps, Snapshot{
			GroupPath:  groupPath,
			Timestamp:  ts,
			Dir:        dir,
			IsComplete: err == nil,
		})
	}

	// Simple insertion sort: snapshot counts per group are small (bounded
	// by retention policy), so this avoids importing sort for one call site.
	for i := 1; i < len(snaps); i++ {
		for j := i; j > 0 && snaps[j].Timestamp.Before(snaps[j-1].Timestamp); j-- {
			snaps[j], snaps[j-1] = snaps[j-1], snaps[j]
		}
	}
	return snaps, nil
}

// ToBackupInfo converts a Snapshot into prune's BackupInfo view.
func (s Snapshot) ToBackupInfo() prune.BackupInfo {
	return prune.BackupInfo{
		Path:       filepath.Join(s.GroupPath, s.Timestamp.UTC().Format(time.RFC3339)),
		Timestamp:  s.Timestamp,
		IsComplete: s.IsComplete,
	}
}

// MarkReferencedChunks walks every complete snapshot under root and calls
// touch once for every chunk digest referenced by a fixed or dynamic
// index file. Its signature matches chunkstore.MarkSource exactly, so
// callers bind it with a closure over root: func(ctx, touch) error {
// return datastore.MarkReferencedChunks(ctx, root, touch) }. Blob
// archives carry no chunk references and are skipped.
func MarkReferencedChunks(ctx context.Context, root string, touch func(digest.Digest) error) error {
	return WalkGroups(root, func(groupPath, groupDir string) error {
		snaps, err := ListSnapshots(groupPath, groupDir)
		if err != nil {
			return err
		}
		for _, snap := range snaps {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			if !snap.IsComplete {
				continue
			}
			if err := markSnapshot(ctx, snap, touch); err != nil {
				return err
			}
		}
		return nil
	})
}

func markSnapshot(ctx context.Context, snap Snapshot, touch func(d digest.Digest) error) error {
	m, err := manifest.Load(filepath.Join(snap.Dir, manifestName), nil)
	if err != nil {
		return fmt.Errorf("datastore: load manifest %s: %w", snap.Dir, err)
	}
	for _, entry := range m.Files {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		path := filepath.Join(snap.Dir, entry.Filename)
		switch {
		case strings.HasSuffix(entry.Filename, ".fidx"):
			if err := markFixed(path, touch); err != nil {
				return err
			}
		case strings.HasSuffix(entry.Filename, ".didx"):
			if err := markDynamic(path, touch); err != nil {
				return err
			}
		}
	}
	return nil
}

func markFixed(path string, touch func(d digest.Digest) error) error {
	r, err := fixedidx.Open(path)
	if err != nil {
		return fmt.Errorf("datastore: open %s: %w", path, err)
	}
	defer r.Close()
	for i := 0; i < r.IndexCount(); i++ {
		d, ok := r.IndexDigest(i)
		if !ok {
			continue
		}
		if err := touch(d); err != nil {
			return err
		}
	}
	return nil
}

func markDynamic(path string, touch func(d digest.Digest) error) error {
	r, err := dynidx.Open(path)
	if err != nil {
		return fmt.Errorf("datastore: open %s: %w", path, err)
	}
	defer r.Close()
	for i := 0; i < r.IndexCount(); i++ {
		d, ok := r.IndexDigest(i)
		if !ok {
			continue
		}
		if err := touch(d); err != nil {
			return err
		}
	}
	return nil
}
