package datastore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"proxmoxcore/internal/chunkstore"
	"proxmoxcore/internal/digest"
	"proxmoxcore/internal/fixedidx"
	"proxmoxcore/internal/manifest"
)

// buildGroup creates a single complete snapshot under root/host/elsa/<ts>
// referencing one chunk via a fixed index, returning that chunk's digest.
func buildGroup(t *testing.T, root string, store *chunkstore.Store, ts time.Time) digest.Digest {
	t.Helper()
	payload := []byte("sixteen byte chk")

	snapDir := filepath.Join(root, "host", "elsa", ts.UTC().Format(time.RFC3339))
	if err := os.MkdirAll(snapDir, 0o750); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	fidxPath := filepath.Join(snapDir, "drive-scsi0.img.fidx")
	w, err := fixedidx.Create(fidxPath, uint64(len(payload)), uint64(len(payload)))
	if err != nil {
		t.Fatalf("fixedidx.Create: %v", err)
	}
	stat, err := w.AddChunk(store, uint64(len(payload)), payload)
	if err != nil {
		t.Fatalf("AddChunk: %v", err)
	}
	d := stat.Digest
	csum, err := w.Close()
	if err != nil {
		t.Fatalf("Close: %v", err)
	}

	m := &manifest.Manifest{
		Files: []manifest.FileEntry{
			{Filename: "drive-scsi0.img.fidx", CryptMode: manifest.CryptModeNone, Size: uint64(len(payload)), CSum: digest.Digest(csum)},
		},
	}
	if err := manifest.WriteCommit(filepath.Join(snapDir, manifestName), m, nil); err != nil {
		t.Fatalf("WriteCommit: %v", err)
	}
	return d
}

func TestListSnapshotsOrdersAscendingAndSkipsTmp(t *testing.T) {
	root := t.TempDir()
	groupDir := filepath.Join(root, "host", "elsa")
	if err := os.MkdirAll(groupDir, 0o750); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	later := time.Unix(1_700_000_100, 0).UTC().Format(time.RFC3339)
	earlier := time.Unix(1_700_000_000, 0).UTC().Format(time.RFC3339)
	for _, name := range []string{later, earlier, "." + later + ".tmp", "not-a-timestamp"} {
		if err := os.MkdirAll(filepath.Join(groupDir, name), 0o750); err != nil {
			t.Fatalf("MkdirAll: %v", err)
		}
	}

	snaps, err := ListSnapshots("host/elsa", groupDir)
	if err != nil {
		t.Fatalf("ListSnapshots: %v", err)
	}
	if len(snaps) != 2 {
		t.Fatalf("got %d snapshots, want 2: %+v", len(snaps), snaps)
	}
	if !snaps[0].Timestamp.Before(snaps[1].Timestamp) {
		t.Errorf("snapshots not in ascending order: %+v", snaps)
	}
	for _, s := range snaps {
		if s.IsComplete {
			t.Errorf("snapshot %s should be incomplete (no manifest written)", s.Dir)
		}
	}
}

func TestMarkReferencedChunksTouchesEveryLiveDigest(t *testing.T) {
	root := t.TempDir()
	storeRoot := filepath.Join(root, "store")
	if err := chunkstore.Create(storeRoot, nil); err != nil {
		t.Fatalf("chunkstore.Create: %v", err)
	}
	store, err := chunkstore.Open(storeRoot, chunkstore.LockShared, nil)
	if err != nil {
		t.Fatalf("chunkstore.Open: %v", err)
	}
	defer store.Close()

	dsRoot := filepath.Join(root, "ds")
	d1 := buildGroup(t, dsRoot, store, time.Unix(1_700_000_000, 0))
	d2 := buildGroup(t, dsRoot, store, time.Unix(1_700_000_200, 0))

	touched := make(map[digest.Digest]bool)
	err = MarkReferencedChunks(context.Background(), dsRoot, func(d digest.Digest) error {
		touched[d] = true
		return nil
	})
	if err != nil {
		t.Fatalf("MarkReferencedChunks: %v", err)
	}
	if !touched[d1] || !touched[d2] {
		t.Errorf("expected both chunks touched, got %v", touched)
	}
}

func TestWalkGroupsVisitsAllBackupTypes(t *testing.T) {
	root := t.TempDir()
	for _, typ := range []string{"host", "vm", "ct"} {
		if err := os.MkdirAll(filepath.Join(root, typ, "x"), 0o750); err != nil {
			t.Fatalf("MkdirAll: %v", err)
		}
	}

	var seen []string
	err := WalkGroups(root, func(groupPath, groupDir string) error {
		seen = append(seen, groupPath)
		return nil
	})
	if err != nil {
		t.Fatalf("WalkGroups: %v", err)
	}
	if len(seen) != 3 {
		t.Errorf("got %v, want 3 groups", seen)
	}
}
