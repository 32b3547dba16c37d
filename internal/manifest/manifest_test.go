package manifest

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"proxmoxcore/internal/digest"
)

func sampleManifest() *Manifest {
	return &Manifest{
		Files: []FileEntry{
			{Filename: "drive-scsi0.img.fidx", CryptMode: CryptModeNone, Size: 10_000, CSum: digest.Compute([]byte("a"))},
			{Filename: "catalog.pcat1.didx", CryptMode: CryptModeNone, Size: 4096, CSum: digest.Compute([]byte("b"))},
		},
	}
}

func TestEncodeDecodeUnsigned(t *testing.T) {
	m := sampleManifest()
	encoded, err := Encode(m, nil)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(encoded, nil)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(got.Files) != 2 || got.Files[0].Filename != "drive-scsi0.img.fidx" {
		t.Errorf("round-tripped manifest mismatch: %+v", got)
	}
}

func TestEncodeDecodeSigned(t *testing.T) {
	key := []byte("test-signing-key")
	m := sampleManifest()

	encoded, err := Encode(m, key)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(encoded, key)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(got.Files) != 2 {
		t.Fatalf("expected 2 files, got %d", len(got.Files))
	}
}

func TestDecodeRejectsBadSignature(t *testing.T) {
	m := sampleManifest()
	encoded, err := Encode(m, []byte("key-a"))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := Decode(encoded, []byte("key-b")); err != ErrSignatureMismatch {
		t.Errorf("expected ErrSignatureMismatch, got %v", err)
	}
}

func TestDecodeRejectsCorruption(t *testing.T) {
	m := sampleManifest()
	encoded, err := Encode(m, []byte("key"))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	encoded[len(encoded)-1] ^= 0xFF
	if _, err := Decode(encoded, []byte("key")); err != ErrCorrupted {
		t.Errorf("expected ErrCorrupted, got %v", err)
	}
}

func TestUnprotectedNotSigned(t *testing.T) {
	key := []byte("sign-key")
	m := sampleManifest()
	encoded, err := Encode(m, key)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	decoded, err := Decode(encoded, key)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	decoded.Unprotected.VerifyState = &VerifyState{State: VerifyOK, UPID: "verify:1:abc", Time: 1000}

	// Re-encoding with the same key must still verify: the signature only
	// covers Files, so mutating Unprotected does not require resigning.
	reEncoded, err := Encode(decoded, key)
	if err != nil {
		t.Fatalf("re-Encode: %v", err)
	}
	if _, err := Decode(reEncoded, key); err != nil {
		t.Errorf("expected signature to remain valid after unprotected-only mutation, got %v", err)
	}
}

func TestWriteCommitAndLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "index.json.blob")
	key := []byte("commit-key")
	m := sampleManifest()

	if err := WriteCommit(path, m, key); err != nil {
		t.Fatalf("WriteCommit: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("committed manifest missing: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("tmp file should not remain after successful commit")
	}

	got, err := Load(path, key)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got.Files) != 2 {
		t.Errorf("loaded manifest has %d files, want 2", len(got.Files))
	}
}

func TestUpdateVerifyState(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "index.json.blob")
	key := []byte("commit-key")
	m := sampleManifest()

	if err := WriteCommit(path, m, key); err != nil {
		t.Fatalf("WriteCommit: %v", err)
	}

	now := time.Unix(1_700_000_000, 0)
	if err := UpdateVerifyState(path, key, VerifyFailed, "verify:99:deadbeef", now); err != nil {
		t.Fatalf("UpdateVerifyState: %v", err)
	}

	got, err := Load(path, key)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Unprotected.VerifyState == nil {
		t.Fatal("expected VerifyState to be set")
	}
	if got.Unprotected.VerifyState.State != VerifyFailed {
		t.Errorf("VerifyState.State = %q, want %q", got.Unprotected.VerifyState.State, VerifyFailed)
	}
	if got.Unprotected.VerifyState.UPID != "verify:99:deadbeef" {
		t.Errorf("VerifyState.UPID = %q", got.Unprotected.VerifyState.UPID)
	}
}
