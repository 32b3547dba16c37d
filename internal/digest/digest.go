// Package digest provides the content-addressing identity used throughout
// the datastore: a SHA-256 digest over chunk payloads, index files, and
// manifests, plus the two-level hex sharding convention chunk storage uses
// on disk.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

// Size is the digest length in bytes (SHA-256).
const Size = sha256.Size

// ErrInvalidLength is returned when a byte slice or hex string cannot hold
// a digest of the expected length.
var ErrInvalidLength = errors.New("digest: invalid length")

// Digest is a content digest, fixed to 32 bytes (SHA-256).
type Digest [Size]byte

// Zero reports whether d is the all-zero digest, used as a sentinel for
// "no digest yet" in a few call sites (e.g. an empty dynamic archive).
func (d Digest) Zero() bool {
	return d == Digest{}
}

// String renders the digest as lowercase hex, matching the on-disk and
// manifest JSON representation.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Bytes returns the digest's underlying bytes as a slice.
func (d Digest) Bytes() []byte {
	return d[:]
}

// MarshalText implements encoding.TextMarshaler so Digest can be used
// directly as a JSON string field (manifest FileEntry.CSum, etc).
func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Digest) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Parse decodes a 64-character lowercase hex string into a Digest.
func Parse(s string) (Digest, error) {
	if len(s) != Size*2 {
		return Digest{}, fmt.Errorf("%w: want %d hex chars, got %d", ErrInvalidLength, Size*2, len(s))
	}
	var d Digest
	n, err := hex.Decode(d[:], []byte(s))
	if err != nil {
		return Digest{}, fmt.Errorf("digest: decode: %w", err)
	}
	if n != Size {
		return Digest{}, ErrInvalidLength
	}
	return d, nil
}

// FromBytes copies b into a Digest. b must be exactly Size bytes.
func FromBytes(b []byte) (Digest, error) {
	if len(b) != Size {
		return Digest{}, ErrInvalidLength
	}
	var d Digest
	copy(d[:], b)
	return d, nil
}

// Compute returns the SHA-256 digest of data.
func Compute(data []byte) Digest {
	return Digest(sha256.Sum256(data))
}

// ShardDir returns the chunk store shard directory name for d: the first
// two bytes of the digest as 4 lowercase hex characters, giving 65536
// subdirectories (0000-ffff), matching the on-disk layout chunk_store.rs
// builds at create time.
func (d Digest) ShardDir() string {
	return hex.EncodeToString(d[:2])
}

// Name returns the full hex filename stem for d (no extension).
func (d Digest) Name() string {
	return d.String()
}
