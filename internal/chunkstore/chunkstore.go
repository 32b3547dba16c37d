// Package chunkstore implements the on-disk content-addressed chunk store:
// a sharded directory of DataBlob files keyed by SHA-256 digest, with
// atomic insert, atime-based liveness touch, and mark-and-sweep garbage
// collection under advisory process locking.
//
// Grounded on chunk_store.rs (create/open/insert_chunk/touch_chunk/
// sweep_unused_chunks) and adapted to this package's logging and locking
// idiom from internal/chunk/file/manager.go (Config{Dir,Now,Logger},
// flock-guarded directory, sentinel errors).
package chunkstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"proxmoxcore/internal/callgroup"
	"proxmoxcore/internal/digest"
	"proxmoxcore/internal/logging"
)

const (
	chunksDirName = ".chunks"
	lockFileName  = ".lock"
	shardCount    = 0x10000 // 65536, one subdir per 2-byte digest prefix

	// MinGCSafetyMargin is the minimum allowed gap between GC's mark cutoff
	// and the time GC started, per spec §4.1 / invariant 9.
	MinGCSafetyMargin = 24*time.Hour + 5*time.Minute

	defaultLockTimeout = 10 * time.Second
)

var (
	ErrAlreadyExists   = errors.New("chunkstore: root already exists")
	ErrNotFound        = errors.New("chunkstore: invalid store structure")
	ErrChunkNotFound   = errors.New("chunkstore: chunk not found")
	ErrUnexpectedType  = errors.New("chunkstore: unexpected file type at chunk path")
	ErrLockTimeout     = errors.New("chunkstore: timed out acquiring lock")
	ErrSafetyMarginLow = errors.New("chunkstore: GC safety margin below minimum")
	ErrNoatime         = errors.New("chunkstore: filesystem does not track atime; refusing to run GC")
)

// LockMode selects the advisory lock taken by Open.
type LockMode int

const (
	// LockShared is used for backup, read, and verify operations; multiple
	// holders are allowed concurrently.
	LockShared LockMode = iota
	// LockExclusive is used for the GC critical section; only one holder
	// is allowed, shared or exclusive, at a time.
	LockExclusive
)

func (m LockMode) String() string {
	if m == LockExclusive {
		return "exclusive"
	}
	return "shared"
}

// Status reports the outcome of one GC run (spec §3 "Garbage-collection status").
type Status struct {
	UsedChunks    int64
	UsedBytes     int64
	DiskChunks    int64
	DiskBytes     int64
	RemovedChunks int64
	RemovedBytes  int64
	PendingChunks int64
	PendingBytes  int64
}

// Store is a sharded, content-addressed chunk store rooted at a directory.
type Store struct {
	root     string
	chunkDir string
	lockFile *os.File
	lockMode LockMode

	mu       sync.Mutex
	inflight callgroup.Group[digest.Digest]

	logger *slog.Logger
}

// Create initializes a new chunk store at root: the root directory itself,
// root/.chunks, its 65536 shard subdirectories, and an empty lock file.
// Fails with ErrAlreadyExists if root already exists.
func Create(root string, logger *slog.Logger) error {
	logger = logging.Default(logger).With("component", "chunkstore")

	if !filepath.IsAbs(root) {
		return fmt.Errorf("chunkstore: create: %w: path must be absolute", fs.ErrInvalid)
	}
	if _, err := os.Stat(root); err == nil {
		return ErrAlreadyExists
	} else if !os.IsNotExist(err) {
		return err
	}

	if err := os.MkdirAll(root, 0o750); err != nil {
		return fmt.Errorf("chunkstore: create root: %w", err)
	}

	chunkDir := filepath.Join(root, chunksDirName)
	if err := os.MkdirAll(chunkDir, 0o750); err != nil {
		return fmt.Errorf("chunkstore: create chunk dir: %w", err)
	}

	for i := 0; i < shardCount; i++ {
		shard := filepath.Join(chunkDir, fmt.Sprintf("%04x", i))
		if err := os.Mkdir(shard, 0o750); err != nil {
			return fmt.Errorf("chunkstore: create shard %04x: %w", i, err)
		}
	}

	lockPath := filepath.Join(root, lockFileName)
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o640)
	if err != nil {
		return fmt.Errorf("chunkstore: create lock file: %w", err)
	}
	_ = f.Close()

	logger.Info("chunk store created", "root", root)
	return nil
}

// Open validates the store structure at root and acquires the requested
// lock mode on its lock file, blocking up to the default timeout.
func Open(root string, mode LockMode, logger *slog.Logger) (*Store, error) {
	return OpenTimeout(root, mode, defaultLockTimeout, logger)
}

// OpenTimeout is Open with an explicit lock-acquisition timeout.
func OpenTimeout(root string, mode LockMode, timeout time.Duration, logger *slog.Logger) (*Store, error) {
	logger = logging.Default(logger).With("component", "chunkstore")

	chunkDir := filepath.Join(root, chunksDirName)
	if info, err := os.Stat(chunkDir); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("chunkstore: open %q: %w", root, ErrNotFound)
	}

	lockPath := filepath.Join(root, lockFileName)
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o640)
	if err != nil {
		return nil, fmt.Errorf("chunkstore: open lock file: %w", err)
	}

	if err := flockTimeout(f, mode, timeout); err != nil {
		_ = f.Close()
		logger.Warn("lock acquisition timed out", "root", root, "mode", mode)
		return nil, err
	}

	logger.Info("chunk store opened", "root", root, "mode", mode)
	return &Store{
		root:     root,
		chunkDir: chunkDir,
		lockFile: f,
		lockMode: mode,
		logger:   logger,
	}, nil
}

// Close releases the store's lock and closes the lock file.
func (s *Store) Close() error {
	if s.lockFile == nil {
		return nil
	}
	_ = unix.Flock(int(s.lockFile.Fd()), unix.LOCK_UN)
	err := s.lockFile.Close()
	s.lockFile = nil
	return err
}

// flockTimeout polls a non-blocking flock attempt until it succeeds or the
// timeout elapses, matching the spec's "bounded timeout (10s default)"
// requirement without pulling in a blocking-with-deadline flock variant.
func flockTimeout(f *os.File, mode LockMode, timeout time.Duration) error {
	op := unix.LOCK_SH
	if mode == LockExclusive {
		op = unix.LOCK_EX
	}

	deadline := time.Now().Add(timeout)
	backoff := 10 * time.Millisecond
	for {
		err := unix.Flock(int(f.Fd()), op|unix.LOCK_NB)
		if err == nil {
			return nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) {
			return fmt.Errorf("chunkstore: flock: %w", err)
		}
		if time.Now().After(deadline) {
			return ErrLockTimeout
		}
		time.Sleep(backoff)
		if backoff < 200*time.Millisecond {
			backoff *= 2
		}
	}
}

func (s *Store) pathFor(d digest.Digest) string {
	return filepath.Join(s.chunkDir, d.ShardDir(), d.Name())
}

// Insert writes blobBytes (the already-framed DataBlob, not the raw
// payload) to the store under digest d if absent. The caller, not this
// function, computes d from the chunk it is inserting (fixed_index.rs's
// insert_chunk(&chunk_info.chunk, &chunk_info.digest) passes it the same
// way). Returns whether d was already present (is_duplicate) and the
// chunk's on-disk size.
//
// Concurrent inserts for the same digest within this process are
// collapsed through a callgroup so only one goroutine performs the
// tmp-write+rename dance per digest, even before the filesystem-level
// duplicate check runs; this is an optimization, not a semantic change
// (a losing rename is still treated as a duplicate, per chunk_store.rs).
func (s *Store) Insert(d digest.Digest, blobBytes []byte) (bool, int64, error) {
	type result struct {
		dup  bool
		size int64
	}
	var res result
	ran := false

	err := <-s.inflight.DoChan(d, func() error {
		ran = true
		dup, size, err := s.insertLocked(d, blobBytes)
		res.dup = dup
		res.size = size
		return err
	})
	if err == nil && !ran {
		// This call joined another goroutine's in-flight insert of d, whose
		// result is not shared; the chunk is on disk now, so insertLocked's
		// existence check reports it as a duplicate with its size.
		return s.insertLocked(d, blobBytes)
	}
	return res.dup, res.size, err
}

func (s *Store) insertLocked(d digest.Digest, blobBytes []byte) (bool, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.pathFor(d)
	if info, err := os.Stat(path); err == nil {
		if !info.Mode().IsRegular() {
			return false, 0, fmt.Errorf("%w: %s", ErrUnexpectedType, d)
		}
		return true, info.Size(), nil
	} else if !os.IsNotExist(err) {
		return false, 0, err
	}

	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return false, 0, fmt.Errorf("chunkstore: create tmp chunk: %w", err)
	}
	if _, err := f.Write(blobBytes); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return false, 0, fmt.Errorf("chunkstore: write tmp chunk: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return false, 0, fmt.Errorf("chunkstore: fsync tmp chunk: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return false, 0, fmt.Errorf("chunkstore: close tmp chunk: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		// A losing race against another process's insert is reported as
		// the file already existing: treat it as a duplicate.
		if info, statErr := os.Stat(path); statErr == nil && info.Mode().IsRegular() {
			return true, info.Size(), nil
		}
		return false, 0, fmt.Errorf("chunkstore: rename chunk %s: %w", d, err)
	}
	return false, int64(len(blobBytes)), nil
}

// Touch refreshes the atime of the chunk file for d, protecting it from GC
// sweep. Uses UTIME_NOW for atime and UTIME_OMIT for mtime via utimensat,
// matching chunk_store.rs's touch_chunk.
func (s *Store) Touch(d digest.Digest) error {
	path := s.pathFor(d)
	times := []unix.Timespec{
		{Sec: 0, Nsec: unix.UTIME_NOW},
		{Sec: 0, Nsec: unix.UTIME_OMIT},
	}
	if err := unix.UtimesNanoAt(unix.AT_FDCWD, path, times, unix.AT_SYMLINK_NOFOLLOW); err != nil {
		if errors.Is(err, unix.ENOENT) {
			return fmt.Errorf("%w: %s", ErrChunkNotFound, d)
		}
		return fmt.Errorf("chunkstore: touch %s: %w", d, err)
	}
	return nil
}

// Exists reports whether a chunk for d is present, and if so its size.
func (s *Store) Exists(d digest.Digest) (bool, int64, error) {
	info, err := os.Stat(s.pathFor(d))
	if err != nil {
		if os.IsNotExist(err) {
			return false, 0, nil
		}
		return false, 0, err
	}
	return true, info.Size(), nil
}

// ReadRaw reads the full on-disk DataBlob bytes for d, unmodified.
func (s *Store) ReadRaw(d digest.Digest) ([]byte, error) {
	data, err := os.ReadFile(s.pathFor(d))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrChunkNotFound, d)
		}
		return nil, err
	}
	return data, nil
}

// RemoveIfOlderThan removes the chunk file for d iff its atime is strictly
// before cutoff. Used only inside GC's sweep phase.
func (s *Store) RemoveIfOlderThan(d digest.Digest, cutoff time.Time) (removed bool, size int64, err error) {
	path := s.pathFor(d)
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, 0, nil
		}
		return false, 0, err
	}
	if !atimeBefore(info, cutoff) {
		return false, 0, nil
	}
	size = info.Size()
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return false, 0, nil
		}
		return false, 0, err
	}
	return true, size, nil
}

// Root returns the chunk store's root directory.
func (s *Store) Root() string { return s.root }

// IterateChunks walks every regular file under .chunks/ and invokes fn with
// its parsed digest and fs.FileInfo. Used by GC's sweep phase and by
// verify/debug tooling; fn's error aborts the walk.
func (s *Store) IterateChunks(ctx context.Context, fn func(d digest.Digest, info os.FileInfo) error) error {
	entries, err := os.ReadDir(s.chunkDir)
	if err != nil {
		return err
	}
	for _, shard := range entries {
		if !shard.IsDir() {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		shardPath := filepath.Join(s.chunkDir, shard.Name())
		files, err := os.ReadDir(shardPath)
		if err != nil {
			return err
		}
		for _, file := range files {
			if file.IsDir() {
				continue
			}
			name := file.Name()
			if len(name) != digest.Size*2 {
				continue // skip .tmp and quarantined .N.bad files
			}
			d, err := digest.Parse(name)
			if err != nil {
				continue
			}
			info, err := file.Info()
			if err != nil {
				return err
			}
			if err := fn(d, info); err != nil {
				return err
			}
		}
	}
	return nil
}

// Quarantine renames a corrupted chunk file to <digest>.<n>.bad, picking
// the lowest unused n in 0..9, per spec §4.7/§7 CorruptedChunk handling.
func (s *Store) Quarantine(d digest.Digest) (string, error) {
	path := s.pathFor(d)
	for n := 0; n < 10; n++ {
		candidate := fmt.Sprintf("%s.%d.bad", path, n)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			if err := os.Rename(path, candidate); err != nil {
				return "", fmt.Errorf("chunkstore: quarantine %s: %w", d, err)
			}
			return candidate, nil
		}
	}
	return "", fmt.Errorf("chunkstore: quarantine %s: all 10 .bad slots in use", d)
}
