// Package session implements the server-side state machine for one client
// backup (spec.md §4.4): chunk/writer registration, append-chunk
// bookkeeping, and the commit protocol that atomically publishes a
// snapshot directory once every index writer has closed.
//
// Grounded on internal/orchestrator's RWMutex-guarded-registries style
// (one mutex per stateful unit, I/O kept out from under the lock) and on
// chunk_store.rs/dynamic_index.rs's writer-close semantics, adapted to a
// single mutex per session rather than per-registry locks, since all of a
// session's writers share one client connection's lifetime.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"proxmoxcore/internal/chunkstore"
	"proxmoxcore/internal/digest"
	"proxmoxcore/internal/dynidx"
	"proxmoxcore/internal/fixedidx"
	"proxmoxcore/internal/logging"
	"proxmoxcore/internal/manifest"
)

const (
	manifestName   = "index.json.blob"
	lockTimeout    = 10 * time.Second
	snapshotLockFN = ".lock"
)

var (
	ErrSessionFinished   = errors.New("session: already finished")
	ErrUnknownWriter     = errors.New("session: unknown writer id")
	ErrChunkSizeMismatch = errors.New("session: chunk size does not match writer's chunk size")
	ErrUnalignedOffset   = errors.New("session: chunk offset is not aligned to a slot boundary")
	ErrUnknownChunk      = errors.New("session: digest not registered as a known chunk")
	ErrBadOffset         = errors.New("session: append offset does not match writer's current offset")
	ErrCountMismatch     = errors.New("session: chunk count does not match writer's recorded count")
	ErrSizeMismatch      = errors.New("session: total size does not match writer's recorded size")
	ErrNoFiles           = errors.New("session: finish_backup with no closed files")
	ErrOpenWriters       = errors.New("session: writers still open")
	ErrLockTimeout       = errors.New("session: timed out acquiring snapshot lock")
)

// uploadStats accumulates the per-writer statistics register_fixed_chunk
// and register_dynamic_chunk update: how many chunks were registered,
// their total compressed size, and how many were duplicates the client
// didn't need to re-upload.
type uploadStats struct {
	chunkCount      uint64
	compressedSize  uint64
	duplicateChunks uint64
}

func (u *uploadStats) record(compressedSize uint64, isDuplicate bool) {
	u.chunkCount++
	u.compressedSize += compressedSize
	if isDuplicate {
		u.duplicateChunks++
	}
}

// fixedWriterState tracks one in-progress fixed-size-chunk archive.
type fixedWriterState struct {
	name           string
	writer         *fixedidx.Writer
	chunkSize      uint64
	size           uint64
	appendedChunks uint64
	stats          uploadStats
}

// dynamicWriterState tracks one in-progress dynamic-chunk archive.
type dynamicWriterState struct {
	name           string
	writer         *dynidx.Writer
	currentOffset  uint64
	appendedChunks uint64
	stats          uploadStats
}

// Session is the per-connection backup state machine. All mutating
// operations are reentrancy-safe: upload handlers may run on a worker
// pool, but every state mutation is serialized through mu. Chunk-store
// touches, index file creation and close, and the manifest commit run
// outside the locked section; the per-chunk index appends and
// RemoveBackup's writer aborts run under mu.
type Session struct {
	store *chunkstore.Store
	clock func() time.Time
	log   *slog.Logger

	groupDir  string
	tmpDir    string
	finalDir  string
	timestamp string

	lockFile *os.File
	lockPath string

	manifestKey []byte

	mu             sync.Mutex
	finished       bool
	uidCounter     uint64
	fileCounter    uint64
	dynamicWriters map[uint64]*dynamicWriterState
	fixedWriters   map[uint64]*fixedWriterState
	knownChunks    map[digest.Digest]uint32
	files          []manifest.FileEntry
}

// New starts a backup session for groupDir (e.g. "<datastore>/host/elsa"),
// creating the snapshot's temporary directory "<groupDir>/.<rfc3339>.tmp"
// and taking its exclusive directory lock, per spec.md §4.5's snapshot
// lock protocol (exclusive during backup, shared for readers).
func New(store *chunkstore.Store, groupDir string, clock func() time.Time, manifestKey []byte, logger *slog.Logger) (*Session, error) {
	if clock == nil {
		clock = time.Now
	}
	timestamp := clock().UTC().Format(time.RFC3339)
	tmpDir := filepath.Join(groupDir, "."+timestamp+".tmp")
	finalDir := filepath.Join(groupDir, timestamp)

	if err := os.MkdirAll(groupDir, 0o750); err != nil {
		return nil, fmt.Errorf("session: mkdir group dir: %w", err)
	}
	if err := os.Mkdir(tmpDir, 0o750); err != nil {
		return nil, fmt.Errorf("session: mkdir snapshot dir: %w", err)
	}

	lockPath := tmpDir + snapshotLockFN
	lf, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o640)
	if err != nil {
		_ = os.RemoveAll(tmpDir)
		return nil, fmt.Errorf("session: open lock file: %w", err)
	}
	if err := flockTimeout(lf, lockTimeout); err != nil {
		_ = lf.Close()
		_ = os.RemoveAll(tmpDir)
		return nil, err
	}

	return &Session{
		store:          store,
		clock:          clock,
		log:            logging.Default(logger).With("component", "session"),
		groupDir:       groupDir,
		tmpDir:         tmpDir,
		finalDir:       finalDir,
		timestamp:      timestamp,
		lockFile:       lf,
		lockPath:       lockPath,
		manifestKey:    manifestKey,
		dynamicWriters: make(map[uint64]*dynamicWriterState),
		fixedWriters:   make(map[uint64]*fixedWriterState),
		knownChunks:    make(map[digest.Digest]uint32),
	}, nil
}

func flockTimeout(f *os.File, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	backoff := 10 * time.Millisecond
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) {
			return fmt.Errorf("session: flock: %w", err)
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

// SnapshotDir returns the snapshot's current on-disk path (the tmp
// directory before finish_backup, the final directory after).
func (s *Session) SnapshotDir() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return s.finalDir
	}
	return s.tmpDir
}

// RegisterChunk records that the client may reference digest in subsequent
// append calls without re-uploading it. The chunk must already exist in
// the store; its atime is touched immediately so GC cannot sweep it within
// the session's lifetime, matching the touch discipline in spec.md §4.4.
func (s *Session) RegisterChunk(d digest.Digest, length uint32) error {
	if err := s.store.Touch(d); err != nil {
		return fmt.Errorf("session: touch known chunk: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return ErrSessionFinished
	}
	s.knownChunks[d] = length
	return nil
}

// RegisterFixedWriter allocates a writer id and opens a new fixed-size-chunk
// archive named name (its final extension, e.g. "drive-scsi0.img.fidx")
// inside the snapshot's temporary directory.
func (s *Session) RegisterFixedWriter(name string, size, chunkSize uint64) (uint64, error) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return 0, ErrSessionFinished
	}
	wid := s.uidCounter + 1
	s.uidCounter = wid
	s.mu.Unlock()

	w, err := fixedidx.Create(filepath.Join(s.tmpDir, name), size, chunkSize)
	if err != nil {
		return 0, fmt.Errorf("session: create fixed writer: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		_ = w.Abort()
		return 0, ErrSessionFinished
	}
	s.fixedWriters[wid] = &fixedWriterState{name: name, writer: w, chunkSize: chunkSize, size: size}
	return wid, nil
}

// RegisterDynamicWriter allocates a writer id and opens a new dynamic-chunk
// archive named name inside the snapshot's temporary directory.
func (s *Session) RegisterDynamicWriter(name string) (uint64, error) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return 0, ErrSessionFinished
	}
	wid := s.uidCounter + 1
	s.uidCounter = wid
	s.mu.Unlock()

	w, err := dynidx.Create(filepath.Join(s.tmpDir, name))
	if err != nil {
		return 0, fmt.Errorf("session: create dynamic writer: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		_ = w.Abort()
		return 0, ErrSessionFinished
	}
	s.dynamicWriters[wid] = &dynamicWriterState{name: name, writer: w}
	return wid, nil
}

// RegisterFixedChunk records digest as known and validates it against the
// fixed writer's declared chunk size, before the client appends it. Its
// atime is touched immediately, same as RegisterChunk, since the chunk
// already lives in the store whether this call reports a fresh upload or
// a duplicate: per spec.md §4.4's touch discipline, a concurrent GC sweep
// must never race a chunk that's about to be referenced by this snapshot.
func (s *Session) RegisterFixedChunk(wid uint64, d digest.Digest, size, compressedSize uint64, isDuplicate bool) error {
	if err := s.store.Touch(d); err != nil {
		return fmt.Errorf("session: touch fixed chunk: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return ErrSessionFinished
	}
	w, ok := s.fixedWriters[wid]
	if !ok {
		return ErrUnknownWriter
	}
	if size != w.chunkSize {
		return ErrChunkSizeMismatch
	}
	s.knownChunks[d] = uint32(size)
	w.stats.record(compressedSize, isDuplicate)
	return nil
}

// RegisterDynamicChunk records digest as known for a dynamic writer; unlike
// fixed writers, dynamic chunks may vary in size. Touches the chunk's
// atime for the same reason RegisterFixedChunk does.
func (s *Session) RegisterDynamicChunk(wid uint64, d digest.Digest, size, compressedSize uint64, isDuplicate bool) error {
	if err := s.store.Touch(d); err != nil {
		return fmt.Errorf("session: touch dynamic chunk: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return ErrSessionFinished
	}
	w, ok := s.dynamicWriters[wid]
	if !ok {
		return ErrUnknownWriter
	}
	s.knownChunks[d] = uint32(size)
	w.stats.record(compressedSize, isDuplicate)
	return nil
}

// FixedWriterAppendChunk writes digest at the slot implied by offset.
func (s *Session) FixedWriterAppendChunk(wid uint64, offset, size uint64, d digest.Digest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return ErrSessionFinished
	}
	w, ok := s.fixedWriters[wid]
	if !ok {
		return ErrUnknownWriter
	}
	if _, known := s.knownChunks[d]; !known {
		return ErrUnknownChunk
	}
	// The client has already uploaded or registered this digest; appending
	// to the index only needs the slot write, not another store insert.
	idx, err := w.writer.CheckChunkAlignment(offset, size)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnalignedOffset, err)
	}
	if err := w.writer.AddDigest(idx, d); err != nil {
		return err
	}
	w.appendedChunks++
	return nil
}

// DynamicWriterAppendChunk appends an entry ending at offset+size to the
// dynamic writer, requiring offset to equal the writer's current stream
// position.
func (s *Session) DynamicWriterAppendChunk(wid uint64, offset, size uint64, d digest.Digest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return ErrSessionFinished
	}
	w, ok := s.dynamicWriters[wid]
	if !ok {
		return ErrUnknownWriter
	}
	if offset != w.currentOffset {
		return ErrBadOffset
	}
	if _, known := s.knownChunks[d]; !known {
		return ErrUnknownChunk
	}
	end := offset + size
	if err := w.writer.AddChunk(end, d); err != nil {
		return err
	}
	w.currentOffset = end
	w.appendedChunks++
	return nil
}

// FixedWriterClose validates the writer's recorded chunk count and total
// size against the client's claim, then flushes and atomically renames the
// index file into its final name within the snapshot directory.
func (s *Session) FixedWriterClose(wid, chunkCount, totalSize uint64) error {
	s.mu.Lock()
	w, ok := s.fixedWriters[wid]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownWriter
	}
	if chunkCount != w.appendedChunks || chunkCount != uint64(w.writer.IndexLength()) {
		s.mu.Unlock()
		return ErrCountMismatch
	}
	if totalSize != w.size {
		s.mu.Unlock()
		return ErrSizeMismatch
	}
	delete(s.fixedWriters, wid)
	s.mu.Unlock()

	csum, err := w.writer.Close()
	if err != nil {
		return fmt.Errorf("session: close fixed writer: %w", err)
	}

	s.log.Info("fixed writer closed", "name", w.name,
		"chunks", w.stats.chunkCount, "compressed_size", w.stats.compressedSize,
		"duplicate_chunks", w.stats.duplicateChunks)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.fileCounter++
	s.files = append(s.files, manifest.FileEntry{
		Filename:  w.name,
		CryptMode: manifest.CryptModeNone,
		Size:      totalSize,
		CSum:      digest.Digest(csum),
	})
	return nil
}

// DynamicWriterClose validates the writer's recorded chunk count and total
// size, then flushes and atomically renames the index file into place.
func (s *Session) DynamicWriterClose(wid, chunkCount, totalSize uint64) error {
	s.mu.Lock()
	w, ok := s.dynamicWriters[wid]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownWriter
	}
	if chunkCount != uint64(w.writer.Count()) {
		s.mu.Unlock()
		return ErrCountMismatch
	}
	if totalSize != w.currentOffset {
		s.mu.Unlock()
		return ErrSizeMismatch
	}
	delete(s.dynamicWriters, wid)
	s.mu.Unlock()

	csum, err := w.writer.Close()
	if err != nil {
		return fmt.Errorf("session: close dynamic writer: %w", err)
	}

	s.log.Info("dynamic writer closed", "name", w.name,
		"chunks", w.stats.chunkCount, "compressed_size", w.stats.compressedSize,
		"duplicate_chunks", w.stats.duplicateChunks)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.fileCounter++
	s.files = append(s.files, manifest.FileEntry{
		Filename:  w.name,
		CryptMode: manifest.CryptModeNone,
		Size:      totalSize,
		CSum:      digest.Digest(csum),
	})
	return nil
}

// FinishBackup commits the manifest and atomically publishes the snapshot
// directory, per spec.md §4.5 steps 3-4. It is the only path that
// transitions a session to Finished besides RemoveBackup.
func (s *Session) FinishBackup() error {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return ErrSessionFinished
	}
	if len(s.fixedWriters) > 0 || len(s.dynamicWriters) > 0 {
		s.mu.Unlock()
		return ErrOpenWriters
	}
	if s.fileCounter == 0 {
		s.mu.Unlock()
		return ErrNoFiles
	}
	files := append([]manifest.FileEntry(nil), s.files...)
	s.mu.Unlock()

	m := &manifest.Manifest{Files: files}
	manifestPath := filepath.Join(s.tmpDir, manifestName)
	if err := manifest.WriteCommit(manifestPath, m, s.manifestKey); err != nil {
		return fmt.Errorf("session: commit manifest: %w", err)
	}

	if err := os.Rename(s.tmpDir, s.finalDir); err != nil {
		return fmt.Errorf("session: rename snapshot dir: %w", err)
	}

	s.mu.Lock()
	s.finished = true
	s.mu.Unlock()

	_ = unix.Flock(int(s.lockFile.Fd()), unix.LOCK_UN)
	_ = s.lockFile.Close()
	_ = os.Remove(s.lockPath)

	s.log.Info("backup finished", "snapshot", s.finalDir, "files", len(files))
	return nil
}

// RemoveBackup aborts the session, closing (not committing) any open
// writers to release their mmaps before recursively deleting the snapshot
// directory, per spec.md §4.4's "never while any writer holds an mmap"
// constraint.
func (s *Session) RemoveBackup() error {
	s.mu.Lock()
	for _, w := range s.fixedWriters {
		_ = w.writer.Abort()
	}
	for _, w := range s.dynamicWriters {
		_ = w.writer.Abort()
	}
	s.fixedWriters = make(map[uint64]*fixedWriterState)
	s.dynamicWriters = make(map[uint64]*dynamicWriterState)
	already := s.finished
	s.finished = true
	dir := s.tmpDir
	if already {
		dir = s.finalDir
	}
	fileCount := len(s.files)
	s.mu.Unlock()

	_ = unix.Flock(int(s.lockFile.Fd()), unix.LOCK_UN)
	_ = s.lockFile.Close()

	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("session: remove snapshot dir: %w", err)
	}
	_ = os.Remove(s.lockPath)

	s.log.Info("backup removed", "snapshot", dir, "files", fileCount)
	return nil
}
