// Package verify implements the verification engine (spec.md §4.7): it
// re-reads a snapshot's archives, recomputes checksums against the
// manifest, and for indexed archives, re-reads every referenced chunk
// through the chunk store, quarantining any that fail a CRC or digest
// check.
//
// The bounded worker pool and call-deduplication are grounded on
// internal/index/build.go's BuildHelper (errgroup.SetLimit fan-out plus
// callgroup-based dedup of concurrent same-key calls), here deduplicating
// concurrent verify runs of the same snapshot rather than concurrent index
// builds of the same chunk.
package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"proxmoxcore/internal/blob"
	"proxmoxcore/internal/callgroup"
	"proxmoxcore/internal/chunkstore"
	"proxmoxcore/internal/digest"
	"proxmoxcore/internal/dynidx"
	"proxmoxcore/internal/fixedidx"
	"proxmoxcore/internal/logging"
	"proxmoxcore/internal/manifest"
)

// Result is the overall outcome of one verification run.
type Result string

const (
	ResultOK       Result = "ok"
	ResultFailed   Result = "failed"
	ResultAborted  Result = "aborted"
	manifestName          = "index.json.blob"
	defaultWorkers        = 4
)

// ErrCorruptedChunk and ErrMissingChunk surface per-archive/per-chunk
// verification failures; the overall run still proceeds to other archives.
var (
	ErrCorruptedChunk = errors.New("verify: corrupted chunk")
	ErrMissingChunk   = errors.New("verify: missing chunk")
	ErrDigestMismatch = errors.New("verify: digest mismatch")
	ErrManifestCsum   = errors.New("verify: archive csum does not match manifest")
)

// Options configures a Verifier.
type Options struct {
	// Workers bounds how many archives are verified at once and, within
	// each archive, how many chunk reads run at once. Defaults to 4.
	Workers int
	// ManifestKey, if non-nil, verifies the manifest's HMAC signature.
	ManifestKey []byte
	// Clock supplies the current time for recorded verify_state timestamps;
	// defaults to time.Now.
	Clock func() time.Time
}

// Verifier re-reads snapshots against their manifests and recorded csums.
type Verifier struct {
	store   *chunkstore.Store
	workers int
	key     []byte
	clock   func() time.Time
	logger  *slog.Logger
	dedup   callgroup.Group[string]
}

// New returns a Verifier backed by store.
func New(store *chunkstore.Store, opts Options, logger *slog.Logger) *Verifier {
	workers := opts.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Verifier{
		store:   store,
		workers: workers,
		key:     opts.ManifestKey,
		clock:   clock,
		logger:  logging.Default(logger).With("component", "verify"),
	}
}

// runState holds the per-run verified/corrupt digest sets shared across the
// worker pool for one VerifySnapshot call (spec.md §4.7: these sets are
// scoped to a single run, not cached across runs).
type runState struct {
	mu       sync.Mutex
	verified map[digest.Digest]bool
	corrupt  map[digest.Digest]bool
	errCount int
}

func newRunState() *runState {
	return &runState{
		verified: make(map[digest.Digest]bool),
		corrupt:  make(map[digest.Digest]bool),
	}
}

func (r *runState) status(d digest.Digest) (verified, corrupt bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.verified[d], r.corrupt[d]
}

func (r *runState) markVerified(d digest.Digest) {
	r.mu.Lock()
	r.verified[d] = true
	r.mu.Unlock()
}

func (r *runState) markCorrupt(d digest.Digest) {
	r.mu.Lock()
	r.corrupt[d] = true
	r.errCount++
	r.mu.Unlock()
}

// VerifySnapshot verifies every archive in the manifest at
// <snapshotDir>/index.json.blob, returning the overall Result and updating
// the manifest's unprotected.verify_state via the read-modify-rewrite
// protocol, unless the run was aborted by ctx cancellation.
func (v *Verifier) VerifySnapshot(ctx context.Context, snapshotDir, upid string) (Result, error) {
	ch := v.dedup.DoChan(snapshotDir, func() error {
		return v.verifyOnce(ctx, snapshotDir, upid)
	})
	select {
	case err := <-ch:
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return ResultAborted, nil
			}
			if errors.Is(err, errSnapshotFailed) {
				return ResultFailed, nil
			}
			return ResultFailed, err
		}
		return ResultOK, nil
	case <-ctx.Done():
		return ResultAborted, nil
	}
}

// errSnapshotFailed lets verifyOnce report Failed (archive-level mismatches
// were found but nothing fatal happened); VerifySnapshot turns it into
// ResultFailed with a nil error.
var errSnapshotFailed = errors.New("verify: snapshot failed verification")

func (v *Verifier) verifyOnce(ctx context.Context, snapshotDir, upid string) error {
	manifestPath := filepath.Join(snapshotDir, manifestName)
	m, err := manifest.Load(manifestPath, v.key)
	if err != nil {
		return fmt.Errorf("verify: load manifest: %w", err)
	}

	state := newRunState()
	// A plain Group: one archive's failure does not cancel the others.
	var g errgroup.Group
	gctx := ctx
	g.SetLimit(v.workers)

	for _, entry := range m.Files {
		entry := entry
		if err := gctx.Err(); err != nil {
			break
		}
		path := filepath.Join(snapshotDir, entry.Filename)
		switch {
		case strings.HasSuffix(entry.Filename, ".fidx"):
			g.Go(func() error { return v.verifyFixed(gctx, path, entry, state) })
		case strings.HasSuffix(entry.Filename, ".didx"):
			g.Go(func() error { return v.verifyDynamic(gctx, path, entry, state) })
		default:
			g.Go(func() error { return v.verifyBlobArchive(gctx, path, entry, state) })
		}
	}

	waitErr := g.Wait()
	if waitErr != nil && errors.Is(waitErr, context.Canceled) {
		return waitErr
	}

	result := ResultOK
	if waitErr != nil || state.errCount > 0 {
		result = ResultFailed
	}

	if err := manifest.UpdateVerifyState(manifestPath, v.key, manifest.VerifyResult(result), upid, v.clock()); err != nil {
		v.logger.Warn("failed to record verify state", "snapshot", snapshotDir, "error", err)
	}
	v.logger.Info("verify finished", "snapshot", snapshotDir, "result", result, "errors", state.errCount)

	if result == ResultFailed {
		if waitErr != nil {
			return fmt.Errorf("%w: %w", errSnapshotFailed, waitErr)
		}
		return errSnapshotFailed
	}
	return nil
}

func (v *Verifier) verifyBlobArchive(ctx context.Context, path string, entry manifest.FileEntry, state *runState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMissingChunk, path, err)
	}
	if err := blob.CRCCheck(raw); err != nil {
		v.logger.Warn("blob archive failed CRC check", "path", path)
		state.markCorrupt(digest.Compute(raw))
		return fmt.Errorf("%w: %s", ErrCorruptedChunk, path)
	}
	if entry.CryptMode == manifest.CryptModeEncrypt {
		return nil
	}
	if err := blob.VerifyUnencrypted(raw, entry.Size, entry.CSum); err != nil {
		v.logger.Warn("blob archive digest mismatch", "path", path)
		return fmt.Errorf("%w: %s: %v", ErrDigestMismatch, path, err)
	}
	return nil
}

func (v *Verifier) verifyFixed(ctx context.Context, path string, entry manifest.FileEntry, state *runState) error {
	r, err := fixedidx.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMissingChunk, path, err)
	}
	defer func() { _ = r.Close() }()

	csum, _ := r.ComputeCsum()
	if digest.Digest(csum) != entry.CSum {
		v.logger.Warn("fixed index csum mismatch", "path", path)
		return fmt.Errorf("%w: %s", ErrManifestCsum, path)
	}

	digests := make([]digest.Digest, 0, r.IndexCount())
	for i := 0; i < r.IndexCount(); i++ {
		d, _ := r.IndexDigest(i)
		digests = append(digests, d)
	}
	return v.verifyChunks(ctx, digests, entry, state)
}

func (v *Verifier) verifyDynamic(ctx context.Context, path string, entry manifest.FileEntry, state *runState) error {
	r, err := dynidx.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMissingChunk, path, err)
	}
	defer func() { _ = r.Close() }()

	csum, _ := r.ComputeCsum()
	if digest.Digest(csum) != entry.CSum {
		v.logger.Warn("dynamic index csum mismatch", "path", path)
		return fmt.Errorf("%w: %s", ErrManifestCsum, path)
	}

	digests := make([]digest.Digest, 0, r.IndexCount())
	for i := 0; i < r.IndexCount(); i++ {
		d, _ := r.IndexDigest(i)
		digests = append(digests, d)
	}
	return v.verifyChunks(ctx, digests, entry, state)
}

// verifyChunks fans the per-chunk checks for one archive's digest list out
// over the Verifier's bounded worker pool.
func (v *Verifier) verifyChunks(ctx context.Context, digests []digest.Digest, entry manifest.FileEntry, state *runState) error {
	// A plain Group: one bad chunk does not cancel checks of the others.
	var g errgroup.Group
	gctx := ctx
	g.SetLimit(v.workers)

	for _, d := range digests {
		d := d
		if err := gctx.Err(); err != nil {
			break
		}
		g.Go(func() error {
			return v.verifyChunk(gctx, d, entry.CryptMode, state)
		})
	}
	return g.Wait()
}

func (v *Verifier) verifyChunk(ctx context.Context, d digest.Digest, cryptMode manifest.CryptMode, state *runState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if verified, corrupt := state.status(d); verified || corrupt {
		return nil
	}

	raw, err := v.store.ReadRaw(d)
	if err != nil {
		state.markCorrupt(d)
		return fmt.Errorf("%w: %s", ErrMissingChunk, d)
	}

	if err := blob.CRCCheck(raw); err != nil {
		v.quarantine(d)
		state.markCorrupt(d)
		return fmt.Errorf("%w: %s", ErrCorruptedChunk, d)
	}

	if cryptMode == manifest.CryptModeEncrypt {
		if encrypted, _ := blob.IsEncrypted(raw); !encrypted {
			v.quarantine(d)
			state.markCorrupt(d)
			return fmt.Errorf("%w: %s: expected encrypted blob", ErrCorruptedChunk, d)
		}
		state.markVerified(d)
		return nil
	}

	payload, err := blob.Decode(raw, nil)
	if err != nil {
		v.quarantine(d)
		state.markCorrupt(d)
		return fmt.Errorf("%w: %s: %v", ErrCorruptedChunk, d, err)
	}
	if digest.Compute(payload) != d {
		v.quarantine(d)
		state.markCorrupt(d)
		return fmt.Errorf("%w: %s", ErrDigestMismatch, d)
	}
	state.markVerified(d)
	return nil
}

func (v *Verifier) quarantine(d digest.Digest) {
	path, err := v.store.Quarantine(d)
	if err != nil {
		v.logger.Warn("failed to quarantine corrupt chunk", "digest", d, "error", err)
		return
	}
	v.logger.Warn("quarantined corrupt chunk", "digest", d, "path", path)
}
