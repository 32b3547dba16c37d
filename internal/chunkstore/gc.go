package chunkstore

import (
	"context"
	"fmt"
	"os"
	"time"

	"proxmoxcore/internal/digest"
)

// MarkSource is called during GC's mark phase; it must invoke touch once
// for every chunk digest reachable from any live index, so that phase 3's
// sweep never removes a referenced chunk. Implementations traverse the
// datastore's snapshot/index tree (outside this package's concern) and
// call back into the store; chunk_store.rs's equivalent logic lives in the
// datastore layer that owns index files, not in ChunkStore itself.
type MarkSource func(ctx context.Context, touch func(digest.Digest) error) error

// GC runs the three-phase garbage collection described in spec §4.1:
// mark every referenced chunk via mark, select a cutoff at least
// safetyMargin in the past, then sweep every chunk file whose atime is
// older than the cutoff. safetyMargin below MinGCSafetyMargin is rejected.
//
// GC refuses to run if the underlying filesystem has atime tracking
// disabled (noatime or equivalent): without real atime updates, the mark
// phase's touch calls are invisible and either everything or nothing would
// be swept, silently violating invariant 9 (see DESIGN.md Open Question
// decisions).
func (s *Store) GC(ctx context.Context, safetyMargin time.Duration, mark MarkSource) (Status, error) {
	if safetyMargin < MinGCSafetyMargin {
		return Status{}, fmt.Errorf("%w: got %s, need >= %s", ErrSafetyMarginLow, safetyMargin, MinGCSafetyMargin)
	}

	if disabled, err := noatimeMounted(s.root); err != nil {
		return Status{}, fmt.Errorf("chunkstore: check atime support: %w", err)
	} else if disabled {
		return Status{}, ErrNoatime
	}

	start := time.Now()
	s.logger.Info("gc started", "root", s.root, "safety_margin", safetyMargin)

	// Phase 1: mark. Touch every chunk reachable from a live index.
	if err := mark(ctx, s.Touch); err != nil {
		return Status{}, fmt.Errorf("chunkstore: gc mark phase: %w", err)
	}
	select {
	case <-ctx.Done():
		return Status{}, ctx.Err()
	default:
	}

	// Phase 2: cutoff selection.
	cutoff := start.Add(-safetyMargin)

	// Phase 3: sweep.
	var status Status
	err := s.IterateChunks(ctx, func(d digest.Digest, info os.FileInfo) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		status.DiskChunks++
		status.DiskBytes += info.Size()

		removed, size, err := s.RemoveIfOlderThan(d, cutoff)
		if err != nil {
			// Per-chunk I/O errors during GC are warnings, not fatal.
			s.logger.Warn("gc sweep: failed to check/remove chunk", "digest", d, "error", err)
			return nil
		}
		if removed {
			status.RemovedChunks++
			status.RemovedBytes += size
		} else {
			status.UsedChunks++
			status.UsedBytes += info.Size()
		}
		return nil
	})
	if err != nil {
		return status, fmt.Errorf("chunkstore: gc sweep phase: %w", err)
	}

	s.logger.Info("gc finished",
		"root", s.root,
		"removed_chunks", status.RemovedChunks,
		"removed_bytes", status.RemovedBytes,
		"used_chunks", status.UsedChunks,
		"duration", time.Since(start),
	)
	return status, nil
}
