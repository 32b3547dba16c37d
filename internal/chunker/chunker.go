// Package chunker implements content-defined chunking for dynamic-size-chunk
// archives (spec §4.3/C4): a rolling hash over a sliding window decides chunk
// boundaries so that local edits to the input only perturb the chunks
// touching the edit, not the whole stream.
//
// The rolling hash itself is buzhash-style gear hashing, the same technique
// github.com/kch42/buzhash implements; that package's BuzHash is used
// directly as the window's rolling checksum (see DESIGN.md).
package chunker

import (
	"bufio"
	"errors"
	"io"

	"github.com/kch42/buzhash"
)

const windowSize = 64

// Size bounds, matching spec §4.3's "power-of-two target sizes only,
// 64 KiB-16 MiB" for the dynamic chunker.
const (
	MinTargetSize = 64 * 1024
	MaxTargetSize = 16 * 1024 * 1024
)

var (
	// ErrInvalidTargetSize is returned when target is not a power of two
	// within [MinTargetSize, MaxTargetSize].
	ErrInvalidTargetSize = errors.New("chunker: target size must be a power of two in [64KiB, 16MiB]")
)

// Options configures a Chunker.
type Options struct {
	// TargetSize is the average chunk size; must be a power of two in
	// [MinTargetSize, MaxTargetSize].
	TargetSize uint64
	// MinSize is the smallest chunk the chunker will emit via boundary
	// detection (a forced cut at MaxSize can still produce exactly
	// MaxSize bytes even if MinSize hasn't elapsed). Defaults to
	// TargetSize/4 if zero.
	MinSize uint64
	// MaxSize forces a cut even absent a hash boundary, bounding the
	// worst case for incompressible input. Defaults to TargetSize*4 if zero.
	MaxSize uint64
}

func (o *Options) setDefaults() error {
	if o.TargetSize == 0 || o.TargetSize&(o.TargetSize-1) != 0 ||
		o.TargetSize < MinTargetSize || o.TargetSize > MaxTargetSize {
		return ErrInvalidTargetSize
	}
	if o.MinSize == 0 {
		o.MinSize = o.TargetSize / 4
	}
	if o.MaxSize == 0 {
		o.MaxSize = o.TargetSize * 4
	}
	return nil
}

// Chunker splits a byte stream into content-defined chunks.
type Chunker struct {
	r    *bufio.Reader
	opts Options
	mask uint32
	h    *buzhash.BuzHash
	done bool
}

// New returns a Chunker reading from r with the given options.
func New(r io.Reader, opts Options) (*Chunker, error) {
	if err := opts.setDefaults(); err != nil {
		return nil, err
	}
	return &Chunker{
		r:    bufio.NewReaderSize(r, 256*1024),
		opts: opts,
		mask: uint32(opts.TargetSize - 1),
		h:    buzhash.NewBuzHash(windowSize),
	}, nil
}

// Next returns the next content-defined chunk, or io.EOF when the stream is
// exhausted. The returned slice is only valid until the next call to Next.
func (c *Chunker) Next() ([]byte, error) {
	if c.done {
		return nil, io.EOF
	}

	buf := make([]byte, 0, c.opts.TargetSize)
	c.h.Reset()

	for {
		b, err := c.r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				c.done = true
				if len(buf) == 0 {
					return nil, io.EOF
				}
				return buf, nil
			}
			return nil, err
		}
		buf = append(buf, b)
		sum := c.h.HashByte(b)

		size := uint64(len(buf))
		if size >= c.opts.MinSize && sum&c.mask == 0 {
			return buf, nil
		}
		if size >= c.opts.MaxSize {
			return buf, nil
		}
	}
}

// All reads every chunk from r into memory, returning them in order. Useful
// for tests and small archives; large backups should use Next directly to
// stream chunk-by-chunk into the chunk store.
func All(r io.Reader, opts Options) ([][]byte, error) {
	c, err := New(r, opts)
	if err != nil {
		return nil, err
	}
	var chunks [][]byte
	for {
		chunk, err := c.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return chunks, nil
			}
			return nil, err
		}
		cp := make([]byte, len(chunk))
		copy(cp, chunk)
		chunks = append(chunks, cp)
	}
}
