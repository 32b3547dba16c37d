// Package dynidx implements the dynamic-size-chunk index file (.didx): a
// 4096-byte header followed by a flat array of 40-byte entries
// (end_offset uint64 LE, digest[32]), one per content-defined chunk.
//
// Grounded on pbs-datastore/src/dynamic_index.rs (header layout, binary
// search, close()/index_csum semantics) and on fixedidx's mmap idiom, which
// itself follows internal/chunk/file/mmap_reader.go.
package dynidx

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"proxmoxcore/internal/blob"
	"proxmoxcore/internal/chunkstore"
	"proxmoxcore/internal/digest"
	"proxmoxcore/internal/lrucache"
)

// Magic identifies a dynamic-size-chunk index file, per spec §6.
var Magic = [8]byte{'D', 'I', 'D', 'X', 0, 0, 0, 1}

const (
	HeaderSize = 4096
	EntrySize  = 8 + digest.Size // end_offset (LE u64) + digest

	offMagic     = 0
	offUUID      = 8
	offCtime     = 24
	offIndexCsum = 32
	// offset 64..4096 is reserved, zero-filled.
)

var (
	ErrBadMagic          = errors.New("dynidx: bad magic")
	ErrTruncated         = errors.New("dynidx: file too small for header")
	ErrSizeMismatch      = errors.New("dynidx: index size is not a multiple of entry size")
	ErrIndexOutOfRange   = errors.New("dynidx: entry index out of range")
	ErrOffsetOutOfRange  = errors.New("dynidx: offset out of range")
	ErrClosed            = errors.New("dynidx: index already closed")
	ErrNonMonotonic      = errors.New("dynidx: chunk end offsets must strictly increase")
)

func encodeHeader(buf []byte, magic [8]byte, id uuid.UUID, ctime int64) {
	copy(buf[offMagic:offMagic+8], magic[:])
	idBytes, _ := id.MarshalBinary()
	copy(buf[offUUID:offUUID+16], idBytes)
	binary.LittleEndian.PutUint64(buf[offCtime:offCtime+8], uint64(ctime))
}

// Reader provides read-only, mmap-backed access to a closed .didx file.
type Reader struct {
	file      *os.File
	data      []byte // mmap of the entry array (header_size offset)
	count     int
	fileSize  int64
	uuid      uuid.UUID
	ctime     int64
	indexCsum [32]byte
}

// Open opens and validates a .didx file, mmapping its entry array read-only.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r, err := newReader(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("dynidx: open %s: %w", path, err)
	}
	return r, nil
}

func newReader(f *os.File) (*Reader, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() < HeaderSize {
		return nil, ErrTruncated
	}

	header := make([]byte, HeaderSize)
	if _, err := f.ReadAt(header, 0); err != nil {
		return nil, err
	}

	var magic [8]byte
	copy(magic[:], header[offMagic:offMagic+8])
	if magic != Magic {
		return nil, ErrBadMagic
	}

	entrySize := info.Size() - HeaderSize
	count := int(entrySize / EntrySize)
	if int64(count)*EntrySize != entrySize {
		return nil, ErrSizeMismatch
	}

	var data []byte
	if entrySize > 0 {
		data, err = unix.Mmap(int(f.Fd()), HeaderSize, int(entrySize), unix.PROT_READ, unix.MAP_PRIVATE)
		if err != nil {
			return nil, fmt.Errorf("dynidx: mmap: %w", err)
		}
	}

	id, _ := uuid.FromBytes(header[offUUID : offUUID+16])
	ctime := int64(binary.LittleEndian.Uint64(header[offCtime : offCtime+8]))
	var csum [32]byte
	copy(csum[:], header[offIndexCsum:offIndexCsum+32])

	return &Reader{
		file:      f,
		data:      data,
		count:     count,
		fileSize:  info.Size(),
		uuid:      id,
		ctime:     ctime,
		indexCsum: csum,
	}, nil
}

// Close unmaps and closes the underlying file.
func (r *Reader) Close() error {
	var err error
	if r.data != nil {
		if e := unix.Munmap(r.data); e != nil {
			err = e
		}
		r.data = nil
	}
	if r.file != nil {
		if e := r.file.Close(); e != nil && err == nil {
			err = e
		}
		r.file = nil
	}
	return err
}

func (r *Reader) IndexCount() int      { return r.count }
func (r *Reader) UUID() uuid.UUID      { return r.uuid }
func (r *Reader) Ctime() time.Time     { return time.Unix(r.ctime, 0) }
func (r *Reader) StoredCsum() [32]byte { return r.indexCsum }

func (r *Reader) entryAt(pos int) (end uint64, d digest.Digest) {
	off := pos * EntrySize
	end = binary.LittleEndian.Uint64(r.data[off : off+8])
	d, _ = digest.FromBytes(r.data[off+8 : off+8+digest.Size])
	return end, d
}

// ChunkEnd returns the logical end offset of chunk pos.
func (r *Reader) ChunkEnd(pos int) (uint64, bool) {
	if pos < 0 || pos >= r.count {
		return 0, false
	}
	end, _ := r.entryAt(pos)
	return end, true
}

// IndexDigest returns the digest stored for entry pos.
func (r *Reader) IndexDigest(pos int) (digest.Digest, bool) {
	if pos < 0 || pos >= r.count {
		return digest.Digest{}, false
	}
	_, d := r.entryAt(pos)
	return d, true
}

// ChunkInfo returns the logical byte range and digest for chunk pos.
func (r *Reader) ChunkInfo(pos int) (start, end uint64, d digest.Digest, ok bool) {
	if pos < 0 || pos >= r.count {
		return 0, 0, digest.Digest{}, false
	}
	if pos > 0 {
		start, _ = r.ChunkEnd(pos - 1)
	}
	end, d = r.entryAt(pos)
	return start, end, d, true
}

// IndexBytes returns the total logical size covered by the index (the end
// offset of the last chunk, or 0 if empty).
func (r *Reader) IndexBytes() uint64 {
	if r.count == 0 {
		return 0
	}
	end, _ := r.ChunkEnd(r.count - 1)
	return end
}

// binarySearch locates the entry whose range contains offset, recursing the
// same way dynamic_index.rs's binary_search does.
func (r *Reader) binarySearch(startIdx int, start uint64, endIdx int, end, offset uint64) (int, bool) {
	if offset >= end || offset < start {
		return 0, false
	}
	if endIdx == startIdx {
		return startIdx, true
	}
	middleIdx := (startIdx + endIdx) / 2
	middleEnd, _ := r.ChunkEnd(middleIdx)
	if offset < middleEnd {
		return r.binarySearch(startIdx, start, middleIdx, middleEnd, offset)
	}
	return r.binarySearch(middleIdx+1, middleEnd, endIdx, end, offset)
}

// ChunkFromOffset maps a logical byte offset to its chunk index and the
// intra-chunk offset within that chunk.
func (r *Reader) ChunkFromOffset(offset uint64) (idx int, intraOffset uint64, ok bool) {
	if r.count == 0 {
		return 0, 0, false
	}
	endIdx := r.count - 1
	end, _ := r.ChunkEnd(endIdx)
	found, ok := r.binarySearch(0, 0, endIdx, end, offset)
	if !ok {
		return 0, 0, false
	}
	var foundStart uint64
	if found > 0 {
		foundStart, _ = r.ChunkEnd(found - 1)
	}
	return found, offset - foundStart, true
}

// ComputeCsum recomputes the SHA-256 over the concatenated
// (end_offset_LE||digest) entries and returns it along with the total size.
func (r *Reader) ComputeCsum() ([32]byte, uint64) {
	h := sha256.New()
	var chunkEnd uint64
	var buf [8]byte
	for pos := 0; pos < r.count; pos++ {
		_, end, d, _ := r.ChunkInfo(pos)
		chunkEnd = end
		binary.LittleEndian.PutUint64(buf[:], end)
		h.Write(buf[:])
		h.Write(d.Bytes())
	}
	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	return sum, chunkEnd
}

// Writer appends (end_offset, digest) entries sequentially and finalizes the
// index with Close, which writes the checksum and atomically renames the
// tmp file into place.
type Writer struct {
	file      *os.File
	finalPath string
	tmpPath   string
	csum      []byte // accumulator, not yet finalized
	h         interface {
		Write(p []byte) (int, error)
		Sum(b []byte) []byte
	}
	lastEnd uint64
	count   int
	uuid    uuid.UUID
	ctime   int64
	closed  bool
}

// Create creates a new dynamic index file at path (final name; a sibling
// "<path>.tmp_didx" is used until Close renames it into place).
func Create(path string) (*Writer, error) {
	tmpPath := path + ".tmp_didx"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0o640)
	if err != nil {
		return nil, fmt.Errorf("dynidx: create %s: %w", tmpPath, err)
	}

	id := uuid.New()
	ctime := time.Now().Unix()

	header := make([]byte, HeaderSize)
	encodeHeader(header, Magic, id, ctime)
	if _, err := f.Write(header); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return nil, err
	}

	return &Writer{
		file:      f,
		finalPath: path,
		tmpPath:   tmpPath,
		h:         sha256.New(),
		uuid:      id,
		ctime:     ctime,
	}, nil
}

// AddChunk appends an entry for a chunk ending at offset with digest d.
// Offsets must be supplied in strictly increasing order, matching the
// sequential-append protocol a backup session writes chunks under.
func (w *Writer) AddChunk(offset uint64, d digest.Digest) error {
	if w.closed {
		return ErrClosed
	}
	if offset <= w.lastEnd && w.count > 0 {
		return fmt.Errorf("%w: %d <= %d", ErrNonMonotonic, offset, w.lastEnd)
	}

	var buf [EntrySize]byte
	binary.LittleEndian.PutUint64(buf[0:8], offset)
	copy(buf[8:], d.Bytes())

	if _, err := w.file.Write(buf[:]); err != nil {
		return err
	}
	w.h.Write(buf[:])
	w.lastEnd = offset
	w.count++
	return nil
}

func (w *Writer) Count() int { return w.count }

// Close computes the index checksum, writes it into the header, and
// atomically renames the tmp file into place.
func (w *Writer) Close() ([32]byte, error) {
	if w.closed {
		return [32]byte{}, ErrClosed
	}
	w.closed = true

	var csum [32]byte
	copy(csum[:], w.h.Sum(nil))

	if _, err := w.file.WriteAt(csum[:], offIndexCsum); err != nil {
		return csum, fmt.Errorf("dynidx: write csum: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return csum, fmt.Errorf("dynidx: fsync: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return csum, err
	}

	if err := os.Rename(w.tmpPath, w.finalPath); err != nil {
		return csum, fmt.Errorf("dynidx: rename %s -> %s: %w", w.tmpPath, w.finalPath, err)
	}
	return csum, nil
}

// Abort discards the in-progress index, removing the tmp file.
func (w *Writer) Abort() error {
	if !w.closed {
		_ = w.file.Close()
		w.closed = true
	}
	return os.Remove(w.tmpPath)
}

// Path returns the final path this writer will rename into on Close.
func (w *Writer) Path() string { return w.finalPath }

// contentCacheChunks bounds how many decoded chunk payloads a ContentReader
// keeps resident at once; dedup means the same chunk is frequently read by
// more than one offset range within a restore.
const contentCacheChunks = 64

// ContentReader serves random-access reads over a dynamic index's logical
// content, pulling chunks through the chunk store and decoding them on
// demand. Decoded payloads are kept in an LRU cache so overlapping or
// repeated reads of a deduplicated chunk don't re-decode it.
type ContentReader struct {
	idx   *Reader
	store *chunkstore.Store
	cache *lrucache.Cache[digest.Digest, []byte]
}

// NewContentReader wraps an open dynamic index reader for random-access
// content reads against store.
func NewContentReader(idx *Reader, store *chunkstore.Store) *ContentReader {
	return &ContentReader{
		idx:   idx,
		store: store,
		cache: lrucache.New[digest.Digest, []byte](contentCacheChunks),
	}
}

// ReadAt fills p with content starting at logical offset, returning how
// many bytes were copied. It never reads across a chunk boundary in one
// call; callers wanting more must issue a subsequent ReadAt at offset+n.
// Unlike io.ReaderAt, a count shorter than len(p) comes with a nil error
// when a chunk boundary is reached; an offset at or past the end returns
// io.EOF.
func (c *ContentReader) ReadAt(p []byte, offset uint64) (int, error) {
	if offset >= c.idx.IndexBytes() {
		return 0, io.EOF
	}
	chunkIdx, intra, ok := c.idx.ChunkFromOffset(offset)
	if !ok {
		return 0, io.EOF
	}
	_, _, d, _ := c.idx.ChunkInfo(chunkIdx)

	payload, ok, err := c.cache.Access(d, func(key digest.Digest) ([]byte, bool, error) {
		raw, err := c.store.ReadRaw(key)
		if err != nil {
			return nil, false, fmt.Errorf("dynidx: read chunk %s: %w", key, err)
		}
		decoded, err := blob.Decode(raw, nil)
		if err != nil {
			return nil, false, fmt.Errorf("dynidx: decode chunk %s: %w", key, err)
		}
		return decoded, true, nil
	})
	if err != nil {
		return 0, err
	}
	if !ok || intra >= uint64(len(payload)) {
		return 0, fmt.Errorf("dynidx: chunk %s: intra-chunk offset %d out of range", d, intra)
	}
	return copy(p, payload[intra:]), nil
}
