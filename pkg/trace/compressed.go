package trace

import (
	"encoding/binary"
	"io"
	"os"

	"github.com/golang/snappy"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/replaykit/retrace/pkg/stats"
)

// Substream container format: a sequence of blocks, each
// [uncompressed_len u32][compressed_len u32][snappy payload].
const blockHeaderSize = 8

// CompressedWriter appends to one substream file. Writes are buffered
// into fixed-size blocks; when a flush covers several blocks they are
// compressed in parallel on a small worker pool, then written in order
// so the on-disk stream stays deterministic.
type CompressedWriter struct {
	file      *os.File
	blockSize int
	workers   int
	buf       []byte

	uncompressed stats.Counter
	compressed   stats.Counter
	err          error
}

func NewCompressedWriter(path string, blockSize int, workers int) (*CompressedWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return nil, errors.Wrapf(err, "trace: cannot create substream %q", path)
	}

	if workers < 1 {
		workers = 1
	}

	return &CompressedWriter{
		file:      f,
		blockSize: blockSize,
		workers:   workers,
		buf:       make([]byte, 0, blockSize),
	}, nil
}

func (w *CompressedWriter) Good() bool { return w.err == nil }

func (w *CompressedWriter) Write(data []byte) (int, error) {
	if w.err != nil {
		return 0, w.err
	}

	w.buf = append(w.buf, data...)
	if len(w.buf) >= w.blockSize {
		if err := w.flushBlocks(); err != nil {
			return 0, err
		}
	}
	return len(data), nil
}

func (w *CompressedWriter) flushBlocks() error {
	if len(w.buf) == 0 {
		return nil
	}

	nblocks := (len(w.buf) + w.blockSize - 1) / w.blockSize
	compressed := make([][]byte, nblocks)

	var eg errgroup.Group
	eg.SetLimit(w.workers)
	for i := 0; i < nblocks; i++ {
		i := i
		start := i * w.blockSize
		end := start + w.blockSize
		if end > len(w.buf) {
			end = len(w.buf)
		}
		raw := w.buf[start:end]
		eg.Go(func() error {
			compressed[i] = snappy.Encode(nil, raw)
			return nil
		})
	}
	// Compression alone cannot fail; the group exists for the limit.
	_ = eg.Wait()

	var hdr [blockHeaderSize]byte
	for i := 0; i < nblocks; i++ {
		start := i * w.blockSize
		end := start + w.blockSize
		if end > len(w.buf) {
			end = len(w.buf)
		}
		binary.LittleEndian.PutUint32(hdr[0:], uint32(end-start))
		binary.LittleEndian.PutUint32(hdr[4:], uint32(len(compressed[i])))
		if _, err := w.file.Write(hdr[:]); err != nil {
			w.err = errors.Wrap(err, "trace: substream write failed")
			return w.err
		}
		if _, err := w.file.Write(compressed[i]); err != nil {
			w.err = errors.Wrap(err, "trace: substream write failed")
			return w.err
		}
		w.uncompressed.Add(uint64(end - start))
		w.compressed.Add(uint64(len(compressed[i])) + blockHeaderSize)
	}

	w.buf = w.buf[:0]
	return nil
}

func (w *CompressedWriter) Close() error {
	if err := w.flushBlocks(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

func (w *CompressedWriter) UncompressedBytes() uint64 { return w.uncompressed.Value() }
func (w *CompressedWriter) CompressedBytes() uint64   { return w.compressed.Value() }

// readerPos is a resumable cursor: the file offset of a block plus the
// consumed byte count inside its decompressed form.
type readerPos struct {
	blockOffset int64
	within      int
}

// CompressedReader reads one substream. SaveState/RestoreState give the
// peek operations their rewind; Clone produces a fully independent
// cursor over the same file for checkpointed sessions.
type CompressedReader struct {
	path string
	file *os.File

	pos      readerPos
	block    []byte // decompressed current block, nil when not loaded
	nextOff  int64  // file offset of the block after the loaded one
	saved    readerPos
	hasSaved bool

	uncompressedRead uint64
	compressedRead   uint64
	err              error
}

func NewCompressedReader(path string) (*CompressedReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "trace: cannot open substream %q", path)
	}
	return &CompressedReader{path: path, file: f}, nil
}

func (r *CompressedReader) Good() bool { return r.err == nil }

func (r *CompressedReader) loadBlock() error {
	var hdr [blockHeaderSize]byte
	if _, err := r.file.ReadAt(hdr[:], r.pos.blockOffset); err != nil {
		if err == io.EOF {
			return io.EOF
		}
		r.err = errors.Wrapf(err, "trace: substream %q read failed", r.path)
		return r.err
	}
	rawLen := binary.LittleEndian.Uint32(hdr[0:])
	compLen := binary.LittleEndian.Uint32(hdr[4:])

	comp := make([]byte, compLen)
	if _, err := io.ReadFull(io.NewSectionReader(r.file, r.pos.blockOffset+blockHeaderSize, int64(compLen)), comp); err != nil {
		r.err = errors.Wrapf(err, "trace: substream %q truncated block", r.path)
		return r.err
	}

	raw, err := snappy.Decode(nil, comp)
	if err != nil {
		r.err = errors.Wrapf(err, "trace: substream %q corrupt block", r.path)
		return r.err
	}
	if len(raw) != int(rawLen) {
		r.err = errors.Errorf("trace: substream %q block length mismatch (%d != %d)", r.path, len(raw), rawLen)
		return r.err
	}

	r.block = raw
	r.nextOff = r.pos.blockOffset + blockHeaderSize + int64(compLen)
	r.compressedRead += uint64(compLen) + blockHeaderSize
	r.uncompressedRead += uint64(rawLen)
	return nil
}

func (r *CompressedReader) Read(p []byte) (int, error) {
	if r.err != nil {
		return 0, r.err
	}

	total := 0
	for len(p) > 0 {
		if r.block == nil {
			if err := r.loadBlock(); err != nil {
				if total > 0 && err == io.EOF {
					return total, nil
				}
				return total, err
			}
		}
		avail := r.block[r.pos.within:]
		if len(avail) == 0 {
			r.pos = readerPos{blockOffset: r.nextOff}
			r.block = nil
			continue
		}
		n := copy(p, avail)
		p = p[n:]
		r.pos.within += n
		total += n
	}
	return total, nil
}

// AtEnd reports whether every byte of the substream was consumed.
func (r *CompressedReader) AtEnd() bool {
	if r.err != nil {
		return true
	}
	if r.block != nil && r.pos.within < len(r.block) {
		return false
	}
	off := r.pos.blockOffset
	if r.block != nil {
		off = r.nextOff
	}
	var hdr [blockHeaderSize]byte
	_, err := r.file.ReadAt(hdr[:], off)
	return err != nil
}

// SaveState remembers the current position. One level, like the
// original stream: a second save overwrites the first.
func (r *CompressedReader) SaveState() {
	r.saved = r.pos
	r.hasSaved = true
}

// RestoreState rewinds to the last saved position.
func (r *CompressedReader) RestoreState() {
	if !r.hasSaved {
		return
	}
	r.pos = r.saved
	r.block = nil
	r.hasSaved = false
	if r.pos.within > 0 {
		// Reload the block the saved cursor points into.
		within := r.pos.within
		r.pos.within = 0
		if err := r.loadBlock(); err == nil {
			r.pos.within = within
		}
	}
}

// DiscardState drops a saved position without rewinding.
func (r *CompressedReader) DiscardState() {
	r.hasSaved = false
}

// Rewind resets the cursor to the start of the substream.
func (r *CompressedReader) Rewind() {
	r.pos = readerPos{}
	r.block = nil
	r.hasSaved = false
}

// Clone returns an independent reader positioned exactly where r is.
func (r *CompressedReader) Clone() (*CompressedReader, error) {
	f, err := os.Open(r.path)
	if err != nil {
		return nil, errors.Wrapf(err, "trace: cannot reopen substream %q", r.path)
	}
	clone := &CompressedReader{
		path:             r.path,
		file:             f,
		pos:              r.pos,
		uncompressedRead: r.uncompressedRead,
		compressedRead:   r.compressedRead,
	}
	if r.pos.within > 0 {
		within := clone.pos.within
		clone.pos.within = 0
		if err := clone.loadBlock(); err != nil {
			f.Close()
			return nil, err
		}
		clone.pos.within = within
	}
	return clone, nil
}

func (r *CompressedReader) Close() error { return r.file.Close() }

func (r *CompressedReader) UncompressedBytes() uint64 { return r.uncompressedRead }
func (r *CompressedReader) CompressedBytes() uint64   { return r.compressedRead }
