// Package syscallbuf models the in-tracee syscall ring buffer: the
// shared-memory layout the preload stubs write into, the commit
// protocol with its desched-arming window, and the supervisor-side
// flush that turns committed records into trace data.
package syscallbuf

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Blockness says whether a buffered syscall might block. Blocking
// calls need the desched counter armed so the supervisor notices when
// the kernel puts the tracee to sleep mid-recording.
type Blockness int

const (
	WontBlock Blockness = iota
	MayBlock
)

// Armer arms and disarms the per-thread desched event counter. The
// real implementation ioctls the perf fd; tests count calls.
type Armer interface {
	Arm() error
	Disarm() error
}

// Header layout, byte offsets into the shared region. The header is
// written concurrently by the tracee (hook) and the supervisor, so all
// fields are single bytes or a u32 published last.
const (
	offNumRecBytes          = 0 // u32, total committed record bytes
	offAbortCommit          = 4 // u8, supervisor tells the hook to drop the commit
	offLocked               = 5 // u8, buffer unusable (reentrancy, overflow)
	offDeschedMayBeRelevant = 6 // u8, set while a buffered syscall runs
	offNotifyOnHookExit     = 7 // u8, supervisor wants a trap after the hook returns
	HeaderSize              = 16
)

// Record layout. Records are 8-byte aligned; Size is the full record
// length including this header, before alignment.
const (
	recOffSyscallno  = 0  // i32
	recOffDesched    = 4  // u8, a desched fired during this record
	recOffSize       = 8  // u32
	recOffRet        = 16 // i64
	RecordHeaderSize = 24
)

func alignRecord(n uint32) uint32 { return (n + 7) &^ 7 }

// Buffer is one thread's syscall buffer, modeled over a flat byte
// region exactly as the preload library lays it out.
type Buffer struct {
	data []byte
}

func NewBuffer(size int) *Buffer {
	if size < HeaderSize+RecordHeaderSize {
		panic("syscallbuf: buffer too small for a single record")
	}
	return &Buffer{data: make([]byte, size)}
}

// FromBytes wraps an existing region (a checkpoint copy, or bytes read
// out of the tracee) as a Buffer.
func FromBytes(data []byte) *Buffer {
	return &Buffer{data: data}
}

func (b *Buffer) Bytes() []byte { return b.data }
func (b *Buffer) Size() int     { return len(b.data) }

func (b *Buffer) NumRecBytes() uint32 {
	return binary.LittleEndian.Uint32(b.data[offNumRecBytes:])
}

// setNumRecBytes is the publication point: everything written before
// it becomes visible to the supervisor.
func (b *Buffer) setNumRecBytes(v uint32) {
	binary.LittleEndian.PutUint32(b.data[offNumRecBytes:], v)
}

func (b *Buffer) flag(off int) bool { return b.data[off] != 0 }

func (b *Buffer) setFlag(off int, v bool) {
	if v {
		b.data[off] = 1
	} else {
		b.data[off] = 0
	}
}

func (b *Buffer) Locked() bool      { return b.flag(offLocked) }
func (b *Buffer) SetLocked(v bool)  { b.setFlag(offLocked, v) }
func (b *Buffer) AbortCommit() bool { return b.flag(offAbortCommit) }
func (b *Buffer) SetAbortCommit(v bool) {
	b.setFlag(offAbortCommit, v)
}
func (b *Buffer) DeschedSignalMayBeRelevant() bool {
	return b.flag(offDeschedMayBeRelevant)
}
func (b *Buffer) NotifyOnSyscallHookExit() bool {
	return b.flag(offNotifyOnHookExit)
}
func (b *Buffer) SetNotifyOnSyscallHookExit(v bool) {
	b.setFlag(offNotifyOnHookExit, v)
}

// ArmedSyscall returns the syscall number of the in-progress,
// uncommitted record, or -1 when the buffer cannot hold one. Only
// meaningful while the desched relevance flag is raised.
func (b *Buffer) ArmedSyscall() int32 {
	start := int(HeaderSize + b.NumRecBytes())
	if start+RecordHeaderSize > len(b.data) {
		return -1
	}
	return int32(binary.LittleEndian.Uint32(b.data[start+recOffSyscallno:]))
}

// Reset discards all committed records (the SYSCALLBUF_RESET event).
func (b *Buffer) Reset() {
	b.setNumRecBytes(0)
	b.setFlag(offAbortCommit, false)
}

// Cursor is an in-progress record: reserved space that becomes
// visible only when committed.
type Cursor struct {
	buf       *Buffer
	start     uint32 // offset of the record header within data
	payload   uint32 // payload bytes allocated so far
	blockness Blockness
	armer     Armer
}

// PrepSyscall reserves a record. It returns nil when the buffer is
// locked (reentrancy or a previous overflow); the hook must then fall
// back to a traced syscall.
func (b *Buffer) PrepSyscall() *Cursor {
	if b.Locked() {
		return nil
	}
	start := uint32(HeaderSize) + b.NumRecBytes()
	if int(start)+RecordHeaderSize > len(b.data) {
		return nil
	}
	return &Cursor{buf: b, start: start}
}

// PrepSyscallForFd is PrepSyscall plus the fd exclusion check: fds the
// supervisor monitors itself must always take the slow path.
func (b *Buffer) PrepSyscallForFd(excl *FdExclusions, fd int32) *Cursor {
	if excl.IsExcluded(fd) {
		return nil
	}
	return b.PrepSyscall()
}

// AllocPayload grows the record's payload, returning the bytes to fill
// in. A false return means the buffer cannot hold the record; the
// caller aborts the commit and falls back to a traced syscall.
func (c *Cursor) AllocPayload(n uint32) ([]byte, bool) {
	start := c.start + RecordHeaderSize + c.payload
	end := start + n
	if int(alignRecord(end)) > len(c.buf.data) {
		return nil, false
	}
	c.payload += n
	return c.buf.data[start:end], true
}

// StartCommitBufferedSyscall fills the record header and, for possibly
// blocking syscalls, arms the desched counter. The may-be-relevant
// flag is raised strictly before arming: the supervisor must never see
// the desched signal with the flag still clear.
func (c *Cursor) StartCommitBufferedSyscall(no int32, blockness Blockness) error {
	data := c.buf.data[c.start:]
	binary.LittleEndian.PutUint32(data[recOffSyscallno:], uint32(no))
	data[recOffDesched] = 0

	c.blockness = blockness
	if blockness == MayBlock {
		c.buf.setFlag(offDeschedMayBeRelevant, true)
		if c.armer != nil {
			if err := c.armer.Arm(); err != nil {
				c.buf.setFlag(offDeschedMayBeRelevant, false)
				return errors.Wrap(err, "syscallbuf: cannot arm desched counter")
			}
		}
	}
	return nil
}

// SetArmer attaches the desched counter control for this record.
func (c *Cursor) SetArmer(a Armer) { c.armer = a }

// NoteDesched marks that a desched signal interrupted this record.
func (c *Cursor) NoteDesched() {
	c.buf.data[c.start+recOffDesched] = 1
}

// CommitRawSyscall completes the record. Ordering is load-bearing
// twice over: the relevance flag clears before the counter disarms (so
// a late signal is recognizably stale), and the record's bytes are all
// in place before num_rec_bytes moves (so the supervisor never reads a
// half-written record). Returns false when the supervisor requested an
// abort; the record is discarded and the syscall must be re-issued
// traced.
func (c *Cursor) CommitRawSyscall(ret int64) (bool, error) {
	if c.blockness == MayBlock {
		c.buf.setFlag(offDeschedMayBeRelevant, false)
		if c.armer != nil {
			if err := c.armer.Disarm(); err != nil {
				return false, errors.Wrap(err, "syscallbuf: cannot disarm desched counter")
			}
		}
	}

	if c.buf.AbortCommit() {
		c.buf.setFlag(offAbortCommit, false)
		return false, nil
	}

	data := c.buf.data[c.start:]
	size := uint32(RecordHeaderSize) + c.payload
	binary.LittleEndian.PutUint32(data[recOffSize:], size)
	binary.LittleEndian.PutUint64(data[recOffRet:], uint64(ret))

	c.buf.setNumRecBytes(c.start - HeaderSize + alignRecord(size))
	return true, nil
}

// FdExclusions is the process-global byte array of fds that must never
// take the buffered path. The supervisor writes it, hooks only read.
type FdExclusions struct {
	excluded [1024]byte
}

func (e *FdExclusions) Exclude(fd int32) {
	if fd >= 0 && int(fd) < len(e.excluded) {
		e.excluded[fd] = 1
	}
}

func (e *FdExclusions) Allow(fd int32) {
	if fd >= 0 && int(fd) < len(e.excluded) {
		e.excluded[fd] = 0
	}
}

func (e *FdExclusions) IsExcluded(fd int32) bool {
	// Out-of-range fds are conservatively excluded.
	if fd < 0 || int(fd) >= len(e.excluded) {
		return true
	}
	return e.excluded[fd] != 0
}
