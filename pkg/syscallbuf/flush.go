package syscallbuf

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Record is one committed buffered syscall, decoded from the ring.
type Record struct {
	Syscallno int32
	Desched   bool
	Ret       int64
	Payload   []byte
}

// DrainRecords decodes every committed record. The recorder calls this
// under a flush; the returned slice is what goes into the
// SyscallbufFlush event's data.
func (b *Buffer) DrainRecords() ([]Record, error) {
	var out []Record
	end := HeaderSize + b.NumRecBytes()
	if int(end) > len(b.data) {
		return nil, errors.Errorf("syscallbuf: num_rec_bytes %d exceeds buffer", b.NumRecBytes())
	}

	off := uint32(HeaderSize)
	for off < end {
		if end-off < RecordHeaderSize {
			return nil, errors.Errorf("syscallbuf: truncated record header at %d", off)
		}
		data := b.data[off:]
		size := binary.LittleEndian.Uint32(data[recOffSize:])
		if size < RecordHeaderSize || off+alignRecord(size) > end {
			return nil, errors.Errorf("syscallbuf: corrupt record size %d at %d", size, off)
		}
		rec := Record{
			Syscallno: int32(binary.LittleEndian.Uint32(data[recOffSyscallno:])),
			Desched:   data[recOffDesched] != 0,
			Ret:       int64(binary.LittleEndian.Uint64(data[recOffRet:])),
		}
		rec.Payload = append([]byte(nil), data[RecordHeaderSize:size]...)
		out = append(out, rec)
		off += alignRecord(size)
	}
	return out, nil
}

// EncodeRecords serializes records back to the exact ring layout. The
// replayer writes this into the tracee's buffer before the flush
// replays, so the hooks' reads see the recorded bytes.
func EncodeRecords(records []Record) []byte {
	var total uint32
	for _, r := range records {
		total += alignRecord(RecordHeaderSize + uint32(len(r.Payload)))
	}
	out := make([]byte, total)

	off := uint32(0)
	for _, r := range records {
		data := out[off:]
		size := RecordHeaderSize + uint32(len(r.Payload))
		binary.LittleEndian.PutUint32(data[recOffSyscallno:], uint32(r.Syscallno))
		if r.Desched {
			data[recOffDesched] = 1
		}
		binary.LittleEndian.PutUint32(data[recOffSize:], size)
		binary.LittleEndian.PutUint64(data[recOffRet:], uint64(r.Ret))
		copy(data[RecordHeaderSize:], r.Payload)
		off += alignRecord(size)
	}
	return out
}

// DecodeRecords parses an EncodeRecords byte image back into records.
func DecodeRecords(data []byte) ([]Record, error) {
	var out []Record
	off := uint32(0)
	end := uint32(len(data))
	for off < end {
		if end-off < RecordHeaderSize {
			return nil, errors.Errorf("syscallbuf: truncated record header at %d", off)
		}
		rec := data[off:]
		size := binary.LittleEndian.Uint32(rec[recOffSize:])
		if size < RecordHeaderSize || off+alignRecord(size) > end {
			return nil, errors.Errorf("syscallbuf: corrupt record size %d at %d", size, off)
		}
		out = append(out, Record{
			Syscallno: int32(binary.LittleEndian.Uint32(rec[recOffSyscallno:])),
			Desched:   rec[recOffDesched] != 0,
			Ret:       int64(binary.LittleEndian.Uint64(rec[recOffRet:])),
			Payload:   append([]byte(nil), rec[RecordHeaderSize:size]...),
		})
		off += alignRecord(size)
	}
	return out, nil
}

// LoadRecords installs previously recorded ring contents into a
// buffer, as the replayer does before letting the tracee's hooks run
// through a flush.
func (b *Buffer) LoadRecords(records []Record) error {
	encoded := EncodeRecords(records)
	if HeaderSize+len(encoded) > len(b.data) {
		return errors.Errorf("syscallbuf: %d record bytes do not fit a %d byte buffer",
			len(encoded), len(b.data))
	}
	copy(b.data[HeaderSize:], encoded)
	b.setNumRecBytes(uint32(len(encoded)))
	return nil
}
