package trace

import (
	"fmt"
	"io"
)

// TaskEventType tags records in the tasks substream.
type TaskEventType uint8

const (
	TaskEventNone TaskEventType = iota
	TaskEventClone
	TaskEventFork
	TaskEventExec
	TaskEventExit
)

func (t TaskEventType) String() string {
	switch t {
	case TaskEventClone:
		return "CLONE"
	case TaskEventFork:
		return "FORK"
	case TaskEventExec:
		return "EXEC"
	case TaskEventExit:
		return "EXIT"
	default:
		return "NONE"
	}
}

// TaskEvent records task creation, exec and exit in the tasks
// substream, so a reader can reconstruct the task tree without
// replaying.
type TaskEvent struct {
	Type      TaskEventType
	Tid       int32
	ParentTid int32 // CLONE, FORK

	CloneFlags uint64 // CLONE

	FileName   string  // EXEC
	CmdLine    []string // EXEC
	FdsToClose []int32  // EXEC

	ExitStatus int32 // EXIT
}

func (e *TaskEvent) encode(w io.Writer) error {
	if e.Type == TaskEventNone {
		return fmt.Errorf("trace: writing NONE task event")
	}
	if err := writeU8(w, uint8(e.Type)); err != nil {
		return err
	}
	if err := writeI32(w, e.Tid); err != nil {
		return err
	}
	switch e.Type {
	case TaskEventClone:
		if err := writeI32(w, e.ParentTid); err != nil {
			return err
		}
		return writeU64(w, e.CloneFlags)
	case TaskEventFork:
		return writeI32(w, e.ParentTid)
	case TaskEventExec:
		if err := writeString(w, e.FileName); err != nil {
			return err
		}
		if err := writeStrings(w, e.CmdLine); err != nil {
			return err
		}
		if err := writeU32(w, uint32(len(e.FdsToClose))); err != nil {
			return err
		}
		for _, fd := range e.FdsToClose {
			if err := writeI32(w, fd); err != nil {
				return err
			}
		}
		return nil
	case TaskEventExit:
		return writeI32(w, e.ExitStatus)
	}
	return nil
}

func (e *TaskEvent) decode(r io.Reader) error {
	typ, err := readU8(r)
	if err != nil {
		return err
	}
	e.Type = TaskEventType(typ)
	if e.Tid, err = readI32(r); err != nil {
		return err
	}
	switch e.Type {
	case TaskEventClone:
		if e.ParentTid, err = readI32(r); err != nil {
			return err
		}
		e.CloneFlags, err = readU64(r)
		return err
	case TaskEventFork:
		e.ParentTid, err = readI32(r)
		return err
	case TaskEventExec:
		if e.FileName, err = readString(r); err != nil {
			return err
		}
		if e.CmdLine, err = readStrings(r); err != nil {
			return err
		}
		var n uint32
		if n, err = readU32(r); err != nil {
			return err
		}
		e.FdsToClose = make([]int32, 0, n)
		for i := uint32(0); i < n; i++ {
			fd, err := readI32(r)
			if err != nil {
				return err
			}
			e.FdsToClose = append(e.FdsToClose, fd)
		}
		return nil
	case TaskEventExit:
		e.ExitStatus, err = readI32(r)
		return err
	}
	return nil
}

// MappedDataSource says where replay finds the bytes backing a mapping.
type MappedDataSource uint8

const (
	// SourceZero: fresh anonymous zero pages.
	SourceZero MappedDataSource = iota
	// SourceTrace: bytes were copied into the trace's data substream.
	SourceTrace
	// SourceFile: mapped from a file assumed immutable (possibly a
	// hardlink captured inside the trace directory).
	SourceFile
)

// MappedRegion is a record in the mmaps substream describing one
// memory mapping established at a specific event time.
type MappedRegion struct {
	Time   FrameTime
	Source MappedDataSource

	Start           uint64
	End             uint64
	FsName          string
	Device          uint64
	Inode           uint64
	Prot            int32
	Flags           int32
	FileOffsetBytes uint64

	// BackingFileName is where replay maps SourceFile regions from. A
	// relative name is relative to the trace directory.
	BackingFileName string
	FileMode        uint32
	FileUID         uint32
	FileGID         uint32
	FileSize        int64
	FileMtime       int64
}

func (m *MappedRegion) encode(w io.Writer) error {
	for _, step := range []func() error{
		func() error { return writeU32(w, uint32(m.Time)) },
		func() error { return writeU8(w, uint8(m.Source)) },
		func() error { return writeU64(w, m.Start) },
		func() error { return writeU64(w, m.End) },
		func() error { return writeString(w, m.FsName) },
		func() error { return writeU64(w, m.Device) },
		func() error { return writeU64(w, m.Inode) },
		func() error { return writeI32(w, m.Prot) },
		func() error { return writeI32(w, m.Flags) },
		func() error { return writeU64(w, m.FileOffsetBytes) },
		func() error { return writeString(w, m.BackingFileName) },
		func() error { return writeU32(w, m.FileMode) },
		func() error { return writeU32(w, m.FileUID) },
		func() error { return writeU32(w, m.FileGID) },
		func() error { return writeI64(w, m.FileSize) },
		func() error { return writeI64(w, m.FileMtime) },
	} {
		if err := step(); err != nil {
			return err
		}
	}
	return nil
}

func (m *MappedRegion) decode(r io.Reader) error {
	var err error
	var t uint32
	if t, err = readU32(r); err != nil {
		return err
	}
	m.Time = FrameTime(t)
	var src uint8
	if src, err = readU8(r); err != nil {
		return err
	}
	m.Source = MappedDataSource(src)
	if m.Start, err = readU64(r); err != nil {
		return err
	}
	if m.End, err = readU64(r); err != nil {
		return err
	}
	if m.FsName, err = readString(r); err != nil {
		return err
	}
	if m.Device, err = readU64(r); err != nil {
		return err
	}
	if m.Inode, err = readU64(r); err != nil {
		return err
	}
	if m.Prot, err = readI32(r); err != nil {
		return err
	}
	if m.Flags, err = readI32(r); err != nil {
		return err
	}
	if m.FileOffsetBytes, err = readU64(r); err != nil {
		return err
	}
	if m.BackingFileName, err = readString(r); err != nil {
		return err
	}
	if m.FileMode, err = readU32(r); err != nil {
		return err
	}
	if m.FileUID, err = readU32(r); err != nil {
		return err
	}
	if m.FileGID, err = readU32(r); err != nil {
		return err
	}
	if m.FileSize, err = readI64(r); err != nil {
		return err
	}
	m.FileMtime, err = readI64(r)
	return err
}

// RawData is one memory capture: the bytes the kernel wrote at addr
// during the frame at Time.
type RawData struct {
	Time FrameTime
	Addr uint64
	Data []byte
}
