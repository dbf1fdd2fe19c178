package trace

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replaykit/retrace/pkg/event"
	"github.com/replaykit/retrace/pkg/system"
)

func newTestWriter(t *testing.T) *Writer {
	t.Helper()
	t.Setenv(TraceDirEnvVar, t.TempDir())
	w, err := NewWriter(
		[]string{"/bin/date", "-u"},
		[]string{"HOME=/home/u", "TERM=dumb"},
		"/home/u",
		0)
	require.NoError(t, err)
	return w
}

func syscallFrame(w *Writer, tid int32, no int64, state event.SyscallState, ticks Ticks) Frame {
	regs := system.NewRegisters(system.ArchX8664)
	regs.SetSyscallno(no)
	regs.SetIP(0x7f0000001000)
	regs.SetSP(0x7ffffff00000)
	ev := event.NewSyscall(event.Syscall, event.SyscallEvent{
		State:  state,
		Number: int32(no),
		Regs:   regs,
	}, system.ArchX8664)
	f := NewFrame(w.Time(), tid, ev, ticks, 1.5)
	f.Regs = regs
	return f
}

func TestWriterReaderRoundTrip(t *testing.T) {
	w := newTestWriter(t)
	dir := w.Dir()

	// Frame 1: syscall entry with registers.
	f1 := syscallFrame(w, 100, 1, event.EnteringSyscall, 1000)
	w.WriteFrame(&f1)

	// Frame 2: raw data belongs to the syscall exit.
	f2 := syscallFrame(w, 100, 1, event.ExitingSyscall, 1010)
	payload := []byte("hello from the kernel")
	w.WriteRaw(payload, 0x7f0000002000)
	w.WriteFrame(&f2)

	// Frame 3: a deterministic signal with a fault address.
	sig := event.NewSignal(event.Signal, event.SignalEvent{
		Siginfo:       event.SigInfo{Signo: 11, Addr: 0xdeadbeef},
		Deterministic: true,
	}, system.ArchX8664)
	f3 := NewFrame(w.Time(), 100, sig, 1020, 2.0)
	f3.Regs = f1.Regs
	w.WriteFrame(&f3)

	w.WriteTaskEvent(&TaskEvent{Type: TaskEventFork, Tid: 101, ParentTid: 100})
	w.WriteTaskEvent(&TaskEvent{
		Type:     TaskEventExec,
		Tid:      101,
		FileName: "/bin/true",
		CmdLine:  []string{"true"},
	})

	require.NoError(t, w.Close())
	require.True(t, w.Good())

	r, err := NewReader(dir)
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, []string{"/bin/date", "-u"}, r.Argv())
	assert.Equal(t, []string{"HOME=/home/u", "TERM=dumb"}, r.Envp())
	assert.Equal(t, "/home/u", r.Cwd())
	assert.Equal(t, 0, r.BindToCPU())

	g1 := r.ReadFrame()
	assert.Equal(t, FrameTime(1), g1.Time)
	assert.Equal(t, int32(100), g1.Tid)
	assert.Equal(t, event.Syscall, g1.Event.Type())
	assert.Equal(t, event.EnteringSyscall, g1.Event.Syscall().State)
	assert.Equal(t, int64(1), g1.Regs.Syscallno())
	assert.Equal(t, uint64(0x7f0000001000), g1.Regs.IP())
	assert.Equal(t, Ticks(1000), g1.Ticks)

	// Raw data is keyed to frame 2; at time 1 there must be none.
	assert.Nil(t, r.ReadRawDataForFrame())

	g2 := r.ReadFrame()
	assert.Equal(t, FrameTime(2), g2.Time)
	raw := r.ReadRawDataForFrame()
	require.NotNil(t, raw)
	assert.Equal(t, uint64(0x7f0000002000), raw.Addr)
	assert.True(t, bytes.Equal(payload, raw.Data))
	assert.Nil(t, r.ReadRawDataForFrame())

	g3 := r.ReadFrame()
	assert.Equal(t, event.Signal, g3.Event.Type())
	assert.Equal(t, int32(11), g3.Event.Signal().Siginfo.Signo)
	assert.Equal(t, uint64(0xdeadbeef), g3.Event.Signal().Siginfo.Addr)
	assert.True(t, g3.Event.Signal().Deterministic)

	assert.True(t, r.AtEnd())

	te1 := r.ReadTaskEvent()
	require.NotNil(t, te1)
	assert.Equal(t, TaskEventFork, te1.Type)
	assert.Equal(t, int32(101), te1.Tid)
	assert.Equal(t, int32(100), te1.ParentTid)

	te2 := r.ReadTaskEvent()
	require.NotNil(t, te2)
	assert.Equal(t, TaskEventExec, te2.Type)
	assert.Equal(t, "/bin/true", te2.FileName)
	assert.Nil(t, r.ReadTaskEvent())
}

func TestReaderPeekDoesNotConsume(t *testing.T) {
	w := newTestWriter(t)
	dir := w.Dir()

	f1 := syscallFrame(w, 7, 0, event.EnteringSyscall, 10)
	w.WriteFrame(&f1)
	f2 := syscallFrame(w, 7, 0, event.ExitingSyscall, 20)
	w.WriteFrame(&f2)
	f3 := syscallFrame(w, 9, 39, event.EnteringSyscall, 30)
	w.WriteFrame(&f3)
	require.NoError(t, w.Close())

	r, err := NewReader(dir)
	require.NoError(t, err)
	defer r.Close()

	p := r.PeekFrame()
	assert.Equal(t, FrameTime(1), p.Time)
	assert.Equal(t, FrameTime(0), r.Time())

	// PeekTo scans past intervening frames without moving the cursor.
	hit := r.PeekTo(9, event.Syscall, event.EnteringSyscall)
	assert.Equal(t, FrameTime(3), hit.Time)
	assert.Equal(t, int32(9), hit.Tid)
	assert.Equal(t, FrameTime(0), r.Time())

	g1 := r.ReadFrame()
	assert.Equal(t, FrameTime(1), g1.Time)
	assert.Equal(t, int32(7), g1.Tid)
}

func TestReaderRewindAndClone(t *testing.T) {
	w := newTestWriter(t)
	dir := w.Dir()

	for i := 0; i < 5; i++ {
		f := syscallFrame(w, 1, int64(i), event.EnteringSyscall, Ticks(i*100))
		w.WriteFrame(&f)
	}
	require.NoError(t, w.Close())

	r, err := NewReader(dir)
	require.NoError(t, err)
	defer r.Close()

	r.ReadFrame()
	r.ReadFrame()

	clone, err := r.Clone()
	require.NoError(t, err)
	defer clone.Close()

	// The original advances; the clone stays put.
	g3 := r.ReadFrame()
	assert.Equal(t, FrameTime(3), g3.Time)

	c3 := clone.ReadFrame()
	assert.Equal(t, FrameTime(3), c3.Time)
	assert.Equal(t, int64(2), c3.Regs.Syscallno())

	r.Rewind()
	assert.Equal(t, FrameTime(0), r.Time())
	g1 := r.ReadFrame()
	assert.Equal(t, FrameTime(1), g1.Time)
	assert.Equal(t, int64(0), g1.Regs.Syscallno())
}

func TestMappedRegionRoundTrip(t *testing.T) {
	w := newTestWriter(t)
	dir := w.Dir()

	// A private writable file mapping must be copied into the trace.
	rec := w.WriteMappedRegion(MappedRegion{
		Start:  0x400000,
		End:    0x401000,
		FsName: filepath.Join(t.TempDir(), "a.out"),
		Device: 1, Inode: 42,
		Prot:  0x3, // read|write
		Flags: 0x2, // private
	}, ExecMapping)
	assert.Equal(t, DoRecordInTrace, rec)

	f := syscallFrame(w, 1, 9, event.ExitingSyscall, 10)
	w.WriteFrame(&f)

	// Anonymous syscall mapping needs no payload.
	rec = w.WriteMappedRegion(MappedRegion{
		Start: 0x7f0000000000,
		End:   0x7f0000004000,
		Prot:  0x3,
		Flags: 0x22, // private|anonymous
	}, SyscallMapping)
	assert.Equal(t, DontRecordInTrace, rec)

	f2 := syscallFrame(w, 1, 9, event.ExitingSyscall, 20)
	w.WriteFrame(&f2)
	require.NoError(t, w.Close())

	r, err := NewReader(dir)
	require.NoError(t, err)
	defer r.Close()

	// Mappings recorded before frame 1 carry time 1.
	r.ReadFrame()
	m1 := r.ReadMappedRegion()
	require.NotNil(t, m1)
	assert.Equal(t, SourceTrace, m1.Source)
	assert.Equal(t, uint64(0x400000), m1.Start)
	assert.Nil(t, r.ReadMappedRegion(), "only one mapping at time 1")

	r.ReadFrame()
	m2 := r.ReadMappedRegion()
	require.NotNil(t, m2)
	assert.Equal(t, SourceZero, m2.Source)
	assert.Nil(t, r.ReadMappedRegion())
}

func TestHardlinkedFileMapping(t *testing.T) {
	w := newTestWriter(t)
	dir := w.Dir()

	backing := filepath.Join(dir, "libfake.so")
	require.NoError(t, os.WriteFile(backing, []byte("ELF..."), 0644))

	region := MappedRegion{
		Start:  0x7f0000100000,
		End:    0x7f0000101000,
		FsName: backing,
		Device: 3, Inode: 99,
		Prot:  0x1, // read
		Flags: 0x2,
	}
	fi, err := os.Stat(backing)
	require.NoError(t, err)
	region.FileSize = fi.Size()
	region.FileMtime = fi.ModTime().Unix()

	// A read-only mapping of a non-system file is still copied.
	rec := w.WriteMappedRegion(region, SyscallMapping)
	assert.Equal(t, DoRecordInTrace, rec)

	// A system library is trusted not to change and mapped from disk.
	region.FsName = "/usr/lib/libfake.so"
	rec = w.WriteMappedRegion(region, SyscallMapping)
	assert.Equal(t, DontRecordInTrace, rec)

	f := syscallFrame(w, 1, 9, event.ExitingSyscall, 10)
	w.WriteFrame(&f)
	require.NoError(t, w.Close())

	r, err := NewReader(dir)
	require.NoError(t, err)
	defer r.Close()

	r.ReadFrame()
	m1 := r.ReadMappedRegion()
	require.NotNil(t, m1)
	assert.Equal(t, SourceTrace, m1.Source)

	m2 := r.ReadMappedRegion()
	require.NotNil(t, m2)
	assert.Equal(t, SourceFile, m2.Source)
}

func TestVersionMismatch(t *testing.T) {
	w := newTestWriter(t)
	dir := w.Dir()
	f := syscallFrame(w, 1, 0, event.EnteringSyscall, 1)
	w.WriteFrame(&f)
	require.NoError(t, w.Close())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "version"), []byte("999\n"), 0600))

	_, err := NewReader(dir)
	require.Error(t, err)
	var vErr *VersionMismatchError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, 999, vErr.Found)
	assert.Equal(t, FormatVersion, vErr.Expected)
}

func TestLatestTraceSymlink(t *testing.T) {
	w := newTestWriter(t)
	require.NoError(t, w.Close())

	w.MakeLatestTrace()
	target, err := os.Readlink(LatestTraceSymlink())
	require.NoError(t, err)
	assert.Equal(t, w.Dir(), target)
}
