package trace

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/replaykit/retrace/pkg/event"
	"github.com/replaykit/retrace/pkg/system"
	"github.com/replaykit/retrace/pkg/util/errutil"
)

// VersionMismatchError means the trace was produced by an incompatible
// build. Callers should exit with DataErrExitCode.
type VersionMismatchError struct {
	Path     string
	Expected int
	Found    int
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("trace %q has incompatible version %d (expected %d); it must be replayed with the build that recorded it",
		e.Path, e.Found, e.Expected)
}

// Reader reads back a previously recorded trace.
type Reader struct {
	Stream
	readers [substreamCount]*CompressedReader

	argv      []string
	envp      []string
	cwd       string
	bindToCPU int
}

// ResolveTraceDir turns a user-supplied trace name into a directory: an
// empty name means the latest trace, a bare name is looked up under the
// save root, anything with a separator is used as-is.
func ResolveTraceDir(name string) string {
	switch {
	case name == "":
		return LatestTraceSymlink()
	case strings.ContainsRune(name, filepath.Separator):
		return name
	default:
		return filepath.Join(SaveDir(), name)
	}
}

// NewReader opens the trace at dir, verifying the format version and
// loading the recorded invocation.
func NewReader(dir string) (*Reader, error) {
	r := &Reader{Stream: Stream{dir: dir}}

	if err := r.checkVersion(); err != nil {
		return nil, err
	}
	if err := r.loadArgsEnv(); err != nil {
		return nil, err
	}

	for s := Substream(0); s < substreamCount; s++ {
		cr, err := NewCompressedReader(r.substreamPath(s))
		if err != nil {
			return nil, err
		}
		r.readers[s] = cr
	}

	log.Debugf("trace.NewReader: loaded trace of %q from %q", r.argv[0], dir)
	return r, nil
}

func (r *Reader) checkVersion() error {
	raw, err := os.ReadFile(r.versionPath())
	if err != nil {
		return errors.Wrapf(err, "trace: %q is not a trace directory", r.Dir())
	}
	found, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return errors.Wrapf(err, "trace: %q has a corrupt version file", r.Dir())
	}
	if found != FormatVersion {
		return &VersionMismatchError{Path: r.Dir(), Expected: FormatVersion, Found: found}
	}
	return nil
}

func (r *Reader) loadArgsEnv() error {
	raw, err := os.ReadFile(r.argsEnvPath())
	if err != nil {
		return errors.Wrap(err, "trace: cannot read args_env")
	}

	rest := string(raw)
	nextNul := func() (string, error) {
		i := strings.IndexByte(rest, 0)
		if i < 0 {
			return "", errors.New("trace: truncated args_env")
		}
		s := rest[:i]
		rest = rest[i+1:]
		return s, nil
	}
	readList := func() ([]string, error) {
		nl := strings.IndexByte(rest, '\n')
		if nl < 0 {
			return nil, errors.New("trace: truncated args_env")
		}
		n, err := strconv.Atoi(rest[:nl])
		if err != nil {
			return nil, errors.Wrap(err, "trace: corrupt args_env")
		}
		rest = rest[nl+1:]
		items := make([]string, 0, n)
		for i := 0; i < n; i++ {
			s, err := nextNul()
			if err != nil {
				return nil, err
			}
			items = append(items, s)
		}
		return items, nil
	}

	if r.cwd, err = nextNul(); err != nil {
		return err
	}
	if r.argv, err = readList(); err != nil {
		return err
	}
	if r.envp, err = readList(); err != nil {
		return err
	}
	if r.bindToCPU, err = strconv.Atoi(strings.TrimSpace(rest)); err != nil {
		return errors.Wrap(err, "trace: corrupt args_env CPU field")
	}
	if len(r.argv) == 0 {
		return errors.New("trace: args_env records no command")
	}
	return nil
}

func (r *Reader) Argv() []string { return r.argv }
func (r *Reader) Envp() []string { return r.envp }
func (r *Reader) Cwd() string    { return r.cwd }
func (r *Reader) BindToCPU() int { return r.bindToCPU }

func (r *Reader) reader(s Substream) *CompressedReader { return r.readers[s] }

// ReadFrame returns the next frame from the events substream. Frame
// times must advance by exactly one; a gap means the trace is corrupt
// and there is no way to continue.
func (r *Reader) ReadFrame() Frame {
	events := r.reader(SubstreamEvents)

	t, err := readU32(events)
	errutil.FailOn(err)
	tid, err := readI32(events)
	errutil.FailOn(err)
	enc, err := readU32(events)
	errutil.FailOn(err)
	ticks, err := readU64(events)
	errutil.FailOn(err)
	monotonic, err := readF64(events)
	errutil.FailOn(err)

	frame := Frame{
		Time:         FrameTime(t),
		Tid:          tid,
		Event:        event.Decode(event.Encoded(enc)),
		Ticks:        Ticks(ticks),
		MonotonicSec: monotonic,
	}

	if frame.Event.HasExecInfo() {
		blob := make([]byte, system.RegistersEncodedSize())
		_, err := readFull(events, blob)
		errutil.FailOn(err)
		errutil.FailOn(frame.Regs.UnmarshalBinary(blob))

		format, err := readU8(events)
		errutil.FailOn(err)
		data, err := readBytes(events)
		errutil.FailOn(err)
		frame.ExtraRegs = system.ExtraRegisters{
			Arch:   frame.Event.Arch(),
			Format: system.ExtraRegistersFormat(format),
			Data:   data,
		}
	}
	if frame.Event.IsSignalEvent() {
		data, err := readU64(events)
		errutil.FailOn(err)
		frame.Event.Signal().Siginfo.SetSignalData(data)
	}

	r.tickTime()
	errutil.FailWhen(frame.Time != r.Time(),
		fmt.Sprintf("trace: frame time %d does not follow %d", frame.Time, r.Time()-1))

	return frame
}

// PeekFrame returns the next frame without consuming it.
func (r *Reader) PeekFrame() Frame {
	events := r.reader(SubstreamEvents)
	events.SaveState()
	saved := r.Time()
	frame := r.ReadFrame()
	events.RestoreState()
	r.setTime(saved)
	return frame
}

// PeekTo scans forward for the next frame of tid with the given event
// type (and, for syscall events, state) without moving the cursor. The
// caller asserted such a frame exists; running out of trace is fatal.
func (r *Reader) PeekTo(tid int32, typ event.Type, state event.SyscallState) Frame {
	events := r.reader(SubstreamEvents)
	events.SaveState()
	saved := r.Time()
	defer func() {
		events.RestoreState()
		r.setTime(saved)
	}()

	for !r.AtEnd() {
		frame := r.ReadFrame()
		if frame.Tid != tid || frame.Event.Type() != typ {
			continue
		}
		if frame.Event.IsSyscallEvent() && frame.Event.Syscall().State != state {
			continue
		}
		return frame
	}
	errutil.FailWhen(true,
		fmt.Sprintf("trace: no %v frame for tid %d before end of trace", typ, tid))
	panic("unreachable")
}

// ReadMappedRegion returns the mapping recorded for the current event
// time, or nil if the next mapping belongs to a later frame. For
// file-backed mappings the backing file's metadata is checked; drift is
// reported but not fatal, since the divergence may never be reached.
func (r *Reader) ReadMappedRegion() *MappedRegion {
	mmaps := r.reader(SubstreamMmaps)
	if mmaps.AtEnd() {
		return nil
	}

	mmaps.SaveState()
	var region MappedRegion
	errutil.FailOn(region.decode(mmaps))
	if region.Time != r.Time() {
		mmaps.RestoreState()
		return nil
	}
	mmaps.DiscardState()

	if region.Source == SourceFile {
		r.validateBackingFile(&region)
	}
	return &region
}

func (r *Reader) validateBackingFile(region *MappedRegion) {
	path := region.BackingFileName
	if !filepath.IsAbs(path) {
		path = filepath.Join(r.Dir(), path)
		region.BackingFileName = path
	}
	fi, err := os.Stat(path)
	if err != nil {
		// Replay fails at the mmap itself if this mapping is reached.
		log.Errorf("trace.Reader.ReadMappedRegion: mapped file %q lost since recording - %v", path, err)
		return
	}
	if fi.Size() != region.FileSize || fi.ModTime().Unix() != region.FileMtime {
		log.Errorf("trace.Reader.ReadMappedRegion: %q changed since recording (size %d->%d, mtime %d->%d); replay may diverge",
			path, region.FileSize, fi.Size(), region.FileMtime, fi.ModTime().Unix())
	}
}

// ReadRawDataForFrame returns the next memory capture belonging to the
// current event time, or nil when the frame has no more captures.
func (r *Reader) ReadRawDataForFrame() *RawData {
	hdrs := r.reader(SubstreamRawDataHeader)
	if hdrs.AtEnd() {
		return nil
	}

	hdrs.SaveState()
	t, err := readU32(hdrs)
	errutil.FailOn(err)
	if FrameTime(t) != r.Time() {
		hdrs.RestoreState()
		return nil
	}
	hdrs.DiscardState()

	addr, err := readU64(hdrs)
	errutil.FailOn(err)
	size, err := readU64(hdrs)
	errutil.FailOn(err)

	data := make([]byte, size)
	_, err = readFull(r.reader(SubstreamRawData), data)
	errutil.FailOn(err)

	return &RawData{Time: FrameTime(t), Addr: addr, Data: data}
}

// ReadTaskEvent returns the next task-tree record, or nil at the end of
// the tasks substream.
func (r *Reader) ReadTaskEvent() *TaskEvent {
	tasks := r.reader(SubstreamTasks)
	if tasks.AtEnd() {
		return nil
	}
	var te TaskEvent
	errutil.FailOn(te.decode(tasks))
	return &te
}

// AtEnd reports whether every frame was consumed.
func (r *Reader) AtEnd() bool {
	return r.reader(SubstreamEvents).AtEnd()
}

// Rewind resets the reader to the beginning of the trace.
func (r *Reader) Rewind() {
	for _, cr := range r.readers {
		cr.Rewind()
	}
	r.setTime(0)
}

// Clone returns an independent reader positioned exactly where r is.
// Checkpointed sessions keep one clone per checkpoint.
func (r *Reader) Clone() (*Reader, error) {
	clone := &Reader{
		Stream:    Stream{dir: r.Dir(), globalTime: r.Time()},
		argv:      r.argv,
		envp:      r.envp,
		cwd:       r.cwd,
		bindToCPU: r.bindToCPU,
	}
	for s, cr := range r.readers {
		c, err := cr.Clone()
		if err != nil {
			for _, done := range clone.readers {
				if done != nil {
					done.Close()
				}
			}
			return nil, err
		}
		clone.readers[s] = c
	}
	return clone, nil
}

func (r *Reader) Close() error {
	var firstErr error
	for _, cr := range r.readers {
		if cr == nil {
			continue
		}
		if err := cr.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Reader) UncompressedBytes() uint64 {
	var total uint64
	for _, cr := range r.readers {
		total += cr.UncompressedBytes()
	}
	return total
}

func (r *Reader) CompressedBytes() uint64 {
	var total uint64
	for _, cr := range r.readers {
		total += cr.CompressedBytes()
	}
	return total
}

func readFull(cr *CompressedReader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := cr.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, errors.New("trace: unexpected end of substream")
		}
	}
	return total, nil
}
