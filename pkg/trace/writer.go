package trace

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/replaykit/retrace/pkg/util/errutil"
)

// MappingOrigin says why a mapping is being recorded; syscall-origin
// anonymous mappings need no payload.
type MappingOrigin uint8

const (
	SyscallMapping MappingOrigin = iota
	ExecMapping
	PatchMapping
)

// RecordInTrace is the writer's verdict on whether the caller must
// append the mapping's bytes to the raw data substream.
type RecordInTrace bool

const (
	DontRecordInTrace RecordInTrace = false
	DoRecordInTrace   RecordInTrace = true
)

type fileID struct {
	device uint64
	inode  uint64
}

// Writer appends a recording to a fresh trace directory.
type Writer struct {
	Stream
	writers [substreamCount]*CompressedWriter

	argv      []string
	envp      []string
	cwd       string
	bindToCPU int

	mmapCount             int
	filesAssumedImmutable map[fileID]bool
}

// NewWriter creates the trace directory, its version file and the
// args_env capture, and opens every substream. Global time starts,
// somewhat arbitrarily, at 1.
func NewWriter(argv []string, envp []string, cwd string, bindToCPU int) (*Writer, error) {
	if len(argv) == 0 {
		return nil, errors.New("trace: empty argv")
	}

	dir, err := makeTraceDir(argv[0])
	if err != nil {
		return nil, err
	}

	w := &Writer{
		Stream:                Stream{dir: dir, globalTime: 1},
		argv:                  argv,
		envp:                  envp,
		cwd:                   cwd,
		bindToCPU:             bindToCPU,
		filesAssumedImmutable: map[fileID]bool{},
	}

	for s := Substream(0); s < substreamCount; s++ {
		spec := substreamSpecs[s]
		cw, err := NewCompressedWriter(w.substreamPath(s), spec.blockSize, spec.workers)
		if err != nil {
			return nil, err
		}
		w.writers[s] = cw
	}

	if err := os.WriteFile(w.versionPath(), []byte(fmt.Sprintf("%d\n", FormatVersion)), 0600); err != nil {
		return nil, errors.Wrap(err, "trace: cannot write version file")
	}

	var argsEnv strings.Builder
	argsEnv.WriteString(cwd)
	argsEnv.WriteByte(0)
	argsEnv.WriteString(nulJoin(argv))
	argsEnv.WriteString(nulJoin(envp))
	fmt.Fprintf(&argsEnv, "%d", bindToCPU)
	if err := os.WriteFile(w.argsEnvPath(), []byte(argsEnv.String()), 0600); err != nil {
		return nil, errors.Wrap(err, "trace: cannot write args_env")
	}

	log.Debugf("trace.NewWriter: saving execution of %q to %q", argv[0], dir)
	return w, nil
}

func (w *Writer) Good() bool {
	for _, cw := range w.writers {
		if cw != nil && !cw.Good() {
			return false
		}
	}
	return true
}

func (w *Writer) writer(s Substream) *CompressedWriter { return w.writers[s] }

// WriteFrame appends one frame to the events substream and ticks the
// global event time. Any substream failure is fatal: a recording with
// a hole in it can never be replayed.
func (w *Writer) WriteFrame(frame *Frame) {
	events := w.writer(SubstreamEvents)

	var buf bytes.Buffer
	errutil.FailOn(writeU32(&buf, uint32(frame.Time)))
	errutil.FailOn(writeI32(&buf, frame.Tid))
	errutil.FailOn(writeU32(&buf, uint32(frame.Event.Encode())))
	errutil.FailOn(writeU64(&buf, uint64(frame.Ticks)))
	errutil.FailOn(writeF64(&buf, frame.MonotonicSec))

	if frame.Event.HasExecInfo() {
		regsBlob := frame.Regs.MarshalBinary()
		buf.Write(regsBlob)
		errutil.FailOn(writeU8(&buf, uint8(frame.ExtraRegs.Format)))
		errutil.FailOn(writeBytes(&buf, frame.ExtraRegs.Data))
	}
	if frame.Event.IsSignalEvent() {
		errutil.FailOn(writeU64(&buf, frame.Event.Signal().Siginfo.SignalData()))
	}

	if _, err := events.Write(buf.Bytes()); err != nil {
		errutil.FailOn(errors.Wrapf(err, "trace: tried to save %d bytes to the trace, but failed", buf.Len()))
	}

	w.tickTime()
}

// WriteTaskEvent appends a clone/fork/exec/exit record to the tasks
// substream.
func (w *Writer) WriteTaskEvent(te *TaskEvent) {
	var buf bytes.Buffer
	errutil.FailOn(te.encode(&buf))
	_, err := w.writer(SubstreamTasks).Write(buf.Bytes())
	errutil.FailOn(err)
}

// tryHardlinkFile attempts to capture an immutable copy of a mapped
// file inside the trace directory. On failure (e.g. linking across
// filesystems) the original name is kept.
func (w *Writer) tryHardlinkFile(fileName string) string {
	base := filepath.Base(fileName)
	linkName := fmt.Sprintf("mmap_%d_hardlink_%s", w.mmapCount, base)
	linkPath := filepath.Join(w.Dir(), linkName)
	if err := os.Link(fileName, linkPath); err != nil {
		return fileName
	}
	return linkName
}

func isPrivateWritable(region *MappedRegion) bool {
	const protWrite = 0x2
	const mapShared = 0x1
	return region.Prot&protWrite != 0 && region.Flags&mapShared == 0
}

// shouldCopyMmapRegion decides whether the mapping's bytes must go into
// the trace. Writable or short-lived files are copied; large read-only
// files are assumed immutable and hardlinked instead.
func shouldCopyMmapRegion(region *MappedRegion) bool {
	if isPrivateWritable(region) {
		return true
	}
	// Read-only mappings of system files are stable enough to link.
	for _, prefix := range []string{"/usr/", "/lib", "/opt/"} {
		if strings.HasPrefix(region.FsName, prefix) {
			return false
		}
	}
	return true
}

// WriteMappedRegion records a mapping in the mmaps substream and tells
// the caller whether to also capture the mapped bytes.
func (w *Writer) WriteMappedRegion(region MappedRegion, origin MappingOrigin) RecordInTrace {
	region.Time = w.Time()

	switch {
	case strings.HasPrefix(region.FsName, "/SYSV"):
		region.Source = SourceTrace
	case origin == SyscallMapping && (region.Inode == 0 || region.FsName == "/dev/zero (deleted)"):
		region.Source = SourceZero
	case shouldCopyMmapRegion(&region) &&
		!w.filesAssumedImmutable[fileID{region.Device, region.Inode}]:
		region.Source = SourceTrace
	default:
		region.Source = SourceFile
		// Hardlinking into the trace directory protects replay against
		// the original file being deleted or replaced (but not against
		// in-place overwrite).
		region.BackingFileName = w.tryHardlinkFile(region.FsName)
		w.filesAssumedImmutable[fileID{region.Device, region.Inode}] = true
	}

	var buf bytes.Buffer
	errutil.FailOn(region.encode(&buf))
	_, err := w.writer(SubstreamMmaps).Write(buf.Bytes())
	errutil.FailOn(err)

	w.mmapCount++
	if region.Source == SourceTrace {
		return DoRecordInTrace
	}
	return DontRecordInTrace
}

// WriteRaw captures bytes the kernel wrote into the tracee at addr.
// The payload goes to the data substream, its descriptor to
// data_header.
func (w *Writer) WriteRaw(data []byte, addr uint64) {
	var hdr bytes.Buffer
	errutil.FailOn(writeU32(&hdr, uint32(w.Time())))
	errutil.FailOn(writeU64(&hdr, addr))
	errutil.FailOn(writeU64(&hdr, uint64(len(data))))

	_, err := w.writer(SubstreamRawDataHeader).Write(hdr.Bytes())
	errutil.FailOn(err)
	_, err = w.writer(SubstreamRawData).Write(data)
	errutil.FailOn(err)
}

// Close flushes and closes every substream.
func (w *Writer) Close() error {
	var firstErr error
	var uncompressed, compressed uint64
	for _, cw := range w.writers {
		if cw == nil {
			continue
		}
		uncompressed += cw.UncompressedBytes()
		compressed += cw.CompressedBytes()
		if err := cw.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	log.Debugf("trace.Writer.Close: %s recorded (%s compressed)",
		humanize.Bytes(uncompressed), humanize.Bytes(compressed))
	return firstErr
}

// MakeLatestTrace points the latest-trace symlink at this trace. If
// another recorder re-creates the link after we unlink it, it "won";
// the link then names some very recent trace, which is good enough.
func (w *Writer) MakeLatestTrace() {
	linkName := LatestTraceSymlink()
	os.Remove(linkName)
	if err := os.Symlink(w.Dir(), linkName); err != nil && !os.IsExist(err) {
		log.Errorf("trace.Writer.MakeLatestTrace: failed to update symlink %q to %q - %v",
			linkName, w.Dir(), err)
	}
}
