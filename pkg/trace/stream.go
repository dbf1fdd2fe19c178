package trace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// The trace format version. It does not track the release version;
// bump it on any change to the layout below or users' old traces
// become unreplayable with no explanation.
const FormatVersion = 1

// DataErrExitCode is the process exit code for a version mismatch or
// corrupt trace (EX_DATAERR).
const DataErrExitCode = 65

// TraceDirEnvVar overrides where traces are saved and loaded from.
const TraceDirEnvVar = "_RETRACE_TRACE_DIR"

type Substream int

const (
	SubstreamEvents Substream = iota
	SubstreamRawDataHeader
	SubstreamRawData
	SubstreamMmaps
	SubstreamTasks

	substreamCount
)

type substreamSpec struct {
	name      string
	blockSize int
	workers   int
}

var substreamSpecs = [substreamCount]substreamSpec{
	{"events", 1024 * 1024, 1},
	{"data_header", 1024 * 1024, 1},
	{"data", 8 * 1024 * 1024, 3},
	{"mmaps", 64 * 1024, 1},
	{"tasks", 64 * 1024, 1},
}

// FrameTime is the global event time. It starts at 1 for the first
// recorded frame and advances by exactly one per frame.
type FrameTime uint32

// Ticks is a retired-conditional-branch count.
type Ticks uint64

func dirExists(dir string) bool {
	if dir == "" {
		return false
	}
	fi, err := os.Stat(dir)
	return err == nil && fi.IsDir()
}

// DefaultTraceDir resolves the root directory for traces:
// $XDG_DATA_HOME/retrace, falling back to ~/.local/share/retrace,
// preferring a pre-existing ~/.retrace, then /tmp/retrace.
func DefaultTraceDir() string {
	home := os.Getenv("HOME")
	var dotDir, xdgDir string
	if home != "" {
		dotDir = filepath.Join(home, ".retrace")
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		xdgDir = filepath.Join(xdg, "retrace")
	} else if home != "" {
		xdgDir = filepath.Join(home, ".local", "share", "retrace")
	}

	// If the XDG dir does not exist but the dot dir does, keep using
	// the dot dir so older setups find their traces.
	switch {
	case dirExists(xdgDir):
		return xdgDir
	case dirExists(dotDir):
		return dotDir
	case xdgDir != "":
		return xdgDir
	default:
		return "/tmp/retrace"
	}
}

// SaveDir is the active trace root, honoring the override variable.
func SaveDir() string {
	if dir := os.Getenv(TraceDirEnvVar); dir != "" {
		return dir
	}
	return DefaultTraceDir()
}

// LatestTraceSymlink is the path of the symlink pointing at the most
// recently created trace.
func LatestTraceSymlink() string {
	return filepath.Join(SaveDir(), "latest-trace")
}

// Stream holds what the writer and reader sides share: the directory
// and the global event time.
type Stream struct {
	dir        string
	globalTime FrameTime
}

func (s *Stream) Dir() string         { return s.dir }
func (s *Stream) Time() FrameTime     { return s.globalTime }
func (s *Stream) tickTime()           { s.globalTime++ }
func (s *Stream) setTime(t FrameTime) { s.globalTime = t }

func (s *Stream) substreamPath(ss Substream) string {
	return filepath.Join(s.dir, substreamSpecs[ss].name)
}

func (s *Stream) versionPath() string {
	return filepath.Join(s.dir, "version")
}

func (s *Stream) argsEnvPath() string {
	return filepath.Join(s.dir, "args_env")
}

// makeTraceDir creates a fresh uniquely-named trace directory under the
// save root, named after the recorded executable.
func makeTraceDir(exePath string) (string, error) {
	root := SaveDir()
	if err := os.MkdirAll(root, 0700); err != nil {
		return "", fmt.Errorf("trace: cannot create trace root %q: %w", root, err)
	}

	base := filepath.Base(exePath)
	for nonce := 0; ; nonce++ {
		dir := filepath.Join(root, fmt.Sprintf("%s-%d", base, nonce))
		err := os.Mkdir(dir, 0770)
		if err == nil {
			return dir, nil
		}
		if !os.IsExist(err) {
			return "", fmt.Errorf("trace: cannot create trace directory %q: %w", dir, err)
		}
	}
}

// nulJoin/nulSplit carry the args_env payload: NUL-separated cwd, argv
// count and strings, envp count and strings, then the pinned CPU.
func nulJoin(items []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d\n", len(items))
	for _, item := range items {
		b.WriteString(item)
		b.WriteByte(0)
	}
	return b.String()
}
