package syscallbuf

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// DeschedSignal is the signal the desched counter delivers. SIGPWR is
// effectively unused by real programs; a tracee that installs its own
// SIGPWR handler loses the fast path for blocking calls.
const DeschedSignal = unix.SIGPWR

// FatalExitCode is what the in-tracee model exits with when its
// invariants break: the supervisor recognizes 71 as "preload gave up",
// distinct from any tracee exit status it records.
const FatalExitCode = 71

// Fatalf reports a protocol violation on the tracee side of the model
// and exits with the dedicated code. The message goes to stderr with a
// raw write in the real preload; here logrus serves.
func Fatalf(format string, args ...interface{}) {
	log.Errorf("syscallbuf: fatal: %s", fmt.Sprintf(format, args...))
	os.Exit(FatalExitCode)
}

// InitPreloadParams is the init-preload parameter block: the
// process-wide handshake sent once the preload library finishes its
// constructor.
type InitPreloadParams struct {
	// SyscallHookTrampoline is where patched syscall sites jump.
	SyscallHookTrampoline uint64
	// StubBuffer holds the per-patch stub code pages.
	StubBuffer    uint64
	StubBufferEnd uint64
	// PatchList describes the syscall-site byte patterns the library
	// knows how to hook.
	PatchList      uint64
	PatchListCount uint32
	// InReplayAddr is the tracee-side byte the replayer sets to 1, so
	// hooks reload results from saved records instead of the kernel.
	InReplayAddr uint64
	// PretendCoreCount is what sysconf(_SC_NPROCESSORS_ONLN) reports.
	PretendCoreCount uint32
}

// InitBuffersParams is the init-buffers parameter block, sent once per
// thread when its ring is mapped.
type InitBuffersParams struct {
	SyscallbufPtr  uint64
	SyscallbufSize uint32
	// DeschedCounterFd is the perf fd the hook ioctls to arm/disarm.
	DeschedCounterFd int32
	// ClonedFilePathsFd carries the fd-exclusion array mapping.
	ClonedFilePathsFd int32
	ScratchPtr        uint64
	ScratchSize       uint32
}

// ResetForFork reinitializes a child's buffer state after fork: the
// child inherited the parent's ring contents, which belong to the
// parent's trace.
func (b *Buffer) ResetForFork() {
	b.Reset()
	b.SetLocked(false)
	b.setFlag(offDeschedMayBeRelevant, false)
	b.SetNotifyOnSyscallHookExit(false)
}

// pthread mutex kind bits (glibc encoding).
const mutexPrioInheritBit = 0x20

// SanitizeMutexKind clears the priority-inheritance bit from a mutex
// kind. PI futex operations cannot take the buffered path and their
// kernel-side boosting is not replayable; the tracee runs with plain
// mutexes instead.
func SanitizeMutexKind(kind int32) int32 {
	return kind &^ mutexPrioInheritBit
}

// PthreadCreateBookkeeping tracks threads between the pthread_create
// trampoline and the new thread's own buffer handshake; until the
// handshake arrives the thread must run unbuffered.
type PthreadCreateBookkeeping struct {
	pending map[int32]bool
}

func NewPthreadCreateBookkeeping() *PthreadCreateBookkeeping {
	return &PthreadCreateBookkeeping{pending: map[int32]bool{}}
}

func (p *PthreadCreateBookkeeping) NoteCreated(tid int32) {
	p.pending[tid] = true
}

func (p *PthreadCreateBookkeeping) NoteInitialized(tid int32) {
	delete(p.pending, tid)
}

func (p *PthreadCreateBookkeeping) AwaitingInit(tid int32) bool {
	return p.pending[tid]
}
