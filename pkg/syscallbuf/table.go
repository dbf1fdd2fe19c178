package syscallbuf

import (
	"golang.org/x/sys/unix"

	"github.com/replaykit/retrace/pkg/system"
)

// bufferedX8664 lists the syscalls the preload hooks may record
// in-buffer. Everything else always takes the traced path. Membership
// is necessary, not sufficient: the hook still bails out per-call (bad
// fd, oversized result, unsupported flag).
var bufferedX8664 = map[int32]bool{
	// Timekeeping: high-frequency, tiny results.
	system.X8664SysClockGettime: true,
	system.X8664SysGettimeofday: true,
	system.X8664SysTime:         true,

	// Descriptor I/O; the hook decides blockness per descriptor.
	system.X8664SysRead:     true,
	system.X8664SysWrite:    true,
	system.X8664SysReadv:    true,
	system.X8664SysWritev:   true,
	system.X8664SysPread64:  true,
	system.X8664SysPwrite64: true,
	system.X8664SysLseek:    true,
	system.X8664SysClose:    true,

	// Path opens; needed so fd tracking sees buffered opens too.
	system.X8664SysOpen:   true,
	system.X8664SysOpenat: true,
	system.X8664SysCreat:  true,

	system.X8664SysMadvise: true,
	system.X8664SysFutex:   true,
	system.X8664SysIoctl:   true,
}

// IsBuffered reports whether the syscall is in the buffered table for
// the architecture.
func IsBuffered(arch system.Arch, no int32) bool {
	if arch != system.ArchX8664 {
		// The aarch64 hook table is assembled from the generic numbers;
		// only the x86-64 table is wired up so far.
		return false
	}
	return bufferedX8664[no]
}

// Futex opcodes and flags plus the FIONREAD ioctl request, straight
// from the kernel ABI. x/sys/unix exports neither.
const (
	futexWait        = 0
	futexWake        = 1
	futexRequeue     = 3
	futexCmpRequeue  = 4
	futexWakeOp      = 5
	futexLockPI      = 6
	futexWaitBitset  = 9
	futexPrivateFlag = 0x80
	futexClockRT     = 0x100

	fionread = 0x541b
)

// FutexOpBuffered reports whether a futex operation may be recorded
// in-buffer. Wakes and requeues complete immediately; FUTEX_WAIT and
// friends block for unbounded time holding the buffer mid-record, so
// they are excluded outright.
func FutexOpBuffered(op int32) bool {
	switch op &^ (futexPrivateFlag | futexClockRT) {
	case futexWake, futexWakeOp, futexRequeue, futexCmpRequeue:
		return true
	default:
		return false
	}
}

// MadviseBuffered reports whether a madvise advice may be recorded
// in-buffer. Fork-related advice changes how the address space clones,
// which the supervisor must observe through the traced path.
func MadviseBuffered(advice int32) bool {
	switch advice {
	case unix.MADV_DONTFORK, unix.MADV_DOFORK, unix.MADV_WIPEONFORK, unix.MADV_KEEPONFORK:
		return false
	default:
		return true
	}
}

// IoctlBuffered reports whether an ioctl request is benign enough to
// record in-buffer: pure queries with fixed-size results.
func IoctlBuffered(request uint64) bool {
	switch request {
	case fionread, unix.TCGETS, unix.TIOCGWINSZ, unix.TIOCGPGRP:
		return true
	default:
		return false
	}
}
