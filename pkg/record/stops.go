//go:build linux

package record

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// traceSysGoodBit marks syscall stops when PTRACE_O_TRACESYSGOOD is in
// effect, distinguishing them from ordinary SIGTRAPs.
const traceSysGoodBit = 0x80

type stopKind int

const (
	stopNone stopKind = iota
	// stopExit: the task is gone (exited or killed by a signal).
	stopExit
	// stopSyscall: syscall entry or exit under TRACESYSGOOD.
	stopSyscall
	// stopPtraceEvent: a PTRACE_EVENT_* stop; the cause rides along.
	stopPtraceEvent
	// stopSignal: a signal-delivery stop for any other signal.
	stopSignal
)

// classifiedStop is the decoded form of a wait status.
type classifiedStop struct {
	kind stopKind
	// exitStatus for stopExit: the exit code, or 128+signal for a
	// signal death, matching shell convention.
	exitStatus int
	// sig is the stopping signal for stopSignal.
	sig unix.Signal
	// cause is the PTRACE_EVENT_* code for stopPtraceEvent.
	cause int
}

func classifyStop(ws unix.WaitStatus) classifiedStop {
	switch {
	case ws.Exited():
		return classifiedStop{kind: stopExit, exitStatus: ws.ExitStatus()}
	case ws.Signaled():
		return classifiedStop{kind: stopExit, exitStatus: 128 + int(ws.Signal())}
	case ws.Stopped():
		sig := ws.StopSignal()
		if sig == unix.SIGTRAP|traceSysGoodBit {
			return classifiedStop{kind: stopSyscall}
		}
		if sig == unix.SIGTRAP && ws.TrapCause() > 0 {
			return classifiedStop{kind: stopPtraceEvent, cause: ws.TrapCause()}
		}
		return classifiedStop{kind: stopSignal, sig: sig}
	default:
		return classifiedStop{kind: stopNone}
	}
}

func (c classifiedStop) String() string {
	switch c.kind {
	case stopExit:
		return fmt.Sprintf("exit(status=%d)", c.exitStatus)
	case stopSyscall:
		return "syscall-stop"
	case stopPtraceEvent:
		return fmt.Sprintf("ptrace-event(%d)", c.cause)
	case stopSignal:
		return fmt.Sprintf("signal-stop(%v)", c.sig)
	default:
		return "none"
	}
}
