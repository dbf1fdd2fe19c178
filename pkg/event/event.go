// Package event models the recordable occurrences that guide replay.
// Events serve two purposes: tracking task state during recording, and
// being stored in trace frames to drive the replay step engine.
package event

import (
	"fmt"

	"github.com/replaykit/retrace/pkg/system"
)

type Type uint8

const (
	Unassigned Type = iota
	Sentinel
	// Noop is recorder-internal and never persisted; Encode rejects it.
	// Callers that used to emit it route through the neighbouring
	// variants instead.
	Noop
	// Desched marks that a may-block buffered syscall was descheduled.
	Desched

	// Variants below appear in traces.

	Exit
	// ExitSighandler is the breadcrumb left when a tracee returns from
	// a signal handler, so the popping of interruption records replays
	// in the recorded order.
	ExitSighandler
	InterruptedSyscallNotRestarted
	// Sched is an asynchronous scheduling boundary at a specific tick
	// count and program counter.
	Sched
	SegvRdtsc
	SyscallbufFlush
	SyscallbufAbortCommit
	// SyscallbufReset is recorded one frame after it really happens:
	// replay must process the preceding flush before the buffer is
	// logically emptied.
	SyscallbufReset
	PatchSyscall
	GrowMap
	TraceTermination
	// UnstableExit is Exit recorded while the task teardown may be
	// incomplete; replay must not wait synchronously for such a task.
	UnstableExit
	Signal
	SignalDelivery
	SignalHandler
	Syscall
	SyscallInterruption

	typeCount
)

var typeNames = map[Type]string{
	Unassigned:                     "UNASSIGNED",
	Sentinel:                       "SENTINEL",
	Noop:                           "NOOP",
	Desched:                        "DESCHED",
	Exit:                           "EXIT",
	ExitSighandler:                 "EXIT_SIGHANDLER",
	InterruptedSyscallNotRestarted: "INTERRUPTED_SYSCALL_NOT_RESTARTED",
	Sched:                          "SCHED",
	SegvRdtsc:                      "SEGV_RDTSC",
	SyscallbufFlush:                "SYSCALLBUF_FLUSH",
	SyscallbufAbortCommit:          "SYSCALLBUF_ABORT_COMMIT",
	SyscallbufReset:                "SYSCALLBUF_RESET",
	PatchSyscall:                   "PATCH_SYSCALL",
	GrowMap:                        "GROW_MAP",
	TraceTermination:               "TRACE_TERMINATION",
	UnstableExit:                   "UNSTABLE_EXIT",
	Signal:                         "SIGNAL",
	SignalDelivery:                 "SIGNAL_DELIVERY",
	SignalHandler:                  "SIGNAL_HANDLER",
	Syscall:                        "SYSCALL",
	SyscallInterruption:            "SYSCALL_INTERRUPTION",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("(unknown event type %d)", uint8(t))
}

// SyscallState tracks a syscall through the kernel boundary.
type SyscallState uint8

const (
	NoSyscall SyscallState = iota
	EnteringSyscall
	ProcessingSyscall
	ExitingSyscall
)

func (s SyscallState) String() string {
	switch s {
	case NoSyscall:
		return "NO_SYSCALL"
	case EnteringSyscall:
		return "ENTERING_SYSCALL"
	case ProcessingSyscall:
		return "PROCESSING_SYSCALL"
	case ExitingSyscall:
		return "EXITING_SYSCALL"
	default:
		return "(invalid syscall state)"
	}
}

// SigInfo is the portable slice of siginfo_t the trace stores.
type SigInfo struct {
	Signo int32
	Errno int32
	Code  int32
	// Addr is si_addr for SIGILL/SIGFPE/SIGSEGV/SIGBUS/SIGTRAP,
	// zero for other signals.
	Addr uint64
}

// SignalData returns the eight-byte signal payload word written after
// signal frames.
func (si *SigInfo) SignalData() uint64 {
	switch si.Signo {
	case sigILL, sigFPE, sigSEGV, sigBUS, sigTRAP:
		return si.Addr
	default:
		return 0
	}
}

func (si *SigInfo) SetSignalData(data uint64) {
	switch si.Signo {
	case sigILL, sigFPE, sigSEGV, sigBUS, sigTRAP:
		si.Addr = data
	}
}

const (
	sigILL  = 4
	sigTRAP = 5
	sigBUS  = 7
	sigFPE  = 8
	sigSEGV = 11
)

// SignalEvent tracks a signal through its delivery phase and, when a
// handler is installed, to the end of handling.
type SignalEvent struct {
	Siginfo SigInfo
	// Deterministic is true when the signal is raised as the side
	// effect of retiring a specific instruction; replay re-raises it
	// by re-executing that instruction.
	Deterministic bool
}

// SyscallEvent tracks a syscall, or an interrupted syscall.
type SyscallEvent struct {
	State SyscallState
	// Number is the syscall number in the event's architecture.
	Number int32
	// Regs are the argument registers captured on entry, before any
	// scratch rewriting; used to detect restarted syscalls.
	Regs system.Registers
	// DeschedRec points at the buffered record of a descheduled
	// buffered syscall (offset into the syscallbuf), or zero.
	DeschedRec uint64
	// IsRestart is set when the syscall was restarted after a signal
	// interruption.
	IsRestart bool
}

// DeschedEvent records the interruption of a may-block buffered syscall.
type DeschedEvent struct {
	// Rec is the buffer offset of the in-progress record. Valid only
	// while the desched is being processed.
	Rec uint64
}

// Event is the tagged sum of all recordable occurrences. The type tag
// selects which payload is meaningful.
type Event struct {
	typ         Type
	hasExecInfo bool
	arch        system.Arch

	signal  SignalEvent
	syscall SyscallEvent
	desched DeschedEvent
}

func New(typ Type, hasExecInfo bool, arch system.Arch) Event {
	return Event{typ: typ, hasExecInfo: hasExecInfo, arch: arch}
}

func NewSignal(typ Type, ev SignalEvent, arch system.Arch) Event {
	e := Event{typ: typ, hasExecInfo: true, arch: arch, signal: ev}
	if !e.IsSignalEvent() {
		panic(fmt.Sprintf("event: %v is not a signal event type", typ))
	}
	return e
}

func NewSyscall(typ Type, ev SyscallEvent, arch system.Arch) Event {
	e := Event{typ: typ, hasExecInfo: true, arch: arch, syscall: ev}
	if !e.IsSyscallEvent() {
		panic(fmt.Sprintf("event: %v is not a syscall event type", typ))
	}
	return e
}

func NewDesched(ev DeschedEvent, arch system.Arch) Event {
	return Event{typ: Desched, hasExecInfo: false, arch: arch, desched: ev}
}

func (e *Event) Type() Type            { return e.typ }
func (e *Event) Arch() system.Arch     { return e.arch }
func (e *Event) SetArch(a system.Arch) { e.arch = a }
func (e *Event) HasExecInfo() bool     { return e.hasExecInfo }

func (e *Event) IsSignalEvent() bool {
	return e.typ == Signal || e.typ == SignalDelivery || e.typ == SignalHandler
}

func (e *Event) IsSyscallEvent() bool {
	return e.typ == Syscall || e.typ == SyscallInterruption
}

func (e *Event) Signal() *SignalEvent {
	if !e.IsSignalEvent() {
		panic(fmt.Sprintf("event: %v carries no signal payload", e.typ))
	}
	return &e.signal
}

func (e *Event) Syscall() *SyscallEvent {
	if !e.IsSyscallEvent() {
		panic(fmt.Sprintf("event: %v carries no syscall payload", e.typ))
	}
	return &e.syscall
}

func (e *Event) Desched() *DeschedEvent {
	if e.typ != Desched {
		panic(fmt.Sprintf("event: %v carries no desched payload", e.typ))
	}
	return &e.desched
}

// HasTicksSlop reports whether the tick count recorded with this event
// is approximate, so replay must not insist on an exact match.
func (e *Event) HasTicksSlop() bool {
	switch e.typ {
	case Desched, SyscallbufAbortCommit, SyscallbufFlush, SyscallbufReset:
		return true
	default:
		return false
	}
}

// Transform changes the event type in place. Only the phase
// transitions of the signal and syscall lifecycles are allowed.
func (e *Event) Transform(newType Type) {
	allowed := false
	switch e.typ {
	case Signal:
		allowed = newType == SignalDelivery
	case SignalDelivery:
		allowed = newType == SignalHandler
	case Syscall:
		allowed = newType == SyscallInterruption
	case SyscallInterruption:
		allowed = newType == Syscall
	}
	if !allowed {
		panic(fmt.Sprintf("event: disallowed transform %v -> %v", e.typ, newType))
	}
	e.typ = newType
}

func (e *Event) String() string {
	switch {
	case e.IsSignalEvent():
		det := "async"
		if e.signal.Deterministic {
			det = "det"
		}
		return fmt.Sprintf("%s: sig=%d (%s)", e.typ, e.signal.Siginfo.Signo, det)
	case e.IsSyscallEvent():
		return fmt.Sprintf("%s: %s no=%d", e.typ, e.syscall.State, e.syscall.Number)
	default:
		return e.typ.String()
	}
}
