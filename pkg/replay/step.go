// Package replay re-executes a recorded trace: each frame becomes a
// step that drives the matching tracee to exactly the recorded state
// before the next frame is consumed.
package replay

import (
	"fmt"

	"github.com/replaykit/retrace/pkg/event"
	"github.com/replaykit/retrace/pkg/trace"
)

// StepType says what kind of work a frame demands of the tracee.
type StepType int

const (
	// StepNone: the frame is bookkeeping only, nothing executes.
	StepNone StepType = iota
	// StepRetire: run until the recorded tick count and program counter
	// are reached exactly.
	StepRetire
	// StepEnterSyscall / StepExitSyscall: advance to the corresponding
	// syscall boundary.
	StepEnterSyscall
	StepExitSyscall
	// StepDeterministicSignal: re-execute the faulting instruction and
	// harvest the signal it must raise.
	StepDeterministicSignal
	// StepDeliverSignal: emulate the kernel's delivery (handler frame
	// push or default disposition).
	StepDeliverSignal
	// StepProgramAsyncSignalInterrupt: an asynchronous signal must
	// appear at a precise tick count; advance there, then deliver.
	StepProgramAsyncSignalInterrupt
	// StepFlushSyscallbuf: reinstall recorded ring contents and let the
	// tracee's hooks run through them to an internal stop.
	StepFlushSyscallbuf
	// StepPatchSyscall: reapply a syscall-site patch.
	StepPatchSyscall
	// StepExitTask: the task is done; tear it down.
	StepExitTask
)

func (t StepType) String() string {
	switch t {
	case StepNone:
		return "NONE"
	case StepRetire:
		return "RETIRE"
	case StepEnterSyscall:
		return "ENTER_SYSCALL"
	case StepExitSyscall:
		return "EXIT_SYSCALL"
	case StepDeterministicSignal:
		return "DETERMINISTIC_SIGNAL"
	case StepDeliverSignal:
		return "DELIVER_SIGNAL"
	case StepProgramAsyncSignalInterrupt:
		return "ASYNC_SIGNAL_INTERRUPT"
	case StepFlushSyscallbuf:
		return "FLUSH_SYSCALLBUF"
	case StepPatchSyscall:
		return "PATCH_SYSCALL"
	case StepExitTask:
		return "EXIT_TASK"
	default:
		return fmt.Sprintf("(step type %d)", int(t))
	}
}

// Step is the decoded work order for one frame.
type Step struct {
	Type StepType

	// Syscallno for the syscall steps.
	Syscallno int32
	// Signo for the signal steps.
	Signo int32
	// TargetTicks is the absolute tick count the tracee must reach.
	TargetTicks trace.Ticks
}

// setupStep maps a frame to the step that realizes it. Pure: all
// execution context comes later.
func setupStep(frame *trace.Frame) Step {
	ev := &frame.Event
	switch ev.Type() {
	case event.Syscall, event.SyscallInterruption:
		sc := ev.Syscall()
		step := Step{Syscallno: sc.Number, TargetTicks: trace.Ticks(frame.Ticks)}
		if sc.State == event.EnteringSyscall {
			step.Type = StepEnterSyscall
		} else {
			step.Type = StepExitSyscall
		}
		return step

	case event.Signal:
		sig := ev.Signal()
		step := Step{Signo: sig.Siginfo.Signo, TargetTicks: trace.Ticks(frame.Ticks)}
		if sig.Deterministic {
			step.Type = StepDeterministicSignal
		} else {
			step.Type = StepProgramAsyncSignalInterrupt
		}
		return step

	case event.SignalDelivery, event.SignalHandler:
		return Step{Type: StepDeliverSignal, Signo: ev.Signal().Siginfo.Signo}

	case event.Sched:
		return Step{Type: StepRetire, TargetTicks: trace.Ticks(frame.Ticks)}

	case event.SyscallbufFlush:
		return Step{Type: StepFlushSyscallbuf}

	case event.PatchSyscall:
		return Step{Type: StepPatchSyscall}

	case event.Exit, event.UnstableExit:
		return Step{Type: StepExitTask}

	default:
		// Desched, SyscallbufReset, SyscallbufAbortCommit,
		// TraceTermination and the other breadcrumbs update supervisor
		// state without running the tracee.
		return Step{Type: StepNone}
	}
}
