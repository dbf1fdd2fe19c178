// Package perfcounters programs the hardware and software perf events
// the supervisor depends on: the retired-branch counter that defines
// "ticks", and the context-switch counter that detects descheduling of
// a tracee inside a buffered syscall.
package perfcounters

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

var attrSize = uint32(unsafe.Sizeof(unix.PerfEventAttr{}))

// Ticks is the progress metric: retired conditional branches. It is
// identical between recording and replay of the same instruction
// sequence, which interrupt-driven time is not.
type Ticks uint64

// DefaultTimeslice is how many ticks a task may run before the
// scheduler preempts it.
const DefaultTimeslice Ticks = 500000

// intelRetiredCondBranches is the raw event for retired conditional
// branches on modern Intel cores (BR_INST_RETIRED.COND).
const intelRetiredCondBranches = 0x5101c4

// ticksAttr builds the counter attribute. When raw is false the
// portable branch-instructions event is used; it over-counts
// unconditional branches but stays deterministic for a fixed binary.
func ticksAttr(raw bool) unix.PerfEventAttr {
	attr := unix.PerfEventAttr{
		Size: attrSize,
		Bits: unix.PerfBitExcludeKernel | unix.PerfBitExcludeGuest | unix.PerfBitDisabled,
		// A sampling event from birth, so IOC_PERIOD can later program a
		// real interrupt period. The initial period never fires.
		Sample: 1 << 60,
	}
	if raw {
		attr.Type = unix.PERF_TYPE_RAW
		attr.Config = intelRetiredCondBranches
	} else {
		attr.Type = unix.PERF_TYPE_HARDWARE
		attr.Config = unix.PERF_COUNT_HW_BRANCH_INSTRUCTIONS
	}
	return attr
}

// deschedAttr builds the context-switch counter attribute: software
// event, sample period 1, so the very first deschedule raises a
// sample (and with O_ASYNC, a signal).
func deschedAttr() unix.PerfEventAttr {
	return unix.PerfEventAttr{
		Type:        unix.PERF_TYPE_SOFTWARE,
		Size:        attrSize,
		Config:      unix.PERF_COUNT_SW_CONTEXT_SWITCHES,
		Sample:      1,
		Bits:        unix.PerfBitExcludeKernel | unix.PerfBitExcludeGuest | unix.PerfBitDisabled,
		Wakeup:      1,
		Sample_type: unix.PERF_SAMPLE_TIME,
	}
}
