package perfcounters

import (
	"testing"

	"golang.org/x/sys/unix"
)

func TestTicksAttr(t *testing.T) {
	attr := ticksAttr(false)
	if attr.Type != unix.PERF_TYPE_HARDWARE || attr.Config != unix.PERF_COUNT_HW_BRANCH_INSTRUCTIONS {
		t.Errorf("portable attr wrong: type=%d config=%#x", attr.Type, attr.Config)
	}
	if attr.Bits&unix.PerfBitExcludeKernel == 0 {
		t.Error("ticks counter must not count kernel branches")
	}
	if attr.Bits&unix.PerfBitDisabled == 0 {
		t.Error("counter must start disabled")
	}

	raw := ticksAttr(true)
	if raw.Type != unix.PERF_TYPE_RAW || raw.Config != intelRetiredCondBranches {
		t.Errorf("raw attr wrong: type=%d config=%#x", raw.Type, raw.Config)
	}
}

func TestDeschedAttr(t *testing.T) {
	attr := deschedAttr()
	if attr.Type != unix.PERF_TYPE_SOFTWARE || attr.Config != unix.PERF_COUNT_SW_CONTEXT_SWITCHES {
		t.Errorf("desched attr wrong: type=%d config=%#x", attr.Type, attr.Config)
	}
	if attr.Sample != 1 {
		t.Errorf("sample period %d; the first deschedule must raise a sample", attr.Sample)
	}
}
