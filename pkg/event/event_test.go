package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replaykit/retrace/pkg/system"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	arch := system.ArchX8664

	cases := []struct {
		name string
		ev   Event
	}{
		{"exit", New(Exit, false, arch)},
		{"sched", New(Sched, true, arch)},
		{"flush", New(SyscallbufFlush, false, arch)},
		{"reset", New(SyscallbufReset, false, arch)},
		{"termination", New(TraceTermination, false, arch)},
		{"syscall entry", NewSyscall(Syscall, SyscallEvent{
			State:  EnteringSyscall,
			Number: 42,
		}, arch)},
		{"syscall exit", NewSyscall(Syscall, SyscallEvent{
			State:  ExitingSyscall,
			Number: 42,
		}, arch)},
		{"interrupted syscall", NewSyscall(SyscallInterruption, SyscallEvent{
			State:  ExitingSyscall,
			Number: 202,
		}, arch)},
		{"async signal", NewSignal(Signal, SignalEvent{
			Siginfo: SigInfo{Signo: 10},
		}, arch)},
		{"deterministic signal", NewSignal(Signal, SignalEvent{
			Siginfo:       SigInfo{Signo: 11},
			Deterministic: true,
		}, arch)},
		{"signal delivery", NewSignal(SignalDelivery, SignalEvent{
			Siginfo: SigInfo{Signo: 2},
		}, arch)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Decode(tc.ev.Encode())

			assert.Equal(t, tc.ev.Type(), got.Type())
			assert.Equal(t, tc.ev.HasExecInfo(), got.HasExecInfo())
			assert.Equal(t, arch, got.Arch())

			switch {
			case tc.ev.IsSignalEvent():
				assert.Equal(t, tc.ev.Signal().Siginfo.Signo, got.Signal().Siginfo.Signo)
				assert.Equal(t, tc.ev.Signal().Deterministic, got.Signal().Deterministic)
			case tc.ev.IsSyscallEvent():
				assert.Equal(t, tc.ev.Syscall().Number, got.Syscall().Number)
				assert.Equal(t, tc.ev.Syscall().State, got.Syscall().State)
			}
		})
	}
}

func TestEncodeRejectsInternalTypes(t *testing.T) {
	for _, typ := range []Type{Unassigned, Sentinel, Noop} {
		ev := New(typ, false, system.ArchX8664)
		assert.Panics(t, func() { ev.Encode() }, typ.String())
	}
}

func TestSignalDataRoundTrip(t *testing.T) {
	si := SigInfo{Signo: 11, Addr: 0xdeadbeef000}
	require.Equal(t, uint64(0xdeadbeef000), si.SignalData())

	var decoded SigInfo
	decoded.Signo = 11
	decoded.SetSignalData(si.SignalData())
	assert.Equal(t, si.Addr, decoded.Addr)

	// Signals without a fault address carry a zero payload word.
	quiet := SigInfo{Signo: 10, Addr: 0x1000}
	assert.Zero(t, quiet.SignalData())
}

func TestTicksSlop(t *testing.T) {
	slop := []Type{Desched, SyscallbufAbortCommit, SyscallbufFlush, SyscallbufReset}
	for _, typ := range slop {
		ev := New(typ, false, system.ArchX8664)
		assert.True(t, ev.HasTicksSlop(), typ.String())
	}
	exact := New(Sched, true, system.ArchX8664)
	assert.False(t, exact.HasTicksSlop())
}

func TestTransformLifecycles(t *testing.T) {
	sig := NewSignal(Signal, SignalEvent{Siginfo: SigInfo{Signo: 2}}, system.ArchX8664)
	sig.Transform(SignalDelivery)
	sig.Transform(SignalHandler)
	assert.Equal(t, SignalHandler, sig.Type())
	assert.Equal(t, int32(2), sig.Signal().Siginfo.Signo)

	sc := NewSyscall(Syscall, SyscallEvent{State: EnteringSyscall, Number: 0}, system.ArchX8664)
	sc.Transform(SyscallInterruption)
	sc.Transform(Syscall)
	assert.Equal(t, Syscall, sc.Type())

	bad := New(Sched, true, system.ArchX8664)
	assert.Panics(t, func() { bad.Transform(Signal) })
}
