//go:build linux

package record

import (
	"syscall"
	"testing"

	"golang.org/x/sys/unix"
)

// Raw wait statuses as the kernel packs them: exits in the high byte,
// stops as (signal << 8) | 0x7f, ptrace events above bit 16.
func TestClassifyStop(t *testing.T) {
	tests := []struct {
		name string
		ws   unix.WaitStatus
		want classifiedStop
	}{
		{
			name: "clean exit",
			ws:   unix.WaitStatus(3 << 8),
			want: classifiedStop{kind: stopExit, exitStatus: 3},
		},
		{
			name: "killed by signal",
			ws:   unix.WaitStatus(uint32(unix.SIGKILL)),
			want: classifiedStop{kind: stopExit, exitStatus: 128 + int(unix.SIGKILL)},
		},
		{
			name: "syscall stop",
			ws:   unix.WaitStatus(uint32(unix.SIGTRAP|traceSysGoodBit)<<8 | 0x7f),
			want: classifiedStop{kind: stopSyscall},
		},
		{
			name: "clone event",
			ws: unix.WaitStatus(uint32(unix.SIGTRAP)<<8 | 0x7f |
				uint32(syscall.PTRACE_EVENT_CLONE)<<16),
			want: classifiedStop{kind: stopPtraceEvent, cause: syscall.PTRACE_EVENT_CLONE},
		},
		{
			name: "exit event",
			ws: unix.WaitStatus(uint32(unix.SIGTRAP)<<8 | 0x7f |
				uint32(syscall.PTRACE_EVENT_EXIT)<<16),
			want: classifiedStop{kind: stopPtraceEvent, cause: syscall.PTRACE_EVENT_EXIT},
		},
		{
			name: "plain signal stop",
			ws:   unix.WaitStatus(uint32(unix.SIGUSR1)<<8 | 0x7f),
			want: classifiedStop{kind: stopSignal, sig: unix.SIGUSR1},
		},
		{
			name: "desched signal stop",
			ws:   unix.WaitStatus(uint32(unix.SIGPWR)<<8 | 0x7f),
			want: classifiedStop{kind: stopSignal, sig: unix.SIGPWR},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyStop(tt.ws)
			if got != tt.want {
				t.Errorf("classifyStop(%#x) = %+v, want %+v", uint32(tt.ws), got, tt.want)
			}
		})
	}
}
