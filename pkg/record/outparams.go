package record

import (
	"github.com/replaykit/retrace/pkg/system"
)

// writtenRange is a tracee memory span a syscall filled in.
type writtenRange struct {
	addr uint64
	size uint64
}

// Fixed kernel struct sizes on x86-64.
const (
	sizeofStat     = 144
	sizeofStatfs   = 120
	sizeofTimespec = 16
	sizeofTimeval  = 16
	sizeofTimezone = 8
	sizeofUtsname  = 390
	sizeofPollfd   = 8
	sizeofRusage   = 144
)

// syscallOutParams lists the tracee memory a successful traced syscall
// wrote, so the supervisor can capture it for replay. Entry registers
// carry the arguments, exit registers the result. Syscalls absent from
// the table either write nothing or are handled elsewhere (the
// address-space calls, the buffered fast path).
func syscallOutParams(entry, exit system.Registers) []writtenRange {
	res := exit.SyscallResultSigned()
	if res < 0 {
		return nil
	}

	one := func(addr, size uint64) []writtenRange {
		if addr == 0 || size == 0 {
			return nil
		}
		return []writtenRange{{addr: addr, size: size}}
	}

	switch entry.Syscallno() {
	case system.X8664SysRead, system.X8664SysPread64:
		return one(entry.Arg(2), uint64(res))

	case system.X8664SysRecvfrom:
		// The source-address out-params ride along only when asked for.
		out := one(entry.Arg(2), uint64(res))
		if addrp, lenp := entry.Arg(5), entry.Arg(6); addrp != 0 && lenp != 0 {
			out = append(out, writtenRange{addr: lenp, size: 4})
		}
		return out

	case system.X8664SysGetrandom:
		return one(entry.Arg(1), uint64(res))

	case system.X8664SysReadlink:
		return one(entry.Arg(2), uint64(res))

	case system.X8664SysReadlinkat:
		return one(entry.Arg(3), uint64(res))

	case system.X8664SysGetcwd:
		// The result counts the terminating NUL.
		return one(entry.Arg(1), uint64(res))

	case system.X8664SysGetdents64:
		return one(entry.Arg(2), uint64(res))

	case system.X8664SysStat, system.X8664SysLstat, system.X8664SysFstat:
		return one(entry.Arg(2), sizeofStat)

	case system.X8664SysClockGettime, system.X8664SysClockGetres:
		return one(entry.Arg(2), sizeofTimespec)

	case system.X8664SysGettimeofday:
		out := one(entry.Arg(1), sizeofTimeval)
		if tz := entry.Arg(2); tz != 0 {
			out = append(out, writtenRange{addr: tz, size: sizeofTimezone})
		}
		return out

	case system.X8664SysTime:
		return one(entry.Arg(1), 8)

	case system.X8664SysPipe, system.X8664SysPipe2:
		return one(entry.Arg(1), 8)

	case system.X8664SysUname:
		return one(entry.Arg(1), sizeofUtsname)

	case system.X8664SysPoll:
		// The kernel writes revents back into every pollfd, not just the
		// ready ones.
		return one(entry.Arg(1), entry.Arg(2)*sizeofPollfd)

	case system.X8664SysWait4:
		out := one(entry.Arg(2), 4)
		if ru := entry.Arg(4); ru != 0 {
			out = append(out, writtenRange{addr: ru, size: sizeofRusage})
		}
		return out
	}
	return nil
}
