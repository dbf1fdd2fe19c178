//go:build linux && amd64

package record

import (
	"encoding/binary"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/replaykit/retrace/pkg/system"
)

// ptraceTracee adapts one stopped tracee thread to the remote-syscall
// interface. The thread must be in a ptrace stop for every method.
type ptraceTracee struct {
	tid  int
	arch system.Arch
}

func (p *ptraceTracee) Regs() system.Registers {
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(p.tid, &regs); err != nil {
		return system.NewRegisters(p.arch)
	}
	return system.FromPtraceRegs(regs)
}

func (p *ptraceTracee) SetRegs(r system.Registers) error {
	regs := r.ToPtraceRegs()
	return unix.PtraceSetRegs(p.tid, &regs)
}

func (p *ptraceTracee) ReadBytes(addr uint64, buf []byte) error {
	local := []unix.Iovec{{Base: &buf[0], Len: uint64(len(buf))}}
	remote := []unix.RemoteIovec{{Base: uintptr(addr), Len: len(buf)}}
	n, err := unix.ProcessVMReadv(p.tid, local, remote, 0)
	if err != nil {
		return errors.Wrapf(err, "record: read %d bytes at %#x from %d", len(buf), addr, p.tid)
	}
	if n != len(buf) {
		return errors.Errorf("record: short read at %#x from %d (%d of %d)", addr, p.tid, n, len(buf))
	}
	return nil
}

func (p *ptraceTracee) WriteBytes(addr uint64, data []byte) error {
	local := []unix.Iovec{{Base: &data[0], Len: uint64(len(data))}}
	remote := []unix.RemoteIovec{{Base: uintptr(addr), Len: len(data)}}
	n, err := unix.ProcessVMWritev(p.tid, local, remote, 0)
	if err != nil {
		return errors.Wrapf(err, "record: write %d bytes at %#x to %d", len(data), addr, p.tid)
	}
	if n != len(data) {
		return errors.Errorf("record: short write at %#x to %d (%d of %d)", addr, p.tid, n, len(data))
	}
	return nil
}

// ResumeSyscall runs the tracee through one syscall: resume to the
// entry stop, then to the exit stop.
func (p *ptraceTracee) ResumeSyscall() error {
	for i := 0; i < 2; i++ {
		if err := unix.PtraceSyscall(p.tid, 0); err != nil {
			return errors.Wrapf(err, "record: cannot resume %d", p.tid)
		}
		var ws unix.WaitStatus
		if _, err := unix.Wait4(p.tid, &ws, unix.WALL, nil); err != nil {
			return errors.Wrapf(err, "record: wait on %d", p.tid)
		}
		if classifyStop(ws).kind != stopSyscall {
			return errors.Errorf("record: unexpected stop %v while running a syscall in %d",
				classifyStop(ws), p.tid)
		}
	}
	return nil
}

func (p *ptraceTracee) Arch() system.Arch { return p.arch }

// siginfoBuf matches the kernel's 128-byte siginfo_t. Only the leading
// fixed fields and the fault address are decoded.
type siginfoBuf [128]byte

func ptraceGetSiginfo(tid int) (siginfoBuf, error) {
	var si siginfoBuf
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, unix.PTRACE_GETSIGINFO,
		uintptr(tid), 0, uintptr(unsafe.Pointer(&si[0])), 0, 0)
	if errno != 0 {
		return si, errors.Wrapf(errno, "record: PTRACE_GETSIGINFO on %d", tid)
	}
	return si, nil
}

func (si *siginfoBuf) signo() int32 { return int32(binary.LittleEndian.Uint32(si[0:])) }
func (si *siginfoBuf) errno() int32 { return int32(binary.LittleEndian.Uint32(si[4:])) }
func (si *siginfoBuf) code() int32  { return int32(binary.LittleEndian.Uint32(si[8:])) }

// faultAddr is si_addr, meaningful only for the fault signals.
func (si *siginfoBuf) faultAddr() uint64 { return binary.LittleEndian.Uint64(si[16:]) }
