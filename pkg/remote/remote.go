// Package remote executes syscalls inside a stopped tracee on its
// behalf: registers are staged, the IP is pointed at a known syscall
// instruction, and the tracee is resumed just long enough to trap at
// the syscall exit. Everything is restored on the way out.
package remote

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/replaykit/retrace/pkg/system"
)

// AtFdcwd is unix.AT_FDCWD widened into a syscall argument. The kernel
// reads dirfd as a 32-bit int, so the negative value travels in the
// low 32 bits.
func AtFdcwd() uint64 {
	dirfd := int32(unix.AT_FDCWD)
	return uint64(uint32(dirfd))
}

// Tracee is the slice of task control remote execution needs.
// pkg/session's Task provides it over ptrace; tests provide an
// in-process emulation.
type Tracee interface {
	Regs() system.Registers
	SetRegs(system.Registers) error
	ReadBytes(addr uint64, buf []byte) error
	WriteBytes(addr uint64, data []byte) error
	// ResumeSyscall lets the tracee execute the syscall its registers
	// describe and stops it again at the syscall exit.
	ResumeSyscall() error
	Arch() system.Arch
}

// AutoRemoteSyscalls saves the tracee's register state on entry and
// restores it when released, no matter how many syscalls ran or which
// exit path was taken.
type AutoRemoteSyscalls struct {
	t         Tracee
	saved     system.Registers
	syscallIP uint64
	released  bool
}

// New prepares t for remote syscalls using the syscall instruction at
// syscallIP (one of the address space's anchor addresses).
func New(t Tracee, syscallIP uint64) *AutoRemoteSyscalls {
	return &AutoRemoteSyscalls{
		t:         t,
		saved:     t.Regs(),
		syscallIP: syscallIP,
	}
}

func (r *AutoRemoteSyscalls) Tracee() Tracee { return r.t }

// Syscall executes one syscall in the tracee and returns the raw
// kernel result (negative errno encoded in-band).
func (r *AutoRemoteSyscalls) Syscall(no int64, args ...uint64) (uint64, error) {
	if r.released {
		return 0, errors.New("remote: syscall after release")
	}
	if len(args) > 6 {
		return 0, errors.Errorf("remote: %d syscall args", len(args))
	}

	regs := r.saved
	regs.SetIP(r.syscallIP)
	regs.SetSyscallno(no)
	for i, arg := range args {
		regs.SetArg(i+1, arg)
	}
	for i := len(args); i < 6; i++ {
		regs.SetArg(i+1, 0)
	}
	// Keep the possibly-moved SP of an active AutoRestoreMem.
	cur := r.t.Regs()
	regs.SetSP(cur.SP())

	if err := r.t.SetRegs(regs); err != nil {
		return 0, errors.Wrap(err, "remote: cannot stage syscall registers")
	}
	if err := r.t.ResumeSyscall(); err != nil {
		return 0, errors.Wrap(err, "remote: syscall did not complete")
	}
	out := r.t.Regs()
	return out.SyscallResult(), nil
}

// SyscallChecked is Syscall with the errno convention unpacked: an
// error return carries the errno.
func (r *AutoRemoteSyscalls) SyscallChecked(no int64, args ...uint64) (int64, error) {
	raw, err := r.Syscall(no, args...)
	if err != nil {
		return 0, err
	}
	if system.IsErrnoResult(raw) {
		name := system.CallNumberResolver(r.t.Arch())(uint32(no))
		return 0, errors.Errorf("remote: %s failed with errno %d", name, system.ErrnoFromResult(raw))
	}
	return int64(raw), nil
}

// Callno resolves a syscall name for the tracee's architecture.
func (r *AutoRemoteSyscalls) Callno(name string) (int64, error) {
	no, ok := system.CallNameResolver(r.t.Arch())(name)
	if !ok {
		return 0, errors.Errorf("remote: no syscall %q on %s", name, r.t.Arch())
	}
	return int64(no), nil
}

// Release restores the saved registers. Safe to call more than once;
// deferred Release plus an explicit early one is the normal pattern.
func (r *AutoRemoteSyscalls) Release() error {
	if r.released {
		return nil
	}
	r.released = true
	return errors.Wrap(r.t.SetRegs(r.saved), "remote: cannot restore registers")
}

// AutoRestoreMem borrows bytes of the tracee's stack below SP, holding
// supervisor data at a real tracee address. Releasing writes the
// original bytes back; the SP itself comes back with the enclosing
// AutoRemoteSyscalls release.
type AutoRestoreMem struct {
	remote   *AutoRemoteSyscalls
	addr     uint64
	saved    []byte
	released bool
}

// NewRestoreMem pushes data onto the tracee stack. With data nil, n
// bytes are reserved but left untouched (result buffers).
func NewRestoreMem(r *AutoRemoteSyscalls, data []byte, n int) (*AutoRestoreMem, error) {
	if data != nil {
		n = len(data)
	}
	size := uint64((n + 7) &^ 7)

	regs := r.t.Regs()
	addr := regs.SP() - size

	m := &AutoRestoreMem{remote: r, addr: addr, saved: make([]byte, size)}
	if err := r.t.ReadBytes(addr, m.saved); err != nil {
		return nil, errors.Wrap(err, "remote: cannot save stack bytes")
	}
	if data != nil {
		if err := r.t.WriteBytes(addr, data); err != nil {
			return nil, errors.Wrap(err, "remote: cannot stage stack bytes")
		}
	}

	regs.SetSP(addr)
	if err := r.t.SetRegs(regs); err != nil {
		return nil, errors.Wrap(err, "remote: cannot move SP")
	}
	return m, nil
}

// Addr is the tracee address of the staged bytes.
func (m *AutoRestoreMem) Addr() uint64 { return m.addr }

// Read copies the (possibly kernel-written) staged bytes back out.
func (m *AutoRestoreMem) Read(buf []byte) error {
	return m.remote.t.ReadBytes(m.addr, buf)
}

// Release restores the borrowed stack bytes and gives the space back.
func (m *AutoRestoreMem) Release() error {
	if m.released {
		return nil
	}
	m.released = true
	if err := m.remote.t.WriteBytes(m.addr, m.saved); err != nil {
		return errors.Wrap(err, "remote: cannot restore stack bytes")
	}
	regs := m.remote.t.Regs()
	regs.SetSP(m.addr + uint64(len(m.saved)))
	return errors.Wrap(m.remote.t.SetRegs(regs), "remote: cannot restore SP")
}
