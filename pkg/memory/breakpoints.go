package memory

import (
	"github.com/pkg/errors"

	"github.com/replaykit/retrace/pkg/system"
)

// Accessor reads and writes tracee memory. pkg/session's Task satisfies
// it via process_vm_readv/ptrace pokes; tests use an in-process buffer.
type Accessor interface {
	ReadBytes(addr uint64, buf []byte) error
	WriteBytes(addr uint64, data []byte) error
}

type BreakpointKind uint8

const (
	// BreakpointInternal breakpoints belong to the replayer itself
	// (stop breakpoints, syscallbuf traps).
	BreakpointInternal BreakpointKind = 1 << iota
	// BreakpointUser breakpoints were requested by a debugger client.
	BreakpointUser
)

// Breakpoint is a software breakpoint planted at one address. Internal
// and user requests are refcounted separately so a debugger removing
// its breakpoint cannot strip out the replayer's.
type Breakpoint struct {
	internalCount int
	userCount     int
	overwritten   []byte
}

func (b *Breakpoint) kinds() BreakpointKind {
	var k BreakpointKind
	if b.internalCount > 0 {
		k |= BreakpointInternal
	}
	if b.userCount > 0 {
		k |= BreakpointUser
	}
	return k
}

func breakpointInstruction(arch system.Arch) []byte {
	if arch == system.ArchAarch64 {
		// brk #0
		return []byte{0x00, 0x00, 0x20, 0xD4}
	}
	// int3
	return []byte{0xCC}
}

// BreakpointInstructionLength is how far a trap instruction advances
// the IP on this architecture (zero on aarch64, where brk does not
// retire).
func BreakpointInstructionLength(arch system.Arch) uint64 {
	if arch == system.ArchAarch64 {
		return 0
	}
	return 1
}

// AddBreakpoint plants a breakpoint at addr, writing the trap
// instruction into the tracee on the first reference.
func (as *AddressSpace) AddBreakpoint(mem Accessor, addr uint64, kind BreakpointKind) error {
	bp, ok := as.breakpoints[addr]
	if !ok {
		insn := breakpointInstruction(as.arch)
		saved := make([]byte, len(insn))
		if err := mem.ReadBytes(addr, saved); err != nil {
			return errors.Wrapf(err, "memory: cannot read %#x to plant breakpoint", addr)
		}
		if err := mem.WriteBytes(addr, insn); err != nil {
			return errors.Wrapf(err, "memory: cannot write breakpoint at %#x", addr)
		}
		bp = &Breakpoint{overwritten: saved}
		as.breakpoints[addr] = bp
	}
	switch kind {
	case BreakpointInternal:
		bp.internalCount++
	case BreakpointUser:
		bp.userCount++
	}
	return nil
}

// RemoveBreakpoint drops one reference; the original bytes go back when
// nobody wants the breakpoint anymore.
func (as *AddressSpace) RemoveBreakpoint(mem Accessor, addr uint64, kind BreakpointKind) error {
	bp, ok := as.breakpoints[addr]
	if !ok {
		return nil
	}
	switch kind {
	case BreakpointInternal:
		if bp.internalCount > 0 {
			bp.internalCount--
		}
	case BreakpointUser:
		if bp.userCount > 0 {
			bp.userCount--
		}
	}
	if bp.internalCount > 0 || bp.userCount > 0 {
		return nil
	}
	delete(as.breakpoints, addr)
	return errors.Wrapf(mem.WriteBytes(addr, bp.overwritten),
		"memory: cannot restore bytes at %#x", addr)
}

// RemoveAllBreakpoints restores every planted breakpoint.
func (as *AddressSpace) RemoveAllBreakpoints(mem Accessor) error {
	var firstErr error
	for addr, bp := range as.breakpoints {
		if err := mem.WriteBytes(addr, bp.overwritten); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "memory: cannot restore bytes at %#x", addr)
		}
		delete(as.breakpoints, addr)
	}
	return firstErr
}

// BreakpointKindsAt reports which kinds of breakpoint exist at addr.
func (as *AddressSpace) BreakpointKindsAt(addr uint64) BreakpointKind {
	bp, ok := as.breakpoints[addr]
	if !ok {
		return 0
	}
	return bp.kinds()
}

// IsBreakpointIP reports whether ip is a stop caused by one of our
// breakpoints (the IP sits just past the trap instruction on x86).
func (as *AddressSpace) IsBreakpointIP(ip uint64) bool {
	addr := ip - BreakpointInstructionLength(as.arch)
	_, ok := as.breakpoints[addr]
	return ok
}

// ReadBytesExcludingBreakpoints reads tracee memory and splices the
// saved original bytes over any planted breakpoints, so clients (and
// checksums) see the program as written.
func (as *AddressSpace) ReadBytesExcludingBreakpoints(mem Accessor, addr uint64, buf []byte) error {
	if err := mem.ReadBytes(addr, buf); err != nil {
		return err
	}
	readRange := Range{Start: addr, End: addr + uint64(len(buf))}
	for bpAddr, bp := range as.breakpoints {
		bpRange := Range{Start: bpAddr, End: bpAddr + uint64(len(bp.overwritten))}
		overlap := readRange.Intersect(bpRange)
		if overlap.Size() == 0 {
			continue
		}
		copy(buf[overlap.Start-addr:overlap.End-addr],
			bp.overwritten[overlap.Start-bpAddr:overlap.End-bpAddr])
	}
	return nil
}
