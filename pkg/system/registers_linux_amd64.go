//go:build linux && amd64

package system

import (
	"golang.org/x/sys/unix"
)

// FromPtraceRegs converts a live ptrace register dump into the
// architecture-tagged register file.
func FromPtraceRegs(regs unix.PtraceRegs) Registers {
	r := NewRegisters(ArchX8664)
	r.vals[X8664R15] = regs.R15
	r.vals[X8664R14] = regs.R14
	r.vals[X8664R13] = regs.R13
	r.vals[X8664R12] = regs.R12
	r.vals[X8664RBP] = regs.Rbp
	r.vals[X8664RBX] = regs.Rbx
	r.vals[X8664R11] = regs.R11
	r.vals[X8664R10] = regs.R10
	r.vals[X8664R9] = regs.R9
	r.vals[X8664R8] = regs.R8
	r.vals[X8664RAX] = regs.Rax
	r.vals[X8664RCX] = regs.Rcx
	r.vals[X8664RDX] = regs.Rdx
	r.vals[X8664RSI] = regs.Rsi
	r.vals[X8664RDI] = regs.Rdi
	r.vals[X8664OrigRAX] = regs.Orig_rax
	r.vals[X8664RIP] = regs.Rip
	r.vals[X8664CS] = regs.Cs
	r.vals[X8664EFLAGS] = regs.Eflags
	r.vals[X8664RSP] = regs.Rsp
	r.vals[X8664SS] = regs.Ss
	r.vals[X8664FSBase] = regs.Fs_base
	r.vals[X8664GSBase] = regs.Gs_base
	r.vals[X8664DS] = regs.Ds
	r.vals[X8664ES] = regs.Es
	r.vals[X8664FS] = regs.Fs
	r.vals[X8664GS] = regs.Gs
	return r
}

// ToPtraceRegs converts back for PTRACE_SETREGS.
func (r *Registers) ToPtraceRegs() unix.PtraceRegs {
	return unix.PtraceRegs{
		R15:      r.vals[X8664R15],
		R14:      r.vals[X8664R14],
		R13:      r.vals[X8664R13],
		R12:      r.vals[X8664R12],
		Rbp:      r.vals[X8664RBP],
		Rbx:      r.vals[X8664RBX],
		R11:      r.vals[X8664R11],
		R10:      r.vals[X8664R10],
		R9:       r.vals[X8664R9],
		R8:       r.vals[X8664R8],
		Rax:      r.vals[X8664RAX],
		Rcx:      r.vals[X8664RCX],
		Rdx:      r.vals[X8664RDX],
		Rsi:      r.vals[X8664RSI],
		Rdi:      r.vals[X8664RDI],
		Orig_rax: r.vals[X8664OrigRAX],
		Rip:      r.vals[X8664RIP],
		Cs:       r.vals[X8664CS],
		Eflags:   r.vals[X8664EFLAGS],
		Rsp:      r.vals[X8664RSP],
		Ss:       r.vals[X8664SS],
		Fs_base:  r.vals[X8664FSBase],
		Gs_base:  r.vals[X8664GSBase],
		Ds:       r.vals[X8664DS],
		Es:       r.vals[X8664ES],
		Fs:       r.vals[X8664FS],
		Gs:       r.vals[X8664GS],
	}
}

// NativeArch is the architecture the supervisor itself runs on.
func NativeArch() Arch { return ArchX8664 }
