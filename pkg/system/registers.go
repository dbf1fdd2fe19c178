package system

import (
	"encoding/binary"
	"fmt"

	log "github.com/sirupsen/logrus"
)

// Register file indices, x86-64. The layout follows the kernel's
// user_regs_struct so conversion to and from ptrace is a copy.
const (
	X8664R15 = iota
	X8664R14
	X8664R13
	X8664R12
	X8664RBP
	X8664RBX
	X8664R11
	X8664R10
	X8664R9
	X8664R8
	X8664RAX
	X8664RCX
	X8664RDX
	X8664RSI
	X8664RDI
	X8664OrigRAX
	X8664RIP
	X8664CS
	X8664EFLAGS
	X8664RSP
	X8664SS
	X8664FSBase
	X8664GSBase
	X8664DS
	X8664ES
	X8664FS
	X8664GS
	x8664RegCount
)

// Register file indices, aarch64: X0..X30, then SP, PC, PSTATE.
const (
	Arm64X0     = 0
	Arm64X8     = 8
	Arm64X30    = 30
	Arm64SP     = 31
	Arm64PC     = 32
	Arm64PSTATE = 33

	arm64RegCount = 34
)

const regSlots = 34

// Registers is an architecture-tagged general-purpose register file.
// It is plain data: it may describe a tracee whose architecture differs
// from the supervisor's.
type Registers struct {
	arch Arch
	vals [regSlots]uint64
}

func NewRegisters(arch Arch) Registers {
	return Registers{arch: arch}
}

func (r *Registers) Arch() Arch { return r.arch }

func (r *Registers) Get(idx int) uint64       { return r.vals[idx] }
func (r *Registers) Set(idx int, val uint64)  { r.vals[idx] = val }
func (r *Registers) RawValues() [regSlots]uint64 { return r.vals }

func (r *Registers) IP() uint64 {
	if r.arch == ArchX8664 {
		return r.vals[X8664RIP]
	}
	return r.vals[Arm64PC]
}

func (r *Registers) SetIP(val uint64) {
	if r.arch == ArchX8664 {
		r.vals[X8664RIP] = val
		return
	}
	r.vals[Arm64PC] = val
}

func (r *Registers) SP() uint64 {
	if r.arch == ArchX8664 {
		return r.vals[X8664RSP]
	}
	return r.vals[Arm64SP]
}

func (r *Registers) SetSP(val uint64) {
	if r.arch == ArchX8664 {
		r.vals[X8664RSP] = val
		return
	}
	r.vals[Arm64SP] = val
}

// Syscallno returns the syscall number as captured at entry
// (orig_rax on x86-64, x8 on aarch64).
func (r *Registers) Syscallno() int64 {
	if r.arch == ArchX8664 {
		return int64(r.vals[X8664OrigRAX])
	}
	return int64(r.vals[Arm64X8])
}

func (r *Registers) SetSyscallno(no int64) {
	if r.arch == ArchX8664 {
		r.vals[X8664OrigRAX] = uint64(no)
		return
	}
	r.vals[Arm64X8] = uint64(no)
}

// SyscallResult is the value the kernel leaves in the return register.
func (r *Registers) SyscallResult() uint64 {
	if r.arch == ArchX8664 {
		return r.vals[X8664RAX]
	}
	return r.vals[Arm64X0]
}

func (r *Registers) SyscallResultSigned() int64 {
	return int64(r.SyscallResult())
}

func (r *Registers) SetSyscallResult(val uint64) {
	if r.arch == ArchX8664 {
		r.vals[X8664RAX] = val
		return
	}
	r.vals[Arm64X0] = val
}

var x8664ArgIndices = [6]int{X8664RDI, X8664RSI, X8664RDX, X8664R10, X8664R8, X8664R9}

// Arg returns syscall argument n (1-based).
func (r *Registers) Arg(n int) uint64 {
	if r.arch == ArchX8664 {
		return r.vals[x8664ArgIndices[n-1]]
	}
	return r.vals[Arm64X0+n-1]
}

func (r *Registers) SetArg(n int, val uint64) {
	if r.arch == ArchX8664 {
		r.vals[x8664ArgIndices[n-1]] = val
		return
	}
	r.vals[Arm64X0+n-1] = val
}

// Flags returns the processor flags register (EFLAGS or PSTATE).
func (r *Registers) Flags() uint64 {
	if r.arch == ArchX8664 {
		return r.vals[X8664EFLAGS]
	}
	return r.vals[Arm64PSTATE]
}

func (r *Registers) SetFlags(val uint64) {
	if r.arch == ArchX8664 {
		r.vals[X8664EFLAGS] = val
		return
	}
	r.vals[Arm64PSTATE] = val
}

// Flag bits that legitimately differ between record and replay.
const (
	x8664FlagRF = uint64(1) << 16 // resume flag, set by debug traps
	x8664FlagIF = uint64(1) << 9  // interrupt enable
	x8664FlagID = uint64(1) << 21 // cpuid detection toggle
	arm64FlagSS = uint64(1) << 21 // software single-step
)

type regSpec struct {
	name string
	idx  int
	mask uint64 // bits cleared before comparison; ^uint64(0) skips the register
}

var x8664CompareSpecs = []regSpec{
	{"r15", X8664R15, 0},
	{"r14", X8664R14, 0},
	{"r13", X8664R13, 0},
	{"r12", X8664R12, 0},
	{"rbp", X8664RBP, 0},
	{"rbx", X8664RBX, 0},
	{"r11", X8664R11, 0},
	{"r10", X8664R10, 0},
	{"r9", X8664R9, 0},
	{"r8", X8664R8, 0},
	{"rax", X8664RAX, 0},
	{"rcx", X8664RCX, 0},
	{"rdx", X8664RDX, 0},
	{"rsi", X8664RSI, 0},
	{"rdi", X8664RDI, 0},
	{"orig_rax", X8664OrigRAX, 0},
	{"rip", X8664RIP, 0},
	{"eflags", X8664EFLAGS, x8664FlagRF | x8664FlagIF | x8664FlagID},
	{"rsp", X8664RSP, 0},
	// Segment registers are architecturally constant for our tracees;
	// the kernel is free to report stale selector values.
	{"cs", X8664CS, ^uint64(0)},
	{"ss", X8664SS, ^uint64(0)},
	{"ds", X8664DS, ^uint64(0)},
	{"es", X8664ES, ^uint64(0)},
	{"fs", X8664FS, ^uint64(0)},
	{"gs", X8664GS, ^uint64(0)},
	{"fs_base", X8664FSBase, 0},
	{"gs_base", X8664GSBase, 0},
}

func arm64CompareSpecs() []regSpec {
	specs := make([]regSpec, 0, arm64RegCount)
	for i := Arm64X0; i <= Arm64X30; i++ {
		specs = append(specs, regSpec{fmt.Sprintf("x%d", i), i, 0})
	}
	specs = append(specs,
		regSpec{"sp", Arm64SP, 0},
		regSpec{"pc", Arm64PC, 0},
		regSpec{"pstate", Arm64PSTATE, arm64FlagSS})
	return specs
}

// Mismatch describes one register whose recorded and live values differ
// under the comparison mask.
type Mismatch struct {
	Name     string
	Recorded uint64
	Live     uint64
}

func (m Mismatch) String() string {
	return fmt.Sprintf("%s: recorded=0x%x live=0x%x", m.Name, m.Recorded, m.Live)
}

// MatchesMasked compares r (the live registers) against rec (the
// recorded registers) bitwise under the per-register mask and returns
// every mismatching register. Registers whose mask covers the whole
// word are not compared at all.
func (r *Registers) MatchesMasked(rec *Registers) []Mismatch {
	if r.arch != rec.arch {
		return []Mismatch{{Name: "arch", Recorded: uint64(rec.arch), Live: uint64(r.arch)}}
	}

	var specs []regSpec
	if r.arch == ArchX8664 {
		specs = x8664CompareSpecs
	} else {
		specs = arm64CompareSpecs()
	}

	var mismatched []Mismatch
	for _, spec := range specs {
		if spec.mask == ^uint64(0) {
			continue
		}
		recVal := rec.vals[spec.idx] &^ spec.mask
		liveVal := r.vals[spec.idx] &^ spec.mask
		if recVal != liveVal {
			mismatched = append(mismatched, Mismatch{
				Name:     spec.name,
				Recorded: rec.vals[spec.idx],
				Live:     r.vals[spec.idx],
			})
		}
	}

	return mismatched
}

// LogMismatches reports every mismatched register at error level.
func LogMismatches(mismatched []Mismatch) {
	for _, m := range mismatched {
		log.Errorf("system.Registers: register mismatch - %s", m.String())
	}
}

const registersEncodedSize = 1 + regSlots*8

// MarshalBinary serializes the register file for the trace events
// substream (arch byte followed by the raw slots, little-endian).
func (r *Registers) MarshalBinary() []byte {
	buf := make([]byte, registersEncodedSize)
	buf[0] = byte(r.arch)
	for i, v := range r.vals {
		binary.LittleEndian.PutUint64(buf[1+i*8:], v)
	}
	return buf
}

func (r *Registers) UnmarshalBinary(data []byte) error {
	if len(data) < registersEncodedSize {
		return fmt.Errorf("system.Registers: short register blob (%d bytes)", len(data))
	}
	r.arch = Arch(data[0])
	for i := range r.vals {
		r.vals[i] = binary.LittleEndian.Uint64(data[1+i*8:])
	}
	return nil
}

// RegistersEncodedSize is the wire size of one register file.
func RegistersEncodedSize() int { return registersEncodedSize }

// ExtraRegistersFormat tags the layout of the extra register blob.
type ExtraRegistersFormat uint8

const (
	ExtraRegistersNone ExtraRegistersFormat = iota
	// XSave is the x86 XSAVE area, as returned by PTRACE_GETREGSET
	// with NT_X86_XSTATE.
	ExtraRegistersXSave
	// FPSIMD is the aarch64 NT_PRFPREG register set.
	ExtraRegistersFPSIMD
)

// ExtraRegisters carries the floating-point/vector save area as an
// opaque format-tagged byte blob.
type ExtraRegisters struct {
	Arch   Arch
	Format ExtraRegistersFormat
	Data   []byte
}

func (e *ExtraRegisters) Empty() bool {
	return e.Format == ExtraRegistersNone || len(e.Data) == 0
}
