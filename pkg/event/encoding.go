package event

import (
	"fmt"

	"github.com/replaykit/retrace/pkg/system"
)

// Encoded is the single 32-bit word stored in each trace frame's basic
// block: 5-bit type, 1-bit is-syscall-entry hint, 1-bit
// has-execution-info flag, 1-bit architecture tag, 24 bits of payload.
// It exists so frames stay small and random-access friendly.
type Encoded uint32

const (
	encTypeBits    = 5
	encTypeMask    = (1 << encTypeBits) - 1
	encEntryShift  = 5
	encExecShift   = 6
	encArchShift   = 7
	encDataShift   = 8
	encDataMask    = (1 << 24) - 1
	// Deterministic signals are encoded as signo | DetSignalBit.
	DetSignalBit = 0x80
)

func init() {
	if typeCount > 1<<encTypeBits {
		panic("event: allocate more bits to the encoded type field")
	}
}

func (enc Encoded) Type() Type            { return Type(enc & encTypeMask) }
func (enc Encoded) IsSyscallEntry() bool  { return enc&(1<<encEntryShift) != 0 }
func (enc Encoded) HasExecInfo() bool     { return enc&(1<<encExecShift) != 0 }
func (enc Encoded) Arch() system.Arch     { return system.Arch((enc >> encArchShift) & 1) }
func (enc Encoded) Data() uint32          { return uint32(enc>>encDataShift) & encDataMask }

// Encode packs the event. The encoding is lossy: payloads that cannot
// be reconstructed from 24 bits (captured registers, siginfo beyond the
// signal number) live in the rest of the frame.
func (e *Event) Encode() Encoded {
	switch e.typ {
	case Unassigned, Sentinel, Noop:
		panic(fmt.Sprintf("event: refusing to encode %v", e.typ))
	}

	enc := Encoded(e.typ) & encTypeMask
	if e.hasExecInfo {
		enc |= 1 << encExecShift
	}
	enc |= Encoded(e.arch&1) << encArchShift

	var data uint32
	switch {
	case e.IsSignalEvent():
		data = uint32(e.signal.Siginfo.Signo)
		if e.signal.Deterministic {
			data |= DetSignalBit
		}
	case e.IsSyscallEvent():
		data = uint32(e.syscall.Number)
		if e.syscall.State == EnteringSyscall {
			enc |= 1 << encEntryShift
		}
	}
	enc |= Encoded(data&encDataMask) << encDataShift

	return enc
}

// Decode reconstructs an Event from its encoded form. Syscall events
// come back in EnteringSyscall or ExitingSyscall state according to the
// entry hint; signal events carry the signal number and determinism
// flag with the rest of the siginfo zeroed until the frame's signal
// payload is applied.
func Decode(enc Encoded) Event {
	typ := enc.Type()
	e := Event{
		typ:         typ,
		hasExecInfo: enc.HasExecInfo(),
		arch:        enc.Arch(),
	}

	switch {
	case e.IsSignalEvent():
		data := enc.Data()
		e.signal = SignalEvent{
			Siginfo:       SigInfo{Signo: int32(data &^ DetSignalBit)},
			Deterministic: data&DetSignalBit != 0,
		}
	case e.IsSyscallEvent():
		state := ExitingSyscall
		if enc.IsSyscallEntry() {
			state = EnteringSyscall
		}
		e.syscall = SyscallEvent{
			State:  state,
			Number: int32(enc.Data()),
			Regs:   system.NewRegisters(e.arch),
		}
	}

	return e
}
