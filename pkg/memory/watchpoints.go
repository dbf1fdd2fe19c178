package memory

import (
	"bytes"
	"sort"

	"github.com/pkg/errors"
)

type WatchType uint8

const (
	WatchExec WatchType = 1 << iota
	WatchRead
	WatchWrite
)

func (t WatchType) String() string {
	switch t {
	case WatchExec:
		return "exec"
	case WatchRead | WatchWrite:
		return "read-write"
	case WatchWrite:
		return "write"
	default:
		return "unknown"
	}
}

// debugRegisterCount is how many hardware watchpoint slots x86 and
// aarch64 both provide.
const debugRegisterCount = 4

// maxWatchBytes is the largest span one debug register covers.
const maxWatchBytes = 8

// Watchpoint watches a range of tracee memory. Write watches keep a
// snapshot of the watched bytes; firing is detected by differential
// compare, so they survive even when no hardware slot is free.
type Watchpoint struct {
	rng        Range
	execCount  int
	readCount  int
	writeCount int
	valueBytes []byte
	changed    bool
}

func (w *Watchpoint) watchType() WatchType {
	var t WatchType
	if w.execCount > 0 {
		t |= WatchExec
	}
	if w.readCount > 0 {
		t |= WatchRead
	}
	if w.writeCount > 0 {
		t |= WatchWrite
	}
	return t
}

// needsHardware reports whether differential compare cannot emulate
// this watchpoint: reads and exec leave memory untouched.
func (w *Watchpoint) needsHardware() bool {
	return w.execCount > 0 || w.readCount > 0
}

// WatchConfig is one hardware debug-register assignment.
type WatchConfig struct {
	Addr uint64
	Size uint64
	Type WatchType
}

type savedWatchpoint struct {
	rng Range
	wp  Watchpoint
}

// AddWatchpoint starts watching r. Write watches snapshot the current
// bytes for differential firing.
func (as *AddressSpace) AddWatchpoint(mem Accessor, r Range, t WatchType) error {
	wp, ok := as.watchpoints[r]
	if !ok {
		wp = &Watchpoint{rng: r}
		as.watchpoints[r] = wp
	}
	if t&WatchExec != 0 {
		wp.execCount++
	}
	if t&WatchRead != 0 {
		wp.readCount++
	}
	if t&WatchWrite != 0 {
		wp.writeCount++
	}
	if t&WatchWrite != 0 && wp.valueBytes == nil {
		wp.valueBytes = make([]byte, r.Size())
		if err := as.ReadBytesExcludingBreakpoints(mem, r.Start, wp.valueBytes); err != nil {
			return errors.Wrapf(err, "memory: cannot snapshot watched range %s", r)
		}
	}
	return nil
}

// RemoveWatchpoint drops one reference of each type bit in t.
func (as *AddressSpace) RemoveWatchpoint(r Range, t WatchType) {
	wp, ok := as.watchpoints[r]
	if !ok {
		return
	}
	if t&WatchExec != 0 && wp.execCount > 0 {
		wp.execCount--
	}
	if t&WatchRead != 0 && wp.readCount > 0 {
		wp.readCount--
	}
	if t&WatchWrite != 0 && wp.writeCount > 0 {
		wp.writeCount--
	}
	if wp.execCount == 0 && wp.readCount == 0 && wp.writeCount == 0 {
		delete(as.watchpoints, r)
	}
}

func (as *AddressSpace) RemoveAllWatchpoints() {
	as.watchpoints = map[Range]*Watchpoint{}
}

// splitForDebugRegisters carves a watched range into chunks a debug
// register can express: power-of-two sized, naturally aligned, at most
// eight bytes.
func splitForDebugRegisters(r Range, t WatchType) []WatchConfig {
	var out []WatchConfig
	addr := r.Start
	for addr < r.End {
		size := uint64(maxWatchBytes)
		for size > 1 && (addr%size != 0 || addr+size > r.End) {
			size /= 2
		}
		out = append(out, WatchConfig{Addr: addr, Size: size, Type: t})
		addr += size
	}
	return out
}

// AllocateWatchpoints packs the active watchpoints into the available
// debug-register slots. When they do not fit, write-only watchpoints
// are left to differential-compare emulation; if the rest still do not
// fit, allocation fails and the caller must single-step.
func (as *AddressSpace) AllocateWatchpoints() ([]WatchConfig, bool) {
	wps := make([]*Watchpoint, 0, len(as.watchpoints))
	for _, wp := range as.watchpoints {
		wps = append(wps, wp)
	}
	sort.Slice(wps, func(i, j int) bool { return wps[i].rng.Start < wps[j].rng.Start })

	var all []WatchConfig
	for _, wp := range wps {
		all = append(all, splitForDebugRegisters(wp.rng, wp.watchType())...)
	}
	if len(all) <= debugRegisterCount {
		return all, true
	}

	var hw []WatchConfig
	for _, wp := range wps {
		if !wp.needsHardware() {
			continue
		}
		hw = append(hw, splitForDebugRegisters(wp.rng, wp.watchType())...)
	}
	if len(hw) <= debugRegisterCount {
		return hw, true
	}
	return nil, false
}

// ConsumeWatchpointChanges re-reads every write-watched range and
// returns the ranges whose bytes changed since the last check. The
// snapshots advance, so each change reports once.
func (as *AddressSpace) ConsumeWatchpointChanges(mem Accessor) ([]Range, error) {
	var fired []Range
	for r, wp := range as.watchpoints {
		if wp.writeCount == 0 || wp.valueBytes == nil {
			continue
		}
		now := make([]byte, r.Size())
		if err := as.ReadBytesExcludingBreakpoints(mem, r.Start, now); err != nil {
			return nil, errors.Wrapf(err, "memory: cannot read watched range %s", r)
		}
		if !bytes.Equal(now, wp.valueBytes) {
			wp.valueBytes = now
			wp.changed = true
			fired = append(fired, r)
		}
	}
	sort.Slice(fired, func(i, j int) bool { return fired[i].Start < fired[j].Start })
	return fired, nil
}

// Watchpoints returns the active watchpoint configurations in address
// order, for reporting to a debugger client.
func (as *AddressSpace) Watchpoints() []WatchConfig {
	out := make([]WatchConfig, 0, len(as.watchpoints))
	for r, wp := range as.watchpoints {
		out = append(out, WatchConfig{Addr: r.Start, Size: r.Size(), Type: wp.watchType()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

// SaveWatchpoints pushes the current watchpoint set. Signal-handler
// entry saves, so a handler's own memory traffic does not fire the
// interrupted code's watchpoints.
func (as *AddressSpace) SaveWatchpoints() {
	saved := make([]savedWatchpoint, 0, len(as.watchpoints))
	for r, wp := range as.watchpoints {
		cp := *wp
		cp.valueBytes = append([]byte(nil), wp.valueBytes...)
		saved = append(saved, savedWatchpoint{rng: r, wp: cp})
	}
	as.savedWatch = append(as.savedWatch, saved)
}

// RestoreWatchpoints pops the most recently saved set.
func (as *AddressSpace) RestoreWatchpoints() bool {
	if len(as.savedWatch) == 0 {
		return false
	}
	saved := as.savedWatch[len(as.savedWatch)-1]
	as.savedWatch = as.savedWatch[:len(as.savedWatch)-1]

	as.watchpoints = make(map[Range]*Watchpoint, len(saved))
	for _, s := range saved {
		wp := s.wp
		as.watchpoints[s.rng] = &wp
	}
	return true
}
