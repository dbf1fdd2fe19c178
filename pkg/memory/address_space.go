package memory

import (
	"fmt"

	"github.com/google/btree"
	log "github.com/sirupsen/logrus"

	"github.com/replaykit/retrace/pkg/system"
)

// EmuFileHandle is what a mapping backed by an emulated file keeps hold
// of. The concrete type lives in pkg/emufs; holding the handle keeps
// the emulated file alive for garbage collection.
type EmuFileHandle interface {
	EmuPath() string
}

// Mapping pairs the mapping as it exists in the tracee right now with
// the recorded sibling it corresponds to. During recording the two are
// identical; during replay the live mapping may be backed by a trace
// file or an emulated file while Recorded preserves what the tracee
// believes.
type Mapping struct {
	Map      KernelMapping
	Recorded KernelMapping
	EmuFile  EmuFileHandle
}

func (m *Mapping) String() string { return m.Map.String() }

// Mappings are ordered by disjointness: a mapping is "less" than
// another only when it lies entirely below it. Overlapping mappings
// compare equal, which is what makes point lookup a plain tree Get.
func mappingLess(a, b *Mapping) bool { return a.Map.End <= b.Map.Start }

func pointKey(addr uint64) *Mapping {
	return &Mapping{Map: KernelMapping{Range: Range{Start: addr, End: addr + 1}}}
}

// SyscallAnchors are addresses inside the preload library's stubs where
// the supervisor can make the tracee execute a syscall instruction.
type SyscallAnchors struct {
	Traced             uint64
	Untraced           uint64
	PrivilegedTraced   uint64
	PrivilegedUntraced uint64
}

// AddressSpace tracks every mapping of one tracee address space,
// together with the breakpoints, watchpoints and patch state planted
// into it. Tasks sharing a VM (CLONE_VM) share one AddressSpace.
type AddressSpace struct {
	exe      string
	arch     system.Arch
	mappings *btree.BTreeG[*Mapping]

	breakpoints map[uint64]*Breakpoint
	watchpoints map[Range]*Watchpoint
	savedWatch  [][]savedWatchpoint

	anchors SyscallAnchors
	auxv    []byte

	// Original bytes of syscall sites rewritten to jump into the
	// preload stubs, keyed by patch address.
	patchedBytes map[uint64][]byte
}

func NewAddressSpace(exe string, arch system.Arch) *AddressSpace {
	return &AddressSpace{
		exe:          exe,
		arch:         arch,
		mappings:     btree.NewG(16, mappingLess),
		breakpoints:  map[uint64]*Breakpoint{},
		watchpoints:  map[Range]*Watchpoint{},
		patchedBytes: map[uint64][]byte{},
	}
}

func (as *AddressSpace) Exe() string { return as.exe }

// AddMapping records a new mapping, replacing whatever parts of
// existing mappings it overlaps (mmap over an existing range implicitly
// unmaps it).
func (as *AddressSpace) AddMapping(m, recorded KernelMapping, emu EmuFileHandle) *Mapping {
	as.Unmap(m.Range)
	mapping := &Mapping{Map: m, Recorded: recorded, EmuFile: emu}
	as.mappings.ReplaceOrInsert(mapping)
	return mapping
}

// MappingOf returns the unique mapping containing addr.
func (as *AddressSpace) MappingOf(addr uint64) (*Mapping, bool) {
	return as.mappings.Get(pointKey(addr))
}

// MappingsIntersecting returns the mappings overlapping r, in address
// order.
func (as *AddressSpace) MappingsIntersecting(r Range) []*Mapping {
	if r.Size() == 0 {
		return nil
	}
	var out []*Mapping
	as.mappings.AscendGreaterOrEqual(pointKey(r.Start), func(m *Mapping) bool {
		if m.Map.Start >= r.End {
			return false
		}
		out = append(out, m)
		return true
	})
	return out
}

// Mappings returns every mapping in address order.
func (as *AddressSpace) Mappings() []*Mapping {
	out := make([]*Mapping, 0, as.mappings.Len())
	as.mappings.Ascend(func(m *Mapping) bool {
		out = append(out, m)
		return true
	})
	return out
}

// Unmap removes r from the address space. Mappings partially covered
// by r are split and their uncovered parts survive.
func (as *AddressSpace) Unmap(r Range) {
	for _, m := range as.MappingsIntersecting(r) {
		as.mappings.Delete(m)
		if m.Map.Start < r.Start {
			as.mappings.ReplaceOrInsert(&Mapping{
				Map:      m.Map.Subrange(m.Map.Start, r.Start),
				Recorded: m.Recorded.Subrange(m.Recorded.Start, m.Recorded.Start+(r.Start-m.Map.Start)),
				EmuFile:  m.EmuFile,
			})
		}
		if m.Map.End > r.End {
			off := r.End - m.Map.Start
			as.mappings.ReplaceOrInsert(&Mapping{
				Map:      m.Map.Subrange(r.End, m.Map.End),
				Recorded: m.Recorded.Subrange(m.Recorded.Start+off, m.Recorded.End),
				EmuFile:  m.EmuFile,
			})
		}
	}
}

// Protect applies prot to r, splitting mappings at its boundaries.
func (as *AddressSpace) Protect(r Range, prot int32) {
	for _, m := range as.MappingsIntersecting(r) {
		as.mappings.Delete(m)

		insert := func(sub Range, newProt int32) {
			off := sub.Start - m.Map.Start
			live := m.Map.Subrange(sub.Start, sub.End).SetProt(newProt)
			rec := m.Recorded.Subrange(m.Recorded.Start+off, m.Recorded.Start+off+sub.Size()).SetProt(newProt)
			as.mappings.ReplaceOrInsert(&Mapping{Map: live, Recorded: rec, EmuFile: m.EmuFile})
		}

		if m.Map.Start < r.Start {
			insert(Range{m.Map.Start, r.Start}, m.Map.Prot)
		}
		mid := m.Map.Intersect(r)
		insert(mid, prot)
		if m.Map.End > r.End {
			insert(Range{r.End, m.Map.End}, m.Map.Prot)
		}
	}
}

// Remap moves a mapping, mremap-style. The old range must be fully
// covered by one mapping.
func (as *AddressSpace) Remap(oldStart, oldSize, newStart, newSize uint64) error {
	m, ok := as.MappingOf(oldStart)
	if !ok || !m.Map.ContainsRange(NewRange(oldStart, oldSize)) {
		return fmt.Errorf("memory: remap source %s is not mapped", NewRange(oldStart, oldSize))
	}
	as.Unmap(NewRange(oldStart, oldSize))
	as.Unmap(NewRange(newStart, newSize))

	live := m.Map
	live.Range = NewRange(newStart, newSize)
	live.FileOffsetBytes = m.Map.FileOffsetBytes + (oldStart - m.Map.Start)
	rec := m.Recorded
	rec.Range = live.Range
	rec.FileOffsetBytes = live.FileOffsetBytes
	as.mappings.ReplaceOrInsert(&Mapping{Map: live, Recorded: rec, EmuFile: m.EmuFile})
	return nil
}

// CoalesceAdjacent merges the mapping containing addr with any
// neighbors that continue the same backing object.
func (as *AddressSpace) CoalesceAdjacent(addr uint64) {
	m, ok := as.MappingOf(addr)
	if !ok {
		return
	}

	joinable := func(left, right *Mapping) bool {
		if left.Map.End != right.Map.Start || !left.Map.SameBackingAs(right.Map) {
			return false
		}
		if left.EmuFile != right.EmuFile {
			return false
		}
		if left.Map.IsAnonymous() {
			return true
		}
		return left.Map.FileOffsetBytes+left.Map.Size() == right.Map.FileOffsetBytes
	}

	first, last := m, m
	for first.Map.Start > 0 {
		prev, ok := as.MappingOf(first.Map.Start - 1)
		if !ok || !joinable(prev, first) {
			break
		}
		first = prev
	}
	for {
		next, ok := as.MappingOf(last.Map.End)
		if !ok || !joinable(last, next) {
			break
		}
		last = next
	}
	if first == last {
		return
	}

	merged := &Mapping{
		Map:      first.Map.Extend(last.Map.End),
		Recorded: first.Recorded.Extend(first.Recorded.Start + (last.Map.End - first.Map.Start)),
		EmuFile:  first.EmuFile,
	}
	for _, victim := range as.MappingsIntersecting(merged.Map.Range) {
		as.mappings.Delete(victim)
	}
	as.mappings.ReplaceOrInsert(merged)
	log.Debugf("memory.AddressSpace.CoalesceAdjacent: merged into %s", merged.Map.Range)
}

func (as *AddressSpace) SetSyscallAnchors(a SyscallAnchors) { as.anchors = a }
func (as *AddressSpace) Anchors() SyscallAnchors            { return as.anchors }

func (as *AddressSpace) SetAuxVector(auxv []byte) {
	as.auxv = append([]byte(nil), auxv...)
}
func (as *AddressSpace) AuxVector() []byte { return as.auxv }

// RecordPatch remembers the original bytes of a syscall site rewritten
// to jump into the preload stubs.
func (as *AddressSpace) RecordPatch(addr uint64, original []byte) {
	as.patchedBytes[addr] = append([]byte(nil), original...)
}

func (as *AddressSpace) PatchedAt(addr uint64) ([]byte, bool) {
	b, ok := as.patchedBytes[addr]
	return b, ok
}

// Clone produces an independent copy for fork or checkpointing. The
// mapping tree is copy-on-write; Mapping values are never mutated in
// place, so sharing them is safe.
func (as *AddressSpace) Clone() *AddressSpace {
	clone := &AddressSpace{
		exe:          as.exe,
		arch:         as.arch,
		mappings:     as.mappings.Clone(),
		breakpoints:  make(map[uint64]*Breakpoint, len(as.breakpoints)),
		watchpoints:  make(map[Range]*Watchpoint, len(as.watchpoints)),
		anchors:      as.anchors,
		auxv:         append([]byte(nil), as.auxv...),
		patchedBytes: make(map[uint64][]byte, len(as.patchedBytes)),
	}
	for addr, bp := range as.breakpoints {
		cp := *bp
		clone.breakpoints[addr] = &cp
	}
	for r, wp := range as.watchpoints {
		cp := *wp
		cp.valueBytes = append([]byte(nil), wp.valueBytes...)
		clone.watchpoints[r] = &cp
	}
	for addr, b := range as.patchedBytes {
		clone.patchedBytes[addr] = append([]byte(nil), b...)
	}
	return clone
}
