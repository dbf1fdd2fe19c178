package memory

import (
	"bytes"
	"fmt"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/replaykit/retrace/pkg/system"
)

// bufMemory is an in-process Accessor over a fixed window.
type bufMemory struct {
	base uint64
	data []byte
}

func newBufMemory(base uint64, size int) *bufMemory {
	return &bufMemory{base: base, data: make([]byte, size)}
}

func (m *bufMemory) ReadBytes(addr uint64, buf []byte) error {
	off := addr - m.base
	if off+uint64(len(buf)) > uint64(len(m.data)) {
		return fmt.Errorf("read outside window at %#x", addr)
	}
	copy(buf, m.data[off:])
	return nil
}

func (m *bufMemory) WriteBytes(addr uint64, data []byte) error {
	off := addr - m.base
	if off+uint64(len(data)) > uint64(len(m.data)) {
		return fmt.Errorf("write outside window at %#x", addr)
	}
	copy(m.data[off:], data)
	return nil
}

func anonMapping(start, end uint64, prot int32) KernelMapping {
	return NewKernelMapping(start, end, "", 0, 0, prot, unix.MAP_ANONYMOUS, 0)
}

func fileMapping(start, end uint64, name string, inode, offset uint64) KernelMapping {
	return NewKernelMapping(start, end, name, 8, inode, unix.PROT_READ, 0, offset)
}

func addAnon(as *AddressSpace, start, end uint64, prot int32) *Mapping {
	km := anonMapping(start, end, prot)
	return as.AddMapping(km, km, nil)
}

func TestMappingPointLookup(t *testing.T) {
	as := NewAddressSpace("/bin/test", system.ArchX8664)
	addAnon(as, 0x1000, 0x3000, unix.PROT_READ)
	addAnon(as, 0x5000, 0x6000, unix.PROT_READ|unix.PROT_WRITE)

	tests := []struct {
		addr  uint64
		found bool
		start uint64
	}{
		{0x0fff, false, 0},
		{0x1000, true, 0x1000},
		{0x2fff, true, 0x1000},
		{0x3000, false, 0},
		{0x5000, true, 0x5000},
		{0x5fff, true, 0x5000},
		{0x6000, false, 0},
	}
	for _, tc := range tests {
		m, ok := as.MappingOf(tc.addr)
		if ok != tc.found {
			t.Errorf("MappingOf(%#x): found=%v, want %v", tc.addr, ok, tc.found)
			continue
		}
		if ok && m.Map.Start != tc.start {
			t.Errorf("MappingOf(%#x): start=%#x, want %#x", tc.addr, m.Map.Start, tc.start)
		}
	}
}

func TestOverlappingMapReplacesParts(t *testing.T) {
	as := NewAddressSpace("/bin/test", system.ArchX8664)
	addAnon(as, 0x1000, 0x5000, unix.PROT_READ)

	// Map over the middle: the old mapping splits around it.
	addAnon(as, 0x2000, 0x3000, unix.PROT_READ|unix.PROT_WRITE)

	ms := as.Mappings()
	if len(ms) != 3 {
		t.Fatalf("got %d mappings, want 3", len(ms))
	}
	wantRanges := []Range{{0x1000, 0x2000}, {0x2000, 0x3000}, {0x3000, 0x5000}}
	for i, m := range ms {
		if m.Map.Range != wantRanges[i] {
			t.Errorf("mapping %d: %s, want %s", i, m.Map.Range, wantRanges[i])
		}
	}
	mid, _ := as.MappingOf(0x2800)
	if !mid.Map.IsWritable() {
		t.Error("middle mapping lost its protection")
	}
}

func TestUnmapSplits(t *testing.T) {
	as := NewAddressSpace("/bin/test", system.ArchX8664)
	km := fileMapping(0x10000, 0x14000, "/lib/x.so", 7, 0x2000)
	as.AddMapping(km, km, nil)

	as.Unmap(Range{0x11000, 0x13000})

	ms := as.Mappings()
	if len(ms) != 2 {
		t.Fatalf("got %d mappings, want 2", len(ms))
	}
	left, right := ms[0], ms[1]
	if left.Map.Range != (Range{0x10000, 0x11000}) || right.Map.Range != (Range{0x13000, 0x14000}) {
		t.Fatalf("unexpected remainders %s, %s", left.Map.Range, right.Map.Range)
	}
	if left.Map.FileOffsetBytes != 0x2000 {
		t.Errorf("left offset %#x, want 0x2000", left.Map.FileOffsetBytes)
	}
	if right.Map.FileOffsetBytes != 0x5000 {
		t.Errorf("right offset %#x, want 0x5000", right.Map.FileOffsetBytes)
	}
}

func TestProtectSplits(t *testing.T) {
	as := NewAddressSpace("/bin/test", system.ArchX8664)
	addAnon(as, 0x1000, 0x4000, unix.PROT_READ|unix.PROT_WRITE)

	as.Protect(Range{0x2000, 0x3000}, unix.PROT_READ)

	ms := as.Mappings()
	if len(ms) != 3 {
		t.Fatalf("got %d mappings, want 3", len(ms))
	}
	if ms[0].Map.Prot != unix.PROT_READ|unix.PROT_WRITE {
		t.Error("left part changed protection")
	}
	if ms[1].Map.Prot != unix.PROT_READ {
		t.Error("middle part kept old protection")
	}
	if ms[2].Map.Prot != unix.PROT_READ|unix.PROT_WRITE {
		t.Error("right part changed protection")
	}
}

func TestCoalesceAdjacent(t *testing.T) {
	as := NewAddressSpace("/bin/test", system.ArchX8664)

	// Three contiguous pieces of the same file at contiguous offsets.
	for i := uint64(0); i < 3; i++ {
		km := fileMapping(0x10000+i*0x1000, 0x11000+i*0x1000, "/lib/x.so", 7, i*0x1000)
		as.AddMapping(km, km, nil)
	}
	// A neighbor that must not join: different inode.
	km := fileMapping(0x13000, 0x14000, "/lib/y.so", 8, 0x3000)
	as.AddMapping(km, km, nil)

	as.CoalesceAdjacent(0x11800)

	ms := as.Mappings()
	if len(ms) != 2 {
		t.Fatalf("got %d mappings, want 2", len(ms))
	}
	if ms[0].Map.Range != (Range{0x10000, 0x13000}) {
		t.Errorf("merged range %s, want 0x10000-0x13000", ms[0].Map.Range)
	}
}

func TestCoalesceRejectsNoncontiguousOffsets(t *testing.T) {
	as := NewAddressSpace("/bin/test", system.ArchX8664)
	a := fileMapping(0x10000, 0x11000, "/lib/x.so", 7, 0)
	b := fileMapping(0x11000, 0x12000, "/lib/x.so", 7, 0x5000) // hole in the file
	as.AddMapping(a, a, nil)
	as.AddMapping(b, b, nil)

	as.CoalesceAdjacent(0x10000)
	if len(as.Mappings()) != 2 {
		t.Error("mappings with discontiguous file offsets were merged")
	}
}

func TestRemap(t *testing.T) {
	as := NewAddressSpace("/bin/test", system.ArchX8664)
	addAnon(as, 0x1000, 0x2000, unix.PROT_READ|unix.PROT_WRITE)

	if err := as.Remap(0x1000, 0x1000, 0x8000, 0x3000); err != nil {
		t.Fatalf("Remap: %v", err)
	}
	if _, ok := as.MappingOf(0x1000); ok {
		t.Error("old range still mapped")
	}
	m, ok := as.MappingOf(0x9000)
	if !ok || m.Map.Range != (Range{0x8000, 0xb000}) {
		t.Fatalf("new range missing or wrong: %v", m)
	}

	if err := as.Remap(0x20000, 0x1000, 0x30000, 0x1000); err == nil {
		t.Error("Remap of unmapped range succeeded")
	}
}

func TestBreakpointPlantAndRestore(t *testing.T) {
	as := NewAddressSpace("/bin/test", system.ArchX8664)
	mem := newBufMemory(0x1000, 64)
	code := []byte{0x55, 0x48, 0x89, 0xe5, 0xc3}
	mem.WriteBytes(0x1000, code)

	if err := as.AddBreakpoint(mem, 0x1001, BreakpointInternal); err != nil {
		t.Fatalf("AddBreakpoint: %v", err)
	}
	got := make([]byte, 1)
	mem.ReadBytes(0x1001, got)
	if got[0] != 0xCC {
		t.Fatalf("trap instruction not planted: %#x", got[0])
	}

	// A second owner of the same address.
	if err := as.AddBreakpoint(mem, 0x1001, BreakpointUser); err != nil {
		t.Fatalf("AddBreakpoint user: %v", err)
	}
	if as.BreakpointKindsAt(0x1001) != BreakpointInternal|BreakpointUser {
		t.Error("kinds not tracked")
	}

	// Reads around it see the original program bytes.
	buf := make([]byte, 5)
	if err := as.ReadBytesExcludingBreakpoints(mem, 0x1000, buf); err != nil {
		t.Fatalf("ReadBytesExcludingBreakpoints: %v", err)
	}
	if !bytes.Equal(buf, code) {
		t.Errorf("spliced read %x, want %x", buf, code)
	}

	// Removing one kind keeps the trap in place.
	as.RemoveBreakpoint(mem, 0x1001, BreakpointUser)
	mem.ReadBytes(0x1001, got)
	if got[0] != 0xCC {
		t.Error("trap removed while still referenced")
	}

	as.RemoveBreakpoint(mem, 0x1001, BreakpointInternal)
	mem.ReadBytes(0x1001, got)
	if got[0] != 0x48 {
		t.Errorf("original byte not restored: %#x", got[0])
	}
	if as.BreakpointKindsAt(0x1001) != 0 {
		t.Error("breakpoint record survived removal")
	}
}

func TestWatchpointDifferentialFiring(t *testing.T) {
	as := NewAddressSpace("/bin/test", system.ArchX8664)
	mem := newBufMemory(0x2000, 64)

	r := Range{0x2010, 0x2018}
	if err := as.AddWatchpoint(mem, r, WatchWrite); err != nil {
		t.Fatalf("AddWatchpoint: %v", err)
	}

	fired, err := as.ConsumeWatchpointChanges(mem)
	if err != nil || len(fired) != 0 {
		t.Fatalf("no write yet, but fired=%v err=%v", fired, err)
	}

	mem.WriteBytes(0x2014, []byte{0xFF})
	fired, err = as.ConsumeWatchpointChanges(mem)
	if err != nil {
		t.Fatalf("ConsumeWatchpointChanges: %v", err)
	}
	if len(fired) != 1 || fired[0] != r {
		t.Fatalf("fired=%v, want [%s]", fired, r)
	}

	// The snapshot advanced: the same value does not fire twice.
	fired, _ = as.ConsumeWatchpointChanges(mem)
	if len(fired) != 0 {
		t.Error("watchpoint fired again without a new write")
	}
}

func TestAllocateWatchpointsPacking(t *testing.T) {
	as := NewAddressSpace("/bin/test", system.ArchX8664)
	mem := newBufMemory(0x3000, 256)

	// Four aligned 8-byte write watches fit exactly.
	for i := uint64(0); i < 4; i++ {
		r := Range{0x3000 + i*8, 0x3008 + i*8}
		if err := as.AddWatchpoint(mem, r, WatchWrite); err != nil {
			t.Fatalf("AddWatchpoint: %v", err)
		}
	}
	configs, ok := as.AllocateWatchpoints()
	if !ok || len(configs) != 4 {
		t.Fatalf("allocation failed: ok=%v n=%d", ok, len(configs))
	}

	// A fifth write watch overflows the slots; write watches fall back
	// to emulation, so allocation still succeeds for the rest.
	as.AddWatchpoint(mem, Range{0x3040, 0x3048}, WatchWrite)
	as.AddWatchpoint(mem, Range{0x3050, 0x3058}, WatchRead)
	configs, ok = as.AllocateWatchpoints()
	if !ok {
		t.Fatal("allocation failed with an emulatable overflow")
	}
	for _, c := range configs {
		if c.Type == WatchWrite {
			t.Errorf("write watch %#x kept a slot while overflowing", c.Addr)
		}
	}

	// Too many hardware-only watches cannot be allocated at all.
	for i := uint64(0); i < 5; i++ {
		as.AddWatchpoint(mem, Range{0x3060 + i*8, 0x3068 + i*8}, WatchRead)
	}
	if _, ok := as.AllocateWatchpoints(); ok {
		t.Error("allocation succeeded with six hardware watches")
	}
}

func TestSplitForDebugRegisters(t *testing.T) {
	tests := []struct {
		r    Range
		want []WatchConfig
	}{
		{Range{0x1000, 0x1008}, []WatchConfig{{0x1000, 8, WatchWrite}}},
		{Range{0x1002, 0x1004}, []WatchConfig{{0x1002, 2, WatchWrite}}},
		{Range{0x1001, 0x1007}, []WatchConfig{
			{0x1001, 1, WatchWrite}, {0x1002, 2, WatchWrite}, {0x1004, 2, WatchWrite}, {0x1006, 1, WatchWrite},
		}},
		{Range{0x1000, 0x1010}, []WatchConfig{{0x1000, 8, WatchWrite}, {0x1008, 8, WatchWrite}}},
	}
	for _, tc := range tests {
		got := splitForDebugRegisters(tc.r, WatchWrite)
		if len(got) != len(tc.want) {
			t.Errorf("split(%s): %v, want %v", tc.r, got, tc.want)
			continue
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Errorf("split(%s)[%d]: %+v, want %+v", tc.r, i, got[i], tc.want[i])
			}
		}
	}
}

func TestWatchpointSaveRestore(t *testing.T) {
	as := NewAddressSpace("/bin/test", system.ArchX8664)
	mem := newBufMemory(0x4000, 64)

	r := Range{0x4000, 0x4008}
	as.AddWatchpoint(mem, r, WatchWrite)
	as.SaveWatchpoints()
	as.RemoveAllWatchpoints()

	if len(as.Watchpoints()) != 0 {
		t.Fatal("watchpoints survived removal")
	}
	if !as.RestoreWatchpoints() {
		t.Fatal("nothing to restore")
	}
	wps := as.Watchpoints()
	if len(wps) != 1 || wps[0].Addr != r.Start {
		t.Fatalf("restored set wrong: %v", wps)
	}
	if as.RestoreWatchpoints() {
		t.Error("restore succeeded with an empty stack")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	as := NewAddressSpace("/bin/test", system.ArchX8664)
	mem := newBufMemory(0x1000, 64)
	addAnon(as, 0x1000, 0x2000, unix.PROT_READ|unix.PROT_WRITE)
	as.AddBreakpoint(mem, 0x1008, BreakpointInternal)

	clone := as.Clone()

	as.Unmap(Range{0x1000, 0x2000})
	as.RemoveBreakpoint(mem, 0x1008, BreakpointInternal)

	if _, ok := clone.MappingOf(0x1800); !ok {
		t.Error("clone lost its mapping")
	}
	if clone.BreakpointKindsAt(0x1008) != BreakpointInternal {
		t.Error("clone lost its breakpoint")
	}
}
