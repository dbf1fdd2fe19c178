// Package memory models a tracee's address space: its mappings, the
// breakpoints and watchpoints planted in it, and the anchor addresses
// the supervisor needs to issue syscalls remotely.
package memory

import "fmt"

const PageSize = 4096

func PageAlignDown(addr uint64) uint64 { return addr &^ (PageSize - 1) }

func PageAlignUp(addr uint64) uint64 {
	return (addr + PageSize - 1) &^ (PageSize - 1)
}

// Range is a half-open [Start, End) span of tracee addresses.
type Range struct {
	Start uint64
	End   uint64
}

func NewRange(start, size uint64) Range {
	return Range{Start: start, End: start + size}
}

func (r Range) Size() uint64 { return r.End - r.Start }

func (r Range) Contains(addr uint64) bool {
	return r.Start <= addr && addr < r.End
}

func (r Range) ContainsRange(other Range) bool {
	return r.Start <= other.Start && other.End <= r.End
}

func (r Range) Intersects(other Range) bool {
	return r.Start < other.End && other.Start < r.End
}

func (r Range) Intersect(other Range) Range {
	out := Range{Start: max64(r.Start, other.Start), End: min64(r.End, other.End)}
	if out.Start >= out.End {
		return Range{}
	}
	return out
}

func (r Range) String() string {
	return fmt.Sprintf("%#x-%#x", r.Start, r.End)
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

func max64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
