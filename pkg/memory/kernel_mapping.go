package memory

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// checkableFlags are the only mmap flag bits a mapping keeps. The rest
// (populate, fixed, ...) affect how the mapping was established, not
// what it is.
const checkableFlags = unix.MAP_SHARED | unix.MAP_PRIVATE | unix.MAP_ANONYMOUS

// KernelMapping describes one mapping the way /proc/pid/maps does:
// page-aligned range, backing file identity, protection and the
// checkable subset of the mmap flags.
type KernelMapping struct {
	Range

	FsName          string
	Device          uint64
	Inode           uint64
	Prot            int32
	Flags           int32
	FileOffsetBytes uint64
}

func NewKernelMapping(start, end uint64, fsName string, device, inode uint64,
	prot, flags int32, fileOffsetBytes uint64) KernelMapping {
	if start != PageAlignDown(start) || end != PageAlignDown(end) {
		panic(fmt.Sprintf("memory: unaligned mapping %#x-%#x", start, end))
	}
	return KernelMapping{
		Range:           Range{Start: start, End: end},
		FsName:          fsName,
		Device:          device,
		Inode:           inode,
		Prot:            prot,
		Flags:           flags & checkableFlags,
		FileOffsetBytes: fileOffsetBytes,
	}
}

func (m KernelMapping) IsAnonymous() bool { return m.Flags&unix.MAP_ANONYMOUS != 0 }
func (m KernelMapping) IsShared() bool    { return m.Flags&unix.MAP_SHARED != 0 }
func (m KernelMapping) IsReadable() bool  { return m.Prot&unix.PROT_READ != 0 }
func (m KernelMapping) IsWritable() bool  { return m.Prot&unix.PROT_WRITE != 0 }
func (m KernelMapping) IsExecutable() bool {
	return m.Prot&unix.PROT_EXEC != 0
}

// Subrange carves [start, end) out of the mapping, adjusting the file
// offset so the sub-mapping still names the same backing bytes.
func (m KernelMapping) Subrange(start, end uint64) KernelMapping {
	if !m.ContainsRange(Range{Start: start, End: end}) {
		panic(fmt.Sprintf("memory: %s is not inside %s", Range{start, end}, m.Range))
	}
	sub := m
	sub.Range = Range{Start: start, End: end}
	sub.FileOffsetBytes = m.FileOffsetBytes + (start - m.Start)
	return sub
}

// Extend grows the mapping's end. The caller guarantees the new pages
// continue the same backing object.
func (m KernelMapping) Extend(newEnd uint64) KernelMapping {
	if newEnd < m.End {
		panic("memory: Extend would shrink the mapping")
	}
	out := m
	out.End = newEnd
	return out
}

// SetProt returns the mapping with a different protection.
func (m KernelMapping) SetProt(prot int32) KernelMapping {
	out := m
	out.Prot = prot
	return out
}

// SameBackingAs reports whether two mappings name the same object with
// the same attributes, so that adjacent ranges can be coalesced.
func (m KernelMapping) SameBackingAs(other KernelMapping) bool {
	return m.FsName == other.FsName &&
		m.Device == other.Device &&
		m.Inode == other.Inode &&
		m.Prot == other.Prot &&
		m.Flags == other.Flags
}

func (m KernelMapping) String() string {
	prot := [4]byte{'-', '-', '-', 'p'}
	if m.IsReadable() {
		prot[0] = 'r'
	}
	if m.IsWritable() {
		prot[1] = 'w'
	}
	if m.IsExecutable() {
		prot[2] = 'x'
	}
	if m.IsShared() {
		prot[3] = 's'
	}
	return fmt.Sprintf("%s %s %08x %02x:%02x %d %s",
		m.Range, prot, m.FileOffsetBytes, m.Device>>8, m.Device&0xff, m.Inode, m.FsName)
}
