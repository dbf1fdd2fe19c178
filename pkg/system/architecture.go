package system

// Tracee architectures supported by the trace format. The tag travels
// with every event, so the supervisor never assumes its own width
// matches the tracee's.

type ArchName string

const (
	ArchNameUnknown ArchName = "unknown"
	ArchNameAmd64   ArchName = "amd64"
	ArchNameArm64   ArchName = "aarch64"
)

type MachineName string

const (
	MachineNameX8664 MachineName = "x86_64"
	MachineNameArm64 MachineName = "aarch64"
)

// Arch is the one-bit architecture tag stored in encoded events.
type Arch uint8

const (
	ArchX8664 Arch = iota
	ArchAarch64
)

func (a Arch) String() string {
	switch a {
	case ArchX8664:
		return string(ArchNameAmd64)
	case ArchAarch64:
		return string(ArchNameArm64)
	default:
		return string(ArchNameUnknown)
	}
}

type ArchBits uint8

const (
	ArchBits32 ArchBits = 32
	ArchBits64 ArchBits = 64
)

type ArchInfo struct {
	Name ArchName
	Arch Arch
	Bits ArchBits
}

var x8664Arch = ArchInfo{
	Name: ArchNameAmd64,
	Arch: ArchX8664,
	Bits: ArchBits64,
}

var arm64Arch = ArchInfo{
	Name: ArchNameArm64,
	Arch: ArchAarch64,
	Bits: ArchBits64,
}

var unknownArch = ArchInfo{
	Name: ArchNameUnknown,
}

var archMap = map[MachineName]*ArchInfo{
	MachineNameX8664: &x8664Arch,
	MachineNameArm64: &arm64Arch,
}

func MachineToArchName(mtype string) ArchName {
	if archInfo, ok := archMap[MachineName(mtype)]; ok {
		return archInfo.Name
	}

	return ArchNameUnknown
}

func MachineToArch(mtype string) *ArchInfo {
	if archInfo, ok := archMap[MachineName(mtype)]; ok {
		return archInfo
	}

	return &unknownArch
}
