package system

//NOTES:
//* syscall constants in the "syscall" package are nice, but some syscalls there are missing
//* 64bit x86 and aarch64 syscall numbers are different; the Arch tag on each
//  event picks the table

const (
	SyscallMinNum      = 0
	SyscallUnknownNum  = -1
	SyscallUnknownName = "unknown_syscall"
)

type NumberResolverFunc func(uint32) string
type NameResolverFunc func(string) (uint32, bool)

func CallNumberResolver(arch Arch) NumberResolverFunc {
	switch arch {
	case ArchX8664:
		return callNameX8664
	case ArchAarch64:
		return callNameArm64
	default:
		return nil
	}
}

func CallNameResolver(arch Arch) NameResolverFunc {
	switch arch {
	case ArchX8664:
		return callNumberX8664
	case ArchAarch64:
		return callNumberArm64
	default:
		return nil
	}
}

// Kernel raw syscall entries return negative errno values in the result
// register. The userspace convention is errno-plus-minus-one.

const maxErrnoResult = ^uint64(0) - 4095 // -4096 as uint64

// IsErrnoResult reports whether a raw kernel result encodes an error.
func IsErrnoResult(ret uint64) bool {
	return ret > maxErrnoResult
}

// ErrnoFromResult extracts the positive errno from a raw kernel result.
func ErrnoFromResult(ret uint64) int {
	if !IsErrnoResult(ret) {
		return 0
	}
	return int(-int64(ret))
}

// UserResultFromRaw transforms a raw kernel result into the
// errno-plus-minus-one convention user code expects: errors become -1
// and the errno is returned separately.
func UserResultFromRaw(ret uint64) (int64, int) {
	if IsErrnoResult(ret) {
		return -1, ErrnoFromResult(ret)
	}
	return int64(ret), 0
}
