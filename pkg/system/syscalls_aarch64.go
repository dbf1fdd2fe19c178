package system

// The aarch64 ABI uses the generic syscall table; numbers differ from
// x86-64 throughout. Only the calls the supervisor actually interprets
// are named here, the rest resolve to unknown_syscall.
var syscallNumTableArm64 = map[uint32]string{
	17:  "getcwd",
	23:  "dup",
	24:  "dup3",
	25:  "fcntl",
	29:  "ioctl",
	34:  "mkdirat",
	35:  "unlinkat",
	37:  "linkat",
	36:  "symlinkat",
	38:  "renameat",
	43:  "statfs",
	44:  "fstatfs",
	45:  "truncate",
	46:  "ftruncate",
	48:  "faccessat",
	49:  "chdir",
	56:  "openat",
	57:  "close",
	59:  "pipe2",
	61:  "getdents64",
	62:  "lseek",
	63:  "read",
	64:  "write",
	65:  "readv",
	66:  "writev",
	67:  "pread64",
	68:  "pwrite64",
	71:  "sendfile",
	72:  "pselect6",
	73:  "ppoll",
	78:  "readlinkat",
	79:  "newfstatat",
	80:  "fstat",
	93:  "exit",
	94:  "exit_group",
	96:  "set_tid_address",
	98:  "futex",
	99:  "set_robust_list",
	101: "nanosleep",
	113: "clock_gettime",
	114: "clock_getres",
	115: "clock_nanosleep",
	117: "ptrace",
	124: "sched_yield",
	129: "kill",
	130: "tkill",
	131: "tgkill",
	134: "rt_sigaction",
	135: "rt_sigprocmask",
	139: "rt_sigreturn",
	160: "uname",
	163: "getrlimit",
	164: "setrlimit",
	167: "prctl",
	169: "gettimeofday",
	172: "getpid",
	173: "getppid",
	174: "getuid",
	175: "geteuid",
	176: "getgid",
	177: "getegid",
	178: "gettid",
	179: "sysinfo",
	198: "socket",
	203: "connect",
	206: "sendto",
	207: "recvfrom",
	211: "sendmsg",
	212: "recvmsg",
	214: "brk",
	215: "munmap",
	220: "clone",
	221: "execve",
	222: "mmap",
	226: "mprotect",
	233: "madvise",
	241: "perf_event_open",
	260: "wait4",
	261: "prlimit64",
	278: "getrandom",
	279: "memfd_create",
	293: "rseq",
}

var syscallNameTableArm64 = map[string]uint32{}

func init() {
	for num, name := range syscallNumTableArm64 {
		syscallNameTableArm64[name] = num
	}
}

func callNameArm64(num uint32) string {
	if name, ok := syscallNumTableArm64[num]; ok {
		return name
	}

	return SyscallUnknownName
}

func callNumberArm64(name string) (uint32, bool) {
	num, ok := syscallNameTableArm64[name]
	return num, ok
}
