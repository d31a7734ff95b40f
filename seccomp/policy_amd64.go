package seccomp

import "golang.org/x/sys/unix"

const auditArch = unix.AUDIT_ARCH_X86_64

// ioctl request families the VMM issues: KVM, terminals and tun ('T'), and
// userfaultfd.
const (
	ioctlKVM  = 0xae
	ioctlTTY  = 0x54
	ioctlUffd = 0xaa

	ioctlTypeMask = 0xff00
)

// syscalls is every call the Go runtime and the VMM make once the filter is
// in place.
var syscalls = []uintptr{
	unix.SYS_ACCEPT,
	unix.SYS_ACCEPT4,
	unix.SYS_ARCH_PRCTL,
	unix.SYS_BIND,
	unix.SYS_BRK,
	unix.SYS_CLOCK_GETTIME,
	unix.SYS_CLOCK_NANOSLEEP,
	unix.SYS_CLONE,
	unix.SYS_CLOSE,
	unix.SYS_CONNECT,
	unix.SYS_COPY_FILE_RANGE,
	unix.SYS_DUP,
	unix.SYS_DUP3,
	unix.SYS_EPOLL_CREATE1,
	unix.SYS_EPOLL_CTL,
	unix.SYS_EPOLL_PWAIT,
	unix.SYS_EPOLL_WAIT,
	unix.SYS_EVENTFD2,
	unix.SYS_EXIT,
	unix.SYS_EXIT_GROUP,
	unix.SYS_FALLOCATE,
	unix.SYS_FCNTL,
	unix.SYS_FDATASYNC,
	unix.SYS_FSTAT,
	unix.SYS_FSYNC,
	unix.SYS_FTRUNCATE,
	unix.SYS_FUTEX,
	unix.SYS_GETDENTS64,
	unix.SYS_GETPEERNAME,
	unix.SYS_GETPID,
	unix.SYS_GETRANDOM,
	unix.SYS_GETRLIMIT,
	unix.SYS_GETSOCKNAME,
	unix.SYS_GETSOCKOPT,
	unix.SYS_GETTID,
	unix.SYS_GETTIMEOFDAY,
	unix.SYS_IOCTL,
	unix.SYS_KILL,
	unix.SYS_LSEEK,
	unix.SYS_MADVISE,
	unix.SYS_MMAP,
	unix.SYS_MPROTECT,
	unix.SYS_MUNMAP,
	unix.SYS_NANOSLEEP,
	unix.SYS_NEWFSTATAT,
	unix.SYS_OPENAT,
	unix.SYS_PIPE2,
	unix.SYS_PREAD64,
	unix.SYS_PREADV,
	unix.SYS_PRLIMIT64,
	unix.SYS_PWRITE64,
	unix.SYS_PWRITEV,
	unix.SYS_READ,
	unix.SYS_READLINKAT,
	unix.SYS_READV,
	unix.SYS_RECVFROM,
	unix.SYS_RECVMSG,
	unix.SYS_RESTART_SYSCALL,
	unix.SYS_RT_SIGACTION,
	unix.SYS_RT_SIGPROCMASK,
	unix.SYS_RT_SIGRETURN,
	unix.SYS_SCHED_GETAFFINITY,
	unix.SYS_SCHED_YIELD,
	unix.SYS_SENDFILE,
	unix.SYS_SENDMSG,
	unix.SYS_SENDTO,
	unix.SYS_SETSOCKOPT,
	unix.SYS_SET_ROBUST_LIST,
	unix.SYS_SHUTDOWN,
	unix.SYS_SIGALTSTACK,
	unix.SYS_SOCKET,
	unix.SYS_SPLICE,
	unix.SYS_STATX,
	unix.SYS_TGKILL,
	unix.SYS_TIMERFD_CREATE,
	unix.SYS_TIMERFD_GETTIME,
	unix.SYS_TIMERFD_SETTIME,
	unix.SYS_UNAME,
	unix.SYS_UNLINKAT,
	unix.SYS_USERFAULTFD,
	unix.SYS_WRITE,
	unix.SYS_WRITEV,
}

func noExec(arg int) []Rule {
	return []Rule{{{Arg: arg, Op: MaskedEq, Mask: unix.PROT_EXEC, Value: 0}}}
}

// Policy returns the filter installed at level.
func Policy(level Level) Filter {
	f := make(Filter, len(syscalls))
	if level == LevelNone {
		return f
	}

	for _, nr := range syscalls {
		f[nr] = nil
	}

	if level < LevelAdvanced {
		return f
	}

	f[unix.SYS_IOCTL] = []Rule{
		{{Arg: 1, Op: MaskedEq, Mask: ioctlTypeMask, Value: ioctlKVM << 8}},
		{{Arg: 1, Op: MaskedEq, Mask: ioctlTypeMask, Value: ioctlTTY << 8}},
		{{Arg: 1, Op: MaskedEq, Mask: ioctlTypeMask, Value: ioctlUffd << 8}},
	}
	f[unix.SYS_MMAP] = noExec(2)
	f[unix.SYS_MPROTECT] = noExec(2)
	// The API and uffd sockets, and netlink for bringing tap devices up.
	f[unix.SYS_SOCKET] = []Rule{
		{{Arg: 0, Op: Eq, Value: unix.AF_UNIX}},
		{{Arg: 0, Op: Eq, Value: unix.AF_NETLINK}},
	}

	return f
}
