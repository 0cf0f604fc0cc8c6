package defs

import "golang.org/x/sys/unix"

/// Err_t is the tagged error kind threaded through every core operation.
/// The zero value means success; all other values are negative so that the
/// syscall gate can hand them to user code unchanged.
type Err_t int

// Error kinds carried across the core. Each maps onto a POSIX
// errno from golang.org/x/sys/unix so the "negative small integer" syscall
// convention is grounded in a real errno table rather than invented values.
const (
	ENONE      Err_t = 0
	ENOTFOUND  Err_t = -Err_t(unix.ENOENT)
	EEXIST     Err_t = -Err_t(unix.EEXIST)
	ENOTDIR    Err_t = -Err_t(unix.ENOTDIR)
	EISDIR     Err_t = -Err_t(unix.EISDIR)
	ENOTEMPTY  Err_t = -Err_t(unix.ENOTEMPTY)
	EINVAL     Err_t = -Err_t(unix.EINVAL)
	ENOMEM     Err_t = -Err_t(unix.ENOMEM)
	ENOSPC     Err_t = -Err_t(unix.ENOSPC)
	EBADF      Err_t = -Err_t(unix.EBADF)
	EPERM      Err_t = -Err_t(unix.EPERM)
	EAGAIN     Err_t = -Err_t(unix.EAGAIN)
	EWOULDBLK  Err_t = -Err_t(unix.EWOULDBLOCK)
	EPIPE      Err_t = -Err_t(unix.EPIPE)
	ESRCH      Err_t = -Err_t(unix.ESRCH)
	EFAULT     Err_t = -Err_t(unix.EFAULT)
	ENAMETOOLONG Err_t = -Err_t(unix.ENAMETOOLONG)
	ENOHEAP    Err_t = -Err_t(unix.ENOMEM)
	ENOSYS     Err_t = -Err_t(unix.ENOSYS)
)

// kindNames gives each error kind a stable symbolic name, independent of
// the host errno's own Error() string.
var kindNames = map[Err_t]string{
	ENOTFOUND:    "NotFound",
	EEXIST:       "Exists",
	ENOTDIR:      "NotDirectory",
	EISDIR:       "IsDirectory",
	ENOTEMPTY:    "NotEmpty",
	EINVAL:       "BadArgument",
	ENOMEM:       "NoMemory",
	ENOSPC:       "NoSpace",
	EBADF:        "BadDescriptor",
	EPERM:        "PermissionDenied",
	EAGAIN:       "TryAgain",
	// EWOULDBLK has the same value as EAGAIN, so it shares "TryAgain".
	EPIPE:        "BrokenPipe",
	ESRCH:        "NoSuchProcess",
	EFAULT:       "BadAddress",
	ENAMETOOLONG: "NameTooLong",
	ENOSYS:       "NoSuchSyscall",
}

func (e Err_t) String() string {
	if e == ENONE {
		return "ok"
	}
	if n, ok := kindNames[e]; ok {
		return n
	}
	return unix.Errno(-e).Error()
}

/// Pid_t identifies a process. PID 0 is the kernel, PID 1 is init/shell.
type Pid_t int

/// Tid_t identifies a scheduler task.
type Tid_t int

const (
	PidKernel Pid_t = 0
	PidInit   Pid_t = 1
)

// Process states.
type Pstate_t int

const (
	PROC_UNUSED Pstate_t = iota
	PROC_READY
	PROC_RUNNING
	PROC_BLOCKED
	PROC_ZOMBIE
	PROC_STOPPED
)

func (s Pstate_t) String() string {
	switch s {
	case PROC_UNUSED:
		return "unused"
	case PROC_READY:
		return "ready"
	case PROC_RUNNING:
		return "running"
	case PROC_BLOCKED:
		return "blocked"
	case PROC_ZOMBIE:
		return "zombie"
	case PROC_STOPPED:
		return "stopped"
	default:
		return "?"
	}
}

// Open flags (subset needed by the VFS/fd layer).
const (
	O_RDONLY = 1 << iota
	O_WRONLY
	O_RDWR
	O_CREAT
	O_EXCL
	O_TRUNC
	O_APPEND
	O_CLOEXEC
)

const (
	SEEK_SET = 0
	SEEK_CUR = 1
	SEEK_END = 2
)

// mmap flags/prot.
type Prot_t uint

const (
	PROT_NONE  Prot_t = 0
	PROT_READ  Prot_t = 1 << 0
	PROT_WRITE Prot_t = 1 << 1
	PROT_EXEC  Prot_t = 1 << 2
)

type Mmapflag_t uint

const (
	MAP_SHARED Mmapflag_t = 1 << iota
	MAP_PRIVATE
	MAP_ANONYMOUS
	MAP_FIXED
)

/// MAP_FAILED is the sentinel mmap returns on failure.
const MAP_FAILED int = -1

// Signal numbers used by this core (NSIG-bounded handler table).
const (
	SIGHUP  = 1
	SIGINT  = 2
	SIGQUIT = 3
	SIGKILL = 9
	SIGSEGV = 11
	SIGPIPE = 13
	SIGALRM = 14
	SIGTERM = 15
	SIGCHLD = 17
	SIGSTOP = 19
	SIGCONT = 18
	NSIG    = 32
)

/// Waitflag_t controls waitpid.
type Waitflag_t int

const (
	WAIT_ANY Pid_t = -1
)
