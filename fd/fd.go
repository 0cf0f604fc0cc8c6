// Package fd implements the per-process file-descriptor table entry and the
// current-working-directory handle.
package fd

import "sync"

import "oskernel/defs"
import "oskernel/ustr"

/// File descriptor permission bits.
const (
	FD_READ    = 0x1 /// read permission
	FD_WRITE   = 0x2 /// write permission
	FD_CLOEXEC = 0x4 /// close-on-exec flag
)

// Fileops_i is the closed capability set an open descriptor dispatches
// through; adapters over vfs.Node (proc.nodeFileops, usyscall.nodeOps)
// implement it.
type Fileops_i interface {
	Read(dst []uint8, offset int) (int, defs.Err_t)
	Write(src []uint8, offset int) (int, defs.Err_t)
	Readdir(idx int) (string, bool, defs.Err_t)
	Close() defs.Err_t
	Reopen() defs.Err_t
}

/// Fd_t represents an open file descriptor.
type Fd_t struct {
	// Fops is an interface implemented via a pointer receiver, thus Fops
	// is a reference, not a value.
	Fops   Fileops_i /// descriptor operations
	Perms  int       /// permission bits
	Offset int       /// current file offset
	Flags  int       /// open(2) flags this descriptor was opened with
}

/// Copyfd duplicates an open file descriptor by reopening it. Used by
// fork.
func Copyfd(fd *Fd_t) (*Fd_t, defs.Err_t) {
	nfd := &Fd_t{}
	*nfd = *fd
	if err := nfd.Fops.Reopen(); err != 0 {
		return nil, err
	}
	return nfd, 0
}

/// Close_panic closes the descriptor and panics on failure. Used where the
/// caller has already established the descriptor must close cleanly (e.g.
/// unwinding a partially constructed fd table on fork failure).
func Close_panic(f *Fd_t) {
	if f.Fops.Close() != 0 {
		panic("must succeed")
	}
}

/// Cwd_t tracks the current working directory for a process.
type Cwd_t struct {
	sync.Mutex // serializes chdir against concurrent path lookups
	Fd         *Fd_t     /// open descriptor on the directory
	Path       ustr.Ustr /// absolute path, for /proc/self/cwd-style reporting
}

/// Fullpath joins cwd with p if p is not already absolute.
func (cwd *Cwd_t) Fullpath(p ustr.Ustr) ustr.Ustr {
	if p.IsAbsolute() {
		return p
	}
	full := append(append(ustr.Ustr{}, cwd.Path...), '/')
	return append(full, p...)
}

/// MkRootCwd constructs a Cwd_t rooted at "/".
func MkRootCwd(fd *Fd_t) *Cwd_t {
	c := &Cwd_t{}
	c.Fd = fd
	c.Path = ustr.MkUstrRoot()
	return c
}
