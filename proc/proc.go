// Package proc implements the process table: process records, fork,
// exec, wait, signal delivery, and the fd/cwd/address-space state each
// process owns. Like sched's ready queue, the table is a single
// mutex-guarded package singleton — there is one CPU, so there is one
// process table, not a per-CPU shard of it.
package proc

import (
	"sync"

	"oskernel/accnt"
	"oskernel/defs"
	"oskernel/elfload"
	"oskernel/fd"
	"oskernel/klog"
	"oskernel/limits"
	"oskernel/mm/pmm"
	"oskernel/mm/vma"
	"oskernel/mm/vmm"
	"oskernel/sched"
	"oskernel/vfs"
)

/// Sigaction_t mirrors the subset of POSIX sigaction a process can
/// install: handler address (0 means default) and a blocked-during-
/// handler mask.
type Sigaction_t struct {
	Handler uintptr
	Mask    uint32
}

/// Proc_t is one process's kernel-visible state.
type Proc_t struct {
	sync.Mutex

	Pid      defs.Pid_t
	Ppid     defs.Pid_t
	Pgid     defs.Pid_t
	Name     string
	State    defs.Pstate_t
	ExitCode int

	Children []defs.Pid_t

	Pagedir *vmm.Pagedir_t
	Vmas    *vma.Vmtable_t

	Fds    map[int]*fd.Fd_t
	NextFd int
	Cwd    *fd.Cwd_t

	MainTid defs.Tid_t

	// BrkCur is the current program-break address; zero until the first
	// brk(2) call establishes the heap VMA.
	BrkCur uintptr

	Sigactions [defs.NSIG + 1]Sigaction_t
	Sigblocked uint32
	Sigpending uint32

	// Rusage accumulates the CPU time Tick charges this process while
	// one of its tasks is current.
	Rusage accnt.Accnt_t
}

type proctable_t struct {
	sync.Mutex
	procs   map[defs.Pid_t]*Proc_t
	nextpid defs.Pid_t
}

var pt = &proctable_t{procs: make(map[defs.Pid_t]*Proc_t)}

/// Init resets the process table to empty. Called once at boot, before
/// the init process is created.
func Init() {
	pt.Lock()
	defer pt.Unlock()
	pt.procs = make(map[defs.Pid_t]*Proc_t)
	pt.nextpid = defs.PidInit - 1
}

/// Get returns the process record for pid, if live.
func Get(pid defs.Pid_t) (*Proc_t, bool) {
	pt.Lock()
	defer pt.Unlock()
	p, ok := pt.procs[pid]
	return p, ok
}

/// Current returns the process owning the presently scheduled task.
func Current() *Proc_t {
	t := sched.Current()
	p, _ := Get(t.OwningPid)
	return p
}

// tickNs is the nanosecond duration a single scheduler tick represents,
// charged to the current process's Rusage by Tick.
const tickNs = 10 * 1000 * 1000

/// Tick drives one timer interrupt's worth of work: it charges the
/// presently running process's user-time accounting before advancing
/// the scheduler, then returns the task now current (possibly the same
/// one, if no switch happened).
func Tick() *sched.Task_t {
	if cur := Current(); cur != nil {
		cur.Rusage.Utadd(tickNs)
	}
	return sched.Scheduler_tick()
}

/// Create allocates a new, empty process record with pid ppid as parent,
/// a fresh address space, and an empty fd table. It does not create a
/// runnable task; callers that need one call sched.Task_create
/// afterward and set MainTid.
func Create(name string, ppid defs.Pid_t, alloc *pmm.Physmem_t) *Proc_t {
	limits.Syslimit.Sysprocs.Take()
	pt.Lock()
	defer pt.Unlock()
	pt.nextpid++
	pid := pt.nextpid
	pd := vmm.NewPagedir(alloc)
	p := &Proc_t{
		Pid:     pid,
		Ppid:    ppid,
		Pgid:    pid,
		Name:    name,
		State:   defs.PROC_READY,
		Pagedir: pd,
		Vmas:    vma.NewTable(pd, alloc),
		Fds:     make(map[int]*fd.Fd_t),
		NextFd:  3, // 0,1,2 reserved for stdio
	}
	if parent, ok := pt.procs[ppid]; ok {
		parent.Children = append(parent.Children, pid)
	}
	pt.procs[pid] = p
	return p
}

/// AddFd installs f at descriptor number p.NextFd (3 for a new process),
// advances NextFd, and returns the number; numbers of closed descriptors
// are not reused.
func (p *Proc_t) AddFd(f *fd.Fd_t) int {
	limits.Syslimit.Fds.Take()
	p.Lock()
	defer p.Unlock()
	n := p.NextFd
	p.Fds[n] = f
	p.NextFd++
	return n
}

/// Fdget returns the open descriptor numbered n, if any.
func (p *Proc_t) Fdget(n int) (*fd.Fd_t, bool) {
	p.Lock()
	defer p.Unlock()
	f, ok := p.Fds[n]
	return f, ok
}

/// Fork duplicates the calling process: a new process record with a
/// copy-on-write address space (every VMA's pages are marked Cow rather
/// than physically copied) and reopened file descriptors. Returns the
/// child's pid.
func Fork(parent *Proc_t, alloc *pmm.Physmem_t) (defs.Pid_t, defs.Err_t) {
	child := Create(parent.Name, parent.Pid, alloc)

	parent.Lock()
	for n, f := range parent.Fds {
		nfd, err := fd.Copyfd(f)
		if err != 0 {
			parent.Unlock()
			return 0, err
		}
		limits.Syslimit.Fds.Take()
		child.Fds[n] = nfd
	}
	child.NextFd = parent.NextFd
	child.Cwd = parent.Cwd
	parent.Unlock()

	// Copy-on-write: every page mapped in the parent is remapped
	// read-only in both address spaces and tagged Cow, so the first
	// write after fork triggers vma.Resolve_fault's COW path rather
	// than duplicating frames eagerly.
	parent.Vmas.ForkInto(child.Vmas)

	t := sched.Task_create(child.Pid, nil, 0)
	child.MainTid = t.Tid
	return child.Pid, 0
}

/// Exec replaces the calling process's address space with the ELF image
/// read from path, and discards the old address space. It does not
/// transfer control to the new entry point, and nothing in this core
/// does so after it returns (neither usyscall's sysExec nor the trap
/// dispatcher).
func Exec(p *Proc_t, path string, alloc *pmm.Physmem_t) (*elfload.Proc_t, defs.Err_t) {
	node, err := vfs.Lookup(path)
	if err != 0 {
		return nil, err
	}
	if err := node.Open(); err != 0 {
		return nil, err
	}
	defer node.Close()

	r := &nodeReaderAt{node: node}
	img, lerr := elfload.Load(r, alloc)
	if lerr != 0 {
		return nil, lerr
	}

	p.Lock()
	p.Pagedir = img.Pagedir
	p.Vmas = img.Vmas
	p.Sigpending = 0
	for n, f := range p.Fds {
		if f.Flags&defs.O_CLOEXEC != 0 {
			f.Fops.Close()
			delete(p.Fds, n)
			limits.Syslimit.Fds.Give()
		}
	}
	p.Unlock()
	return img, 0
}

// nodeReaderAt adapts a vfs.Node to io.ReaderAt so elfload.Load can read
// an executable straight out of the filesystem without buffering the
// whole image in memory first.
type nodeReaderAt struct {
	node vfs.Node
}

func (r *nodeReaderAt) ReadAt(p []byte, off int64) (int, error) {
	n, err := r.node.Read(p, int(off))
	if err != 0 && n == 0 {
		return 0, err2error(err)
	}
	return n, nil
}

func err2error(e defs.Err_t) error {
	return errorString(e.String())
}

type errorString string

func (e errorString) Error() string { return string(e) }

/// Waitpid scans for a zombie child matching pid (-1 means any child),
/// harvests its exit code, frees its process-table slot, and returns its
/// pid. If no matching zombie exists yet, returns (0, EAGAIN): this core
/// does not block the waiting caller itself, matching the non-blocking
/// "would block" contract the syscall layer exposes.
func Waitpid(parent *Proc_t, pid defs.Pid_t) (defs.Pid_t, int, defs.Err_t) {
	pt.Lock()
	defer pt.Unlock()
	for i, cpid := range parent.Children {
		if pid != defs.WAIT_ANY && cpid != pid {
			continue
		}
		c, ok := pt.procs[cpid]
		if !ok || c.State != defs.PROC_ZOMBIE {
			continue
		}
		status := c.ExitCode
		parent.Children = append(parent.Children[:i], parent.Children[i+1:]...)
		delete(pt.procs, cpid)
		limits.Syslimit.Sysprocs.Give()
		return cpid, status, 0
	}
	return 0, 0, -defs.EAGAIN
}

/// Exit marks p a zombie, reports status, closes its descriptors,
/// reparents its children to the init process, delivers SIGCHLD to its
/// parent, and destroys its scheduler task.
func Exit(p *Proc_t, status int) {
	p.Lock()
	for _, f := range p.Fds {
		f.Fops.Close()
		limits.Syslimit.Fds.Give()
	}
	p.Fds = nil
	p.State = defs.PROC_ZOMBIE
	p.ExitCode = status
	children := p.Children
	p.Children = nil
	ppid := p.Ppid
	p.Unlock()

	pt.Lock()
	if init, ok := pt.procs[defs.PidInit]; ok && init != p {
		for _, cpid := range children {
			if c, ok := pt.procs[cpid]; ok {
				c.Lock()
				c.Ppid = defs.PidInit
				c.Unlock()
			}
			init.Children = append(init.Children, cpid)
		}
	}
	pt.Unlock()

	sched.Destroy(p.MainTid)
	Kill(ppid, defs.SIGCHLD)
	klog.L().WithField("pid", p.Pid).WithField("status", status).Info("proc: exit")
}

/// Kill posts sig to pid's pending-signal set, waking the target if it
/// is blocked. It does not consult Sigblocked, for SIGKILL or any other
/// signal.
func Kill(pid defs.Pid_t, sig uint32) defs.Err_t {
	p, ok := Get(pid)
	if !ok {
		return -defs.ESRCH
	}
	p.Lock()
	p.Sigpending |= 1 << sig
	p.Unlock()
	if t, ok := sched.Get(p.MainTid); ok {
		sched.Task_unblock(t)
	}
	return 0
}

/// Sigaction installs act for sig and returns the previous action.
func Sigaction(p *Proc_t, sig uint32, act Sigaction_t) Sigaction_t {
	p.Lock()
	defer p.Unlock()
	old := p.Sigactions[sig]
	p.Sigactions[sig] = act
	return old
}

/// Sigprocmask applies how (SIG_BLOCK/SIG_UNBLOCK/SIG_SETMASK-style: 0/1/2)
/// to p's blocked-signal mask and returns the previous mask.
func Sigprocmask(p *Proc_t, how int, mask uint32) uint32 {
	p.Lock()
	defer p.Unlock()
	old := p.Sigblocked
	switch how {
	case 0:
		p.Sigblocked |= mask
	case 1:
		p.Sigblocked &^= mask
	case 2:
		p.Sigblocked = mask
	}
	return old
}

/// Setpgid moves pid into process group pgid (0 means "use pid itself").
func Setpgid(pid, pgid defs.Pid_t) defs.Err_t {
	p, ok := Get(pid)
	if !ok {
		return -defs.ESRCH
	}
	p.Lock()
	defer p.Unlock()
	if pgid == 0 {
		pgid = pid
	}
	p.Pgid = pgid
	return 0
}

/// Getpgid returns pid's process group.
func Getpgid(pid defs.Pid_t) (defs.Pid_t, defs.Err_t) {
	p, ok := Get(pid)
	if !ok {
		return 0, -defs.ESRCH
	}
	p.Lock()
	defer p.Unlock()
	return p.Pgid, 0
}

/// MkRoot creates pid-1 rooted at "/", wired to the VFS root as its
/// working directory. Called once at boot.
func MkRoot(alloc *pmm.Physmem_t, rootNode vfs.Node) *Proc_t {
	p := Create("init", defs.PidKernel, alloc)
	root, err := vfs.Lookup("/")
	if err != 0 {
		root = rootNode
	}
	rootFd := &fd.Fd_t{Fops: nodeFileops{root}, Perms: fd.FD_READ}
	p.Cwd = fd.MkRootCwd(rootFd)
	return p
}

// nodeFileops adapts vfs.Node to fd.Fileops_i.
type nodeFileops struct {
	n vfs.Node
}

func (o nodeFileops) Read(dst []uint8, offset int) (int, defs.Err_t)  { return o.n.Read(dst, offset) }
func (o nodeFileops) Write(src []uint8, offset int) (int, defs.Err_t) { return o.n.Write(src, offset) }
func (o nodeFileops) Readdir(idx int) (string, bool, defs.Err_t)      { return o.n.Readdir(idx) }
func (o nodeFileops) Close() defs.Err_t                               { return o.n.Close() }
func (o nodeFileops) Reopen() defs.Err_t                              { return o.n.Open() }
