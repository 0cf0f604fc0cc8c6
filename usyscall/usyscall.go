// Package usyscall is the syscall gate: user-pointer/string validation,
// the syscall number table, and dispatch from {number, 5 register
// arguments} to the process, file and memory handlers, following the
// same fixed five-argument ABI the trap dispatcher hands off. The IPC
// (pipe, shm, msg) and socket numbers are defined but have no handler,
// so Dispatch returns -1 for them.
package usyscall

import (
	"oskernel/defs"
	"oskernel/fd"
	"oskernel/klog"
	"oskernel/limits"
	"oskernel/mm/pmm"
	"oskernel/mm/vma"
	"oskernel/mm/vmm"
	"oskernel/proc"
	"oskernel/stat"
	"oskernel/trap"
	"oskernel/vfs"
)

/// Init registers the syscall gate on the software-trap vector the
/// trap dispatcher reserves for user-callable syscalls.
func Init() {
	trap.Register_soft(trap.VEC_SYSCALL, handleTrap)
}

// handleTrap adapts a raw Trapframe_t to Args_t, following the
// register convention: number in Eax, five arguments in Ebx/Ecx/Edx/
// Esi/Edi, result back in Eax.
func handleTrap(tf *trap.Trapframe_t) {
	p := proc.Current()
	if p == nil {
		tf.Eax = uint32(int32(-defs.ESRCH))
		return
	}
	a := &Args_t{
		P:  p,
		A0: uintptr(tf.Ebx),
		A1: uintptr(tf.Ecx),
		A2: uintptr(tf.Edx),
		A3: uintptr(tf.Esi),
		A4: uintptr(tf.Edi),
	}
	tf.Eax = uint32(int32(Dispatch(int(tf.Eax), a)))
}

// Syscall numbers, matching the fixed ABI: number in one register, up to
// five arguments in the next five, result (or a negative small integer
// error) back in the number's register.
const (
	SYS_EXIT = iota
	SYS_READ
	SYS_WRITE
	SYS_OPEN
	SYS_CLOSE
	SYS_GETPID
	SYS_LSEEK
	SYS_STAT
	SYS_FORK
	SYS_EXEC
	SYS_WAITPID
	SYS_KILL
	SYS_GETPPID
	SYS_SETPGID
	SYS_GETPGID
	SYS_SIGACTION
	SYS_SIGPROCMASK
	SYS_PIPE
	SYS_SHMGET
	SYS_SHMAT
	SYS_SHMDT
	SYS_MSGGET
	SYS_MSGSND
	SYS_MSGRCV
	SYS_MMAP
	SYS_MUNMAP
	SYS_MPROTECT
	SYS_BRK
	SYS_GETRUSAGE
)

const (
	SYS_SOCKET = iota + 50
	SYS_BIND
	SYS_LISTEN
	SYS_ACCEPT
	SYS_CONNECT
	SYS_SEND
	SYS_RECV
	SYS_CLOSESOCK
	SYS_SENDTO
	SYS_RECVFROM
	SYS_SHUTDOWN
	SYS_GETSOCKNAME
	SYS_GETPEERNAME
	SYS_SETSOCKOPT
	SYS_GETSOCKOPT
	SYS_SELECT
)

const userTop = uintptr(0xc0000000)
const pageMask = uintptr(pmm.PGSIZE - 1)

/// ValidateUserPtr reports whether [ptr, ptr+size) lies entirely below
/// the user/kernel split and every page in it is mapped in pd.
func ValidateUserPtr(pd *vmm.Pagedir_t, ptr, size uintptr) bool {
	if ptr == 0 {
		return false
	}
	if ptr >= userTop {
		return false
	}
	if ptr+size < ptr { // overflow
		return false
	}
	if ptr+size > userTop {
		return false
	}
	start := ptr &^ pageMask
	end := (ptr + size - 1) &^ pageMask
	for page := start; page <= end; page += uintptr(pmm.PGSIZE) {
		if !pd.Is_mapped(vmm.Va_t(page)) {
			return false
		}
	}
	return true
}

/// ValidateUserString walks ptr a byte at a time looking for a NUL,
/// refusing to read past maxLen bytes or across an unmapped page
/// boundary, and refusing to cross into kernel space.
func ValidateUserString(pd *vmm.Pagedir_t, ptr uintptr, maxLen int) bool {
	if ptr == 0 || ptr >= userTop {
		return false
	}
	for i := 0; i < maxLen; i++ {
		addr := ptr + uintptr(i)
		if addr >= userTop {
			return false
		}
		if i == 0 || addr&pageMask == 0 {
			if !pd.Is_mapped(vmm.Va_t(addr &^ pageMask)) {
				return false
			}
		}
		if readByte(pd, addr) == 0 {
			return true
		}
	}
	return false
}

// readByte dereferences a validated user address through the same
// frame-content simulation the page-fault path uses, since this core
// has no real MMU translating the address for us.
func readByte(pd *vmm.Pagedir_t, addr uintptr) byte {
	pa := pd.Get_physical(vmm.Va_t(addr &^ pageMask))
	frame := vma.ReadFrame(pa)
	return frame[addr&pageMask]
}

/// Args_t is the fixed five-register argument tuple every handler
/// receives, plus the calling process.
type Args_t struct {
	P                  *proc.Proc_t
	A0, A1, A2, A3, A4 uintptr
}

/// Handler_t is the shape every syscall handler implements: five
/// register arguments in, one result register out (negative small
/// integers are errors, per defs.Err_t's convention).
type Handler_t func(a *Args_t) int

var table = map[int]Handler_t{
	SYS_EXIT:        sysExit,
	SYS_READ:        sysRead,
	SYS_WRITE:       sysWrite,
	SYS_OPEN:        sysOpen,
	SYS_CLOSE:       sysClose,
	SYS_GETPID:      sysGetpid,
	SYS_LSEEK:       sysLseek,
	SYS_STAT:        sysStat,
	SYS_FORK:        sysFork,
	SYS_EXEC:        sysExec,
	SYS_WAITPID:     sysWaitpid,
	SYS_KILL:        sysKill,
	SYS_GETPPID:     sysGetppid,
	SYS_SETPGID:     sysSetpgid,
	SYS_GETPGID:     sysGetpgid,
	SYS_SIGACTION:   sysSigaction,
	SYS_SIGPROCMASK: sysSigprocmask,
	SYS_MMAP:        sysMmap,
	SYS_MUNMAP:      sysMunmap,
	SYS_MPROTECT:    sysMprotect,
	SYS_BRK:         sysBrk,
	SYS_GETRUSAGE:   sysGetrusage,
}

/// Dispatch looks up num in the syscall table and invokes it with a.
/// An unknown syscall number returns -1, matching a fixed-size
/// array-of-handlers table indexed by a number the hardware ABI can't
/// itself bound-check.
func Dispatch(num int, a *Args_t) int {
	h, ok := table[num]
	if !ok {
		klog.L().WithField("num", num).Warn("usyscall: unknown syscall")
		return -1
	}
	return h(a)
}

func sysExit(a *Args_t) int {
	proc.Exit(a.P, int(a.A0))
	return 0
}

func sysGetpid(a *Args_t) int  { return int(a.P.Pid) }
func sysGetppid(a *Args_t) int { return int(a.P.Ppid) }

func sysFork(a *Args_t) int {
	child, err := proc.Fork(a.P, pmm.Inst)
	if err != 0 {
		return int(err)
	}
	return int(child)
}

// sysExec replaces the calling process's address space in place and
// returns 0 on success. Neither the syscall gate nor the trap dispatcher
// transfers control to the new image's entry point afterwards.
func sysExec(a *Args_t) int {
	if !ValidateUserString(a.P.Pagedir, a.A0, 256) {
		return int(-defs.EFAULT)
	}
	path := readCString(a.P.Pagedir, a.A0, 256)
	if _, err := proc.Exec(a.P, path, pmm.Inst); err != 0 {
		return int(err)
	}
	return 0
}

func sysWaitpid(a *Args_t) int {
	pid, status, err := proc.Waitpid(a.P, defs.Pid_t(int32(a.A0)))
	if err != 0 {
		return int(err)
	}
	if !ValidateUserPtr(a.P.Pagedir, a.A1, 4) && a.A1 != 0 {
		return int(-defs.EFAULT)
	}
	if a.A1 != 0 {
		writeWord(a.P.Pagedir, a.A1, uint32(status))
	}
	return int(pid)
}

func sysKill(a *Args_t) int {
	err := proc.Kill(defs.Pid_t(int32(a.A0)), uint32(a.A1))
	return int(err)
}

func sysSetpgid(a *Args_t) int {
	err := proc.Setpgid(defs.Pid_t(int32(a.A0)), defs.Pid_t(int32(a.A1)))
	return int(err)
}

func sysGetpgid(a *Args_t) int {
	pgid, err := proc.Getpgid(defs.Pid_t(int32(a.A0)))
	if err != 0 {
		return int(err)
	}
	return int(pgid)
}

func sysSigaction(a *Args_t) int {
	sig := uint32(a.A0)
	if sig > uint32(defs.NSIG) {
		return int(-defs.EINVAL)
	}
	act := proc.Sigaction_t{Handler: uintptr(a.A1), Mask: uint32(a.A2)}
	proc.Sigaction(a.P, sig, act)
	return 0
}

func sysSigprocmask(a *Args_t) int {
	old := proc.Sigprocmask(a.P, int(a.A0), uint32(a.A1))
	return int(old)
}

func sysMmap(a *Args_t) int {
	addr := vmm.Va_t(a.A0)
	length := int(a.A1)
	prot := vma.Prot_t(a.A2)
	flags := vma.Flag_t(a.A3)
	v, ok := a.P.Vmas.Mmap(addr, length, prot, flags)
	if !ok {
		return defs.MAP_FAILED
	}
	return int(v)
}

func sysMunmap(a *Args_t) int {
	if !a.P.Vmas.Munmap(vmm.Va_t(a.A0), int(a.A1)) {
		return int(-defs.EINVAL)
	}
	return 0
}

func sysMprotect(a *Args_t) int {
	if !a.P.Vmas.Mprotect(vmm.Va_t(a.A0), int(a.A1), vma.Prot_t(a.A2)) {
		return int(-defs.EINVAL)
	}
	return 0
}

const heapBase = vmm.Va_t(0x20000000)

// sysBrk grows or shrinks the single heap VMA starting at heapBase.
// brk(0) queries the current break without changing it.
func sysBrk(a *Args_t) int {
	newbrk := uintptr(a.A0)
	if newbrk == 0 {
		if a.P.BrkCur == 0 {
			a.P.BrkCur = uintptr(heapBase)
		}
		return int(a.P.BrkCur)
	}
	if a.P.BrkCur == 0 {
		length := int(newbrk - uintptr(heapBase))
		if length < 0 {
			return int(-defs.EINVAL)
		}
		if _, ok := a.P.Vmas.Mmap(heapBase, length, vma.PROT_READ|vma.PROT_WRITE, vma.MAP_PRIVATE|vma.MAP_ANONYMOUS); !ok {
			return int(-defs.ENOMEM)
		}
		a.P.BrkCur = newbrk
		return int(newbrk)
	}
	if newbrk > a.P.BrkCur {
		grow := int(newbrk - a.P.BrkCur)
		if _, ok := a.P.Vmas.Mmap(vmm.Va_t(a.P.BrkCur), grow, vma.PROT_READ|vma.PROT_WRITE, vma.MAP_PRIVATE|vma.MAP_ANONYMOUS|vma.MAP_FIXED); !ok {
			return int(-defs.ENOMEM)
		}
	} else if newbrk < a.P.BrkCur {
		shrink := int(a.P.BrkCur - newbrk)
		a.P.Vmas.Munmap(vmm.Va_t(newbrk), shrink)
	}
	a.P.BrkCur = newbrk
	return int(newbrk)
}

// sysGetrusage copies the calling process's accumulated CPU-time
// accounting out as a struct-rusage-shaped byte buffer.
func sysGetrusage(a *Args_t) int {
	buf := a.P.Rusage.Fetch()
	if !ValidateUserPtr(a.P.Pagedir, a.A0, uintptr(len(buf))) {
		return int(-defs.EFAULT)
	}
	copyToUser(a.P.Pagedir, a.A0, buf)
	return 0
}

func writeWord(pd *vmm.Pagedir_t, addr uintptr, v uint32) {
	pa := pd.Get_physical(vmm.Va_t(addr &^ pageMask))
	buf := []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
	vma.WriteFrame(pa, int(addr&pageMask), buf)
}

func sysOpen(a *Args_t) int {
	if !ValidateUserString(a.P.Pagedir, a.A0, 256) {
		return int(-defs.EFAULT)
	}
	path := readCString(a.P.Pagedir, a.A0, 256)
	node, err := resolveOrCreate(path, int(a.A1))
	if err != 0 {
		return int(err)
	}
	if err := node.Open(); err != 0 {
		return int(err)
	}
	f := &fd.Fd_t{Fops: nodeOps{node}, Perms: permsFromFlags(int(a.A1)), Flags: int(a.A1)}
	return a.P.AddFd(f)
}

func resolveOrCreate(path string, flags int) (vfs.Node, defs.Err_t) {
	node, err := vfs.Lookup(path)
	if err == 0 {
		return node, 0
	}
	if err != -defs.ENOTFOUND || flags&defs.O_CREAT == 0 {
		return nil, err
	}
	dir := "/"
	name := path
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			dir = path[:i]
			if dir == "" {
				dir = "/"
			}
			name = path[i+1:]
			break
		}
	}
	parent, perr := vfs.Lookup(dir)
	if perr != 0 {
		return nil, perr
	}
	return parent.Create(name, false)
}

func permsFromFlags(flags int) int {
	p := 0
	if flags&defs.O_WRONLY != 0 || flags&defs.O_RDWR != 0 {
		p |= fd.FD_WRITE
	}
	if flags&defs.O_RDWR != 0 || flags&(defs.O_WRONLY|defs.O_RDWR) == 0 {
		p |= fd.FD_READ
	}
	return p
}

func readCString(pd *vmm.Pagedir_t, ptr uintptr, max int) string {
	buf := make([]byte, 0, 64)
	for i := 0; i < max; i++ {
		b := readByte(pd, ptr+uintptr(i))
		if b == 0 {
			break
		}
		buf = append(buf, b)
	}
	return string(buf)
}

func sysClose(a *Args_t) int {
	f, ok := a.P.Fdget(int(a.A0))
	if !ok {
		return int(-defs.EBADF)
	}
	err := f.Fops.Close()
	a.P.Lock()
	delete(a.P.Fds, int(a.A0))
	a.P.Unlock()
	limits.Syslimit.Fds.Give()
	return int(err)
}

func sysRead(a *Args_t) int {
	f, ok := a.P.Fdget(int(a.A0))
	if !ok {
		return int(-defs.EBADF)
	}
	size := int(a.A2)
	if !ValidateUserPtr(a.P.Pagedir, a.A1, uintptr(size)) {
		return int(-defs.EFAULT)
	}
	buf := make([]byte, size)
	n, err := f.Fops.Read(buf, f.Offset)
	if err != 0 {
		return int(err)
	}
	copyToUser(a.P.Pagedir, a.A1, buf[:n])
	f.Offset += n
	return n
}

func sysWrite(a *Args_t) int {
	f, ok := a.P.Fdget(int(a.A0))
	if !ok {
		return int(-defs.EBADF)
	}
	size := int(a.A2)
	if !ValidateUserPtr(a.P.Pagedir, a.A1, uintptr(size)) {
		return int(-defs.EFAULT)
	}
	buf := make([]byte, size)
	copyFromUser(a.P.Pagedir, a.A1, buf)
	n, err := f.Fops.Write(buf, f.Offset)
	if err != 0 {
		return int(err)
	}
	f.Offset += n
	return n
}

func sysLseek(a *Args_t) int {
	f, ok := a.P.Fdget(int(a.A0))
	if !ok {
		return int(-defs.EBADF)
	}
	off := int(int32(a.A1))
	switch int(a.A2) {
	case defs.SEEK_SET:
		f.Offset = off
	case defs.SEEK_CUR:
		f.Offset += off
	default:
		return int(-defs.EINVAL)
	}
	return f.Offset
}

func sysStat(a *Args_t) int {
	if !ValidateUserString(a.P.Pagedir, a.A0, 256) {
		return int(-defs.EFAULT)
	}
	path := readCString(a.P.Pagedir, a.A0, 256)
	node, err := vfs.Lookup(path)
	if err != 0 {
		return int(err)
	}
	var st stat.Stat_t
	if err := node.Stat(&st); err != 0 {
		return int(err)
	}
	if !ValidateUserPtr(a.P.Pagedir, a.A1, uintptr(len(st.Bytes()))) {
		return int(-defs.EFAULT)
	}
	copyToUser(a.P.Pagedir, a.A1, st.Bytes())
	return 0
}

func copyToUser(pd *vmm.Pagedir_t, ptr uintptr, data []byte) {
	for i, b := range data {
		addr := ptr + uintptr(i)
		pa := pd.Get_physical(vmm.Va_t(addr &^ pageMask))
		vma.WriteFrame(pa, int(addr&pageMask), []byte{b})
	}
}

func copyFromUser(pd *vmm.Pagedir_t, ptr uintptr, dst []byte) {
	for i := range dst {
		dst[i] = readByte(pd, ptr+uintptr(i))
	}
}

// nodeOps adapts vfs.Node to fd.Fileops_i.
type nodeOps struct {
	n vfs.Node
}

func (o nodeOps) Read(dst []uint8, offset int) (int, defs.Err_t)  { return o.n.Read(dst, offset) }
func (o nodeOps) Write(src []uint8, offset int) (int, defs.Err_t) { return o.n.Write(src, offset) }
func (o nodeOps) Readdir(idx int) (string, bool, defs.Err_t)      { return o.n.Readdir(idx) }
func (o nodeOps) Close() defs.Err_t                               { return o.n.Close() }
func (o nodeOps) Reopen() defs.Err_t                               { return o.n.Open() }
