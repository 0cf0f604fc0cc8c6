package usyscall

import (
	"testing"

	"github.com/stretchr/testify/require"

	"oskernel/defs"
	"oskernel/memfs"
	"oskernel/mm/pmm"
	"oskernel/mm/vmm"
	"oskernel/proc"
	"oskernel/sched"
	"oskernel/vfs"
)

func setup(t *testing.T) *proc.Proc_t {
	t.Helper()
	pmm.Init(0, 4096, nil)
	sched.Init()
	proc.Init()
	vfs.Init()
	vfs.Set_root(memfs.NewDir("/"))
	return proc.Create("test", defs.PidKernel, pmm.Inst)
}

func TestValidateUserPtrRejectsKernelAddresses(t *testing.T) {
	p := setup(t)
	require.False(t, ValidateUserPtr(p.Pagedir, uintptr(userTop), 4))
	require.False(t, ValidateUserPtr(p.Pagedir, 0, 4))
}

func TestValidateUserPtrRejectsUnmappedPage(t *testing.T) {
	p := setup(t)
	require.False(t, ValidateUserPtr(p.Pagedir, 0x40000000, 4))
}

func TestValidateUserPtrAcceptsMappedRange(t *testing.T) {
	p := setup(t)
	pa, ok := pmm.Inst.Alloc_frame()
	require.True(t, ok)
	p.Pagedir.Map_page(vmm.Va_t(0x40000000), pa, vmm.PTE_P|vmm.PTE_U|vmm.PTE_W)
	require.True(t, ValidateUserPtr(p.Pagedir, 0x40000000, 16))
}

func TestDispatchUnknownSyscallReturnsMinusOne(t *testing.T) {
	p := setup(t)
	got := Dispatch(9999, &Args_t{P: p})
	require.Equal(t, -1, got)
}

func TestDispatchGetpid(t *testing.T) {
	p := setup(t)
	got := Dispatch(SYS_GETPID, &Args_t{P: p})
	require.Equal(t, int(p.Pid), got)
}

func TestSysBrkFirstCallEstablishesHeap(t *testing.T) {
	p := setup(t)
	end := uintptr(heapBase) + 4096
	got := Dispatch(SYS_BRK, &Args_t{P: p, A0: end})
	require.Equal(t, int(end), got)
	require.Equal(t, end, p.BrkCur)

	query := Dispatch(SYS_BRK, &Args_t{P: p})
	require.Equal(t, int(end), query)
}

func TestSysBrkGrowsAndShrinks(t *testing.T) {
	p := setup(t)
	base := uintptr(heapBase)
	Dispatch(SYS_BRK, &Args_t{P: p, A0: base + 4096})

	grown := Dispatch(SYS_BRK, &Args_t{P: p, A0: base + 8192})
	require.Equal(t, int(base+8192), grown)

	shrunk := Dispatch(SYS_BRK, &Args_t{P: p, A0: base + 4096})
	require.Equal(t, int(base+4096), shrunk)
}

func TestDispatchGetrusage(t *testing.T) {
	p := setup(t)
	pa, ok := pmm.Inst.Alloc_frame()
	require.True(t, ok)
	p.Pagedir.Map_page(vmm.Va_t(0x40000000), pa, vmm.PTE_P|vmm.PTE_U|vmm.PTE_W)

	p.Rusage.Utadd(5_000_000)
	got := Dispatch(SYS_GETRUSAGE, &Args_t{P: p, A0: 0x40000000})
	require.Equal(t, 0, got)
}

func TestSysMmapAnonymousThenMunmap(t *testing.T) {
	p := setup(t)
	const PROT_READ = 1
	const PROT_WRITE = 2
	const MAP_PRIVATE = 2
	const MAP_ANONYMOUS = 4
	addr := Dispatch(SYS_MMAP, &Args_t{P: p, A0: 0, A1: 4096, A2: PROT_READ | PROT_WRITE, A3: MAP_PRIVATE | MAP_ANONYMOUS})
	require.NotEqual(t, defs.MAP_FAILED, addr)

	ret := Dispatch(SYS_MUNMAP, &Args_t{P: p, A0: uintptr(addr), A1: 4096})
	require.Equal(t, 0, ret)
}
