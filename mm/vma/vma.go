// Package vma implements the per-process virtual-memory-area table and
// page-fault resolution. Each process's VMAs are kept in a google/btree
// ordered map keyed by start address, giving overlap checks and
// neighbor lookups without a hand-rolled balanced tree.
package vma

import (
	"sync"

	"github.com/google/btree"

	"oskernel/klog"
	"oskernel/limits"
	"oskernel/mm/pmm"
	"oskernel/mm/vmm"
)

/// Prot_t is the {R, W, X} protection bits of a mapping.
type Prot_t uint

const (
	PROT_NONE  Prot_t = 0
	PROT_READ  Prot_t = 1 << 0
	PROT_WRITE Prot_t = 1 << 1
	PROT_EXEC  Prot_t = 1 << 2
)

/// Flag_t is the set of mapping flags a VMA carries.
type Flag_t uint

const (
	MAP_SHARED Flag_t = 1 << iota
	MAP_PRIVATE
	MAP_ANONYMOUS
	MAP_FIXED
)

/// Backing_t distinguishes an anonymous VMA from a file-backed one.
type Backing_t struct {
	File   bool
	Offset int
}

/// Vma_t is one contiguous, same-protection, same-backing region of a
/// process's address space.
type Vma_t struct {
	Start   vmm.Va_t
	End     vmm.Va_t
	Prot    Prot_t
	Flags   Flag_t
	Backing Backing_t
	Cow     bool
	Lazy    bool
}

func (v *Vma_t) Less(than btree.Item) bool {
	o := than.(*Vma_t)
	return v.Start < o.Start
}

/// MAP_FAILED is the sentinel mmap returns on failure.
const MAP_FAILED vmm.Va_t = ^vmm.Va_t(0)

/// userMmapBase/userMmapTop bound the range mmap's advancing cursor picks
/// addresses from, and the range FIXED requests must fall in.
const (
	userMmapBase = vmm.Va_t(0x40000000)
	userMmapTop  = vmm.Va_t(0xc0000000)
	stackTop     = vmm.Va_t(0xc0000000)
	stackMin     = vmm.Va_t(0xbf000000) // stack may grow down to here
)

/// Vmtable_t is one process's VMA table.
type Vmtable_t struct {
	sync.Mutex
	tree   *btree.BTree
	cursor vmm.Va_t
	pd     *vmm.Pagedir_t
	alloc  *pmm.Physmem_t
}

/// NewTable constructs an empty VMA table backed by pd/alloc.
func NewTable(pd *vmm.Pagedir_t, alloc *pmm.Physmem_t) *Vmtable_t {
	return &Vmtable_t{tree: btree.New(8), cursor: userMmapBase, pd: pd, alloc: alloc}
}

func pageround(v vmm.Va_t) vmm.Va_t {
	return vmm.Va_t((uintptr(v) + pmm.PGSIZE - 1) &^ (pmm.PGSIZE - 1))
}

// overlaps reports whether [start,end) intersects any existing VMA.
func (t *Vmtable_t) overlaps(start, end vmm.Va_t) bool {
	hit := false
	t.tree.DescendLessOrEqual(&Vma_t{Start: end}, func(it btree.Item) bool {
		v := it.(*Vma_t)
		if v.Start < end && start < v.End {
			hit = true
			return false
		}
		return v.End > start
	})
	return hit
}

/// Create installs a new VMA covering [start,end). The
/// pairwise-disjoint invariant is enforced here.
func (t *Vmtable_t) Create(start, end vmm.Va_t, prot Prot_t, flags Flag_t, backing Backing_t) (*Vma_t, bool) {
	t.Lock()
	defer t.Unlock()
	if t.overlaps(start, end) {
		return nil, false
	}
	if !limits.Syslimit.Vmas.Take() {
		return nil, false
	}
	v := &Vma_t{Start: start, End: end, Prot: prot, Flags: flags, Backing: backing}
	t.tree.ReplaceOrInsert(v)
	return v, true
}

/// Find returns the VMA containing addr, if any.
func (t *Vmtable_t) Find(addr vmm.Va_t) *Vma_t {
	t.Lock()
	defer t.Unlock()
	return t.findLocked(addr)
}

func (t *Vmtable_t) findLocked(addr vmm.Va_t) *Vma_t {
	var found *Vma_t
	t.tree.DescendLessOrEqual(&Vma_t{Start: addr}, func(it btree.Item) bool {
		v := it.(*Vma_t)
		if v.Start <= addr && addr < v.End {
			found = v
		}
		return false
	})
	return found
}

/// Destroy removes v from the table.
func (t *Vmtable_t) Destroy(v *Vma_t) {
	t.Lock()
	defer t.Unlock()
	if t.tree.Delete(v) != nil {
		limits.Syslimit.Vmas.Give()
	}
}

/// ForEach visits every VMA in the table in ascending start-address
/// order. fn must not mutate the table.
func (t *Vmtable_t) ForEach(fn func(*Vma_t)) {
	t.Lock()
	defer t.Unlock()
	t.tree.Ascend(func(it btree.Item) bool {
		fn(it.(*Vma_t))
		return true
	})
}

/// ForkInto populates child with a COW copy of every VMA in t: each VMA
/// is duplicated and marked Cow in both tables, and every page t has
/// mapped is remapped read-only into child's page directory, sharing
/// the same physical frame until either side writes to it and takes a
/// COW fault.
func (t *Vmtable_t) ForkInto(child *Vmtable_t) {
	t.Lock()
	var vmas []*Vma_t
	t.tree.Ascend(func(it btree.Item) bool {
		v := it.(*Vma_t)
		v.Cow = true
		vmas = append(vmas, v)
		return true
	})
	t.Unlock()

	for _, v := range vmas {
		limits.Syslimit.Vmas.Take()
		nv := &Vma_t{Start: v.Start, End: v.End, Prot: v.Prot, Flags: v.Flags, Backing: v.Backing, Cow: true, Lazy: v.Lazy}
		child.Lock()
		child.tree.ReplaceOrInsert(nv)
		child.Unlock()

		for p := v.Start; p < v.End; p += vmm.Va_t(pmm.PGSIZE) {
			if !t.pd.Is_mapped(p) {
				continue
			}
			pa := t.pd.Get_physical(p)
			ro := protFlags(v.Prot) &^ vmm.PTE_W
			t.pd.Unmap_page(p)
			t.pd.Map_page(p, pa, ro)
			child.pd.Map_page(p, pa, ro)
		}
	}
}

func protFlags(p Prot_t) vmm.Pteflag_t {
	var f vmm.Pteflag_t
	if p&PROT_WRITE != 0 {
		f |= vmm.PTE_W
	}
	return f | vmm.PTE_U
}

/// Mmap rounds length up to a page; honors
/// FIXED verbatim (checked against the user-mmap range and against
/// overlap); otherwise
/// advance the cursor. Anonymous mappings are populated immediately.
func (t *Vmtable_t) Mmap(addr vmm.Va_t, length int, prot Prot_t, flags Flag_t) (vmm.Va_t, bool) {
	if length <= 0 {
		return MAP_FAILED, false
	}
	end := pageround(vmm.Va_t(length))
	t.Lock()
	var start vmm.Va_t
	if flags&MAP_FIXED != 0 {
		if addr < userMmapBase || addr+end > userMmapTop {
			t.Unlock()
			return MAP_FAILED, false
		}
		if t.overlaps(addr, addr+end) {
			t.Unlock()
			return MAP_FAILED, false
		}
		start = addr
	} else {
		start = pageround(t.cursor)
		for t.overlaps(start, start+end) {
			start += end
		}
		t.cursor = start + end
	}
	if !limits.Syslimit.Vmas.Take() {
		t.Unlock()
		return MAP_FAILED, false
	}
	v := &Vma_t{Start: start, End: start + end, Prot: prot, Flags: flags, Backing: Backing_t{File: false}, Lazy: flags&MAP_ANONYMOUS == 0}
	t.tree.ReplaceOrInsert(v)
	t.Unlock()

	if flags&MAP_ANONYMOUS != 0 {
		for p := start; p < start+end; p += pmm.PGSIZE {
			pa, ok := t.alloc.Alloc_frame()
			if !ok {
				t.Munmap(start, int(p-start))
				t.Destroy(v)
				return MAP_FAILED, false
			}
			t.pd.Map_page(p, pa, protFlags(prot))
		}
	}
	return start, true
}

/// Munmap unmaps and (unless SHARED)
/// free every mapped page in the range, then adjust or destroy the VMA.
func (t *Vmtable_t) Munmap(addr vmm.Va_t, length int) bool {
	if addr%pmm.PGSIZE != 0 {
		return false
	}
	end := addr + pageround(vmm.Va_t(length))
	t.Lock()
	v := t.findLocked(addr)
	t.Unlock()
	for p := addr; p < end; p += pmm.PGSIZE {
		if t.pd.Is_mapped(p) {
			pa := t.pd.Get_physical(p)
			t.pd.Unmap_page(p)
			if v == nil || v.Flags&MAP_SHARED == 0 {
				t.alloc.Free_frame(pa)
			}
		}
	}
	t.Lock()
	defer t.Unlock()
	if v == nil {
		return true
	}
	switch {
	case addr <= v.Start && end >= v.End:
		t.tree.Delete(v)
		limits.Syslimit.Vmas.Give()
	case addr <= v.Start:
		v.Start = end
	case end >= v.End:
		v.End = addr
	default:
		// punches a hole; split into two VMAs
		limits.Syslimit.Vmas.Take()
		tail := &Vma_t{Start: end, End: v.End, Prot: v.Prot, Flags: v.Flags, Backing: v.Backing, Cow: v.Cow, Lazy: v.Lazy}
		v.End = addr
		t.tree.ReplaceOrInsert(tail)
	}
	return true
}

/// Mprotect updates the VMA's prot and
/// re-flag each mapped page.
func (t *Vmtable_t) Mprotect(addr vmm.Va_t, length int, prot Prot_t) bool {
	end := addr + pageround(vmm.Va_t(length))
	t.Lock()
	v := t.findLocked(addr)
	if v == nil {
		t.Unlock()
		return false
	}
	v.Prot = prot
	t.Unlock()
	for p := addr; p < end; p += pmm.PGSIZE {
		if t.pd.Is_mapped(p) {
			pa := t.pd.Get_physical(p)
			t.pd.Map_page(p, pa, protFlags(prot))
		}
	}
	return true
}

/// Errcode_t mirrors the architectural page-fault error code bits: bit 0
/// set means the fault was a protection violation (vs. not-present); bit
/// 1 set means the access was a write.
type Errcode_t uint

const (
	PF_PRESENT Errcode_t = 1 << 0
	PF_WRITE   Errcode_t = 1 << 1
)

/// FaultResult reports how Resolve_fault concluded.
type FaultResult int

const (
	FAULT_COW FaultResult = iota
	FAULT_LAZY
	FAULT_STACK_GROWTH
	FAULT_FATAL
)

/// Resolve_fault applies the four-step fault-resolution
/// order, called by the trap dispatcher with {fault_addr, error_code}.
func (t *Vmtable_t) Resolve_fault(addr vmm.Va_t, errcode Errcode_t) FaultResult {
	pageaddr := vmm.Va_t(uintptr(addr) &^ (pmm.PGSIZE - 1))
	v := t.Find(pageaddr)

	// 1. write to a present COW page
	if v != nil && v.Cow && errcode&PF_PRESENT != 0 && errcode&PF_WRITE != 0 {
		old := t.pd.Get_physical(pageaddr)
		npa, ok := t.alloc.Alloc_frame()
		if !ok {
			return FAULT_FATAL
		}
		copyFrame(old, npa)
		t.pd.Unmap_page(pageaddr)
		t.pd.Map_page(pageaddr, npa, vmm.PTE_W|vmm.PTE_U)
		return FAULT_COW
	}

	// 2. lazy VMA
	if v != nil && v.Lazy {
		pa, ok := t.alloc.Alloc_frame()
		if !ok {
			return FAULT_FATAL
		}
		t.pd.Map_page(pageaddr, pa, protFlags(v.Prot))
		return FAULT_LAZY
	}

	// 3. stack growth window
	if pageaddr >= stackMin && pageaddr < stackTop && t.Find(pageaddr) == nil {
		pa, ok := t.alloc.Alloc_frame()
		if !ok {
			return FAULT_FATAL
		}
		t.Create(pageaddr, pageaddr+pmm.PGSIZE, PROT_READ|PROT_WRITE, MAP_PRIVATE|MAP_ANONYMOUS, Backing_t{})
		t.pd.Map_page(pageaddr, pa, vmm.PTE_W|vmm.PTE_U)
		return FAULT_STACK_GROWTH
	}

	// 4. fatal
	klog.L().WithField("addr", addr).Warn("vma: unresolved page fault")
	return FAULT_FATAL
}

// copyFrame copies one physical frame's contents via a temporary kernel
// mapping. This core models physical frames in Go memory rather than real
// DMA-visible RAM, so the "temporary kernel mapping" step
// describes is a direct byte copy keyed by physical address.
func copyFrame(src, dst pmm.Pa_t) {
	frameStore.Lock()
	defer frameStore.Unlock()
	s := frameStore.m[src]
	d := make([]byte, pmm.PGSIZE)
	copy(d, s)
	frameStore.m[dst] = d
}

var frameStore = struct {
	sync.Mutex
	m map[pmm.Pa_t][]byte
}{m: make(map[pmm.Pa_t][]byte)}

/// WriteFrame copies data into the simulated contents of physical frame
// pa, starting at offset. Used by loaders (ELF segment population) that
// populate a freshly allocated frame directly rather than through a
// page fault.
func WriteFrame(pa pmm.Pa_t, offset int, data []byte) {
	frameStore.Lock()
	defer frameStore.Unlock()
	buf := frameStore.m[pa]
	if buf == nil {
		buf = make([]byte, pmm.PGSIZE)
		frameStore.m[pa] = buf
	}
	copy(buf[offset:], data)
}

/// ReadFrame returns a copy of physical frame pa's simulated contents.
func ReadFrame(pa pmm.Pa_t) []byte {
	frameStore.Lock()
	defer frameStore.Unlock()
	buf := frameStore.m[pa]
	out := make([]byte, pmm.PGSIZE)
	copy(out, buf)
	return out
}
