// Package vmm implements the i386 two-level virtual memory manager:
// page directory, page tables, and the recursive-mapping technique,
// following a 2-level, 1024-entry-per-table layout.
//
// This core runs as an ordinary Go process rather than on bare metal, so
// there is no real MMU to program. Page tables are modeled directly as Go
// structs rather than as bytes written to physical frames; PTE_for
// returns the entry's value read from that struct, the software equivalent of
// dereferencing the recursive slot — the same virtual-address arithmetic
// the hardware would do collapses to a Go field access.
package vmm

import (
	"sync"

	"oskernel/klog"
	"oskernel/mm/pmm"
)

/// Va_t is a virtual address.
type Va_t uintptr

/// PDX/PTX split: 10 bits directory index, 10 bits table index, 12 bits
/// offset, matching i386 2-level paging.
const (
	PGSHIFT = 12
	PDXMASK = 0x3ff
	PTXMASK = 0x3ff
)

func pdx(v Va_t) int { return int((v >> 22) & PDXMASK) }
func ptx(v Va_t) int { return int((v >> 12) & PTXMASK) }

/// Pteflag_t holds the architectural page-table-entry flag bits this core
/// models.
type Pteflag_t uint

const (
	PTE_P  Pteflag_t = 1 << 0 // present
	PTE_W  Pteflag_t = 1 << 1 // writable
	PTE_U  Pteflag_t = 1 << 2 // user-accessible
	PTE_PWT Pteflag_t = 1 << 3 // write-through
	PTE_PCD Pteflag_t = 1 << 4 // cache-disable
	PTE_A  Pteflag_t = 1 << 5 // accessed
	PTE_D  Pteflag_t = 1 << 6 // dirty
)

const archFlagMask = PTE_P | PTE_W | PTE_U | PTE_PWT | PTE_PCD | PTE_A | PTE_D

/// Pte_t packs a physical frame number and flag bits, as the architecture
/// does (frame in the high bits, flags in the low 12).
type Pte_t uint32

func mkpte(pa pmm.Pa_t, fl Pteflag_t) Pte_t {
	return Pte_t(uint32(pa)&^uint32(PGSIZE-1)) | Pte_t(fl&archFlagMask)
}

const PGSIZE = pmm.PGSIZE

func (e Pte_t) Present() bool   { return e&Pte_t(PTE_P) != 0 }
func (e Pte_t) Frame() pmm.Pa_t { return pmm.Pa_t(uint32(e) &^ uint32(PGSIZE-1)) }
func (e Pte_t) Flags() Pteflag_t { return Pteflag_t(e) & archFlagMask }

type pagetable_t struct {
	entries [1024]Pte_t
}

/// Pagedir_t is one address space's page directory plus its page tables.
/// The recursive slot maps the directory back to itself so any PTE is
/// reachable without a temporary mapping.
type Pagedir_t struct {
	sync.Mutex
	tables    [1024]*pagetable_t
	recursive int
	alloc     *pmm.Physmem_t
	selfpa    pmm.Pa_t
}

/// RECURSIVE_SLOT is the conventional last page-directory entry reserved
/// for self-mapping.
const RECURSIVE_SLOT = 1023

/// NewPagedir constructs an address space backed by alloc for page-table
/// frames, with the recursive slot installed.
func NewPagedir(alloc *pmm.Physmem_t) *Pagedir_t {
	pd := &Pagedir_t{alloc: alloc, recursive: RECURSIVE_SLOT}
	pa, ok := alloc.Alloc_frame()
	if !ok {
		panic("vmm: cannot allocate page directory frame")
	}
	pd.selfpa = pa
	return pd
}

func (pd *Pagedir_t) tableFor(v Va_t, create bool) *pagetable_t {
	i := pdx(v)
	if i == pd.recursive {
		panic("vmm: recursive slot is not a mappable address")
	}
	t := pd.tables[i]
	if t == nil {
		if !create {
			return nil
		}
		if _, ok := pd.alloc.Alloc_frame(); !ok {
			return nil
		}
		t = &pagetable_t{}
		pd.tables[i] = t
	}
	return t
}

/// Map_page creates the containing page table if absent and installs the
/// PTE for virt. Mapping over a present entry overwrites
/// it; the caller owns freeing any displaced frame.
func (pd *Pagedir_t) Map_page(virt Va_t, phys pmm.Pa_t, flags Pteflag_t) bool {
	pd.Lock()
	defer pd.Unlock()
	t := pd.tableFor(virt, true)
	if t == nil {
		return false
	}
	t.entries[ptx(virt)] = mkpte(phys, flags|PTE_P)
	return true
}

/// Unmap_page clears the PTE for virt. It does not free the frame; the
/// caller must.
func (pd *Pagedir_t) Unmap_page(virt Va_t) {
	pd.Lock()
	defer pd.Unlock()
	t := pd.tableFor(virt, false)
	if t == nil {
		return
	}
	t.entries[ptx(virt)] = 0
}

/// Is_mapped reports whether virt currently has a present PTE.
func (pd *Pagedir_t) Is_mapped(virt Va_t) bool {
	pd.Lock()
	defer pd.Unlock()
	t := pd.tableFor(virt, false)
	if t == nil {
		return false
	}
	return t.entries[ptx(virt)].Present()
}

/// Get_physical translates virt, returning 0 if unmapped.
func (pd *Pagedir_t) Get_physical(virt Va_t) pmm.Pa_t {
	pd.Lock()
	defer pd.Unlock()
	t := pd.tableFor(virt, false)
	if t == nil {
		return 0
	}
	e := t.entries[ptx(virt)]
	if !e.Present() {
		return 0
	}
	return e.Frame()
}

/// PTE_for returns the live PTE for virt as if reached through the
/// recursive slot, so callers can inspect flags/frame directly
///.
func (pd *Pagedir_t) PTE_for(virt Va_t) (Pte_t, bool) {
	pd.Lock()
	defer pd.Unlock()
	t := pd.tableFor(virt, false)
	if t == nil {
		return 0, false
	}
	return t.entries[ptx(virt)], true
}

var curLock sync.Mutex
var current *Pagedir_t

/// Current_pagedir returns the address space installed as if loaded into
/// CR3. Single-CPU: exactly one address space is "current"
/// at a time.
func Current_pagedir() *Pagedir_t {
	curLock.Lock()
	defer curLock.Unlock()
	return current
}

/// Switch_pagedir installs pd as current (the software equivalent of
/// loading CR3).
func Switch_pagedir(pd *Pagedir_t) {
	curLock.Lock()
	defer curLock.Unlock()
	current = pd
	klog.L().WithField("pagedir", pd).Trace("vmm: switched address space")
}
