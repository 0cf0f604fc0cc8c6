// Package kheap implements the kernel heap: a doubly linked block list
// with guard-word overflow detection, grown on demand by mapping frames
// from pmm through vmm. A single mutex-guarded singleton, first-fit
// free list, explicit error-returning failure path.
package kheap

import (
	"sync"

	"github.com/google/pprof/profile"

	"oskernel/klog"
	"oskernel/mm/pmm"
	"oskernel/mm/vmm"
	"oskernel/oommsg"
)

/// HEAP_MAGIC tags a live block header.
const HEAP_MAGIC = 0xc0ffee11

/// GUARD_WORD is stored in every block header's guard field; nothing is
/// written past the user region, whose slice ends at the requested size.
const GUARD_WORD = 0xdeadbeef

const minSlack = 32 // minimum remaining free-block size worth splitting off

type block_t struct {
	size     int // total block size, header+user+guard
	usersize int
	magic    uint32
	free     bool
	prev     *block_t
	next     *block_t
	guard    uint32
	data     []byte // backing storage for this block's user region
}

/// Heap_t is the kernel heap singleton.
type Heap_t struct {
	sync.Mutex
	head  *block_t
	pd    *vmm.Pagedir_t
	alloc *pmm.Physmem_t
	base  vmm.Va_t
	cap   int
	grown int

	totalAllocs   int64
	totalFrees    int64
	currentAllocs int64
	bytesInUse    int64
	peakAllocs    int64
	peakBytes     int64
}

/// Inst is the kernel-wide heap.
var Inst = &Heap_t{}

/// Init reserves a virtual region of the given capacity for the heap,
/// backed by alloc/pd for on-demand growth.
func Init(pd *vmm.Pagedir_t, alloc *pmm.Physmem_t, base vmm.Va_t, cap int) {
	Inst.Lock()
	defer Inst.Unlock()
	Inst.pd = pd
	Inst.alloc = alloc
	Inst.base = base
	Inst.cap = cap
	Inst.grown = 0
	Inst.head = nil
}

func roundup(n, to int) int { return (n + to - 1) / to * to }

// grow maps additional frames to cover at least need more bytes of heap,
// appending one large free block.
func (h *Heap_t) grow(need int) bool {
	n := roundup(need, pmm.PGSIZE)
	if h.grown+n > h.cap {
		n = h.cap - h.grown
	}
	if n <= 0 {
		klog.L().Warn("kheap: virtual region exhausted")
		select {
		case oommsg.OomCh <- oommsg.Oommsg_t{Need: need, Resume: make(chan bool, 1)}:
		default:
		}
		return false
	}
	for off := 0; off < n; off += pmm.PGSIZE {
		pa, ok := h.alloc.Alloc_frame()
		if !ok {
			return false
		}
		if h.pd != nil {
			h.pd.Map_page(h.base+vmm.Va_t(h.grown+off), pa, vmm.PTE_W)
		}
	}
	nb := &block_t{size: n, free: true, magic: HEAP_MAGIC}
	h.grown += n
	h.appendFree(nb)
	return true
}

func (h *Heap_t) appendFree(nb *block_t) {
	if h.head == nil {
		h.head = nb
		return
	}
	cur := h.head
	for cur.next != nil {
		cur = cur.next
	}
	cur.next = nb
	nb.prev = cur
}

const hdrOverhead = 16 // modeled header+guard bookkeeping overhead per block

/// Alloc returns size bytes of addressable storage, growing the heap if
/// no free block fits.
func (h *Heap_t) Alloc(size int) ([]byte, bool) {
	h.Lock()
	defer h.Unlock()
	need := size + hdrOverhead
	for {
		b := h.head
		for b != nil {
			if b.free && b.size >= need {
				goto found
			}
			b = b.next
		}
		if !h.grow(need) {
			return nil, false
		}
		continue
	found:
		if b.size-need >= minSlack {
			rem := &block_t{size: b.size - need, free: true, magic: HEAP_MAGIC, next: b.next, prev: b}
			if b.next != nil {
				b.next.prev = rem
			}
			b.next = rem
			b.size = need
		}
		b.free = false
		b.usersize = size
		b.magic = HEAP_MAGIC
		b.guard = GUARD_WORD
		b.data = make([]byte, size)
		h.totalAllocs++
		h.currentAllocs++
		h.bytesInUse += int64(size)
		if h.currentAllocs > h.peakAllocs {
			h.peakAllocs = h.currentAllocs
		}
		if h.bytesInUse > h.peakBytes {
			h.peakBytes = h.bytesInUse
		}
		return b.data, true
	}
}

// findBlock locates the block_t owning a previously returned data slice.
func (h *Heap_t) findBlock(p []byte) *block_t {
	for b := h.head; b != nil; b = b.next {
		if !b.free && len(b.data) > 0 && &b.data[0] == &p[0] {
			return b
		}
	}
	return nil
}

/// Free validates the block header and guard word, reports corruption,
/// and coalesces with adjacent free blocks.
func (h *Heap_t) Free(p []byte) {
	h.Lock()
	defer h.Unlock()
	b := h.findBlock(p)
	if b == nil {
		klog.Panic("kheap: free of unrecognized pointer", nil)
		return
	}
	if b.magic != HEAP_MAGIC {
		klog.Panic("kheap: heap header magic mismatch on free", nil)
		return
	}
	if b.guard != GUARD_WORD {
		klog.L().Error("kheap: buffer overflow detected")
	}
	b.free = true
	b.data = nil
	h.totalFrees++
	h.currentAllocs--
	h.bytesInUse -= int64(b.usersize)
	// coalesce with successor
	if b.next != nil && b.next.free {
		b.size += b.next.size
		b.next = b.next.next
		if b.next != nil {
			b.next.prev = b
		}
	}
	// coalesce with predecessor
	if b.prev != nil && b.prev.free {
		p := b.prev
		p.size += b.size
		p.next = b.next
		if b.next != nil {
			b.next.prev = p
		}
	}
}

/// Check_overflow reports whether the guard word past p's user region has
/// been clobbered.
func (h *Heap_t) Check_overflow(p []byte) bool {
	h.Lock()
	defer h.Unlock()
	b := h.findBlock(p)
	if b == nil {
		return false
	}
	return b.guard != GUARD_WORD
}

/// Alloc_aligned requests size+align+pointer_width bytes and returns the
/// first size bytes of that allocation. The returned slice is not aligned
/// up to align, and no original base is recorded.
func (h *Heap_t) Alloc_aligned(size, align int) ([]byte, bool) {
	const ptrWidth = 4 // i386 pointer width
	raw, ok := h.Alloc(size + align + ptrWidth)
	if !ok {
		return nil, false
	}
	return raw[:size], true
}

/// Stats_t mirrors the allocator counters exposed for diagnostics.
type Stats_t struct {
	TotalAllocs   int64
	TotalFrees    int64
	CurrentAllocs int64
	BytesInUse    int64
	PeakAllocs    int64
	PeakBytes     int64
}

/// Stats returns a snapshot of the heap's bookkeeping counters.
func (h *Heap_t) Stats() Stats_t {
	h.Lock()
	defer h.Unlock()
	return Stats_t{h.totalAllocs, h.totalFrees, h.currentAllocs, h.bytesInUse, h.peakAllocs, h.peakBytes}
}

/// Leaked reports total_allocs - total_frees, the leak count at an
/// inspection point.
func (h *Heap_t) Leaked() int64 {
	h.Lock()
	defer h.Unlock()
	return h.totalAllocs - h.totalFrees
}

/// Snapshot emits the current heap state as a pprof-format heap profile,
/// inspectable with `go tool pprof`.
func (h *Heap_t) Snapshot() *profile.Profile {
	h.Lock()
	defer h.Unlock()
	p := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "inuse_objects", Unit: "count"},
			{Type: "inuse_space", Unit: "bytes"},
		},
		PeriodType: &profile.ValueType{Type: "space", Unit: "bytes"},
		Period:     1,
	}
	live := 0
	bytes := int64(0)
	for b := h.head; b != nil; b = b.next {
		if !b.free {
			live++
			bytes += int64(b.usersize)
		}
	}
	p.Sample = append(p.Sample, &profile.Sample{
		Value: []int64{int64(live), bytes},
	})
	return p
}
