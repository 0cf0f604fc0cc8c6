// Package pmm implements the physical frame allocator: a bitmap of
// 4 KiB frames scanned from an advancing cursor. Single-CPU, so there
// are no per-CPU refcounted free lists — just one cursor-scanning
// bitmap guarded by a mutex.
package pmm

import (
	"sync"

	"oskernel/klog"
	"oskernel/oommsg"
	"oskernel/stats"
)

/// PGSIZE is the frame size this core manages (i386 4 KiB pages).
const PGSIZE = 4096

/// Pa_t is a physical address. The zero value is never a valid allocated
/// frame address (frame 0 is always reserved by Init).
type Pa_t uintptr

/// Physmem_t owns all RAM as a bitmap of 4 KiB frames. Bit i set means
/// frame i is free.
type Physmem_t struct {
	sync.Mutex
	bitmap    []uint64 // bit i set => frame i free
	nframes   int
	base      Pa_t // physical address of frame 0
	cursor    int  // next frame index to try
	freecount int
}

/// Inst is the single system-wide physical memory singleton.
var Inst = &Physmem_t{}

/// allocStats counts frame allocator activity; only incremented when
/// stats.Stats is compiled in.
var allocStats struct {
	Allocs stats.Counter_t
	Frees  stats.Counter_t
	Oom    stats.Counter_t
}

/// Stats renders the frame allocator's counters, or "" when stats.Stats
/// is false.
func Stats() string {
	return stats.Stats2String(allocStats)
}

func wordbit(i int) (int, uint64) {
	return i / 64, uint64(1) << uint(i%64)
}

/// Init ingests a boot-time memory map: base is the physical address of
/// frame 0, nframes is the total number of manageable frames, and
/// reserved lists [start,end) frame-index ranges (kernel image, the
/// bitmap itself) that must come up marked used.
func Init(base Pa_t, nframes int, reserved [][2]int) {
	Inst.Lock()
	defer Inst.Unlock()
	Inst.base = base
	Inst.nframes = nframes
	Inst.bitmap = make([]uint64, (nframes+63)/64)
	for i := 0; i < nframes; i++ {
		w, b := wordbit(i)
		Inst.bitmap[w] |= b
	}
	Inst.freecount = nframes
	for _, r := range reserved {
		for i := r[0]; i < r[1] && i < nframes; i++ {
			w, b := wordbit(i)
			if Inst.bitmap[w]&b != 0 {
				Inst.bitmap[w] &^= b
				Inst.freecount--
			}
		}
	}
	if nframes > 0 {
		w, b := wordbit(0)
		if Inst.bitmap[w]&b != 0 {
			Inst.bitmap[w] &^= b
			Inst.freecount--
		}
	}
	Inst.cursor = 0
}

/// Alloc_frame hands out one free 4 KiB frame, or reports failure.
/// Callers must check ok and propagate failure.
func (p *Physmem_t) Alloc_frame() (Pa_t, bool) {
	p.Lock()
	defer p.Unlock()
	start := p.cursor
	for i := 0; i < p.nframes; i++ {
		idx := (start + i) % p.nframes
		w, b := wordbit(idx)
		if p.bitmap[w]&b != 0 {
			p.bitmap[w] &^= b
			p.freecount--
			p.cursor = idx + 1
			if p.cursor >= p.nframes {
				p.cursor = 0
			}
			allocStats.Allocs.Inc()
			return p.base + Pa_t(idx*PGSIZE), true
		}
	}
	allocStats.Oom.Inc()
	klog.L().Warn("pmm: out of physical frames")
	select {
	case oommsg.OomCh <- oommsg.Oommsg_t{Need: PGSIZE, Resume: make(chan bool, 1)}:
	default:
	}
	return 0, false
}

/// Free_frame returns a frame to the pool. The cursor rewinds to the freed
/// frame to reduce fragmentation.
func (p *Physmem_t) Free_frame(pa Pa_t) {
	p.Lock()
	defer p.Unlock()
	idx := int((pa - p.base) / PGSIZE)
	if idx < 0 || idx >= p.nframes {
		panic("pmm: free of out-of-range frame")
	}
	w, b := wordbit(idx)
	if p.bitmap[w]&b != 0 {
		panic("pmm: double free of frame")
	}
	p.bitmap[w] |= b
	p.freecount++
	p.cursor = idx
	allocStats.Frees.Inc()
}

/// Is_free reports the bitmap bit for frame f directly.
func (p *Physmem_t) Is_free(pa Pa_t) bool {
	p.Lock()
	defer p.Unlock()
	idx := int((pa - p.base) / PGSIZE)
	if idx < 0 || idx >= p.nframes {
		return false
	}
	w, b := wordbit(idx)
	return p.bitmap[w]&b != 0
}

/// Total_memory returns the total managed memory in bytes.
func (p *Physmem_t) Total_memory() uint64 {
	p.Lock()
	defer p.Unlock()
	return uint64(p.nframes) * PGSIZE
}

/// Free_memory returns the currently free memory in bytes.
func (p *Physmem_t) Free_memory() uint64 {
	p.Lock()
	defer p.Unlock()
	return uint64(p.freecount) * PGSIZE
}

/// Used_memory returns the currently allocated memory in bytes.
func (p *Physmem_t) Used_memory() uint64 {
	return p.Total_memory() - p.Free_memory()
}
