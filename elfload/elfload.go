// Package elfload loads a 32-bit i386 ELF executable into a fresh
// address space: validates the header, maps and populates PT_LOAD
// segments, scans constructor/destructor arrays, and hands back a
// process descriptor ready to run.
package elfload

import (
	"bytes"
	"debug/elf"
	"io"

	"oskernel/defs"
	"oskernel/mm/pmm"
	"oskernel/mm/vma"
	"oskernel/mm/vmm"
)

const (
	userStackTop  = 0xc0000000
	userStackSize = 8 * pmm.PGSIZE
)

/// Proc_t is a loaded user process, ready for its entry point to run.
type Proc_t struct {
	Entry      uintptr
	InitArray  []uintptr
	FiniArray  []uintptr
	StackTop   uintptr
	Pagedir    *vmm.Pagedir_t
	Vmas       *vma.Vmtable_t
}

/// Load validates r as an ELFCLASS32/ELFDATA2LSB/EM_386/ET_EXEC binary,
// maps its PT_LOAD segments into a fresh address space backed by alloc,
// and returns the resulting process descriptor.
func Load(r io.ReaderAt, alloc *pmm.Physmem_t) (*Proc_t, defs.Err_t) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, -defs.EINVAL
	}
	defer f.Close()

	if err := validate(&f.FileHeader); err != 0 {
		return nil, err
	}

	pd := vmm.NewPagedir(alloc)
	vt := vma.NewTable(pd, alloc)

	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if err := loadSegment(prog, pd, vt, alloc); err != 0 {
			return nil, err
		}
	}

	if err := mapStack(pd, vt, alloc); err != 0 {
		return nil, err
	}

	initArr, err1 := readPtrArray(f, ".init_array")
	finiArr, err2 := readPtrArray(f, ".fini_array")
	if err1 != 0 {
		initArr, _ = readPtrArray(f, ".ctors")
	}
	if err2 != 0 {
		finiArr, _ = readPtrArray(f, ".dtors")
	}

	return &Proc_t{
		Entry:     uintptr(f.Entry),
		InitArray: initArr,
		FiniArray: finiArr,
		StackTop:  userStackTop,
		Pagedir:   pd,
		Vmas:      vt,
	}, 0
}

func validate(eh *elf.FileHeader) defs.Err_t {
	if eh.Class != elf.ELFCLASS32 {
		return -defs.EINVAL
	}
	if eh.Data != elf.ELFDATA2LSB {
		return -defs.EINVAL
	}
	if eh.Machine != elf.EM_386 {
		return -defs.EINVAL
	}
	if eh.Type != elf.ET_EXEC {
		return -defs.EINVAL
	}
	return 0
}

func progProt(flags elf.ProgFlag) vma.Prot_t {
	var p vma.Prot_t
	if flags&elf.PF_R != 0 {
		p |= vma.PROT_READ
	}
	if flags&elf.PF_W != 0 {
		p |= vma.PROT_WRITE
	}
	if flags&elf.PF_X != 0 {
		p |= vma.PROT_EXEC
	}
	return p
}

func protFlags(p vma.Prot_t) vmm.Pteflag_t {
	fl := vmm.PTE_P | vmm.PTE_U
	if p&vma.PROT_WRITE != 0 {
		fl |= vmm.PTE_W
	}
	return fl
}

// loadSegment maps prog.Memsz bytes starting at prog.Vaddr, zero-filled
// past prog.Filesz, and copies the segment's on-disk bytes in.
func loadSegment(prog *elf.Prog, pd *vmm.Pagedir_t, vt *vma.Vmtable_t, alloc *pmm.Physmem_t) defs.Err_t {
	start := vmm.Va_t(prog.Vaddr) &^ vmm.Va_t(pmm.PGSIZE-1)
	end := vmm.Va_t(prog.Vaddr+prog.Memsz+pmm.PGSIZE-1) &^ vmm.Va_t(pmm.PGSIZE-1)
	prot := progProt(prog.Flags)

	if _, ok := vt.Create(start, end, prot, vma.MAP_PRIVATE, vma.Backing_t{}); !ok {
		return -defs.EINVAL
	}

	data := make([]byte, prog.Filesz)
	if _, err := io.ReadFull(io.NewSectionReader(prog, 0, int64(prog.Filesz)), data); err != nil {
		return -defs.EINVAL
	}

	fileOff := int(prog.Vaddr) - int(start)
	pf := protFlags(prot)
	for va := start; va < end; va += vmm.Va_t(pmm.PGSIZE) {
		pa, ok := alloc.Alloc_frame()
		if !ok {
			return -defs.ENOHEAP
		}
		pd.Map_page(va, pa, pf)

		pageStart := int(va - start)
		dataStart := pageStart - fileOff
		dataEnd := dataStart + pmm.PGSIZE
		loData, hiData := dataStart, dataEnd
		if loData < 0 {
			loData = 0
		}
		if hiData > len(data) {
			hiData = len(data)
		}
		if loData < hiData {
			frameOff := loData - dataStart
			vma.WriteFrame(pa, frameOff, data[loData:hiData])
		}
	}
	return 0
}

func mapStack(pd *vmm.Pagedir_t, vt *vma.Vmtable_t, alloc *pmm.Physmem_t) defs.Err_t {
	end := vmm.Va_t(userStackTop)
	start := end - vmm.Va_t(userStackSize)
	if _, ok := vt.Create(start, end, vma.PROT_READ|vma.PROT_WRITE, vma.MAP_PRIVATE|vma.MAP_ANONYMOUS, vma.Backing_t{}); !ok {
		return -defs.EINVAL
	}
	for va := start; va < end; va += vmm.Va_t(pmm.PGSIZE) {
		pa, ok := alloc.Alloc_frame()
		if !ok {
			return -defs.ENOHEAP
		}
		pd.Map_page(va, pa, vmm.PTE_P|vmm.PTE_W|vmm.PTE_U)
	}
	return 0
}

// readPtrArray reads name's section as a flat array of 32-bit pointers.
func readPtrArray(f *elf.File, name string) ([]uintptr, defs.Err_t) {
	sec := f.Section(name)
	if sec == nil {
		return nil, -defs.ENOTFOUND
	}
	raw, err := sec.Data()
	if err != nil {
		return nil, -defs.EINVAL
	}
	var out []uintptr
	rd := bytes.NewReader(raw)
	for rd.Len() >= 4 {
		var v uint32
		b := make([]byte, 4)
		if _, err := io.ReadFull(rd, b); err != nil {
			break
		}
		v = uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
		out = append(out, uintptr(v))
	}
	return out, 0
}

/// Execute switches to proc's address space and runs entry, bracketed
// by one initFn call per InitArray entry and one finiFn call per
// FiniArray entry. There is no x86 instruction emulator in this core, so a real
// jump to proc.Entry is out of scope; Execute lets a caller (a test, or
// a future instruction-level emulator) supply the actual invocation
// while this core handles address-space switching and constructor/
// destructor sequencing around it.
func Execute(proc *Proc_t, entry func(), initFn, finiFn func(uintptr)) {
	vmm.Switch_pagedir(proc.Pagedir)
	for _, addr := range proc.InitArray {
		initFn(addr)
	}
	entry()
	for _, addr := range proc.FiniArray {
		finiFn(addr)
	}
}
