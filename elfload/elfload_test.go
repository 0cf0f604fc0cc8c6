package elfload

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"oskernel/mm/pmm"
	"oskernel/mm/vmm"
)

const (
	testVaddr = 0x08048000
	ehsize    = 52
	phsize    = 32
)

// buildELF32 assembles a minimal ELFCLASS32/ELFDATA2LSB/EM_386/ET_EXEC
// image with a single PT_LOAD segment carrying payload, entry point at
// vaddr+entryOff.
func buildELF32(payload []byte, entryOff uint32) []byte {
	var buf bytes.Buffer

	ident := [16]byte{0x7f, 'E', 'L', 'F', 1, 1, 1, 0}
	buf.Write(ident[:])

	le := binary.LittleEndian
	w16 := func(v uint16) { var b [2]byte; le.PutUint16(b[:], v); buf.Write(b[:]) }
	w32 := func(v uint32) { var b [4]byte; le.PutUint32(b[:], v); buf.Write(b[:]) }

	w16(2)                         // e_type = ET_EXEC
	w16(3)                         // e_machine = EM_386
	w32(1)                         // e_version
	w32(testVaddr + entryOff)      // e_entry
	w32(ehsize)                    // e_phoff
	w32(0)                         // e_shoff
	w32(0)                         // e_flags
	w16(ehsize)                    // e_ehsize
	w16(phsize)                    // e_phentsize
	w16(1)                         // e_phnum
	w16(0)                         // e_shentsize
	w16(0)                         // e_shnum
	w16(0)                         // e_shstrndx

	dataOff := uint32(ehsize + phsize)
	w32(1)                // p_type = PT_LOAD
	w32(dataOff)           // p_offset
	w32(testVaddr)         // p_vaddr
	w32(testVaddr)         // p_paddr
	w32(uint32(len(payload))) // p_filesz
	w32(uint32(len(payload) + 4096)) // p_memsz: extends a page past filesz, exercising bss zero-fill
	w32(7)                 // p_flags = R|W|X
	w32(0x1000)             // p_align

	buf.Write(payload)
	return buf.Bytes()
}

func newAlloc(t *testing.T) *pmm.Physmem_t {
	t.Helper()
	pmm.Init(0, 4096, nil)
	return pmm.Inst
}

func TestLoadValidatesAndMapsSegment(t *testing.T) {
	alloc := newAlloc(t)
	payload := []byte("hello from a loaded segment\x00")
	img := buildELF32(payload, 0)

	proc, err := Load(bytes.NewReader(img), alloc)
	require.Zero(t, err)
	require.NotNil(t, proc)
	require.Equal(t, uintptr(testVaddr), proc.Entry)
	require.Equal(t, uintptr(userStackTop), proc.StackTop)
	require.True(t, proc.Pagedir.Is_mapped(vmm.Va_t(testVaddr)))
}

func TestLoadRejectsWrongMachine(t *testing.T) {
	alloc := newAlloc(t)
	img := buildELF32([]byte("x"), 0)
	// flip e_machine (bytes 18-19) from EM_386 to something else
	img[18] = 0x3e
	img[19] = 0x00

	_, err := Load(bytes.NewReader(img), alloc)
	require.NotZero(t, err)
}

func TestLoadRejectsTruncatedHeader(t *testing.T) {
	alloc := newAlloc(t)
	_, err := Load(bytes.NewReader([]byte{0x7f, 'E', 'L', 'F'}), alloc)
	require.NotZero(t, err)
}
