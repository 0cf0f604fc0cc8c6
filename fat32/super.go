// super.go decodes the Microsoft FAT32 BIOS Parameter Block: fixed byte
// offsets into a raw sector 0 image, read through small accessor
// methods rather than an unpacked Go struct.
package fat32

import "encoding/binary"

import "oskernel/defs"

// BPB byte offsets (Microsoft FAT32 on-disk format subset implemented
// here).
const (
	offBytesPerSector    = 11
	offSectorsPerCluster = 13
	offReservedSectors   = 14
	offNumFats           = 16
	offFatSize16         = 22 // must be 0 to confirm FAT32
	offSectorsPerFat32   = 36
	offRootCluster       = 44
	offSignature         = 510 // 0x55 0xAA
	offTotalSectors32    = 32
)

/// Bpb_t wraps a raw 512-byte sector 0 image with field accessors, kept
// as the BPB's own byte layout rather than copied into a Go struct so a
// freshly read sector can be validated and interpreted in place.
type Bpb_t struct {
	Data [SECSZ]byte
}

func (b *Bpb_t) u16(off int) uint16 { return binary.LittleEndian.Uint16(b.Data[off:]) }
func (b *Bpb_t) u32(off int) uint32 { return binary.LittleEndian.Uint32(b.Data[off:]) }

func (b *Bpb_t) BytesPerSector() uint16    { return b.u16(offBytesPerSector) }
func (b *Bpb_t) SectorsPerCluster() uint8  { return b.Data[offSectorsPerCluster] }
func (b *Bpb_t) ReservedSectors() uint16   { return b.u16(offReservedSectors) }
func (b *Bpb_t) NumFats() uint8            { return b.Data[offNumFats] }
func (b *Bpb_t) FatSize16() uint16         { return b.u16(offFatSize16) }
func (b *Bpb_t) SectorsPerFat32() uint32   { return b.u32(offSectorsPerFat32) }
func (b *Bpb_t) RootCluster() uint32       { return b.u32(offRootCluster) }
func (b *Bpb_t) TotalSectors32() uint32    { return b.u32(offTotalSectors32) }

/// Validate checks the signature byte, the 16-bit FAT-size field (must be
// zero, confirming FAT32 rather than FAT16), and the 512-byte sector
// assumption this implementation makes.
func (b *Bpb_t) Validate() defs.Err_t {
	if b.Data[offSignature] != 0x55 || b.Data[offSignature+1] != 0xAA {
		return -defs.EINVAL
	}
	if b.FatSize16() != 0 {
		return -defs.EINVAL
	}
	if b.BytesPerSector() != SECSZ {
		return -defs.EINVAL
	}
	return 0
}
