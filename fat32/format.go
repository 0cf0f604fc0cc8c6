// format.go builds a fresh FAT32 volume on a zeroed disk: a minimal BPB,
// an empty FAT (both copies), and a single zeroed root-directory
// cluster, enough for Mount to accept it afterward.
package fat32

import (
	"encoding/binary"

	"oskernel/defs"
)

const (
	defaultSectorsPerCluster = 8 // 4 KiB clusters at 512-byte sectors
	defaultReservedSectors   = 32
	numFatsDefault           = 2
	rootClusterDefault       = 2
)

// Format writes a BPB, two FAT copies, and a zeroed root cluster to disk,
// sized to fit totalSectors 512-byte sectors starting at partitionLba.
func Format(disk Disk_i, partitionLba uint32, totalSectors uint32, label string) defs.Err_t {
	reserved := uint32(defaultReservedSectors)
	spc := uint32(defaultSectorsPerCluster)

	// Conservative FAT size estimate (4 bytes/cluster, over-allocated for
	// the reserved+FAT region itself) refined by up to four fixed-point
	// iterations.
	fatSize := estimateFatSize(totalSectors, reserved, spc)

	dataStart := reserved + numFatsDefault*fatSize
	if dataStart >= totalSectors {
		return -defs.EINVAL
	}

	bpb := make([]byte, SECSZ)
	binary.LittleEndian.PutUint16(bpb[offBytesPerSector:], SECSZ)
	bpb[offSectorsPerCluster] = byte(spc)
	binary.LittleEndian.PutUint16(bpb[offReservedSectors:], uint16(reserved))
	bpb[offNumFats] = numFatsDefault
	binary.LittleEndian.PutUint16(bpb[offFatSize16:], 0)
	binary.LittleEndian.PutUint32(bpb[offSectorsPerFat32:], fatSize)
	binary.LittleEndian.PutUint32(bpb[offRootCluster:], rootClusterDefault)
	binary.LittleEndian.PutUint32(bpb[offTotalSectors32:], totalSectors)
	bpb[510] = 0x55
	bpb[511] = 0xAA
	if err := disk.Write_sector(partitionLba, bpb); err != nil {
		return -defs.EINVAL
	}

	zero := make([]byte, SECSZ)
	for s := uint32(1); s < dataStart; s++ {
		if err := disk.Write_sector(partitionLba+s, zero); err != nil {
			return -defs.EINVAL
		}
	}

	// root cluster's FAT entry marks end-of-chain in both FAT copies.
	fatFirstSector := partitionLba + reserved
	rootFatByte := make([]byte, SECSZ)
	binary.LittleEndian.PutUint32(rootFatByte[rootClusterDefault*4:], END_OF_CHAIN_MIN)
	binary.LittleEndian.PutUint32(rootFatByte[0:], 0x0ffffff8) // reserved entry 0
	binary.LittleEndian.PutUint32(rootFatByte[4:], 0x0fffffff) // reserved entry 1
	if err := disk.Write_sector(fatFirstSector, rootFatByte); err != nil {
		return -defs.EINVAL
	}
	if err := disk.Write_sector(fatFirstSector+fatSize, rootFatByte); err != nil {
		return -defs.EINVAL
	}

	rootLba := partitionLba + dataStart
	for s := uint32(0); s < spc; s++ {
		if err := disk.Write_sector(rootLba+s, zero); err != nil {
			return -defs.EINVAL
		}
	}
	if err := disk.Flush(); err != nil {
		return -defs.EINVAL
	}
	return 0
}

func estimateFatSize(totalSectors, reserved, spc uint32) uint32 {
	fatSize := uint32(1)
	for i := 0; i < 4; i++ {
		dataSectors := totalSectors - reserved - numFatsDefault*fatSize
		clusters := dataSectors / spc
		needed := (clusters*4 + SECSZ - 1) / SECSZ
		if needed == fatSize {
			break
		}
		fatSize = needed
	}
	if fatSize < 1 {
		fatSize = 1
	}
	return fatSize
}
