package fat32

import (
	"testing"

	"github.com/stretchr/testify/require"

	"oskernel/defs"
)

// memDisk is a Disk_i backed entirely by memory, used so format/mount
// round-trip tests don't need a host file.
type memDisk struct {
	sectors map[uint32][SECSZ]byte
}

func newMemDisk() *memDisk {
	return &memDisk{sectors: make(map[uint32][SECSZ]byte)}
}

func (d *memDisk) Read_sector(lba uint32, buf []byte) error {
	s := d.sectors[lba]
	copy(buf, s[:])
	return nil
}

func (d *memDisk) Write_sector(lba uint32, buf []byte) error {
	var s [SECSZ]byte
	copy(s[:], buf)
	d.sectors[lba] = s
	return nil
}

func (d *memDisk) Flush() error { return nil }

func TestFormatThenMount(t *testing.T) {
	disk := newMemDisk()
	const partitionLba = 2048
	const totalSectors = 8192 // 4 MiB partition

	err := Format(disk, partitionLba, totalSectors, "TESTVOL")
	require.Equal(t, defs.ENONE, err)

	vol, merr := Mount(disk, partitionLba, 0)
	require.Equal(t, defs.ENONE, merr)
	require.NotNil(t, vol)
	require.Equal(t, uint32(rootClusterDefault), vol.RootCluster)
}

func TestFormatRejectsUndersizedPartition(t *testing.T) {
	disk := newMemDisk()
	err := Format(disk, 2048, 10, "TINY")
	require.NotEqual(t, defs.ENONE, err)
}
