// fat32.go implements the FAT32 cluster-chain and directory-entry
// operations over a raw block device: the locking and error-propagation
// discipline follows the same pattern as a typical block-device-backed
// filesystem driver.
package fat32

import (
	"encoding/binary"
	"strings"
	"sync"

	"oskernel/defs"
)

/// END_OF_CHAIN_MIN is the smallest 28-bit FAT entry value that marks a
// chain's end.
const END_OF_CHAIN_MIN uint32 = 0x0ffffff8

const dirEntSize = 32

// 8.3 directory entry attribute bits.
const (
	ATTR_READONLY = 0x01
	ATTR_HIDDEN   = 0x02
	ATTR_SYSTEM   = 0x04
	ATTR_VOLUMEID = 0x08
	ATTR_DIRECTORY = 0x10
	ATTR_ARCHIVE  = 0x20
	ATTR_LFN      = 0x0F
)

/// Volume_t is a mounted FAT32 volume.
type Volume_t struct {
	sync.Mutex
	Disk              Disk_i
	DriveID           int
	PartitionLba      uint32
	BytesPerSector    uint32
	SectorsPerCluster uint32
	FatStartLba       uint32
	FatSize           uint32
	DataStartLba      uint32
	RootCluster       uint32
	TotalClusters     uint32
	VolumeLabel       string

	cache *DirCache
}

func (v *Volume_t) clusterBytes() uint32 { return v.SectorsPerCluster * v.BytesPerSector }

/// Mount reads sector 0 (the BPB) and validates it, deriving
// fat_start_lba, data_start_lba, root_cluster, and total_clusters.
func Mount(disk Disk_i, partitionLba uint32, driveID int) (*Volume_t, defs.Err_t) {
	var bpb Bpb_t
	if err := disk.Read_sector(partitionLba, bpb.Data[:]); err != nil {
		return nil, -defs.EINVAL
	}
	if e := bpb.Validate(); e != 0 {
		return nil, e
	}
	v := &Volume_t{
		Disk:              disk,
		DriveID:           driveID,
		PartitionLba:      partitionLba,
		BytesPerSector:    uint32(bpb.BytesPerSector()),
		SectorsPerCluster: uint32(bpb.SectorsPerCluster()),
		FatSize:           bpb.SectorsPerFat32(),
		RootCluster:       bpb.RootCluster(),
	}
	v.FatStartLba = partitionLba + uint32(bpb.ReservedSectors())
	v.DataStartLba = v.FatStartLba + uint32(bpb.NumFats())*v.FatSize
	totalSec := bpb.TotalSectors32()
	dataSecs := totalSec - (v.DataStartLba - partitionLba)
	if v.SectorsPerCluster > 0 {
		v.TotalClusters = dataSecs / v.SectorsPerCluster
	}
	v.cache = NewDirCache()
	return v, 0
}

// clusterLba returns the first sector of cluster n:
// data_start_lba + (n - 2) * sectors_per_cluster.
func (v *Volume_t) clusterLba(n uint32) uint32 {
	return v.DataStartLba + (n-2)*v.SectorsPerCluster
}

func (v *Volume_t) fatEntryLoc(n uint32) (sector uint32, off uint32) {
	byteOff := n * 4
	return v.FatStartLba + byteOff/v.BytesPerSector, byteOff % v.BytesPerSector
}

/// Next_cluster reads the FAT sector holding entry n, extracts the
// 28-bit value, and returns 0 if the chain is exhausted.
func (v *Volume_t) Next_cluster(n uint32) (uint32, defs.Err_t) {
	sec, off := v.fatEntryLoc(n)
	buf := make([]byte, SECSZ)
	if err := v.Disk.Read_sector(sec, buf); err != nil {
		return 0, -defs.EINVAL
	}
	raw := binary.LittleEndian.Uint32(buf[off:]) & 0x0fffffff
	if raw >= END_OF_CHAIN_MIN {
		return 0, 0
	}
	return raw, 0
}

func (v *Volume_t) setFatEntry(n, val uint32) defs.Err_t {
	sec, off := v.fatEntryLoc(n)
	buf := make([]byte, SECSZ)
	if err := v.Disk.Read_sector(sec, buf); err != nil {
		return -defs.EINVAL
	}
	old := binary.LittleEndian.Uint32(buf[off:])
	new := (old & 0xf0000000) | (val & 0x0fffffff)
	binary.LittleEndian.PutUint32(buf[off:], new)
	if err := v.Disk.Write_sector(sec, buf); err != nil {
		return -defs.EINVAL
	}
	return 0
}

/// Read_cluster iterates over sectors_per_cluster sectors into buf.
// buf must be at least clusterBytes() long.
func (v *Volume_t) Read_cluster(n uint32, buf []byte) defs.Err_t {
	lba := v.clusterLba(n)
	for s := uint32(0); s < v.SectorsPerCluster; s++ {
		lo := s * v.BytesPerSector
		if err := v.Disk.Read_sector(lba+s, buf[lo:lo+v.BytesPerSector]); err != nil {
			return -defs.EINVAL
		}
	}
	return 0
}

/// Write_cluster iterates over sectors_per_cluster sectors from buf.
func (v *Volume_t) Write_cluster(n uint32, buf []byte) defs.Err_t {
	lba := v.clusterLba(n)
	for s := uint32(0); s < v.SectorsPerCluster; s++ {
		lo := s * v.BytesPerSector
		if err := v.Disk.Write_sector(lba+s, buf[lo:lo+v.BytesPerSector]); err != nil {
			return -defs.EINVAL
		}
	}
	return 0
}

/// Dirent_t is one decoded 8.3 directory entry.
type Dirent_t struct {
	Name    string // formatted 8.3 name, e.g. "TEST.TXT"
	Attr    uint8
	Cluster uint32
	Size    uint32
	LFN     string // reconstructed long name, if any LFN fragments preceded this entry
}

func decode83(raw [11]byte) string {
	base := strings.TrimRight(string(raw[0:8]), " ")
	ext := strings.TrimRight(string(raw[8:11]), " ")
	if ext == "" {
		return base
	}
	return base + "." + ext
}

func encode83(name string) [11]byte {
	var out [11]byte
	for i := range out {
		out[i] = ' '
	}
	base := name
	ext := ""
	if i := strings.LastIndex(name, "."); i >= 0 {
		base, ext = name[:i], name[i+1:]
	}
	base = strings.ToUpper(base)
	ext = strings.ToUpper(ext)
	for i := 0; i < len(base) && i < 8; i++ {
		out[i] = base[i]
	}
	for i := 0; i < len(ext) && i < 3; i++ {
		out[8+i] = ext[i]
	}
	return out
}

func parseDirent(e []byte) Dirent_t {
	var raw [11]byte
	copy(raw[:], e[0:11])
	attr := e[11]
	hi := uint32(binary.LittleEndian.Uint16(e[20:22]))
	lo := uint32(binary.LittleEndian.Uint16(e[26:28]))
	size := binary.LittleEndian.Uint32(e[28:32])
	return Dirent_t{Name: decode83(raw), Attr: attr, Cluster: hi<<16 | lo, Size: size}
}

func writeDirent(e []byte, name string, attr uint8, cluster, size uint32) {
	raw := encode83(name)
	copy(e[0:11], raw[:])
	e[11] = attr
	binary.LittleEndian.PutUint16(e[20:22], uint16(cluster>>16))
	binary.LittleEndian.PutUint16(e[26:28], uint16(cluster))
	binary.LittleEndian.PutUint32(e[28:32], size)
}

// walkChain calls fn for every cluster in start's chain until fn returns
// false or the chain ends.
func (v *Volume_t) walkChain(start uint32, fn func(cluster uint32) bool) defs.Err_t {
	cur := start
	for cur != 0 {
		if !fn(cur) {
			return 0
		}
		next, err := v.Next_cluster(cur)
		if err != 0 {
			return err
		}
		cur = next
	}
	return 0
}

/// List_directory walks dir_cluster's chain, decoding every 32-byte
// entry and delivering live ones to callback.
func (v *Volume_t) List_directory(dirCluster uint32, callback func(Dirent_t) bool) defs.Err_t {
	buf := make([]byte, v.clusterBytes())
	stop := false
	return v.walkChain(dirCluster, func(cluster uint32) bool {
		if err := v.Read_cluster(cluster, buf); err != 0 {
			return false
		}
		for off := 0; off+dirEntSize <= len(buf); off += dirEntSize {
			e := buf[off : off+dirEntSize]
			if e[0] == 0x00 {
				stop = true
				return false
			}
			if e[0] == 0xE5 {
				continue
			}
			if e[11] == ATTR_LFN || e[11]&ATTR_VOLUMEID != 0 {
				continue
			}
			d := parseDirent(e)
			if !callback(d) {
				stop = true
				return false
			}
		}
		return !stop
	})
}

/// Find_entry performs the same walk as List_directory with
// case-insensitive name comparison.
func (v *Volume_t) Find_entry(dirCluster uint32, name string) (Dirent_t, defs.Err_t) {
	var found Dirent_t
	ok := false
	uname := strings.ToUpper(name)
	err := v.List_directory(dirCluster, func(d Dirent_t) bool {
		if strings.ToUpper(d.Name) == uname {
			found = d
			ok = true
			return false
		}
		return true
	})
	if err != 0 {
		return Dirent_t{}, err
	}
	if !ok {
		return Dirent_t{}, -defs.ENOTFOUND
	}
	return found, 0
}

/// Read_file computes the starting cluster index, walks the chain that
// many steps, then copies min(remaining, cluster_bytes-in_cluster_offset)
// bytes per step until size bytes are copied or the chain ends.
func (v *Volume_t) Read_file(startCluster, fileSize uint32, offset, size int, buf []byte) (int, defs.Err_t) {
	if offset >= int(fileSize) {
		return 0, 0
	}
	if offset+size > int(fileSize) {
		size = int(fileSize) - offset
	}
	cb := int(v.clusterBytes())
	skip := offset / cb
	inoff := offset % cb
	cur := startCluster
	for i := 0; i < skip; i++ {
		n, err := v.Next_cluster(cur)
		if err != 0 || n == 0 {
			return 0, -defs.EINVAL
		}
		cur = n
	}
	cbuf := make([]byte, cb)
	copied := 0
	for copied < size && cur != 0 {
		if err := v.Read_cluster(cur, cbuf); err != 0 {
			return copied, err
		}
		n := cb - inoff
		if rem := size - copied; n > rem {
			n = rem
		}
		copy(buf[copied:copied+n], cbuf[inoff:inoff+n])
		copied += n
		inoff = 0
		if copied >= size {
			break
		}
		next, err := v.Next_cluster(cur)
		if err != 0 {
			return copied, err
		}
		cur = next
	}
	return copied, 0
}

/// Alloc_cluster scans the FAT for the first free entry (value == 0),
// writes the end-of-chain marker into it, and returns its index.
func (v *Volume_t) Alloc_cluster() (uint32, defs.Err_t) {
	for n := uint32(2); n < v.TotalClusters+2; n++ {
		sec, off := v.fatEntryLoc(n)
		buf := make([]byte, SECSZ)
		if err := v.Disk.Read_sector(sec, buf); err != nil {
			return 0, -defs.EINVAL
		}
		if binary.LittleEndian.Uint32(buf[off:])&0x0fffffff == 0 {
			if err := v.setFatEntry(n, 0x0fffffff); err != 0 {
				return 0, err
			}
			return n, 0
		}
	}
	return 0, -defs.ENOSPC
}

/// Write_file walks to the cluster for offset, extending the chain with
// freshly allocated clusters as needed, copying at most
// cluster_bytes-in_cluster_offset per step, updating file_size if the
// write extended it.
func (v *Volume_t) Write_file(startCluster, fileSize *uint32, offset, size int, buf []byte) (int, defs.Err_t) {
	cb := int(v.clusterBytes())
	if *startCluster == 0 {
		nc, err := v.Alloc_cluster()
		if err != 0 {
			return 0, err
		}
		*startCluster = nc
	}
	skip := offset / cb
	inoff := offset % cb
	cur := *startCluster
	for i := 0; i < skip; i++ {
		n, err := v.Next_cluster(cur)
		if err != 0 {
			return 0, err
		}
		if n == 0 {
			nc, err := v.Alloc_cluster()
			if err != 0 {
				return 0, err
			}
			if err := v.setFatEntry(cur, nc); err != 0 {
				return 0, err
			}
			n = nc
		}
		cur = n
	}
	cbuf := make([]byte, cb)
	written := 0
	for written < size {
		n := cb - inoff
		if rem := size - written; n > rem {
			n = rem
		}
		if n < cb {
			// partial cluster overwrite: read first
			if err := v.Read_cluster(cur, cbuf); err != 0 {
				return written, err
			}
		}
		copy(cbuf[inoff:inoff+n], buf[written:written+n])
		if err := v.Write_cluster(cur, cbuf); err != 0 {
			return written, err
		}
		written += n
		inoff = 0
		if written >= size {
			break
		}
		next, err := v.Next_cluster(cur)
		if err != 0 {
			return written, err
		}
		if next == 0 {
			nc, err := v.Alloc_cluster()
			if err != 0 {
				return written, err
			}
			if err := v.setFatEntry(cur, nc); err != 0 {
				return written, err
			}
			next = nc
		}
		cur = next
	}
	if uint32(offset+written) > *fileSize {
		*fileSize = uint32(offset + written)
	}
	return written, 0
}

/// Free_cluster_chain traverses the chain, freeing each FAT entry by
// setting it to 0.
func (v *Volume_t) Free_cluster_chain(start uint32) defs.Err_t {
	cur := start
	for cur != 0 {
		next, err := v.Next_cluster(cur)
		if err != 0 {
			return err
		}
		if err := v.setFatEntry(cur, 0); err != 0 {
			return err
		}
		cur = next
	}
	return 0
}

/// Create_entry scans for the first free directory slot in the chain,
// extending the directory with a new cluster if needed; converts name to
// 8.3; if attr names a directory, allocates one zeroed cluster for it.
func (v *Volume_t) Create_entry(dirCluster uint32, name string, attr uint8) (uint32, defs.Err_t) {
	cb := int(v.clusterBytes())
	buf := make([]byte, cb)
	cur := dirCluster
	var lastCluster uint32
	for {
		if err := v.Read_cluster(cur, buf); err != 0 {
			return 0, err
		}
		for off := 0; off+dirEntSize <= len(buf); off += dirEntSize {
			e := buf[off : off+dirEntSize]
			if e[0] == 0x00 || e[0] == 0xE5 {
				var fileCluster uint32
				if attr&ATTR_DIRECTORY != 0 {
					nc, err := v.Alloc_cluster()
					if err != 0 {
						return 0, err
					}
					zero := make([]byte, cb)
					if err := v.Write_cluster(nc, zero); err != 0 {
						return 0, err
					}
					fileCluster = nc
				}
				writeDirent(e, name, attr, fileCluster, 0)
				if err := v.Write_cluster(cur, buf); err != 0 {
					return 0, err
				}
				return fileCluster, 0
			}
		}
		lastCluster = cur
		next, err := v.Next_cluster(cur)
		if err != 0 {
			return 0, err
		}
		if next == 0 {
			nc, err := v.Alloc_cluster()
			if err != 0 {
				return 0, err
			}
			if err := v.setFatEntry(lastCluster, nc); err != 0 {
				return 0, err
			}
			zero := make([]byte, cb)
			if err := v.Write_cluster(nc, zero); err != 0 {
				return 0, err
			}
			next = nc
		}
		cur = next
	}
}

/// Unlink frees the cluster chain, then marks the directory slot deleted
// (name[0] := 0xE5).
func (v *Volume_t) Unlink(dirCluster uint32, name string) defs.Err_t {
	d, err := v.Find_entry(dirCluster, name)
	if err != 0 {
		return err
	}
	if d.Cluster != 0 {
		if err := v.Free_cluster_chain(d.Cluster); err != 0 {
			return err
		}
	}
	cb := int(v.clusterBytes())
	buf := make([]byte, cb)
	uname := strings.ToUpper(name)
	return v.walkChain(dirCluster, func(cluster uint32) bool {
		if err := v.Read_cluster(cluster, buf); err != 0 {
			return false
		}
		for off := 0; off+dirEntSize <= len(buf); off += dirEntSize {
			e := buf[off : off+dirEntSize]
			if e[0] == 0x00 {
				return false
			}
			if e[0] == 0xE5 || e[11] == ATTR_LFN {
				continue
			}
			if strings.ToUpper(decode83([11]byte(e[0:11]))) == uname {
				e[0] = 0xE5
				v.Write_cluster(cluster, buf)
				return false
			}
		}
		return true
	})
}
