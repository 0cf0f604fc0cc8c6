// lfn.go adds long-filename support on top of the 8.3 directory scan: a
// pre-pass accumulates LFN fragments before consuming the adjacent 8.3
// entry. Fragments are UTF-16LE, decoded with
// golang.org/x/text/encoding/unicode. The reconstructed name is attached
// to the Dirent_t's LFN field; find_entry/list_directory's primary
// contract is unchanged — callers that ignore LFN see the same 8.3 name
// as before.
package fat32

import (
	"strings"

	"golang.org/x/text/encoding/unicode"

	"oskernel/defs"
)

const lfnOrdMask = 0x1f

// lfnChars extracts the up-to-13 UTF-16LE code units held in one LFN
// directory entry's three name fragments.
func lfnChars(e []byte) []byte {
	var u16 []byte
	u16 = append(u16, e[1:11]...)  // name1: 5 UTF-16 chars
	u16 = append(u16, e[14:26]...) // name2: 6 UTF-16 chars
	u16 = append(u16, e[28:32]...) // name3: 2 UTF-16 chars
	return u16
}

func decodeUTF16LE(b []byte) (string, error) {
	dec := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder()
	out, err := dec.Bytes(b)
	if err != nil {
		return "", err
	}
	// trim trailing NUL/0xFFFF padding
	s := string(out)
	if i := strings.IndexByte(s, 0); i >= 0 {
		s = s[:i]
	}
	return s, nil
}

/// List_directory_lfn is List_directory's pre-pass variant: it
// accumulates LFN fragments preceding each 8.3 entry and attaches the
// reconstructed long name to the delivered Dirent_t.
func (v *Volume_t) List_directory_lfn(dirCluster uint32, callback func(Dirent_t) bool) defs.Err_t {
	var pending []byte // accumulated UTF-16LE bytes, highest ordinal first
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
				pending = nil
				continue
			}
			if e[11] == ATTR_LFN {
				ord := e[0] & lfnOrdMask
				frag := lfnChars(e)
				if e[0]&0x40 != 0 { // last logical LFN entry (highest ordinal) comes first on disk
					pending = make([]byte, int(ord)*26)
				}
				if len(pending) >= int(ord)*26 {
					copy(pending[(int(ord)-1)*26:], frag)
				}
				continue
			}
			if e[11]&ATTR_VOLUMEID != 0 {
				pending = nil
				continue
			}
			d := parseDirent(e)
			if len(pending) > 0 {
				if name, err := decodeUTF16LE(pending); err == nil {
					d.LFN = name
				}
				pending = nil
			}
			if !callback(d) {
				stop = true
				return false
			}
		}
		return !stop
	})
}

// lfnChecksum computes the 8.3-name checksum LFN entries carry, per the
// Microsoft FAT32 spec, unused by this core's read path but kept so a
// future create_entry_lfn has a ready-made primitive.
func lfnChecksum(raw [11]byte) byte {
	var sum byte
	for _, c := range raw {
		sum = (sum>>1 | sum<<7) + c
	}
	return sum
}
