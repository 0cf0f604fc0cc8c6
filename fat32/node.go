// node.go adapts a FAT32 directory-cluster entry to the vfs.Node
// capability set. A node carries the volume, the cluster it resides in,
// its own starting cluster, size and attribute byte. readdir caches the
// last directory listing per (volume, cluster); the cache is invalidated
// on any write to that directory. DirCache is string-keyed hashtable
// storage with golang.org/x/sync/singleflight collapsing concurrent
// readdir misses on the same key into one disk walk.
package fat32

import (
	"fmt"

	"golang.org/x/sync/singleflight"

	"oskernel/defs"
	"oskernel/hashtable"
	"oskernel/limits"
	"oskernel/stat"
	"oskernel/vfs"
)

/// DirCache caches the last directory listing per (volume, cluster).
type DirCache struct {
	ht    *hashtable.Hashtable_t
	group singleflight.Group
}

/// NewDirCache returns an empty cache.
func NewDirCache() *DirCache {
	return &DirCache{ht: hashtable.MkHash(64)}
}

func cacheKey(v *Volume_t, cluster uint32) string {
	return fmt.Sprintf("%p:%d", v, cluster)
}

/// Listing returns the (possibly cached) decoded directory entries for
// dirCluster, deduping concurrent misses on the same key.
func (v *Volume_t) Listing(dirCluster uint32) ([]Dirent_t, defs.Err_t) {
	key := cacheKey(v, dirCluster)
	if cached, ok := v.cache.ht.Get(key); ok {
		return cached.([]Dirent_t), 0
	}
	res, err, _ := v.cache.group.Do(key, func() (interface{}, error) {
		var out []Dirent_t
		e := v.List_directory_lfn(dirCluster, func(d Dirent_t) bool {
			out = append(out, d)
			return true
		})
		if e != 0 {
			return nil, fmt.Errorf("fat32 list: %v", e)
		}
		if limits.Syslimit.Dirents.Take() {
			v.cache.ht.Set(key, out)
		}
		return out, nil
	})
	if err != nil {
		return nil, -defs.EINVAL
	}
	return res.([]Dirent_t), 0
}

// invalidate drops any cached listing for (v, cluster); called after any
// write that changes cluster's directory contents.
func (v *Volume_t) invalidate(cluster uint32) {
	key := cacheKey(v, cluster)
	if _, ok := v.cache.ht.Get(key); ok {
		v.cache.ht.Del(key)
		limits.Syslimit.Dirents.Give()
	}
}

/// Node_t adapts one FAT32 directory entry to vfs.Node.
type Node_t struct {
	vfs.BaseNode
	Vol         *Volume_t
	DirCluster  uint32 // the directory this entry lives in
	name        string
	Cluster     uint32
	FileSize    uint32
	Attr        uint8
}

/// NewNode wraps a decoded directory entry as a vfs.Node.
func NewNode(vol *Volume_t, dirCluster uint32, d Dirent_t) *Node_t {
	return &Node_t{Vol: vol, DirCluster: dirCluster, name: d.Name, Cluster: d.Cluster, FileSize: d.Size, Attr: d.Attr}
}

func (n *Node_t) Name() string { return n.name }

func (n *Node_t) Flags() vfs.Flag_t {
	if n.Attr&ATTR_DIRECTORY != 0 {
		return vfs.DIRECTORY
	}
	return vfs.FILE
}

func (n *Node_t) Stat(st *stat.Stat_t) defs.Err_t {
	st.Wsize(uint(n.FileSize))
	mode := uint(0644)
	if n.Attr&ATTR_DIRECTORY != 0 {
		mode = 0755
	}
	st.Wmode(mode)
	st.Wperms(mode)
	return 0
}

func (n *Node_t) Read(dst []uint8, offset int) (int, defs.Err_t) {
	if n.Attr&ATTR_DIRECTORY != 0 {
		return 0, -defs.EISDIR
	}
	return n.Vol.Read_file(n.Cluster, n.FileSize, offset, len(dst), dst)
}

func (n *Node_t) Write(src []uint8, offset int) (int, defs.Err_t) {
	if n.Attr&ATTR_DIRECTORY != 0 {
		return 0, -defs.EISDIR
	}
	w, err := n.Vol.Write_file(&n.Cluster, &n.FileSize, offset, len(src), src)
	if err == 0 {
		n.Vol.invalidate(n.DirCluster)
	}
	return w, err
}

func (n *Node_t) Readdir(idx int) (string, bool, defs.Err_t) {
	if n.Attr&ATTR_DIRECTORY == 0 {
		return "", false, -defs.ENOTDIR
	}
	ents, err := n.Vol.Listing(n.Cluster)
	if err != 0 {
		return "", false, err
	}
	if idx < 0 || idx >= len(ents) {
		return "", false, 0
	}
	return ents[idx].Name, true, 0
}

func (n *Node_t) Finddir(name string) (vfs.Node, defs.Err_t) {
	if n.Attr&ATTR_DIRECTORY == 0 {
		return nil, -defs.ENOTDIR
	}
	d, err := n.Vol.Find_entry(n.Cluster, name)
	if err != 0 {
		return nil, err
	}
	return NewNode(n.Vol, n.Cluster, d), 0
}

func (n *Node_t) Create(name string, isdir bool) (vfs.Node, defs.Err_t) {
	if n.Attr&ATTR_DIRECTORY == 0 {
		return nil, -defs.ENOTDIR
	}
	if _, err := n.Vol.Find_entry(n.Cluster, name); err == 0 {
		return nil, -defs.EEXIST
	}
	attr := uint8(ATTR_ARCHIVE)
	if isdir {
		attr = ATTR_DIRECTORY
	}
	cluster, err := n.Vol.Create_entry(n.Cluster, name, attr)
	if err != 0 {
		return nil, err
	}
	n.Vol.invalidate(n.Cluster)
	return NewNode(n.Vol, n.Cluster, Dirent_t{Name: name, Attr: attr, Cluster: cluster}), 0
}

func (n *Node_t) Unlink(name string) defs.Err_t {
	if n.Attr&ATTR_DIRECTORY == 0 {
		return -defs.ENOTDIR
	}
	err := n.Vol.Unlink(n.Cluster, name)
	if err == 0 {
		n.Vol.invalidate(n.Cluster)
	}
	return err
}

func (n *Node_t) Open() defs.Err_t  { return 0 }
func (n *Node_t) Close() defs.Err_t { return 0 }

/// Root returns the vfs.Node for the volume's root directory.
func (v *Volume_t) Root() vfs.Node {
	return NewNode(v, v.RootCluster, Dirent_t{Name: "/", Attr: ATTR_DIRECTORY, Cluster: v.RootCluster})
}
