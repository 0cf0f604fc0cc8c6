// Package vfs implements the virtual filesystem dispatch layer: path
// resolution, the mount table, and operation dispatch to a node's own
// op table. memfs and fat32 both satisfy the same closed capability
// interface, so the dispatcher forwards without knowing which backend
// it is talking to.
package vfs

import (
	"strings"
	"sync"

	"oskernel/defs"
	"oskernel/stat"
)

/// Flag_t is the set of flags a VFS node carries.
type Flag_t uint

const (
	FILE Flag_t = 1 << iota
	DIRECTORY
	MOUNTPOINT
)

/// Node is the closed capability set every filesystem implementation
// (memfs, fat32) satisfies.
type Node interface {
	Name() string
	Flags() Flag_t
	Stat(st *stat.Stat_t) defs.Err_t

	Read(dst []uint8, offset int) (int, defs.Err_t)
	Write(src []uint8, offset int) (int, defs.Err_t)
	Readdir(idx int) (name string, ok bool, err defs.Err_t)
	Finddir(name string) (Node, defs.Err_t)
	Create(name string, dir bool) (Node, defs.Err_t)
	Unlink(name string) defs.Err_t
	Open() defs.Err_t
	Close() defs.Err_t

	// setMount/mount hold the root of a filesystem attached here by
	// Mount/Unmount; lookup switches to it when it crosses this node.
	setMount(root Node)
	mount() Node
}

/// BaseNode gives a concrete Node implementation the mount-point
// back-pointer plumbing for free; memfs and fat32 embed it.
type BaseNode struct {
	mountedRoot Node
}

func (b *BaseNode) setMount(root Node) { b.mountedRoot = root }
func (b *BaseNode) mount() Node        { return b.mountedRoot }

type mountEntry struct {
	path       string
	mountPoint Node
	fsRoot     Node
}

/// Vfs_t is the VFS dispatcher singleton.
type Vfs_t struct {
	sync.RWMutex
	root   Node
	mounts []mountEntry
}

/// Inst is the system-wide VFS dispatcher.
var Inst = &Vfs_t{}

/// Init resets the dispatcher to a fresh, unmounted state.
func Init() {
	Inst.Lock()
	defer Inst.Unlock()
	Inst.root = nil
	Inst.mounts = nil
}

/// Set_root installs root as the filesystem root node.
func Set_root(root Node) {
	Inst.Lock()
	defer Inst.Unlock()
	Inst.root = root
}

func clean(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

/// Mount installs fsRoot at path, provided path resolves to a directory
// and is not already mounted.
func Mount(path string, fsRoot Node) defs.Err_t {
	Inst.Lock()
	defer Inst.Unlock()
	for _, m := range Inst.mounts {
		if m.path == path {
			return -defs.EEXIST
		}
	}
	mp, err := lookupLocked(path)
	if err != 0 {
		return err
	}
	if mp.Flags()&DIRECTORY == 0 {
		return -defs.ENOTDIR
	}
	mp.setMount(fsRoot)
	Inst.mounts = append(Inst.mounts, mountEntry{path: path, mountPoint: mp, fsRoot: fsRoot})
	return 0
}

/// Unmount removes the mount at path, clearing its back-pointer.
func Unmount(path string) defs.Err_t {
	Inst.Lock()
	defer Inst.Unlock()
	for i, m := range Inst.mounts {
		if m.path == path {
			m.mountPoint.setMount(nil)
			Inst.mounts = append(Inst.mounts[:i], Inst.mounts[i+1:]...)
			return 0
		}
	}
	return -defs.ENOTFOUND
}

/// Lookup resolves path from the root, honoring "." and ".." (the latter
// follows parent without crossing above the root) and transparently
// switching into a mounted filesystem's namespace when a node with a
// filesystem mounted on it is crossed.
func Lookup(path string) (Node, defs.Err_t) {
	Inst.RLock()
	defer Inst.RUnlock()
	return lookupLocked(path)
}

func lookupLocked(path string) (Node, defs.Err_t) {
	if Inst.root == nil {
		return nil, -defs.ENOTFOUND
	}
	cur := Inst.root
	comps := clean(path)
	// stack of nodes visited so far, for ".." resolution; ".." at the
	// root stays at the root. Crossing a mountpoint pushes the mounted
	// root, so ".." from it returns to the mountpoint's parent.
	stack := []Node{Inst.root}
	for _, c := range comps {
		switch c {
		case ".":
			continue
		case "..":
			if len(stack) > 1 {
				stack = stack[:len(stack)-1]
				cur = stack[len(stack)-1]
			}
			continue
		}
		child, err := cur.Finddir(c)
		if err != 0 {
			return nil, err
		}
		if m := child.mount(); m != nil {
			child = m
		}
		cur = child
		stack = append(stack, cur)
	}
	return cur, 0
}

/// Read forwards to the resolved node's op table.
func Read(path string, dst []uint8, offset int) (int, defs.Err_t) {
	n, err := Lookup(path)
	if err != 0 {
		return 0, err
	}
	return n.Read(dst, offset)
}

/// Write forwards to the resolved node's op table.
func Write(path string, src []uint8, offset int) (int, defs.Err_t) {
	n, err := Lookup(path)
	if err != 0 {
		return 0, err
	}
	return n.Write(src, offset)
}

/// Append writes src at the node's current length.
func Append(path string, src []uint8) (int, defs.Err_t) {
	n, err := Lookup(path)
	if err != 0 {
		return 0, err
	}
	var st stat.Stat_t
	if err := n.Stat(&st); err != 0 {
		return 0, err
	}
	return n.Write(src, int(st.Size()))
}

/// Truncate issues Write(nil, 0) on the resolved node. Neither memfs nor
// fat32 shortens a file on a zero-length write, so the file's length is
// unchanged.
func Truncate(path string) defs.Err_t {
	n, err := Lookup(path)
	if err != 0 {
		return err
	}
	_, err = n.Write(nil, 0)
	return err
}

/// Open forwards to the resolved node.
func Open(path string) (Node, defs.Err_t) {
	n, err := Lookup(path)
	if err != 0 {
		return nil, err
	}
	if err := n.Open(); err != 0 {
		return nil, err
	}
	return n, 0
}

/// Close forwards to n.
func Close(n Node) defs.Err_t {
	return n.Close()
}

/// Readdir forwards to the resolved directory node.
func Readdir(path string, idx int) (string, bool, defs.Err_t) {
	n, err := Lookup(path)
	if err != 0 {
		return "", false, err
	}
	return n.Readdir(idx)
}

/// Finddir forwards to the resolved directory node.
func Finddir(path, name string) (Node, defs.Err_t) {
	n, err := Lookup(path)
	if err != 0 {
		return nil, err
	}
	return n.Finddir(name)
}

/// Create forwards to the resolved parent directory node.
func Create(dirpath, name string, isdir bool) (Node, defs.Err_t) {
	n, err := Lookup(dirpath)
	if err != 0 {
		return nil, err
	}
	return n.Create(name, isdir)
}

/// Unlink forwards to the resolved parent directory node.
func Unlink(dirpath, name string) defs.Err_t {
	n, err := Lookup(dirpath)
	if err != 0 {
		return err
	}
	return n.Unlink(name)
}
