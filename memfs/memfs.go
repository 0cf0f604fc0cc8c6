// Package memfs is the reference in-memory filesystem implementation of
// the vfs.Node capability set: files as expandable byte buffers,
// directories as a growable child array, backing "/", "/tmp", "/proc"
// scaffolding as a pure RAM tree.
package memfs

import (
	"sync"
	"sync/atomic"
	"time"

	"oskernel/defs"
	"oskernel/stat"
	"oskernel/vfs"
)

const maxFileSize = 16 << 20 // per-node maximum, bounding unbridled growth

var inodeCounter int64

func nextInode() uint {
	return uint(atomic.AddInt64(&inodeCounter, 1))
}

/// Node_t is one memfs node: a file (Data valid) or a directory
// (Children valid), never both.
type Node_t struct {
	vfs.BaseNode
	mu       sync.Mutex
	name     string
	isdir    bool
	ino      uint
	data     []byte
	children []*Node_t
	atime    time.Time
	mtime    time.Time
	ctime    time.Time
	opened   bool
}

/// NewDir constructs an empty directory node named name.
func NewDir(name string) *Node_t {
	now := time.Now()
	return &Node_t{name: name, isdir: true, ino: nextInode(), atime: now, mtime: now, ctime: now}
}

/// NewFile constructs an empty file node named name.
func NewFile(name string) *Node_t {
	now := time.Now()
	return &Node_t{name: name, isdir: false, ino: nextInode(), atime: now, mtime: now, ctime: now}
}

func (n *Node_t) Name() string { return n.name }

func (n *Node_t) Flags() vfs.Flag_t {
	if n.isdir {
		return vfs.DIRECTORY
	}
	return vfs.FILE
}

/// Stat fills st with this node's attributes.
func (n *Node_t) Stat(st *stat.Stat_t) defs.Err_t {
	n.mu.Lock()
	defer n.mu.Unlock()
	st.Wino(n.ino)
	st.Wsize(uint(len(n.data)))
	mode := uint(0644)
	if n.isdir {
		mode = 0755
	}
	st.Wmode(mode)
	st.Wperms(mode)
	st.Wmtime(uint(n.mtime.Unix()), uint(n.mtime.Nanosecond()))
	st.Watime(uint(n.atime.Unix()), uint(n.atime.Nanosecond()))
	st.Wctime(uint(n.ctime.Unix()), uint(n.ctime.Nanosecond()))
	return 0
}

/// Read copies from [offset, offset+len(dst)), clipped to length, and
// updates atime.
func (n *Node_t) Read(dst []uint8, offset int) (int, defs.Err_t) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.isdir {
		return 0, -defs.EISDIR
	}
	if offset >= len(n.data) {
		return 0, 0
	}
	c := copy(dst, n.data[offset:])
	n.atime = time.Now()
	return c, 0
}

/// Write grows the buffer as needed, bounded by maxFileSize, and updates
// length and mtime.
func (n *Node_t) Write(src []uint8, offset int) (int, defs.Err_t) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.isdir {
		return 0, -defs.EISDIR
	}
	end := offset + len(src)
	if end > maxFileSize {
		return 0, -defs.ENOSPC
	}
	if end > len(n.data) {
		grown := make([]byte, end)
		copy(grown, n.data)
		n.data = grown
	}
	c := copy(n.data[offset:], src)
	n.mtime = time.Now()
	return c, 0
}

/// Readdir performs a linear scan, returning the idx'th child's name.
func (n *Node_t) Readdir(idx int) (string, bool, defs.Err_t) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.isdir {
		return "", false, -defs.ENOTDIR
	}
	if idx < 0 || idx >= len(n.children) {
		return "", false, 0
	}
	return n.children[idx].name, true, 0
}

/// Finddir performs a linear scan for name.
func (n *Node_t) Finddir(name string) (vfs.Node, defs.Err_t) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.isdir {
		return nil, -defs.ENOTDIR
	}
	for _, c := range n.children {
		if c.name == name {
			return c, 0
		}
	}
	return nil, -defs.ENOTFOUND
}

/// Create refuses duplicates and allocates a new child with an inherited
// operation table.
func (n *Node_t) Create(name string, isdir bool) (vfs.Node, defs.Err_t) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.isdir {
		return nil, -defs.ENOTDIR
	}
	for _, c := range n.children {
		if c.name == name {
			return nil, -defs.EEXIST
		}
	}
	var child *Node_t
	if isdir {
		child = NewDir(name)
	} else {
		child = NewFile(name)
	}
	n.children = append(n.children, child)
	n.mtime = time.Now()
	return child, 0
}

/// Unlink refuses non-empty directories, detaches and frees the child.
func (n *Node_t) Unlink(name string) defs.Err_t {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.isdir {
		return -defs.ENOTDIR
	}
	for i, c := range n.children {
		if c.name == name {
			if c.isdir && len(c.children) > 0 {
				return -defs.ENOTEMPTY
			}
			n.children = append(n.children[:i], n.children[i+1:]...)
			n.mtime = time.Now()
			return 0
		}
	}
	return -defs.ENOTFOUND
}

func (n *Node_t) Open() defs.Err_t {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.opened = true
	return 0
}

func (n *Node_t) Close() defs.Err_t {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.opened = false
	return 0
}
