// Package limits tracks system-wide resource ceilings for this core:
// processes, open descriptors, VMA regions, driver domains, and FAT32
// directory-cache entries.
package limits

import "unsafe"
import "sync/atomic"

/// Lhits counts limit hits.
var Lhits int

/// Sysatomic_t is a numeric limit that can be atomically updated.
type Sysatomic_t int64

/// Syslimit_t tracks system wide resource limits.
type Syslimit_t struct {
	// live process-table entries
	Sysprocs Sysatomic_t
	// protected by the VFS mount-table lock; cached vnodes across all
	// mounted filesystems (memfs + fat32)
	Vnodes int
	// open file descriptors, summed across all processes
	Fds Sysatomic_t
	// VMA regions, summed across all address spaces
	Vmas Sysatomic_t
	// isolated driver domains
	Domains Sysatomic_t
	// FAT32 directory-cache entries (hashtable-backed)
	Dirents Sysatomic_t
	// scheduler tasks, summed across all processes
	Tasks Sysatomic_t
	// bdev (FAT32 volume) blocks read/written
	Blocks int
}

/// Syslimit describes the configured system wide limits.
var Syslimit *Syslimit_t = MkSysLimit()

/// MkSysLimit returns a pointer to the default set of limits.
func MkSysLimit() *Syslimit_t {
	return &Syslimit_t{
		Sysprocs: 4096,
		Vnodes:   20000,
		Fds:      65536,
		Vmas:     1 << 16,
		Domains:  64,
		Dirents:  1 << 15,
		Tasks:    8192,
		Blocks:   100000,
	}
}

func (s *Sysatomic_t) _aptr() *int64 {
	return (*int64)(unsafe.Pointer(s))
}

/// Given increases the limit by the provided amount.
func (s *Sysatomic_t) Given(_n uint) {
	n := int64(_n)
	if n < 0 {
		panic("too mighty")
	}
	atomic.AddInt64(s._aptr(), n)
}

/// Taken tries to decrement the limit by the provided amount.
/// It returns true on success.
func (s *Sysatomic_t) Taken(_n uint) bool {
	n := int64(_n)
	if n < 0 {
		panic("too mighty")
	}
	g := atomic.AddInt64(s._aptr(), -n)
	if g >= 0 {
		return true
	}
	atomic.AddInt64(s._aptr(), n)
	return false
}

/// Take decrements the limit and reports whether it succeeded.
func (s *Sysatomic_t) Take() bool {
	return s.Taken(1)
}

/// Give increments the limit by one.
func (s *Sysatomic_t) Give() {
	s.Given(1)
}
