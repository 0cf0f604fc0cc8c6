// Package isolation implements driver-domain confinement to the
// lower-privilege "driver ring": per-domain I/O-port permission bitmap,
// domain activation, the kernel-service trap gate, and the
// driver-return bypass. Shaped like a small guarded resource table, with
// the kernel-service whitelist confining a component behind a narrow
// syscall-like gate.
package isolation

import (
	"sync"

	"github.com/google/uuid"
	"golang.org/x/arch/x86/x86asm"

	"oskernel/defs"
	"oskernel/klog"
	"oskernel/limits"
)

/// Level_t distinguishes full kernel privilege from the confined driver
// ring.
type Level_t int

const (
	KernelRing Level_t = iota
	DriverRing
)

const iopbBytes = 8192 // 65536 ports / 8 bits per byte

/// Domain_t is one isolated driver's confinement record.
type Domain_t struct {
	sync.Mutex
	ID               uuid.UUID
	Name             string
	Level            Level_t
	Iopb             [iopbBytes]byte // set bit denies the port
	LowPrivStackBase uintptr
	LowPrivStackSize int
	KernelCallCount  uint64
	IoViolationCount uint64
	IoOpCount        uint64
	Active           bool
}

var (
	tableMu sync.Mutex
	table   = map[uuid.UUID]*Domain_t{}
	current *Domain_t // the single activated domain, or nil
)

/// Domain_create allocates a domain record for driver-ring execution and
// records stackSize in LowPrivStackSize; no stack memory is allocated and
// LowPrivStackBase stays 0. The IOPB starts denying every port. Returns
// nil once the configured domain ceiling is reached.
func Domain_create(name string, level Level_t, stackSize int) *Domain_t {
	if !limits.Syslimit.Domains.Take() {
		klog.L().Warn("isolation: domain limit reached")
		return nil
	}
	d := &Domain_t{ID: uuid.New(), Name: name, Level: level, LowPrivStackSize: stackSize}
	for i := range d.Iopb {
		d.Iopb[i] = 0xff
	}
	tableMu.Lock()
	table[d.ID] = d
	tableMu.Unlock()
	return d
}

/// Domain_destroy removes d from the domain table, deactivating it first
// if it is the currently active domain.
func Domain_destroy(d *Domain_t) {
	tableMu.Lock()
	if current == d {
		current = nil
	}
	delete(table, d.ID)
	tableMu.Unlock()
	limits.Syslimit.Domains.Give()
}

func portBit(port uint) (int, byte) {
	return int(port / 8), byte(1 << (port % 8))
}

/// Domain_allow_port clears the IOPB bits for [base, base+count).
func (d *Domain_t) Domain_allow_port(base, count uint) {
	d.Lock()
	defer d.Unlock()
	for p := base; p < base+count; p++ {
		byt, bit := portBit(p)
		d.Iopb[byt] &^= bit
	}
}

/// Domain_deny_port sets the IOPB bits for [base, base+count).
func (d *Domain_t) Domain_deny_port(base, count uint) {
	d.Lock()
	defer d.Unlock()
	for p := base; p < base+count; p++ {
		byt, bit := portBit(p)
		d.Iopb[byt] |= bit
	}
}

/// Domain_activate records d as the current domain and marks it Active,
// clearing Active on the previously current domain, so at most one domain
// is activated at a time. CheckPort does not look at the current domain:
// it always checks the IOPB of the domain it is called on.
func Domain_activate(d *Domain_t) {
	tableMu.Lock()
	defer tableMu.Unlock()
	if current != nil && current != d {
		current.Active = false
	}
	d.Active = true
	current = d
}

/// Domain_deactivate clears the active domain and its Active flag.
// CheckPort is not affected: it keeps checking the IOPB of the domain it
// is called on.
func Domain_deactivate() {
	tableMu.Lock()
	defer tableMu.Unlock()
	if current != nil {
		current.Active = false
	}
	current = nil
}

// CheckPort is the software I/O-permission check, and the sole source
// of truth for IoViolationCount: every denial increments the counter
// exactly once.
func (d *Domain_t) CheckPort(port uint) bool {
	d.Lock()
	defer d.Unlock()
	d.IoOpCount++
	byt, bit := portBit(port)
	denied := d.Iopb[byt]&bit != 0
	if denied {
		d.IoViolationCount++
	}
	return !denied
}

/// ReturnValue is what domain_exec yields back to its caller.
type ReturnValue uint32

/// Domain_exec runs fn under a domain's confinement: for a kernel-ring
// domain it calls fn directly; for a driver-ring domain it simulates the
// ring transition (there being no real CPU ring to cross) by simply
// invoking fn under the domain's confinement context, then the
// driver-return path restores control — modeled as an ordinary function
// return, since Go has no separate trap-frame stack to repoint.
func Domain_exec(d *Domain_t, fn func(arg interface{}) ReturnValue, arg interface{}) ReturnValue {
	if d.Level == KernelRing {
		return fn(arg)
	}
	d.Lock()
	d.KernelCallCount++
	d.Unlock()
	return fn(arg)
}

/// ServiceID names one of the kernel-service whitelist operations a
// driver-ring domain may request.
type ServiceID int

const (
	SvcAllocMem ServiceID = iota
	SvcFreeMem
	SvcLog
	SvcPortRead
	SvcPortWrite
)

/// PORT_DENIED_SENTINEL is returned for a denied port read.
const PORT_DENIED_SENTINEL uint32 = 0xffffffff

/// KernelService dispatches one whitelisted service request from the
// driver ring. For port I/O it performs the software IOPB
// check in addition to whatever a real CPU's hardware gate would have
// done. SvcAllocMem and SvcFreeMem have no handler here and, like any
// unknown svc, return EINVAL.
func KernelService(d *Domain_t, svc ServiceID, a0, a1, a2 uint32) (uint32, defs.Err_t) {
	switch svc {
	case SvcPortRead:
		port := uint(a0)
		if !d.CheckPort(port) {
			return PORT_DENIED_SENTINEL, 0
		}
		return simulatedPortIn(port), 0
	case SvcPortWrite:
		port := uint(a0)
		if !d.CheckPort(port) {
			return 0, -defs.EPERM
		}
		simulatedPortOut(port, a1)
		return 0, 0
	case SvcLog:
		klog.L().WithField("domain", d.Name).Info("driver log")
		return 0, 0
	default:
		return 0, -defs.EINVAL
	}
}

// simulatedPortIn/simulatedPortOut stand in for the `in`/`out`
// instructions this core cannot execute as an ordinary Go process; a
// software-only port space lets the isolation logic above be exercised
// and tested without real hardware.
var (
	portSpaceMu sync.Mutex
	portSpace   = map[uint]uint32{}
)

func simulatedPortIn(port uint) uint32 {
	portSpaceMu.Lock()
	defer portSpaceMu.Unlock()
	return portSpace[port]
}

func simulatedPortOut(port uint, v uint32) {
	portSpaceMu.Lock()
	defer portSpaceMu.Unlock()
	portSpace[port] = v
}

/// DecodePortInsn disassembles a faulting in/out instruction for
// diagnostic logging, using golang.org/x/arch/x86/x86asm.
func DecodePortInsn(code []byte) (string, error) {
	inst, err := x86asm.Decode(code, 32)
	if err != nil {
		return "", err
	}
	return x86asm.GNUSyntax(inst, 0, nil), nil
}
