// Package trap owns the interrupt descriptor table: exception/IRQ
// demultiplexing, handler registry, and the three software-trap vectors.
// IRQ-posted work can drain through circbuf ring buffers (IrqRing_t): a
// handler that posts to one does no more than write a ring slot.
package trap

import (
	"fmt"
	"sync"

	"oskernel/circbuf"
	"oskernel/klog"
)

/// Vector numbers.
const (
	VEC_DIVIDE  = 0
	VEC_PAGEFLT = 14
	VEC_IRQ0    = 32
	VEC_IRQ15   = 47
	VEC_SYSCALL = 48 // user-callable syscall gate
	VEC_KSERV   = 49 // driver-ring "kernel service request"
	VEC_DRVRET  = 50 // driver-ring "return to kernel from driver"
)

/// Trapframe_t is the common register/selector frame the low-level stub
// saves before invoking a handler.
type Trapframe_t struct {
	Vector   int
	Errcode  uint
	Eax, Ebx, Ecx, Edx uint32
	Esi, Edi, Ebp, Esp uint32
	Eip, Eflags        uint32
	Cs, Ds, Es, Ss     uint16
	FaultAddr          uintptr // valid for VEC_PAGEFLT
}

/// ExceptionHandler handles CPU exceptions 0-31.
type ExceptionHandler func(tf *Trapframe_t)

/// IRQHandler handles hardware IRQs; it must send EOI itself via Eoi.
type IRQHandler func(tf *Trapframe_t)

/// SoftHandler handles one of the three software-trap vectors.
type SoftHandler func(tf *Trapframe_t)

type dispatch_t struct {
	sync.Mutex
	exceptions map[int]ExceptionHandler
	irqs       map[int]IRQHandler
	soft       map[int]SoftHandler
	eoiCount   int
}

var d = &dispatch_t{
	exceptions: make(map[int]ExceptionHandler),
	irqs:       make(map[int]IRQHandler),
	soft:       make(map[int]SoftHandler),
}

/// Register_exception installs a handler for a CPU exception vector.
func Register_exception(vec int, h ExceptionHandler) {
	d.Lock()
	defer d.Unlock()
	d.exceptions[vec] = h
}

/// Register_irq installs a handler for a hardware IRQ vector.
func Register_irq(vec int, h IRQHandler) {
	d.Lock()
	defer d.Unlock()
	d.irqs[vec] = h
}

/// Register_soft installs a handler for one of the three software-trap
// vectors (syscall gate, kernel-service, driver-return).
func Register_soft(vec int, h SoftHandler) {
	d.Lock()
	defer d.Unlock()
	d.soft[vec] = h
}

/// Eoi acknowledges the interrupt to the active interrupt controller.
// IRQ handlers must call this.
func Eoi() {
	d.Lock()
	d.eoiCount++
	d.Unlock()
}

/// Dispatch is the common low-level stub's entry point once it has saved
// the trap frame: it routes to the exception, IRQ, or software-vector
// handler as appropriate. Unregistered exceptions panic with a register
// dump and stack trace; unregistered IRQs are acknowledged silently.
func Dispatch(tf *Trapframe_t) {
	switch {
	case tf.Vector < VEC_IRQ0:
		d.Lock()
		h, ok := d.exceptions[tf.Vector]
		d.Unlock()
		if !ok {
			klog.Panic(fmt.Sprintf("unregistered exception vector %d", tf.Vector), map[string]interface{}{
				"eip": tf.Eip, "esp": tf.Esp, "errcode": tf.Errcode,
			})
			return
		}
		h(tf)
	case tf.Vector >= VEC_IRQ0 && tf.Vector <= VEC_IRQ15:
		d.Lock()
		h, ok := d.irqs[tf.Vector]
		d.Unlock()
		if !ok {
			Eoi()
			return
		}
		h(tf)
	default:
		d.Lock()
		h, ok := d.soft[tf.Vector]
		d.Unlock()
		if !ok {
			klog.L().WithField("vector", tf.Vector).Warn("trap: unregistered software vector")
			return
		}
		h(tf)
	}
}

/// IrqRing_t is a single-producer single-consumer ring buffer an IRQ
// handler posts raw event bytes into; a main loop drains it outside
// interrupt context.
type IrqRing_t struct {
	cb circbuf.Circbuf_t
}

/// NewIrqRing allocates a ring of the given byte capacity.
func NewIrqRing(capacity int) *IrqRing_t {
	r := &IrqRing_t{}
	r.cb.Cb_init(capacity)
	return r
}

/// Post is called from interrupt context: it writes one record and
// advances the head counter, nothing more.
func (r *IrqRing_t) Post(rec []byte) int {
	return r.cb.Copyin(rec)
}

/// Drain is called from the main loop: it copies out up to len(dst)
// bytes of posted records.
func (r *IrqRing_t) Drain(dst []byte) int {
	return r.cb.Copyout(dst)
}
