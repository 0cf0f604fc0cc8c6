// Package circbuf implements a byte-addressed ring buffer. It backs the
// IRQ-posted-work queues consumed by the trap package.
package circbuf

import "oskernel/defs"

/// Circbuf_t implements a simple circular buffer used by a single consumer.
/// It is not safe for concurrent use and references no global variables.
type Circbuf_t struct {
	Buf   []uint8 /// underlying buffer backing memory
	bufsz int     /// buffer capacity in bytes
	head  int     /// write position
	tail  int     /// read position
}

/// Bufsz returns the configured buffer size.
func (cb *Circbuf_t) Bufsz() int {
	return cb.bufsz
}

/// Set provides an existing byte slice as the backing buffer.
func (cb *Circbuf_t) Set(nb []uint8) {
	cb.Buf = nb
	cb.bufsz = len(nb)
	cb.head = 0
	cb.tail = 0
}

/// Cb_init allocates a backing buffer of sz bytes.
func (cb *Circbuf_t) Cb_init(sz int) defs.Err_t {
	if sz <= 0 {
		panic("bad circbuf size")
	}
	cb.bufsz = sz
	cb.head, cb.tail = 0, 0
	cb.Buf = make([]uint8, sz)
	return 0
}

/// Cb_release drops the backing buffer.
func (cb *Circbuf_t) Cb_release() {
	cb.Buf = nil
	cb.head, cb.tail = 0, 0
}

/// Full returns true when the buffer cannot accept more data.
func (cb *Circbuf_t) Full() bool {
	return cb.head-cb.tail == cb.bufsz
}

/// Empty reports whether the buffer contains any data.
func (cb *Circbuf_t) Empty() bool {
	return cb.head == cb.tail
}

/// Left returns the remaining capacity in bytes.
func (cb *Circbuf_t) Left() int {
	used := cb.head - cb.tail
	return cb.bufsz - used
}

/// Used returns the current number of bytes in the buffer.
func (cb *Circbuf_t) Used() int {
	return cb.head - cb.tail
}

/// Copyin copies as much of src as the buffer has room for.
func (cb *Circbuf_t) Copyin(src []uint8) int {
	if cb.Buf == nil {
		panic("not initted")
	}
	if cb.Full() {
		return 0
	}
	n := len(src)
	if n > cb.Left() {
		n = cb.Left()
	}
	for i := 0; i < n; i++ {
		cb.Buf[(cb.head+i)%cb.bufsz] = src[i]
	}
	cb.head += n
	return n
}

/// Copyout copies as much of the buffered data as fits in dst, returning the
/// number of bytes copied.
func (cb *Circbuf_t) Copyout(dst []uint8) int {
	return cb.Copyout_n(dst, 0)
}

/// Copyout_n copies up to max bytes (or all available data, if max is 0)
/// into dst.
func (cb *Circbuf_t) Copyout_n(dst []uint8, max int) int {
	if cb.Buf == nil {
		panic("not initted")
	}
	if cb.Empty() {
		return 0
	}
	n := cb.Used()
	if max != 0 && max < n {
		n = max
	}
	if n > len(dst) {
		n = len(dst)
	}
	for i := 0; i < n; i++ {
		dst[i] = cb.Buf[(cb.tail+i)%cb.bufsz]
	}
	cb.tail += n
	return n
}

/// Rawwrite exposes a slice for writing directly to the buffer.
/// It returns up to two slices when the region wraps.
func (cb *Circbuf_t) Rawwrite(offset, sz int) ([]uint8, []uint8) {
	if cb.Buf == nil {
		panic("no lazy allocation")
	}
	if cb.Left() < sz {
		panic("bad size")
	}
	if sz == 0 {
		return nil, nil
	}
	oi := (cb.head + offset) % cb.bufsz
	oe := (cb.head + offset + sz) % cb.bufsz
	hi := cb.head % cb.bufsz
	ti := cb.tail % cb.bufsz
	var r1, r2 []uint8
	if ti <= hi {
		if (oi >= ti && oi < hi) || (oe > ti && oe <= hi) {
			panic("intersects with user data")
		}
		r1 = cb.Buf[oi:]
		if len(r1) > sz {
			r1 = r1[:sz]
		} else {
			r2 = cb.Buf[:oe]
		}
	} else {
		// user data wraps
		if !(oi >= hi && oi < ti && oe > hi && oe <= ti) {
			panic("intersects with user data")
		}
		r1 = cb.Buf[oi:oe]
	}
	return r1, r2
}

/// Advhead advances the head index, allowing previously written bytes to be read.
func (cb *Circbuf_t) Advhead(sz int) {
	if cb.Full() || cb.Left() < sz {
		panic("advancing full cb")
	}
	cb.head += sz
}

/// Rawread returns slices referencing the buffer starting at offset.
/// It may return two slices when the data wraps.
func (cb *Circbuf_t) Rawread(offset int) ([]uint8, []uint8) {
	if cb.Buf == nil {
		panic("no lazy allocation")
	}
	oi := (cb.tail + offset) % cb.bufsz
	hi := cb.head % cb.bufsz
	ti := cb.tail % cb.bufsz
	var r1, r2 []uint8
	if ti < hi {
		if oi >= hi || oi < ti {
			panic("outside user data")
		}
		r1 = cb.Buf[oi:hi]
	} else {
		if oi >= hi && oi < ti {
			panic("outside user data")
		}
		tlen := len(cb.Buf[ti:])
		if tlen > offset {
			r1 = cb.Buf[oi:]
			r2 = cb.Buf[:hi]
		} else {
			roff := offset - tlen
			r1 = cb.Buf[roff:hi]
		}
	}
	return r1, r2
}

/// Advtail advances the tail index after data has been consumed.
func (cb *Circbuf_t) Advtail(sz int) {
	if sz != 0 && (cb.Empty() || cb.Used() < sz) {
		panic("advancing empty cb")
	}
	cb.tail += sz
}
