// Package packed implements the fixed-width bit-lane encoding used for all
// persisted settlement records. Every field declares an explicit lane width;
// encoding rejects values outside the lane's representable range before any
// byte of the record is produced, so a stored record is never silently
// truncated. Unused trailing bits are reserved and zero-filled.
package packed

import (
	"errors"
	"fmt"
)

// ErrStorageInvalid is returned when a value exceeds its packed lane range.
var ErrStorageInvalid = errors.New("storage invalid")

// SlotSize is the width of one storage slot in bytes.
const SlotSize = 32

// Slot is one fixed-width storage record.
type Slot [SlotSize]byte

// MaxUint returns the largest value an unsigned lane of the given width holds.
func MaxUint(bits uint) uint64 {
	if bits >= 64 {
		return ^uint64(0)
	}
	return (1 << bits) - 1
}

// MaxInt returns the largest value a signed lane of the given width holds.
func MaxInt(bits uint) int64 {
	return int64(1)<<(bits-1) - 1
}

// MinInt returns the smallest value a signed lane of the given width holds.
func MinInt(bits uint) int64 {
	return -(int64(1) << (bits - 1))
}

// Writer packs lanes LSB-first into a scratch slot. The first out-of-range
// field poisons the writer; Finish surfaces the error and no slot is
// produced, which keeps record encoding all-or-nothing.
type Writer struct {
	buf Slot
	bit uint
	err error
}

func NewWriter() *Writer {
	return &Writer{}
}

// PutUint appends an unsigned lane of the given width.
func (w *Writer) PutUint(name string, v uint64, bits uint) {
	if w.err != nil {
		return
	}
	if bits < 64 && v > MaxUint(bits) {
		w.err = fmt.Errorf("%w: field %s: value %d exceeds %d-bit lane (max %d)",
			ErrStorageInvalid, name, v, bits, MaxUint(bits))
		return
	}
	w.putBits(v, bits)
}

// PutInt appends a signed lane of the given width (two's complement).
func (w *Writer) PutInt(name string, v int64, bits uint) {
	if w.err != nil {
		return
	}
	if v > MaxInt(bits) || v < MinInt(bits) {
		w.err = fmt.Errorf("%w: field %s: value %d exceeds signed %d-bit lane [%d, %d]",
			ErrStorageInvalid, name, v, bits, MinInt(bits), MaxInt(bits))
		return
	}
	w.putBits(uint64(v)&MaxUint(bits), bits)
}

// PutBool appends a single-bit lane.
func (w *Writer) PutBool(name string, v bool) {
	var b uint64
	if v {
		b = 1
	}
	w.PutUint(name, b, 1)
}

func (w *Writer) putBits(v uint64, bits uint) {
	if w.bit+bits > SlotSize*8 {
		w.err = fmt.Errorf("%w: record layout exceeds %d-byte slot", ErrStorageInvalid, SlotSize)
		return
	}
	for i := uint(0); i < bits; i++ {
		if v&(1<<i) != 0 {
			pos := w.bit + i
			w.buf[pos/8] |= 1 << (pos % 8)
		}
	}
	w.bit += bits
}

// Finish returns the encoded slot, or the first encoding error.
func (w *Writer) Finish() (Slot, error) {
	if w.err != nil {
		return Slot{}, w.err
	}
	return w.buf, nil
}

// Reader unpacks lanes in the order they were written.
type Reader struct {
	buf Slot
	bit uint
}

func NewReader(s Slot) *Reader {
	return &Reader{buf: s}
}

// Uint reads an unsigned lane.
func (r *Reader) Uint(bits uint) uint64 {
	var v uint64
	for i := uint(0); i < bits; i++ {
		pos := r.bit + i
		if pos >= SlotSize*8 {
			break
		}
		if r.buf[pos/8]&(1<<(pos%8)) != 0 {
			v |= 1 << i
		}
	}
	r.bit += bits
	return v
}

// Int reads a signed lane, sign-extending from the lane width.
func (r *Reader) Int(bits uint) int64 {
	v := r.Uint(bits)
	if bits < 64 && v&(1<<(bits-1)) != 0 {
		v |= ^MaxUint(bits) // Sign-extend
	}
	return int64(v)
}

// Bool reads a single-bit lane.
func (r *Reader) Bool() bool {
	return r.Uint(1) != 0
}
