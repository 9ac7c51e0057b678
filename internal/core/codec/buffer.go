package codec

import (
	"encoding/binary"
	"math"
)

// Buffer is a growable byte buffer with independent read and write cursors.
// Producers append through the Write* methods, consumers advance the read
// cursor through the Read* methods, and Reset rewinds both so the backing
// array can be reused across ticks without reallocating.
//
// All multi-byte values are little-endian. Every Write* method has a
// symmetric Read* counterpart and the two must be called in the same order;
// the format carries no per-value type tags.
type Buffer struct {
	data []byte
	r    int
}

// NewBuffer returns an empty buffer with the given initial capacity.
func NewBuffer(capacity int) *Buffer {
	return &Buffer{data: make([]byte, 0, capacity)}
}

// Wrap returns a buffer reading from b. The buffer takes ownership of b
// until the next Reset.
func Wrap(b []byte) *Buffer {
	return &Buffer{data: b}
}

// Bytes returns everything written so far. The slice aliases the buffer's
// backing array and is invalidated by the next write or Reset.
func (b *Buffer) Bytes() []byte { return b.data }

// Len returns the number of bytes written.
func (b *Buffer) Len() int { return len(b.data) }

// Remaining returns the number of unread bytes.
func (b *Buffer) Remaining() int { return len(b.data) - b.r }

// Reset rewinds both cursors, keeping the backing array.
func (b *Buffer) Reset() {
	b.data = b.data[:0]
	b.r = 0
}

// ResetRead rewinds only the read cursor.
func (b *Buffer) ResetRead() { b.r = 0 }

func (b *Buffer) take(n int) ([]byte, error) {
	if b.r+n > len(b.data) {
		return nil, ErrBufferUnderflow
	}
	p := b.data[b.r : b.r+n]
	b.r += n
	return p, nil
}

// --- unsigned fixed width ---

func (b *Buffer) WriteU8(v uint8) {
	b.data = append(b.data, v)
}

func (b *Buffer) ReadU8() (uint8, error) {
	p, err := b.take(1)
	if err != nil {
		return 0, err
	}
	return p[0], nil
}

func (b *Buffer) WriteU16(v uint16) {
	b.data = binary.LittleEndian.AppendUint16(b.data, v)
}

func (b *Buffer) ReadU16() (uint16, error) {
	p, err := b.take(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(p), nil
}

func (b *Buffer) WriteU32(v uint32) {
	b.data = binary.LittleEndian.AppendUint32(b.data, v)
}

func (b *Buffer) ReadU32() (uint32, error) {
	p, err := b.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(p), nil
}

func (b *Buffer) WriteU64(v uint64) {
	b.data = binary.LittleEndian.AppendUint64(b.data, v)
}

func (b *Buffer) ReadU64() (uint64, error) {
	p, err := b.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(p), nil
}

// --- signed fixed width (two's complement) ---

func (b *Buffer) WriteI8(v int8) { b.WriteU8(uint8(v)) }

func (b *Buffer) ReadI8() (int8, error) {
	v, err := b.ReadU8()
	return int8(v), err
}

func (b *Buffer) WriteI16(v int16) { b.WriteU16(uint16(v)) }

func (b *Buffer) ReadI16() (int16, error) {
	v, err := b.ReadU16()
	return int16(v), err
}

func (b *Buffer) WriteI32(v int32) { b.WriteU32(uint32(v)) }

func (b *Buffer) ReadI32() (int32, error) {
	v, err := b.ReadU32()
	return int32(v), err
}

func (b *Buffer) WriteI64(v int64) { b.WriteU64(uint64(v)) }

func (b *Buffer) ReadI64() (int64, error) {
	v, err := b.ReadU64()
	return int64(v), err
}

// --- bool ---

func (b *Buffer) WriteBool(v bool) {
	if v {
		b.WriteU8(1)
	} else {
		b.WriteU8(0)
	}
}

func (b *Buffer) ReadBool() (bool, error) {
	v, err := b.ReadU8()
	return v != 0, err
}

// --- floats ---

func (b *Buffer) WriteF32(v float32) {
	b.WriteU32(math.Float32bits(v))
}

func (b *Buffer) ReadF32() (float32, error) {
	v, err := b.ReadU32()
	return math.Float32frombits(v), err
}

func (b *Buffer) WriteF64(v float64) {
	b.WriteU64(math.Float64bits(v))
}

func (b *Buffer) ReadF64() (float64, error) {
	v, err := b.ReadU64()
	return math.Float64frombits(v), err
}

// WriteF16 writes v as an IEEE 754 binary16. Roughly three decimal digits
// survive; values beyond ±65504 collapse to infinity.
func (b *Buffer) WriteF16(v float32) {
	b.WriteU16(Float16bits(v))
}

func (b *Buffer) ReadF16() (float32, error) {
	v, err := b.ReadU16()
	return Float16frombits(v), err
}

// --- variable length ---

// WriteBytes writes a u16 length prefix followed by the raw bytes.
func (b *Buffer) WriteBytes(v []byte) error {
	if len(v) > math.MaxUint16 {
		return ErrValueTooLarge
	}
	b.WriteU16(uint16(len(v)))
	b.data = append(b.data, v...)
	return nil
}

// ReadBytes returns a copy of the next length-prefixed byte run.
func (b *Buffer) ReadBytes() ([]byte, error) {
	n, err := b.ReadU16()
	if err != nil {
		return nil, err
	}
	p, err := b.take(int(n))
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, p)
	return out, nil
}

func (b *Buffer) WriteString(v string) error {
	if len(v) > math.MaxUint16 {
		return ErrValueTooLarge
	}
	b.WriteU16(uint16(len(v)))
	b.data = append(b.data, v...)
	return nil
}

func (b *Buffer) ReadString() (string, error) {
	n, err := b.ReadU16()
	if err != nil {
		return "", err
	}
	p, err := b.take(int(n))
	if err != nil {
		return "", err
	}
	return string(p), nil
}

// WriteF32Array writes a u16 count prefix and then the elements packed
// without per-element framing.
func (b *Buffer) WriteF32Array(v []float32) error {
	if len(v) > math.MaxUint16 {
		return ErrValueTooLarge
	}
	b.WriteU16(uint16(len(v)))
	for _, f := range v {
		b.WriteF32(f)
	}
	return nil
}

func (b *Buffer) ReadF32Array() ([]float32, error) {
	n, err := b.ReadU16()
	if err != nil {
		return nil, err
	}
	out := make([]float32, n)
	for i := range out {
		if out[i], err = b.ReadF32(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (b *Buffer) WriteI32Array(v []int32) error {
	if len(v) > math.MaxUint16 {
		return ErrValueTooLarge
	}
	b.WriteU16(uint16(len(v)))
	for _, e := range v {
		b.WriteI32(e)
	}
	return nil
}

func (b *Buffer) ReadI32Array() ([]int32, error) {
	n, err := b.ReadU16()
	if err != nil {
		return nil, err
	}
	out := make([]int32, n)
	for i := range out {
		if out[i], err = b.ReadI32(); err != nil {
			return nil, err
		}
	}
	return out, nil
}
