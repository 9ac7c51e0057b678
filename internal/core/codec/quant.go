package codec

import (
	"math"

	"github.com/tickwire/tickwire/pkg/gmath"
)

// Float16bits converts a float32 to IEEE 754 binary16, rounding to nearest
// even. Values outside the half range become ±Inf, subnormal results are
// preserved down to 2^-24, anything smaller flushes to signed zero.
func Float16bits(f float32) uint16 {
	bits := math.Float32bits(f)
	sign := uint16(bits>>16) & 0x8000
	exp := int32((bits >> 23) & 0xFF)
	mant := bits & 0x7FFFFF

	switch {
	case exp == 0xFF: // Inf or NaN
		if mant != 0 {
			return sign | 0x7E00
		}
		return sign | 0x7C00
	case exp > 142: // overflows half exponent range
		return sign | 0x7C00
	case exp >= 113: // normal half
		// Round mantissa to 10 bits, nearest even.
		mant |= 0x800000
		shift := uint32(13)
		half := uint32(1) << (shift - 1)
		rounded := mant + half - 1 + ((mant >> shift) & 1)
		v := sign | uint16(exp-112)<<10 | uint16((rounded>>shift)&0x3FF)
		if rounded&0x1000000 != 0 { // mantissa rounding overflowed into exponent
			v = sign | uint16(exp-111)<<10
		}
		return v
	case exp >= 103: // subnormal half
		mant |= 0x800000
		shift := uint32(126 - exp)
		half := uint32(1) << (shift - 1)
		rounded := mant + half - 1 + ((mant >> shift) & 1)
		return sign | uint16(rounded>>shift)
	default: // underflow to zero
		return sign
	}
}

// Float16frombits is the inverse of Float16bits.
func Float16frombits(h uint16) float32 {
	sign := uint32(h&0x8000) << 16
	exp := uint32(h>>10) & 0x1F
	mant := uint32(h & 0x3FF)

	switch {
	case exp == 0x1F: // Inf or NaN
		return math.Float32frombits(sign | 0x7F800000 | mant<<13)
	case exp != 0: // normal
		return math.Float32frombits(sign | (exp+112)<<23 | mant<<13)
	case mant != 0: // subnormal
		// Renormalize.
		e := uint32(113)
		for mant&0x400 == 0 {
			mant <<= 1
			e--
		}
		mant &= 0x3FF
		return math.Float32frombits(sign | (e-1)<<23 | mant<<13)
	default:
		return math.Float32frombits(sign)
	}
}

// --- vectors ---

func (b *Buffer) WriteVector2(v gmath.Vector2) {
	b.WriteF32(v.X)
	b.WriteF32(v.Y)
}

func (b *Buffer) ReadVector2() (gmath.Vector2, error) {
	var v gmath.Vector2
	var err error
	if v.X, err = b.ReadF32(); err != nil {
		return v, err
	}
	v.Y, err = b.ReadF32()
	return v, err
}

func (b *Buffer) WriteVector3(v gmath.Vector3) {
	b.WriteF32(v.X)
	b.WriteF32(v.Y)
	b.WriteF32(v.Z)
}

func (b *Buffer) ReadVector3() (gmath.Vector3, error) {
	var v gmath.Vector3
	var err error
	if v.X, err = b.ReadF32(); err != nil {
		return v, err
	}
	if v.Y, err = b.ReadF32(); err != nil {
		return v, err
	}
	v.Z, err = b.ReadF32()
	return v, err
}

// WriteVector3Half packs each component as binary16, 6 bytes total.
// Intended for cosmetic values where half precision is acceptable.
func (b *Buffer) WriteVector3Half(v gmath.Vector3) {
	b.WriteF16(v.X)
	b.WriteF16(v.Y)
	b.WriteF16(v.Z)
}

func (b *Buffer) ReadVector3Half() (gmath.Vector3, error) {
	var v gmath.Vector3
	var err error
	if v.X, err = b.ReadF16(); err != nil {
		return v, err
	}
	if v.Y, err = b.ReadF16(); err != nil {
		return v, err
	}
	v.Z, err = b.ReadF16()
	return v, err
}

// Smallest-three quaternion compression. The largest-magnitude component is
// dropped and rebuilt from the unit-length constraint; its sign is folded
// away by negating the whole quaternion (q and -q are the same rotation).
// The remaining three components all lie in [-1/sqrt2, 1/sqrt2] and are
// quantized to u16 over that range. 7 bytes on the wire: one index byte and
// three quantized components.

const quatComponentRange = 0.70710678118 // 1/sqrt2

func quantizeQuatComponent(v float32) uint16 {
	n := (float64(v) + quatComponentRange) / (2 * quatComponentRange)
	if n < 0 {
		n = 0
	} else if n > 1 {
		n = 1
	}
	return uint16(math.Round(n * math.MaxUint16))
}

func dequantizeQuatComponent(q uint16) float32 {
	n := float64(q) / math.MaxUint16
	return float32(n*2*quatComponentRange - quatComponentRange)
}

// WriteQuaternion writes q in smallest-three form. q must be unit length;
// callers accumulating rotations should normalize first.
func (b *Buffer) WriteQuaternion(q gmath.Quaternion) {
	comps := [4]float32{q.X, q.Y, q.Z, q.W}
	largest := 0
	for i := 1; i < 4; i++ {
		if abs32(comps[i]) > abs32(comps[largest]) {
			largest = i
		}
	}
	if comps[largest] < 0 {
		for i := range comps {
			comps[i] = -comps[i]
		}
	}

	b.WriteU8(uint8(largest))
	for i := 0; i < 4; i++ {
		if i == largest {
			continue
		}
		b.WriteU16(quantizeQuatComponent(comps[i]))
	}
}

func (b *Buffer) ReadQuaternion() (gmath.Quaternion, error) {
	largest, err := b.ReadU8()
	if err != nil {
		return gmath.QuaternionIdentity, err
	}
	if largest > 3 {
		return gmath.QuaternionIdentity, ErrNotNormalized
	}

	var comps [4]float32
	sumSq := float64(0)
	for i := 0; i < 4; i++ {
		if i == int(largest) {
			continue
		}
		raw, err := b.ReadU16()
		if err != nil {
			return gmath.QuaternionIdentity, err
		}
		comps[i] = dequantizeQuatComponent(raw)
		sumSq += float64(comps[i]) * float64(comps[i])
	}

	rest := 1 - sumSq
	if rest < 0 {
		rest = 0
	}
	comps[largest] = float32(math.Sqrt(rest))

	return gmath.Quaternion{X: comps[0], Y: comps[1], Z: comps[2], W: comps[3]}, nil
}

func abs32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}
