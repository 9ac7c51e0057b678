package entity

import (
	"bytes"
	"fmt"

	"github.com/tickwire/tickwire/internal/core/codec"
	"github.com/tickwire/tickwire/internal/core/registry"
	"github.com/tickwire/tickwire/pkg/encoding"
	"github.com/tickwire/tickwire/pkg/gmath"
)

// Value is the tagged-union property cache slot. Separate fields per value
// kind keep assignments of primitives, vectors and quaternions free of heap
// allocation; only strings, byte runs and custom types carry references.
type Value struct {
	kind registry.ValueKind
	b    bool
	i    int64
	f    float64
	v2   gmath.Vector2
	v3   gmath.Vector3
	q    gmath.Quaternion
	s    string
	raw  []byte
	ref  encoding.Serializable
}

// CustomFactory produces a fresh instance of a custom-kind property value
// for the decode path.
type CustomFactory func() encoding.Serializable

func Bool(v bool) Value   { return Value{kind: registry.KindBool, b: v} }
func Byte(v uint8) Value  { return Value{kind: registry.KindByte, i: int64(v)} }
func Int32(v int32) Value { return Value{kind: registry.KindInt32, i: int64(v)} }
func Int64(v int64) Value { return Value{kind: registry.KindInt64, i: v} }
func Float32(v float32) Value {
	return Value{kind: registry.KindFloat32, f: float64(v)}
}
func Float64(v float64) Value { return Value{kind: registry.KindFloat64, f: v} }
func Vector2(v gmath.Vector2) Value {
	return Value{kind: registry.KindVector2, v2: v}
}
func Vector3(v gmath.Vector3) Value {
	return Value{kind: registry.KindVector3, v3: v}
}
func Quaternion(v gmath.Quaternion) Value {
	return Value{kind: registry.KindQuaternion, q: v}
}
func String(v string) Value { return Value{kind: registry.KindString, s: v} }
func Bytes(v []byte) Value  { return Value{kind: registry.KindBytes, raw: v} }
func Custom(v encoding.Serializable) Value {
	return Value{kind: registry.KindCustom, ref: v}
}

// Zero returns the zero value of the given kind, used to initialize cache
// slots before the first assignment.
func Zero(kind registry.ValueKind) Value {
	switch kind {
	case registry.KindQuaternion:
		return Value{kind: kind, q: gmath.QuaternionIdentity}
	default:
		return Value{kind: kind}
	}
}

func (v Value) Kind() registry.ValueKind { return v.kind }

func (v Value) Bool() bool                  { return v.b }
func (v Value) Byte() uint8                 { return uint8(v.i) }
func (v Value) Int32() int32                { return int32(v.i) }
func (v Value) Int64() int64                { return v.i }
func (v Value) Float32() float32            { return float32(v.f) }
func (v Value) Float64() float64            { return v.f }
func (v Value) Vector2() gmath.Vector2      { return v.v2 }
func (v Value) Vector3() gmath.Vector3      { return v.v3 }
func (v Value) Quaternion() gmath.Quaternion {
	return v.q
}
func (v Value) Str() string { return v.s }
func (v Value) Raw() []byte { return v.raw }
func (v Value) Ref() encoding.Serializable {
	return v.ref
}

// Equal reports exact value equality. Custom values are never considered
// equal: the engine cannot see inside them, so every assignment counts as a
// change.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case registry.KindBool:
		return v.b == o.b
	case registry.KindByte, registry.KindInt32, registry.KindInt64:
		return v.i == o.i
	case registry.KindFloat32, registry.KindFloat64:
		return v.f == o.f
	case registry.KindVector2:
		return v.v2 == o.v2
	case registry.KindVector3:
		return v.v3 == o.v3
	case registry.KindQuaternion:
		return v.q == o.q
	case registry.KindString:
		return v.s == o.s
	case registry.KindBytes:
		return bytes.Equal(v.raw, o.raw)
	default:
		return false
	}
}

// Within reports whether o is within tol of v, the misprediction test used
// by reconciliation. Non-numeric kinds fall back to exact equality;
// quaternions compare by rotation angle in radians.
func (v Value) Within(o Value, tol float32) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case registry.KindByte, registry.KindInt32, registry.KindInt64:
		d := v.i - o.i
		if d < 0 {
			d = -d
		}
		return float64(d) <= float64(tol)
	case registry.KindFloat32, registry.KindFloat64:
		d := v.f - o.f
		if d < 0 {
			d = -d
		}
		return d <= float64(tol)
	case registry.KindVector2:
		return v.v2.DistanceTo(o.v2) <= tol
	case registry.KindVector3:
		return v.v3.DistanceTo(o.v3) <= tol
	case registry.KindQuaternion:
		return v.q.AngleTo(o.q) <= tol
	default:
		return v.Equal(o)
	}
}

// Encode appends v to b using the encoding selected by the descriptor.
func (v Value) Encode(b *codec.Buffer, d *registry.PropertyDescriptor) error {
	if v.kind != d.Kind {
		return fmt.Errorf("%w: have %s, descriptor %q wants %s",
			ErrKindMismatch, v.kind, d.Name, d.Kind)
	}
	switch d.Kind {
	case registry.KindBool:
		b.WriteBool(v.b)
	case registry.KindByte:
		b.WriteU8(uint8(v.i))
	case registry.KindInt32:
		b.WriteI32(int32(v.i))
	case registry.KindInt64:
		b.WriteI64(v.i)
	case registry.KindFloat32:
		if d.HalfPrecision {
			b.WriteF16(float32(v.f))
		} else {
			b.WriteF32(float32(v.f))
		}
	case registry.KindFloat64:
		b.WriteF64(v.f)
	case registry.KindVector2:
		if d.HalfPrecision {
			b.WriteF16(v.v2.X)
			b.WriteF16(v.v2.Y)
		} else {
			b.WriteVector2(v.v2)
		}
	case registry.KindVector3:
		if d.HalfPrecision {
			b.WriteVector3Half(v.v3)
		} else {
			b.WriteVector3(v.v3)
		}
	case registry.KindQuaternion:
		b.WriteQuaternion(v.q)
	case registry.KindString:
		return b.WriteString(v.s)
	case registry.KindBytes:
		return b.WriteBytes(v.raw)
	case registry.KindCustom:
		if v.ref == nil {
			return fmt.Errorf("%w: %q", ErrNilCustomValue, d.Name)
		}
		raw, err := v.ref.Serialize()
		if err != nil {
			return fmt.Errorf("serialize %q: %w", d.Name, err)
		}
		return b.WriteBytes(raw)
	default:
		return fmt.Errorf("%w: kind %d", ErrKindMismatch, d.Kind)
	}
	return nil
}

// DecodeValue reads one value of the descriptor's kind from b. factory is
// consulted only for custom kinds and may otherwise be nil.
func DecodeValue(b *codec.Buffer, d *registry.PropertyDescriptor, factory CustomFactory) (Value, error) {
	switch d.Kind {
	case registry.KindBool:
		v, err := b.ReadBool()
		return Bool(v), err
	case registry.KindByte:
		v, err := b.ReadU8()
		return Byte(v), err
	case registry.KindInt32:
		v, err := b.ReadI32()
		return Int32(v), err
	case registry.KindInt64:
		v, err := b.ReadI64()
		return Int64(v), err
	case registry.KindFloat32:
		if d.HalfPrecision {
			v, err := b.ReadF16()
			return Float32(v), err
		}
		v, err := b.ReadF32()
		return Float32(v), err
	case registry.KindFloat64:
		v, err := b.ReadF64()
		return Float64(v), err
	case registry.KindVector2:
		if d.HalfPrecision {
			x, err := b.ReadF16()
			if err != nil {
				return Value{}, err
			}
			y, err := b.ReadF16()
			return Vector2(gmath.Vector2{X: x, Y: y}), err
		}
		v, err := b.ReadVector2()
		return Vector2(v), err
	case registry.KindVector3:
		if d.HalfPrecision {
			v, err := b.ReadVector3Half()
			return Vector3(v), err
		}
		v, err := b.ReadVector3()
		return Vector3(v), err
	case registry.KindQuaternion:
		v, err := b.ReadQuaternion()
		return Quaternion(v), err
	case registry.KindString:
		v, err := b.ReadString()
		return String(v), err
	case registry.KindBytes:
		v, err := b.ReadBytes()
		return Bytes(v), err
	case registry.KindCustom:
		raw, err := b.ReadBytes()
		if err != nil {
			return Value{}, err
		}
		if factory == nil {
			return Value{}, fmt.Errorf("%w: %q", ErrNoCustomFactory, d.Name)
		}
		inst := factory()
		if err = inst.Deserialize(raw); err != nil {
			return Value{}, fmt.Errorf("deserialize %q: %w", d.Name, err)
		}
		return Custom(inst), nil
	default:
		return Value{}, fmt.Errorf("%w: kind %d", ErrKindMismatch, d.Kind)
	}
}
