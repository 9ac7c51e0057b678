package gmath

import (
	"fmt"
	"math"
)

// Quaternion is a unit rotation quaternion. Replication assumes normalized
// values; Normalized should be called after accumulating rotations.
type Quaternion struct {
	X float32
	Y float32
	Z float32
	W float32
}

// QuaternionIdentity is the no-rotation quaternion.
var QuaternionIdentity = Quaternion{W: 1}

func NewQuaternion(x, y, z, w float32) Quaternion {
	return Quaternion{X: x, Y: y, Z: z, W: w}
}

// FromAxisAngle builds a quaternion rotating angle radians around axis.
// The axis must be unit length.
func FromAxisAngle(axis Vector3, angle float32) Quaternion {
	half := float64(angle) / 2
	s := float32(math.Sin(half))
	return Quaternion{
		X: axis.X * s,
		Y: axis.Y * s,
		Z: axis.Z * s,
		W: float32(math.Cos(half)),
	}
}

func (q Quaternion) Mul(o Quaternion) Quaternion {
	return Quaternion{
		X: q.W*o.X + q.X*o.W + q.Y*o.Z - q.Z*o.Y,
		Y: q.W*o.Y - q.X*o.Z + q.Y*o.W + q.Z*o.X,
		Z: q.W*o.Z + q.X*o.Y - q.Y*o.X + q.Z*o.W,
		W: q.W*o.W - q.X*o.X - q.Y*o.Y - q.Z*o.Z,
	}
}

func (q Quaternion) Length() float32 {
	return float32(math.Sqrt(float64(q.X*q.X + q.Y*q.Y + q.Z*q.Z + q.W*q.W)))
}

func (q Quaternion) Normalized() Quaternion {
	l := q.Length()
	if l == 0 {
		return QuaternionIdentity
	}
	inv := 1 / l
	return Quaternion{X: q.X * inv, Y: q.Y * inv, Z: q.Z * inv, W: q.W * inv}
}

// Dot is the 4D dot product. Near ±1 for rotations that are almost equal
// (q and -q denote the same rotation).
func (q Quaternion) Dot(o Quaternion) float32 {
	return q.X*o.X + q.Y*o.Y + q.Z*o.Z + q.W*o.W
}

// AngleTo returns the rotation angle in radians between two unit quaternions.
func (q Quaternion) AngleTo(o Quaternion) float32 {
	d := float64(q.Dot(o))
	if d < 0 {
		d = -d
	}
	if d > 1 {
		d = 1
	}
	return float32(2 * math.Acos(d))
}

func (q Quaternion) String() string {
	return fmt.Sprintf("{%.3f, %.3f, %.3f, %.3f}", q.X, q.Y, q.Z, q.W)
}
