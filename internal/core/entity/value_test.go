package entity

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tickwire/tickwire/internal/core/codec"
	"github.com/tickwire/tickwire/internal/core/registry"
	"github.com/tickwire/tickwire/pkg/encoding"
	"github.com/tickwire/tickwire/pkg/gmath"
)

func TestValue_Equal(t *testing.T) {
	assert.True(t, Int32(5).Equal(Int32(5)))
	assert.False(t, Int32(5).Equal(Int32(6)))
	assert.False(t, Int32(5).Equal(Int64(5)), "different kinds never compare equal")
	assert.True(t, String("a").Equal(String("a")))
	assert.True(t, Bytes([]byte{1, 2}).Equal(Bytes([]byte{1, 2})))
	assert.False(t, Bytes([]byte{1, 2}).Equal(Bytes([]byte{1})))
	assert.True(t, Vector3(gmath.NewVector3(1, 2, 3)).Equal(Vector3(gmath.NewVector3(1, 2, 3))))

	// Custom values are opaque: never equal, every assignment is a change.
	c := &customPayload{}
	assert.False(t, Custom(c).Equal(Custom(c)))
}

func TestValue_Within(t *testing.T) {
	assert.True(t, Float32(1.0).Within(Float32(1.04), 0.05))
	assert.False(t, Float32(1.0).Within(Float32(1.06), 0.05))

	a := Vector3(gmath.NewVector3(0, 0, 0))
	b := Vector3(gmath.NewVector3(0.03, 0, 0.03))
	assert.True(t, a.Within(b, 0.05))
	assert.False(t, a.Within(Vector3(gmath.NewVector3(1, 0, 0)), 0.05))

	q1 := Quaternion(gmath.QuaternionIdentity)
	q2 := Quaternion(gmath.FromAxisAngle(gmath.NewVector3(0, 1, 0), 0.005))
	assert.True(t, q1.Within(q2, 0.01))
	assert.False(t, q1.Within(Quaternion(gmath.FromAxisAngle(gmath.NewVector3(0, 1, 0), 1)), 0.01))

	assert.True(t, String("x").Within(String("x"), 100), "non-numeric kinds fall back to equality")
	assert.False(t, String("x").Within(String("y"), 100))
}

type customPayload struct {
	Items []string `json:"items"`
}

func (c *customPayload) Serialize() ([]byte, error) { return json.Marshal(c) }
func (c *customPayload) Deserialize(b []byte) error { return json.Unmarshal(b, c) }

func descriptorOf(kind registry.ValueKind, half bool) *registry.PropertyDescriptor {
	return &registry.PropertyDescriptor{Name: "p", Kind: kind, HalfPrecision: half}
}

func TestValue_EncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		v    Value
		d    *registry.PropertyDescriptor
	}{
		{"bool", Bool(true), descriptorOf(registry.KindBool, false)},
		{"byte", Byte(200), descriptorOf(registry.KindByte, false)},
		{"int32", Int32(-77), descriptorOf(registry.KindInt32, false)},
		{"int64", Int64(1 << 40), descriptorOf(registry.KindInt64, false)},
		{"float32", Float32(1.5), descriptorOf(registry.KindFloat32, false)},
		{"float64", Float64(-2.25), descriptorOf(registry.KindFloat64, false)},
		{"vector2", Vector2(gmath.NewVector2(3, -4)), descriptorOf(registry.KindVector2, false)},
		{"vector3", Vector3(gmath.NewVector3(1, 2, 3)), descriptorOf(registry.KindVector3, false)},
		{"string", String("hello"), descriptorOf(registry.KindString, false)},
		{"bytes", Bytes([]byte{9, 8, 7}), descriptorOf(registry.KindBytes, false)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := codec.NewBuffer(64)
			require.NoError(t, tt.v.Encode(b, tt.d))

			got, err := DecodeValue(b, tt.d, nil)
			require.NoError(t, err)
			assert.True(t, tt.v.Equal(got), "decoded %v, want %v", got, tt.v)
		})
	}
}

func TestValue_HalfPrecisionRoundTrip(t *testing.T) {
	d := descriptorOf(registry.KindVector3, true)
	v := Vector3(gmath.NewVector3(1.5, -2.25, 10))

	b := codec.NewBuffer(16)
	require.NoError(t, v.Encode(b, d))
	assert.Equal(t, 6, b.Len())

	got, err := DecodeValue(b, d, nil)
	require.NoError(t, err)
	assert.InDelta(t, 1.5, float64(got.Vector3().X), 0.01)
	assert.InDelta(t, -2.25, float64(got.Vector3().Y), 0.01)
	assert.InDelta(t, 10, float64(got.Vector3().Z), 0.01)
}

func TestValue_QuaternionRoundTrip(t *testing.T) {
	d := descriptorOf(registry.KindQuaternion, false)
	q := gmath.FromAxisAngle(gmath.NewVector3(0, 1, 0), 1.1)

	b := codec.NewBuffer(16)
	require.NoError(t, Quaternion(q).Encode(b, d))

	got, err := DecodeValue(b, d, nil)
	require.NoError(t, err)
	assert.LessOrEqual(t, q.AngleTo(got.Quaternion()), float32(1e-3))
}

func TestValue_CustomRoundTrip(t *testing.T) {
	d := descriptorOf(registry.KindCustom, false)
	v := Custom(&customPayload{Items: []string{"sword", "shield"}})

	b := codec.NewBuffer(64)
	require.NoError(t, v.Encode(b, d))

	got, err := DecodeValue(b, d, func() encoding.Serializable { return &customPayload{} })
	require.NoError(t, err)
	assert.Equal(t, []string{"sword", "shield"}, got.Ref().(*customPayload).Items)
}

func TestValue_CustomNeedsFactory(t *testing.T) {
	d := descriptorOf(registry.KindCustom, false)
	b := codec.NewBuffer(64)
	require.NoError(t, Custom(&customPayload{}).Encode(b, d))

	_, err := DecodeValue(b, d, nil)
	assert.ErrorIs(t, err, ErrNoCustomFactory)
}

func TestValue_EncodeKindMismatch(t *testing.T) {
	b := codec.NewBuffer(8)
	err := Int32(1).Encode(b, descriptorOf(registry.KindString, false))
	assert.ErrorIs(t, err, ErrKindMismatch)
}
