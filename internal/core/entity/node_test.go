package entity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tickwire/tickwire/internal/core/interest"
	"github.com/tickwire/tickwire/internal/core/registry"
	"github.com/tickwire/tickwire/pkg/gmath"
)

func testScene(t *testing.T) *registry.Scene {
	t.Helper()
	r, err := registry.NewBuilder().AddScene(registry.SceneSpec{
		Path: "scenes/player",
		Nodes: []registry.NodeSpec{
			{
				Path: "",
				Properties: []registry.PropertySpec{
					{Name: "Position", Kind: registry.KindVector3, Predicted: true, Tolerance: 0.05},
					{Name: "Score", Kind: registry.KindInt32, Notify: true},
					{Name: "Name", Kind: registry.KindString},
				},
			},
			{
				Path: "Weapon",
				Properties: []registry.PropertySpec{
					{Name: "Ammo", Kind: registry.KindInt32, Interest: interest.LayerOwner},
				},
			},
		},
	}).Build()
	require.NoError(t, err)
	s, ok := r.SceneByPath("scenes/player")
	require.True(t, ok)
	return s
}

type recordingSink struct {
	notified []*NetNode
}

func (s *recordingSink) NoteDirty(n *NetNode) { s.notified = append(s.notified, n) }

func TestNode_ZeroValues(t *testing.T) {
	n := NewNode(testScene(t))

	assert.Equal(t, 4, n.SlotCount())
	assert.Equal(t, gmath.Vector3{}, n.Get(0, 0).Vector3())
	assert.Equal(t, int32(0), n.Get(0, 1).Int32())
	assert.Equal(t, "", n.Get(0, 2).Str())
	assert.Equal(t, int32(0), n.Get(1, 0).Int32())
	assert.False(t, n.HasDirty())
}

func TestNode_SetMarksDirtyOnce(t *testing.T) {
	n := NewNode(testScene(t))
	sink := &recordingSink{}
	n.Attach(1, sink)

	require.NoError(t, n.SetInt32(0, 1, 5))
	require.NoError(t, n.SetVector3(0, 0, gmath.NewVector3(1, 0, 0)))

	// Two dirty slots, only one sink notification.
	assert.Len(t, sink.notified, 1)
	var dirty []int
	n.DirtySlots(func(slot int) { dirty = append(dirty, slot) })
	assert.Equal(t, []int{0, 1}, dirty)

	n.ClearDirty()
	assert.False(t, n.HasDirty())

	// After clearing, the next write notifies again.
	require.NoError(t, n.SetInt32(0, 1, 6))
	assert.Len(t, sink.notified, 2)
}

func TestNode_EqualAssignmentIsNoOp(t *testing.T) {
	n := NewNode(testScene(t))
	sink := &recordingSink{}
	n.Attach(1, sink)

	require.NoError(t, n.SetInt32(0, 1, 0)) // zero is the current value
	assert.False(t, n.HasDirty())
	assert.Empty(t, sink.notified)

	require.NoError(t, n.SetInt32(0, 1, 3))
	n.ClearDirty()
	require.NoError(t, n.SetInt32(0, 1, 3))
	assert.False(t, n.HasDirty())
}

func TestNode_KindMismatch(t *testing.T) {
	n := NewNode(testScene(t))
	err := n.Set(0, 1, String("nope"))
	assert.ErrorIs(t, err, ErrKindMismatch)
}

func TestNode_UnknownProperty(t *testing.T) {
	n := NewNode(testScene(t))
	err := n.Set(7, 0, Int32(1))
	assert.ErrorIs(t, err, ErrUnknownProperty)
	err = n.Set(0, 9, Int32(1))
	assert.ErrorIs(t, err, ErrUnknownProperty)
}

func TestNode_StaticChildSlots(t *testing.T) {
	n := NewNode(testScene(t))
	require.NoError(t, n.SetInt32(1, 0, 30))
	assert.Equal(t, int32(30), n.Get(1, 0).Int32())

	d := n.Descriptor(3)
	require.NotNil(t, d)
	assert.Equal(t, "Ammo", d.Name)
	assert.Equal(t, uint8(1), d.Node)
}

func TestNode_ApplyFiresOnChange(t *testing.T) {
	n := NewNode(testScene(t))

	var gotTick uint64
	var gotOld, gotNew Value
	n.OnChange(0, 1, func(tick uint64, old, new Value) {
		gotTick, gotOld, gotNew = tick, old, new
	})

	n.ApplySlot(42, 0, 1, Int32(9))
	assert.Equal(t, uint64(42), gotTick)
	assert.Equal(t, int32(0), gotOld.Int32())
	assert.Equal(t, int32(9), gotNew.Int32())

	// Applying does not mark dirty: replicated values are not re-replicated.
	assert.False(t, n.HasDirty())
}

func TestNode_ChildLifecycleLinks(t *testing.T) {
	parent := NewNode(testScene(t))
	child := NewNode(testScene(t))

	parent.AddChild(child)
	assert.Equal(t, parent, child.Parent())
	assert.Len(t, parent.Children(), 1)

	parent.RemoveChild(child)
	assert.Nil(t, child.Parent())
	assert.Empty(t, parent.Children())
}
