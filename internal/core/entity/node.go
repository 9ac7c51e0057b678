// Package entity holds the replicated object model: NetNode instances, the
// tagged-union property cache and per-node dirty tracking. A NetNode is one
// spawned instance of a declared scene; the scene's static children are not
// independent nodes but slot strips inside the owning NetNode, addressed by
// their registry node code.
package entity

import (
	"fmt"

	"github.com/tickwire/tickwire/internal/core/registry"
	"github.com/tickwire/tickwire/internal/core/transport"
	"github.com/tickwire/tickwire/pkg/gmath"
)

// NetID identifies a spawned node within one world. Assigned on spawn,
// stable for the node's lifetime, never reused while the world lives.
type NetID uint32

// DirtySink receives O(1) notifications when a node's first property of the
// current tick goes dirty. The world implements it to keep a dirty-node list
// instead of scanning every node at serialization time.
type DirtySink interface {
	NoteDirty(n *NetNode)
}

// TickContext is passed into per-tick callbacks. Input holds the sampled
// input payload for this node this tick, nil when none arrived.
type TickContext struct {
	Tick      uint64
	Delta     float64
	Input     []byte
	Predicted bool
}

// TickFunc is a node's per-tick game-logic callback. On the server it runs
// authoritatively every tick; on the owning client it runs speculatively as
// prediction.
type TickFunc func(n *NetNode, ctx *TickContext)

// ChangeFunc reacts to a replicated value change on the client.
type ChangeFunc func(tick uint64, old, new Value)

// CallContext accompanies a dispatched remote function call. Caller is
// transport.ServerPeer for server-originated calls.
type CallContext struct {
	Tick   uint64
	Caller transport.PeerID
}

// CallFunc handles a declared remote function on the receiving side. Arg
// kinds have already been validated against the registry.
type CallFunc func(n *NetNode, ctx CallContext, args []Value)

// NetNode is one spawned scene instance. All mutation is confined to the
// owning world's tick loop; NetNode performs no locking of its own.
type NetNode struct {
	id    NetID
	scene *registry.Scene

	parent   *NetNode
	children []*NetNode

	inputAuthority transport.PeerID

	// Flattened property slots across the scene's static nodes.
	slots   []Value
	offsets []int

	dirty     bitset
	queued    bool
	dirtySink DirtySink

	onTick   TickFunc
	onChange map[int]ChangeFunc
	onCall   map[int]CallFunc

	factories map[int]CustomFactory
}

// NewNode builds an unspawned node instance of the given scene, with every
// property slot at its zero value.
func NewNode(scene *registry.Scene) *NetNode {
	offsets := make([]int, len(scene.Nodes)+1)
	total := 0
	for i := range scene.Nodes {
		offsets[i] = total
		total += len(scene.Nodes[i].Properties)
	}
	offsets[len(scene.Nodes)] = total

	n := &NetNode{
		scene:   scene,
		slots:   make([]Value, total),
		offsets: offsets,
		dirty:   newBitset(total),
	}
	for code := range scene.Nodes {
		for i, d := range scene.Nodes[code].Properties {
			n.slots[offsets[code]+i] = Zero(d.Kind)
		}
	}
	return n
}

// ID returns the node's NetId, zero before spawn.
func (n *NetNode) ID() NetID { return n.id }

// Scene returns the registry scene this node instantiates.
func (n *NetNode) Scene() *registry.Scene { return n.scene }

// IsNetScene reports whether the node has independent replication identity.
// Always true for NetNode instances; static children never surface as
// NetNodes at all.
func (n *NetNode) IsNetScene() bool { return true }

// Parent returns the owning node, nil for roots.
func (n *NetNode) Parent() *NetNode { return n.parent }

// Children returns the dynamically spawned child nodes.
func (n *NetNode) Children() []*NetNode { return n.children }

// InputAuthority returns the peer allowed to submit inputs for this node.
// transport.ServerPeer means server-driven.
func (n *NetNode) InputAuthority() transport.PeerID { return n.inputAuthority }

// SetInputAuthority reassigns input authority. Takes effect for inputs
// consumed on the next tick.
func (n *NetNode) SetInputAuthority(peer transport.PeerID) { n.inputAuthority = peer }

// OnTick installs the per-tick callback.
func (n *NetNode) OnTick(fn TickFunc) { n.onTick = fn }

// RunTick invokes the node's tick callback, if any.
func (n *NetNode) RunTick(ctx *TickContext) {
	if n.onTick != nil {
		n.onTick(n, ctx)
	}
}

// OnChange installs a client-side change callback for a property declared
// with Notify.
func (n *NetNode) OnChange(node, index uint8, fn ChangeFunc) {
	if n.onChange == nil {
		n.onChange = make(map[int]ChangeFunc)
	}
	n.onChange[n.slot(node, index)] = fn
}

// OnCall installs the handler for a declared remote function.
func (n *NetNode) OnCall(node, index uint8, fn CallFunc) {
	if n.onCall == nil {
		n.onCall = make(map[int]CallFunc)
	}
	n.onCall[int(node)<<8|int(index)] = fn
}

// RunCall dispatches a validated remote function call to its handler, if
// one is installed.
func (n *NetNode) RunCall(ctx CallContext, node, index uint8, args []Value) {
	if fn, ok := n.onCall[int(node)<<8|int(index)]; ok {
		fn(n, ctx, args)
	}
}

// RegisterCustom installs the decode factory for a custom-kind property.
func (n *NetNode) RegisterCustom(node, index uint8, factory CustomFactory) {
	if n.factories == nil {
		n.factories = make(map[int]CustomFactory)
	}
	n.factories[n.slot(node, index)] = factory
}

// Attach binds the node to a world. Called by the world on spawn.
func (n *NetNode) Attach(id NetID, sink DirtySink) {
	n.id = id
	n.dirtySink = sink
}

// Detach severs the world binding and clears the NetId. Called by the
// world on despawn; the node can be respawned afterwards.
func (n *NetNode) Detach() {
	n.id = 0
	n.dirtySink = nil
}

// AddChild links a dynamically spawned child for lifecycle cascade.
func (n *NetNode) AddChild(c *NetNode) {
	c.parent = n
	n.children = append(n.children, c)
}

// RemoveChild unlinks a child after its despawn.
func (n *NetNode) RemoveChild(c *NetNode) {
	for i, x := range n.children {
		if x == c {
			n.children = append(n.children[:i], n.children[i+1:]...)
			c.parent = nil
			return
		}
	}
}

func (n *NetNode) slot(node, index uint8) int {
	return n.offsets[node] + int(index)
}

// SlotCount returns the number of flattened property slots.
func (n *NetNode) SlotCount() int { return len(n.slots) }

// Descriptor resolves the registry descriptor for a flattened slot.
func (n *NetNode) Descriptor(slot int) *registry.PropertyDescriptor {
	for code := 0; code < len(n.scene.Nodes); code++ {
		if slot < n.offsets[code+1] {
			return &n.scene.Nodes[code].Properties[slot-n.offsets[code]]
		}
	}
	return nil
}

// Get returns the current value of a property.
func (n *NetNode) Get(node, index uint8) Value {
	return n.slots[n.slot(node, index)]
}

// Set assigns a property value and marks it dirty for the current tick.
// Assigning a value equal to the current one is a no-op, which keeps
// unchanged properties out of tick packets. Marking is O(1); no property
// scan happens until serialization.
func (n *NetNode) Set(node, index uint8, v Value) error {
	d, ok := n.descriptorAt(node, index)
	if !ok {
		return fmt.Errorf("%w: node %d index %d", ErrUnknownProperty, node, index)
	}
	if v.Kind() != d.Kind {
		return fmt.Errorf("%w: %q is %s, got %s", ErrKindMismatch, d.Name, d.Kind, v.Kind())
	}
	s := n.slot(node, index)
	if n.slots[s].Equal(v) {
		return nil
	}
	n.slots[s] = v
	n.markDirty(s)
	return nil
}

// apply writes a decoded value without dirty tracking and fires the change
// callback. Client-side path.
func (n *NetNode) apply(tick uint64, slot int, v Value) {
	old := n.slots[slot]
	n.slots[slot] = v
	if fn, ok := n.onChange[slot]; ok {
		fn(tick, old, v)
	}
}

// ApplySlot is the world-facing form of apply.
func (n *NetNode) ApplySlot(tick uint64, node, index uint8, v Value) {
	n.apply(tick, n.slot(node, index), v)
}

func (n *NetNode) markDirty(slot int) {
	n.dirty.set(slot)
	if !n.queued && n.dirtySink != nil {
		n.queued = true
		n.dirtySink.NoteDirty(n)
	}
}

// DirtySlots calls fn for every slot dirtied since the last ClearDirty.
func (n *NetNode) DirtySlots(fn func(slot int)) {
	n.dirty.forEach(fn)
}

// HasDirty reports whether any slot is dirty.
func (n *NetNode) HasDirty() bool { return n.dirty.any() }

// ClearDirty resets the dirty set after a serialization pass.
func (n *NetNode) ClearDirty() {
	n.dirty.clear()
	n.queued = false
}

// CustomFactoryAt returns the registered decode factory for a property,
// nil when none was registered.
func (n *NetNode) CustomFactoryAt(node, index uint8) CustomFactory {
	return n.factories[n.slot(node, index)]
}

func (n *NetNode) descriptorAt(node, index uint8) (*registry.PropertyDescriptor, bool) {
	sceneNode, ok := n.scene.NodeByCode(node)
	if !ok {
		return nil, false
	}
	if int(index) >= len(sceneNode.Properties) {
		return nil, false
	}
	return &sceneNode.Properties[index], true
}

// Typed assignment helpers for the common kinds.

func (n *NetNode) SetBool(node, index uint8, v bool) error {
	return n.Set(node, index, Bool(v))
}

func (n *NetNode) SetInt32(node, index uint8, v int32) error {
	return n.Set(node, index, Int32(v))
}

func (n *NetNode) SetInt64(node, index uint8, v int64) error {
	return n.Set(node, index, Int64(v))
}

func (n *NetNode) SetFloat32(node, index uint8, v float32) error {
	return n.Set(node, index, Float32(v))
}

func (n *NetNode) SetVector3(node, index uint8, v gmath.Vector3) error {
	return n.Set(node, index, Vector3(v))
}

func (n *NetNode) SetQuaternion(node, index uint8, v gmath.Quaternion) error {
	return n.Set(node, index, Quaternion(v))
}

func (n *NetNode) SetString(node, index uint8, v string) error {
	return n.Set(node, index, String(v))
}
