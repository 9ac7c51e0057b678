package world

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tickwire/tickwire/internal/core/codec"
	"github.com/tickwire/tickwire/internal/core/entity"
	"github.com/tickwire/tickwire/internal/core/interest"
	"github.com/tickwire/tickwire/internal/core/observability/log"
	"github.com/tickwire/tickwire/internal/core/registry"
	"github.com/tickwire/tickwire/internal/core/transport"
	"github.com/tickwire/tickwire/pkg/gmath"
)

// Function codes on the player root node, in declaration order.
const (
	fnFire     = 0
	fnTeleport = 1
	fnChat     = 2
)

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.NewBuilder().
		AddScene(registry.SceneSpec{
			Path: "scenes/player",
			Nodes: []registry.NodeSpec{
				{
					Path: "",
					Properties: []registry.PropertySpec{
						{Name: "Position", Kind: registry.KindVector3, Predicted: true, Tolerance: 0.05},
						{Name: "Score", Kind: registry.KindInt32, Notify: true},
						{Name: "Gold", Kind: registry.KindInt32, Interest: interest.LayerOwner},
					},
					Functions: []registry.FunctionSpec{
						{Name: "Fire", Params: []registry.ValueKind{registry.KindVector3}, Source: registry.CallOwner},
						{Name: "Teleport", Params: []registry.ValueKind{registry.KindVector3}, Source: registry.CallServer},
						{Name: "Chat", Params: []registry.ValueKind{registry.KindString}, Source: registry.CallAny, CallLocal: true},
					},
				},
				{
					Path: "Weapon",
					Properties: []registry.PropertySpec{
						{Name: "Ammo", Kind: registry.KindInt32},
					},
				},
			},
		}).
		AddScene(registry.SceneSpec{
			Path: "scenes/crate",
			Nodes: []registry.NodeSpec{
				{
					Path: "",
					Properties: []registry.PropertySpec{
						{Name: "Rotation", Kind: registry.KindQuaternion, Lerp: true},
					},
				},
			},
		}).
		Build()
	require.NoError(t, err)
	return reg
}

func sceneOf(t *testing.T, reg *registry.Registry, path string) *registry.Scene {
	t.Helper()
	s, ok := reg.SceneByPath(path)
	require.True(t, ok)
	return s
}

type harness struct {
	t   *testing.T
	reg *registry.Registry
	lb  *transport.Loopback
	w   *World
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	reg := testRegistry(t)
	lb := transport.NewLoopback()
	w := New(reg, lb, DefaultConfig(), log.Nop())
	return &harness{t: t, reg: reg, lb: lb, w: w}
}

// connect attaches a client end and walks it through the handshake: one
// tick delivers the offer, the client replies, the next tick delivers the
// initial spawn set.
func (h *harness) connect(custom map[string]SceneFactory) (*ClientWorld, *transport.LoopbackClient) {
	h.t.Helper()
	end := h.lb.Connect()
	c := NewClient(h.reg, end, log.Nop())
	for _, path := range []string{"scenes/player", "scenes/crate"} {
		factory, ok := custom[path]
		if !ok {
			factory = func(s *registry.Scene) *entity.NetNode { return entity.NewNode(s) }
		}
		require.NoError(h.t, c.RegisterScene(path, factory))
	}
	h.step(c)
	h.step(c)
	return c, end
}

// step runs one server tick and then updates the given clients.
func (h *harness) step(clients ...*ClientWorld) {
	h.t.Helper()
	h.w.Tick(0.05)
	for _, c := range clients {
		require.NoError(h.t, c.Update(0.05))
	}
}

func TestWorld_HandshakeAndInitialSnapshot(t *testing.T) {
	h := newHarness(t)

	player := entity.NewNode(sceneOf(t, h.reg, "scenes/player"))
	require.NoError(t, h.w.Spawn(player, SpawnOptions{}))
	require.NoError(t, player.SetInt32(0, 1, 7))
	h.step() // spawn tick with no peers attached

	c, _ := h.connect(nil)

	assert.True(t, c.Synchronized())
	assert.Equal(t, h.w.ID(), c.WorldID())
	assert.Equal(t, h.w.CurrentTick(), c.LastTick())

	// The snapshot carries current values, not the defaults.
	mirror, ok := c.Node(player.ID())
	require.True(t, ok)
	assert.Equal(t, int32(7), mirror.Get(0, 1).Int32())
}

func TestWorld_IdleTickIsHeartbeatOnly(t *testing.T) {
	h := newHarness(t)
	player := entity.NewNode(sceneOf(t, h.reg, "scenes/player"))
	require.NoError(t, h.w.Spawn(player, SpawnOptions{}))
	c, _ := h.connect(nil)

	before := h.w.Stats().BytesSent
	lastTick := c.LastTick()
	h.step(c)

	// Header plus three empty section counts: nothing dirty means no
	// property bytes at all.
	assert.Equal(t, uint64(14), h.w.Stats().BytesSent-before)
	assert.Equal(t, lastTick+1, c.LastTick())
}

func TestWorld_DeltaCarriesOnlyChangedProperty(t *testing.T) {
	h := newHarness(t)
	player := entity.NewNode(sceneOf(t, h.reg, "scenes/player"))
	require.NoError(t, h.w.Spawn(player, SpawnOptions{}))

	type change struct {
		tick     uint64
		old, new int32
	}
	var changes []change
	c, _ := h.connect(map[string]SceneFactory{
		"scenes/player": func(s *registry.Scene) *entity.NetNode {
			n := entity.NewNode(s)
			n.OnChange(0, 1, func(tick uint64, old, new entity.Value) {
				changes = append(changes, change{tick, old.Int32(), new.Int32()})
			})
			return n
		},
	})

	before := h.w.Stats().BytesSent
	require.NoError(t, player.SetInt32(0, 1, 5))
	h.step(c)

	// Heartbeat (14) + node header (4+2) + one property (1+1+4).
	assert.Equal(t, uint64(26), h.w.Stats().BytesSent-before)

	require.Len(t, changes, 1)
	assert.Equal(t, c.LastTick(), changes[0].tick)
	assert.Equal(t, int32(0), changes[0].old)
	assert.Equal(t, int32(5), changes[0].new)

	// Re-assigning the same value must not dirty anything.
	before = h.w.Stats().BytesSent
	require.NoError(t, player.SetInt32(0, 1, 5))
	h.step(c)
	assert.Equal(t, uint64(14), h.w.Stats().BytesSent-before)
	assert.Len(t, changes, 1)
}

func TestWorld_OwnerOnlyPropertyStaysWithOwner(t *testing.T) {
	h := newHarness(t)
	owner, ownerEnd := h.connect(nil)
	spectator, _ := h.connect(nil)

	player := entity.NewNode(sceneOf(t, h.reg, "scenes/player"))
	require.NoError(t, h.w.Spawn(player, SpawnOptions{Authority: ownerEnd.PeerID()}))
	require.NoError(t, player.SetInt32(0, 2, 100)) // Gold, owner interest
	h.step(owner, spectator)

	ownerMirror, ok := owner.Node(player.ID())
	require.True(t, ok)
	spectatorMirror, ok := spectator.Node(player.ID())
	require.True(t, ok)

	assert.Equal(t, int32(100), ownerMirror.Get(0, 2).Int32())
	assert.Equal(t, int32(0), spectatorMirror.Get(0, 2).Int32())
	assert.True(t, owner.Owned(ownerMirror))
	assert.False(t, spectator.Owned(spectatorMirror))

	// Later deltas stay filtered too.
	require.NoError(t, player.SetInt32(0, 2, 250))
	h.step(owner, spectator)
	assert.Equal(t, int32(250), ownerMirror.Get(0, 2).Int32())
	assert.Equal(t, int32(0), spectatorMirror.Get(0, 2).Int32())
}

func TestWorld_DespawnCascadesAndIsIdempotent(t *testing.T) {
	h := newHarness(t)

	parent := entity.NewNode(sceneOf(t, h.reg, "scenes/player"))
	child := entity.NewNode(sceneOf(t, h.reg, "scenes/crate"))
	require.NoError(t, h.w.Spawn(parent, SpawnOptions{}))
	require.NoError(t, h.w.Spawn(child, SpawnOptions{Parent: parent}))

	var despawned []entity.NetID
	c, _ := h.connect(nil)
	c.OnDespawn(func(n *entity.NetNode) { despawned = append(despawned, n.ID()) })

	parentID, childID := parent.ID(), child.ID()
	mirrorChild, ok := c.Node(childID)
	require.True(t, ok)
	mirrorParent, _ := c.Node(parentID)
	assert.Equal(t, mirrorParent, mirrorChild.Parent())

	h.w.Despawn(parent)
	h.w.Despawn(parent) // second call is a no-op
	h.step(c)

	_, ok = c.Node(parentID)
	assert.False(t, ok)
	_, ok = c.Node(childID)
	assert.False(t, ok)
	// Children go before their parent.
	assert.Equal(t, []entity.NetID{childID, parentID}, despawned)

	// The id is gone server-side as well and nothing further is sent.
	before := h.w.Stats().BytesSent
	h.step(c)
	assert.Equal(t, uint64(14), h.w.Stats().BytesSent-before)
}

func TestWorld_InputAuthorityEnforced(t *testing.T) {
	h := newHarness(t)
	owner, ownerEnd := h.connect(nil)
	_, otherEnd := h.connect(nil)

	player := entity.NewNode(sceneOf(t, h.reg, "scenes/player"))
	player.OnTick(func(n *entity.NetNode, ctx *entity.TickContext) {
		if len(ctx.Input) > 0 {
			_ = n.SetInt32(0, 1, n.Get(0, 1).Int32()+int32(ctx.Input[0]))
		}
	})
	require.NoError(t, h.w.Spawn(player, SpawnOptions{Authority: ownerEnd.PeerID()}))
	h.step(owner)

	mirror, ok := owner.Node(player.ID())
	require.True(t, ok)
	require.NoError(t, owner.SubmitInput(mirror, []byte{3}))
	h.step(owner)
	assert.Equal(t, int32(3), player.Get(0, 1).Int32())

	// A forged input from a peer without authority is dropped silently.
	raw := forgeInput(t, player.ID(), []byte{40})
	require.NoError(t, otherEnd.Send(transport.ChannelInput, raw, transport.Unreliable))
	discarded := h.w.Stats().InputsDiscarded
	h.step(owner)
	assert.Equal(t, int32(3), player.Get(0, 1).Int32())
	assert.Equal(t, discarded+1, h.w.Stats().InputsDiscarded)
}

func TestWorld_StaleInputDiscarded(t *testing.T) {
	h := newHarness(t)
	owner, ownerEnd := h.connect(nil)

	player := entity.NewNode(sceneOf(t, h.reg, "scenes/player"))
	player.OnTick(func(n *entity.NetNode, ctx *entity.TickContext) {
		if len(ctx.Input) > 0 {
			_ = n.SetInt32(0, 1, int32(ctx.Input[0]))
		}
	})
	require.NoError(t, h.w.Spawn(player, SpawnOptions{Authority: ownerEnd.PeerID()}))

	// Age the world well past the staleness window.
	for h.w.CurrentTick() <= inputStaleWindow+1 {
		h.step(owner)
	}

	// An input stamped with tick zero belongs to a state nobody remembers.
	raw := forgeInput(t, player.ID(), []byte{7})
	require.NoError(t, ownerEnd.Send(transport.ChannelInput, raw, transport.Unreliable))
	h.step(owner)
	assert.Equal(t, int32(0), player.Get(0, 1).Int32())
	assert.Equal(t, uint64(1), h.w.Stats().StalePacketsSeen)

	// A current submission from the same peer still lands.
	mirror, ok := owner.Node(player.ID())
	require.True(t, ok)
	require.NoError(t, owner.SubmitInput(mirror, []byte{7}))
	h.step(owner)
	assert.Equal(t, int32(7), player.Get(0, 1).Int32())
}

func TestWorld_InputLastWriteWinsWithinTick(t *testing.T) {
	h := newHarness(t)
	owner, ownerEnd := h.connect(nil)

	player := entity.NewNode(sceneOf(t, h.reg, "scenes/player"))
	player.OnTick(func(n *entity.NetNode, ctx *entity.TickContext) {
		if len(ctx.Input) > 0 {
			_ = n.SetInt32(0, 1, int32(ctx.Input[0]))
		}
	})
	require.NoError(t, h.w.Spawn(player, SpawnOptions{Authority: ownerEnd.PeerID()}))
	h.step(owner)

	mirror, _ := owner.Node(player.ID())
	require.NoError(t, owner.SubmitInput(mirror, []byte{1}))
	require.NoError(t, owner.SubmitInput(mirror, []byte{9}))
	h.step(owner)

	// Two submissions in one tick: only the newest is sampled.
	assert.Equal(t, int32(9), player.Get(0, 1).Int32())
}

func TestWorld_CallSourcePolicy(t *testing.T) {
	h := newHarness(t)
	owner, ownerEnd := h.connect(nil)
	other, otherEnd := h.connect(nil)

	type call struct {
		caller transport.PeerID
		arg    gmath.Vector3
	}
	var fired []call
	player := entity.NewNode(sceneOf(t, h.reg, "scenes/player"))
	player.OnCall(0, fnFire, func(n *entity.NetNode, ctx entity.CallContext, args []entity.Value) {
		fired = append(fired, call{ctx.Caller, args[0].Vector3()})
	})
	require.NoError(t, h.w.Spawn(player, SpawnOptions{Authority: ownerEnd.PeerID()}))
	h.step(owner, other)

	ownerMirror, _ := owner.Node(player.ID())
	otherMirror, _ := other.Node(player.ID())

	// Owner may call an owner-sourced function.
	target := gmath.Vector3{X: 1, Y: 2, Z: 3}
	require.NoError(t, owner.Call(ownerMirror, 0, fnFire, entity.Vector3(target)))
	h.step(owner, other)
	require.Len(t, fired, 1)
	assert.Equal(t, ownerEnd.PeerID(), fired[0].caller)
	assert.Equal(t, target, fired[0].arg)

	// A non-owner is rejected locally, and a forged call is dropped
	// server-side without dispatching.
	assert.ErrorIs(t, other.Call(otherMirror, 0, fnFire, entity.Vector3(target)), ErrNotAuthority)
	raw := forgeCall(t, h.reg, player.ID(), 0, fnFire, entity.Vector3(target))
	require.NoError(t, otherEnd.Send(transport.ChannelRPC, raw, transport.Reliable))
	h.step(owner, other)
	assert.Len(t, fired, 1)

	// Server-sourced functions are not callable from any client.
	assert.ErrorIs(t, owner.Call(ownerMirror, 0, fnTeleport, entity.Vector3(target)), ErrNotAuthority)
}

func TestWorld_ServerCallReachesClientsAndRunsLocally(t *testing.T) {
	h := newHarness(t)

	var serverGot, clientGot []string
	player := entity.NewNode(sceneOf(t, h.reg, "scenes/player"))
	player.OnCall(0, fnChat, func(n *entity.NetNode, ctx entity.CallContext, args []entity.Value) {
		serverGot = append(serverGot, args[0].Str())
	})
	require.NoError(t, h.w.Spawn(player, SpawnOptions{}))

	c, _ := h.connect(map[string]SceneFactory{
		"scenes/player": func(s *registry.Scene) *entity.NetNode {
			n := entity.NewNode(s)
			n.OnCall(0, fnChat, func(_ *entity.NetNode, ctx entity.CallContext, args []entity.Value) {
				clientGot = append(clientGot, args[0].Str())
			})
			return n
		},
	})

	require.NoError(t, h.w.Call(player, 0, fnChat, entity.String("round start")))
	h.step(c)

	// CallLocal runs the handler on the calling side too.
	assert.Equal(t, []string{"round start"}, serverGot)
	assert.Equal(t, []string{"round start"}, clientGot)
}

func TestWorld_InterestGatedSpawnAndForceResync(t *testing.T) {
	h := newHarness(t)
	c, end := h.connect(nil)

	crate := entity.NewNode(sceneOf(t, h.reg, "scenes/crate"))
	require.NoError(t, h.w.Spawn(crate, SpawnOptions{Interest: interest.LayerApp}))
	h.step(c)

	_, ok := c.Node(crate.ID())
	assert.False(t, ok, "spawn must be invisible outside its interest layers")

	// Layer changes are not retroactive by themselves.
	p, ok := h.w.Peer(end.PeerID())
	require.True(t, ok)
	p.SetLayers(interest.LayerEveryone | interest.LayerApp)
	h.step(c)
	_, ok = c.Node(crate.ID())
	assert.False(t, ok)

	h.w.ForceResync(end.PeerID(), crate)
	h.step(c)
	_, ok = c.Node(crate.ID())
	assert.True(t, ok)
}

func TestWorld_PeerDisconnectLeavesOthersIntact(t *testing.T) {
	h := newHarness(t)
	a, _ := h.connect(nil)
	b, _ := h.connect(nil)

	player := entity.NewNode(sceneOf(t, h.reg, "scenes/player"))
	require.NoError(t, h.w.Spawn(player, SpawnOptions{}))
	h.step(a, b)
	require.Equal(t, 2, h.w.PeerCount())

	require.NoError(t, a.Close())
	require.NoError(t, player.SetInt32(0, 1, 3))
	h.step(b)

	assert.Equal(t, 1, h.w.PeerCount())
	mirror, ok := b.Node(player.ID())
	require.True(t, ok)
	assert.Equal(t, int32(3), mirror.Get(0, 1).Int32())
}

func TestWorld_BadHandshakeReplyDropsPeer(t *testing.T) {
	h := newHarness(t)
	end := h.lb.Connect()
	h.step() // offer goes out

	reply := make([]byte, 8) // checksum zero never matches
	require.NoError(t, end.Send(transport.ChannelAdmin, reply, transport.Reliable))
	h.step()
	h.step() // disconnect event is processed on the following tick

	assert.Equal(t, 0, h.w.PeerCount())
	assert.True(t, end.Closed())
}

func TestWorld_PeerLifecycleHooks(t *testing.T) {
	h := newHarness(t)

	// Spawn an avatar on sync, despawn it on leave: the usual game-layer
	// wiring.
	avatars := map[transport.PeerID]*entity.NetNode{}
	h.w.OnPeerSync(func(p *PeerState) {
		n := entity.NewNode(sceneOf(t, h.reg, "scenes/player"))
		require.NoError(t, h.w.Spawn(n, SpawnOptions{Authority: p.ID()}))
		avatars[p.ID()] = n
	})
	var left []transport.PeerID
	h.w.OnPeerLeave(func(p *PeerState) {
		left = append(left, p.ID())
		h.w.Despawn(avatars[p.ID()])
	})

	a, aEnd := h.connect(nil)
	h.step(a) // ack processed, sync hook fires
	h.step(a) // avatar spawn reaches the client

	avatar, ok := avatars[aEnd.PeerID()]
	require.True(t, ok)
	mirror, ok := a.Node(avatar.ID())
	require.True(t, ok)
	assert.True(t, a.Owned(mirror))

	require.NoError(t, a.Close())
	h.step()
	assert.Equal(t, []transport.PeerID{aEnd.PeerID()}, left)
	assert.Zero(t, avatar.ID())
}

func TestWorld_WideNodeSnapshotDeliversEveryProperty(t *testing.T) {
	// Two static nodes of 150 properties each put 300 entries under one
	// NetId, past what a single-byte count could carry.
	wideNode := func(path string) registry.NodeSpec {
		props := make([]registry.PropertySpec, 150)
		for i := range props {
			props[i] = registry.PropertySpec{Name: fmt.Sprintf("Flag%03d", i), Kind: registry.KindBool}
		}
		return registry.NodeSpec{Path: path, Properties: props}
	}
	reg, err := registry.NewBuilder().
		AddScene(registry.SceneSpec{
			Path:  "scenes/grid",
			Nodes: []registry.NodeSpec{wideNode(""), wideNode("Overflow")},
		}).
		Build()
	require.NoError(t, err)

	lb := transport.NewLoopback()
	w := New(reg, lb, DefaultConfig(), log.Nop())

	grid := entity.NewNode(sceneOf(t, reg, "scenes/grid"))
	require.NoError(t, grid.SetBool(1, 149, true))
	require.NoError(t, w.Spawn(grid, SpawnOptions{}))

	end := lb.Connect()
	c := NewClient(reg, end, log.Nop())
	require.NoError(t, c.RegisterScene("scenes/grid", func(s *registry.Scene) *entity.NetNode {
		return entity.NewNode(s)
	}))
	w.Tick(0.05)
	require.NoError(t, c.Update(0.05))
	w.Tick(0.05)
	require.NoError(t, c.Update(0.05))

	require.True(t, c.Synchronized())
	mirror, ok := c.Node(grid.ID())
	require.True(t, ok)
	// The value in the 300th snapshot entry must survive the trip.
	assert.True(t, mirror.Get(1, 149).Bool())
}

func codecBuffer() *codec.Buffer { return codec.NewBuffer(64) }

// forgeInput builds a raw input packet, bypassing client-side checks.
func forgeInput(t *testing.T, id entity.NetID, payload []byte) []byte {
	t.Helper()
	b := codecBuffer()
	require.NoError(t, encodeInput(b, inputPacket{node: id, payload: payload}))
	return b.Bytes()
}

// forgeCall builds a raw call packet, bypassing client-side checks.
func forgeCall(t *testing.T, reg *registry.Registry, id entity.NetID, nodeCode, index uint8, args ...entity.Value) []byte {
	t.Helper()
	n, ok := reg.SceneByPath("scenes/player")
	require.True(t, ok)
	desc, ok := reg.Function(n.Code, nodeCode, index)
	require.True(t, ok)
	b := codecBuffer()
	require.NoError(t, encodeCall(b, callPacket{node: id, nodeCode: nodeCode, index: index, args: args}, desc))
	return b.Bytes()
}
