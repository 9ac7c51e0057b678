package world

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/tickwire/tickwire/internal/core/codec"
	"github.com/tickwire/tickwire/internal/core/entity"
	"github.com/tickwire/tickwire/internal/core/observability/log"
	"github.com/tickwire/tickwire/internal/core/registry"
	"github.com/tickwire/tickwire/internal/core/transport"
	"github.com/tickwire/tickwire/pkg/generic"
)

// SceneFactory instantiates the local representation of a spawned scene.
// The factory installs any OnTick, OnChange, OnCall and custom-kind
// registrations before returning.
type SceneFactory func(scene *registry.Scene) *entity.NetNode

// SpawnFunc observes a remotely spawned node after its snapshot applied.
type SpawnFunc func(n *entity.NetNode, owned bool)

// DespawnFunc observes a despawn before the node is discarded.
type DespawnFunc func(n *entity.NetNode)

// CorrectionFunc observes a reconciliation snap on a predicted property:
// the local speculation diverged beyond tolerance and was overwritten.
type CorrectionFunc func(n *entity.NetNode, d *registry.PropertyDescriptor, predicted, authoritative entity.Value)

// Despawned nodes leave a tombstone behind so property deltas from ticks
// that raced the despawn still parse. Tombstones are pruned once the tick
// stream has moved on far enough that no stale delta can reference them.
const tombstoneRetention = 64

type tombstone struct {
	node *entity.NetNode
	tick uint64
}

// ClientStats are per-connection counters, updated only by Update.
type ClientStats struct {
	PacketsApplied  uint64
	StaleDiscarded  uint64
	TombstoneDeltas uint64
	Corrections     uint64
	InputsSent      uint64
}

// ClientWorld mirrors one server World over a client transport. All methods
// must be called from a single goroutine, conventionally the game loop
// calling Update.
type ClientWorld struct {
	reg    *registry.Registry
	tr     transport.ClientTransport
	logger log.Log

	factories map[uint8]SceneFactory

	nodes      map[entity.NetID]*entity.NetNode
	owned      map[entity.NetID]struct{}
	tombstones map[entity.NetID]tombstone

	worldID     uuid.UUID
	handshaken  bool
	lastApplied uint64
	predictTick uint64

	pendingInput map[entity.NetID][]byte

	onSpawn      SpawnFunc
	onDespawn    DespawnFunc
	onCorrection CorrectionFunc

	bufPool *generic.Pool[*codec.Buffer]
	stats   ClientStats
	err     error
}

// NewClient creates a mirror over a connected client transport. Scene
// factories must be registered before the first Update.
func NewClient(reg *registry.Registry, tr transport.ClientTransport, logger log.Log) *ClientWorld {
	return &ClientWorld{
		reg:          reg,
		tr:           tr,
		logger:       logger.With(log.String("component", "client-world")),
		factories:    make(map[uint8]SceneFactory),
		nodes:        make(map[entity.NetID]*entity.NetNode),
		owned:        make(map[entity.NetID]struct{}),
		tombstones:   make(map[entity.NetID]tombstone),
		pendingInput: make(map[entity.NetID][]byte),
		bufPool:      generic.NewPool(func() *codec.Buffer { return codec.NewBuffer(512) }),
	}
}

// RegisterScene installs the factory used when the server spawns the given
// scene.
func (c *ClientWorld) RegisterScene(path string, factory SceneFactory) error {
	scene, ok := c.reg.SceneByPath(path)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownScene, path)
	}
	c.factories[scene.Code] = factory
	return nil
}

// OnSpawn installs the spawn observer.
func (c *ClientWorld) OnSpawn(fn SpawnFunc) { c.onSpawn = fn }

// OnDespawn installs the despawn observer.
func (c *ClientWorld) OnDespawn(fn DespawnFunc) { c.onDespawn = fn }

// OnCorrection installs the reconciliation observer. Diagnostic only; the
// snap has already happened when it fires.
func (c *ClientWorld) OnCorrection(fn CorrectionFunc) { c.onCorrection = fn }

// WorldID returns the server world's identifier, zero before the handshake.
func (c *ClientWorld) WorldID() uuid.UUID { return c.worldID }

// Handshaken reports whether the checksum exchange completed.
func (c *ClientWorld) Handshaken() bool { return c.handshaken }

// Synchronized reports whether the handshake completed and at least one
// tick applied.
func (c *ClientWorld) Synchronized() bool { return c.handshaken && c.lastApplied > 0 }

// LastTick returns the newest applied server tick.
func (c *ClientWorld) LastTick() uint64 { return c.lastApplied }

// Stats returns a copy of the connection counters.
func (c *ClientWorld) Stats() ClientStats { return c.stats }

// Node resolves a live NetId.
func (c *ClientWorld) Node(id entity.NetID) (*entity.NetNode, bool) {
	n, ok := c.nodes[id]
	return n, ok
}

// Owned reports whether this client holds input authority over the node.
func (c *ClientWorld) Owned(n *entity.NetNode) bool {
	_, ok := c.owned[n.ID()]
	return ok
}

// Update drains the transport, applies received tick packets with
// reconciliation, then runs one prediction step for owned nodes. Call once
// per frame. A returned error is fatal to the connection.
func (c *ClientWorld) Update(delta float64) error {
	if c.err != nil {
		return c.err
	}
	c.tr.Drain(func(ch transport.Channel, payload []byte) {
		if c.err != nil {
			return
		}
		switch ch {
		case transport.ChannelAdmin:
			c.handleOffer(payload)
		case transport.ChannelTick:
			c.applyTick(payload)
		case transport.ChannelRPC:
			c.handleCall(payload)
		}
	})
	if c.err != nil {
		return c.err
	}
	c.predict(delta)
	return nil
}

// SubmitInput sends an input payload for a node this client owns and keeps
// it as the local prediction input until replaced. Last write wins on the
// server within a tick.
func (c *ClientWorld) SubmitInput(n *entity.NetNode, payload []byte) error {
	if c.err != nil {
		return c.err
	}
	if !c.Owned(n) {
		return ErrNotAuthority
	}
	c.pendingInput[n.ID()] = payload

	buf := c.bufPool.Get()
	defer c.releaseBuf(buf)
	if err := encodeInput(buf, inputPacket{tick: c.lastApplied, node: n.ID(), payload: payload}); err != nil {
		return err
	}
	c.stats.InputsSent++
	return c.tr.Send(transport.ChannelInput, buf.Bytes(), transport.Unreliable)
}

// Call invokes a declared remote function on the server. CallServer
// functions are not callable from clients; CallOwner functions require
// input authority over the node.
func (c *ClientWorld) Call(n *entity.NetNode, nodeCode, index uint8, args ...entity.Value) error {
	if c.err != nil {
		return c.err
	}
	desc, ok := c.reg.Function(n.Scene().Code, nodeCode, index)
	if !ok {
		return ErrUnknownFunction
	}
	switch desc.Source {
	case registry.CallServer:
		return ErrNotAuthority
	case registry.CallOwner:
		if !c.Owned(n) {
			return ErrNotAuthority
		}
	}

	buf := c.bufPool.Get()
	defer c.releaseBuf(buf)
	if err := encodeCall(buf, callPacket{node: n.ID(), nodeCode: nodeCode, index: index, args: args}, desc); err != nil {
		return err
	}
	if err := c.tr.Send(transport.ChannelRPC, buf.Bytes(), transport.Reliable); err != nil {
		return err
	}
	if desc.CallLocal {
		n.RunCall(entity.CallContext{Tick: c.lastApplied, Caller: transport.ServerPeer}, nodeCode, index, args)
	}
	return nil
}

// Close tears down the connection.
func (c *ClientWorld) Close() error {
	return c.tr.Close()
}

func (c *ClientWorld) handleOffer(payload []byte) {
	offer, err := decodeOffer(payload)
	if err != nil {
		c.fail(err)
		return
	}
	// Build-time protocol agreement is the whole integrity model: a
	// checksum mismatch means the two ends were built from different
	// registries and nothing past this point can be trusted.
	if offer.checksum != c.reg.Checksum() {
		c.fail(fmt.Errorf("%w: server %016x, local %016x",
			registry.ErrChecksumMismatch, offer.checksum, c.reg.Checksum()))
		return
	}
	c.worldID = offer.worldID
	c.handshaken = true

	buf := c.bufPool.Get()
	defer c.releaseBuf(buf)
	encodeReply(buf, c.reg.Checksum())
	if err := c.tr.Send(transport.ChannelAdmin, buf.Bytes(), transport.Reliable); err != nil {
		c.fail(err)
		return
	}
	c.logger.Info("handshake complete", log.String("world", c.worldID.String()))
}

func (c *ClientWorld) applyTick(payload []byte) {
	b := codec.Wrap(payload)
	pkt, err := decodeTickMeta(b)
	if err != nil {
		c.fail(err)
		return
	}
	// Ticks are monotonic; an older or duplicate packet is discarded whole.
	if pkt.tick <= c.lastApplied {
		c.stats.StaleDiscarded++
		return
	}

	// Spawns and despawns apply before the property section decodes:
	// freshly spawned nodes supply their custom-kind factories, tombstoned
	// ones keep stale deltas parseable.
	for _, rec := range pkt.spawns {
		c.applySpawn(rec)
		if c.err != nil {
			return
		}
	}
	for _, id := range pkt.despawns {
		c.applyDespawn(id, pkt.tick)
	}
	if err := pkt.decodeProps(b, c.reg, c); err != nil {
		c.fail(err)
		return
	}
	for _, dn := range pkt.nodes {
		c.applyNode(pkt.tick, dn)
	}

	c.lastApplied = pkt.tick
	c.predictTick = pkt.tick
	c.pruneTombstones(pkt.tick)
	c.stats.PacketsApplied++

	buf := c.bufPool.Get()
	defer c.releaseBuf(buf)
	encodeAck(buf, pkt.tick)
	_ = c.tr.Send(transport.ChannelTick, buf.Bytes(), transport.Unreliable)

	// Spawn observers run after the snapshot applied so they see initial
	// state, not zeros.
	for _, rec := range pkt.spawns {
		if n, ok := c.nodes[rec.id]; ok && c.onSpawn != nil {
			c.onSpawn(n, rec.flags&spawnFlagOwner != 0)
		}
	}
}

func (c *ClientWorld) applySpawn(rec spawnRecord) {
	if _, ok := c.nodes[rec.id]; ok {
		return // duplicate spawn record, ignore
	}
	scene, ok := c.reg.SceneByCode(rec.scene)
	if !ok {
		c.fail(fmt.Errorf("%w: scene code %d", ErrProtocolDesync, rec.scene))
		return
	}
	factory, ok := c.factories[rec.scene]
	if !ok {
		c.fail(fmt.Errorf("%w: %q", ErrNoSceneFactory, scene.Path))
		return
	}
	n := factory(scene)
	n.Attach(rec.id, nil)
	c.nodes[rec.id] = n
	if rec.flags&spawnFlagOwner != 0 {
		c.owned[rec.id] = struct{}{}
	}
	if rec.parent != 0 {
		if parent, ok := c.nodes[rec.parent]; ok {
			parent.AddChild(n)
		}
	}
}

func (c *ClientWorld) applyDespawn(id entity.NetID, tick uint64) {
	n, ok := c.nodes[id]
	if !ok {
		return // already despawned, records are idempotent
	}
	if c.onDespawn != nil {
		c.onDespawn(n)
	}
	if parent := n.Parent(); parent != nil {
		parent.RemoveChild(n)
	}
	delete(c.nodes, id)
	delete(c.owned, id)
	delete(c.pendingInput, id)
	n.Detach()
	c.tombstones[id] = tombstone{node: n, tick: tick}
}

func (c *ClientWorld) applyNode(tick uint64, dn decodedNode) {
	n, ok := c.nodes[dn.id]
	if !ok {
		// Tombstoned: the values decoded fine but the node is gone.
		c.stats.TombstoneDeltas++
		return
	}
	predicted := c.Owned(n)
	for _, p := range dn.props {
		d := p.desc
		if predicted && d.Predicted {
			local := n.Get(d.Node, d.Index)
			// Within tolerance the speculation stands; server state and
			// local state will reconverge through shared inputs.
			if local.Within(p.value, d.Tolerance) {
				continue
			}
			n.ApplySlot(tick, d.Node, d.Index, p.value)
			c.stats.Corrections++
			if c.onCorrection != nil {
				c.onCorrection(n, d, local, p.value)
			}
			continue
		}
		n.ApplySlot(tick, d.Node, d.Index, p.value)
	}
}

func (c *ClientWorld) handleCall(payload []byte) {
	b := codec.Wrap(payload)
	id, nodeCode, index, err := decodeCallHeader(b)
	if err != nil {
		c.fail(err)
		return
	}
	n, ok := c.nodes[id]
	if !ok {
		return // raced a despawn
	}
	desc, ok := c.reg.Function(n.Scene().Code, nodeCode, index)
	if !ok {
		c.fail(ErrProtocolDesync)
		return
	}
	args, err := decodeCallArgs(b, desc)
	if err != nil {
		c.fail(err)
		return
	}
	n.RunCall(entity.CallContext{Tick: c.lastApplied, Caller: transport.ServerPeer}, nodeCode, index, args)
}

// predict runs one speculative tick for every owned node, feeding it the
// latest locally submitted input. The same OnTick logic that runs
// authoritatively on the server runs here with Predicted set.
func (c *ClientWorld) predict(delta float64) {
	if len(c.owned) == 0 {
		return
	}
	c.predictTick++
	for id := range c.owned {
		n, ok := c.nodes[id]
		if !ok {
			continue
		}
		ctx := entity.TickContext{
			Tick:      c.predictTick,
			Delta:     delta,
			Input:     c.pendingInput[id],
			Predicted: true,
		}
		n.RunTick(&ctx)
	}
}

func (c *ClientWorld) pruneTombstones(tick uint64) {
	for id, t := range c.tombstones {
		if t.tick+tombstoneRetention < tick {
			delete(c.tombstones, id)
		}
	}
}

// sceneCodeOf implements factorySource.
func (c *ClientWorld) sceneCodeOf(id entity.NetID) (uint8, bool) {
	if n, ok := c.nodes[id]; ok {
		return n.Scene().Code, true
	}
	if t, ok := c.tombstones[id]; ok {
		return t.node.Scene().Code, true
	}
	return 0, false
}

// customFactory implements factorySource.
func (c *ClientWorld) customFactory(id entity.NetID, node, index uint8) entity.CustomFactory {
	if n, ok := c.nodes[id]; ok {
		return n.CustomFactoryAt(node, index)
	}
	if t, ok := c.tombstones[id]; ok {
		return t.node.CustomFactoryAt(node, index)
	}
	return nil
}

func (c *ClientWorld) fail(err error) {
	if c.err != nil {
		return
	}
	c.err = err
	c.logger.Error("connection failed", log.Error(err))
	_ = c.tr.Close()
}

func (c *ClientWorld) releaseBuf(b *codec.Buffer) {
	b.Reset()
	c.bufPool.Put(b)
}
