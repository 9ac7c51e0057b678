// Package world drives the authoritative tick loop and its client mirror.
// One World is one isolated simulation: per-tick it consumes buffered
// inputs, runs game logic over the replicated node tree, collects dirty
// properties, filters them per peer by interest, serializes tick packets
// and transmits them.
//
// All World state is owned by the goroutine calling Tick. The only
// cross-thread handoffs are the transport's inbound queue and the peer
// lifecycle events, both drained synchronously at the start of a tick.
// Independent Worlds share nothing but the read-only registry and may run
// fully in parallel.
package world

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tickwire/tickwire/internal/core/codec"
	"github.com/tickwire/tickwire/internal/core/entity"
	"github.com/tickwire/tickwire/internal/core/interest"
	"github.com/tickwire/tickwire/internal/core/observability/log"
	"github.com/tickwire/tickwire/internal/core/registry"
	"github.com/tickwire/tickwire/internal/core/transport"
	"github.com/tickwire/tickwire/pkg/generic"
)

// SpawnOptions configures a Spawn call.
type SpawnOptions struct {
	// Parent links the node under an already-spawned parent for lifecycle
	// cascade. Nil spawns a root.
	Parent *entity.NetNode
	// Authority is the peer allowed to submit inputs for this node.
	Authority transport.PeerID
	// Interest gates which peers are told the node exists at all. Zero
	// means everyone.
	Interest interest.Mask
}

// inputStaleWindow is how many ticks behind the current tick an input
// submission may lag before it is discarded as stale.
const inputStaleWindow = 64

type peerEvent struct {
	peer      transport.PeerID
	connected bool
}

// World is the server-side authoritative simulation instance.
type World struct {
	id     uuid.UUID
	config Config
	reg    *registry.Registry
	tr     transport.ServerTransport
	logger log.Log

	tick   uint64
	nodes  map[entity.NetID]*entity.NetNode
	order  []*entity.NetNode
	nextID uint32

	spawnInterest map[entity.NetID]interest.Mask

	peers map[transport.PeerID]*PeerState

	dirtyNodes      []*entity.NetNode
	pendingDespawns []entity.NetID

	inputs map[entity.NetID]inputPacket

	eventMu    sync.Mutex
	peerEvents []peerEvent

	onPeerSync  func(p *PeerState)
	onPeerLeave func(p *PeerState)

	bufPool *generic.Pool[*codec.Buffer]
	stats   Stats
	closed  bool
}

// New creates a World over the given compiled registry and transport. The
// World installs itself as the transport's event sink.
func New(reg *registry.Registry, tr transport.ServerTransport, config Config, logger log.Log) *World {
	w := &World{
		id:            uuid.New(),
		config:        config,
		reg:           reg,
		tr:            tr,
		logger:        logger.With(log.String("component", "world")),
		nodes:         make(map[entity.NetID]*entity.NetNode),
		spawnInterest: make(map[entity.NetID]interest.Mask),
		peers:         make(map[transport.PeerID]*PeerState),
		inputs:        make(map[entity.NetID]inputPacket),
	}
	size := config.PacketBufferSize
	// Pre-warmed so the first ticks serialize without growth allocations.
	w.bufPool = generic.NewHotPool(func() *codec.Buffer { return codec.NewBuffer(size) }, 2)
	tr.SetEvents(w)
	w.logger = w.logger.With(log.String("world", w.id.String()))
	w.logger.Info("world created", log.Uint64("registry_checksum", reg.Checksum()))
	return w
}

// ID returns the world's unique identifier.
func (w *World) ID() uuid.UUID { return w.id }

// CurrentTick returns the number of the last completed tick.
func (w *World) CurrentTick() uint64 { return w.tick }

// Stats returns a copy of the world's counters.
func (w *World) Stats() Stats { return w.stats }

// Registry returns the protocol registry the world was built with.
func (w *World) Registry() *registry.Registry { return w.reg }

// NoteDirty implements entity.DirtySink. Called by nodes on their first
// dirtied property of the tick.
func (w *World) NoteDirty(n *entity.NetNode) {
	w.dirtyNodes = append(w.dirtyNodes, n)
}

// PeerConnected implements transport.Events. Runs on a transport goroutine;
// only queues.
func (w *World) PeerConnected(peer transport.PeerID) {
	w.eventMu.Lock()
	w.peerEvents = append(w.peerEvents, peerEvent{peer: peer, connected: true})
	w.eventMu.Unlock()
}

// PeerDisconnected implements transport.Events.
func (w *World) PeerDisconnected(peer transport.PeerID) {
	w.eventMu.Lock()
	w.peerEvents = append(w.peerEvents, peerEvent{peer: peer, connected: false})
	w.eventMu.Unlock()
}

// OnPeerSync installs the game-layer hook fired once a peer reaches
// steady-state tick exchange. The usual place to spawn the peer's avatar.
func (w *World) OnPeerSync(fn func(p *PeerState)) { w.onPeerSync = fn }

// OnPeerLeave installs the hook fired when a synchronized or loading peer
// disconnects. The usual place to despawn the peer's nodes.
func (w *World) OnPeerLeave(fn func(p *PeerState)) { w.onPeerLeave = fn }

// Node resolves a NetId.
func (w *World) Node(id entity.NetID) (*entity.NetNode, bool) {
	n, ok := w.nodes[id]
	return n, ok
}

// Peer returns the state for a connected peer.
func (w *World) Peer(id transport.PeerID) (*PeerState, bool) {
	p, ok := w.peers[id]
	return p, ok
}

// PeerCount returns the number of connected peers.
func (w *World) PeerCount() int { return len(w.peers) }

// Spawn registers the node, assigns its NetId and queues spawn
// notifications for every peer whose interest admits it. Dynamically
// spawned children already linked under the node are discovered and spawned
// recursively as independent NetScenes.
func (w *World) Spawn(n *entity.NetNode, opts SpawnOptions) error {
	if n.ID() != 0 {
		return entity.ErrAlreadySpawned
	}
	if opts.Parent != nil && opts.Parent != n.Parent() {
		opts.Parent.AddChild(n)
	}

	w.nextID++
	id := entity.NetID(w.nextID)
	n.SetInputAuthority(opts.Authority)
	n.Attach(id, w)
	w.nodes[id] = n
	w.order = append(w.order, n)

	mask := opts.Interest
	if mask == 0 {
		mask = interest.LayerEveryone
	}
	w.spawnInterest[id] = mask
	w.stats.NodesSpawned++

	for _, p := range w.peers {
		w.offerNode(p, n)
	}

	// Scene-within-scene: children attached before spawn replicate as
	// independent NetScenes under this parent.
	for _, child := range n.Children() {
		if child.ID() == 0 {
			if err := w.Spawn(child, SpawnOptions{Authority: opts.Authority, Interest: opts.Interest}); err != nil {
				return err
			}
		}
	}
	return nil
}

// Despawn removes the node and all its dynamic descendants. Idempotent:
// despawning an already-despawned node is a no-op.
func (w *World) Despawn(n *entity.NetNode) {
	id := n.ID()
	if id == 0 {
		return
	}
	if _, ok := w.nodes[id]; !ok {
		return
	}

	// Depth-first so children's despawns precede the parent's in the
	// packet; static descendants are freed structurally with the node.
	for _, child := range append([]*entity.NetNode(nil), n.Children()...) {
		w.Despawn(child)
	}
	if parent := n.Parent(); parent != nil {
		parent.RemoveChild(n)
	}

	delete(w.nodes, id)
	delete(w.spawnInterest, id)
	delete(w.inputs, id)
	n.Detach()
	w.pendingDespawns = append(w.pendingDespawns, id)
	w.stats.NodesDespawned++
}

// ForceResync re-announces a node to a peer, resending a full snapshot
// through the standard newly-available path. This is the catch-up hook for
// interest-layer changes, which are otherwise not retroactive.
func (w *World) ForceResync(peer transport.PeerID, n *entity.NetNode) {
	p, ok := w.peers[peer]
	if !ok || n.ID() == 0 {
		return
	}
	p.forget(n.ID())
	w.offerNode(p, n)
}

func (w *World) offerNode(p *PeerState, n *entity.NetNode) {
	if p.status != StatusLoading && p.status != StatusSynchronized {
		return
	}
	if !interest.Visible(w.spawnInterest[n.ID()], p.effectiveLayers(n)) {
		return
	}
	p.markAvailable(n.ID())
}

// Call invokes a declared remote function from the server: peers aware of
// the node receive the call, and with CallLocal set the handler also runs
// locally this tick.
func (w *World) Call(n *entity.NetNode, nodeCode, index uint8, args ...entity.Value) error {
	if n.ID() == 0 {
		return ErrNodeNotSpawned
	}
	desc, ok := w.reg.Function(n.Scene().Code, nodeCode, index)
	if !ok {
		return ErrUnknownFunction
	}

	buf := w.bufPool.Get()
	defer w.releaseBuf(buf)
	if err := encodeCall(buf, callPacket{node: n.ID(), nodeCode: nodeCode, index: index, args: args}, desc); err != nil {
		return err
	}
	for _, p := range w.peers {
		if p.Knows(n.ID()) {
			_ = w.tr.Send(p.id, transport.ChannelRPC, buf.Bytes(), transport.Reliable)
		}
	}
	if desc.CallLocal {
		n.RunCall(entity.CallContext{Tick: w.tick, Caller: transport.ServerPeer}, nodeCode, index, args)
	}
	return nil
}

// Tick advances the simulation one step: drain peer events and inbound
// messages, run game logic, then serialize and transmit per-peer packets.
func (w *World) Tick(delta float64) {
	if w.closed {
		return
	}

	w.drainPeerEvents()
	w.drainInbound()

	w.tick++

	// Stable tree order; nodes spawned during this pass first tick on the
	// next one.
	count := len(w.order)
	for i := 0; i < count; i++ {
		n := w.order[i]
		if n.ID() == 0 {
			continue // despawned earlier this tick
		}
		ctx := entity.TickContext{Tick: w.tick, Delta: delta}
		if in, ok := w.inputs[n.ID()]; ok {
			ctx.Input = in.payload
		}
		n.RunTick(&ctx)
	}

	w.serialize()
	w.cleanupTick()
	w.stats.Ticks++
}

// Run drives Tick on the configured interval until the context ends.
func (w *World) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.config.TickInterval)
	defer ticker.Stop()
	delta := w.config.TickInterval.Seconds()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.Tick(delta)
		}
	}
}

// Close detaches the world from its transport. Peers are dropped.
func (w *World) Close() {
	if w.closed {
		return
	}
	w.closed = true
	for id := range w.peers {
		w.tr.Disconnect(id)
	}
	w.logger.Info("world closed", log.Uint64("ticks", w.stats.Ticks))
}

func (w *World) drainPeerEvents() {
	w.eventMu.Lock()
	events := w.peerEvents
	w.peerEvents = nil
	w.eventMu.Unlock()

	for _, ev := range events {
		if ev.connected {
			w.handleConnect(ev.peer)
		} else {
			w.handleDisconnect(ev.peer)
		}
	}
}

func (w *World) handleConnect(peer transport.PeerID) {
	p := newPeerState(peer)
	w.peers[peer] = p

	buf := w.bufPool.Get()
	defer w.releaseBuf(buf)
	if err := encodeOffer(buf, handshakeOffer{worldID: w.id, checksum: w.reg.Checksum()}); err != nil {
		w.logger.Error("handshake offer failed", log.Error(err))
		return
	}
	_ = w.tr.Send(peer, transport.ChannelAdmin, buf.Bytes(), transport.Reliable)
	p.status = StatusAwaitingWorld

	w.logger.Info("peer joined",
		log.Uint32("peer", uint32(peer)),
		log.String("session", p.session.String()))
}

func (w *World) handleDisconnect(peer transport.PeerID) {
	p, ok := w.peers[peer]
	if !ok {
		return
	}
	wasActive := p.status == StatusLoading || p.status == StatusSynchronized
	p.status = StatusDisconnected
	delete(w.peers, peer)
	if wasActive && w.onPeerLeave != nil {
		w.onPeerLeave(p)
	}

	// Inputs from the departed peer are dropped with it.
	for id, in := range w.inputs {
		if n, ok := w.nodes[id]; ok && n.InputAuthority() == peer && in.node == id {
			delete(w.inputs, id)
		}
	}

	w.logger.Info("peer left", log.Uint32("peer", uint32(peer)))
}

func (w *World) drainInbound() {
	w.tr.Drain(func(in transport.Inbound) {
		p, ok := w.peers[in.Peer]
		if !ok {
			return
		}
		switch in.Channel {
		case transport.ChannelAdmin:
			w.handleAdmin(p, in.Payload)
		case transport.ChannelTick:
			w.handleAck(p, in.Payload)
		case transport.ChannelInput:
			w.handleInput(p, in.Payload)
		case transport.ChannelRPC:
			w.handleCall(p, in.Payload)
		default:
			// Unknown channels are ignored, not fatal: future protocol
			// revisions may add lanes.
		}
	})
}

func (w *World) handleAdmin(p *PeerState, payload []byte) {
	if p.status != StatusAwaitingWorld {
		// The admin lane accepts nothing else from clients.
		w.logger.Warn("unexpected admin traffic", log.Uint32("peer", uint32(p.id)))
		return
	}
	sum, err := decodeReply(payload)
	if err != nil {
		w.dropPeer(p, err)
		return
	}
	if sum != w.reg.Checksum() {
		w.dropPeer(p, registry.ErrChecksumMismatch)
		return
	}

	p.status = StatusLoading
	for _, n := range w.order {
		if n.ID() != 0 {
			w.offerNode(p, n)
		}
	}
}

func (w *World) handleAck(p *PeerState, payload []byte) {
	tick, err := decodeAck(payload)
	if err != nil {
		w.dropPeer(p, err)
		return
	}
	if tick > p.lastAck {
		p.lastAck = tick
	}
	if p.status == StatusLoading && p.lastAck > 0 {
		p.status = StatusSynchronized
		if w.onPeerSync != nil {
			w.onPeerSync(p)
		}
	}
}

func (w *World) handleInput(p *PeerState, payload []byte) {
	in, err := decodeInput(payload)
	if err != nil {
		w.dropPeer(p, err)
		return
	}
	// Inputs carry the sender's last-applied tick. The unreliable lane may
	// deliver late, but a submission this far behind belongs to a game state
	// nobody remembers.
	if in.tick+inputStaleWindow < w.tick {
		w.stats.StalePacketsSeen++
		return
	}
	if len(in.payload) > w.config.MaxInputPayload {
		w.stats.InputsDiscarded++
		return
	}
	n, ok := w.nodes[in.node]
	if !ok {
		w.stats.InputsDiscarded++
		return
	}
	// A peer may only drive nodes it holds input authority over. Violations
	// are dropped without a reply: no cheating oracle.
	if n.InputAuthority() != p.id {
		w.stats.InputsDiscarded++
		return
	}
	// Last write wins per node per tick: inputs are sampled, not queued.
	w.inputs[in.node] = in
	w.stats.InputsApplied++
}

func (w *World) handleCall(p *PeerState, payload []byte) {
	b := codec.Wrap(payload)
	id, nodeCode, index, err := decodeCallHeader(b)
	if err != nil {
		w.dropPeer(p, err)
		return
	}
	n, ok := w.nodes[id]
	if !ok {
		return // despawned: stale call, drop silently
	}
	desc, ok := w.reg.Function(n.Scene().Code, nodeCode, index)
	if !ok {
		w.dropPeer(p, ErrProtocolDesync)
		return
	}
	// Source policy. Violations are dropped silently.
	switch desc.Source {
	case registry.CallServer:
		return
	case registry.CallOwner:
		if n.InputAuthority() != p.id {
			return
		}
	}
	args, err := decodeCallArgs(b, desc)
	if err != nil {
		w.dropPeer(p, err)
		return
	}
	n.RunCall(entity.CallContext{Tick: w.tick, Caller: p.id}, nodeCode, index, args)
}

// dropPeer disconnects after a fatal protocol error. Partial recovery is
// never attempted: the stream's cursor alignment cannot be trusted.
func (w *World) dropPeer(p *PeerState, err error) {
	w.logger.Warn("dropping peer",
		log.Uint32("peer", uint32(p.id)),
		log.Error(err))
	w.tr.Disconnect(p.id)
	w.handleDisconnect(p.id)
}

func (w *World) serialize() {
	for _, p := range w.peers {
		if p.status != StatusLoading && p.status != StatusSynchronized {
			continue
		}
		if err := w.serializePeer(p); err != nil {
			// One peer's bad packet must not starve the rest of the tick.
			// The failed peer's stream can no longer be kept consistent
			// with its spawn/delta bookkeeping, so it is dropped.
			w.logger.Error("packet build failed",
				log.Uint32("peer", uint32(p.id)),
				log.Error(err))
			w.dropPeer(p, err)
		}
	}
}

func (w *World) serializePeer(p *PeerState) error {
	buf := w.bufPool.Get()
	defer w.releaseBuf(buf)

	writeTickHeader(buf, w.tick)

	// Spawn records precede every property delta for the same node: a peer
	// must learn a node exists before hearing about its state.
	spawns := make([]spawnRecord, 0, len(p.freshlyAvailable))
	for id := range p.freshlyAvailable {
		n, ok := w.nodes[id]
		if !ok {
			// Spawned and despawned before reaching this peer.
			p.forget(id)
			continue
		}
		rec := spawnRecord{id: id, scene: n.Scene().Code}
		if parent := n.Parent(); parent != nil {
			rec.parent = parent.ID()
		}
		if n.InputAuthority() == p.id {
			rec.flags |= spawnFlagOwner
		}
		spawns = append(spawns, rec)
	}
	sortSpawns(spawns)
	if err := writeSpawns(buf, spawns); err != nil {
		return err
	}

	despawns := make([]entity.NetID, 0, len(w.pendingDespawns))
	for _, id := range w.pendingDespawns {
		if p.Knows(id) {
			despawns = append(despawns, id)
			p.forget(id)
		}
	}
	if err := writeDespawns(buf, despawns); err != nil {
		return err
	}

	pw := beginProperties(buf)

	// Full snapshots for freshly-available nodes, dirty deltas for the
	// rest. Interest is evaluated fresh for every property and peer.
	for _, rec := range spawns {
		n := w.nodes[rec.id]
		layers := p.effectiveLayers(n)
		cache := p.slotCache(rec.id, n.SlotCount())
		pw.beginNode(rec.id)
		for slot := 0; slot < n.SlotCount(); slot++ {
			d := n.Descriptor(slot)
			if !interest.Visible(d.Interest, layers) {
				continue
			}
			v := n.Get(d.Node, d.Index)
			if err := pw.writeProperty(d, v); err != nil {
				return err
			}
			cache[slot] = v
		}
		delete(p.freshlyAvailable, rec.id)
	}

	var writeErr error
	for _, n := range w.dirtyNodes {
		id := n.ID()
		if id == 0 || !p.Knows(id) {
			continue
		}
		layers := p.effectiveLayers(n)
		cache := p.slotCache(id, n.SlotCount())
		opened := false
		n.DirtySlots(func(slot int) {
			if writeErr != nil {
				return
			}
			d := n.Descriptor(slot)
			if !interest.Visible(d.Interest, layers) {
				return
			}
			v := n.Get(d.Node, d.Index)
			// Snapshot nodes already carry the value; Equal against the
			// last-sent cache suppresses the duplicate delta.
			if cache[slot].Kind() == d.Kind && cache[slot].Equal(v) {
				return
			}
			if !opened {
				pw.beginNode(id)
				opened = true
			}
			if err := pw.writeProperty(d, v); err != nil {
				writeErr = err
				return
			}
			cache[slot] = v
		})
		if writeErr != nil {
			return writeErr
		}
	}

	if err := pw.finish(); err != nil {
		return err
	}

	if err := w.tr.Send(p.id, transport.ChannelTick, buf.Bytes(), transport.Reliable); err != nil {
		return err
	}
	w.stats.PacketsSent++
	w.stats.BytesSent += uint64(buf.Len())
	return nil
}

func (w *World) cleanupTick() {
	for _, n := range w.dirtyNodes {
		n.ClearDirty()
	}
	w.dirtyNodes = w.dirtyNodes[:0]
	w.pendingDespawns = w.pendingDespawns[:0]
	for id := range w.inputs {
		delete(w.inputs, id)
	}

	// order compaction: drop despawned nodes once per tick.
	live := w.order[:0]
	for _, n := range w.order {
		if n.ID() != 0 {
			live = append(live, n)
		}
	}
	w.order = live
}

func (w *World) releaseBuf(b *codec.Buffer) {
	b.Reset()
	w.bufPool.Put(b)
}

// sortSpawns orders spawn records parent-first so clients can link trees as
// they decode, and by id for determinism.
func sortSpawns(spawns []spawnRecord) {
	// Parents always have lower NetIds than children spawned under them.
	for i := 1; i < len(spawns); i++ {
		for j := i; j > 0 && spawns[j-1].id > spawns[j].id; j-- {
			spawns[j-1], spawns[j] = spawns[j], spawns[j-1]
		}
	}
}
