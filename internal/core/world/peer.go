package world

import (
	"github.com/google/uuid"

	"github.com/tickwire/tickwire/internal/core/entity"
	"github.com/tickwire/tickwire/internal/core/interest"
	"github.com/tickwire/tickwire/internal/core/transport"
)

// PeerStatus tracks a connection through its synchronization lifecycle.
type PeerStatus uint8

const (
	// StatusConnecting: transport-level connect seen, handshake offer not
	// yet sent.
	StatusConnecting PeerStatus = iota
	// StatusAwaitingWorld: offer sent, waiting for the checksum reply.
	StatusAwaitingWorld
	// StatusLoading: reply verified, initial spawn set queued but not yet
	// acknowledged through the first tick.
	StatusLoading
	// StatusSynchronized: steady-state tick exchange.
	StatusSynchronized
	// StatusDisconnected is terminal.
	StatusDisconnected
)

func (s PeerStatus) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusAwaitingWorld:
		return "awaiting-world"
	case StatusLoading:
		return "loading"
	case StatusSynchronized:
		return "synchronized"
	case StatusDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// PeerState is the server's book-keeping for one connected client. Owned
// exclusively by the world's tick loop.
type PeerState struct {
	id      transport.PeerID
	session uuid.UUID
	status  PeerStatus

	// layers is the peer's current interest-layer membership. LayerOwner is
	// added per node during filtering, not stored here.
	layers interest.Mask

	// lastAck is the highest tick the peer has acknowledged.
	lastAck uint64

	// available is the set of NetIds this peer knows exist. A node enters
	// it with the spawn record in a tick packet, strictly before any of its
	// property deltas.
	available map[entity.NetID]struct{}

	// freshlyAvailable holds nodes whose spawn record goes out this tick;
	// they get a full property snapshot instead of a dirty delta.
	freshlyAvailable map[entity.NetID]struct{}

	// lastSent caches the last value serialized to this peer, per node and
	// flattened slot. Delta suppression compares against it so peers with
	// divergent histories still converge.
	lastSent map[entity.NetID][]entity.Value
}

func newPeerState(id transport.PeerID) *PeerState {
	return &PeerState{
		id:               id,
		session:          uuid.New(),
		status:           StatusConnecting,
		layers:           interest.LayerEveryone,
		available:        make(map[entity.NetID]struct{}),
		freshlyAvailable: make(map[entity.NetID]struct{}),
		lastSent:         make(map[entity.NetID][]entity.Value),
	}
}

// ID returns the transport identity of the peer.
func (p *PeerState) ID() transport.PeerID { return p.id }

// Session returns the per-connection session token.
func (p *PeerState) Session() uuid.UUID { return p.session }

// Status returns the current synchronization status.
func (p *PeerState) Status() PeerStatus { return p.status }

// LastAck returns the highest acknowledged tick.
func (p *PeerState) LastAck() uint64 { return p.lastAck }

// Layers returns the peer's interest-layer membership.
func (p *PeerState) Layers() interest.Mask { return p.layers }

// SetLayers replaces the peer's layer membership. Takes effect on the next
// tick's filtering pass; no retroactive resend happens by itself.
func (p *PeerState) SetLayers(layers interest.Mask) { p.layers = layers }

// Knows reports whether the peer has been told the node exists.
func (p *PeerState) Knows(id entity.NetID) bool {
	_, ok := p.available[id]
	return ok
}

// markAvailable queues the node for a spawn record and full snapshot in the
// next serialization pass.
func (p *PeerState) markAvailable(id entity.NetID) {
	if _, ok := p.available[id]; ok {
		return
	}
	p.available[id] = struct{}{}
	p.freshlyAvailable[id] = struct{}{}
}

// forget drops all per-node state after a despawn reaches the wire.
func (p *PeerState) forget(id entity.NetID) {
	delete(p.available, id)
	delete(p.freshlyAvailable, id)
	delete(p.lastSent, id)
}

// slotCache returns the peer's last-sent cache for a node, growing it on
// first use.
func (p *PeerState) slotCache(id entity.NetID, slots int) []entity.Value {
	c, ok := p.lastSent[id]
	if !ok {
		c = make([]entity.Value, slots)
		p.lastSent[id] = c
	}
	return c
}

// effectiveLayers returns the peer's layers plus LayerOwner when the peer
// holds input authority over the node. Evaluated fresh every tick.
func (p *PeerState) effectiveLayers(n *entity.NetNode) interest.Mask {
	layers := p.layers
	if n.InputAuthority() == p.id {
		layers = layers.With(interest.LayerOwner)
	}
	return layers
}
