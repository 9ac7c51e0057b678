package transport

import (
	"sync"
	"sync/atomic"
)

// Loopback is an in-process transport pair used by tests and single-process
// setups. Messages cross a mutex-guarded queue, so server and client sides
// may run on different goroutines; delivery is immediate, reliable and
// ordered regardless of the requested reliability.
type Loopback struct {
	mu     sync.Mutex
	peers  map[PeerID]*LoopbackClient
	queue  inboundQueue
	events Events
	nextID uint32
	closed atomic.Bool
}

var _ ServerTransport = (*Loopback)(nil)

func NewLoopback() *Loopback {
	return &Loopback{peers: make(map[PeerID]*LoopbackClient)}
}

// Connect attaches a new client end and fires PeerConnected.
func (l *Loopback) Connect() *LoopbackClient {
	l.mu.Lock()
	l.nextID++
	id := PeerID(l.nextID)
	c := &LoopbackClient{server: l, id: id}
	l.peers[id] = c
	ev := l.events
	l.mu.Unlock()

	if ev != nil {
		ev.PeerConnected(id)
	}
	return c
}

func (l *Loopback) SetEvents(ev Events) {
	l.mu.Lock()
	l.events = ev
	l.mu.Unlock()
}

func (l *Loopback) Send(peer PeerID, ch Channel, payload []byte, _ Reliability) error {
	if l.closed.Load() {
		return ErrTransportClosed
	}
	l.mu.Lock()
	c, ok := l.peers[peer]
	l.mu.Unlock()
	if !ok {
		// Peer went away; outbound buffers for it are simply dropped.
		return nil
	}
	c.queue.push(Inbound{Peer: ServerPeer, Channel: ch, Payload: clone(payload)})
	return nil
}

func (l *Loopback) Broadcast(ch Channel, payload []byte, rel Reliability) error {
	l.mu.Lock()
	peers := make([]PeerID, 0, len(l.peers))
	for id := range l.peers {
		peers = append(peers, id)
	}
	l.mu.Unlock()
	for _, id := range peers {
		if err := l.Send(id, ch, payload, rel); err != nil {
			return err
		}
	}
	return nil
}

func (l *Loopback) Drain(fn func(Inbound)) {
	l.queue.drain(fn)
}

func (l *Loopback) Disconnect(peer PeerID) {
	l.mu.Lock()
	c, ok := l.peers[peer]
	if ok {
		delete(l.peers, peer)
	}
	ev := l.events
	l.mu.Unlock()

	if ok {
		c.closed.Store(true)
		if ev != nil {
			ev.PeerDisconnected(peer)
		}
	}
}

func (l *Loopback) Close() error {
	l.closed.Store(true)
	l.mu.Lock()
	for id, c := range l.peers {
		c.closed.Store(true)
		delete(l.peers, id)
	}
	l.mu.Unlock()
	return nil
}

// LoopbackClient is the client end of a loopback connection.
type LoopbackClient struct {
	server *Loopback
	id     PeerID
	queue  inboundQueue
	closed atomic.Bool
}

var _ ClientTransport = (*LoopbackClient)(nil)

// PeerID returns the identity the server sees for this client.
func (c *LoopbackClient) PeerID() PeerID { return c.id }

func (c *LoopbackClient) Send(ch Channel, payload []byte, _ Reliability) error {
	if c.closed.Load() {
		return ErrTransportClosed
	}
	c.server.queue.push(Inbound{Peer: c.id, Channel: ch, Payload: clone(payload)})
	return nil
}

func (c *LoopbackClient) Drain(fn func(ch Channel, payload []byte)) {
	c.queue.drain(func(in Inbound) { fn(in.Channel, in.Payload) })
}

func (c *LoopbackClient) Closed() bool { return c.closed.Load() }

func (c *LoopbackClient) Close() error {
	c.server.Disconnect(c.id)
	return nil
}

// clone copies payloads crossing the loopback so callers can reuse their
// send buffers, matching real-transport semantics.
func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
