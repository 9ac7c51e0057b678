// Package transport defines the byte-transport boundary the replication
// engine consumes: channel-tagged sends to identified peers, peer lifecycle
// callbacks and a non-blocking drain of received messages. Implementations
// own their sockets and goroutines; the tick loop never blocks on them.
package transport

import "sync"

// Events receives peer lifecycle notifications. Callbacks may fire on
// transport goroutines; implementations must hand off to their own loop
// rather than touching tick-loop state directly.
type Events interface {
	PeerConnected(peer PeerID)
	PeerDisconnected(peer PeerID)
}

// ServerTransport is the server-side boundary.
type ServerTransport interface {
	// Send queues payload for one peer. Fire-and-forget: delivery failures
	// surface as a later PeerDisconnected, never as a send error the tick
	// loop must handle.
	Send(peer PeerID, ch Channel, payload []byte, rel Reliability) error

	// Broadcast queues payload for every connected peer.
	Broadcast(ch Channel, payload []byte, rel Reliability) error

	// Drain yields every message received since the previous call, in
	// arrival order, then returns. Never blocks.
	Drain(fn func(Inbound))

	// SetEvents installs the lifecycle callback sink. Must be called before
	// peers connect.
	SetEvents(ev Events)

	// Disconnect drops one peer and discards its queued state.
	Disconnect(peer PeerID)

	Close() error
}

// ClientTransport is the client-side boundary, a single connection to the
// server.
type ClientTransport interface {
	Send(ch Channel, payload []byte, rel Reliability) error
	Drain(fn func(ch Channel, payload []byte))
	// Closed reports whether the connection has been lost or closed.
	Closed() bool
	Close() error
}

// inboundQueue is the one required cross-thread handoff point: receive
// goroutines append, the tick loop swaps the slice out under the lock and
// walks it without holding it.
type inboundQueue struct {
	mu    sync.Mutex
	items []Inbound
}

func (q *inboundQueue) push(in Inbound) {
	q.mu.Lock()
	q.items = append(q.items, in)
	q.mu.Unlock()
}

func (q *inboundQueue) drain(fn func(Inbound)) {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()
	for _, in := range items {
		fn(in)
	}
}
