package transport

// PeerID identifies a connected remote peer for the lifetime of its
// connection. The zero value means "the server itself" and is never
// assigned to a client.
type PeerID uint32

// ServerPeer is the PeerID of the local authoritative side.
const ServerPeer PeerID = 0

// Channel is a logical lane with fixed semantics. Channel numbers are part
// of the protocol.
type Channel uint8

const (
	// ChannelTick carries periodic tick packets server→client; the
	// client→server direction carries last-received-tick acknowledgments.
	ChannelTick Channel = iota
	// ChannelInput carries client input submissions.
	ChannelInput
	// ChannelRPC carries remote function calls.
	ChannelRPC
	// ChannelAdmin is reserved for handshake and out-of-band control.
	// Client-originated traffic on it other than the handshake reply is
	// rejected.
	ChannelAdmin

	channelCount
)

func (c Channel) String() string {
	switch c {
	case ChannelTick:
		return "tick"
	case ChannelInput:
		return "input"
	case ChannelRPC:
		return "rpc"
	case ChannelAdmin:
		return "admin"
	default:
		return "unknown"
	}
}

// Reliability selects the delivery guarantee requested from the transport.
// Transports without an unreliable lane (plain WebSocket) may upgrade
// Unreliable to Reliable; the reverse is never allowed.
type Reliability uint8

const (
	Unreliable Reliability = iota
	Reliable
)

// Inbound is one received message, yielded by Drain in arrival order.
type Inbound struct {
	Peer    PeerID
	Channel Channel
	Payload []byte
}
