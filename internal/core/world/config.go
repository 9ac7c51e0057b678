package world

import "time"

// Config holds per-world settings.
type Config struct {
	// TickInterval is the authoritative simulation step. 50ms (20 ticks/s)
	// is a common midpoint between bandwidth and responsiveness.
	TickInterval time.Duration

	// PacketBufferSize is the initial capacity of pooled tick-packet
	// buffers. Buffers grow on demand and stay grown.
	PacketBufferSize int

	// MaxInputPayload bounds a single client input submission.
	MaxInputPayload int
}

func DefaultConfig() Config {
	return Config{
		TickInterval:     50 * time.Millisecond,
		PacketBufferSize: 4096,
		MaxInputPayload:  1024,
	}
}

// Stats are per-world counters, updated only by the tick loop.
type Stats struct {
	Ticks            uint64
	PacketsSent      uint64
	BytesSent        uint64
	InputsApplied    uint64
	InputsDiscarded  uint64
	StalePacketsSeen uint64
	NodesSpawned     uint64
	NodesDespawned   uint64
}
