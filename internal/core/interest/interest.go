// Package interest implements the per-property, per-peer visibility gate.
// Every replicated property carries a Mask of logical layers; every peer
// holds a set of layers it currently belongs to. A property reaches a peer
// only when the two intersect.
package interest

// Mask is a bitmask of visibility layers. The low bits are reserved by the
// engine; applications define their own layers above LayerApp.
type Mask uint64

const (
	// LayerEveryone is held by every connected peer.
	LayerEveryone Mask = 1 << 0
	// LayerOwner is held by a peer only for nodes it has input authority over.
	LayerOwner Mask = 1 << 1
	// LayerApp is the first layer free for application use (teams, factions,
	// spectators and the like).
	LayerApp Mask = 1 << 8

	// MaskAll makes a property visible on every layer.
	MaskAll Mask = ^Mask(0)
)

// Visible reports whether a property with mask m reaches a peer holding
// layers. Evaluated fresh each tick; layer changes take effect on the next
// filtering pass and never trigger a retroactive resend by themselves.
func Visible(m Mask, layers Mask) bool {
	return m&layers != 0
}

// With returns m with the given layers added.
func (m Mask) With(layers Mask) Mask { return m | layers }

// Without returns m with the given layers removed.
func (m Mask) Without(layers Mask) Mask { return m &^ layers }

// Has reports whether all given layers are present in m.
func (m Mask) Has(layers Mask) bool { return m&layers == layers }
