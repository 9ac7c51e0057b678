package encoding

// Serializable is implemented by application types replicated through a
// custom-kind property. Deserialize must accept exactly the bytes produced
// by Serialize on any peer.
type Serializable interface {
	Serialize() ([]byte, error)
	Deserialize([]byte) error
}
