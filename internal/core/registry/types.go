package registry

import (
	"github.com/tickwire/tickwire/internal/core/interest"
)

// ValueKind identifies the wire type of a replicated property or function
// parameter. Kinds are part of the protocol: the checksum covers them, so
// changing a declared kind is a breaking protocol change.
type ValueKind uint8

const (
	KindBool ValueKind = iota
	KindByte
	KindInt32
	KindInt64
	KindFloat32
	KindFloat64
	KindVector2
	KindVector3
	KindQuaternion
	KindString
	KindBytes
	// KindCustom values are serialized through an application-registered
	// codec and travel as length-prefixed byte runs.
	KindCustom
)

func (k ValueKind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindByte:
		return "byte"
	case KindInt32:
		return "int32"
	case KindInt64:
		return "int64"
	case KindFloat32:
		return "float32"
	case KindFloat64:
		return "float64"
	case KindVector2:
		return "vector2"
	case KindVector3:
		return "vector3"
	case KindQuaternion:
		return "quaternion"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindCustom:
		return "custom"
	default:
		return "unknown"
	}
}

// CallSource restricts who may invoke a remote function.
type CallSource uint8

const (
	// CallServer allows invocation by the server only.
	CallServer CallSource = iota
	// CallOwner allows invocation by the peer holding input authority.
	CallOwner
	// CallAny allows invocation by the server or any peer.
	CallAny
)

func (s CallSource) String() string {
	switch s {
	case CallServer:
		return "server"
	case CallOwner:
		return "owner"
	case CallAny:
		return "any"
	default:
		return "unknown"
	}
}

// PropertySpec declares one replicated property. Declaration order fixes the
// property's wire index; reordering across builds is a protocol break and is
// caught by the checksum, not tolerated silently.
type PropertySpec struct {
	Name string
	Kind ValueKind

	// Interest gates per-peer visibility. Zero means visible to everyone.
	Interest interest.Mask

	// Notify requests an OnChange callback with (tick, old, new) on clients.
	Notify bool
	// Lerp marks the value for visual interpolation instead of snapping.
	Lerp bool

	// Predicted marks the value as locally simulated on the owning client.
	// Tolerance is the divergence (absolute, or radians for quaternions)
	// beyond which a server confirmation forces a snap correction.
	Predicted bool
	Tolerance float32

	// HalfPrecision selects the 2-byte float encoding for float32, vector2
	// and vector3 kinds. Ignored for other kinds.
	HalfPrecision bool
}

// FunctionSpec declares one remote-callable function.
type FunctionSpec struct {
	Name   string
	Params []ValueKind
	Source CallSource
	// CallLocal makes the calling side run the handler immediately as well
	// as sending the call.
	CallLocal bool
}

// NodeSpec declares a node within a scene: the root node has path "", static
// children use their slash-separated path relative to the root.
type NodeSpec struct {
	Path       string
	Properties []PropertySpec
	Functions  []FunctionSpec
}

// SceneSpec declares one spawnable scene and its static node tree.
type SceneSpec struct {
	Path  string
	Nodes []NodeSpec
}

// PropertyDescriptor is the resolved, integer-addressed form of a property
// used on the hot encode/decode paths.
type PropertyDescriptor struct {
	Scene uint8
	Node  uint8
	Index uint8

	Name string
	Kind ValueKind

	Interest      interest.Mask
	Notify        bool
	Lerp          bool
	Predicted     bool
	Tolerance     float32
	HalfPrecision bool
}

// FunctionDescriptor is the resolved form of a remote function.
type FunctionDescriptor struct {
	Scene uint8
	Node  uint8
	Index uint8

	Name      string
	Params    []ValueKind
	Source    CallSource
	CallLocal bool
}

// Node is the resolved form of a declared node.
type Node struct {
	Path       string
	Code       uint8
	Properties []PropertyDescriptor
	Functions  []FunctionDescriptor

	propsByName map[string]uint8
	funcsByName map[string]uint8
}

// Scene is the resolved form of a declared scene.
type Scene struct {
	Path  string
	Code  uint8
	Nodes []Node

	nodesByPath map[string]uint8
}
