package world

import "errors"

var (
	// ErrProtocolDesync covers every fatal framing failure: a delta for a
	// NetId no spawn was received for, a registry code miss, or a read past
	// the packet end. The connection must be dropped, not resynchronized.
	ErrProtocolDesync = errors.New("protocol desync")

	ErrUnknownScene    = errors.New("scene not present in registry")
	ErrUnknownFunction = errors.New("function not declared for this node")
	ErrNodeNotSpawned  = errors.New("node is not spawned in this world")
	ErrNoSceneFactory  = errors.New("no factory registered for scene")
	ErrNotAuthority    = errors.New("caller lacks authority for this operation")
	ErrBadFunctionArgs = errors.New("function arguments do not match declaration")
	ErrPacketOverflow  = errors.New("packet section exceeds its wire count limit")
	ErrWorldClosed     = errors.New("world is closed")
)
