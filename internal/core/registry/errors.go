package registry

import "errors"

// Build errors are fatal: a declaration set that trips any of these must not
// produce a usable registry.
var (
	ErrSceneLimit     = errors.New("scene count exceeds the 256-code ceiling")
	ErrNodeLimit      = errors.New("node count per scene exceeds the 256-code ceiling")
	ErrPropertyLimit  = errors.New("property count per node exceeds the 256-index ceiling")
	ErrFunctionLimit  = errors.New("function count per node exceeds the 256-index ceiling")
	ErrDuplicateScene = errors.New("duplicate scene path")
	ErrDuplicateNode  = errors.New("duplicate node path in scene")
	ErrDuplicateName  = errors.New("duplicate member name on node")
	ErrEmptyScenePath = errors.New("scene path must not be empty")
)

// ErrChecksumMismatch indicates the two ends of a connection were built from
// different declaration sets. Fatal for that connection.
var ErrChecksumMismatch = errors.New("protocol registry checksum mismatch")
