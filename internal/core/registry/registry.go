// Package registry maps human-readable scene, node, property and function
// names to compact integer codes shared identically by every peer. The
// mapping is computed once at startup by the Builder; after that the
// Registry is read-only and safe to share across worlds and goroutines
// without locking.
package registry

// Registry is the immutable compiled protocol table. The hot replication
// path addresses members purely by (scene code, node code, index); the
// name-keyed lookups exist for tooling and declaration-time resolution.
type Registry struct {
	scenes       []Scene
	scenesByPath map[string]uint8
	checksum     uint64
}

// Checksum is an xxhash over the canonical declaration stream. Two builds
// agree on all code assignments iff their checksums match, so peers compare
// checksums at handshake and treat a mismatch as a fatal protocol error.
func (r *Registry) Checksum() uint64 { return r.checksum }

// SceneCount returns the number of registered scenes.
func (r *Registry) SceneCount() int { return len(r.scenes) }

// SceneByCode resolves a scene code received from the wire.
func (r *Registry) SceneByCode(code uint8) (*Scene, bool) {
	if int(code) >= len(r.scenes) {
		return nil, false
	}
	return &r.scenes[code], true
}

// SceneByPath resolves a declared scene path.
func (r *Registry) SceneByPath(path string) (*Scene, bool) {
	code, ok := r.scenesByPath[path]
	if !ok {
		return nil, false
	}
	return &r.scenes[code], true
}

// Property resolves a property by integer codes. This is the hot-path
// lookup: three bounds checks and no hashing.
func (r *Registry) Property(scene, node, index uint8) (*PropertyDescriptor, bool) {
	if int(scene) >= len(r.scenes) {
		return nil, false
	}
	s := &r.scenes[scene]
	if int(node) >= len(s.Nodes) {
		return nil, false
	}
	n := &s.Nodes[node]
	if int(index) >= len(n.Properties) {
		return nil, false
	}
	return &n.Properties[index], true
}

// Function resolves a remote function by integer codes.
func (r *Registry) Function(scene, node, index uint8) (*FunctionDescriptor, bool) {
	if int(scene) >= len(r.scenes) {
		return nil, false
	}
	s := &r.scenes[scene]
	if int(node) >= len(s.Nodes) {
		return nil, false
	}
	n := &s.Nodes[node]
	if int(index) >= len(n.Functions) {
		return nil, false
	}
	return &n.Functions[index], true
}

// LookupProperty is the canonical name-keyed query, intended for debugging
// and tooling rather than the per-tick path.
func (r *Registry) LookupProperty(scenePath, nodePath, name string) (PropertyDescriptor, bool) {
	scene, ok := r.SceneByPath(scenePath)
	if !ok {
		return PropertyDescriptor{}, false
	}
	node, ok := scene.NodeByPath(nodePath)
	if !ok {
		return PropertyDescriptor{}, false
	}
	idx, ok := node.propsByName[name]
	if !ok {
		return PropertyDescriptor{}, false
	}
	return node.Properties[idx], true
}

// LookupFunction is the name-keyed counterpart of Function.
func (r *Registry) LookupFunction(scenePath, nodePath, name string) (FunctionDescriptor, bool) {
	scene, ok := r.SceneByPath(scenePath)
	if !ok {
		return FunctionDescriptor{}, false
	}
	node, ok := scene.NodeByPath(nodePath)
	if !ok {
		return FunctionDescriptor{}, false
	}
	idx, ok := node.funcsByName[name]
	if !ok {
		return FunctionDescriptor{}, false
	}
	return node.Functions[idx], true
}

// NodeByCode resolves a node code within the scene.
func (s *Scene) NodeByCode(code uint8) (*Node, bool) {
	if int(code) >= len(s.Nodes) {
		return nil, false
	}
	return &s.Nodes[code], true
}

// NodeByPath resolves a node path within the scene. The root node has
// path "".
func (s *Scene) NodeByPath(path string) (*Node, bool) {
	code, ok := s.nodesByPath[path]
	if !ok {
		return nil, false
	}
	return &s.Nodes[code], true
}

// PropertyIndex resolves a declared property name to its wire index.
func (n *Node) PropertyIndex(name string) (uint8, bool) {
	idx, ok := n.propsByName[name]
	return idx, ok
}

// FunctionIndex resolves a declared function name to its wire index.
func (n *Node) FunctionIndex(name string) (uint8, bool) {
	idx, ok := n.funcsByName[name]
	return idx, ok
}
