package registry

import (
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"

	"github.com/tickwire/tickwire/internal/core/interest"
)

const maxCode = 256

// Builder accumulates scene declarations and compiles them into an immutable
// Registry. Builds are deterministic: scenes are ordered by path, node,
// property and function codes follow declaration order, and the same
// declaration set always yields the same codes and checksum. The resulting
// registry must be built identically into every server and client binary;
// the checksum exists to verify exactly that at handshake.
type Builder struct {
	scenes []SceneSpec
	seen   map[string]struct{}
	err    error
}

func NewBuilder() *Builder {
	return &Builder{seen: make(map[string]struct{})}
}

// AddScene records one scene declaration. Errors are sticky and reported by
// Build so declaration sites can stay assignment-free.
func (b *Builder) AddScene(spec SceneSpec) *Builder {
	if b.err != nil {
		return b
	}
	if spec.Path == "" {
		b.err = ErrEmptyScenePath
		return b
	}
	if _, dup := b.seen[spec.Path]; dup {
		b.err = fmt.Errorf("%w: %q", ErrDuplicateScene, spec.Path)
		return b
	}
	b.seen[spec.Path] = struct{}{}
	b.scenes = append(b.scenes, spec)
	return b
}

// Build compiles the declarations into a Registry.
func (b *Builder) Build() (*Registry, error) {
	if b.err != nil {
		return nil, b.err
	}
	if len(b.scenes) > maxCode {
		return nil, fmt.Errorf("%w: %d scenes declared", ErrSceneLimit, len(b.scenes))
	}

	specs := make([]SceneSpec, len(b.scenes))
	copy(specs, b.scenes)
	sort.Slice(specs, func(i, j int) bool { return specs[i].Path < specs[j].Path })

	r := &Registry{
		scenes:       make([]Scene, len(specs)),
		scenesByPath: make(map[string]uint8, len(specs)),
	}

	h := xxhash.New()
	for sceneCode, spec := range specs {
		scene, err := buildScene(spec, uint8(sceneCode), h)
		if err != nil {
			return nil, fmt.Errorf("scene %q: %w", spec.Path, err)
		}
		r.scenes[sceneCode] = scene
		r.scenesByPath[spec.Path] = uint8(sceneCode)
	}
	r.checksum = h.Sum64()

	return r, nil
}

func buildScene(spec SceneSpec, code uint8, h *xxhash.Digest) (Scene, error) {
	if len(spec.Nodes) > maxCode {
		return Scene{}, fmt.Errorf("%w: %d nodes declared", ErrNodeLimit, len(spec.Nodes))
	}

	hashString(h, spec.Path)

	scene := Scene{
		Path:        spec.Path,
		Code:        code,
		Nodes:       make([]Node, len(spec.Nodes)),
		nodesByPath: make(map[string]uint8, len(spec.Nodes)),
	}

	for nodeCode, nodeSpec := range spec.Nodes {
		if _, dup := scene.nodesByPath[nodeSpec.Path]; dup {
			return Scene{}, fmt.Errorf("%w: %q", ErrDuplicateNode, nodeSpec.Path)
		}
		node, err := buildNode(nodeSpec, code, uint8(nodeCode), h)
		if err != nil {
			return Scene{}, fmt.Errorf("node %q: %w", nodeSpec.Path, err)
		}
		scene.Nodes[nodeCode] = node
		scene.nodesByPath[nodeSpec.Path] = uint8(nodeCode)
	}

	return scene, nil
}

func buildNode(spec NodeSpec, sceneCode, code uint8, h *xxhash.Digest) (Node, error) {
	if len(spec.Properties) > maxCode {
		return Node{}, fmt.Errorf("%w: %d properties declared", ErrPropertyLimit, len(spec.Properties))
	}
	if len(spec.Functions) > maxCode {
		return Node{}, fmt.Errorf("%w: %d functions declared", ErrFunctionLimit, len(spec.Functions))
	}

	hashString(h, spec.Path)

	node := Node{
		Path:        spec.Path,
		Code:        code,
		Properties:  make([]PropertyDescriptor, len(spec.Properties)),
		Functions:   make([]FunctionDescriptor, len(spec.Functions)),
		propsByName: make(map[string]uint8, len(spec.Properties)),
		funcsByName: make(map[string]uint8, len(spec.Functions)),
	}

	for i, p := range spec.Properties {
		if _, dup := node.propsByName[p.Name]; dup {
			return Node{}, fmt.Errorf("%w: property %q", ErrDuplicateName, p.Name)
		}
		mask := p.Interest
		if mask == 0 {
			mask = interest.LayerEveryone
		}
		node.Properties[i] = PropertyDescriptor{
			Scene:         sceneCode,
			Node:          code,
			Index:         uint8(i),
			Name:          p.Name,
			Kind:          p.Kind,
			Interest:      mask,
			Notify:        p.Notify,
			Lerp:          p.Lerp,
			Predicted:     p.Predicted,
			Tolerance:     p.Tolerance,
			HalfPrecision: p.HalfPrecision,
		}
		node.propsByName[p.Name] = uint8(i)

		hashString(h, p.Name)
		hashBytes(h, byte(p.Kind), flagByte(p.HalfPrecision))
	}

	for i, f := range spec.Functions {
		if _, dup := node.funcsByName[f.Name]; dup {
			return Node{}, fmt.Errorf("%w: function %q", ErrDuplicateName, f.Name)
		}
		if _, dup := node.propsByName[f.Name]; dup {
			return Node{}, fmt.Errorf("%w: function %q collides with property", ErrDuplicateName, f.Name)
		}
		params := make([]ValueKind, len(f.Params))
		copy(params, f.Params)
		node.Functions[i] = FunctionDescriptor{
			Scene:     sceneCode,
			Node:      code,
			Index:     uint8(i),
			Name:      f.Name,
			Params:    params,
			Source:    f.Source,
			CallLocal: f.CallLocal,
		}
		node.funcsByName[f.Name] = uint8(i)

		hashString(h, f.Name)
		hashBytes(h, byte(f.Source))
		for _, k := range params {
			hashBytes(h, byte(k))
		}
	}

	return node, nil
}

// The checksum stream frames every string with its length so that adjacent
// names cannot alias ("ab"+"c" vs "a"+"bc").
func hashString(h *xxhash.Digest, s string) {
	var lenBuf [2]byte
	lenBuf[0] = byte(len(s))
	lenBuf[1] = byte(len(s) >> 8)
	_, _ = h.Write(lenBuf[:])
	_, _ = h.WriteString(s)
}

func hashBytes(h *xxhash.Digest, bs ...byte) {
	_, _ = h.Write(bs)
}

func flagByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}
