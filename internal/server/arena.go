package server

import (
	"fmt"

	"github.com/tickwire/tickwire/internal/core/codec"
	"github.com/tickwire/tickwire/internal/core/entity"
	"github.com/tickwire/tickwire/internal/core/observability/log"
	"github.com/tickwire/tickwire/internal/core/registry"
	"github.com/tickwire/tickwire/internal/core/transport"
	"github.com/tickwire/tickwire/internal/core/world"
	"github.com/tickwire/tickwire/pkg/gmath"
)

// The built-in arena is a small reference game: one avatar per connected
// peer driven by client inputs, plus a few spinning crates replicated to
// everyone. It doubles as a smoke test for the full pipeline.

const (
	ArenaPlayerScene = "arena/player"
	ArenaCrateScene  = "arena/crate"

	// Player root function codes, in declaration order.
	ArenaFnShout = 0
)

const (
	arenaMoveSpeed = 6.0 // units per second at full deflection
	arenaCrateRate = 0.8 // radians per second
	arenaCrates    = 3
)

// ArenaRegistry compiles the demo protocol. Server and clients must call
// this with identical sources or the handshake checksum will reject them.
func ArenaRegistry() (*registry.Registry, error) {
	return registry.NewBuilder().
		AddScene(registry.SceneSpec{
			Path: ArenaPlayerScene,
			Nodes: []registry.NodeSpec{
				{
					Path: "",
					Properties: []registry.PropertySpec{
						{Name: "Position", Kind: registry.KindVector3, Predicted: true, Tolerance: 0.1},
						{Name: "Name", Kind: registry.KindString, Notify: true},
						{Name: "Score", Kind: registry.KindInt32, Notify: true},
					},
					Functions: []registry.FunctionSpec{
						{Name: "Shout", Params: []registry.ValueKind{registry.KindString}, Source: registry.CallAny, CallLocal: true},
					},
				},
			},
		}).
		AddScene(registry.SceneSpec{
			Path: ArenaCrateScene,
			Nodes: []registry.NodeSpec{
				{
					Path: "",
					Properties: []registry.PropertySpec{
						{Name: "Rotation", Kind: registry.KindQuaternion, Lerp: true},
					},
				},
			},
		}).
		Build()
}

// ArenaMovement is the shared movement logic: the input payload carries two
// float32 axis deflections. Running the identical closure on the server and
// the owning client is what keeps prediction inside tolerance.
func ArenaMovement(n *entity.NetNode, ctx *entity.TickContext) {
	if len(ctx.Input) < 8 {
		return
	}
	b := codec.Wrap(ctx.Input)
	dx, err := b.ReadF32()
	if err != nil {
		return
	}
	dz, err := b.ReadF32()
	if err != nil {
		return
	}
	pos := n.Get(0, 0).Vector3()
	pos.X += clampAxis(dx) * arenaMoveSpeed * float32(ctx.Delta)
	pos.Z += clampAxis(dz) * arenaMoveSpeed * float32(ctx.Delta)
	_ = n.Set(0, 0, entity.Vector3(pos))
}

func clampAxis(v float32) float32 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}

type arena struct {
	w       *world.World
	logger  log.Log
	avatars map[transport.PeerID]*entity.NetNode
}

// attachArena populates a world with the demo content and installs the peer
// lifecycle hooks.
func attachArena(w *world.World, logger log.Log) error {
	a := &arena{
		w:       w,
		logger:  logger.With(log.String("component", "arena")),
		avatars: make(map[transport.PeerID]*entity.NetNode),
	}

	crateScene, ok := w.Registry().SceneByPath(ArenaCrateScene)
	if !ok {
		return fmt.Errorf("%w: %q", world.ErrUnknownScene, ArenaCrateScene)
	}
	for i := 0; i < arenaCrates; i++ {
		if err := w.Spawn(a.newCrate(crateScene), world.SpawnOptions{}); err != nil {
			return err
		}
	}

	w.OnPeerSync(a.peerJoined)
	w.OnPeerLeave(a.peerLeft)
	return nil
}

func (a *arena) newCrate(scene *registry.Scene) *entity.NetNode {
	n := entity.NewNode(scene)
	angle := float32(0)
	n.OnTick(func(n *entity.NetNode, ctx *entity.TickContext) {
		angle += arenaCrateRate * float32(ctx.Delta)
		q := gmath.FromAxisAngle(gmath.Vector3{Y: 1}, angle)
		_ = n.Set(0, 0, entity.Quaternion(q))
	})
	return n
}

func (a *arena) peerJoined(p *world.PeerState) {
	scene, ok := a.w.Registry().SceneByPath(ArenaPlayerScene)
	if !ok {
		return
	}
	n := entity.NewNode(scene)
	n.OnTick(ArenaMovement)
	n.OnCall(0, ArenaFnShout, func(n *entity.NetNode, ctx entity.CallContext, args []entity.Value) {
		a.logger.Info("shout",
			log.Uint32("peer", uint32(ctx.Caller)),
			log.String("text", args[0].Str()))
	})
	_ = n.SetString(0, 1, fmt.Sprintf("player-%d", p.ID()))

	if err := a.w.Spawn(n, world.SpawnOptions{Authority: p.ID()}); err != nil {
		a.logger.Error("avatar spawn failed", log.Error(err))
		return
	}
	a.avatars[p.ID()] = n
	a.logger.Info("avatar spawned",
		log.Uint32("peer", uint32(p.ID())),
		log.Uint32("netId", uint32(n.ID())))
}

func (a *arena) peerLeft(p *world.PeerState) {
	if n, ok := a.avatars[p.ID()]; ok {
		a.w.Despawn(n)
		delete(a.avatars, p.ID())
	}
}
