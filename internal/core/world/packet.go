package world

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/tickwire/tickwire/internal/core/codec"
	"github.com/tickwire/tickwire/internal/core/entity"
	"github.com/tickwire/tickwire/internal/core/registry"
)

// Wire packet shapes. Fixed once, byte-for-byte identical on both ends:
//
// Tick packet (server→client, tick channel):
//   [u64 tick]
//   [u16 spawn count]   per spawn: [u32 netId][u8 scene][u32 parent netId, 0 = root][u8 flags]
//   [u16 despawn count] per despawn: [u32 netId]
//   [u16 node count]    per node: [u32 netId][u16 property count]
//                       per property: [u8 node code][u8 index][encoded value]
//
// Section counts are u16 on the wire; overflowing one is an encode error,
// never a truncation. A scene can declare up to 256 static nodes of 256
// properties each, so a single node entry may legally carry more than 255
// values.
//
// Tick ack (client→server, tick channel): [u64 tick]
//
// Input packet (client→server, input channel): [u64 tick][u32 netId][u16 len][bytes]
//
// Function call (rpc channel, both directions):
//   [u32 netId][u8 node code][u8 index][args per registry parameter kinds]
//
// Handshake offer (server→client, admin channel): [16B world uuid][u64 registry checksum]
// Handshake reply (client→server, admin channel): [u64 registry checksum]

// spawnRecord flags
const (
	spawnFlagOwner uint8 = 1 << 0
)

// maxSectionCount is the largest count a u16 section prefix can carry.
const maxSectionCount = 1<<16 - 1

type spawnRecord struct {
	id     entity.NetID
	scene  uint8
	parent entity.NetID
	flags  uint8
}

func writeTickHeader(b *codec.Buffer, tick uint64) {
	b.WriteU64(tick)
}

func writeSpawns(b *codec.Buffer, spawns []spawnRecord) error {
	if len(spawns) > maxSectionCount {
		return fmt.Errorf("%w: %d spawns", ErrPacketOverflow, len(spawns))
	}
	b.WriteU16(uint16(len(spawns)))
	for _, s := range spawns {
		b.WriteU32(uint32(s.id))
		b.WriteU8(s.scene)
		b.WriteU32(uint32(s.parent))
		b.WriteU8(s.flags)
	}
	return nil
}

func writeDespawns(b *codec.Buffer, ids []entity.NetID) error {
	if len(ids) > maxSectionCount {
		return fmt.Errorf("%w: %d despawns", ErrPacketOverflow, len(ids))
	}
	b.WriteU16(uint16(len(ids)))
	for _, id := range ids {
		b.WriteU32(uint32(id))
	}
	return nil
}

// propertyWriter streams the node-count-prefixed property section. The
// count is backpatched because the per-peer filter decides inclusion while
// walking.
type propertyWriter struct {
	buf        *codec.Buffer
	countAt    int
	nodeCount  int
	propCntAt  int
	propCount  int
	nodeOpen   bool
}

func beginProperties(b *codec.Buffer) *propertyWriter {
	w := &propertyWriter{buf: b, countAt: b.Len()}
	b.WriteU16(0)
	return w
}

func (w *propertyWriter) beginNode(id entity.NetID) {
	w.endNode()
	w.buf.WriteU32(uint32(id))
	w.propCntAt = w.buf.Len()
	w.buf.WriteU16(0)
	w.propCount = 0
	w.nodeOpen = true
	w.nodeCount++
}

func (w *propertyWriter) writeProperty(d *registry.PropertyDescriptor, v entity.Value) error {
	// 256 nodes of 256 properties can exceed a u16 count by one.
	if w.propCount >= maxSectionCount {
		return fmt.Errorf("%w: node entry property count", ErrPacketOverflow)
	}
	w.buf.WriteU8(d.Node)
	w.buf.WriteU8(d.Index)
	if err := v.Encode(w.buf, d); err != nil {
		return err
	}
	w.propCount++
	return nil
}

func (w *propertyWriter) endNode() {
	if w.nodeOpen {
		raw := w.buf.Bytes()
		raw[w.propCntAt] = uint8(w.propCount)
		raw[w.propCntAt+1] = uint8(w.propCount >> 8)
		w.nodeOpen = false
	}
}

func (w *propertyWriter) finish() error {
	w.endNode()
	if w.nodeCount > maxSectionCount {
		return fmt.Errorf("%w: %d node entries", ErrPacketOverflow, w.nodeCount)
	}
	raw := w.buf.Bytes()
	raw[w.countAt] = uint8(w.nodeCount)
	raw[w.countAt+1] = uint8(w.nodeCount >> 8)
	return nil
}

// decodedTick is a fully parsed tick packet.
type decodedTick struct {
	tick     uint64
	spawns   []spawnRecord
	despawns []entity.NetID
	nodes    []decodedNode
}

type decodedNode struct {
	id    entity.NetID
	props []decodedProperty
}

type decodedProperty struct {
	desc  *registry.PropertyDescriptor
	value entity.Value
}

// decodeTickMeta parses the header, spawn and despawn sections, leaving the
// buffer positioned at the property section. The caller applies the spawns
// and despawns before decoding properties so value decoding can resolve
// every node, freshly spawned ones included.
func decodeTickMeta(b *codec.Buffer) (*decodedTick, error) {
	out := &decodedTick{}

	var err error
	if out.tick, err = b.ReadU64(); err != nil {
		return nil, desync(err)
	}

	spawnCount, err := b.ReadU16()
	if err != nil {
		return nil, desync(err)
	}
	for i := 0; i < int(spawnCount); i++ {
		var s spawnRecord
		var id uint32
		if id, err = b.ReadU32(); err != nil {
			return nil, desync(err)
		}
		s.id = entity.NetID(id)
		if s.scene, err = b.ReadU8(); err != nil {
			return nil, desync(err)
		}
		if id, err = b.ReadU32(); err != nil {
			return nil, desync(err)
		}
		s.parent = entity.NetID(id)
		if s.flags, err = b.ReadU8(); err != nil {
			return nil, desync(err)
		}
		out.spawns = append(out.spawns, s)
	}

	despawnCount, err := b.ReadU16()
	if err != nil {
		return nil, desync(err)
	}
	for i := 0; i < int(despawnCount); i++ {
		id, err := b.ReadU32()
		if err != nil {
			return nil, desync(err)
		}
		out.despawns = append(out.despawns, entity.NetID(id))
	}

	return out, nil
}

// decodeProps parses the property section into t.nodes. Value decoding
// needs the registry for descriptors and a factory source for custom kinds;
// lookup misses and short reads are protocol desyncs.
func (t *decodedTick) decodeProps(b *codec.Buffer, reg *registry.Registry, factories factorySource) error {
	nodeCount, err := b.ReadU16()
	if err != nil {
		return desync(err)
	}
	for i := 0; i < int(nodeCount); i++ {
		rawID, err := b.ReadU32()
		if err != nil {
			return desync(err)
		}
		id := entity.NetID(rawID)

		// Without the scene the value widths are unknown and the packet
		// cannot be parsed past this point. Despawned nodes keep a
		// tombstone with their scene code so their stale deltas remain
		// parseable; an id never seen at all means the spawn-before-delta
		// contract was broken.
		sceneCode, ok := factories.sceneCodeOf(id)
		if !ok {
			return fmt.Errorf("%w: delta for unknown NetId %d", ErrProtocolDesync, id)
		}

		propCount, err := b.ReadU16()
		if err != nil {
			return desync(err)
		}
		dn := decodedNode{id: id}
		for p := 0; p < int(propCount); p++ {
			nodeCode, err := b.ReadU8()
			if err != nil {
				return desync(err)
			}
			index, err := b.ReadU8()
			if err != nil {
				return desync(err)
			}
			desc, found := reg.Property(sceneCode, nodeCode, index)
			if !found {
				return fmt.Errorf("%w: no property (%d,%d,%d)", ErrProtocolDesync, sceneCode, nodeCode, index)
			}
			v, err := entity.DecodeValue(b, desc, factories.customFactory(id, nodeCode, index))
			if err != nil {
				return desync(err)
			}
			dn.props = append(dn.props, decodedProperty{desc: desc, value: v})
		}
		t.nodes = append(t.nodes, dn)
	}
	// The property section is the last one; bytes past it mean the two ends
	// disagree about the framing and the cursor cannot be trusted.
	if b.Remaining() != 0 {
		return fmt.Errorf("%w: %d trailing bytes", ErrProtocolDesync, b.Remaining())
	}
	return nil
}

// factorySource lets the decoder resolve scene codes and custom factories
// for known nodes, including tombstoned ones. Implemented by ClientWorld.
type factorySource interface {
	sceneCodeOf(id entity.NetID) (uint8, bool)
	customFactory(id entity.NetID, node, index uint8) entity.CustomFactory
}

func desync(err error) error {
	return fmt.Errorf("%w: %v", ErrProtocolDesync, err)
}

// --- input packets ---

type inputPacket struct {
	tick    uint64
	node    entity.NetID
	payload []byte
}

func encodeInput(b *codec.Buffer, in inputPacket) error {
	b.WriteU64(in.tick)
	b.WriteU32(uint32(in.node))
	return b.WriteBytes(in.payload)
}

func decodeInput(raw []byte) (inputPacket, error) {
	b := codec.Wrap(raw)
	var in inputPacket
	var err error
	if in.tick, err = b.ReadU64(); err != nil {
		return in, desync(err)
	}
	id, err := b.ReadU32()
	if err != nil {
		return in, desync(err)
	}
	in.node = entity.NetID(id)
	if in.payload, err = b.ReadBytes(); err != nil {
		return in, desync(err)
	}
	return in, nil
}

// --- function-call packets ---

type callPacket struct {
	node     entity.NetID
	nodeCode uint8
	index    uint8
	args     []entity.Value
}

func encodeCall(b *codec.Buffer, c callPacket, desc *registry.FunctionDescriptor) error {
	if len(c.args) != len(desc.Params) {
		return fmt.Errorf("%w: %q wants %d args, got %d",
			ErrBadFunctionArgs, desc.Name, len(desc.Params), len(c.args))
	}
	b.WriteU32(uint32(c.node))
	b.WriteU8(c.nodeCode)
	b.WriteU8(c.index)
	for i, v := range c.args {
		d := registry.PropertyDescriptor{Kind: desc.Params[i], Name: desc.Name}
		if err := v.Encode(b, &d); err != nil {
			return err
		}
	}
	return nil
}

// decodeCallHeader reads the addressing part of a call packet; arguments
// are decoded by the caller once the descriptor is resolved.
func decodeCallHeader(b *codec.Buffer) (entity.NetID, uint8, uint8, error) {
	id, err := b.ReadU32()
	if err != nil {
		return 0, 0, 0, desync(err)
	}
	nodeCode, err := b.ReadU8()
	if err != nil {
		return 0, 0, 0, desync(err)
	}
	index, err := b.ReadU8()
	if err != nil {
		return 0, 0, 0, desync(err)
	}
	return entity.NetID(id), nodeCode, index, nil
}

func decodeCallArgs(b *codec.Buffer, desc *registry.FunctionDescriptor) ([]entity.Value, error) {
	args := make([]entity.Value, len(desc.Params))
	for i, kind := range desc.Params {
		d := registry.PropertyDescriptor{Kind: kind, Name: desc.Name}
		v, err := entity.DecodeValue(b, &d, nil)
		if err != nil {
			return nil, desync(err)
		}
		args[i] = v
	}
	return args, nil
}

// --- handshake ---

type handshakeOffer struct {
	worldID  uuid.UUID
	checksum uint64
}

func encodeOffer(b *codec.Buffer, o handshakeOffer) error {
	if err := b.WriteBytes(o.worldID[:]); err != nil {
		return err
	}
	b.WriteU64(o.checksum)
	return nil
}

func decodeOffer(raw []byte) (handshakeOffer, error) {
	b := codec.Wrap(raw)
	var o handshakeOffer
	idBytes, err := b.ReadBytes()
	if err != nil {
		return o, desync(err)
	}
	if len(idBytes) != 16 {
		return o, fmt.Errorf("%w: world id must be 16 bytes", ErrProtocolDesync)
	}
	copy(o.worldID[:], idBytes)
	if o.checksum, err = b.ReadU64(); err != nil {
		return o, desync(err)
	}
	return o, nil
}

func encodeReply(b *codec.Buffer, checksum uint64) {
	b.WriteU64(checksum)
}

func decodeReply(raw []byte) (uint64, error) {
	b := codec.Wrap(raw)
	v, err := b.ReadU64()
	if err != nil {
		return 0, desync(err)
	}
	return v, nil
}

func encodeAck(b *codec.Buffer, tick uint64) {
	b.WriteU64(tick)
}

func decodeAck(raw []byte) (uint64, error) {
	b := codec.Wrap(raw)
	v, err := b.ReadU64()
	if err != nil {
		return 0, desync(err)
	}
	return v, nil
}
