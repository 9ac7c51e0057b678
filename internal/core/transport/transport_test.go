package transport

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tickwire/tickwire/internal/core/observability/log"
)

type recordedEvents struct {
	connected    []PeerID
	disconnected []PeerID
}

func (r *recordedEvents) PeerConnected(p PeerID)    { r.connected = append(r.connected, p) }
func (r *recordedEvents) PeerDisconnected(p PeerID) { r.disconnected = append(r.disconnected, p) }

func TestLoopback_ConnectAssignsIDsAndFiresEvents(t *testing.T) {
	lb := NewLoopback()
	ev := &recordedEvents{}
	lb.SetEvents(ev)

	a := lb.Connect()
	b := lb.Connect()

	assert.Equal(t, PeerID(1), a.PeerID())
	assert.Equal(t, PeerID(2), b.PeerID())
	assert.Equal(t, []PeerID{1, 2}, ev.connected)
}

func TestLoopback_DeliveryOrderAndChannels(t *testing.T) {
	lb := NewLoopback()
	c := lb.Connect()

	require.NoError(t, c.Send(ChannelInput, []byte{1}, Unreliable))
	require.NoError(t, c.Send(ChannelRPC, []byte{2}, Reliable))
	require.NoError(t, c.Send(ChannelInput, []byte{3}, Unreliable))

	var got []Inbound
	lb.Drain(func(in Inbound) { got = append(got, in) })
	require.Len(t, got, 3)
	assert.Equal(t, ChannelInput, got[0].Channel)
	assert.Equal(t, ChannelRPC, got[1].Channel)
	assert.Equal(t, []byte{3}, got[2].Payload)
	for _, in := range got {
		assert.Equal(t, c.PeerID(), in.Peer)
	}

	// A drained queue stays drained.
	count := 0
	lb.Drain(func(Inbound) { count++ })
	assert.Zero(t, count)
}

func TestLoopback_PayloadsAreCloned(t *testing.T) {
	lb := NewLoopback()
	c := lb.Connect()

	buf := []byte{1, 2, 3}
	require.NoError(t, lb.Send(c.PeerID(), ChannelTick, buf, Reliable))
	buf[0] = 99 // sender reuses its buffer

	c.Drain(func(_ Channel, payload []byte) {
		assert.Equal(t, []byte{1, 2, 3}, payload)
	})
}

func TestLoopback_DisconnectIsTerminal(t *testing.T) {
	lb := NewLoopback()
	ev := &recordedEvents{}
	lb.SetEvents(ev)
	c := lb.Connect()

	lb.Disconnect(c.PeerID())
	assert.True(t, c.Closed())
	assert.Equal(t, []PeerID{c.PeerID()}, ev.disconnected)

	// Sends to a departed peer are dropped, not errors.
	require.NoError(t, lb.Send(c.PeerID(), ChannelTick, []byte{1}, Reliable))
	assert.ErrorIs(t, c.Send(ChannelInput, []byte{1}, Unreliable), ErrTransportClosed)
}

func TestLoopback_BroadcastReachesEveryPeer(t *testing.T) {
	lb := NewLoopback()
	a := lb.Connect()
	b := lb.Connect()

	require.NoError(t, lb.Broadcast(ChannelAdmin, []byte{7}, Reliable))

	for _, c := range []*LoopbackClient{a, b} {
		delivered := 0
		c.Drain(func(ch Channel, payload []byte) {
			delivered++
			assert.Equal(t, ChannelAdmin, ch)
			assert.Equal(t, []byte{7}, payload)
		})
		assert.Equal(t, 1, delivered)
	}
}

func TestWSSend_RacingDisconnectDoesNotPanic(t *testing.T) {
	s := NewWSServer(DefaultWSConfig(), log.Nop())

	// The window under test: the peer's write loop has already shut down
	// but the sender's table lookup happened before the peer was removed.
	p := &wsPeer{id: 1, out: make(chan []byte, 1), done: make(chan struct{})}
	s.peers[p.id] = p
	close(p.done)

	assert.NotPanics(t, func() {
		require.NoError(t, s.Send(p.id, ChannelTick, []byte{1}, Reliable))
	})
}

func TestFrameChannel_PrependsChannelByte(t *testing.T) {
	framed := frameChannel(ChannelRPC, []byte{0xAA, 0xBB})
	assert.Equal(t, []byte{byte(ChannelRPC), 0xAA, 0xBB}, framed)
}

func TestQUICFrame_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte{1, 2, 3, 4, 5}
	require.NoError(t, writeFrame(&buf, ChannelTick, payload))
	require.NoError(t, writeFrame(&buf, ChannelAdmin, nil))

	ch, got, err := readFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, ChannelTick, ch)
	assert.Equal(t, payload, got)

	ch, got, err = readFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, ChannelAdmin, ch)
	assert.Empty(t, got)
}

func TestQUICFrame_RejectsOversize(t *testing.T) {
	var buf bytes.Buffer
	err := writeFrame(&buf, ChannelTick, make([]byte, maxQUICFrame+1))
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	// The boundary payload is the dangerous one: its length field would
	// wrap a u16 to zero instead of overflowing visibly.
	err = writeFrame(&buf, ChannelTick, make([]byte, maxQUICFrame-1))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
	assert.Zero(t, buf.Len())

	// One byte under the boundary still round-trips.
	payload := make([]byte, maxQUICFrame-2)
	payload[len(payload)-1] = 7
	require.NoError(t, writeFrame(&buf, ChannelTick, payload))
	ch, got, err := readFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, ChannelTick, ch)
	assert.Equal(t, payload, got)
}
