package transport

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"io"
	"sync"
	"sync/atomic"

	"github.com/quic-go/quic-go"

	"github.com/tickwire/tickwire/internal/core/observability/log"
)

// QUIC transport. Reliable sends travel over one bidirectional stream per
// peer as length-prefixed frames [u16 length][channel byte][payload];
// unreliable sends travel as QUIC datagrams [channel byte][payload], which
// may be dropped or reordered in flight exactly as the tick protocol
// tolerates.

// ALPNProtocol is the protocol name negotiated during the TLS handshake.
// Both ends must present it.
const ALPNProtocol = "tickwire/1"

const maxQUICFrame = 1 << 16

// QUICServer is a QUIC-backed ServerTransport.
type QUICServer struct {
	listener *quic.Listener
	logger   log.Log

	mu     sync.Mutex
	peers  map[PeerID]*quicPeer
	events Events
	nextID uint32
	closed atomic.Bool

	queue  inboundQueue
	cancel context.CancelFunc
}

var _ ServerTransport = (*QUICServer)(nil)

type quicPeer struct {
	id     PeerID
	conn   *quic.Conn
	stream *quic.Stream
	writeM sync.Mutex
	closed atomic.Bool
}

// ListenQUIC starts accepting connections on addr. tlsConf must carry a
// certificate and the ALPNProtocol entry in NextProtos.
func ListenQUIC(addr string, tlsConf *tls.Config, logger log.Log) (*QUICServer, error) {
	listener, err := quic.ListenAddr(addr, tlsConf, &quic.Config{EnableDatagrams: true})
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &QUICServer{
		listener: listener,
		logger:   logger.With(log.String("transport", "quic")),
		peers:    make(map[PeerID]*quicPeer),
		cancel:   cancel,
	}
	go s.acceptLoop(ctx)
	return s, nil
}

func (s *QUICServer) SetEvents(ev Events) {
	s.mu.Lock()
	s.events = ev
	s.mu.Unlock()
}

func (s *QUICServer) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept(ctx)
		if err != nil {
			return
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *QUICServer) handleConn(ctx context.Context, conn *quic.Conn) {
	// The client opens the frame stream right after the handshake.
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "no stream")
		return
	}

	s.mu.Lock()
	s.nextID++
	p := &quicPeer{id: PeerID(s.nextID), conn: conn, stream: stream}
	s.peers[p.id] = p
	ev := s.events
	s.mu.Unlock()

	s.logger.Info("peer connected",
		log.Uint32("peer", uint32(p.id)),
		log.String("remote", conn.RemoteAddr().String()))
	if ev != nil {
		ev.PeerConnected(p.id)
	}

	go s.datagramLoop(ctx, p)
	s.streamLoop(p)
}

func (s *QUICServer) streamLoop(p *quicPeer) {
	defer s.dropPeer(p)
	for {
		ch, payload, err := readFrame(p.stream)
		if err != nil {
			return
		}
		s.queue.push(Inbound{Peer: p.id, Channel: ch, Payload: payload})
	}
}

func (s *QUICServer) datagramLoop(ctx context.Context, p *quicPeer) {
	for {
		data, err := p.conn.ReceiveDatagram(ctx)
		if err != nil {
			return
		}
		if len(data) < 1 {
			continue
		}
		s.queue.push(Inbound{Peer: p.id, Channel: Channel(data[0]), Payload: data[1:]})
	}
}

func (s *QUICServer) dropPeer(p *quicPeer) {
	if p.closed.Swap(true) {
		return
	}
	_ = p.conn.CloseWithError(0, "")

	s.mu.Lock()
	delete(s.peers, p.id)
	ev := s.events
	s.mu.Unlock()

	s.logger.Info("peer disconnected", log.Uint32("peer", uint32(p.id)))
	if ev != nil {
		ev.PeerDisconnected(p.id)
	}
}

func (s *QUICServer) Send(peer PeerID, ch Channel, payload []byte, rel Reliability) error {
	if s.closed.Load() {
		return ErrTransportClosed
	}
	s.mu.Lock()
	p, ok := s.peers[peer]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	if err := sendQUIC(p, ch, payload, rel); err != nil {
		s.dropPeer(p)
	}
	return nil
}

func (s *QUICServer) Broadcast(ch Channel, payload []byte, rel Reliability) error {
	s.mu.Lock()
	ids := make([]PeerID, 0, len(s.peers))
	for id := range s.peers {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		if err := s.Send(id, ch, payload, rel); err != nil {
			return err
		}
	}
	return nil
}

func (s *QUICServer) Drain(fn func(Inbound)) {
	s.queue.drain(fn)
}

func (s *QUICServer) Disconnect(peer PeerID) {
	s.mu.Lock()
	p, ok := s.peers[peer]
	s.mu.Unlock()
	if ok {
		s.dropPeer(p)
	}
}

func (s *QUICServer) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.cancel()
	s.mu.Lock()
	peers := make([]*quicPeer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()
	for _, p := range peers {
		s.dropPeer(p)
	}
	return s.listener.Close()
}

// QUICClient is the QUIC ClientTransport.
type QUICClient struct {
	conn   *quic.Conn
	stream *quic.Stream
	writeM sync.Mutex
	queue  inboundQueue
	closed atomic.Bool
	cancel context.CancelFunc
}

var _ ClientTransport = (*QUICClient)(nil)

// DialQUIC connects to a QUICServer. tlsConf must list ALPNProtocol in
// NextProtos.
func DialQUIC(ctx context.Context, addr string, tlsConf *tls.Config) (*QUICClient, error) {
	conn, err := quic.DialAddr(ctx, addr, tlsConf, &quic.Config{EnableDatagrams: true})
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "no stream")
		return nil, err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	c := &QUICClient{conn: conn, stream: stream, cancel: cancel}
	go c.streamLoop()
	go c.datagramLoop(loopCtx)
	return c, nil
}

func (c *QUICClient) streamLoop() {
	defer c.closed.Store(true)
	for {
		ch, payload, err := readFrame(c.stream)
		if err != nil {
			return
		}
		c.queue.push(Inbound{Peer: ServerPeer, Channel: ch, Payload: payload})
	}
}

func (c *QUICClient) datagramLoop(ctx context.Context) {
	for {
		data, err := c.conn.ReceiveDatagram(ctx)
		if err != nil {
			return
		}
		if len(data) < 1 {
			continue
		}
		c.queue.push(Inbound{Peer: ServerPeer, Channel: Channel(data[0]), Payload: data[1:]})
	}
}

func (c *QUICClient) Send(ch Channel, payload []byte, rel Reliability) error {
	if c.closed.Load() {
		return ErrTransportClosed
	}
	p := &quicPeer{conn: c.conn, stream: c.stream}
	c.writeM.Lock()
	defer c.writeM.Unlock()
	return sendQUICUnlocked(p, ch, payload, rel)
}

func (c *QUICClient) Drain(fn func(ch Channel, payload []byte)) {
	c.queue.drain(func(in Inbound) { fn(in.Channel, in.Payload) })
}

func (c *QUICClient) Closed() bool { return c.closed.Load() }

func (c *QUICClient) Close() error {
	c.closed.Store(true)
	c.cancel()
	return c.conn.CloseWithError(0, "client close")
}

func sendQUIC(p *quicPeer, ch Channel, payload []byte, rel Reliability) error {
	p.writeM.Lock()
	defer p.writeM.Unlock()
	return sendQUICUnlocked(p, ch, payload, rel)
}

func sendQUICUnlocked(p *quicPeer, ch Channel, payload []byte, rel Reliability) error {
	if rel == Unreliable {
		// Datagrams that exceed the path MTU fall back to the stream.
		if err := p.conn.SendDatagram(frameChannel(ch, payload)); err == nil {
			return nil
		}
	}
	return writeFrame(p.stream, ch, payload)
}

func writeFrame(w io.Writer, ch Channel, payload []byte) error {
	// The length field is a u16; len+1 == 1<<16 would wrap to zero.
	if len(payload)+1 >= maxQUICFrame {
		return ErrFrameTooLarge
	}
	header := make([]byte, 3, 3+len(payload))
	binary.LittleEndian.PutUint16(header, uint16(len(payload)+1))
	header[2] = byte(ch)
	_, err := w.Write(append(header, payload...))
	return err
}

func readFrame(r io.Reader) (Channel, []byte, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return 0, nil, err
	}
	n := binary.LittleEndian.Uint16(lenBuf[:])
	if n < 1 {
		return 0, nil, ErrBadFrame
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, err
	}
	return Channel(body[0]), body[1:], nil
}
