package transport

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tickwire/tickwire/internal/core/observability/log"
)

// WebSocket frames are [channel byte][payload] inside a binary message.
// WebSocket has no unreliable lane, so Unreliable sends are upgraded to
// Reliable.

// WSConfig holds the WebSocket transport settings.
type WSConfig struct {
	WriteTimeout time.Duration
	ReadLimit    int64
	// SendQueue is the per-peer outbound queue depth; a peer that cannot
	// keep up is disconnected rather than allowed to block the tick loop.
	SendQueue int
}

func DefaultWSConfig() WSConfig {
	return WSConfig{
		WriteTimeout: 10 * time.Second,
		ReadLimit:    1 << 20,
		SendQueue:    256,
	}
}

// WSServer is a WebSocket-backed ServerTransport. Register Handler on an
// http.ServeMux and serve it with the host application's http.Server.
type WSServer struct {
	config   WSConfig
	upgrader websocket.Upgrader
	logger   log.Log

	mu     sync.Mutex
	peers  map[PeerID]*wsPeer
	events Events
	nextID uint32
	closed atomic.Bool

	queue inboundQueue
}

var _ ServerTransport = (*WSServer)(nil)

type wsPeer struct {
	id   PeerID
	conn *websocket.Conn
	out  chan []byte
	// done is closed on drop and signals the write loop to exit. out is
	// never closed: a tick-loop Send racing a disconnect must park a frame
	// for the collector, not panic on a closed channel.
	done   chan struct{}
	closed atomic.Bool
}

func NewWSServer(config WSConfig, logger log.Log) *WSServer {
	return &WSServer{
		config: config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger.With(log.String("transport", "websocket")),
		peers:  make(map[PeerID]*wsPeer),
	}
}

func (s *WSServer) SetEvents(ev Events) {
	s.mu.Lock()
	s.events = ev
	s.mu.Unlock()
}

// Handler upgrades incoming requests and runs the peer's read/write loops.
func (s *WSServer) Handler(w http.ResponseWriter, r *http.Request) {
	if s.closed.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", log.Error(err))
		return
	}
	conn.SetReadLimit(s.config.ReadLimit)

	s.mu.Lock()
	s.nextID++
	p := &wsPeer{
		id:   PeerID(s.nextID),
		conn: conn,
		out:  make(chan []byte, s.config.SendQueue),
		done: make(chan struct{}),
	}
	s.peers[p.id] = p
	ev := s.events
	s.mu.Unlock()

	s.logger.Info("peer connected",
		log.Uint32("peer", uint32(p.id)),
		log.String("remote", conn.RemoteAddr().String()))
	if ev != nil {
		ev.PeerConnected(p.id)
	}

	go s.writeLoop(p)
	s.readLoop(p)
}

func (s *WSServer) readLoop(p *wsPeer) {
	defer s.dropPeer(p)
	for {
		kind, data, err := p.conn.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.BinaryMessage || len(data) < 1 {
			continue
		}
		s.queue.push(Inbound{Peer: p.id, Channel: Channel(data[0]), Payload: data[1:]})
	}
}

func (s *WSServer) writeLoop(p *wsPeer) {
	for {
		select {
		case frame := <-p.out:
			if s.config.WriteTimeout > 0 {
				_ = p.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
			}
			if err := p.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				s.dropPeer(p)
				return
			}
		case <-p.done:
			return
		}
	}
}

func (s *WSServer) dropPeer(p *wsPeer) {
	if p.closed.Swap(true) {
		return
	}
	_ = p.conn.Close()

	s.mu.Lock()
	delete(s.peers, p.id)
	ev := s.events
	s.mu.Unlock()

	close(p.done)
	s.logger.Info("peer disconnected", log.Uint32("peer", uint32(p.id)))
	if ev != nil {
		ev.PeerDisconnected(p.id)
	}
}

func (s *WSServer) Send(peer PeerID, ch Channel, payload []byte, _ Reliability) error {
	if s.closed.Load() {
		return ErrTransportClosed
	}
	s.mu.Lock()
	p, ok := s.peers[peer]
	s.mu.Unlock()
	if !ok {
		return nil // gone peers drop their outbound traffic silently
	}

	frame := frameChannel(ch, payload)
	select {
	case p.out <- frame:
	case <-p.done:
		// Lost the race with a disconnect; the frame goes nowhere.
	default:
		// Slow consumer: disconnecting beats blocking the tick loop.
		s.logger.Warn("send queue full, dropping peer", log.Uint32("peer", uint32(peer)))
		s.dropPeer(p)
	}
	return nil
}

func (s *WSServer) Broadcast(ch Channel, payload []byte, rel Reliability) error {
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

func (s *WSServer) Drain(fn func(Inbound)) {
	s.queue.drain(fn)
}

func (s *WSServer) Disconnect(peer PeerID) {
	s.mu.Lock()
	p, ok := s.peers[peer]
	s.mu.Unlock()
	if ok {
		s.dropPeer(p)
	}
}

func (s *WSServer) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.mu.Lock()
	peers := make([]*wsPeer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()
	for _, p := range peers {
		s.dropPeer(p)
	}
	return nil
}

// WSClient is the WebSocket ClientTransport.
type WSClient struct {
	conn   *websocket.Conn
	config WSConfig
	queue  inboundQueue
	closed atomic.Bool
	writeM sync.Mutex
}

var _ ClientTransport = (*WSClient)(nil)

// DialWS connects to a WSServer endpoint (ws:// or wss:// URL).
func DialWS(url string, config WSConfig) (*WSClient, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(config.ReadLimit)
	c := &WSClient{conn: conn, config: config}
	go c.readLoop()
	return c, nil
}

func (c *WSClient) readLoop() {
	defer c.closed.Store(true)
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.BinaryMessage || len(data) < 1 {
			continue
		}
		c.queue.push(Inbound{Peer: ServerPeer, Channel: Channel(data[0]), Payload: data[1:]})
	}
}

func (c *WSClient) Send(ch Channel, payload []byte, _ Reliability) error {
	if c.closed.Load() {
		return ErrTransportClosed
	}
	c.writeM.Lock()
	defer c.writeM.Unlock()
	if c.config.WriteTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	}
	return c.conn.WriteMessage(websocket.BinaryMessage, frameChannel(ch, payload))
}

func (c *WSClient) Drain(fn func(ch Channel, payload []byte)) {
	c.queue.drain(func(in Inbound) { fn(in.Channel, in.Payload) })
}

func (c *WSClient) Closed() bool { return c.closed.Load() }

func (c *WSClient) Close() error {
	c.closed.Store(true)
	return c.conn.Close()
}

func frameChannel(ch Channel, payload []byte) []byte {
	frame := make([]byte, 1+len(payload))
	frame[0] = byte(ch)
	copy(frame[1:], payload)
	return frame
}
