// Package client is the Go SDK for connecting a game client to a tickwire
// server: it dials the transport, runs the registry handshake and hands the
// caller a ready ClientWorld to pump from the game loop.
package client

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/tickwire/tickwire/internal/core/observability/log"
	"github.com/tickwire/tickwire/internal/core/registry"
	"github.com/tickwire/tickwire/internal/core/transport"
	"github.com/tickwire/tickwire/internal/core/world"
)

// Config holds connection settings for one session.
type Config struct {
	// URL dials a websocket endpoint (ws:// or wss://). Mutually exclusive
	// with Addr.
	URL string

	// Addr dials a QUIC endpoint (host:port). Requires TLS.
	Addr string

	// TLS is used for QUIC and wss connections. Nil picks sane defaults
	// for websocket and is an error for QUIC.
	TLS *tls.Config

	// Registry must be compiled from the same declarations as the
	// server's, or the handshake checksum will reject the session.
	Registry *registry.Registry

	// HandshakeTimeout bounds the wait for the server's offer. Zero means
	// 10 seconds.
	HandshakeTimeout time.Duration

	// Logger defaults to a no-op logger.
	Logger log.Log
}

// Session is one live connection: the transport underneath and the world
// mirror on top. Pump the mirror with World().Update from the game loop.
type Session struct {
	tr     transport.ClientTransport
	mirror *world.ClientWorld
}

// Connect dials the configured endpoint and completes the registry
// handshake before returning. Scene factories are registered through the
// setup callback, which runs before any packet is processed.
func Connect(ctx context.Context, config Config, setup func(c *world.ClientWorld) error) (*Session, error) {
	if config.Registry == nil {
		return nil, ErrNilRegistry
	}
	logger := config.Logger
	if logger == nil {
		logger = log.Nop()
	}

	var (
		tr  transport.ClientTransport
		err error
	)
	switch {
	case config.URL != "":
		tr, err = transport.DialWS(config.URL, transport.DefaultWSConfig())
	case config.Addr != "":
		tr, err = transport.DialQUIC(ctx, config.Addr, config.TLS)
	default:
		return nil, ErrNoEndpoint
	}
	if err != nil {
		return nil, err
	}

	mirror := world.NewClient(config.Registry, tr, logger)
	if setup != nil {
		if err := setup(mirror); err != nil {
			_ = tr.Close()
			return nil, err
		}
	}

	s := &Session{tr: tr, mirror: mirror}
	if err := s.awaitHandshake(ctx, config.handshakeTimeout()); err != nil {
		_ = tr.Close()
		return nil, err
	}
	return s, nil
}

// World returns the replicated mirror.
func (s *Session) World() *world.ClientWorld { return s.mirror }

// Closed reports whether the underlying connection is gone.
func (s *Session) Closed() bool { return s.tr.Closed() }

// Close tears the session down.
func (s *Session) Close() error { return s.mirror.Close() }

// awaitHandshake pumps the mirror until the checksum exchange completes.
// Tick data is not waited for; the first spawns arrive through regular
// Update calls.
func (s *Session) awaitHandshake(ctx context.Context, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	poll := time.NewTicker(10 * time.Millisecond)
	defer poll.Stop()

	for {
		if err := s.mirror.Update(0); err != nil {
			return err
		}
		if s.mirror.Handshaken() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return ErrHandshakeTimeout
		case <-poll.C:
		}
	}
}

func (c Config) handshakeTimeout() time.Duration {
	if c.HandshakeTimeout > 0 {
		return c.HandshakeTimeout
	}
	return 10 * time.Second
}
