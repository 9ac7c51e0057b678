package server

import (
	"context"
	"crypto/tls"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/tickwire/tickwire/internal/core/observability/log"
	"github.com/tickwire/tickwire/internal/core/transport"
	"github.com/tickwire/tickwire/internal/core/world"
)

// Server assembles one replicated world behind a network transport plus a
// small diagnostics surface.
type Server struct {
	config Config
	logger log.Log

	world *world.World
	tr    transport.ServerTransport

	running atomic.Bool
	cancel  context.CancelFunc
	group   *errgroup.Group
}

func NewServer(config Config, logger log.Log) (*Server, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	return &Server{
		config: config,
		logger: logger.With(log.String("component", "server")),
	}, nil
}

// Start builds the transport and world and begins ticking. Non-blocking;
// Stop shuts everything down.
func (s *Server) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	reg, err := ArenaRegistry()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	group, ctx := errgroup.WithContext(ctx)
	s.group = group

	switch s.config.Transport {
	case "quic":
		tlsConf, err := s.loadTLS()
		if err != nil {
			cancel()
			return err
		}
		qs, err := transport.ListenQUIC(s.config.Listen, tlsConf, s.logger)
		if err != nil {
			cancel()
			return err
		}
		s.tr = qs
	default:
		ws := transport.NewWSServer(transport.DefaultWSConfig(), s.logger)
		s.tr = ws
		group.Go(func() error { return s.serveHTTP(ctx, ws) })
	}

	s.world = world.New(reg, s.tr, s.config.worldConfig(), s.logger)
	if err := attachArena(s.world, s.logger); err != nil {
		cancel()
		return err
	}

	runner := world.NewRunner(s.world)
	group.Go(func() error { return runner.Run(ctx) })

	s.logger.Info("server started",
		log.String("listen", s.config.Listen),
		log.String("transport", s.config.Transport),
		log.Int("tick_rate", s.config.TickRate))
	return nil
}

// Stop tears the server down and waits for the tick loop to exit.
func (s *Server) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	s.cancel()
	err := s.group.Wait()
	_ = s.tr.Close()
	if err == context.Canceled {
		return nil
	}
	return err
}

// World exposes the running world for diagnostics.
func (s *Server) World() *world.World { return s.world }

func (s *Server) loadTLS() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(s.config.TLSCert, s.config.TLSKey)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{transport.ALPNProtocol},
	}, nil
}
