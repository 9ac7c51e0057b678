package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/tickwire/tickwire/internal/core/observability/log"
	"github.com/tickwire/tickwire/internal/core/transport"
)

// serveHTTP hosts the websocket endpoint and the diagnostics routes on the
// configured listen address.
func (s *Server) serveHTTP(ctx context.Context, ws *transport.WSServer) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", ws.Handler)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/stats", s.handleStats)

	srv := &http.Server{
		Addr:              s.config.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	var err error
	if s.config.TLSCert != "" && s.config.TLSKey != "" {
		err = srv.ListenAndServeTLS(s.config.TLSCert, s.config.TLSKey)
	} else {
		err = srv.ListenAndServe()
	}
	<-done
	if err == http.ErrServerClosed {
		return ctx.Err()
	}
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	type statsPayload struct {
		World     string      `json:"world"`
		Tick      uint64      `json:"tick"`
		Peers     int         `json:"peers"`
		Counters  interface{} `json:"counters"`
		TickRate  int         `json:"tick_rate"`
		Transport string      `json:"transport"`
	}
	// Counters are read without synchronization against the tick loop;
	// diagnostics tolerate torn reads.
	payload := statsPayload{
		World:     s.world.ID().String(),
		Tick:      s.world.CurrentTick(),
		Peers:     s.world.PeerCount(),
		Counters:  s.world.Stats(),
		TickRate:  s.config.TickRate,
		Transport: s.config.Transport,
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("stats encode failed", log.Error(err))
	}
}
