package client

import "errors"

var (
	ErrNoEndpoint       = errors.New("either URL or Addr must be set")
	ErrNilRegistry      = errors.New("a compiled registry is required")
	ErrSessionClosed    = errors.New("session is closed")
	ErrHandshakeTimeout = errors.New("handshake did not complete in time")
)
