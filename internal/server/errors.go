package server

import "errors"

var (
	ErrUnknownTransport = errors.New("unknown transport")
	ErrTLSRequired      = errors.New("quic transport requires tls_cert and tls_key")
	ErrBadConfig        = errors.New("invalid configuration")
	ErrAlreadyRunning   = errors.New("server already running")
)
