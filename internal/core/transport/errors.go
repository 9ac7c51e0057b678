package transport

import "errors"

var (
	ErrPeerNotFound    = errors.New("peer not connected")
	ErrTransportClosed = errors.New("transport is closed")
	ErrFrameTooLarge   = errors.New("frame exceeds maximum size")
	ErrBadFrame        = errors.New("malformed frame")
)
