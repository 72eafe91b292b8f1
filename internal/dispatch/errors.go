package dispatch

import "errors"

// Sentinel errors for conditions expected during normal operation (spec §7).
var (
	ErrPeerOffline     = errors.New("peer is not connected")
	ErrSessionExpired  = errors.New("broker session expired or absent")
	ErrVersionMismatch = errors.New("peer protocol version below minimum")
)
