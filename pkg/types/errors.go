package types

import "errors"

// Error kinds shared across packages. Wrap them with fmt.Errorf("%w") and
// match with errors.Is.
var (
	ErrTransport          = errors.New("transport error")
	ErrNotFound           = errors.New("not found")
	ErrStorage            = errors.New("storage error")
	ErrProtocolViolation  = errors.New("protocol violation")
	ErrIntegrity          = errors.New("chunk integrity check failed")
	ErrNoPeers            = errors.New("no available peers to distribute chunks")
	ErrInvalidContentHash = errors.New("invalid content hash")
	ErrInvalidChunkID     = errors.New("invalid chunk identifier")
	ErrClosed             = errors.New("network actor closed")
)
