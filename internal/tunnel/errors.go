package tunnel

import (
	"errors"

	"github.com/danmuck/mdreactor/internal/tunnel/reliability"
)

var (
	ErrNotOpen        = errors.New("tunnel: stream not open")
	ErrClosed         = errors.New("tunnel: stream closed")
	ErrOpenTimeout    = errors.New("tunnel: open request timed out")
	ErrRejected       = errors.New("tunnel: open rejected by provider")
	ErrAuthRejected   = errors.New("tunnel: login rejected")
	ErrPeerClosed     = errors.New("tunnel: peer closed stream")
	ErrProtocol       = errors.New("tunnel: protocol violation")
	ErrGapTimeout     = errors.New("tunnel: sequence gap timed out")
	ErrNoBuffers      = errors.New("tunnel: guaranteed output buffers exhausted")
	ErrMsgTooLarge    = errors.New("tunnel: message exceeds max message size")
	ErrQueueNotOpen   = errors.New("tunnel: queue stream not open")
	ErrQueueDisabled  = errors.New("tunnel: stream has no persistent queue guarantee")
	ErrRetryExhausted = reliability.ErrRetryExhausted

	// ErrCloseTimeout is reported as a warning: the stream was closed
	// locally without the peer's final acknowledgment.
	ErrCloseTimeout = errors.New("tunnel: close handshake timed out")
)
