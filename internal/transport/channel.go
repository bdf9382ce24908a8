package transport

import (
	"context"
	"errors"
	"time"

	"github.com/danmuck/mdreactor/internal/protocol"
	"github.com/danmuck/mdreactor/internal/protocol/frame"
	"github.com/danmuck/mdreactor/internal/tunnel/reliability"
)

var (
	ErrClosed          = errors.New("transport: channel closed")
	ErrAddressRequired = errors.New("transport: address required")
)

// Channel moves generic messages to and from one peer. ReadMsg skips
// keepalives; Ping sends one.
type Channel interface {
	ID() string
	ReadMsg(ctx context.Context) (*protocol.Msg, error)
	WriteMsg(ctx context.Context, m *protocol.Msg) error
	Ping(ctx context.Context) error
	Close() error
}

// Config holds dial/listen parameters. Zero read and write timeouts leave
// deadlines to the caller's context.
type Config struct {
	Address            string
	ConnectTimeout     time.Duration
	HandshakeTimeout   time.Duration
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	MaxConnectAttempts int
	Limits             frame.Limits
	Backoff            reliability.BackoffConfig
	Security           SecurityConfig
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout:     5 * time.Second,
		HandshakeTimeout:   5 * time.Second,
		WriteTimeout:       15 * time.Second,
		MaxConnectAttempts: 5,
		Limits:             frame.DefaultLimits(),
		Backoff: reliability.BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
	}
}

// WithDefaults fills unset fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.Limits.MaxPayloadBytes == 0 {
		c.Limits = def.Limits
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = def.Backoff
	}
	return c
}
