package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"math/rand"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/mdreactor/internal/protocol"
	"github.com/danmuck/mdreactor/internal/protocol/frame"
	"github.com/danmuck/mdreactor/internal/tunnel/reliability"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// NetChannel frames generic messages on a net.Conn.
type NetChannel struct {
	id     string
	conn   net.Conn
	reader *bufio.Reader
	cfg    Config

	nextMessageID atomic.Uint64
	wmu           sync.Mutex
	closeOnce     sync.Once
	closeErr      error
}

func newNetChannel(conn net.Conn, cfg Config) *NetChannel {
	c := &NetChannel{
		id:     uuid.NewString(),
		conn:   conn,
		reader: bufio.NewReader(conn),
		cfg:    cfg,
	}
	c.nextMessageID.Store(uint64(time.Now().UnixNano()))
	return c
}

// NewNetChannel wraps an established connection.
func NewNetChannel(conn net.Conn, cfg Config) *NetChannel {
	return newNetChannel(conn, cfg.WithDefaults())
}

func (c *NetChannel) ID() string { return c.id }

func (c *NetChannel) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// ReadMsg returns the next message. Pings are answered and skipped.
func (c *NetChannel) ReadMsg(ctx context.Context) (*protocol.Msg, error) {
	for {
		if err := c.setReadDeadline(ctx); err != nil {
			return nil, c.mapErr(ctx, err)
		}
		h, m, err := protocol.ReadMsg(c.reader, c.cfg.Limits)
		if err != nil {
			return nil, c.mapErr(ctx, err)
		}
		if m != nil {
			return m, nil
		}
		if h.Flags&frame.FlagPing != 0 {
			if err := c.writeFrame(ctx, frame.FlagPingResp); err != nil {
				return nil, err
			}
		}
	}
}

func (c *NetChannel) WriteMsg(ctx context.Context, m *protocol.Msg) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.setWriteDeadline(ctx); err != nil {
		return c.mapErr(ctx, err)
	}
	if err := protocol.WriteMsg(c.conn, c.nextMessageID.Add(1), m, c.cfg.Limits); err != nil {
		return c.mapErr(ctx, err)
	}
	return nil
}

func (c *NetChannel) Ping(ctx context.Context) error {
	return c.writeFrame(ctx, frame.FlagPing)
}

func (c *NetChannel) writeFrame(ctx context.Context, flags uint32) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.setWriteDeadline(ctx); err != nil {
		return c.mapErr(ctx, err)
	}
	err := frame.WriteFrame(c.conn, frame.Frame{
		Header: frame.Header{MessageID: c.nextMessageID.Add(1), Flags: flags},
	}, c.cfg.Limits)
	return c.mapErr(ctx, err)
}

func (c *NetChannel) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

func (c *NetChannel) mapErr(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, net.ErrClosed) {
		return ErrClosed
	}
	return err
}

func (c *NetChannel) setWriteDeadline(ctx context.Context) error {
	var deadline time.Time
	if c.cfg.WriteTimeout > 0 {
		deadline = time.Now().Add(c.cfg.WriteTimeout)
	}
	if ctxDeadline, ok := ctx.Deadline(); ok && (deadline.IsZero() || ctxDeadline.Before(deadline)) {
		deadline = ctxDeadline
	}
	return c.conn.SetWriteDeadline(deadline)
}

func (c *NetChannel) setReadDeadline(ctx context.Context) error {
	var deadline time.Time
	if c.cfg.ReadTimeout > 0 {
		deadline = time.Now().Add(c.cfg.ReadTimeout)
	}
	if ctxDeadline, ok := ctx.Deadline(); ok && (deadline.IsZero() || ctxDeadline.Before(deadline)) {
		deadline = ctxDeadline
	}
	return c.conn.SetReadDeadline(deadline)
}

// Dial connects to cfg.Address, retrying with backoff up to
// MaxConnectAttempts (zero retries forever).
func Dial(ctx context.Context, cfg Config) (*NetChannel, error) {
	cfg = cfg.WithDefaults()
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, ErrAddressRequired
	}
	if err := cfg.Security.ValidateClient(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var attempt int
	for {
		attempt++
		conn, err := dialOnce(ctx, cfg)
		if err == nil {
			log.Debug().Str("addr", cfg.Address).Int("attempt", attempt).Msg("transport connected")
			return newNetChannel(conn, cfg), nil
		}
		log.Warn().Err(err).Str("addr", cfg.Address).Int("attempt", attempt).Msg("transport dial failed")
		if cfg.MaxConnectAttempts > 0 && attempt >= cfg.MaxConnectAttempts {
			return nil, err
		}
		timer := time.NewTimer(reliability.NextBackoffDelay(cfg.Backoff, attempt, rng))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func dialOnce(ctx context.Context, cfg Config) (net.Conn, error) {
	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", cfg.Address)
	if err != nil {
		return nil, err
	}
	if !cfg.Security.TLS.Enabled {
		return rawConn, nil
	}

	tlsCfg, err := cfg.Security.clientTLS(cfg.Address)
	if err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	conn := tls.Client(rawConn, tlsCfg)
	handshakeCtx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
	defer cancel()
	if err := conn.HandshakeContext(handshakeCtx); err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	return conn, nil
}

// Listener accepts framed channels.
type Listener struct {
	ln  net.Listener
	cfg Config
}

// Listen binds cfg.Address. With TLS enabled every accepted connection
// completes its handshake before Accept returns it.
func Listen(cfg Config) (*Listener, error) {
	cfg = cfg.WithDefaults()
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, ErrAddressRequired
	}
	if err := cfg.Security.ValidateServer(); err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		return nil, err
	}
	if cfg.Security.TLS.Enabled {
		tlsCfg, err := cfg.Security.serverTLS()
		if err != nil {
			_ = ln.Close()
			return nil, err
		}
		ln = tls.NewListener(ln, tlsCfg)
	}
	log.Info().Str("addr", ln.Addr().String()).Bool("tls", cfg.Security.TLS.Enabled).Msg("transport listening")
	return &Listener{ln: ln, cfg: cfg}, nil
}

func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

func (l *Listener) Accept(ctx context.Context) (*NetChannel, error) {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil, ErrClosed
			}
			return nil, err
		}
		if tc, ok := conn.(*tls.Conn); ok {
			handshakeCtx, cancel := context.WithTimeout(ctx, l.cfg.HandshakeTimeout)
			err := tc.HandshakeContext(handshakeCtx)
			cancel()
			if err != nil {
				log.Warn().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("transport tls handshake failed")
				_ = conn.Close()
				continue
			}
		}
		return newNetChannel(conn, l.cfg), nil
	}
}

func (l *Listener) Close() error { return l.ln.Close() }
