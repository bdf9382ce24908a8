package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/danmuck/mdreactor/internal/reactor"
	"github.com/danmuck/mdreactor/internal/transport"
	"github.com/danmuck/mdreactor/internal/tunnel"
	"github.com/danmuck/mdreactor/internal/watchlist"
	"github.com/pelletier/go-toml/v2"
)

// File is the on-disk runtime configuration. Durations are Go duration
// strings; unset values keep the package defaults.
type File struct {
	Reactor   ReactorSection   `toml:"reactor"`
	Tunnel    TunnelSection    `toml:"tunnel"`
	Watchlist WatchlistSection `toml:"watchlist"`
	Transport TransportSection `toml:"transport"`
	Admin     AdminSection     `toml:"admin"`
}

type ReactorSection struct {
	DispatchInterval string `toml:"dispatch_interval"`
	PingInterval     string `toml:"ping_interval"`
	WriteTimeout     string `toml:"write_timeout"`
	WorkerQueueSize  int    `toml:"worker_queue_size"`
}

type TunnelSection struct {
	RequestTimeout          string `toml:"request_timeout"`
	MaxRequestRetries       int    `toml:"max_request_retries"`
	FinAckTimeout           string `toml:"fin_ack_timeout"`
	MaxFinRetries           int    `toml:"max_fin_retries"`
	CloseTimeout            string `toml:"close_timeout"`
	GuaranteedOutputBuffers int    `toml:"guaranteed_output_buffers"`
	TraceBytes              int64  `toml:"trace_bytes"`
	// AutoAckQueueData is a pointer so an explicit false is kept.
	AutoAckQueueData *bool `toml:"auto_ack_queue_data"`

	MaxRetransmits int    `toml:"max_retransmits"`
	GapTimeout     string `toml:"gap_timeout"`
	AckEvery       int    `toml:"ack_every"`
	MaxOutstanding int    `toml:"max_outstanding"`
}

type WatchlistSection struct {
	RequestTimeout    string `toml:"request_timeout"`
	MaxRequestRetries int    `toml:"max_request_retries"`
	PoolSize          int    `toml:"pool_size"`
}

type TransportSection struct {
	Address            string                   `toml:"address"`
	ConnectTimeout     string                   `toml:"connect_timeout"`
	HandshakeTimeout   string                   `toml:"handshake_timeout"`
	ReadTimeout        string                   `toml:"read_timeout"`
	WriteTimeout       string                   `toml:"write_timeout"`
	MaxConnectAttempts int                      `toml:"max_connect_attempts"`
	Security           transport.SecurityConfig `toml:"security"`
}

type AdminSection struct {
	Addr        string   `toml:"addr"`
	CorsOrigins []string `toml:"cors_origins"`
}

// Runtime is a File resolved against the defaults.
type Runtime struct {
	Reactor   reactor.Config
	Transport transport.Config
	Admin     AdminSection
}

func Load(path string) (Runtime, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Runtime{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	return Parse(data, path)
}

// Parse decodes a document. name is only used in errors.
func Parse(data []byte, name string) (Runtime, error) {
	var f File
	if err := toml.Unmarshal(data, &f); err != nil {
		return Runtime{}, fmt.Errorf("config parse failed (%s): %w", name, err)
	}
	rt, err := f.Resolve()
	if err != nil {
		return Runtime{}, fmt.Errorf("config invalid (%s): %w", name, err)
	}
	return rt, nil
}

// Defaults is the runtime used when no file is given.
func Defaults() Runtime {
	rt, _ := File{}.Resolve()
	return rt
}

func (f File) Resolve() (Runtime, error) {
	rc := reactor.DefaultConfig()
	p := parser{}
	p.duration("reactor.dispatch_interval", f.Reactor.DispatchInterval, &rc.DispatchInterval)
	p.duration("reactor.ping_interval", f.Reactor.PingInterval, &rc.PingInterval)
	p.duration("reactor.write_timeout", f.Reactor.WriteTimeout, &rc.WriteTimeout)
	positive(&rc.WorkerQueueSize, f.Reactor.WorkerQueueSize)

	rc.Tunnel = f.Tunnel.resolve(&p)
	rc.Watchlist = f.Watchlist.resolve(&p)

	tc := transport.DefaultConfig()
	tc.Address = strings.TrimSpace(f.Transport.Address)
	p.duration("transport.connect_timeout", f.Transport.ConnectTimeout, &tc.ConnectTimeout)
	p.duration("transport.handshake_timeout", f.Transport.HandshakeTimeout, &tc.HandshakeTimeout)
	p.duration("transport.read_timeout", f.Transport.ReadTimeout, &tc.ReadTimeout)
	p.duration("transport.write_timeout", f.Transport.WriteTimeout, &tc.WriteTimeout)
	positive(&tc.MaxConnectAttempts, f.Transport.MaxConnectAttempts)
	tc.Security = f.Transport.Security
	tc.Security.Mode = transport.NormalizeSecurityMode(tc.Security.Mode)

	if p.err != nil {
		return Runtime{}, p.err
	}

	admin := f.Admin
	admin.Addr = strings.TrimSpace(admin.Addr)
	if admin.Addr == "" {
		admin.Addr = "127.0.0.1:7070"
	}
	return Runtime{Reactor: rc, Transport: tc, Admin: admin}, nil
}

func (s TunnelSection) resolve(p *parser) tunnel.Config {
	c := tunnel.DefaultConfig()
	p.duration("tunnel.request_timeout", s.RequestTimeout, &c.RequestTimeout)
	positive(&c.MaxRequestRetries, s.MaxRequestRetries)
	p.duration("tunnel.fin_ack_timeout", s.FinAckTimeout, &c.FinAckTimeout)
	positive(&c.MaxFinRetries, s.MaxFinRetries)
	p.duration("tunnel.close_timeout", s.CloseTimeout, &c.CloseTimeout)
	positive(&c.GuaranteedOutputBuffers, s.GuaranteedOutputBuffers)
	if s.TraceBytes > 0 {
		c.TraceBytes = s.TraceBytes
	}
	if s.AutoAckQueueData != nil {
		c.AutoAckQueueData = *s.AutoAckQueueData
	}
	positive(&c.Reliability.MaxRetries, s.MaxRetransmits)
	p.duration("tunnel.gap_timeout", s.GapTimeout, &c.Reliability.GapTimeout)
	positive(&c.Reliability.AckEvery, s.AckEvery)
	positive(&c.Reliability.MaxOutstanding, s.MaxOutstanding)
	return c
}

func (s WatchlistSection) resolve(p *parser) watchlist.Config {
	c := watchlist.DefaultConfig()
	p.duration("watchlist.request_timeout", s.RequestTimeout, &c.RequestTimeout)
	positive(&c.MaxRequestRetries, s.MaxRequestRetries)
	positive(&c.PoolSize, s.PoolSize)
	return c
}

// parser keeps the first error so Resolve can report one problem.
type parser struct {
	err error
}

func (p *parser) duration(key, raw string, dst *time.Duration) {
	raw = strings.TrimSpace(raw)
	if raw == "" || p.err != nil {
		return
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		p.err = fmt.Errorf("parse %s: %w", key, err)
		return
	}
	if d <= 0 {
		p.err = fmt.Errorf("%s must be positive", key)
		return
	}
	*dst = d
}

func positive(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}
