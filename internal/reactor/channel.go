package reactor

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/danmuck/mdreactor/internal/observability"
	"github.com/danmuck/mdreactor/internal/protocol"
	"github.com/danmuck/mdreactor/internal/transport"
	"github.com/danmuck/mdreactor/internal/tunnel"
	"github.com/danmuck/mdreactor/internal/tunnel/wire"
	"github.com/danmuck/mdreactor/internal/watchlist"
	"github.com/rs/zerolog/log"
)

type ChannelEventKind uint8

const (
	ChannelUp ChannelEventKind = iota + 1
	ChannelReady
	ChannelDown
)

func (k ChannelEventKind) String() string {
	switch k {
	case ChannelUp:
		return "up"
	case ChannelReady:
		return "ready"
	case ChannelDown:
		return "down"
	default:
		return fmt.Sprintf("channel(%d)", uint8(k))
	}
}

type ChannelEvent struct {
	Kind ChannelEventKind
	Err  error
}

type ChannelOptions struct {
	UserSpec any
}

type tunnelEntry struct {
	stream   *tunnel.Stream
	openedAt time.Time
	open     bool
}

// ReactorChannel is one transport channel with its tunnel streams and
// watchlist. Its methods must run on the dispatch goroutine.
type ReactorChannel struct {
	id       string
	ch       transport.Channel
	r        *Reactor
	userSpec any

	tunnels      map[int32]*tunnelEntry
	nextTunnelID int32
	wl           *watchlist.Handler
	wlStats      watchlist.Stats

	lastPing time.Time
	cancel   context.CancelFunc
}

func newReactorChannel(r *Reactor, ch transport.Channel, opts ChannelOptions) *ReactorChannel {
	rc := &ReactorChannel{
		id:           ch.ID(),
		ch:           ch,
		r:            r,
		userSpec:     opts.UserSpec,
		tunnels:      make(map[int32]*tunnelEntry),
		nextTunnelID: math.MaxInt32,
	}
	rc.wl = watchlist.NewHandler(rc, r.cfg.Watchlist, func(ev watchlist.Event) {
		if r.cb.OnWatchlistMsg != nil {
			r.cb.OnWatchlistMsg(rc, ev)
		}
	})
	return rc
}

func (rc *ReactorChannel) ID() string { return rc.id }

func (rc *ReactorChannel) UserSpec() any { return rc.userSpec }

func (rc *ReactorChannel) Watchlist() *watchlist.Handler { return rc.wl }

// WriteMsg sends m on the channel, bounded by the reactor write timeout.
func (rc *ReactorChannel) WriteMsg(m *protocol.Msg) error {
	ctx, cancel := context.WithTimeout(rc.r.ctx, rc.r.cfg.WriteTimeout)
	defer cancel()
	return rc.ch.WriteMsg(ctx, m)
}

// SubmitRequest hands an item request to the channel's watchlist.
func (rc *ReactorChannel) SubmitRequest(m *protocol.Msg, reissue bool, userSpec any) error {
	return rc.wl.SubmitRequest(m, reissue, userSpec, rc.r.now())
}

func (rc *ReactorChannel) CloseRequest(streamID int32) error {
	return rc.wl.Close(streamID, rc.r.now())
}

// Tunnel returns the live tunnel stream with the given id.
func (rc *ReactorChannel) Tunnel(streamID int32) (*tunnel.Stream, bool) {
	e, ok := rc.tunnels[streamID]
	if !ok {
		return nil, false
	}
	return e.stream, true
}

func (rc *ReactorChannel) Tunnels() int { return len(rc.tunnels) }

func (rc *ReactorChannel) allocTunnelID() int32 {
	for {
		id := rc.nextTunnelID
		rc.nextTunnelID--
		if rc.nextTunnelID <= 0 {
			rc.nextTunnelID = math.MaxInt32
		}
		if _, used := rc.tunnels[id]; used || rc.wl.Owns(id) {
			continue
		}
		return id
	}
}

// OpenTunnel starts a consumer tunnel stream. A zero StreamID is
// allocated from the top of the id space.
func (rc *ReactorChannel) OpenTunnel(opts tunnel.OpenOptions) (*tunnel.Stream, error) {
	if opts.StreamID == 0 {
		opts.StreamID = rc.allocTunnelID()
	}
	if _, used := rc.tunnels[opts.StreamID]; used {
		return nil, fmt.Errorf("%w: stream id %d in use", watchlist.ErrParameterInvalid, opts.StreamID)
	}
	if err := rc.wl.Reserve(opts.StreamID); err != nil {
		return nil, err
	}
	now := rc.r.now()
	entry := &tunnelEntry{openedAt: now}
	opts.Callbacks = rc.tunnelCallbacks(opts.StreamID, entry, opts.Callbacks)
	s, err := tunnel.NewConsumer(rc, opts, rc.r.cfg.Tunnel, now)
	if err != nil {
		rc.wl.Unreserve(opts.StreamID)
		return nil, err
	}
	entry.stream = s
	rc.tunnels[opts.StreamID] = entry
	return s, nil
}

// AcceptTunnel answers a peer's open request on this channel.
func (rc *ReactorChannel) AcceptTunnel(req *protocol.Msg, opts tunnel.AcceptOptions) (*tunnel.Stream, error) {
	if _, used := rc.tunnels[req.StreamID]; used {
		return nil, fmt.Errorf("%w: stream id %d in use", watchlist.ErrParameterInvalid, req.StreamID)
	}
	if err := rc.wl.Reserve(req.StreamID); err != nil {
		return nil, err
	}
	now := rc.r.now()
	entry := &tunnelEntry{openedAt: now}
	opts.Callbacks = rc.tunnelCallbacks(req.StreamID, entry, opts.Callbacks)
	s, err := tunnel.Accept(rc, req, opts, rc.r.cfg.Tunnel, now)
	if err != nil {
		rc.wl.Unreserve(req.StreamID)
		return nil, err
	}
	entry.stream = s
	rc.tunnels[req.StreamID] = entry
	return s, nil
}

// CloseTunnel starts the close handshake. Reactor.CloseTunnel waits for it.
func (rc *ReactorChannel) CloseTunnel(streamID int32) error {
	e, ok := rc.tunnels[streamID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrTunnelNotFound, streamID)
	}
	return e.stream.Close(rc.r.now())
}

// tunnelCallbacks fills unset callbacks from the reactor's and keeps the
// channel's bookkeeping in step with the stream's phase.
func (rc *ReactorChannel) tunnelCallbacks(streamID int32, entry *tunnelEntry, user tunnel.Callbacks) tunnel.Callbacks {
	cb := rc.r.cb
	out := user
	if out.OnMsg == nil && cb.OnTunnelMsg != nil {
		out.OnMsg = func(s *tunnel.Stream, msg tunnel.Message) { cb.OnTunnelMsg(rc, s, msg) }
	}
	if out.OnQueueMsg == nil && cb.OnQueueMsg != nil {
		out.OnQueueMsg = func(s *tunnel.Stream, q wire.QueueMsg) { cb.OnQueueMsg(rc, s, q) }
	}
	userStatus := user.OnStatus
	out.OnStatus = func(s *tunnel.Stream, ev tunnel.StatusEvent) {
		switch ev.Phase {
		case tunnel.PhaseOpen:
			if !entry.open {
				entry.open = true
				observability.RecordTunnelOpened(rc.r.now().Sub(entry.openedAt))
			}
		case tunnel.PhaseClosed:
			outcome := "closed"
			switch {
			case ev.Fatal:
				outcome = "failed"
			case ev.Warning:
				outcome = "close_timeout"
			}
			observability.RecordTunnelClosed(s.Stats(), outcome, entry.open)
			entry.open = false
			if rc.tunnels[streamID] == entry {
				delete(rc.tunnels, streamID)
			}
			rc.wl.Unreserve(streamID)
		}
		switch {
		case userStatus != nil:
			userStatus(s, ev)
		case cb.OnTunnelStatus != nil:
			cb.OnTunnelStatus(rc, s, ev)
		}
	}
	return out
}

// route delivers one inbound message to its owner.
func (rc *ReactorChannel) route(m *protocol.Msg, now time.Time) {
	if e, ok := rc.tunnels[m.StreamID]; ok {
		if err := e.stream.HandleMsg(m, now); err != nil {
			log.Debug().Err(err).Str("channel", rc.id).Int32("stream_id", m.StreamID).Msg("tunnel message rejected")
		}
		return
	}
	if rc.wl.Owns(m.StreamID) {
		if err := rc.wl.ReadMsg(m, now); err != nil {
			log.Debug().Err(err).Str("channel", rc.id).Int32("stream_id", m.StreamID).Msg("watchlist message rejected")
		}
		return
	}
	if tunnel.IsOpenRequest(m) && rc.r.cb.OnTunnelRequest != nil {
		rc.r.cb.OnTunnelRequest(rc, m)
		return
	}
	if rc.r.cb.OnMsg != nil {
		rc.r.cb.OnMsg(rc, m)
		return
	}
	log.Debug().Str("channel", rc.id).Str("class", m.Class.String()).Int32("stream_id", m.StreamID).Msg("unrouted message dropped")
}

// timers runs every stream's timers and the channel keepalive.
func (rc *ReactorChannel) timers(ctx context.Context, now time.Time) {
	for id, e := range rc.tunnels {
		if err := e.stream.Dispatch(now); err != nil {
			log.Debug().Err(err).Str("channel", rc.id).Int32("stream_id", id).Msg("tunnel dispatch")
		}
	}
	if err := rc.wl.Dispatch(now); err != nil {
		log.Debug().Err(err).Str("channel", rc.id).Msg("watchlist dispatch")
	}
	cur := rc.wl.Stats()
	observability.RecordWatchlist(rc.wlStats, cur)
	rc.wlStats = cur

	if iv := rc.r.cfg.PingInterval; iv > 0 && now.Sub(rc.lastPing) >= iv {
		rc.lastPing = now
		pctx, cancel := context.WithTimeout(ctx, rc.r.cfg.WriteTimeout)
		if err := rc.ch.Ping(pctx); err != nil {
			log.Warn().Err(err).Str("channel", rc.id).Msg("channel ping failed")
		}
		cancel()
	}
}

// teardown ends everything on the channel after it went down.
func (rc *ReactorChannel) teardown(cause error) {
	if rc.cancel != nil {
		rc.cancel()
	}
	_ = rc.ch.Close()
	entries := make([]*tunnelEntry, 0, len(rc.tunnels))
	for _, e := range rc.tunnels {
		entries = append(entries, e)
	}
	for _, e := range entries {
		_ = e.stream.Abort(fmt.Errorf("%w: %v", ErrChannelDown, cause))
	}
	rc.wl.ChannelDown("channel down")
}
