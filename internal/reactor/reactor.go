package reactor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/danmuck/mdreactor/internal/observability"
	"github.com/danmuck/mdreactor/internal/protocol"
	"github.com/danmuck/mdreactor/internal/transport"
	"github.com/danmuck/mdreactor/internal/tunnel"
	"github.com/danmuck/mdreactor/internal/tunnel/wire"
	"github.com/danmuck/mdreactor/internal/watchlist"
	"github.com/rs/zerolog/log"
)

// Config holds the reactor's timers and the defaults for the streams it
// creates.
type Config struct {
	DispatchInterval time.Duration
	PingInterval     time.Duration
	WriteTimeout     time.Duration
	WorkerQueueSize  int
	Tunnel           tunnel.Config
	Watchlist        watchlist.Config
}

func DefaultConfig() Config {
	return Config{
		DispatchInterval: 100 * time.Millisecond,
		PingInterval:     20 * time.Second,
		WriteTimeout:     5 * time.Second,
		WorkerQueueSize:  64,
		Tunnel:           tunnel.DefaultConfig(),
		Watchlist:        watchlist.DefaultConfig(),
	}
}

// Callbacks run on the dispatch goroutine. Any of them may be nil.
type Callbacks struct {
	OnChannelEvent func(rc *ReactorChannel, ev ChannelEvent)
	// OnMsg receives messages that belong to no tunnel or watchlist stream.
	OnMsg          func(rc *ReactorChannel, m *protocol.Msg)
	OnWatchlistMsg func(rc *ReactorChannel, ev watchlist.Event)
	// OnTunnelRequest receives a peer's tunnel open request; answer it with
	// rc.AcceptTunnel.
	OnTunnelRequest func(rc *ReactorChannel, req *protocol.Msg)
	OnTunnelStatus  func(rc *ReactorChannel, s *tunnel.Stream, ev tunnel.StatusEvent)
	OnTunnelMsg     func(rc *ReactorChannel, s *tunnel.Stream, msg tunnel.Message)
	OnQueueMsg      func(rc *ReactorChannel, s *tunnel.Stream, q wire.QueueMsg)
	OnWorkerEvent   func(ev WorkerEvent)
}

type Options struct {
	Config      Config
	Callbacks   Callbacks
	TokenClient TokenClient
	Discovery   ServiceDiscovery
	// Now overrides the clock for tests.
	Now func() time.Time
}

// Reactor owns a set of channels and drives them from one goroutine.
type Reactor struct {
	cfg    Config
	cb     Callbacks
	queue  *EventQueue
	worker *worker
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	readWG sync.WaitGroup

	channels map[string]*ReactorChannel
	stopOnce sync.Once
}

func New(opts Options) *Reactor {
	cfg := opts.Config
	def := DefaultConfig()
	if cfg.DispatchInterval <= 0 {
		cfg.DispatchInterval = def.DispatchInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := newEventQueue()
	token := opts.TokenClient
	discovery := opts.Discovery
	if token == nil {
		token = HTTPRestClient{}
	}
	if discovery == nil {
		discovery = HTTPRestClient{}
	}
	return &Reactor{
		cfg:      cfg,
		cb:       opts.Callbacks,
		queue:    q,
		worker:   newWorker(cfg.WorkerQueueSize, q, token, discovery),
		now:      now,
		ctx:      ctx,
		cancel:   cancel,
		channels: make(map[string]*ReactorChannel),
	}
}

// Queue exposes the event queue for inspection.
func (r *Reactor) Queue() *EventQueue { return r.queue }

// AddChannel hands an established channel to the reactor. It is safe from
// any goroutine; the channel comes up on the next dispatch.
func (r *Reactor) AddChannel(ch transport.Channel, opts ChannelOptions) error {
	if !r.queue.put(event{kind: eventChannelUp, channelID: ch.ID(), ch: ch, opts: opts}) {
		return ErrShutdown
	}
	return nil
}

// Connect dials a channel on the worker, fetching a token and discovering
// the endpoint first when asked. Failures arrive as a WorkerConnect event.
func (r *Reactor) Connect(opts ConnectOptions) error {
	return r.worker.connect(opts)
}

// RequestToken fetches a token on the worker. The result arrives as a
// WorkerToken event.
func (r *Reactor) RequestToken(opts RestConnectOptions, req TokenRequest, userSpec any) error {
	return r.worker.requestToken(opts, req, userSpec)
}

// DiscoverEndpoints queries service discovery on the worker. The result
// arrives as a WorkerDiscovery event.
func (r *Reactor) DiscoverEndpoints(opts RestConnectOptions, token TokenInfo, req DiscoveryRequest, userSpec any) error {
	return r.worker.discover(opts, token, req, userSpec)
}

// Call runs fn on the dispatch goroutine and returns its error. It must not
// be called from a callback.
func (r *Reactor) Call(ctx context.Context, fn func() error) error {
	reply := make(chan error, 1)
	if !r.queue.put(event{kind: eventCall, call: fn, reply: reply}) {
		return ErrShutdown
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Channel looks up a channel. Dispatch goroutine only.
func (r *Reactor) Channel(id string) (*ReactorChannel, bool) {
	rc, ok := r.channels[id]
	return rc, ok
}

// CloseTunnel starts a tunnel stream's close handshake and waits until the
// stream is closed or ctx ends. A close that times out still closes the
// stream; the timeout is reported to its status callback as a warning.
func (r *Reactor) CloseTunnel(ctx context.Context, channelID string, streamID int32) error {
	var done <-chan struct{}
	err := r.Call(ctx, func() error {
		rc, ok := r.channels[channelID]
		if !ok {
			return fmt.Errorf("%w: %s", ErrChannelNotFound, channelID)
		}
		s, ok := rc.Tunnel(streamID)
		if !ok {
			return fmt.Errorf("%w: %d", ErrTunnelNotFound, streamID)
		}
		done = s.Done()
		return rc.CloseTunnel(streamID)
	})
	if err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CloseChannel closes the transport; the channel goes down on the next
// dispatch.
func (r *Reactor) CloseChannel(ctx context.Context, channelID string) error {
	return r.Call(ctx, func() error {
		rc, ok := r.channels[channelID]
		if !ok {
			return fmt.Errorf("%w: %s", ErrChannelNotFound, channelID)
		}
		return rc.ch.Close()
	})
}

// Run dispatches until ctx ends, then shuts the reactor down.
func (r *Reactor) Run(ctx context.Context) error {
	r.worker.start(r.ctx)
	ticker := time.NewTicker(r.cfg.DispatchInterval)
	defer ticker.Stop()
	for {
		r.Dispatch(ctx)
		select {
		case <-ctx.Done():
			r.Shutdown()
			return ctx.Err()
		case <-r.ctx.Done():
			return ErrShutdown
		case <-r.queue.Notify():
		case <-ticker.C:
		}
	}
}

// Dispatch handles every queued event and then runs timers once. Run calls
// it in a loop; tests may call it directly.
func (r *Reactor) Dispatch(ctx context.Context) {
	for _, ev := range r.queue.drain() {
		r.handle(ev)
	}
	now := r.now()
	for _, rc := range r.channels {
		rc.timers(ctx, now)
	}
}

func (r *Reactor) handle(ev event) {
	switch ev.kind {
	case eventInbound:
		if rc, ok := r.channels[ev.channelID]; ok {
			rc.route(ev.msg, r.now())
		}
	case eventChannelUp:
		r.channelUp(ev.ch, ev.opts)
	case eventChannelDown:
		r.channelDown(ev.channelID, ev.err)
	case eventWorker:
		if r.cb.OnWorkerEvent != nil {
			r.cb.OnWorkerEvent(ev.work)
		}
	case eventCall:
		ev.reply <- ev.call()
	}
}

func (r *Reactor) channelUp(ch transport.Channel, opts ChannelOptions) {
	if _, dup := r.channels[ch.ID()]; dup {
		return
	}
	rc := newReactorChannel(r, ch, opts)
	rc.lastPing = r.now()
	readCtx, cancel := context.WithCancel(r.ctx)
	rc.cancel = cancel
	r.channels[rc.id] = rc
	r.readWG.Add(1)
	go r.read(readCtx, rc.id, ch)

	log.Info().Str("channel", rc.id).Msg("reactor channel up")
	observability.RecordChannelEvent(ChannelUp.String())
	r.channelEvent(rc, ChannelEvent{Kind: ChannelUp})
	r.channelEvent(rc, ChannelEvent{Kind: ChannelReady})
}

func (r *Reactor) channelDown(id string, cause error) {
	rc, ok := r.channels[id]
	if !ok {
		return
	}
	delete(r.channels, id)
	rc.teardown(cause)
	if errors.Is(cause, io.EOF) || errors.Is(cause, transport.ErrClosed) {
		log.Info().Str("channel", id).Msg("reactor channel closed")
	} else {
		log.Warn().Err(cause).Str("channel", id).Msg("reactor channel down")
	}
	observability.RecordChannelEvent(ChannelDown.String())
	r.channelEvent(rc, ChannelEvent{Kind: ChannelDown, Err: cause})
}

func (r *Reactor) channelEvent(rc *ReactorChannel, ev ChannelEvent) {
	if r.cb.OnChannelEvent != nil {
		r.cb.OnChannelEvent(rc, ev)
	}
}

// read feeds one channel's messages into the event queue.
func (r *Reactor) read(ctx context.Context, id string, ch transport.Channel) {
	defer r.readWG.Done()
	for {
		m, err := ch.ReadMsg(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.queue.put(event{kind: eventChannelDown, channelID: id, err: err})
			return
		}
		if !r.queue.put(event{kind: eventInbound, channelID: id, msg: m}) {
			return
		}
	}
}

// Shutdown closes every channel and stops the worker and readers. Pending
// Calls are answered with ErrShutdown.
func (r *Reactor) Shutdown() {
	r.stopOnce.Do(func() {
		r.cancel()
		for _, ev := range r.queue.close() {
			if ev.kind == eventCall {
				ev.reply <- ErrShutdown
			}
			if ev.kind == eventChannelUp {
				_ = ev.ch.Close()
			}
		}
		for id, rc := range r.channels {
			delete(r.channels, id)
			rc.teardown(ErrShutdown)
		}
		r.readWG.Wait()
		r.worker.wait()
		log.Info().Msg("reactor shut down")
	})
}
