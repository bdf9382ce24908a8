package reactor

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/danmuck/mdreactor/internal/protocol"
	"github.com/danmuck/mdreactor/internal/testutil/testlog"
	"github.com/danmuck/mdreactor/internal/transport"
	"github.com/danmuck/mdreactor/internal/tunnel"
	"github.com/danmuck/mdreactor/internal/tunnel/cos"
	"github.com/danmuck/mdreactor/internal/watchlist"
)

const waitTimeout = 5 * time.Second

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.DispatchInterval = 5 * time.Millisecond
	cfg.PingInterval = 0
	return cfg
}

// startReactor runs a reactor until the test ends.
func startReactor(t *testing.T, opts Options) *Reactor {
	t.Helper()
	if opts.Config.DispatchInterval == 0 {
		opts.Config = testConfig()
	}
	r := New(opts)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(waitTimeout):
			t.Errorf("reactor did not shut down")
		}
	})
	return r
}

func waitFor[T any](t *testing.T, ch <-chan T, what string, match func(T) bool) T {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case v := <-ch:
			if match == nil || match(v) {
				return v
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		}
	}
}

func callCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	t.Cleanup(cancel)
	return ctx
}

type channelEv struct {
	id string
	ev ChannelEvent
}

func channelEvents(ch chan channelEv) func(*ReactorChannel, ChannelEvent) {
	return func(rc *ReactorChannel, ev ChannelEvent) { ch <- channelEv{id: rc.ID(), ev: ev} }
}

func isKind(k ChannelEventKind) func(channelEv) bool {
	return func(e channelEv) bool { return e.ev.Kind == k }
}

// tunnelPeers connects a consumer and an accepting provider reactor over
// an in-memory channel pair.
type tunnelPeers struct {
	consumer, provider *Reactor
	cEnd, pEnd         transport.Channel
	cChannel           chan channelEv
	cStatus            chan tunnel.StatusEvent
	pPayloads          chan string
}

func newTunnelPeers(t *testing.T) *tunnelPeers {
	t.Helper()
	p := &tunnelPeers{
		cChannel:  make(chan channelEv, 16),
		cStatus:   make(chan tunnel.StatusEvent, 16),
		pPayloads: make(chan string, 16),
	}
	p.consumer = startReactor(t, Options{Callbacks: Callbacks{
		OnChannelEvent: channelEvents(p.cChannel),
		OnTunnelStatus: func(_ *ReactorChannel, _ *tunnel.Stream, ev tunnel.StatusEvent) { p.cStatus <- ev },
	}})
	p.provider = startReactor(t, Options{Callbacks: Callbacks{
		OnTunnelRequest: func(rc *ReactorChannel, req *protocol.Msg) {
			if _, err := rc.AcceptTunnel(req, tunnel.AcceptOptions{COS: cos.DefaultProvider()}); err != nil {
				t.Errorf("accept: %v", err)
			}
		},
		OnTunnelMsg: func(_ *ReactorChannel, _ *tunnel.Stream, msg tunnel.Message) { p.pPayloads <- string(msg.Payload) },
	}})
	p.cEnd, p.pEnd = transport.Pipe(64)
	if err := p.consumer.AddChannel(p.cEnd, ChannelOptions{UserSpec: "consumer"}); err != nil {
		t.Fatalf("add consumer channel: %v", err)
	}
	if err := p.provider.AddChannel(p.pEnd, ChannelOptions{UserSpec: "provider"}); err != nil {
		t.Fatalf("add provider channel: %v", err)
	}
	waitFor(t, p.cChannel, "consumer channel ready", isKind(ChannelReady))
	return p
}

func (p *tunnelPeers) open(t *testing.T) *tunnel.Stream {
	t.Helper()
	var s *tunnel.Stream
	err := p.consumer.Call(callCtx(t), func() error {
		rc, ok := p.consumer.Channel(p.cEnd.ID())
		if !ok {
			return ErrChannelNotFound
		}
		var err error
		s, err = rc.OpenTunnel(tunnel.OpenOptions{
			Domain:    protocol.DomainSystem,
			ServiceID: 1,
			Name:      "tunnel",
			COS:       cos.DefaultConsumer(),
		})
		return err
	})
	if err != nil {
		t.Fatalf("open tunnel: %v", err)
	}
	waitFor(t, p.cStatus, "tunnel open", func(ev tunnel.StatusEvent) bool { return ev.Phase == tunnel.PhaseOpen })
	return s
}

func TestTunnelOpensExchangesAndCloses(t *testing.T) {
	testlog.Start(t)
	p := newTunnelPeers(t)
	s := p.open(t)
	if s.StreamID() != math.MaxInt32 {
		t.Fatalf("expected first tunnel id from the top of the id space got=%d", s.StreamID())
	}

	err := p.consumer.Call(callCtx(t), func() error {
		return s.Submit([]byte("hello"), protocol.ContainerOpaque, time.Now())
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got := waitFor(t, p.pPayloads, "provider payload", nil); got != "hello" {
		t.Fatalf("expected hello got=%q", got)
	}

	if err := p.consumer.CloseTunnel(callCtx(t), p.cEnd.ID(), s.StreamID()); err != nil {
		t.Fatalf("close tunnel: %v", err)
	}
	ev := waitFor(t, p.cStatus, "tunnel closed", func(ev tunnel.StatusEvent) bool { return ev.Phase == tunnel.PhaseClosed })
	if ev.Fatal || ev.Warning {
		t.Fatalf("expected clean close got=%+v", ev)
	}

	var tunnels int
	err = p.consumer.Call(callCtx(t), func() error {
		rc, _ := p.consumer.Channel(p.cEnd.ID())
		tunnels = rc.Tunnels()
		return nil
	})
	if err != nil || tunnels != 0 {
		t.Fatalf("expected tunnel released got=%d err=%v", tunnels, err)
	}
	if err := p.consumer.CloseTunnel(callCtx(t), p.cEnd.ID(), s.StreamID()); !errors.Is(err, ErrTunnelNotFound) {
		t.Fatalf("expected ErrTunnelNotFound got=%v", err)
	}
}

func TestChannelDownAbortsTunnels(t *testing.T) {
	testlog.Start(t)
	p := newTunnelPeers(t)
	p.open(t)

	if err := p.pEnd.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	ev := waitFor(t, p.cStatus, "tunnel aborted", func(ev tunnel.StatusEvent) bool { return ev.Phase == tunnel.PhaseClosed })
	if !ev.Fatal || !errors.Is(ev.Err, ErrChannelDown) {
		t.Fatalf("expected fatal ErrChannelDown got=%+v", ev)
	}
	waitFor(t, p.cChannel, "channel down", isKind(ChannelDown))

	err := p.consumer.Call(callCtx(t), func() error {
		if _, ok := p.consumer.Channel(p.cEnd.ID()); ok {
			t.Errorf("expected channel removed")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
}

func TestCloseTunnelUnknownChannel(t *testing.T) {
	testlog.Start(t)
	r := startReactor(t, Options{})
	if err := r.CloseTunnel(callCtx(t), "missing", 1); !errors.Is(err, ErrChannelNotFound) {
		t.Fatalf("expected ErrChannelNotFound got=%v", err)
	}
}

func TestWatchlistRequestsRouteThroughChannel(t *testing.T) {
	testlog.Start(t)
	events := make(chan watchlist.Event, 16)
	ready := make(chan channelEv, 4)
	r := startReactor(t, Options{Callbacks: Callbacks{
		OnChannelEvent: channelEvents(ready),
		OnWatchlistMsg: func(_ *ReactorChannel, ev watchlist.Event) { events <- ev },
	}})
	local, remote := transport.Pipe(16)
	if err := r.AddChannel(local, ChannelOptions{}); err != nil {
		t.Fatalf("add channel: %v", err)
	}
	waitFor(t, ready, "channel ready", isKind(ChannelReady))

	req := &protocol.Msg{
		Class:         protocol.ClassRequest,
		StreamID:      10,
		Domain:        protocol.DomainMarketPrice,
		ContainerType: protocol.ContainerNoData,
		Flags:         protocol.FlagStreaming,
	}
	req.SetKeyName("TRI.N")
	req.SetServiceID(1)
	err := r.Call(callCtx(t), func() error {
		rc, _ := r.Channel(local.ID())
		return rc.SubmitRequest(req, false, "sub")
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	onWire, err := remote.ReadMsg(callCtx(t))
	if err != nil {
		t.Fatalf("provider read: %v", err)
	}
	if onWire.Class != protocol.ClassRequest || onWire.Key.Name != "TRI.N" {
		t.Fatalf("expected item request on the wire got=%s %q", onWire.Class, onWire.Key.Name)
	}

	refresh := &protocol.Msg{
		Class:         protocol.ClassRefresh,
		StreamID:      onWire.StreamID,
		Domain:        protocol.DomainMarketPrice,
		ContainerType: protocol.ContainerFieldList,
		Flags:         protocol.FlagSolicited | protocol.FlagRefreshComplete,
		Body:          []byte("image"),
	}
	refresh.SetState(protocol.State{Stream: protocol.StreamOpen, Data: protocol.DataOK})
	if err := remote.WriteMsg(callCtx(t), refresh); err != nil {
		t.Fatalf("provider write: %v", err)
	}

	ev := waitFor(t, events, "refresh", nil)
	if ev.Msg.Class != protocol.ClassRefresh || ev.Msg.StreamID != 10 {
		t.Fatalf("expected refresh for stream 10 got=%s stream=%d", ev.Msg.Class, ev.Msg.StreamID)
	}
	if ev.Request.UserSpec() != "sub" {
		t.Fatalf("expected user spec got=%v", ev.Request.UserSpec())
	}

	// Losing the channel ends the open request.
	if err := remote.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	ev = waitFor(t, events, "channel down status", nil)
	if ev.Msg.Class != protocol.ClassStatus || !errors.Is(ev.Err, watchlist.ErrStreamClosed) {
		t.Fatalf("expected closed status got=%s err=%v", ev.Msg.Class, ev.Err)
	}
	if ev.Msg.State.Stream != protocol.StreamClosedRecover {
		t.Fatalf("expected closed-recover got=%v", ev.Msg.State.Stream)
	}
}

func TestUnroutedMessagesReachOnMsg(t *testing.T) {
	testlog.Start(t)
	msgs := make(chan *protocol.Msg, 4)
	ready := make(chan channelEv, 4)
	r := startReactor(t, Options{Callbacks: Callbacks{
		OnChannelEvent: channelEvents(ready),
		OnMsg:          func(_ *ReactorChannel, m *protocol.Msg) { msgs <- m },
	}})
	local, remote := transport.Pipe(4)
	if err := r.AddChannel(local, ChannelOptions{}); err != nil {
		t.Fatalf("add channel: %v", err)
	}
	waitFor(t, ready, "channel ready", isKind(ChannelReady))

	m := &protocol.Msg{Class: protocol.ClassGeneric, StreamID: 77, Domain: protocol.DomainSystem, ContainerType: protocol.ContainerOpaque, Body: []byte("x")}
	if err := remote.WriteMsg(callCtx(t), m); err != nil {
		t.Fatalf("write: %v", err)
	}
	got := waitFor(t, msgs, "generic message", nil)
	if got.StreamID != 77 || string(got.Body) != "x" {
		t.Fatalf("expected stream 77 body x got=%d %q", got.StreamID, got.Body)
	}
}

type stubRest struct {
	token TokenInfo
	err   error
}

func (s stubRest) RequestToken(context.Context, RestConnectOptions, TokenRequest) (TokenInfo, error) {
	return s.token, s.err
}

func (s stubRest) Discover(context.Context, RestConnectOptions, TokenInfo, DiscoveryRequest) ([]Endpoint, error) {
	return nil, s.err
}

func TestWorkerResultsArriveOnDispatch(t *testing.T) {
	testlog.Start(t)
	results := make(chan WorkerEvent, 4)
	stub := stubRest{token: TokenInfo{AccessToken: "abc", ExpiresIn: 300}}
	r := startReactor(t, Options{
		TokenClient: stub,
		Discovery:   stub,
		Callbacks:   Callbacks{OnWorkerEvent: func(ev WorkerEvent) { results <- ev }},
	})
	if err := r.RequestToken(RestConnectOptions{}, TokenRequest{Username: "u"}, 7); err != nil {
		t.Fatalf("request token: %v", err)
	}
	ev := waitFor(t, results, "token", nil)
	if ev.Kind != WorkerToken || ev.Token.AccessToken != "abc" || ev.UserSpec != 7 || ev.Err != nil {
		t.Fatalf("unexpected token event got=%+v", ev)
	}
}

func TestConnectWithoutEndpointReportsFailure(t *testing.T) {
	testlog.Start(t)
	results := make(chan WorkerEvent, 4)
	stub := stubRest{}
	r := startReactor(t, Options{
		TokenClient: stub,
		Discovery:   stub,
		Callbacks:   Callbacks{OnWorkerEvent: func(ev WorkerEvent) { results <- ev }},
	})
	err := r.Connect(ConnectOptions{
		Transport: transport.DefaultConfig(),
		Discovery: &DiscoveryRequest{Transport: "tcp"},
		Channel:   ChannelOptions{UserSpec: "c1"},
	})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	ev := waitFor(t, results, "connect failure", nil)
	if ev.Kind != WorkerConnect || !errors.Is(ev.Err, ErrNoEndpoint) || ev.UserSpec != "c1" {
		t.Fatalf("expected ErrNoEndpoint connect event got=%+v", ev)
	}
}

func TestCallAfterShutdown(t *testing.T) {
	testlog.Start(t)
	r := New(Options{Config: testConfig()})
	r.Shutdown()
	if err := r.Call(callCtx(t), func() error { return nil }); !errors.Is(err, ErrShutdown) {
		t.Fatalf("expected ErrShutdown got=%v", err)
	}
	local, _ := transport.Pipe(1)
	if err := r.AddChannel(local, ChannelOptions{}); !errors.Is(err, ErrShutdown) {
		t.Fatalf("expected ErrShutdown from AddChannel got=%v", err)
	}
}

func TestEventQueueDrainsInOrder(t *testing.T) {
	testlog.Start(t)
	q := newEventQueue()
	for i := int32(1); i <= 3; i++ {
		if !q.put(event{kind: eventInbound, msg: &protocol.Msg{StreamID: i}}) {
			t.Fatalf("put %d refused", i)
		}
	}
	select {
	case <-q.Notify():
	default:
		t.Fatalf("expected notification after put")
	}
	if q.Len() != 3 {
		t.Fatalf("expected 3 queued got=%d", q.Len())
	}
	got := q.drain()
	for i, ev := range got {
		if ev.msg.StreamID != int32(i+1) {
			t.Fatalf("event %d out of order got=%d", i, ev.msg.StreamID)
		}
	}
	if q.Len() != 0 {
		t.Fatalf("expected empty queue got=%d", q.Len())
	}
	q.close()
	if q.put(event{kind: eventInbound}) {
		t.Fatalf("expected put after close to be refused")
	}
}
