package tunnel

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/mdreactor/internal/auth"
	"github.com/danmuck/mdreactor/internal/protocol"
	"github.com/danmuck/mdreactor/internal/testutil/testlog"
	"github.com/danmuck/mdreactor/internal/tunnel/cos"
	"github.com/danmuck/mdreactor/internal/tunnel/wire"
)

var t0 = time.Unix(1700000000, 0)

type captured struct {
	class   protocol.Class
	payload []byte
}

// link marshals every written message the way a channel would, and can
// drop messages to simulate loss.
type link struct {
	t    *testing.T
	out  []captured
	drop func(m *protocol.Msg) bool
}

func (l *link) WriteMsg(m *protocol.Msg) error {
	if l.drop != nil && l.drop(m) {
		return nil
	}
	b, err := protocol.Marshal(m)
	if err != nil {
		l.t.Fatalf("marshal %s: %v", m.Class, err)
	}
	l.out = append(l.out, captured{class: m.Class, payload: b})
	return nil
}

func (l *link) take() []*protocol.Msg {
	var out []*protocol.Msg
	for _, c := range l.out {
		m, err := protocol.Unmarshal(c.class, c.payload)
		if err != nil {
			l.t.Fatalf("unmarshal %s: %v", c.class, err)
		}
		out = append(out, m)
	}
	l.out = nil
	return out
}

type recorder struct {
	events []StatusEvent
	msgs   []Message
	queue  []wire.QueueMsg
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnStatus:   func(_ *Stream, ev StatusEvent) { r.events = append(r.events, ev) },
		OnMsg:      func(_ *Stream, msg Message) { r.msgs = append(r.msgs, msg) },
		OnQueueMsg: func(_ *Stream, q wire.QueueMsg) { r.queue = append(r.queue, q) },
	}
}

func (r *recorder) fatal() []StatusEvent {
	var out []StatusEvent
	for _, ev := range r.events {
		if ev.Fatal {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) last() StatusEvent {
	if len(r.events) == 0 {
		return StatusEvent{}
	}
	return r.events[len(r.events)-1]
}

type pair struct {
	t         *testing.T
	cfg       Config
	accept    AcceptOptions
	cLink     *link
	pLink     *link
	consumer  *Stream
	provider  *Stream
	cRec      *recorder
	pRec      *recorder
	acceptErr error
}

func newPair(t *testing.T, cfg Config, consumerCOS, providerCOS cos.ClassOfService, login *auth.Login, v auth.Validator) *pair {
	t.Helper()
	p := &pair{
		t:     t,
		cfg:   cfg,
		cLink: &link{t: t},
		pLink: &link{t: t},
		cRec:  &recorder{},
		pRec:  &recorder{},
	}
	p.accept = AcceptOptions{COS: providerCOS, Validator: v, Callbacks: p.pRec.callbacks()}
	s, err := NewConsumer(p.cLink, OpenOptions{
		StreamID:  5,
		Domain:    protocol.DomainSystem,
		ServiceID: 1,
		Name:      "tunnel",
		COS:       consumerCOS,
		Login:     login,
		Callbacks: p.cRec.callbacks(),
	}, cfg, t0)
	if err != nil {
		t.Fatalf("NewConsumer: %v", err)
	}
	p.consumer = s
	return p
}

// flush carries messages both ways until both links are idle.
func (p *pair) flush(now time.Time) {
	p.t.Helper()
	for i := 0; i < 1000; i++ {
		toProvider := p.cLink.take()
		toConsumer := p.pLink.take()
		if len(toProvider) == 0 && len(toConsumer) == 0 {
			return
		}
		for _, m := range toProvider {
			if p.provider == nil {
				if m.Class != protocol.ClassRequest {
					continue
				}
				p.provider, p.acceptErr = Accept(p.pLink, m, p.accept, p.cfg, now)
				continue
			}
			_ = p.provider.HandleMsg(m, now)
		}
		for _, m := range toConsumer {
			_ = p.consumer.HandleMsg(m, now)
		}
	}
	p.t.Fatalf("links never went idle")
}

func smallProvider() cos.ClassOfService {
	c := cos.DefaultProvider()
	c.Common.MaxMsgSize = 4096
	c.Common.MaxFragmentSize = 1024
	c.FlowControl.RecvWindowSize = 1024
	return c
}

func TestOpenNegotiatesAndFreezesClassOfService(t *testing.T) {
	testlog.Start(t)
	p := newPair(t, DefaultConfig(), cos.DefaultConsumer(), smallProvider(), nil, nil)
	if p.consumer.Phase() != PhaseOpening {
		t.Fatalf("expected opening before refresh got=%s", p.consumer.Phase())
	}
	p.flush(t0)

	if p.acceptErr != nil {
		t.Fatalf("accept: %v", p.acceptErr)
	}
	if p.consumer.Phase() != PhaseOpen || p.provider.Phase() != PhaseOpen {
		t.Fatalf("expected both open got consumer=%s provider=%s", p.consumer.Phase(), p.provider.Phase())
	}
	c := p.consumer.ClassOfService()
	if c.Common.MaxFragmentSize != 1024 || c.Common.MaxMsgSize != 4096 {
		t.Fatalf("expected provider sizes got frag=%d msg=%d", c.Common.MaxFragmentSize, c.Common.MaxMsgSize)
	}
	if c.SendWindow() != 1024 {
		t.Fatalf("expected send window from provider recv window got=%d", c.SendWindow())
	}
	if !c.Frozen() {
		t.Fatalf("expected frozen class of service")
	}
	if err := c.Update(func(c *cos.ClassOfService) { c.Common.MaxMsgSize = 1 }); !errors.Is(err, cos.ErrImmutable) {
		t.Fatalf("expected ErrImmutable got=%v", err)
	}
	if len(p.cRec.events) != 1 || p.cRec.events[0].Phase != PhaseOpen {
		t.Fatalf("expected one open event got=%+v", p.cRec.events)
	}
}

func TestSubmitBeforeOpenFails(t *testing.T) {
	testlog.Start(t)
	p := newPair(t, DefaultConfig(), cos.DefaultConsumer(), cos.DefaultProvider(), nil, nil)
	if err := p.consumer.Submit([]byte("x"), protocol.ContainerOpaque, t0); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("expected ErrNotOpen got=%v", err)
	}
}

func TestMessagesDeliveredInOrder(t *testing.T) {
	testlog.Start(t)
	p := newPair(t, DefaultConfig(), cos.DefaultConsumer(), cos.DefaultProvider(), nil, nil)
	p.flush(t0)
	for _, s := range []string{"a", "b", "c"} {
		if err := p.consumer.Submit([]byte(s), protocol.ContainerOpaque, t0); err != nil {
			t.Fatalf("submit %s: %v", s, err)
		}
	}
	p.flush(t0)
	if len(p.pRec.msgs) != 3 {
		t.Fatalf("expected 3 messages got=%d", len(p.pRec.msgs))
	}
	for i, want := range []string{"a", "b", "c"} {
		if string(p.pRec.msgs[i].Payload) != want {
			t.Fatalf("message %d got=%q want=%q", i, p.pRec.msgs[i].Payload, want)
		}
	}
	if n, _ := p.consumer.Outstanding(); n != 0 {
		t.Fatalf("expected everything acknowledged got=%d outstanding", n)
	}
}

func TestLargeMessageIsFragmentedAndReassembled(t *testing.T) {
	testlog.Start(t)
	p := newPair(t, DefaultConfig(), cos.DefaultConsumer(), smallProvider(), nil, nil)
	p.flush(t0)

	payload := bytes.Repeat([]byte("0123456789"), 500)
	if err := p.consumer.Submit(payload, protocol.ContainerFieldList, t0); err != nil {
		t.Fatalf("submit: %v", err)
	}
	p.flush(t0)

	if len(p.pRec.msgs) != 1 {
		t.Fatalf("expected one reassembled message got=%d", len(p.pRec.msgs))
	}
	got := p.pRec.msgs[0]
	if !bytes.Equal(got.Payload, payload) {
		t.Fatalf("payload mismatch got=%d bytes want=%d", len(got.Payload), len(payload))
	}
	if got.ContainerType != protocol.ContainerFieldList {
		t.Fatalf("expected field list container got=%d", got.ContainerType)
	}
	st := p.consumer.Stats()
	if st.FragmentsSent != 5 || st.MsgsSent != 1 {
		t.Fatalf("expected 5 fragments of 1 message got=%+v", st)
	}
}

func TestWindowBackpressureBuffersUntilAcked(t *testing.T) {
	testlog.Start(t)
	p := newPair(t, DefaultConfig(), cos.DefaultConsumer(), smallProvider(), nil, nil)
	p.flush(t0)

	msg := bytes.Repeat([]byte{'x'}, 600)
	for i := 0; i < 3; i++ {
		if err := p.consumer.Submit(msg, protocol.ContainerOpaque, t0); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	if got := p.consumer.Buffered(); got != 2 {
		t.Fatalf("expected 2 messages held by the window got=%d", got)
	}
	if n, b := p.consumer.Outstanding(); n != 1 || b != 600 {
		t.Fatalf("expected one message outstanding got=%d/%d", n, b)
	}

	p.flush(t0)
	if len(p.pRec.msgs) != 3 || p.consumer.Buffered() != 0 {
		t.Fatalf("expected all delivered got=%d buffered=%d", len(p.pRec.msgs), p.consumer.Buffered())
	}
}

func TestGuaranteedOutputBuffersExhausted(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.GuaranteedOutputBuffers = 2
	p := newPair(t, cfg, cos.DefaultConsumer(), smallProvider(), nil, nil)
	p.flush(t0)

	msg := bytes.Repeat([]byte{'x'}, 1000)
	for i := 0; i < 3; i++ {
		if err := p.consumer.Submit(msg, protocol.ContainerOpaque, t0); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	if err := p.consumer.Submit(msg, protocol.ContainerOpaque, t0); !errors.Is(err, ErrNoBuffers) {
		t.Fatalf("expected ErrNoBuffers got=%v", err)
	}
	if p.consumer.Phase() != PhaseOpen {
		t.Fatalf("buffer exhaustion must not close the stream got=%s", p.consumer.Phase())
	}
}

func TestLostDataIsRetransmittedOnNak(t *testing.T) {
	testlog.Start(t)
	p := newPair(t, DefaultConfig(), cos.DefaultConsumer(), cos.DefaultProvider(), nil, nil)
	p.flush(t0)

	dropped := false
	p.cLink.drop = func(m *protocol.Msg) bool {
		if !dropped && m.Class == protocol.ClassGeneric && m.Has(protocol.HasSeqNum) && m.SeqNum == 1 {
			dropped = true
			return true
		}
		return false
	}
	_ = p.consumer.Submit([]byte("first"), protocol.ContainerOpaque, t0)
	_ = p.consumer.Submit([]byte("second"), protocol.ContainerOpaque, t0)
	p.flush(t0)

	if !dropped {
		t.Fatalf("expected first data to be dropped")
	}
	if len(p.pRec.msgs) != 2 || string(p.pRec.msgs[0].Payload) != "first" || string(p.pRec.msgs[1].Payload) != "second" {
		t.Fatalf("expected in-order delivery after retransmit got=%+v", p.pRec.msgs)
	}
	if p.consumer.Stats().Retransmits != 1 {
		t.Fatalf("expected one retransmit got=%d", p.consumer.Stats().Retransmits)
	}
}

func TestRetryExhaustionIsFatalExactlyOnce(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.Reliability.MaxRetries = 1
	p := newPair(t, cfg, cos.DefaultConsumer(), cos.DefaultProvider(), nil, nil)
	p.flush(t0)

	p.cLink.drop = func(*protocol.Msg) bool { return true }
	_ = p.consumer.Submit([]byte("lost"), protocol.ContainerOpaque, t0)

	now := t0.Add(500 * time.Millisecond)
	if err := p.consumer.Dispatch(now); err != nil {
		t.Fatalf("first retransmit: %v", err)
	}
	now = now.Add(time.Second)
	if err := p.consumer.Dispatch(now); !errors.Is(err, ErrRetryExhausted) {
		t.Fatalf("expected ErrRetryExhausted got=%v", err)
	}
	_ = p.consumer.Dispatch(now.Add(time.Minute))
	_ = p.consumer.Close(now.Add(time.Minute))

	fatal := p.cRec.fatal()
	if len(fatal) != 1 || !errors.Is(fatal[0].Err, ErrRetryExhausted) {
		t.Fatalf("expected exactly one fatal retry event got=%+v", fatal)
	}
	select {
	case <-p.consumer.Done():
	default:
		t.Fatalf("expected done to be closed")
	}
}

func TestOpenTimeoutAfterRetries(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.RequestTimeout = time.Second
	cfg.MaxRequestRetries = 1
	p := newPair(t, cfg, cos.DefaultConsumer(), cos.DefaultProvider(), nil, nil)
	if got := len(p.cLink.take()); got != 1 {
		t.Fatalf("expected one request got=%d", got)
	}

	_ = p.consumer.Dispatch(t0.Add(time.Second))
	if got := len(p.cLink.take()); got != 1 {
		t.Fatalf("expected request retry got=%d", got)
	}
	if err := p.consumer.Dispatch(t0.Add(2 * time.Second)); !errors.Is(err, ErrOpenTimeout) {
		t.Fatalf("expected ErrOpenTimeout got=%v", err)
	}
	if len(p.cRec.fatal()) != 1 {
		t.Fatalf("expected one fatal event got=%+v", p.cRec.events)
	}
}

func TestCloseHandshake(t *testing.T) {
	testlog.Start(t)
	p := newPair(t, DefaultConfig(), cos.DefaultConsumer(), cos.DefaultProvider(), nil, nil)
	p.flush(t0)
	_ = p.consumer.Submit([]byte("bye"), protocol.ContainerOpaque, t0)

	if err := p.consumer.Close(t0); err != nil {
		t.Fatalf("close: %v", err)
	}
	if p.consumer.Phase() != PhaseClosing {
		t.Fatalf("expected closing got=%s", p.consumer.Phase())
	}
	p.flush(t0)
	_ = p.consumer.Dispatch(t0)
	p.flush(t0)

	if p.consumer.Phase() != PhaseClosed || p.provider.Phase() != PhaseClosed {
		t.Fatalf("expected both closed got consumer=%s provider=%s", p.consumer.Phase(), p.provider.Phase())
	}
	if len(p.pRec.msgs) != 1 {
		t.Fatalf("expected buffered data to drain before close got=%d", len(p.pRec.msgs))
	}
	ev := p.cRec.last()
	if ev.Phase != PhaseClosed || ev.Fatal || ev.Warning {
		t.Fatalf("expected clean close got=%+v", ev)
	}
}

func TestCloseTimeoutIsAWarning(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.CloseTimeout = 3 * time.Second
	p := newPair(t, cfg, cos.DefaultConsumer(), cos.DefaultProvider(), nil, nil)
	p.flush(t0)

	p.cLink.drop = func(*protocol.Msg) bool { return true }
	_ = p.consumer.Close(t0)
	_ = p.consumer.Dispatch(t0.Add(3 * time.Second))

	ev := p.cRec.last()
	if ev.Phase != PhaseClosed || ev.Fatal || !ev.Warning || !errors.Is(ev.Err, ErrCloseTimeout) {
		t.Fatalf("expected close timeout warning got=%+v", ev)
	}
	if len(p.cRec.fatal()) != 0 {
		t.Fatalf("close timeout must not be fatal got=%+v", p.cRec.fatal())
	}
}

func TestFinRetriesExhausted(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.CloseTimeout = time.Hour
	cfg.FinAckTimeout = time.Second
	cfg.MaxFinRetries = 1
	p := newPair(t, cfg, cos.DefaultConsumer(), cos.DefaultProvider(), nil, nil)
	p.flush(t0)

	p.cLink.drop = func(*protocol.Msg) bool { return true }
	_ = p.consumer.Close(t0)
	_ = p.consumer.Dispatch(t0.Add(time.Second))
	if p.consumer.Phase() != PhaseClosing {
		t.Fatalf("expected fin retry while closing got=%s", p.consumer.Phase())
	}
	_ = p.consumer.Dispatch(t0.Add(3 * time.Second))
	ev := p.cRec.last()
	if ev.Phase != PhaseClosed || !errors.Is(ev.Err, ErrCloseTimeout) {
		t.Fatalf("expected close timeout after fin retries got=%+v", ev)
	}
}

func TestPeerCloseIsFatal(t *testing.T) {
	testlog.Start(t)
	p := newPair(t, DefaultConfig(), cos.DefaultConsumer(), cos.DefaultProvider(), nil, nil)
	p.flush(t0)
	_ = p.consumer.HandleMsg(&protocol.Msg{Class: protocol.ClassClose, StreamID: 5, Domain: protocol.DomainSystem}, t0)

	fatal := p.cRec.fatal()
	if len(fatal) != 1 || !errors.Is(fatal[0].Err, ErrPeerClosed) {
		t.Fatalf("expected peer close fatal event got=%+v", fatal)
	}
	if err := p.consumer.HandleMsg(&protocol.Msg{Class: protocol.ClassClose}, t0); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after close got=%v", err)
	}
}

func TestAbortReportsOnce(t *testing.T) {
	testlog.Start(t)
	p := newPair(t, DefaultConfig(), cos.DefaultConsumer(), cos.DefaultProvider(), nil, nil)
	p.flush(t0)
	down := errors.New("channel down")
	_ = p.consumer.Abort(down)
	_ = p.consumer.Abort(down)

	fatal := p.cRec.fatal()
	if len(fatal) != 1 || !errors.Is(fatal[0].Err, down) {
		t.Fatalf("expected one abort event got=%+v", fatal)
	}
	select {
	case <-p.consumer.Done():
	default:
		t.Fatalf("expected done after abort")
	}
}

func TestIsOpenRequest(t *testing.T) {
	testlog.Start(t)
	l := &link{t: t}
	if _, err := NewConsumer(l, OpenOptions{StreamID: 9, Domain: protocol.DomainSystem, Name: "tunnel", COS: cos.DefaultConsumer()}, DefaultConfig(), t0); err != nil {
		t.Fatalf("NewConsumer: %v", err)
	}
	msgs := l.take()
	if len(msgs) != 1 || !IsOpenRequest(msgs[0]) {
		t.Fatalf("expected an open request got=%+v", msgs)
	}
	item := &protocol.Msg{Class: protocol.ClassRequest, StreamID: 3, Domain: protocol.DomainMarketPrice}
	if IsOpenRequest(item) {
		t.Fatalf("item request classified as tunnel open")
	}
}

func TestLoginRejected(t *testing.T) {
	testlog.Start(t)
	c := cos.DefaultConsumer()
	c.Authentication = cos.AuthOMMLogin
	pc := cos.DefaultProvider()
	pc.Authentication = cos.AuthOMMLogin
	login := &auth.Login{UserName: "alice", Token: "wrong"}

	p := newPair(t, DefaultConfig(), c, pc, login, auth.StaticToken{Token: "secret"})
	p.flush(t0)

	if !errors.Is(p.acceptErr, ErrAuthRejected) {
		t.Fatalf("expected ErrAuthRejected from accept got=%v", p.acceptErr)
	}
	fatal := p.cRec.fatal()
	if len(fatal) != 1 || !errors.Is(fatal[0].Err, ErrAuthRejected) {
		t.Fatalf("expected consumer auth rejection got=%+v", fatal)
	}
	if fatal[0].State.Code != protocol.CodeNotAuthorized {
		t.Fatalf("expected not authorized code got=%d", fatal[0].State.Code)
	}
}

func TestBestEffortSkipsGap(t *testing.T) {
	testlog.Start(t)
	c := cos.DefaultConsumer()
	c.DataIntegrity = cos.DataIntegrityBestEffort
	pc := cos.DefaultProvider()
	pc.DataIntegrity = cos.DataIntegrityBestEffort
	p := newPair(t, DefaultConfig(), c, pc, nil, nil)
	p.flush(t0)

	p.cLink.drop = func(m *protocol.Msg) bool {
		return m.Class == protocol.ClassGeneric && m.Has(protocol.HasSeqNum) && m.SeqNum == 1
	}
	_ = p.consumer.Submit([]byte("lost"), protocol.ContainerOpaque, t0)
	_ = p.consumer.Submit([]byte("kept"), protocol.ContainerOpaque, t0)
	p.flush(t0)
	if len(p.pRec.msgs) != 0 {
		t.Fatalf("expected message held behind gap got=%d", len(p.pRec.msgs))
	}

	_ = p.provider.Dispatch(t0.Add(DefaultConfig().Reliability.GapTimeout))
	if len(p.pRec.msgs) != 1 || string(p.pRec.msgs[0].Payload) != "kept" {
		t.Fatalf("expected gap skipped got=%+v", p.pRec.msgs)
	}
	if p.provider.Stats().GapsSkipped != 1 {
		t.Fatalf("expected one skipped gap got=%d", p.provider.Stats().GapsSkipped)
	}
	if len(p.pRec.fatal()) != 0 {
		t.Fatalf("best effort gap must not be fatal")
	}
}

func TestQueueOpenDataAck(t *testing.T) {
	testlog.Start(t)
	c := cos.DefaultConsumer()
	c.Authentication = cos.AuthOMMLogin
	c.Guarantee.Type = cos.GuaranteePersistentQueue
	pc := c.Copy()
	login := &auth.Login{UserName: "alice", Token: "secret"}

	p := newPair(t, DefaultConfig(), c, pc, login, auth.UserTokens{"alice": "secret"})
	p.flush(t0)
	if p.acceptErr != nil {
		t.Fatalf("accept: %v", p.acceptErr)
	}
	if p.provider.Login() == nil || p.provider.Login().UserName != "alice" {
		t.Fatalf("expected provider to keep the login got=%+v", p.provider.Login())
	}

	id, err := p.consumer.OpenQueue("QUEUE_A", t0)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	if err := p.consumer.SendQueueData(id, wire.QueueData{DestName: "QUEUE_B"}, t0); !errors.Is(err, ErrQueueNotOpen) {
		t.Fatalf("expected ErrQueueNotOpen before refresh got=%v", err)
	}
	p.flush(t0)
	if !p.consumer.QueueOpen(id) {
		t.Fatalf("expected queue open after refresh")
	}

	err = p.consumer.SendQueueData(id, wire.QueueData{
		DestName:   "QUEUE_B",
		Identifier: 7,
		Timeout:    wire.TimeoutInfinite,
		Payload:    []byte("order"),
	}, t0)
	if err != nil {
		t.Fatalf("send queue data: %v", err)
	}
	p.flush(t0)

	if len(p.pRec.queue) != 2 {
		t.Fatalf("expected request and data at provider got=%d", len(p.pRec.queue))
	}
	data, ok := p.pRec.queue[1].(*wire.QueueData)
	if !ok {
		t.Fatalf("expected queue data got=%T", p.pRec.queue[1])
	}
	if data.SourceName != "QUEUE_A" || data.DestName != "QUEUE_B" || data.SeqNum != 1 || string(data.Payload) != "order" {
		t.Fatalf("unexpected queue data got=%+v", data)
	}

	var acked *wire.QueueAck
	for _, q := range p.cRec.queue {
		if a, ok := q.(*wire.QueueAck); ok {
			acked = a
		}
	}
	if acked == nil || acked.Identifier != 7 || acked.SeqNum != 1 {
		t.Fatalf("expected queue ack for identifier 7 got=%+v", acked)
	}
	if name, ok := p.consumer.QueueName(id); !ok || name != "QUEUE_A" {
		t.Fatalf("expected queue name table entry got=%q/%t", name, ok)
	}
}

func TestQueueRequiresPersistentGuarantee(t *testing.T) {
	testlog.Start(t)
	p := newPair(t, DefaultConfig(), cos.DefaultConsumer(), cos.DefaultProvider(), nil, nil)
	p.flush(t0)
	if _, err := p.consumer.OpenQueue("Q", t0); !errors.Is(err, ErrQueueDisabled) {
		t.Fatalf("expected ErrQueueDisabled got=%v", err)
	}
}

func TestMalformedTunnelMessageFailsStream(t *testing.T) {
	testlog.Start(t)
	p := newPair(t, DefaultConfig(), cos.DefaultConsumer(), cos.DefaultProvider(), nil, nil)
	p.flush(t0)

	bare := &protocol.Msg{Class: protocol.ClassGeneric, StreamID: 5, Domain: protocol.DomainSystem, ContainerType: protocol.ContainerNoData}
	err := p.consumer.HandleMsg(bare, t0)
	if !errors.Is(err, ErrProtocol) || !errors.Is(err, wire.ErrIncompleteData) {
		t.Fatalf("expected incomplete data protocol error got=%v", err)
	}
	if p.consumer.Phase() != PhaseClosed {
		t.Fatalf("expected closed stream got=%v", p.consumer.Phase())
	}

	unknown := bare.Clone()
	unknown.SetExtendedHeader([]byte{9})
	if err := p.consumer.HandleMsg(unknown, t0); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after failure got=%v", err)
	}
	fatal := p.cRec.fatal()
	if len(fatal) != 1 || !errors.Is(fatal[0].Err, ErrProtocol) || fatal[0].State.Stream != protocol.StreamClosed {
		t.Fatalf("expected exactly one fatal protocol event got=%+v", fatal)
	}

	var closes int
	for _, m := range p.cLink.take() {
		if m.Class == protocol.ClassClose {
			closes++
		}
	}
	if closes != 1 {
		t.Fatalf("expected provider to be told about the close got=%d", closes)
	}
}

func TestUnknownOpcodeFailsStream(t *testing.T) {
	testlog.Start(t)
	p := newPair(t, DefaultConfig(), cos.DefaultConsumer(), cos.DefaultProvider(), nil, nil)
	p.flush(t0)

	m := &protocol.Msg{Class: protocol.ClassGeneric, StreamID: 5, Domain: protocol.DomainSystem, ContainerType: protocol.ContainerNoData}
	m.SetExtendedHeader([]byte{9})
	if err := p.consumer.HandleMsg(m, t0); !errors.Is(err, wire.ErrUnknownOpcode) {
		t.Fatalf("expected unknown opcode got=%v", err)
	}
	if fatal := p.cRec.fatal(); len(fatal) != 1 {
		t.Fatalf("expected one fatal event got=%+v", fatal)
	}
}

func TestMalformedQueuePayloadFailsStream(t *testing.T) {
	testlog.Start(t)
	c := cos.DefaultConsumer()
	c.Authentication = cos.AuthOMMLogin
	c.Guarantee.Type = cos.GuaranteePersistentQueue
	login := &auth.Login{UserName: "alice", Token: "secret"}
	p := newPair(t, DefaultConfig(), c, c.Copy(), login, auth.UserTokens{"alice": "secret"})
	p.flush(t0)
	if p.acceptErr != nil {
		t.Fatalf("accept: %v", p.acceptErr)
	}

	if err := p.consumer.Submit([]byte{byte(protocol.ClassRequest), 0xff}, protocol.ContainerMsg, t0); err != nil {
		t.Fatalf("submit: %v", err)
	}
	p.flush(t0)

	fatal := p.pRec.fatal()
	if len(fatal) != 1 || !errors.Is(fatal[0].Err, ErrProtocol) || !errors.Is(fatal[0].Err, wire.ErrIncompleteData) {
		t.Fatalf("expected one fatal queue decode event got=%+v", fatal)
	}
	if len(p.pRec.queue) != 0 {
		t.Fatalf("expected nothing delivered got=%d", len(p.pRec.queue))
	}
	if p.provider.Phase() != PhaseClosed {
		t.Fatalf("expected provider closed got=%v", p.provider.Phase())
	}
}

func TestGapTimeoutRetransmitsOncePerTimeout(t *testing.T) {
	testlog.Start(t)
	p := newPair(t, DefaultConfig(), cos.DefaultConsumer(), cos.DefaultProvider(), nil, nil)
	p.flush(t0)

	p.cLink.drop = func(m *protocol.Msg) bool {
		return m.Class == protocol.ClassGeneric && m.Has(protocol.HasSeqNum) && m.SeqNum == 1
	}
	_ = p.consumer.Submit([]byte("lost"), protocol.ContainerOpaque, t0)
	_ = p.consumer.Submit([]byte("held"), protocol.ContainerOpaque, t0)
	p.flush(t0)
	before := p.consumer.Stats().Retransmits

	_ = p.provider.Dispatch(t0.Add(DefaultConfig().Reliability.GapTimeout))
	for _, m := range p.pLink.take() {
		_ = p.consumer.HandleMsg(m, t0)
	}
	if got := p.consumer.Stats().Retransmits - before; got != 1 {
		t.Fatalf("expected one retransmit per gap timeout got=%d", got)
	}
	if len(p.pRec.msgs) != 0 {
		t.Fatalf("expected data held behind gap got=%d", len(p.pRec.msgs))
	}
}

func TestRetransmitRequestCountsAsRetry(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.Reliability.MaxRetries = 1
	p := newPair(t, cfg, cos.DefaultConsumer(), cos.DefaultProvider(), nil, nil)
	p.flush(t0)

	p.cLink.drop = func(*protocol.Msg) bool { return true }
	_ = p.consumer.Submit([]byte("lost"), protocol.ContainerOpaque, t0)

	q := wire.RetransRequest{StreamID: 5, Domain: protocol.DomainSystem, SeqNum: 1}
	if err := p.consumer.HandleMsg(q.Msg(), t0); err != nil {
		t.Fatalf("retransmit request: %v", err)
	}
	if p.consumer.Stats().Retransmits != 1 {
		t.Fatalf("expected one retransmit got=%d", p.consumer.Stats().Retransmits)
	}
	if err := p.consumer.Dispatch(t0.Add(time.Minute)); !errors.Is(err, ErrRetryExhausted) {
		t.Fatalf("expected the request to use the retry budget got=%v", err)
	}
}

func TestRefreshWithoutInitFallsBackToVersionOne(t *testing.T) {
	testlog.Start(t)
	p := newPair(t, DefaultConfig(), cos.DefaultConsumer(), cos.DefaultProvider(), nil, nil)
	for _, m := range p.cLink.take() {
		provider, err := Accept(p.pLink, m, p.accept, p.cfg, t0)
		if err != nil {
			t.Fatalf("accept: %v", err)
		}
		p.provider = provider
	}
	for _, m := range p.pLink.take() {
		m.SetExtendedHeader(nil)
		if err := p.consumer.HandleMsg(m, t0); err != nil {
			t.Fatalf("refresh: %v", err)
		}
	}
	if p.consumer.Phase() != PhaseOpen {
		t.Fatalf("expected open got=%s", p.consumer.Phase())
	}
	if v := p.consumer.ClassOfService().Common.StreamVersion; v != 1 {
		t.Fatalf("expected version 1 without init got=%d", v)
	}
	if !strings.Contains(p.consumer.Trace(), "without INIT") {
		t.Fatalf("expected downgrade in trace got=%q", p.consumer.Trace())
	}
}
