package watchlist

import (
	"fmt"
	"time"

	"github.com/danmuck/mdreactor/internal/protocol"
	"github.com/rs/zerolog/log"
)

// Writer sends a message on the wire.
type Writer interface {
	WriteMsg(m *protocol.Msg) error
}

// Event is one message delivered to an application request. Msg carries
// the application's stream id. Err is set when the watchlist itself ends
// the request.
type Event struct {
	Request *Request
	Msg     *protocol.Msg
	Err     error
}

type Config struct {
	RequestTimeout    time.Duration
	MaxRequestRetries int
	FirstStreamID     int32
	PoolSize          int
}

func DefaultConfig() Config {
	return Config{
		RequestTimeout:    15 * time.Second,
		MaxRequestRetries: 2,
		FirstStreamID:     1,
		PoolSize:          1024,
	}
}

// Stats counts handler activity.
type Stats struct {
	Submitted  uint64
	Aggregated uint64
	LateJoins  uint64
	Retries    uint64
	TimedOut   uint64
	Closed     uint64
}

// Handler tracks application requests and their wire streams.
type Handler struct {
	cfg      Config
	w        Writer
	callback func(Event)
	pool     *Pool

	requests map[int32]*Request
	streams  map[int32]*Stream
	byKey    map[itemKey]*Stream
	reserved map[int32]struct{}
	nextID   int32

	stats Stats
}

func NewHandler(w Writer, cfg Config, callback func(Event)) *Handler {
	if cfg.FirstStreamID <= 0 {
		cfg.FirstStreamID = 1
	}
	return &Handler{
		cfg:      cfg,
		w:        w,
		callback: callback,
		pool:     NewPool(cfg.PoolSize),
		requests: make(map[int32]*Request),
		streams:  make(map[int32]*Stream),
		byKey:    make(map[itemKey]*Stream),
		reserved: make(map[int32]struct{}),
		nextID:   cfg.FirstStreamID - 1,
	}
}

func (h *Handler) Stats() Stats { return h.stats }

func (h *Handler) Pool() *Pool { return h.pool }

// Request returns the live request for an application stream id.
func (h *Handler) Request(streamID int32) (*Request, bool) {
	r, ok := h.requests[streamID]
	return r, ok
}

// Stream returns the wire stream with the given id.
func (h *Handler) Stream(wireID int32) (*Stream, bool) {
	s, ok := h.streams[wireID]
	return s, ok
}

// Streams is the number of open wire streams.
func (h *Handler) Streams() int { return len(h.streams) }

// Owns reports whether wireID belongs to a watchlist stream.
func (h *Handler) Owns(wireID int32) bool {
	_, ok := h.streams[wireID]
	return ok
}

// Reserve keeps wireID out of the watchlist's stream id allocation.
func (h *Handler) Reserve(wireID int32) error {
	if _, ok := h.streams[wireID]; ok {
		return fmt.Errorf("%w: stream id %d in use", ErrParameterInvalid, wireID)
	}
	h.reserved[wireID] = struct{}{}
	return nil
}

func (h *Handler) Unreserve(wireID int32) {
	delete(h.reserved, wireID)
}

func (h *Handler) allocateID() int32 {
	for {
		h.nextID++
		if h.nextID <= 0 {
			h.nextID = h.cfg.FirstStreamID
		}
		if _, used := h.streams[h.nextID]; used {
			continue
		}
		if _, used := h.reserved[h.nextID]; used {
			continue
		}
		return h.nextID
	}
}

// SubmitRequest adds or reissues an application request.
func (h *Handler) SubmitRequest(m *protocol.Msg, reissue bool, userSpec any, now time.Time) error {
	if m == nil || m.Class != protocol.ClassRequest {
		return fmt.Errorf("%w: not a request", ErrParameterInvalid)
	}
	if m.StreamID == 0 {
		return fmt.Errorf("%w: stream id 0", ErrParameterInvalid)
	}
	if m.Has(protocol.HasQos) {
		if err := m.Qos.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrParameterInvalid, err)
		}
	}
	if m.Has(protocol.HasView) {
		if err := m.View.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrParameterInvalid, err)
		}
	}
	if reissue {
		return h.reissue(m, userSpec, now)
	}
	if !m.Has(protocol.HasKeyName) || m.Key.Name == "" {
		return fmt.Errorf("%w: request without item name", ErrParameterInvalid)
	}
	if _, open := h.requests[m.StreamID]; open {
		return fmt.Errorf("%w: stream %d already open", ErrParameterInvalid, m.StreamID)
	}

	r := h.pool.Get()
	r.msg = m.Clone()
	r.userSpec = userSpec
	r.state = StatePendingRequest
	if m.Has(protocol.HasView) {
		r.view = newView(m.View)
	}
	h.requests[m.StreamID] = r
	h.stats.Submitted++
	log.Debug().
		Int32("stream_id", m.StreamID).
		Str("name", m.Key.Name).
		Uint16("service_id", m.Key.ServiceID).
		Msg("watchlist request submitted")
	return h.place(r, now)
}

// place attaches r to a matching stream or opens a new one.
func (h *Handler) place(r *Request, now time.Time) error {
	private := r.msg.Is(protocol.FlagPrivateStream)
	if !private {
		if s, ok := h.byKey[keyOf(r.msg)]; ok {
			h.stats.Aggregated++
			return h.join(s, r, now)
		}
	}
	s := &Stream{
		id:      h.allocateID(),
		key:     keyOf(r.msg),
		private: private,
		msg:     r.msg.Clone(),
	}
	s.requests = append(s.requests, r)
	r.stream = s
	h.streams[s.id] = s
	if !private {
		h.byKey[s.key] = s
	}
	s.view = s.aggregateView()
	s.priority = s.aggregatePriority()
	markMerged(s)
	r.state = StateRefreshPending
	log.Debug().Int32("wire_stream_id", s.id).Str("name", s.key.name).Msg("watchlist stream opened")
	return h.send(s, false, now)
}

// join adds r to an existing stream.
func (h *Handler) join(s *Stream, r *Request, now time.Time) error {
	r.stream = s
	if s.refreshPending {
		r.state = StatePendingRequest
		s.waiting = append(s.waiting, r)
		return nil
	}
	s.requests = append(s.requests, r)
	view := s.aggregateView()
	prio := s.aggregatePriority()
	if !view.equal(s.view) {
		s.view = view
		s.priority = prio
		markMerged(s)
		r.state = StateRefreshViewPending
		return h.send(s, false, now)
	}
	if s.image == nil {
		s.priority = prio
		r.state = StateRefreshPending
		return h.send(s, false, now)
	}

	h.stats.LateJoins++
	refresh := s.image.Clone()
	refresh.Flags |= protocol.FlagSolicited
	if !r.streaming() {
		st := refresh.State
		st.Stream = protocol.StreamNonStreaming
		refresh.SetState(st)
	}
	r.state = StateOpen
	if r.view != nil {
		r.view.State = ViewCommitted
	}
	var err error
	if prio != s.priority {
		s.priority = prio
		err = h.send(s, true, now)
	}
	h.deliver(r, refresh, nil)
	if !r.streaming() {
		h.retire(r, now)
	}
	return err
}

func (h *Handler) reissue(m *protocol.Msg, userSpec any, now time.Time) error {
	r, ok := h.requests[m.StreamID]
	if !ok {
		return fmt.Errorf("%w: reissue of stream %d", ErrNotFound, m.StreamID)
	}
	if r.stream == nil {
		return fmt.Errorf("%w: reissue on unopened stream %d", ErrNotFound, m.StreamID)
	}
	if m.Is(protocol.FlagStreaming) != r.streaming() {
		return fmt.Errorf("%w: reissue changes streaming flag", ErrParameterInvalid)
	}
	if m.Has(protocol.HasView) && r.view != nil && m.View.Type != r.view.Type {
		return fmt.Errorf("%w: reissue changes view type", ErrParameterInvalid)
	}
	if m.Has(protocol.HasKeyName) && m.Key.Name != r.msg.Key.Name {
		return fmt.Errorf("%w: reissue changes item name", ErrParameterInvalid)
	}

	s := r.stream
	next := m.Clone()
	next.Key = r.msg.Key
	next.Present |= r.msg.Present & (protocol.HasKeyName | protocol.HasKeyServiceID)
	r.msg = next
	if userSpec != nil {
		r.userSpec = userSpec
	}
	r.view = nil
	if m.Has(protocol.HasView) {
		r.view = newView(m.View)
	}
	if r.state == StatePendingRequest {
		// Still waiting on the stream's refresh; the new message goes out
		// when it joins.
		return nil
	}

	view := s.aggregateView()
	prio := s.aggregatePriority()
	switch {
	case !view.equal(s.view):
		s.view = view
		s.priority = prio
		markMerged(s)
		r.state = StateRefreshViewPending
		return h.send(s, m.Is(protocol.FlagNoRefresh), now)
	case !m.Is(protocol.FlagNoRefresh):
		s.priority = prio
		r.state = StateRefreshPending
		return h.send(s, false, now)
	case prio != s.priority:
		s.priority = prio
		return h.send(s, true, now)
	}
	return nil
}

// Close removes an application request and recycles it.
func (h *Handler) Close(streamID int32, now time.Time) error {
	r, ok := h.requests[streamID]
	if !ok {
		return fmt.Errorf("%w: close of stream %d", ErrNotFound, streamID)
	}
	h.stats.Closed++
	return h.retire(r, now)
}

// retire detaches r from its stream, shrinking or closing the stream, and
// returns r to the pool.
func (h *Handler) retire(r *Request, now time.Time) error {
	var err error
	if s := r.stream; s != nil && s.remove(r) {
		err = h.shrink(s, now)
	}
	h.recycle(r)
	return err
}

func (h *Handler) shrink(s *Stream, now time.Time) error {
	if s.empty() {
		return h.closeStream(s, true)
	}
	if len(s.requests) == 0 {
		return nil
	}
	view := s.aggregateView()
	prio := s.aggregatePriority()
	if view.equal(s.view) && prio == s.priority {
		return nil
	}
	s.view = view
	s.priority = prio
	return h.send(s, true, now)
}

func (h *Handler) recycle(r *Request) {
	delete(h.requests, r.msg.StreamID)
	r.stream = nil
	r.state = StateReturnToPool
	h.pool.Put(r)
}

func (h *Handler) closeStream(s *Stream, notify bool) error {
	delete(h.streams, s.id)
	if h.byKey[s.key] == s {
		delete(h.byKey, s.key)
	}
	if !notify {
		return nil
	}
	log.Debug().Int32("wire_stream_id", s.id).Msg("watchlist stream closed")
	return h.w.WriteMsg(&protocol.Msg{
		Class:         protocol.ClassClose,
		StreamID:      s.id,
		Domain:        s.key.domain,
		ContainerType: protocol.ContainerNoData,
	})
}

func (h *Handler) send(s *Stream, noRefresh bool, now time.Time) error {
	m := s.wireMsg(noRefresh)
	if !noRefresh {
		s.refreshPending = true
		s.multiPart = false
		s.deadline = now.Add(h.cfg.RequestTimeout)
	}
	if err := h.w.WriteMsg(m); err != nil {
		return err
	}
	if s.view != nil {
		s.view.State = ViewCommitted
	}
	return nil
}

func markMerged(s *Stream) {
	for _, r := range s.requests {
		if r.view != nil && r.view.State == ViewNew {
			r.view.State = ViewMerged
		}
	}
}

// ReadMsg fans an inbound wire message out to the stream's requests.
func (h *Handler) ReadMsg(m *protocol.Msg, now time.Time) error {
	s, ok := h.streams[m.StreamID]
	if !ok {
		return fmt.Errorf("%w: inbound %s on stream %d", ErrNotFound, m.Class, m.StreamID)
	}
	switch m.Class {
	case protocol.ClassRefresh:
		return h.readRefresh(s, m, now)
	case protocol.ClassStatus:
		return h.readStatus(s, m, now)
	case protocol.ClassUpdate:
		for _, r := range s.requests {
			if r.state == StateOpen || r.state == StateRefreshCompletePending {
				h.deliver(r, m, nil)
			}
		}
	default:
		for _, r := range s.requests {
			h.deliver(r, m, nil)
		}
	}
	return nil
}

func (h *Handler) readRefresh(s *Stream, m *protocol.Msg, now time.Time) error {
	complete := m.Is(protocol.FlagRefreshComplete)
	var targets []*Request
	for _, r := range s.requests {
		if r.state.awaitingRefresh() {
			targets = append(targets, r)
		}
	}
	if len(targets) == 0 {
		// Unsolicited: every open request sees it.
		targets = append(targets, s.requests...)
	}

	if complete {
		s.refreshPending = false
		s.deadline = time.Time{}
		s.retries = 0
		if s.multiPart {
			s.image = nil
		} else {
			s.image = m.Clone()
		}
		s.multiPart = false
		if s.view != nil {
			s.view.State = ViewCommitted
		}
	} else {
		s.multiPart = true
		s.deadline = now.Add(h.cfg.RequestTimeout)
	}

	var snapshots []*Request
	for _, r := range targets {
		if complete {
			r.state = StateOpen
			if r.view != nil {
				r.view.State = ViewCommitted
			}
			if !r.streaming() {
				snapshots = append(snapshots, r)
			}
		} else {
			r.state = StateRefreshCompletePending
		}
		h.deliver(r, m, nil)
	}
	if !complete {
		return nil
	}

	providerDone := m.Has(protocol.HasState) && (m.State.Stream == protocol.StreamNonStreaming || m.State.Stream.IsClosed())
	for _, r := range snapshots {
		s.remove(r)
		h.recycle(r)
	}
	if providerDone && len(s.requests) > 0 {
		// The provider will send nothing more; streaming requests must
		// reopen on a new stream.
		for _, r := range s.requests {
			s.waiting = append(s.waiting, r)
		}
		s.requests = nil
	}
	if len(s.requests) == 0 {
		waiting := s.waiting
		s.waiting = nil
		if err := h.closeStream(s, !providerDone); err != nil {
			return err
		}
		for _, r := range waiting {
			r.stream = nil
			if err := h.place(r, now); err != nil {
				return err
			}
		}
		return nil
	}

	waiting := s.waiting
	s.waiting = nil
	for _, r := range waiting {
		if err := h.join(s, r, now); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) readStatus(s *Stream, m *protocol.Msg, now time.Time) error {
	if !m.Has(protocol.HasState) || !m.State.Stream.IsClosed() {
		for _, r := range s.requests {
			h.deliver(r, m, nil)
		}
		return nil
	}
	log.Info().
		Int32("wire_stream_id", s.id).
		Str("name", s.key.name).
		Str("state", m.State.String()).
		Msg("watchlist stream closed by provider")
	if err := h.closeStream(s, false); err != nil {
		return err
	}
	for _, r := range s.Requests() {
		h.deliver(r, m, ErrStreamClosed)
		h.recycle(r)
	}
	s.requests, s.waiting = nil, nil
	return nil
}

// Dispatch fires request timers. A stream whose refresh is late is
// requested again until its retries run out; then every request on it
// receives one timeout status and is recycled.
func (h *Handler) Dispatch(now time.Time) error {
	var expired []*Stream
	for _, s := range h.streams {
		if s.refreshPending && !s.deadline.IsZero() && !now.Before(s.deadline) {
			expired = append(expired, s)
		}
	}
	for _, s := range expired {
		if s.retries < h.cfg.MaxRequestRetries {
			s.retries++
			h.stats.Retries++
			log.Debug().Int32("wire_stream_id", s.id).Int("retry", s.retries).Msg("watchlist request retry")
			if err := h.send(s, false, now); err != nil {
				return err
			}
			continue
		}
		if err := h.requestTimeout(s); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) requestTimeout(s *Stream) error {
	log.Warn().
		Int32("wire_stream_id", s.id).
		Str("name", s.key.name).
		Int("retries", s.retries).
		Msg("watchlist request timeout")
	err := h.closeStream(s, true)
	for _, r := range s.Requests() {
		h.stats.TimedOut++
		st := &protocol.Msg{
			Class:         protocol.ClassStatus,
			StreamID:      r.msg.StreamID,
			Domain:        r.msg.Domain,
			ContainerType: protocol.ContainerNoData,
		}
		st.SetState(protocol.State{
			Stream: protocol.StreamClosedRecover,
			Data:   protocol.DataSuspect,
			Code:   protocol.CodeTimeout,
			Text:   "Request timeout",
		})
		h.deliver(r, st, ErrRequestTimeout)
		h.recycle(r)
	}
	s.requests, s.waiting = nil, nil
	return err
}

// deliver hands m to the application under the request's stream id.
func (h *Handler) deliver(r *Request, m *protocol.Msg, err error) {
	if h.callback == nil {
		return
	}
	out := m.Clone()
	out.StreamID = r.msg.StreamID
	h.callback(Event{Request: r, Msg: out, Err: err})
}

// ChannelDown ends every request because the channel under the handler is
// gone. Each request gets one closed-recover status and is recycled.
func (h *Handler) ChannelDown(text string) {
	for _, s := range h.streams {
		for _, r := range s.Requests() {
			st := &protocol.Msg{
				Class:         protocol.ClassStatus,
				StreamID:      r.msg.StreamID,
				Domain:        r.msg.Domain,
				ContainerType: protocol.ContainerNoData,
			}
			st.SetState(protocol.State{
				Stream: protocol.StreamClosedRecover,
				Data:   protocol.DataSuspect,
				Code:   protocol.CodeNone,
				Text:   text,
			})
			h.deliver(r, st, ErrStreamClosed)
			h.recycle(r)
		}
		s.requests, s.waiting = nil, nil
	}
	clear(h.streams)
	clear(h.byKey)
}
