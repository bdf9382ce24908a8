package tunnel

import (
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/mdreactor/internal/auth"
	"github.com/danmuck/mdreactor/internal/protocol"
	"github.com/danmuck/mdreactor/internal/tunnel/cos"
	"github.com/danmuck/mdreactor/internal/tunnel/reliability"
	"github.com/danmuck/mdreactor/internal/tunnel/wire"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Stream is one tunnel stream endpoint.
type Stream struct {
	id        string
	streamID  int32
	domain    protocol.Domain
	serviceID uint16
	name      string
	provider  bool
	cfg       Config
	w         Writer
	cb        Callbacks
	userSpec  any
	login     *auth.Login

	cos           cos.ClassOfService
	state         state
	streamVersion uint32

	send      *reliability.SendTracker[*wire.Data]
	recv      *reliability.RecvTracker[*wire.Data]
	outq      []*wire.Data
	asm       *assembler
	nextMsgID uint16

	requestAttempts int
	requestDeadline time.Time
	closeDeadline   time.Time
	finAttempts     int
	finDeadline     time.Time
	gapRetries      int

	queues queueTable
	stats  Stats
	trace  tracer
	done   chan struct{}
}

func newStream(w Writer, cfg Config, streamID int32, domain protocol.Domain) *Stream {
	return &Stream{
		id:       uuid.NewString(),
		streamID: streamID,
		domain:   domain,
		cfg:      cfg,
		w:        w,
		asm:      newAssembler(),
		queues:   newQueueTable(),
		trace:    newTracer(cfg.TraceBytes),
		done:     make(chan struct{}),
	}
}

// NewConsumer sends the open request for a consumer stream and returns it
// in the opening phase.
func NewConsumer(w Writer, opts OpenOptions, cfg Config, now time.Time) (*Stream, error) {
	if opts.StreamID == 0 {
		return nil, fmt.Errorf("%w: stream id 0", cos.ErrInvalid)
	}
	if err := opts.COS.Validate(); err != nil {
		return nil, err
	}
	if opts.COS.Authentication == cos.AuthOMMLogin && opts.Login == nil {
		return nil, fmt.Errorf("%w: OMM login authentication without login", cos.ErrInvalid)
	}
	s := newStream(w, cfg, opts.StreamID, opts.Domain)
	s.serviceID = opts.ServiceID
	s.name = opts.Name
	s.cb = opts.Callbacks
	s.userSpec = opts.UserSpec
	s.login = opts.Login
	s.cos = opts.COS.Copy()
	s.streamVersion = s.cos.Common.StreamVersion
	if err := s.sendRequest(now); err != nil {
		return nil, err
	}
	s.state = stateWaitRefresh
	log.Debug().
		Str("tunnel", s.id).
		Int32("stream_id", s.streamID).
		Str("name", s.name).
		Msg("tunnel open requested")
	return s, nil
}

// Accept answers a consumer's open request. A rejected request is answered
// with a closed status and returns an error; no stream is created.
func Accept(w Writer, req *protocol.Msg, opts AcceptOptions, cfg Config, now time.Time) (*Stream, error) {
	if req.Class != protocol.ClassRequest {
		return nil, fmt.Errorf("%w: accept on %s", ErrProtocol, req.Class)
	}
	reject := func(code protocol.StateCode, err error) (*Stream, error) {
		st := protocol.State{Stream: protocol.StreamClosed, Data: protocol.DataSuspect, Code: code, Text: err.Error()}
		m := &protocol.Msg{
			Class:         protocol.ClassStatus,
			StreamID:      req.StreamID,
			Domain:        req.Domain,
			ContainerType: protocol.ContainerNoData,
			Flags:         protocol.FlagPrivateStream | protocol.FlagQualifiedStream,
		}
		m.SetState(st)
		if werr := w.WriteMsg(m); werr != nil {
			return nil, errors.Join(err, werr)
		}
		log.Warn().Err(err).Int32("stream_id", req.StreamID).Msg("tunnel open rejected")
		return nil, err
	}

	hello, ok := wire.DecodeInit(req)
	if !ok {
		log.Debug().Int32("stream_id", req.StreamID).Uint32("stream_version", hello.StreamVersion).Msg("open request without init header")
	}
	consumer, login, err := decodeOpenBody(req.Body)
	if err != nil {
		return reject(protocol.CodeInvalidArgument, err)
	}
	consumer.Common.StreamVersion = min(consumer.Common.StreamVersion, hello.StreamVersion)
	negotiated, err := cos.Negotiate(consumer, opts.COS)
	if err != nil {
		return reject(protocol.CodeUsageError, err)
	}
	if negotiated.Authentication == cos.AuthOMMLogin {
		switch {
		case opts.Validator == nil:
			return reject(protocol.CodeNotAuthorized, fmt.Errorf("%w: no validator", ErrAuthRejected))
		case login == nil:
			return reject(protocol.CodeNotAuthorized, fmt.Errorf("%w: no login presented", ErrAuthRejected))
		}
		if err := opts.Validator.Validate(*login); err != nil {
			return reject(protocol.CodeNotAuthorized, fmt.Errorf("%w: %v", ErrAuthRejected, err))
		}
	}

	// The provider receives into its own window and sends into the
	// consumer's.
	local := negotiated.Copy()
	local.FlowControl.RecvWindowSize = opts.COS.FlowControl.RecvWindowSize
	local.FlowControl.SendWindowSize = consumer.FlowControl.RecvWindowSize

	s := newStream(w, cfg, req.StreamID, req.Domain)
	s.provider = true
	s.serviceID = req.Key.ServiceID
	s.name = req.Key.Name
	s.cb = opts.Callbacks
	s.userSpec = opts.UserSpec
	s.login = login
	s.cos = local
	s.streamVersion = local.Common.StreamVersion
	s.cos.Freeze()
	s.startTrackers()

	m := &protocol.Msg{
		Class:         protocol.ClassRefresh,
		StreamID:      s.streamID,
		Domain:        s.domain,
		ContainerType: protocol.ContainerFilterList,
		Flags:         protocol.FlagRefreshComplete | protocol.FlagSolicited | protocol.FlagPrivateStream | protocol.FlagQualifiedStream,
		Body:          encodeOpenBody(&s.cos, true, nil),
	}
	m.SetKeyName(s.name)
	m.SetServiceID(s.serviceID)
	m.SetState(protocol.State{Stream: protocol.StreamOpen, Data: protocol.DataOK})
	m.SetExtendedHeader(wire.Init{StreamVersion: s.streamVersion}.Header())
	if err := s.write(m); err != nil {
		return nil, err
	}
	s.state = stateOpen
	log.Info().
		Str("tunnel", s.id).
		Int32("stream_id", s.streamID).
		Str("name", s.name).
		Uint32("stream_version", s.streamVersion).
		Msg("tunnel accepted")
	s.emit(StatusEvent{Phase: PhaseOpen, State: m.State})
	return s, nil
}

// ID is a process-unique identifier used in logs.
func (s *Stream) ID() string { return s.id }

func (s *Stream) StreamID() int32 { return s.streamID }

func (s *Stream) Domain() protocol.Domain { return s.domain }

func (s *Stream) Name() string { return s.name }

func (s *Stream) Provider() bool { return s.provider }

func (s *Stream) UserSpec() any { return s.userSpec }

// Login is the identity the consumer presented, if any.
func (s *Stream) Login() *auth.Login { return s.login }

func (s *Stream) Phase() Phase { return s.state.phase() }

// ClassOfService returns a copy of the stream's COS. It is frozen once the
// stream has opened.
func (s *Stream) ClassOfService() cos.ClassOfService { return s.cos }

func (s *Stream) Stats() Stats { return s.stats }

// Trace returns the most recent protocol events.
func (s *Stream) Trace() string { return s.trace.String() }

// Done is closed when the stream reaches the closed phase.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Buffered reports messages waiting for send window space.
func (s *Stream) Buffered() int { return len(s.outq) }

// Outstanding reports unacknowledged messages and bytes.
func (s *Stream) Outstanding() (int, int) {
	if s.send == nil {
		return 0, 0
	}
	return s.send.Outstanding()
}

func (s *Stream) sendRequest(now time.Time) error {
	m := &protocol.Msg{
		Class:         protocol.ClassRequest,
		StreamID:      s.streamID,
		Domain:        s.domain,
		ContainerType: protocol.ContainerFilterList,
		Flags:         protocol.FlagStreaming | protocol.FlagPrivateStream | protocol.FlagQualifiedStream,
		Body:          encodeOpenBody(&s.cos, false, s.login),
	}
	m.SetKeyName(s.name)
	m.SetServiceID(s.serviceID)
	m.SetExtendedHeader(wire.Init{StreamVersion: s.cos.Common.StreamVersion}.Header())
	s.requestAttempts++
	s.requestDeadline = now.Add(s.cfg.RequestTimeout)
	return s.write(m)
}

func (s *Stream) startTrackers() {
	window := 0
	if s.cos.FlowControl.Type == cos.FlowControlBidirectional {
		window = s.cos.SendWindow()
	}
	s.send = reliability.NewSendTracker[*wire.Data](s.cfg.Reliability, 0, window)
	s.recv = reliability.NewRecvTracker[*wire.Data](s.cfg.Reliability, 0)
}

func (s *Stream) reliable() bool {
	return s.cos.DataIntegrity == cos.DataIntegrityReliable
}

// HandleMsg processes one message addressed to this stream. Errors are
// also reported through OnStatus when they end the stream.
func (s *Stream) HandleMsg(m *protocol.Msg, now time.Time) error {
	if s.state == stateClosed {
		return ErrClosed
	}
	kind, err := wire.Classify(m)
	if err != nil {
		s.trace.printf("recv unclassified class=%s err=%v", m.Class, err)
		return s.fail(fmt.Errorf("%w: %w", ErrProtocol, err), closedSuspectState, true)
	}
	switch kind {
	case wire.KindRequest:
		return s.handleRequest(m, now)
	case wire.KindRefresh:
		return s.handleRefresh(m, now)
	case wire.KindStatus:
		return s.handleStatus(m)
	case wire.KindClose:
		s.trace.printf("recv CLOSE")
		return s.fail(ErrPeerClosed, closedSuspectState, false)
	case wire.KindData, wire.KindRetrans:
		return s.handleData(m, now)
	case wire.KindAck:
		return s.handleAck(m, now)
	case wire.KindRetransRequest:
		return s.handleRetransRequest(m, now)
	}
	return nil
}

// handleRequest answers a repeated open request; the consumer resends it
// when the refresh was lost.
func (s *Stream) handleRequest(m *protocol.Msg, now time.Time) error {
	if !s.provider || s.state != stateOpen {
		return fmt.Errorf("%w: unexpected request in %s", ErrProtocol, s.state)
	}
	r := &protocol.Msg{
		Class:         protocol.ClassRefresh,
		StreamID:      s.streamID,
		Domain:        s.domain,
		ContainerType: protocol.ContainerFilterList,
		Flags:         protocol.FlagRefreshComplete | protocol.FlagSolicited | protocol.FlagPrivateStream | protocol.FlagQualifiedStream,
		Body:          encodeOpenBody(&s.cos, true, nil),
	}
	r.SetKeyName(s.name)
	r.SetState(protocol.State{Stream: protocol.StreamOpen, Data: protocol.DataOK})
	r.SetExtendedHeader(wire.Init{StreamVersion: s.streamVersion}.Header())
	return s.write(r)
}

func (s *Stream) handleRefresh(m *protocol.Msg, now time.Time) error {
	if s.provider || s.state != stateWaitRefresh {
		s.trace.printf("recv REFRESH ignored state=%s", s.state)
		return nil
	}
	if m.Has(protocol.HasState) && m.State.Stream.IsClosed() {
		return s.fail(ErrRejected, m.State, false)
	}
	provider, _, err := decodeOpenBody(m.Body)
	if err != nil {
		return s.fail(err, protocol.State{Stream: protocol.StreamClosed, Data: protocol.DataSuspect, Code: protocol.CodeInvalidArgument}, true)
	}
	hello, ok := wire.DecodeInit(m)
	if !ok {
		s.trace.printf("recv REFRESH without INIT version=%d", hello.StreamVersion)
		log.Debug().Str("tunnel", s.id).Uint32("stream_version", hello.StreamVersion).Msg("refresh without init header")
	}
	provider.Common.StreamVersion = min(provider.Common.StreamVersion, hello.StreamVersion)
	negotiated, err := cos.Negotiate(s.cos, provider)
	if err != nil {
		return s.fail(err, protocol.State{Stream: protocol.StreamClosed, Data: protocol.DataSuspect, Code: protocol.CodeUsageError}, true)
	}
	s.cos = negotiated
	s.cos.Freeze()
	s.streamVersion = s.cos.Common.StreamVersion
	s.startTrackers()
	s.state = stateOpen
	s.trace.printf("recv REFRESH open version=%d", s.streamVersion)
	log.Info().
		Str("tunnel", s.id).
		Int32("stream_id", s.streamID).
		Uint32("stream_version", s.streamVersion).
		Int("send_window", s.send.Window()).
		Msg("tunnel open")
	st := protocol.State{Stream: protocol.StreamOpen, Data: protocol.DataOK}
	if m.Has(protocol.HasState) {
		st = m.State
	}
	s.emit(StatusEvent{Phase: PhaseOpen, State: st})
	return s.pump(now)
}

func (s *Stream) handleStatus(m *protocol.Msg) error {
	if !m.Has(protocol.HasState) {
		return nil
	}
	s.trace.printf("recv STATUS %s", m.State)
	if !m.State.Stream.IsClosed() {
		s.emit(StatusEvent{Phase: s.Phase(), State: m.State})
		return nil
	}
	err := ErrPeerClosed
	switch {
	case m.State.Code == protocol.CodeNotAuthorized:
		err = ErrAuthRejected
	case s.state.phase() == PhaseOpening:
		err = ErrRejected
	}
	return s.fail(fmt.Errorf("%w: %s", err, m.State.Text), m.State, false)
}

func (s *Stream) handleData(m *protocol.Msg, now time.Time) error {
	switch s.state {
	case stateOpen, stateSendFin, stateWaitFinAck:
	default:
		s.trace.printf("recv DATA dropped state=%s", s.state)
		return nil
	}
	d, err := wire.DecodeData(m, s.streamVersion)
	if err != nil {
		return s.fail(fmt.Errorf("%w: %w", ErrProtocol, err), closedSuspectState, true)
	}
	s.trace.printf("recv %s seq=%d len=%d frag=%d", d.Opcode, d.SeqNum, len(d.Payload), d.FragmentNumber)
	owned := d.Clone()
	items, verdict := s.recv.Accept(d.SeqNum, &owned, now)
	switch verdict {
	case reliability.Duplicate:
		s.stats.Duplicates++
	case reliability.Delivered:
		s.gapRetries = 0
	}
	if err := s.deliverAll(items, now); err != nil {
		return err
	}
	return s.ackIfDue()
}

func (s *Stream) deliverAll(items []*wire.Data, now time.Time) error {
	for _, d := range items {
		if s.state == stateClosed {
			return nil
		}
		if err := s.deliver(d, now); err != nil {
			return err
		}
	}
	return nil
}

func (s *Stream) deliver(d *wire.Data, now time.Time) error {
	s.stats.BytesReceived += uint64(len(d.Payload))
	if !d.Fragmented() {
		s.stats.MsgsReceived++
		return s.dispatchMessage(Message{ContainerType: d.ContainerType, Payload: d.Payload}, now)
	}
	s.stats.FragmentsReceived++
	payload, ct, ok, err := s.asm.add(d, now)
	if err != nil {
		return s.fail(err, closedSuspectState, true)
	}
	if !ok {
		return nil
	}
	s.stats.MsgsReceived++
	return s.dispatchMessage(Message{ContainerType: ct, Payload: payload}, now)
}

func (s *Stream) dispatchMessage(msg Message, now time.Time) error {
	if s.cos.Guarantee.Type == cos.GuaranteePersistentQueue && msg.ContainerType == protocol.ContainerMsg {
		return s.handleQueuePayload(msg.Payload, now)
	}
	if s.cb.OnMsg != nil {
		s.cb.OnMsg(s, msg)
	}
	return nil
}

func (s *Stream) ackIfDue() error {
	if s.recv == nil || !s.recv.AckDue() {
		return nil
	}
	return s.sendAck(0)
}

func (s *Stream) sendAck(flags uint16) error {
	a := wire.Ack{
		StreamID:   s.streamID,
		Domain:     s.domain,
		Flags:      flags,
		SeqNum:     s.recv.Cumulative(),
		RecvWindow: int32(s.cos.RecvWindow()),
	}
	if s.reliable() {
		a.Naks = toWireRanges(s.recv.Naks())
	}
	a.Sacks = toWireRanges(s.recv.Sacks())
	m, err := a.Msg()
	if err != nil {
		return s.fail(err, closedSuspectState, true)
	}
	s.trace.printf("send ACK seq=%d naks=%d sacks=%d fin=%t", a.SeqNum, len(a.Naks), len(a.Sacks), a.Fin())
	s.stats.AcksSent++
	s.recv.MarkAcked()
	return s.write(m)
}

func (s *Stream) handleAck(m *protocol.Msg, now time.Time) error {
	a, err := wire.DecodeAck(m)
	if err != nil {
		return s.fail(fmt.Errorf("%w: %w", ErrProtocol, err), closedSuspectState, true)
	}
	if s.send == nil {
		return nil
	}
	s.trace.printf("recv ACK seq=%d naks=%d sacks=%d fin=%t win=%d", a.SeqNum, len(a.Naks), len(a.Sacks), a.Fin(), a.RecvWindow)
	s.send.Ack(a.SeqNum, fromWireRanges(a.Sacks))
	if s.reliable() && len(a.Naks) > 0 {
		for _, o := range s.send.Nak(fromWireRanges(a.Naks), now) {
			if err := s.retransmit(o.Item); err != nil {
				return err
			}
		}
	}
	if s.cos.FlowControl.Type == cos.FlowControlBidirectional && a.RecvWindow > 0 {
		s.send.SetWindow(max(int(a.RecvWindow), s.cos.Common.MaxFragmentSize))
	}
	switch {
	case a.Fin():
		return s.handleFin(now)
	case s.state == stateWaitFinalFinAck:
		s.trace.printf("recv final ACK")
		return s.finish(nil)
	case s.state == stateSendFin:
		return s.closeTimers(now)
	}
	return s.pump(now)
}

func (s *Stream) handleRetransRequest(m *protocol.Msg, now time.Time) error {
	q, err := wire.DecodeRetransRequest(m)
	if err != nil {
		return s.fail(fmt.Errorf("%w: %w", ErrProtocol, err), closedSuspectState, true)
	}
	if s.send == nil {
		return nil
	}
	o, ok := s.send.Retry(q.SeqNum, now)
	if !ok {
		s.trace.printf("recv REQUEST seq=%d not pending", q.SeqNum)
		return nil
	}
	return s.retransmit(o.Item)
}

func (s *Stream) retransmit(d *wire.Data) error {
	r := *d
	r.Opcode = wire.OpRetrans
	s.stats.Retransmits++
	s.trace.printf("send RETRANS seq=%d", r.SeqNum)
	return s.write(r.Msg(s.streamVersion))
}

// Submit queues one application message. It is fragmented when larger than
// the negotiated fragment size and sent as the window allows.
func (s *Stream) Submit(payload []byte, ct protocol.ContainerType, now time.Time) error {
	switch s.state {
	case stateOpen:
	case stateClosed:
		return ErrClosed
	default:
		return ErrNotOpen
	}
	fragOK := s.cos.Common.SupportFragmentation && s.streamVersion >= cos.CurrentStreamVersion
	if !fragOK && len(payload) > s.cos.Common.MaxMsgSize {
		return fmt.Errorf("%w: %d > %d", ErrMsgTooLarge, len(payload), s.cos.Common.MaxMsgSize)
	}
	if ct < protocol.ContainerMin {
		ct = protocol.ContainerOpaque
	}
	owned := append([]byte(nil), payload...)
	pieces := [][]byte{owned}
	if fragOK {
		pieces = split(owned, s.cos.Common.MaxFragmentSize)
	}
	if len(s.outq) > 0 && len(s.outq)+len(pieces) > s.cfg.GuaranteedOutputBuffers {
		return fmt.Errorf("%w: %d buffered", ErrNoBuffers, len(s.outq))
	}
	if len(pieces) == 1 {
		s.outq = append(s.outq, &wire.Data{
			StreamID:      s.streamID,
			Domain:        s.domain,
			Opcode:        wire.OpData,
			ContainerType: ct,
			Payload:       owned,
		})
		return s.pump(now)
	}
	s.nextMsgID++
	for i, p := range pieces {
		s.outq = append(s.outq, &wire.Data{
			StreamID:       s.streamID,
			Domain:         s.domain,
			Opcode:         wire.OpData,
			Flags:          wire.DataFlagFragmented,
			TotalMsgLength: uint32(len(owned)),
			FragmentNumber: uint32(i + 1),
			MessageID:      s.nextMsgID,
			ContainerType:  ct,
			Payload:        p,
		})
	}
	return s.pump(now)
}

// pump sends buffered messages until the window closes.
func (s *Stream) pump(now time.Time) error {
	for len(s.outq) > 0 && s.send != nil {
		d := s.outq[0]
		seq, err := s.send.Send(d, len(d.Payload), now)
		if errors.Is(err, reliability.ErrWindowFull) {
			return nil
		}
		if err != nil {
			return err
		}
		d.SeqNum = seq
		s.outq[0] = nil
		s.outq = s.outq[1:]
		s.stats.BytesSent += uint64(len(d.Payload))
		if d.Fragmented() {
			s.stats.FragmentsSent++
			if int(d.FragmentNumber)*s.cos.Common.MaxFragmentSize >= int(d.TotalMsgLength) {
				s.stats.MsgsSent++
			}
		} else {
			s.stats.MsgsSent++
		}
		s.trace.printf("send DATA seq=%d len=%d frag=%d", seq, len(d.Payload), d.FragmentNumber)
		if err := s.write(d.Msg(s.streamVersion)); err != nil {
			return err
		}
	}
	return nil
}

// Dispatch runs the stream's timers: open retries, retransmission, gap
// handling and the close handshake.
func (s *Stream) Dispatch(now time.Time) error {
	switch s.state {
	case stateClosed:
		return nil
	case stateWaitRefresh:
		if now.Before(s.requestDeadline) {
			return nil
		}
		if s.requestAttempts > s.cfg.MaxRequestRetries {
			return s.fail(ErrOpenTimeout, protocol.State{Stream: protocol.StreamClosedRecover, Data: protocol.DataSuspect, Code: protocol.CodeTimeout}, true)
		}
		s.trace.printf("send REQUEST retry=%d", s.requestAttempts)
		return s.sendRequest(now)
	}

	if err := s.retransmitExpired(now); err != nil {
		return err
	}
	if err := s.checkGap(now); err != nil {
		return err
	}
	if s.state == stateClosed {
		return nil
	}
	if !s.reliable() {
		s.asm.expire(now, s.cfg.Reliability.GapTimeout)
	}
	if err := s.closeTimers(now); err != nil || s.state == stateClosed {
		return err
	}
	if err := s.pump(now); err != nil {
		return err
	}
	return s.ackIfDue()
}

func (s *Stream) retransmitExpired(now time.Time) error {
	if !s.reliable() {
		expired, _ := s.send.Expired(now)
		for _, o := range expired {
			s.send.Release(o.Seq)
		}
		return nil
	}
	expired, err := s.send.Expired(now)
	if err != nil {
		return s.fail(err, protocol.State{Stream: protocol.StreamClosedRecover, Data: protocol.DataSuspect, Code: protocol.CodeTimeout}, true)
	}
	for _, o := range expired {
		if err := s.retransmit(o.Item); err != nil {
			return err
		}
	}
	return nil
}

func (s *Stream) checkGap(now time.Time) error {
	if !s.recv.HasGap() || !s.recv.GapExpired(now) {
		return nil
	}
	if !s.reliable() {
		s.stats.GapsSkipped++
		s.trace.printf("gap skipped expected=%d", s.recv.Expected())
		return s.deliverAll(s.recv.SkipGap(now), now)
	}
	s.gapRetries++
	if s.gapRetries > s.cfg.Reliability.MaxRetries {
		return s.fail(fmt.Errorf("%w: expected seq=%d", ErrGapTimeout, s.recv.Expected()),
			protocol.State{Stream: protocol.StreamClosedRecover, Data: protocol.DataSuspect, Code: protocol.CodeGapDetected}, true)
	}
	// The ACK's NAK ranges name every missing sequence number exactly once.
	s.trace.printf("gap timeout expected=%d retry=%d", s.recv.Expected(), s.gapRetries)
	s.recv.RestartGap(now)
	return s.sendAck(0)
}

// Close starts the close handshake. Buffered and unacknowledged messages
// are drained first, bounded by the close timeout.
func (s *Stream) Close(now time.Time) error {
	switch s.state {
	case stateClosed, stateSendFin, stateWaitFinAck, stateWaitFinalFinAck:
		return nil
	case stateNotOpen, stateWaitRefresh:
		m := &protocol.Msg{Class: protocol.ClassClose, StreamID: s.streamID, Domain: s.domain, ContainerType: protocol.ContainerNoData}
		werr := s.write(m)
		if s.state != stateClosed {
			return errors.Join(werr, s.finish(nil))
		}
		return werr
	}
	s.state = stateSendFin
	s.closeDeadline = now.Add(s.cfg.CloseTimeout)
	s.emit(StatusEvent{Phase: PhaseClosing, State: protocol.State{Stream: protocol.StreamOpen, Data: protocol.DataOK}})
	return s.closeTimers(now)
}

// Abort ends the stream without a handshake, as when its channel goes
// down. err is reported as the stream's fatal status.
func (s *Stream) Abort(err error) error {
	if s.state == stateClosed {
		return nil
	}
	s.fail(err, protocol.State{Stream: protocol.StreamClosedRecover, Data: protocol.DataSuspect}, false)
	return nil
}

func (s *Stream) drained() bool {
	n, _ := s.send.Outstanding()
	return n == 0 && len(s.outq) == 0
}

func (s *Stream) closeTimers(now time.Time) error {
	switch s.state {
	case stateSendFin, stateWaitFinAck, stateWaitFinalFinAck:
	default:
		return nil
	}
	if !s.closeDeadline.IsZero() && !now.Before(s.closeDeadline) {
		log.Warn().Str("tunnel", s.id).Str("state", s.state.String()).Msg("tunnel close timed out")
		return s.finish(ErrCloseTimeout)
	}
	switch s.state {
	case stateSendFin:
		if !s.drained() {
			return nil
		}
		s.state = stateWaitFinAck
		return s.sendFin(now)
	case stateWaitFinAck, stateWaitFinalFinAck:
		if now.Before(s.finDeadline) {
			return nil
		}
		if s.finAttempts > s.cfg.MaxFinRetries {
			if s.state == stateWaitFinAck {
				log.Warn().Str("tunnel", s.id).Int("attempts", s.finAttempts).Msg("tunnel fin not acknowledged")
				return s.finish(ErrCloseTimeout)
			}
			return s.finish(nil)
		}
		return s.sendFin(now)
	}
	return nil
}

func (s *Stream) sendFin(now time.Time) error {
	s.finAttempts++
	s.finDeadline = now.Add(reliability.NextBackoffDelay(reliability.BackoffConfig{
		InitialDelay: s.cfg.FinAckTimeout,
		Multiplier:   2,
	}, s.finAttempts, nil))
	return s.sendAck(wire.AckFlagFin)
}

func (s *Stream) handleFin(now time.Time) error {
	switch s.state {
	case stateWaitFinAck:
		// FIN-ACK: answer with the final plain ACK and finish.
		s.trace.printf("recv FIN-ACK")
		if err := s.sendAck(0); err != nil {
			return err
		}
		return s.finish(nil)
	case stateOpen, stateSendFin:
		s.trace.printf("recv FIN")
		s.outq = nil
		s.send.Reset()
		s.state = stateWaitFinalFinAck
		s.closeDeadline = now.Add(s.cfg.CloseTimeout)
		s.finAttempts = 0
		s.emit(StatusEvent{Phase: PhaseClosing, State: protocol.State{Stream: protocol.StreamOpen, Data: protocol.DataOK}})
		return s.sendFin(now)
	case stateWaitFinalFinAck:
		// Our FIN-ACK was lost.
		return s.sendFin(now)
	}
	return nil
}

// finish moves the stream to closed after a close handshake. warn is set
// when the handshake did not complete.
func (s *Stream) finish(warn error) error {
	if s.state == stateClosed {
		return nil
	}
	s.state = stateClosed
	s.release()
	st := protocol.State{Stream: protocol.StreamClosed, Data: protocol.DataOK}
	if warn != nil {
		st.Text = warn.Error()
	}
	log.Info().Str("tunnel", s.id).Int32("stream_id", s.streamID).AnErr("warning", warn).Msg("tunnel closed")
	s.emit(StatusEvent{Phase: PhaseClosed, State: st, Err: warn, Warning: warn != nil})
	close(s.done)
	return nil
}

// fail ends the stream and reports err as its one fatal status event.
// notifyPeer sends a close so the peer releases its side.
// closedSuspectState is reported when the stream fails on a protocol error.
var closedSuspectState = protocol.State{Stream: protocol.StreamClosed, Data: protocol.DataSuspect}

func (s *Stream) fail(err error, st protocol.State, notifyPeer bool) error {
	if s.state == stateClosed {
		return err
	}
	prev := s.state
	s.state = stateClosed
	if notifyPeer && prev != stateNotOpen {
		m := &protocol.Msg{Class: protocol.ClassClose, StreamID: s.streamID, Domain: s.domain, ContainerType: protocol.ContainerNoData}
		if werr := s.w.WriteMsg(m); werr != nil {
			log.Debug().Err(werr).Str("tunnel", s.id).Msg("tunnel close notify failed")
		}
	}
	s.release()
	if st.Text == "" {
		st.Text = err.Error()
	}
	log.Warn().
		Err(err).
		Str("tunnel", s.id).
		Int32("stream_id", s.streamID).
		Str("state", prev.String()).
		Str("trace", s.trace.String()).
		Msg("tunnel failed")
	s.emit(StatusEvent{Phase: PhaseClosed, State: st, Err: err, Fatal: true})
	close(s.done)
	return err
}

func (s *Stream) release() {
	s.outq = nil
	if s.send != nil {
		s.send.Reset()
	}
	if s.recv != nil {
		s.recv.Reset()
	}
	s.asm.reset()
	s.queues.reset()
}

func (s *Stream) emit(ev StatusEvent) {
	if s.cb.OnStatus != nil {
		s.cb.OnStatus(s, ev)
	}
}

// write sends m. A channel error is fatal to the stream.
func (s *Stream) write(m *protocol.Msg) error {
	if err := s.w.WriteMsg(m); err != nil {
		if s.state == stateClosed {
			return err
		}
		return s.fail(fmt.Errorf("tunnel: write: %w", err), protocol.State{Stream: protocol.StreamClosedRecover, Data: protocol.DataSuspect}, false)
	}
	return nil
}

func toWireRanges(in []reliability.Range) []wire.Range {
	if len(in) > wire.MaxRangesPerList {
		in = in[:wire.MaxRangesPerList]
	}
	out := make([]wire.Range, len(in))
	for i, r := range in {
		out[i] = wire.Range(r)
	}
	return out
}

func fromWireRanges(in []wire.Range) []reliability.Range {
	out := make([]reliability.Range, len(in))
	for i, r := range in {
		out[i] = reliability.Range(r)
	}
	return out
}
