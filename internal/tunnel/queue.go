package tunnel

import (
	"fmt"
	"time"

	"github.com/danmuck/mdreactor/internal/protocol"
	"github.com/danmuck/mdreactor/internal/tunnel/cos"
	"github.com/danmuck/mdreactor/internal/tunnel/wire"
	"github.com/rs/zerolog/log"
)

type queueState uint8

const (
	queuePending queueState = iota
	queueOpen
)

type queueStream struct {
	streamID int32
	name     string
	state    queueState
	lastOut  uint32
	lastIn   uint32
}

// queueTable maps queue sub-stream ids to their queue names.
type queueTable struct {
	byID   map[int32]*queueStream
	nextID int32
}

func newQueueTable() queueTable {
	return queueTable{byID: make(map[int32]*queueStream)}
}

func (t *queueTable) allocate() int32 {
	for {
		t.nextID++
		if t.nextID <= 0 {
			t.nextID = 1
		}
		if _, used := t.byID[t.nextID]; !used {
			return t.nextID
		}
	}
}

func (t *queueTable) reset() {
	clear(t.byID)
}

// QueueName returns the local queue name bound to a sub-stream.
func (s *Stream) QueueName(streamID int32) (string, bool) {
	q, ok := s.queues.byID[streamID]
	if !ok {
		return "", false
	}
	return q.name, true
}

// QueueOpen reports whether the sub-stream has been confirmed by the peer.
func (s *Stream) QueueOpen(streamID int32) bool {
	q, ok := s.queues.byID[streamID]
	return ok && q.state == queueOpen
}

// OpenQueue requests a queue sub-stream for the local queue name and
// returns its sub-stream id. The sub-stream opens when the peer's refresh
// arrives.
func (s *Stream) OpenQueue(name string, now time.Time) (int32, error) {
	if s.cos.Guarantee.Type != cos.GuaranteePersistentQueue {
		return 0, ErrQueueDisabled
	}
	if name == "" {
		return 0, fmt.Errorf("%w: empty queue name", wire.ErrIncompleteData)
	}
	id := s.queues.allocate()
	q := &queueStream{streamID: id, name: name}
	req := &wire.QueueRequest{
		QueueHeader: wire.QueueHeader{StreamID: id, Domain: s.domain},
		SourceName:  name,
	}
	if err := s.SubmitQueueMsg(req, now); err != nil {
		return 0, err
	}
	s.queues.byID[id] = q
	return id, nil
}

// SendQueueData sends d on an open queue sub-stream. The sub-stream id,
// source name and sequence number are filled in.
func (s *Stream) SendQueueData(streamID int32, d wire.QueueData, now time.Time) error {
	q, ok := s.queues.byID[streamID]
	if !ok || q.state != queueOpen {
		return fmt.Errorf("%w: %d", ErrQueueNotOpen, streamID)
	}
	d.StreamID = streamID
	d.Domain = s.domain
	d.SourceName = q.name
	d.SeqNum = q.lastOut + 1
	if err := s.SubmitQueueMsg(&d, now); err != nil {
		return err
	}
	q.lastOut = d.SeqNum
	return nil
}

// CloseQueue closes a queue sub-stream.
func (s *Stream) CloseQueue(streamID int32, now time.Time) error {
	if _, ok := s.queues.byID[streamID]; !ok {
		return fmt.Errorf("%w: %d", ErrQueueNotOpen, streamID)
	}
	delete(s.queues.byID, streamID)
	return s.SubmitQueueMsg(&wire.QueueClose{QueueHeader: wire.QueueHeader{StreamID: streamID, Domain: s.domain}}, now)
}

// SubmitQueueMsg encodes q into a DATA payload and submits it.
func (s *Stream) SubmitQueueMsg(q wire.QueueMsg, now time.Time) error {
	if s.cos.Guarantee.Type != cos.GuaranteePersistentQueue {
		return ErrQueueDisabled
	}
	payload, err := wire.EncodeQueueMsg(q)
	if err != nil {
		return err
	}
	if err := s.Submit(payload, protocol.ContainerMsg, now); err != nil {
		return err
	}
	s.stats.QueueMsgsSent++
	return nil
}

func (s *Stream) handleQueuePayload(payload []byte, now time.Time) error {
	qm, err := wire.DecodeQueuePayload(payload)
	if err != nil {
		return s.fail(fmt.Errorf("%w: %w", ErrProtocol, err), closedSuspectState, true)
	}
	s.stats.QueueMsgsReceived++
	s.trace.printf("recv QUEUE %s stream=%d", qm.QueueType(), qm.Stream())
	switch v := qm.(type) {
	case *wire.QueueRequest:
		if err := s.acceptQueue(v, now); err != nil {
			return err
		}
	case *wire.QueueRefresh:
		if q, ok := s.queues.byID[v.StreamID]; ok {
			q.state = queueOpen
			q.lastIn = v.LastOutSeqNum
		}
	case *wire.QueueStatus:
		if v.HasState && v.State.Stream.IsClosed() {
			delete(s.queues.byID, v.StreamID)
		}
	case *wire.QueueClose:
		delete(s.queues.byID, v.StreamID)
	case *wire.QueueData:
		if q, ok := s.queues.byID[v.StreamID]; ok {
			q.lastIn = v.SeqNum
		}
		if s.cfg.AutoAckQueueData {
			ack := &wire.QueueAck{
				QueueHeader: v.QueueHeader,
				SourceName:  v.DestName,
				DestName:    v.SourceName,
				SeqNum:      v.SeqNum,
				Identifier:  v.Identifier,
			}
			defer func() {
				if err := s.SubmitQueueMsg(ack, now); err != nil {
					log.Warn().Err(err).Str("tunnel", s.id).Int64("identifier", v.Identifier).Msg("queue ack failed")
				}
			}()
		}
	}
	if s.cb.OnQueueMsg != nil {
		s.cb.OnQueueMsg(s, qm)
	}
	return nil
}

// acceptQueue answers a peer's queue open with a refresh.
func (s *Stream) acceptQueue(req *wire.QueueRequest, now time.Time) error {
	q, ok := s.queues.byID[req.StreamID]
	if !ok {
		q = &queueStream{streamID: req.StreamID, name: req.SourceName}
		s.queues.byID[req.StreamID] = q
	}
	q.state = queueOpen
	q.lastIn = req.LastOutSeqNum
	return s.SubmitQueueMsg(&wire.QueueRefresh{
		QueueHeader:   req.QueueHeader,
		SourceName:    req.SourceName,
		LastOutSeqNum: q.lastOut,
		LastInSeqNum:  q.lastIn,
		State:         protocol.State{Stream: protocol.StreamOpen, Data: protocol.DataOK},
	}, now)
}
