package watchlist

import (
	"slices"
	"time"

	"github.com/danmuck/mdreactor/internal/protocol"
)

// itemKey is what aggregated requests have in common.
type itemKey struct {
	name      string
	serviceID uint16
	domain    protocol.Domain
	qos       protocol.Qos
}

func keyOf(m *protocol.Msg) itemKey {
	k := itemKey{name: m.Key.Name, serviceID: m.Key.ServiceID, domain: m.Domain}
	if m.Has(protocol.HasQos) {
		k.qos = m.Qos
	}
	return k
}

// Stream is one wire stream shared by every request for the same item.
type Stream struct {
	id       int32
	key      itemKey
	private  bool
	msg      *protocol.Msg
	requests []*Request
	waiting  []*Request
	view     *View
	priority protocol.Priority

	// refreshPending is set from the moment a request goes out until the
	// final part of its refresh arrives.
	refreshPending bool
	multiPart      bool
	image          *protocol.Msg

	deadline time.Time
	retries  int
}

func (s *Stream) ID() int32 { return s.id }

// Requests returns the requests attached to the stream, waiting ones last.
func (s *Stream) Requests() []*Request {
	out := slices.Clone(s.requests)
	return append(out, s.waiting...)
}

func (s *Stream) View() *View { return s.view }

func (s *Stream) Priority() protocol.Priority { return s.priority }

func (s *Stream) Waiting() int { return len(s.waiting) }

func (s *Stream) empty() bool {
	return len(s.requests) == 0 && len(s.waiting) == 0
}

func (s *Stream) remove(r *Request) bool {
	if i := slices.Index(s.requests, r); i >= 0 {
		s.requests = slices.Delete(s.requests, i, i+1)
		return true
	}
	if i := slices.Index(s.waiting, r); i >= 0 {
		s.waiting = slices.Delete(s.waiting, i, i+1)
		return true
	}
	return false
}

// aggregateView merges the views of the attached requests.
func (s *Stream) aggregateView() *View {
	views := make([]*View, 0, len(s.requests))
	for _, r := range s.requests {
		views = append(views, r.view)
	}
	return mergeViews(views)
}

// aggregatePriority takes the highest class and sums the counts.
func (s *Stream) aggregatePriority() protocol.Priority {
	var p protocol.Priority
	for _, r := range s.requests {
		rp := protocol.Priority{Class: 1, Count: 1}
		if r.msg.Has(protocol.HasPriority) {
			rp = r.msg.Priority
		}
		p.Class = max(p.Class, rp.Class)
		p.Count += rp.Count
	}
	return p
}

// streaming reports whether any attached request wants updates.
func (s *Stream) streaming() bool {
	for _, r := range s.requests {
		if r.streaming() {
			return true
		}
	}
	return false
}

// wireMsg builds the aggregated request for the wire.
func (s *Stream) wireMsg(noRefresh bool) *protocol.Msg {
	m := s.msg.Clone()
	m.StreamID = s.id
	m.Flags &^= protocol.FlagNoRefresh | protocol.FlagStreaming
	if s.streaming() {
		m.Flags |= protocol.FlagStreaming
	}
	if noRefresh {
		m.Flags |= protocol.FlagNoRefresh
	}
	if s.view != nil {
		m.SetView(s.view.View)
	} else {
		m.ClearView()
	}
	m.SetPriority(s.priority)
	return m
}
