package reliability

import "time"

// Verdict says what RecvTracker did with an arriving message.
type Verdict uint8

const (
	Delivered Verdict = iota
	Buffered
	Duplicate
)

func (v Verdict) String() string {
	switch v {
	case Delivered:
		return "delivered"
	case Buffered:
		return "buffered"
	default:
		return "duplicate"
	}
}

// RecvTracker releases messages in sequence order exactly once.
type RecvTracker[T any] struct {
	cfg      Config
	expected uint32
	highest  uint32
	received AckRangeList
	buffered map[uint32]T
	gapSince time.Time
	sinceAck int
	ackOwed  bool
}

// NewRecvTracker expects initialSeq+1 as the first sequence number.
func NewRecvTracker[T any](cfg Config, initialSeq uint32) *RecvTracker[T] {
	return &RecvTracker[T]{
		cfg:      cfg,
		expected: initialSeq + 1,
		highest:  initialSeq,
		buffered: make(map[uint32]T),
	}
}

// Accept records seq and returns the items now deliverable, in order.
func (r *RecvTracker[T]) Accept(seq uint32, item T, now time.Time) ([]T, Verdict) {
	switch d := SeqCompare(seq, r.expected); {
	case d < 0:
		r.ackOwed = true
		return nil, Duplicate
	case d > 0:
		if !r.received.Add(seq) {
			r.ackOwed = true
			return nil, Duplicate
		}
		r.buffered[seq] = item
		if SeqLess(r.highest, seq) {
			r.highest = seq
		}
		if r.gapSince.IsZero() {
			r.gapSince = now
		}
		r.ackOwed = true
		return nil, Buffered
	}

	out := []T{item}
	r.expected++
	out = r.flush(out)
	if SeqLess(r.highest, r.expected-1) {
		r.highest = r.expected - 1
	}
	if len(r.buffered) == 0 {
		r.gapSince = time.Time{}
	} else {
		r.gapSince = now
		r.ackOwed = true
	}
	r.sinceAck++
	if r.cfg.AckEvery <= 0 || r.sinceAck >= r.cfg.AckEvery {
		r.ackOwed = true
	}
	return out, Delivered
}

func (r *RecvTracker[T]) flush(out []T) []T {
	for {
		item, ok := r.buffered[r.expected]
		if !ok {
			break
		}
		delete(r.buffered, r.expected)
		out = append(out, item)
		r.expected++
	}
	r.received.RemoveThrough(r.expected - 1)
	return out
}

// Expected is the next in-order sequence number.
func (r *RecvTracker[T]) Expected() uint32 {
	return r.expected
}

// Cumulative is the highest sequence number delivered in order.
func (r *RecvTracker[T]) Cumulative() uint32 {
	return r.expected - 1
}

// Sacks are the ranges received beyond the gap.
func (r *RecvTracker[T]) Sacks() []Range {
	return r.received.Ranges()
}

// Naks are the missing ranges between Expected and the highest sequence
// number seen.
func (r *RecvTracker[T]) Naks() []Range {
	if len(r.buffered) == 0 {
		return nil
	}
	var out []Range
	next := r.expected
	for _, got := range r.received.Ranges() {
		if SeqLess(next, got.First) {
			out = append(out, Range{First: next, Last: got.First - 1})
		}
		next = got.Last + 1
	}
	return out
}

// HasGap reports whether messages are waiting on a missing sequence number.
func (r *RecvTracker[T]) HasGap() bool {
	return len(r.buffered) > 0
}

// GapExpired reports whether the current gap has been open for longer
// than the gap timeout.
func (r *RecvTracker[T]) GapExpired(now time.Time) bool {
	if r.gapSince.IsZero() || r.cfg.GapTimeout <= 0 {
		return false
	}
	return !now.Before(r.gapSince.Add(r.cfg.GapTimeout))
}

// SkipGap gives up on the missing sequence numbers below the lowest
// buffered message and returns everything that becomes deliverable.
func (r *RecvTracker[T]) SkipGap(now time.Time) []T {
	first, ok := r.received.First()
	if !ok {
		return nil
	}
	r.expected = first
	out := r.flush(nil)
	if len(r.buffered) == 0 {
		r.gapSince = time.Time{}
	} else {
		r.gapSince = now
	}
	r.ackOwed = true
	return out
}

// AckDue reports whether the peer should be sent an ACK.
func (r *RecvTracker[T]) AckDue() bool {
	return r.ackOwed
}

// MarkAcked records that an ACK reflecting the current state was sent.
func (r *RecvTracker[T]) MarkAcked() {
	r.ackOwed = false
	r.sinceAck = 0
}

// Reset drops buffered messages without delivering them.
func (r *RecvTracker[T]) Reset() {
	clear(r.buffered)
	r.received.Clear()
	r.gapSince = time.Time{}
	r.ackOwed = false
	r.sinceAck = 0
}

// RestartGap restarts the gap timer after the receiver has asked the
// sender to fill the gap.
func (r *RecvTracker[T]) RestartGap(now time.Time) {
	if len(r.buffered) > 0 {
		r.gapSince = now
	}
}
