package reliability

import (
	"fmt"
	"math/rand"
	"time"
)

// Outbound is one unacknowledged message.
type Outbound[T any] struct {
	Seq      uint32
	Size     int
	Item     T
	Attempts int
	SentAt   time.Time
	Deadline time.Time
}

// SendTracker assigns sequence numbers and holds messages until the peer
// acknowledges them.
type SendTracker[T any] struct {
	cfg     Config
	rng     *rand.Rand
	lastSeq uint32
	window  int
	bytes   int
	pending []*Outbound[T]
}

// NewSendTracker starts numbering after initialSeq. window is in payload
// bytes; zero disables the byte window.
func NewSendTracker[T any](cfg Config, initialSeq uint32, window int) *SendTracker[T] {
	return &SendTracker[T]{cfg: cfg, lastSeq: initialSeq, window: window}
}

// SetRand enables jitter with a caller-owned source.
func (s *SendTracker[T]) SetRand(rng *rand.Rand) {
	s.rng = rng
}

// SetWindow applies the receive window the peer last advertised.
func (s *SendTracker[T]) SetWindow(window int) {
	s.window = window
}

func (s *SendTracker[T]) Window() int {
	return s.window
}

// LastSeq is the most recently assigned sequence number.
func (s *SendTracker[T]) LastSeq() uint32 {
	return s.lastSeq
}

// Outstanding reports unacknowledged messages and bytes.
func (s *SendTracker[T]) Outstanding() (int, int) {
	return len(s.pending), s.bytes
}

// CanSend reports whether size more bytes fit in the window. An empty
// window always admits one message so an oversized message cannot stall
// the stream forever.
func (s *SendTracker[T]) CanSend(size int) bool {
	if len(s.pending) == 0 {
		return true
	}
	if s.cfg.MaxOutstanding > 0 && len(s.pending) >= s.cfg.MaxOutstanding {
		return false
	}
	if s.window > 0 && s.bytes+size > s.window {
		return false
	}
	return true
}

// Send assigns the next sequence number to item. A full window returns
// ErrWindowFull and leaves the tracker unchanged.
func (s *SendTracker[T]) Send(item T, size int, now time.Time) (uint32, error) {
	if !s.CanSend(size) {
		return 0, ErrWindowFull
	}
	s.lastSeq++
	s.pending = append(s.pending, &Outbound[T]{
		Seq:      s.lastSeq,
		Size:     size,
		Item:     item,
		Attempts: 1,
		SentAt:   now,
		Deadline: now.Add(NextBackoffDelay(s.cfg.Backoff, 1, s.rng)),
	})
	s.bytes += size
	return s.lastSeq, nil
}

// Ack frees every entry at or before cumulative and every entry inside a
// selective range. It returns the number of entries freed.
func (s *SendTracker[T]) Ack(cumulative uint32, sacks []Range) int {
	kept := s.pending[:0]
	freed := 0
	for _, o := range s.pending {
		if SeqLessEq(o.Seq, cumulative) || inRanges(o.Seq, sacks) {
			s.bytes -= o.Size
			freed++
			continue
		}
		kept = append(kept, o)
	}
	clear(s.pending[len(kept):])
	s.pending = kept
	return freed
}

// Release frees one entry without an acknowledgment. Best-effort streams
// use it to forget messages that will never be retransmitted.
func (s *SendTracker[T]) Release(seq uint32) bool {
	for i, o := range s.pending {
		if o.Seq == seq {
			s.bytes -= o.Size
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return true
		}
	}
	return false
}

// Nak returns exactly the pending entries named by ranges, in sequence
// order, and restarts their retransmission clocks.
func (s *SendTracker[T]) Nak(ranges []Range, now time.Time) []*Outbound[T] {
	var out []*Outbound[T]
	for _, o := range s.pending {
		if inRanges(o.Seq, ranges) {
			s.retry(o, now)
			out = append(out, o)
		}
	}
	return out
}

// Retry returns the pending entry for seq and restarts its
// retransmission clock, counting the attempt like Nak does.
func (s *SendTracker[T]) Retry(seq uint32, now time.Time) (*Outbound[T], bool) {
	o, ok := s.Lookup(seq)
	if ok {
		s.retry(o, now)
	}
	return o, ok
}

// Lookup returns the pending entry for seq.
func (s *SendTracker[T]) Lookup(seq uint32) (*Outbound[T], bool) {
	for _, o := range s.pending {
		if o.Seq == seq {
			return o, true
		}
	}
	return nil, false
}

// Expired returns entries whose deadline has passed and schedules their
// next attempt. An entry that has used all of its retries fails the call
// with ErrRetryExhausted.
func (s *SendTracker[T]) Expired(now time.Time) ([]*Outbound[T], error) {
	var out []*Outbound[T]
	for _, o := range s.pending {
		if now.Before(o.Deadline) {
			continue
		}
		if o.Attempts > s.cfg.MaxRetries {
			return nil, fmt.Errorf("%w: seq=%d attempts=%d", ErrRetryExhausted, o.Seq, o.Attempts)
		}
		s.retry(o, now)
		out = append(out, o)
	}
	return out, nil
}

// NextDeadline is the earliest retransmission deadline.
func (s *SendTracker[T]) NextDeadline() (time.Time, bool) {
	var next time.Time
	for _, o := range s.pending {
		if next.IsZero() || o.Deadline.Before(next) {
			next = o.Deadline
		}
	}
	return next, !next.IsZero()
}

func (s *SendTracker[T]) retry(o *Outbound[T], now time.Time) {
	o.Attempts++
	o.SentAt = now
	o.Deadline = now.Add(NextBackoffDelay(s.cfg.Backoff, o.Attempts, s.rng))
}

// Pending returns the unacknowledged entries in sequence order.
func (s *SendTracker[T]) Pending() []*Outbound[T] {
	return append([]*Outbound[T](nil), s.pending...)
}

// Reset drops every pending entry. Sequence numbering continues.
func (s *SendTracker[T]) Reset() {
	clear(s.pending)
	s.pending = s.pending[:0]
	s.bytes = 0
}

func inRanges(seq uint32, ranges []Range) bool {
	for _, r := range ranges {
		if r.Contains(seq) {
			return true
		}
	}
	return false
}
