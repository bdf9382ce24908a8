package reactor

import (
	"sync"

	"github.com/danmuck/mdreactor/internal/protocol"
	"github.com/danmuck/mdreactor/internal/transport"
)

type eventKind uint8

const (
	eventInbound eventKind = iota
	eventChannelUp
	eventChannelDown
	eventWorker
	eventCall
)

type event struct {
	kind      eventKind
	channelID string
	msg       *protocol.Msg
	err       error

	ch   transport.Channel
	opts ChannelOptions

	work WorkerEvent

	call  func() error
	reply chan error
}

// EventQueue hands events from other goroutines to the dispatch loop.
type EventQueue struct {
	mu     sync.Mutex
	items  []event
	closed bool
	notify chan struct{}
}

func newEventQueue() *EventQueue {
	return &EventQueue{notify: make(chan struct{}, 1)}
}

// put appends e and wakes the dispatch loop. It reports false once the
// queue is closed.
func (q *EventQueue) put(e event) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, e)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

func (q *EventQueue) drain() []event {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

func (q *EventQueue) close() []event {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	out := q.items
	q.items = nil
	return out
}

// Notify fires at least once after every put.
func (q *EventQueue) Notify() <-chan struct{} { return q.notify }

// Len is the number of undelivered events.
func (q *EventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
