package watchlist

import (
	"fmt"

	"github.com/danmuck/mdreactor/internal/protocol"
)

// RequestState is the lifecycle of one application request.
type RequestState uint8

const (
	StatePendingRequest RequestState = iota
	StateRefreshPending
	StateRefreshViewPending
	StateRefreshCompletePending
	StateOpen
	StateReturnToPool
)

func (s RequestState) String() string {
	switch s {
	case StatePendingRequest:
		return "PENDING_REQUEST"
	case StateRefreshPending:
		return "REFRESH_PENDING"
	case StateRefreshViewPending:
		return "REFRESH_VIEW_PENDING"
	case StateRefreshCompletePending:
		return "REFRESH_COMPLETE_PENDING"
	case StateOpen:
		return "OPEN"
	case StateReturnToPool:
		return "RETURN_TO_POOL"
	default:
		return fmt.Sprintf("STATE(%d)", uint8(s))
	}
}

// awaitingRefresh reports whether a refresh on the stream is addressed to
// this request.
func (s RequestState) awaitingRefresh() bool {
	switch s {
	case StatePendingRequest, StateRefreshPending, StateRefreshViewPending, StateRefreshCompletePending:
		return true
	}
	return false
}

// Request is one application subscription.
type Request struct {
	msg      *protocol.Msg
	state    RequestState
	stream   *Stream
	view     *View
	userSpec any
}

// StreamID is the application's stream id for the request.
func (r *Request) StreamID() int32 { return r.msg.StreamID }

func (r *Request) State() RequestState { return r.state }

// Msg is the request as last submitted. It must not be modified.
func (r *Request) Msg() *protocol.Msg { return r.msg }

func (r *Request) View() *View { return r.view }

func (r *Request) UserSpec() any { return r.userSpec }

// WireStreamID is the id of the aggregated stream, or 0 when none.
func (r *Request) WireStreamID() int32 {
	if r.stream == nil {
		return 0
	}
	return r.stream.id
}

func (r *Request) streaming() bool {
	return r.msg.Is(protocol.FlagStreaming)
}

func (r *Request) reset() {
	*r = Request{}
}

// Pool recycles requests. A request may only be returned once it has
// reached StateReturnToPool.
type Pool struct {
	free []*Request
	max  int
}

func NewPool(max int) *Pool {
	return &Pool{max: max}
}

// Get returns a cleared request.
func (p *Pool) Get() *Request {
	if n := len(p.free); n > 0 {
		r := p.free[n-1]
		p.free[n-1] = nil
		p.free = p.free[:n-1]
		return r
	}
	return &Request{}
}

// Put clears r and keeps it for reuse. It panics when r is still live.
func (p *Pool) Put(r *Request) {
	if r.state != StateReturnToPool {
		panic(fmt.Sprintf("watchlist: request returned to pool in state %s", r.state))
	}
	r.reset()
	if p.max > 0 && len(p.free) >= p.max {
		return
	}
	p.free = append(p.free, r)
}

// Len is the number of idle requests.
func (p *Pool) Len() int { return len(p.free) }
