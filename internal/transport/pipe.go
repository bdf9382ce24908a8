package transport

import (
	"context"
	"io"
	"sync"

	"github.com/danmuck/mdreactor/internal/protocol"
	"github.com/google/uuid"
)

type packet struct {
	class   protocol.Class
	payload []byte
}

type pipeShared struct {
	done chan struct{}
	once sync.Once
}

// pipeEnd is one side of an in-memory channel pair. Messages are encoded on
// write and decoded on read so both sides see what a socket would carry.
type pipeEnd struct {
	id     string
	in     chan packet
	out    chan packet
	shared *pipeShared
}

// Pipe returns two connected channels. Each direction buffers up to size
// messages before WriteMsg blocks. Closing either end closes both.
func Pipe(size int) (Channel, Channel) {
	ab := make(chan packet, size)
	ba := make(chan packet, size)
	shared := &pipeShared{done: make(chan struct{})}
	a := &pipeEnd{id: uuid.NewString(), in: ba, out: ab, shared: shared}
	b := &pipeEnd{id: uuid.NewString(), in: ab, out: ba, shared: shared}
	return a, b
}

func (p *pipeEnd) ID() string { return p.id }

func (p *pipeEnd) ReadMsg(ctx context.Context) (*protocol.Msg, error) {
	select {
	case pk := <-p.in:
		return protocol.Unmarshal(pk.class, pk.payload)
	default:
	}
	select {
	case pk := <-p.in:
		return protocol.Unmarshal(pk.class, pk.payload)
	case <-p.shared.done:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeEnd) WriteMsg(ctx context.Context, m *protocol.Msg) error {
	payload, err := protocol.Marshal(m)
	if err != nil {
		return err
	}
	select {
	case <-p.shared.done:
		return ErrClosed
	default:
	}
	select {
	case p.out <- packet{class: m.Class, payload: payload}:
		return nil
	case <-p.shared.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeEnd) Ping(ctx context.Context) error {
	select {
	case <-p.shared.done:
		return ErrClosed
	default:
		return ctx.Err()
	}
}

func (p *pipeEnd) Close() error {
	p.shared.once.Do(func() { close(p.shared.done) })
	return nil
}
