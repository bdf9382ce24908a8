package tunnel

import (
	"fmt"
	"time"

	"github.com/danmuck/mdreactor/internal/protocol"
	"github.com/danmuck/mdreactor/internal/tunnel/wire"
)

// split cuts payload into pieces of at most size bytes.
func split(payload []byte, size int) [][]byte {
	if size <= 0 || len(payload) <= size {
		return [][]byte{payload}
	}
	out := make([][]byte, 0, (len(payload)+size-1)/size)
	for len(payload) > 0 {
		n := min(size, len(payload))
		out = append(out, payload[:n])
		payload = payload[n:]
	}
	return out
}

type partial struct {
	total   uint32
	ct      protocol.ContainerType
	frags   map[uint32][]byte
	bytes   int
	highest uint32
	updated time.Time
}

// assembler rebuilds fragmented messages keyed by message id. Fragments
// may arrive in any order; a message is released once every fragment
// number up to the last one is present and the byte count matches.
type assembler struct {
	pending map[uint16]*partial
}

func newAssembler() *assembler {
	return &assembler{pending: make(map[uint16]*partial)}
}

func (a *assembler) add(d *wire.Data, now time.Time) ([]byte, protocol.ContainerType, bool, error) {
	if d.FragmentNumber == 0 {
		return nil, 0, false, fmt.Errorf("%w: fragment number 0 for message %d", ErrProtocol, d.MessageID)
	}
	p, ok := a.pending[d.MessageID]
	if !ok {
		p = &partial{total: d.TotalMsgLength, ct: d.ContainerType, frags: make(map[uint32][]byte)}
		a.pending[d.MessageID] = p
	}
	if p.total != d.TotalMsgLength {
		delete(a.pending, d.MessageID)
		return nil, 0, false, fmt.Errorf("%w: message %d total length changed %d->%d", ErrProtocol, d.MessageID, p.total, d.TotalMsgLength)
	}
	p.updated = now
	if _, dup := p.frags[d.FragmentNumber]; dup {
		return nil, 0, false, nil
	}
	p.frags[d.FragmentNumber] = d.Payload
	p.bytes += len(d.Payload)
	p.highest = max(p.highest, d.FragmentNumber)
	if p.bytes > int(p.total) {
		delete(a.pending, d.MessageID)
		return nil, 0, false, fmt.Errorf("%w: message %d exceeds total length %d", ErrProtocol, d.MessageID, p.total)
	}
	if p.bytes < int(p.total) || uint32(len(p.frags)) != p.highest {
		return nil, 0, false, nil
	}
	out := make([]byte, 0, p.total)
	for n := uint32(1); n <= p.highest; n++ {
		out = append(out, p.frags[n]...)
	}
	delete(a.pending, d.MessageID)
	return out, p.ct, true, nil
}

// expire drops partial messages idle for longer than ttl.
func (a *assembler) expire(now time.Time, ttl time.Duration) int {
	if ttl <= 0 {
		return 0
	}
	dropped := 0
	for id, p := range a.pending {
		if now.Sub(p.updated) >= ttl {
			delete(a.pending, id)
			dropped++
		}
	}
	return dropped
}

func (a *assembler) reset() {
	clear(a.pending)
}
