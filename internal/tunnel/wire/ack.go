package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/danmuck/mdreactor/internal/protocol"
)

// AckFlagFin marks an ACK that also closes the sender's half of the stream.
const AckFlagFin uint16 = 0x01

// MaxRangesPerList is bounded by the one-byte range count.
const MaxRangesPerList = 0xFF

// Range is an inclusive sequence number range.
type Range struct {
	First uint32
	Last  uint32
}

// Ack acknowledges everything up to SeqNum, selectively acknowledges the
// Sack ranges, and asks for the Nak ranges to be sent again.
type Ack struct {
	StreamID   int32
	Domain     protocol.Domain
	Flags      uint16
	SeqNum     uint32
	Naks       []Range
	Sacks      []Range
	RecvWindow int32
}

func (a *Ack) Fin() bool {
	return a.Flags&AckFlagFin != 0
}

func (a *Ack) HeaderLen() int {
	return 1 + ResBitU15Size(a.Flags) + 4 + 1 + 8*len(a.Naks) + 1 + 8*len(a.Sacks) + 4
}

// MarshalHeaderTo writes the ACK extended header into dst. The size check
// happens before any byte is written.
func (a *Ack) MarshalHeaderTo(dst []byte) (int, error) {
	if len(a.Naks) > MaxRangesPerList || len(a.Sacks) > MaxRangesPerList {
		return 0, ErrTooManyRanges
	}
	n := a.HeaderLen()
	if len(dst) < n {
		return 0, ErrBufferTooSmall
	}
	out := append(dst[:0], byte(OpAck))
	out, err := AppendResBitU15(out, a.Flags)
	if err != nil {
		return 0, err
	}
	out = binary.BigEndian.AppendUint32(out, a.SeqNum)
	out = appendRanges(out, a.Naks)
	out = appendRanges(out, a.Sacks)
	out = binary.BigEndian.AppendUint32(out, uint32(a.RecvWindow))
	return len(out), nil
}

func appendRanges(dst []byte, rs []Range) []byte {
	dst = append(dst, byte(len(rs)))
	for _, r := range rs {
		dst = binary.BigEndian.AppendUint32(dst, r.First)
		dst = binary.BigEndian.AppendUint32(dst, r.Last)
	}
	return dst
}

func (a *Ack) Msg() (*protocol.Msg, error) {
	ext := make([]byte, a.HeaderLen())
	n, err := a.MarshalHeaderTo(ext)
	if err != nil {
		return nil, err
	}
	m := &protocol.Msg{
		Class:         protocol.ClassGeneric,
		StreamID:      a.StreamID,
		Domain:        a.Domain,
		ContainerType: protocol.ContainerNoData,
	}
	m.SetExtendedHeader(ext[:n])
	return m, nil
}

// DecodeAck reads an ACK extended header. Range slices are freshly
// allocated.
func DecodeAck(m *protocol.Msg) (Ack, error) {
	if !m.Has(protocol.HasExtendedHeader) {
		return Ack{}, fmt.Errorf("%w: ack without extended header", ErrIncompleteData)
	}
	r := reader{b: m.ExtendedHeader}
	op, err := r.u8()
	if err != nil || Opcode(op) != OpAck {
		return Ack{}, fmt.Errorf("%w: not an ack", ErrUnknownOpcode)
	}
	a := Ack{StreamID: m.StreamID, Domain: m.Domain}
	if a.Flags, err = r.u15(); err != nil {
		return Ack{}, fmt.Errorf("%w: ack flags", ErrIncompleteData)
	}
	if a.SeqNum, err = r.u32(); err != nil {
		return Ack{}, fmt.Errorf("%w: ack seq", ErrIncompleteData)
	}
	if a.Naks, err = readRanges(&r); err != nil {
		return Ack{}, fmt.Errorf("%w: nak ranges", ErrIncompleteData)
	}
	if a.Sacks, err = readRanges(&r); err != nil {
		return Ack{}, fmt.Errorf("%w: sack ranges", ErrIncompleteData)
	}
	w, err := r.u32()
	if err != nil {
		return Ack{}, fmt.Errorf("%w: recv window", ErrIncompleteData)
	}
	a.RecvWindow = int32(w)
	return a, nil
}

func readRanges(r *reader) ([]Range, error) {
	n, err := r.u8()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	out := make([]Range, n)
	for i := range out {
		if out[i].First, err = r.u32(); err != nil {
			return nil, err
		}
		if out[i].Last, err = r.u32(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// RetransRequest asks the peer to resend a single sequence number.
type RetransRequest struct {
	StreamID int32
	Domain   protocol.Domain
	SeqNum   uint32
}

func (q *RetransRequest) Msg() *protocol.Msg {
	ext := make([]byte, 5)
	ext[0] = byte(OpRequest)
	binary.BigEndian.PutUint32(ext[1:], q.SeqNum)
	m := &protocol.Msg{
		Class:         protocol.ClassGeneric,
		StreamID:      q.StreamID,
		Domain:        q.Domain,
		ContainerType: protocol.ContainerNoData,
	}
	m.SetExtendedHeader(ext)
	return m
}

func DecodeRetransRequest(m *protocol.Msg) (RetransRequest, error) {
	if !m.Has(protocol.HasExtendedHeader) {
		return RetransRequest{}, fmt.Errorf("%w: request without extended header", ErrIncompleteData)
	}
	r := reader{b: m.ExtendedHeader}
	if op, err := r.u8(); err != nil || Opcode(op) != OpRequest {
		return RetransRequest{}, fmt.Errorf("%w: not a retransmit request", ErrUnknownOpcode)
	}
	seq, err := r.u32()
	if err != nil {
		return RetransRequest{}, fmt.Errorf("%w: request seq", ErrIncompleteData)
	}
	return RetransRequest{StreamID: m.StreamID, Domain: m.Domain, SeqNum: seq}, nil
}

// Init carries the stream version on the open handshake.
type Init struct {
	StreamVersion uint32
}

func (i Init) Header() []byte {
	ext := make([]byte, 5)
	ext[0] = byte(OpInit)
	binary.BigEndian.PutUint32(ext[1:], i.StreamVersion)
	return ext
}

// DecodeInit reads an INIT header from a request or refresh. A missing
// header means a peer that predates stream versions.
func DecodeInit(m *protocol.Msg) (Init, bool) {
	if !m.Has(protocol.HasExtendedHeader) || len(m.ExtendedHeader) < 5 || Opcode(m.ExtendedHeader[0]) != OpInit {
		return Init{StreamVersion: 1}, false
	}
	return Init{StreamVersion: binary.BigEndian.Uint32(m.ExtendedHeader[1:])}, true
}
