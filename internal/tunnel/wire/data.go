package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/danmuck/mdreactor/internal/protocol"
	"github.com/danmuck/mdreactor/internal/tunnel/cos"
)

// DataFlagFragmented marks a DATA message that is one fragment of a larger
// application message.
const DataFlagFragmented uint8 = 0x01

// Data is one tunnel DATA (or RETRANS) message.
type Data struct {
	StreamID int32
	Domain   protocol.Domain
	Opcode   Opcode
	Flags    uint8
	SeqNum   uint32

	// Fragment fields are present when Flags has DataFlagFragmented.
	TotalMsgLength uint32
	FragmentNumber uint32
	MessageID      uint16
	// ContainerType of the reassembled message. Fragments themselves travel
	// as opaque data.
	ContainerType protocol.ContainerType

	Payload []byte
}

func (d *Data) Fragmented() bool {
	return d.Flags&DataFlagFragmented != 0
}

// HeaderLen is the size of the extended header for the given stream version.
func (d *Data) HeaderLen(streamVersion uint32) int {
	n := 2
	if streamVersion >= cos.CurrentStreamVersion && d.Fragmented() {
		n += 4 + 4 + 2 + 1
	}
	return n
}

// MarshalHeaderTo writes the extended header into dst.
func (d *Data) MarshalHeaderTo(dst []byte, streamVersion uint32) (int, error) {
	n := d.HeaderLen(streamVersion)
	if len(dst) < n {
		return 0, ErrBufferTooSmall
	}
	dst[0] = byte(d.opcode())
	dst[1] = d.Flags
	if n > 2 {
		binary.BigEndian.PutUint32(dst[2:], d.TotalMsgLength)
		binary.BigEndian.PutUint32(dst[6:], d.FragmentNumber)
		binary.BigEndian.PutUint16(dst[10:], d.MessageID)
		dst[12] = byte(d.ContainerType - protocol.ContainerMin)
	}
	return n, nil
}

func (d *Data) opcode() Opcode {
	if d.Opcode == OpRetrans {
		return OpRetrans
	}
	return OpData
}

// Msg builds the generic message that carries d.
func (d *Data) Msg(streamVersion uint32) *protocol.Msg {
	ext := make([]byte, d.HeaderLen(streamVersion))
	_, _ = d.MarshalHeaderTo(ext, streamVersion)
	m := &protocol.Msg{
		Class:         protocol.ClassGeneric,
		StreamID:      d.StreamID,
		Domain:        d.Domain,
		ContainerType: d.ContainerType,
		Body:          d.Payload,
	}
	if d.Fragmented() {
		m.ContainerType = protocol.ContainerOpaque
	}
	if m.ContainerType < protocol.ContainerMin {
		m.ContainerType = protocol.ContainerMsg
	}
	m.SetExtendedHeader(ext)
	m.SetSeqNum(d.SeqNum)
	return m
}

// DecodeData reads a DATA or RETRANS message. The payload aliases m.Body.
func DecodeData(m *protocol.Msg, streamVersion uint32) (Data, error) {
	if !m.Has(protocol.HasExtendedHeader) {
		return Data{}, fmt.Errorf("%w: data without extended header", ErrIncompleteData)
	}
	if !m.Has(protocol.HasSeqNum) {
		return Data{}, fmt.Errorf("%w: data without sequence number", ErrIncompleteData)
	}
	r := reader{b: m.ExtendedHeader}
	op, err := r.u8()
	if err != nil {
		return Data{}, fmt.Errorf("%w: opcode", ErrIncompleteData)
	}
	if Opcode(op) != OpData && Opcode(op) != OpRetrans {
		return Data{}, fmt.Errorf("%w: %s is not data", ErrUnknownOpcode, Opcode(op))
	}
	d := Data{
		StreamID:      m.StreamID,
		Domain:        m.Domain,
		Opcode:        Opcode(op),
		SeqNum:        m.SeqNum,
		ContainerType: m.ContainerType,
		Payload:       m.Body,
	}
	if d.Flags, err = r.u8(); err != nil {
		return Data{}, fmt.Errorf("%w: data flags", ErrIncompleteData)
	}
	if streamVersion < cos.CurrentStreamVersion || !d.Fragmented() {
		return d, nil
	}
	if d.TotalMsgLength, err = r.u32(); err != nil {
		return Data{}, fmt.Errorf("%w: total msg length", ErrIncompleteData)
	}
	if d.FragmentNumber, err = r.u32(); err != nil {
		return Data{}, fmt.Errorf("%w: fragment number", ErrIncompleteData)
	}
	if d.MessageID, err = r.u16(); err != nil {
		return Data{}, fmt.Errorf("%w: message id", ErrIncompleteData)
	}
	ct, err := r.u8()
	if err != nil {
		return Data{}, fmt.Errorf("%w: container type", ErrIncompleteData)
	}
	d.ContainerType = protocol.ContainerType(ct) + protocol.ContainerMin
	return d, nil
}

// Clone returns a copy that owns its payload.
func (d Data) Clone() Data {
	d.Payload = append([]byte(nil), d.Payload...)
	return d
}
