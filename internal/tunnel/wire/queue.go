package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/danmuck/mdreactor/internal/protocol"
)

// QueueMsgType identifies a queue message.
type QueueMsgType uint8

const (
	QueueMsgUnknown QueueMsgType = iota
	QueueMsgRequest
	QueueMsgRefresh
	QueueMsgStatus
	QueueMsgData
	QueueMsgAck
	QueueMsgClose
	QueueMsgDataExpired
)

func (t QueueMsgType) String() string {
	switch t {
	case QueueMsgRequest:
		return "REQUEST"
	case QueueMsgRefresh:
		return "REFRESH"
	case QueueMsgStatus:
		return "STATUS"
	case QueueMsgData:
		return "DATA"
	case QueueMsgAck:
		return "ACK"
	case QueueMsgClose:
		return "CLOSE"
	case QueueMsgDataExpired:
		return "DATA_EXPIRED"
	default:
		return "UNKNOWN"
	}
}

// Queue header opcodes.
const (
	queueOpData       = uint8(OpData)
	queueOpAck        = uint8(OpAck)
	queueOpRequest    = uint8(OpRequest)
	queueOpDeadLetter = uint8(5)
)

// Timeout codes for QueueData.
const (
	TimeoutInfinite  int64 = -1
	TimeoutImmediate int64 = 0
)

// QueueDataFlagPossibleDuplicate marks data that may already have been
// delivered once.
const QueueDataFlagPossibleDuplicate uint16 = 0x01

// UndeliverableCode explains why queue data became a dead letter.
type UndeliverableCode uint8

const (
	UndeliverableUnspecified UndeliverableCode = iota
	UndeliverableExpired
	UndeliverableNoPermission
	UndeliverableInvalidTargetAddress
	UndeliverableQueueFull
	UndeliverableQueueDisabled
	UndeliverableMaxMsgSize
	UndeliverableInvalidSender
	UndeliverableTargetDeleted
)

// QueueMsg is implemented by every queue message.
type QueueMsg interface {
	QueueType() QueueMsgType
	Stream() int32
	Msg() (*protocol.Msg, error)
}

type QueueHeader struct {
	StreamID int32
	Domain   protocol.Domain
}

func (h QueueHeader) Stream() int32 { return h.StreamID }

func (h QueueHeader) msg(class protocol.Class) *protocol.Msg {
	return &protocol.Msg{Class: class, StreamID: h.StreamID, Domain: h.Domain, ContainerType: protocol.ContainerNoData}
}

// QueueData is one message sent to a named queue.
type QueueData struct {
	QueueHeader
	SourceName    string
	DestName      string
	SeqNum        uint32
	Identifier    int64
	Timeout       int64
	QueueDepth    uint16
	Flags         uint16
	ContainerType protocol.ContainerType
	Payload       []byte
}

func (d *QueueData) QueueType() QueueMsgType { return QueueMsgData }

func (d *QueueData) PossibleDuplicate() bool {
	return d.Flags&QueueDataFlagPossibleDuplicate != 0
}

func (d *QueueData) Clone() *QueueData {
	out := *d
	out.Payload = append([]byte(nil), d.Payload...)
	return &out
}

func (d *QueueData) Msg() (*protocol.Msg, error) {
	return encodeQueueData(d, queueOpData, 0)
}

// QueueDataExpired is queue data returned to its sender as undeliverable.
type QueueDataExpired struct {
	QueueData
	Code UndeliverableCode
}

func (d *QueueDataExpired) QueueType() QueueMsgType { return QueueMsgDataExpired }

func (d *QueueDataExpired) Msg() (*protocol.Msg, error) {
	return encodeQueueData(&d.QueueData, queueOpDeadLetter, d.Code)
}

func encodeQueueData(d *QueueData, op uint8, code UndeliverableCode) (*protocol.Msg, error) {
	if d.DestName == "" {
		return nil, fmt.Errorf("%w: destination name", ErrIncompleteData)
	}
	ext := make([]byte, 0, 32+len(d.SourceName))
	ext = append(ext, op)
	ext, err := AppendResBitU15(ext, d.Flags)
	if err != nil {
		return nil, err
	}
	if ext, err = appendShortString(ext, d.SourceName); err != nil {
		return nil, err
	}
	if op == queueOpData {
		ext = AppendLenSpecI64(ext, d.Timeout)
	}
	ext = AppendLenSpecI64(ext, d.Identifier)
	if op == queueOpDeadLetter {
		ext = append(ext, byte(code))
	}
	ext = binary.BigEndian.AppendUint16(ext, d.QueueDepth)

	m := d.QueueHeader.msg(protocol.ClassGeneric)
	m.ContainerType = d.ContainerType
	if m.ContainerType < protocol.ContainerMin {
		m.ContainerType = protocol.ContainerOpaque
	}
	m.SetKeyName(d.DestName)
	m.SetSeqNum(d.SeqNum)
	m.SetExtendedHeader(ext)
	m.Body = d.Payload
	return m, nil
}

// QueueAck confirms receipt of queue data by identifier.
type QueueAck struct {
	QueueHeader
	SourceName string
	DestName   string
	SeqNum     uint32
	Identifier int64
}

func (a *QueueAck) QueueType() QueueMsgType { return QueueMsgAck }

func (a *QueueAck) Msg() (*protocol.Msg, error) {
	if a.DestName == "" {
		return nil, fmt.Errorf("%w: destination name", ErrIncompleteData)
	}
	ext := []byte{queueOpAck}
	ext, err := appendShortString(ext, a.SourceName)
	if err != nil {
		return nil, err
	}
	ext = AppendLenSpecI64(ext, a.Identifier)
	m := a.QueueHeader.msg(protocol.ClassGeneric)
	m.SetKeyName(a.DestName)
	m.SetSecondarySeqNum(a.SeqNum)
	m.SetExtendedHeader(ext)
	return m, nil
}

// QueueRequest opens a queue stream for SourceName.
type QueueRequest struct {
	QueueHeader
	SourceName    string
	LastOutSeqNum uint32
	LastInSeqNum  uint32
}

func (q *QueueRequest) QueueType() QueueMsgType { return QueueMsgRequest }

func (q *QueueRequest) Msg() (*protocol.Msg, error) {
	if q.SourceName == "" {
		return nil, fmt.Errorf("%w: source name", ErrIncompleteData)
	}
	ext := make([]byte, 9)
	ext[0] = queueOpRequest
	binary.BigEndian.PutUint32(ext[1:], q.LastOutSeqNum)
	binary.BigEndian.PutUint32(ext[5:], q.LastInSeqNum)
	m := q.QueueHeader.msg(protocol.ClassRequest)
	m.Flags = protocol.FlagStreaming
	m.SetKeyName(q.SourceName)
	m.SetExtendedHeader(ext)
	return m, nil
}

// QueueRefresh confirms a queue stream open.
type QueueRefresh struct {
	QueueHeader
	SourceName    string
	LastOutSeqNum uint32
	LastInSeqNum  uint32
	QueueDepth    uint16
	State         protocol.State
}

func (q *QueueRefresh) QueueType() QueueMsgType { return QueueMsgRefresh }

func (q *QueueRefresh) Msg() (*protocol.Msg, error) {
	ext := make([]byte, 10)
	binary.BigEndian.PutUint32(ext[0:], q.LastOutSeqNum)
	binary.BigEndian.PutUint32(ext[4:], q.LastInSeqNum)
	binary.BigEndian.PutUint16(ext[8:], q.QueueDepth)
	m := q.QueueHeader.msg(protocol.ClassRefresh)
	m.Flags = protocol.FlagRefreshComplete | protocol.FlagSolicited
	if q.SourceName != "" {
		m.SetKeyName(q.SourceName)
	}
	m.SetState(q.State)
	m.SetExtendedHeader(ext)
	return m, nil
}

type QueueStatus struct {
	QueueHeader
	State    protocol.State
	HasState bool
}

func (q *QueueStatus) QueueType() QueueMsgType { return QueueMsgStatus }

func (q *QueueStatus) Msg() (*protocol.Msg, error) {
	m := q.QueueHeader.msg(protocol.ClassStatus)
	if q.HasState {
		m.SetState(q.State)
	}
	return m, nil
}

type QueueClose struct {
	QueueHeader
}

func (q *QueueClose) QueueType() QueueMsgType { return QueueMsgClose }

func (q *QueueClose) Msg() (*protocol.Msg, error) {
	return q.QueueHeader.msg(protocol.ClassClose), nil
}

// DecodeQueueMsg reads a queue message. Payloads alias m.Body.
func DecodeQueueMsg(m *protocol.Msg) (QueueMsg, error) {
	h := QueueHeader{StreamID: m.StreamID, Domain: m.Domain}
	switch m.Class {
	case protocol.ClassRequest:
		return decodeQueueRequest(h, m)
	case protocol.ClassRefresh:
		return decodeQueueRefresh(h, m)
	case protocol.ClassStatus:
		return &QueueStatus{QueueHeader: h, State: m.State, HasState: m.Has(protocol.HasState)}, nil
	case protocol.ClassClose:
		return &QueueClose{QueueHeader: h}, nil
	case protocol.ClassGeneric:
	default:
		return nil, fmt.Errorf("%w: queue class %s", ErrUnknownOpcode, m.Class)
	}
	if !m.Has(protocol.HasExtendedHeader) || len(m.ExtendedHeader) == 0 {
		return nil, fmt.Errorf("%w: queue message without extended header", ErrIncompleteData)
	}
	if !m.Has(protocol.HasKeyName) {
		return nil, fmt.Errorf("%w: queue message without destination", ErrIncompleteData)
	}
	switch m.ExtendedHeader[0] {
	case queueOpData, queueOpDeadLetter:
		return decodeQueueData(h, m)
	case queueOpAck:
		return decodeQueueAck(h, m)
	default:
		return nil, fmt.Errorf("%w: queue opcode %d", ErrUnknownOpcode, m.ExtendedHeader[0])
	}
}

func decodeQueueData(h QueueHeader, m *protocol.Msg) (QueueMsg, error) {
	if !m.Has(protocol.HasSeqNum) {
		return nil, fmt.Errorf("%w: queue data without sequence number", ErrIncompleteData)
	}
	r := reader{b: m.ExtendedHeader}
	op, _ := r.u8()
	d := QueueData{
		QueueHeader:   h,
		DestName:      m.Key.Name,
		SeqNum:        m.SeqNum,
		ContainerType: m.ContainerType,
		Payload:       m.Body,
		Timeout:       TimeoutInfinite,
	}
	var err error
	if d.Flags, err = r.u15(); err != nil {
		return nil, fmt.Errorf("%w: queue data flags", ErrIncompleteData)
	}
	if d.SourceName, err = r.shortString(); err != nil {
		return nil, fmt.Errorf("%w: source name", ErrIncompleteData)
	}
	if op == queueOpData {
		if d.Timeout, err = r.lenSpec(); err != nil {
			return nil, fmt.Errorf("%w: timeout", err)
		}
	}
	if d.Identifier, err = r.lenSpec(); err != nil {
		return nil, fmt.Errorf("%w: identifier", err)
	}
	var code uint8
	if op == queueOpDeadLetter {
		if code, err = r.u8(); err != nil {
			return nil, fmt.Errorf("%w: undeliverable code", ErrIncompleteData)
		}
	}
	if d.QueueDepth, err = r.u16(); err != nil {
		return nil, fmt.Errorf("%w: queue depth", ErrIncompleteData)
	}
	if op == queueOpDeadLetter {
		return &QueueDataExpired{QueueData: d, Code: UndeliverableCode(code)}, nil
	}
	return &d, nil
}

func decodeQueueAck(h QueueHeader, m *protocol.Msg) (QueueMsg, error) {
	if !m.Has(protocol.HasSecondarySeqNum) {
		return nil, fmt.Errorf("%w: queue ack without secondary sequence number", ErrIncompleteData)
	}
	r := reader{b: m.ExtendedHeader, off: 1}
	a := QueueAck{QueueHeader: h, DestName: m.Key.Name, SeqNum: m.SecondarySeqNum}
	var err error
	if a.SourceName, err = r.shortString(); err != nil {
		return nil, fmt.Errorf("%w: source name", ErrIncompleteData)
	}
	if a.Identifier, err = r.lenSpec(); err != nil {
		return nil, fmt.Errorf("%w: identifier", err)
	}
	return &a, nil
}

func decodeQueueRequest(h QueueHeader, m *protocol.Msg) (QueueMsg, error) {
	if !m.Has(protocol.HasKeyName) {
		return nil, fmt.Errorf("%w: queue request without name", ErrIncompleteData)
	}
	q := QueueRequest{QueueHeader: h, SourceName: m.Key.Name}
	if m.Has(protocol.HasExtendedHeader) {
		r := reader{b: m.ExtendedHeader, off: 1}
		var err error
		if q.LastOutSeqNum, err = r.u32(); err != nil {
			return nil, fmt.Errorf("%w: last out seq", ErrIncompleteData)
		}
		if q.LastInSeqNum, err = r.u32(); err != nil {
			return nil, fmt.Errorf("%w: last in seq", ErrIncompleteData)
		}
	}
	return &q, nil
}

func decodeQueueRefresh(h QueueHeader, m *protocol.Msg) (QueueMsg, error) {
	if !m.Has(protocol.HasExtendedHeader) || len(m.ExtendedHeader) < 8 {
		return nil, fmt.Errorf("%w: queue refresh header", ErrIncompleteData)
	}
	ext := m.ExtendedHeader
	q := QueueRefresh{
		QueueHeader:   h,
		SourceName:    m.Key.Name,
		LastOutSeqNum: binary.BigEndian.Uint32(ext[0:]),
		LastInSeqNum:  binary.BigEndian.Uint32(ext[4:]),
		State:         m.State,
	}
	if len(ext) >= 10 {
		q.QueueDepth = binary.BigEndian.Uint16(ext[8:])
	}
	return &q, nil
}

// EncodeQueueMsg serializes a queue message for a tunnel DATA payload: one
// class byte followed by the marshaled message.
func EncodeQueueMsg(q QueueMsg) ([]byte, error) {
	m, err := q.Msg()
	if err != nil {
		return nil, err
	}
	body, err := protocol.Marshal(m)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 1+len(body))
	out[0] = byte(m.Class)
	copy(out[1:], body)
	return out, nil
}

// DecodeQueuePayload reverses EncodeQueueMsg.
func DecodeQueuePayload(b []byte) (QueueMsg, error) {
	if len(b) < 1 {
		return nil, fmt.Errorf("%w: empty queue payload", ErrIncompleteData)
	}
	m, err := protocol.Unmarshal(protocol.Class(b[0]), b[1:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIncompleteData, err)
	}
	return DecodeQueueMsg(m)
}

// ReplaceTimeout rewrites the timeout of an encoded QueueData payload.
// The timeout only ever shortens: a later or equal timeout leaves the
// payload untouched and reports false.
func ReplaceTimeout(payload []byte, timeout int64) ([]byte, bool, error) {
	q, err := DecodeQueuePayload(payload)
	if err != nil {
		return payload, false, err
	}
	d, ok := q.(*QueueData)
	if !ok {
		return payload, false, fmt.Errorf("%w: not queue data", ErrUnknownOpcode)
	}
	if !shorter(timeout, d.Timeout) {
		return payload, false, nil
	}
	d.Timeout = timeout
	out, err := EncodeQueueMsg(d)
	return out, err == nil, err
}

func shorter(candidate, current int64) bool {
	if candidate == TimeoutInfinite {
		return false
	}
	if current == TimeoutInfinite {
		return true
	}
	return candidate < current
}

// AddDuplicateFlag marks an encoded QueueData payload as a possible
// duplicate.
func AddDuplicateFlag(payload []byte) ([]byte, error) {
	q, err := DecodeQueuePayload(payload)
	if err != nil {
		return payload, err
	}
	d, ok := q.(*QueueData)
	if !ok {
		return payload, fmt.Errorf("%w: not queue data", ErrUnknownOpcode)
	}
	if d.PossibleDuplicate() {
		return payload, nil
	}
	d.Flags |= QueueDataFlagPossibleDuplicate
	return EncodeQueueMsg(d)
}
