// Package wire encodes and decodes the tunnel stream sub-protocol carried in
// the extended header of generic messages, and the queue messages carried
// inside tunnel DATA payloads.
//
// Decoded messages borrow from the input: names are copied, but payload
// and range slices alias the buffer passed in. Use the Clone methods to
// keep them past the next read into the same buffer.
package wire

import (
	"errors"
	"fmt"

	"github.com/danmuck/mdreactor/internal/protocol"
)

// Opcode is the first byte of a tunnel stream extended header.
type Opcode uint8

const (
	OpInit    Opcode = 0
	OpData    Opcode = 1
	OpAck     Opcode = 2
	OpRetrans Opcode = 3
	OpRequest Opcode = 4
)

func (o Opcode) String() string {
	switch o {
	case OpInit:
		return "INIT"
	case OpData:
		return "DATA"
	case OpAck:
		return "ACK"
	case OpRetrans:
		return "RETRANS"
	case OpRequest:
		return "REQUEST"
	default:
		return fmt.Sprintf("OPCODE(%d)", uint8(o))
	}
}

var (
	// ErrIncompleteData means a required member was absent.
	ErrIncompleteData = errors.New("wire: incomplete data")
	// ErrBufferTooSmall is retryable: grow the buffer and encode again.
	ErrBufferTooSmall = errors.New("wire: buffer too small")
	ErrUnknownOpcode  = errors.New("wire: unknown opcode")
	ErrNameTooLong    = errors.New("wire: name too long")
	ErrTooManyRanges  = errors.New("wire: too many ranges")
)

// Kind names every message a tunnel stream can receive.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindRequest
	KindRefresh
	KindStatus
	KindClose
	KindInit
	KindData
	KindAck
	KindRetrans
	KindRetransRequest
)

// Classify maps a generic message to its tunnel stream kind. Non-generic
// classes are recognized by class alone; generic messages by opcode.
func Classify(m *protocol.Msg) (Kind, error) {
	switch m.Class {
	case protocol.ClassRequest:
		return KindRequest, nil
	case protocol.ClassRefresh:
		return KindRefresh, nil
	case protocol.ClassStatus:
		return KindStatus, nil
	case protocol.ClassClose:
		return KindClose, nil
	case protocol.ClassGeneric:
	default:
		return KindUnknown, fmt.Errorf("%w: class %s", ErrUnknownOpcode, m.Class)
	}
	if !m.Has(protocol.HasExtendedHeader) || len(m.ExtendedHeader) == 0 {
		return KindUnknown, fmt.Errorf("%w: generic message without extended header", ErrIncompleteData)
	}
	switch Opcode(m.ExtendedHeader[0]) {
	case OpInit:
		return KindInit, nil
	case OpData:
		return KindData, nil
	case OpAck:
		return KindAck, nil
	case OpRetrans:
		return KindRetrans, nil
	case OpRequest:
		return KindRetransRequest, nil
	default:
		return KindUnknown, fmt.Errorf("%w: %d", ErrUnknownOpcode, m.ExtendedHeader[0])
	}
}
