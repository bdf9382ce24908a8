package schema

import (
	"fmt"

	"github.com/danmuck/mdreactor/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

// Message class IDs carried in the frame MessageType.
const (
	MsgRequest uint32 = 1
	MsgRefresh uint32 = 2
	MsgStatus  uint32 = 3
	MsgUpdate  uint32 = 4
	MsgClose   uint32 = 5
	MsgAck     uint32 = 6
	MsgGeneric uint32 = 7
	MsgPost    uint32 = 8
)

// Field IDs.
const (
	FieldStreamID      uint16 = 1
	FieldDomain        uint16 = 2
	FieldContainerType uint16 = 3
	FieldFlags         uint16 = 4
	FieldPresence      uint16 = 5

	FieldSeqNum          uint16 = 10
	FieldSecondarySeqNum uint16 = 11
	FieldPartNum         uint16 = 12

	FieldKeyName      uint16 = 20
	FieldKeyServiceID uint16 = 21

	FieldExtendedHeader uint16 = 30

	FieldStreamState uint16 = 40
	FieldDataState   uint16 = 41
	FieldStateCode   uint16 = 42
	FieldStateText   uint16 = 43

	FieldQosTimeliness uint16 = 50
	FieldQosRate       uint16 = 51

	FieldPriorityClass uint16 = 60
	FieldPriorityCount uint16 = 61

	FieldViewType     uint16 = 70
	FieldViewFieldIDs uint16 = 71
	FieldViewNames    uint16 = 72

	FieldBody uint16 = 90
)

// Presence bits carried in FieldPresence. A set bit makes the listed
// fields required on decode.
const (
	PresSeqNum uint32 = 1 << iota
	PresSecondarySeqNum
	PresKeyName
	PresKeyServiceID
	PresExtendedHeader
	PresState
	PresQos
	PresPriority
	PresView
	PresPartNum
)

type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	MessageType uint32
	FieldID     uint16
	Reason      string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: message_type=%d: %s", e.MessageType, e.Reason)
	}
	return fmt.Sprintf("schema: message_type=%d field=%d: %s", e.MessageType, e.FieldID, e.Reason)
}

var common = []Requirement{
	{FieldStreamID, tlv.TypeI32},
	{FieldDomain, tlv.TypeU8},
	{FieldContainerType, tlv.TypeU8},
	{FieldFlags, tlv.TypeU32},
	{FieldPresence, tlv.TypeU32},
}

var requirements = map[uint32][]Requirement{
	MsgRequest: common,
	MsgRefresh: common,
	MsgStatus:  common,
	MsgUpdate:  common,
	MsgClose:   common,
	MsgAck:     common,
	MsgGeneric: common,
	MsgPost:    common,
}

var presence = []struct {
	bit  uint32
	reqs []Requirement
}{
	{PresSeqNum, []Requirement{{FieldSeqNum, tlv.TypeU32}}},
	{PresSecondarySeqNum, []Requirement{{FieldSecondarySeqNum, tlv.TypeU32}}},
	{PresKeyName, []Requirement{{FieldKeyName, tlv.TypeString}}},
	{PresKeyServiceID, []Requirement{{FieldKeyServiceID, tlv.TypeU16}}},
	{PresExtendedHeader, []Requirement{{FieldExtendedHeader, tlv.TypeBytes}}},
	{PresState, []Requirement{
		{FieldStreamState, tlv.TypeU8},
		{FieldDataState, tlv.TypeU8},
		{FieldStateCode, tlv.TypeU8},
	}},
	{PresQos, []Requirement{{FieldQosTimeliness, tlv.TypeU8}, {FieldQosRate, tlv.TypeU8}}},
	{PresPriority, []Requirement{{FieldPriorityClass, tlv.TypeU8}, {FieldPriorityCount, tlv.TypeU16}}},
	{PresView, []Requirement{{FieldViewType, tlv.TypeU8}}},
	{PresPartNum, []Requirement{{FieldPartNum, tlv.TypeU16}}},
}

// Validate enforces required fields and required field types for a message
// class, including the fields named by the presence bits. Unknown fields are
// ignored.
func Validate(messageType uint32, fields []tlv.Field) error {
	log.Trace().Uint32("message_type", messageType).Int("fields", len(fields)).Msg("schema.Validate")
	reqs, ok := requirements[messageType]
	if !ok {
		log.Error().Uint32("message_type", messageType).Msg("schema.Validate unknown message_type")
		return ValidationError{MessageType: messageType, Reason: "unknown message_type"}
	}
	if err := check(messageType, fields, reqs); err != nil {
		return err
	}

	pf, _ := tlv.GetField(fields, FieldPresence)
	bits, err := tlv.U32FromBytes(pf.Value)
	if err != nil {
		return ValidationError{MessageType: messageType, FieldID: FieldPresence, Reason: "invalid presence"}
	}
	for _, p := range presence {
		if bits&p.bit == 0 {
			continue
		}
		if err := check(messageType, fields, p.reqs); err != nil {
			return err
		}
	}
	return nil
}

func check(messageType uint32, fields []tlv.Field, reqs []Requirement) error {
	for _, req := range reqs {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			log.Debug().
				Uint32("message_type", messageType).
				Uint16("field_id", req.ID).
				Msg("schema.Validate missing field")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			log.Debug().
				Uint32("message_type", messageType).
				Uint16("field_id", req.ID).
				Uint8("got", f.Type).
				Uint8("want", req.Type).
				Msg("schema.Validate type mismatch")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	return nil
}
