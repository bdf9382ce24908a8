package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/danmuck/mdreactor/internal/protocol/frame"
	"github.com/danmuck/mdreactor/internal/protocol/schema"
	"github.com/danmuck/mdreactor/internal/protocol/tlv"
)

// Marshal encodes m as a tlv field list.
func Marshal(m *Msg) ([]byte, error) {
	if m.Class < ClassRequest || m.Class > ClassPost {
		return nil, fmt.Errorf("%w: %d", ErrInvalidClass, m.Class)
	}
	fields := make([]tlv.Field, 0, 16)
	fields = append(fields,
		tlv.I32(schema.FieldStreamID, m.StreamID),
		tlv.U8(schema.FieldDomain, uint8(m.Domain)),
		tlv.U8(schema.FieldContainerType, uint8(containerOrDefault(m.ContainerType))),
		tlv.U32(schema.FieldFlags, uint32(m.Flags)),
		tlv.U32(schema.FieldPresence, m.Present),
	)
	if m.Has(HasSeqNum) {
		fields = append(fields, tlv.U32(schema.FieldSeqNum, m.SeqNum))
	}
	if m.Has(HasSecondarySeqNum) {
		fields = append(fields, tlv.U32(schema.FieldSecondarySeqNum, m.SecondarySeqNum))
	}
	if m.Has(HasPartNum) {
		fields = append(fields, tlv.U16(schema.FieldPartNum, m.PartNum))
	}
	if m.Has(HasKeyName) {
		fields = append(fields, tlv.String(schema.FieldKeyName, m.Key.Name))
	}
	if m.Has(HasKeyServiceID) {
		fields = append(fields, tlv.U16(schema.FieldKeyServiceID, m.Key.ServiceID))
	}
	if m.Has(HasExtendedHeader) {
		fields = append(fields, tlv.Bytes(schema.FieldExtendedHeader, m.ExtendedHeader))
	}
	if m.Has(HasState) {
		fields = append(fields,
			tlv.U8(schema.FieldStreamState, uint8(m.State.Stream)),
			tlv.U8(schema.FieldDataState, uint8(m.State.Data)),
			tlv.U8(schema.FieldStateCode, uint8(m.State.Code)),
		)
		if m.State.Text != "" {
			fields = append(fields, tlv.String(schema.FieldStateText, m.State.Text))
		}
	}
	if m.Has(HasQos) {
		fields = append(fields,
			tlv.U8(schema.FieldQosTimeliness, uint8(m.Qos.Timeliness)),
			tlv.U8(schema.FieldQosRate, uint8(m.Qos.Rate)),
		)
	}
	if m.Has(HasPriority) {
		fields = append(fields,
			tlv.U8(schema.FieldPriorityClass, m.Priority.Class),
			tlv.U16(schema.FieldPriorityCount, m.Priority.Count),
		)
	}
	if m.Has(HasView) {
		vf, err := viewFields(m.View)
		if err != nil {
			return nil, err
		}
		fields = append(fields, vf...)
	}
	if len(m.Body) > 0 {
		fields = append(fields, tlv.Bytes(schema.FieldBody, m.Body))
	}
	return tlv.EncodeFields(fields), nil
}

// WriteMsg frames m and writes it to w.
func WriteMsg(w io.Writer, id uint64, m *Msg, limits frame.Limits) error {
	payload, err := Marshal(m)
	if err != nil {
		return err
	}
	return frame.WriteFrame(w, frame.Frame{
		Header:  frame.Header{MessageID: id, MessageType: uint32(m.Class)},
		Payload: payload,
	}, limits)
}

func viewFields(v View) ([]tlv.Field, error) {
	if err := v.Validate(); err != nil {
		return nil, err
	}
	out := []tlv.Field{tlv.U8(schema.FieldViewType, uint8(v.Type))}
	switch v.Type {
	case ViewFieldIDList:
		b := make([]byte, 2*len(v.FieldIDs))
		for i, id := range v.FieldIDs {
			binary.BigEndian.PutUint16(b[2*i:], uint16(id))
		}
		out = append(out, tlv.Bytes(schema.FieldViewFieldIDs, b))
	case ViewElementNameList:
		b := make([]byte, 0, 8*len(v.Names))
		for _, name := range v.Names {
			if len(name) > 0xFFFF {
				return nil, ErrPayloadTooLong
			}
			b = binary.BigEndian.AppendUint16(b, uint16(len(name)))
			b = append(b, name...)
		}
		out = append(out, tlv.Bytes(schema.FieldViewNames, b))
	}
	return out, nil
}

func containerOrDefault(c ContainerType) ContainerType {
	if c < ContainerMin {
		return ContainerNoData
	}
	return c
}
