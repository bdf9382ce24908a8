package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/danmuck/mdreactor/internal/protocol/frame"
	"github.com/danmuck/mdreactor/internal/protocol/schema"
	"github.com/danmuck/mdreactor/internal/protocol/tlv"
)

// Unmarshal decodes a message of the given class from payload. The returned
// ExtendedHeader and Body alias payload.
func Unmarshal(class Class, payload []byte) (*Msg, error) {
	fields, err := tlv.DecodeFieldsView(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := schema.Validate(uint32(class), fields); err != nil {
		var ve schema.ValidationError
		if errors.As(err, &ve) && ve.Reason == "missing required field" {
			return nil, fmt.Errorf("%w: %v", ErrMissingField, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	m := &Msg{Class: class}
	for _, f := range fields {
		if err := apply(m, f); err != nil {
			return nil, fmt.Errorf("%w: field %d: %v", ErrMalformed, f.ID, err)
		}
	}
	return m, nil
}

// ReadMsg reads one frame and decodes it. Ping frames are returned with a
// nil message.
func ReadMsg(r io.Reader, limits frame.Limits) (frame.Header, *Msg, error) {
	f, err := frame.ReadFrame(r, limits)
	if err != nil {
		return frame.Header{}, nil, err
	}
	if f.IsPing() {
		return f.Header, nil, nil
	}
	m, err := Unmarshal(Class(f.Header.MessageType), f.Payload)
	return f.Header, m, err
}

func apply(m *Msg, f tlv.Field) error {
	var err error
	switch f.ID {
	case schema.FieldStreamID:
		var v uint32
		v, err = tlv.U32FromBytes(f.Value)
		m.StreamID = int32(v)
	case schema.FieldDomain:
		var v uint8
		v, err = tlv.U8FromBytes(f.Value)
		m.Domain = Domain(v)
	case schema.FieldContainerType:
		var v uint8
		v, err = tlv.U8FromBytes(f.Value)
		m.ContainerType = ContainerType(v)
	case schema.FieldFlags:
		var v uint32
		v, err = tlv.U32FromBytes(f.Value)
		m.Flags = Flags(v)
	case schema.FieldPresence:
		m.Present, err = tlv.U32FromBytes(f.Value)
	case schema.FieldSeqNum:
		m.SeqNum, err = tlv.U32FromBytes(f.Value)
	case schema.FieldSecondarySeqNum:
		m.SecondarySeqNum, err = tlv.U32FromBytes(f.Value)
	case schema.FieldPartNum:
		m.PartNum, err = tlv.U16FromBytes(f.Value)
	case schema.FieldKeyName:
		m.Key.Name = string(f.Value)
	case schema.FieldKeyServiceID:
		m.Key.ServiceID, err = tlv.U16FromBytes(f.Value)
		m.Key.HasServiceID = err == nil
	case schema.FieldExtendedHeader:
		m.ExtendedHeader = f.Value
	case schema.FieldStreamState:
		var v uint8
		v, err = tlv.U8FromBytes(f.Value)
		m.State.Stream = StreamState(v)
	case schema.FieldDataState:
		var v uint8
		v, err = tlv.U8FromBytes(f.Value)
		m.State.Data = DataState(v)
	case schema.FieldStateCode:
		var v uint8
		v, err = tlv.U8FromBytes(f.Value)
		m.State.Code = StateCode(v)
	case schema.FieldStateText:
		m.State.Text = string(f.Value)
	case schema.FieldQosTimeliness:
		var v uint8
		v, err = tlv.U8FromBytes(f.Value)
		m.Qos.Timeliness = Timeliness(v)
	case schema.FieldQosRate:
		var v uint8
		v, err = tlv.U8FromBytes(f.Value)
		m.Qos.Rate = Rate(v)
	case schema.FieldPriorityClass:
		m.Priority.Class, err = tlv.U8FromBytes(f.Value)
	case schema.FieldPriorityCount:
		m.Priority.Count, err = tlv.U16FromBytes(f.Value)
	case schema.FieldViewType:
		var v uint8
		v, err = tlv.U8FromBytes(f.Value)
		m.View.Type = ViewType(v)
	case schema.FieldViewFieldIDs:
		m.View.FieldIDs, err = decodeFieldIDs(f.Value)
	case schema.FieldViewNames:
		m.View.Names, err = decodeNames(f.Value)
	case schema.FieldBody:
		m.Body = f.Value
	}
	return err
}

func decodeFieldIDs(b []byte) ([]int16, error) {
	if len(b)%2 != 0 {
		return nil, fmt.Errorf("odd field id list length %d", len(b))
	}
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.BigEndian.Uint16(b[2*i:]))
	}
	return out, nil
}

func decodeNames(b []byte) ([]string, error) {
	var out []string
	for len(b) > 0 {
		if len(b) < 2 {
			return nil, errors.New("short name length")
		}
		n := int(binary.BigEndian.Uint16(b))
		b = b[2:]
		if len(b) < n {
			return nil, errors.New("short name")
		}
		out = append(out, string(b[:n]))
		b = b[n:]
	}
	return out, nil
}
