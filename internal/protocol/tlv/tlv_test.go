package tlv

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeDecodeFieldsRoundTripPreservesUnknown(t *testing.T) {
	in := []Field{
		String(1, "TRI.N"),
		{ID: 9999, Type: TypeBytes, Value: []byte{0xAA, 0xBB}},
	}
	b := EncodeFields(in)
	out, err := DecodeFields(b)
	if err != nil {
		t.Fatalf("decode fields: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 fields, got %d", len(out))
	}
	if out[1].ID != 9999 || out[1].Type != TypeBytes || !bytes.Equal(out[1].Value, []byte{0xAA, 0xBB}) {
		t.Fatalf("unknown field not preserved: %+v", out[1])
	}
}

func TestDecodeFieldsOwnsValuesButViewAliases(t *testing.T) {
	b := EncodeFields([]Field{Bytes(3, []byte("abc"))})

	owned, err := DecodeFields(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	view, err := DecodeFieldsView(b)
	if err != nil {
		t.Fatalf("decode view: %v", err)
	}
	b[HeaderLen] = 'X'
	if string(owned[0].Value) != "abc" {
		t.Fatalf("owned value changed with input: %q", owned[0].Value)
	}
	if string(view[0].Value) != "Xbc" {
		t.Fatalf("view should alias input: %q", view[0].Value)
	}
}

func TestDecodeFieldsMalformedHeaderIsDeterministic(t *testing.T) {
	_, err := DecodeFields([]byte{1, 2, 3})
	if !errors.Is(err, ErrShortFieldHeader) {
		t.Fatalf("expected ErrShortFieldHeader, got %v", err)
	}
}

func TestDecodeFieldsMalformedLengthIsDeterministic(t *testing.T) {
	// id=1, type=string, len=5, value only 2 bytes
	payload := []byte{0, 1, TypeString, 0, 0, 0, 5, 'a', 'b'}
	_, err := DecodeFields(payload)
	if !errors.Is(err, ErrShortFieldValue) {
		t.Fatalf("expected ErrShortFieldValue, got %v", err)
	}
}

func TestTypedHelpers(t *testing.T) {
	v16, err := U16FromBytes(U16(1, 0xBEEF).Value)
	if err != nil || v16 != 0xBEEF {
		t.Fatalf("u16 got=%x err=%v", v16, err)
	}
	v32, err := U32FromBytes(I32(1, -2).Value)
	if err != nil || int32(v32) != -2 {
		t.Fatalf("i32 got=%d err=%v", int32(v32), err)
	}
	if _, err := U32FromBytes([]byte{1}); err == nil {
		t.Fatalf("expected short u32 error")
	}
	if err := MustType(Bool(1, true), TypeU8); err == nil {
		t.Fatalf("expected type mismatch")
	}
}
