package protocol

import (
	"bytes"
	"errors"
	"testing"

	"github.com/danmuck/mdreactor/internal/protocol/frame"
	"github.com/danmuck/mdreactor/internal/protocol/schema"
	"github.com/danmuck/mdreactor/internal/protocol/tlv"
	"github.com/danmuck/mdreactor/internal/testutil/testlog"
)

func TestWriteReadMsgPreservesRequest(t *testing.T) {
	testlog.Start(t)
	in := &Msg{Class: ClassRequest, StreamID: 5, Domain: DomainMarketPrice, Flags: FlagStreaming}
	in.SetKeyName("TRI.N")
	in.SetServiceID(1)
	in.SetQos(Qos{Timeliness: TimelinessRealtime, Rate: RateTickByTick})
	in.SetPriority(Priority{Class: 1, Count: 2})
	in.SetView(View{Type: ViewFieldIDList, FieldIDs: []int16{22, 25, -3}})

	var buf bytes.Buffer
	if err := WriteMsg(&buf, 9, in, frame.DefaultLimits()); err != nil {
		t.Fatalf("write: %v", err)
	}
	h, out, err := ReadMsg(&buf, frame.DefaultLimits())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if h.MessageID != 9 || out.Class != ClassRequest {
		t.Fatalf("header got=%+v class=%v", h, out.Class)
	}
	if out.StreamID != 5 || out.Key.Name != "TRI.N" || !out.Key.HasServiceID || out.Key.ServiceID != 1 {
		t.Fatalf("key got=%+v stream=%d", out.Key, out.StreamID)
	}
	if !out.Is(FlagStreaming) || out.Priority.Count != 2 || out.Qos.Rate != RateTickByTick {
		t.Fatalf("flags/priority/qos got=%+v", out)
	}
	if len(out.View.FieldIDs) != 3 || out.View.FieldIDs[2] != -3 {
		t.Fatalf("view got=%+v", out.View)
	}
	if out.ContainerType != ContainerNoData {
		t.Fatalf("default container got=%d", out.ContainerType)
	}
}

func TestUnmarshalBodyAliasesUntilClone(t *testing.T) {
	testlog.Start(t)
	in := &Msg{Class: ClassGeneric, StreamID: 3, ContainerType: ContainerOpaque, Body: []byte("payload")}
	in.SetExtendedHeader([]byte{1, 0})
	raw, err := Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	out, err := Unmarshal(ClassGeneric, raw)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	kept := out.Clone()
	copy(out.Body, "XXXXXXX")
	if string(kept.Body) != "payload" {
		t.Fatalf("clone must own body, got=%q", kept.Body)
	}
	if !bytes.Contains(raw, []byte("XXXXXXX")) {
		t.Fatalf("decoded body should alias the input buffer")
	}
}

func TestUnmarshalMissingPresentFieldIsIncomplete(t *testing.T) {
	testlog.Start(t)
	raw := tlv.EncodeFields([]tlv.Field{
		tlv.I32(schema.FieldStreamID, 1),
		tlv.U8(schema.FieldDomain, 6),
		tlv.U8(schema.FieldContainerType, 128),
		tlv.U32(schema.FieldFlags, 0),
		tlv.U32(schema.FieldPresence, HasSeqNum),
	})
	_, err := Unmarshal(ClassGeneric, raw)
	if !errors.Is(err, ErrMissingField) {
		t.Fatalf("expected ErrMissingField, got %v", err)
	}
}

func TestMarshalRejectsMixedView(t *testing.T) {
	m := &Msg{Class: ClassRequest}
	m.SetView(View{Type: ViewFieldIDList, Names: []string{"BID"}})
	if _, err := Marshal(m); !errors.Is(err, ErrInvalidView) {
		t.Fatalf("expected ErrInvalidView, got %v", err)
	}
	if _, err := Marshal(&Msg{}); !errors.Is(err, ErrInvalidClass) {
		t.Fatalf("expected ErrInvalidClass, got %v", err)
	}
}

func TestElementNameViewAndState(t *testing.T) {
	testlog.Start(t)
	in := &Msg{Class: ClassRefresh, StreamID: 8, Flags: FlagRefreshComplete | FlagSolicited}
	in.SetView(View{Type: ViewElementNameList, Names: []string{"BID", "ASK"}})
	in.SetState(State{Stream: StreamOpen, Data: DataOK, Text: "All is well"})
	raw, err := Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	out, err := Unmarshal(ClassRefresh, raw)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(out.View.Names) != 2 || out.View.Names[1] != "ASK" {
		t.Fatalf("names got=%v", out.View.Names)
	}
	if out.State.Stream != StreamOpen || out.State.Text != "All is well" {
		t.Fatalf("state got=%v", out.State)
	}
}

func TestQosValidate(t *testing.T) {
	if err := (Qos{Timeliness: TimelinessRealtime, Rate: RateTickByTick}).Validate(); err != nil {
		t.Fatalf("valid qos rejected: %v", err)
	}
	if err := (Qos{Timeliness: 9, Rate: RateTickByTick}).Validate(); !errors.Is(err, ErrInvalidQos) {
		t.Fatalf("expected ErrInvalidQos, got %v", err)
	}
}
