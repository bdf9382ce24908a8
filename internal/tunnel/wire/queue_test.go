package wire

import (
	"errors"
	"math"
	"testing"

	"github.com/danmuck/mdreactor/internal/protocol"
	"github.com/danmuck/mdreactor/internal/testutil/testlog"
)

func roundTrip(t *testing.T, q QueueMsg) QueueMsg {
	t.Helper()
	b, err := EncodeQueueMsg(q)
	if err != nil {
		t.Fatalf("encode %s: %v", q.QueueType(), err)
	}
	out, err := DecodeQueuePayload(b)
	if err != nil {
		t.Fatalf("decode %s: %v", q.QueueType(), err)
	}
	return out
}

func TestQueueDataFieldsSurviveEncoding(t *testing.T) {
	testlog.Start(t)
	cases := []struct{ timeout, id int64 }{
		{0, 0},
		{TimeoutInfinite, 1},
		{1, math.MaxInt64},
		{math.MaxInt64, 255},
	}
	for _, tc := range cases {
		in := &QueueData{
			QueueHeader: QueueHeader{StreamID: 7, Domain: protocol.DomainSystem},
			SourceName:  "QUEUE_A",
			DestName:    "QUEUE_B",
			SeqNum:      3,
			Identifier:  tc.id,
			Timeout:     tc.timeout,
			QueueDepth:  42,
			Payload:     []byte("order-1"),
		}
		out, ok := roundTrip(t, in).(*QueueData)
		if !ok {
			t.Fatalf("expected *QueueData")
		}
		if out.SourceName != "QUEUE_A" || out.DestName != "QUEUE_B" || out.SeqNum != 3 {
			t.Fatalf("names/seq got=%+v", out)
		}
		if out.Identifier != tc.id || out.Timeout != tc.timeout || out.QueueDepth != 42 {
			t.Fatalf("values got id=%d timeout=%d depth=%d", out.Identifier, out.Timeout, out.QueueDepth)
		}
		if string(out.Payload) != "order-1" || out.StreamID != 7 {
			t.Fatalf("payload/stream got=%q %d", out.Payload, out.StreamID)
		}
	}
}

func TestQueueDataLongSourceName(t *testing.T) {
	name := make([]byte, 255)
	for i := range name {
		name[i] = 'q'
	}
	in := &QueueData{SourceName: string(name), DestName: "D"}
	out := roundTrip(t, in).(*QueueData)
	if out.SourceName != string(name) {
		t.Fatalf("255 byte name lost")
	}
	in.SourceName += "q"
	if _, err := EncodeQueueMsg(in); !errors.Is(err, ErrNameTooLong) {
		t.Fatalf("expected ErrNameTooLong, got %v", err)
	}
}

func TestQueueDataRequiresDestination(t *testing.T) {
	if _, err := EncodeQueueMsg(&QueueData{SourceName: "A"}); !errors.Is(err, ErrIncompleteData) {
		t.Fatalf("expected ErrIncompleteData, got %v", err)
	}
	m, _ := (&QueueData{SourceName: "A", DestName: "B"}).Msg()
	m.Present &^= protocol.HasKeyName
	if _, err := DecodeQueueMsg(m); !errors.Is(err, ErrIncompleteData) {
		t.Fatalf("expected ErrIncompleteData on decode, got %v", err)
	}
}

func TestQueueDataExpiredCarriesCode(t *testing.T) {
	in := &QueueDataExpired{
		QueueData: QueueData{SourceName: "A", DestName: "B", Identifier: 9, QueueDepth: 1},
		Code:      UndeliverableQueueFull,
	}
	out, ok := roundTrip(t, in).(*QueueDataExpired)
	if !ok {
		t.Fatalf("expected *QueueDataExpired")
	}
	if out.Code != UndeliverableQueueFull || out.Identifier != 9 || out.QueueType() != QueueMsgDataExpired {
		t.Fatalf("got=%+v", out)
	}
}

func TestQueueAckNeedsSecondarySeq(t *testing.T) {
	in := &QueueAck{SourceName: "A", DestName: "B", SeqNum: 12, Identifier: -5}
	out := roundTrip(t, in).(*QueueAck)
	if out.SeqNum != 12 || out.Identifier != -5 || out.SourceName != "A" {
		t.Fatalf("got=%+v", out)
	}
	m, _ := in.Msg()
	m.Present &^= protocol.HasSecondarySeqNum
	if _, err := DecodeQueueMsg(m); !errors.Is(err, ErrIncompleteData) {
		t.Fatalf("expected ErrIncompleteData, got %v", err)
	}
}

func TestQueueRequestRefreshStatusClose(t *testing.T) {
	req := roundTrip(t, &QueueRequest{SourceName: "A", LastOutSeqNum: 4, LastInSeqNum: 6}).(*QueueRequest)
	if req.SourceName != "A" || req.LastOutSeqNum != 4 || req.LastInSeqNum != 6 {
		t.Fatalf("request got=%+v", req)
	}
	ref := roundTrip(t, &QueueRefresh{
		SourceName: "A", LastOutSeqNum: 1, LastInSeqNum: 2, QueueDepth: 3,
		State: protocol.State{Stream: protocol.StreamOpen, Data: protocol.DataOK},
	}).(*QueueRefresh)
	if ref.QueueDepth != 3 || ref.LastInSeqNum != 2 || ref.State.Stream != protocol.StreamOpen {
		t.Fatalf("refresh got=%+v", ref)
	}
	st := roundTrip(t, &QueueStatus{State: protocol.State{Stream: protocol.StreamClosed}, HasState: true}).(*QueueStatus)
	if !st.HasState || st.State.Stream != protocol.StreamClosed {
		t.Fatalf("status got=%+v", st)
	}
	if _, ok := roundTrip(t, &QueueClose{}).(*QueueClose); !ok {
		t.Fatalf("close lost its type")
	}
}

func TestQueueRefreshShortHeader(t *testing.T) {
	m := &protocol.Msg{Class: protocol.ClassRefresh}
	m.SetExtendedHeader([]byte{0, 0, 0, 1})
	if _, err := DecodeQueueMsg(m); !errors.Is(err, ErrIncompleteData) {
		t.Fatalf("expected ErrIncompleteData, got %v", err)
	}
}

func TestReplaceTimeoutOnlyShortens(t *testing.T) {
	b, err := EncodeQueueMsg(&QueueData{SourceName: "A", DestName: "B", Timeout: 100})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	same, changed, err := ReplaceTimeout(b, 200)
	if err != nil || changed {
		t.Fatalf("longer timeout must be ignored: changed=%v err=%v", changed, err)
	}
	if &same[0] != &b[0] {
		t.Fatalf("unchanged payload should be returned as is")
	}
	out, changed, err := ReplaceTimeout(b, 50)
	if err != nil || !changed {
		t.Fatalf("shorter timeout: changed=%v err=%v", changed, err)
	}
	q, _ := DecodeQueuePayload(out)
	if q.(*QueueData).Timeout != 50 {
		t.Fatalf("timeout got=%d", q.(*QueueData).Timeout)
	}

	inf, _ := EncodeQueueMsg(&QueueData{SourceName: "A", DestName: "B", Timeout: TimeoutInfinite})
	if _, changed, _ := ReplaceTimeout(inf, 10); !changed {
		t.Fatalf("any timeout is shorter than infinite")
	}
}

func TestAddDuplicateFlag(t *testing.T) {
	b, _ := EncodeQueueMsg(&QueueData{SourceName: "A", DestName: "B", Payload: []byte("x")})
	out, err := AddDuplicateFlag(b)
	if err != nil {
		t.Fatalf("add flag: %v", err)
	}
	q, _ := DecodeQueuePayload(out)
	d := q.(*QueueData)
	if !d.PossibleDuplicate() || string(d.Payload) != "x" {
		t.Fatalf("got=%+v", d)
	}
	ack, _ := EncodeQueueMsg(&QueueAck{DestName: "B"})
	if _, err := AddDuplicateFlag(ack); !errors.Is(err, ErrUnknownOpcode) {
		t.Fatalf("expected ErrUnknownOpcode for ack, got %v", err)
	}
}
