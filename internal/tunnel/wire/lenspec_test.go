package wire

import (
	"errors"
	"math"
	"testing"
)

func TestLenSpecI64Boundaries(t *testing.T) {
	cases := []struct {
		v    int64
		size int
	}{
		{0, 2},
		{1, 2},
		{127, 2},
		{128, 3},
		{-1, 2},
		{-128, 2},
		{-129, 3},
		{1 << 31, 6},
		{math.MaxInt64, 9},
		{math.MinInt64, 9},
	}
	for _, tc := range cases {
		b := AppendLenSpecI64(nil, tc.v)
		if len(b) != tc.size || LenSpecI64Size(tc.v) != tc.size {
			t.Fatalf("size v=%d got=%d want=%d", tc.v, len(b), tc.size)
		}
		got, n, err := ReadLenSpecI64(b)
		if err != nil || got != tc.v || n != tc.size {
			t.Fatalf("read v=%d got=%d n=%d err=%v", tc.v, got, n, err)
		}
	}
}

func TestLenSpecI64ZeroLengthIsZero(t *testing.T) {
	v, n, err := ReadLenSpecI64([]byte{0, 0xFF})
	if err != nil || v != 0 || n != 1 {
		t.Fatalf("got v=%d n=%d err=%v", v, n, err)
	}
}

func TestLenSpecI64Truncated(t *testing.T) {
	if _, _, err := ReadLenSpecI64([]byte{3, 1}); !errors.Is(err, ErrIncompleteData) {
		t.Fatalf("expected ErrIncompleteData, got %v", err)
	}
	if _, _, err := ReadLenSpecI64([]byte{9, 1, 2, 3, 4, 5, 6, 7, 8, 9}); !errors.Is(err, ErrIncompleteData) {
		t.Fatalf("expected ErrIncompleteData for length 9, got %v", err)
	}
}

func TestResBitU15(t *testing.T) {
	for _, v := range []uint16{0, 0x7F, 0x80, 0x1234, 0x7FFF} {
		b, err := AppendResBitU15(nil, v)
		if err != nil {
			t.Fatalf("append %#x: %v", v, err)
		}
		if len(b) != ResBitU15Size(v) {
			t.Fatalf("size %#x got=%d", v, len(b))
		}
		got, n, err := ReadResBitU15(b)
		if err != nil || got != v || n != len(b) {
			t.Fatalf("read %#x got=%#x n=%d err=%v", v, got, n, err)
		}
	}
	if _, err := AppendResBitU15(nil, 0x8000); err == nil {
		t.Fatalf("expected range error")
	}
}
