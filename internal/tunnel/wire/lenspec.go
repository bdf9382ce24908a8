package wire

import (
	"encoding/binary"
	"fmt"
)

// LenSpecI64Size is the encoded size of v: one length byte plus the
// minimal number of two's-complement bytes.
func LenSpecI64Size(v int64) int {
	return 1 + minBytes(v)
}

func minBytes(v int64) int {
	for n := 1; n < 8; n++ {
		limit := int64(1) << (8*n - 1)
		if v >= -limit && v < limit {
			return n
		}
	}
	return 8
}

// AppendLenSpecI64 appends v in length-specified big-endian form.
func AppendLenSpecI64(dst []byte, v int64) []byte {
	n := minBytes(v)
	dst = append(dst, byte(n))
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	return append(dst, b[8-n:]...)
}

// ReadLenSpecI64 decodes a value written by AppendLenSpecI64 and returns
// the number of bytes consumed. A zero length decodes as zero.
func ReadLenSpecI64(b []byte) (int64, int, error) {
	if len(b) < 1 {
		return 0, 0, fmt.Errorf("%w: lenspec length", ErrIncompleteData)
	}
	n := int(b[0])
	if n > 8 {
		return 0, 0, fmt.Errorf("%w: lenspec length %d", ErrIncompleteData, n)
	}
	if len(b) < 1+n {
		return 0, 0, fmt.Errorf("%w: lenspec value", ErrIncompleteData)
	}
	if n == 0 {
		return 0, 1, nil
	}
	var v uint64
	for _, c := range b[1 : 1+n] {
		v = v<<8 | uint64(c)
	}
	// sign extend from the top bit of the first value byte
	shift := uint(64 - 8*n)
	return int64(v<<shift) >> shift, 1 + n, nil
}

const maxResBitU15 = 0x7FFF

// ResBitU15Size is 1 for values below 0x80 and 2 otherwise.
func ResBitU15Size(v uint16) int {
	if v < 0x80 {
		return 1
	}
	return 2
}

// AppendResBitU15 writes v in one byte, or in two with the top bit set.
func AppendResBitU15(dst []byte, v uint16) ([]byte, error) {
	if v > maxResBitU15 {
		return dst, fmt.Errorf("wire: u15 value %d out of range", v)
	}
	if v < 0x80 {
		return append(dst, byte(v)), nil
	}
	return binary.BigEndian.AppendUint16(dst, v|0x8000), nil
}

func ReadResBitU15(b []byte) (uint16, int, error) {
	if len(b) < 1 {
		return 0, 0, fmt.Errorf("%w: u15", ErrIncompleteData)
	}
	if b[0]&0x80 == 0 {
		return uint16(b[0]), 1, nil
	}
	if len(b) < 2 {
		return 0, 0, fmt.Errorf("%w: u15 second byte", ErrIncompleteData)
	}
	return binary.BigEndian.Uint16(b) &^ 0x8000, 2, nil
}

// reader walks a borrowed buffer without mutating it.
type reader struct {
	b   []byte
	off int
}

func (r *reader) u8() (uint8, error) {
	if len(r.b)-r.off < 1 {
		return 0, ErrIncompleteData
	}
	v := r.b[r.off]
	r.off++
	return v, nil
}

func (r *reader) u16() (uint16, error) {
	if len(r.b)-r.off < 2 {
		return 0, ErrIncompleteData
	}
	v := binary.BigEndian.Uint16(r.b[r.off:])
	r.off += 2
	return v, nil
}

func (r *reader) u32() (uint32, error) {
	if len(r.b)-r.off < 4 {
		return 0, ErrIncompleteData
	}
	v := binary.BigEndian.Uint32(r.b[r.off:])
	r.off += 4
	return v, nil
}

func (r *reader) u15() (uint16, error) {
	v, n, err := ReadResBitU15(r.b[r.off:])
	r.off += n
	return v, err
}

func (r *reader) lenSpec() (int64, error) {
	v, n, err := ReadLenSpecI64(r.b[r.off:])
	r.off += n
	return v, err
}

// shortString reads a 1-byte length prefixed name and copies it out.
func (r *reader) shortString() (string, error) {
	n, err := r.u8()
	if err != nil {
		return "", err
	}
	if len(r.b)-r.off < int(n) {
		return "", ErrIncompleteData
	}
	s := string(r.b[r.off : r.off+int(n)])
	r.off += int(n)
	return s, nil
}

func appendShortString(dst []byte, s string) ([]byte, error) {
	if len(s) > 0xFF {
		return dst, fmt.Errorf("%w: %d bytes", ErrNameTooLong, len(s))
	}
	dst = append(dst, byte(len(s)))
	return append(dst, s...), nil
}
