package reliability

// SeqCompare orders sequence numbers across the 32-bit wrap. It returns a
// negative value when a precedes b, zero when equal, positive otherwise.
// The result is the signed distance, so SeqCompare(a, b) == 1 means a is
// the successor of b.
func SeqCompare(a, b uint32) int32 {
	return int32(a - b)
}

func SeqLess(a, b uint32) bool {
	return SeqCompare(a, b) < 0
}

func SeqLessEq(a, b uint32) bool {
	return SeqCompare(a, b) <= 0
}

// Range is an inclusive sequence number range.
type Range struct {
	First uint32
	Last  uint32
}

func (r Range) Contains(seq uint32) bool {
	return SeqLessEq(r.First, seq) && SeqLessEq(seq, r.Last)
}

func (r Range) Len() int {
	return int(r.Last-r.First) + 1
}
