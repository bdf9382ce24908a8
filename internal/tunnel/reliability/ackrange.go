package reliability

import "slices"

// AckRangeList is an ordered set of inclusive sequence ranges. Ranges never
// overlap, are sorted ascending, and adjacent ranges are merged.
type AckRangeList struct {
	ranges []Range
}

// Add inserts seq and reports whether it was new.
func (l *AckRangeList) Add(seq uint32) bool {
	if l.Contains(seq) {
		return false
	}
	l.AddRange(seq, seq)
	return true
}

// AddRange inserts [first, last], merging with any touching ranges.
func (l *AckRangeList) AddRange(first, last uint32) {
	if SeqLess(last, first) {
		first, last = last, first
	}
	i := 0
	for i < len(l.ranges) && SeqLess(l.ranges[i].Last+1, first) {
		i++
	}
	j := i
	for j < len(l.ranges) && SeqLessEq(l.ranges[j].First, last+1) {
		if SeqLess(l.ranges[j].First, first) {
			first = l.ranges[j].First
		}
		if SeqLess(last, l.ranges[j].Last) {
			last = l.ranges[j].Last
		}
		j++
	}
	l.ranges = slices.Replace(l.ranges, i, j, Range{First: first, Last: last})
}

// Remove deletes [first, last], splitting ranges as needed.
func (l *AckRangeList) Remove(first, last uint32) {
	out := l.ranges[:0:0]
	for _, r := range l.ranges {
		if SeqLess(r.Last, first) || SeqLess(last, r.First) {
			out = append(out, r)
			continue
		}
		if SeqLess(r.First, first) {
			out = append(out, Range{First: r.First, Last: first - 1})
		}
		if SeqLess(last, r.Last) {
			out = append(out, Range{First: last + 1, Last: r.Last})
		}
	}
	l.ranges = out
}

// RemoveThrough deletes every sequence number at or before seq.
func (l *AckRangeList) RemoveThrough(seq uint32) {
	i := 0
	for i < len(l.ranges) && SeqLessEq(l.ranges[i].Last, seq) {
		i++
	}
	l.ranges = l.ranges[i:]
	if len(l.ranges) > 0 && SeqLessEq(l.ranges[0].First, seq) {
		l.ranges[0].First = seq + 1
	}
}

func (l *AckRangeList) Contains(seq uint32) bool {
	for _, r := range l.ranges {
		if r.Contains(seq) {
			return true
		}
		if SeqLess(seq, r.First) {
			return false
		}
	}
	return false
}

// Ranges returns a copy of the ranges.
func (l *AckRangeList) Ranges() []Range {
	return slices.Clone(l.ranges)
}

// Len is the number of ranges.
func (l *AckRangeList) Len() int {
	return len(l.ranges)
}

// Count is the number of sequence numbers covered.
func (l *AckRangeList) Count() int {
	n := 0
	for _, r := range l.ranges {
		n += r.Len()
	}
	return n
}

// First returns the lowest sequence number held.
func (l *AckRangeList) First() (uint32, bool) {
	if len(l.ranges) == 0 {
		return 0, false
	}
	return l.ranges[0].First, true
}

func (l *AckRangeList) Clear() {
	l.ranges = nil
}
