// Package reliability tracks tunnel stream sequence numbers.
//
// Ownership boundary:
// - wrap-aware sequence comparison
// - AckRangeList (sorted, coalesced inclusive ranges)
// - SendTracker: unacknowledged entries, window, retransmission deadlines
// - RecvTracker: in-order delivery, out-of-order buffering, gap timing
//
// Nothing here is safe for concurrent use; a tunnel stream owns its
// trackers and drives them from its reactor goroutine.
package reliability
