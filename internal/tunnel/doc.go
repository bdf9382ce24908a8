// Package tunnel owns the TunnelStream: a reliable, ordered, flow-controlled
// logical channel multiplexed over generic messages on one reactor channel.
//
// Ownership boundary:
// - open handshake and class of service negotiation
// - sequencing, acknowledgment and retransmission via reliability trackers
// - fragmentation and reassembly of large messages
// - queue sub-streams carried inside DATA payloads
// - close handshake and exactly-once fatal status delivery
//
// A Stream is not safe for concurrent use. Its reactor calls HandleMsg,
// Dispatch and the submit methods from one goroutine.
package tunnel
