// Package protocol owns the generic message model shared by every stream.
//
// Ownership boundary:
// - message classes, domains, container types, stream/data states
// - Msg and its supporting key/qos/priority/view types
// - Msg encode/decode on top of frame + tlv + schema
package protocol
