// Package transport carries generic messages between two reactor endpoints.
//
// Ownership boundary:
// - the Channel contract consumed by the reactor
// - framed TCP channels with optional TLS / mutual TLS
// - in-memory channel pairs for tests
//
// A Channel may be read by one goroutine and written by many.
package transport
