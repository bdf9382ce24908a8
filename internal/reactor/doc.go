// Package reactor runs the dispatch loop that owns every tunnel stream and
// watchlist on a set of transport channels.
//
// Ownership boundary:
// - one dispatch goroutine mutates all stream and request state
// - channel reader goroutines and the worker only post to the EventQueue
// - the worker runs blocking token, discovery and dial work
//
// Callbacks run on the dispatch goroutine and may call ReactorChannel
// methods directly. Other goroutines go through Reactor.Call.
package reactor
