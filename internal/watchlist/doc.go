// Package watchlist maps application item requests onto wire streams.
//
// Requests for the same item (name, service, domain, qos) share one wire
// stream. The handler merges their views and priorities, parks requests
// that arrive mid-refresh on a waiting list, replays the cached refresh to
// late joiners, and fails requests whose refresh never arrives.
//
// A Handler is owned by one reactor goroutine and is not safe for
// concurrent use.
package watchlist
