// Package cache memoizes a producer function over a TTL storage.
//
// Lookups of a missing key are coalesced: the first caller leads a fetch and
// every concurrent caller of that key waits for the same result. GetMany reads
// all keys with one storage call and produces all misses with one producer
// call. A producer call is bounded by a timeout; a result arriving after it is
// dropped without touching storage.
//
// The storage is local (memory or bolt) or, with Options.Socket, a storage
// hosted by a shared cache server over a Unix socket.
package cache
