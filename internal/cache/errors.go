package cache

import "errors"

var (
	ErrProducerTimeout = errors.New("cache: producer timed out")
	ErrProducerPanic   = errors.New("cache: producer panicked")
	ErrMissingKey      = errors.New("cache: producer result is missing a key")
	ErrNoProducer      = errors.New("cache: a producer is required")
	ErrInvalidTTL      = errors.New("cache: ttl must be at least 1ms")
	ErrClosed          = errors.New("cache: closed")
	ErrServerOnly      = errors.New("cache: only-server mode has no cache operations")
)
