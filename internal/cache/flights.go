package cache

import "sync"

// outcome is how one key of a flight resolved. found is false for an
// exist-only lookup of an absent key.
type outcome struct {
	val   string
	found bool
	err   error
}

// waiter is a single-use completion handle queued on one or more flights.
// resolve must not be called with the flights lock held.
type waiter interface {
	resolve(key string, o outcome)
}

// flight is the pending fetch of one key: the waiters queued on it and
// whether any of them wants the producer called on a miss.
type flight struct {
	waiters []waiter
	produce bool
}

type flights struct {
	mu sync.Mutex
	m  map[string]*flight
}

func newFlights() *flights {
	return &flights{m: make(map[string]*flight)}
}

// join queues w on key. The first waiter of a flight is its leader and must
// start the fetch.
func (f *flights) join(key string, w waiter, produce bool) (*flight, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fl, ok := f.m[key]
	if !ok {
		fl = &flight{}
		f.m[key] = fl
	}
	fl.waiters = append(fl.waiters, w)
	if produce {
		fl.produce = true
	}
	return fl, !ok
}

// current reports whether fl is still the pending flight of key.
func (f *flights) current(key string, fl *flight) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.m[key] == fl
}

// take ends fl and returns its waiters, or nil when fl is no longer the
// flight of key.
func (f *flights) take(key string, fl *flight) []waiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.m[key] != fl {
		return nil
	}
	delete(f.m, key)
	return fl.waiters
}

// takeUnlessProduce ends fl only when none of its waiters asked for the
// producer. produce reports whether the caller must produce the key.
func (f *flights) takeUnlessProduce(key string, fl *flight) (ws []waiter, produce bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.m[key] != fl {
		return nil, false
	}
	if fl.produce {
		return nil, true
	}
	delete(f.m, key)
	return fl.waiters, false
}

// override ends whatever flight key has, for a direct write that supersedes
// it. The fetch of that flight then finds itself stale.
func (f *flights) override(key string) []waiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	fl, ok := f.m[key]
	if !ok {
		return nil
	}
	delete(f.m, key)
	return fl.waiters
}

// leave removes w from the flights of keys. The flights themselves stay so a
// running fetch is never duplicated.
func (f *flights) leave(keys []string, w waiter) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		fl, ok := f.m[k]
		if !ok {
			continue
		}
		for i, x := range fl.waiters {
			if x == w {
				fl.waiters = append(fl.waiters[:i], fl.waiters[i+1:]...)
				break
			}
		}
	}
}

// pending reports how many keys have a flight.
func (f *flights) pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.m)
}

func resolveAll(ws []waiter, key string, o outcome) {
	for _, w := range ws {
		w.resolve(key, o)
	}
}

type oneWaiter struct {
	ch chan outcome
}

func newOneWaiter() *oneWaiter {
	return &oneWaiter{ch: make(chan outcome, 1)}
}

func (w *oneWaiter) resolve(_ string, o outcome) {
	select {
	case w.ch <- o:
	default:
	}
}

// batchWaiter collects the keys of one GetMany call. It completes once, either
// when every key has resolved or at the first error, in which case it first
// leaves every flight it is still queued on.
type batchWaiter struct {
	keys    []string
	flights *flights

	mu        sync.Mutex
	remaining int
	vals      map[string]string
	err       error
	fired     bool
	done      chan struct{}
}

func newBatchWaiter(keys []string, f *flights) *batchWaiter {
	return &batchWaiter{
		keys:      keys,
		flights:   f,
		remaining: len(keys),
		vals:      make(map[string]string, len(keys)),
		done:      make(chan struct{}),
	}
}

func (b *batchWaiter) resolve(key string, o outcome) {
	b.mu.Lock()
	if b.fired {
		b.mu.Unlock()
		return
	}
	if o.err != nil {
		b.fired = true
		b.err = o.err
		b.mu.Unlock()
		b.flights.leave(b.keys, b)
		close(b.done)
		return
	}
	if o.found {
		b.vals[key] = o.val
	}
	b.remaining--
	if b.remaining > 0 {
		b.mu.Unlock()
		return
	}
	b.fired = true
	b.mu.Unlock()
	close(b.done)
}

// result must only be read after done is closed.
func (b *batchWaiter) result() (map[string]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return nil, b.err
	}
	return b.vals, nil
}
