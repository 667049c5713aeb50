package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/leonardcser/mcache/internal/logger"
	"github.com/leonardcser/mcache/internal/obs"
	"github.com/leonardcser/mcache/internal/socket"
	"github.com/leonardcser/mcache/internal/storage"
)

// Cache memoizes a producer over a TTL storage. Concurrent lookups of the same
// missing key share one producer call.
type Cache struct {
	opts    Options
	store   storage.Storage
	rt      *socket.Runtime
	ownsRT  bool
	flights *flights
	stripes stripes

	ctx    context.Context
	cancel context.CancelFunc

	lifeMu sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// New builds a cache from opts. With opts.Socket set the storage lives on a
// shared cache server, started on demand; with opts.Socket.OnlyServer the
// cache only hosts that server.
func New(opts Options) (*Cache, error) {
	opts = ApplyDefaults(opts)
	if err := opts.validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Cache{
		opts:    opts,
		flights: newFlights(),
		ctx:     ctx,
		cancel:  cancel,
	}

	var err error
	if opts.Socket == nil {
		c.store, err = storage.Open(opts.params())
	} else {
		err = c.openRemote()
	}
	if err != nil {
		cancel()
		if c.ownsRT {
			_ = c.rt.Close()
		}
		return nil, err
	}
	return c, nil
}

func (c *Cache) openRemote() error {
	c.rt = c.opts.Runtime
	if c.rt == nil {
		c.rt = socket.NewRuntime()
		c.ownsRT = true
	}
	sopts := *c.opts.Socket
	if sopts.OnlyServer {
		if _, err := c.rt.Serve(sopts); err != nil {
			return fmt.Errorf("start cache server: %w", err)
		}
		return nil
	}
	client, err := c.rt.Client(c.ctx, sopts)
	if err != nil {
		return fmt.Errorf("connect cache server: %w", err)
	}
	px, err := socket.NewProxy(c.ctx, client, c.opts.params(), sopts.StorageHash)
	if err != nil {
		return err
	}
	c.store = px
	return nil
}

func (c *Cache) usable() error {
	if c.store == nil {
		return ErrServerOnly
	}
	c.lifeMu.RLock()
	defer c.lifeMu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	return nil
}

// Get returns the value of key, producing it on a miss.
func (c *Cache) Get(ctx context.Context, key string) (string, error) {
	o, err := c.getOne(ctx, key, true)
	if err != nil {
		return "", err
	}
	if !o.found {
		return "", fmt.Errorf("%w: %q", ErrMissingKey, key)
	}
	return o.val, nil
}

// GetExist returns the value of key if it is cached, never calling the
// producer.
func (c *Cache) GetExist(ctx context.Context, key string) (string, bool, error) {
	o, err := c.getOne(ctx, key, false)
	if err != nil {
		return "", false, err
	}
	return o.val, o.found, nil
}

func (c *Cache) getOne(ctx context.Context, key string, produce bool) (outcome, error) {
	if err := c.usable(); err != nil {
		return outcome{}, err
	}
	w := newOneWaiter()
	fl, leader := c.flights.join(key, w, produce)
	if leader {
		c.startFetch(map[string]*flight{key: fl})
	}
	select {
	case o := <-w.ch:
		return o, o.err
	case <-ctx.Done():
		c.flights.leave([]string{key}, w)
		return outcome{}, ctx.Err()
	}
}

// GetMany returns the values of keys, producing every miss in one producer
// call. It fails as a whole if any key fails.
func (c *Cache) GetMany(ctx context.Context, keys []string) (map[string]string, error) {
	return c.getMany(ctx, keys, true)
}

// GetManyExist returns the cached values among keys, never calling the
// producer.
func (c *Cache) GetManyExist(ctx context.Context, keys []string) (map[string]string, error) {
	return c.getMany(ctx, keys, false)
}

func (c *Cache) getMany(ctx context.Context, keys []string, produce bool) (map[string]string, error) {
	if err := c.usable(); err != nil {
		return nil, err
	}
	keys = dedupe(keys)
	if len(keys) == 0 {
		return map[string]string{}, nil
	}
	bw := newBatchWaiter(keys, c.flights)
	leads := make(map[string]*flight)
	for _, k := range keys {
		if fl, leader := c.flights.join(k, bw, produce); leader {
			leads[k] = fl
		}
	}
	if len(leads) > 0 {
		c.startFetch(leads)
	}
	select {
	case <-bw.done:
		return bw.result()
	case <-ctx.Done():
		c.flights.leave(keys, bw)
		return nil, ctx.Err()
	}
}

func dedupe(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

// Set writes key through to storage. Waiters of a fetch in flight for key get
// val, and that fetch will not overwrite it.
func (c *Cache) Set(ctx context.Context, key, val string) error {
	if err := c.usable(); err != nil {
		return err
	}
	unlock := c.stripes.lock([]string{key})
	err := c.store.Set(ctx, map[string]string{key: val})
	var ws []waiter
	if err == nil {
		ws = c.flights.override(key)
	}
	unlock()
	resolveAll(ws, key, outcome{val: val, found: true})
	return err
}

// Del removes key from storage. A fetch in flight for key is not affected.
func (c *Cache) Del(ctx context.Context, key string) error {
	if err := c.usable(); err != nil {
		return err
	}
	return c.store.Del(ctx, []string{key})
}

// GC runs one storage sweep.
func (c *Cache) GC(ctx context.Context) error {
	if err := c.usable(); err != nil {
		return err
	}
	return c.store.GC(ctx)
}

// Pending reports how many keys are being fetched.
func (c *Cache) Pending() int { return c.flights.pending() }

// Close fails pending lookups with ErrClosed and releases the storage. Safe
// to call more than once.
func (c *Cache) Close() error {
	c.lifeMu.Lock()
	if c.closed {
		c.lifeMu.Unlock()
		return nil
	}
	c.closed = true
	c.lifeMu.Unlock()

	c.cancel()
	c.wg.Wait()

	var errs []error
	if c.store != nil {
		errs = append(errs, c.store.Close())
	}
	if c.ownsRT {
		errs = append(errs, c.rt.Close())
	}
	return errors.Join(errs...)
}

func (c *Cache) startFetch(leads map[string]*flight) {
	c.lifeMu.RLock()
	if c.closed {
		c.lifeMu.RUnlock()
		c.fail(leads, ErrClosed)
		return
	}
	c.wg.Add(1)
	c.lifeMu.RUnlock()
	go c.fetch(leads)
}

// fetch drives the flights led by one lookup: one storage read for all keys,
// then one producer call for the misses that need it.
func (c *Cache) fetch(leads map[string]*flight) {
	defer c.wg.Done()

	keys := make([]string, 0, len(leads))
	for k := range leads {
		keys = append(keys, k)
	}
	items, err := c.store.Get(c.ctx, keys)
	if err != nil {
		if c.ctx.Err() != nil {
			err = ErrClosed
		}
		c.fail(leads, err)
		return
	}

	misses := make(map[string]*flight)
	hits := 0
	for _, k := range keys {
		it := items[k]
		if !it.Available {
			misses[k] = leads[k]
			continue
		}
		hits++
		resolveAll(c.flights.take(k, leads[k]), k, outcome{val: it.Value, found: true})
	}

	absent := 0
	for k, fl := range misses {
		ws, produce := c.flights.takeUnlessProduce(k, fl)
		if produce {
			continue
		}
		delete(misses, k)
		if ws != nil {
			absent++
			resolveAll(ws, k, outcome{})
		}
	}
	m := obs.DefaultMetrics()
	m.RecordLookup("hit", hits)
	m.RecordLookup("absent", absent)
	m.RecordLookup("miss", len(misses))
	if len(misses) == 0 {
		return
	}

	missKeys := make([]string, 0, len(misses))
	for k := range misses {
		missKeys = append(missKeys, k)
	}
	vals, err := c.callProducer(missKeys)
	if err != nil {
		c.fail(misses, err)
		return
	}
	c.storeProduced(misses, vals)
}

// storeProduced writes produced values for the flights that are still
// current and resolves their waiters. Keys the producer left out fail.
func (c *Cache) storeProduced(fls map[string]*flight, vals map[string]string) {
	keys := make([]string, 0, len(fls))
	for k := range fls {
		keys = append(keys, k)
	}
	unlock := c.stripes.lock(keys)

	write := make(map[string]string, len(fls))
	var missing []string
	for k, fl := range fls {
		if !c.flights.current(k, fl) {
			continue
		}
		v, ok := vals[k]
		if !ok {
			missing = append(missing, k)
			continue
		}
		write[k] = v
	}
	if len(write) > 0 {
		if err := c.store.Set(c.ctx, write); err != nil {
			logger.Warnf("store %d produced value(s): %v", len(write), err)
		}
	}
	taken := make(map[string][]waiter, len(fls))
	for k, fl := range fls {
		taken[k] = c.flights.take(k, fl)
	}
	unlock()

	for _, k := range missing {
		resolveAll(taken[k], k, outcome{err: fmt.Errorf("%w: %q", ErrMissingKey, k)})
	}
	for k, v := range write {
		resolveAll(taken[k], k, outcome{val: v, found: true})
	}
}

func (c *Cache) fail(fls map[string]*flight, err error) {
	for k, fl := range fls {
		resolveAll(c.flights.take(k, fl), k, outcome{err: err})
	}
}
