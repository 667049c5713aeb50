package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/leonardcser/mcache/internal/logger"
	"github.com/leonardcser/mcache/internal/obs"
)

type produced struct {
	vals map[string]string
	err  error
}

// produce computes keys with whichever producer fits best.
func (c *Cache) produce(ctx context.Context, keys []string) (map[string]string, error) {
	if len(keys) == 1 && c.opts.Producer != nil {
		v, err := c.opts.Producer(ctx, keys[0])
		if err != nil {
			return nil, err
		}
		return map[string]string{keys[0]: v}, nil
	}
	if c.opts.BatchProducer != nil {
		return c.opts.BatchProducer(ctx, keys)
	}
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		v, err := c.opts.Producer(ctx, k)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}

// callProducer runs the producer under the producer timeout. On timeout the
// producer keeps running in its goroutine; whatever it returns afterwards is
// dropped.
func (c *Cache) callProducer(keys []string) (map[string]string, error) {
	mode := "single"
	if len(keys) > 1 {
		mode = "batch"
	}
	start := time.Now()
	pctx, cancel := context.WithTimeout(c.ctx, c.opts.ProducerTimeout)

	ch := make(chan produced, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("producer panic for %d key(s): %v", len(keys), r)
				ch <- produced{err: fmt.Errorf("%w: %v", ErrProducerPanic, r)}
			}
		}()
		vals, err := c.produce(pctx, keys)
		ch <- produced{vals: vals, err: err}
	}()

	select {
	case res := <-ch:
		cancel()
		result := "ok"
		if res.err != nil {
			result = "error"
			if c.ctx.Err() != nil {
				res.err = ErrClosed
			}
		}
		obs.DefaultMetrics().RecordProducer(mode, result, time.Since(start))
		return res.vals, res.err
	case <-pctx.Done():
		cancel()
		if c.ctx.Err() != nil {
			return nil, ErrClosed
		}
		obs.DefaultMetrics().RecordProducer(mode, "timeout", time.Since(start))
		go func() {
			<-ch
			obs.DefaultMetrics().RecordLateResult()
			logger.Warnf("discarded producer result for %d key(s) that arrived after %v", len(keys), c.opts.ProducerTimeout)
		}()
		return nil, fmt.Errorf("%w after %v", ErrProducerTimeout, c.opts.ProducerTimeout)
	}
}
