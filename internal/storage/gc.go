package storage

import (
	"context"
	"sync"
	"time"

	"github.com/leonardcser/mcache/internal/logger"
	"github.com/leonardcser/mcache/internal/obs"
)

// sweeper owns the sweep schedule of one backend: at most one pass runs at a
// time, callers arriving during a pass wait for it, and the next periodic pass
// is armed interval after a pass finishes.
type sweeper struct {
	backend  string
	interval time.Duration
	pass     func(ctx context.Context) (int, error)

	mu      sync.Mutex
	timer   *time.Timer
	running chan struct{}
	lastErr error
	closed  bool
}

func newSweeper(backend string, interval, start time.Duration, pass func(context.Context) (int, error)) *sweeper {
	s := &sweeper{backend: backend, interval: interval, pass: pass}
	if interval > 0 {
		// tick may fire before AfterFunc returns; run reads timer under mu.
		s.mu.Lock()
		s.timer = time.AfterFunc(start, s.tick)
		s.mu.Unlock()
	}
	return s
}

func (s *sweeper) tick() {
	if err := s.run(context.Background()); err != nil {
		logger.Warnf("%s gc: %v", s.backend, err)
	}
}

func (s *sweeper) run(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if done := s.running; done != nil {
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		s.mu.Lock()
		err := s.lastErr
		s.mu.Unlock()
		return err
	}
	done := make(chan struct{})
	s.running = done
	if s.timer != nil {
		s.timer.Stop()
	}
	s.mu.Unlock()

	started := time.Now()
	removed, err := s.pass(ctx)
	obs.DefaultMetrics().RecordGC(s.backend, removed)
	logger.Debugf("%s gc: removed %d entries in %s", s.backend, removed, time.Since(started))

	s.mu.Lock()
	s.lastErr = err
	s.running = nil
	if s.timer != nil && !s.closed {
		s.timer.Reset(s.interval)
	}
	s.mu.Unlock()
	close(done)
	return err
}

func (s *sweeper) stop() {
	s.mu.Lock()
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
	}
	done := s.running
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}
