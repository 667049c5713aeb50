package storage

import (
	"container/list"
	"context"
	"runtime"
	"sync"
	"time"
)

// Memory is the in-process TTL backend.
//
// Entries sit in a list ordered by write time (every write moves its entry to
// the back) with a map index for O(1) lookup. Reads never delete: an expired
// entry stays until a sweep reaches it. A sweep walks the list from the front
// in batches, releasing the lock between batches, and stops at the first entry
// that is still fresh since everything behind it is younger.
type Memory struct {
	ttl   time.Duration
	batch int
	now   func() time.Time

	mu     sync.Mutex
	items  map[string]*list.Element
	order  *list.List
	cursor *list.Element

	sweep *sweeper
}

type memEntry struct {
	key   string
	value string
	setAt time.Time
}

// Option customizes a backend built directly by its constructor.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func NewMemory(p Params, opts ...Option) *Memory {
	o := buildOptions(opts)
	m := &Memory{
		ttl:   p.TTL(),
		batch: p.batch(),
		now:   o.now,
		items: make(map[string]*list.Element),
		order: list.New(),
	}
	m.sweep = newSweeper("memory", p.GCInterval(), p.GCStart(), m.gcPass)
	return m
}

func (m *Memory) Get(_ context.Context, keys []string) (map[string]Item, error) {
	out := make(map[string]Item, len(keys))
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for _, key := range keys {
		el, ok := m.items[key]
		if !ok {
			out[key] = Item{}
			continue
		}
		e := el.Value.(*memEntry)
		if now.Sub(e.setAt) < m.ttl {
			out[key] = Item{Available: true, Value: e.value}
		} else {
			out[key] = Item{}
		}
	}
	return out, nil
}

func (m *Memory) Set(_ context.Context, vals map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for key, val := range vals {
		if el, ok := m.items[key]; ok {
			e := el.Value.(*memEntry)
			e.value = val
			e.setAt = now
			m.moveToBackLocked(el)
			continue
		}
		m.items[key] = m.order.PushBack(&memEntry{key: key, value: val, setAt: now})
	}
	return nil
}

func (m *Memory) Del(_ context.Context, keys []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		if el, ok := m.items[key]; ok {
			m.removeLocked(el)
		}
	}
	return nil
}

func (m *Memory) GC(ctx context.Context) error { return m.sweep.run(ctx) }

// Size returns the number of held entries, expired or not.
func (m *Memory) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

func (m *Memory) Close() error {
	m.sweep.stop()
	m.mu.Lock()
	m.items = make(map[string]*list.Element)
	m.order.Init()
	m.cursor = nil
	m.mu.Unlock()
	return nil
}

func (m *Memory) gcPass(ctx context.Context) (int, error) {
	removed := 0
	m.mu.Lock()
	now := m.now()
	m.cursor = m.order.Front()
	for {
		for visited := 0; m.cursor != nil && visited < m.batch; visited++ {
			el := m.cursor
			e := el.Value.(*memEntry)
			if now.Sub(e.setAt) <= m.ttl {
				m.cursor = nil
				break
			}
			m.cursor = el.Next()
			m.order.Remove(el)
			delete(m.items, e.key)
			removed++
		}
		if m.cursor == nil {
			m.mu.Unlock()
			return removed, nil
		}
		m.mu.Unlock()

		runtime.Gosched()
		if err := ctx.Err(); err != nil {
			m.mu.Lock()
			m.cursor = nil
			m.mu.Unlock()
			return removed, err
		}
		m.mu.Lock()
	}
}

// moveToBackLocked and removeLocked keep the sweep cursor valid when the entry
// it points at leaves its position.
func (m *Memory) moveToBackLocked(el *list.Element) {
	if m.cursor == el {
		m.cursor = el.Next()
	}
	m.order.MoveToBack(el)
}

func (m *Memory) removeLocked(el *list.Element) {
	if m.cursor == el {
		m.cursor = el.Next()
	}
	m.order.Remove(el)
	delete(m.items, el.Value.(*memEntry).key)
}
