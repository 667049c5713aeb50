package cache

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"sort"
	"sync"
	"testing"
	"time"

	"go.uber.org/atomic"

	"github.com/leonardcser/mcache/internal/socket"
	"github.com/leonardcser/mcache/internal/testutil"
)

func newTestCache(t *testing.T, opts Options) *Cache {
	t.Helper()
	if opts.TTL == 0 {
		opts.TTL = time.Minute
	}
	opts.GCDisabled = true
	c, err := New(opts)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func waitDone(t *testing.T, wg *sync.WaitGroup, timeout time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatal("timed out waiting for callers")
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	noop := func(context.Context, string) (string, error) { return "", nil }
	if _, err := New(Options{TTL: 0, Producer: noop}); !errors.Is(err, ErrInvalidTTL) {
		t.Fatalf("expected ErrInvalidTTL, got %v", err)
	}
	if _, err := New(Options{TTL: 500 * time.Microsecond, Producer: noop}); !errors.Is(err, ErrInvalidTTL) {
		t.Fatalf("expected ErrInvalidTTL for sub-millisecond ttl, got %v", err)
	}
	if _, err := New(Options{TTL: time.Second}); !errors.Is(err, ErrNoProducer) {
		t.Fatalf("expected ErrNoProducer, got %v", err)
	}
	if _, err := New(Options{TTL: time.Second, Type: "nope", Producer: noop}); err == nil {
		t.Fatalf("expected unknown storage type error")
	}
}

func TestSingleFlight(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	c := newTestCache(t, Options{Producer: func(ctx context.Context, key string) (string, error) {
		calls.Inc()
		<-release
		return "value-of-" + key, nil
	}})

	const n = 20
	var wg sync.WaitGroup
	results := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.Get(context.Background(), "k")
		}(i)
	}

	testutil.Eventually(t, time.Second, 5*time.Millisecond, func() error {
		if calls.Load() == 0 {
			return fmt.Errorf("producer not called yet")
		}
		return nil
	})
	time.Sleep(20 * time.Millisecond)
	close(release)
	waitDone(t, &wg, 2*time.Second)

	if got := calls.Load(); got != 1 {
		t.Fatalf("expected one producer call, got %d", got)
	}
	for i := 0; i < n; i++ {
		if errs[i] != nil || results[i] != "value-of-k" {
			t.Fatalf("caller %d got %q, %v", i, results[i], errs[i])
		}
	}
	if c.Pending() != 0 {
		t.Fatalf("flights left behind: %d", c.Pending())
	}
}

func TestProducerErrorReachesEveryWaiter(t *testing.T) {
	boom := errors.New("boom")
	var calls atomic.Int32
	release := make(chan struct{})
	c := newTestCache(t, Options{Producer: func(ctx context.Context, key string) (string, error) {
		if calls.Inc() == 1 {
			<-release
			return "", boom
		}
		return "ok", nil
	}})

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.Get(context.Background(), "k")
		}(i)
	}
	testutil.Eventually(t, time.Second, 5*time.Millisecond, func() error {
		if calls.Load() == 0 {
			return fmt.Errorf("producer not called yet")
		}
		return nil
	})
	time.Sleep(20 * time.Millisecond)
	close(release)
	waitDone(t, &wg, 2*time.Second)

	for i, err := range errs {
		if !errors.Is(err, boom) {
			t.Fatalf("caller %d: expected boom, got %v", i, err)
		}
	}
	if _, found, _ := c.GetExist(context.Background(), "k"); found {
		t.Fatalf("a failed fetch must not store anything")
	}
	v, err := c.Get(context.Background(), "k")
	if err != nil || v != "ok" {
		t.Fatalf("errors must not be cached, got %q, %v", v, err)
	}
}

func TestGetManyProducesOnlyMisses(t *testing.T) {
	ctx := context.Background()
	var mu sync.Mutex
	var batches [][]string
	c := newTestCache(t, Options{BatchProducer: func(ctx context.Context, keys []string) (map[string]string, error) {
		mu.Lock()
		batches = append(batches, append([]string(nil), keys...))
		mu.Unlock()
		out := make(map[string]string, len(keys))
		for _, k := range keys {
			out[k] = "p-" + k
		}
		return out, nil
	}})

	_ = c.Set(ctx, "a", "cached-a")
	_ = c.Set(ctx, "b", "cached-b")

	got, err := c.GetMany(ctx, []string{"a", "b", "c", "c"})
	if err != nil {
		t.Fatalf("get many: %v", err)
	}
	want := map[string]string{"a": "cached-a", "b": "cached-b", "c": "p-c"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	if len(batches) != 1 || !reflect.DeepEqual(batches[0], []string{"c"}) {
		t.Fatalf("expected one producer call with [c], got %v", batches)
	}

	got, err = c.GetMany(ctx, []string{"d", "e"})
	if err != nil {
		t.Fatalf("get many: %v", err)
	}
	if got["d"] != "p-d" || got["e"] != "p-e" {
		t.Fatalf("unexpected %v", got)
	}
	last := append([]string(nil), batches[len(batches)-1]...)
	sort.Strings(last)
	if len(batches) != 2 || !reflect.DeepEqual(last, []string{"d", "e"}) {
		t.Fatalf("misses must be produced in one call, got %v", batches)
	}
}

func TestGetManyWithSingleProducer(t *testing.T) {
	var calls atomic.Int32
	c := newTestCache(t, Options{Producer: func(ctx context.Context, key string) (string, error) {
		calls.Inc()
		return key + key, nil
	}})
	got, err := c.GetMany(context.Background(), []string{"x", "y"})
	if err != nil {
		t.Fatalf("get many: %v", err)
	}
	if got["x"] != "xx" || got["y"] != "yy" || calls.Load() != 2 {
		t.Fatalf("unexpected %v after %d calls", got, calls.Load())
	}
}

func TestGetManyPartialFailureFiresOnce(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	c := newTestCache(t, Options{BatchProducer: func(ctx context.Context, keys []string) (map[string]string, error) {
		<-release
		out := make(map[string]string)
		for _, k := range keys {
			if k != "bad" {
				out[k] = "v-" + k
			}
		}
		return out, nil
	}})

	var wg sync.WaitGroup
	var batchErr error
	var batchVals map[string]string
	var returns atomic.Int32
	wg.Add(1)
	go func() {
		defer wg.Done()
		batchVals, batchErr = c.GetMany(ctx, []string{"good", "bad", "other"})
		returns.Inc()
	}()
	testutil.Eventually(t, time.Second, 5*time.Millisecond, func() error {
		if c.Pending() != 3 {
			return fmt.Errorf("pending=%d", c.Pending())
		}
		return nil
	})

	// A follower of one of the good keys still gets its value.
	var follower string
	var followerErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		follower, followerErr = c.Get(ctx, "good")
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)
	waitDone(t, &wg, 2*time.Second)

	if returns.Load() != 1 {
		t.Fatalf("batch returned %d times", returns.Load())
	}
	if !errors.Is(batchErr, ErrMissingKey) || batchVals != nil {
		t.Fatalf("expected ErrMissingKey, got %v, %v", batchVals, batchErr)
	}
	if followerErr != nil || follower != "v-good" {
		t.Fatalf("follower got %q, %v", follower, followerErr)
	}
	v, found, _ := c.GetExist(ctx, "other")
	if !found || v != "v-other" {
		t.Fatalf("produced keys must be stored, got %q %v", v, found)
	}
	if c.Pending() != 0 {
		t.Fatalf("flights left behind: %d", c.Pending())
	}
}

func TestProducerTimeoutDiscardsLateResult(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	returned := make(chan struct{})
	c := newTestCache(t, Options{
		ProducerTimeout: 50 * time.Millisecond,
		Producer: func(_ context.Context, key string) (string, error) {
			defer close(returned)
			<-release
			return "late", nil
		},
	})

	start := time.Now()
	_, err := c.Get(ctx, "k")
	if !errors.Is(err, ErrProducerTimeout) {
		t.Fatalf("expected ErrProducerTimeout, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("timeout took %v", time.Since(start))
	}
	if c.Pending() != 0 {
		t.Fatalf("timed out flight left behind")
	}

	close(release)
	<-returned
	time.Sleep(20 * time.Millisecond)
	if _, found, err := c.GetExist(ctx, "k"); err != nil || found {
		t.Fatalf("late result must not be stored, found=%v err=%v", found, err)
	}
}

func TestSetOverridesInFlightFetch(t *testing.T) {
	ctx := context.Background()
	started := make(chan struct{})
	release := make(chan struct{})
	c := newTestCache(t, Options{Producer: func(_ context.Context, key string) (string, error) {
		close(started)
		<-release
		return "produced", nil
	}})

	got := make(chan string, 1)
	go func() {
		v, _ := c.Get(ctx, "k")
		got <- v
	}()
	<-started

	if err := c.Set(ctx, "k", "direct"); err != nil {
		t.Fatalf("set: %v", err)
	}
	select {
	case v := <-got:
		if v != "direct" {
			t.Fatalf("waiter got %q, want direct", v)
		}
	case <-time.After(time.Second):
		t.Fatal("set did not satisfy the waiter")
	}

	close(release)
	c.wg.Wait()
	v, found, err := c.GetExist(ctx, "k")
	if err != nil || !found || v != "direct" {
		t.Fatalf("stale fetch overwrote the direct write: %q %v %v", v, found, err)
	}
}

func TestExistOnlyNeverProduces(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int32
	c := newTestCache(t, Options{Producer: func(context.Context, string) (string, error) {
		calls.Inc()
		return "p", nil
	}})

	if _, found, err := c.GetExist(ctx, "k"); err != nil || found {
		t.Fatalf("expected absent, got found=%v err=%v", found, err)
	}
	_ = c.Set(ctx, "a", "1")
	got, err := c.GetManyExist(ctx, []string{"a", "b"})
	if err != nil {
		t.Fatalf("get many exist: %v", err)
	}
	if !reflect.DeepEqual(got, map[string]string{"a": "1"}) {
		t.Fatalf("unexpected %v", got)
	}
	if calls.Load() != 0 {
		t.Fatalf("exist-only lookups called the producer %d times", calls.Load())
	}
}

func TestExistOnlyFlightUpgradedByGet(t *testing.T) {
	f := newFlights()
	exist := newOneWaiter()
	get := newOneWaiter()

	fl, leader := f.join("k", exist, false)
	if !leader {
		t.Fatalf("first joiner must lead")
	}
	if _, leader := f.join("k", get, true); leader {
		t.Fatalf("second joiner must follow")
	}
	ws, produce := f.takeUnlessProduce("k", fl)
	if !produce || ws != nil {
		t.Fatalf("a joined Get must keep the flight producing")
	}
	if got := f.take("k", fl); len(got) != 2 {
		t.Fatalf("expected both waiters, got %d", len(got))
	}
}

func TestCallerCancelLeavesFetchRunning(t *testing.T) {
	release := make(chan struct{})
	c := newTestCache(t, Options{Producer: func(context.Context, string) (string, error) {
		<-release
		return "v", nil
	}})

	cctx, cancel := context.WithCancel(context.Background())
	cancelled := make(chan error, 1)
	go func() {
		_, err := c.Get(cctx, "k")
		cancelled <- err
	}()
	other := make(chan string, 1)
	go func() {
		v, _ := c.Get(context.Background(), "k")
		other <- v
	}()
	testutil.Eventually(t, time.Second, 5*time.Millisecond, func() error {
		if c.Pending() != 1 {
			return fmt.Errorf("pending=%d", c.Pending())
		}
		return nil
	})
	cancel()
	if err := <-cancelled; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	close(release)
	select {
	case v := <-other:
		if v != "v" {
			t.Fatalf("other caller got %q", v)
		}
	case <-time.After(time.Second):
		t.Fatal("other caller never resolved")
	}
}

func TestProducerPanicIsAnError(t *testing.T) {
	c := newTestCache(t, Options{Producer: func(context.Context, string) (string, error) {
		panic("kaboom")
	}})
	if _, err := c.Get(context.Background(), "k"); !errors.Is(err, ErrProducerPanic) {
		t.Fatalf("expected ErrProducerPanic, got %v", err)
	}
}

func TestDelAndClose(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int32
	c, err := New(Options{TTL: time.Minute, GCDisabled: true, Producer: func(context.Context, string) (string, error) {
		return fmt.Sprintf("v%d", calls.Inc()), nil
	}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if v, _ := c.Get(ctx, "k"); v != "v1" {
		t.Fatalf("got %q", v)
	}
	if v, _ := c.Get(ctx, "k"); v != "v1" {
		t.Fatalf("expected cached v1, got %q", v)
	}
	if err := c.Del(ctx, "k"); err != nil {
		t.Fatalf("del: %v", err)
	}
	if v, _ := c.Get(ctx, "k"); v != "v2" {
		t.Fatalf("expected reproduced v2, got %q", v)
	}
	if err := c.GC(ctx); err != nil {
		t.Fatalf("gc: %v", err)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, err := c.Get(ctx, "k"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestCloseFailsPendingLookups(t *testing.T) {
	c, err := New(Options{TTL: time.Minute, GCDisabled: true, Producer: func(ctx context.Context, _ string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	errc := make(chan error, 1)
	go func() {
		_, err := c.Get(context.Background(), "k")
		errc <- err
	}()
	testutil.Eventually(t, time.Second, 5*time.Millisecond, func() error {
		if c.Pending() != 1 {
			return fmt.Errorf("pending=%d", c.Pending())
		}
		return nil
	})
	_ = c.Close()
	select {
	case err := <-errc:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("pending lookup not failed by Close")
	}
}

func TestSharedServerCaches(t *testing.T) {
	ctx := context.Background()
	dir := testutil.ShortTempDir(t)
	sock := &socket.Options{
		SocketPath:  filepath.Join(dir, "c.sock"),
		PIDFilePath: filepath.Join(dir, "c.pid"),
		AutoStart:   true,
		Inline:      true,
	}
	rt := socket.NewRuntime()
	defer rt.Close()

	producer := func(name string) Producer {
		return func(_ context.Context, key string) (string, error) { return name + ":" + key, nil }
	}
	a := newTestCache(t, Options{TTL: time.Minute, Socket: sock, Runtime: rt, Producer: producer("a")})
	b := newTestCache(t, Options{TTL: time.Minute, Socket: sock, Runtime: rt, Producer: producer("b")})
	other := newTestCache(t, Options{TTL: 2 * time.Minute, Socket: sock, Runtime: rt, Producer: producer("other")})

	if v, err := a.Get(ctx, "k"); err != nil || v != "a:k" {
		t.Fatalf("a got %q, %v", v, err)
	}
	// Same params select the same storage on the server.
	if v, err := b.Get(ctx, "k"); err != nil || v != "a:k" {
		t.Fatalf("b must see a's value, got %q, %v", v, err)
	}
	if v, err := other.Get(ctx, "k"); err != nil || v != "other:k" {
		t.Fatalf("other ttl must be its own storage, got %q, %v", v, err)
	}

	got, err := b.GetMany(ctx, []string{"k", "m"})
	if err != nil {
		t.Fatalf("get many: %v", err)
	}
	if got["k"] != "a:k" || got["m"] != "b:m" {
		t.Fatalf("unexpected %v", got)
	}
	if err := a.Del(ctx, "m"); err != nil {
		t.Fatalf("del: %v", err)
	}
	if _, found, _ := b.GetExist(ctx, "m"); found {
		t.Fatalf("delete through a must be visible to b")
	}
}

func TestOnlyServerMode(t *testing.T) {
	dir := testutil.ShortTempDir(t)
	sock := &socket.Options{
		SocketPath:  filepath.Join(dir, "o.sock"),
		PIDFilePath: filepath.Join(dir, "o.pid"),
		OnlyServer:  true,
	}
	// A server-only cache needs neither a ttl nor a producer.
	c, err := New(Options{Socket: sock})
	if err != nil {
		t.Fatalf("only-server cache: %v", err)
	}
	defer c.Close()
	if _, err := c.Get(context.Background(), "k"); !errors.Is(err, ErrServerOnly) {
		t.Fatalf("expected ErrServerOnly, got %v", err)
	}

	client := newTestCache(t, Options{
		TTL:      time.Minute,
		Socket:   &socket.Options{SocketPath: sock.SocketPath, PIDFilePath: sock.PIDFilePath},
		Producer: func(_ context.Context, key string) (string, error) { return "remote-" + key, nil },
	})
	if v, err := client.Get(context.Background(), "k"); err != nil || v != "remote-k" {
		t.Fatalf("client of only-server got %q, %v", v, err)
	}
}
