package socket

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/leonardcser/mcache/internal/storage"
	"github.com/leonardcser/mcache/internal/testutil"
	"github.com/leonardcser/mcache/internal/wire"
)

func testOptions(t *testing.T) Options {
	dir := testutil.ShortTempDir(t)
	return Options{
		SocketPath:  filepath.Join(dir, "s.sock"),
		PIDFilePath: filepath.Join(dir, "s.pid"),
		AutoStart:   true,
		Inline:      true,
	}
}

func memoryParams(ttl time.Duration) storage.Params {
	return storage.Params{Type: "memory", TTLMillis: ttl.Milliseconds()}
}

func TestServerSingleInstance(t *testing.T) {
	opts := testOptions(t)
	first := NewServer(ServerOptions{SocketPath: opts.SocketPath, PIDFilePath: opts.PIDFilePath, Handler: NewCommands(nil)})
	if err := first.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	second := NewServer(ServerOptions{SocketPath: opts.SocketPath, PIDFilePath: opts.PIDFilePath, Handler: NewCommands(nil)})
	if err := second.Start(); !errors.Is(err, ErrServerRunning) {
		t.Fatalf("expected ErrServerRunning, got %v", err)
	}
	if _, err := os.Stat(opts.SocketPath); err != nil {
		t.Fatalf("losing server must not touch the socket: %v", err)
	}

	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	for _, p := range []string{opts.SocketPath, opts.PIDFilePath} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Fatalf("%s not removed: %v", p, err)
		}
	}

	third := NewServer(ServerOptions{SocketPath: opts.SocketPath, PIDFilePath: opts.PIDFilePath, Handler: NewCommands(nil)})
	if err := third.Start(); err != nil {
		t.Fatalf("restart: %v", err)
	}
	_ = third.Close()
	_ = third.Close()
}

func TestProxyRoundTrip(t *testing.T) {
	ctx := context.Background()
	rt := NewRuntime()
	defer rt.Close()

	client, err := rt.Client(ctx, testOptions(t))
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	px, err := NewProxy(ctx, client, memoryParams(time.Minute), "")
	if err != nil {
		t.Fatalf("proxy: %v", err)
	}

	if err := px.Set(ctx, map[string]string{"a": "значение", "b": "", "c": "3"}); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := px.Get(ctx, []string{"a", "b", "missing"})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got["a"].Available || got["a"].Value != "значение" {
		t.Fatalf("unexpected a: %+v", got["a"])
	}
	if !got["b"].Available || got["b"].Value != "" {
		t.Fatalf("unexpected b: %+v", got["b"])
	}
	if got["missing"].Available {
		t.Fatalf("missing key reported available")
	}

	if err := px.Del(ctx, []string{"a"}); err != nil {
		t.Fatalf("del: %v", err)
	}
	if err := px.GC(ctx); err != nil {
		t.Fatalf("gc: %v", err)
	}
	got, _ = px.Get(ctx, []string{"a", "c"})
	if got["a"].Available || !got["c"].Available {
		t.Fatalf("unexpected after del: %+v", got)
	}
}

func TestProxyRefusesInvalidUTF8(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rt := NewRuntime()
	defer rt.Close()

	client, err := rt.Client(ctx, testOptions(t))
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	px, err := NewProxy(ctx, client, memoryParams(time.Minute), "")
	if err != nil {
		t.Fatalf("proxy: %v", err)
	}

	for _, vals := range []map[string]string{
		{"a": "a\xffb"},
		{"t": "abc\xf0"},
		{"k\xc3": "v"},
	} {
		if err := px.Set(ctx, vals); !errors.Is(err, wire.ErrInvalidText) {
			t.Fatalf("set %q: expected ErrInvalidText, got %v", vals, err)
		}
	}
	got, err := px.Get(ctx, []string{"a", "t"})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got["a"].Available || got["t"].Available {
		t.Fatalf("refused values must not be stored: %+v", got)
	}

	// The connection is still usable after a refusal.
	if err := px.Set(ctx, map[string]string{"ok": "fine"}); err != nil {
		t.Fatalf("set after refusal: %v", err)
	}
	got, _ = px.Get(ctx, []string{"ok"})
	if got["ok"].Value != "fine" {
		t.Fatalf("unexpected %+v", got)
	}
}

func TestMultiplexedStorages(t *testing.T) {
	ctx := context.Background()
	rt := NewRuntime()
	defer rt.Close()

	opts := testOptions(t)
	client, err := rt.Client(ctx, opts)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	again, err := rt.Client(ctx, opts)
	if err != nil || again != client {
		t.Fatalf("runtime must share one client per server, got %p vs %p (%v)", again, client, err)
	}

	one, err := NewProxy(ctx, client, memoryParams(time.Minute), "one")
	if err != nil {
		t.Fatalf("proxy one: %v", err)
	}
	two, err := NewProxy(ctx, client, memoryParams(time.Minute), "two")
	if err != nil {
		t.Fatalf("proxy two: %v", err)
	}
	oneAgain, err := NewProxy(ctx, client, memoryParams(time.Minute), "one")
	if err != nil {
		t.Fatalf("proxy one again: %v", err)
	}
	if one.StorageID() == two.StorageID() {
		t.Fatalf("distinct hashes share storage id %d", one.StorageID())
	}
	if one.StorageID() != oneAgain.StorageID() {
		t.Fatalf("same hash got ids %d and %d", one.StorageID(), oneAgain.StorageID())
	}

	_ = one.Set(ctx, map[string]string{"k": "from one"})
	_ = two.Set(ctx, map[string]string{"k": "from two"})
	a, _ := oneAgain.Get(ctx, []string{"k"})
	b, _ := two.Get(ctx, []string{"k"})
	if a["k"].Value != "from one" || b["k"].Value != "from two" {
		t.Fatalf("key spaces intersect: %+v %+v", a, b)
	}
}

func TestErrorReplies(t *testing.T) {
	ctx := context.Background()
	rt := NewRuntime()
	defer rt.Close()

	client, err := rt.Client(ctx, testOptions(t))
	if err != nil {
		t.Fatalf("client: %v", err)
	}

	_, err = client.Do(ctx, wire.Record{StorageID: 0, Command: wire.CmdGet, Keys: []string{"k"}})
	if !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
	var remote *RemoteError
	if !errors.As(err, &remote) || remote.Message != "storage not initialized" {
		t.Fatalf("expected remote error text, got %v", err)
	}

	_, err = client.Do(ctx, wire.Record{Command: 'x'})
	if !errors.Is(err, ErrUnknownCommand) {
		t.Fatalf("expected ErrUnknownCommand, got %v", err)
	}

	_, err = client.Do(ctx, wire.Record{Command: wire.CmdSelect, Keys: []string{"h"}, Vals: []string{`{"type":"nope","ttl_ms":10}`}})
	if !errors.As(err, &remote) {
		t.Fatalf("expected remote error for unknown storage type, got %v", err)
	}
}

func TestConcurrentRequestsAreCorrelated(t *testing.T) {
	ctx := context.Background()
	rt := NewRuntime()
	defer rt.Close()

	client, err := rt.Client(ctx, testOptions(t))
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	px, err := NewProxy(ctx, client, memoryParams(time.Minute), "")
	if err != nil {
		t.Fatalf("proxy: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("key-%d", i)
			val := fmt.Sprintf("val-%d", i)
			if err := px.Set(ctx, map[string]string{key: val}); err != nil {
				errs <- err
				return
			}
			got, err := px.Get(ctx, []string{key})
			if err != nil {
				errs <- err
				return
			}
			if got[key].Value != val {
				errs <- fmt.Errorf("%s: got %q", key, got[key].Value)
			}
		}(i)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for requests")
	}
	close(errs)
	for err := range errs {
		t.Fatalf("request failed: %v", err)
	}
}

func TestProxySurvivesServerRestart(t *testing.T) {
	ctx := context.Background()
	rt := NewRuntime()
	defer rt.Close()

	opts := testOptions(t)
	client, err := rt.Client(ctx, opts)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	px, err := NewProxy(ctx, client, memoryParams(time.Minute), "")
	if err != nil {
		t.Fatalf("proxy: %v", err)
	}
	if err := px.Set(ctx, map[string]string{"k": "v"}); err != nil {
		t.Fatalf("set: %v", err)
	}

	srv, err := rt.Serve(opts)
	if err != nil {
		t.Fatalf("serve: %v", err)
	}
	if err := srv.Close(); err != nil {
		t.Fatalf("close server: %v", err)
	}

	// The broken connection is replaced, a new inline server is spawned and
	// the storage is selected again on it.
	got, err := px.Get(ctx, []string{"k"})
	if err != nil {
		t.Fatalf("get after restart: %v", err)
	}
	if got["k"].Available {
		t.Fatalf("a restarted server must start empty")
	}
	if err := px.Set(ctx, map[string]string{"k": "v2"}); err != nil {
		t.Fatalf("set after restart: %v", err)
	}
}

func TestDialWithoutAutoStart(t *testing.T) {
	opts := testOptions(t)
	opts.AutoStart = false
	_, err := Dial(context.Background(), opts, nil)
	if err == nil || !noServer(err) {
		t.Fatalf("expected a no-server dial error, got %v", err)
	}
}

func TestClosedClient(t *testing.T) {
	ctx := context.Background()
	rt := NewRuntime()
	client, err := rt.Client(ctx, testOptions(t))
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	if err := rt.Close(); err != nil {
		t.Fatalf("runtime close: %v", err)
	}
	_ = rt.Close()
	if _, err := client.Do(ctx, wire.Record{Command: wire.CmdGC}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := rt.Client(ctx, testOptions(t)); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed from closed runtime, got %v", err)
	}
}
