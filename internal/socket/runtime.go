package socket

import (
	"context"
	"errors"
	"sync"

	"github.com/leonardcser/mcache/internal/logger"
)

// Runtime owns the process-wide socket state: servers hosted in this process,
// child servers it spawned and the clients it shares between caches.
type Runtime struct {
	mu       sync.Mutex
	clients  map[string]*clientEntry
	servers  map[string]*Server
	children []*child
	closed   bool
}

type clientEntry struct {
	ready  chan struct{}
	client *Client
	err    error
}

func NewRuntime() *Runtime {
	return &Runtime{
		clients: make(map[string]*clientEntry),
		servers: make(map[string]*Server),
	}
}

// Spawner returns how servers for opts are brought up.
func (r *Runtime) Spawner(opts Options) Spawner {
	if opts.Inline {
		return inlineSpawner{rt: r}
	}
	return processSpawner{rt: r}
}

// Client returns the shared client for the server opts points at, dialing it
// on first use. Concurrent first calls share one dial.
func (r *Runtime) Client(ctx context.Context, opts Options) (*Client, error) {
	opts = opts.withDefaults()
	key := opts.key()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	if e, ok := r.clients[key]; ok {
		r.mu.Unlock()
		select {
		case <-e.ready:
			return e.client, e.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	e := &clientEntry{ready: make(chan struct{})}
	r.clients[key] = e
	r.mu.Unlock()

	e.client, e.err = Dial(ctx, opts, r.Spawner(opts))

	r.mu.Lock()
	if e.err != nil {
		delete(r.clients, key)
	} else if r.closed {
		_ = e.client.Close()
		e.client, e.err = nil, ErrClosed
	}
	r.mu.Unlock()
	close(e.ready)
	return e.client, e.err
}

// Serve hosts a server for opts in this process. A server this runtime
// already hosts for the same paths is returned as is.
func (r *Runtime) Serve(opts Options) (*Server, error) {
	opts = opts.withDefaults()
	key := opts.key()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if s, ok := r.servers[key]; ok {
		select {
		case <-s.Done():
		default:
			return s, nil
		}
	}
	s := NewServer(ServerOptions{
		SocketPath:  opts.SocketPath,
		PIDFilePath: opts.PIDFilePath,
		Handler:     NewCommands(nil),
	})
	if err := s.Start(); err != nil {
		return nil, err
	}
	r.servers[key] = s
	return s, nil
}

func (r *Runtime) adopt(c *child) {
	r.mu.Lock()
	closed := r.closed
	if !closed {
		r.children = append(r.children, c)
	}
	r.mu.Unlock()
	if closed {
		c.stop()
	}
}

// Close shuts down clients, then hosted servers, then child servers. Safe to
// call more than once and from a signal handler.
func (r *Runtime) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	clients := r.clients
	servers := r.servers
	children := r.children
	r.clients = make(map[string]*clientEntry)
	r.servers = make(map[string]*Server)
	r.children = nil
	r.mu.Unlock()

	var errs []error
	for _, e := range clients {
		<-e.ready
		if e.client != nil {
			errs = append(errs, e.client.Close())
		}
	}
	for _, s := range servers {
		errs = append(errs, s.Close())
	}
	for _, c := range children {
		c.stop()
	}
	err := errors.Join(errs...)
	if err != nil {
		logger.Warnf("socket runtime close: %v", err)
	}
	return err
}
