package socket

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/leonardcser/mcache/internal/logger"
	"github.com/leonardcser/mcache/internal/obs"
	"github.com/leonardcser/mcache/internal/wire"
)

const (
	dialTimeout    = 500 * time.Millisecond
	spawnSettle    = 100 * time.Millisecond
	reconnectDelay = 50 * time.Millisecond
)

// Client holds one connection to a cache server and matches replies to
// requests by id. A broken connection is replaced at most once per request.
type Client struct {
	opts    Options
	spawner Spawner

	mu   sync.Mutex
	sess *session

	reconnectMu sync.Mutex
	nextID      atomic.Uint64
	closed      atomic.Bool
}

// Dial connects to the server described by opts. When nobody is listening and
// opts.AutoStart is set, spawner brings a server up and the connect is tried
// once more.
func Dial(ctx context.Context, opts Options, spawner Spawner) (*Client, error) {
	c := &Client{opts: opts.withDefaults(), spawner: spawner}
	sess, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	c.sess = sess
	return c, nil
}

func (c *Client) connect(ctx context.Context) (*session, error) {
	conn, err := c.dial(ctx)
	if err != nil && noServer(err) && c.opts.AutoStart && c.spawner != nil {
		logger.Infof("no cache server on %s, starting one", c.opts.SocketPath)
		if serr := c.spawner.Spawn(ctx, c.opts); serr != nil {
			return nil, serr
		}
		if werr := sleep(ctx, spawnSettle); werr != nil {
			return nil, werr
		}
		conn, err = c.dial(ctx)
	}
	if err != nil {
		return nil, err
	}
	return newSession(conn), nil
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	d := net.Dialer{Timeout: dialTimeout}
	return d.DialContext(ctx, "unix", c.opts.SocketPath)
}

// Do sends rec with a fresh id and waits for its reply. An 'e' reply comes
// back as a *RemoteError. Text that is not valid UTF-8 is refused with
// wire.ErrInvalidText before anything is sent.
func (c *Client) Do(ctx context.Context, rec wire.Record) (wire.Record, error) {
	if c.closed.Load() {
		return wire.Record{}, ErrClosed
	}
	if err := wire.Check(rec); err != nil {
		return wire.Record{}, err
	}
	rec.ID = c.nextID.Inc() % wire.MaxID

	sess := c.current()
	reply, err := sess.do(ctx, rec)
	if err != nil && broken(err) && !c.closed.Load() && ctx.Err() == nil {
		logger.Warnf("cache server connection lost (%v), reconnecting", err)
		if werr := sleep(ctx, reconnectDelay); werr != nil {
			return wire.Record{}, werr
		}
		sess, rerr := c.reconnect(ctx, sess)
		if rerr != nil {
			return wire.Record{}, rerr
		}
		reply, err = sess.do(ctx, rec)
	}
	if err != nil {
		return wire.Record{}, err
	}
	if reply.Command == wire.CmdError {
		msg := ""
		if len(reply.Vals) > 0 {
			msg = reply.Vals[0]
		}
		return wire.Record{}, &RemoteError{Message: msg}
	}
	return reply, nil
}

func (c *Client) current() *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

// reconnect replaces old with a new session unless another request already
// did so.
func (c *Client) reconnect(ctx context.Context, old *session) (*session, error) {
	c.reconnectMu.Lock()
	defer c.reconnectMu.Unlock()

	if cur := c.current(); cur != old {
		return cur, nil
	}
	if c.closed.Load() {
		return nil, ErrClosed
	}
	sess, err := c.connect(ctx)
	obs.DefaultMetrics().RecordReconnect(err == nil)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.sess = sess
	c.mu.Unlock()
	old.close()
	if c.closed.Load() {
		sess.close()
		return nil, ErrClosed
	}
	return sess, nil
}

// Close drops the connection and fails outstanding requests.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if sess := c.current(); sess != nil {
		sess.close()
	}
	return nil
}

type result struct {
	rec wire.Record
	err error
}

// session is one connection and the requests waiting on it.
type session struct {
	conn    net.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[uint64]chan result
	err     error
	done    chan struct{}
}

func newSession(conn net.Conn) *session {
	s := &session{
		conn:    conn,
		pending: make(map[uint64]chan result),
		done:    make(chan struct{}),
	}
	go s.readLoop()
	return s
}

func (s *session) do(ctx context.Context, rec wire.Record) (wire.Record, error) {
	ch := make(chan result, 1)
	s.mu.Lock()
	if s.err != nil {
		err := s.err
		s.mu.Unlock()
		return wire.Record{}, err
	}
	s.pending[rec.ID] = ch
	s.mu.Unlock()

	out := wire.Encode(rec)
	s.writeMu.Lock()
	_, err := io.WriteString(s.conn, out)
	s.writeMu.Unlock()
	if err != nil {
		s.forget(rec.ID)
		return wire.Record{}, err
	}

	select {
	case res := <-ch:
		return res.rec, res.err
	case <-ctx.Done():
		s.forget(rec.ID)
		return wire.Record{}, ctx.Err()
	}
}

func (s *session) forget(id uint64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

func (s *session) readLoop() {
	fr := newFrameReader(s.conn)
	for {
		recs, err := fr.next()
		for _, rec := range recs {
			s.mu.Lock()
			ch, ok := s.pending[rec.ID]
			delete(s.pending, rec.ID)
			s.mu.Unlock()
			if !ok {
				logger.Debugf("reply %d has no waiting request", rec.ID)
				continue
			}
			ch <- result{rec: rec}
		}
		if err != nil {
			s.fail(err)
			return
		}
	}
}

func (s *session) fail(err error) {
	if errors.Is(err, wire.ErrMalformed) {
		_ = s.conn.Close()
	}
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	pending := s.pending
	s.pending = make(map[uint64]chan result)
	s.mu.Unlock()
	for _, ch := range pending {
		ch <- result{err: err}
	}
	close(s.done)
}

func (s *session) close() {
	_ = s.conn.Close()
	<-s.done
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
