package socket

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/atomic"

	"github.com/leonardcser/mcache/internal/logger"
	"github.com/leonardcser/mcache/internal/obs"
	"github.com/leonardcser/mcache/internal/wire"
)

// Handler answers one decoded record with exactly one reply. Handle may be
// called concurrently.
type Handler interface {
	Handle(rec wire.Record) wire.Record
	Close() error
}

type ServerOptions struct {
	SocketPath  string
	PIDFilePath string
	Handler     Handler
}

// Server accepts connections on a Unix socket and dispatches every record to
// its Handler. Replies on a connection are written as they complete, so they
// may not follow request order.
type Server struct {
	opts ServerOptions

	lock   *Lock
	ln     net.Listener
	closed atomic.Bool
	done   chan struct{}

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

func NewServer(opts ServerOptions) *Server {
	return &Server{
		opts:  opts,
		done:  make(chan struct{}),
		conns: make(map[net.Conn]struct{}),
	}
}

// Start takes the PID-file lock, then binds the socket and begins accepting.
// It returns ErrServerRunning without binding when the lock is held.
func (s *Server) Start() error {
	lock, err := AcquireLock(s.opts.PIDFilePath)
	if err != nil {
		return err
	}
	s.lock = lock

	sock := s.opts.SocketPath
	_ = os.MkdirAll(filepath.Dir(sock), 0o755)
	if err := os.Remove(sock); err != nil && !errors.Is(err, os.ErrNotExist) {
		_ = lock.Release()
		return fmt.Errorf("remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", sock)
	if err != nil {
		_ = lock.Release()
		return err
	}
	_ = os.Chmod(sock, 0o600)
	s.ln = ln

	logger.Infof("cache server listening on %s (pid file %s)", sock, s.opts.PIDFilePath)
	go s.acceptLoop()
	return nil
}

// Done is closed once Close has finished.
func (s *Server) Done() <-chan struct{} { return s.done }

func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if s.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Warnf("accept: %v", err)
			continue
		}
		if !s.track(conn) {
			_ = conn.Close()
			return
		}
		go s.handleConn(conn)
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	obs.DefaultMetrics().ConnOpened()
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	obs.DefaultMetrics().ConnClosed()
	s.wg.Done()
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.untrack(conn)
	defer conn.Close()

	var (
		writeMu  sync.Mutex
		handlers sync.WaitGroup
	)
	defer handlers.Wait()

	fr := newFrameReader(conn)
	for {
		recs, err := fr.next()
		for _, rec := range recs {
			handlers.Add(1)
			go func(rec wire.Record) {
				defer handlers.Done()
				reply := s.opts.Handler.Handle(rec)
				reply.ID = rec.ID
				out := wire.Encode(reply)
				writeMu.Lock()
				_, werr := io.WriteString(conn, out)
				writeMu.Unlock()
				if werr != nil && !s.closed.Load() {
					logger.Warnf("write reply %d: %v", rec.ID, werr)
				}
			}(rec)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !s.closed.Load() {
				logger.Warnf("connection read: %v", err)
			}
			return
		}
	}
}

// Close stops accepting, drops every connection, closes the handler and
// removes the socket and PID files. Safe to call more than once.
func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		<-s.done
		return nil
	}
	defer close(s.done)

	var firstErr error
	if s.ln != nil {
		_ = s.ln.Close()
	}
	s.mu.Lock()
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()

	if s.opts.Handler != nil {
		if err := s.opts.Handler.Close(); err != nil {
			firstErr = err
		}
	}
	if s.ln != nil {
		if err := os.Remove(s.opts.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) && firstErr == nil {
			firstErr = err
		}
	}
	if s.lock != nil {
		if err := s.lock.Release(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	logger.Infof("cache server on %s stopped", s.opts.SocketPath)
	return firstErr
}
