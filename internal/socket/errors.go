package socket

import (
	"errors"
	"io"
	"net"
	"syscall"
)

var (
	ErrServerRunning  = errors.New("server already running")
	ErrNotInitialized = errors.New("storage not initialized")
	ErrUnknownCommand = errors.New("unknown command")
	ErrClosed         = errors.New("socket: client closed")
)

// RemoteError is an error reply ('e' record) sent by the server.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string { return "mcache server: " + e.Message }

// Is matches the sentinels whose text the server sends verbatim.
func (e *RemoteError) Is(target error) bool {
	switch target {
	case ErrNotInitialized, ErrUnknownCommand, ErrServerRunning:
		return e.Message == target.Error()
	}
	return false
}

// noServer reports dial errors that mean nobody is listening yet.
func noServer(err error) bool {
	return errors.Is(err, syscall.ENOENT) || errors.Is(err, syscall.ECONNREFUSED)
}

// broken reports errors that mean the connection died under a request and a
// fresh connection may succeed.
func broken(err error) bool {
	return errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed)
}
