package socket

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"

	"golang.org/x/sys/unix"
)

// Lock is the single-instance guard of a server: an exclusive advisory lock
// held on the PID file for the lifetime of the server.
type Lock struct {
	path string
	f    *os.File
	once sync.Once
}

// AcquireLock takes the lock on path without blocking and records the current
// PID in it. It returns ErrServerRunning when another live holder exists.
//
// When the filesystem does not support flock, it falls back to checking the
// PID already recorded and then writing and reading back our own.
func AcquireLock(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open pid file: %w", err)
	}
	err = unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	switch {
	case err == nil:
	case errors.Is(err, unix.EWOULDBLOCK):
		_ = f.Close()
		return nil, ErrServerRunning
	case errors.Is(err, unix.ENOSYS), errors.Is(err, unix.EOPNOTSUPP), errors.Is(err, unix.ENOLCK):
		if err := checkRecordedPID(f); err != nil {
			_ = f.Close()
			return nil, err
		}
	default:
		_ = f.Close()
		return nil, fmt.Errorf("lock pid file: %w", err)
	}

	if err := writePID(f); err != nil {
		_ = f.Close()
		return nil, err
	}
	if pid, err := readPID(f); err != nil || pid != os.Getpid() {
		_ = f.Close()
		return nil, ErrServerRunning
	}
	return &Lock{path: path, f: f}, nil
}

// Release unlocks and removes the PID file. Safe to call more than once.
func (l *Lock) Release() error {
	var err error
	l.once.Do(func() {
		if rmErr := os.Remove(l.path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			err = rmErr
		}
		_ = unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
		if cErr := l.f.Close(); cErr != nil && err == nil {
			err = cErr
		}
	})
	return err
}

func checkRecordedPID(f *os.File) error {
	pid, err := readPID(f)
	if err != nil || pid == os.Getpid() || pid <= 0 {
		return nil
	}
	if unix.Kill(pid, 0) == nil {
		return ErrServerRunning
	}
	return nil
}

func writePID(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())), 0); err != nil {
		return err
	}
	return f.Sync()
}

func readPID(f *os.File) (int, error) {
	buf := make([]byte, 32)
	n, err := f.ReadAt(buf, 0)
	if n == 0 && err != nil {
		return 0, err
	}
	return strconv.Atoi(string(bytes.TrimSpace(buf[:n])))
}
