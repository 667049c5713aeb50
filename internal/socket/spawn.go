package socket

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/leonardcser/mcache/internal/logger"
	"github.com/leonardcser/mcache/internal/obs"
)

const readyTimeout = 10 * time.Second

// Spawner brings up a server for opts. A server that is already running counts
// as success.
type Spawner interface {
	Spawn(ctx context.Context, opts Options) error
}

// Readiness is the single line a child server prints on stdout once it is
// listening or has failed to.
type Readiness struct {
	Ready bool   `json:"ready,omitempty"`
	Error string `json:"error,omitempty"`
}

// WriteReadiness reports the outcome of a server start to the parent process.
func WriteReadiness(w io.Writer, startErr error) error {
	msg := Readiness{Ready: startErr == nil}
	if startErr != nil {
		msg.Error = startErr.Error()
	}
	return json.NewEncoder(w).Encode(msg)
}

type inlineSpawner struct{ rt *Runtime }

func (s inlineSpawner) Spawn(_ context.Context, opts Options) error {
	_, err := s.rt.Serve(opts)
	if errors.Is(err, ErrServerRunning) {
		err = nil
	}
	obs.DefaultMetrics().RecordSpawn("inline", err == nil)
	return err
}

// processSpawner starts the mcache-server executable as a child. The child
// keeps our end of its stdin and exits when that closes.
type processSpawner struct{ rt *Runtime }

func (s processSpawner) Spawn(ctx context.Context, opts Options) error {
	err := s.spawn(ctx, opts)
	obs.DefaultMetrics().RecordSpawn("process", err == nil)
	return err
}

func (s processSpawner) spawn(ctx context.Context, opts Options) error {
	bin, err := findServerBinary(opts.ServerBinary)
	if err != nil {
		return err
	}
	cmd := exec.Command(bin, "-socket", opts.SocketPath, "-pid", opts.PIDFilePath, "-notify")
	cmd.Env = os.Environ()
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", bin, err)
	}
	logger.Infof("started cache server %s (pid %d)", bin, cmd.Process.Pid)

	ch := &child{cmd: cmd, stdin: stdin, done: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		close(ch.done)
	}()

	lines := make(chan Readiness, 1)
	go func() {
		var msg Readiness
		line, rerr := bufio.NewReader(stdout).ReadBytes('\n')
		if jerr := json.Unmarshal(line, &msg); jerr != nil {
			msg.Error = fmt.Sprintf("no readiness message: %v", errors.Join(rerr, jerr))
		}
		lines <- msg
	}()

	timer := time.NewTimer(readyTimeout)
	defer timer.Stop()
	var msg Readiness
	select {
	case msg = <-lines:
	case <-timer.C:
		msg.Error = "timed out waiting for server readiness"
	case <-ctx.Done():
		ch.stop()
		return ctx.Err()
	}

	switch {
	case msg.Ready:
		s.rt.adopt(ch)
		return nil
	case msg.Error == ErrServerRunning.Error():
		logger.Infof("cache server already running on %s", opts.SocketPath)
		ch.stop()
		return nil
	default:
		ch.stop()
		return fmt.Errorf("cache server: %s", msg.Error)
	}
}

// findServerBinary looks next to our executable, then in PATH, then in the
// working directory.
func findServerBinary(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if exePath, err := os.Executable(); err == nil {
		sibling := filepath.Join(filepath.Dir(exePath), DefaultServerName)
		if _, statErr := os.Stat(sibling); statErr == nil {
			return sibling, nil
		}
	}
	if path, err := exec.LookPath(DefaultServerName); err == nil {
		return path, nil
	}
	local := "./" + DefaultServerName
	if _, err := os.Stat(local); err == nil {
		return local, nil
	}
	return "", fmt.Errorf("%s: %w", DefaultServerName, exec.ErrNotFound)
}

type child struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	done  chan struct{}
}

// stop closes the child's stdin and waits a little for it to clean up before
// killing it.
func (c *child) stop() {
	_ = c.stdin.Close()
	select {
	case <-c.done:
		return
	case <-time.After(2 * time.Second):
	}
	_ = c.cmd.Process.Kill()
	<-c.done
}

// RunChild is the body of a server process. It starts a server for opts and,
// when notify is set, writes the readiness line there. It then serves until
// ctx is done, the server stops, or parent (the stdin a spawning parent holds
// open) reaches EOF. The start error is returned as is.
func RunChild(ctx context.Context, opts ServerOptions, notify io.Writer, parent io.Reader) error {
	srv := NewServer(opts)
	err := srv.Start()
	if notify != nil {
		if werr := WriteReadiness(notify, err); werr != nil {
			logger.Warnf("write readiness: %v", werr)
		}
	}
	if err != nil {
		return err
	}
	defer srv.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if parent != nil {
		go func() {
			_, _ = io.Copy(io.Discard, parent)
			logger.Infof("parent went away, stopping cache server on %s", opts.SocketPath)
			cancel()
		}()
	}
	select {
	case <-ctx.Done():
	case <-srv.Done():
		logger.Warnf("cache server on %s stopped", opts.SocketPath)
	}
	return nil
}
