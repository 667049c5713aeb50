package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/leonardcser/mcache/internal/logger"
	"github.com/leonardcser/mcache/internal/obs"
	"github.com/leonardcser/mcache/internal/socket"
)

func main() {
	os.Exit(run())
}

func run() int {
	sockFlag := flag.String("socket", "", "unix socket path (default $MCACHE_SOCK or ~/.cache/mcache/"+socket.DefaultSocketPath+")")
	pidFlag := flag.String("pid", "", "pid file path (default $MCACHE_PID or ~/.cache/mcache/"+socket.DefaultPIDFilePath+")")
	notify := flag.Bool("notify", false, "print a readiness line on stdout and exit when stdin closes")
	metricsAddr := flag.String("metrics", os.Getenv("MCACHE_METRICS_ADDR"), "serve prometheus metrics on this address")
	flag.Parse()

	if err := logger.InitFromEnv(); err != nil {
		panic(err)
	}
	defer logger.Close()

	sock := firstNonEmpty(*sockFlag, os.Getenv("MCACHE_SOCK"), filepath.Join(defaultDir(), socket.DefaultSocketPath))
	pid := firstNonEmpty(*pidFlag, os.Getenv("MCACHE_PID"), filepath.Join(defaultDir(), socket.DefaultPIDFilePath))

	metrics := obs.NewMetrics()
	obs.SetDefaultMetrics(metrics)

	if *metricsAddr != "" {
		ms := &http.Server{Addr: *metricsAddr, Handler: metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := ms.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Errorf("metrics server: %v", err)
			}
		}()
		defer ms.Close()
		logger.Infof("metrics on %s", *metricsAddr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		notifyTo io.Writer
		parent   io.Reader
	)
	if *notify {
		notifyTo, parent = os.Stdout, os.Stdin
	}
	err := socket.RunChild(ctx, socket.ServerOptions{
		SocketPath:  sock,
		PIDFilePath: pid,
		Handler:     socket.NewCommands(nil),
	}, notifyTo, parent)
	switch {
	case errors.Is(err, socket.ErrServerRunning):
		logger.Infof("cache server already running on %s", sock)
		return 1
	case err != nil:
		logger.Errorf("start cache server: %v", err)
		return 1
	}
	logger.Infof("cache server shutting down")
	return 0
}

func defaultDir() string {
	home, _ := os.UserHomeDir()
	if home == "" {
		home = "."
	}
	return filepath.Join(home, ".cache", "mcache")
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
