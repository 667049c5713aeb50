package testutil

import (
	"os"
	"testing"
	"time"
)

// Eventually polls fn every interval until it returns nil or timeout passes.
func Eventually(t *testing.T, timeout time.Duration, interval time.Duration, fn func() error) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var lastErr error
	for {
		lastErr = fn()
		if lastErr == nil {
			return
		}
		if time.Now().After(deadline) {
			break
		}
		time.Sleep(interval)
	}
	t.Fatalf("condition not met within %v: %v", timeout, lastErr)
}

// ShortTempDir returns a temp dir with a path short enough for a Unix socket.
// t.TempDir paths embed the test name and overflow sun_path on some systems.
func ShortTempDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "mc")
	if err != nil {
		t.Fatalf("temp dir: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}
