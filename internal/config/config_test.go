package config

import (
	"errors"
	"testing"
	"time"

	"github.com/leonardcser/mcache/internal/cache"
)

func TestParseTTL(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"500ms", 500 * time.Millisecond},
		{"2", 2 * time.Second},
		{"1.5", 1500 * time.Millisecond},
		{"3m", 3 * time.Minute},
	}
	for _, tc := range cases {
		got, err := ParseTTL(tc.in)
		if err != nil || got != tc.want {
			t.Fatalf("ParseTTL(%q) = %v, %v; want %v", tc.in, got, err, tc.want)
		}
	}
	if _, err := ParseTTL("soon"); err == nil {
		t.Fatalf("expected error for bad ttl")
	}
}

func TestBuildOptionsFromJSON(t *testing.T) {
	cfg, err := ParseJSON([]byte(`{
		"ttl": "250ms",
		"gc_time": 5,
		"gc_start": 2,
		"gc_count": 100,
		"producer_timeout": 1500,
		"socket_server": {"socket_path": "/tmp/x.sock", "create_server_on_connect": false}
	}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	opts, err := BuildOptions(cfg)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if opts.TTL != 250*time.Millisecond {
		t.Fatalf("ttl = %v", opts.TTL)
	}
	if opts.GCInterval != 5*time.Second || opts.GCDisabled {
		t.Fatalf("gc interval = %v disabled=%v", opts.GCInterval, opts.GCDisabled)
	}
	if opts.GCStart != 2*time.Second || opts.GCBatch != 100 {
		t.Fatalf("gc start = %v batch = %d", opts.GCStart, opts.GCBatch)
	}
	if opts.ProducerTimeout != 1500*time.Millisecond {
		t.Fatalf("producer timeout = %v", opts.ProducerTimeout)
	}
	if opts.Socket == nil || opts.Socket.SocketPath != "/tmp/x.sock" {
		t.Fatalf("socket = %+v", opts.Socket)
	}
	if !opts.Socket.AutoStart || !opts.Socket.Inline {
		t.Fatalf("expected an auto-started inline server, got %+v", opts.Socket)
	}
}

func TestBuildOptionsDefaultsAndSpecialValues(t *testing.T) {
	cfg, err := ParseJSON([]byte(`{"ttl": 60, "gc_time": 0, "gc_start": "2030-01-02T03:04:05Z"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	opts, err := BuildOptions(cfg)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if opts.TTL != time.Minute || !opts.GCDisabled || opts.Socket != nil {
		t.Fatalf("unexpected options %+v", opts)
	}
	want := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	if !opts.GCStartAt.Equal(want) {
		t.Fatalf("gc start at = %v", opts.GCStartAt)
	}

	cfg, _ = ParseJSON([]byte(`{"ttl": 1, "gc_start": 0}`))
	opts, _ = BuildOptions(cfg)
	if opts.GCStart != cache.DefaultGCInterval {
		t.Fatalf("explicit zero start must wait one interval, got %v", opts.GCStart)
	}
}

func TestValidate(t *testing.T) {
	cfg, _ := ParseJSON([]byte(`{"ttl": 0}`))
	if _, err := BuildOptions(cfg); !errors.Is(err, cache.ErrInvalidTTL) {
		t.Fatalf("expected ErrInvalidTTL, got %v", err)
	}
	cfg, _ = ParseJSON([]byte(`{"socket_server": {"only_server": true}}`))
	if _, err := BuildOptions(cfg); err != nil {
		t.Fatalf("only-server config needs no ttl: %v", err)
	}
	if _, err := ParseJSON([]byte(`{"ttl": true}`)); err == nil {
		t.Fatalf("expected error for boolean ttl")
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("MCT_TTL", "750ms")
	t.Setenv("MCT_GC_TIME", "0")
	t.Setenv("MCT_SOCK", "/tmp/env.sock")
	t.Setenv("MCT_PRODUCER_TIMEOUT", "20")

	cfg := &Config{TTL: Duration(time.Hour), Type: "bolt"}
	if err := ApplyEnv(cfg, "MCT"); err != nil {
		t.Fatalf("apply env: %v", err)
	}
	opts, err := BuildOptions(cfg)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if opts.TTL != 750*time.Millisecond || opts.Type != "bolt" || !opts.GCDisabled {
		t.Fatalf("unexpected options %+v", opts)
	}
	if opts.ProducerTimeout != 20*time.Millisecond {
		t.Fatalf("producer timeout = %v", opts.ProducerTimeout)
	}
	if opts.Socket == nil || opts.Socket.SocketPath != "/tmp/env.sock" || !opts.Socket.AutoStart || opts.Socket.Inline {
		t.Fatalf("unexpected socket %+v", opts.Socket)
	}

	t.Setenv("MCT_GC_COUNT", "many")
	if _, err := FromEnv("MCT"); err == nil {
		t.Fatalf("expected error for bad gc count")
	}
}
