// Package config reads cache construction parameters from JSON and the
// environment.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/leonardcser/mcache/internal/cache"
	"github.com/leonardcser/mcache/internal/socket"
)

type Config struct {
	// TTL is a number of seconds or a "<n>ms" string.
	TTL  Duration `json:"ttl"`
	Type string   `json:"type,omitempty"`
	// GCTime is the sweep interval in seconds; 0 disables, unset means 60.
	GCTime  *float64 `json:"gc_time,omitempty"`
	GCStart *GCStart `json:"gc_start,omitempty"`
	GCCount int      `json:"gc_count,omitempty"`
	// ProducerTimeout is in milliseconds.
	ProducerTimeout int64         `json:"producer_timeout,omitempty"`
	Path            string        `json:"path,omitempty"`
	SocketServer    *SocketServer `json:"socket_server,omitempty"`
}

type SocketServer struct {
	SocketPath  string `json:"socket_path,omitempty"`
	PIDFilePath string `json:"pid_file_path,omitempty"`
	// CreateServer starts a server when none answers; default true.
	CreateServer *bool `json:"create_server,omitempty"`
	// CreateServerOnConnect starts that server as a child process rather
	// than in this process; default true.
	CreateServerOnConnect *bool  `json:"create_server_on_connect,omitempty"`
	OnlyServer            bool   `json:"only_server,omitempty"`
	ServerBinary          string `json:"server_binary,omitempty"`
	Inline                bool   `json:"inline,omitempty"`
	StorageHash           string `json:"storage_hash,omitempty"`
}

// Duration is a TTL: a JSON number of seconds, or a string holding "<n>ms",
// a number of seconds or a Go duration.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		v, err := ParseTTL(s)
		if err != nil {
			return err
		}
		*d = Duration(v)
		return nil
	}
	var secs float64
	if err := json.Unmarshal(data, &secs); err != nil {
		return fmt.Errorf("ttl: %w", err)
	}
	*d = Duration(seconds(secs))
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(fmt.Sprintf("%dms", time.Duration(d).Milliseconds()))
}

// ParseTTL reads "<n>ms" as milliseconds, a bare number as seconds, and
// anything else as a Go duration.
func ParseTTL(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if ms, ok := strings.CutSuffix(s, "ms"); ok {
		if n, err := strconv.ParseInt(strings.TrimSpace(ms), 10, 64); err == nil {
			return time.Duration(n) * time.Millisecond, nil
		}
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return seconds(secs), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("ttl %q: want seconds, \"<n>ms\" or a duration", s)
	}
	return d, nil
}

func seconds(s float64) time.Duration {
	return time.Duration(math.Round(s * float64(time.Second)))
}

// GCStart is when the first sweep runs: a delay in seconds or an absolute
// RFC3339 time.
type GCStart struct {
	Delay time.Duration
	At    time.Time
}

func (g *GCStart) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		v, err := ParseGCStart(s)
		if err != nil {
			return err
		}
		*g = v
		return nil
	}
	var secs float64
	if err := json.Unmarshal(data, &secs); err != nil {
		return fmt.Errorf("gc_start: %w", err)
	}
	*g = GCStart{Delay: seconds(math.Abs(secs))}
	return nil
}

func (g GCStart) MarshalJSON() ([]byte, error) {
	if !g.At.IsZero() {
		return json.Marshal(g.At.Format(time.RFC3339Nano))
	}
	return json.Marshal(g.Delay.Seconds())
}

func ParseGCStart(s string) (GCStart, error) {
	s = strings.TrimSpace(s)
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return GCStart{Delay: seconds(math.Abs(secs))}, nil
	}
	at, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return GCStart{}, fmt.Errorf("gc_start %q: want seconds or an RFC3339 time", s)
	}
	return GCStart{At: at}, nil
}

func ParseJSON(data []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load reads a JSON config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := ParseJSON(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports configuration errors that New would otherwise hit later.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	only := cfg.SocketServer != nil && cfg.SocketServer.OnlyServer
	if !only && time.Duration(cfg.TTL) < time.Millisecond {
		return fmt.Errorf("ttl must be > 0: %w", cache.ErrInvalidTTL)
	}
	if cfg.GCTime != nil && *cfg.GCTime < 0 {
		return errors.New("gc_time must be >= 0")
	}
	if cfg.GCCount < 0 {
		return errors.New("gc_count must be >= 0")
	}
	if cfg.ProducerTimeout < 0 {
		return errors.New("producer_timeout must be >= 0")
	}
	return nil
}

// BuildOptions resolves cfg to cache options. Producers are left for the
// caller to set.
func BuildOptions(cfg *Config) (cache.Options, error) {
	if err := Validate(cfg); err != nil {
		return cache.Options{}, err
	}
	opts := cache.Options{
		TTL:             time.Duration(cfg.TTL),
		Type:            cfg.Type,
		GCBatch:         cfg.GCCount,
		ProducerTimeout: time.Duration(cfg.ProducerTimeout) * time.Millisecond,
		Path:            cfg.Path,
	}
	if cfg.GCTime != nil {
		if *cfg.GCTime == 0 {
			opts.GCDisabled = true
		} else {
			opts.GCInterval = seconds(*cfg.GCTime)
		}
	}
	if cfg.GCStart != nil {
		switch {
		case !cfg.GCStart.At.IsZero():
			opts.GCStartAt = cfg.GCStart.At
		case cfg.GCStart.Delay > 0:
			opts.GCStart = cfg.GCStart.Delay
		default:
			// An explicit zero start waits one full interval.
			opts.GCStart = cache.ApplyDefaults(opts).GCInterval
		}
	}
	if s := cfg.SocketServer; s != nil {
		opts.Socket = &socket.Options{
			SocketPath:   s.SocketPath,
			PIDFilePath:  s.PIDFilePath,
			AutoStart:    boolOr(s.CreateServer, true),
			Inline:       s.Inline || !boolOr(s.CreateServerOnConnect, true),
			ServerBinary: s.ServerBinary,
			StorageHash:  s.StorageHash,
			OnlyServer:   s.OnlyServer,
		}
	}
	return opts, nil
}

func boolOr(b *bool, d bool) bool {
	if b == nil {
		return d
	}
	return *b
}
