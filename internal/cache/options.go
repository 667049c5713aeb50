package cache

import (
	"context"
	"math/rand"
	"time"

	"github.com/leonardcser/mcache/internal/socket"
	"github.com/leonardcser/mcache/internal/storage"
)

const (
	DefaultGCInterval      = 60 * time.Second
	DefaultProducerTimeout = 60 * time.Second
	DefaultType            = "memory"
)

// Producer computes the value of one missing key.
type Producer func(ctx context.Context, key string) (string, error)

// BatchProducer computes the values of several missing keys in one call. The
// result must hold every requested key.
type BatchProducer func(ctx context.Context, keys []string) (map[string]string, error)

// Options is the immutable configuration of a Cache.
type Options struct {
	TTL time.Duration
	// Type names the storage backend: "memory" (default) or "bolt".
	Type string
	// GCInterval is the pause between sweeps, DefaultGCInterval when zero.
	GCInterval time.Duration
	// GCDisabled turns periodic sweeps off; GC still runs on demand.
	GCDisabled bool
	// GCStart delays the first sweep. When zero, GCStartAt is used, and when
	// that is zero too the delay is random in [0, GCInterval).
	GCStart   time.Duration
	GCStartAt time.Time
	GCBatch   int
	// ProducerTimeout bounds one producer call, DefaultProducerTimeout when zero.
	ProducerTimeout time.Duration
	// Path is the database file of the bolt backend.
	Path string

	// Socket moves the storage behind a shared cache server.
	Socket *socket.Options
	// Runtime owns socket clients and servers. A private one is created and
	// closed with the cache when nil.
	Runtime *socket.Runtime

	Producer      Producer
	BatchProducer BatchProducer
}

// ApplyDefaults fills the zero fields of o.
func ApplyDefaults(o Options) Options {
	if o.Type == "" {
		o.Type = DefaultType
	}
	if o.GCInterval <= 0 {
		o.GCInterval = DefaultGCInterval
	}
	if o.ProducerTimeout <= 0 {
		o.ProducerTimeout = DefaultProducerTimeout
	}
	if o.GCBatch <= 0 {
		o.GCBatch = storage.DefaultGCBatch
	}
	return o
}

func (o Options) onlyServer() bool {
	return o.Socket != nil && o.Socket.OnlyServer
}

func (o Options) validate() error {
	if o.onlyServer() {
		return nil
	}
	if o.TTL <= 0 || o.TTL.Milliseconds() == 0 {
		return ErrInvalidTTL
	}
	if o.Producer == nil && o.BatchProducer == nil {
		return ErrNoProducer
	}
	return nil
}

func (o Options) gcStart() time.Duration {
	switch {
	case o.GCStart > 0:
		return o.GCStart
	case !o.GCStartAt.IsZero():
		if d := time.Until(o.GCStartAt); d > 0 {
			return d
		}
		return 0
	default:
		return time.Duration(rand.Int63n(int64(o.GCInterval)))
	}
}

// params resolves o to the storage parameters. Defaults must be applied.
func (o Options) params() storage.Params {
	p := storage.Params{
		Type:      o.Type,
		TTLMillis: o.TTL.Milliseconds(),
		GCBatch:   o.GCBatch,
		Path:      o.Path,
	}
	if !o.GCDisabled {
		p.GCMillis = o.GCInterval.Milliseconds()
		p.GCStartMillis = o.gcStart().Milliseconds()
	}
	return p
}
