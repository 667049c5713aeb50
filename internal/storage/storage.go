// Package storage defines the contract between the cache and the place values
// live, plus the built-in backends. Every backend reports freshness by TTL on
// read and reclaims expired entries with an incremental sweep.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// DefaultGCBatch is the number of entries a sweep visits before yielding.
const DefaultGCBatch = 10000

var (
	ErrUnknownType = errors.New("storage: unknown type")
	ErrClosed      = errors.New("storage: closed")
)

// Item is the answer for one key of a Get.
type Item struct {
	Available bool
	Value     string
}

// Storage is implemented by the in-process backends and by the socket proxy.
// Implementations must be safe for concurrent use.
type Storage interface {
	// Get reports every requested key. Absent or expired keys come back with
	// Available false; that is never an error.
	Get(ctx context.Context, keys []string) (map[string]Item, error)
	// Set upserts every pair and refreshes its write time.
	Set(ctx context.Context, vals map[string]string) error
	// Del removes keys; absent keys are ignored.
	Del(ctx context.Context, keys []string) error
	// GC runs one sweep pass, or waits for the pass already running.
	GC(ctx context.Context) error
	Close() error
}

// Params configures a backend. It is also the JSON document sent to a shared
// server when selecting a storage, so durations travel as milliseconds.
type Params struct {
	Type      string `json:"type"`
	TTLMillis int64  `json:"ttl_ms"`
	// GCMillis is the pause between sweep passes; 0 disables periodic sweeps.
	GCMillis      int64  `json:"gc_ms"`
	GCStartMillis int64  `json:"gc_start_ms"`
	GCBatch       int    `json:"gc_count,omitempty"`
	Path          string `json:"path,omitempty"`
}

func (p Params) TTL() time.Duration        { return time.Duration(p.TTLMillis) * time.Millisecond }
func (p Params) GCInterval() time.Duration { return time.Duration(p.GCMillis) * time.Millisecond }
func (p Params) GCStart() time.Duration    { return time.Duration(p.GCStartMillis) * time.Millisecond }

func (p Params) batch() int {
	if p.GCBatch <= 0 {
		return DefaultGCBatch
	}
	return p.GCBatch
}

// Hash identifies the logical storage these params describe. The sweep start
// delay is left out so independently started processes with the same
// configuration land on the same storage.
func (p Params) Hash() string {
	p.GCStartMillis = 0
	data, _ := json.Marshal(p)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:16])
}

// Factory builds a backend from params.
type Factory func(p Params) (Storage, error)

var (
	registryMu sync.RWMutex
	factories  = map[string]Factory{}
)

// Register makes a backend available under name, replacing any previous one.
func Register(name string, f Factory) {
	registryMu.Lock()
	factories[name] = f
	registryMu.Unlock()
}

// Types lists the registered backend names.
func Types() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(factories))
	for name := range factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Open builds the backend named by p.Type.
func Open(p Params) (Storage, error) {
	if p.TTLMillis <= 0 {
		return nil, fmt.Errorf("storage: ttl must be > 0, got %dms", p.TTLMillis)
	}
	registryMu.RLock()
	f, ok := factories[p.Type]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownType, p.Type)
	}
	return f(p)
}

func init() {
	Register("memory", func(p Params) (Storage, error) { return NewMemory(p), nil })
	Register("bolt", func(p Params) (Storage, error) { return OpenBolt(p) })
}
