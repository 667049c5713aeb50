package socket

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"strconv"
	"sync"

	"github.com/leonardcser/mcache/internal/logger"
	"github.com/leonardcser/mcache/internal/obs"
	"github.com/leonardcser/mcache/internal/storage"
	"github.com/leonardcser/mcache/internal/wire"
)

// Factory opens the storage a select command asks for.
type Factory func(p storage.Params) (storage.Storage, error)

type hosted struct {
	id    int
	store storage.Storage
}

// Commands is the server-side Handler. It keeps the storages a server hosts,
// keyed by the hash callers select them with.
type Commands struct {
	factory Factory
	ctx     context.Context
	cancel  context.CancelFunc

	mu     sync.RWMutex
	byHash map[string]*hosted
	byID   map[int]*hosted
	nextID int
	closed bool
}

// NewCommands returns a handler opening storages with factory, or with
// storage.Open when factory is nil.
func NewCommands(factory Factory) *Commands {
	if factory == nil {
		factory = storage.Open
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Commands{
		factory: factory,
		ctx:     ctx,
		cancel:  cancel,
		byHash:  make(map[string]*hosted),
		byID:    make(map[int]*hosted),
		// Ids start at a random point so a client holding an id from a previous
		// server is unlikely to hit somebody else's storage.
		nextID: rand.Intn(wire.MaxStorageID/2) + 1,
	}
}

func (c *Commands) Handle(rec wire.Record) wire.Record {
	var (
		reply wire.Record
		err   error
	)
	switch rec.Command {
	case wire.CmdSelect:
		reply, err = c.selectStorage(rec)
	case wire.CmdGet, wire.CmdSet, wire.CmdDel, wire.CmdGC:
		reply, err = c.storageCommand(rec)
	default:
		logger.Warnf("unknown command %q from client", rec.Command)
		err = ErrUnknownCommand
	}
	obs.DefaultMetrics().RecordCommand(rec.Command, err == nil)
	if err != nil {
		return wire.Record{StorageID: rec.StorageID, Command: wire.CmdError, Vals: []string{err.Error()}}
	}
	return reply
}

func (c *Commands) selectStorage(rec wire.Record) (wire.Record, error) {
	if len(rec.Keys) == 0 || len(rec.Vals) == 0 {
		return wire.Record{}, fmt.Errorf("select needs a hash and params")
	}
	hash := rec.Keys[0]

	c.mu.RLock()
	h, ok := c.byHash[hash]
	c.mu.RUnlock()
	if !ok {
		var err error
		if h, err = c.open(hash, rec.Vals[0]); err != nil {
			return wire.Record{}, err
		}
	}
	return wire.Record{StorageID: h.id, Command: wire.CmdSelect, Vals: []string{strconv.Itoa(h.id)}}, nil
}

func (c *Commands) open(hash, rawParams string) (*hosted, error) {
	var p storage.Params
	if err := json.Unmarshal([]byte(rawParams), &p); err != nil {
		return nil, fmt.Errorf("bad storage params: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, storage.ErrClosed
	}
	if h, ok := c.byHash[hash]; ok {
		return h, nil
	}
	store, err := c.factory(p)
	if err != nil {
		return nil, err
	}
	h := &hosted{id: c.allocID(), store: store}
	c.byHash[hash] = h
	c.byID[h.id] = h
	obs.DefaultMetrics().SetStorages(len(c.byID))
	logger.Infof("opened %s storage %d for hash %s (ttl %dms)", p.Type, h.id, hash, p.TTLMillis)
	return h, nil
}

func (c *Commands) allocID() int {
	for {
		id := c.nextID
		c.nextID++
		if c.nextID >= wire.MaxStorageID {
			c.nextID = 1
		}
		if _, taken := c.byID[id]; !taken {
			return id
		}
	}
}

func (c *Commands) storageCommand(rec wire.Record) (wire.Record, error) {
	c.mu.RLock()
	h, ok := c.byID[rec.StorageID]
	c.mu.RUnlock()
	if !ok {
		return wire.Record{}, ErrNotInitialized
	}

	reply := wire.Record{StorageID: rec.StorageID, Command: rec.Command}
	switch rec.Command {
	case wire.CmdGet:
		items, err := h.store.Get(c.ctx, rec.Keys)
		if err != nil {
			return wire.Record{}, err
		}
		keys := make([]string, 0, len(items))
		for k, it := range items {
			if it.Available {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		reply.Keys = keys
		reply.Vals = make([]string, len(keys))
		for i, k := range keys {
			reply.Vals[i] = items[k].Value
		}
	case wire.CmdSet:
		if len(rec.Keys) != len(rec.Vals) {
			return wire.Record{}, fmt.Errorf("set: %d keys but %d values", len(rec.Keys), len(rec.Vals))
		}
		vals := make(map[string]string, len(rec.Keys))
		for i, k := range rec.Keys {
			vals[k] = rec.Vals[i]
		}
		if err := h.store.Set(c.ctx, vals); err != nil {
			return wire.Record{}, err
		}
	case wire.CmdDel:
		if err := h.store.Del(c.ctx, rec.Keys); err != nil {
			return wire.Record{}, err
		}
	case wire.CmdGC:
		if err := h.store.GC(c.ctx); err != nil {
			return wire.Record{}, err
		}
	}
	return reply, nil
}

// Storages reports how many storages are hosted.
func (c *Commands) Storages() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byID)
}

// Close closes and forgets every hosted storage.
func (c *Commands) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	all := c.byID
	c.byHash = make(map[string]*hosted)
	c.byID = make(map[int]*hosted)
	c.mu.Unlock()
	c.cancel()

	var firstErr error
	for id, h := range all {
		if err := h.store.Close(); err != nil {
			logger.Warnf("close storage %d: %v", id, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	obs.DefaultMetrics().SetStorages(0)
	return firstErr
}
