package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"go.uber.org/atomic"

	"github.com/leonardcser/mcache/internal/logger"
	"github.com/leonardcser/mcache/internal/storage"
	"github.com/leonardcser/mcache/internal/wire"
)

// Proxy implements storage.Storage on top of a storage hosted by a server.
type Proxy struct {
	client *Client
	hash   string
	params string
	id     atomic.Int64
}

// NewProxy selects (creating if needed) the server storage for p and returns
// a Storage backed by it. An empty hash means p.Hash().
func NewProxy(ctx context.Context, client *Client, p storage.Params, hash string) (*Proxy, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	if hash == "" {
		hash = p.Hash()
	}
	px := &Proxy{client: client, hash: hash, params: string(raw)}
	if err := px.selectStorage(ctx); err != nil {
		return nil, err
	}
	return px, nil
}

// StorageID is the id the server assigned on the last select.
func (p *Proxy) StorageID() int { return int(p.id.Load()) }

func (p *Proxy) selectStorage(ctx context.Context) error {
	reply, err := p.client.Do(ctx, wire.Record{
		Command: wire.CmdSelect,
		Keys:    []string{p.hash},
		Vals:    []string{p.params},
	})
	if err != nil {
		return fmt.Errorf("select storage: %w", err)
	}
	if len(reply.Vals) == 0 {
		return fmt.Errorf("select storage: empty reply")
	}
	id, err := strconv.Atoi(reply.Vals[0])
	if err != nil {
		return fmt.Errorf("select storage: bad id %q", reply.Vals[0])
	}
	p.id.Store(int64(id))
	return nil
}

// do sends one command; when the server no longer knows our storage (it was
// restarted) the storage is selected again and the command retried once.
func (p *Proxy) do(ctx context.Context, cmd rune, keys, vals []string) (wire.Record, error) {
	send := func() (wire.Record, error) {
		return p.client.Do(ctx, wire.Record{
			StorageID: p.StorageID(),
			Command:   cmd,
			Keys:      keys,
			Vals:      vals,
		})
	}
	reply, err := send()
	if errors.Is(err, ErrNotInitialized) {
		logger.Infof("storage %s not initialized on server, selecting again", p.hash)
		if serr := p.selectStorage(ctx); serr != nil {
			return wire.Record{}, serr
		}
		reply, err = send()
	}
	return reply, err
}

func (p *Proxy) Get(ctx context.Context, keys []string) (map[string]storage.Item, error) {
	reply, err := p.do(ctx, wire.CmdGet, keys, nil)
	if err != nil {
		return nil, err
	}
	out := make(map[string]storage.Item, len(keys))
	for _, k := range keys {
		out[k] = storage.Item{}
	}
	for i, k := range reply.Keys {
		if i < len(reply.Vals) {
			out[k] = storage.Item{Available: true, Value: reply.Vals[i]}
		}
	}
	return out, nil
}

func (p *Proxy) Set(ctx context.Context, vals map[string]string) error {
	if len(vals) == 0 {
		return nil
	}
	keys := make([]string, 0, len(vals))
	for k := range vals {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	vs := make([]string, len(keys))
	for i, k := range keys {
		vs[i] = vals[k]
	}
	_, err := p.do(ctx, wire.CmdSet, keys, vs)
	return err
}

func (p *Proxy) Del(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	_, err := p.do(ctx, wire.CmdDel, keys, nil)
	return err
}

func (p *Proxy) GC(ctx context.Context) error {
	_, err := p.do(ctx, wire.CmdGC, nil, nil)
	return err
}

// Close is a no-op: the storage belongs to the server and the client to the
// runtime.
func (p *Proxy) Close() error { return nil }
