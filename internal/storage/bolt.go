package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"os"
	"runtime"
	"time"

	bolt "go.etcd.io/bbolt"
)

var boltBucket = []byte("mcache")

// boltKey prefixes key with one byte because bbolt rejects empty keys.
func boltKey(key string) []byte {
	return append([]byte{'k'}, key...)
}

// Bolt keeps entries in a bbolt file instead of the Go heap. The file is
// scratch space: it is truncated on open and removed on Close, so nothing
// survives a restart.
//
// Keys carry a one byte prefix. Value layout: 8 bytes big endian write time
// (unix nanos) || raw value.
type Bolt struct {
	db    *bolt.DB
	path  string
	temp  bool
	ttl   time.Duration
	batch int
	now   func() time.Time
	sweep *sweeper
}

// OpenBolt creates the database at p.Path, or in a temp file when Path is
// empty.
func OpenBolt(p Params, opts ...Option) (*Bolt, error) {
	o := buildOptions(opts)
	path := p.Path
	temp := false
	if path == "" {
		f, err := os.CreateTemp("", "mcache-*.bbolt")
		if err != nil {
			return nil, err
		}
		path = f.Name()
		_ = f.Close()
		temp = true
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second, NoSync: true})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	b := &Bolt{
		db:    db,
		path:  path,
		temp:  temp,
		ttl:   p.TTL(),
		batch: p.batch(),
		now:   o.now,
	}
	b.sweep = newSweeper("bolt", p.GCInterval(), p.GCStart(), b.gcPass)
	return b, nil
}

func (b *Bolt) Get(_ context.Context, keys []string) (map[string]Item, error) {
	out := make(map[string]Item, len(keys))
	now := b.now()
	err := b.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket(boltBucket)
		for _, key := range keys {
			v := bk.Get(boltKey(key))
			if v == nil || !b.fresh(v, now) {
				out[key] = Item{}
				continue
			}
			out[key] = Item{Available: true, Value: string(v[8:])}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *Bolt) Set(_ context.Context, vals map[string]string) error {
	setAt := uint64(b.now().UnixNano())
	return b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(boltBucket)
		for key, val := range vals {
			buf := make([]byte, 8+len(val))
			binary.BigEndian.PutUint64(buf[:8], setAt)
			copy(buf[8:], val)
			if err := bk.Put(boltKey(key), buf); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *Bolt) Del(_ context.Context, keys []string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(boltBucket)
		for _, key := range keys {
			if err := bk.Delete(boltKey(key)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *Bolt) GC(ctx context.Context) error { return b.sweep.run(ctx) }

// Size returns the number of stored entries, expired or not.
func (b *Bolt) Size() int {
	n := 0
	_ = b.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(boltBucket).Stats().KeyN
		return nil
	})
	return n
}

func (b *Bolt) Close() error {
	b.sweep.stop()
	err := b.db.Close()
	if rmErr := os.Remove(b.path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) && err == nil {
		err = rmErr
	}
	return err
}

func (b *Bolt) fresh(v []byte, now time.Time) bool {
	if len(v) < 8 {
		return false
	}
	setAt := time.Unix(0, int64(binary.BigEndian.Uint64(v[:8])))
	return now.Sub(setAt) < b.ttl
}

func (b *Bolt) expired(v []byte, now time.Time) bool {
	if len(v) < 8 {
		return true
	}
	setAt := time.Unix(0, int64(binary.BigEndian.Uint64(v[:8])))
	return now.Sub(setAt) > b.ttl
}

// gcPass visits keys in byte order, one write transaction per batch, resuming
// from the last visited key.
func (b *Bolt) gcPass(ctx context.Context) (int, error) {
	now := b.now()
	removed := 0
	var last []byte
	for {
		done := false
		err := b.db.Update(func(tx *bolt.Tx) error {
			bk := tx.Bucket(boltBucket)
			c := bk.Cursor()
			var k, v []byte
			if last == nil {
				k, v = c.First()
			} else {
				k, v = c.Seek(last)
				if k != nil && bytes.Equal(k, last) {
					k, v = c.Next()
				}
			}
			var expired [][]byte
			visited := 0
			for ; k != nil && visited < b.batch; k, v = c.Next() {
				if b.expired(v, now) {
					expired = append(expired, append([]byte(nil), k...))
				}
				last = append(last[:0], k...)
				visited++
			}
			done = k == nil
			for _, key := range expired {
				if err := bk.Delete(key); err != nil {
					return err
				}
			}
			removed += len(expired)
			return nil
		})
		if err != nil || done {
			return removed, err
		}
		runtime.Gosched()
		if err := ctx.Err(); err != nil {
			return removed, err
		}
	}
}
