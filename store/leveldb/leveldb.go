// Package leveldb provides a store.Backend on top of goleveldb.
package leveldb

import (
	"context"
	"fmt"
	"os"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/IvanBrykalov/quorumcache/store"
)

// Store persists keys in a LevelDB directory. goleveldb is safe for
// concurrent use, so Store adds no locking of its own.
type Store struct {
	db   *leveldb.DB
	path string
	sync bool
}

// Options tunes the underlying database.
type Options struct {
	// Sync forces an fsync on every write.
	Sync bool
	// WriteBufferMiB sizes the memtable; 0 keeps the goleveldb default.
	WriteBufferMiB int
}

// Open opens (creating if needed) the database at path.
func Open(path string, o Options) (*Store, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("leveldb: create dir %s: %w", path, err)
	}
	lo := &opt.Options{}
	if o.WriteBufferMiB > 0 {
		lo.WriteBuffer = o.WriteBufferMiB * opt.MiB
	}
	db, err := leveldb.OpenFile(path, lo)
	if err != nil {
		return nil, fmt.Errorf("leveldb: open %s: %w", path, err)
	}
	return &Store{db: db, path: path, sync: o.Sync}, nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	v, err := s.db.Get([]byte(key), nil)
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Put([]byte(key), value, &opt.WriteOptions{Sync: s.sync})
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Delete([]byte(key), &opt.WriteOptions{Sync: s.sync})
}

// Scan iterates keys with prefix in key order.
func (s *Store) Scan(ctx context.Context, prefix string, fn func(string, []byte) error) error {
	it := s.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer it.Release()
	for it.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		v := make([]byte, len(it.Value()))
		copy(v, it.Value())
		if err := fn(string(it.Key()), v); err != nil {
			return err
		}
	}
	return it.Error()
}

// Path returns the database directory.
func (s *Store) Path() string { return s.path }

func (s *Store) Close() error { return s.db.Close() }

var (
	_ store.Backend = (*Store)(nil)
	_ store.Scanner = (*Store)(nil)
)
