// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package badger implements ObjectStore on top of an embedded badger database.
// Every object is one key. Partial writes are read-modify-write inside a
// transaction, hence concurrent writers to the same object are serialized by
// badger conflict detection and retried here.
package badger

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/asch/rbd/store"
)

const (
	// Number of attempts of a transaction failing on conflict.
	conflictRetries = 16
)

type Store struct {
	db *badger.DB
}

// Options to use in New() function.
type Options struct {
	// Directory of the database. Ignored when InMemory is set.
	Dir string

	InMemory bool
}

func New(o Options) (*Store, error) {
	opts := badger.DefaultOptions(o.Dir)
	if o.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) get(txn *badger.Txn, name string) ([]byte, error) {
	item, err := txn.Get([]byte(name))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, store.ErrNotExist
		}
		return nil, err
	}

	return item.ValueCopy(nil)
}

func (s *Store) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	var err error
	for i := 0; i < conflictRetries; i++ {
		if err = ctx.Err(); err != nil {
			return err
		}

		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return translate(err)
		}
	}

	return translate(err)
}

func translate(err error) error {
	if errors.Is(err, badger.ErrDBClosed) {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}

	return err
}

func (s *Store) ReadAt(ctx context.Context, name string, buf []byte, offset int64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var n int
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(name))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return store.ErrNotExist
			}
			return err
		}

		return item.Value(func(val []byte) error {
			if offset < int64(len(val)) {
				n = copy(buf, val[offset:])
			}
			return nil
		})
	})

	return n, translate(err)
}

func (s *Store) WriteAt(ctx context.Context, name string, buf []byte, offset int64) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		val, err := s.get(txn, name)
		if err != nil && !errors.Is(err, store.ErrNotExist) {
			return err
		}

		if end := offset + int64(len(buf)); end > int64(len(val)) {
			grown := make([]byte, end)
			copy(grown, val)
			val = grown
		}
		copy(val[offset:], buf)

		return txn.Set([]byte(name), val)
	})
}

func (s *Store) WriteFull(ctx context.Context, name string, buf []byte) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		return txn.Set([]byte(name), bytes.Clone(buf))
	})
}

func (s *Store) Create(ctx context.Context, name string, buf []byte) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(name))
		if err == nil {
			return store.ErrExist
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		return txn.Set([]byte(name), bytes.Clone(buf))
	})
}

func (s *Store) Stat(ctx context.Context, name string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var size int64
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(name))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return store.ErrNotExist
			}
			return err
		}
		size = item.ValueSize()

		return nil
	})

	return size, translate(err)
}

func (s *Store) Truncate(ctx context.Context, name string, size int64) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		val, err := s.get(txn, name)
		if err != nil && !errors.Is(err, store.ErrNotExist) {
			return err
		}

		t := make([]byte, size)
		copy(t, val)

		return txn.Set([]byte(name), t)
	})
}

func (s *Store) Remove(ctx context.Context, name string) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(name)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return store.ErrNotExist
			}
			return err
		}

		return txn.Delete([]byte(name))
	})
}

func (s *Store) List(ctx context.Context, prefix, startAfter string, max int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	names := make([]string, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := []byte(prefix)
		if startAfter > prefix {
			seek = []byte(startAfter)
		}

		for it.Seek(seek); it.ValidForPrefix([]byte(prefix)); it.Next() {
			k := string(it.Item().Key())
			if k <= startAfter {
				continue
			}

			names = append(names, k)
			if max > 0 && len(names) == max {
				break
			}
		}

		return nil
	})

	return names, translate(err)
}

func (s *Store) Close() error {
	return s.db.Close()
}
