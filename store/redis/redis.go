// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package redis implements ObjectStore on top of a redis server. Objects are
// plain string keys, partial reads and writes map to GETRANGE and SETRANGE.
package redis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/asch/rbd/store"
)

const (
	// Timeout of the initial ping.
	pingTimeout = 5 * time.Second

	// Number of keys requested by one SCAN call.
	scanCount = 512

	// Number of attempts of an optimistic transaction.
	watchRetries = 16
)

type Store struct {
	client *redis.Client
}

// Options to use in New() function.
type Options struct {
	Addr     string
	Username string
	Password string
	DB       int
}

// New connects to the server and verifies the connection and credentials by
// a ping.
func New(ctx context.Context, o Options) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     o.Addr,
		Username: o.Username,
		Password: o.Password,
		DB:       o.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis %s: %w", o.Addr, translate(err))
	}

	return &Store{client: client}, nil
}

// Maps redis errors to store errors.
func translate(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()
	switch {
	case errors.Is(err, redis.Nil):
		return store.ErrNotExist
	case strings.HasPrefix(msg, "WRONGPASS"), strings.HasPrefix(msg, "NOAUTH"),
		strings.HasPrefix(msg, "NOPERM"), strings.Contains(msg, "invalid password"):
		return fmt.Errorf("%w: %v", store.ErrAuth, err)
	case errors.Is(err, redis.ErrClosed), errors.Is(err, io.EOF),
		strings.HasPrefix(msg, "LOADING"), strings.HasPrefix(msg, "TRYAGAIN"):
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}

	return err
}

func (s *Store) ReadAt(ctx context.Context, name string, buf []byte, offset int64) (int, error) {
	if len(buf) == 0 {
		_, err := s.Stat(ctx, name)
		return 0, err
	}

	var exists *redis.IntCmd
	var data *redis.StringCmd
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		exists = p.Exists(ctx, name)
		data = p.GetRange(ctx, name, offset, offset+int64(len(buf))-1)
		return nil
	})
	if err != nil {
		return 0, translate(err)
	}
	if exists.Val() == 0 {
		return 0, store.ErrNotExist
	}

	return copy(buf, data.Val()), nil
}

func (s *Store) WriteAt(ctx context.Context, name string, buf []byte, offset int64) error {
	if len(buf) == 0 {
		return translate(s.client.Append(ctx, name, "").Err())
	}

	return translate(s.client.SetRange(ctx, name, offset, string(buf)).Err())
}

func (s *Store) WriteFull(ctx context.Context, name string, buf []byte) error {
	return translate(s.client.Set(ctx, name, buf, 0).Err())
}

func (s *Store) Create(ctx context.Context, name string, buf []byte) error {
	ok, err := s.client.SetNX(ctx, name, buf, 0).Result()
	if err != nil {
		return translate(err)
	}
	if !ok {
		return store.ErrExist
	}

	return nil
}

func (s *Store) Stat(ctx context.Context, name string) (int64, error) {
	var exists, length *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		exists = p.Exists(ctx, name)
		length = p.StrLen(ctx, name)
		return nil
	})
	if err != nil {
		return 0, translate(err)
	}
	if exists.Val() == 0 {
		return 0, store.ErrNotExist
	}

	return length.Val(), nil
}

func (s *Store) Truncate(ctx context.Context, name string, size int64) error {
	fn := func(tx *redis.Tx) error {
		val, err := tx.Get(ctx, name).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}

		t := make([]byte, size)
		copy(t, val)

		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, name, t, 0)
			return nil
		})
		return err
	}

	var err error
	for i := 0; i < watchRetries; i++ {
		err = s.client.Watch(ctx, fn, name)
		if !errors.Is(err, redis.TxFailedErr) {
			return translate(err)
		}
	}

	return translate(err)
}

func (s *Store) Remove(ctx context.Context, name string) error {
	n, err := s.client.Del(ctx, name).Result()
	if err != nil {
		return translate(err)
	}
	if n == 0 {
		return store.ErrNotExist
	}

	return nil
}

func (s *Store) List(ctx context.Context, prefix, startAfter string, max int) ([]string, error) {
	names := make([]string, 0)

	iter := s.client.Scan(ctx, 0, escapeGlob(prefix)+"*", scanCount).Iterator()
	for iter.Next(ctx) {
		if k := iter.Val(); k > startAfter {
			names = append(names, k)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, translate(err)
	}

	// SCAN may return a key more than once.
	sort.Strings(names)
	names = dedup(names)

	if max > 0 && len(names) > max {
		names = names[:max]
	}

	return names, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func escapeGlob(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)
	return r.Replace(s)
}

func dedup(sorted []string) []string {
	out := sorted[:0]
	for i, s := range sorted {
		if i == 0 || s != sorted[i-1] {
			out = append(out, s)
		}
	}

	return out
}
