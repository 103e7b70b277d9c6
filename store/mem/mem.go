// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package mem implements ObjectStore in memory. It is useful for tests and for
// embedding the client without any cluster. Faults can be injected to emulate
// a misbehaving cluster.
package mem

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/asch/rbd/store"
)

// Operation names passed to the Fault hook.
const (
	OpRead     = "read"
	OpWrite    = "write"
	OpCreate   = "create"
	OpStat     = "stat"
	OpTruncate = "truncate"
	OpRemove   = "remove"
	OpList     = "list"
)

// Fault is consulted before every operation. Non-nil error is returned to the
// caller instead of performing the operation.
type Fault func(op, name string) error

// Store keeps objects in a map guarded by a lock.
type Store struct {
	mu      sync.RWMutex
	objects map[string][]byte
	fault   Fault
	users   map[string]string
	closed  bool
}

func New() *Store {
	return &Store{objects: make(map[string][]byte)}
}

var (
	registry   = make(map[string]*Store)
	registryMu sync.Mutex
)

// Shared returns the store registered under name, creating it on first use.
// Sessions dialing the same mem address share the objects like clients of
// the same cluster do.
func Shared(name string) *Store {
	registryMu.Lock()
	defer registryMu.Unlock()

	s, ok := registry[name]
	if !ok {
		s = New()
		registry[name] = s
	}

	return s
}

// SetFault installs the fault hook. Nil removes it.
func (s *Store) SetFault(f Fault) {
	s.mu.Lock()
	s.fault = f
	s.mu.Unlock()
}

// AddUser enables authentication. Once a user exists, Authenticate accepts
// only known users with matching keys.
func (s *Store) AddUser(user, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.users == nil {
		s.users = make(map[string]string)
	}
	s.users[user] = key
}

// Authenticate checks the credentials against users added by AddUser.
func (s *Store) Authenticate(user, key string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.users == nil {
		return nil
	}
	if k, ok := s.users[user]; !ok || k != key {
		return store.ErrAuth
	}

	return nil
}

// Reopen makes a closed store usable again. Objects survive Close.
func (s *Store) Reopen() {
	s.mu.Lock()
	s.closed = false
	s.mu.Unlock()
}

// Len returns number of objects.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.objects)
}

func (s *Store) check(ctx context.Context, op, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closed {
		return store.ErrUnavailable
	}
	if s.fault != nil {
		return s.fault(op, name)
	}

	return nil
}

func (s *Store) ReadAt(ctx context.Context, name string, buf []byte, offset int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.check(ctx, OpRead, name); err != nil {
		return 0, err
	}

	o, ok := s.objects[name]
	if !ok {
		return 0, store.ErrNotExist
	}
	if offset >= int64(len(o)) {
		return 0, nil
	}

	return copy(buf, o[offset:]), nil
}

func (s *Store) WriteAt(ctx context.Context, name string, buf []byte, offset int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(ctx, OpWrite, name); err != nil {
		return err
	}

	o := s.objects[name]
	if end := offset + int64(len(buf)); end > int64(len(o)) {
		grown := make([]byte, end)
		copy(grown, o)
		o = grown
	}
	copy(o[offset:], buf)
	s.objects[name] = o

	return nil
}

func (s *Store) WriteFull(ctx context.Context, name string, buf []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(ctx, OpWrite, name); err != nil {
		return err
	}

	s.objects[name] = append([]byte{}, buf...)

	return nil
}

func (s *Store) Create(ctx context.Context, name string, buf []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(ctx, OpCreate, name); err != nil {
		return err
	}
	if _, ok := s.objects[name]; ok {
		return store.ErrExist
	}

	s.objects[name] = append([]byte{}, buf...)

	return nil
}

func (s *Store) Stat(ctx context.Context, name string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.check(ctx, OpStat, name); err != nil {
		return 0, err
	}

	o, ok := s.objects[name]
	if !ok {
		return 0, store.ErrNotExist
	}

	return int64(len(o)), nil
}

func (s *Store) Truncate(ctx context.Context, name string, size int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(ctx, OpTruncate, name); err != nil {
		return err
	}

	o := s.objects[name]
	t := make([]byte, size)
	copy(t, o)
	s.objects[name] = t

	return nil
}

func (s *Store) Remove(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(ctx, OpRemove, name); err != nil {
		return err
	}
	if _, ok := s.objects[name]; !ok {
		return store.ErrNotExist
	}

	delete(s.objects, name)

	return nil
}

func (s *Store) List(ctx context.Context, prefix, startAfter string, max int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.check(ctx, OpList, prefix); err != nil {
		return nil, err
	}

	names := make([]string, 0)
	for k := range s.objects {
		if strings.HasPrefix(k, prefix) && k > startAfter {
			names = append(names, k)
		}
	}
	sort.Strings(names)

	if max > 0 && len(names) > max {
		names = names[:max]
	}

	return names, nil
}

// Close makes all further operations fail with ErrUnavailable. The objects are
// kept, so the store can be reopened like a restarted cluster.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	return nil
}

type client struct {
	*Store
}

// Close of a client view leaves the shared store open.
func (c client) Close() error {
	return nil
}

// Client returns a view of the store whose Close does not affect the store or
// other views. Used when multiple sessions share one Store.
func (s *Store) Client() store.ObjectStore {
	return client{s}
}
