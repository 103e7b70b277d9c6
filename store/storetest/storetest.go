// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package storetest checks that an ObjectStore implementation behaves the way
// the image client expects.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asch/rbd/store"
)

// Run runs the conformance tests. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) store.ObjectStore) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.ObjectStore)
	}{
		{"ReadWrite", testReadWrite},
		{"Missing", testMissing},
		{"Create", testCreate},
		{"Truncate", testTruncate},
		{"List", testList},
		{"Copy", testCopy},
		{"Concurrent", testConcurrent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { s.Close() })
			tt.fn(t, s)
		})
	}
}

func testReadWrite(t *testing.T, s store.ObjectStore) {
	ctx := context.Background()

	require.NoError(t, s.WriteAt(ctx, "obj", []byte("world"), 6))
	require.NoError(t, s.WriteAt(ctx, "obj", []byte("hello"), 0))

	size, err := s.Stat(ctx, "obj")
	require.NoError(t, err)
	assert.Equal(t, int64(11), size)

	buf := make([]byte, 20)
	n, err := s.ReadAt(ctx, "obj", buf, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello\x00world"), buf[:n])

	n, err = s.ReadAt(ctx, "obj", buf, 20)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, s.WriteFull(ctx, "obj", []byte("short")))
	data, err := store.ReadAll(ctx, s, "obj")
	require.NoError(t, err)
	assert.Equal(t, []byte("short"), data)

	require.NoError(t, s.WriteFull(ctx, "empty", nil))
	size, err = s.Stat(ctx, "empty")
	require.NoError(t, err)
	assert.Zero(t, size)
}

func testMissing(t *testing.T, s store.ObjectStore) {
	ctx := context.Background()

	_, err := s.ReadAt(ctx, "missing", make([]byte, 1), 0)
	assert.ErrorIs(t, err, store.ErrNotExist)
	_, err = s.Stat(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotExist)
	assert.ErrorIs(t, s.Remove(ctx, "missing"), store.ErrNotExist)

	require.NoError(t, s.WriteFull(ctx, "obj", []byte("x")))
	require.NoError(t, s.Remove(ctx, "obj"))
	_, err = s.Stat(ctx, "obj")
	assert.ErrorIs(t, err, store.ErrNotExist)
}

func testCreate(t *testing.T, s store.ObjectStore) {
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, "obj", []byte("first")))
	assert.ErrorIs(t, s.Create(ctx, "obj", []byte("second")), store.ErrExist)

	data, err := store.ReadAll(ctx, s, "obj")
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), data)
}

func testTruncate(t *testing.T, s store.ObjectStore) {
	ctx := context.Background()

	require.NoError(t, s.WriteFull(ctx, "obj", []byte("0123456789")))
	require.NoError(t, s.Truncate(ctx, "obj", 4))

	data, err := store.ReadAll(ctx, s, "obj")
	require.NoError(t, err)
	assert.Equal(t, []byte("0123"), data)

	require.NoError(t, s.Truncate(ctx, "obj", 6))
	data, err = store.ReadAll(ctx, s, "obj")
	require.NoError(t, err)
	assert.Equal(t, []byte("0123\x00\x00"), data)
}

func testList(t *testing.T, s store.ObjectStore) {
	ctx := context.Background()

	for _, name := range []string{"b.2", "a.1", "b.1", "b.10", "c", "b*"} {
		require.NoError(t, s.WriteFull(ctx, name, []byte(name)))
	}

	names, err := s.List(ctx, "b.", "", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"b.1", "b.10", "b.2"}, names)

	names, err = s.List(ctx, "b.", "b.1", 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"b.10"}, names)

	names, err = s.List(ctx, "b*", "", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"b*"}, names, "prefix is literal")

	names, err = s.List(ctx, "z", "", 0)
	require.NoError(t, err)
	assert.Empty(t, names)

	var all []string
	require.NoError(t, store.ListAll(ctx, s, "", func(name string) error {
		all = append(all, name)
		return nil
	}))
	assert.Equal(t, []string{"a.1", "b*", "b.1", "b.10", "b.2", "c"}, all)
}

func testCopy(t *testing.T, s store.ObjectStore) {
	ctx := context.Background()

	require.NoError(t, s.WriteFull(ctx, "src", []byte("data")))
	require.NoError(t, store.Copy(ctx, s, "src", "dst"))
	data, err := store.ReadAll(ctx, s, "dst")
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), data)

	require.NoError(t, store.Copy(ctx, s, "missing", "dst"))
	size, err := s.Stat(ctx, "dst")
	require.NoError(t, err)
	assert.Zero(t, size)
}

func testConcurrent(t *testing.T, s store.ObjectStore) {
	ctx := context.Background()
	const writers = 8

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.WriteAt(ctx, "obj", []byte{byte(i + 1)}, int64(i)))
			assert.NoError(t, s.WriteFull(ctx, fmt.Sprintf("obj.%d", i), []byte{byte(i)}))
		}()
	}
	wg.Wait()

	data, err := store.ReadAll(ctx, s, "obj")
	require.NoError(t, err)
	for i := 0; i < writers; i++ {
		assert.Equal(t, byte(i+1), data[i])
	}

	names, err := s.List(ctx, "obj.", "", 0)
	require.NoError(t, err)
	assert.Len(t, names, writers)
}
