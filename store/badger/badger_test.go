// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package badger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asch/rbd/store"
	"github.com/asch/rbd/store/storetest"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.ObjectStore {
		s, err := New(Options{InMemory: true})
		require.NoError(t, err)
		return s
	})
}

func TestPersistence(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := New(Options{Dir: dir})
	require.NoError(t, err)
	require.NoError(t, s.WriteFull(ctx, "obj", []byte("durable")))
	require.NoError(t, s.Close())

	s, err = New(Options{Dir: dir})
	require.NoError(t, err)
	defer s.Close()

	data, err := store.ReadAll(ctx, s, "obj")
	require.NoError(t, err)
	assert.Equal(t, []byte("durable"), data)
}

func TestClosedIsUnavailable(t *testing.T) {
	s, err := New(Options{InMemory: true})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	err = s.WriteFull(context.Background(), "obj", nil)
	assert.ErrorIs(t, err, store.ErrUnavailable)
}
