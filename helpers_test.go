// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package rbd

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/asch/rbd/config"
	"github.com/asch/rbd/store/mem"
)

// Objects of 4KiB keep the tests small.
const testObjectSize = 1 << config.MinOrder

func testConfig(t *testing.T) *config.Config {
	cfg, err := config.Default()
	require.NoError(t, err)

	cfg.Cluster.Backend = config.BackendMem
	cfg.Cluster.Addresses = []string{t.Name()}
	cfg.Cluster.RetryBackoff = time.Millisecond
	cfg.Cluster.RetryBackoffMax = 4 * time.Millisecond
	cfg.Cluster.Timeout = 0
	cfg.Image.Order = config.MinOrder
	cfg.Image.StripeUnit = 0
	cfg.Image.StripeCount = 1
	cfg.Tracker.CheckInterval = 0

	return cfg
}

// Returns the backing store of the session created by connect.
func backing(t *testing.T) *mem.Store {
	return mem.Shared(t.Name())
}

func connect(t *testing.T, cfg *config.Config) *Session {
	s, err := Connect(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Disconnect() })

	return s
}

func createAndOpen(t *testing.T, s *Session, name string, size int64, mode Mode) *Image {
	ctx := context.Background()

	_, err := s.Create(ctx, name, size, nil)
	require.NoError(t, err)

	img, err := s.Open(ctx, name, mode)
	require.NoError(t, err)

	return img
}

func randomBytes(seed int64, n int) []byte {
	buf := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(buf)

	return buf
}

func readAll(t *testing.T, img *Image) []byte {
	data, err := img.Read(context.Background(), 0, img.Size())
	require.NoError(t, err)

	return data
}

func write(t *testing.T, img *Image, offset int64, data []byte) {
	n, err := img.Write(context.Background(), offset, data)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
}

// Names of objects in the backing store with prefix.
func objectNames(t *testing.T, prefix string) []string {
	names, err := backing(t).List(context.Background(), prefix, "", 10000)
	require.NoError(t, err)

	return names
}
