// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package rbd

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asch/rbd/config"
	"github.com/asch/rbd/internal/clustermap"
	"github.com/asch/rbd/store"
	"github.com/asch/rbd/store/mem"
)

func TestConnectDisconnect(t *testing.T) {
	s, err := Connect(context.Background(), testConfig(t))
	require.NoError(t, err)

	assert.Equal(t, Connected, s.State())
	assert.NotEmpty(t, s.ClientID())

	cmap := s.ClusterMap()
	assert.NotEmpty(t, cmap.FSID)
	assert.Equal(t, clustermap.ProtocolVersion, cmap.Protocol)

	require.NoError(t, s.Disconnect())
	assert.Equal(t, Disconnected, s.State())
	assert.NoError(t, s.Disconnect())

	_, err = s.Create(context.Background(), "img", testObjectSize, nil)
	assert.ErrorIs(t, err, ErrConnection)
}

func TestSessionLogLevel(t *testing.T) {
	cfg := testConfig(t)
	cfg.Log.Level = int(zerolog.ErrorLevel)

	s := connect(t, cfg)
	assert.Equal(t, zerolog.ErrorLevel, s.logger.GetLevel())
}

func TestSessionsShareCluster(t *testing.T) {
	cfg := testConfig(t)
	a := connect(t, cfg)
	b := connect(t, cfg)

	assert.Equal(t, a.ClusterMap().FSID, b.ClusterMap().FSID)
	assert.NotEqual(t, a.ClientID(), b.ClientID())

	_, err := a.Create(context.Background(), "img", testObjectSize, nil)
	require.NoError(t, err)

	meta, err := b.Stat(context.Background(), "img")
	require.NoError(t, err)
	assert.Equal(t, "img", meta.Name)
}

func TestConnectAuthRejected(t *testing.T) {
	cfg := testConfig(t)
	backing(t).AddUser("admin", "secret")

	cfg.Auth.User = "admin"
	cfg.Auth.Key = "wrong"

	calls := 0
	dial := func(ctx context.Context, addr string, cfg *config.Config) (store.ObjectStore, error) {
		calls++
		return Dial(ctx, addr, cfg)
	}

	_, err := ConnectWithDialer(context.Background(), cfg, dial)
	assert.ErrorIs(t, err, ErrConnection)
	assert.ErrorIs(t, err, store.ErrAuth)
	assert.Equal(t, 1, calls, "authentication failure must not be retried")

	cfg.Auth.Key = "secret"
	s := connect(t, cfg)
	assert.Equal(t, Connected, s.State())
}

func TestConnectRetries(t *testing.T) {
	tests := []struct {
		name      string
		addresses []string
		failures  map[string]int
		permanent map[string]bool
		wantErr   bool
		wantAddr  string
		wantCalls int
	}{
		{
			name:      "transient failures recovered",
			addresses: []string{"a"},
			failures:  map[string]int{"a": 2},
			wantAddr:  "a",
			wantCalls: 3,
		},
		{
			name:      "retries exhausted",
			addresses: []string{"a"},
			failures:  map[string]int{"a": 100},
			wantErr:   true,
			wantCalls: 4,
		},
		{
			name:      "next address after permanent failure",
			addresses: []string{"a", "b"},
			permanent: map[string]bool{"a": true},
			wantAddr:  "b",
			wantCalls: 2,
		},
		{
			name:      "next address after exhausted retries",
			addresses: []string{"a", "b"},
			failures:  map[string]int{"a": 100},
			wantAddr:  "b",
			wantCalls: 5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.Cluster.Addresses = tt.addresses
			cfg.Cluster.ConnectRetries = 3

			calls := 0
			failures := make(map[string]int)
			dial := func(ctx context.Context, addr string, cfg *config.Config) (store.ObjectStore, error) {
				calls++
				if tt.permanent[addr] {
					return nil, errors.New("no such host")
				}
				if failures[addr] < tt.failures[addr] {
					failures[addr]++
					return nil, store.ErrUnavailable
				}
				return mem.Shared(t.Name() + addr).Client(), nil
			}

			s, err := ConnectWithDialer(context.Background(), cfg, dial)
			assert.Equal(t, tt.wantCalls, calls)

			if tt.wantErr {
				assert.ErrorIs(t, err, ErrConnection)
				var connErr *ConnectionError
				require.ErrorAs(t, err, &connErr)
				assert.Equal(t, tt.addresses[len(tt.addresses)-1], connErr.Addr)
				return
			}

			require.NoError(t, err)
			defer s.Disconnect()
			assert.Equal(t, tt.wantAddr, s.addr)
		})
	}
}

func TestConnectIncompatibleCluster(t *testing.T) {
	cfg := testConfig(t)

	m := clustermap.New(cfg.Cluster.Addresses)
	m.Protocol = "2.0.0"
	buf, err := m.Encode()
	require.NoError(t, err)
	require.NoError(t, backing(t).WriteFull(context.Background(), clustermap.Object, buf))

	_, err = Connect(context.Background(), cfg)
	assert.ErrorIs(t, err, clustermap.ErrIncompatible)
}

func TestConnectWithoutBootstrap(t *testing.T) {
	cfg := testConfig(t)
	cfg.Cluster.Bootstrap = false

	_, err := Connect(context.Background(), cfg)
	assert.ErrorIs(t, err, ErrConnection)
}

func TestDisconnectClosesImages(t *testing.T) {
	s := connect(t, testConfig(t))
	img := createAndOpen(t, s, "img", 4*testObjectSize, Exclusive)
	write(t, img, 0, []byte("data"))

	require.NoError(t, s.Disconnect())

	_, err := img.Read(context.Background(), 0, 4)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, err, ErrConnection)

	_, err = backing(t).Stat(context.Background(), lockName(img.ID()))
	assert.ErrorIs(t, err, store.ErrNotExist, "lock must be released")
}

// Blocks reads of objects under prefix until the operation is cancelled.
type blockingStore struct {
	store.ObjectStore
	prefix  string
	blocked chan struct{}
	once    sync.Once
}

func (b *blockingStore) block(ctx context.Context) error {
	b.once.Do(func() { close(b.blocked) })
	<-ctx.Done()
	return ctx.Err()
}

func (b *blockingStore) ReadAt(ctx context.Context, name string, buf []byte, offset int64) (int, error) {
	if strings.HasPrefix(name, b.prefix) {
		return 0, b.block(ctx)
	}

	return b.ObjectStore.ReadAt(ctx, name, buf, offset)
}

func (b *blockingStore) Stat(ctx context.Context, name string) (int64, error) {
	if strings.HasPrefix(name, b.prefix) {
		return 0, b.block(ctx)
	}

	return b.ObjectStore.Stat(ctx, name)
}

func connectBlocking(t *testing.T, prefix string) (*Session, *blockingStore) {
	bs := &blockingStore{ObjectStore: backing(t).Client(), prefix: prefix, blocked: make(chan struct{})}
	dial := func(ctx context.Context, addr string, cfg *config.Config) (store.ObjectStore, error) {
		return bs, nil
	}

	s, err := ConnectWithDialer(context.Background(), testConfig(t), dial)
	require.NoError(t, err)

	return s, bs
}

func TestDisconnectCancelsInFlight(t *testing.T) {
	s, bs := connectBlocking(t, dataPrefix)
	img := createAndOpen(t, s, "img", testObjectSize, Shared)

	errc := make(chan error, 1)
	go func() {
		_, err := img.Read(context.Background(), 0, 16)
		errc <- err
	}()

	<-bs.blocked
	require.NoError(t, s.Disconnect())

	err := <-errc
	assert.ErrorIs(t, err, ErrConnection)
}

func TestDisconnectDuringOpenReleasesLock(t *testing.T) {
	s, bs := connectBlocking(t, objectMapPrefix)
	ctx := context.Background()

	_, err := s.Create(ctx, "img", testObjectSize, nil)
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() {
		_, err := s.Open(ctx, "img", Exclusive)
		errc <- err
	}()

	<-bs.blocked
	require.NoError(t, s.Disconnect())

	assert.ErrorIs(t, <-errc, ErrConnection)
	assert.Empty(t, objectNames(t, lockPrefix), "failed open must not leave a lock behind")

	other := connect(t, testConfig(t))
	img, err := other.Open(ctx, "img", Exclusive)
	require.NoError(t, err)
	require.NoError(t, img.Close())
}

func TestOperationsAreTracked(t *testing.T) {
	s := connect(t, testConfig(t))
	_, err := s.Create(context.Background(), "tracked", testObjectSize, nil)
	require.NoError(t, err)

	var historic bytes.Buffer
	require.NoError(t, s.DumpHistoricOps(&historic))
	assert.Contains(t, historic.String(), "create image tracked")

	var inFlight bytes.Buffer
	require.NoError(t, s.DumpOpsInFlight(&inFlight))
	assert.NotContains(t, inFlight.String(), "create image tracked")
}
