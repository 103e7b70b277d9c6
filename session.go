// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package rbd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/asch/rbd/config"
	"github.com/asch/rbd/internal/clustermap"
	"github.com/asch/rbd/internal/objproxy"
	"github.com/asch/rbd/internal/optracker"
	"github.com/asch/rbd/logging"
	"github.com/asch/rbd/store"
	"github.com/asch/rbd/store/badger"
	"github.com/asch/rbd/store/mem"
	"github.com/asch/rbd/store/redis"
	"github.com/asch/rbd/store/s3"
)

// State of the session.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	}

	return fmt.Sprintf("State(%d)", int32(s))
}

// Dialer opens the transport to one cluster address.
type Dialer func(ctx context.Context, addr string, cfg *config.Config) (store.ObjectStore, error)

// Session is a connection to the cluster. All images are reached through it
// and no handle outlives it.
type Session struct {
	cfg      *config.Config
	addr     string
	clientID string
	cmap     *clustermap.Map
	proxy    *objproxy.ObjectProxy
	tracker  *optracker.Tracker
	logger   zerolog.Logger

	// Cancelled by Disconnect. Every operation context is derived from it.
	ctx    context.Context
	cancel context.CancelFunc

	// Guards state transitions, the set of handles and inflight
	// registration.
	mu       sync.Mutex
	state    atomic.Int32
	handles  map[*Image]struct{}
	inflight sync.WaitGroup
	bg       sync.WaitGroup

	// Serializes read-modify-write cycles of headers done by this session.
	headerMu sync.Mutex
}

// Connect dials the cluster using the transport selected by the
// configuration.
func Connect(ctx context.Context, cfg *config.Config) (*Session, error) {
	return ConnectWithDialer(ctx, cfg, Dial)
}

// ConnectWithDialer is Connect with a custom transport, e.g. a mock.
//
// Addresses are tried in order. Transient failures of each address are
// retried with exponential backoff, rejected credentials abort the connect
// immediately.
func ConnectWithDialer(ctx context.Context, cfg *config.Config, dial Dialer) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	s := &Session{
		cfg:      cfg,
		clientID: uuid.NewString(),
		handles:  make(map[*Image]struct{}),
	}
	s.logger = logging.Derive(cfg.Log.Pretty, cfg.Log.Level).With().Str("client", s.clientID).Logger()
	s.setState(Connecting)

	st, addr, err := s.dial(ctx, dial)
	if err != nil {
		s.setState(Failed)
		s.logger.Error().Err(err).Msg("Cannot connect to cluster")
		return nil, err
	}
	s.addr = addr

	cmap, err := clustermap.Fetch(ctx, st, cfg.Cluster.Addresses, cfg.Cluster.Bootstrap)
	if err != nil {
		st.Close()
		s.setState(Failed)
		if !errors.Is(err, clustermap.ErrIncompatible) {
			err = &ConnectionError{Addr: addr, Err: err}
		}
		s.logger.Error().Err(err).Msg("Cannot fetch cluster map")
		return nil, err
	}
	s.cmap = cmap

	s.logger = s.logger.With().Str("fsid", cmap.FSID).Logger()
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.proxy = objproxy.New(st, objproxy.Options{
		Readers: cfg.IO.Readers,
		Writers: cfg.IO.Writers,
		Retries: cfg.IO.Retries,
		Backoff: cfg.Cluster.RetryBackoff,
	})

	s.tracker = optracker.New(optracker.Options{
		HistorySize:     cfg.Tracker.HistorySize,
		HistoryDuration: cfg.Tracker.HistoryDuration,
		ComplaintTime:   cfg.Tracker.ComplaintTime,
		LogThreshold:    cfg.Tracker.LogThreshold,
	})

	if cfg.Tracker.CheckInterval > 0 {
		s.bg.Add(1)
		go s.slowOpsChecker(cfg.Tracker.CheckInterval)
	}

	s.setState(Connected)
	s.logger.Info().Str("addr", addr).Uint64("epoch", cmap.Epoch).Msg("Connected")

	return s, nil
}

// Dial opens the transport of the backend configured in cfg.
func Dial(ctx context.Context, addr string, cfg *config.Config) (store.ObjectStore, error) {
	switch cfg.Cluster.Backend {
	case config.BackendS3:
		return s3.New(ctx, s3.Options{
			Remote:    addr,
			Region:    cfg.S3.Region,
			Bucket:    cfg.S3.Bucket,
			AccessKey: cfg.Auth.User,
			SecretKey: cfg.Auth.Key,
			Prefix:    cfg.S3.Prefix,
		})

	case config.BackendRedis:
		return redis.New(ctx, redis.Options{
			Addr:     addr,
			Username: cfg.Auth.User,
			Password: cfg.Auth.Key,
			DB:       cfg.Redis.DB,
		})

	case config.BackendBadger:
		return badger.New(badger.Options{
			Dir:      addr,
			InMemory: cfg.Badger.InMemory,
		})

	case config.BackendMem:
		m := mem.Shared(addr)
		if err := m.Authenticate(cfg.Auth.User, cfg.Auth.Key); err != nil {
			return nil, err
		}
		return m.Client(), nil
	}

	return nil, fmt.Errorf("unknown backend %q", cfg.Cluster.Backend)
}

// Tries all addresses and returns the first store which could be opened.
func (s *Session) dial(ctx context.Context, dial Dialer) (store.ObjectStore, string, error) {
	addrs := s.cfg.Cluster.Addresses
	if len(addrs) == 0 {
		addrs = []string{""}
	}

	var lastErr error
	for _, addr := range addrs {
		st, err := s.dialWithRetries(ctx, dial, addr)
		if err == nil {
			return st, addr, nil
		}

		lastErr = &ConnectionError{Addr: addr, Err: err}
		if errors.Is(err, store.ErrAuth) || ctx.Err() != nil {
			return nil, "", lastErr
		}

		s.logger.Warn().Err(err).Str("addr", addr).Msg("Address unreachable, trying next one")
	}

	return nil, "", lastErr
}

func (s *Session) dialWithRetries(ctx context.Context, dial Dialer, addr string) (store.ObjectStore, error) {
	backoff := s.cfg.Cluster.RetryBackoff

	for attempt := 0; ; attempt++ {
		st, err := dial(ctx, addr, s.cfg)
		if err == nil {
			return st, nil
		}

		if !store.IsTransient(err) || attempt >= s.cfg.Cluster.ConnectRetries {
			return nil, err
		}

		s.logger.Debug().Err(err).Str("addr", addr).Int("attempt", attempt+1).Dur("backoff", backoff).Msg("Retrying connection")

		t := time.NewTimer(backoff)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		}

		backoff = min(2*backoff, s.cfg.Cluster.RetryBackoffMax)
	}
}

func (s *Session) setState(state State) {
	s.state.Store(int32(state))
}

// State returns the current state of the session.
func (s *Session) State() State {
	return State(s.state.Load())
}

// ClusterMap returns the cluster map fetched during connect.
func (s *Session) ClusterMap() clustermap.Map {
	return *s.cmap
}

// ClientID identifies this session, e.g. in image locks.
func (s *Session) ClientID() string {
	return s.clientID
}

// DumpOpsInFlight writes operations in progress as YAML.
func (s *Session) DumpOpsInFlight(w io.Writer) error {
	return s.tracker.DumpInFlight(w)
}

// DumpHistoricOps writes recently finished operations as YAML.
func (s *Session) DumpHistoricOps(w io.Writer) error {
	return s.tracker.DumpHistoric(w)
}

// Disconnect tears the session down. Operations in flight are cancelled and
// fail with ErrConnection, open images are closed. Disconnecting a session
// which is not connected does nothing.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	if s.State() != Connected {
		s.mu.Unlock()
		return nil
	}
	s.setState(Disconnected)
	handles := s.handles
	s.handles = make(map[*Image]struct{})
	s.mu.Unlock()

	s.cancel()
	s.inflight.Wait()

	// Operations are gone, release what the handles hold in the cluster
	// with a fresh context.
	ctx, cancel := s.detachedContext()
	defer cancel()

	for img := range handles {
		if err := img.release(ctx, errTornDown); err != nil {
			s.logger.Warn().Err(err).Str("image", img.Name()).Msg("Cannot release image")
		}
	}

	s.bg.Wait()
	s.proxy.Stop()
	s.tracker.Shutdown()

	err := s.proxy.Instance.Close()
	s.logger.Info().Msg("Disconnected")

	return err
}

// Context for work which must be done even when the session context is
// cancelled.
func (s *Session) detachedContext() (context.Context, context.CancelFunc) {
	if s.cfg.Cluster.Timeout > 0 {
		return context.WithTimeout(context.Background(), s.cfg.Cluster.Timeout)
	}

	return context.WithCancel(context.Background())
}

func (s *Session) slowOpsChecker(interval time.Duration) {
	defer s.bg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, warning := range s.tracker.CheckSlow() {
				s.logger.Warn().Msg(warning)
			}
		case <-s.ctx.Done():
			return
		}
	}
}

// Registers an operation and returns its context, which is cancelled by the
// caller, by Disconnect or by the configured timeout. The returned function
// must be called when the operation is done.
func (s *Session) begin(ctx context.Context) (context.Context, func(), error) {
	s.mu.Lock()
	if s.State() != Connected {
		s.mu.Unlock()
		return nil, nil, &ConnectionError{Addr: s.addr, Err: errNotConnected}
	}
	s.inflight.Add(1)
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)

	cancelTimeout := func() {}
	if s.cfg.Cluster.Timeout > 0 {
		ctx, cancelTimeout = context.WithTimeout(ctx, s.cfg.Cluster.Timeout)
	}

	return ctx, func() {
		cancelTimeout()
		stop()
		cancel()
		s.inflight.Done()
	}, nil
}

// Runs fn as one tracked client operation.
func (s *Session) do(ctx context.Context, fn func(ctx context.Context, op *optracker.Op) error, format string, args ...interface{}) error {
	ctx, end, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer end()

	op := s.tracker.Start(format, args...)
	defer op.Finish()

	return s.translate(fn(ctx, op))
}

var (
	errNotConnected = errors.New("session not connected")
	errTornDown     = fmt.Errorf("%w: session torn down (%w)", ErrClosed, ErrConnection)
)

// Errors caused by the session teardown or by the unreachable cluster are
// reported as connection errors.
func (s *Session) translate(err error) error {
	if err == nil || errors.Is(err, ErrConnection) {
		return err
	}

	if s.ctx.Err() != nil || errors.Is(err, objproxy.ErrStopped) || errors.Is(err, store.ErrUnavailable) {
		return &ConnectionError{Addr: s.addr, Err: err}
	}

	return err
}

func (s *Session) register(img *Image) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() != Connected {
		return &ConnectionError{Addr: s.addr, Err: errNotConnected}
	}
	s.handles[img] = struct{}{}

	return nil
}

func (s *Session) deregister(img *Image) {
	s.mu.Lock()
	delete(s.handles, img)
	s.mu.Unlock()
}

// Load, modify and store the header of image id.
func (s *Session) updateHeader(ctx context.Context, id string, fn func(h *header) error) (*header, error) {
	s.headerMu.Lock()
	defer s.headerMu.Unlock()

	h, err := s.loadHeader(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := fn(h); err != nil {
		return nil, err
	}

	if err := s.saveHeader(ctx, h); err != nil {
		return nil, err
	}

	return h, nil
}
