// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package objproxy is a proxy for ObjectStore which limits concurrency,
// performs prioritization of various requests and retries transient failures.
package objproxy

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/asch/rbd/store"
)

// Returned for requests which could not be served because the proxy was
// stopped.
var ErrStopped = errors.New("object proxy stopped")

// Proxy for the backend storage which prioritizes requests. Requests coming to
// the priority channels are handled first. Like this requests from low
// priority operations like snapshot trimming do not slow down normal I/O.
type ObjectProxy struct {
	Instance store.ObjectStore

	// Number of go routines to spawn for handling read requests and
	// write requests.
	readers int
	writers int

	// Transient failures are retried this many times with exponential
	// backoff starting at backoff.
	retries int
	backoff time.Duration

	// Internal channels.
	reads      chan request
	writes     chan request
	readsPrio  chan request
	writesPrio chan request

	quit     chan struct{}
	stopOnce sync.Once
	workers  sync.WaitGroup
}

// Options to use in New() function.
type Options struct {
	Readers int
	Writers int
	Retries int
	Backoff time.Duration
}

// Request is internal structure for wrapping the communication into channels.
type request struct {
	ctx  context.Context
	op   func(ctx context.Context) error
	done chan error
}

// Return new instance of the proxy which can be directly used. It immediately
// spawns go routines for read and write workers.
func New(storeInstance store.ObjectStore, o Options) *ObjectProxy {
	p := &ObjectProxy{
		Instance:   storeInstance,
		readers:    max(o.Readers, 1),
		writers:    max(o.Writers, 1),
		retries:    o.Retries,
		backoff:    o.Backoff,
		reads:      make(chan request),
		writes:     make(chan request),
		readsPrio:  make(chan request),
		writesPrio: make(chan request),
		quit:       make(chan struct{}),
	}

	for i := 0; i < p.readers; i++ {
		p.workers.Add(1)
		go p.worker(p.readsPrio, p.reads)
	}

	for i := 0; i < p.writers; i++ {
		p.workers.Add(1)
		go p.worker(p.writesPrio, p.writes)
	}

	return p
}

// Stop terminates all workers. Requests being executed are finished first.
// Further requests fail with ErrStopped.
func (p *ObjectProxy) Stop() {
	p.stopOnce.Do(func() {
		close(p.quit)
	})
	p.workers.Wait()
}

// Hands the request to a worker selected by the channel and waits for the
// reply. Once the request is accepted we always wait for the worker since it
// may still use caller's buffers.
func (p *ObjectProxy) submit(ctx context.Context, c chan request, op func(ctx context.Context) error) error {
	done := make(chan error, 1)

	select {
	case c <- request{ctx: ctx, op: op, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.quit:
		return ErrStopped
	}

	return <-done
}

func (p *ObjectProxy) readChan(prio bool) chan request {
	if prio {
		return p.readsPrio
	}
	return p.reads
}

func (p *ObjectProxy) writeChan(prio bool) chan request {
	if prio {
		return p.writesPrio
	}
	return p.writes
}

// Proxy function for reading part of the object. It selects the right channel
// according to prio and waits for reply.
func (p *ObjectProxy) ReadAt(ctx context.Context, name string, buf []byte, offset int64, prio bool) (int, error) {
	var n int
	err := p.submit(ctx, p.readChan(prio), func(ctx context.Context) error {
		var err error
		n, err = p.Instance.ReadAt(ctx, name, buf, offset)
		return err
	})

	return n, err
}

// Proxy function for writing part of the object.
func (p *ObjectProxy) WriteAt(ctx context.Context, name string, buf []byte, offset int64, prio bool) error {
	return p.submit(ctx, p.writeChan(prio), func(ctx context.Context) error {
		return p.Instance.WriteAt(ctx, name, buf, offset)
	})
}

// Proxy function for replacing the whole object.
func (p *ObjectProxy) WriteFull(ctx context.Context, name string, buf []byte, prio bool) error {
	return p.submit(ctx, p.writeChan(prio), func(ctx context.Context) error {
		return p.Instance.WriteFull(ctx, name, buf)
	})
}

// Proxy function for exclusive creation.
func (p *ObjectProxy) Create(ctx context.Context, name string, buf []byte, prio bool) error {
	return p.submit(ctx, p.writeChan(prio), func(ctx context.Context) error {
		return p.Instance.Create(ctx, name, buf)
	})
}

// Proxy function for getting the object size.
func (p *ObjectProxy) Stat(ctx context.Context, name string, prio bool) (int64, error) {
	var size int64
	err := p.submit(ctx, p.readChan(prio), func(ctx context.Context) error {
		var err error
		size, err = p.Instance.Stat(ctx, name)
		return err
	})

	return size, err
}

// Proxy function for truncation.
func (p *ObjectProxy) Truncate(ctx context.Context, name string, size int64, prio bool) error {
	return p.submit(ctx, p.writeChan(prio), func(ctx context.Context) error {
		return p.Instance.Truncate(ctx, name, size)
	})
}

// Proxy function for removal.
func (p *ObjectProxy) Remove(ctx context.Context, name string, prio bool) error {
	return p.submit(ctx, p.writeChan(prio), func(ctx context.Context) error {
		return p.Instance.Remove(ctx, name)
	})
}

// Proxy function for copying an object. Missing source produces empty
// destination.
func (p *ObjectProxy) Copy(ctx context.Context, src, dst string, prio bool) error {
	return p.submit(ctx, p.writeChan(prio), func(ctx context.Context) error {
		return store.Copy(ctx, p.Instance, src, dst)
	})
}

// Proxy function for reading the whole object.
func (p *ObjectProxy) ReadAll(ctx context.Context, name string, prio bool) ([]byte, error) {
	var data []byte
	err := p.submit(ctx, p.readChan(prio), func(ctx context.Context) error {
		var err error
		data, err = store.ReadAll(ctx, p.Instance, name)
		return err
	})

	return data, err
}

// Proxy function for listing a page of object names.
func (p *ObjectProxy) List(ctx context.Context, prefix, startAfter string, max int, prio bool) ([]string, error) {
	var names []string
	err := p.submit(ctx, p.readChan(prio), func(ctx context.Context) error {
		var err error
		names, err = p.Instance.List(ctx, prefix, startAfter, max)
		return err
	})

	return names, err
}

// Generic function for prioritization used by both, reader and writer workers.
func (p *ObjectProxy) receiveRequest(prio chan request, normal chan request) (request, bool) {
	var r request

	select {
	case r = <-prio:
	default:
		select {
		case r = <-prio:
		case r = <-normal:
		case <-p.quit:
			return r, false
		}
	}

	return r, true
}

// Worker executes requests until the proxy is stopped.
func (p *ObjectProxy) worker(prio chan request, normal chan request) {
	defer p.workers.Done()

	for {
		r, ok := p.receiveRequest(prio, normal)
		if !ok {
			return
		}
		r.done <- p.execute(r)
	}
}

// Executes the request and retries transient failures with exponential
// backoff.
func (p *ObjectProxy) execute(r request) error {
	backoff := p.backoff

	for attempt := 0; ; attempt++ {
		err := r.op(r.ctx)
		if err == nil || !store.IsTransient(err) || attempt >= p.retries {
			return err
		}

		log.Debug().Err(err).Int("attempt", attempt+1).Dur("backoff", backoff).Msg("retrying object operation")

		select {
		case <-time.After(backoff):
		case <-r.ctx.Done():
			return r.ctx.Err()
		case <-p.quit:
			return err
		}
		backoff *= 2
	}
}
