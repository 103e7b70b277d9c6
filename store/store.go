// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package store defines the boundary between the block image client and the
// object storage it talks to. Anything implementing ObjectStore can serve as
// a cluster: S3, redis, badger and an in-memory store are provided in the
// subpackages, tests can provide their own.
package store

import (
	"context"
	"errors"
	"net"
)

var (
	// The object does not exist.
	ErrNotExist = errors.New("object does not exist")

	// The object exists and exclusive creation was requested.
	ErrExist = errors.New("object already exists")

	// The cluster rejected our credentials. Never retried.
	ErrAuth = errors.New("authentication rejected")

	// The cluster is temporarily unreachable. Safe to retry.
	ErrUnavailable = errors.New("cluster unavailable")
)

// Interface for the object backend. Objects are named byte arrays without any
// structure. Implementations must be safe for concurrent use.
type ObjectStore interface {
	// Reads into buf starting from offset in the object identified by
	// name. Returns number of bytes read which is smaller than len(buf)
	// when the object ends earlier. Returns ErrNotExist when the object
	// does not exist.
	ReadAt(ctx context.Context, name string, buf []byte, offset int64) (int, error)

	// Writes buf at offset into the object. The object is created if it
	// does not exist and gaps are filled with zeros.
	WriteAt(ctx context.Context, name string, buf []byte, offset int64) error

	// Replaces the whole object content with buf.
	WriteFull(ctx context.Context, name string, buf []byte) error

	// Creates the object with buf as content only if it does not exist
	// yet. Returns ErrExist otherwise.
	Create(ctx context.Context, name string, buf []byte) error

	// Returns size in bytes of the object.
	Stat(ctx context.Context, name string) (int64, error)

	// Shrinks or extends the object to size.
	Truncate(ctx context.Context, name string, size int64) error

	// Removes the object. Returns ErrNotExist if there is nothing to
	// remove.
	Remove(ctx context.Context, name string) error

	// Returns at most max names with prefix which sort after startAfter.
	// Names are sorted lexicographically.
	List(ctx context.Context, prefix, startAfter string, max int) ([]string, error)

	// Releases all the resources.
	Close() error
}

// IsTransient reports whether the operation failing with err can be retried.
func IsTransient(err error) bool {
	if errors.Is(err, ErrUnavailable) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// Copy copies the object src to dst. Missing src results in empty dst.
func Copy(ctx context.Context, s ObjectStore, src, dst string) error {
	data, err := ReadAll(ctx, s, src)
	if err != nil && !errors.Is(err, ErrNotExist) {
		return err
	}

	return s.WriteFull(ctx, dst, data)
}

// ReadAll returns the whole content of the object.
func ReadAll(ctx context.Context, s ObjectStore, name string) ([]byte, error) {
	size, err := s.Stat(ctx, name)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, size)
	n, err := s.ReadAt(ctx, name, buf, 0)
	if err != nil {
		return nil, err
	}

	return buf[:n], nil
}

// ListAll calls fn for all names with prefix, page by page.
func ListAll(ctx context.Context, s ObjectStore, prefix string, fn func(name string) error) error {
	const page = 1000

	after := ""
	for {
		names, err := s.List(ctx, prefix, after, page)
		if err != nil {
			return err
		}

		for _, n := range names {
			if err := fn(n); err != nil {
				return err
			}
		}

		if len(names) < page {
			return nil
		}
		after = names[len(names)-1]
	}
}
