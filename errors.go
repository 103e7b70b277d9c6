// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package rbd

import (
	"errors"
	"fmt"
)

// Error kinds returned by the client. Compare with errors.Is, the returned
// errors usually wrap these with more context.
var (
	// The cluster cannot be reached or the session is torn down. The only
	// kind worth retrying.
	ErrConnection = errors.New("connection error")

	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrInvalidSize   = errors.New("invalid size")
	ErrInvalidName   = errors.New("invalid name")
	ErrOutOfRange    = errors.New("out of range")
	ErrProtected     = errors.New("snapshot is protected")
	ErrNotProtected  = errors.New("snapshot is not protected")
	ErrHasSnapshots  = errors.New("image has snapshots")
	ErrHasChildren   = errors.New("snapshot has clones")

	// Object I/O failed, see IOError for the affected range.
	ErrIO = errors.New("i/o error")

	// The handle was closed, explicitly or by session teardown.
	ErrClosed = errors.New("image closed")

	// Write to an image opened at a snapshot.
	ErrReadOnly = errors.New("image is read-only")

	// Exclusive lock is held by another handle.
	ErrBusy = errors.New("image is locked")

	// Metadata failed integrity check.
	ErrCorrupt = errors.New("corrupted metadata")
)

// ConnectionError describes failure to reach the cluster at Addr.
type ConnectionError struct {
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %q failed: %v", e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

func (e *ConnectionError) Is(target error) bool {
	return target == ErrConnection
}

// IOError describes failed object I/O. Offset and Length delimit the image
// byte range covering all failed objects of the operation.
type IOError struct {
	Op     string
	Offset int64
	Length int64
	Err    error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %d~%d: %v", e.Op, e.Offset, e.Length, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

func (e *IOError) Is(target error) bool {
	return target == ErrIO
}
