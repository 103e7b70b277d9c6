// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package rbd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/asch/rbd/internal/key"
	"github.com/asch/rbd/internal/objectmap"
	"github.com/asch/rbd/internal/optracker"
	"github.com/asch/rbd/internal/striper"
	"github.com/asch/rbd/store"
)

// Mode of an open image.
type Mode int

const (
	// Any number of shared handles may write the image, the last write of
	// an object wins.
	Shared Mode = iota

	// Only one exclusive handle exists and no shared handle may be opened
	// while it does. Shared handles opened before fail with ErrBusy on
	// writes and metadata changes. Exclusive handles maintain the object
	// map.
	Exclusive
)

func (m Mode) String() string {
	switch m {
	case Shared:
		return "shared"
	case Exclusive:
		return "exclusive"
	}

	return fmt.Sprintf("Mode(%d)", int(m))
}

// Image is an open image. It must be closed by Close, or it is closed by
// the Disconnect of its session. Methods are safe for concurrent use but
// writes of overlapping ranges issued concurrently are not ordered.
type Image struct {
	s    *Session
	id   string
	mode Mode

	// Zero for the head, otherwise the handle is read-only view of the
	// snapshot.
	snapID uint64

	// Guards hdr. I/O holds it shared for the whole operation, metadata
	// changes exclusively, hence they never see half done writes.
	mu     sync.RWMutex
	hdr    *header
	layout striper.Layout

	// Exclusive head handles only.
	omap      *objectmap.Proxy
	omapMu    sync.Mutex
	persisted atomic.Bool
	locked    bool

	// Read-only handle of the parent snapshot, opened on first use.
	parentMu  sync.Mutex
	parentImg *Image

	snapSeq   key.Counter
	objLocks  sync.Map // objectno -> *sync.Mutex
	preserved sync.Map // objectno -> id of the snapshot it is preserved for
	resolved  sync.Map // objectno -> clone name serving the snapshot

	// Pending asynchronous writes. New ones are added under asyncGate held
	// shared, drainers hold it exclusively while waiting.
	async     sync.WaitGroup
	asyncGate sync.RWMutex
	asyncMu   sync.Mutex
	asyncErr  error

	closeMu     sync.Mutex
	closeErr    error
	releaseOnce sync.Once
}

// Opens image id. For a non-empty snapName the handle is read-only view of
// the snapshot, otherwise the head is opened in mode.
func (s *Session) openImage(ctx context.Context, op *optracker.Op, id string, mode Mode, snapName string) (*Image, error) {
	h, err := s.loadHeader(ctx, id)
	if err != nil {
		return nil, err
	}

	img := &Image{
		s:      s,
		id:     id,
		mode:   mode,
		hdr:    h,
		layout: h.layout(),
	}

	switch {
	case snapName != "":
		si := h.snapByName(snapName)
		if si == nil {
			return nil, fmt.Errorf("snapshot %q of image %q: %w", snapName, h.Name, ErrNotFound)
		}
		img.snapID = si.ID
		img.mode = Shared

	case mode == Exclusive:
		op.Mark("locking")
		if err := img.lock(ctx); err != nil {
			return nil, err
		}

		op.Mark("loading object map")
		if err := img.loadObjectMap(ctx); err != nil {
			if img.omap != nil {
				img.omap.Stop()
			}

			// The op context may be cancelled by Disconnect.
			cctx, cancel := s.detachedContext()
			defer cancel()
			if uerr := img.unlock(cctx); uerr != nil {
				s.logger.Warn().Err(uerr).Str("image", h.Name).Msg("Cannot unlock image after failed open")
			}
			return nil, err
		}

	default:
		if err := img.checkNotLockedByOther(ctx); err != nil {
			return nil, err
		}

		// Shared writers do not maintain the map, so it becomes stale.
		if err := img.invalidateObjectMap(ctx); err != nil {
			return nil, err
		}
	}

	if err := s.register(img); err != nil {
		cctx, cancel := s.detachedContext()
		defer cancel()
		if rerr := img.release(cctx, errTornDown); rerr != nil {
			s.logger.Warn().Err(rerr).Str("image", h.Name).Msg("Cannot release image after failed open")
		}
		return nil, err
	}

	s.logger.Debug().Str("image", h.Name).Str("mode", img.mode.String()).Uint64("snap", img.snapID).Msg("Image opened")

	return img, nil
}

// Opens the parent snapshot of a clone. The handle is private to the child
// and closed with it.
func (s *Session) openParent(ctx context.Context, p *parent) (*Image, error) {
	h, err := s.loadHeader(ctx, p.ImageID)
	if err != nil {
		return nil, fmt.Errorf("parent of clone: %w", err)
	}

	if h.snapByID(p.SnapID) == nil {
		return nil, fmt.Errorf("parent snapshot %d of image %s: %w", p.SnapID, h.Name, ErrNotFound)
	}

	return &Image{
		s:      s,
		id:     p.ImageID,
		mode:   Shared,
		snapID: p.SnapID,
		hdr:    h,
		layout: h.layout(),
	}, nil
}

func (img *Image) lock(ctx context.Context) error {
	err := img.s.proxy.Create(ctx, lockName(img.id), []byte(img.s.clientID), true)
	if errors.Is(err, store.ErrExist) {
		return fmt.Errorf("image %q: %w", img.hdr.Name, ErrBusy)
	}
	if err != nil {
		return err
	}
	img.locked = true

	return nil
}

// Removes the lock unless it was broken and taken by somebody else meanwhile.
func (img *Image) unlock(ctx context.Context) error {
	if !img.locked {
		return nil
	}

	owner, err := img.s.proxy.ReadAll(ctx, lockName(img.id), true)
	if errors.Is(err, store.ErrNotExist) {
		img.locked = false
		return nil
	}
	if err != nil {
		return err
	}

	if string(owner) == img.s.clientID {
		if err := img.s.removeIgnoreMissing(ctx, lockName(img.id), true); err != nil {
			return err
		}
	}
	img.locked = false

	return nil
}

// Fails with ErrBusy when somebody else holds the exclusive lock.
func (img *Image) checkNotLockedByOther(ctx context.Context) error {
	if img.locked {
		return nil
	}

	_, err := img.s.proxy.Stat(ctx, lockName(img.id), true)
	if err == nil {
		return fmt.Errorf("image %q: %w", img.hdr.Name, ErrBusy)
	}
	if errors.Is(err, store.ErrNotExist) {
		return nil
	}

	return err
}

// Loads the persisted object map. When there is none, e.g. after a crash or
// after the image was written by shared handles, it is rebuilt by listing.
// The persisted copy is removed because it is going to be stale until the
// next flush.
func (img *Image) loadObjectMap(ctx context.Context) error {
	count := striper.ObjectCount(img.layout, img.hdr.Size)

	buf, err := img.s.proxy.ReadAll(ctx, objectMapName(img.id), true)
	if err != nil && !errors.Is(err, store.ErrNotExist) {
		return err
	}

	var m *objectmap.Map
	if err == nil {
		if m, err = objectmap.Deserialize(buf, count); err != nil {
			img.s.logger.Warn().Err(err).Str("image", img.hdr.Name).Msg("Object map corrupted, rebuilding")
			m = nil
		}
	}

	if m == nil {
		set, err := img.s.listDataObjects(ctx, img.id)
		if err != nil {
			return err
		}

		m = objectmap.New(count)
		for objectno := range set.heads {
			m.Set(objectno, objectmap.Exists)
		}
	}

	img.omap = objectmap.NewProxy(m)
	img.persisted.Store(true)

	return img.invalidateObjectMap(ctx)
}

// Removes the persisted object map before the first modification after it
// was persisted. Shared handles do not track the map and remove it before
// every modification, an exclusive holder may have persisted one meanwhile.
func (img *Image) invalidateObjectMap(ctx context.Context) error {
	if img.omap == nil {
		return img.s.removeIgnoreMissing(ctx, objectMapName(img.id), true)
	}
	if !img.persisted.Load() {
		return nil
	}

	img.omapMu.Lock()
	defer img.omapMu.Unlock()

	if !img.persisted.Load() {
		return nil
	}
	if err := img.s.removeIgnoreMissing(ctx, objectMapName(img.id), true); err != nil {
		return err
	}
	img.persisted.Store(false)
	img.omap.MarkDirty()

	return nil
}

// Persists the object map. Caller holds img.mu exclusively so no update can
// slip in between serialization and the write.
func (img *Image) persistObjectMap(ctx context.Context) error {
	if img.omap == nil {
		return nil
	}

	buf, err := img.omap.SerializeDirty()
	if err != nil || buf == nil {
		return err
	}

	if err := img.s.proxy.WriteFull(ctx, objectMapName(img.id), buf, true); err != nil {
		img.omap.MarkDirty()
		return err
	}
	img.persisted.Store(true)

	return nil
}

func (img *Image) setClosed(reason error) bool {
	img.closeMu.Lock()
	defer img.closeMu.Unlock()

	if img.closeErr != nil {
		return false
	}
	img.closeErr = reason

	return true
}

// Returns nil when the handle can be used.
func (img *Image) check() error {
	img.closeMu.Lock()
	defer img.closeMu.Unlock()

	return img.closeErr
}

func (img *Image) checkWritable() error {
	if err := img.check(); err != nil {
		return err
	}
	if img.snapID != 0 {
		return ErrReadOnly
	}

	return nil
}

// Frees everything the handle holds in the cluster. Later calls of the
// handle fail with reason.
func (img *Image) release(ctx context.Context, reason error) error {
	img.setClosed(reason)

	var err error
	img.releaseOnce.Do(func() {
		img.drainAsync()

		if img.omap != nil {
			img.mu.Lock()
			err = img.persistObjectMap(ctx)
			img.mu.Unlock()
			img.omap.Stop()
		}

		if uerr := img.unlock(ctx); err == nil {
			err = uerr
		}

		img.parentMu.Lock()
		if img.parentImg != nil {
			img.parentImg.release(ctx, reason)
		}
		img.parentMu.Unlock()
	})

	return err
}

// Close flushes the image and releases it. Any further call, including a
// second Close, fails with ErrClosed.
func (img *Image) Close() error {
	if err := img.check(); err != nil {
		return err
	}

	img.drainAsync()

	if !img.setClosed(ErrClosed) {
		return img.check()
	}

	err := img.s.do(context.Background(), func(ctx context.Context, op *optracker.Op) error {
		return img.release(ctx, ErrClosed)
	}, "close image %s", img.id)
	img.s.deregister(img)

	if aerr := img.takeAsyncErr(); err == nil {
		err = aerr
	}

	return err
}

// Returns the parent handle, nil for images without parent.
func (img *Image) parentImage(ctx context.Context, p *parent) (*Image, error) {
	if p == nil {
		return nil, nil
	}

	img.parentMu.Lock()
	defer img.parentMu.Unlock()

	if img.parentImg != nil && img.parentImg.id == p.ImageID && img.parentImg.snapID == p.SnapID {
		return img.parentImg, nil
	}

	parentImg, err := img.s.openParent(ctx, p)
	if err != nil {
		return nil, err
	}

	if img.parentImg != nil {
		img.parentImg.release(ctx, ErrClosed)
	}
	img.parentImg = parentImg

	return parentImg, nil
}

// Re-reads the header. Shared handles do it before modifications since
// other handles may have changed the image.
func (img *Image) refresh(ctx context.Context) error {
	h, err := img.s.loadHeader(ctx, img.id)
	if err != nil {
		return err
	}

	img.mu.Lock()
	img.hdr = h
	img.mu.Unlock()

	return nil
}

func (img *Image) refreshShared(ctx context.Context) error {
	if img.mode == Exclusive {
		return nil
	}

	return img.refresh(ctx)
}

// Size visible through the handle. Caller holds img.mu.
func (img *Image) sizeLocked() int64 {
	if img.snapID != 0 {
		if si := img.hdr.snapByID(img.snapID); si != nil {
			return si.Size
		}
	}

	return img.hdr.Size
}

// Parent visible through the handle. Caller holds img.mu.
func (img *Image) parentLocked() *parent {
	if img.snapID != 0 {
		if si := img.hdr.snapByID(img.snapID); si != nil {
			return si.Parent
		}
		return nil
	}

	return img.hdr.Parent
}

func checkRange(off, length, size int64) error {
	if off < 0 || length < 0 || off > size || length > size-off {
		return fmt.Errorf("%w: %d~%d, image size %d", ErrOutOfRange, off, length, size)
	}

	return nil
}

// Read returns length bytes at offset. The range must lie within the image.
func (img *Image) Read(ctx context.Context, offset, length int64) ([]byte, error) {
	if err := img.check(); err != nil {
		return nil, err
	}
	if length < 0 {
		return nil, fmt.Errorf("%w: negative length %d", ErrOutOfRange, length)
	}

	buf := make([]byte, length)
	if err := img.readInto(ctx, offset, buf); err != nil {
		return nil, err
	}

	return buf, nil
}

// ReadAt implements io.ReaderAt. Reads past the end are short and return
// io.EOF.
func (img *Image) ReadAt(p []byte, off int64) (int, error) {
	if err := img.check(); err != nil {
		return 0, err
	}

	img.mu.RLock()
	size := img.sizeLocked()
	img.mu.RUnlock()

	if off < 0 {
		return 0, fmt.Errorf("%w: negative offset %d", ErrOutOfRange, off)
	}
	if off >= size {
		if len(p) == 0 {
			return 0, nil
		}
		return 0, io.EOF
	}

	n := int(min(int64(len(p)), size-off))
	if err := img.readInto(context.Background(), off, p[:n]); err != nil {
		return 0, err
	}
	if n < len(p) {
		return n, io.EOF
	}

	return n, nil
}

func (img *Image) readInto(ctx context.Context, offset int64, buf []byte) error {
	return img.s.do(ctx, func(ctx context.Context, op *optracker.Op) error {
		img.mu.RLock()
		defer img.mu.RUnlock()

		// Close may have won the race for the lock.
		if err := img.check(); err != nil {
			return err
		}

		if err := checkRange(offset, int64(len(buf)), img.sizeLocked()); err != nil {
			return err
		}

		return img.read(ctx, offset, buf)
	}, "read %s %d~%d", img.id, offset, len(buf))
}

// Write writes data at offset and returns the number of bytes written. The
// range must lie within the image.
func (img *Image) Write(ctx context.Context, offset int64, data []byte) (int, error) {
	if err := img.checkWritable(); err != nil {
		return 0, err
	}

	err := img.s.do(ctx, func(ctx context.Context, op *optracker.Op) error {
		if err := img.refreshShared(ctx); err != nil {
			return err
		}

		img.mu.RLock()
		defer img.mu.RUnlock()

		if err := img.check(); err != nil {
			return err
		}

		// The object map of an exclusive holder would not see the write.
		if err := img.checkNotLockedByOther(ctx); err != nil {
			return err
		}

		if err := checkRange(offset, int64(len(data)), img.hdr.Size); err != nil {
			return err
		}

		if err := img.invalidateObjectMap(ctx); err != nil {
			return err
		}

		return img.write(ctx, offset, data)
	}, "write %s %d~%d", img.id, offset, len(data))
	if err != nil {
		return 0, err
	}

	return len(data), nil
}

// Completion of an asynchronous write.
type Completion struct {
	done chan struct{}
	n    int
	err  error
}

func (c *Completion) complete(n int, err error) {
	c.n, c.err = n, err
	close(c.done)
}

// Wait blocks until the write is done and returns its result.
func (c *Completion) Wait() (int, error) {
	<-c.done
	return c.n, c.err
}

// Done is closed when the write is done.
func (c *Completion) Done() <-chan struct{} {
	return c.done
}

// WriteAsync starts the write in background. Data are copied, so the buffer
// can be reused immediately. Flush waits for all asynchronous writes and
// reports the first failure.
func (img *Image) WriteAsync(ctx context.Context, offset int64, data []byte) *Completion {
	c := &Completion{done: make(chan struct{})}

	img.asyncGate.RLock()
	if err := img.checkWritable(); err != nil {
		img.asyncGate.RUnlock()
		c.complete(0, err)
		return c
	}
	img.async.Add(1)
	img.asyncGate.RUnlock()

	buf := bytes.Clone(data)
	go func() {
		defer img.async.Done()

		n, err := img.Write(ctx, offset, buf)
		if err != nil {
			img.setAsyncErr(err)
		}
		c.complete(n, err)
	}()

	return c
}

// Waits for all asynchronous writes started so far.
func (img *Image) drainAsync() {
	img.asyncGate.Lock()
	defer img.asyncGate.Unlock()

	img.async.Wait()
}

func (img *Image) setAsyncErr(err error) {
	img.asyncMu.Lock()
	if img.asyncErr == nil {
		img.asyncErr = err
	}
	img.asyncMu.Unlock()
}

func (img *Image) takeAsyncErr() error {
	img.asyncMu.Lock()
	defer img.asyncMu.Unlock()

	err := img.asyncErr
	img.asyncErr = nil

	return err
}

// Flush waits for asynchronous writes and persists the object map. It
// returns the first asynchronous write failure since the previous Flush.
func (img *Image) Flush(ctx context.Context) error {
	if err := img.check(); err != nil {
		return err
	}

	img.drainAsync()

	err := img.s.do(ctx, func(ctx context.Context, op *optracker.Op) error {
		img.mu.Lock()
		defer img.mu.Unlock()

		if err := img.check(); err != nil {
			return err
		}

		return img.persistObjectMap(ctx)
	}, "flush %s", img.id)
	if err != nil {
		return err
	}

	return img.takeAsyncErr()
}

// Resize changes the size of the image. The size is rounded up to the object
// size. Shrinking removes data beyond the new end, snapshots keep theirs.
func (img *Image) Resize(ctx context.Context, size int64) error {
	if err := img.checkWritable(); err != nil {
		return err
	}

	img.drainAsync()

	return img.s.do(ctx, func(ctx context.Context, op *optracker.Op) error {
		if err := img.refreshShared(ctx); err != nil {
			return err
		}

		img.mu.Lock()
		defer img.mu.Unlock()

		if err := img.check(); err != nil {
			return err
		}

		if err := img.checkNotLockedByOther(ctx); err != nil {
			return err
		}

		size, err := roundSize(size, img.layout.ObjectSize)
		if err != nil {
			return err
		}

		if err := img.invalidateObjectMap(ctx); err != nil {
			return err
		}

		return img.resizeLocked(ctx, op, size)
	}, "resize %s to %d", img.id, size)
}

// Caller holds img.mu exclusively.
func (img *Image) resizeLocked(ctx context.Context, op *optracker.Op, size int64) error {
	oldSize := img.hdr.Size

	if size < oldSize {
		op.Mark("trimming objects")
		set, err := img.s.listDataObjects(ctx, img.id)
		if err != nil {
			return err
		}

		var failures ioFailures
		img.forEachObject(ctx, keys(set.heads), &failures, func(ctx context.Context, objectno uint64) error {
			return img.shrinkObject(ctx, objectno, size)
		})
		if err := failures.result("resize"); err != nil {
			return err
		}
	}

	op.Mark("updating header")
	h, err := img.s.updateHeader(ctx, img.id, func(h *header) error {
		h.Size = size
		if h.Parent != nil && h.Parent.Overlap > size {
			h.Parent.Overlap = size
		}
		return nil
	})
	if err != nil {
		return err
	}
	img.hdr = h

	if img.omap != nil {
		img.omap.Resize(striper.ObjectCount(img.layout, size))
	}

	img.s.logger.Info().Str("image", h.Name).Int64("from", oldSize).Int64("to", size).Msg("Image resized")

	return nil
}

func (img *Image) shrinkObject(ctx context.Context, objectno uint64, size int64) error {
	newLen := striper.ObjectLength(img.layout, objectno, size)
	oldLen := striper.ObjectLength(img.layout, objectno, img.hdr.Size)
	if newLen >= oldLen && newLen > 0 {
		return nil
	}

	unlock := img.lockObject(objectno)
	defer unlock()

	if err := img.prepareObject(ctx, objectno, false); err != nil {
		return err
	}

	name := dataObjectName(img.id, objectno)
	if newLen == 0 {
		if err := img.s.removeIgnoreMissing(ctx, name, true); err != nil {
			return err
		}
		img.setObjectState(objectno, objectmap.Nonexistent)
		return nil
	}

	err := img.s.proxy.Truncate(ctx, name, newLen, true)
	if errors.Is(err, store.ErrNotExist) {
		return nil
	}

	return err
}

// Size returns the size of the image, or of the snapshot for snapshot
// handles.
func (img *Image) Size() int64 {
	img.mu.RLock()
	defer img.mu.RUnlock()

	return img.sizeLocked()
}

// Name returns the name of the image.
func (img *Image) Name() string {
	img.mu.RLock()
	defer img.mu.RUnlock()

	return img.hdr.Name
}

// ID returns the immutable id of the image.
func (img *Image) ID() string {
	return img.id
}

// SnapshotID returns the id of the snapshot the handle views, zero for the
// head.
func (img *Image) SnapshotID() uint64 {
	return img.snapID
}

// Mode returns the mode the image was opened in.
func (img *Image) Mode() Mode {
	return img.mode
}

// Meta returns metadata of the image as known by the handle. Snapshots in the
// result are bound to the handle.
func (img *Image) Meta() *ImageMeta {
	img.mu.RLock()
	defer img.mu.RUnlock()

	m := img.hdr.meta(img)
	m.Size = img.sizeLocked()

	return m
}
