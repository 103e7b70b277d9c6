// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package rbd

import (
	"context"
	"errors"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/asch/rbd/internal/objectmap"
	"github.com/asch/rbd/internal/striper"
	"github.com/asch/rbd/store"
)

// Failed object I/O of one operation. The range grows to cover every failed
// piece and the first error is kept.
type ioFailures struct {
	mu    sync.Mutex
	start int64
	end   int64
	err   error
}

func (f *ioFailures) add(start, length int64, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err == nil {
		f.start, f.end, f.err = start, start+length, err
		return
	}
	f.start = min(f.start, start)
	f.end = max(f.end, start+length)
}

func (f *ioFailures) addExtents(base int64, extents []striper.Extent, err error) {
	for _, e := range extents {
		f.add(base+e.BufferOffset, e.Length, err)
	}
}

func (f *ioFailures) result(op string) error {
	if f.err == nil {
		return nil
	}

	return &IOError{Op: op, Offset: f.start, Length: f.end - f.start, Err: f.err}
}

func keys(m map[uint64]struct{}) []uint64 {
	sorted := make([]uint64, 0, len(m))
	for k := range m {
		sorted = append(sorted, k)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	return sorted
}

// Image range spanned by the object.
func (img *Image) objectRange(objectno uint64) (int64, int64) {
	start := striper.ObjectToImage(img.layout, objectno, 0)
	end := striper.ObjectToImage(img.layout, objectno, img.layout.ObjectSize-1) + 1

	return start, end - start
}

// Runs fn for all objects in parallel. Failures are recorded per object.
func (img *Image) forEachObject(ctx context.Context, objects []uint64, failures *ioFailures, fn func(ctx context.Context, objectno uint64) error) {
	var g errgroup.Group
	g.SetLimit(img.s.cfg.IO.Writers)

	for _, objectno := range objects {
		g.Go(func() error {
			if err := fn(ctx, objectno); err != nil {
				start, length := img.objectRange(objectno)
				failures.add(start, length, err)
			}
			return nil
		})
	}

	g.Wait()
}

// Serializes modifications of one object within the handle. Copy-on-write
// and copy-up must not interleave with writes of the same object.
func (img *Image) lockObject(objectno uint64) func() {
	v, _ := img.objLocks.LoadOrStore(objectno, &sync.Mutex{})
	m := v.(*sync.Mutex)
	m.Lock()

	return m.Unlock
}

func (img *Image) setObjectState(objectno uint64, state objectmap.State) {
	if img.omap != nil {
		img.omap.Set(objectno, state)
	}
}

func (img *Image) headExists(ctx context.Context, objectno uint64) (bool, error) {
	if img.omap != nil {
		return img.omap.Get(objectno) == objectmap.Exists, nil
	}

	_, err := img.s.proxy.Stat(ctx, dataObjectName(img.id, objectno), true)
	if errors.Is(err, store.ErrNotExist) {
		return false, nil
	}

	return err == nil, err
}

// Reads the range starting at image offset into buf. Caller holds img.mu.
func (img *Image) read(ctx context.Context, offset int64, buf []byte) error {
	var failures ioFailures
	var g errgroup.Group
	g.SetLimit(img.s.cfg.IO.Readers)

	extents := striper.MapRange(img.layout, offset, int64(len(buf)))
	for objectno, objExtents := range striper.GroupByObject(extents) {
		g.Go(func() error {
			if err := img.readObject(ctx, objectno, objExtents, offset, buf); err != nil {
				failures.addExtents(offset, objExtents, err)
			}
			return nil
		})
	}
	g.Wait()

	return failures.result("read")
}

func (img *Image) readObject(ctx context.Context, objectno uint64, extents []striper.Extent, base int64, buf []byte) error {
	for attempt := 0; ; attempt++ {
		name, err := img.resolveObject(ctx, objectno)
		if err != nil {
			return err
		}
		if name == "" {
			return img.readMissing(ctx, extents, base, buf)
		}

		err = img.readExisting(ctx, name, extents, buf)
		if !errors.Is(err, store.ErrNotExist) {
			return err
		}

		// Head removed meanwhile or clone moved by snapshot trimming.
		if img.snapID == 0 || attempt >= 2 {
			return img.readMissing(ctx, extents, base, buf)
		}
		img.resolved.Delete(objectno)
	}
}

func (img *Image) readExisting(ctx context.Context, name string, extents []striper.Extent, buf []byte) error {
	for _, e := range extents {
		dst := buf[e.BufferOffset : e.BufferOffset+e.Length]

		n, err := img.s.proxy.ReadAt(ctx, name, dst, e.Offset, true)
		if err != nil {
			return err
		}
		clear(dst[n:])
	}

	return nil
}

// Missing objects fall through to the parent within the overlap and read as
// zeros elsewhere.
func (img *Image) readMissing(ctx context.Context, extents []striper.Extent, base int64, buf []byte) error {
	p := img.parentLocked()

	for _, e := range extents {
		dst := buf[e.BufferOffset : e.BufferOffset+e.Length]
		if err := img.readFromParent(ctx, p, base+e.BufferOffset, dst); err != nil {
			return err
		}
	}

	return nil
}

func (img *Image) readFromParent(ctx context.Context, p *parent, offset int64, dst []byte) error {
	var n int64
	if p != nil && offset < p.Overlap {
		n = min(int64(len(dst)), p.Overlap-offset)
	}

	clear(dst[n:])
	if n == 0 {
		return nil
	}

	parentImg, err := img.parentImage(ctx, p)
	if err != nil {
		return err
	}

	parentImg.mu.RLock()
	defer parentImg.mu.RUnlock()

	return parentImg.read(ctx, offset, dst[:n])
}

// Returns name of the object holding data of objectno as seen by the handle,
// or empty string when there was no such object.
//
// Snapshot views are served by the oldest clone made for the snapshot or any
// newer one. When there is none, the object did not change since the
// snapshot and the head is used.
func (img *Image) resolveObject(ctx context.Context, objectno uint64) (string, error) {
	if img.snapID == 0 {
		if img.omap != nil && img.omap.Get(objectno) == objectmap.Nonexistent {
			return "", nil
		}
		return dataObjectName(img.id, objectno), nil
	}

	if v, ok := img.resolved.Load(objectno); ok {
		return v.(string), nil
	}

	snapID, err := img.s.findClone(ctx, img.id, objectno, img.snapID)
	if err != nil {
		return "", err
	}
	if snapID == 0 {
		return dataObjectName(img.id, objectno), nil
	}

	name := cloneObjectName(img.id, objectno, snapID)
	size, err := img.s.proxy.Stat(ctx, name, true)
	if errors.Is(err, store.ErrNotExist) {
		return name, nil
	}
	if err != nil {
		return "", err
	}

	// Empty clone preserves absence of the object. Clones never change,
	// hence the resolution can be cached.
	if size == 0 {
		name = ""
	}
	img.resolved.Store(objectno, name)

	return name, nil
}

// Returns id of the oldest clone of the object made for snapshot snapID or
// newer, zero when there is none.
func (s *Session) findClone(ctx context.Context, id string, objectno, snapID uint64) (uint64, error) {
	var found uint64

	err := store.ListAll(ctx, s.proxy.Instance, dataObjectName(id, objectno)+"@", func(name string) error {
		_, cloneID, err := parseDataObjectName(id, name)
		if err != nil {
			return nil
		}
		if cloneID >= snapID && (found == 0 || cloneID < found) {
			found = cloneID
		}
		return nil
	})

	return found, err
}

// Writes data at image offset. Caller holds img.mu.
func (img *Image) write(ctx context.Context, offset int64, data []byte) error {
	var failures ioFailures
	var g errgroup.Group
	g.SetLimit(img.s.cfg.IO.Writers)

	extents := striper.MapRange(img.layout, offset, int64(len(data)))
	for objectno, objExtents := range striper.GroupByObject(extents) {
		g.Go(func() error {
			if err := img.writeObject(ctx, objectno, objExtents, data); err != nil {
				failures.addExtents(offset, objExtents, err)
			}
			return nil
		})
	}
	g.Wait()

	return failures.result("write")
}

func (img *Image) writeObject(ctx context.Context, objectno uint64, extents []striper.Extent, data []byte) error {
	unlock := img.lockObject(objectno)
	defer unlock()

	if err := img.prepareObject(ctx, objectno, true); err != nil {
		return err
	}

	img.setObjectState(objectno, objectmap.Exists)
	name := dataObjectName(img.id, objectno)

	if len(extents) == 1 && extents[0].Offset == 0 && extents[0].Length == img.layout.ObjectSize {
		e := extents[0]
		return img.s.proxy.WriteFull(ctx, name, data[e.BufferOffset:e.BufferOffset+e.Length], true)
	}

	for _, e := range extents {
		if err := img.s.proxy.WriteAt(ctx, name, data[e.BufferOffset:e.BufferOffset+e.Length], e.Offset, true); err != nil {
			return err
		}
	}

	return nil
}

// Makes the head object ready for modification: preserves its content for
// the newest snapshot and, when copyUp is set, copies the parent data into a
// missing object of a clone. Caller holds img.mu and the object lock.
func (img *Image) prepareObject(ctx context.Context, objectno uint64, copyUp bool) error {
	if latest := img.hdr.latestSnap(); latest != 0 {
		if err := img.preserve(ctx, objectno, latest); err != nil {
			return err
		}
	}

	if copyUp {
		return img.copyUp(ctx, objectno)
	}

	return nil
}

// Copy-on-write of the head object for snapshot snapID. A missing head is
// preserved as an empty clone.
func (img *Image) preserve(ctx context.Context, objectno, snapID uint64) error {
	if v, ok := img.preserved.Load(objectno); ok && v.(uint64) == snapID {
		return nil
	}

	clone := cloneObjectName(img.id, objectno, snapID)
	_, err := img.s.proxy.Stat(ctx, clone, true)

	switch {
	case err == nil:
		// Preserved by another handle.

	case errors.Is(err, store.ErrNotExist):
		exists, err := img.headExists(ctx, objectno)
		if err != nil {
			return err
		}

		if exists {
			err = img.s.proxy.Copy(ctx, dataObjectName(img.id, objectno), clone, true)
		} else {
			err = img.s.proxy.WriteFull(ctx, clone, nil, true)
		}
		if err != nil {
			return err
		}

	default:
		return err
	}

	img.preserved.Store(objectno, snapID)

	return nil
}

// Fills a missing object of a clone with the parent data so that partial
// writes do not hide the rest of the parent data.
func (img *Image) copyUp(ctx context.Context, objectno uint64) error {
	p := img.hdr.Parent
	if p == nil || striper.ObjectToImage(img.layout, objectno, 0) >= p.Overlap {
		return nil
	}

	exists, err := img.headExists(ctx, objectno)
	if err != nil || exists {
		return err
	}

	objLen := striper.ObjectLength(img.layout, objectno, img.hdr.Size)
	buf := make([]byte, objLen)
	for _, e := range striper.ImageExtents(img.layout, objectno, objLen) {
		if err := img.readFromParent(ctx, p, e.Offset, buf[e.BufferOffset:e.BufferOffset+e.Length]); err != nil {
			return err
		}
	}

	img.setObjectState(objectno, objectmap.Exists)

	return img.s.proxy.WriteFull(ctx, dataObjectName(img.id, objectno), buf, true)
}
