// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package rbd

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/asch/rbd/internal/objectmap"
	"github.com/asch/rbd/internal/optracker"
	"github.com/asch/rbd/internal/striper"
)

// Snapshot is a point-in-time, read-only view of an image. Snapshots
// returned by an open image are bound to it and their methods operate
// through it.
type Snapshot struct {
	ID        uint64
	Name      string
	ImageID   string
	Size      int64
	Protected bool
	Created   time.Time

	// Set when the image was a clone at the time of the snapshot.
	Parent *ParentSpec

	// Ids of clones created from the snapshot.
	Children []string

	img *Image
}

var errUnbound = fmt.Errorf("%w: snapshot is not bound to an open image", ErrClosed)

func newSnapshot(h *header, si *snapInfo, img *Image) *Snapshot {
	snap := &Snapshot{
		ID:        si.ID,
		Name:      si.Name,
		ImageID:   h.ID,
		Size:      si.Size,
		Protected: si.Protected,
		Created:   si.Created,
		Parent:    si.Parent.spec(),
		img:       img,
	}

	for _, c := range si.Children {
		snap.Children = append(snap.Children, c.ImageID)
	}

	return snap
}

// Runs fn as a metadata operation of the head: asynchronous writes are
// waited for, the header is refreshed and img.mu is held exclusively.
func (img *Image) modify(ctx context.Context, fn func(ctx context.Context, op *optracker.Op) error, format string, args ...interface{}) error {
	if err := img.checkWritable(); err != nil {
		return err
	}

	img.drainAsync()

	return img.s.do(ctx, func(ctx context.Context, op *optracker.Op) error {
		if err := img.refresh(ctx); err != nil {
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

		return fn(ctx, op)
	}, format, args...)
}

// CreateSnapshot takes a snapshot of the image. Writes in progress are
// finished first and are part of the snapshot.
func (img *Image) CreateSnapshot(ctx context.Context, name string) (*Snapshot, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	var snap *Snapshot

	err := img.modify(ctx, func(ctx context.Context, op *optracker.Op) error {
		h, err := img.s.updateHeader(ctx, img.id, func(h *header) error {
			if h.snapByName(name) != nil {
				return fmt.Errorf("snapshot %q: %w", name, ErrAlreadyExists)
			}

			img.snapSeq.Advance(h.SnapSeq + 1)
			id := img.snapSeq.Next()
			h.SnapSeq = id

			h.Snapshots = append(h.Snapshots, snapInfo{
				ID:      id,
				Name:    name,
				Size:    h.Size,
				Created: time.Now().UTC(),
				Parent:  h.Parent.clone(),
			})

			return nil
		})
		if err != nil {
			return err
		}
		img.hdr = h

		si := h.snapByName(name)
		snap = newSnapshot(h, si, img)
		img.s.logger.Info().Str("image", h.Name).Str("snap", name).Uint64("id", si.ID).Msg("Snapshot created")

		return nil
	}, "create snapshot %s@%s", img.id, name)

	return snap, err
}

// Snapshots returns all snapshots of the image ordered by id.
func (img *Image) Snapshots(ctx context.Context) ([]*Snapshot, error) {
	if err := img.check(); err != nil {
		return nil, err
	}

	var snaps []*Snapshot

	err := img.s.do(ctx, func(ctx context.Context, op *optracker.Op) error {
		if err := img.refresh(ctx); err != nil {
			return err
		}

		img.mu.RLock()
		defer img.mu.RUnlock()

		for i := range img.hdr.Snapshots {
			snaps = append(snaps, newSnapshot(img.hdr, &img.hdr.Snapshots[i], img))
		}

		return nil
	}, "list snapshots %s", img.id)

	return snaps, err
}

// Snapshot returns the snapshot called name.
func (img *Image) Snapshot(ctx context.Context, name string) (*Snapshot, error) {
	snaps, err := img.Snapshots(ctx)
	if err != nil {
		return nil, err
	}

	for _, snap := range snaps {
		if snap.Name == name {
			return snap, nil
		}
	}

	return nil, fmt.Errorf("snapshot %q: %w", name, ErrNotFound)
}

// Updates the snapshot in the header and in snap.
func (snap *Snapshot) update(ctx context.Context, fn func(si *snapInfo) error, format string) error {
	img := snap.img
	if img == nil {
		return errUnbound
	}

	return img.modify(ctx, func(ctx context.Context, op *optracker.Op) error {
		h, err := img.s.updateHeader(ctx, img.id, func(h *header) error {
			si := h.snapByID(snap.ID)
			if si == nil {
				return fmt.Errorf("snapshot %q: %w", snap.Name, ErrNotFound)
			}
			return fn(si)
		})
		if err != nil {
			return err
		}
		img.hdr = h
		*snap = *newSnapshot(h, h.snapByID(snap.ID), img)

		return nil
	}, format, img.id, snap.Name)
}

// Protect forbids removal of the snapshot. Only protected snapshots can be
// cloned.
func (snap *Snapshot) Protect(ctx context.Context) error {
	return snap.update(ctx, func(si *snapInfo) error {
		si.Protected = true
		return nil
	}, "protect snapshot %s@%s")
}

// Unprotect allows removal of the snapshot again. It fails while clones of
// the snapshot exist.
func (snap *Snapshot) Unprotect(ctx context.Context) error {
	return snap.update(ctx, func(si *snapInfo) error {
		if !si.Protected {
			return fmt.Errorf("snapshot %q: %w", si.Name, ErrNotProtected)
		}
		if len(si.Children) > 0 {
			return fmt.Errorf("snapshot %q has %d clones: %w", si.Name, len(si.Children), ErrHasChildren)
		}
		si.Protected = false
		return nil
	}, "unprotect snapshot %s@%s")
}

// Remove deletes the snapshot and the object copies preserved only for it.
func (snap *Snapshot) Remove(ctx context.Context) error {
	img := snap.img
	if img == nil {
		return errUnbound
	}

	return img.modify(ctx, func(ctx context.Context, op *optracker.Op) error {
		return img.removeSnapshot(ctx, op, snap.ID)
	}, "remove snapshot %s@%s", img.id, snap.Name)
}

// Caller holds img.mu exclusively.
func (img *Image) removeSnapshot(ctx context.Context, op *optracker.Op, snapID uint64) error {
	var prev uint64
	var removed snapInfo

	// The header goes first. Interrupted trimming leaves clones of a
	// non-existent snapshot behind, which serve the same data as the moved
	// ones would.
	h, err := img.s.updateHeader(ctx, img.id, func(h *header) error {
		si := h.snapByID(snapID)
		if si == nil {
			return fmt.Errorf("snapshot %d: %w", snapID, ErrNotFound)
		}
		if si.Protected {
			return fmt.Errorf("snapshot %q: %w", si.Name, ErrProtected)
		}
		if len(si.Children) > 0 {
			return fmt.Errorf("snapshot %q: %w", si.Name, ErrHasChildren)
		}

		removed = *si
		prev = h.prevSnap(snapID)
		h.removeSnap(snapID)

		return nil
	})
	if err != nil {
		return err
	}
	img.hdr = h

	op.Mark("trimming clones")
	if err := img.trimClones(ctx, snapID, prev); err != nil {
		return err
	}

	if p := removed.Parent; p != nil && !h.referencesParent(p.ImageID, p.SnapID) {
		if err := img.s.detachChild(ctx, p, img.id); err != nil {
			return err
		}
	}

	img.s.logger.Info().Str("image", h.Name).Str("snap", removed.Name).Msg("Snapshot removed")

	return nil
}

// Clones made for the removed snapshot are still needed by the previous
// snapshot if it has no clone of its own, they are moved to it. Otherwise
// they are garbage.
func (img *Image) trimClones(ctx context.Context, snapID, prev uint64) error {
	set, err := img.s.listDataObjects(ctx, img.id)
	if err != nil {
		return err
	}

	var objects []uint64
	for objectno, ids := range set.clones {
		if slices.Contains(ids, snapID) {
			objects = append(objects, objectno)
		}
	}
	slices.Sort(objects)

	var failures ioFailures
	img.forEachObject(ctx, objects, &failures, func(ctx context.Context, objectno uint64) error {
		clone := cloneObjectName(img.id, objectno, snapID)

		if prev != 0 && !slices.Contains(set.clones[objectno], prev) {
			if err := img.s.proxy.Copy(ctx, clone, cloneObjectName(img.id, objectno, prev), false); err != nil {
				return err
			}
		}

		return img.s.removeIgnoreMissing(ctx, clone, false)
	})

	return failures.result("trim")
}

// Rollback reverts the image to the snapshot. It returns when all objects
// are reverted. Newer snapshots stay intact.
func (img *Image) Rollback(ctx context.Context, snap *Snapshot) error {
	if snap == nil || snap.ImageID != img.id {
		return fmt.Errorf("snapshot of another image: %w", ErrNotFound)
	}

	return img.modify(ctx, func(ctx context.Context, op *optracker.Op) error {
		si := img.hdr.snapByID(snap.ID)
		if si == nil {
			return fmt.Errorf("snapshot %q: %w", snap.Name, ErrNotFound)
		}
		target := *si

		if err := img.invalidateObjectMap(ctx); err != nil {
			return err
		}

		if err := img.resizeLocked(ctx, op, target.Size); err != nil {
			return err
		}

		op.Mark("reverting objects")
		set, err := img.s.listDataObjects(ctx, img.id)
		if err != nil {
			return err
		}

		count := striper.ObjectCount(img.layout, target.Size)
		var objects []uint64
		for _, objectno := range set.objects() {
			if objectno < count {
				objects = append(objects, objectno)
			}
		}

		var failures ioFailures
		img.forEachObject(ctx, objects, &failures, func(ctx context.Context, objectno uint64) error {
			return img.revertObject(ctx, objectno, target.ID, set.clones[objectno])
		})
		if err := failures.result("rollback"); err != nil {
			return err
		}

		h, err := img.s.updateHeader(ctx, img.id, func(h *header) error {
			h.Parent = target.Parent.clone()
			return nil
		})
		if err != nil {
			return err
		}
		img.hdr = h

		img.s.logger.Info().Str("image", h.Name).Str("snap", target.Name).Int("objects", len(objects)).Msg("Image rolled back")

		return nil
	}, "rollback %s to %s", img.id, snap.Name)
}

// Replaces the head object by its content at snapshot snapID. Objects without
// a clone for the snapshot or newer did not change and are left alone.
func (img *Image) revertObject(ctx context.Context, objectno, snapID uint64, clones []uint64) error {
	i, _ := slices.BinarySearch(clones, snapID)
	if i == len(clones) {
		return nil
	}

	data, err := img.s.proxy.ReadAll(ctx, cloneObjectName(img.id, objectno, clones[i]), true)
	if err != nil {
		return err
	}

	unlock := img.lockObject(objectno)
	defer unlock()

	if err := img.prepareObject(ctx, objectno, false); err != nil {
		return err
	}

	head := dataObjectName(img.id, objectno)
	if len(data) == 0 {
		if err := img.s.removeIgnoreMissing(ctx, head, true); err != nil {
			return err
		}
		img.setObjectState(objectno, objectmap.Nonexistent)
		return nil
	}

	img.setObjectState(objectno, objectmap.Exists)

	return img.s.proxy.WriteFull(ctx, head, data, true)
}

// ListChildren returns names of the clones of the snapshot.
func (snap *Snapshot) ListChildren(ctx context.Context) ([]string, error) {
	img := snap.img
	if img == nil {
		return nil, errUnbound
	}
	if err := img.check(); err != nil {
		return nil, err
	}

	var names []string

	err := img.s.do(ctx, func(ctx context.Context, op *optracker.Op) error {
		h, err := img.s.loadHeader(ctx, img.id)
		if err != nil {
			return err
		}

		si := h.snapByID(snap.ID)
		if si == nil {
			return fmt.Errorf("snapshot %q: %w", snap.Name, ErrNotFound)
		}

		for _, c := range si.Children {
			ch, err := img.s.loadHeader(ctx, c.ImageID)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			names = append(names, ch.Name)
		}

		return nil
	}, "list children of %s@%s", img.id, snap.Name)

	return names, err
}
