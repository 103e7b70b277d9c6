// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package rbd

import (
	"context"
	"errors"
	"fmt"

	"github.com/asch/rbd/internal/optracker"
	"github.com/asch/rbd/internal/striper"
)

// Clone creates image childName backed by snapshot snapName of image
// parentName. The snapshot must be protected. The clone has the size of the
// snapshot and shares all its data until written. When opts is nil, the
// layout of the parent is used.
func (s *Session) Clone(ctx context.Context, parentName, snapName, childName string, opts *ImageOptions) (*ImageMeta, error) {
	if err := validateName(childName); err != nil {
		return nil, err
	}

	var h *header

	err := s.do(ctx, func(ctx context.Context, op *optracker.Op) error {
		parentID, err := s.resolveID(ctx, parentName)
		if err != nil {
			return err
		}

		ph, err := s.loadHeader(ctx, parentID)
		if err != nil {
			return err
		}

		si := ph.snapByName(snapName)
		if si == nil {
			return fmt.Errorf("snapshot %q of image %q: %w", snapName, parentName, ErrNotFound)
		}

		if opts == nil {
			opts = &ImageOptions{Order: ph.Order, StripeUnit: ph.StripeUnit, StripeCount: ph.StripeCount}
		}

		if h, err = s.newHeader(childName, si.Size, opts); err != nil {
			return err
		}
		h.Parent = &parent{ImageID: parentID, SnapID: si.ID, Overlap: si.Size}

		// Children are registered first, so the snapshot cannot be
		// unprotected under the new clone.
		op.Mark("registering child")
		_, err = s.updateHeader(ctx, parentID, func(ph *header) error {
			si := ph.snapByID(h.Parent.SnapID)
			if si == nil {
				return fmt.Errorf("snapshot %q of image %q: %w", snapName, parentName, ErrNotFound)
			}
			if !si.Protected {
				return fmt.Errorf("snapshot %q of image %q: %w", snapName, parentName, ErrNotProtected)
			}
			si.Children = append(si.Children, childRef{ImageID: h.ID})
			return nil
		})
		if err != nil {
			return err
		}

		if err := s.createImage(ctx, op, h); err != nil {
			cctx, cancel := s.detachedContext()
			defer cancel()
			if derr := s.detachChild(cctx, h.Parent, h.ID); derr != nil {
				s.logger.Warn().Err(derr).Str("image", childName).Msg("Cannot unregister child of failed clone")
			}
			return err
		}

		return nil
	}, "clone %s@%s to %s", parentName, snapName, childName)
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("parent", parentName).Str("snap", snapName).Str("image", childName).Msg("Image cloned")

	return h.meta(nil), nil
}

// Unregisters the child from the parent snapshot. Missing parent is not an
// error.
func (s *Session) detachChild(ctx context.Context, p *parent, childID string) error {
	_, err := s.updateHeader(ctx, p.ImageID, func(h *header) error {
		if si := h.snapByID(p.SnapID); si != nil {
			si.removeChild(childID)
		}
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		return nil
	}

	return err
}

// Flatten copies all data the clone shares with its parent into the clone and
// detaches it from the parent. Snapshots of the clone taken before keep using
// the parent.
func (img *Image) Flatten(ctx context.Context) error {
	return img.modify(ctx, func(ctx context.Context, op *optracker.Op) error {
		p := img.hdr.Parent
		if p == nil {
			return fmt.Errorf("image %q is not a clone: %w", img.hdr.Name, ErrNotFound)
		}

		if err := img.invalidateObjectMap(ctx); err != nil {
			return err
		}

		op.Mark("copying up")
		var objects []uint64
		count := striper.ObjectCount(img.layout, img.hdr.Size)
		for objectno := uint64(0); objectno < count; objectno++ {
			if striper.ObjectToImage(img.layout, objectno, 0) < p.Overlap {
				objects = append(objects, objectno)
			}
		}

		var failures ioFailures
		img.forEachObject(ctx, objects, &failures, func(ctx context.Context, objectno uint64) error {
			unlock := img.lockObject(objectno)
			defer unlock()

			return img.prepareObject(ctx, objectno, true)
		})
		if err := failures.result("flatten"); err != nil {
			return err
		}

		op.Mark("detaching")
		h, err := img.s.updateHeader(ctx, img.id, func(h *header) error {
			h.Parent = nil
			return nil
		})
		if err != nil {
			return err
		}
		img.hdr = h

		if !h.referencesParent(p.ImageID, p.SnapID) {
			if err := img.s.detachChild(ctx, p, img.id); err != nil {
				return err
			}
		}

		img.s.logger.Info().Str("image", h.Name).Int("objects", len(objects)).Msg("Image flattened")

		return nil
	}, "flatten %s", img.id)
}
