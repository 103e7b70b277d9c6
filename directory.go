// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package rbd

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/asch/rbd/config"
	"github.com/asch/rbd/internal/optracker"
	"github.com/asch/rbd/store"
)

// Images are listed in pages of this many names.
const listPageSize = 64

// ImageOptions override the configured defaults of a new image. Zero values
// mean the default.
type ImageOptions struct {
	// Object size is 1<<Order bytes.
	Order int

	// Must divide the object size.
	StripeUnit int64

	StripeCount int64
}

// ImageMeta describes an image.
type ImageMeta struct {
	ID          string
	Name        string
	Size        int64
	ObjectSize  int64
	Order       int
	StripeUnit  int64
	StripeCount int64
	Created     time.Time
	Snapshots   []Snapshot

	// Set for clones.
	Parent *ParentSpec
}

// ParentSpec links a clone to its parent snapshot. Reads of the clone within
// Overlap bytes fall through to the parent wherever the clone has no data.
type ParentSpec struct {
	ImageID    string
	SnapshotID uint64
	Overlap    int64
}

func (p *parent) spec() *ParentSpec {
	if p == nil {
		return nil
	}

	return &ParentSpec{ImageID: p.ImageID, SnapshotID: p.SnapID, Overlap: p.Overlap}
}

func (h *header) meta(img *Image) *ImageMeta {
	m := &ImageMeta{
		ID:          h.ID,
		Name:        h.Name,
		Size:        h.Size,
		ObjectSize:  int64(1) << h.Order,
		Order:       h.Order,
		StripeUnit:  h.StripeUnit,
		StripeCount: h.StripeCount,
		Created:     h.Created,
		Parent:      h.Parent.spec(),
	}

	for _, si := range h.Snapshots {
		m.Snapshots = append(m.Snapshots, *newSnapshot(h, &si, img))
	}

	return m
}

func validateName(name string) error {
	if name == "" || len(name) > 255 || strings.ContainsAny(name, "/@\x00") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	return nil
}

// Builds header of a new image. Size is rounded up to the object size.
func (s *Session) newHeader(name string, size int64, opts *ImageOptions) (*header, error) {
	if opts == nil {
		opts = &ImageOptions{}
	}

	order := opts.Order
	if order == 0 {
		order = s.cfg.Image.Order
	}
	if order < config.MinOrder || order > config.MaxOrder {
		return nil, fmt.Errorf("%w: object order %d out of range [%d, %d]", ErrInvalidSize, order, config.MinOrder, config.MaxOrder)
	}
	objectSize := int64(1) << order

	stripeUnit := opts.StripeUnit
	if stripeUnit == 0 {
		stripeUnit = s.cfg.Image.StripeUnit
	}
	if stripeUnit == 0 {
		stripeUnit = objectSize
	}

	stripeCount := opts.StripeCount
	if stripeCount == 0 {
		stripeCount = int64(s.cfg.Image.StripeCount)
	}

	h := &header{
		ID:          strings.ReplaceAll(uuid.NewString(), "-", ""),
		Name:        name,
		Order:       order,
		StripeUnit:  stripeUnit,
		StripeCount: stripeCount,
		Created:     time.Now().UTC(),
	}

	if err := h.layout().Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSize, err)
	}

	var err error
	if h.Size, err = roundSize(size, objectSize); err != nil {
		return nil, err
	}

	return h, nil
}

// Rounds size up to a multiple of the object size.
func roundSize(size, objectSize int64) (int64, error) {
	if size < 0 {
		return 0, fmt.Errorf("%w: negative size %d", ErrInvalidSize, size)
	}
	if size > math.MaxInt64-objectSize+1 {
		return 0, fmt.Errorf("%w: size %d too large", ErrInvalidSize, size)
	}

	return (size + objectSize - 1) / objectSize * objectSize, nil
}

// Create creates a new image. The size is rounded up to the object size. When
// opts is nil the configured defaults are used.
func (s *Session) Create(ctx context.Context, name string, size int64, opts *ImageOptions) (*ImageMeta, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	h, err := s.newHeader(name, size, opts)
	if err != nil {
		return nil, err
	}

	err = s.do(ctx, func(ctx context.Context, op *optracker.Op) error {
		return s.createImage(ctx, op, h)
	}, "create image %s size %d", name, h.Size)
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("image", name).Str("id", h.ID).Int64("size", h.Size).Msg("Image created")

	return h.meta(nil), nil
}

// Registers the name and writes the header. The name registration is
// exclusive so only one of concurrent creators succeeds.
func (s *Session) createImage(ctx context.Context, op *optracker.Op, h *header) error {
	buf, err := h.encode()
	if err != nil {
		return err
	}

	op.Mark("registering name")
	err = s.proxy.Create(ctx, idPrefix+h.Name, []byte(h.ID), true)
	if errors.Is(err, store.ErrExist) {
		return fmt.Errorf("image %q: %w", h.Name, ErrAlreadyExists)
	}
	if err != nil {
		return err
	}

	op.Mark("writing header")
	if err := s.proxy.Create(ctx, headerName(h.ID), buf, true); err != nil {
		cctx, cancel := s.detachedContext()
		defer cancel()
		if rerr := s.proxy.Remove(cctx, idPrefix+h.Name, true); rerr != nil {
			s.logger.Warn().Err(rerr).Str("image", h.Name).Msg("Cannot unregister name of failed image")
		}
		return err
	}

	return nil
}

// Open opens the image for reading and writing. Exclusive mode takes the image
// lock and fails with ErrBusy when it is held. Shared mode fails only when an
// exclusive holder exists.
func (s *Session) Open(ctx context.Context, name string, mode Mode) (*Image, error) {
	var img *Image

	err := s.do(ctx, func(ctx context.Context, op *optracker.Op) error {
		id, err := s.resolveID(ctx, name)
		if err != nil {
			return err
		}

		img, err = s.openImage(ctx, op, id, mode, "")
		return err
	}, "open image %s mode %s", name, mode)

	return img, err
}

// OpenSnapshot opens the image read-only as it was when snapshot snapName was
// taken.
func (s *Session) OpenSnapshot(ctx context.Context, name, snapName string) (*Image, error) {
	var img *Image

	err := s.do(ctx, func(ctx context.Context, op *optracker.Op) error {
		id, err := s.resolveID(ctx, name)
		if err != nil {
			return err
		}

		img, err = s.openImage(ctx, op, id, Shared, snapName)
		return err
	}, "open image %s at snapshot %s", name, snapName)

	return img, err
}

// Stat returns metadata of the image.
func (s *Session) Stat(ctx context.Context, name string) (*ImageMeta, error) {
	var meta *ImageMeta

	err := s.do(ctx, func(ctx context.Context, op *optracker.Op) error {
		id, err := s.resolveID(ctx, name)
		if err != nil {
			return err
		}

		h, err := s.loadHeader(ctx, id)
		if err != nil {
			return err
		}
		meta = h.meta(nil)

		return nil
	}, "stat image %s", name)

	return meta, err
}

// Remove deletes the image with all its data. Images with snapshots cannot be
// removed and neither can be images opened by this session or locked by
// anybody.
func (s *Session) Remove(ctx context.Context, name string) error {
	err := s.do(ctx, func(ctx context.Context, op *optracker.Op) error {
		id, err := s.resolveID(ctx, name)
		if err != nil {
			return err
		}

		if s.isOpen(id) {
			return fmt.Errorf("image %q is open: %w", name, ErrBusy)
		}

		h, err := s.loadHeader(ctx, id)
		if errors.Is(err, ErrNotFound) {
			// Leftover of interrupted removal.
			return s.removeIgnoreMissing(ctx, idPrefix+name, true)
		}
		if err != nil {
			return err
		}

		if len(h.Snapshots) > 0 {
			return fmt.Errorf("image %q: %w", name, ErrHasSnapshots)
		}

		if _, err := s.proxy.Stat(ctx, lockName(id), true); err == nil {
			return fmt.Errorf("image %q: %w", name, ErrBusy)
		} else if !errors.Is(err, store.ErrNotExist) {
			return err
		}

		op.Mark("removing data")
		if err := s.removeData(ctx, id); err != nil {
			return err
		}

		op.Mark("removing metadata")
		if err := s.removeIgnoreMissing(ctx, objectMapName(id), true); err != nil {
			return err
		}

		if h.Parent != nil {
			if err := s.detachChild(ctx, h.Parent, id); err != nil {
				return err
			}
		}

		if err := s.removeIgnoreMissing(ctx, headerName(id), true); err != nil {
			return err
		}

		return s.removeIgnoreMissing(ctx, idPrefix+name, true)
	}, "remove image %s", name)

	if err == nil {
		s.logger.Info().Str("image", name).Msg("Image removed")
	}

	return err
}

// Removes all data objects of the image including snapshot clones.
func (s *Session) removeData(ctx context.Context, id string) error {
	var names []string
	err := store.ListAll(ctx, s.proxy.Instance, dataObjectPrefix(id), func(name string) error {
		names = append(names, name)
		return nil
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.IO.Writers)
	for _, name := range names {
		g.Go(func() error {
			return s.removeIgnoreMissing(gctx, name, false)
		})
	}

	return g.Wait()
}

func (s *Session) removeIgnoreMissing(ctx context.Context, name string, prio bool) error {
	err := s.proxy.Remove(ctx, name, prio)
	if errors.Is(err, store.ErrNotExist) {
		return nil
	}

	return err
}

func (s *Session) isOpen(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for img := range s.handles {
		if img.id == id {
			return true
		}
	}

	return false
}

// Rename changes the name of the image. The new name is registered first so
// the image is always reachable by at least one name.
func (s *Session) Rename(ctx context.Context, oldName, newName string) error {
	if err := validateName(newName); err != nil {
		return err
	}

	err := s.do(ctx, func(ctx context.Context, op *optracker.Op) error {
		id, err := s.resolveID(ctx, oldName)
		if err != nil {
			return err
		}

		op.Mark("registering new name")
		err = s.proxy.Create(ctx, idPrefix+newName, []byte(id), true)
		if errors.Is(err, store.ErrExist) {
			return fmt.Errorf("image %q: %w", newName, ErrAlreadyExists)
		}
		if err != nil {
			return err
		}

		_, err = s.updateHeader(ctx, id, func(h *header) error {
			h.Name = newName
			return nil
		})
		if err != nil {
			cctx, cancel := s.detachedContext()
			defer cancel()
			if rerr := s.removeIgnoreMissing(cctx, idPrefix+newName, true); rerr != nil {
				s.logger.Warn().Err(rerr).Str("image", oldName).Str("name", newName).Msg("Cannot unregister new name of failed rename")
			}
			return err
		}

		op.Mark("unregistering old name")
		if err := s.removeIgnoreMissing(ctx, idPrefix+oldName, true); err != nil {
			return err
		}

		s.renameHandles(id, newName)

		return nil
	}, "rename image %s to %s", oldName, newName)

	if err == nil {
		s.logger.Info().Str("image", oldName).Str("name", newName).Msg("Image renamed")
	}

	return err
}

func (s *Session) renameHandles(id, name string) {
	var renamed []*Image

	s.mu.Lock()
	for img := range s.handles {
		if img.id == id {
			renamed = append(renamed, img)
		}
	}
	s.mu.Unlock()

	for _, img := range renamed {
		img.mu.Lock()
		img.hdr.Name = name
		img.mu.Unlock()
	}
}

// BreakLock removes the exclusive lock of the image, e.g. one left behind by
// a crashed client.
func (s *Session) BreakLock(ctx context.Context, name string) error {
	return s.do(ctx, func(ctx context.Context, op *optracker.Op) error {
		id, err := s.resolveID(ctx, name)
		if err != nil {
			return err
		}

		err = s.proxy.Remove(ctx, lockName(id), true)
		if errors.Is(err, store.ErrNotExist) {
			return fmt.Errorf("lock of image %q: %w", name, ErrNotFound)
		}
		if err == nil {
			s.logger.Warn().Str("image", name).Msg("Lock broken")
		}

		return err
	}, "break lock of image %s", name)
}

// ImageIterator walks the image names in lexicographic order. Pages are
// fetched lazily, so images created or removed during the iteration may or
// may not be seen.
type ImageIterator struct {
	s   *Session
	ctx context.Context

	page  []string
	pos   int
	after string
	done  bool

	name string
	err  error
}

// List returns an iterator over names of all images. The context is used for
// all fetches done by the iterator.
func (s *Session) List(ctx context.Context) *ImageIterator {
	return &ImageIterator{s: s, ctx: ctx}
}

// Next advances to the next name. It returns false at the end or on error.
func (it *ImageIterator) Next() bool {
	if it.err != nil {
		return false
	}

	if it.pos >= len(it.page) {
		if it.done {
			return false
		}
		if it.err = it.fetch(); it.err != nil || len(it.page) == 0 {
			return false
		}
	}

	it.name = strings.TrimPrefix(it.page[it.pos], idPrefix)
	it.pos++

	return true
}

func (it *ImageIterator) fetch() error {
	return it.s.do(it.ctx, func(ctx context.Context, op *optracker.Op) error {
		names, err := it.s.proxy.List(ctx, idPrefix, it.after, listPageSize, true)
		if err != nil {
			return err
		}

		it.page = names
		it.pos = 0
		it.done = len(names) < listPageSize
		if len(names) > 0 {
			it.after = names[len(names)-1]
		}

		return nil
	}, "list images after %q", it.after)
}

// Name returns the current name.
func (it *ImageIterator) Name() string {
	return it.name
}

// Err returns the error which stopped the iteration.
func (it *ImageIterator) Err() error {
	return it.err
}

// Reset restarts the iteration from the beginning.
func (it *ImageIterator) Reset() {
	*it = ImageIterator{s: it.s, ctx: it.ctx}
}
