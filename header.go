// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package rbd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/asch/rbd/internal/striper"
	"github.com/asch/rbd/store"
)

// Object name prefixes. Everything the client stores is named by these.
const (
	idPrefix        = "rbd_id."
	headerPrefix    = "rbd_header."
	dataPrefix      = "rbd_data."
	lockPrefix      = "rbd_lock."
	objectMapPrefix = "rbd_object_map."
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Persistent image metadata. It is the only mutable shared state of an image
// besides the data objects and it is always rewritten as a whole.
type header struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Size        int64      `json:"size"`
	Order       int        `json:"order"`
	StripeUnit  int64      `json:"stripe_unit"`
	StripeCount int64      `json:"stripe_count"`
	Created     time.Time  `json:"created"`
	SnapSeq     uint64     `json:"snap_seq"`
	Snapshots   []snapInfo `json:"snapshots,omitempty"`
	Parent      *parent    `json:"parent,omitempty"`
}

type snapInfo struct {
	ID        uint64     `json:"id"`
	Name      string     `json:"name"`
	Size      int64      `json:"size"`
	Protected bool       `json:"protected"`
	Created   time.Time  `json:"created"`
	Parent    *parent    `json:"parent,omitempty"`
	Children  []childRef `json:"children,omitempty"`
}

// Link of a clone to the snapshot it was created from. Only the first Overlap
// bytes of the clone fall through to the parent.
type parent struct {
	ImageID string `json:"image_id"`
	SnapID  uint64 `json:"snap_id"`
	Overlap int64  `json:"overlap"`
}

type childRef struct {
	ImageID string `json:"image_id"`
}

type envelope struct {
	CRC    uint32          `json:"crc"`
	Header json.RawMessage `json:"header"`
}

func (h *header) layout() striper.Layout {
	return striper.Layout{
		ObjectSize:  int64(1) << h.Order,
		StripeUnit:  h.StripeUnit,
		StripeCount: h.StripeCount,
	}
}

func (h *header) encode() ([]byte, error) {
	payload, err := json.Marshal(h)
	if err != nil {
		return nil, err
	}

	return json.Marshal(envelope{
		CRC:    crc32.Checksum(payload, castagnoli),
		Header: payload,
	})
}

func decodeHeader(buf []byte) (*header, error) {
	var env envelope
	if err := json.Unmarshal(buf, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	if crc := crc32.Checksum(env.Header, castagnoli); crc != env.CRC {
		return nil, fmt.Errorf("%w: header checksum %08x, expected %08x", ErrCorrupt, crc, env.CRC)
	}

	var h header
	if err := json.Unmarshal(env.Header, &h); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	if err := h.layout().Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	return &h, nil
}

func (p *parent) clone() *parent {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}

func (h *header) snapByName(name string) *snapInfo {
	for i := range h.Snapshots {
		if h.Snapshots[i].Name == name {
			return &h.Snapshots[i]
		}
	}

	return nil
}

func (h *header) snapByID(id uint64) *snapInfo {
	i := sort.Search(len(h.Snapshots), func(i int) bool {
		return h.Snapshots[i].ID >= id
	})
	if i < len(h.Snapshots) && h.Snapshots[i].ID == id {
		return &h.Snapshots[i]
	}

	return nil
}

// Id of the newest snapshot or zero when there is none.
func (h *header) latestSnap() uint64 {
	if len(h.Snapshots) == 0 {
		return 0
	}

	return h.Snapshots[len(h.Snapshots)-1].ID
}

// Id of the newest live snapshot older than id or zero.
func (h *header) prevSnap(id uint64) uint64 {
	var prev uint64
	for _, s := range h.Snapshots {
		if s.ID >= id {
			break
		}
		prev = s.ID
	}

	return prev
}

func (h *header) removeSnap(id uint64) {
	for i := range h.Snapshots {
		if h.Snapshots[i].ID == id {
			h.Snapshots = append(h.Snapshots[:i], h.Snapshots[i+1:]...)
			return
		}
	}
}

// Whether the parent is still needed by the head or by some snapshot.
func (h *header) referencesParent(imageID string, snapID uint64) bool {
	match := func(p *parent) bool {
		return p != nil && p.ImageID == imageID && p.SnapID == snapID
	}

	if match(h.Parent) {
		return true
	}
	for _, s := range h.Snapshots {
		if match(s.Parent) {
			return true
		}
	}

	return false
}

func (s *snapInfo) removeChild(id string) {
	for i, c := range s.Children {
		if c.ImageID == id {
			s.Children = append(s.Children[:i], s.Children[i+1:]...)
			return
		}
	}
}

func headerName(id string) string {
	return headerPrefix + id
}

func lockName(id string) string {
	return lockPrefix + id
}

func objectMapName(id string) string {
	return objectMapPrefix + id
}

func dataObjectPrefix(id string) string {
	return dataPrefix + id + "."
}

func dataObjectName(id string, objectno uint64) string {
	return fmt.Sprintf("%s%s.%016x", dataPrefix, id, objectno)
}

// Name of the copy of the object preserved for snapshot snapID.
func cloneObjectName(id string, objectno, snapID uint64) string {
	return fmt.Sprintf("%s%s.%016x@%x", dataPrefix, id, objectno, snapID)
}

// Parses name of a data object of the image id. For head objects the snapshot
// id is zero.
func parseDataObjectName(id, name string) (objectno, snapID uint64, err error) {
	rest, ok := strings.CutPrefix(name, dataObjectPrefix(id))
	if !ok {
		return 0, 0, fmt.Errorf("object %q does not belong to image %s", name, id)
	}

	objPart, snapPart, isClone := strings.Cut(rest, "@")
	if objectno, err = strconv.ParseUint(objPart, 16, 64); err != nil {
		return 0, 0, fmt.Errorf("object %q: %w", name, err)
	}

	if isClone {
		if snapID, err = strconv.ParseUint(snapPart, 16, 64); err != nil {
			return 0, 0, fmt.Errorf("object %q: %w", name, err)
		}
		if snapID == 0 {
			return 0, 0, fmt.Errorf("object %q: zero snapshot id", name)
		}
	}

	return objectno, snapID, nil
}

// Data objects of an image. Clones are kept as sorted snapshot ids.
type objectSet struct {
	heads  map[uint64]struct{}
	clones map[uint64][]uint64
}

func (o *objectSet) objects() []uint64 {
	all := make(map[uint64]struct{}, len(o.heads)+len(o.clones))
	for n := range o.heads {
		all[n] = struct{}{}
	}
	for n := range o.clones {
		all[n] = struct{}{}
	}

	sorted := make([]uint64, 0, len(all))
	for n := range all {
		sorted = append(sorted, n)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	return sorted
}

func (s *Session) listDataObjects(ctx context.Context, id string) (*objectSet, error) {
	set := &objectSet{
		heads:  make(map[uint64]struct{}),
		clones: make(map[uint64][]uint64),
	}

	err := store.ListAll(ctx, s.proxy.Instance, dataObjectPrefix(id), func(name string) error {
		objectno, snapID, err := parseDataObjectName(id, name)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Ignoring foreign object")
			return nil
		}

		if snapID == 0 {
			set.heads[objectno] = struct{}{}
		} else {
			set.clones[objectno] = append(set.clones[objectno], snapID)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, ids := range set.clones {
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	}

	return set, nil
}

func (s *Session) resolveID(ctx context.Context, name string) (string, error) {
	buf, err := s.proxy.ReadAll(ctx, idPrefix+name, true)
	if errors.Is(err, store.ErrNotExist) {
		return "", fmt.Errorf("image %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return "", err
	}

	return string(buf), nil
}

func (s *Session) loadHeader(ctx context.Context, id string) (*header, error) {
	buf, err := s.proxy.ReadAll(ctx, headerName(id), true)
	if errors.Is(err, store.ErrNotExist) {
		return nil, fmt.Errorf("image %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	return decodeHeader(buf)
}

func (s *Session) saveHeader(ctx context.Context, h *header) error {
	buf, err := h.encode()
	if err != nil {
		return err
	}

	return s.proxy.WriteFull(ctx, headerName(h.ID), buf, true)
}
