// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package striper maps image byte ranges to extents in backend objects.
//
// The image is cut into stripe units. Consecutive units are distributed round
// robin over StripeCount objects, forming a stripe. When the objects of the
// set are full, i.e. ObjectSize/StripeUnit stripes were written, the next
// object set begins. With StripeCount 1 and StripeUnit equal to ObjectSize
// the image is simply a concatenation of objects.
package striper

import (
	"errors"
	"fmt"
)

// Layout describes the striping of one image.
type Layout struct {
	ObjectSize  int64
	StripeUnit  int64
	StripeCount int64
}

// Contiguous range in one object together with the position of its data in
// the caller's buffer.
type Extent struct {
	// Number of the object.
	ObjectNo uint64

	// Offset in the object.
	Offset int64

	// Length of the extent. Extent is continuous in both, the object and
	// the buffer.
	Length int64

	// Offset of the data in the buffer, i.e. relative to the beginning of
	// the mapped range.
	BufferOffset int64
}

// Validate checks that the layout can be used for mapping.
func (l Layout) Validate() error {
	if l.ObjectSize <= 0 || l.StripeUnit <= 0 || l.StripeCount <= 0 {
		return errors.New("layout values must be positive")
	}
	if l.ObjectSize%l.StripeUnit != 0 {
		return fmt.Errorf("stripe unit %d does not divide object size %d", l.StripeUnit, l.ObjectSize)
	}

	return nil
}

// Size of all objects of one object set.
func (l Layout) Period() int64 {
	return l.ObjectSize * l.StripeCount
}

func (l Layout) stripesPerObject() int64 {
	return l.ObjectSize / l.StripeUnit
}

// MapRange returns extents covering length bytes of the image starting at
// offset. Extents are ordered by buffer offset and adjacent pieces of the same
// object are merged.
func MapRange(l Layout, offset, length int64) []Extent {
	extents := make([]Extent, 0, 1+length/l.StripeUnit)
	spo := l.stripesPerObject()

	for done := int64(0); done < length; {
		off := offset + done

		blockno := off / l.StripeUnit
		stripeno := blockno / l.StripeCount
		stripepos := blockno % l.StripeCount
		objectsetno := stripeno / spo
		objectno := uint64(objectsetno*l.StripeCount + stripepos)
		blockInObject := stripeno % spo

		inUnit := off % l.StripeUnit
		objOff := blockInObject*l.StripeUnit + inUnit
		n := min(l.StripeUnit-inUnit, length-done)

		if k := len(extents) - 1; k >= 0 &&
			extents[k].ObjectNo == objectno &&
			extents[k].Offset+extents[k].Length == objOff &&
			extents[k].BufferOffset+extents[k].Length == done {

			extents[k].Length += n
		} else {
			extents = append(extents, Extent{
				ObjectNo:     objectno,
				Offset:       objOff,
				Length:       n,
				BufferOffset: done,
			})
		}

		done += n
	}

	return extents
}

// GroupByObject splits extents per object preserving their order.
func GroupByObject(extents []Extent) map[uint64][]Extent {
	groups := make(map[uint64][]Extent)
	for _, e := range extents {
		groups[e.ObjectNo] = append(groups[e.ObjectNo], e)
	}

	return groups
}

// ObjectToImage returns the image offset stored at offset objOff in the
// object objectno.
func ObjectToImage(l Layout, objectno uint64, objOff int64) int64 {
	spo := l.stripesPerObject()
	objectsetno := int64(objectno) / l.StripeCount
	stripepos := int64(objectno) % l.StripeCount

	blockInObject := objOff / l.StripeUnit
	stripeno := objectsetno*spo + blockInObject
	blockno := stripeno*l.StripeCount + stripepos

	return blockno*l.StripeUnit + objOff%l.StripeUnit
}

// ObjectLength returns number of bytes of the object objectno which lie
// inside an image of imageSize bytes. Zero means the object is not used at
// all.
func ObjectLength(l Layout, objectno uint64, imageSize int64) int64 {
	var length int64

	for unit := int64(0); unit < l.stripesPerObject(); unit++ {
		start := ObjectToImage(l, objectno, unit*l.StripeUnit)
		if start >= imageSize {
			break
		}
		length = unit*l.StripeUnit + min(l.StripeUnit, imageSize-start)
	}

	return length
}

// ObjectCount returns number of objects used by an image of imageSize bytes.
func ObjectCount(l Layout, imageSize int64) uint64 {
	if imageSize <= 0 {
		return 0
	}

	sets := imageSize / l.Period()
	rem := imageSize % l.Period()

	count := sets * l.StripeCount
	if rem > 0 {
		units := (rem + l.StripeUnit - 1) / l.StripeUnit
		count += min(units, l.StripeCount)
	}

	return uint64(count)
}

// ImageExtents returns the image ranges stored in the first objLen bytes of
// the object, one per stripe unit. Extent offsets are image offsets and
// BufferOffset is the offset in the object.
func ImageExtents(l Layout, objectno uint64, objLen int64) []Extent {
	extents := make([]Extent, 0, objLen/l.StripeUnit+1)

	for off := int64(0); off < objLen; off += l.StripeUnit {
		extents = append(extents, Extent{
			ObjectNo:     objectno,
			Offset:       ObjectToImage(l, objectno, off),
			Length:       min(l.StripeUnit, objLen-off),
			BufferOffset: off,
		})
	}

	return extents
}
