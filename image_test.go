// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package rbd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/asch/rbd/store"
	"github.com/asch/rbd/store/mem"
)

func TestWriteRead(t *testing.T) {
	layouts := []struct {
		name string
		opts *ImageOptions
	}{
		{name: "plain", opts: nil},
		{name: "striped", opts: &ImageOptions{StripeUnit: 1024, StripeCount: 3}},
		{name: "wide", opts: &ImageOptions{Order: 13, StripeUnit: 512, StripeCount: 5}},
	}

	writes := []struct {
		offset int64
		length int
	}{
		{0, 100},
		{testObjectSize - 10, 20},
		{3 * testObjectSize, 2 * testObjectSize},
		{5000, 13000},
		{63 * 1024, 1024},
		{0, 0},
	}

	const size = 64 * 1024

	for _, mode := range []Mode{Shared, Exclusive} {
		for _, l := range layouts {
			t.Run(mode.String()+"/"+l.name, func(t *testing.T) {
				s := connect(t, testConfig(t))
				ctx := context.Background()

				_, err := s.Create(ctx, "img", size, l.opts)
				require.NoError(t, err)
				img, err := s.Open(ctx, "img", mode)
				require.NoError(t, err)

				model := make([]byte, size)
				for i, w := range writes {
					data := randomBytes(int64(i), w.length)
					write(t, img, w.offset, data)
					copy(model[w.offset:], data)

					got, err := img.Read(ctx, w.offset, int64(w.length))
					require.NoError(t, err)
					assert.Equal(t, data, got)
				}

				assert.Equal(t, model, readAll(t, img))

				require.NoError(t, img.Close())
				img, err = s.Open(ctx, "img", mode)
				require.NoError(t, err)
				assert.Equal(t, model, readAll(t, img), "data must survive reopen")
				require.NoError(t, img.Close())
			})
		}
	}
}

func TestReadUnwritten(t *testing.T) {
	s := connect(t, testConfig(t))
	img := createAndOpen(t, s, "img", 4*testObjectSize, Exclusive)

	write(t, img, testObjectSize+5, []byte{1, 2, 3})

	data := readAll(t, img)
	want := make([]byte, 4*testObjectSize)
	copy(want[testObjectSize+5:], []byte{1, 2, 3})
	assert.Equal(t, want, data)

	assert.Len(t, objectNames(t, dataObjectPrefix(img.ID())), 1, "only written objects exist")
}

func TestOutOfRange(t *testing.T) {
	s := connect(t, testConfig(t))
	img := createAndOpen(t, s, "img", 2*testObjectSize, Shared)
	ctx := context.Background()

	tests := []struct {
		offset int64
		length int64
	}{
		{-1, 1},
		{0, -1},
		{2*testObjectSize - 1, 2},
		{2*testObjectSize + 1, 0},
		{0, 2*testObjectSize + 1},
	}

	for _, tt := range tests {
		_, err := img.Read(ctx, tt.offset, tt.length)
		assert.ErrorIs(t, err, ErrOutOfRange, "read %d~%d", tt.offset, tt.length)

		if tt.length >= 0 {
			_, err = img.Write(ctx, tt.offset, make([]byte, tt.length))
			assert.ErrorIs(t, err, ErrOutOfRange, "write %d~%d", tt.offset, tt.length)
		}
	}

	data, err := img.Read(ctx, 2*testObjectSize, 0)
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestReaderAt(t *testing.T) {
	s := connect(t, testConfig(t))
	img := createAndOpen(t, s, "img", testObjectSize, Shared)
	write(t, img, testObjectSize-4, []byte("tail"))

	var _ io.ReaderAt = img

	buf := make([]byte, 8)
	n, err := img.ReadAt(buf, testObjectSize-4)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 4, n)
	assert.Equal(t, []byte("tail"), buf[:n])

	n, err = img.ReadAt(buf, testObjectSize)
	assert.ErrorIs(t, err, io.EOF)
	assert.Zero(t, n)

	n, err = img.ReadAt(buf[:4], testObjectSize-4)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	section := io.NewSectionReader(img, 0, img.Size())
	all, err := io.ReadAll(section)
	require.NoError(t, err)
	assert.Len(t, all, testObjectSize)
}

func TestUseAfterClose(t *testing.T) {
	s := connect(t, testConfig(t))
	img := createAndOpen(t, s, "img", testObjectSize, Exclusive)
	ctx := context.Background()

	require.NoError(t, img.Close())

	_, err := img.Read(ctx, 0, 1)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = img.Write(ctx, 0, []byte{1})
	assert.ErrorIs(t, err, ErrClosed)
	_, err = img.WriteAsync(ctx, 0, []byte{1}).Wait()
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, img.Flush(ctx), ErrClosed)
	assert.ErrorIs(t, img.Resize(ctx, 0), ErrClosed)
	_, err = img.CreateSnapshot(ctx, "snap")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, img.Close(), ErrClosed)

	assert.False(t, errors.Is(img.Close(), ErrConnection), "explicit close is not a connection error")
}

func TestWriteAsync(t *testing.T) {
	s := connect(t, testConfig(t))
	img := createAndOpen(t, s, "img", 16*testObjectSize, Exclusive)
	ctx := context.Background()

	model := make([]byte, 16*testObjectSize)
	var completions []*Completion
	for i := 0; i < 16; i++ {
		data := randomBytes(int64(i), testObjectSize)
		offset := int64(i) * testObjectSize
		copy(model[offset:], data)

		completions = append(completions, img.WriteAsync(ctx, offset, data))
		clear(data)
	}

	require.NoError(t, img.Flush(ctx))
	for _, c := range completions {
		select {
		case <-c.Done():
		default:
			t.Fatal("flush returned before asynchronous write completed")
		}
		n, err := c.Wait()
		require.NoError(t, err)
		assert.Equal(t, testObjectSize, n)
	}

	assert.Equal(t, model, readAll(t, img))
}

func TestWriteAsyncFailureReportedByFlush(t *testing.T) {
	s := connect(t, testConfig(t))
	img := createAndOpen(t, s, "img", testObjectSize, Shared)
	ctx := context.Background()

	c := img.WriteAsync(ctx, testObjectSize, []byte{1})
	_, err := c.Wait()
	assert.ErrorIs(t, err, ErrOutOfRange)

	assert.ErrorIs(t, img.Flush(ctx), ErrOutOfRange)
	assert.NoError(t, img.Flush(ctx), "failure is reported once")
}

func TestIOErrorRange(t *testing.T) {
	s := connect(t, testConfig(t))
	img := createAndOpen(t, s, "img", 4*testObjectSize, Shared)
	ctx := context.Background()

	broken := dataObjectName(img.ID(), 1)
	backing(t).SetFault(func(op, name string) error {
		if name == broken {
			return errors.New("medium error")
		}
		return nil
	})
	defer backing(t).SetFault(nil)

	_, err := img.Write(ctx, 0, make([]byte, 3*testObjectSize))
	require.ErrorIs(t, err, ErrIO)

	var ioErr *IOError
	require.ErrorAs(t, err, &ioErr)
	assert.Equal(t, "write", ioErr.Op)
	assert.Equal(t, int64(testObjectSize), ioErr.Offset)
	assert.Equal(t, int64(testObjectSize), ioErr.Length)

	_, err = img.Read(ctx, 100, 2*testObjectSize)
	require.ErrorAs(t, err, &ioErr)
	assert.Equal(t, "read", ioErr.Op)
	assert.Equal(t, int64(testObjectSize), ioErr.Offset)
	assert.Equal(t, int64(testObjectSize), ioErr.Length)
}

func TestUnavailableClusterIsConnectionError(t *testing.T) {
	cfg := testConfig(t)
	cfg.IO.Retries = 1
	s := connect(t, cfg)
	img := createAndOpen(t, s, "img", testObjectSize, Shared)

	backing(t).SetFault(func(op, name string) error {
		if op == mem.OpWrite {
			return store.ErrUnavailable
		}
		return nil
	})
	defer backing(t).SetFault(nil)

	_, err := img.Write(context.Background(), 0, []byte{1})
	assert.ErrorIs(t, err, ErrConnection)
	assert.ErrorIs(t, err, ErrIO)
}

func TestResize(t *testing.T) {
	s := connect(t, testConfig(t))
	img := createAndOpen(t, s, "img", 4*testObjectSize, Exclusive)
	ctx := context.Background()

	data := randomBytes(7, 4*testObjectSize)
	write(t, img, 0, data)

	require.NoError(t, img.Resize(ctx, testObjectSize+1))
	assert.Equal(t, int64(2*testObjectSize), img.Size())
	assert.Len(t, objectNames(t, dataObjectPrefix(img.ID())), 2)

	require.NoError(t, img.Resize(ctx, 4*testObjectSize))
	got := readAll(t, img)
	assert.Equal(t, data[:2*testObjectSize], got[:2*testObjectSize])
	assert.Equal(t, make([]byte, 2*testObjectSize), got[2*testObjectSize:])

	assert.ErrorIs(t, img.Resize(ctx, -1), ErrInvalidSize)

	meta, err := s.Stat(ctx, "img")
	require.NoError(t, err)
	assert.Equal(t, int64(4*testObjectSize), meta.Size)
}

func TestResizeStriped(t *testing.T) {
	s := connect(t, testConfig(t))
	ctx := context.Background()

	_, err := s.Create(ctx, "img", 6*testObjectSize, &ImageOptions{StripeUnit: 1024, StripeCount: 3})
	require.NoError(t, err)
	img, err := s.Open(ctx, "img", Shared)
	require.NoError(t, err)

	data := randomBytes(3, 6*testObjectSize)
	write(t, img, 0, data)

	require.NoError(t, img.Resize(ctx, 2*testObjectSize))
	require.NoError(t, img.Resize(ctx, 6*testObjectSize))

	got := readAll(t, img)
	assert.Equal(t, data[:2*testObjectSize], got[:2*testObjectSize])
	assert.Equal(t, make([]byte, 4*testObjectSize), got[2*testObjectSize:])
}

func TestObjectMapPersistence(t *testing.T) {
	s := connect(t, testConfig(t))
	img := createAndOpen(t, s, "img", 4*testObjectSize, Exclusive)
	ctx := context.Background()

	write(t, img, 2*testObjectSize, []byte("data"))

	_, err := backing(t).Stat(ctx, objectMapName(img.ID()))
	assert.ErrorIs(t, err, store.ErrNotExist, "map is not persisted before flush")

	require.NoError(t, img.Flush(ctx))
	_, err = backing(t).Stat(ctx, objectMapName(img.ID()))
	require.NoError(t, err)

	write(t, img, 0, []byte("more"))
	_, err = backing(t).Stat(ctx, objectMapName(img.ID()))
	assert.ErrorIs(t, err, store.ErrNotExist, "modification invalidates persisted map")

	require.NoError(t, img.Close())

	img, err = s.Open(ctx, "img", Exclusive)
	require.NoError(t, err)
	assert.Equal(t, []uint64{0, 2}, img.omap.Existing())

	got, err := img.Read(ctx, 2*testObjectSize, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), got)
	require.NoError(t, img.Close())

	// Shared writers do not maintain the map.
	shared, err := s.Open(ctx, "img", Shared)
	require.NoError(t, err)
	_, err = backing(t).Stat(ctx, objectMapName(shared.ID()))
	assert.ErrorIs(t, err, store.ErrNotExist)
	write(t, shared, 3*testObjectSize, []byte("shared"))
	require.NoError(t, shared.Close())

	img, err = s.Open(ctx, "img", Exclusive)
	require.NoError(t, err)
	assert.Equal(t, []uint64{0, 2, 3}, img.omap.Existing(), "map rebuilt from objects")
	require.NoError(t, img.Close())
}

func TestSnapshotHandleIsReadOnly(t *testing.T) {
	s := connect(t, testConfig(t))
	img := createAndOpen(t, s, "img", testObjectSize, Shared)
	ctx := context.Background()

	_, err := img.CreateSnapshot(ctx, "snap")
	require.NoError(t, err)

	view, err := s.OpenSnapshot(ctx, "img", "snap")
	require.NoError(t, err)
	defer view.Close()

	_, err = view.Write(ctx, 0, []byte{1})
	assert.ErrorIs(t, err, ErrReadOnly)
	assert.ErrorIs(t, view.Resize(ctx, 0), ErrReadOnly)
	_, err = view.CreateSnapshot(ctx, "other")
	assert.ErrorIs(t, err, ErrReadOnly)
	assert.NotZero(t, view.SnapshotID())
}

func TestConcurrentIOAndMetadata(t *testing.T) {
	const workers = 8

	s := connect(t, testConfig(t))
	img := createAndOpen(t, s, "img", workers*testObjectSize, Exclusive)
	ctx := context.Background()

	var g errgroup.Group
	last := make([][]byte, workers)
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			offset := int64(w) * testObjectSize
			for i := 0; i < 20; i++ {
				seed := int64(w*1000 + i)
				if _, err := img.WriteAsync(ctx, offset, randomBytes(seed, testObjectSize)).Wait(); err != nil {
					return err
				}

				data := randomBytes(seed+500, testObjectSize)
				if _, err := img.Write(ctx, offset, data); err != nil {
					return err
				}

				got, err := img.Read(ctx, offset, testObjectSize)
				if err != nil {
					return err
				}
				if !bytes.Equal(data, got) {
					return fmt.Errorf("worker %d iteration %d read back other data", w, i)
				}
				last[w] = data
			}
			return nil
		})
	}

	g.Go(func() error {
		for i := 0; i < 10; i++ {
			if _, err := img.CreateSnapshot(ctx, fmt.Sprintf("snap%d", i)); err != nil {
				return err
			}
			if err := img.Flush(ctx); err != nil {
				return err
			}
		}
		return nil
	})

	require.NoError(t, g.Wait())

	snaps, err := img.Snapshots(ctx)
	require.NoError(t, err)
	assert.Len(t, snaps, 10)

	require.NoError(t, img.Close())
	img, err = s.Open(ctx, "img", Exclusive)
	require.NoError(t, err)
	defer img.Close()

	got := readAll(t, img)
	for w := 0; w < workers; w++ {
		offset := int64(w) * testObjectSize
		assert.Equal(t, last[w], got[offset:offset+testObjectSize], "worker %d", w)
	}
}

func TestParallelHandles(t *testing.T) {
	const images = 4

	s := connect(t, testConfig(t))
	ctx := context.Background()

	handles := make([]*Image, images)
	for i := range handles {
		mode := Exclusive
		if i%2 == 1 {
			mode = Shared
		}
		handles[i] = createAndOpen(t, s, fmt.Sprintf("img%d", i), 4*testObjectSize, mode)
	}

	var g errgroup.Group
	for i, img := range handles {
		g.Go(func() error {
			data := randomBytes(int64(i), 4*testObjectSize)
			for off := int64(0); off < int64(len(data)); off += 1000 {
				end := min(off+1000, int64(len(data)))
				if _, err := img.Write(ctx, off, data[off:end]); err != nil {
					return err
				}
			}
			return img.Close()
		})
	}
	require.NoError(t, g.Wait())

	for i := 0; i < images; i++ {
		img, err := s.Open(ctx, fmt.Sprintf("img%d", i), Shared)
		require.NoError(t, err)
		assert.Equal(t, randomBytes(int64(i), 4*testObjectSize), readAll(t, img))
		require.NoError(t, img.Close())
	}
}

func TestSharedWriterYieldsToExclusive(t *testing.T) {
	cfg := testConfig(t)
	a := connect(t, cfg)
	b := connect(t, cfg)
	ctx := context.Background()

	shared := createAndOpen(t, a, "img", 4*testObjectSize, Shared)
	write(t, shared, 0, []byte("first"))

	excl, err := b.Open(ctx, "img", Exclusive)
	require.NoError(t, err)

	_, err = shared.Write(ctx, testObjectSize, []byte("blocked"))
	assert.ErrorIs(t, err, ErrBusy)
	assert.ErrorIs(t, shared.Resize(ctx, 8*testObjectSize), ErrBusy)

	got, err := shared.Read(ctx, 0, 5)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), got, "reads are still allowed")

	write(t, excl, 2*testObjectSize, []byte("exclusive"))
	require.NoError(t, excl.Close())

	// The map persisted by the exclusive handle must not hide this write.
	write(t, shared, 3*testObjectSize, []byte("after"))
	_, err = backing(t).Stat(ctx, objectMapName(shared.ID()))
	assert.ErrorIs(t, err, store.ErrNotExist)
	require.NoError(t, shared.Close())

	excl, err = b.Open(ctx, "img", Exclusive)
	require.NoError(t, err)
	defer excl.Close()

	assert.Equal(t, []uint64{0, 2, 3}, excl.omap.Existing())
	want := make([]byte, 4*testObjectSize)
	copy(want, "first")
	copy(want[2*testObjectSize:], "exclusive")
	copy(want[3*testObjectSize:], "after")
	assert.Equal(t, want, readAll(t, excl))
}
