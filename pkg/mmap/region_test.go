package mmap_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/tsstore/pkg/mmap"
)

func openRegion(t *testing.T, path string, size int64) *mmap.Region {
	t.Helper()

	r, err := mmap.Open(path, size, mmap.Options{})
	require.NoError(t, err)

	t.Cleanup(func() { _ = r.Close() })

	return r
}

func Test_Open_Creates_File_Of_Min_Size_When_Missing(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "region")
	r := openRegion(t, path, 4096)

	require.Equal(t, int64(4096), r.Size())
	require.Equal(t, path, r.Path())

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, int64(4096), info.Size())
}

func Test_Open_Maps_Full_File_When_Existing_File_Is_Larger(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "region")
	require.NoError(t, os.WriteFile(path, make([]byte, 8192), 0o600))

	r := openRegion(t, path, 256)

	require.Equal(t, int64(8192), r.Size())
}

func Test_Open_Returns_ErrInvalidInput_When_File_Would_Be_Empty(t *testing.T) {
	t.Parallel()

	_, err := mmap.Open(filepath.Join(t.TempDir(), "region"), 0, mmap.Options{})
	require.ErrorIs(t, err, mmap.ErrInvalidInput)
}

func Test_Region_Writes_Are_Visible_Through_A_Second_Mapping_When_Same_File(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "region")
	a := openRegion(t, path, 4096)
	b := openRegion(t, path, 4096)

	_, err := a.WriteAt([]byte("hello"), 100)
	require.NoError(t, err)

	got := make([]byte, 5)
	_, err = b.ReadAt(got, 100)
	require.NoError(t, err)
	require.Equal(t, "hello", string(got))

	ctr, err := a.Int64(8)
	require.NoError(t, err)
	ctr.Add(41)
	ctr.Add(1)

	other, err := b.Int64(8)
	require.NoError(t, err)
	require.Equal(t, int64(42), other.Load())
}

func Test_Region_Returns_ErrOutOfBounds_When_Access_Exceeds_Mapping(t *testing.T) {
	t.Parallel()

	r := openRegion(t, filepath.Join(t.TempDir(), "region"), 4096)

	_, err := r.Slice(4090, 8)
	require.ErrorIs(t, err, mmap.ErrOutOfBounds)

	_, err = r.Int64(4096)
	require.ErrorIs(t, err, mmap.ErrOutOfBounds)

	_, err = r.ReadAt(make([]byte, 1), -1)
	require.ErrorIs(t, err, mmap.ErrOutOfBounds)

	require.ErrorIs(t, r.Zero(0, 4097), mmap.ErrOutOfBounds)
	require.ErrorIs(t, r.Copy(0, 4000, 200), mmap.ErrOutOfBounds)
	require.False(t, r.InBounds(4095, 2))
	require.True(t, r.InBounds(4095, 1))
}

func Test_Region_Returns_ErrMisaligned_When_Atomic_Offset_Is_Not_Word_Aligned(t *testing.T) {
	t.Parallel()

	r := openRegion(t, filepath.Join(t.TempDir(), "region"), 4096)

	_, err := r.Int64(4)
	require.ErrorIs(t, err, mmap.ErrMisaligned)

	_, err = r.Int32(2)
	require.ErrorIs(t, err, mmap.ErrMisaligned)

	_, err = r.Uint32(4)
	require.NoError(t, err)

	require.Panics(t, func() { r.MustInt32(3) })
}

func Test_Region_Ensure_Keeps_Earlier_Handles_Valid_When_Growing(t *testing.T) {
	t.Parallel()

	r := openRegion(t, filepath.Join(t.TempDir(), "region"), 4096)

	word := r.MustInt32(16)
	word.Store(7)

	head, err := r.Slice(0, 4)
	require.NoError(t, err)

	require.NoError(t, r.Ensure(1<<20))
	require.Equal(t, int64(1<<20), r.Size())

	// Old handle and new handle alias the same file page.
	word.Store(9)
	require.Equal(t, int32(9), r.MustInt32(16).Load())

	copy(head, "abcd")

	got := make([]byte, 4)
	_, err = r.ReadAt(got, 0)
	require.NoError(t, err)
	require.Equal(t, "abcd", string(got))

	require.NoError(t, r.Ensure(4096), "Ensure never shrinks")
	require.Equal(t, int64(1<<20), r.Size())
}

func Test_Region_Ensure_Picks_Up_Growth_When_Another_Mapping_Extended_File(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "region")
	writer := openRegion(t, path, 4096)
	reader := openRegion(t, path, 4096)

	require.NoError(t, writer.Ensure(3*4096))
	_, err := writer.WriteAt([]byte{1, 2, 3}, 2*4096)
	require.NoError(t, err)

	require.False(t, reader.InBounds(2*4096, 3))
	require.NoError(t, reader.Ensure(3*4096))

	got := make([]byte, 3)
	_, err = reader.ReadAt(got, 2*4096)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, got)
}

func Test_Region_ReadOnly_Returns_ErrOutOfBounds_When_Ensure_Needs_To_Extend(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "region")
	openRegion(t, path, 4096)

	ro, err := mmap.Open(path, 0, mmap.Options{ReadOnly: true})
	require.NoError(t, err)

	defer ro.Close()

	require.Equal(t, int64(4096), ro.Size())
	require.ErrorIs(t, ro.Ensure(8192), mmap.ErrOutOfBounds)
}

func Test_Region_Copy_Moves_Bytes_When_Ranges_Overlap(t *testing.T) {
	t.Parallel()

	r := openRegion(t, filepath.Join(t.TempDir(), "region"), 4096)

	_, err := r.WriteAt([]byte("abcdef"), 0)
	require.NoError(t, err)

	require.NoError(t, r.Copy(2, 0, 4))

	got, err := r.Slice(0, 6)
	require.NoError(t, err)
	require.Equal(t, "ababcd", string(got))

	require.NoError(t, r.Zero(0, 2))
	require.Equal(t, []byte{0, 0}, got[:2])
}

func Test_Region_Atomics_Do_Not_Lose_Updates_When_Goroutines_Race(t *testing.T) {
	t.Parallel()

	r := openRegion(t, filepath.Join(t.TempDir(), "region"), 4096)

	var wg sync.WaitGroup

	for range 8 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			ctr := r.MustInt64(64)
			for range 1000 {
				ctr.Add(1)
			}
		}()
	}

	wg.Wait()

	require.Equal(t, int64(8000), r.MustInt64(64).Load())
}

func Test_Region_Flush_And_Close_Succeed_When_Called_Twice(t *testing.T) {
	t.Parallel()

	r, err := mmap.Open(filepath.Join(t.TempDir(), "region"), 8192, mmap.Options{})
	require.NoError(t, err)

	require.NoError(t, r.Flush(true))
	require.NoError(t, r.FlushRange(4000, 200, false))
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	_, err = r.Slice(0, 1)
	require.ErrorIs(t, err, mmap.ErrClosed)
	require.ErrorIs(t, r.Ensure(1<<16), mmap.ErrClosed)
}
