package fs

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_Real_Exists_Reports_Presence_When_Path_Is_File_Dir_Or_Missing(t *testing.T) {
	t.Parallel()

	fsys := NewReal()
	dir := t.TempDir()
	file := filepath.Join(dir, "series.log")

	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))

	for path, want := range map[string]bool{
		file:                          true,
		dir:                           true,
		filepath.Join(dir, "missing"): false,
	} {
		got, err := fsys.Exists(path)
		require.NoError(t, err)
		require.Equal(t, want, got, path)
	}
}

func Test_Real_WriteFileAtomic_Replaces_Header_And_Applies_Perm(t *testing.T) {
	t.Parallel()

	fsys := NewReal()
	dir := t.TempDir()
	path := filepath.Join(dir, "state.buckets")

	require.NoError(t, fsys.WriteFileAtomic(path, bytes.Repeat([]byte{1}, 256), 0o600))
	require.NoError(t, fsys.WriteFileAtomic(path, bytes.Repeat([]byte{2}, 512), 0o640))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, bytes.Repeat([]byte{2}, 512), data)

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o640), info.Mode().Perm())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp file left behind")
}

func Test_Real_WriteFileAtomic_Leaves_One_Whole_Header_When_Creators_Race(t *testing.T) {
	t.Parallel()

	fsys := NewReal()
	path := filepath.Join(t.TempDir(), "series.log")

	var wg sync.WaitGroup

	for i := range 8 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			header := bytes.Repeat([]byte{byte('A' + i)}, 4096)

			for range 10 {
				_ = fsys.WriteFileAtomic(path, header, 0o600)
			}
		}()
	}

	wg.Wait()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Len(t, data, 4096)
	require.Equal(t, bytes.Repeat(data[:1], 4096), data, "bytes from different writers")
}
