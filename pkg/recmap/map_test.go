package recmap_test

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/calvinalkan/tsstore/pkg/recmap"
)

func openMap(t *testing.T, opts recmap.Options) *recmap.Map {
	t.Helper()

	if opts.Path == "" {
		opts.Path = filepath.Join(t.TempDir(), "map")
	}

	if opts.KeySize == 0 {
		opts.KeySize, opts.ValueSize = 8, 8
	}

	if opts.Logger == nil {
		opts.Logger = zaptest.NewLogger(t)
	}

	m, err := recmap.Open(opts)
	require.NoError(t, err)

	t.Cleanup(func() { _ = m.Close() })

	return m
}

func key(i int) []byte {
	return binary.LittleEndian.AppendUint64(nil, uint64(i))
}

func val(i int) []byte {
	return binary.LittleEndian.AppendUint64(nil, uint64(i)*10+1)
}

type countingMetrics struct {
	stolen    atomic.Int64
	recovered atomic.Int64
	resized   atomic.Int64
	retried   atomic.Int64
}

func (m *countingMetrics) LockStolen()         { m.stolen.Add(1) }
func (m *countingMetrics) Recovered(steps int) { m.recovered.Add(int64(steps)) }
func (m *countingMetrics) Resized(int)         { m.resized.Add(1) }
func (m *countingMetrics) ReadRetried()        { m.retried.Add(1) }

func Test_Open_Creates_Both_Files_When_Map_Is_New(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "sub", "map")
	m := openMap(t, recmap.Options{Path: path})

	for _, suffix := range []string{".buckets", ".entries", ".lock"} {
		_, err := os.Stat(path + suffix)
		require.NoError(t, err, suffix)
	}

	n, err := m.Len()
	require.NoError(t, err)
	require.Zero(t, n)
	require.Equal(t, 17, m.Capacity())
	require.Equal(t, 8, m.KeySize())
	require.Equal(t, 8, m.ValueSize())
}

func Test_Open_Returns_ErrInvalidInput_When_Options_Are_Invalid(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	tests := []struct {
		name string
		opts recmap.Options
	}{
		{"EmptyPath", recmap.Options{KeySize: 8}},
		{"NegativeKeySize", recmap.Options{Path: filepath.Join(dir, "a"), KeySize: -1}},
		{"KeySizeTooLarge", recmap.Options{Path: filepath.Join(dir, "b"), KeySize: recmap.MaxKeySize + 1}},
		{"NegativeValueSize", recmap.Options{Path: filepath.Join(dir, "c"), KeySize: 8, ValueSize: -1}},
		{"NegativeCapacity", recmap.Options{Path: filepath.Join(dir, "d"), KeySize: 8, Capacity: -1}},
		{"CapacityTooLarge", recmap.Options{Path: filepath.Join(dir, "e"), KeySize: 8, Capacity: 1 << 30}},
		{"NoKeySizeOnCreate", recmap.Options{Path: filepath.Join(dir, "f")}},
		{"NegativePID", recmap.Options{Path: filepath.Join(dir, "g"), KeySize: 8, PID: -5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := recmap.Open(tt.opts)
			require.ErrorIs(t, err, recmap.ErrInvalidInput)
		})
	}
}

func Test_Open_Keeps_Entries_When_Map_Is_Reopened(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "map")

	m, err := recmap.Open(recmap.Options{Path: path, KeySize: 8, ValueSize: 8, Capacity: 5})
	require.NoError(t, err)

	for i := range 20 {
		require.NoError(t, m.Add(key(i), val(i)))
	}

	gen := m.Generation()

	require.NoError(t, m.Flush(true))
	require.NoError(t, m.Close())

	// KeySize 0 accepts the sizes stored in the file.
	m2, err := recmap.Open(recmap.Options{Path: path})
	require.NoError(t, err)

	t.Cleanup(func() { _ = m2.Close() })

	require.Equal(t, gen, m2.Generation())
	require.Equal(t, 8, m2.ValueSize())

	n, err := m2.Len()
	require.NoError(t, err)
	require.Equal(t, 20, n)

	for i := range 20 {
		v, err := m2.Get(key(i))
		require.NoError(t, err)
		require.Equal(t, val(i), v)
	}
}

func Test_Open_Returns_ErrIncompatible_When_Sizes_Differ(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "map")
	m := openMap(t, recmap.Options{Path: path, KeySize: 8, ValueSize: 8})
	require.NoError(t, m.Close())

	_, err := recmap.Open(recmap.Options{Path: path, KeySize: 8, ValueSize: 4})
	require.ErrorIs(t, err, recmap.ErrIncompatible)

	_, err = recmap.Open(recmap.Options{Path: path, KeySize: 16, ValueSize: 8})
	require.ErrorIs(t, err, recmap.ErrIncompatible)
}

func Test_Open_Returns_ErrIncompatible_When_Magic_Is_Wrong(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "map")
	m := openMap(t, recmap.Options{Path: path})
	require.NoError(t, m.Close())

	f, err := os.OpenFile(path+".entries", os.O_RDWR, 0)
	require.NoError(t, err)

	_, err = f.WriteAt([]byte("XXXX"), 0)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = recmap.Open(recmap.Options{Path: path})
	require.ErrorIs(t, err, recmap.ErrIncompatible)
}

func Test_Open_Returns_ErrCorrupt_When_Entries_File_Is_Missing(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "map")
	m := openMap(t, recmap.Options{Path: path})
	require.NoError(t, m.Close())
	require.NoError(t, os.Remove(path+".entries"))

	_, err := recmap.Open(recmap.Options{Path: path})
	require.ErrorIs(t, err, recmap.ErrCorrupt)
}

func Test_Map_Follows_Key_Value_Contract_When_Used_Sequentially(t *testing.T) {
	t.Parallel()

	m := openMap(t, recmap.Options{})

	_, err := m.Get(key(1))
	require.ErrorIs(t, err, recmap.ErrKeyNotFound)

	_, ok, err := m.TryGet(key(1))
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, m.Add(key(1), val(1)))
	require.ErrorIs(t, m.Add(key(1), val(2)), recmap.ErrDuplicateKey)

	v, err := m.Get(key(1))
	require.NoError(t, err)
	require.Equal(t, val(1), v)

	require.NoError(t, m.Set(key(1), val(7)))
	require.NoError(t, m.Set(key(2), val(2)))

	v, err = m.Get(key(1))
	require.NoError(t, err)
	require.Equal(t, val(7), v)

	ok, err = m.ContainsKey(key(2))
	require.NoError(t, err)
	require.True(t, ok)

	removed, err := m.Remove(key(1))
	require.NoError(t, err)
	require.True(t, removed)

	removed, err = m.Remove(key(1))
	require.NoError(t, err)
	require.False(t, removed)

	ok, err = m.ContainsKey(key(1))
	require.NoError(t, err)
	require.False(t, ok)

	n, err := m.Len()
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func Test_Map_Returns_ErrInvalidInput_When_Lengths_Are_Wrong(t *testing.T) {
	t.Parallel()

	m := openMap(t, recmap.Options{})

	_, err := m.Get([]byte("short"))
	require.ErrorIs(t, err, recmap.ErrInvalidInput)

	require.ErrorIs(t, m.Set(key(1), []byte{1}), recmap.ErrInvalidInput)
	require.ErrorIs(t, m.Add([]byte{1}, val(1)), recmap.ErrInvalidInput)

	_, err = m.Remove(nil)
	require.ErrorIs(t, err, recmap.ErrInvalidInput)
}

func Test_Map_Returns_ErrClosed_When_Used_After_Close(t *testing.T) {
	t.Parallel()

	m := openMap(t, recmap.Options{})

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	_, err := m.Get(key(1))
	require.ErrorIs(t, err, recmap.ErrClosed)
	require.ErrorIs(t, m.Set(key(1), val(1)), recmap.ErrClosed)
	require.ErrorIs(t, m.Flush(false), recmap.ErrClosed)
}

func Test_Map_Finds_All_Keys_When_Ten_Keys_Overflow_Capacity_Five(t *testing.T) {
	t.Parallel()

	metrics := &countingMetrics{}
	m := openMap(t, recmap.Options{Capacity: 5, Metrics: metrics})

	initial := m.Generation()

	for i := 1; i <= 10; i++ {
		require.NoError(t, m.Add(key(i), val(i)))
	}

	require.Greater(t, m.Generation(), initial)
	require.Equal(t, int64(m.Generation()-initial), metrics.resized.Load())

	for i := 1; i <= 10; i++ {
		v, err := m.Get(key(i))
		require.NoError(t, err, "key %d", i)
		require.Equal(t, val(i), v, "key %d", i)
	}
}

func Test_Map_Keeps_Old_Generations_Reachable_When_Resized_Many_Times(t *testing.T) {
	t.Parallel()

	m := openMap(t, recmap.Options{})

	initial := m.Generation()

	for i := range 1000 {
		require.NoError(t, m.Add(key(i), val(i)))
	}

	require.GreaterOrEqual(t, m.Generation()-initial, 4)

	// Key 0 was linked into the first table and never moved.
	v, err := m.Get(key(0))
	require.NoError(t, err)
	require.Equal(t, val(0), v)

	for i := 0; i < 1000; i += 2 {
		removed, err := m.Remove(key(i))
		require.NoError(t, err)
		require.True(t, removed, "key %d", i)
	}

	n, err := m.Len()
	require.NoError(t, err)
	require.Equal(t, 500, n)

	for i := range 1000 {
		ok, err := m.ContainsKey(key(i))
		require.NoError(t, err)
		require.Equal(t, i%2 == 1, ok, "key %d", i)
	}

	// New keys reuse the freed entries before the map grows again.
	before := recmap.ControlWords(m)

	for i := 1000; i < 1500; i++ {
		require.NoError(t, m.Add(key(i), val(i)))
	}

	after := recmap.ControlWords(m)
	require.Equal(t, before.Count, after.Count)
	require.Equal(t, before.Generation, after.Generation)
	require.Zero(t, after.FreeCount)
	require.Equal(t, int32(-1), after.FreeHead)
}

func Test_Scan_Returns_Every_Live_Entry(t *testing.T) {
	t.Parallel()

	m := openMap(t, recmap.Options{Capacity: 5})

	for i := range 12 {
		require.NoError(t, m.Set(key(i), val(i)))
	}

	_, err := m.Remove(key(3))
	require.NoError(t, err)

	entries, err := m.Scan()
	require.NoError(t, err)

	var got []int
	for _, e := range entries {
		i := int(binary.LittleEndian.Uint64(e.Key))
		require.Equal(t, val(i), e.Value)

		got = append(got, i)
	}

	slices.Sort(got)

	want := []int{0, 1, 2, 4, 5, 6, 7, 8, 9, 10, 11}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("scanned keys mismatch (-want +got):\n%s", diff)
	}
}

func Test_All_Yields_Snapshot_When_Map_Changes_After_Call(t *testing.T) {
	t.Parallel()

	m := openMap(t, recmap.Options{Capacity: 5})

	for i := range 8 {
		require.NoError(t, m.Set(key(i), val(i)))
	}

	all, err := m.All()
	require.NoError(t, err)

	_, err = m.Remove(key(2))
	require.NoError(t, err)
	require.NoError(t, m.Set(key(20), val(20)))

	var got []int
	for k, v := range all {
		i := int(binary.LittleEndian.Uint64(k))
		require.Equal(t, val(i), v)

		got = append(got, i)
	}

	slices.Sort(got)

	want := []int{0, 1, 2, 3, 4, 5, 6, 7}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("snapshot keys mismatch (-want +got):\n%s", diff)
	}

	// Stopping early ends the sequence.
	n := 0
	for range all {
		n++
		if n == 3 {
			break
		}
	}

	require.Equal(t, 3, n)
}

func Test_Map_Serialises_Writers_When_Handles_Share_A_File(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "map")

	const (
		handles   = 4
		perHandle = 100
	)

	maps := make([]*recmap.Map, handles)
	for h := range maps {
		maps[h] = openMap(t, recmap.Options{Path: path, PID: 1000 + h})
	}

	var wg sync.WaitGroup

	for h, m := range maps {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for i := range perHandle {
				k := h*perHandle + i

				err := m.Add(key(k), val(k))
				if err != nil {
					t.Errorf("Add(%d): %v", k, err)

					return
				}
			}
		}()
	}

	wg.Wait()

	n, err := maps[0].Len()
	require.NoError(t, err)
	require.Equal(t, handles*perHandle, n)

	for k := range handles * perHandle {
		v, err := maps[k%handles].Get(key(k))
		require.NoError(t, err)
		require.Equal(t, val(k), v)
	}
}

func Test_Get_Never_Sees_Torn_Values_When_Writer_Overwrites_Concurrently(t *testing.T) {
	t.Parallel()

	m := openMap(t, recmap.Options{KeySize: 8, ValueSize: 64})

	// Every byte of a value equals its round.
	value := func(round int) []byte {
		return slices.Repeat([]byte{byte(round)}, 64)
	}

	require.NoError(t, m.Set(key(1), value(0)))

	var (
		stop sync.WaitGroup
		done atomic.Bool
	)

	for range 4 {
		stop.Add(1)

		go func() {
			defer stop.Done()

			for !done.Load() {
				v, err := m.Get(key(1))
				if err != nil {
					t.Errorf("Get: %v", err)

					return
				}

				if !slices.Equal(v, value(int(v[0]))) {
					t.Errorf("torn value %x", v)

					return
				}
			}
		}()
	}

	for round := 1; round <= 500; round++ {
		require.NoError(t, m.Set(key(1), value(round)))
	}

	done.Store(true)
	stop.Wait()
}

func Test_Recover_Is_Noop_When_Nothing_Is_Pending(t *testing.T) {
	t.Parallel()

	metrics := &countingMetrics{}
	m := openMap(t, recmap.Options{Metrics: metrics})

	require.NoError(t, m.Set(key(1), val(1)))
	require.NoError(t, m.Recover())
	require.NoError(t, m.Recover())

	require.Zero(t, metrics.recovered.Load())

	ctl := recmap.ControlWords(m)
	require.Equal(t, ctl.Version, ctl.NextVersion)
	require.Zero(t, ctl.Owner)
	require.Zero(t, ctl.Flags)
}
