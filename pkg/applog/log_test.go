package applog_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/calvinalkan/tsstore/pkg/applog"
)

const testTermLength = 4096

func openLog(t *testing.T, opts applog.Options) *applog.Log {
	t.Helper()

	if opts.Path == "" {
		opts.Path = filepath.Join(t.TempDir(), "series.log")
	}

	if opts.TermLength == 0 {
		opts.TermLength = testTermLength
	}

	if opts.Logger == nil {
		opts.Logger = zaptest.NewLogger(t)
	}

	if opts.OnFatal == nil {
		opts.OnFatal = func(err error) { t.Errorf("fatal: %v", err) }
	}

	l, err := applog.Open(opts)
	require.NoError(t, err)

	t.Cleanup(func() { _ = l.Close() })

	return l
}

// record is a copied frame, for comparing after the callback returns.
type record struct {
	Position int64
	StreamID int32
	Flags    uint8
	Payload  []byte
}

type collector struct {
	mu      sync.Mutex
	records []record
}

func (c *collector) OnFrame(f applog.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.records = append(c.records, record{
		Position: f.Position,
		StreamID: f.StreamID,
		Flags:    f.Flags,
		Payload:  bytes.Clone(f.Payload),
	})

	return nil
}

func (c *collector) snapshot() []record {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]record(nil), c.records...)
}

func payloadOf(seq, size int) []byte {
	p := make([]byte, size)
	binary.LittleEndian.PutUint32(p, uint32(seq))

	for i := 4; i < size; i++ {
		p[i] = byte(seq + i)
	}

	return p
}

func Test_Open_Creates_Log_With_Three_Terms_When_File_Is_Missing(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "series.log")
	l := openLog(t, applog.Options{Path: path, InitialTermID: 7})

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, int64(applog.HeaderSize+3*testTermLength), info.Size())

	require.Equal(t, int32(7), l.ActiveTermID())
	require.Equal(t, int64(0), l.Position())
	require.Equal(t, int64(0), l.TailPosition())
	require.Equal(t, testTermLength/8-applog.FrameHeaderSize, l.MaxPayload())
	require.NotZero(t, l.ID())

	require.Equal(t, applog.StatusActive, applog.PartitionStatus(l, 0))
	require.Equal(t, applog.StatusClean, applog.PartitionStatus(l, 1))
	require.Equal(t, applog.StatusClean, applog.PartitionStatus(l, 2))
}

func Test_Open_Returns_ErrInvalidInput_When_Options_Are_Invalid(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	tests := []struct {
		name string
		opts applog.Options
	}{
		{name: "EmptyPath", opts: applog.Options{}},
		{name: "TermTooSmall", opts: applog.Options{Path: filepath.Join(dir, "a"), TermLength: 128}},
		{name: "TermNotAligned", opts: applog.Options{Path: filepath.Join(dir, "b"), TermLength: 4100}},
		{name: "PayloadTooLarge", opts: applog.Options{Path: filepath.Join(dir, "c"), TermLength: 4096, MaxPayload: 4096}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := applog.Open(tt.opts)
			require.ErrorIs(t, err, applog.ErrInvalidInput)
		})
	}
}

func Test_Open_Returns_ErrIncompatible_When_Term_Length_Differs(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "series.log")

	l := openLog(t, applog.Options{Path: path})
	require.NoError(t, l.Close())

	_, err := applog.Open(applog.Options{Path: path, TermLength: 2 * testTermLength})
	require.ErrorIs(t, err, applog.ErrIncompatible)
}

func Test_Open_Returns_ErrIncompatible_When_Magic_Is_Wrong(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "series.log")
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte{'x'}, applog.HeaderSize), 0o600))

	_, err := applog.Open(applog.Options{Path: path})
	require.ErrorIs(t, err, applog.ErrIncompatible)
}

func Test_Open_Returns_ErrCorrupt_When_Status_Word_Is_Out_Of_Range(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "series.log")

	l := openLog(t, applog.Options{Path: path})
	require.NoError(t, l.Close())

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)

	_, err = f.WriteAt([]byte{9, 0, 0, 0}, 0x58+4)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = applog.Open(applog.Options{Path: path})
	require.ErrorIs(t, err, applog.ErrCorrupt)
}

func Test_Open_Allocates_Terms_When_Only_Header_Was_Written(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "series.log")

	l := openLog(t, applog.Options{Path: path})
	require.NoError(t, l.Close())

	// Simulate a crash between the header rename and the file extension.
	require.NoError(t, os.Truncate(path, applog.HeaderSize))

	l = openLog(t, applog.Options{Path: path})
	_, err := l.Offer(1, []byte("after crash"))
	require.NoError(t, err)
}

func Test_Log_Resumes_Subscriber_And_Keeps_ID_When_Reopened(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "series.log")

	l := openLog(t, applog.Options{Path: path})
	id := l.ID()

	for i := range 5 {
		_, err := l.Offer(1, payloadOf(i, 24))
		require.NoError(t, err)
	}

	var first collector

	n, err := l.Poll(&first, 3)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.NoError(t, l.Close())

	l = openLog(t, applog.Options{Path: path, TermLength: 0})
	require.Equal(t, id, l.ID())

	var rest collector

	n, err = l.Poll(&rest, 100)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	got := rest.snapshot()
	require.Equal(t, payloadOf(3, 24), got[0].Payload)
	require.Equal(t, payloadOf(4, 24), got[1].Payload)
	require.Equal(t, l.TailPosition(), l.Position())
}

func Test_Claim_Returns_ErrInvalidInput_When_Length_Out_Of_Range(t *testing.T) {
	t.Parallel()

	l := openLog(t, applog.Options{})

	_, err := l.Claim(-1)
	require.ErrorIs(t, err, applog.ErrInvalidInput)

	_, err = l.Claim(l.MaxPayload() + 1)
	require.ErrorIs(t, err, applog.ErrInvalidInput)

	c, err := l.Claim(l.MaxPayload())
	require.NoError(t, err)
	require.NoError(t, c.Commit(1, 0))
}

func Test_Claim_Returns_ErrClaimDone_When_Finished_Twice(t *testing.T) {
	t.Parallel()

	l := openLog(t, applog.Options{})

	c, err := l.Claim(8)
	require.NoError(t, err)
	require.NoError(t, c.Commit(1, 0))
	require.ErrorIs(t, c.Commit(1, 0), applog.ErrClaimDone)
	require.ErrorIs(t, c.Abort(), applog.ErrClaimDone)
}

func Test_Poll_Skips_Aborted_Claims_When_Dispatching(t *testing.T) {
	t.Parallel()

	l := openLog(t, applog.Options{})

	first, err := l.Offer(1, []byte("first"))
	require.NoError(t, err)

	aborted, err := l.Claim(40)
	require.NoError(t, err)
	copy(aborted.Buffer(), "never seen")
	require.NoError(t, aborted.Abort())

	c, err := l.Claim(6)
	require.NoError(t, err)
	copy(c.Buffer(), "second")
	require.NoError(t, c.Commit(2, 0x5))

	var col collector

	n, err := l.Poll(&col, 10)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	want := []record{
		{Position: first, StreamID: 1, Payload: []byte("first")},
		{Position: c.Position(), StreamID: 2, Flags: 0x5, Payload: []byte("second")},
	}
	if diff := cmp.Diff(want, col.snapshot()); diff != "" {
		t.Fatalf("frames mismatch (-want +got):\n%s", diff)
	}

	require.Equal(t, l.TailPosition(), l.Position())
}

func Test_Poll_Stops_At_Uncommitted_Claim_When_Later_Frames_Are_Committed(t *testing.T) {
	t.Parallel()

	l := openLog(t, applog.Options{})

	pending, err := l.Claim(8)
	require.NoError(t, err)

	_, err = l.Offer(1, []byte("later"))
	require.NoError(t, err)

	var col collector

	n, err := l.Poll(&col, 10)
	require.NoError(t, err)
	require.Zero(t, n)

	require.NoError(t, pending.Commit(1, 0))

	n, err = l.Poll(&col, 10)
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func Test_Poll_Redelivers_Frame_When_Handler_Fails(t *testing.T) {
	t.Parallel()

	l := openLog(t, applog.Options{})

	_, err := l.Offer(1, []byte("retry me"))
	require.NoError(t, err)

	boom := errors.New("boom")

	n, err := l.Poll(applog.HandlerFunc(func(applog.Frame) error { return boom }), 10)
	require.ErrorIs(t, err, boom)
	require.Zero(t, n)
	require.Equal(t, int64(0), l.Position())

	var col collector

	n, err = l.Poll(&col, 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func Test_Poll_Returns_ErrLapped_When_Writers_Reuse_Unread_Partition(t *testing.T) {
	t.Parallel()

	l := openLog(t, applog.Options{})

	// Four full terms without a poller: the fourth rotation recycles the
	// partition holding term 0.
	for i := range 4 * 85 {
		_, err := l.Offer(1, payloadOf(i, 32))
		require.NoError(t, err)
	}

	var col collector

	_, err := l.Poll(&col, 1000)
	require.ErrorIs(t, err, applog.ErrLapped)
}

func Test_Clean_Zeroes_Retired_Partition_When_Needs_Cleaning(t *testing.T) {
	t.Parallel()

	l := openLog(t, applog.Options{})

	for i := range 90 {
		_, err := l.Offer(1, payloadOf(i, 32))
		require.NoError(t, err)
	}

	require.Equal(t, applog.StatusNeedsCleaning, applog.PartitionStatus(l, 0))
	require.ErrorIs(t, l.Clean(3), applog.ErrInvalidInput)
	require.NoError(t, l.Clean(1), "clean on an active partition is a no-op")
	require.Equal(t, applog.StatusActive, applog.PartitionStatus(l, 1))

	require.NoError(t, l.Clean(0))
	require.Equal(t, applog.StatusClean, applog.PartitionStatus(l, 0))

	snap, err := applog.Inspect(l.Path())
	require.NoError(t, err)
	require.Equal(t, int32(3), snap.Partitions[0].TermID)
	require.Zero(t, snap.Partitions[0].DataFrames)
	require.Equal(t, 5, snap.Partitions[1].DataFrames)
}

func Test_Start_Returns_Errors_When_Misused(t *testing.T) {
	t.Parallel()

	l := openLog(t, applog.Options{})

	require.ErrorIs(t, l.Start(nil), applog.ErrInvalidInput)

	var col collector

	require.NoError(t, l.Start(&col))
	require.ErrorIs(t, l.Start(&col), applog.ErrAlreadyStarted)
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	_, err := l.Claim(8)
	require.ErrorIs(t, err, applog.ErrClosed)
	require.ErrorIs(t, l.Flush(false), applog.ErrClosed)
}

func Test_Start_Calls_OnFatal_When_Handler_Fails(t *testing.T) {
	t.Parallel()

	fatal := make(chan error, 1)
	l := openLog(t, applog.Options{OnFatal: func(err error) { fatal <- err }})

	boom := errors.New("handler exploded")
	require.NoError(t, l.Start(applog.HandlerFunc(func(applog.Frame) error { return boom })))

	_, err := l.Offer(1, []byte("x"))
	require.NoError(t, err)

	require.ErrorIs(t, <-fatal, boom)
}

func Test_Inspect_Reports_Frames_When_Log_Has_Data(t *testing.T) {
	t.Parallel()

	l := openLog(t, applog.Options{InitialTermID: 3})

	for i := range 3 {
		_, err := l.Offer(1, payloadOf(i, 10))
		require.NoError(t, err)
	}

	c, err := l.Claim(4)
	require.NoError(t, err)
	require.NoError(t, c.Abort())

	_, err = l.Claim(4) // left pending
	require.NoError(t, err)

	require.NoError(t, l.Flush(true))

	snap, err := applog.Inspect(l.Path())
	require.NoError(t, err)

	require.Equal(t, l.ID(), snap.ID)
	require.Equal(t, int32(3), snap.ActiveTermID)

	want := applog.PartitionSnapshot{
		Index:         0,
		Status:        applog.StatusActive,
		TermID:        3,
		TailOffset:    3*32 + 2*24,
		DataFrames:    3,
		PaddingFrames: 1,
		PayloadBytes:  30,
		Pending:       true,
	}
	if diff := cmp.Diff(want, snap.Partitions[0]); diff != "" {
		t.Fatalf("partition 0 mismatch (-want +got):\n%s", diff)
	}

	require.Equal(t, int32(4), snap.Partitions[1].TermID)
	require.Equal(t, applog.StatusClean, snap.Partitions[2].Status)
}
