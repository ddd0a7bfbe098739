package applog

import (
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/calvinalkan/tsstore/internal/fs"
	"github.com/calvinalkan/tsstore/pkg/mmap"
)

const (
	filePerm = 0o600
	dirPerm  = 0o755

	defaultPollBatch = 256
)

// Options configures [Open].
type Options struct {
	// Path is the log file. A sibling Path+".lock" serialises creation.
	Path string

	// TermLength is the size of one term in bytes. When creating, 0 means
	// [DefaultTermLength]. When opening an existing log, 0 accepts the
	// file's term length and any other value must match it.
	TermLength int

	// InitialTermID is the id of the first term. Only used when creating.
	InitialTermID int32

	// MaxPayload caps a single frame's payload. 0 means an eighth of the
	// term minus the frame header. Only used when creating.
	MaxPayload int

	// PollBatch is the frame limit per Poll call of the background poller.
	// 0 means 256.
	PollBatch int

	// Logger receives lifecycle events. Nil disables logging.
	Logger *zap.Logger

	// Metrics receives counters. Nil disables collection.
	Metrics Metrics

	// OnFatal is called when the background poller or cleaner fails. The
	// default logs at fatal level, which exits the process: a poller that
	// silently stops would leave committed frames unseen.
	OnFatal func(error)
}

// Log is a memory-mapped append log cycling through three terms.
//
// Any number of goroutines and processes may claim and commit frames
// concurrently. Exactly one goroutine (across all processes) may poll.
type Log struct {
	path    string
	region  *mmap.Region
	logger  *zap.Logger
	metrics Metrics
	onFatal func(error)

	id            uuid.UUID
	termLength    int64
	initialTermID int32
	maxPayload    int
	pollBatch     int

	activeCount *atomic.Int32
	subscriber  *atomic.Int64
	tails       [PartitionCount]*atomic.Int64
	statuses    [PartitionCount]*atomic.Int32

	pollMu  sync.Mutex
	pollBuf []byte

	cleanSignal chan struct{}
	stop        chan struct{}
	wg          sync.WaitGroup
	started     atomic.Bool
	closed      atomic.Bool

	// beforeLengthStore runs between payload and length writes on commit.
	beforeLengthStore func()
}

// Open creates the log at opts.Path or opens an existing one.
//
// Creation runs under an exclusive flock on Path+".lock": the header is
// written to a temp file and renamed into place, then the file is extended
// to hold all three terms.
//
// Possible errors: [ErrInvalidInput], [ErrIncompatible], [ErrCorrupt], and
// wrapped I/O errors.
func Open(opts Options) (*Log, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("empty path: %w", ErrInvalidInput)
	}

	if opts.TermLength != 0 {
		err := validateTermLength(opts.TermLength)
		if err != nil {
			return nil, err
		}
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	logger = logger.Named("applog").With(zap.String("path", opts.Path))

	fsys := fs.NewReal()

	lock, err := fs.NewLocker(fsys).Lock(opts.Path + ".lock")
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", opts.Path, err)
	}

	defer func() { _ = lock.Close() }()

	exists, err := fsys.Exists(opts.Path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", opts.Path, err)
	}

	if !exists {
		err = create(fsys, opts, logger)
		if err != nil {
			return nil, err
		}
	}

	region, err := mmap.Open(opts.Path, HeaderSize, mmap.Options{FS: fsys})
	if err != nil {
		return nil, err
	}

	l, err := newLog(region, opts, logger)
	if err != nil {
		_ = region.Close()

		return nil, err
	}

	return l, nil
}

func create(fsys fs.FS, opts Options, logger *zap.Logger) error {
	termLength := opts.TermLength
	if termLength == 0 {
		termLength = DefaultTermLength
	}

	maxPayload := opts.MaxPayload
	if maxPayload == 0 {
		maxPayload = defaultMaxPayload(termLength)
	}

	if maxPayload < 0 || frameSize(maxPayload) > int64(termLength) {
		return fmt.Errorf("max payload %d does not fit term length %d: %w", maxPayload, termLength, ErrInvalidInput)
	}

	h := header{
		TermLength:    int32(termLength),
		InitialTermID: opts.InitialTermID,
		ID:            uuid.New(),
		MaxPayload:    int32(maxPayload),
	}

	err := fsys.MkdirAll(filepath.Dir(opts.Path), dirPerm)
	if err != nil {
		return fmt.Errorf("create dir: %w", err)
	}

	err = fsys.WriteFileAtomic(opts.Path, encodeHeader(h), filePerm)
	if err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	logger.Info("created append log",
		zap.Stringer("id", h.ID),
		zap.Int("term_length", termLength),
		zap.Int32("initial_term_id", h.InitialTermID),
	)

	return nil
}

// newLog validates the mapped header and resolves the shared control words.
// It must run under the creation lock: a file whose terms were never
// allocated (crash right after the header rename) is extended here.
func newLog(region *mmap.Region, opts Options, logger *zap.Logger) (*Log, error) {
	buf, err := region.Slice(0, HeaderSize)
	if err != nil {
		return nil, fmt.Errorf("read header: %w: %w", ErrCorrupt, err)
	}

	h, err := decodeHeader(buf)
	if err != nil {
		return nil, err
	}

	if opts.TermLength != 0 && int32(opts.TermLength) != h.TermLength {
		return nil, fmt.Errorf("term length %d, file has %d: %w", opts.TermLength, h.TermLength, ErrIncompatible)
	}

	err = region.Ensure(fileSize(h.TermLength))
	if err != nil {
		return nil, err
	}

	onFatal := opts.OnFatal
	if onFatal == nil {
		onFatal = func(err error) {
			logger.Fatal("append log background loop failed", zap.Error(err))
		}
	}

	metrics := opts.Metrics
	if metrics == nil {
		metrics = nopMetrics{}
	}

	pollBatch := opts.PollBatch
	if pollBatch <= 0 {
		pollBatch = defaultPollBatch
	}

	l := &Log{
		path:          opts.Path,
		region:        region,
		logger:        logger,
		metrics:       metrics,
		onFatal:       onFatal,
		id:            h.ID,
		termLength:    int64(h.TermLength),
		initialTermID: h.InitialTermID,
		maxPayload:    int(h.MaxPayload),
		pollBatch:     pollBatch,
		activeCount:   region.MustInt32(offActiveCount),
		subscriber:    region.MustInt64(offSubscriber),
		pollBuf:       make([]byte, h.MaxPayload),
		cleanSignal:   make(chan struct{}, 1),
		stop:          make(chan struct{}),
	}

	for i := range PartitionCount {
		l.tails[i] = region.MustInt64(offRawTail + 8*int64(i))
		l.statuses[i] = region.MustInt32(offStatus + 4*int64(i))
	}

	err = l.validateState()
	if err != nil {
		return nil, err
	}

	logger.Debug("opened append log",
		zap.Int32("active_term_id", l.ActiveTermID()),
		zap.Int64("position", l.Position()),
	)

	return l, nil
}

// validateState rejects control words no sequence of operations can produce.
func (l *Log) validateState() error {
	count := l.activeCount.Load()
	if count < 0 {
		return fmt.Errorf("active term count %d: %w", count, ErrCorrupt)
	}

	for i := range PartitionCount {
		status := Status(l.statuses[i].Load())
		if !status.valid() {
			return fmt.Errorf("partition %d status %d: %w", i, int32(status), ErrCorrupt)
		}
	}

	activeTerm := l.initialTermID + count
	raw := l.tails[l.partitionOf(count)].Load()

	if tailTermID(raw) < activeTerm {
		return fmt.Errorf("active partition tail term %d behind active term %d: %w",
			tailTermID(raw), activeTerm, ErrCorrupt)
	}

	pos := l.subscriber.Load()
	if pos < 0 || pos > l.TailPosition() {
		return fmt.Errorf("subscriber position %d beyond tail %d: %w", pos, l.TailPosition(), ErrCorrupt)
	}

	return nil
}

// Path returns the log file path.
func (l *Log) Path() string {
	return l.path
}

// ID returns the log id written at creation.
func (l *Log) ID() uuid.UUID {
	return l.id
}

// TermLength returns the size of one term in bytes.
func (l *Log) TermLength() int {
	return int(l.termLength)
}

// MaxPayload returns the largest payload a single claim may reserve.
func (l *Log) MaxPayload() int {
	return l.maxPayload
}

// ActiveTermID returns the id of the term writers currently claim in.
func (l *Log) ActiveTermID() int32 {
	return l.initialTermID + l.activeCount.Load()
}

// Position returns the persisted subscriber position: the byte position
// just past the last frame the poller consumed.
func (l *Log) Position() int64 {
	return l.subscriber.Load()
}

// TailPosition returns the position just past the last claimed byte of the
// active term.
func (l *Log) TailPosition() int64 {
	count := l.activeCount.Load()
	raw := l.tails[l.partitionOf(count)].Load()

	offset := tailOffset(raw)
	if tailTermID(raw) != l.initialTermID+count {
		offset = 0
	}

	return int64(count)*l.termLength + min(offset, l.termLength)
}

// Flush writes the mapping back to the file; wait blocks until it is on
// stable storage.
func (l *Log) Flush(wait bool) error {
	if l.closed.Load() {
		return ErrClosed
	}

	return l.region.Flush(wait)
}

// Close stops the background goroutines, waits for them and unmaps the log.
// Claims still in flight must not be finished after Close.
func (l *Log) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}

	close(l.stop)
	l.wg.Wait()

	return l.region.Close()
}

// partitionOf maps an active term count to its partition index.
func (l *Log) partitionOf(count int32) int {
	return int(count % PartitionCount)
}

// termStart is the file offset of a partition's first byte.
func (l *Log) termStart(partition int) int64 {
	return HeaderSize + int64(partition)*l.termLength
}
