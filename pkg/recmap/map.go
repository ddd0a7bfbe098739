package recmap

import (
	"errors"
	"fmt"
	"math"
	"os"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/calvinalkan/tsstore/internal/fs"
	"github.com/calvinalkan/tsstore/pkg/mmap"
)

const (
	filePerm = 0o600

	// DefaultCapacity is the initial capacity when Options.Capacity is 0.
	DefaultCapacity = 16

	// shadowOff is the entries file offset of the shadow entry that holds
	// the pre-image of an entry being overwritten.
	shadowOff = HeaderSize
)

// Options configures [Open].
type Options struct {
	// Path is the path prefix of the map. The map uses Path+".buckets",
	// Path+".entries" and Path+".lock".
	Path string

	// KeySize and ValueSize are the fixed key and value widths in bytes.
	// Required when creating. When opening an existing map, a KeySize of 0
	// accepts the file's sizes and any other value must match both.
	KeySize   int
	ValueSize int

	// Capacity sizes the first generation. Only used when creating.
	// 0 means [DefaultCapacity].
	Capacity int

	// PID identifies this process in the write lock. 0 means os.Getpid().
	PID int

	// Probe decides whether a lock owner is dead. Nil means [SignalProbe].
	Probe ProcessProbe

	// LockSpinLimit is the number of failed lock attempts between liveness
	// probes. 0 means [DefaultLockSpinLimit].
	LockSpinLimit int

	// Logger receives lock theft, recovery and resize events. Nil disables
	// logging.
	Logger *zap.Logger

	// Metrics receives counters. Nil disables collection.
	Metrics Metrics
}

// Map is a hash map of fixed-size keys and values stored in two
// memory-mapped files.
//
// A Map is safe for concurrent use by multiple goroutines, and any number
// of processes may open the same files.
type Map struct {
	path    string
	buckets *mmap.Region
	entries *mmap.Region

	logger    *zap.Logger
	metrics   Metrics
	probe     ProcessProbe
	pid       int32
	spinLimit int

	layout    layout
	keySize   int
	valueSize int
	stride    int64
	tableOffs [len(primes)]int64

	owner       *atomic.Int32
	version     *atomic.Int64
	nextVersion *atomic.Int64
	count       *atomic.Int32
	freeHead    *atomic.Int32
	freeCount   *atomic.Int32
	generation  *atomic.Int32
	flags       *atomic.Int32

	id  fileIdentity
	reg *registryEntry

	closed atomic.Bool

	// crashHook runs after each recovery step's mutation.
	crashHook func(step int32)
}

// Open creates the map at opts.Path or opens an existing one.
//
// Creation runs under an exclusive flock on Path+".lock". Both files are
// written whole via temp file and rename, the entries file first, so an
// existing buckets file implies a complete pair.
//
// Possible errors: [ErrInvalidInput], [ErrIncompatible], [ErrCorrupt], and
// wrapped I/O errors.
func Open(opts Options) (*Map, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("empty path: %w", ErrInvalidInput)
	}

	if opts.KeySize < 0 || opts.KeySize > MaxKeySize {
		return nil, fmt.Errorf("key size %d exceeds [0, %d]: %w", opts.KeySize, MaxKeySize, ErrInvalidInput)
	}

	if opts.ValueSize < 0 || opts.ValueSize > MaxValueSize {
		return nil, fmt.Errorf("value size %d exceeds [0, %d]: %w", opts.ValueSize, MaxValueSize, ErrInvalidInput)
	}

	if opts.Capacity < 0 {
		return nil, fmt.Errorf("capacity %d < 0: %w", opts.Capacity, ErrInvalidInput)
	}

	pid := opts.PID
	if pid == 0 {
		pid = os.Getpid()
	}

	if pid < 0 || pid > math.MaxInt32 {
		return nil, fmt.Errorf("pid %d: %w", pid, ErrInvalidInput)
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	logger = logger.Named("recmap").With(zap.String("path", opts.Path))

	fsys := fs.NewReal()

	lock, err := fs.NewLocker(fsys).Lock(opts.Path + ".lock")
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", opts.Path, err)
	}

	defer func() { _ = lock.Close() }()

	bucketsPath, entriesPath := opts.Path+".buckets", opts.Path+".entries"

	exists, err := fsys.Exists(bucketsPath)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", bucketsPath, err)
	}

	if !exists {
		err = create(fsys, opts, logger)
		if err != nil {
			return nil, err
		}
	} else {
		exists, err = fsys.Exists(entriesPath)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", entriesPath, err)
		}

		if !exists {
			return nil, fmt.Errorf("%s exists without %s: %w", bucketsPath, entriesPath, ErrCorrupt)
		}
	}

	buckets, err := mmap.Open(bucketsPath, HeaderSize, mmap.Options{FS: fsys})
	if err != nil {
		return nil, err
	}

	entries, err := mmap.Open(entriesPath, HeaderSize, mmap.Options{FS: fsys})
	if err != nil {
		_ = buckets.Close()

		return nil, err
	}

	m, err := newMap(buckets, entries, opts, int32(pid), logger)
	if err != nil {
		_ = buckets.Close()
		_ = entries.Close()

		return nil, err
	}

	return m, nil
}

func create(fsys fs.FS, opts Options, logger *zap.Logger) error {
	if opts.KeySize == 0 {
		return fmt.Errorf("key size required to create %s: %w", opts.Path, ErrInvalidInput)
	}

	capacity := opts.Capacity
	if capacity == 0 {
		capacity = DefaultCapacity
	}

	gen, err := generationFor(capacity)
	if err != nil {
		return err
	}

	l := layout{KeySize: int32(opts.KeySize), ValueSize: int32(opts.ValueSize), InitialGen: gen}

	err = fsys.WriteFileAtomic(opts.Path+".entries", encodeEntries(l), filePerm)
	if err != nil {
		return fmt.Errorf("write entries header: %w", err)
	}

	err = fsys.WriteFileAtomic(opts.Path+".buckets", encodeBuckets(l), filePerm)
	if err != nil {
		return fmt.Errorf("write buckets header: %w", err)
	}

	logger.Info("created map",
		zap.Int("key_size", opts.KeySize),
		zap.Int("value_size", opts.ValueSize),
		zap.Int32("capacity", primes[gen]),
	)

	return nil
}

func newMap(buckets, entries *mmap.Region, opts Options, pid int32, logger *zap.Logger) (*Map, error) {
	bh, err := buckets.Slice(0, HeaderSize)
	if err != nil {
		return nil, fmt.Errorf("read buckets header: %w: %w", ErrCorrupt, err)
	}

	eh, err := entries.Slice(0, HeaderSize)
	if err != nil {
		return nil, fmt.Errorf("read entries header: %w: %w", ErrCorrupt, err)
	}

	l, err := decodeLayout(bh, eh)
	if err != nil {
		return nil, err
	}

	if opts.KeySize != 0 && (int32(opts.KeySize) != l.KeySize || int32(opts.ValueSize) != l.ValueSize) {
		return nil, fmt.Errorf("key/value size %d/%d, file has %d/%d: %w",
			opts.KeySize, opts.ValueSize, l.KeySize, l.ValueSize, ErrIncompatible)
	}

	id, err := identityOf(buckets.Path())
	if err != nil {
		return nil, err
	}

	probe := opts.Probe
	if probe == nil {
		probe = SignalProbe{}
	}

	spinLimit := opts.LockSpinLimit
	if spinLimit <= 0 {
		spinLimit = DefaultLockSpinLimit
	}

	metrics := opts.Metrics
	if metrics == nil {
		metrics = nopMetrics{}
	}

	m := &Map{
		path:        opts.Path,
		buckets:     buckets,
		entries:     entries,
		logger:      logger,
		metrics:     metrics,
		probe:       probe,
		pid:         pid,
		spinLimit:   spinLimit,
		layout:      l,
		keySize:     int(l.KeySize),
		valueSize:   int(l.ValueSize),
		stride:      l.stride(),
		owner:       buckets.MustInt32(offOwner),
		version:     buckets.MustInt64(offWriteVersion),
		nextVersion: buckets.MustInt64(offNextVersion),
		count:       buckets.MustInt32(offCount),
		freeHead:    buckets.MustInt32(offFreeHead),
		freeCount:   buckets.MustInt32(offFreeCount),
		generation:  buckets.MustInt32(offGeneration),
		flags:       entries.MustInt32(offFlags),
		id:          id,
	}

	for g := l.InitialGen; g <= maxGeneration; g++ {
		m.tableOffs[g] = tableOffset(l.InitialGen, g)
	}

	gen := m.generation.Load()
	if gen < l.InitialGen || gen > maxGeneration {
		return nil, fmt.Errorf("generation %d: %w", gen, ErrCorrupt)
	}

	err = m.ensureMapped(gen)
	if err != nil {
		return nil, err
	}

	m.reg = acquireRegistryEntry(id)

	logger.Debug("opened map",
		zap.Int32("generation", gen),
		zap.Int32("count", m.count.Load()),
		zap.Int32("pid", pid),
	)

	return m, nil
}

// Path returns the path prefix the map was opened with.
func (m *Map) Path() string {
	return m.path
}

// KeySize returns the fixed key width.
func (m *Map) KeySize() int {
	return m.keySize
}

// ValueSize returns the fixed value width.
func (m *Map) ValueSize() int {
	return m.valueSize
}

// Generation returns the current generation. It grows by one per resize.
func (m *Map) Generation() int {
	return int(m.generation.Load())
}

// Capacity returns the number of entries the current generation holds
// before the next insert resizes the map.
func (m *Map) Capacity() int {
	return int(primes[m.generation.Load()])
}

// Flush writes both files back to disk; toDisk blocks until the data is on
// stable storage.
func (m *Map) Flush(toDisk bool) error {
	if m.closed.Load() {
		return ErrClosed
	}

	return errors.Join(m.buckets.Flush(toDisk), m.entries.Flush(toDisk))
}

// Recover takes the write lock and undoes any mutation a crashed writer left
// behind. Every write does this on its own; calling it is only needed to
// repair the files eagerly.
func (m *Map) Recover() error {
	return m.writeLock(func() error { return nil })
}

// Close unmaps the files. Safe to call more than once.
func (m *Map) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}

	releaseRegistryEntry(m.id, m.reg)

	return errors.Join(m.buckets.Close(), m.entries.Close())
}

// ensureMapped makes both mappings cover generation g. Another process may
// have grown the files.
func (m *Map) ensureMapped(g int32) error {
	err := m.buckets.Ensure(bucketsFileSize(m.layout.InitialGen, g))
	if err != nil {
		return fmt.Errorf("map buckets: %w", err)
	}

	err = m.entries.Ensure(entriesFileSize(m.stride, g))
	if err != nil {
		return fmt.Errorf("map entries: %w", err)
	}

	return nil
}

func (m *Map) entryOff(i int32) int64 {
	return HeaderSize + (1+int64(i))*m.stride
}

func (m *Map) bucketOff(g, b int32) int64 {
	return m.tableOffs[g] + 4*int64(b)
}

// journal reads a scratch word from the entries header.
func (m *Map) journal(off int64) int32 {
	return m.entries.MustInt32(off).Load()
}

func (m *Map) setJournal(off int64, v int32) {
	m.entries.MustInt32(off).Store(v)
}

func (m *Map) bucket(g, b int32) (int32, error) {
	w, err := m.buckets.Int32(m.bucketOff(g, b))
	if err != nil {
		return 0, err
	}

	return w.Load(), nil
}

func (m *Map) setBucket(g, b, head int32) error {
	w, err := m.buckets.Int32(m.bucketOff(g, b))
	if err != nil {
		return err
	}

	w.Store(head)

	return nil
}

func (m *Map) entryHash(i int32) (int32, error) {
	w, err := m.entries.Int32(m.entryOff(i) + entryOffHash)
	if err != nil {
		return 0, err
	}

	return w.Load(), nil
}

func (m *Map) entryNext(i int32) (int32, error) {
	w, err := m.entries.Int32(m.entryOff(i) + entryOffNext)
	if err != nil {
		return 0, err
	}

	return w.Load(), nil
}

func (m *Map) setNext(i, next int32) error {
	w, err := m.entries.Int32(m.entryOff(i) + entryOffNext)
	if err != nil {
		return err
	}

	w.Store(next)

	return nil
}

// entryKey returns the key bytes of entry i, aliasing the mapping.
func (m *Map) entryKey(i int32) ([]byte, error) {
	return m.entries.Slice(m.entryOff(i)+entryOffKey, int64(m.keySize))
}

// entryValue returns the value bytes of entry i, aliasing the mapping.
func (m *Map) entryValue(i int32) ([]byte, error) {
	return m.entries.Slice(m.entryOff(i)+entryOffKey+int64(m.keySize), int64(m.valueSize))
}

// writeFree turns entry i into a free list node pointing at next.
func (m *Map) writeFree(i, next int32) error {
	err := m.entries.Zero(m.entryOff(i), m.stride)
	if err != nil {
		return err
	}

	_ = m.setNext(i, next)
	m.entries.MustInt32(m.entryOff(i) + entryOffHash).Store(freeHash)

	return nil
}

// crashPoint runs the crash hook, if any.
func (m *Map) crashPoint(step int32) {
	if m.crashHook != nil {
		m.crashHook(step)
	}
}
