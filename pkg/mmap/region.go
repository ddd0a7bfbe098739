// Package mmap provides Region, a growable MAP_SHARED view over a file with
// bounds-checked byte and atomic access at offsets.
//
// Every structure in this module that lives in shared memory goes through a
// Region. Offsets are plain int64 byte positions from the start of the file;
// the package owns all pointer arithmetic.
//
// # Growth
//
// [Region.Ensure] maps a larger view when the file grows. Earlier views are
// retired, not unmapped, until [Region.Close]: slices and atomic handles
// obtained before a growth keep pointing at the same file pages. Because the
// mapping is shared, old and new views observe each other's writes.
//
// # Concurrency
//
// All accessors are safe for concurrent use. Closing a Region while other
// goroutines still touch memory obtained from it is a programming error.
package mmap

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/calvinalkan/tsstore/internal/fs"
)

// isLittleEndian is true if the CPU uses little-endian byte order.
var isLittleEndian = func() bool {
	var x uint32 = 0x04030201

	return *(*byte)(unsafe.Pointer(&x)) == 0x01
}()

// is64Bit is true if the architecture has 64-bit pointers.
// Required for atomic 64-bit operations across processes.
var is64Bit = unsafe.Sizeof(uintptr(0)) >= 8

// pageSize is the system page size, used for aligning msync ranges.
var pageSize = int64(unix.Getpagesize())

const (
	filePerm = 0o600
	dirPerm  = 0o755
)

// Options configures [Open].
type Options struct {
	// FS opens the backing file. Nil uses [fs.NewReal].
	FS fs.FS

	// ReadOnly maps the file PROT_READ and never extends it.
	ReadOnly bool
}

// Region is a shared, growable mapping of one file.
type Region struct {
	path     string
	readOnly bool

	mu      sync.Mutex // serialises Ensure and Close
	file    fs.File
	cur     atomic.Pointer[[]byte]
	retired [][]byte
}

// Open opens or creates the file at path, extends it to at least minSize
// bytes and maps it shared.
//
// An existing file larger than minSize is mapped at its full size so callers
// can validate a header before trusting any size it declares.
func Open(path string, minSize int64, opts Options) (*Region, error) {
	if !is64Bit || !isLittleEndian {
		return nil, ErrUnsupported
	}

	if path == "" {
		return nil, fmt.Errorf("%w: empty path", ErrInvalidInput)
	}

	if minSize < 0 {
		return nil, fmt.Errorf("%w: min size %d < 0", ErrInvalidInput, minSize)
	}

	fsys := opts.FS
	if fsys == nil {
		fsys = fs.NewReal()
	}

	flag := os.O_RDWR | os.O_CREATE
	if opts.ReadOnly {
		flag = os.O_RDONLY
	} else {
		err := fsys.MkdirAll(filepath.Dir(path), dirPerm)
		if err != nil {
			return nil, fmt.Errorf("create dir: %w", err)
		}
	}

	file, err := fsys.OpenFile(path, flag, filePerm)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	r := &Region{path: path, readOnly: opts.ReadOnly, file: file}

	err = r.grow(minSize)
	if err != nil {
		_ = file.Close()

		return nil, err
	}

	return r, nil
}

// Path returns the backing file path.
func (r *Region) Path() string {
	return r.path
}

// Size returns the length of the current view.
func (r *Region) Size() int64 {
	data := r.cur.Load()
	if data == nil {
		return 0
	}

	return int64(len(*data))
}

// Ensure makes the mapping cover at least size bytes. A file shorter than
// size is extended (sparse), except for read-only regions, which return
// [ErrOutOfBounds]. Ensure never shrinks the file or the mapping.
func (r *Region) Ensure(size int64) error {
	if size <= r.Size() {
		return nil
	}

	return r.grow(size)
}

func (r *Region) grow(size int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return ErrClosed
	}

	old := r.cur.Load()
	if old != nil && int64(len(*old)) >= size {
		return nil
	}

	info, err := r.file.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", r.path, err)
	}

	fileSize := info.Size()
	if fileSize < size {
		if r.readOnly {
			return fmt.Errorf("%w: file %s is %d bytes, need %d", ErrOutOfBounds, r.path, fileSize, size)
		}

		err = r.file.Truncate(size)
		if err != nil {
			return fmt.Errorf("extend %s to %d: %w", r.path, size, err)
		}

		fileSize = size
	}

	if fileSize == 0 {
		return fmt.Errorf("%w: cannot map empty file %s", ErrInvalidInput, r.path)
	}

	prot := unix.PROT_READ | unix.PROT_WRITE
	if r.readOnly {
		prot = unix.PROT_READ
	}

	data, err := unix.Mmap(int(r.file.Fd()), 0, int(fileSize), prot, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("mmap %s: %w", r.path, err)
	}

	if old != nil {
		r.retired = append(r.retired, *old)
	}

	r.cur.Store(&data)

	return nil
}

// Close unmaps every view and closes the file. Close is idempotent.
func (r *Region) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return nil
	}

	var errs []error

	if data := r.cur.Swap(nil); data != nil {
		r.retired = append(r.retired, *data)
	}

	for _, view := range r.retired {
		err := unix.Munmap(view)
		if err != nil {
			errs = append(errs, fmt.Errorf("munmap: %w", err))
		}
	}

	r.retired = nil

	err := r.file.Close()
	if err != nil {
		errs = append(errs, fmt.Errorf("close: %w", err))
	}

	r.file = nil

	return errors.Join(errs...)
}

// view returns the current mapping, or nil after Close.
func (r *Region) view() []byte {
	data := r.cur.Load()
	if data == nil {
		return nil
	}

	return *data
}

// checkRange validates [off, off+n) against the current view and returns it.
func (r *Region) checkRange(off, n int64) ([]byte, error) {
	data := r.view()
	if data == nil {
		return nil, ErrClosed
	}

	if off < 0 || n < 0 || off > int64(len(data))-n {
		return nil, fmt.Errorf("%w: [%d, %d) of %d", ErrOutOfBounds, off, off+n, len(data))
	}

	return data, nil
}

// InBounds reports whether [off, off+n) lies inside the current view.
func (r *Region) InBounds(off, n int64) bool {
	_, err := r.checkRange(off, n)

	return err == nil
}

// Slice returns the n bytes at off, aliasing the mapping.
//
// Writes through the slice are visible to every process mapping the file.
// The slice stays valid until Close.
func (r *Region) Slice(off, n int64) ([]byte, error) {
	data, err := r.checkRange(off, n)
	if err != nil {
		return nil, err
	}

	return data[off : off+n : off+n], nil
}

// ReadAt copies len(p) bytes at off into p.
func (r *Region) ReadAt(p []byte, off int64) (int, error) {
	data, err := r.checkRange(off, int64(len(p)))
	if err != nil {
		return 0, err
	}

	return copy(p, data[off:]), nil
}

// WriteAt copies p into the mapping at off.
func (r *Region) WriteAt(p []byte, off int64) (int, error) {
	data, err := r.checkRange(off, int64(len(p)))
	if err != nil {
		return 0, err
	}

	return copy(data[off:], p), nil
}

// Zero clears n bytes at off.
func (r *Region) Zero(off, n int64) error {
	data, err := r.checkRange(off, n)
	if err != nil {
		return err
	}

	clear(data[off : off+n])

	return nil
}

// Copy copies n bytes from src to dst inside the mapping. The ranges may
// overlap.
func (r *Region) Copy(dst, src, n int64) error {
	if n < 0 {
		return fmt.Errorf("%w: copy length %d", ErrOutOfBounds, n)
	}

	data, err := r.checkRange(min(src, dst), max(src, dst)-min(src, dst)+n)
	if err != nil {
		return err
	}

	copy(data[dst:dst+n], data[src:src+n])

	return nil
}

// Flush writes the whole mapping back to the file. With wait it blocks until
// the data is on stable storage (MS_SYNC), otherwise it schedules writeback
// (MS_ASYNC).
func (r *Region) Flush(wait bool) error {
	return r.FlushRange(0, r.Size(), wait)
}

// FlushRange flushes [off, off+n), widened to page boundaries.
func (r *Region) FlushRange(off, n int64, wait bool) error {
	data, err := r.checkRange(off, n)
	if err != nil {
		return err
	}

	if n == 0 {
		return nil
	}

	start := (off / pageSize) * pageSize
	end := min(((off+n+pageSize-1)/pageSize)*pageSize, int64(len(data)))

	flags := unix.MS_ASYNC
	if wait {
		flags = unix.MS_SYNC
	}

	err = unix.Msync(data[start:end], flags)
	if err != nil {
		return fmt.Errorf("msync %s: %w", r.path, err)
	}

	return nil
}
