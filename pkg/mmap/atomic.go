package mmap

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// Int32 returns an atomic handle to the 4-byte word at off.
//
// The handle aliases the mapping and stays valid until Close. Go's atomics
// are sequentially consistent, which is at least as strong as the
// acquire/release ordering the shared structures rely on.
func (r *Region) Int32(off int64) (*atomic.Int32, error) {
	p, err := r.word(off, 4)
	if err != nil {
		return nil, err
	}

	return (*atomic.Int32)(p), nil
}

// Uint32 returns an atomic handle to the 4-byte word at off.
func (r *Region) Uint32(off int64) (*atomic.Uint32, error) {
	p, err := r.word(off, 4)
	if err != nil {
		return nil, err
	}

	return (*atomic.Uint32)(p), nil
}

// Int64 returns an atomic handle to the 8-byte word at off.
func (r *Region) Int64(off int64) (*atomic.Int64, error) {
	p, err := r.word(off, 8)
	if err != nil {
		return nil, err
	}

	return (*atomic.Int64)(p), nil
}

// MustInt32 is like [Region.Int32] but panics on a bad offset. Use it only
// for offsets the caller has already validated.
func (r *Region) MustInt32(off int64) *atomic.Int32 {
	v, err := r.Int32(off)
	if err != nil {
		panic(err)
	}

	return v
}

// MustInt64 is like [Region.Int64] but panics on a bad offset.
func (r *Region) MustInt64(off int64) *atomic.Int64 {
	v, err := r.Int64(off)
	if err != nil {
		panic(err)
	}

	return v
}

// word bounds- and alignment-checks a width-byte word at off.
//
// The mapping itself is page aligned, so an offset that is a multiple of
// width gives a naturally aligned address.
func (r *Region) word(off, width int64) (unsafe.Pointer, error) {
	if off%width != 0 {
		return nil, fmt.Errorf("%w: offset %d for %d-byte word", ErrMisaligned, off, width)
	}

	data, err := r.checkRange(off, width)
	if err != nil {
		return nil, err
	}

	return unsafe.Pointer(&data[off]), nil
}
