package mmap

import "errors"

// Sentinel errors returned by [Region] operations.
//
// Callers should use [errors.Is] to check error types.
var (
	// ErrOutOfBounds indicates an access beyond the mapped size.
	//
	// For offsets derived from a shared header this usually means another
	// process grew the file: call [Region.Ensure] with the size implied by
	// the header and retry.
	ErrOutOfBounds = errors.New("mmap: out of bounds")

	// ErrMisaligned indicates an atomic access at an offset that is not a
	// multiple of the operand width.
	//
	// This is a programming error.
	ErrMisaligned = errors.New("mmap: misaligned")

	// ErrInvalidInput indicates invalid arguments (negative sizes, empty path).
	ErrInvalidInput = errors.New("mmap: invalid input")

	// ErrUnsupported indicates the platform cannot share atomics through a
	// mapping (not 64-bit or not little-endian).
	ErrUnsupported = errors.New("mmap: unsupported platform")

	// ErrClosed indicates the [Region] has already been closed.
	ErrClosed = errors.New("mmap: closed")
)
