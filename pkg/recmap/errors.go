package recmap

import "errors"

// Sentinel errors returned by recmap operations.
//
// Lock contention and state left behind by a crashed writer are resolved
// internally and never surface. Callers should use [errors.Is].
var (
	// ErrKeyNotFound is returned by [Map.Get] for a missing key.
	ErrKeyNotFound = errors.New("recmap: key not found")

	// ErrDuplicateKey is returned by [Map.Add] when the key is present.
	ErrDuplicateKey = errors.New("recmap: duplicate key")

	// ErrInvalidInput indicates invalid options or a key or value of the
	// wrong length. This is a programming error.
	ErrInvalidInput = errors.New("recmap: invalid input")

	// ErrIncompatible indicates the files were created with a different
	// format version or key and value sizes.
	ErrIncompatible = errors.New("recmap: incompatible")

	// ErrCorrupt indicates a stable snapshot that violates the map's
	// invariants, or a recovery journal pointing outside the map.
	ErrCorrupt = errors.New("recmap: corrupt")

	// ErrFull indicates the map reached its largest generation.
	ErrFull = errors.New("recmap: full")

	// ErrClosed indicates the [Map] has been closed.
	ErrClosed = errors.New("recmap: closed")
)

// errOverlap reports a read that observed an impossible state while a
// writer was active. Readers retry on it.
var errOverlap = errors.New("recmap: internal: read overlapped with concurrent write")
