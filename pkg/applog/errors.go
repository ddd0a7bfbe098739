package applog

import "errors"

// Sentinel errors returned by applog operations.
//
// Callers should use [errors.Is] to check error types.
var (
	// ErrCorrupt indicates the log file violates its own invariants
	// (truncated file, out-of-range status word, frame extending past the
	// end of its term).
	ErrCorrupt = errors.New("applog: corrupt")

	// ErrIncompatible indicates a format or configuration mismatch between
	// the file and [Options] (magic, version, term length).
	ErrIncompatible = errors.New("applog: incompatible")

	// ErrInvalidInput indicates invalid arguments, for example a claim
	// larger than the maximum payload.
	//
	// This is a programming error.
	ErrInvalidInput = errors.New("applog: invalid input")

	// ErrClaimDone indicates Commit or Abort was called on a claim that was
	// already finished.
	//
	// This is a programming error.
	ErrClaimDone = errors.New("applog: claim already finished")

	// ErrLapped indicates the subscriber fell so far behind that writers
	// reused the partition it was reading. Frames were lost.
	ErrLapped = errors.New("applog: subscriber lapped")

	// ErrAlreadyStarted indicates [Log.Start] was called twice.
	ErrAlreadyStarted = errors.New("applog: already started")

	// ErrClosed indicates the [Log] has already been closed.
	ErrClosed = errors.New("applog: closed")
)
