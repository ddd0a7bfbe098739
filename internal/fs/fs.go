// Package fs is the file-system seam under the mapped files: opening and
// growing them, writing their initial headers atomically, and the flock
// sidecar that serialises their creation.
package fs

import (
	"io"
	"os"
)

// File is the part of [os.File] a mapped region needs.
type File interface {
	io.Closer

	// Fd is passed to mmap(2) and flock(2).
	Fd() uintptr
	Stat() (os.FileInfo, error)
	Truncate(size int64) error
}

// FS opens, creates and probes files.
type FS interface {
	OpenFile(path string, flag int, perm os.FileMode) (File, error)

	// WriteFileAtomic replaces path with data through a temp file and a
	// rename, so readers see the old file or the complete new one.
	WriteFileAtomic(path string, data []byte, perm os.FileMode) error

	MkdirAll(path string, perm os.FileMode) error
	Stat(path string) (os.FileInfo, error)

	// Exists reports (false, nil) for a missing path and the stat error
	// for anything else.
	Exists(path string) (bool, error)
}
