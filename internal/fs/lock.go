package fs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"
)

// errReplaced means the lock file at path is no longer the inode we locked.
var errReplaced = errors.New("fs: lock file replaced")

const (
	lockFilePerm = 0o600
	lockDirPerm  = 0o755

	// maxEINTR bounds retries of an interrupted flock.
	maxEINTR = 1000
)

// Locker takes exclusive flock(2) locks on sidecar files such as
// "series.log.lock". Opening a log or map holds the sidecar lock while it
// checks for, creates and validates the data files, so two processes
// creating the same structure agree on one set of files.
//
// flock applies to an inode, not a path. After locking, Locker checks that
// the path still names the locked inode and starts over if it does not.
type Locker struct {
	fs    FS
	flock func(fd int, how int) error
}

// NewLocker returns a Locker opening lock files through fsys.
func NewLocker(fsys FS) *Locker {
	return &Locker{fs: fsys, flock: unix.Flock}
}

// Lock is a held sidecar lock.
type Lock struct {
	once  sync.Once
	file  File
	flock func(fd int, how int) error
	err   error
}

// Lock blocks until it holds the lock on path, creating the file and its
// directory if needed.
func (l *Locker) Lock(path string) (*Lock, error) {
	for {
		f, err := l.open(path)
		if err != nil {
			return nil, fmt.Errorf("open lock file %s: %w", path, err)
		}

		err = l.hold(f, path)
		if err == nil {
			return &Lock{file: f, flock: l.flock}, nil
		}

		_ = f.Close()

		if !errors.Is(err, errReplaced) {
			return nil, err
		}
	}
}

// hold locks f and confirms path still names it. On error f is unlocked but
// left open.
func (l *Locker) hold(f File, path string) error {
	fd := int(f.Fd())

	err := retryEINTR(func() error { return l.flock(fd, unix.LOCK_EX) })
	if err != nil {
		return fmt.Errorf("flock %s: %w", path, err)
	}

	same, err := l.sameFile(f, path)
	if err == nil && same {
		return nil
	}

	_ = retryEINTR(func() error { return l.flock(fd, unix.LOCK_UN) })

	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat %s: %w", path, err)
	}

	return errReplaced
}

func (l *Locker) open(path string) (File, error) {
	f, err := l.fs.OpenFile(path, os.O_RDWR|os.O_CREATE, lockFilePerm)
	if !errors.Is(err, os.ErrNotExist) {
		return f, err
	}

	err = l.fs.MkdirAll(filepath.Dir(path), lockDirPerm)
	if err != nil {
		return nil, err
	}

	return l.fs.OpenFile(path, os.O_RDWR|os.O_CREATE, lockFilePerm)
}

// sameFile compares device and inode of the open file and of path.
func (l *Locker) sameFile(f File, path string) (bool, error) {
	held, err := f.Stat()
	if err != nil {
		return false, err
	}

	current, err := l.fs.Stat(path)
	if err != nil {
		return false, err
	}

	return os.SameFile(held, current), nil
}

// Close unlocks and closes the lock file. The file stays on disk: removing
// it would let a waiter lock an unlinked inode. Close is idempotent.
func (lk *Lock) Close() error {
	lk.once.Do(func() {
		fd := int(lk.file.Fd())

		unlockErr := retryEINTR(func() error { return lk.flock(fd, unix.LOCK_UN) })
		if unlockErr != nil {
			unlockErr = fmt.Errorf("unlock: %w", unlockErr)
		}

		lk.err = errors.Join(unlockErr, lk.file.Close())
	})

	return lk.err
}

func retryEINTR(fn func() error) error {
	var err error

	for range maxEINTR {
		err = fn()
		if !errors.Is(err, unix.EINTR) {
			return err
		}
	}

	return err
}
