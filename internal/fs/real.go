package fs

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/natefinch/atomic"
)

var _ FS = (*Real)(nil)

// Real is [FS] backed by package os.
type Real struct{}

// NewReal returns the os-backed file system.
func NewReal() *Real {
	return &Real{}
}

func (*Real) OpenFile(path string, flag int, perm os.FileMode) (File, error) {
	return os.OpenFile(path, flag, perm) //nolint:gosec // paths come from Options
}

// WriteFileAtomic uses [atomic.WriteFile], then sets perm: a new file keeps
// the temp file's mode otherwise.
func (*Real) WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	err := atomic.WriteFile(path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("atomic write %s: %w", path, err)
	}

	err = os.Chmod(path, perm)
	if err != nil {
		return fmt.Errorf("chmod %s: %w", path, err)
	}

	return nil
}

func (*Real) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

func (*Real) Stat(path string) (os.FileInfo, error) {
	return os.Stat(path)
}

func (*Real) Exists(path string) (bool, error) {
	_, err := os.Stat(path)

	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}
