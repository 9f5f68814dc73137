package platform

import (
	"errors"
	"io/fs"
	"os"
	"os/exec"
	"syscall"
)

// ErrorCode extracts the platform error code from err. Errors that carry no
// errno are mapped from their kind; anything else becomes -1.
func ErrorCode(err error) int64 {
	if err == nil {
		return 0
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		return int64(errno)
	}

	switch {
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		return int64(syscall.ENOENT)
	case errors.Is(err, fs.ErrPermission):
		return int64(syscall.EACCES)
	case errors.Is(err, fs.ErrExist):
		return int64(syscall.EEXIST)
	case errors.Is(err, fs.ErrClosed):
		return int64(syscall.EBADF)
	case errors.Is(err, os.ErrDeadlineExceeded):
		return int64(syscall.ETIMEDOUT)
	}
	return -1
}

var errNotDir error = syscall.ENOTDIR
