//go:build unix

package platform

import (
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

// ErrorName returns the symbolic name of an error code, e.g. "ENOENT".
func ErrorName(code int64) string {
	if code < 0 {
		return fmt.Sprintf("unknown(%d)", code)
	}
	if name := unix.ErrnoName(syscall.Errno(code)); name != "" {
		return name
	}
	return fmt.Sprintf("errno(%d)", code)
}
