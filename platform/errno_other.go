//go:build !unix

package platform

import (
	"fmt"
	"syscall"
)

// ErrorName returns a readable description of an error code.
func ErrorName(code int64) string {
	if code < 0 {
		return fmt.Sprintf("unknown(%d)", code)
	}
	return fmt.Sprintf("%s(%d)", syscall.Errno(code).Error(), code)
}
