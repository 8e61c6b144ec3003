//go:build !windows

package storage

import (
	"errors"
	"os"
	"syscall"
)

// processAlive reports whether pid exists, using signal 0.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	// os.FindProcess on Unix never returns an error
	process, _ := os.FindProcess(pid)
	err := process.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	// EPERM means the process exists but belongs to another user
	return errors.Is(err, syscall.EPERM)
}
