//go:build unix

package lock

import (
	"errors"
	"syscall"
)

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	// EPERM means the process exists but belongs to someone else
	return err == nil || errors.Is(err, syscall.EPERM)
}

func signalStop(pid int) error {
	return syscall.Kill(pid, syscall.SIGTERM)
}
