package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrLocked is returned when another live process holds the daemon lock.
var ErrLocked = errors.New("state directory is locked by another daemon")

// Lock is an exclusive lock file containing the holder's PID.
type Lock struct {
	path string
}

// DefaultLockPath returns the daemon lock path in the data directory.
func DefaultLockPath() string {
	return filepath.Join(filepath.Dir(DefaultDBPath()), "daemon.lock")
}

// AcquireLock creates path exclusively. A lock left behind by a dead
// process is taken over.
func AcquireLock(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			_, werr := f.WriteString(strconv.Itoa(os.Getpid()))
			cerr := f.Close()
			if werr != nil || cerr != nil {
				os.Remove(path)
				return nil, fmt.Errorf("write lock: %w", errors.Join(werr, cerr))
			}
			return &Lock{path: path}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create lock: %w", err)
		}

		pid, perr := LockHolder(path)
		if perr == nil && pid != os.Getpid() && processAlive(pid) {
			return nil, fmt.Errorf("%w (pid %d, %s)", ErrLocked, pid, path)
		}
		// Stale or unreadable: remove and retry once.
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("remove stale lock: %w", err)
		}
	}
	return nil, fmt.Errorf("%w (%s)", ErrLocked, path)
}

// LockHolder returns the PID recorded in the lock file at path.
func LockHolder(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse lock pid: %w", err)
	}
	return pid, nil
}

// DaemonRunning reports the PID of a live daemon holding the lock at path.
func DaemonRunning(path string) (int, bool) {
	pid, err := LockHolder(path)
	if err != nil || !processAlive(pid) {
		return 0, false
	}
	return pid, true
}

// Release removes the lock file.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}
