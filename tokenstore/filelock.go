package tokenstore

import (
	"fmt"
	"os"
	"time"
)

// lockPolicy controls how long acquireLock waits for a competing holder.
type lockPolicy struct {
	attempts   int
	retryDelay time.Duration
	staleAfter time.Duration
}

var defaultLockPolicy = lockPolicy{
	attempts:   50,
	retryDelay: 100 * time.Millisecond,
	staleAfter: 30 * time.Second,
}

// sessionLock is an exclusive, cross-process lock on a session file.
type sessionLock struct {
	file *os.File
	path string
}

// acquireLock takes the lock file next to filePath. The lock file is created
// with O_EXCL so only one process (or goroutine) holds it at a time; a lock
// older than policy.staleAfter is assumed abandoned and removed.
func acquireLock(filePath string, policy lockPolicy) (*sessionLock, error) {
	lockPath := filePath + ".lock"

	for range policy.attempts {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			// PID helps when someone has to clean up by hand
			fmt.Fprintf(f, "%d", os.Getpid())
			return &sessionLock{file: f, path: lockPath}, nil
		}

		if !os.IsExist(err) {
			return nil, fmt.Errorf("create lock file %s: %w", lockPath, err)
		}

		if info, statErr := os.Stat(lockPath); statErr == nil &&
			time.Since(info.ModTime()) > policy.staleAfter {
			if remErr := os.Remove(lockPath); remErr != nil && !os.IsNotExist(remErr) {
				return nil, fmt.Errorf("remove stale lock file %s: %w", lockPath, remErr)
			}
			continue
		}

		time.Sleep(policy.retryDelay)
	}

	return nil, fmt.Errorf(
		"timeout waiting for lock %s after %v",
		lockPath,
		time.Duration(policy.attempts)*policy.retryDelay,
	)
}

// release closes and removes the lock file. Releasing twice returns the
// os.Remove error of the second call.
func (l *sessionLock) release() error {
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
	return os.Remove(l.path)
}
