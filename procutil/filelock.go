// Package procutil implements the process utilities of spec.md §4.10: an
// advisory file lock, and fork/exec subprocess spawning with piped
// stdin/stdout (stderr is discarded), grounded on the teacher's exec.Command usage in its
// functional-test QEMU harness and golang.org/x/sys/unix for the flock(2)
// syscall itself.
package procutil

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// FileLock is an advisory exclusive flock(2) held over an open file
// descriptor.
type FileLock struct {
	f    *os.File
	held bool
}

// OpenFileLock opens (creating if necessary) path and attempts an exclusive
// flock. If nonBlocking is true and the lock is already held elsewhere,
// Held() reports false instead of blocking or erroring.
func OpenFileLock(path string, nonBlocking bool) (*FileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("procutil: opening %s: %w", path, err)
	}

	how := unix.LOCK_EX
	if nonBlocking {
		how |= unix.LOCK_NB
	}

	if err := unix.Flock(int(f.Fd()), how); err != nil {
		if nonBlocking && err == unix.EWOULDBLOCK {
			return &FileLock{f: f, held: false}, nil
		}
		_ = f.Close()
		return nil, fmt.Errorf("procutil: flock %s: %w", path, err)
	}

	return &FileLock{f: f, held: true}, nil
}

// Held reports whether this handle actually holds the lock.
func (l *FileLock) Held() bool { return l.held }

// Close releases the lock (if held) and closes the underlying file.
func (l *FileLock) Close() error {
	if l.held {
		_ = unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	}
	return l.f.Close()
}
