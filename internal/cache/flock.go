package cache

import (
	"os"

	"golang.org/x/sys/unix"
)

// Flock wraps an open file with advisory, exclusive file locking via
// flock(2). It guards the single-writer discipline spec.md §5 requires for
// the cache directory: only one cpcache process may run against a given
// cache_directory at a time.
type Flock struct {
	*os.File
}

// Lock acquires an exclusive, non-blocking lock. It returns an error
// immediately if another process already holds the lock.
func (l Flock) Lock() error {
	return unix.Flock(int(l.Fd()), unix.LOCK_EX|unix.LOCK_NB)
}

// Unlock releases the lock.
func (l Flock) Unlock() error {
	return unix.Flock(int(l.Fd()), unix.LOCK_UN)
}
