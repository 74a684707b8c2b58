package lock

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Exclusive blocks until an exclusive flock is held on f.
func Exclusive(f *os.File) error {
	return flock(f, unix.LOCK_EX)
}

// Shared blocks until a shared flock is held on f.
func Shared(f *os.File) error {
	return flock(f, unix.LOCK_SH)
}

// TryExclusive attempts an exclusive flock without blocking. It returns
// false with no error when another descriptor holds the lock.
func TryExclusive(f *os.File) (bool, error) {
	err := flock(f, unix.LOCK_EX|unix.LOCK_NB)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, unix.EWOULDBLOCK) {
		return false, nil
	}
	return false, err
}

// Unlock releases any flock held on f.
func Unlock(f *os.File) error {
	return flock(f, unix.LOCK_UN)
}

func flock(f *os.File, how int) error {
	for {
		err := unix.Flock(int(f.Fd()), how)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		return err
	}
}

// WithExclusive runs fn while holding an exclusive flock on path, creating
// the file if needed.
func WithExclusive(path string, fn func() error) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	if err := Exclusive(f); err != nil {
		return fmt.Errorf("lock %s: %w", path, err)
	}
	defer Unlock(f)
	return fn()
}

// TryShared attempts a shared flock without blocking.
func TryShared(f *os.File) (bool, error) {
	err := flock(f, unix.LOCK_SH|unix.LOCK_NB)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, unix.EWOULDBLOCK) {
		return false, nil
	}
	return false, err
}
