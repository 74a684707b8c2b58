// Package lock implements the per-queue scheduler lock and the advisory
// file locks used on hold files and control files.
//
// The scheduler lock is a file holding the owner's pid. Ownership is an
// exclusive flock on that file; the pid only tells a contender whom to
// signal. An owner truncates the file to empty just before it unlocks, so
// a contender that sees the lock held with an empty pid knows a release is
// in progress and retries instead of giving up.
package lock

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// ErrHeld is returned when another live process owns the lock.
var ErrHeld = errors.New("lock held by another process")

// HeldError identifies the live owner of a scheduler lock.
type HeldError struct {
	Path string
	Pid  int
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("%s: held by pid %d", e.Path, e.Pid)
}

func (e *HeldError) Unwrap() error { return ErrHeld }

// Lock is an acquired scheduler lock.
type Lock struct {
	path string
	f    *os.File
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// TryAcquire takes the lock without blocking and records the caller's pid.
// When the lock is held it returns a *HeldError whose Pid is whatever the
// file currently records (0 when empty or unreadable).
func TryAcquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("open lock %s: %w", path, err)
	}
	ok, err := TryExclusive(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	if !ok {
		pid, _ := readPid(f)
		f.Close()
		return nil, &HeldError{Path: path, Pid: pid}
	}

	if err := writePid(f, os.Getpid()); err != nil {
		Unlock(f)
		f.Close()
		return nil, fmt.Errorf("record pid in %s: %w", path, err)
	}
	return &Lock{path: path, f: f}, nil
}

// Options controls Acquire.
type Options struct {
	// Retries is how many extra attempts are made while the lock is held
	// by no live process.
	Retries int
	Backoff time.Duration
	// Signal is sent to a live owner. Zero sends nothing.
	Signal syscall.Signal
	Logger *zap.Logger
}

// Acquire takes the scheduler lock. If a live process holds it, that
// process is sent opts.Signal and a *HeldError is returned at once. If the
// lock is held but the recorded owner is absent or dead, Acquire backs off
// and retries.
func Acquire(ctx context.Context, path string, opts Options) (*Lock, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	backoff := opts.Backoff
	if backoff <= 0 {
		backoff = 100 * time.Millisecond
	}

	var lastErr error
	for attempt := 0; attempt <= opts.Retries; attempt++ {
		l, err := TryAcquire(path)
		if err == nil {
			return l, nil
		}
		var held *HeldError
		if !errors.As(err, &held) {
			return nil, err
		}
		lastErr = err

		if held.Pid > 0 && Alive(held.Pid) {
			if opts.Signal != 0 {
				if serr := unix.Kill(held.Pid, opts.Signal); serr != nil {
					log.Warn("signal lock owner failed", zap.Int("owner", held.Pid), zap.Error(serr))
				} else {
					log.Debug("signalled lock owner", zap.Int("owner", held.Pid), zap.Stringer("signal", opts.Signal))
				}
			}
			return nil, err
		}

		log.Debug("lock busy without live owner, retrying",
			zap.String("path", path), zap.Int("recorded", held.Pid), zap.Int("attempt", attempt))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return nil, lastErr
}

// Release empties the lock file and unlocks it.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	var result *multierror.Error
	if err := l.f.Truncate(0); err != nil {
		result = multierror.Append(result, err)
	}
	if err := Unlock(l.f); err != nil {
		result = multierror.Append(result, err)
	}
	if err := l.f.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	l.f = nil
	return result.ErrorOrNil()
}

// Owner returns the pid recorded in the lock file at path, or 0.
func Owner(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	defer f.Close()
	return readPid(f)
}

// Held reports whether the lock at path is currently owned, and by which
// pid. Unlike Owner it does not trust a pid left in an unlocked file.
func Held(path string) (int, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, err
	}
	defer f.Close()
	got, err := TryShared(f)
	if err != nil {
		return 0, false, err
	}
	if got {
		return 0, false, Unlock(f)
	}
	pid, err := readPid(f)
	return pid, true, err
}

// Alive reports whether a process with the given pid exists.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

func readPid(f *os.File) (int, error) {
	buf := make([]byte, 32)
	n, err := f.ReadAt(buf, 0)
	if n == 0 {
		if err != nil && !errors.Is(err, io.EOF) {
			return 0, err
		}
		return 0, nil
	}
	s := string(bytes.TrimSpace(buf[:n]))
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

func writePid(f *os.File, pid int) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(pid)+"\n"), 0); err != nil {
		return err
	}
	return f.Sync()
}
