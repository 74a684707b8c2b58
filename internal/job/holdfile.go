package job

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/xinlaoda/spoold/internal/attr"
	"github.com/xinlaoda/spoold/internal/lock"
)

var (
	// ErrCorruptRecord is wrapped by every *CorruptError.
	ErrCorruptRecord = errors.New("corrupt hold file")
	// ErrAllocationExhausted means every job number in the range collides.
	ErrAllocationExhausted = errors.New("job number range exhausted")
	// ErrBusy means another process holds the hold file's lock.
	ErrBusy = errors.New("hold file busy")
	// ErrEmpty means the hold file exists but has not been written yet.
	ErrEmpty = errors.New("hold file empty")
)

// CorruptError reports a hold file that cannot be parsed.
type CorruptError struct {
	Path string
	Line int
	Err  error
}

func (e *CorruptError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s: line %d: %v", e.Path, e.Line, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

func (e *CorruptError) Unwrap() []error { return []error{ErrCorruptRecord, e.Err} }

// Read parses the hold file at path. It returns ErrBusy when the file is
// locked for rewriting and ErrEmpty when allocation has not finished.
func Read(path string) (*Job, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ok, err := lock.TryShared(f)
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	if !ok {
		return nil, ErrBusy
	}
	defer lock.Unlock(f)
	return decode(path, f)
}

func decode(path string, r io.Reader) (*Job, error) {
	rec, err := attr.Decode(r)
	if err != nil {
		var se *attr.SyntaxError
		if errors.As(err, &se) {
			return nil, &CorruptError{Path: path, Line: se.Line, Err: err}
		}
		return nil, err
	}
	if rec.Len() == 0 {
		return nil, ErrEmpty
	}
	j, err := FromRecord(rec)
	if err != nil {
		return nil, &CorruptError{Path: path, Err: err}
	}
	j.Path = path
	if j.Number() == 0 {
		if n, ok := ParseHoldName(filepath.Base(path)); ok {
			j.rec.SetInt(KeyNumber, int64(n))
		}
	}
	return j, nil
}

func readUnlocked(path string) (*Job, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return decode(path, f)
}

// Write stores j in its hold file after merging audit over its attributes.
// With a handle from Allocate the already-locked file is rewritten in
// place; otherwise the file is locked and replaced atomically.
func Write(j *Job, audit *attr.Record, h *Handle) error {
	if audit != nil {
		j.rec.Merge(audit, true)
	}
	rec := j.Record()
	if h != nil {
		return h.rewrite(rec)
	}
	if j.Path == "" {
		return fmt.Errorf("write job %s: no hold file", j.Identifier())
	}
	return withHoldLock(j.Path, func() error {
		return attr.WriteFile(j.Path, rec, 0640)
	})
}

// Modify reads the hold file at path, applies fn and writes the result,
// holding the file's lock throughout. Nothing is written when fn fails.
func Modify(path string, fn func(*Job) error) (*Job, error) {
	var out *Job
	err := withHoldLock(path, func() error {
		j, err := readUnlocked(path)
		if err != nil {
			return err
		}
		if err := fn(j); err != nil {
			return err
		}
		out = j
		return attr.WriteFile(path, j.Record(), 0640)
	})
	return out, err
}

// withHoldLock locks the file currently named path. A writer that renames
// a new file into place while we wait leaves us holding a stale inode, so
// the lock is retaken until it is on the live file.
func withHoldLock(path string, fn func() error) error {
	for {
		f, err := os.OpenFile(path, os.O_RDWR, 0)
		if err != nil {
			return err
		}
		if err := lock.Exclusive(f); err != nil {
			f.Close()
			return fmt.Errorf("lock %s: %w", path, err)
		}
		held, herr := f.Stat()
		cur, cerr := os.Stat(path)
		if herr != nil || cerr != nil || !os.SameFile(held, cur) {
			lock.Unlock(f)
			f.Close()
			if cerr != nil {
				return cerr
			}
			continue
		}
		err = fn()
		lock.Unlock(f)
		f.Close()
		return err
	}
}

// Handle is a newly allocated, exclusively locked hold file.
type Handle struct {
	f      *os.File
	Path   string
	Number int
}

func (h *Handle) rewrite(rec *attr.Record) error {
	if err := h.f.Truncate(0); err != nil {
		return err
	}
	if _, err := h.f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if err := rec.Encode(h.f); err != nil {
		return err
	}
	return h.f.Sync()
}

// Close releases the lock taken by Allocate.
func (h *Handle) Close() error {
	if h == nil || h.f == nil {
		return nil
	}
	lock.Unlock(h.f)
	err := h.f.Close()
	h.f = nil
	return err
}

// Allocate gives j a job number in [lo, hi] within dir. Candidate hold
// files are probed starting from a time-derived offset; the first one that
// is absent, or present but empty and unlocked, is claimed, locked and
// written. The lock is held until the handle is closed.
func Allocate(dir string, j *Job, lo, hi int) (*Handle, error) {
	if lo < 1 {
		lo = 1
	}
	if hi > MaxNumber || hi < lo {
		hi = MaxNumber
	}
	span := hi - lo + 1
	start := int(time.Now().UnixNano() % int64(span))

	for i := 0; i < span; i++ {
		n := lo + (start+i)%span
		h, err := claim(filepath.Join(dir, HoldName(n)), n)
		if err != nil {
			return nil, err
		}
		if h == nil {
			continue
		}

		j.Path = h.Path
		j.rec.SetInt(KeyNumber, int64(n))
		if j.Identifier() == "" {
			j.SetIdentifier(NewIdentifier())
		}
		if j.IncomingTime().IsZero() {
			j.SetIncomingTime(time.Now())
		}
		if err := h.rewrite(j.Record()); err != nil {
			h.Close()
			os.Remove(h.Path)
			return nil, fmt.Errorf("write %s: %w", h.Path, err)
		}
		return h, nil
	}
	return nil, fmt.Errorf("%w: %s [%d-%d]", ErrAllocationExhausted, dir, lo, hi)
}

// claim returns a handle for path, or nil when the name is taken.
func claim(path string, n int) (*Handle, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0640)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", path, err)
	}
	ok, err := lock.TryExclusive(f)
	if err != nil || !ok {
		f.Close()
		return nil, err
	}
	held, herr := f.Stat()
	cur, cerr := os.Stat(path)
	if herr != nil || cerr != nil || held.Size() > 0 || !os.SameFile(held, cur) {
		lock.Unlock(f)
		f.Close()
		return nil, nil
	}
	return &Handle{f: f, Path: path, Number: n}, nil
}

// DataPath returns the absolute path of a data file of j.
func (j *Job) DataPath(df *DataFile) string {
	name := df.OpenName()
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(j.Dir(), name)
}

// Remove deletes the job's data files and hold file.
func Remove(j *Job) error {
	var result *multierror.Error
	for _, df := range j.Files {
		if err := os.Remove(j.DataPath(df)); err != nil && !errors.Is(err, os.ErrNotExist) {
			result = multierror.Append(result, err)
		}
	}
	if j.Path != "" {
		if err := os.Remove(j.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
