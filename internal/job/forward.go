package job

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
)

// lifecycle keys are reset when a job is copied to another queue.
var lifecycleKeys = []string{
	KeyNumber, KeyCopyDone, KeyAttempt, KeyServer, KeyHoldTime, KeyDoneTime,
	KeyRemoveTime, KeyErrorTime, KeyRetryTime, KeyError, KeyMove, KeyNewDest,
	KeySubserver, KeyIncomingTime, KeyPriorityTime, KeyReleaseTime,
}

// Forwardable returns a copy of j suitable for allocation in another
// spool directory: same identity and data-file list, no routing and no
// lifecycle state. When d is non-nil its copy count is carried over.
func (j *Job) Forwardable(d *Destination) *Job {
	n := New()
	n.rec = j.rec.Clone()
	for _, k := range lifecycleKeys {
		n.rec.Delete(k)
	}
	n.rec.DeletePrefix(destPrefix)
	n.rec.DeletePrefix(filePrefix)
	if d != nil {
		n.SetCopies(d.Copies())
	}
	for _, df := range j.Files {
		n.Files = append(n.Files, &DataFile{rec: df.rec.Clone()})
	}
	return n
}

// CopyDataFiles copies src's data files into dst's spool directory under
// names derived from dst's job number, and points dst's descriptors at the
// copies. On failure the copies made so far are removed.
func CopyDataFiles(src, dst *Job) error {
	if len(src.Files) != len(dst.Files) {
		return fmt.Errorf("copy data files: %d descriptors for %d files", len(dst.Files), len(src.Files))
	}
	var made []string
	for i, df := range src.Files {
		name := DataName(dst.Number(), dataSuffix(df.TransferName(), i))
		to := filepath.Join(dst.Dir(), name)
		size, err := copyFile(src.DataPath(df), to)
		if err != nil {
			var result *multierror.Error
			result = multierror.Append(result, err)
			for _, p := range made {
				if rerr := os.Remove(p); rerr != nil {
					result = multierror.Append(result, rerr)
				}
			}
			return result.ErrorOrNil()
		}
		made = append(made, to)
		out := dst.Files[i]
		out.SetOpenName(name)
		out.rec.Set(KeyTransferName, name)
		out.SetSize(size)
	}
	return nil
}

// dataSuffix keeps the part of a data file name after its job number, or
// falls back to a letter per file.
func dataSuffix(transfer string, i int) string {
	if strings.HasPrefix(transfer, DataPrefix) && len(transfer) > len(DataPrefix)+6 {
		return transfer[len(DataPrefix)+6:]
	}
	return string(rune('a' + i%26))
}

func copyFile(from, to string) (int64, error) {
	in, err := os.Open(from)
	if err != nil {
		return 0, err
	}
	defer in.Close()
	out, err := os.OpenFile(to, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0640)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, in)
	if err == nil {
		err = out.Sync()
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(to)
		return 0, fmt.Errorf("copy %s: %w", from, err)
	}
	return n, nil
}

// Forward allocates a copy of j (or of its destination d) in dir with its
// data files. hold, when non-zero, is stored as the copy's hold time.
func Forward(dir string, j *Job, d *Destination, hold time.Time) (*Job, error) {
	n := j.Forwardable(d)
	n.SetHoldTime(hold)
	h, err := Allocate(dir, n, 1, MaxNumber)
	if err != nil {
		return nil, err
	}
	defer h.Close()

	if err := CopyDataFiles(j, n); err != nil {
		os.Remove(h.Path)
		return nil, err
	}
	if err := Write(n, nil, h); err != nil {
		Remove(n)
		return nil, err
	}
	return n, nil
}
