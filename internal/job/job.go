// Package job implements the durable job record: the hold file that holds
// a job's attributes, its routed destinations and its data-file list.
package job

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xinlaoda/spoold/internal/attr"
)

// File name prefixes inside a spool directory.
const (
	HoldPrefix = "hfA"
	DataPrefix = "dfA"
	MaxNumber  = 999999
)

// Hold-file keys shared by jobs and destinations.
const (
	KeyCopies     = "copies"
	KeyCopyDone   = "copy_done"
	KeyAttempt    = "attempt"
	KeyServer     = "server"
	KeyHoldTime   = "hold_time"
	KeyDoneTime   = "done_time"
	KeyRemoveTime = "remove_time"
	KeyErrorTime  = "error_time"
	KeyRetryTime  = "retry_time"
	KeyError      = "error"
)

// Job-only keys.
const (
	KeyIdentifier   = "identifier"
	KeyNumber       = "number"
	KeySequence     = "sequence"
	KeyLogname      = "logname"
	KeyAuthUser     = "authuser"
	KeyAuthToken    = "auth_token"
	KeyFromHost     = "from_host"
	KeyFromIP       = "from_ip"
	KeyClass        = "class"
	KeyPriority     = "priority"
	KeyReleaseTime  = "release_time"
	KeyPriorityTime = "priority_time"
	KeyIncomingTime = "incoming_time"
	KeyDestinations = "destinations"
	KeyDataFiles    = "datafiles"
	KeyMove         = "move"
	KeyNewDest      = "new_dest"
	KeySubserver    = "subserver"
	KeyDest         = "dest"
)

// Data-file keys.
const (
	KeyOpenName     = "openname"
	KeyTransferName = "transfername"
	KeyFormat       = "format"
	KeySize         = "size"
)

const (
	destPrefix = "dest."
	filePrefix = "df."
)

// fields holds the accessors common to jobs and destinations.
type fields struct {
	rec *attr.Record
}

func (f fields) getTime(key string) time.Time {
	v := f.rec.GetInt(key)
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(v, 0)
}

func (f fields) setTime(key string, t time.Time) {
	if t.IsZero() {
		f.rec.Delete(key)
		return
	}
	f.rec.SetInt(key, t.Unix())
}

func (f fields) setInt(key string, v int64) {
	if v == 0 {
		f.rec.Delete(key)
		return
	}
	f.rec.SetInt(key, v)
}

// Attrs exposes the raw attribute record.
func (f fields) Attrs() *attr.Record { return f.rec }

// Copies is the number of copies required; unset means one.
func (f fields) Copies() int {
	if n := f.rec.GetInt(KeyCopies); n > 0 {
		return int(n)
	}
	return 1
}

func (f fields) SetCopies(n int) { f.setInt(KeyCopies, int64(n)) }
func (f fields) CopyDone() int { return int(f.rec.GetInt(KeyCopyDone)) }
func (f fields) SetCopyDone(n int) { f.setInt(KeyCopyDone, int64(n)) }
func (f fields) Attempt() int { return int(f.rec.GetInt(KeyAttempt)) }
func (f fields) SetAttempt(n int) { f.setInt(KeyAttempt, int64(n)) }

// Server is the pid of the worker that owns the record, 0 when idle.
func (f fields) Server() int { return int(f.rec.GetInt(KeyServer)) }
func (f fields) SetServer(pid int) { f.setInt(KeyServer, int64(pid)) }

func (f fields) HoldTime() time.Time { return f.getTime(KeyHoldTime) }
func (f fields) SetHoldTime(t time.Time) { f.setTime(KeyHoldTime, t) }
func (f fields) DoneTime() time.Time { return f.getTime(KeyDoneTime) }
func (f fields) SetDoneTime(t time.Time) { f.setTime(KeyDoneTime, t) }
func (f fields) RemoveTime() time.Time { return f.getTime(KeyRemoveTime) }
func (f fields) SetRemoveTime(t time.Time) { f.setTime(KeyRemoveTime, t) }
func (f fields) ErrorTime() time.Time { return f.getTime(KeyErrorTime) }
func (f fields) SetErrorTime(t time.Time) { f.setTime(KeyErrorTime, t) }
func (f fields) RetryTime() time.Time { return f.getTime(KeyRetryTime) }
func (f fields) SetRetryTime(t time.Time) { f.setTime(KeyRetryTime, t) }

func (f fields) ErrorText() string { return f.rec.Value(KeyError) }

// SetErrorText records msg; an empty msg clears the error.
func (f fields) SetErrorText(msg string) {
	if msg == "" {
		f.rec.Delete(KeyError)
		return
	}
	f.rec.Set(KeyError, msg)
}

// Finished reports whether done_time or remove_time is set.
func (f fields) Finished() bool {
	return f.rec.GetInt(KeyDoneTime) != 0 || f.rec.GetInt(KeyRemoveTime) != 0
}

// Destination is one delivery target of a routed job.
type Destination struct {
	fields
	Index int
}

// NewDestination returns an empty destination routed to dest.
func NewDestination(dest string) *Destination {
	d := &Destination{fields: fields{rec: attr.New()}}
	d.SetDest(dest)
	return d
}

func (d *Destination) Dest() string { return d.rec.Value(KeyDest) }
func (d *Destination) SetDest(name string) { d.rec.Set(KeyDest, name) }

// DataFile describes one file printed as part of a job.
type DataFile struct {
	rec *attr.Record
}

// NewDataFile returns a descriptor for the spool file openName.
func NewDataFile(openName, transferName string, format byte) *DataFile {
	df := &DataFile{rec: attr.New()}
	df.rec.Set(KeyOpenName, openName)
	df.rec.Set(KeyTransferName, transferName)
	df.rec.Set(KeyFormat, string(format))
	return df
}

// OpenName is the file name inside the spool directory.
func (d *DataFile) OpenName() string { return d.rec.Value(KeyOpenName) }
func (d *DataFile) TransferName() string { return d.rec.Value(KeyTransferName) }
func (d *DataFile) SetOpenName(s string) { d.rec.Set(KeyOpenName, s) }

// Format is the single-character print format, 'f' by default.
func (d *DataFile) Format() byte {
	if v := d.rec.Value(KeyFormat); v != "" {
		return v[0]
	}
	return 'f'
}

func (d *DataFile) Copies() int {
	if n := d.rec.GetInt(KeyCopies); n > 0 {
		return int(n)
	}
	return 1
}

func (d *DataFile) SetCopies(n int) { d.rec.SetInt(KeyCopies, int64(n)) }
func (d *DataFile) Size() int64 { return d.rec.GetInt(KeySize) }
func (d *DataFile) SetSize(n int64) { d.rec.SetInt(KeySize, n) }
func (d *DataFile) Attrs() *attr.Record { return d.rec }

// Job is one spooled print request.
type Job struct {
	fields

	// Path is the hold file; empty until the job is allocated.
	Path  string
	Dests []*Destination
	Files []*DataFile
}

// New returns an empty job.
func New() *Job {
	return &Job{fields: fields{rec: attr.New()}}
}

// NewIdentifier returns a fresh job identifier.
func NewIdentifier() string {
	return uuid.NewString()
}

// HoldName returns the hold file name for job number n.
func HoldName(n int) string {
	return fmt.Sprintf("%s%06d", HoldPrefix, n)
}

// DataName returns the data file name for job number n with a suffix.
func DataName(n int, suffix string) string {
	return fmt.Sprintf("%s%06d%s", DataPrefix, n, suffix)
}

// ParseHoldName extracts the job number from a hold file name.
func ParseHoldName(name string) (int, bool) {
	if !strings.HasPrefix(name, HoldPrefix) || len(name) != len(HoldPrefix)+6 {
		return 0, false
	}
	n, err := strconv.Atoi(name[len(HoldPrefix):])
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// Name returns the hold file base name.
func (j *Job) Name() string { return filepath.Base(j.Path) }

// Dir returns the spool directory holding the job.
func (j *Job) Dir() string { return filepath.Dir(j.Path) }

func (j *Job) Identifier() string { return j.rec.Value(KeyIdentifier) }
func (j *Job) SetIdentifier(id string) { j.rec.Set(KeyIdentifier, id) }
func (j *Job) Number() int { return int(j.rec.GetInt(KeyNumber)) }
func (j *Job) Sequence() int { return int(j.rec.GetInt(KeySequence)) }
func (j *Job) SetSequence(n int) { j.rec.SetInt(KeySequence, int64(n)) }
func (j *Job) Logname() string { return j.rec.Value(KeyLogname) }
func (j *Job) SetLogname(s string) { j.rec.Set(KeyLogname, s) }
func (j *Job) AuthUser() string { return j.rec.Value(KeyAuthUser) }
func (j *Job) SetAuthUser(s string) { j.rec.Set(KeyAuthUser, s) }
func (j *Job) AuthToken() string { return j.rec.Value(KeyAuthToken) }
func (j *Job) SetAuthToken(s string) { j.rec.Set(KeyAuthToken, s) }
func (j *Job) FromHost() string { return j.rec.Value(KeyFromHost) }
func (j *Job) SetFromHost(s string) { j.rec.Set(KeyFromHost, s) }
func (j *Job) FromIP() string { return j.rec.Value(KeyFromIP) }
func (j *Job) Class() string { return j.rec.Value(KeyClass) }
func (j *Job) SetClass(s string) { j.rec.Set(KeyClass, s) }
func (j *Job) SetPriority(p string) { j.rec.Set(KeyPriority, p) }
func (j *Job) Move() string { return j.rec.Value(KeyMove) }
func (j *Job) SetMove(s string) { j.setString(KeyMove, s) }
func (j *Job) NewDest() string { return j.rec.Value(KeyNewDest) }
func (j *Job) SetNewDest(s string) { j.setString(KeyNewDest, s) }

// MovePending reports whether the job waits to be moved or routed elsewhere.
func (j *Job) MovePending() bool { return j.Move() != "" || j.NewDest() != "" }
func (j *Job) Subserver() string { return j.rec.Value(KeySubserver) }
func (j *Job) SetSubserver(s string) { j.setString(KeySubserver, s) }
func (j *Job) ReleaseTime() time.Time { return j.getTime(KeyReleaseTime) }
func (j *Job) SetReleaseTime(t time.Time) { j.setTime(KeyReleaseTime, t) }
func (j *Job) PriorityTime() time.Time { return j.getTime(KeyPriorityTime) }
func (j *Job) SetPriorityTime(t time.Time) { j.setTime(KeyPriorityTime, t) }
func (j *Job) IncomingTime() time.Time { return j.getTime(KeyIncomingTime) }
func (j *Job) SetIncomingTime(t time.Time) { j.setTime(KeyIncomingTime, t) }

func (j *Job) setString(key, v string) {
	if v == "" {
		j.rec.Delete(key)
		return
	}
	j.rec.Set(key, v)
}

// Priority is the priority letter, 'A' (highest) when unset.
func (j *Job) Priority() byte {
	v := j.rec.Value(KeyPriority)
	if v == "" {
		return 'A'
	}
	return strings.ToUpper(v)[0]
}

// Routed reports whether the job has destination sub-records.
func (j *Job) Routed() bool { return len(j.Dests) > 0 }

// AddDestination appends a destination sub-record.
func (j *Job) AddDestination(d *Destination) {
	d.Index = len(j.Dests)
	j.Dests = append(j.Dests, d)
}

// AllDestinationsDone reports whether every destination has done_time.
func (j *Job) AllDestinationsDone() bool {
	for _, d := range j.Dests {
		if d.DoneTime().IsZero() {
			return false
		}
	}
	return true
}

// DestinationError returns the first error recorded on a destination.
func (j *Job) DestinationError() string {
	for _, d := range j.Dests {
		if e := d.ErrorText(); e != "" {
			return e
		}
	}
	return ""
}

// NextDestination returns the first destination that may be attempted at
// now, or nil.
func (j *Job) NextDestination(now time.Time) *Destination {
	for _, d := range j.Dests {
		if !d.DoneTime().IsZero() || !d.HoldTime().IsZero() || d.Server() != 0 {
			continue
		}
		if rt := d.RetryTime(); !rt.IsZero() && rt.After(now) {
			continue
		}
		return d
	}
	return nil
}

// Record flattens the job, its destinations and its data files into one
// attribute record.
func (j *Job) Record() *attr.Record {
	r := j.rec.Clone()
	r.DeletePrefix(destPrefix)
	r.DeletePrefix(filePrefix)
	if len(j.Dests) > 0 {
		r.SetInt(KeyDestinations, int64(len(j.Dests)))
	} else {
		r.Delete(KeyDestinations)
	}
	if len(j.Files) > 0 {
		r.SetInt(KeyDataFiles, int64(len(j.Files)))
	} else {
		r.Delete(KeyDataFiles)
	}
	for i, d := range j.Dests {
		r.Embed(fmt.Sprintf("%s%d.", destPrefix, i), d.rec)
	}
	for i, f := range j.Files {
		r.Embed(fmt.Sprintf("%s%d.", filePrefix, i), f.rec)
	}
	return r
}

// FromRecord rebuilds a job from a flattened record.
func FromRecord(r *attr.Record) (*Job, error) {
	j := New()
	nd := int(r.GetInt(KeyDestinations))
	nf := int(r.GetInt(KeyDataFiles))

	for _, k := range r.Keys() {
		switch {
		case strings.HasPrefix(k, destPrefix):
			if idx, ok := subIndex(k, destPrefix); ok && idx+1 > nd {
				nd = idx + 1
			}
		case strings.HasPrefix(k, filePrefix):
			if idx, ok := subIndex(k, filePrefix); ok && idx+1 > nf {
				nf = idx + 1
			}
		case k == KeyDestinations || k == KeyDataFiles:
		default:
			j.rec.Set(k, r.Value(k))
		}
	}

	for i := 0; i < nd; i++ {
		sub := r.Sub(fmt.Sprintf("%s%d.", destPrefix, i))
		if sub.Value(KeyDest) == "" {
			return nil, fmt.Errorf("destination %d has no %s", i, KeyDest)
		}
		j.Dests = append(j.Dests, &Destination{fields: fields{rec: sub}, Index: i})
	}
	for i := 0; i < nf; i++ {
		sub := r.Sub(fmt.Sprintf("%s%d.", filePrefix, i))
		if sub.Value(KeyOpenName) == "" {
			return nil, fmt.Errorf("data file %d has no %s", i, KeyOpenName)
		}
		j.Files = append(j.Files, &DataFile{rec: sub})
	}
	return j, nil
}

func subIndex(key, prefix string) (int, bool) {
	rest := strings.TrimPrefix(key, prefix)
	dot := strings.IndexByte(rest, '.')
	if dot <= 0 {
		return 0, false
	}
	n, err := strconv.Atoi(rest[:dot])
	if err != nil || n < 0 || n > MaxNumber {
		return 0, false
	}
	return n, true
}
