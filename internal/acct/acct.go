// Package acct writes accounting records for print jobs.
//
// Records go to YYYYMMDD-named files in the accounting directory, one per
// line:
//
//	MM/DD/YYYY HH:MM:SS;TYPE;IDENTIFIER;key=value key=value ...
//
// Record types:
//   - S  worker started on a job
//   - E  job finished (all copies printed)
//   - D  job removed without printing
//   - A  job aborted
//   - H  job held
//   - R  job scheduled for retry
package acct

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xinlaoda/spoold/internal/job"
	"github.com/xinlaoda/spoold/internal/jobstate"
	"github.com/xinlaoda/spoold/pkg/spoollog"
)

// Record types.
const (
	RecordStart  = "S"
	RecordEnd    = "E"
	RecordDelete = "D"
	RecordAbort  = "A"
	RecordHold   = "H"
	RecordRetry  = "R"
)

// Logger writes accounting records to dated files. A nil *Logger discards
// everything.
type Logger struct {
	dl  *spoollog.DatedLog
	log *zap.Logger
	now func() time.Time
}

// NewLogger creates an accounting logger writing into dir.
func NewLogger(dir string, lg *zap.Logger) (*Logger, error) {
	dl, err := spoollog.New(dir)
	if err != nil {
		return nil, fmt.Errorf("acct: %w", err)
	}
	return &Logger{dl: dl, log: spoollog.OrNop(lg), now: time.Now}, nil
}

// Close closes the underlying file.
func (l *Logger) Close() error {
	if l == nil || l.dl == nil {
		return nil
	}
	return l.dl.Close()
}

// Record writes one accounting line.
func (l *Logger) Record(recType, id string, fields map[string]string) {
	if l == nil {
		return
	}
	line := fmt.Sprintf("%s;%s;%s;%s\n", l.now().Format("01/02/2006 15:04:05"), recType, id, formatFields(fields))
	if _, err := l.dl.Write([]byte(line)); err != nil {
		l.log.Error("write accounting record", zap.Error(err))
	}
}

// Info builds the common fields for a job on queue.
func Info(queue string, j *job.Job) map[string]string {
	f := map[string]string{
		"queue":  queue,
		"hold":   j.Name(),
		"user":   j.Logname(),
		"host":   j.FromHost(),
		"copies": fmt.Sprint(j.Copies()),
	}
	if c := j.Class(); c != "" {
		f["class"] = c
	}
	if n := j.Sequence(); n > 0 {
		f["seq"] = fmt.Sprint(n)
	}
	return f
}

// RecordStarted writes an S record for a worker bound to j.
func (l *Logger) RecordStarted(queue string, j *job.Job, dest, printer string, pid int) {
	f := Info(queue, j)
	f["pid"] = fmt.Sprint(pid)
	f["printer"] = printer
	if dest != "" {
		f["dest"] = dest
	}
	f["attempt"] = fmt.Sprint(j.Attempt() + 1)
	l.Record(RecordStart, j.Identifier(), f)
}

// RecordOutcome writes the record matching a state-machine outcome.
func (l *Logger) RecordOutcome(queue string, j *job.Job, out jobstate.Outcome) {
	f := Info(queue, j)
	f["status"] = out.Status.String()
	f["attempt"] = fmt.Sprint(j.Attempt())
	if e := j.ErrorText(); e != "" {
		f["error"] = e
	}

	var recType string
	switch out.Status {
	case jobstate.Success:
		if !out.Finished {
			return
		}
		recType = RecordEnd
		f["copy_done"] = fmt.Sprint(j.CopyDone())
	case jobstate.Abort:
		recType = RecordAbort
	case jobstate.FailNoRetry, jobstate.Remove:
		recType = RecordDelete
	case jobstate.Hold:
		recType = RecordHold
	case jobstate.TransientFail, jobstate.Timeout:
		recType = RecordRetry
		if !out.RetryAt.IsZero() {
			f["retry"] = fmt.Sprint(out.RetryAt.Unix())
		}
	default:
		return
	}
	l.Record(recType, j.Identifier(), f)
}

func formatFields(fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v := strings.ReplaceAll(fields[k], " ", "_")
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, " ")
}
