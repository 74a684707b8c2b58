// Package worker performs one unit of work on one job: print it on the
// queue's device, or hand it to another queue. The result is a
// jobstate.Status, which the spoolwork binary turns into its exit code.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/xinlaoda/spoold/internal/config"
	"github.com/xinlaoda/spoold/internal/job"
	"github.com/xinlaoda/spoold/internal/jobstate"
	"github.com/xinlaoda/spoold/internal/queue"
)

// Options identify the work to do.
type Options struct {
	// Queue is the queue whose spool directory holds the job and whose
	// device prints it.
	Queue *queue.Context
	// Hold is the hold file name inside the queue's spool directory.
	Hold string
	// Dest is the destination index of a routed job, or -1.
	Dest int
	// NewDest forces the job to another queue or to printer@host.
	NewDest string

	// Stderr receives the print filter's diagnostics; os.Stderr if nil.
	Stderr io.Writer
	// Wake notifies the scheduler of a queue a job was forwarded to;
	// queue.Wake if nil.
	Wake func(cfg *config.Config, q *config.Queue, lg *zap.Logger) error
}

type worker struct {
	opts Options
	q    *queue.Context
	log  *zap.Logger
	path string
}

// Run does the work described by opts and reports its status. A failure
// message is recorded in the hold file for the scheduler to pick up.
func Run(ctx context.Context, opts Options) jobstate.Status {
	w := &worker{
		opts: opts,
		q:    opts.Queue,
		path: filepath.Join(opts.Queue.SpoolDir(), opts.Hold),
		log:  opts.Queue.Log.With(zap.String("hold", opts.Hold)),
	}
	if w.opts.Stderr == nil {
		w.opts.Stderr = os.Stderr
	}
	if w.opts.Wake == nil {
		w.opts.Wake = queue.Wake
	}
	if d := w.q.Queue.WorkerTimeout; d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	start := time.Now()
	st, msg := w.run(ctx)
	log := w.log.With(zap.Stringer("status", st), zap.Duration("elapsed", time.Since(start)))
	if st == jobstate.Success {
		log.Info("work finished")
		return st
	}
	log.Warn("work failed", zap.String("error", msg))
	if msg != "" {
		w.recordError(msg)
	}
	return st
}

func (w *worker) run(ctx context.Context) (jobstate.Status, string) {
	j, err := job.Read(w.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return jobstate.Remove, "hold file disappeared"
	case errors.Is(err, job.ErrCorruptRecord):
		return jobstate.FailNoRetry, err.Error()
	case err != nil:
		return jobstate.TransientFail, err.Error()
	}
	w.log = w.log.With(zap.String("job", j.Identifier()))

	var d *job.Destination
	if w.opts.Dest >= 0 {
		if w.opts.Dest >= len(j.Dests) {
			return jobstate.FailNoRetry, fmt.Sprintf("no destination %d", w.opts.Dest)
		}
		d = j.Dests[w.opts.Dest]
	}

	target := w.opts.NewDest
	if target == "" {
		target = j.Move()
	}
	if target == "" {
		target = j.NewDest()
	}
	if target == "" && d != nil && d.Dest() != w.q.Name {
		target = d.Dest()
	}
	if target != "" {
		return w.forward(ctx, j, d, target)
	}
	return w.print(ctx, j)
}

// outcome maps a context failure to a status: the worker's own deadline is
// a timeout, cancellation from outside an abort.
func outcome(ctx context.Context, what string) (jobstate.Status, string) {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return jobstate.Timeout, what + " timed out"
	}
	return jobstate.Abort, what + " aborted"
}

// recordError stores msg as the error of the job or of its destination.
func (w *worker) recordError(msg string) {
	_, err := job.Modify(w.path, func(j *job.Job) error {
		now := time.Now()
		if w.opts.Dest >= 0 && w.opts.Dest < len(j.Dests) {
			d := j.Dests[w.opts.Dest]
			d.SetErrorText(msg)
			d.SetErrorTime(now)
			return nil
		}
		j.SetErrorText(msg)
		j.SetErrorTime(now)
		return nil
	})
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		w.log.Warn("failed to record error", zap.Error(err))
	}
}
