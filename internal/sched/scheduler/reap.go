package scheduler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xinlaoda/spoold/internal/job"
	"github.com/xinlaoda/spoold/internal/jobstate"
	"github.com/xinlaoda/spoold/internal/queue"
)

// reap applies a finished worker's status to its job.
func (s *Scheduler) reap(ctx context.Context, ev exitEvent) {
	a, ok := s.active[ev.pid]
	if !ok {
		return
	}
	delete(s.active, ev.pid)
	a.server.release(s.q.Now())
	log := s.log.With(zap.Int("pid", ev.pid), zap.String("server", a.server.Name), zap.Stringer("status", ev.status))

	var msg string
	if a.staged != "" {
		if sj, err := job.Read(a.staged); err == nil {
			msg = sj.ErrorText()
		}
		s.removeStaged(a.server, a.staged)
	}

	j, err := readHold(a.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Info("job removed while its worker ran", zap.String("hold", filepath.Base(a.path)))
		} else {
			log.Error("cannot read job after worker exit", zap.String("hold", filepath.Base(a.path)), zap.Error(err))
		}
		return
	}
	if msg == "" {
		msg = freshError(j, a.dest, a.started)
	}

	var out jobstate.Outcome
	if a.forward {
		out, err = s.machine.ApplyForwarded(ctx, j, a.dest, ev.status, msg)
	} else {
		out, err = s.machine.Apply(ctx, j, a.dest, ev.status, msg)
	}
	log.Info("worker finished", zap.String("hold", j.Name()), zap.Bool("finished", out.Finished), zap.String("error", msg))
	s.recordOutcome(j, out, err)
	s.wakeAfter(out)
}

// readHold reads a hold file, waiting out short locks held by control
// commands.
func readHold(path string) (*job.Job, error) {
	var err error
	for i := 0; i < 20; i++ {
		var j *job.Job
		j, err = job.Read(path)
		if !errors.Is(err, job.ErrBusy) {
			return j, err
		}
		time.Sleep(25 * time.Millisecond)
	}
	return nil, err
}

// freshError is the error a worker recorded during the attempt that began
// at started.
func freshError(j *job.Job, dest int, started time.Time) string {
	text, at := j.ErrorText(), j.ErrorTime()
	if dest >= 0 && dest < len(j.Dests) {
		d := j.Dests[dest]
		text, at = d.ErrorText(), d.ErrorTime()
	}
	if at.Before(started.Truncate(time.Second)) {
		return ""
	}
	return text
}

// recordOutcome logs a state-machine result to accounting and history and
// stops the queue when the outcome asks for it.
func (s *Scheduler) recordOutcome(j *job.Job, out jobstate.Outcome, err error) {
	if err != nil {
		s.log.Error("failed to store job outcome", zap.String("hold", j.Name()), zap.Error(err))
	}
	s.opts.Acct.RecordOutcome(s.q.Name, j, out)
	if herr := s.opts.History.Record(context.Background(), s.q.Name, j, out); herr != nil {
		s.log.Warn("failed to record job history", zap.String("hold", j.Name()), zap.Error(herr))
	}
	if out.StopQueue {
		s.log.Warn("job aborted, stopping printing", zap.String("hold", j.Name()))
		if uerr := s.q.UpdateControl(func(c *queue.Control) error {
			c.SetPrintingAborted(true)
			return nil
		}); uerr != nil {
			s.log.Error("failed to stop printing", zap.Error(uerr))
		}
	}
}

// stagedName is the subserver reference stored in the primary's job.
func stagedName(sv *Server, path string) string {
	return sv.Name + "/" + filepath.Base(path)
}

// stagedRef resolves a subserver reference to its server and staged hold
// file path.
func (s *Scheduler) stagedRef(ref string) (*Server, string) {
	name, hold, ok := strings.Cut(ref, "/")
	if !ok {
		return nil, ""
	}
	if _, valid := job.ParseHoldName(hold); !valid {
		return nil, ""
	}
	for _, sv := range s.servers[1:] {
		if sv.Name == name {
			return sv, filepath.Join(sv.Queue.SpoolDir, hold)
		}
	}
	return nil, ""
}

// removeStaged deletes a staged copy. A copy that cannot be removed now is
// retried on the next pass.
func (s *Scheduler) removeStaged(sv *Server, path string) {
	sj, err := job.Read(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		sv.DoneRemove = ""
		return
	case err != nil:
		s.log.Warn("cannot read staged copy, will retry", zap.String("path", path), zap.Error(err))
		sv.DoneRemove = path
		return
	}
	if err := job.Remove(sj); err != nil {
		s.log.Warn("cannot remove staged copy, will retry", zap.String("path", path), zap.Error(err))
		sv.DoneRemove = path
		return
	}
	sv.DoneRemove = ""
}

func (s *Scheduler) retryStagedRemovals() {
	for _, sv := range s.servers[1:] {
		if sv.DoneRemove != "" && sv.Idle() {
			s.removeStaged(sv, sv.DoneRemove)
		}
	}
}
