package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/xinlaoda/spoold/internal/job"
	"github.com/xinlaoda/spoold/internal/jobstate"
	"github.com/xinlaoda/spoold/internal/lock"
	"github.com/xinlaoda/spoold/internal/perm"
	"github.com/xinlaoda/spoold/internal/queue"
)

// pass rescans the queue and starts every worker it can. An error means
// the queue itself is unusable.
func (s *Scheduler) pass(ctx context.Context) error {
	if err := s.q.Reload(); err != nil {
		return err
	}
	s.applyDebug()

	res, err := s.q.Scan()
	if res == nil {
		return fmt.Errorf("scan %s: %w", s.q.SpoolDir(), err)
	}
	if err != nil {
		s.log.Warn("skipping unreadable hold files", zap.Error(err))
	}
	s.refreshServers(res.Counts)
	s.retryStagedRemovals()
	s.wakeAt = time.Time{}
	now := s.q.Now()

	s.log.Debug("scanned queue",
		zap.Int("jobs", len(res.Jobs)),
		zap.Int("printable", res.Counts[job.Printable]),
		zap.Int("held", res.Counts[job.Held]),
		zap.Int("move", res.Counts[job.Moving]),
		zap.Int("active", len(s.active)))

	for _, j := range res.Jobs {
		if ctx.Err() != nil || s.stopping {
			break
		}
		st := res.States[j]
		if st == job.Done || st == job.Failed {
			continue
		}
		if j.Server() != 0 {
			s.checkOrphan(ctx, j, now)
			continue
		}
		switch st {
		case job.Waiting:
			if s.canRun() || (j.MovePending() && !s.q.Control.PrintingAborted()) {
				s.noteWake(retryTime(j))
			}
		case job.Moving:
			s.dispatchMove(ctx, j)
		case job.Printable:
			s.dispatchPrint(ctx, j, now)
		}
	}

	s.storeServerOrder()
	if s.q.Control.Change() {
		if err := s.q.UpdateControl(func(c *queue.Control) error {
			c.SetChange(false)
			return nil
		}); err != nil {
			s.log.Warn("failed to clear change flag", zap.Error(err))
		}
	}
	return nil
}

// canRun reports whether printable jobs can make progress.
func (s *Scheduler) canRun() bool {
	c := s.q.Control
	return c.Forwarding() != "" || c.Printable()
}

func retryTime(j *job.Job) time.Time {
	if !j.Routed() {
		return j.RetryTime()
	}
	var t time.Time
	for _, d := range j.Dests {
		if rt := d.RetryTime(); d.DoneTime().IsZero() && !rt.IsZero() && (t.IsZero() || rt.Before(t)) {
			t = rt
		}
	}
	return t
}

// checkOrphan handles a job whose server field is set. A job owned by one
// of our workers or another live process is busy; otherwise its worker
// vanished and the attempt counts as a transient failure.
func (s *Scheduler) checkOrphan(ctx context.Context, j *job.Job, now time.Time) {
	pid := j.Server()
	if _, ours := s.active[pid]; ours {
		return
	}
	if pid != os.Getpid() && lock.Alive(pid) {
		s.log.Debug("job owned by a live process", zap.String("hold", j.Name()), zap.Int("pid", pid))
		s.noteWake(now.Add(orphanPoll))
		return
	}

	dest := -1
	for _, d := range j.Dests {
		if d.Server() != 0 {
			dest = d.Index
		}
	}
	s.log.Warn("worker vanished, requeueing job", zap.String("hold", j.Name()), zap.Int("pid", pid))
	if sub := j.Subserver(); sub != "" {
		if sv, hold := s.stagedRef(sub); sv != nil {
			s.removeStaged(sv, hold)
		}
	}
	out, err := s.machine.Apply(ctx, j, dest, jobstate.TransientFail, "worker vanished")
	s.recordOutcome(j, out, err)
	s.wakeAfter(out)
}

// dispatchMove forwards a job with a pending move. An explicit move beats
// any load-balance choice.
func (s *Scheduler) dispatchMove(ctx context.Context, j *job.Job) {
	master := s.servers[0]
	if !master.Idle() || s.q.Control.PrintingAborted() {
		return
	}
	target := j.Move()
	if target == "" {
		target = j.NewDest()
	}
	if !s.permitted(ctx, j) {
		return
	}
	s.launch(ctx, master, j, Work{Queue: s.q.Name, Hold: j.Name(), Dest: -1, NewDest: target}, job.Moving, true, "")
}

func (s *Scheduler) dispatchPrint(ctx context.Context, j *job.Job, now time.Time) {
	ctl := s.q.Control
	master := s.servers[0]

	if fwd := ctl.Forwarding(); fwd != "" {
		if master.Idle() && s.permitted(ctx, j) {
			s.launch(ctx, master, j, Work{Queue: s.q.Name, Hold: j.Name(), Dest: -1, NewDest: fwd}, job.Printable, true, "")
		}
		return
	}
	if !ctl.Printable() {
		return
	}

	if j.Routed() {
		d := j.NextDestination(now)
		if d == nil || !master.Idle() || !s.permitted(ctx, j) {
			return
		}
		w := Work{Queue: s.q.Name, Hold: j.Name(), Dest: d.Index}
		s.launch(ctx, master, j, w, job.Printable, d.Dest() != s.q.Name, "")
		return
	}

	if len(s.servers) > 1 {
		s.dispatchPeer(ctx, j, now)
		return
	}
	if master.Idle() && s.permitted(ctx, j) {
		s.launch(ctx, master, j, Work{Queue: s.q.Name, Hold: j.Name(), Dest: -1}, job.Printable, false, "")
	}
}

// dispatchPeer hands a job to a load-balance peer picked by the chooser.
func (s *Scheduler) dispatchPeer(ctx context.Context, j *job.Job, now time.Time) {
	cands := s.candidates()
	if len(cands) == 0 {
		return
	}
	if !s.permitted(ctx, j) {
		return
	}

	choice, err := s.chooser.Choose(ctx, cands, j)
	switch {
	case err != nil:
		s.log.Warn("chooser failed", zap.String("hold", j.Name()), zap.Error(err))
		s.noteWake(now.Add(s.q.Queue.ChooserInterval))
		return
	case choice.NotYet:
		s.noteWake(now.Add(s.q.Queue.ChooserInterval))
		return
	case choice.Route != "":
		if _, err := job.Modify(j.Path, func(m *job.Job) error {
			m.SetNewDest(choice.Route)
			return nil
		}); err != nil {
			s.log.Warn("failed to route job", zap.String("hold", j.Name()), zap.Error(err))
			return
		}
		s.noteWake(now)
		return
	}

	sv := s.servers[choice.Index]
	staged, err := s.stage(j, sv, now)
	if err != nil {
		s.log.Warn("cannot stage job on subserver", zap.String("hold", j.Name()), zap.String("subserver", sv.Name), zap.Error(err))
		out, aerr := s.machine.Apply(ctx, j, -1, jobstate.TransientFail, err.Error())
		s.recordOutcome(j, out, aerr)
		s.wakeAfter(out)
		return
	}
	s.launch(ctx, sv, j, Work{Queue: sv.Name, Hold: staged.Name(), Dest: -1}, job.Printable, false, staged.Path)
}

// stage copies j into the peer's spool directory as a held job, so the
// peer's own scheduler leaves it alone.
func (s *Scheduler) stage(j *job.Job, sv *Server, now time.Time) (*job.Job, error) {
	staged, err := job.Forward(sv.Queue.SpoolDir, j, nil, now)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrStaging, sv.Name, err)
	}
	return staged, nil
}

// permitted checks the print permission for j. A rejected job fails
// without retry.
func (s *Scheduler) permitted(ctx context.Context, j *job.Job) bool {
	res := s.q.Perm.Evaluate(s.q.JobRequest(j, perm.ServicePrint, s.q.Name), j)
	if res.Allowed() {
		return true
	}
	s.log.Info("permission denied", zap.String("hold", j.Name()), zap.String("user", j.Logname()), zap.Bool("default", res.Default))
	out, err := s.machine.Apply(ctx, j, -1, jobstate.FailNoRetry, "permission denied")
	s.recordOutcome(j, out, err)
	return false
}

// errStale aborts a claim whose job changed since the scan.
var errStale = errors.New("job changed since scan")

// claim marks the on-disk job as owned by this process, provided it is
// still unowned, in state want and bound for the same destination.
func (s *Scheduler) claim(j *job.Job, w Work, want job.State, sub string) (*job.Job, error) {
	f := s.q.Filter()
	return job.Modify(j.Path, func(cur *job.Job) error {
		if cur.Server() != 0 || cur.State(f) != want {
			return errStale
		}
		if want == job.Moving {
			target := cur.Move()
			if target == "" {
				target = cur.NewDest()
			}
			if target != w.NewDest {
				return errStale
			}
		}
		if w.Dest >= 0 {
			if d := cur.NextDestination(f.Now); d == nil || d.Index != w.Dest {
				return errStale
			}
		}
		s.setOwner(cur, w.Dest, os.Getpid(), sub)
		return nil
	})
}

// launch claims j, starts its worker, records the worker's pid and lets
// it go. want is the state the scan found j in.
func (s *Scheduler) launch(ctx context.Context, sv *Server, j *job.Job, w Work, want job.State, forward bool, staged string) {
	now := s.q.Now()
	sub := ""
	if staged != "" {
		sub = stagedName(sv, staged)
	}

	fresh, err := s.claim(j, w, want, sub)
	if err != nil {
		if staged != "" {
			s.removeStaged(sv, staged)
		}
		if errors.Is(err, errStale) || errors.Is(err, os.ErrNotExist) {
			s.log.Debug("job changed before dispatch", zap.String("hold", j.Name()), zap.Error(err))
			s.noteWake(now)
			return
		}
		s.log.Error("cannot mark job, skipping", zap.String("hold", j.Name()), zap.Error(err))
		return
	}
	j = fresh

	p, err := s.opts.Launcher.Start(w)
	if err != nil {
		s.log.Error("failed to start worker", zap.String("hold", j.Name()), zap.Error(err))
		if staged != "" {
			s.removeStaged(sv, staged)
		}
		out, aerr := s.machine.Apply(ctx, j, w.Dest, jobstate.TransientFail, err.Error())
		s.recordOutcome(j, out, aerr)
		s.wakeAfter(out)
		return
	}

	pid := p.Pid()
	if _, err := job.Modify(j.Path, func(cur *job.Job) error {
		s.setOwner(cur, w.Dest, pid, sub)
		return nil
	}); err != nil {
		s.log.Warn("failed to record worker pid", zap.String("hold", j.Name()), zap.Int("pid", pid), zap.Error(err))
	}
	if err := p.Release(); err != nil {
		s.log.Warn("failed to release worker", zap.Int("pid", pid), zap.Error(err))
	}

	s.active[pid] = &assignment{proc: p, server: sv, path: j.Path, dest: w.Dest, forward: forward, staged: staged, started: now}
	sv.assign(pid, j)

	dest := w.NewDest
	if w.Dest >= 0 {
		dest = j.Dests[w.Dest].Dest()
	}
	s.log.Info("started worker", zap.String("hold", j.Name()), zap.String("server", sv.Name), zap.Int("pid", pid), zap.String("dest", dest))
	s.opts.Acct.RecordStarted(s.q.Name, j, dest, sv.Name, pid)

	go func() {
		s.exits <- exitEvent{pid: pid, status: p.Wait()}
	}()
}

func (s *Scheduler) setOwner(j *job.Job, dest, pid int, sub string) {
	j.SetServer(pid)
	if dest >= 0 {
		j.Dests[dest].SetServer(pid)
	}
	j.SetSubserver(sub)
}
