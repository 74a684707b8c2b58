package control

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/xinlaoda/spoold/internal/job"
	"github.com/xinlaoda/spoold/internal/perm"
	"github.com/xinlaoda/spoold/internal/queue"
)

type command struct {
	usage            string
	minArgs, maxArgs int // maxArgs < 0 means unlimited
	wake             bool
	run              func(ctx context.Context, c *Controller, qc *queue.Context, args []string, res *Result) error
}

var commands = map[string]command{
	"start":     {usage: "", maxArgs: 0, wake: true, run: flags(startPrinting)},
	"stop":      {usage: "", maxArgs: 0, wake: true, run: flags(func(ctl *queue.Control) { ctl.SetPrintingDisabled(true) })},
	"enable":    {usage: "", maxArgs: 0, run: flags(func(ctl *queue.Control) { ctl.SetSpoolingDisabled(false) })},
	"disable":   {usage: "", maxArgs: 0, run: flags(func(ctl *queue.Control) { ctl.SetSpoolingDisabled(true) })},
	"holdall":   {usage: "", maxArgs: 0, wake: true, run: flags(func(ctl *queue.Control) { ctl.SetHoldAll(true) })},
	"noholdall": {usage: "", maxArgs: 0, wake: true, run: flags(func(ctl *queue.Control) { ctl.SetHoldAll(false) })},
	"abort":     {usage: "", maxArgs: 0, run: abort},
	"kill":      {usage: "", maxArgs: 0, wake: true, run: kill},
	"class":     {usage: "classes|off", minArgs: 1, maxArgs: 1, wake: true, run: class},
	"debug":     {usage: "[level|off]", maxArgs: 1, wake: true, run: debug},
	"redirect":  {usage: "queue[@host]|off", minArgs: 1, maxArgs: 1, wake: true, run: redirect},
	"msg":       {usage: "[text...]", maxArgs: -1, run: msg},
	"hold":      {usage: "job...", minArgs: 1, maxArgs: -1, wake: true, run: jobs(hold)},
	"release":   {usage: "job...", minArgs: 1, maxArgs: -1, wake: true, run: jobs(release)},
	"topq":      {usage: "job...", minArgs: 1, maxArgs: -1, wake: true, run: jobs(topq)},
	"redo":      {usage: "job...", minArgs: 1, maxArgs: -1, wake: true, run: jobs(redo)},
	"move":      {usage: "job... queue[@host]", minArgs: 2, maxArgs: -1, wake: true, run: move},
	"status":    {usage: "", maxArgs: 0, run: status},
	"history":   {usage: "[job|count]", maxArgs: 1, run: showHistory},
}

func startPrinting(ctl *queue.Control) {
	ctl.SetPrintingDisabled(false)
	ctl.SetPrintingAborted(false)
}

// errSkip leaves a selected job unchanged.
var errSkip = errors.New("skip")

func flags(fn func(*queue.Control)) func(context.Context, *Controller, *queue.Context, []string, *Result) error {
	return func(_ context.Context, _ *Controller, qc *queue.Context, _ []string, _ *Result) error {
		return markChanged(qc, fn)
	}
}

// off maps the "off" keyword to an empty setting.
func off(arg string) string {
	if strings.EqualFold(arg, "off") {
		return ""
	}
	return arg
}

func abort(_ context.Context, c *Controller, qc *queue.Context, _ []string, _ *Result) error {
	if err := markChanged(qc, func(ctl *queue.Control) {
		ctl.SetPrintingDisabled(true)
		ctl.SetPrintingAborted(true)
	}); err != nil {
		return err
	}
	pid, err := c.signalScheduler(qc, syscall.SIGINT)
	if pid != 0 {
		c.Log.Info("aborted scheduler", zap.String("queue", qc.Name), zap.Int("pid", pid))
	}
	return err
}

// kill stops the scheduler and its workers outright, then starts printing
// again with a fresh scheduler.
func kill(ctx context.Context, c *Controller, qc *queue.Context, _ []string, _ *Result) error {
	pid, err := c.signalScheduler(qc, syscall.SIGTERM)
	if err != nil {
		return err
	}
	if pid != 0 {
		c.Log.Info("killed scheduler", zap.String("queue", qc.Name), zap.Int("pid", pid))
		if err := c.waitStopped(ctx, qc); err != nil {
			return err
		}
	}
	return markChanged(qc, startPrinting)
}

func class(_ context.Context, _ *Controller, qc *queue.Context, args []string, _ *Result) error {
	v := off(args[0])
	return markChanged(qc, func(ctl *queue.Control) { ctl.SetClass(v) })
}

func debug(_ context.Context, _ *Controller, qc *queue.Context, args []string, _ *Result) error {
	v := "debug"
	if len(args) > 0 {
		v = off(args[0])
	}
	return markChanged(qc, func(ctl *queue.Control) { ctl.SetDebug(v) })
}

func redirect(_ context.Context, _ *Controller, qc *queue.Context, args []string, _ *Result) error {
	v := off(args[0])
	if v == qc.Name {
		return fmt.Errorf("%w: cannot redirect %s to itself", ErrUsage, qc.Name)
	}
	return markChanged(qc, func(ctl *queue.Control) { ctl.SetForwarding(v) })
}

func msg(_ context.Context, _ *Controller, qc *queue.Context, args []string, _ *Result) error {
	text := strings.Join(args, " ")
	return qc.UpdateControl(func(ctl *queue.Control) error {
		ctl.SetMsg(text)
		return nil
	})
}

func move(ctx context.Context, c *Controller, qc *queue.Context, args []string, res *Result) error {
	dest := args[len(args)-1]
	if dest == qc.Name {
		return fmt.Errorf("%w: jobs are already on %s", ErrUsage, qc.Name)
	}
	return modifyJobs(c, qc, "move", args[:len(args)-1], res, func(j *job.Job, _ time.Time) error {
		if j.Finished() {
			return errSkip
		}
		j.SetMove(dest)
		j.SetRetryTime(time.Time{})
		return nil
	})
}

type jobFunc func(j *job.Job, now time.Time) error

func jobs(fn jobFunc) func(context.Context, *Controller, *queue.Context, []string, *Result) error {
	return func(_ context.Context, c *Controller, qc *queue.Context, args []string, res *Result) error {
		return modifyJobs(c, qc, res.Command, args, res, fn)
	}
}

func hold(j *job.Job, now time.Time) error {
	if j.Finished() || !j.HoldTime().IsZero() {
		return errSkip
	}
	j.SetHoldTime(now)
	return nil
}

// release clears a hold and gives the job a fresh set of attempts.
func release(j *job.Job, now time.Time) error {
	if j.Finished() {
		return errSkip
	}
	j.SetHoldTime(time.Time{})
	j.SetReleaseTime(now)
	resetAttempts(j)
	return nil
}

func topq(j *job.Job, now time.Time) error {
	if j.Finished() {
		return errSkip
	}
	j.SetPriorityTime(now)
	j.SetHoldTime(time.Time{})
	return nil
}

// redo makes a finished or failed job print again from the start.
func redo(j *job.Job, now time.Time) error {
	if j.Server() != 0 {
		return errSkip
	}
	j.SetDoneTime(time.Time{})
	j.SetRemoveTime(time.Time{})
	j.SetCopyDone(0)
	j.SetHoldTime(time.Time{})
	j.SetReleaseTime(now)
	for _, d := range j.Dests {
		d.SetDoneTime(time.Time{})
		d.SetRemoveTime(time.Time{})
		d.SetCopyDone(0)
		d.SetHoldTime(time.Time{})
	}
	resetAttempts(j)
	return nil
}

func resetAttempts(j *job.Job) {
	j.SetAttempt(0)
	j.SetRetryTime(time.Time{})
	j.SetErrorText("")
	j.SetErrorTime(time.Time{})
	for _, d := range j.Dests {
		if !d.DoneTime().IsZero() {
			continue
		}
		d.SetAttempt(0)
		d.SetRetryTime(time.Time{})
		d.SetErrorText("")
		d.SetErrorTime(time.Time{})
	}
}

// modifyJobs applies fn to each selected job the requester may control,
// then marks the queue changed.
func modifyJobs(c *Controller, qc *queue.Context, lpc string, patterns []string, res *Result, fn jobFunc) error {
	selected, err := selectJobs(qc, patterns)
	if err != nil {
		return err
	}

	now := c.Now()
	var (
		errs   *multierror.Error
		denied int
	)
	for _, j := range selected {
		if !c.permitted(qc, lpc, perm.ServiceControl, j) {
			denied++
			continue
		}
		_, err := job.Modify(j.Path, func(m *job.Job) error { return fn(m, now) })
		switch {
		case err == nil:
			res.Jobs = append(res.Jobs, j.Name())
		case errors.Is(err, errSkip), errors.Is(err, os.ErrNotExist):
		default:
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", j.Name(), err))
		}
	}
	if denied > 0 && len(res.Jobs) == 0 && errs == nil {
		return fmt.Errorf("%w: %s on %d job(s)", ErrDenied, lpc, denied)
	}
	if len(res.Jobs) > 0 {
		if err := markChanged(qc, nil); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

// selectJobs returns the queue's jobs matched by any pattern: "all", a job
// number, a hold file name, an identifier, or a glob on the owner's name.
func selectJobs(qc *queue.Context, patterns []string) ([]*job.Job, error) {
	res, err := qc.Scan()
	if res == nil {
		return nil, fmt.Errorf("scan %s: %w", qc.SpoolDir(), err)
	}
	if err != nil {
		qc.Log.Warn("skipping unreadable hold files", zap.Error(err))
	}
	var out []*job.Job
	for _, j := range res.Jobs {
		if matchJob(j, patterns) {
			out = append(out, j)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoJobs, strings.Join(patterns, " "))
	}
	return out, nil
}

func matchJob(j *job.Job, patterns []string) bool {
	for _, p := range patterns {
		if p == "all" || p == j.Name() || p == j.Identifier() {
			return true
		}
		if n, err := strconv.Atoi(p); err == nil {
			if n == j.Number() {
				return true
			}
			continue
		}
		if ok, _ := path.Match(p, j.Logname()); ok {
			return true
		}
	}
	return false
}
