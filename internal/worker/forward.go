package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xinlaoda/spoold/internal/job"
	"github.com/xinlaoda/spoold/internal/jobstate"
	"github.com/xinlaoda/spoold/internal/perm"
	"github.com/xinlaoda/spoold/internal/queue"
)

// forward hands j, or its destination d, to target: a local queue name or
// printer@host.
func (w *worker) forward(ctx context.Context, j *job.Job, d *job.Destination, target string) (jobstate.Status, string) {
	name, host, remote := strings.Cut(target, "@")
	if remote && !isLocalHost(host) {
		return w.forwardRemote(ctx, j, target)
	}

	cfg := w.q.Config
	tq, err := cfg.Queue(name)
	if err != nil {
		return jobstate.FailNoRetry, fmt.Sprintf("unknown destination %s", name)
	}
	if tq.Name == w.q.Name {
		return jobstate.FailNoRetry, fmt.Sprintf("cannot forward %s to itself", name)
	}

	if res := w.q.Perm.Evaluate(w.q.JobRequest(j, perm.ServiceReceive, tq.Name), j); !res.Allowed() {
		return jobstate.FailNoRetry, "permission denied by " + tq.Name
	}
	ctl, err := queue.Load(tq.ControlPath())
	if err != nil {
		return jobstate.TransientFail, err.Error()
	}
	if ctl.SpoolingDisabled() {
		return jobstate.TransientFail, fmt.Sprintf("spooling disabled on %s", tq.Name)
	}

	nj, err := job.Forward(tq.SpoolDir, j, d, time.Time{})
	if err != nil {
		if errors.Is(err, job.ErrAllocationExhausted) {
			return jobstate.TransientFail, fmt.Sprintf("%s is full", tq.Name)
		}
		return jobstate.TransientFail, fmt.Sprintf("forward to %s: %v", tq.Name, err)
	}
	w.log.Info("forwarded job", zap.String("to", tq.Name), zap.String("new_hold", nj.Name()))

	if err := w.opts.Wake(cfg, tq, w.log); err != nil {
		w.log.Warn("failed to wake scheduler", zap.String("queue", tq.Name), zap.Error(err))
	}
	return jobstate.Success, ""
}

// forwardRemote runs the forward command with the hold file path and
// destination as its final arguments.
func (w *worker) forwardRemote(ctx context.Context, j *job.Job, target string) (jobstate.Status, string) {
	argv := w.q.Queue.ForwardCommand
	if len(argv) == 0 {
		return jobstate.FailNoRetry, fmt.Sprintf("no forward_command to reach %s", target)
	}
	argv = append(append([]string(nil), argv...), j.Path, target)
	env := append(jobEnv(w.q.Name, j), "SPOOL_DESTINATION="+target)
	return w.runCommand(ctx, "forward command", argv, env, nil, nil)
}

func isLocalHost(host string) bool {
	switch strings.ToLower(host) {
	case "", "localhost", "127.0.0.1", "::1":
		return true
	}
	return strings.EqualFold(host, perm.LocalHost().Name)
}
