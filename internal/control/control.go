// Package control implements the administrative commands an operator runs
// against a queue. Every command rewrites the queue's control record or
// some of its hold files, marks the record changed, and wakes the queue's
// scheduler so it acts on the change at its next scan.
package control

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/user"
	"sort"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/xinlaoda/spoold/internal/config"
	"github.com/xinlaoda/spoold/internal/history"
	"github.com/xinlaoda/spoold/internal/job"
	"github.com/xinlaoda/spoold/internal/lock"
	"github.com/xinlaoda/spoold/internal/perm"
	"github.com/xinlaoda/spoold/internal/queue"
)

var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrUsage          = errors.New("usage")
	ErrDenied         = errors.New("permission denied")
	ErrNoJobs         = errors.New("no matching jobs")
)

// Requester identifies who runs a command.
type Requester struct {
	User string
	Host perm.Host
}

// CurrentRequester is the local user running this process.
func CurrentRequester() Requester {
	name := os.Getenv("USER")
	if u, err := user.Current(); err == nil {
		name = u.Username
	}
	return Requester{User: name, Host: perm.LocalHost()}
}

// Controller runs administrative commands against configured queues.
type Controller struct {
	Config *config.Config
	From   Requester
	Log    *zap.Logger
	Now    func() time.Time

	// Wake makes the queue's scheduler rescan, starting one if needed.
	Wake func(*config.Config, *config.Queue, *zap.Logger) error
	// Kill delivers a signal to a scheduler process.
	Kill func(pid int, sig syscall.Signal) error
	// StopWait bounds how long kill waits for the old scheduler to exit.
	StopWait time.Duration
	// History, when set, supplies finished-job records to status and history.
	History *history.Store
}

// New returns a controller acting for from.
func New(cfg *config.Config, from Requester, lg *zap.Logger) *Controller {
	if lg == nil {
		lg = zap.NewNop()
	}
	return &Controller{
		Config:   cfg,
		From:     from,
		Log:      lg,
		Now:      time.Now,
		Wake:     queue.Wake,
		Kill:     unix.Kill,
		StopWait: 15 * time.Second,
	}
}

// Result reports what a command did to one queue.
type Result struct {
	Queue   string
	Command string
	// Jobs are the hold files the command changed.
	Jobs    []string
	Status  *Status
	History []history.Entry
}

// Queues expands a queue argument: "all" names every configured queue.
func (c *Controller) Queues(name string) []string {
	if name != "all" {
		return []string{name}
	}
	names := make([]string, 0, len(c.Config.Queues))
	for _, q := range c.Config.Queues {
		names = append(names, q.Name)
	}
	return names
}

// Run executes command name on queue qname with the remaining arguments.
func (c *Controller) Run(ctx context.Context, name, qname string, args []string) (*Result, error) {
	cmd, ok := commands[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, name)
	}
	if len(args) < cmd.minArgs || (cmd.maxArgs >= 0 && len(args) > cmd.maxArgs) {
		return nil, fmt.Errorf("%w: %s %s", ErrUsage, name, cmd.usage)
	}

	qc, err := queue.NewContext(c.Config, qname, c.Log)
	if err != nil {
		return nil, err
	}
	qc.Now = c.Now
	log := c.Log.With(zap.String("queue", qname), zap.String("command", name), zap.String("user", c.From.User))

	service := byte(perm.ServiceControl)
	if name == "status" || name == "history" {
		service = perm.ServiceStatus
	}
	if !c.permitted(qc, name, service, nil) {
		log.Info("command refused")
		return nil, fmt.Errorf("%w: %s on %s", ErrDenied, name, qname)
	}

	res := &Result{Queue: qname, Command: name}
	if err := cmd.run(ctx, c, qc, args, res); err != nil {
		return res, err
	}
	log.Info("command done", zap.Strings("jobs", res.Jobs))

	if cmd.wake {
		if err := c.Wake(c.Config, qc.Queue, c.Log); err != nil {
			return res, fmt.Errorf("wake scheduler for %s: %w", qname, err)
		}
	}
	return res, nil
}

func (c *Controller) request(qc *queue.Context, lpc string, service byte) *perm.Request {
	return &perm.Request{
		User:       c.From.User,
		RemoteUser: c.From.User,
		Host:       perm.LocalHost(),
		RemoteHost: c.From.Host,
		Service:    service,
		LPC:        lpc,
		Printer:    qc.Name,
	}
}

// permitted evaluates the rules for a command, against j when the command
// acts on a job.
func (c *Controller) permitted(qc *queue.Context, lpc string, service byte, j *job.Job) bool {
	return qc.Perm.Evaluate(c.request(qc, lpc, service), j).Allowed()
}

// markChanged applies fn to the control record and sets its change flag in
// the same write.
func markChanged(qc *queue.Context, fn func(*queue.Control)) error {
	return qc.UpdateControl(func(ctl *queue.Control) error {
		if fn != nil {
			fn(ctl)
		}
		ctl.SetChange(true)
		return nil
	})
}

// signalScheduler sends sig to the queue's live scheduler and reports its
// pid, or 0 when none runs.
func (c *Controller) signalScheduler(qc *queue.Context, sig syscall.Signal) (int, error) {
	pid, held, err := lock.Held(qc.LockPath())
	if err != nil {
		return 0, err
	}
	if !held || pid <= 0 {
		return 0, nil
	}
	if err := c.Kill(pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		return pid, fmt.Errorf("signal scheduler %d: %w", pid, err)
	}
	return pid, nil
}

// waitStopped polls until the queue lock is free.
func (c *Controller) waitStopped(ctx context.Context, qc *queue.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.StopWait)
	defer cancel()
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		_, held, err := lock.Held(qc.LockPath())
		if err != nil {
			return err
		}
		if !held {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("scheduler for %s did not stop: %w", qc.Name, ctx.Err())
		case <-tick.C:
		}
	}
}

// Usage lists the commands with their argument synopsis.
func Usage() []string {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]string, 0, len(names))
	for _, name := range names {
		out = append(out, strings.TrimSpace(name+" "+commands[name].usage))
	}
	return out
}
