package control

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xinlaoda/spoold/internal/config"
	"github.com/xinlaoda/spoold/internal/history"
	"github.com/xinlaoda/spoold/internal/job"
	"github.com/xinlaoda/spoold/internal/jobstate"
	"github.com/xinlaoda/spoold/internal/lock"
	"github.com/xinlaoda/spoold/internal/perm"
	"github.com/xinlaoda/spoold/internal/queue"
)

var now = time.Unix(1773480600, 0)

type signalled struct {
	pid int
	sig syscall.Signal
}

type fixture struct {
	c *Controller

	mu      sync.Mutex
	woken   []string
	signals []signalled
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	cfg := config.Default()
	cfg.SpoolRoot = root
	cfg.Queues = []config.Queue{
		{Name: "lp", SpoolDir: filepath.Join(root, "lp")},
		{Name: "lp2", SpoolDir: filepath.Join(root, "lp2")},
	}
	for _, q := range cfg.Queues {
		require.NoError(t, os.MkdirAll(q.SpoolDir, 0755))
	}

	f := &fixture{}
	f.c = New(cfg, Requester{User: "operator", Host: perm.LocalHost()}, zap.NewNop())
	f.c.Now = func() time.Time { return now }
	f.c.Wake = func(_ *config.Config, q *config.Queue, _ *zap.Logger) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.woken = append(f.woken, q.Name)
		return nil
	}
	f.c.Kill = func(pid int, sig syscall.Signal) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.signals = append(f.signals, signalled{pid, sig})
		return nil
	}
	return f
}

func (f *fixture) queue(t *testing.T, name string) *config.Queue {
	t.Helper()
	q, err := f.c.Config.Queue(name)
	require.NoError(t, err)
	return q
}

func (f *fixture) control(t *testing.T, name string) *queue.Control {
	t.Helper()
	ctl, err := queue.Load(f.queue(t, name).ControlPath())
	require.NoError(t, err)
	return ctl
}

func (f *fixture) submit(t *testing.T, owner string, mutate func(*job.Job)) *job.Job {
	t.Helper()
	j := job.New()
	j.SetLogname(owner)
	if mutate != nil {
		mutate(j)
	}
	h, err := job.Allocate(f.queue(t, "lp").SpoolDir, j, 1, 999)
	require.NoError(t, err)
	require.NoError(t, h.Close())
	return j
}

func (f *fixture) run(t *testing.T, cmd string, args ...string) (*Result, error) {
	t.Helper()
	return f.c.Run(context.Background(), cmd, "lp", args)
}

func reread(t *testing.T, j *job.Job) *job.Job {
	t.Helper()
	back, err := job.Read(j.Path)
	require.NoError(t, err)
	return back
}

func TestQueueFlagCommands(t *testing.T) {
	tests := []struct {
		cmd   string
		check func(*queue.Control) bool
		wake  bool
	}{
		{"stop", (*queue.Control).PrintingDisabled, true},
		{"disable", (*queue.Control).SpoolingDisabled, false},
		{"holdall", (*queue.Control).HoldAll, true},
	}
	for _, tt := range tests {
		t.Run(tt.cmd, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.run(t, tt.cmd)
			require.NoError(t, err)
			ctl := f.control(t, "lp")
			assert.True(t, tt.check(ctl))
			assert.True(t, ctl.Change())
			if tt.wake {
				assert.Equal(t, []string{"lp"}, f.woken)
			} else {
				assert.Empty(t, f.woken)
			}
		})
	}
}

func TestStartUndoesStopAndAbort(t *testing.T) {
	f := newFixture(t)
	_, err := f.run(t, "abort")
	require.NoError(t, err)
	ctl := f.control(t, "lp")
	assert.True(t, ctl.PrintingDisabled())
	assert.True(t, ctl.PrintingAborted())
	assert.Empty(t, f.signals, "no scheduler to signal")

	_, err = f.run(t, "start")
	require.NoError(t, err)
	ctl = f.control(t, "lp")
	assert.True(t, ctl.Printable())
	assert.Equal(t, []string{"lp"}, f.woken)

	_, err = f.run(t, "noholdall")
	require.NoError(t, err)
	_, err = f.run(t, "enable")
	require.NoError(t, err)
	assert.False(t, f.control(t, "lp").HoldAll())
	assert.False(t, f.control(t, "lp").SpoolingDisabled())
}

func TestSettings(t *testing.T) {
	f := newFixture(t)

	_, err := f.run(t, "class", "draft,memo*")
	require.NoError(t, err)
	_, err = f.run(t, "redirect", "lp2")
	require.NoError(t, err)
	_, err = f.run(t, "debug")
	require.NoError(t, err)
	_, err = f.run(t, "msg", "paper", "jam")
	require.NoError(t, err)

	ctl := f.control(t, "lp")
	assert.Equal(t, "draft,memo*", ctl.Class())
	assert.Equal(t, "lp2", ctl.Forwarding())
	assert.Equal(t, "debug", ctl.Debug())
	assert.Equal(t, "paper jam", ctl.Msg())

	_, err = f.run(t, "class", "off")
	require.NoError(t, err)
	_, err = f.run(t, "redirect", "OFF")
	require.NoError(t, err)
	_, err = f.run(t, "debug", "warn")
	require.NoError(t, err)
	ctl = f.control(t, "lp")
	assert.Empty(t, ctl.Class())
	assert.Empty(t, ctl.Forwarding())
	assert.Equal(t, "warn", ctl.Debug())
}

func TestCommandErrors(t *testing.T) {
	f := newFixture(t)

	_, err := f.run(t, "reboot")
	assert.ErrorIs(t, err, ErrUnknownCommand)
	_, err = f.run(t, "class")
	assert.ErrorIs(t, err, ErrUsage)
	_, err = f.run(t, "stop", "now")
	assert.ErrorIs(t, err, ErrUsage)
	_, err = f.run(t, "redirect", "lp")
	assert.ErrorIs(t, err, ErrUsage)
	_, err = f.run(t, "move", "all", "lp")
	assert.ErrorIs(t, err, ErrUsage)
	_, err = f.run(t, "hold", "nobody")
	assert.ErrorIs(t, err, ErrNoJobs)
	_, err = f.c.Run(context.Background(), "stop", "nosuch", nil)
	assert.ErrorIs(t, err, config.ErrInvalid)
	assert.Empty(t, f.woken)
}

func TestHoldReleaseTopq(t *testing.T) {
	f := newFixture(t)
	alice := f.submit(t, "alice", nil)
	bob := f.submit(t, "bob", func(j *job.Job) {
		j.SetAttempt(2)
		j.SetErrorText("device offline")
	})

	res, err := f.run(t, "hold", "b*")
	require.NoError(t, err)
	assert.Equal(t, []string{bob.Name()}, res.Jobs)
	assert.Equal(t, now, reread(t, bob).HoldTime())
	assert.True(t, reread(t, alice).HoldTime().IsZero())
	assert.True(t, f.control(t, "lp").Change())

	res, err = f.run(t, "hold", bob.Name())
	require.NoError(t, err)
	assert.Empty(t, res.Jobs, "already held")

	_, err = f.run(t, "release", bob.Identifier())
	require.NoError(t, err)
	back := reread(t, bob)
	assert.True(t, back.HoldTime().IsZero())
	assert.Equal(t, now, back.ReleaseTime())
	assert.Zero(t, back.Attempt())
	assert.Empty(t, back.ErrorText())

	_, err = f.run(t, "topq", strconv.Itoa(alice.Number()))
	require.NoError(t, err)
	assert.Equal(t, now, reread(t, alice).PriorityTime())

	res, err = f.run(t, "status")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Status.Counts[job.Printable])
	assert.Len(t, f.woken, 4)
}

func TestRedoAndMove(t *testing.T) {
	f := newFixture(t)
	done := f.submit(t, "alice", func(j *job.Job) {
		j.SetCopyDone(1)
		j.SetDoneTime(now.Add(-time.Hour))
		j.SetRemoveTime(now.Add(-time.Hour))
		j.SetErrorText("filter failed")
	})
	other := f.submit(t, "bob", func(j *job.Job) { j.SetRetryTime(now.Add(time.Hour)) })

	_, err := f.run(t, "redo", done.Name())
	require.NoError(t, err)
	back := reread(t, done)
	assert.False(t, back.Finished())
	assert.Zero(t, back.CopyDone())
	assert.Empty(t, back.ErrorText())
	assert.Equal(t, job.Printable, back.State(job.Filter{Now: now}))

	res, err := f.run(t, "move", "bob", "lp2")
	require.NoError(t, err)
	assert.Equal(t, []string{other.Name()}, res.Jobs)
	assert.Equal(t, "lp2", reread(t, other).Move())
	assert.True(t, reread(t, other).RetryTime().IsZero(), "an operator move runs without waiting out the backoff")
	assert.Empty(t, reread(t, done).Move())
}

func TestPermissionRules(t *testing.T) {
	f := newFixture(t)
	f.c.Config.Permissions = filepath.Join(f.c.Config.SpoolRoot, "perms")
	rules := "reject service=C lpc=stop\nreject service=C lpc=hold controlline=logname=bob\naccept\n"
	require.NoError(t, os.WriteFile(f.c.Config.Permissions, []byte(rules), 0644))
	bob := f.submit(t, "bob", nil)
	alice := f.submit(t, "alice", nil)

	_, err := f.run(t, "stop")
	assert.ErrorIs(t, err, ErrDenied)
	assert.False(t, f.control(t, "lp").PrintingDisabled())

	_, err = f.run(t, "hold", bob.Name())
	assert.ErrorIs(t, err, ErrDenied)
	assert.True(t, reread(t, bob).HoldTime().IsZero())

	res, err := f.run(t, "hold", "all")
	require.NoError(t, err)
	assert.Equal(t, []string{alice.Name()}, res.Jobs)
}

func TestAbortSignalsLiveScheduler(t *testing.T) {
	f := newFixture(t)
	l, err := lock.TryAcquire(f.queue(t, "lp").LockPath())
	require.NoError(t, err)
	defer l.Release()

	_, err = f.run(t, "abort")
	require.NoError(t, err)
	assert.Equal(t, []signalled{{os.Getpid(), syscall.SIGINT}}, f.signals)

	res, err := f.run(t, "status")
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), res.Status.Scheduler)
	assert.True(t, res.Status.Aborted)
	assert.False(t, res.Status.Printing)
}

func TestKillRestartsPrinting(t *testing.T) {
	f := newFixture(t)
	l, err := lock.TryAcquire(f.queue(t, "lp").LockPath())
	require.NoError(t, err)
	_, err = f.run(t, "stop")
	require.NoError(t, err)

	f.c.Kill = func(pid int, sig syscall.Signal) error {
		f.signals = append(f.signals, signalled{pid, sig})
		go func() {
			time.Sleep(150 * time.Millisecond)
			l.Release()
		}()
		return nil
	}
	_, err = f.run(t, "kill")
	require.NoError(t, err)
	assert.Equal(t, []signalled{{os.Getpid(), syscall.SIGTERM}}, f.signals)
	assert.True(t, f.control(t, "lp").Printable())
	assert.Equal(t, []string{"lp", "lp"}, f.woken)
}

func TestKillGivesUpOnStuckScheduler(t *testing.T) {
	f := newFixture(t)
	f.c.StopWait = 200 * time.Millisecond
	l, err := lock.TryAcquire(f.queue(t, "lp").LockPath())
	require.NoError(t, err)
	defer l.Release()

	_, err = f.run(t, "kill")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, f.woken)
}

func TestHistory(t *testing.T) {
	f := newFixture(t)
	_, err := f.run(t, "history")
	assert.ErrorIs(t, err, errNoHistory)

	res, err := f.run(t, "status")
	require.NoError(t, err)
	assert.Equal(t, int64(-1), res.Status.Finished)

	ctx := context.Background()
	h, err := history.Open(ctx, filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	f.c.History = h

	for i, id := range []string{"alice@host+1", "alice@host+2", "bob@host+3"} {
		j := job.New()
		j.SetIdentifier(id)
		j.SetDoneTime(now.Add(time.Duration(i) * time.Minute))
		out := jobstate.Outcome{Status: jobstate.Success, Finished: true}
		if i == 2 {
			out = jobstate.Outcome{Status: jobstate.Abort, Finished: true, Failed: true}
		}
		require.NoError(t, h.Record(ctx, "lp", j, out))
	}

	res, err = f.run(t, "status")
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Status.Finished)
	assert.Equal(t, int64(1), res.Status.Failed)

	res, err = f.run(t, "history", "2")
	require.NoError(t, err)
	require.Len(t, res.History, 2)
	assert.Equal(t, "bob@host+3", res.History[0].Identifier)

	res, err = f.run(t, "history", "alice@host+1")
	require.NoError(t, err)
	require.Len(t, res.History, 1)
	assert.Equal(t, "success", res.History[0].Status)
	assert.Empty(t, f.woken)
}

func TestQueuesAndUsage(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, []string{"lp", "lp2"}, f.c.Queues("all"))
	assert.Equal(t, []string{"lp2"}, f.c.Queues("lp2"))
	assert.Contains(t, Usage(), "move job... queue[@host]")
	assert.Len(t, Usage(), len(commands))
}

func TestMatchJob(t *testing.T) {
	j := job.New()
	j.SetLogname("carol")
	j.SetIdentifier("carol@host+42")
	assert.True(t, matchJob(j, []string{"all"}))
	assert.True(t, matchJob(j, []string{"c*"}))
	assert.True(t, matchJob(j, []string{"carol@host+42"}))
	assert.False(t, matchJob(j, []string{"7"}))
	assert.False(t, matchJob(j, []string{"dave", "12"}))
}
