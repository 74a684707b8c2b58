package jobstate

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xinlaoda/spoold/internal/job"
)

var now = time.Unix(1700000000, 0)

func newMachine(p Policy) *Machine {
	m := NewMachine(p, nil)
	m.Now = func() time.Time { return now }
	return m
}

func spoolJob(t *testing.T, mutate func(*job.Job)) *job.Job {
	t.Helper()
	dir := t.TempDir()
	data := job.DataName(1, "a")
	require.NoError(t, os.WriteFile(filepath.Join(dir, data), []byte("%!PS\n"), 0640))

	j := job.New()
	j.Files = append(j.Files, job.NewDataFile(data, "doc.ps", 'f'))
	if mutate != nil {
		mutate(j)
	}
	h, err := job.Allocate(dir, j, 1, 1)
	require.NoError(t, err)
	require.NoError(t, h.Close())
	return j
}

func reread(t *testing.T, j *job.Job) *job.Job {
	t.Helper()
	back, err := job.Read(j.Path)
	require.NoError(t, err)
	return back
}

func TestStatusCodes(t *testing.T) {
	for _, st := range []Status{Success, TransientFail, FailNoRetry, Abort, Remove, Hold, Timeout} {
		assert.Equal(t, st, FromExitCode(st.ExitCode()), st.String())
	}
	assert.Equal(t, 38, FailNoRetry.ExitCode())
	assert.Equal(t, TransientFail, FromExitCode(1))
	assert.Equal(t, TransientFail, FromExitCode(255))
}

func TestFromWait(t *testing.T) {
	run := func(script string) Status {
		return FromWait(exec.Command("/bin/sh", "-c", script).Run())
	}
	assert.Equal(t, Success, run("exit 0"))
	assert.Equal(t, FailNoRetry, run("exit 38"))
	assert.Equal(t, Hold, run("exit 37"))
	assert.Equal(t, TransientFail, run("exit 3"))
	assert.Equal(t, Abort, run("kill -TERM $$"))
	assert.Equal(t, TransientFail, run("kill -USR1 $$"))
}

func TestBackoff(t *testing.T) {
	p := Policy{RetryInterval: 10 * time.Second, MaxRetryInterval: time.Minute}
	assert.Equal(t, 10*time.Second, p.Backoff(1))
	assert.Equal(t, 20*time.Second, p.Backoff(2))
	assert.Equal(t, 40*time.Second, p.Backoff(3))
	assert.Equal(t, time.Minute, p.Backoff(4))
	assert.Equal(t, time.Minute, p.Backoff(60))
	assert.Zero(t, Policy{}.Backoff(3))
}

func TestCopiesCompleteAfterThreeSuccesses(t *testing.T) {
	j := spoolJob(t, func(j *job.Job) { j.SetCopies(3) })
	m := newMachine(Policy{SaveWhenDone: true})
	ctx := context.Background()

	for want := 1; want <= 2; want++ {
		j.SetServer(4242)
		out, err := m.Apply(ctx, j, -1, Success, "")
		require.NoError(t, err)
		assert.False(t, out.Finished)
		back := reread(t, j)
		assert.Equal(t, want, back.CopyDone())
		assert.True(t, back.DoneTime().IsZero())
		assert.Zero(t, back.Server())
	}

	out, err := m.Apply(ctx, j, -1, Success, "")
	require.NoError(t, err)
	assert.True(t, out.Finished)
	assert.False(t, out.Removed)
	back := reread(t, j)
	assert.Equal(t, 3, back.CopyDone())
	assert.Equal(t, now, back.DoneTime())
	assert.Equal(t, job.Done, back.State(job.Filter{Now: now}))
}

func TestFinishedJobRemovedWithoutSavePolicy(t *testing.T) {
	j := spoolJob(t, nil)
	out, err := newMachine(Policy{}).Apply(context.Background(), j, -1, Success, "")
	require.NoError(t, err)
	assert.True(t, out.Finished)
	assert.True(t, out.Removed)
	assert.NoFileExists(t, j.Path)
	assert.NoFileExists(t, j.DataPath(j.Files[0]))
}

func TestRetryThenGiveUpRemove(t *testing.T) {
	j := spoolJob(t, nil)
	m := newMachine(Policy{MaxAttempts: 3, GiveUp: Remove, RetryInterval: 10 * time.Second, MaxRetryInterval: time.Hour})
	ctx := context.Background()

	out, err := m.Apply(ctx, j, -1, TransientFail, "printer offline")
	require.NoError(t, err)
	assert.Equal(t, TransientFail, out.Status)
	assert.Equal(t, now.Add(10*time.Second), out.RetryAt)
	back := reread(t, j)
	assert.Equal(t, 1, back.Attempt())
	assert.Equal(t, "printer offline", back.ErrorText())
	assert.Equal(t, job.Waiting, back.State(job.Filter{Now: now}))

	out, err = m.Apply(ctx, j, -1, TransientFail, "")
	require.NoError(t, err)
	assert.Equal(t, now.Add(20*time.Second), out.RetryAt)
	assert.Equal(t, 2, reread(t, j).Attempt())

	out, err = m.Apply(ctx, j, -1, TransientFail, "")
	require.NoError(t, err)
	assert.Equal(t, Remove, out.Status)
	assert.True(t, out.Finished)
	assert.True(t, out.Removed)
	assert.Equal(t, now, j.RemoveTime())
	assert.NoFileExists(t, j.Path)
}

func TestGiveUpKeepsErrorJobWhenSaving(t *testing.T) {
	j := spoolJob(t, nil)
	m := newMachine(Policy{MaxAttempts: 1, GiveUp: Abort, SaveOnError: true, StopOnAbort: true})

	out, err := m.Apply(context.Background(), j, -1, TransientFail, "jam")
	require.NoError(t, err)
	assert.Equal(t, Abort, out.Status)
	assert.True(t, out.StopQueue)
	assert.False(t, out.Removed)
	back := reread(t, j)
	assert.Equal(t, job.Failed, back.State(job.Filter{Now: now}))
	assert.Contains(t, back.ErrorText(), "jam")
}

func TestUnlimitedAttemptsNeverGiveUp(t *testing.T) {
	j := spoolJob(t, nil)
	m := newMachine(Policy{GiveUp: Remove})
	for i := 0; i < 10; i++ {
		out, err := m.Apply(context.Background(), j, -1, TransientFail, "")
		require.NoError(t, err)
		require.Equal(t, TransientFail, out.Status)
	}
	assert.Equal(t, 10, reread(t, j).Attempt())
}

func TestGiveUpProgram(t *testing.T) {
	j := spoolJob(t, nil)
	m := newMachine(Policy{
		MaxAttempts:   2,
		GiveUpProgram: []string{"/bin/sh", "-c", `read n; test "$n" = 2 && exit 37; exit 0`},
	})
	ctx := context.Background()

	_, err := m.Apply(ctx, j, -1, TransientFail, "")
	require.NoError(t, err)
	out, err := m.Apply(ctx, j, -1, TransientFail, "")
	require.NoError(t, err)
	assert.Equal(t, Hold, out.Status)
	assert.Equal(t, job.Held, reread(t, j).State(job.Filter{Now: now}))
}

func TestGiveUpProgramKeyword(t *testing.T) {
	tests := []struct {
		script string
		want   Status
	}{
		{`cat >/dev/null; echo remove`, Remove},
		{`cat >/dev/null; echo HOLD; exit 0`, Hold},
		{`cat >/dev/null; echo " abort "; exit 1`, Abort},
		{`cat >/dev/null; exit 34`, Remove},
		{`cat >/dev/null`, Success},
	}
	for _, tt := range tests {
		t.Run(tt.script, func(t *testing.T) {
			m := newMachine(Policy{MaxAttempts: 1, GiveUpProgram: []string{"/bin/sh", "-c", tt.script}})
			st, err := m.runGiveUp(context.Background(), 3)
			require.NoError(t, err)
			assert.Equal(t, tt.want, st)
		})
	}

	m := newMachine(Policy{MaxAttempts: 1, GiveUpProgram: []string{"/bin/sh", "-c", "cat >/dev/null; echo later"}})
	_, err := m.runGiveUp(context.Background(), 1)
	assert.Error(t, err)

	j := spoolJob(t, nil)
	m = newMachine(Policy{MaxAttempts: 1, GiveUpProgram: []string{"/bin/sh", "-c", "cat >/dev/null; echo remove"}})
	out, err := m.Apply(context.Background(), j, -1, TransientFail, "jam")
	require.NoError(t, err)
	assert.Equal(t, Remove, out.Status)
	assert.True(t, out.Finished)
	assert.NoFileExists(t, j.Path)
}

func TestHoldAndTimeout(t *testing.T) {
	j := spoolJob(t, nil)
	m := newMachine(Policy{RetryInterval: time.Second})

	_, err := m.Apply(context.Background(), j, -1, Hold, "")
	require.NoError(t, err)
	assert.Equal(t, now, reread(t, j).HoldTime())

	_, err = job.Modify(j.Path, func(m *job.Job) error {
		m.SetHoldTime(time.Time{})
		return nil
	})
	require.NoError(t, err)
	out, err := m.Apply(context.Background(), j, -1, Timeout, "")
	require.NoError(t, err)
	assert.Equal(t, TransientFail, out.Status)
	back := reread(t, j)
	assert.Equal(t, 1, back.Attempt())
	assert.Equal(t, "worker timed out", back.ErrorText())
}

func TestApplyKeepsConcurrentEdits(t *testing.T) {
	j := spoolJob(t, func(j *job.Job) { j.SetServer(4242) })
	m := newMachine(Policy{RetryInterval: time.Second})

	// Another process edits the hold file after j was read.
	_, err := job.Modify(j.Path, func(o *job.Job) error {
		o.SetHoldTime(now.Add(-time.Minute))
		o.SetClass("urgent")
		return nil
	})
	require.NoError(t, err)
	assert.True(t, j.HoldTime().IsZero())

	out, err := m.Apply(context.Background(), j, -1, TransientFail, "paper out")
	require.NoError(t, err)
	assert.Equal(t, TransientFail, out.Status)

	back := reread(t, j)
	assert.Equal(t, now.Add(-time.Minute), back.HoldTime())
	assert.Equal(t, "urgent", back.Class())
	assert.Equal(t, 1, back.Attempt())
	assert.Zero(t, back.Server())
	assert.Equal(t, "paper out", back.ErrorText())
	assert.Equal(t, job.Held, back.State(job.Filter{Now: now}))

	// j now reflects the record on disk.
	assert.Equal(t, "urgent", j.Class())
	assert.Equal(t, 1, j.Attempt())
}

func TestRoutedJobCompletesWhenAllDestinationsDone(t *testing.T) {
	j := spoolJob(t, func(j *job.Job) {
		j.AddDestination(job.NewDestination("lp1"))
		j.AddDestination(job.NewDestination("lp2"))
	})
	m := newMachine(Policy{SaveWhenDone: true, SaveOnError: true})
	ctx := context.Background()

	out, err := m.Apply(ctx, j, 0, Success, "")
	require.NoError(t, err)
	assert.False(t, out.Finished)
	back := reread(t, j)
	assert.Equal(t, now, back.Dests[0].DoneTime())
	assert.True(t, back.DoneTime().IsZero())

	out, err = m.Apply(ctx, j, 1, FailNoRetry, "permission denied")
	require.NoError(t, err)
	assert.True(t, out.Finished)
	assert.True(t, out.Failed)
	back = reread(t, j)
	assert.Equal(t, now, back.Dests[1].DoneTime())
	assert.Equal(t, "permission denied", back.Dests[1].ErrorText())
	assert.Equal(t, "permission denied", back.ErrorText())
	assert.Equal(t, job.Failed, back.State(job.Filter{Now: now}))
}

func TestRoutedJobAllSuccess(t *testing.T) {
	j := spoolJob(t, func(j *job.Job) {
		d := job.NewDestination("lp1")
		d.SetCopies(2)
		j.AddDestination(d)
	})
	m := newMachine(Policy{})
	ctx := context.Background()

	out, err := m.Apply(ctx, j, 0, Success, "")
	require.NoError(t, err)
	assert.False(t, out.Finished)
	assert.Equal(t, 1, reread(t, j).Dests[0].CopyDone())

	out, err = m.Apply(ctx, j, 0, Success, "")
	require.NoError(t, err)
	assert.True(t, out.Finished)
	assert.True(t, out.Removed)
}

func TestForwardedSuccessCompletesAllCopies(t *testing.T) {
	j := spoolJob(t, func(j *job.Job) { j.SetCopies(3) })
	m := newMachine(Policy{SaveWhenDone: true})

	out, err := m.ApplyForwarded(context.Background(), j, -1, Success, "")
	require.NoError(t, err)
	assert.True(t, out.Finished)
	assert.Equal(t, 3, j.CopyDone())
	assert.False(t, j.DoneTime().IsZero())
}
