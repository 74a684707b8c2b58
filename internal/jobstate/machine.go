package jobstate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xinlaoda/spoold/internal/config"
	"github.com/xinlaoda/spoold/internal/job"
)

// Policy is the queue configuration the state machine consults.
type Policy struct {
	MaxAttempts      int
	GiveUp           Status
	GiveUpProgram    []string
	RetryInterval    time.Duration
	MaxRetryInterval time.Duration
	SaveWhenDone     bool
	SaveOnError      bool
	StopOnAbort      bool
}

// PolicyFor builds the policy of a configured queue.
func PolicyFor(q *config.Queue) Policy {
	giveUp, ok := Parse(strings.ToLower(q.GiveUp))
	if !ok {
		giveUp = Abort
	}
	return Policy{
		MaxAttempts:      q.MaxAttempts,
		GiveUp:           giveUp,
		GiveUpProgram:    q.GiveUpProgram,
		RetryInterval:    q.RetryInterval,
		MaxRetryInterval: q.MaxRetryInterval,
		SaveWhenDone:     q.SaveWhenDone,
		SaveOnError:      q.SaveOnError,
		StopOnAbort:      q.StopOnAbort,
	}
}

// Backoff returns the delay before retry number attempt: the base interval
// doubled per previous attempt, capped at the ceiling.
func (p Policy) Backoff(attempt int) time.Duration {
	d := p.RetryInterval
	if d <= 0 {
		return 0
	}
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxRetryInterval > 0 && d >= p.MaxRetryInterval {
			return p.MaxRetryInterval
		}
	}
	if p.MaxRetryInterval > 0 && d > p.MaxRetryInterval {
		return p.MaxRetryInterval
	}
	return d
}

// Outcome describes what a transition did.
type Outcome struct {
	// Status is the status applied after any give-up resolution.
	Status Status
	// Finished is set when the job reached done or removed.
	Finished bool
	// Failed is set when the job finished with an error.
	Failed bool
	// Removed is set when the job's files were deleted.
	Removed bool
	// StopQueue asks the caller to mark printing aborted.
	StopQueue bool
	// RetryAt is the next eligible attempt after a transient failure.
	RetryAt time.Time
}

// Machine applies worker outcomes to job records.
type Machine struct {
	Policy Policy
	Now    func() time.Time
	Log    *zap.Logger

	// GiveUpTimeout bounds the give-up program.
	GiveUpTimeout time.Duration
}

// NewMachine returns a machine for policy p.
func NewMachine(p Policy, lg *zap.Logger) *Machine {
	if lg == nil {
		lg = zap.NewNop()
	}
	return &Machine{Policy: p, Now: time.Now, Log: lg, GiveUpTimeout: 30 * time.Second}
}

// target is the record a status is applied to.
type target interface {
	Copies() int
	CopyDone() int
	SetCopyDone(int)
	Attempt() int
	SetAttempt(int)
	SetServer(int)
	SetHoldTime(time.Time)
	SetDoneTime(time.Time)
	SetRemoveTime(time.Time)
	SetRetryTime(time.Time)
	ErrorText() string
	SetErrorText(string)
	SetErrorTime(time.Time)
}

// Apply records status st for job j, or for destination dest of j when
// dest is non-negative. The transition is applied to the hold file as it
// is on disk, under its lock, so concurrent edits by other processes are
// kept; j is refreshed from the result. The file is written back unless
// the job's files were removed. msg describes a failure.
func (m *Machine) Apply(ctx context.Context, j *job.Job, dest int, st Status, msg string) (Outcome, error) {
	return m.apply(ctx, j, dest, st, msg, false)
}

// ApplyForwarded is Apply for a worker that handed the job (or
// destination) to another queue: success completes every copy at once.
func (m *Machine) ApplyForwarded(ctx context.Context, j *job.Job, dest int, st Status, msg string) (Outcome, error) {
	return m.apply(ctx, j, dest, st, msg, true)
}

func (m *Machine) apply(ctx context.Context, j *job.Job, dest int, st Status, msg string, whole bool) (Outcome, error) {
	log := m.Log.With(zap.String("job", j.Identifier()), zap.String("hold", j.Name()), zap.Stringer("status", st))
	if dest >= 0 && dest < len(j.Dests) {
		log = log.With(zap.String("dest", j.Dests[dest].Dest()))
	}

	var out Outcome
	_, err := job.Modify(j.Path, func(cur *job.Job) error {
		out = m.transition(ctx, cur, dest, st, msg, whole, log)
		*j = *cur
		if !out.Finished {
			return nil
		}
		keep := m.Policy.SaveWhenDone
		if out.Failed {
			keep = m.Policy.SaveOnError
		}
		if keep {
			log.Info("job finished and kept", zap.Bool("failed", out.Failed))
			return nil
		}
		if err := job.Remove(cur); err != nil {
			return fmt.Errorf("remove %s: %w", cur.Name(), err)
		}
		out.Removed = true
		log.Info("job finished and removed", zap.Bool("failed", out.Failed))
		return errRemoved
	})
	if err != nil && !errors.Is(err, errRemoved) {
		return out, fmt.Errorf("update %s: %w", j.Name(), err)
	}
	return out, nil
}

// errRemoved stops Modify from writing back a job whose files are gone.
var errRemoved = errors.New("job removed")

// transition applies st to j in memory.
func (m *Machine) transition(ctx context.Context, j *job.Job, dest int, st Status, msg string, whole bool, log *zap.Logger) Outcome {
	now := m.Now()
	var (
		t target = j
		d *job.Destination
	)
	if dest >= 0 && dest < len(j.Dests) {
		d = j.Dests[dest]
		t = d
	}

	out := Outcome{Status: st}
	if st == Timeout {
		st = TransientFail
		if msg == "" {
			msg = "worker timed out"
		}
	}

	allCopies := whole
	if st == TransientFail {
		attempt := t.Attempt() + 1
		t.SetAttempt(attempt)
		if m.Policy.MaxAttempts > 0 && attempt >= m.Policy.MaxAttempts {
			resolved := m.giveUp(ctx, attempt, log)
			log.Info("attempt limit reached", zap.Int("attempt", attempt), zap.Stringer("give_up", resolved))
			st = resolved
			allCopies = true
			if msg == "" {
				msg = fmt.Sprintf("gave up after %d attempts", attempt)
			} else {
				msg = fmt.Sprintf("%s (gave up after %d attempts)", msg, attempt)
			}
		}
	}
	out.Status = st

	switch st {
	case Hold:
		t.SetHoldTime(now)
		if msg != "" {
			t.SetErrorText(msg)
			t.SetErrorTime(now)
		}

	case Success:
		if allCopies {
			t.SetCopyDone(t.Copies())
		} else {
			t.SetCopyDone(t.CopyDone() + 1)
		}
		t.SetRetryTime(time.Time{})
		t.SetErrorText("")
		t.SetErrorTime(time.Time{})
		if t.CopyDone() >= t.Copies() {
			t.SetDoneTime(now)
			out.Finished = d == nil
		}

	case TransientFail:
		if msg != "" {
			t.SetErrorText(msg)
			t.SetErrorTime(now)
		}
		out.RetryAt = now.Add(m.Policy.Backoff(t.Attempt()))
		t.SetRetryTime(out.RetryAt)

	case FailNoRetry, Remove, Abort:
		if t.ErrorText() == "" {
			if msg == "" {
				msg = defaultMessage(st)
			}
			t.SetErrorText(msg)
			t.SetErrorTime(now)
		}
		t.SetRemoveTime(now)
		if d != nil {
			d.SetDoneTime(now)
		} else {
			out.Finished = true
			out.Failed = true
		}
		out.StopQueue = st == Abort && m.Policy.StopOnAbort
	}

	t.SetServer(0)
	j.SetServer(0)
	j.SetSubserver("")

	if d != nil && j.AllDestinationsDone() && !j.Finished() {
		if e := j.DestinationError(); e != "" {
			j.SetErrorText(e)
			j.SetErrorTime(now)
			j.SetRemoveTime(now)
			out.Failed = true
		} else {
			j.SetDoneTime(now)
		}
		out.Finished = true
	}
	return out
}

func defaultMessage(st Status) string {
	switch st {
	case Abort:
		return "aborted"
	case Remove:
		return "removed"
	}
	return "failed, no retry"
}

// giveUp resolves the policy applied once the attempt limit is reached.
func (m *Machine) giveUp(ctx context.Context, attempt int, log *zap.Logger) Status {
	if len(m.Policy.GiveUpProgram) == 0 {
		return m.Policy.GiveUp
	}
	st, err := m.runGiveUp(ctx, attempt)
	if err != nil {
		log.Warn("give-up program failed, aborting job", zap.Strings("program", m.Policy.GiveUpProgram), zap.Error(err))
		return Abort
	}
	return st
}

// runGiveUp feeds the attempt count to the give-up program. A keyword on
// the first line of its output decides; with no output the exit code does.
func (m *Machine) runGiveUp(ctx context.Context, attempt int) (Status, error) {
	if m.GiveUpTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.GiveUpTimeout)
		defer cancel()
	}
	argv := m.Policy.GiveUpProgram
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin = strings.NewReader(strconv.Itoa(attempt) + "\n")
	var out bytes.Buffer
	cmd.Stdout = &out
	err := cmd.Run()
	if ctx.Err() != nil {
		return 0, fmt.Errorf("give-up program: %w", ctx.Err())
	}
	line, _, _ := strings.Cut(out.String(), "\n")
	if line = strings.ToLower(strings.TrimSpace(line)); line != "" {
		st, ok := Parse(line)
		if !ok {
			return 0, fmt.Errorf("give-up program answered %q", line)
		}
		return st, nil
	}
	if err == nil {
		return Success, nil
	}
	if ee, ok := err.(*exec.ExitError); ok {
		return FromExitCode(ee.ExitCode()), nil
	}
	return 0, err
}
