// Package chooser picks which idle subserver prints a load-balanced job.
//
// An external chooser program takes precedence, then a named in-process
// chooser, then the first eligible candidate. Candidates whose class
// restriction rejects the job are never offered.
package chooser

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xinlaoda/spoold/internal/config"
	"github.com/xinlaoda/spoold/internal/job"
)

// Candidate is an idle subserver that could take a job.
type Candidate struct {
	// Index is the subserver's descriptor index in the scheduler.
	Index    int
	Name     string
	SpoolDir string
	// Class is the subserver's class restriction; empty accepts all.
	Class    string
	DoneTime time.Time
}

// Choice is a chooser's answer.
type Choice struct {
	// Index is the chosen descriptor index, valid when neither NotYet nor
	// Route is set.
	Index int
	// Route names a destination outside the candidate set.
	Route string
	// NotYet means no candidate is suitable now; ask again later.
	NotYet bool
}

// Func is an in-process chooser. It returns a position in cands, or false
// when no candidate is suitable yet. cands is never empty.
type Func func(cands []Candidate, j *job.Job) (int, bool)

// Factory builds a Func; stateful choosers keep their state in the closure.
type Factory func() Func

var (
	mu       sync.RWMutex
	registry = map[string]Factory{
		"first":        func() Func { return First },
		"least_recent": func() Func { return LeastRecent },
		"round_robin":  RoundRobin,
	}
)

// Register adds a named in-process chooser.
func Register(name string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	registry[name] = f
}

// Lookup builds the named in-process chooser.
func Lookup(name string) (Func, bool) {
	mu.RLock()
	defer mu.RUnlock()
	f, ok := registry[name]
	if !ok {
		return nil, false
	}
	return f(), true
}

// First picks the first candidate.
func First(cands []Candidate, _ *job.Job) (int, bool) {
	return 0, true
}

// LeastRecent picks the candidate that finished a job longest ago.
func LeastRecent(cands []Candidate, _ *job.Job) (int, bool) {
	best := 0
	for i, c := range cands[1:] {
		if c.DoneTime.Before(cands[best].DoneTime) {
			best = i + 1
		}
	}
	return best, true
}

// RoundRobin returns a chooser that cycles through subservers by name.
func RoundRobin() Func {
	var last string
	return func(cands []Candidate, _ *job.Job) (int, bool) {
		names := make([]string, len(cands))
		for i, c := range cands {
			names[i] = c.Name
		}
		sorted := append([]string(nil), names...)
		sort.Strings(sorted)
		next := sorted[0]
		for _, n := range sorted {
			if n > last {
				next = n
				break
			}
		}
		last = next
		for i, n := range names {
			if n == next {
				return i, true
			}
		}
		return 0, true
	}
}

// Chooser applies a queue's chooser configuration.
type Chooser struct {
	Program []string
	Func    Func
	Timeout time.Duration
	Log     *zap.Logger
}

// New builds the chooser configured for q.
func New(q *config.Queue, lg *zap.Logger) (*Chooser, error) {
	if lg == nil {
		lg = zap.NewNop()
	}
	c := &Chooser{Program: q.ChooserProgram, Timeout: 30 * time.Second, Log: lg}
	if q.Chooser != "" {
		fn, ok := Lookup(q.Chooser)
		if !ok {
			return nil, fmt.Errorf("queue %s: unknown chooser %q", q.Name, q.Chooser)
		}
		c.Func = fn
	}
	return c, nil
}

// Eligible drops candidates whose class restriction rejects j.
func Eligible(cands []Candidate, j *job.Job) []Candidate {
	var out []Candidate
	for _, c := range cands {
		if job.MatchClass(c.Class, j.Class()) {
			out = append(out, c)
		}
	}
	return out
}

// Choose picks a subserver for j among cands.
func (c *Chooser) Choose(ctx context.Context, cands []Candidate, j *job.Job) (Choice, error) {
	cands = Eligible(cands, j)
	if len(c.Program) > 0 {
		return c.runProgram(ctx, cands, j)
	}
	if len(cands) == 0 {
		return Choice{NotYet: true}, nil
	}
	if c.Func != nil {
		i, ok := c.Func(cands, j)
		if !ok || i < 0 || i >= len(cands) {
			return Choice{NotYet: true}, nil
		}
		return Choice{Index: cands[i].Index}, nil
	}
	return Choice{Index: cands[0].Index}, nil
}

// runProgram writes candidate names to the program's stdin, one per line,
// and reads the chosen name from the first line of its stdout. A non-zero
// exit or an empty answer means no candidate yet.
func (c *Chooser) runProgram(ctx context.Context, cands []Candidate, j *job.Job) (Choice, error) {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	var stdin bytes.Buffer
	env := append(os.Environ(),
		fmt.Sprintf("CHOOSER_COUNT=%d", len(cands)),
		"CHOOSER_JOB="+j.Name(),
		"CHOOSER_IDENTIFIER="+j.Identifier(),
	)
	for i, cand := range cands {
		stdin.WriteString(cand.Name + "\n")
		var done int64
		if !cand.DoneTime.IsZero() {
			done = cand.DoneTime.Unix()
		}
		env = append(env,
			fmt.Sprintf("CHOOSER_%d_NAME=%s", i, cand.Name),
			fmt.Sprintf("CHOOSER_%d_SPOOL=%s", i, cand.SpoolDir),
			fmt.Sprintf("CHOOSER_%d_DONE_TIME=%d", i, done),
		)
	}

	var stdout bytes.Buffer
	cmd := exec.CommandContext(ctx, c.Program[0], c.Program[1:]...)
	cmd.Env = env
	cmd.Stdin = &stdin
	cmd.Stdout = &stdout
	err := cmd.Run()
	if ctx.Err() != nil {
		return Choice{}, fmt.Errorf("chooser program: %w", ctx.Err())
	}
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			c.Log.Debug("chooser found no candidate", zap.Int("exit", ee.ExitCode()))
			return Choice{NotYet: true}, nil
		}
		return Choice{}, fmt.Errorf("chooser program: %w", err)
	}

	line, _ := bufio.NewReader(&stdout).ReadString('\n')
	name := strings.TrimSpace(line)
	if name == "" {
		return Choice{NotYet: true}, nil
	}
	for _, cand := range cands {
		if cand.Name == name {
			return Choice{Index: cand.Index}, nil
		}
	}
	c.Log.Info("chooser routed job outside subservers", zap.String("job", j.Name()), zap.String("dest", name))
	return Choice{Route: name}, nil
}
