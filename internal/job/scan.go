package job

import (
	"errors"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
)

// State is the scheduling state derived from a job's attributes.
type State int

const (
	Printable State = iota
	Waiting
	ClassBlocked
	Active
	Held
	Moving
	Failed
	Done
)

// StateNames maps states to the names used in logs and status output.
var StateNames = map[State]string{
	Printable:    "printable",
	Waiting:      "waiting",
	ClassBlocked: "class",
	Active:       "active",
	Held:         "held",
	Moving:       "move",
	Failed:       "error",
	Done:         "done",
}

func (s State) String() string {
	if n, ok := StateNames[s]; ok {
		return n
	}
	return "unknown"
}

// Filter carries the queue-wide settings that affect a job's state.
type Filter struct {
	HoldAll bool
	Class   string
	Now     time.Time
}

// State derives the job's scheduling state.
func (j *Job) State(f Filter) State {
	switch {
	case j.Finished() && j.ErrorText() == "":
		return Done
	case j.Finished():
		return Failed
	case !j.HoldTime().IsZero():
		return Held
	case j.MovePending():
		if rt := j.RetryTime(); !rt.IsZero() && rt.After(f.Now) {
			return Waiting
		}
		return Moving
	case f.HoldAll && j.ReleaseTime().IsZero():
		return Held
	case j.Server() != 0:
		return Active
	case !MatchClass(f.Class, j.Class()):
		return ClassBlocked
	}
	if rt := j.RetryTime(); !rt.IsZero() && rt.After(f.Now) {
		return Waiting
	}
	if j.Routed() && !j.AllDestinationsDone() && j.NextDestination(f.Now) == nil {
		return Waiting
	}
	return Printable
}

// MatchClass reports whether class passes filter, a comma-separated list
// of glob patterns. An empty filter matches every class.
func MatchClass(filter, class string) bool {
	filter = strings.TrimSpace(filter)
	if filter == "" {
		return true
	}
	for _, p := range strings.Split(filter, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if ok, _ := path.Match(p, class); ok {
			return true
		}
	}
	return false
}

// Counts tallies jobs per state.
type Counts map[State]int

// Result is the outcome of scanning a spool directory.
type Result struct {
	// Jobs are sorted in print order.
	Jobs   []*Job
	States map[*Job]State
	Counts Counts
}

// Scan reads every hold file in dir. Corrupt records are skipped and
// returned together as the error; locked or still-empty files are skipped
// silently. A non-nil Result is returned whenever dir could be listed.
func Scan(dir string, f Filter) (*Result, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	res := &Result{States: make(map[*Job]State), Counts: make(Counts)}
	var errs *multierror.Error
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, ok := ParseHoldName(e.Name()); !ok {
			continue
		}
		j, err := Read(filepath.Join(dir, e.Name()))
		if err != nil {
			if errors.Is(err, ErrBusy) || errors.Is(err, ErrEmpty) || errors.Is(err, os.ErrNotExist) {
				continue
			}
			errs = multierror.Append(errs, err)
			continue
		}
		st := j.State(f)
		res.Jobs = append(res.Jobs, j)
		res.States[j] = st
		res.Counts[st]++
	}
	Sort(res.Jobs)
	return res, errs.ErrorOrNil()
}

// Sort orders jobs for printing: most recent priority_time first, then
// priority letter with A highest, then arrival, then job number.
func Sort(jobs []*Job) {
	sort.SliceStable(jobs, func(a, b int) bool {
		ja, jb := jobs[a], jobs[b]
		if pa, pb := ja.rec.GetInt(KeyPriorityTime), jb.rec.GetInt(KeyPriorityTime); pa != pb {
			return pa > pb
		}
		if pa, pb := ja.Priority(), jb.Priority(); pa != pb {
			return pa < pb
		}
		if ia, ib := ja.rec.GetInt(KeyIncomingTime), jb.rec.GetInt(KeyIncomingTime); ia != ib {
			return ia < ib
		}
		return ja.Number() < jb.Number()
	})
}
