package control

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/xinlaoda/spoold/internal/job"
	"github.com/xinlaoda/spoold/internal/lock"
	"github.com/xinlaoda/spoold/internal/queue"
)

// Status is a queue's control settings and job counts.
type Status struct {
	Printing   bool
	Spooling   bool
	Aborted    bool
	HoldAll    bool
	Class      string
	Forwarding string
	Debug      string
	Msg        string

	// Scheduler is the pid of the live scheduler, 0 when none runs.
	Scheduler int
	Counts    job.Counts
	// Active lists the hold files a worker is serving.
	Active []string
	// Finished and Failed count the queue's recorded history, -1 without one.
	Finished, Failed int64
}

// Jobs is the number of jobs in the spool that have not finished.
func (s *Status) Jobs() int {
	n := 0
	for st, c := range s.Counts {
		if st != job.Done && st != job.Failed {
			n += c
		}
	}
	return n
}

func status(ctx context.Context, c *Controller, qc *queue.Context, _ []string, res *Result) error {
	ctl := qc.Control
	st := &Status{
		Printing:   !ctl.PrintingDisabled(),
		Spooling:   !ctl.SpoolingDisabled(),
		Aborted:    ctl.PrintingAborted(),
		HoldAll:    ctl.HoldAll(),
		Class:      ctl.Class(),
		Forwarding: ctl.Forwarding(),
		Debug:      ctl.Debug(),
		Msg:        ctl.Msg(),
		Finished:   -1,
		Failed:     -1,
	}

	pid, held, err := lock.Held(qc.LockPath())
	if err != nil {
		return fmt.Errorf("check scheduler lock: %w", err)
	}
	if held {
		st.Scheduler = pid
	}

	scan, err := qc.Scan()
	if scan == nil {
		return fmt.Errorf("scan %s: %w", qc.SpoolDir(), err)
	}
	if err != nil {
		qc.Log.Warn("skipping unreadable hold files", zap.Error(err))
	}
	st.Counts = scan.Counts
	for _, j := range scan.Jobs {
		if scan.States[j] == job.Active {
			st.Active = append(st.Active, j.Name())
		}
	}
	if c.History != nil {
		st.Finished, st.Failed, err = c.History.Counts(ctx, qc.Name)
		if err != nil {
			qc.Log.Warn("read job history", zap.Error(err))
			st.Finished, st.Failed = -1, -1
		}
	}
	res.Status = st
	return nil
}

// defaultHistory is how many entries history shows without an argument.
const defaultHistory = 20

var errNoHistory = errors.New("no history_db configured")

// showHistory lists the queue's most recent finished jobs, or every entry
// recorded for one job identifier.
func showHistory(ctx context.Context, c *Controller, qc *queue.Context, args []string, res *Result) error {
	if c.History == nil {
		return errNoHistory
	}
	limit := defaultHistory
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil {
			entries, err := c.History.ByIdentifier(ctx, args[0])
			if err != nil {
				return err
			}
			res.History = entries
			return nil
		}
		limit = n
	}
	entries, err := c.History.Recent(ctx, qc.Name, limit)
	if err != nil {
		return err
	}
	res.History = entries
	return nil
}
