// Command spoolwork carries out one unit of work for a queue's scheduler:
// it prints a job, or forwards it to another queue, and reports the outcome
// in its exit status.
//
// Usage:
//
//	spoolwork [-c config] -q queue -j holdfile [-d dest] [-n newdest]
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/xinlaoda/spoold/internal/config"
	"github.com/xinlaoda/spoold/internal/jobstate"
	"github.com/xinlaoda/spoold/internal/queue"
	"github.com/xinlaoda/spoold/internal/worker"
	"github.com/xinlaoda/spoold/pkg/spoollog"
)

func main() {
	var (
		cfgPath = flag.String("c", "/etc/spoold/spoold.yaml", "Configuration file")
		name    = flag.String("q", "", "Queue holding the job")
		hold    = flag.String("j", "", "Hold file name")
		dest    = flag.Int("d", -1, "Destination index of a routed job")
		newDest = flag.String("n", "", "Forward the job to this queue[@host]")
		debug   = flag.Bool("D", false, "Debug mode")
	)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: spoolwork [-c config] -q queue -j holdfile [-d dest] [-n newdest]\n\nOptions:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *name == "" || *hold == "" {
		flag.Usage()
		os.Exit(jobstate.FailNoRetry.ExitCode())
	}

	// The scheduler closes our stdin once it has recorded our pid.
	if fi, err := os.Stdin.Stat(); err == nil && fi.Mode()&os.ModeNamedPipe != 0 {
		io.Copy(io.Discard, os.Stdin)
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "spoolwork: %v\n", err)
		os.Exit(jobstate.TransientFail.ExitCode())
	}
	lg, err := spoollog.Setup(cfg.LogDir, "worker", *debug || cfg.Debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "spoolwork: cannot open log: %v\n", err)
		os.Exit(jobstate.TransientFail.ExitCode())
	}

	st := run(cfg, *name, *hold, *dest, *newDest, lg)
	lg.Close()
	os.Exit(st.ExitCode())
}

func run(cfg *config.Config, name, hold string, dest int, newDest string, lg *spoollog.Logger) jobstate.Status {
	qc, err := queue.NewContext(cfg, name, lg.With(zap.String("hold", hold)))
	if err != nil {
		lg.Error("cannot set up queue", zap.String("queue", name), zap.Error(err))
		return jobstate.TransientFail
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st := worker.Run(ctx, worker.Options{
		Queue:   qc,
		Hold:    hold,
		Dest:    dest,
		NewDest: newDest,
		Stderr:  os.Stderr,
		Wake:    queue.Wake,
	})
	qc.Log.Debug("worker exiting", zap.Stringer("status", st))
	return st
}
