// Command spoold is the scheduler for one print queue. It takes the queue
// lock, starts a worker for every job it can print, and exits once the
// queue is idle. Submissions and lpc start it again on demand.
//
// Usage:
//
//	spoold [-c config] [-D] -q queue
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/xinlaoda/spoold/internal/acct"
	"github.com/xinlaoda/spoold/internal/auth"
	"github.com/xinlaoda/spoold/internal/config"
	"github.com/xinlaoda/spoold/internal/history"
	"github.com/xinlaoda/spoold/internal/queue"
	"github.com/xinlaoda/spoold/internal/sched/scheduler"
	"github.com/xinlaoda/spoold/pkg/spoollog"
)

var version = "dev"

func main() {
	var (
		cfgPath     = flag.String("c", "/etc/spoold/spoold.yaml", "Configuration file")
		name        = flag.String("q", "", "Queue to schedule")
		debug       = flag.Bool("D", false, "Debug mode (verbose logging, copied to stderr)")
		showVersion = flag.Bool("version", false, "Show version")
	)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: spoold [-c config] [-D] -q queue\n\nOptions:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *showVersion {
		fmt.Printf("spoold version %s\n", version)
		os.Exit(0)
	}
	if *name == "" {
		fmt.Fprintf(os.Stderr, "spoold: no queue specified\n")
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "spoold: %v\n", err)
		os.Exit(1)
	}
	lg, err := spoollog.Setup(cfg.LogDir, "sched", *debug || cfg.Debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "spoold: cannot open log: %v\n", err)
		os.Exit(1)
	}

	code := run(cfg, *name, lg)
	lg.Close()
	os.Exit(code)
}

func run(cfg *config.Config, name string, lg *spoollog.Logger) int {
	ctx := context.Background()
	if cfg.AuthKey != "" {
		if _, err := auth.LoadOrGenerate(cfg.AuthKey); err != nil {
			lg.Error("cannot load auth key", zap.String("path", cfg.AuthKey), zap.Error(err))
			return 1
		}
	}
	qc, err := queue.NewContext(cfg, name, lg.Logger)
	if err != nil {
		lg.Error("cannot set up queue", zap.String("queue", name), zap.Error(err))
		return 1
	}

	opts := scheduler.Options{
		Launcher: &scheduler.ExecLauncher{
			Path:       cfg.WorkerPath,
			ConfigPath: cfg.Path,
			Stderr:     zap.NewStdLog(lg.Named("worker").With(zap.String("queue", name))).Writer(),
		},
		Level:   &lg.Level,
		Watch:   true,
		Signals: true,
	}

	if cfg.AcctDir != "" {
		a, err := acct.NewLogger(cfg.AcctDir, lg.Logger)
		if err != nil {
			lg.Warn("accounting disabled", zap.String("dir", cfg.AcctDir), zap.Error(err))
		} else {
			defer a.Close()
			opts.Acct = a
		}
	}
	if cfg.HistoryDB != "" {
		h, err := history.Open(ctx, cfg.HistoryDB)
		if err != nil {
			lg.Warn("job history disabled", zap.String("db", cfg.HistoryDB), zap.Error(err))
		} else {
			defer h.Close()
			opts.History = h
		}
	}

	s, err := scheduler.New(qc, opts)
	if err != nil {
		lg.Error("cannot start scheduler", zap.String("queue", name), zap.Error(err))
		return 1
	}
	if err := s.Run(ctx); err != nil {
		if errors.Is(err, scheduler.ErrAlreadyRunning) {
			return 0
		}
		lg.Error("scheduler failed", zap.String("queue", name), zap.Error(err))
		return 1
	}
	return 0
}
