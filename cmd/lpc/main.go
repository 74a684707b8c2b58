// Command lpc controls print queues: starting and stopping printing,
// enabling spooling, holding and reordering jobs, and showing status.
//
// Usage:
//
//	lpc [-c config] command queue|all [args...]
//	lpc [-c config] -P queue command [args...]
//	lpc [-c config] status [queue|all]
//	lpc [-c config] history [queue|all] [job|count]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/xinlaoda/spoold/internal/config"
	"github.com/xinlaoda/spoold/internal/control"
	"github.com/xinlaoda/spoold/internal/history"
	"github.com/xinlaoda/spoold/internal/job"
	"github.com/xinlaoda/spoold/pkg/spoollog"
)

func main() {
	var (
		cfgPath = flag.String("c", "/etc/spoold/spoold.yaml", "Configuration file")
		printer = flag.String("P", "", "Queue to control")
		debug   = flag.Bool("D", false, "Debug mode")
	)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: lpc [-c config] [-P queue] command [queue|all] [args...]\n\nCommands:\n")
		for _, u := range control.Usage() {
			fmt.Fprintf(os.Stderr, "  %s\n", u)
		}
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 || args[0] == "help" {
		flag.Usage()
		os.Exit(1)
	}
	cmd, args := args[0], args[1:]

	qname := *printer
	if qname == "" {
		switch {
		case len(args) > 0:
			qname, args = args[0], args[1:]
		case cmd == "status" || cmd == "history":
			qname = "all"
		default:
			fmt.Fprintf(os.Stderr, "lpc: %s: no queue specified\n", cmd)
			os.Exit(1)
		}
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lpc: %v\n", err)
		os.Exit(1)
	}
	lg, err := spoollog.Setup(cfg.LogDir, "lpc", *debug)
	if err != nil {
		// Ordinary users usually cannot write the log directory.
		lg = &spoollog.Logger{Logger: zap.NewNop()}
	}

	code := run(cfg, cmd, qname, args, lg.Logger)
	lg.Close()
	os.Exit(code)
}

func run(cfg *config.Config, cmd, qname string, args []string, lg *zap.Logger) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := control.New(cfg, control.CurrentRequester(), lg)
	if cfg.HistoryDB != "" && (cmd == "status" || cmd == "history") {
		h, err := history.Open(ctx, cfg.HistoryDB)
		if err != nil {
			lg.Warn("job history unavailable", zap.String("db", cfg.HistoryDB), zap.Error(err))
		} else {
			defer h.Close()
			c.History = h
		}
	}
	exitCode := 0
	var statuses []*control.Result
	for _, q := range c.Queues(qname) {
		res, err := c.Run(ctx, cmd, q, args)
		if err != nil {
			fmt.Fprintf(os.Stderr, "lpc: %s: %v\n", q, err)
			exitCode = 1
			if errors.Is(err, control.ErrUnknownCommand) || errors.Is(err, control.ErrUsage) {
				return exitCode
			}
		}
		if res == nil {
			continue
		}
		switch {
		case res.Status != nil:
			statuses = append(statuses, res)
		case cmd == "history":
			if err == nil {
				printHistory(res)
			}
		case len(res.Jobs) > 0:
			fmt.Printf("%s: %s %s\n", q, cmd, strings.Join(res.Jobs, " "))
		case err == nil:
			fmt.Printf("%s: %s done\n", q, cmd)
		}
	}
	if len(statuses) > 0 {
		printStatus(statuses)
	}
	return exitCode
}

func printStatus(results []*control.Result) {
	fmt.Printf("%-16s %-8s %-8s %5s %5s %5s %5s %5s %8s %s\n",
		"Queue", "Printing", "Spooling", "Jobs", "Run", "Hld", "Wat", "Err", "Server", "Note")
	fmt.Printf("%-16s %-8s %-8s %5s %5s %5s %5s %5s %8s %s\n",
		"----------------", "--------", "--------", "----", "---", "---", "---", "---", "------", "----")
	for _, res := range results {
		st := res.Status
		server := "none"
		if st.Scheduler != 0 {
			server = fmt.Sprintf("%d", st.Scheduler)
		}
		fmt.Printf("%-16s %-8s %-8s %5d %5d %5d %5d %5d %8s %s\n",
			res.Queue,
			printing(st),
			yesNo(st.Spooling),
			st.Jobs(),
			st.Counts[job.Active],
			st.Counts[job.Held],
			st.Counts[job.Waiting],
			st.Counts[job.Failed],
			server,
			note(st),
		)
	}
}

func printing(st *control.Status) string {
	switch {
	case st.Aborted:
		return "aborted"
	case st.Printing:
		return "enabled"
	}
	return "disabled"
}

func yesNo(b bool) string {
	if b {
		return "enabled"
	}
	return "disabled"
}

func note(st *control.Status) string {
	var parts []string
	if st.HoldAll {
		parts = append(parts, "holdall")
	}
	if st.Class != "" {
		parts = append(parts, "class="+st.Class)
	}
	if st.Forwarding != "" {
		parts = append(parts, "redirect->"+st.Forwarding)
	}
	if st.Debug != "" {
		parts = append(parts, "debug="+st.Debug)
	}
	if st.Finished >= 0 {
		parts = append(parts, fmt.Sprintf("done=%d failed=%d", st.Finished, st.Failed))
	}
	if st.Msg != "" {
		parts = append(parts, "("+st.Msg+")")
	}
	return strings.Join(parts, " ")
}

func printHistory(res *control.Result) {
	fmt.Printf("%s:\n", res.Queue)
	if len(res.History) == 0 {
		fmt.Printf("  no finished jobs\n")
		return
	}
	for _, e := range res.History {
		line := fmt.Sprintf("  %-19s %-10s %-24s %-8s %-14s %d/%d",
			e.FinishedAt.Format(time.DateTime), e.HoldName, e.Identifier, e.Logname, e.Status, e.CopyDone, e.Copies)
		if e.Error != "" {
			line += "  " + e.Error
		}
		fmt.Println(line)
	}
}
