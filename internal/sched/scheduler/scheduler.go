// Package scheduler runs one print queue. A scheduler owns the queue lock,
// rescans the spool, starts one worker per job it can print, and feeds
// each worker's exit status to the job state machine. It exits when the
// queue has nothing left to do; a later submission or control command
// starts a fresh one.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/xinlaoda/spoold/internal/acct"
	"github.com/xinlaoda/spoold/internal/history"
	"github.com/xinlaoda/spoold/internal/jobstate"
	"github.com/xinlaoda/spoold/internal/lock"
	"github.com/xinlaoda/spoold/internal/queue"
	"github.com/xinlaoda/spoold/internal/sched/chooser"
)

// ErrAlreadyRunning is returned by Run when another live scheduler owns
// the queue. That scheduler has been asked to rescan.
var ErrAlreadyRunning = errors.New("scheduler already running")

// ErrStaging wraps failures to copy a job into a peer's spool directory.
var ErrStaging = errors.New("staging failed")

const (
	// orphanPoll is how often a job owned by a foreign live process is
	// rechecked.
	orphanPoll = 5 * time.Second
	// stopGrace is how long stopping workers get before SIGKILL.
	stopGrace = 10 * time.Second
)

// Options configure a scheduler.
type Options struct {
	Launcher Launcher
	Acct     *acct.Logger
	History  *history.Store

	// Level is switched by the control record's debug field.
	Level *zap.AtomicLevel
	// Watch rescans on changes in the spool directory.
	Watch bool
	// Signals installs handlers for SIGUSR1, SIGHUP, SIGINT and SIGTERM.
	Signals bool
}

type assignment struct {
	proc    Proc
	server  *Server
	path    string
	dest    int
	forward bool
	staged  string
	started time.Time
}

type exitEvent struct {
	pid    int
	status jobstate.Status
}

// Scheduler is the control loop of one queue.
type Scheduler struct {
	q       *queue.Context
	opts    Options
	machine *jobstate.Machine
	chooser *chooser.Chooser
	log     *zap.Logger

	servers []*Server
	active  map[int]*assignment
	exits   chan exitEvent
	rescan  chan struct{}
	stop    chan syscall.Signal

	wakeAt    time.Time
	baseLevel zapcore.Level
	stopping  bool
}

// New builds the scheduler for the queue in qc.
func New(qc *queue.Context, opts Options) (*Scheduler, error) {
	if opts.Launcher == nil {
		return nil, errors.New("scheduler: no worker launcher")
	}
	ch, err := chooser.New(qc.Queue, qc.Log)
	if err != nil {
		return nil, err
	}
	servers, err := buildServers(qc)
	if err != nil {
		return nil, err
	}
	m := jobstate.NewMachine(jobstate.PolicyFor(qc.Queue), qc.Log)
	m.Now = qc.Now

	s := &Scheduler{
		q:       qc,
		opts:    opts,
		machine: m,
		chooser: ch,
		log:     qc.Log,
		servers: servers,
		active:  make(map[int]*assignment),
		exits:   make(chan exitEvent, len(servers)),
		rescan:  make(chan struct{}, 1),
		stop:    make(chan syscall.Signal, 1),
	}
	if opts.Level != nil {
		s.baseLevel = opts.Level.Level()
	}
	return s, nil
}

// Servers returns the printer descriptors, primary first.
func (s *Scheduler) Servers() []*Server { return s.servers }

// Trigger asks for a rescan. Requests made before the loop gets to them
// collapse into one.
func (s *Scheduler) Trigger() {
	select {
	case s.rescan <- struct{}{}:
	default:
	}
}

// Signal handles an operator signal. SIGUSR1 and SIGHUP rescan. SIGINT
// aborts: workers get SIGINT. SIGTERM kills: workers get SIGKILL.
func (s *Scheduler) Signal(sig os.Signal) {
	switch sig {
	case syscall.SIGUSR1, syscall.SIGHUP:
		s.Trigger()
	case syscall.SIGINT:
		s.requestStop(syscall.SIGINT)
	case syscall.SIGTERM:
		s.requestStop(syscall.SIGKILL)
	}
}

func (s *Scheduler) requestStop(sig syscall.Signal) {
	select {
	case s.stop <- sig:
	default:
	}
}

// Run owns the queue until it is idle or stopped.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.opts.Signals {
		sigc := make(chan os.Signal, 4)
		signal.Notify(sigc, syscall.SIGUSR1, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
		done := make(chan struct{})
		defer func() {
			signal.Stop(sigc)
			close(done)
		}()
		go func() {
			for {
				select {
				case sig := <-sigc:
					s.Signal(sig)
				case <-done:
					return
				}
			}
		}()
	}
	if s.opts.Watch {
		w, err := s.watch()
		if err != nil {
			s.log.Warn("spool watch unavailable, relying on signals", zap.Error(err))
		} else {
			defer w.Close()
		}
	}

	cfg := s.q.Config
	for {
		l, err := lock.Acquire(ctx, s.q.LockPath(), lock.Options{
			Retries: cfg.LockRetries,
			Backoff: cfg.LockBackoff,
			Signal:  queue.RescanSignal,
			Logger:  s.log,
		})
		if errors.Is(err, lock.ErrHeld) {
			s.log.Info("queue already has a scheduler", zap.Error(err))
			return ErrAlreadyRunning
		}
		if err != nil {
			return fmt.Errorf("acquire %s: %w", s.q.LockPath(), err)
		}
		s.log.Info("scheduler started", zap.Int("pid", os.Getpid()), zap.Int("servers", len(s.servers)))

		err = s.serve(ctx)
		if rerr := l.Release(); rerr != nil && err == nil {
			err = fmt.Errorf("release %s: %w", s.q.LockPath(), rerr)
		}
		if err != nil || s.stopping {
			return err
		}

		// A rescan request that raced with the release would otherwise be
		// lost: the sender saw the lock still held.
		select {
		case <-s.rescan:
			s.log.Debug("rescan requested while draining")
			continue
		default:
		}
		s.log.Info("queue idle, scheduler exiting")
		return nil
	}
}

// serve loops between scanning and waiting until the queue drains.
func (s *Scheduler) serve(ctx context.Context) error {
	for {
		if err := s.pass(ctx); err != nil {
			s.shutdown(syscall.SIGINT)
			return err
		}
		if len(s.active) == 0 && s.wakeAt.IsZero() {
			return nil
		}

		var (
			timer *time.Timer
			tick  <-chan time.Time
		)
		if !s.wakeAt.IsZero() {
			timer = time.NewTimer(max(time.Until(s.wakeAt), 0))
			tick = timer.C
		}

		select {
		case ev := <-s.exits:
			s.reap(ctx, ev)
		case <-s.rescan:
		case <-tick:
		case sig := <-s.stop:
			s.shutdown(sig)
		case <-ctx.Done():
			s.shutdown(syscall.SIGINT)
		}
		if timer != nil {
			timer.Stop()
		}
		if s.stopping {
			return nil
		}
	}
}

// shutdown signals every worker's process group and waits for them. Their
// jobs are left as they are; the next scheduler finds the worker gone and
// requeues them.
func (s *Scheduler) shutdown(sig syscall.Signal) {
	s.stopping = true
	for pid, a := range s.active {
		s.log.Info("stopping worker", zap.Int("pid", pid), zap.String("server", a.server.Name), zap.Stringer("signal", sig))
		if err := a.proc.Signal(sig); err != nil && !errors.Is(err, syscall.ESRCH) {
			s.log.Warn("signal worker failed", zap.Int("pid", pid), zap.Error(err))
		}
	}

	grace := time.NewTimer(stopGrace)
	defer grace.Stop()
	for len(s.active) > 0 {
		select {
		case ev := <-s.exits:
			a, ok := s.active[ev.pid]
			if !ok {
				continue
			}
			delete(s.active, ev.pid)
			a.server.release(s.q.Now())
			if a.staged != "" {
				s.removeStaged(a.server, a.staged)
			}
			s.log.Info("worker stopped", zap.Int("pid", ev.pid), zap.Stringer("status", ev.status))
		case <-grace.C:
			for pid, a := range s.active {
				s.log.Warn("worker ignored stop, killing", zap.Int("pid", pid))
				a.proc.Signal(syscall.SIGKILL)
			}
		}
	}
}

// noteWake schedules a rescan no later than t.
func (s *Scheduler) noteWake(t time.Time) {
	if s.wakeAt.IsZero() || t.Before(s.wakeAt) {
		s.wakeAt = t
	}
}

func (s *Scheduler) wakeAfter(out jobstate.Outcome) {
	if !out.RetryAt.IsZero() {
		s.noteWake(out.RetryAt)
	}
}

// applyDebug switches the log level from the control record's debug
// field: a zap level name, or any other non-empty value for debug.
func (s *Scheduler) applyDebug() {
	if s.opts.Level == nil {
		return
	}
	lvl := s.baseLevel
	if d := s.q.Control.Debug(); d != "" {
		if l, err := zapcore.ParseLevel(d); err == nil {
			lvl = l
		} else {
			lvl = zapcore.DebugLevel
		}
	}
	if s.opts.Level.Level() != lvl {
		s.opts.Level.SetLevel(lvl)
	}
}
