package queue

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/xinlaoda/spoold/internal/config"
	"github.com/xinlaoda/spoold/internal/lock"
)

// RescanSignal asks a running scheduler to rescan its queue.
const RescanSignal = syscall.SIGUSR1

// Wake makes sure a scheduler will look at queue q: a live owner of the
// queue lock is signalled, otherwise a new scheduler is started detached.
func Wake(cfg *config.Config, q *config.Queue, lg *zap.Logger) error {
	if lg == nil {
		lg = zap.NewNop()
	}
	pid, held, err := lock.Held(q.LockPath())
	if err == nil && held && lock.Alive(pid) {
		if err := unix.Kill(pid, RescanSignal); err == nil {
			lg.Debug("signalled scheduler", zap.String("queue", q.Name), zap.Int("pid", pid))
			return nil
		}
	}
	return StartScheduler(cfg, q.Name, lg)
}

// StartScheduler launches a detached scheduler process for queue name.
// A second scheduler for the same queue exits on its own after signalling
// the first, so racing starts are harmless.
func StartScheduler(cfg *config.Config, name string, lg *zap.Logger) error {
	if cfg.SchedulerPath == "" {
		return fmt.Errorf("start scheduler for %s: scheduler_path not set", name)
	}
	args := []string{"-q", name}
	if cfg.Path != "" {
		args = append([]string{"-c", cfg.Path}, args...)
	}
	cmd := exec.Command(cfg.SchedulerPath, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer devnull.Close()
	cmd.Stdin, cmd.Stdout, cmd.Stderr = devnull, devnull, devnull

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start scheduler for %s: %w", name, err)
	}
	lg.Info("started scheduler", zap.String("queue", name), zap.Int("pid", cmd.Process.Pid))
	return cmd.Process.Release()
}
