package scheduler

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"

	"github.com/xinlaoda/spoold/internal/jobstate"
)

// Work is one worker assignment.
type Work struct {
	// Queue holds the hold file and, for printing, the device.
	Queue string
	Hold  string
	// Dest is the destination index of a routed job, or -1.
	Dest    int
	NewDest string
}

// Args is the worker's command line after the configuration flag.
func (w Work) Args() []string {
	args := []string{"-q", w.Queue, "-j", w.Hold}
	if w.Dest >= 0 {
		args = append(args, "-d", strconv.Itoa(w.Dest))
	}
	if w.NewDest != "" {
		args = append(args, "-n", w.NewDest)
	}
	return args
}

// Proc is a started worker.
type Proc interface {
	Pid() int
	// Release lets the worker begin. The scheduler records the pid in the
	// hold file first, so the worker never reads a record that is about to
	// change under it.
	Release() error
	// Wait blocks until the worker exits and maps its exit to a status.
	Wait() jobstate.Status
	// Signal delivers sig to the worker's process group.
	Signal(sig syscall.Signal) error
}

// Launcher starts workers.
type Launcher interface {
	Start(w Work) (Proc, error)
}

// ExecLauncher runs the worker binary as a session leader with a gate on
// its stdin that Release closes.
type ExecLauncher struct {
	Path       string
	ConfigPath string
	Stderr     io.Writer
}

func (l *ExecLauncher) Start(w Work) (Proc, error) {
	args := w.Args()
	if l.ConfigPath != "" {
		args = append([]string{"-c", l.ConfigPath}, args...)
	}
	gate, release, err := os.Pipe()
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(l.Path, args...)
	cmd.Stdin = gate
	cmd.Stderr = l.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true, // own session so the group can be signalled
	}
	if err := cmd.Start(); err != nil {
		gate.Close()
		release.Close()
		return nil, fmt.Errorf("start worker %s: %w", l.Path, err)
	}
	gate.Close()
	return &execProc{cmd: cmd, release: release}, nil
}

type execProc struct {
	cmd     *exec.Cmd
	release *os.File
	once    sync.Once
}

func (p *execProc) Pid() int { return p.cmd.Process.Pid }

func (p *execProc) Release() error {
	var err error
	p.once.Do(func() { err = p.release.Close() })
	return err
}

func (p *execProc) Wait() jobstate.Status {
	err := p.cmd.Wait()
	p.Release()
	return jobstate.FromWait(err)
}

func (p *execProc) Signal(sig syscall.Signal) error {
	// Setsid makes the pid the process group id.
	return syscall.Kill(-p.cmd.Process.Pid, sig)
}
