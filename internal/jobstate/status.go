// Package jobstate defines the closed set of worker outcomes and the state
// machine that applies an outcome to a job record.
package jobstate

import (
	"errors"
	"os/exec"
	"syscall"
)

// Status is the outcome of one unit of work.
type Status int

const (
	Success Status = iota
	TransientFail
	FailNoRetry
	Abort
	Remove
	Hold
	Timeout
)

var statusNames = [...]string{
	Success:       "success",
	TransientFail: "transient_fail",
	FailNoRetry:   "fail_no_retry",
	Abort:         "abort",
	Remove:        "remove",
	Hold:          "hold",
	Timeout:       "timeout",
}

var exitCodes = [...]int{
	Success:       0,
	TransientFail: 32,
	Abort:         33,
	Remove:        34,
	Hold:          37,
	FailNoRetry:   38,
	Timeout:       39,
}

func (s Status) String() string {
	if s >= 0 && int(s) < len(statusNames) {
		return statusNames[s]
	}
	return "unknown"
}

// ExitCode is the process exit code a worker uses to report s.
func (s Status) ExitCode() int {
	if s >= 0 && int(s) < len(exitCodes) {
		return exitCodes[s]
	}
	return exitCodes[TransientFail]
}

// FromExitCode maps a worker exit code to a Status. Unknown codes are
// transient failures.
func FromExitCode(code int) Status {
	for s, c := range exitCodes {
		if c == code {
			return Status(s)
		}
	}
	return TransientFail
}

// FromSignal maps the signal that killed a worker. Operator stop signals
// abort the job; anything else is retried.
func FromSignal(sig syscall.Signal) Status {
	switch sig {
	case syscall.SIGINT, syscall.SIGTERM, syscall.SIGKILL, syscall.SIGQUIT, syscall.SIGHUP:
		return Abort
	}
	return TransientFail
}

// FromWait maps the error returned by exec.Cmd.Wait.
func FromWait(err error) Status {
	if err == nil {
		return Success
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return FromSignal(ws.Signal())
		}
		return FromExitCode(exitErr.ExitCode())
	}
	return TransientFail
}

// Parse maps a give-up keyword to a Status.
func Parse(keyword string) (Status, bool) {
	switch keyword {
	case "success":
		return Success, true
	case "abort":
		return Abort, true
	case "remove":
		return Remove, true
	case "hold":
		return Hold, true
	case "retry":
		return TransientFail, true
	}
	return 0, false
}
