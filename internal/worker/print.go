package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"

	"go.uber.org/zap"

	"github.com/xinlaoda/spoold/internal/job"
	"github.com/xinlaoda/spoold/internal/jobstate"
)

// print sends every data file of j to the queue's device, each as many
// times as its copy count, through the print command when one is set.
func (w *worker) print(ctx context.Context, j *job.Job) (jobstate.Status, string) {
	q := w.q.Queue
	if q.Device == "" {
		return jobstate.FailNoRetry, "no device configured for " + q.Name
	}

	dev, err := os.OpenFile(q.Device, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		return jobstate.TransientFail, fmt.Sprintf("open device: %v", err)
	}
	defer dev.Close()

	for _, df := range j.Files {
		for c := 0; c < df.Copies(); c++ {
			if st, msg := w.printFile(ctx, j, df, c, dev); st != jobstate.Success {
				return st, msg
			}
		}
	}
	if err := dev.Close(); err != nil {
		return jobstate.TransientFail, fmt.Sprintf("close device: %v", err)
	}
	return jobstate.Success, ""
}

func (w *worker) printFile(ctx context.Context, j *job.Job, df *job.DataFile, copyNum int, dev *os.File) (jobstate.Status, string) {
	path := j.DataPath(df)
	in, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return jobstate.FailNoRetry, fmt.Sprintf("data file %s missing", df.OpenName())
		}
		return jobstate.TransientFail, err.Error()
	}
	defer in.Close()

	w.log.Debug("printing data file", zap.String("file", df.OpenName()), zap.Int("copy", copyNum+1))
	if len(w.q.Queue.PrintCommand) == 0 {
		if _, err := io.Copy(dev, readerWithContext(ctx, in)); err != nil {
			if ctx.Err() != nil {
				return outcome(ctx, "print")
			}
			return jobstate.TransientFail, fmt.Sprintf("write device: %v", err)
		}
		return jobstate.Success, ""
	}

	env := append(jobEnv(w.q.Name, j),
		"SPOOL_DEVICE="+w.q.Queue.Device,
		"SPOOL_DATAFILE="+path,
		"SPOOL_TRANSFERNAME="+df.TransferName(),
		"SPOOL_FORMAT="+string(df.Format()),
		"SPOOL_COPY="+strconv.Itoa(copyNum+1),
	)
	return w.runCommand(ctx, "print command", w.q.Queue.PrintCommand, env, in, dev)
}

// runCommand runs argv and maps its exit to a status. The command is
// killed when ctx ends.
func (w *worker) runCommand(ctx context.Context, what string, argv, env []string, stdin io.Reader, stdout io.Writer) (jobstate.Status, string) {
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), env...)
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	cmd.Stderr = w.opts.Stderr

	if err := cmd.Start(); err != nil {
		return jobstate.FailNoRetry, fmt.Sprintf("start %s: %v", what, err)
	}
	w.log.Debug("started "+what, zap.Strings("argv", argv), zap.Int("pid", cmd.Process.Pid))

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	select {
	case err := <-done:
		if err == nil {
			return jobstate.Success, ""
		}
		st := jobstate.FromWait(err)
		return st, fmt.Sprintf("%s failed: %v", what, err)
	case <-ctx.Done():
		cmd.Process.Kill()
		<-done
		return outcome(ctx, what)
	}
}

// jobEnv describes j to external commands.
func jobEnv(queueName string, j *job.Job) []string {
	return []string{
		"SPOOL_QUEUE=" + queueName,
		"SPOOL_JOB=" + j.Name(),
		"SPOOL_IDENTIFIER=" + j.Identifier(),
		"SPOOL_USER=" + j.Logname(),
		"SPOOL_HOST=" + j.FromHost(),
		"SPOOL_CLASS=" + j.Class(),
	}
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

func readerWithContext(ctx context.Context, r io.Reader) io.Reader {
	return ctxReader{ctx: ctx, r: r}
}
