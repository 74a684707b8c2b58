package queue

import (
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/xinlaoda/spoold/internal/auth"
	"github.com/xinlaoda/spoold/internal/config"
	"github.com/xinlaoda/spoold/internal/job"
	"github.com/xinlaoda/spoold/internal/perm"
)

// Context is everything an operation needs to know about one queue. It is
// passed explicitly to the scheduler, workers and control commands.
type Context struct {
	Name    string
	Config  *config.Config
	Queue   *config.Queue
	Control *Control
	Perm    *perm.Engine
	Log     *zap.Logger
	Now     func() time.Time

	// AuthKey verifies job authentication claims. When an auth key is
	// configured but unreadable it is nil and every claim is ignored.
	AuthKey    []byte
	verifyAuth bool
}

// NewContext resolves queue name in cfg, loads its control record and the
// permission rules.
func NewContext(cfg *config.Config, name string, lg *zap.Logger) (*Context, error) {
	q, err := cfg.Queue(name)
	if err != nil {
		return nil, err
	}
	if lg == nil {
		lg = zap.NewNop()
	}
	engine, err := NewPermEngine(cfg, lg)
	if err != nil {
		return nil, err
	}
	c := &Context{
		Name:   name,
		Config: cfg,
		Queue:  q,
		Perm:   engine,
		Log:    lg.With(zap.String("queue", name)),
		Now:    time.Now,
	}
	if cfg.AuthKey != "" {
		c.verifyAuth = true
		key, err := auth.LoadKey(cfg.AuthKey)
		switch {
		case errors.Is(err, os.ErrNotExist):
			c.Log.Warn("auth key missing, ignoring job authentication", zap.String("path", cfg.AuthKey))
		case err != nil:
			return nil, err
		}
		c.AuthKey = key
	}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// JobRequest is perm.JobRequest for this queue's jobs. With an auth key
// configured, a job's authenticated user counts only if its token verifies.
func (c *Context) JobRequest(j *job.Job, service byte, printer string) *perm.Request {
	req := perm.JobRequest(j, service, printer)
	if req.Auth == nil || !c.verifyAuth {
		return req
	}
	if c.AuthKey == nil {
		req.Auth = nil
		return req
	}
	if err := auth.Verify(j, c.AuthKey); err != nil {
		c.Log.Debug("ignoring job authentication", zap.String("hold", j.Name()), zap.Error(err))
		req.Auth = nil
	}
	return req
}

// NewPermEngine builds the permission engine configured in cfg. A missing
// rule file leaves only the default permission in force.
func NewPermEngine(cfg *config.Config, lg *zap.Logger) (*perm.Engine, error) {
	fallback, err := perm.ParseDecision(cfg.DefaultPermission)
	if err != nil {
		return nil, fmt.Errorf("%w: default_permission: %v", config.ErrInvalid, err)
	}
	var rules perm.Rules
	if cfg.Permissions != "" {
		rules, err = perm.LoadFile(cfg.Permissions)
		switch {
		case errors.Is(err, os.ErrNotExist):
			lg.Warn("permission file missing, using default", zap.String("path", cfg.Permissions))
		case err != nil:
			return nil, fmt.Errorf("load permissions %s: %w", cfg.Permissions, err)
		}
	}
	return perm.NewEngine(rules, fallback, perm.WithCacheTTL(cfg.PermCacheTTL), perm.WithLogger(lg)), nil
}

// SpoolDir is the queue's spool directory.
func (c *Context) SpoolDir() string { return c.Queue.SpoolDir }

// ControlPath is the queue's control file.
func (c *Context) ControlPath() string { return c.Queue.ControlPath() }

// LockPath is the queue's scheduler lock file.
func (c *Context) LockPath() string { return c.Queue.LockPath() }

// Reload rereads the control record.
func (c *Context) Reload() error {
	ctl, err := Load(c.ControlPath())
	if err != nil {
		return err
	}
	c.Control = ctl
	return nil
}

// UpdateControl applies fn to the control record under its lock and keeps
// the stored result as the context's current record.
func (c *Context) UpdateControl(fn func(*Control) error) error {
	var latest *Control
	err := Update(c.ControlPath(), func(ctl *Control) error {
		if err := fn(ctl); err != nil {
			return err
		}
		latest = ctl
		return nil
	})
	if err != nil {
		return err
	}
	c.Control = latest
	return nil
}

// Filter is the job-state filter for the current control record.
func (c *Context) Filter() job.Filter {
	f := job.Filter{Now: c.Now()}
	if c.Control != nil {
		f.HoldAll = c.Control.HoldAll()
		f.Class = c.Control.Class()
	}
	return f
}

// Scan reads the queue's jobs in print order.
func (c *Context) Scan() (*job.Result, error) {
	return job.Scan(c.SpoolDir(), c.Filter())
}
