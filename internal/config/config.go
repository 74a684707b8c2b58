// Package config loads the spool configuration: global paths and policies
// plus one section per queue.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Give-up keywords accepted by Queue.GiveUp.
const (
	GiveUpSuccess = "success"
	GiveUpAbort   = "abort"
	GiveUpRemove  = "remove"
	GiveUpHold    = "hold"
	GiveUpRetry   = "retry"
)

// Config is the whole spool configuration.
type Config struct {
	SpoolRoot         string        `koanf:"spool_root"`
	LogDir            string        `koanf:"log_dir"`
	AcctDir           string        `koanf:"acct_dir"`
	HistoryDB         string        `koanf:"history_db"`
	Permissions       string        `koanf:"permissions"`
	AuthKey           string        `koanf:"auth_key"`
	DefaultPermission string        `koanf:"default_permission"`
	WorkerPath        string        `koanf:"worker_path"`
	SchedulerPath     string        `koanf:"scheduler_path"`
	LockRetries       int           `koanf:"lock_retries"`
	LockBackoff       time.Duration `koanf:"lock_backoff"`
	PermCacheTTL      time.Duration `koanf:"perm_cache_ttl"`
	Debug             bool          `koanf:"debug"`
	Queues            []Queue       `koanf:"queues"`

	// Path is the file the configuration was loaded from.
	Path string `koanf:"-"`
}

// Queue configures one logical printer.
type Queue struct {
	Name     string `koanf:"name"`
	SpoolDir string `koanf:"spool_dir"`
	Device   string `koanf:"device"`

	// PrintCommand is the filter a print worker runs with the data file on
	// stdin and the device on stdout. Empty means copy the file verbatim.
	PrintCommand []string `koanf:"print_command"`

	// Subservers names other queues that act as load-balance peers.
	Subservers []string `koanf:"subservers"`

	// Class restricts the job classes this queue prints (comma-separated globs).
	Class string `koanf:"class"`

	Chooser         string        `koanf:"chooser"`
	ChooserProgram  []string      `koanf:"chooser_program"`
	ChooserInterval time.Duration `koanf:"chooser_interval"`

	// ForwardCommand sends a job to printer@host; it receives the hold file
	// path and the destination as its final arguments.
	ForwardCommand []string `koanf:"forward_command"`

	MaxAttempts      int           `koanf:"max_attempts"`
	GiveUp           string        `koanf:"give_up"`
	GiveUpProgram    []string      `koanf:"give_up_program"`
	RetryInterval    time.Duration `koanf:"retry_interval"`
	MaxRetryInterval time.Duration `koanf:"max_retry_interval"`
	WorkerTimeout    time.Duration `koanf:"worker_timeout"`

	SaveWhenDone bool `koanf:"save_when_done"`
	SaveOnError  bool `koanf:"save_on_error"`
	StopOnAbort  bool `koanf:"stop_on_abort"`
}

// Default returns a Config with default global settings and no queues.
func Default() *Config {
	return &Config{
		SpoolRoot:         "/var/spool/spoold",
		LogDir:            "/var/log/spoold",
		DefaultPermission: "accept",
		WorkerPath:        "spoolwork",
		SchedulerPath:     "spoold",
		LockRetries:       5,
		LockBackoff:       200 * time.Millisecond,
		PermCacheTTL:      time.Minute,
	}
}

// Load reads a YAML configuration file over the defaults and validates it.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Path = path
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	for i := range c.Queues {
		q := &c.Queues[i]
		if q.SpoolDir == "" && c.SpoolRoot != "" {
			q.SpoolDir = filepath.Join(c.SpoolRoot, q.Name)
		}
		if q.GiveUp == "" && len(q.GiveUpProgram) == 0 {
			q.GiveUp = GiveUpAbort
		}
		if q.RetryInterval == 0 {
			q.RetryInterval = 10 * time.Second
		}
		if q.MaxRetryInterval == 0 {
			q.MaxRetryInterval = 10 * time.Minute
		}
		if q.ChooserInterval == 0 {
			q.ChooserInterval = 10 * time.Second
		}
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch strings.ToLower(c.DefaultPermission) {
	case "accept", "reject":
	default:
		return fmt.Errorf("%w: default_permission must be accept or reject, got %q", ErrInvalid, c.DefaultPermission)
	}
	if c.LockRetries < 0 {
		return fmt.Errorf("%w: lock_retries must not be negative", ErrInvalid)
	}
	if len(c.Queues) == 0 {
		return fmt.Errorf("%w: at least one queue must be configured", ErrInvalid)
	}

	names := make(map[string]bool, len(c.Queues))
	for i, q := range c.Queues {
		if q.Name == "" {
			return fmt.Errorf("%w: queues[%d].name is required", ErrInvalid, i)
		}
		if strings.ContainsAny(q.Name, "/@ \t") {
			return fmt.Errorf("%w: queue name %q contains invalid characters", ErrInvalid, q.Name)
		}
		if names[q.Name] {
			return fmt.Errorf("%w: duplicate queue %q", ErrInvalid, q.Name)
		}
		names[q.Name] = true
		if q.SpoolDir == "" {
			return fmt.Errorf("%w: queue %s: spool_dir is required", ErrInvalid, q.Name)
		}
		if q.MaxAttempts < 0 {
			return fmt.Errorf("%w: queue %s: max_attempts must not be negative", ErrInvalid, q.Name)
		}
		if q.RetryInterval < 0 || q.MaxRetryInterval < 0 || q.ChooserInterval < 0 || q.WorkerTimeout < 0 {
			return fmt.Errorf("%w: queue %s: intervals must not be negative", ErrInvalid, q.Name)
		}
		if q.MaxRetryInterval > 0 && q.MaxRetryInterval < q.RetryInterval {
			return fmt.Errorf("%w: queue %s: max_retry_interval must be >= retry_interval", ErrInvalid, q.Name)
		}
		if len(q.GiveUpProgram) == 0 {
			switch strings.ToLower(q.GiveUp) {
			case GiveUpSuccess, GiveUpAbort, GiveUpRemove, GiveUpHold, GiveUpRetry:
			default:
				return fmt.Errorf("%w: queue %s: unknown give_up %q", ErrInvalid, q.Name, q.GiveUp)
			}
		}
	}

	for _, q := range c.Queues {
		for _, s := range q.Subservers {
			if s == q.Name {
				return fmt.Errorf("%w: queue %s lists itself as a subserver", ErrInvalid, q.Name)
			}
			if !names[s] {
				return fmt.Errorf("%w: queue %s: unknown subserver %q", ErrInvalid, q.Name, s)
			}
		}
	}
	return nil
}

// Queue returns the configuration of the named queue.
func (c *Config) Queue(name string) (*Queue, error) {
	for i := range c.Queues {
		if c.Queues[i].Name == name {
			return &c.Queues[i], nil
		}
	}
	return nil, fmt.Errorf("%w: no such queue %q", ErrInvalid, name)
}

// ControlPath returns the path of the queue's spool control file.
func (q *Queue) ControlPath() string {
	return filepath.Join(q.SpoolDir, "control."+q.Name)
}

// LockPath returns the path of the queue's scheduler lock file.
func (q *Queue) LockPath() string {
	return filepath.Join(q.SpoolDir, "lock."+q.Name)
}
