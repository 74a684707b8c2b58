// Package spoollog provides dated log files and the zap loggers the spool
// daemons write through. Log files are named YYYYMMDD and stored in the
// configured directory; the file rotates when the local date changes.
package spoollog

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// DatedLog writes to YYYYMMDD-named files in a directory, rotating daily.
type DatedLog struct {
	dir     string
	now     func() time.Time
	mu      sync.Mutex
	curDate string
	file    *os.File
}

// New creates a DatedLog that writes into dir. The directory is created if
// it does not exist.
func New(dir string) (*DatedLog, error) {
	return newDatedLog(dir, time.Now)
}

func newDatedLog(dir string, now func() time.Time) (*DatedLog, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("spoollog: mkdir %s: %w", dir, err)
	}
	dl := &DatedLog{dir: dir, now: now}
	dl.mu.Lock()
	defer dl.mu.Unlock()
	if err := dl.rotateLocked(now().Format("20060102")); err != nil {
		return nil, err
	}
	return dl, nil
}

// Write implements io.Writer. The date is checked on every write.
func (dl *DatedLog) Write(p []byte) (int, error) {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	today := dl.now().Format("20060102")
	if today != dl.curDate {
		if err := dl.rotateLocked(today); err != nil {
			return 0, err
		}
	}
	return dl.file.Write(p)
}

// Sync flushes the current file; it lets DatedLog act as a zapcore.WriteSyncer.
func (dl *DatedLog) Sync() error {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	if dl.file == nil {
		return nil
	}
	return dl.file.Sync()
}

// Close closes the current log file.
func (dl *DatedLog) Close() error {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	if dl.file == nil {
		return nil
	}
	err := dl.file.Close()
	dl.file = nil
	return err
}

// Path returns the file currently written to.
func (dl *DatedLog) Path() string {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	return filepath.Join(dl.dir, dl.curDate)
}

func (dl *DatedLog) rotateLocked(date string) error {
	if dl.file != nil {
		dl.file.Close()
	}
	path := filepath.Join(dl.dir, date)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("spoollog: open %s: %w", path, err)
	}
	dl.file = f
	dl.curDate = date
	return nil
}

// Logger bundles a zap logger with its dated file and a level that can be
// raised or lowered while the process runs.
type Logger struct {
	*zap.Logger
	Level zap.AtomicLevel
	file  *DatedLog
}

// Setup builds a logger writing to YYYYMMDD files in logDir. In debug mode
// output is also copied to stderr and the level starts at Debug. An empty
// logDir logs to stderr only.
func Setup(logDir, name string, debug bool) (*Logger, error) {
	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	if debug {
		level.SetLevel(zap.DebugLevel)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "time"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	enc := zapcore.NewConsoleEncoder(encCfg)

	var (
		dl    *DatedLog
		sinks []zapcore.WriteSyncer
	)
	if logDir != "" {
		var err error
		dl, err = New(logDir)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, dl)
	}
	if debug || dl == nil {
		sinks = append(sinks, zapcore.Lock(os.Stderr))
	}

	core := zapcore.NewCore(enc, zapcore.NewMultiWriteSyncer(sinks...), level)
	lg := zap.New(core).Named(name).With(zap.Int("pid", os.Getpid()))
	return &Logger{Logger: lg, Level: level, file: dl}, nil
}

// Close flushes buffered entries and closes the dated file.
func (l *Logger) Close() error {
	_ = l.Logger.Sync()
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// OrNop returns lg, or a no-op logger when lg is nil.
func OrNop(lg *zap.Logger) *zap.Logger {
	if lg == nil {
		return zap.NewNop()
	}
	return lg
}
