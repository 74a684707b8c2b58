// Package history keeps a durable log of finished jobs in SQLite.
package history

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/xinlaoda/spoold/internal/job"
	"github.com/xinlaoda/spoold/internal/jobstate"
)

// Entry is one finished job, or one finished destination of a routed job.
type Entry struct {
	ID         uint   `gorm:"primaryKey"`
	Identifier string `gorm:"index;size:64"`
	Queue      string `gorm:"index;size:64"`
	HoldName   string `gorm:"size:16"`
	Logname    string `gorm:"size:64"`
	FromHost   string `gorm:"size:255"`
	Class      string `gorm:"size:32"`
	Status     string `gorm:"size:16"`
	Failed     bool
	Removed    bool
	Attempts   int
	Copies     int
	CopyDone   int
	Error      string    `gorm:"size:1024"`
	FinishedAt time.Time `gorm:"index"`
}

// TableName sets the table name.
func (Entry) TableName() string { return "job_history" }

// Store records finished jobs.
type Store struct {
	db *gorm.DB
}

// Open opens (creating if needed) the SQLite database at path and migrates it.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open history %s: %w", path, err)
	}
	s := New(db)
	if err := s.Migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// New wraps an open database.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the history table.
func (s *Store) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&Entry{})
}

// Close closes the database.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Record stores the outcome of a job that finished. Outcomes that leave
// the job pending are ignored.
func (s *Store) Record(ctx context.Context, queue string, j *job.Job, out jobstate.Outcome) error {
	if s == nil || !out.Finished {
		return nil
	}
	finished := j.DoneTime()
	if finished.IsZero() {
		finished = j.RemoveTime()
	}
	if finished.IsZero() {
		finished = time.Now()
	}
	e := &Entry{
		Identifier: j.Identifier(),
		Queue:      queue,
		HoldName:   j.Name(),
		Logname:    j.Logname(),
		FromHost:   j.FromHost(),
		Class:      j.Class(),
		Status:     out.Status.String(),
		Failed:     out.Failed,
		Removed:    out.Removed,
		Attempts:   j.Attempt(),
		Copies:     j.Copies(),
		CopyDone:   j.CopyDone(),
		Error:      j.ErrorText(),
		FinishedAt: finished,
	}
	return s.db.WithContext(ctx).Create(e).Error
}

// Recent returns up to limit entries of queue, newest first.
func (s *Store) Recent(ctx context.Context, queue string, limit int) ([]Entry, error) {
	var out []Entry
	q := s.db.WithContext(ctx).Order("finished_at DESC, id DESC")
	if queue != "" {
		q = q.Where("queue = ?", queue)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}

// ByIdentifier returns every entry recorded for a job identifier.
func (s *Store) ByIdentifier(ctx context.Context, id string) ([]Entry, error) {
	var out []Entry
	err := s.db.WithContext(ctx).Where("identifier = ?", id).Order("id ASC").Find(&out).Error
	return out, err
}

// Counts returns finished and failed totals for queue.
func (s *Store) Counts(ctx context.Context, queue string) (finished, failed int64, err error) {
	base := s.db.WithContext(ctx).Model(&Entry{}).Where("queue = ?", queue)
	if err = base.Count(&finished).Error; err != nil {
		return 0, 0, err
	}
	err = s.db.WithContext(ctx).Model(&Entry{}).Where("queue = ? AND failed = ?", queue, true).Count(&failed).Error
	return finished, failed, err
}
