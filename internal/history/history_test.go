package history

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/xinlaoda/spoold/internal/job"
	"github.com/xinlaoda/spoold/internal/jobstate"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	s := New(db)
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func finishedJob(id string, done time.Time, errText string) *job.Job {
	j := job.New()
	j.SetIdentifier(id)
	j.SetLogname("alice")
	j.Path = "/spool/lp/hfA000001"
	if errText != "" {
		j.SetErrorText(errText)
		j.SetRemoveTime(done)
	} else {
		j.SetDoneTime(done)
	}
	return j
}

func TestRecordAndQuery(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	t0 := time.Unix(1700000000, 0)

	require.NoError(t, s.Record(ctx, "lp", finishedJob("a", t0, ""), jobstate.Outcome{Status: jobstate.Success, Finished: true, Removed: true}))
	require.NoError(t, s.Record(ctx, "lp", finishedJob("b", t0.Add(time.Minute), "jam"), jobstate.Outcome{Status: jobstate.Abort, Finished: true, Failed: true}))
	require.NoError(t, s.Record(ctx, "other", finishedJob("c", t0, ""), jobstate.Outcome{Status: jobstate.Success, Finished: true}))
	require.NoError(t, s.Record(ctx, "lp", finishedJob("d", t0, ""), jobstate.Outcome{Status: jobstate.TransientFail}))

	recent, err := s.Recent(ctx, "lp", 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "b", recent[0].Identifier)
	assert.Equal(t, "abort", recent[0].Status)
	assert.Equal(t, "jam", recent[0].Error)
	assert.True(t, recent[0].Failed)
	assert.Equal(t, "hfA000001", recent[1].HoldName)
	assert.True(t, recent[1].Removed)

	byID, err := s.ByIdentifier(ctx, "c")
	require.NoError(t, err)
	require.Len(t, byID, 1)
	assert.Equal(t, "other", byID[0].Queue)

	finished, failed, err := s.Counts(ctx, "lp")
	require.NoError(t, err)
	assert.Equal(t, int64(2), finished)
	assert.Equal(t, int64(1), failed)
}

func TestNilStoreIgnoresRecords(t *testing.T) {
	var s *Store
	assert.NoError(t, s.Record(context.Background(), "lp", job.New(), jobstate.Outcome{Finished: true}))
}
