package chooser

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xinlaoda/spoold/internal/config"
	"github.com/xinlaoda/spoold/internal/job"
)

func cands() []Candidate {
	return []Candidate{
		{Index: 1, Name: "lp1", SpoolDir: "/s/lp1", DoneTime: time.Unix(300, 0)},
		{Index: 2, Name: "lp2", SpoolDir: "/s/lp2", DoneTime: time.Unix(100, 0)},
		{Index: 3, Name: "lp3", SpoolDir: "/s/lp3", DoneTime: time.Unix(200, 0), Class: "B"},
	}
}

func classJob(class string) *job.Job {
	j := job.New()
	j.SetClass(class)
	j.Path = "/s/lp/hfA000001"
	return j
}

func TestDefaultPicksFirstEligible(t *testing.T) {
	c, err := New(&config.Queue{Name: "lp"}, nil)
	require.NoError(t, err)
	got, err := c.Choose(context.Background(), cands(), classJob("A"))
	require.NoError(t, err)
	assert.Equal(t, Choice{Index: 1}, got)
}

func TestClassRestrictionExcludesCandidate(t *testing.T) {
	c, err := New(&config.Queue{Name: "lp"}, nil)
	require.NoError(t, err)
	got, err := c.Choose(context.Background(), cands()[2:], classJob("A"))
	require.NoError(t, err)
	assert.True(t, got.NotYet)

	got, err = c.Choose(context.Background(), cands()[2:], classJob("B"))
	require.NoError(t, err)
	assert.Equal(t, 3, got.Index)
}

func TestLeastRecent(t *testing.T) {
	c, err := New(&config.Queue{Name: "lp", Chooser: "least_recent"}, nil)
	require.NoError(t, err)
	got, err := c.Choose(context.Background(), cands(), classJob("B"))
	require.NoError(t, err)
	assert.Equal(t, 2, got.Index)
}

func TestRoundRobin(t *testing.T) {
	c, err := New(&config.Queue{Name: "lp", Chooser: "round_robin"}, nil)
	require.NoError(t, err)
	var picks []int
	for i := 0; i < 4; i++ {
		got, err := c.Choose(context.Background(), cands()[:2], classJob("A"))
		require.NoError(t, err)
		picks = append(picks, got.Index)
	}
	assert.Equal(t, []int{1, 2, 1, 2}, picks)
}

func TestUnknownChooser(t *testing.T) {
	_, err := New(&config.Queue{Name: "lp", Chooser: "magic"}, nil)
	assert.Error(t, err)
}

func TestRegisteredFuncMayDecline(t *testing.T) {
	Register("never", func() Func {
		return func([]Candidate, *job.Job) (int, bool) { return 0, false }
	})
	c, err := New(&config.Queue{Name: "lp", Chooser: "never"}, nil)
	require.NoError(t, err)
	got, err := c.Choose(context.Background(), cands(), classJob("A"))
	require.NoError(t, err)
	assert.True(t, got.NotYet)
}

func TestProgram(t *testing.T) {
	tests := []struct {
		name   string
		script string
		want   Choice
	}{
		{"picks by name", `read a; read b; echo "$b"`, Choice{Index: 2}},
		{"uses environment", `echo "$CHOOSER_1_NAME"`, Choice{Index: 2}},
		{"routes elsewhere", `echo lp9@remote`, Choice{Route: "lp9@remote"}},
		{"declines with exit", `exit 1`, Choice{NotYet: true}},
		{"declines with empty answer", `true`, Choice{NotYet: true}},
		{"spool env", `test "$CHOOSER_0_SPOOL" = /s/lp1 && test "$CHOOSER_1_DONE_TIME" = 100 && echo lp1`, Choice{Index: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New(&config.Queue{Name: "lp", Chooser: "least_recent", ChooserProgram: []string{"/bin/sh", "-c", tt.script}}, nil)
			require.NoError(t, err)
			got, err := c.Choose(context.Background(), cands()[:2], classJob("A"))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
