package spoollog

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestDatedLogRotates(t *testing.T) {
	dir := t.TempDir()
	day := time.Date(2024, 3, 1, 23, 59, 0, 0, time.Local)
	dl, err := newDatedLog(dir, func() time.Time { return day })
	require.NoError(t, err)
	defer dl.Close()

	_, err = dl.Write([]byte("first\n"))
	require.NoError(t, err)

	day = day.Add(2 * time.Minute)
	_, err = dl.Write([]byte("second\n"))
	require.NoError(t, err)

	b, err := os.ReadFile(filepath.Join(dir, "20240301"))
	require.NoError(t, err)
	assert.Equal(t, "first\n", string(b))
	b, err = os.ReadFile(filepath.Join(dir, "20240302"))
	require.NoError(t, err)
	assert.Equal(t, "second\n", string(b))
	assert.Equal(t, filepath.Join(dir, "20240302"), dl.Path())
}

func TestSetupWritesToDatedFile(t *testing.T) {
	dir := t.TempDir()
	lg, err := Setup(dir, "sched", false)
	require.NoError(t, err)

	lg.Debug("hidden")
	lg.Info("queue started")
	lg.Level.SetLevel(zapcore.DebugLevel)
	lg.Debug("visible")
	require.NoError(t, lg.Close())

	b, err := os.ReadFile(filepath.Join(dir, time.Now().Format("20060102")))
	require.NoError(t, err)
	assert.Contains(t, string(b), "queue started")
	assert.Contains(t, string(b), "visible")
	assert.NotContains(t, string(b), "hidden")
}
