package exec

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"codecollab/internal/config"
)

func touch(t *testing.T, path string, mod time.Time) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))
	require.NoError(t, os.Chtimes(path, mod, mod))
}

func TestJanitorSweepRemovesOnlyStaleDispatcherFiles(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	touch(t, filepath.Join(dir, "code-old.py"), now.Add(-2*time.Hour))
	touch(t, filepath.Join(dir, "code-old.cpp.exe"), now.Add(-3*time.Hour))
	touch(t, filepath.Join(dir, "code-fresh.js"), now.Add(-time.Minute))
	touch(t, filepath.Join(dir, "notes.txt"), now.Add(-48*time.Hour))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "code-dir"), 0o700))

	j := NewJanitor(dir, "@every 1m", time.Hour, zap.NewNop())
	j.now = func() time.Time { return now }

	n, err := j.Sweep()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var left []string
	for _, e := range entries {
		left = append(left, e.Name())
	}
	assert.ElementsMatch(t, []string{"code-fresh.js", "notes.txt", "code-dir"}, left)
}

func TestJanitorStartRejectsBadSchedule(t *testing.T) {
	j := NewJanitor(t.TempDir(), "every so often", time.Hour, nil)
	assert.Error(t, j.Start())
}

func TestJanitorDisabled(t *testing.T) {
	j := NewJanitor(t.TempDir(), "", time.Hour, nil)
	require.NoError(t, j.Start())
	assert.Empty(t, j.cron.Entries())
	j.Stop()
}

func TestJanitorStartStop(t *testing.T) {
	j := NewJanitor(t.TempDir(), "@every 1h", time.Hour, zap.NewNop())
	require.NoError(t, j.Start())
	assert.Len(t, j.cron.Entries(), 1)
	j.Stop()
}

func TestJanitorLeavesFilesOutsideWorkDir(t *testing.T) {
	shared := t.TempDir()
	owned, err := PrepareWorkDir(config.ExecConfig{WorkDir: filepath.Join(shared, "codecollab")})
	require.NoError(t, err)

	now := time.Now()
	foreign := filepath.Join(shared, "code-review-notes.md")
	touch(t, foreign, now.Add(-2*time.Hour))
	touch(t, filepath.Join(owned, "code-1.py"), now.Add(-2*time.Hour))

	j := NewJanitor(owned, "@every 1m", time.Hour, nil)
	j.now = func() time.Time { return now }
	n, err := j.Sweep()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.FileExists(t, foreign)
}

func TestJanitorSkipsInFlightFiles(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	running := filepath.Join(dir, "code-running.cpp")
	touch(t, running, now.Add(-2*time.Hour))
	touch(t, running+".exe", now.Add(-2*time.Hour))
	touch(t, filepath.Join(dir, "code-orphan.js"), now.Add(-2*time.Hour))

	j := NewJanitor(dir, "@every 1m", time.Hour, nil)
	j.now = func() time.Time { return now }
	j.SetInUse(func(path string) bool { return strings.HasPrefix(filepath.Base(path), "code-running") })

	n, err := j.Sweep()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.FileExists(t, running)
	assert.FileExists(t, running+".exe")
}

func TestWorkDirDefaultsToOwnedDirectory(t *testing.T) {
	dir := WorkDir(config.ExecConfig{})
	assert.Equal(t, filepath.Join(os.TempDir(), "codecollab"), dir)
	assert.NotEqual(t, filepath.Clean(os.TempDir()), dir)

	nested := filepath.Join(t.TempDir(), "a", "b")
	got, err := PrepareWorkDir(config.ExecConfig{WorkDir: nested})
	require.NoError(t, err)
	assert.Equal(t, nested, got)
	assert.DirExists(t, nested)
}
