package main

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crashmover/crashstore"
	"crashmover/scheduler"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warning"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel("chatty"))
}

func TestNewLoggerFormat(t *testing.T) {
	var buf bytes.Buffer
	newLogger("info", "text", &buf).Info("hello", "crash_id", "abc")
	assert.Contains(t, buf.String(), "crash_id=abc")

	buf.Reset()
	newLogger("info", "json", &buf).Debug("hidden")
	assert.Empty(t, buf.String())
	newLogger("info", "json", &buf).Info("shown")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
}

// writeConfig returns a config file using a sqlite database and a crash
// store under a fresh temp dir.
func writeConfig(t *testing.T) (path, dir string) {
	t.Helper()
	dir = t.TempDir()
	doc := fmt.Sprintf(`
database:
  driver: sqlite
  dsn: %q
store:
  root: %q
  retention: 24h
log:
  level: error
`, filepath.Join(dir, "jobs.db"), filepath.Join(dir, "crashes"))
	path = filepath.Join(dir, "crashmover.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	return path, dir
}

// resetFlags undoes flag values left behind by an earlier Execute.
func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() { rootCmd.SetArgs(nil) })
	err := rootCmd.Execute()
	return out.String(), err
}

func TestSubmitThenPrioritize(t *testing.T) {
	path, dir := writeConfig(t)
	meta := filepath.Join(dir, "meta.json")
	dump := filepath.Join(dir, "crash.dump")
	require.NoError(t, os.WriteFile(meta, []byte(`{"ProductName":"Firefox","Version":"120.0"}`), 0o600))
	require.NoError(t, os.WriteFile(dump, []byte("MDMP"), 0o600))

	id := crashstore.NewCrashID(time.Now().UTC())
	out, err := execute(t, "--config", path, "migrate")
	require.NoError(t, err, out)

	out, err = execute(t, "--config", path, "submit", "--metadata", meta, "--dump", dump, "--id", id)
	require.NoError(t, err, out)
	assert.Equal(t, id+" accept queued=true\n", out)

	out, err = execute(t, "--config", path, "prioritize", id)
	require.NoError(t, err)
	assert.Equal(t, id+" prioritized\n", out)

	_, err = execute(t, "--config", path, "prioritize", crashstore.NewCrashID(time.Now().UTC()))
	assert.ErrorIs(t, err, scheduler.ErrJobNotFound)
}

func TestConfigOverrides(t *testing.T) {
	path, dir := writeConfig(t)
	other := filepath.Join(dir, "other.db")
	_, err := execute(t, "--config", path, "--db", other, "--log-format", "text", "migrate")
	require.NoError(t, err)
	assert.Equal(t, other, cfg.Database.DSN)
	assert.Equal(t, "text", cfg.Log.Format)
	_, err = os.Stat(other)
	assert.NoError(t, err)

	_, err = execute(t, "--config", path, "--log-format", "xml", "migrate")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "log.format"), err.Error())
}

func TestSweepRequiresRetention(t *testing.T) {
	path, _ := writeConfig(t)
	_, err := execute(t, "--config", path, "sweep", "--older-than", "0s")
	assert.ErrorContains(t, err, "no retention age")

	_, err = execute(t, "--config", path, "sweep", "--older-than", "1h")
	assert.NoError(t, err)
}

func TestReconcileNeedsFallback(t *testing.T) {
	path, _ := writeConfig(t)
	_, err := execute(t, "--config", path, "reconcile")
	assert.ErrorContains(t, err, "no fallback store")
}
