package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
database:
  driver: mysql
  dsn: "crash:secret@tcp(db:3306)/crashes?parseTime=true"
  max_open_conns: 20
  conn_max_lifetime: 300
store:
  root: /srv/crashes
  dir_mode: "0o750"
  dump_mode: 0640
  retention: 720h
storage:
  primary: gcs
  gcs:
    bucket: crash-bucket
  fallback:
    root: /srv/fallback
  reconcile:
    rate: 5
throttle:
  default_percentage: 10
  rules:
    - key: ProductName
      pattern: ^Firefox$
      percentage: 100
    - key: Hangs
      percentage: 0
      reject: true
intake:
  files:
    /srv/inbox/a/*.json: /srv/errors/a
    /srv/inbox/b/**/*.json:
      error_dir: /srv/errors/b
  interval: 5s
scheduler:
  stale_after: 90s
  backoff: [1, 2s, 1m]
worker:
  command: /usr/bin/minidump_stackwalk
  args: ["-m", "{{.DumpPath}}", "{{.SymbolPathList}}"]
  symbol_paths: [/srv/symbols]
  concurrency: 8
  retry_waits: [10s, 30s]
  shutdown_grace: 2m
stackwalk:
  head_frames: 5
  irrelevant: ["^_purecall$"]
log:
  level: debug
  format: text
metrics:
  listen: ":9108"
`

func TestParseSample(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	assert.Equal(t, "mysql", cfg.Database.Driver)
	assert.Equal(t, 5*time.Minute, cfg.Database.ConnMaxLifetime.D())
	assert.Equal(t, FileMode(0o750), cfg.Store.DirMode)
	assert.Equal(t, FileMode(0o640), cfg.Store.DumpMode)
	assert.Equal(t, 30*24*time.Hour, cfg.Store.Retention.D())
	require.NotNil(t, cfg.Storage.GCS)
	assert.Equal(t, "crash-bucket", cfg.Storage.GCS.Bucket)
	assert.Nil(t, cfg.Storage.Badger)
	assert.Equal(t, []InputFileConfig{
		{Glob: "/srv/inbox/a/*.json", ErrorDir: "/srv/errors/a"},
		{Glob: "/srv/inbox/b/**/*.json", ErrorDir: "/srv/errors/b"},
	}, cfg.Intake.Files.Items)
	assert.Equal(t, []Duration{Duration(time.Second), Duration(2 * time.Second), Duration(time.Minute)}, cfg.Scheduler.Backoff)
	assert.Equal(t, "text", cfg.Log.Format)

	// keys missing from the file keep their defaults
	partial, err := Parse([]byte("store: {root: /tmp/x}\n"))
	require.NoError(t, err)
	assert.Equal(t, Default().Database, partial.Database)
	assert.Equal(t, "filesystem", partial.Storage.Primary)
	assert.Equal(t, "json", partial.Log.Format)
}

func TestFilesListForm(t *testing.T) {
	cfg, err := Parse([]byte(`
store: {root: /tmp/x}
intake:
  files:
    - glob: /in/*.json
      error_dir: /err
    - glob: "  "
`))
	require.NoError(t, err)
	assert.Equal(t, []InputFileConfig{{Glob: "/in/*.json", ErrorDir: "/err"}}, cfg.Intake.Files.Items)
}

func TestValidation(t *testing.T) {
	cases := map[string]struct {
		doc  string
		want string
	}{
		"missing store root": {
			doc:  "database: {dsn: x}\n",
			want: "store.root: failed required",
		},
		"unknown driver": {
			doc:  "store: {root: /x}\ndatabase: {driver: postgres, dsn: x}\n",
			want: "database.driver: failed oneof",
		},
		"gcs without section": {
			doc:  "store: {root: /x}\nstorage: {primary: gcs}\n",
			want: "storage.gcs: failed required_if",
		},
		"gcs without bucket": {
			doc:  "store: {root: /x}\nstorage: {primary: gcs, gcs: {endpoint: http://localhost}}\n",
			want: "storage.gcs.bucket: failed required",
		},
		"badger without path": {
			doc:  "store: {root: /x}\nstorage: {primary: badger, badger: {}}\n",
			want: "storage.badger.path: failed required_without",
		},
		"percentage out of range": {
			doc:  "store: {root: /x}\nthrottle: {rules: [{key: A, percentage: 120}]}\n",
			want: "throttle.rules[0].percentage: failed lte=100",
		},
		"bad metrics address": {
			doc:  "store: {root: /x}\nmetrics: {listen: nope}\n",
			want: "metrics.listen: failed hostname_port",
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(tc.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}

	_, err := Parse([]byte("store: {root: /x}\nstorage: {primary: badger, badger: {in_memory: true}}\n"))
	assert.NoError(t, err)
}

func TestDurationAndModeErrors(t *testing.T) {
	_, err := Parse([]byte("store: {root: /x}\nscheduler: {stale_after: soon}\n"))
	assert.ErrorContains(t, err, `invalid duration "soon"`)
	_, err = Parse([]byte("store: {root: /x, dir_mode: \"0999\"}\n"))
	assert.ErrorContains(t, err, "invalid file mode")
	_, err = Parse([]byte("store: {root: /x}\nworker: {retry_waits: -5s}\n"))
	assert.Error(t, err)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crashmover.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/srv/crashes", cfg.Store.Root)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.True(t, os.IsNotExist(err))
}

func TestConversions(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	db := cfg.DB()
	assert.Equal(t, "mysql", db.Driver)
	assert.Equal(t, 20, db.MaxOpenConns)

	sc := cfg.CrashStore("/srv/fallback", nil, nil)
	assert.Equal(t, "/srv/fallback", sc.Root)
	assert.Equal(t, os.FileMode(0o640), sc.DumpPermissions)
	assert.Equal(t, filepath.Join("/srv/crashes", "processed"), cfg.ProcessedRoot())

	assert.Equal(t, "crash-bucket", cfg.GCS().Bucket)

	th, err := cfg.Throttler()
	require.NoError(t, err)
	require.NotNil(t, th)
	none, err := Default().Throttler()
	require.NoError(t, err)
	assert.Nil(t, none)

	sch := cfg.SchedulerOptions(nil, nil, nil)
	assert.Equal(t, 90*time.Second, sch.StaleAfter)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, time.Minute}, sch.Backoff)

	w := cfg.WorkerOptions(nil, nil, nil, nil)
	assert.Equal(t, "/usr/bin/minidump_stackwalk", w.Command)
	assert.Equal(t, []time.Duration{10 * time.Second, 30 * time.Second}, w.RetryWaits)
	assert.Equal(t, 8, w.Concurrency)
	assert.Equal(t, 5, w.Parse.Limits.Head)
	assert.Equal(t, []string{"^_purecall$"}, w.Signature.Irrelevant)

	sp := cfg.Spool(nil, nil, nil, nil, nil)
	require.Len(t, sp.Inputs, 2)
	assert.Equal(t, "/srv/errors/b", sp.Inputs[1].ErrorDir)

	bdg := Default()
	bdg.Storage.Badger = &BadgerConfig{Path: "/srv/kv", GCInterval: Duration(time.Minute)}
	bc := cfg.Badger(nil)
	assert.True(t, bc.InMemory, "no badger section")
	bc = bdg.Badger(nil)
	assert.Equal(t, "/srv/kv", bc.Path)
	assert.True(t, bc.SyncWrites)
	assert.Equal(t, time.Minute, bc.GCInterval)
}
