package intake

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"crashmover/clock"
	"crashmover/crashstore"
	"crashmover/jobs"
	"crashmover/storage"
)

var testNow = time.Date(2024, 3, 1, 14, 7, 0, 0, time.UTC)

type fixture struct {
	db      *gorm.DB
	backend *storage.FSBackend
	pool    *storage.Pool
	gate    *Gate
}

func newFixture(t *testing.T, th *storage.Throttler, clk clock.Clock) *fixture {
	t.Helper()
	ctx := context.Background()
	db, err := jobs.OpenAndMigrate(ctx, jobs.DBConfig{DSN: filepath.Join(t.TempDir(), "jobs.db")}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = jobs.CloseDB(db) })

	raw, err := crashstore.New(crashstore.Config{Root: t.TempDir(), Clock: clk})
	require.NoError(t, err)
	backend, err := storage.NewFSBackend(raw, "")
	require.NoError(t, err)
	pool, err := storage.NewPool(storage.PoolConfig{Primary: storage.Static(backend)})
	require.NoError(t, err)

	gate, err := NewGate(GateConfig{Pool: pool, DB: db, Throttler: th, Clock: clk})
	require.NoError(t, err)
	return &fixture{db: db, backend: backend, pool: pool, gate: gate}
}

func fixedThrottler(t *testing.T, pct float64, reject bool) *storage.Throttler {
	t.Helper()
	rules := []storage.ThrottleRule{{Key: "ProductName", Percentage: pct, Reject: reject}}
	th, err := storage.NewThrottler(storage.ThrottleConfig{Rules: rules, DefaultPercentage: 100, Rand: func() float64 { return 50 }})
	require.NoError(t, err)
	return th
}

func TestSubmitAcceptStoresAndQueues(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, clock.NewFake(testNow))

	crashTime := testNow.Add(-time.Hour).Unix()
	res, err := f.gate.Submit(ctx, Submission{
		Metadata: map[string]any{"CrashTime": float64(crashTime), "ProductName": "Firefox"},
		Dump:     []byte("MDMP"),
	})
	require.NoError(t, err)
	assert.Equal(t, storage.Accept, res.Decision)
	assert.True(t, res.Queued)
	day, ok := crashstore.DateFromID(res.CrashID)
	require.True(t, ok)
	assert.Equal(t, "20240301", day.Format("20060102"))

	raw, err := f.backend.FetchMetadata(ctx, res.CrashID)
	require.NoError(t, err)
	var meta map[string]any
	require.NoError(t, json.Unmarshal(raw, &meta))
	assert.Equal(t, "Firefox", meta["ProductName"])
	assert.Equal(t, res.CrashID, meta[KeyCrashID])
	assert.Equal(t, "accept", meta[KeyThrottleDecision])
	assert.Equal(t, testNow.Format(time.RFC3339Nano), meta[KeySubmittedTimestamp], "stamped by the collector clock")
	assert.Equal(t, float64(crashTime), meta["CrashTime"])

	job, err := jobs.GetByCrashID(ctx, f.db, res.CrashID)
	require.NoError(t, err)
	assert.Nil(t, job.Owner)
	assert.Nil(t, job.StartedAt)

	again, err := f.gate.Submit(ctx, Submission{CrashID: res.CrashID, Metadata: map[string]any{}, Dump: []byte("MDMP")})
	require.NoError(t, err)
	assert.False(t, again.Queued, "duplicate crash id keeps its job")
}

func TestSubmitDeferStoresOnly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixedThrottler(t, 10, false), clock.NewFake(testNow))

	res, err := f.gate.Submit(ctx, Submission{Metadata: map[string]any{"ProductName": "Firefox"}, Dump: []byte("MDMP")})
	require.NoError(t, err)
	assert.Equal(t, storage.Defer, res.Decision)
	assert.False(t, res.Queued)

	ok, err := f.backend.Exists(ctx, res.CrashID)
	require.NoError(t, err)
	assert.True(t, ok, "deferred crashes are stored")
	_, err = jobs.GetByCrashID(ctx, f.db, res.CrashID)
	assert.ErrorIs(t, err, jobs.ErrJobNotFound)
}

func TestSubmitRejectDropsCrash(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixedThrottler(t, 10, true), clock.NewFake(testNow))

	res, err := f.gate.Submit(ctx, Submission{Metadata: map[string]any{"ProductName": "Firefox"}, Dump: []byte("MDMP")})
	require.NoError(t, err)
	assert.Equal(t, storage.Reject, res.Decision)
	ok, err := f.backend.Exists(ctx, res.CrashID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSubmitPriorityBypassesThrottle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixedThrottler(t, 0, true), clock.NewFake(testNow))

	res, err := f.gate.Submit(ctx, Submission{Metadata: map[string]any{"ProductName": "Firefox"}, Dump: []byte("MDMP"), Priority: true})
	require.NoError(t, err)
	assert.Equal(t, storage.Accept, res.Decision)
	job, err := jobs.GetByCrashID(ctx, f.db, res.CrashID)
	require.NoError(t, err)
	assert.True(t, job.Priority)
}

func TestSubmitValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, clock.NewFake(testNow))
	_, err := f.gate.Submit(ctx, Submission{Metadata: map[string]any{}})
	assert.ErrorIs(t, err, ErrEmptyDump)
	_, err = f.gate.Submit(ctx, Submission{CrashID: "../../etc/passwd", Dump: []byte("x")})
	assert.ErrorIs(t, err, ErrInvalidID)
}

func TestArrivalTime(t *testing.T) {
	def := testNow
	assert.Equal(t, def, ArrivalTime(map[string]any{}, def))
	assert.Equal(t, def, ArrivalTime(map[string]any{"CrashTime": "1700000000"}, def), "client clock ignored")
	assert.True(t, ArrivalTime(map[string]any{
		"submitted_timestamp": "2024-02-01T10:00:00Z",
		"CrashTime":           float64(1700000000),
	}, def).Equal(time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC)))
	assert.Equal(t, def, ArrivalTime(map[string]any{"submitted_timestamp": "soon"}, def))
}

func TestSubmitIgnoresClientCrashTime(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, clock.NewFake(testNow))

	// a client clock a year and a half behind
	skewed := time.Date(2022, 9, 1, 0, 0, 0, 0, time.UTC).Unix()
	res, err := f.gate.Submit(ctx, Submission{
		Metadata: map[string]any{"CrashTime": float64(skewed)},
		Dump:     []byte("MDMP"),
	})
	require.NoError(t, err)
	day, ok := crashstore.DateFromID(res.CrashID)
	require.True(t, ok)
	assert.Equal(t, "20240301", day.Format("20060102"))

	var buckets []time.Time
	require.NoError(t, f.backend.Store().Walk(ctx, func(id string, bucket time.Time) error {
		assert.Equal(t, res.CrashID, id)
		buckets = append(buckets, bucket)
		return nil
	}))
	require.Len(t, buckets, 1)
	assert.Equal(t, "20240301", buckets[0].Format("20060102"))
}

func writePair(t *testing.T, dir, id, meta string, dump []byte) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, id+".json"), []byte(meta), 0o644))
	if dump != nil {
		require.NoError(t, os.WriteFile(filepath.Join(dir, id+".dump"), dump, 0o644))
	}
}

func TestSpoolIngestsInboxPairs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, clock.System())
	inbox := filepath.Join(t.TempDir(), "inbox", "host1")
	errDir := filepath.Join(t.TempDir(), "error")
	require.NoError(t, os.MkdirAll(inbox, 0o755))

	good := crashstore.NewCrashID(time.Now())
	broken := crashstore.NewCrashID(time.Now())
	waiting := crashstore.NewCrashID(time.Now())
	writePair(t, inbox, good, `{"ProductName":"Firefox"}`, []byte("MDMP"))
	writePair(t, inbox, broken, `{not json`, []byte("MDMP"))
	writePair(t, inbox, waiting, `{}`, nil)

	sp, err := NewSpool(SpoolConfig{
		Gate:   f.gate,
		DB:     f.db,
		Inputs: []InputSpec{{Glob: filepath.Join(filepath.Dir(inbox), "**", "*.json"), ErrorDir: errDir}},
	})
	require.NoError(t, err)
	stats, err := sp.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Submitted)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.Skipped)

	ok, err := f.backend.Exists(ctx, good)
	require.NoError(t, err)
	assert.True(t, ok)
	_, err = jobs.GetByCrashID(ctx, f.db, good)
	require.NoError(t, err)

	assert.NoFileExists(t, filepath.Join(inbox, good+".json"))
	assert.NoFileExists(t, filepath.Join(inbox, good+".dump"))
	assert.FileExists(t, filepath.Join(errDir, broken+".json"))
	assert.FileExists(t, filepath.Join(errDir, broken+".dump"))
	assert.FileExists(t, filepath.Join(inbox, waiting+".json"), "metadata waits for its dump")

	var rec jobs.IntakeRecord
	require.NoError(t, f.db.Where("crash_id = ?", good).First(&rec).Error)
	assert.Equal(t, "accept", rec.Decision)
	assert.True(t, rec.Deleted)
}

func TestSpoolSkipsAlreadyIngested(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, clock.System())
	inbox := t.TempDir()
	id := crashstore.NewCrashID(time.Now())
	writePair(t, inbox, id, `{"ProductName":"Firefox"}`, []byte("MDMP"))

	sp, err := NewSpool(SpoolConfig{Gate: f.gate, DB: f.db, Inputs: []InputSpec{{Glob: filepath.Join(inbox, "*.json")}}})
	require.NoError(t, err)
	_, err = sp.RunOnce(ctx)
	require.NoError(t, err)

	// the collector drops the same pair again, as if the delete had failed
	writePair(t, inbox, id, `{"ProductName":"Firefox"}`, []byte("MDMP"))
	stats, err := sp.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Submitted)
	assert.Equal(t, 1, stats.Skipped)
	assert.NoFileExists(t, filepath.Join(inbox, id+".json"))
}

func TestSpoolDrainsCollectorStore(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, clock.System())
	spoolStore, err := crashstore.New(crashstore.Config{Root: t.TempDir()})
	require.NoError(t, err)

	var ids []string
	for i := 0; i < 3; i++ {
		id := crashstore.NewCrashID(time.Now())
		require.NoError(t, spoolStore.PutRaw(id, []byte(`{"ProductName":"Firefox"}`), []byte("MDMP"), time.Now().Add(time.Duration(i)*time.Minute)))
		ids = append(ids, id)
	}

	sp, err := NewSpool(SpoolConfig{Gate: f.gate, DB: f.db, Store: spoolStore})
	require.NoError(t, err)
	stats, err := sp.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Submitted)

	for _, id := range ids {
		ok, err := f.backend.Exists(ctx, id)
		require.NoError(t, err)
		assert.True(t, ok)
		_, _, err = spoolStore.Locate(id)
		assert.ErrorIs(t, err, crashstore.ErrNotFound)
	}
}

func TestSpoolStoreRetriesAfterDatabaseFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, clock.System())
	spoolStore, err := crashstore.New(crashstore.Config{Root: t.TempDir()})
	require.NoError(t, err)
	errorDir := filepath.Join(t.TempDir(), "error")

	id := crashstore.NewCrashID(time.Now())
	require.NoError(t, spoolStore.PutRaw(id, []byte(`{"ProductName":"Firefox"}`), []byte("MDMP"), time.Now()))

	sp, err := NewSpool(SpoolConfig{Gate: f.gate, DB: f.db, Store: spoolStore, StoreErrorDir: errorDir})
	require.NoError(t, err)

	require.NoError(t, f.db.Exec("ALTER TABLE jobs RENAME TO jobs_offline").Error)
	stats, err := sp.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)
	require.NoError(t, f.db.Exec("ALTER TABLE jobs_offline RENAME TO jobs").Error)

	_, err = os.Stat(errorDir)
	assert.True(t, os.IsNotExist(err), "nothing quarantined")

	stats, err = sp.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Seen)
	assert.Equal(t, 1, stats.Submitted)

	job, err := jobs.GetByCrashID(ctx, f.db, id)
	require.NoError(t, err)
	assert.Equal(t, id, job.CrashID)
	_, _, err = spoolStore.Locate(id)
	assert.ErrorIs(t, err, crashstore.ErrNotFound)
}

func TestSpoolStoreQuarantinesBadEntries(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, clock.System())
	spoolStore, err := crashstore.New(crashstore.Config{Root: t.TempDir()})
	require.NoError(t, err)
	errorDir := filepath.Join(t.TempDir(), "error")

	id := crashstore.NewCrashID(time.Now())
	require.NoError(t, spoolStore.PutRaw(id, []byte(`{"ProductName":"Firefox"}`), nil, time.Now()))

	sp, err := NewSpool(SpoolConfig{Gate: f.gate, DB: f.db, Store: spoolStore, StoreErrorDir: errorDir})
	require.NoError(t, err)
	stats, err := sp.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)
	assert.FileExists(t, filepath.Join(errorDir, id+".dump"))

	stats, err = sp.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Seen, "an empty dump is not retried")
}

func TestInboxMatches(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"a.json", "a.dump", "host1/b.json", "host1/deep/c.json", "host2/notes.txt"} {
		p := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte("{}"), 0o644))
	}

	got, err := inboxMatches(filepath.Join(root, "**", "*.json"))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		filepath.Join(root, "a.json"),
		filepath.Join(root, "host1", "b.json"),
		filepath.Join(root, "host1", "deep", "c.json"),
	}, got)

	got, err = inboxMatches(filepath.Join(root, "*.json"))
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(root, "a.json")}, got)

	got, err = inboxMatches(filepath.Join(root, "missing", "**", "*.json"))
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = inboxMatches(filepath.Join(root, "**", "[.json"))
	assert.Error(t, err)
}

func TestQuarantineKeepsPairsTogether(t *testing.T) {
	src := t.TempDir()
	dst := filepath.Join(t.TempDir(), "error")
	write := func() (string, string) {
		m, d := filepath.Join(src, "a.json"), filepath.Join(src, "a.dump")
		require.NoError(t, os.WriteFile(m, []byte("{}"), 0o600))
		require.NoError(t, os.WriteFile(d, []byte("MDMP"), 0o600))
		return m, d
	}

	m, d := write()
	moved, err := Quarantine(dst, m, d, "")
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dst, "a.json"), filepath.Join(dst, "a.dump")}, moved)
	assert.NoFileExists(t, m)

	// only the dump name is taken now; both files still get the same suffix
	require.NoError(t, os.Remove(filepath.Join(dst, "a.json")))
	m, d = write()
	moved, err = Quarantine(dst, m, d)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dst, "a-1.json"), filepath.Join(dst, "a-1.dump")}, moved)

	moved, err = Quarantine(dst, filepath.Join(src, "gone.json"))
	require.NoError(t, err)
	assert.Empty(t, moved)

	_, err = Quarantine(" ", m)
	assert.Error(t, err)
}
