package jobs

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var testNow = time.Date(2024, 3, 1, 14, 7, 0, 0, time.UTC)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := OpenAndMigrate(context.Background(), DBConfig{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "jobs.db"),
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = CloseDB(db) })
	return db
}

func TestSQLiteDSN(t *testing.T) {
	assert.Equal(t, "/tmp/x.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", sqliteDSN("/tmp/x.db"))
	assert.Equal(t, "file:x.db?cache=shared&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", sqliteDSN("file:x.db?cache=shared"))
	assert.Equal(t, ":memory:", sqliteDSN(":memory:"))
	assert.Equal(t, "x.db?_pragma=foreign_keys(1)", sqliteDSN("x.db?_pragma=foreign_keys(1)"))
}

func TestOpenDBRejectsUnknownDriver(t *testing.T) {
	_, err := OpenDB(DBConfig{Driver: "oracle"})
	assert.Error(t, err)
}

func TestEnqueueIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	created, err := Enqueue(ctx, db, "crash-0001", false, testNow)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = Enqueue(ctx, db, "crash-0001", false, testNow.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, created)

	job, err := GetByCrashID(ctx, db, "crash-0001")
	require.NoError(t, err)
	assert.False(t, job.Priority)
	assert.True(t, job.QueuedAt.Equal(testNow), "queue time of the first insert is kept")

	_, err = Enqueue(ctx, db, "crash-0001", true, testNow)
	require.NoError(t, err)
	job, err = GetByCrashID(ctx, db, "crash-0001")
	require.NoError(t, err)
	assert.True(t, job.Priority)

	var n int64
	require.NoError(t, db.Model(&Job{}).Count(&n).Error)
	assert.EqualValues(t, 1, n)

	_, err = GetByCrashID(ctx, db, "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestJobLifecycle(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	_, err := Enqueue(ctx, db, "crash-0002", false, testNow)
	require.NoError(t, err)
	job, err := GetByCrashID(ctx, db, "crash-0002")
	require.NoError(t, err)
	assert.False(t, job.InFlight())

	ok, err := MarkStarted(ctx, db, job.ID, testNow.Add(time.Second))
	require.NoError(t, err)
	assert.True(t, ok)
	job, err = Get(ctx, db, job.ID)
	require.NoError(t, err)
	assert.True(t, job.InFlight())

	require.NoError(t, Complete(ctx, db, job.ID, true, "", testNow.Add(2*time.Second)))
	job, err = Get(ctx, db, job.ID)
	require.NoError(t, err)
	assert.True(t, job.Done())
	require.NotNil(t, job.Success)
	assert.True(t, *job.Success)

	ok, err = MarkStarted(ctx, db, job.ID, testNow.Add(3*time.Second))
	require.NoError(t, err)
	assert.False(t, ok, "completed jobs are not restarted")
}

func TestSaveReportUpserts(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	thread := 0
	r := &Report{
		CrashID:        "crash-0003",
		Signature:      "foo",
		CrashingThread: &thread,
		Metadata:       map[string]any{"ProductName": "Firefox"},
		Success:        true,
	}
	require.NoError(t, SaveReport(ctx, db, r))
	require.NoError(t, SaveReport(ctx, db, &Report{CrashID: "crash-0003", Signature: "bar", Success: true}))

	got, err := GetReport(ctx, db, "crash-0003")
	require.NoError(t, err)
	assert.Equal(t, "bar", got.Signature)

	var n int64
	require.NoError(t, db.Model(&Report{}).Count(&n).Error)
	assert.EqualValues(t, 1, n)
}

func TestReportMetadataColumn(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	require.NoError(t, SaveReport(ctx, db, &Report{
		CrashID:  "crash-0004",
		Metadata: map[string]any{"ProductName": "Firefox", "Version": "3.6"},
	}))
	got, err := GetReport(ctx, db, "crash-0004")
	require.NoError(t, err)
	assert.Equal(t, "Firefox", got.Metadata["ProductName"])
	assert.Equal(t, "3.6", got.Metadata["Version"])
}

func TestPriorityTables(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	require.NoError(t, CreatePriorityTable(ctx, db, 7))
	require.NoError(t, CreatePriorityTable(ctx, db, 8))
	assert.True(t, db.Migrator().HasTable("priority_jobs_7"))

	for _, id := range []string{"c", "a", "b", "a"} {
		require.NoError(t, AddPriorityMarker(ctx, db, 7, id, testNow))
	}
	var markers []PriorityMarker
	require.NoError(t, db.Table(PriorityTable(7)).Order("seq").Find(&markers).Error)
	var ids []string
	for _, m := range markers {
		ids = append(ids, m.CrashID)
	}
	assert.Equal(t, []string{"c", "a", "b"}, ids)

	require.NoError(t, DropPriorityTable(ctx, db, 7))
	assert.False(t, db.Migrator().HasTable("priority_jobs_7"))
	assert.True(t, db.Migrator().HasTable("priority_jobs_8"))
}
