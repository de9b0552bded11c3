package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobsched/internal/task/job"
	logx "jobsched/pkg/logx"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func sampleJob(name string) *job.Detail {
	return &job.Detail{Key: job.NewKey(name, "g"), Kind: "log", Durable: true, Data: job.Data{"msg": name}}
}

func sampleTrigger(name, jobName string) *job.Trigger {
	return &job.Trigger{
		Key:            job.NewKey(name, "g"),
		JobKey:         job.NewKey(jobName, "g"),
		Priority:       5,
		Schedule:       job.Schedule{Kind: job.ScheduleCron, CronExpr: "@hourly"},
		StartTime:      epoch,
		NextFireTime:   epoch.Add(time.Hour),
		TimesTriggered: 2,
	}
}

func writeSample(t *testing.T, p interface {
	OnJobChanged(context.Context, job.Key, *job.Detail) error
	OnTriggerChanged(context.Context, job.Key, *job.Trigger) error
}) {
	t.Helper()
	ctx := context.Background()
	for _, n := range []string{"b", "a", "c"} {
		require.NoError(t, p.OnJobChanged(ctx, job.NewKey(n, "g"), sampleJob(n)))
	}
	for _, n := range []string{"t2", "t1", "t3"} {
		require.NoError(t, p.OnTriggerChanged(ctx, job.NewKey(n, "g"), sampleTrigger(n, "a")))
	}
	// Update keeps position, delete removes.
	upd := sampleTrigger("t2", "b")
	upd.TimesTriggered = 9
	require.NoError(t, p.OnTriggerChanged(ctx, upd.Key, upd))
	require.NoError(t, p.OnTriggerChanged(ctx, job.NewKey("t3", "g"), nil))
	require.NoError(t, p.OnJobChanged(ctx, job.NewKey("c", "g"), nil))
}

func assertSample(t *testing.T, jobs []*job.Detail, triggers []*job.Trigger) {
	t.Helper()
	require.Len(t, jobs, 2)
	assert.Equal(t, "b", jobs[0].Key.Name)
	assert.Equal(t, "a", jobs[1].Key.Name)
	assert.Equal(t, job.Data{"msg": "a"}, jobs[1].Data)

	require.Len(t, triggers, 2)
	assert.Equal(t, "t2", triggers[0].Key.Name)
	assert.Equal(t, job.NewKey("b", "g"), triggers[0].JobKey)
	assert.EqualValues(t, 9, triggers[0].TimesTriggered)
	assert.Equal(t, "t1", triggers[1].Key.Name)
	assert.True(t, epoch.Add(time.Hour).Equal(triggers[1].NextFireTime))
}

func TestFileStoreRoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "state", "jobs.db")

	fs, err := openFile(Config{Path: path}, logx.Nop())
	require.NoError(t, err)
	writeSample(t, fs)
	require.NoError(t, fs.Close())

	reopened, err := openFile(Config{Path: path}, logx.Nop())
	require.NoError(t, err)
	defer reopened.Close()
	jobs, triggers, err := reopened.LoadAll(context.Background())
	require.NoError(t, err)
	assertSample(t, jobs, triggers)
}

func TestFileStoreCompactsJournal(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "jobs.json")

	fs, err := openFile(Config{Path: path, CompactEvery: 3}, logx.Nop())
	require.NoError(t, err)
	writeSample(t, fs)
	require.NoError(t, fs.Close())

	_, err = os.Stat(filepath.Join(dir, "jobs.snapshot.json"))
	require.NoError(t, err)

	reopened, err := openFile(Config{Path: path}, logx.Nop())
	require.NoError(t, err)
	defer reopened.Close()
	jobs, triggers, err := reopened.LoadAll(context.Background())
	require.NoError(t, err)
	assertSample(t, jobs, triggers)
}

func TestFileStoreSkipsCorruptJournalLines(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "jobs")

	fs, err := openFile(Config{Path: path}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, fs.OnJobChanged(context.Background(), job.NewKey("a", "g"), sampleJob("a")))
	require.NoError(t, fs.Close())

	f, err := os.OpenFile(filepath.Join(dir, "jobs.journal.jsonl"), os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n{\"kind\":\"bogus\",\"key\":{\"name\":\"x\"}}\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, err := openFile(Config{Path: path}, logx.Nop())
	require.NoError(t, err)
	defer reopened.Close()
	jobs, _, err := reopened.LoadAll(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "a", jobs[0].Key.Name)
}

func TestFileStoreRejectsWritesAfterClose(t *testing.T) {
	t.Parallel()
	fs, err := openFile(Config{Path: filepath.Join(t.TempDir(), "j")}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, fs.Close())
	require.NoError(t, fs.Close())
	assert.ErrorIs(t, fs.OnJobChanged(context.Background(), job.NewKey("a", ""), sampleJob("a")), ErrClosed)
}

func TestOpenDrivers(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	p, err := Open(Config{}, logx.Nop())
	require.NoError(t, err)
	assert.Nil(t, p)
	p, err = Open(Config{Driver: "none"}, logx.Nop())
	require.NoError(t, err)
	assert.Nil(t, p)

	_, err = Open(Config{Driver: "etcd"}, logx.Nop())
	assert.Error(t, err)
	_, err = Open(Config{Driver: "file"}, logx.Nop())
	assert.Error(t, err)

	p, err = Open(Config{Driver: "file", Path: filepath.Join(dir, "f.json")}, logx.Nop())
	require.NoError(t, err)
	assert.Equal(t, "file", p.Name())
	require.NoError(t, p.Close())

	p, err = Open(Config{Driver: "SQLite", Path: filepath.Join(dir, "s.db"), BusyTimeout: time.Second}, logx.Nop())
	require.NoError(t, err)
	assert.Equal(t, "sqlite", p.Name())
	require.NoError(t, p.Close())

	assert.True(t, ValidDriver("sqlite3"))
	assert.False(t, ValidDriver("redis"))
}
