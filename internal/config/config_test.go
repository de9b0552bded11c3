package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
logging:
  level: debug
  console: true
scheduler:
  timezone: UTC
  misfire_threshold: 30s
executor:
  workers: 2
  retry_max: 1
storage:
  driver: file
  path: ./data/jobs
jobs:
  - name: heartbeat
    group: ops
    kind: log
    data: {message: alive}
    triggers:
      - schedule: "@every 1m"
      - name: nightly
        schedule: "0 3 * * *"
  - name: cleanup
    kind: exec
    durable: true
`

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadYAML(t *testing.T) {
	m := NewConfigManager(writeConfig(t, "jobsched.yaml", sampleYAML))
	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Same(t, cfg, m.Get())

	assert.Equal(t, "debug", cfg.Logging.Level)
	require.NotNil(t, cfg.Executor)
	assert.Equal(t, 2, cfg.Executor.Workers)
	require.Len(t, cfg.Jobs, 2)
	assert.Equal(t, "alive", cfg.Jobs[0].Data["message"])

	assert.Equal(t, "ops.heartbeat", JobKey(cfg.Jobs[0]).String())
	assert.Equal(t, "ops.heartbeat#0", TriggerKey(cfg.Jobs[0], 0).String())
	assert.Equal(t, "ops.nightly", TriggerKey(cfg.Jobs[0], 1).String())
}

func TestDecodeJSONStrict(t *testing.T) {
	_, err := Decode("c.json", []byte(`{"logging":{"level":"info"},"bogus":1}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bogus")

	_, err = Decode("c.json", []byte(`{"logging":{"level":"info"}} {}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "trailing data")

	cfg, err := Decode("c.json", []byte(`{"scheduler":{"name":"x"}}`))
	require.NoError(t, err)
	assert.Equal(t, "x", cfg.Scheduler.Name)
}

func TestDecodeYAMLUnknownField(t *testing.T) {
	_, err := Decode("c.yml", []byte("scheduler:\n  nmae: typo\n"))
	require.Error(t, err)
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := &Config{
		Logging:   LoggingConfig{Level: "loud"},
		Scheduler: SchedulerConfig{Timezone: "Mars/Base", MisfireThreshold: "soon"},
		Executor:  &ExecutorConfig{Workers: -1, RetryJitter: 2},
		Storage:   &StorageConfig{Driver: "postgres"},
		Jobs: []JobConfig{
			{Name: "a", Kind: "log"},
			{Name: "b", Kind: "", Triggers: []TriggerConfig{{Schedule: "not a schedule at all"}}},
			{Name: "b", Kind: "log", Durable: true},
		},
	}
	err := Validate(cfg)
	require.Error(t, err)
	msg := err.Error()
	for _, want := range []string{
		"logging.level", "scheduler.timezone", "scheduler.misfire_threshold",
		"executor.workers", "executor.retry_jitter", "storage.driver",
		"jobs.DEFAULT.a: a job without triggers must be durable",
		"jobs.DEFAULT.b.kind is required",
		"duplicate job",
		"jobs.DEFAULT.b.triggers.b#0.schedule",
	} {
		assert.Contains(t, msg, want)
	}
}

func TestValidateAcceptsSample(t *testing.T) {
	cfg, err := Decode("c.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	require.NoError(t, Validate(cfg))

	bad := *cfg
	bad.Jobs = append([]JobConfig(nil), cfg.Jobs...)
	bad.Jobs[0].Triggers = []TriggerConfig{{Schedule: "0 3 * *"}}
	assert.Error(t, Validate(&bad))
}

func TestDurationAndTimeFields(t *testing.T) {
	d, err := ParseDurationOrDefault("x", "", 3*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, d)

	_, err = ParseDurationField("x", "-1s")
	assert.Error(t, err)

	tm, err := ParseTimeField("x", "2030-01-02T03:04:05Z")
	require.NoError(t, err)
	assert.Equal(t, 2030, tm.Year())

	_, err = ParseTimeField("x", "tomorrow")
	assert.Error(t, err)
}

func TestSummarizeConfigChange(t *testing.T) {
	oldCfg, err := Decode("c.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	newCfg, err := Decode("c.yaml", []byte(sampleYAML))
	require.NoError(t, err)

	changed, _, jobs := SummarizeConfigChange(oldCfg, newCfg)
	assert.Empty(t, changed)
	assert.Empty(t, jobs)
	assert.False(t, RestartRequired(oldCfg, newCfg))

	newCfg.Debug.Token = "secret"
	newCfg.Jobs[0].Data = map[string]any{"message": "still alive"}
	newCfg.Jobs = newCfg.Jobs[:1]
	newCfg.Scheduler.WaitForJobsOnShutdown = true

	changed, attrs, jobs := SummarizeConfigChange(oldCfg, newCfg)
	assert.Equal(t, []string{"debug", "jobs", "scheduler"}, changed)
	assert.Equal(t, []string{"DEFAULT.cleanup", "ops.heartbeat"}, jobs)
	assert.NotEmpty(t, attrs)
	assert.False(t, RestartRequired(oldCfg, newCfg))

	newCfg.Executor = &ExecutorConfig{Workers: 8}
	assert.True(t, RestartRequired(oldCfg, newCfg))
}

func TestSubscribeDropsOldest(t *testing.T) {
	m := NewConfigManager("unused.json")
	ch := m.Subscribe(1)
	a, b := &Config{}, &Config{}
	m.publish(a)
	m.publish(b)
	assert.Same(t, b, <-ch)

	m.Unsubscribe(ch)
	_, ok := <-ch
	assert.False(t, ok)
	m.publish(a)
}

func TestReloadSkipsUnchangedAndInvalid(t *testing.T) {
	path := writeConfig(t, "jobsched.json", `{"logging":{"level":"info"}}`)
	m := NewConfigManager(path)
	_, err := m.Load()
	require.NoError(t, err)

	ctx := context.Background()
	published, err := m.Reload(ctx)
	require.NoError(t, err)
	assert.False(t, published)

	require.NoError(t, os.WriteFile(path, []byte(`{"logging":{"level":"nope"}}`), 0o600))
	_, err = m.Reload(ctx)
	require.Error(t, err)
	assert.Equal(t, "info", m.Get().Logging.Level)

	m.SetValidator(func(context.Context, *Config) error { return assert.AnError })
	require.NoError(t, os.WriteFile(path, []byte(`{"logging":{"level":"warn"}}`), 0o600))
	_, err = m.Reload(ctx)
	require.ErrorIs(t, err, assert.AnError)

	m.SetValidator(nil)
	ch := m.Subscribe(1)
	published, err = m.Reload(ctx)
	require.NoError(t, err)
	assert.True(t, published)
	assert.Equal(t, "warn", (<-ch).Logging.Level)
}

func TestWatchPublishesChanges(t *testing.T) {
	path := writeConfig(t, "jobsched.json", `{"logging":{"level":"info"}}`)
	m := NewConfigManager(path)
	m.debounce = 20 * time.Millisecond
	_, err := m.Load()
	require.NoError(t, err)
	ch := m.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	level := "debug"
loop:
	for {
		select {
		case cfg := <-ch:
			assert.Equal(t, level, cfg.Logging.Level)
			break loop
		case <-tick.C:
			// Rewrite until the watcher is up and notices.
			require.NoError(t, os.WriteFile(path, []byte(`{"logging":{"level":"`+level+`"}}`), 0o600))
		case <-deadline:
			t.Fatal("no reload published")
		}
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop")
	}
	assert.True(t, strings.HasSuffix(m.Path(), "jobsched.json"))
}
