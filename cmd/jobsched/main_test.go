package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestNextPrintsFireTimes(t *testing.T) {
	out, err := execute(t, "next", "@every 1h", "-n", "3")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)

	first, err := time.Parse(time.RFC3339, lines[0])
	require.NoError(t, err)
	second, err := time.Parse(time.RFC3339, lines[1])
	require.NoError(t, err)
	assert.Equal(t, time.Hour, second.Sub(first))
}

func TestNextCronInZone(t *testing.T) {
	out, err := execute(t, "next", "30 4 * * *", "-n", "2", "--tz", "UTC")
	require.NoError(t, err)
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		ts, err := time.Parse(time.RFC3339, line)
		require.NoError(t, err)
		assert.Equal(t, 4, ts.UTC().Hour())
		assert.Equal(t, 30, ts.Minute())
	}
}

func TestNextRejectsBadSchedule(t *testing.T) {
	_, err := execute(t, "next", "not a schedule")
	assert.Error(t, err)
	_, err = execute(t, "next", "* * * * *", "--tz", "Mars/Olympus")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	require.NoError(t, os.WriteFile(good, []byte(`
jobs:
  - name: ping
    kind: log
    triggers:
      - schedule: "@every 5m"
`), 0o600))
	out, err := execute(t, "validate", "--config", good)
	require.NoError(t, err)
	assert.Contains(t, out, "ok (1 jobs)")

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte(`
jobs:
  - name: ping
    kind: log
    triggers:
      - schedule: "61 * * * *"
`), 0o600))
	_, err = execute(t, "validate", "-c", bad)
	assert.Error(t, err)
}
