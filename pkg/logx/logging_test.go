package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelsAndFormats(t *testing.T) {
	t.Parallel()

	for _, s := range []string{"", "trace", "Debug", " info ", "WARN", "warning", "error"} {
		assert.True(t, ValidLevel(s), s)
	}
	assert.False(t, ValidLevel("fatal"))

	assert.True(t, ValidFormat(""))
	assert.True(t, ValidFormat("JSON"))
	assert.True(t, ValidFormat("pretty"))
	assert.False(t, ValidFormat("logfmt"))
}

func TestWriterLoggerFields(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "test"))
	log.Trace("hidden")
	log.Debug("hello",
		Int("n", 3),
		Bool("ok", true),
		Duration("took", time.Second),
		Time("next", time.Time{}),
		Err(errors.New("boom")),
		Err(nil),
	)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "hello", rec["message"])
	assert.Equal(t, "test", rec["comp"])
	assert.Equal(t, float64(3), rec["n"])
	assert.Equal(t, true, rec["ok"])
	assert.Equal(t, "", rec["next"])
	assert.Equal(t, "boom", rec[zerolog.ErrorFieldName])
	assert.Contains(t, rec["caller"], "logging_test.go:")

	assert.True(t, log.Enabled(zerolog.DebugLevel))
	assert.False(t, log.Enabled(zerolog.TraceLevel))
}

func TestZeroAndNopLoggers(t *testing.T) {
	t.Parallel()

	var zero Logger
	assert.True(t, zero.IsZero())
	zero.Info("dropped")
	assert.False(t, Nop().IsZero())
	Nop().Error("dropped")
}

func TestServiceApplySwitchesFile(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "a.log")
	second := filepath.Join(dir, "b.log")

	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: first}})
	defer svc.Close()
	log = log.With(String("comp", "svc"))
	log.Info("one")
	log.Debug("filtered")

	svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: second}})
	log.Debug("two")

	a, err := os.ReadFile(first)
	require.NoError(t, err)
	b, err := os.ReadFile(second)
	require.NoError(t, err)
	assert.Contains(t, string(a), `"message":"one"`)
	assert.NotContains(t, string(a), "filtered")
	assert.NotContains(t, string(a), `"two"`)
	assert.Contains(t, string(b), `"message":"two"`)
	assert.Contains(t, string(b), `"comp":"svc"`)
}
