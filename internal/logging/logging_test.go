package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zapcore.Level{
		"":        zapcore.InfoLevel,
		"debug":   zapcore.DebugLevel,
		"INFO":    zapcore.InfoLevel,
		"warning": zapcore.WarnLevel,
		" error ": zapcore.ErrorLevel,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewWithWriter("info", true, &buf)
	require.NoError(t, err)

	log.Named("jobs").Infow("job finished", "job_id", "j-1", "state", "SUCCESS")
	log.Debugw("hidden")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "job finished", entry["msg"])
	assert.Equal(t, "jobs", entry["logger"])
	assert.Equal(t, "j-1", entry["job_id"])
}

func TestConsoleOutput(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewWithWriter("debug", false, &buf)
	require.NoError(t, err)

	log.Debugw("resolving", "video_id", "123456")
	assert.Contains(t, buf.String(), "resolving")
	assert.Contains(t, buf.String(), `"video_id": "123456"`)
}
