package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tcases := []struct {
		input    string
		expected zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"DEBUG", zerolog.DebugLevel},
		{"warn", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"info", zerolog.InfoLevel},
		{"", zerolog.InfoLevel},
		{"verbose", zerolog.InfoLevel},
	}

	for _, tc := range tcases {
		t.Run(tc.input, func(t *testing.T) {
			assert.Equal(t, tc.expected, ParseLevel(tc.input))
		})
	}
}

func TestNewJSON(t *testing.T) {
	buf := &bytes.Buffer{}
	l := WithComponent(New(Config{Level: "info", JSON: true, Output: buf}), "manager")

	l.Debug().Msg("hidden")
	l.Info().Str("connection_id", "ws_1").Msg("connected")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry), "expected exactly one JSON log line")
	assert.Equal(t, "connected", entry["message"])
	assert.Equal(t, "manager", entry["component"])
	assert.Equal(t, "ws_1", entry["connection_id"])
	assert.Contains(t, entry, "time")
}
