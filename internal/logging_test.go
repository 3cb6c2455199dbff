package internal

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNewLoggerJSON tests that JSON output carries the component and honours the level.
func TestNewLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := WithRequestID(newLogger(&buf, "warn", "json", "worker"), "req-1")

	logger.Info().Msg("hidden")
	logger.Warn().Msg("shown")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "shown", entry["message"])
	assert.Equal(t, "gitslack/worker", entry["component"])
	assert.Equal(t, "req-1", entry["request_id"])
}

// TestNewLoggerInvalidLevel tests that an unknown level falls back to info.
func TestNewLoggerInvalidLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "loud", "json", "")
	logger.Debug().Msg("hidden")
	logger.Info().Msg("shown")
	assert.Contains(t, buf.String(), "shown")
	assert.NotContains(t, buf.String(), "hidden")
}
