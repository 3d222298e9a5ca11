package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWritesStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "debug", ServiceName: "approvals", Version: "1.2.3", Output: &buf})

	log.Component("router").Info().Str("request_id", "r1").Msg("Stage advanced")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "approvals", line["service"])
	assert.Equal(t, "1.2.3", line["version"])
	assert.Equal(t, "router", line["component"])
	assert.Equal(t, "r1", line["request_id"])
	assert.Equal(t, "Stage advanced", line["message"])
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "warn", Output: &buf})

	log.Info().Msg("hidden")
	assert.Zero(t, buf.Len())

	log.Warn().Msg("shown")
	assert.Contains(t, buf.String(), "shown")
}
