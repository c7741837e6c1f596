package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(&buf, Options{Level: "debug", Format: "json"})
	require.NoError(t, err)

	log.Debug().Int("step", 3).Msg("train")
	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "train", line["message"])
	assert.Equal(t, "debug", line["level"])
	assert.InDelta(t, 3, line["step"], 0)
	assert.Contains(t, line, "time")
}

func TestConsoleFormatFiltersLevel(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(&buf, Options{Level: "WARN"})
	require.NoError(t, err)

	log.Info().Msg("hidden")
	log.Warn().Str("device", "cpu").Msg("shown")
	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown")
	assert.Contains(t, out, "device=cpu")
}

func TestInvalidOptions(t *testing.T) {
	_, err := New(&bytes.Buffer{}, Options{Level: "loud"})
	require.Error(t, err)
	_, err = New(&bytes.Buffer{}, Options{Format: "xml"})
	require.Error(t, err)
}
