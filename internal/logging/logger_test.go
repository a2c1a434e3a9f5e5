package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notification-relay/internal/config"
)

func TestNewJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newWithWriter(config.Log{Level: "warn"}, "relay-test", &buf)
	require.NoError(t, err)

	logger.Info().Msg("dropped")
	logger.Warn().Str("room", "admin-broadcast").Msg("kept")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "kept", line["message"])
	assert.Equal(t, "relay-test", line["service"])
	assert.Equal(t, "admin-broadcast", line["room"])
}

func TestUnknownLevel(t *testing.T) {
	_, err := New(config.Log{Level: "loud"}, "relay-test")
	assert.Error(t, err)
}
