package main

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bletracker/go-mqtt-server/internal/config"
)

func TestNewLoggerFormats(t *testing.T) {
	var buf bytes.Buffer
	newLogger(&buf, "json", "debug").Debug("hello", "k", "v")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "hello", rec["msg"])
	assert.Equal(t, "v", rec["k"])

	buf.Reset()
	newLogger(&buf, "text", "warn").Info("hidden")
	assert.Empty(t, buf.String())
	newLogger(&buf, "", "warn").Warn("shown")
	assert.Contains(t, buf.String(), "msg=shown")
}

func TestLogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, logLevel("DEBUG").Level())
	assert.Equal(t, slog.LevelError, logLevel("error").Level())
	assert.Equal(t, slog.LevelInfo, logLevel("verbose").Level())
}

func TestBrokerAddr(t *testing.T) {
	assert.Equal(t, ":1883", brokerAddr(config.Config{MQTTBindAddress: ":1883"}))
	assert.Equal(t, "tcp://broker:1883", brokerAddr(config.Config{MQTTBindAddress: ":1883", MQTTBrokerURL: "tcp://broker:1883"}))
}
