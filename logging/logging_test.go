package logging

import (
	"bytes"
	"encoding/json"
	"log"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetupWriterEmitsStructuredJSON(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	logger := SetupWriter(&buf, "accountmarket", "test", "debug")
	logger.Debug("escrow funded", slog.String("escrow_id", "e1"))

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	require.Equal(t, "DEBUG", line["severity"])
	require.Equal(t, "escrow funded", line["message"])
	require.Equal(t, "accountmarket", line["service"])
	require.Equal(t, "test", line["env"])
	require.Equal(t, "e1", line["escrow_id"])
	require.Contains(t, line, "timestamp")
}

func TestStdLoggerIsBridged(t *testing.T) {
	prev := slog.Default()
	prevOut := log.Writer()
	t.Cleanup(func() {
		slog.SetDefault(prev)
		log.SetOutput(prevOut)
	})

	var buf bytes.Buffer
	SetupWriter(&buf, "svc", "", "info")
	log.Printf("legacy %d", 7)

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	require.Equal(t, "legacy 7", line["message"])
	require.NotContains(t, line, "env")
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, slog.LevelWarn, ParseLevel("WARN"))
	require.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
	require.Equal(t, slog.LevelError, ParseLevel(" error "))
}
