package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHandlerRenamesCoreKeys(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := slog.New(newHandler(&buf, Options{Level: "debug"}))
	logger.Debug("refreshed", slog.String("owner", "0xabc"))

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "refreshed", entry["message"])
	require.Equal(t, "DEBUG", entry["severity"])
	require.Contains(t, entry, "timestamp")
	require.Equal(t, "0xabc", entry["owner"])
}

func TestHandlerHonoursLevel(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := slog.New(newHandler(&buf, Options{Level: "warn", Format: "text"}))
	logger.Info("hidden")
	require.Zero(t, buf.Len())
	logger.Warn("shown")
	require.Contains(t, buf.String(), "message=shown")
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := map[string]slog.Level{
		"":        slog.LevelInfo,
		"DEBUG":   slog.LevelDebug,
		" warn ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"verbose": slog.LevelInfo,
	}
	for raw, want := range tests {
		if got := ParseLevel(raw); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", raw, got, want)
		}
	}
}

func TestMaskField(t *testing.T) {
	t.Parallel()

	require.Equal(t, "0xabc", MaskField("owner", "0xabc").Value.String())
	require.Equal(t, RedactedValue, MaskField("passphrase", "hunter2").Value.String())
	require.Equal(t, "", MaskField("passphrase", "").Value.String())
	require.Contains(t, RedactionAllowlist(), "spender")
}

func TestMaskURL(t *testing.T) {
	t.Parallel()

	require.Equal(t, "https://rpc.example.org/[REDACTED]", MaskURL("rpc", "https://rpc.example.org/v2/abcdef").Value.String())
	require.Equal(t, "http://localhost:8545", MaskURL("rpc", "http://localhost:8545").Value.String())
	require.Equal(t, RedactedValue, MaskURL("rpc", "not a url").Value.String())
}
