package log

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"trace", LevelTrace},
		{"debug", slog.LevelDebug},
		{"", slog.LevelInfo},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.in))
		})
	}
}

func TestLevelFilterSplitsOutputs(t *testing.T) {
	var low, high bytes.Buffer
	logger := slog.New(MultiHandler{hs: []slog.Handler{
		LevelFilter{pass: func(l slog.Level) bool { return l < slog.LevelError }, h: slog.NewTextHandler(&low, &slog.HandlerOptions{Level: slog.LevelDebug})},
		LevelFilter{pass: func(l slog.Level) bool { return l >= slog.LevelError }, h: slog.NewTextHandler(&high, nil)},
	}})

	logger.With("busid", "1-4").Info("attached")
	logger.Error("vanished")

	assert.Contains(t, low.String(), "attached")
	assert.Contains(t, low.String(), "busid=1-4")
	assert.NotContains(t, low.String(), "vanished")
	assert.Contains(t, high.String(), "vanished")
	assert.NotContains(t, high.String(), "attached")
	assert.False(t, logger.Enabled(context.Background(), LevelTrace))
}

func TestSetupLoggerWithFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "usbipd.log")
	logger, closers, err := SetupLogger(Options{Level: "debug", File: path, MaxSize: 1})
	require.NoError(t, err)
	require.Len(t, closers, 1)

	logger.Debug("hello file")
	for _, c := range closers {
		require.NoError(t, c.Close())
	}

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello file")
}

func TestRawLogger(t *testing.T) {
	var buf bytes.Buffer
	r := NewRaw(&buf)

	r.Log(true, []byte{0x00, 0x00, 0x00, 0x01, 0xab})
	r.Log(false, nil)
	r.Log(false, []byte{0xff})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	assert.Contains(t, lines[0], "C->S 5 bytes:")
	assert.Equal(t, "  00 00 00 01 ab", lines[1])
	assert.Contains(t, lines[2], "S->C 1 bytes:")
	assert.Equal(t, "  ff", lines[3])

	assert.NotPanics(t, func() { NewRaw(nil).Log(true, []byte{1}) })
}
