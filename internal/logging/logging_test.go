package logging

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for name, want := range cases {
		assert.Equal(t, want, ParseLevel(name), name)
	}
}

func TestNew(t *testing.T) {
	t.Run("json format filters below the level", func(t *testing.T) {
		var buf bytes.Buffer
		logger := ForModule(New("warn", "json", &buf), "stage")

		logger.Info("hidden")
		logger.Warn("shown", "x", 1)

		out := buf.String()
		assert.NotContains(t, out, "hidden")
		assert.Contains(t, out, `"msg":"shown"`)
		assert.Contains(t, out, `"module":"stage"`)
	})

	t.Run("text is the default format", func(t *testing.T) {
		var buf bytes.Buffer
		New("debug", "", &buf).Debug("hello")

		assert.Contains(t, buf.String(), "msg=hello")
	})
}
