package app

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/glimte/halcore/config"
	"github.com/glimte/halcore/modules"
	"github.com/glimte/halcore/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T, setup string) *config.AppConfig {
	t.Helper()
	path := filepath.Join(t.TempDir(), "setup.hcl")
	require.NoError(t, os.WriteFile(path, []byte(setup), 0o600))

	cfg := config.Default()
	cfg.SetupFile = path
	cfg.SyncBackoff = time.Millisecond
	cfg.SweepInterval = time.Millisecond
	return cfg
}

const scriptedSetup = `
setup_name = "smoke"

module "console" {}

module "settings" {}

module "stage" {
  unit_time = "1ms"
}

module "tests" {
  factory  = "scripted"
  shutdown = true

  action "move stage" {
    data = { x = 1, y = 1 }
  }

  action "new parameters request" {
    data = { parameters = { stage = { velocity = 2 } } }
  }

  action "show error" {
    data = { module = "tests", text = "deliberate" }
  }
}
`

func TestRun(t *testing.T) {
	t.Run("a scripted setup runs to shutdown", func(t *testing.T) {
		out := &syncBuffer{}
		a, err := New(testConfig(t, scriptedSetup), WithOutput(out), WithLogger(discardLogger()))
		require.NoError(t, err)

		done := make(chan error, 1)
		go func() { done <- a.Run(t.Context()) }()

		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("setup did not shut down")
		}

		text := out.String()
		assert.Contains(t, text, "halcore started")
		assert.Contains(t, text, "error in tests")
		assert.Contains(t, text, "deliberate")
		assert.Contains(t, text, "halcore stopped")
	})

	t.Run("cancelling the context stops a setup that never shuts down", func(t *testing.T) {
		out := &syncBuffer{}
		a, err := New(testConfig(t, `module "console" {}`), WithOutput(out), WithLogger(discardLogger()))
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(t.Context())
		done := make(chan error, 1)
		go func() { done <- a.Run(ctx) }()

		require.Eventually(t, func() bool {
			return bytes.Contains([]byte(out.String()), []byte("halcore started"))
		}, 2*time.Second, time.Millisecond)
		cancel()

		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("setup did not stop")
		}
		assert.Contains(t, out.String(), "halcore stopped")
	})

	t.Run("an unknown factory fails before anything starts", func(t *testing.T) {
		a, err := New(testConfig(t, `module "laser" {}`), WithLogger(discardLogger()))
		require.NoError(t, err)

		err = a.Run(t.Context())

		var loadErr *modules.LoadError
		require.ErrorAs(t, err, &loadErr)
		assert.Equal(t, "laser", loadErr.Module)
		assert.ErrorIs(t, err, modules.ErrUnknownFactory)
	})

	t.Run("a failed handshake tears the modules down", func(t *testing.T) {
		out := &syncBuffer{}
		a, err := New(testConfig(t, `module "console" {}`), WithOutput(out), WithLogger(discardLogger()))
		require.NoError(t, err)
		a.bootstrap = func(modules.Bus, *schema.Registry, modules.BootstrapOptions) error {
			return errors.New("handshake refused")
		}

		err = a.Run(t.Context())

		assert.ErrorContains(t, err, "handshake refused")
		assert.Contains(t, out.String(), "halcore stopped")
		assert.NotContains(t, out.String(), "halcore started")
	})

	t.Run("a missing setup file is reported", func(t *testing.T) {
		cfg := config.Default()
		cfg.SetupFile = filepath.Join(t.TempDir(), "missing.hcl")
		a, err := New(cfg, WithLogger(discardLogger()))
		require.NoError(t, err)

		assert.Error(t, a.Run(t.Context()))
	})
}

func TestNew(t *testing.T) {
	t.Run("rejects invalid settings", func(t *testing.T) {
		cfg := config.Default()
		cfg.LogLevel = "loud"

		_, err := New(cfg)

		assert.ErrorContains(t, err, "log_level")
	})

	t.Run("registers the built-in factories", func(t *testing.T) {
		a, err := New(nil, WithLogger(discardLogger()))
		require.NoError(t, err)

		assert.Equal(t, []string{"console", "remote", "scripted", "settings", "stage"}, a.Factories().Names())
		assert.Len(t, a.Session(), 26)
	})
}

func TestMetricsHandler(t *testing.T) {
	out := &syncBuffer{}
	a, err := New(testConfig(t, scriptedSetup), WithOutput(out), WithLogger(discardLogger()))
	require.NoError(t, err)
	require.NoError(t, a.Run(t.Context()))

	rec := httptest.NewRecorder()
	a.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "halcore_dispatcher_messages_enqueued_total")
	assert.Contains(t, body, `halcore_dispatcher_messages_delivered_total{type="move stage"} 1`)
}
