package scripted

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/glimte/halcore/config"
	"github.com/glimte/halcore/contracts"
	"github.com/glimte/halcore/messaging"
	"github.com/glimte/halcore/modules"
	"github.com/glimte/halcore/modules/stage"
	"github.com/glimte/halcore/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type watcher struct {
	messaging.ModuleBase
	mu    sync.Mutex
	seen  []string
	done  map[string]any
	downs int
}

func (w *watcher) Receive(msg *messaging.Message) error {
	w.mu.Lock()
	w.seen = append(w.seen, msg.Type())
	if msg.IsType(TestsDone) {
		w.done = msg.Data()
	}
	w.mu.Unlock()
	msg.RefDecrement()
	return nil
}

func (w *watcher) Teardown() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.downs++
}

func (w *watcher) snapshot() ([]string, map[string]any, int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.seen...), w.done, w.downs
}

type harness struct {
	dispatcher *messaging.Dispatcher
	scripted   *Scripted
	watcher    *watcher
}

func newHarness(t *testing.T, setup string) *harness {
	t.Helper()
	reg := schema.NewRegistry()
	require.NoError(t, messaging.RegisterCoreMessages(reg))

	d := messaging.NewDispatcher(
		messaging.WithRegistry(reg),
		messaging.WithLogger(discardLogger()),
		messaging.WithSyncBackoff(time.Millisecond),
		messaging.WithSweepInterval(time.Millisecond),
	)

	factories := modules.NewRegistry()
	factories.Register(FactoryName, Factory())
	factories.Register(stage.FactoryName, stage.Factory())

	parsed, err := config.ParseSetup([]byte(setup), "scripted.hcl")
	require.NoError(t, err)
	mods, err := modules.Load(t.Context(), factories, parsed, modules.Env{
		Registry: reg,
		Send:     d.Enqueue,
		Logger:   discardLogger(),
	})
	require.NoError(t, err)

	h := &harness{dispatcher: d, watcher: &watcher{ModuleBase: messaging.NewModuleBase("watcher")}}
	for _, m := range mods {
		if s, ok := m.(*Scripted); ok {
			h.scripted = s
		}
	}
	require.NotNil(t, h.scripted)
	require.NoError(t, d.SetModules(append(mods, h.watcher)...))
	require.NoError(t, d.Start(t.Context()))
	require.NoError(t, modules.Bootstrap(d, reg, modules.BootstrapOptions{Logger: discardLogger()}))
	return h
}

func (h *harness) waitScript(t *testing.T) {
	t.Helper()
	select {
	case <-h.scripted.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("script did not finish")
	}
}

const script = `
module "stage" {
  unit_time    = "1ms"
  max_velocity = 10
}

module "tests" {
  factory  = "scripted"
  shutdown = true

  action "move stage" {
    data = { x = 3, y = 4 }
  }

  action "initial parameters" {
    data         = { parameters = { stage = { velocity = 50 } } }
    expect_error = true
  }

  action "move stage" {
    data  = { x = 0, y = 0 }
    sync  = true
    delay = "2ms"
  }
}
`

func TestScriptedRun(t *testing.T) {
	t.Run("actions run in order and the bus is shut down", func(t *testing.T) {
		h := newHarness(t, script)
		h.waitScript(t)

		select {
		case <-h.dispatcher.Done():
		case <-time.After(2 * time.Second):
			t.Fatal("dispatcher did not halt")
		}

		results := h.scripted.Results()
		require.Len(t, results, 3)
		for i, r := range results {
			assert.True(t, r.Passed(), "action %d", i)
		}

		require.Len(t, results[0].Responses, 1)
		assert.Equal(t, map[string]any{stage.KeyX: 3.0, stage.KeyY: 4.0}, results[0].Responses[0].Data[stage.KeyPosition])
		require.Len(t, results[1].Errors, 1)
		assert.Equal(t, "stage", results[1].Errors[0].Source)
		require.Len(t, results[2].Responses, 1)

		seen, done, downs := h.watcher.snapshot()
		assert.Equal(t, []string{
			contracts.Configure1,
			contracts.Configure2,
			contracts.Start,
			stage.MoveStage,
			contracts.InitialParameters,
			stage.MoveStage,
			TestsDone,
		}, seen)
		assert.Equal(t, map[string]any{KeyActions: 3, KeyFailed: 0}, done)
		assert.Equal(t, 1, downs)
	})

	t.Run("an action that cannot be sent is recorded and the script goes on", func(t *testing.T) {
		h := newHarness(t, `
module "tests" {
  factory = "scripted"

  action "warp drive" {}
  action "show error" {
    data = { module = "tests", text = "still running" }
  }
}
`)
		h.waitScript(t)

		results := h.scripted.Results()
		require.Len(t, results, 2)
		assert.ErrorIs(t, results[0].Err, schema.ErrUnregisteredMessageType)
		assert.False(t, results[0].Passed())
		assert.True(t, results[1].Passed())

		require.Eventually(t, func() bool {
			_, done, _ := h.watcher.snapshot()
			return done != nil
		}, time.Second, time.Millisecond)
		_, done, _ := h.watcher.snapshot()
		assert.Equal(t, 1, done[KeyFailed])

		select {
		case <-h.dispatcher.Done():
			t.Fatal("dispatcher halted without shutdown configured")
		default:
		}
	})
}

func TestDecodeActions(t *testing.T) {
	t.Run("converts data and delay", func(t *testing.T) {
		actions, err := DecodeActions([]ActionConfig{{
			Type:  contracts.NewParametersRequest,
			Data:  cty.ObjectVal(map[string]cty.Value{contracts.KeyParameters: cty.ObjectVal(map[string]cty.Value{"stage": cty.ObjectVal(map[string]cty.Value{"velocity": cty.NumberIntVal(2)})})}),
			Delay: "5ms",
		}})

		require.NoError(t, err)
		require.Len(t, actions, 1)
		assert.Equal(t, 5*time.Millisecond, actions[0].Delay)
		assert.Equal(t, contracts.Parameters{"stage": {"velocity": 2.0}}, actions[0].Data[contracts.KeyParameters])
	})

	t.Run("rejects data that is not an object", func(t *testing.T) {
		_, err := DecodeActions([]ActionConfig{{Type: "x", Data: cty.StringVal("nope")}})

		assert.ErrorContains(t, err, "data must be an object")
	})

	t.Run("rejects a bad delay", func(t *testing.T) {
		_, err := DecodeActions([]ActionConfig{{Type: "x", Delay: "soon"}})

		assert.Error(t, err)
	})
}
