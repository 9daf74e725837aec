package stage

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
	"github.com/glimte/halcore/modules/settings"
	"github.com/glimte/halcore/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// client sends moves and keeps what comes back.
type client struct {
	messaging.ModuleBase
	mu        sync.Mutex
	responses []contracts.Response
	failures  []contracts.Failure
}

func (c *client) Receive(msg *messaging.Message) error {
	msg.RefDecrement()
	return nil
}

func (c *client) OnResponse(_ *messaging.Message, resp contracts.Response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses = append(c.responses, resp)
}

func (c *client) OnError(_ *messaging.Message, f contracts.Failure) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = append(c.failures, f)
	return true
}

func (c *client) snapshot() ([]contracts.Response, []contracts.Failure) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]contracts.Response(nil), c.responses...), append([]contracts.Failure(nil), c.failures...)
}

type harness struct {
	reg        *schema.Registry
	dispatcher *messaging.Dispatcher
	stage      *Stage
	client     *client
	controller *settings.Controller
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
	factories.Register(settings.FactoryName, settings.Factory())

	parsed, err := config.ParseSetup([]byte(setup), "stage.hcl")
	require.NoError(t, err)
	mods, err := modules.Load(t.Context(), factories, parsed, modules.Env{
		Registry: reg,
		Send:     d.Enqueue,
		Logger:   discardLogger(),
	})
	require.NoError(t, err)

	h := &harness{reg: reg, dispatcher: d, client: &client{ModuleBase: messaging.NewModuleBase("client")}}
	for _, m := range mods {
		switch m := m.(type) {
		case *Stage:
			h.stage = m
		case *settings.Controller:
			h.controller = m
		}
	}
	require.NoError(t, d.SetModules(append(mods, h.client)...))
	require.NoError(t, d.Start(t.Context()))
	return h
}

func (h *harness) settle(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.dispatcher.Idle() && (h.controller == nil || !h.controller.Busy())
	}, 2*time.Second, time.Millisecond)
}

func TestStageMove(t *testing.T) {
	t.Run("a move completes asynchronously and reports the position", func(t *testing.T) {
		h := newHarness(t, `
module "stage" {
  unit_time = "2ms"
  velocity  = 5
}
`)
		finalized := make(chan struct{})
		msg := messaging.MustNewMessage(h.reg, MoveStage, "client",
			map[string]any{KeyX: 3.0, KeyY: 4.0},
			messaging.WithFinalizer(func() { close(finalized) }))

		require.NoError(t, h.dispatcher.Enqueue(msg))
		select {
		case <-finalized:
		case <-time.After(time.Second):
			t.Fatal("move did not complete")
		}
		h.settle(t)

		x, y := h.stage.Position()
		assert.Equal(t, 3.0, x)
		assert.Equal(t, 4.0, y)
		responses, failures := h.client.snapshot()
		assert.Empty(t, failures)
		require.Len(t, responses, 1)
		assert.Equal(t, map[string]any{KeyX: 3.0, KeyY: 4.0}, responses[0].Data[KeyPosition])
		assert.Equal(t, 1, h.stage.Moves())
	})

	t.Run("a sync move starts after the previous one arrived", func(t *testing.T) {
		h := newHarness(t, `module "stage" { unit_time = "1ms" }`)

		require.NoError(t, h.dispatcher.Enqueue(messaging.MustNewMessage(h.reg, MoveStage, "client", map[string]any{KeyX: 5, KeyY: 0})))
		require.NoError(t, h.dispatcher.Enqueue(messaging.MustNewMessage(h.reg, MoveStage, "client", map[string]any{KeyX: 5, KeyY: 5}, messaging.WithSync())))
		h.settle(t)

		x, y := h.stage.Position()
		assert.Equal(t, 5.0, x)
		assert.Equal(t, 5.0, y)
		responses, _ := h.client.snapshot()
		assert.Len(t, responses, 2)
		assert.Equal(t, 2, h.stage.Moves())
	})
}

func TestStageParameters(t *testing.T) {
	t.Run("a velocity above the maximum is refused and reverted", func(t *testing.T) {
		h := newHarness(t, `
module "settings" {}
module "stage" {
  max_velocity = 10
  velocity     = 2
}
`)

		require.NoError(t, h.controller.Apply(contracts.Parameters{"stage": {KeyVelocity: 20.0}}))
		h.settle(t)

		velocity, _ := h.stage.Section().Float(KeyVelocity)
		assert.Equal(t, 2.0, velocity)
		assert.NotContains(t, h.controller.Current(), "stage")
	})

	t.Run("an accepted change is acknowledged once settled", func(t *testing.T) {
		h := newHarness(t, `
module "settings" {}
module "stage" {
  wait_for = "settings"
  settle   = "10ms"
}
`)
		require.NoError(t, modules.Bootstrap(h.dispatcher, h.reg, modules.BootstrapOptions{Logger: discardLogger()}))
		require.Eventually(t, func() bool { return len(h.controller.Waiters()) == 1 }, time.Second, time.Millisecond)

		require.NoError(t, h.controller.Apply(contracts.Parameters{"stage": {KeyVelocity: 4.0}}))
		h.settle(t)

		velocity, _ := h.stage.Section().Float(KeyVelocity)
		assert.Equal(t, 4.0, velocity)
		assert.Equal(t, contracts.Section{KeyVelocity: 4.0, KeyMaxVelocity: 10.0}, h.controller.Current()["stage"])
	})

	t.Run("invalid settings are rejected at construction", func(t *testing.T) {
		_, err := New(modules.Env{Name: "stage"}, Config{Velocity: 50, MaxVelocity: 10})

		assert.ErrorIs(t, err, ErrVelocityTooHigh)
	})
}
