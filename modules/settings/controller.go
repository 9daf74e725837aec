package settings

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/glimte/halcore/config"
	"github.com/glimte/halcore/contracts"
	"github.com/glimte/halcore/messaging"
	"github.com/glimte/halcore/modules"
	"github.com/zclconf/go-cty/cty"
)

// FactoryName is the name the controller factory is registered under.
const FactoryName = "settings"

// ErrEmptyRequest is returned when asked to apply no parameters at all.
var ErrEmptyRequest = errors.New("settings: no parameters to apply")

// Config is the controller's setup block.
type Config struct {
	// Initial is an object of module sections sent as "initial parameters" at start.
	Initial cty.Value `hcl:"initial,optional"`
}

// Factory returns the controller factory.
func Factory() modules.Factory {
	return modules.Factory{
		APIVersion:  "^1.0",
		Description: "parameters controller with revert on module errors",
		Constructor: func(env modules.Env) (messaging.Module, error) {
			var cfg Config
			if err := env.Decode(&cfg); err != nil {
				return nil, err
			}
			raw, err := config.ToGo(cfg.Initial)
			if err != nil {
				return nil, err
			}
			var initial contracts.Parameters
			if raw != nil {
				var ok bool
				if initial, ok = contracts.AsParameters(raw); !ok {
					return nil, fmt.Errorf("settings: initial must be an object of module sections")
				}
			}
			return New(env, initial), nil
		},
	}
}

// Controller coordinates parameter changes across modules.
type Controller struct {
	messaging.ModuleBase
	env    modules.Env
	logger *slog.Logger

	mu        sync.Mutex
	current   contracts.Parameters
	waiters   map[string]bool
	busy      bool
	queue     []contracts.Parameters
	awaiting  map[string]bool
	announced bool
}

// New creates a controller starting from initial.
func New(env modules.Env, initial contracts.Parameters) *Controller {
	logger := env.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if initial == nil {
		initial = contracts.Parameters{}
	}
	return &Controller{
		ModuleBase: messaging.NewModuleBase(env.Name),
		env:        env,
		logger:     logger,
		current:    initial.Clone(),
		waiters:    make(map[string]bool),
	}
}

// Current returns a copy of the parameters in effect.
func (c *Controller) Current() contracts.Parameters {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current.Clone()
}

// Busy reports whether a change is in progress.
func (c *Controller) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busy
}

// Waiters returns the modules that declared they must acknowledge changes.
func (c *Controller) Waiters() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Sorted(maps.Keys(c.waiters))
}

// Receive implements messaging.Module.
func (c *Controller) Receive(msg *messaging.Message) error {
	if err := c.handle(msg); err != nil {
		return err
	}
	msg.RefDecrement()
	return nil
}

func (c *Controller) handle(msg *messaging.Message) error {
	switch msg.Type() {
	case contracts.Start:
		return c.sendInitial()
	case contracts.WaitFor:
		c.addWaiter(msg)
	case contracts.NewParametersRequest:
		raw, _ := msg.Get(contracts.KeyParameters)
		params, ok := contracts.AsParameters(raw)
		if !ok {
			return fmt.Errorf("settings: malformed parameters in request from %s", msg.Source())
		}
		return c.Apply(params)
	case contracts.ModuleReady:
		c.ready(msg.Source())
	}
	return nil
}

// OnError marks the errors of the controller's own rounds as handled; they
// are dealt with by the round's finalizer.
func (c *Controller) OnError(msg *messaging.Message, _ contracts.Failure) bool {
	return msg.IsType(contracts.NewParameters) || msg.IsType(contracts.UpdatedParameters)
}

// Apply starts a change to params, or queues it behind the change in progress.
func (c *Controller) Apply(params contracts.Parameters) error {
	if len(params) == 0 {
		return ErrEmptyRequest
	}

	c.mu.Lock()
	if c.busy {
		c.queue = append(c.queue, params.Clone())
		queued := len(c.queue)
		c.mu.Unlock()
		c.logger.Info("parameter change queued", "queued", queued)
		return nil
	}
	c.busy = true
	c.mu.Unlock()

	if err := c.begin(params.Clone()); err != nil {
		c.next()
		return err
	}
	return nil
}

func (c *Controller) sendInitial() error {
	current := c.Current()
	if len(current) == 0 {
		return nil
	}
	return c.env.SendNew(contracts.InitialParameters, map[string]any{
		contracts.KeyParameters: current,
	})
}

func (c *Controller) addWaiter(msg *messaging.Message) {
	raw, _ := msg.Get(contracts.KeyModuleNames)
	names, _ := contracts.AsStrings(raw)
	if !slices.Contains(names, c.Name()) {
		return
	}

	c.mu.Lock()
	c.waiters[msg.Source()] = true
	c.mu.Unlock()
	c.logger.Debug("module waits for parameter changes", "waiter", msg.Source())
}

// begin sends the sync "new parameters" message of a round.
func (c *Controller) begin(params contracts.Parameters) error {
	var msg *messaging.Message
	msg, err := c.env.NewMessage(contracts.NewParameters,
		map[string]any{
			contracts.KeyParameters:  params,
			contracts.KeyIsReverting: false,
		},
		messaging.WithSync(),
		messaging.WithFinalizer(func() { c.roundDone(msg, params) }),
	)
	if err != nil {
		return err
	}
	c.logger.Info("applying parameters", "modules", slices.Sorted(maps.Keys(params)))
	return c.env.Send(msg)
}

func (c *Controller) roundDone(msg *messaging.Message, params contracts.Parameters) {
	if failures := msg.Errors(); len(failures) > 0 {
		c.revert(collectSections(msg.Responses(), contracts.KeyOldParameters), failures)
		return
	}

	c.mu.Lock()
	next := c.current.Overlay(params)
	for name, section := range collectSections(msg.Responses(), contracts.KeyNewParameters) {
		next[name] = section
	}
	c.current = next
	c.awaiting = maps.Clone(c.waiters)
	c.announced = false
	current := c.current.Clone()
	c.mu.Unlock()

	var announce *messaging.Message
	announce, err := c.env.NewMessage(contracts.UpdatedParameters,
		map[string]any{contracts.KeyParameters: current},
		messaging.WithSync(),
		messaging.WithFinalizer(func() { c.announcedDone(announce) }),
	)
	if err == nil {
		err = c.env.Send(announce)
	}
	if err != nil {
		c.logger.Error("failed to announce updated parameters", "error", err)
		c.next()
	}
}

func (c *Controller) announcedDone(msg *messaging.Message) {
	if failures := msg.Errors(); len(failures) > 0 {
		c.logger.Warn("modules reported errors on updated parameters", "errors", len(failures))
		c.surface(failures)
	}

	c.mu.Lock()
	c.announced = true
	done := len(c.awaiting) == 0
	c.mu.Unlock()

	if done {
		c.finishRound()
	}
}

func (c *Controller) ready(source string) {
	c.mu.Lock()
	if !c.busy || !c.awaiting[source] {
		c.mu.Unlock()
		c.logger.Debug("ignoring unexpected module ready", "from", source)
		return
	}
	delete(c.awaiting, source)
	done := c.announced && len(c.awaiting) == 0
	c.mu.Unlock()

	if done {
		c.finishRound()
	}
}

func (c *Controller) finishRound() {
	current := c.Current()
	err := c.env.SendNew(contracts.ParametersApplied, map[string]any{
		contracts.KeyParameters: current,
	})
	if err != nil {
		c.logger.Error("failed to send parameters applied", "error", err)
	}
	c.next()
}

// revert restores the sections collected from "old parameters" responses
// and then surfaces the errors that caused it.
func (c *Controller) revert(old contracts.Parameters, failures []contracts.Failure) {
	c.logger.Warn("parameter change failed, reverting",
		"errors", len(failures),
		"modules", slices.Sorted(maps.Keys(old)),
	)
	if len(old) == 0 {
		c.surface(failures)
		c.next()
		return
	}

	var msg *messaging.Message
	msg, err := c.env.NewMessage(contracts.NewParameters,
		map[string]any{
			contracts.KeyParameters:  old,
			contracts.KeyIsReverting: true,
		},
		messaging.WithSync(),
		messaging.WithFinalizer(func() {
			c.surface(append(failures, msg.Errors()...))
			c.next()
		}),
	)
	if err == nil {
		err = c.env.Send(msg)
	}
	if err != nil {
		c.logger.Error("failed to send revert", "error", err)
		c.surface(failures)
		c.next()
	}
}

func (c *Controller) surface(failures []contracts.Failure) {
	for _, f := range failures {
		err := c.env.SendNew(contracts.ShowError, map[string]any{
			contracts.KeyModule: f.Source,
			contracts.KeyText:   f.Text,
		})
		if err != nil {
			c.logger.Error("failed to surface module error",
				"module", f.Source,
				"error", err,
			)
		}
	}
}

// next starts the oldest queued change, or marks the controller idle.
func (c *Controller) next() {
	for {
		c.mu.Lock()
		c.awaiting = nil
		c.announced = false
		if len(c.queue) == 0 {
			c.busy = false
			c.mu.Unlock()
			return
		}
		params := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()

		if err := c.begin(params); err != nil {
			c.logger.Error("failed to start queued parameter change", "error", err)
			continue
		}
		return
	}
}
