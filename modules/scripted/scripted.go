// Package scripted drives the bus from a list of actions in the setup file.
// Each action is sent once the previous one completed everywhere, then the
// module announces the results and optionally shuts the bus down.
package scripted

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/halcore/config"
	"github.com/glimte/halcore/contracts"
	"github.com/glimte/halcore/messaging"
	"github.com/glimte/halcore/modules"
	"github.com/glimte/halcore/schema"
	"github.com/zclconf/go-cty/cty"
)

const (
	// FactoryName is the name the scripted factory is registered under.
	FactoryName = "scripted"

	// TestsDone is sent once every action has completed.
	TestsDone = "tests done"

	KeyActions = "actions"
	KeyFailed  = "failed"
)

// ActionConfig is one action block.
//
//	action "move stage" {
//	  data = { x = 1, y = 2 }
//	}
type ActionConfig struct {
	Type        string    `hcl:"type,label"`
	Data        cty.Value `hcl:"data,optional"`
	Sync        bool      `hcl:"sync,optional"`
	Delay       string    `hcl:"delay,optional"`
	ExpectError bool      `hcl:"expect_error,optional"`
}

// Config is the scripted module's setup block.
type Config struct {
	Shutdown bool           `hcl:"shutdown,optional"`
	Actions  []ActionConfig `hcl:"action,block"`
}

// Action is a decoded action ready to be sent.
type Action struct {
	Type        string
	Data        map[string]any
	Sync        bool
	Delay       time.Duration
	ExpectError bool
}

// Result is what came back for one action.
type Result struct {
	Action    Action
	Responses []contracts.Response
	Errors    []contracts.Failure
	Err       error
}

// Passed reports whether the action behaved as expected.
func (r Result) Passed() bool {
	if r.Err != nil {
		return false
	}
	return (len(r.Errors) > 0) == r.Action.ExpectError
}

// Messages returns the message types the module sends.
func Messages() map[string]schema.Validator {
	return map[string]schema.Validator{
		TestsDone: {
			Data: map[string]schema.Field{
				KeyActions: schema.Required(schema.TypeInteger),
				KeyFailed:  schema.Required(schema.TypeInteger),
			},
		},
	}
}

// Factory returns the scripted factory.
func Factory() modules.Factory {
	return modules.Factory{
		APIVersion:  "^1.0",
		Description: "sends a scripted list of actions after start",
		Constructor: func(env modules.Env) (messaging.Module, error) {
			var cfg Config
			if err := env.Decode(&cfg); err != nil {
				return nil, err
			}
			for name, v := range Messages() {
				if err := env.DeclareMessage(name, v); err != nil {
					return nil, err
				}
			}
			actions, err := DecodeActions(cfg.Actions)
			if err != nil {
				return nil, err
			}
			return New(env, actions, cfg.Shutdown), nil
		},
	}
}

// DecodeActions converts action blocks to actions.
func DecodeActions(blocks []ActionConfig) ([]Action, error) {
	actions := make([]Action, 0, len(blocks))
	for i, b := range blocks {
		a := Action{Type: b.Type, Sync: b.Sync, ExpectError: b.ExpectError}
		if b.Delay != "" {
			d, err := time.ParseDuration(b.Delay)
			if err != nil {
				return nil, fmt.Errorf("action %d (%s): delay: %w", i, b.Type, err)
			}
			a.Delay = d
		}
		raw, err := config.ToGo(b.Data)
		if err != nil {
			return nil, fmt.Errorf("action %d (%s): data: %w", i, b.Type, err)
		}
		switch data := raw.(type) {
		case nil:
		case map[string]any:
			a.Data = contracts.Normalize(data)
		default:
			return nil, fmt.Errorf("action %d (%s): data must be an object, got %T", i, b.Type, raw)
		}
		actions = append(actions, a)
	}
	return actions, nil
}

// Scripted is the scripted test-action module.
type Scripted struct {
	messaging.ModuleBase
	env      modules.Env
	logger   *slog.Logger
	actions  []Action
	shutdown bool

	mu      sync.Mutex
	started bool
	results []Result
	done    chan struct{}
}

// New creates the module. When shutdown is set the bus is shut down once
// the results are announced.
func New(env modules.Env, actions []Action, shutdown bool) *Scripted {
	logger := env.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scripted{
		ModuleBase: messaging.NewModuleBase(env.Name),
		env:        env,
		logger:     logger,
		actions:    actions,
		shutdown:   shutdown,
		done:       make(chan struct{}),
	}
}

// Receive implements messaging.Module.
func (s *Scripted) Receive(msg *messaging.Message) error {
	defer msg.RefDecrement()

	if !msg.IsType(contracts.Start) {
		return nil
	}
	s.mu.Lock()
	started := s.started
	s.started = true
	s.mu.Unlock()
	if !started {
		s.run(0)
	}
	return nil
}

// OnError keeps the errors of scripted actions away from the unhandled handler.
func (s *Scripted) OnError(*messaging.Message, contracts.Failure) bool {
	return true
}

// Results returns the results of the actions completed so far.
func (s *Scripted) Results() []Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Result(nil), s.results...)
}

// Done is closed once every action has completed.
func (s *Scripted) Done() <-chan struct{} {
	return s.done
}

func (s *Scripted) run(i int) {
	if i == len(s.actions) {
		s.finish()
		return
	}
	action := s.actions[i]
	if action.Delay > 0 {
		time.AfterFunc(action.Delay, func() { s.send(i) })
		return
	}
	s.send(i)
}

func (s *Scripted) send(i int) {
	action := s.actions[i]
	opts := []messaging.MessageOption{}
	if action.Sync {
		opts = append(opts, messaging.WithSync())
	}

	var msg *messaging.Message
	opts = append(opts, messaging.WithFinalizer(func() {
		s.record(Result{Action: action, Responses: msg.Responses(), Errors: msg.Errors()})
		s.run(i + 1)
	}))

	var err error
	msg, err = s.env.NewMessage(action.Type, action.Data, opts...)
	if err == nil {
		err = s.env.Send(msg)
	}
	if err != nil {
		s.logger.Error("scripted action could not be sent", "action", i, "messageType", action.Type, "error", err)
		s.record(Result{Action: action, Err: err})
		s.run(i + 1)
	}
}

func (s *Scripted) record(r Result) {
	s.mu.Lock()
	s.results = append(s.results, r)
	s.mu.Unlock()

	if !r.Passed() {
		s.logger.Warn("scripted action failed",
			"messageType", r.Action.Type,
			"errors", len(r.Errors),
			"expectError", r.Action.ExpectError,
		)
	}
}

func (s *Scripted) finish() {
	results := s.Results()
	failed := 0
	for _, r := range results {
		if !r.Passed() {
			failed++
		}
	}
	s.logger.Info("scripted actions done", "actions", len(results), "failed", failed)

	if err := s.env.SendNew(TestsDone, map[string]any{
		KeyActions: len(results),
		KeyFailed:  failed,
	}); err != nil {
		s.logger.Error("failed to announce results", "error", err)
	}
	if s.shutdown {
		if err := s.env.SendNew(contracts.Shutdown, nil, messaging.WithSync()); err != nil {
			s.logger.Error("failed to request shutdown", "error", err)
		}
	}
	close(s.done)
}
