// Package stage simulates a motorized XY stage. Moves complete on a worker
// goroutine and release the message when the stage has arrived.
package stage

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/glimte/halcore/contracts"
	"github.com/glimte/halcore/messaging"
	"github.com/glimte/halcore/modules"
	"github.com/glimte/halcore/modules/settings"
	"github.com/glimte/halcore/schema"
	"github.com/sourcegraph/conc/pool"
)

const (
	// FactoryName is the name the stage factory is registered under.
	FactoryName = "stage"

	// MoveStage asks the stage to move to an absolute position.
	MoveStage = "move stage"

	KeyX           = "x"
	KeyY           = "y"
	KeyPosition    = "position"
	KeyVelocity    = "velocity"
	KeyMaxVelocity = "max velocity"
)

var (
	// ErrVelocityTooHigh is reported when a velocity exceeds the configured maximum.
	ErrVelocityTooHigh = errors.New("stage: velocity exceeds maximum")
	// ErrVelocityNotPositive is reported for a zero or negative velocity.
	ErrVelocityNotPositive = errors.New("stage: velocity must be positive")
)

// Config is the stage's setup block.
type Config struct {
	MaxVelocity float64 `hcl:"max_velocity,optional"`
	Velocity    float64 `hcl:"velocity,optional"`
	// UnitTime is how long the stage takes to travel one unit at velocity 1.
	UnitTime string `hcl:"unit_time,optional"`
	// Settle is how long the stage needs after a parameter change before it reports ready.
	Settle string `hcl:"settle,optional"`
	// WaitFor names the parameters controller the stage acknowledges changes to.
	WaitFor string `hcl:"wait_for,optional"`
}

func (c Config) withDefaults() (Config, time.Duration, time.Duration, error) {
	if c.MaxVelocity == 0 {
		c.MaxVelocity = 10
	}
	if c.Velocity == 0 {
		c.Velocity = 1
	}
	unit, err := parseDuration(c.UnitTime, 10*time.Millisecond)
	if err != nil {
		return c, 0, 0, fmt.Errorf("unit_time: %w", err)
	}
	settle, err := parseDuration(c.Settle, 5*time.Millisecond)
	if err != nil {
		return c, 0, 0, fmt.Errorf("settle: %w", err)
	}
	return c, unit, settle, nil
}

func parseDuration(s string, fallback time.Duration) (time.Duration, error) {
	if s == "" {
		return fallback, nil
	}
	return time.ParseDuration(s)
}

// Messages returns the message types the stage handles.
func Messages() map[string]schema.Validator {
	return map[string]schema.Validator{
		MoveStage: {
			Data: map[string]schema.Field{
				KeyX: schema.Required(schema.TypeNumber),
				KeyY: schema.Required(schema.TypeNumber),
			},
			Resp: map[string]schema.Field{
				KeyPosition: schema.Required(schema.TypeObject),
			},
		},
	}
}

// Factory returns the stage factory.
func Factory() modules.Factory {
	return modules.Factory{
		APIVersion:  "^1.0",
		Description: "simulated XY stage with asynchronous moves",
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
			return New(env, cfg)
		},
	}
}

// Stage is the simulated stage module.
type Stage struct {
	messaging.ModuleBase
	env      modules.Env
	logger   *slog.Logger
	waitFor  string
	unitTime time.Duration
	settle   time.Duration
	workers  *pool.Pool

	moveMu sync.Mutex

	mu       sync.Mutex
	section  contracts.Section
	x, y     float64
	moves    int
	stopping bool
}

// New creates a stage from its settings.
func New(env modules.Env, cfg Config) (*Stage, error) {
	cfg, unit, settle, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	logger := env.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Stage{
		ModuleBase: messaging.NewModuleBase(env.Name),
		env:        env,
		logger:     logger,
		waitFor:    cfg.WaitFor,
		unitTime:   unit,
		settle:     settle,
		workers:    pool.New(),
		section: contracts.Section{
			KeyVelocity:    cfg.Velocity,
			KeyMaxVelocity: cfg.MaxVelocity,
		},
	}
	if err := validate(s.section); err != nil {
		return nil, err
	}
	return s, nil
}

// Position returns the current position.
func (s *Stage) Position() (x, y float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.x, s.y
}

// Moves returns how many moves the stage has accepted.
func (s *Stage) Moves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.moves
}

// Section returns a copy of the stage's settings.
func (s *Stage) Section() contracts.Section {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.section.Clone()
}

// Receive implements messaging.Module.
func (s *Stage) Receive(msg *messaging.Message) error {
	switch msg.Type() {
	case contracts.Configure1:
		if s.waitFor != "" {
			if err := s.env.SendNew(contracts.WaitFor, map[string]any{
				contracts.KeyModuleNames: []string{s.waitFor},
			}); err != nil {
				return err
			}
		}
	case contracts.InitialParameters:
		s.adoptInitial(msg)
	case contracts.NewParameters:
		s.mu.Lock()
		s.section, _ = settings.HandleNewParameters(msg, s.Name(), s.section, validate)
		s.mu.Unlock()
	case contracts.UpdatedParameters:
		if s.waitFor != "" {
			s.workers.Go(s.acknowledge)
		}
	case MoveStage:
		return s.move(msg)
	}
	msg.RefDecrement()
	return nil
}

// Teardown waits for moves in progress.
func (s *Stage) Teardown() {
	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()
	s.workers.Wait()
}

func (s *Stage) adoptInitial(msg *messaging.Message) {
	raw, _ := msg.Get(contracts.KeyParameters)
	params, _ := contracts.AsParameters(raw)
	update, ok := params.Section(s.Name())
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	candidate := s.section.Clone()
	for k, v := range update {
		candidate[k] = v
	}
	if err := validate(candidate); err != nil {
		_ = msg.AddError(s.Name(), err.Error())
		return
	}
	s.section = candidate
}

// move starts the move on a worker and keeps the message until it completes.
func (s *Stage) move(msg *messaging.Message) error {
	x, _ := contracts.Section(msg.Data()).Float(KeyX)
	y, _ := contracts.Section(msg.Data()).Float(KeyY)

	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return errors.New("stage: shutting down")
	}
	velocity, _ := s.section.Float(KeyVelocity)
	s.moves++
	s.mu.Unlock()

	s.workers.Go(func() {
		defer msg.RefDecrement()

		s.moveMu.Lock()
		defer s.moveMu.Unlock()

		fromX, fromY := s.Position()
		distance := math.Hypot(x-fromX, y-fromY)
		time.Sleep(time.Duration(distance / velocity * float64(s.unitTime)))

		s.mu.Lock()
		s.x, s.y = x, y
		s.mu.Unlock()

		if err := msg.AddResponse(s.Name(), map[string]any{
			KeyPosition: map[string]any{KeyX: x, KeyY: y},
		}); err != nil {
			s.logger.Error("failed to report position", "error", err)
		}
		s.logger.Debug("stage moved", "x", x, "y", y, "distance", distance)
	})
	return nil
}

func (s *Stage) acknowledge() {
	time.Sleep(s.settle)
	if err := s.env.SendNew(contracts.ModuleReady, nil); err != nil {
		s.logger.Warn("failed to report ready", "error", err)
	}
}

func validate(section contracts.Section) error {
	velocity, ok := section.Float(KeyVelocity)
	if !ok || velocity <= 0 {
		return fmt.Errorf("%w: got %v", ErrVelocityNotPositive, section[KeyVelocity])
	}
	maxVelocity, ok := section.Float(KeyMaxVelocity)
	if ok && velocity > maxVelocity {
		return fmt.Errorf("%w: %g > %g", ErrVelocityTooHigh, velocity, maxVelocity)
	}
	return nil
}
