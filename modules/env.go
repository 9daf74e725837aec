package modules

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/glimte/halcore/config"
	"github.com/glimte/halcore/messaging"
	"github.com/glimte/halcore/schema"
)

// Env is what a module constructor receives.
type Env struct {
	// Name is the module's name from the setup file.
	Name string
	// Spec is the module's setup block.
	Spec config.ModuleSpec
	// Shared holds values modules publish to one another.
	Shared *Shared
	// Registry is the message type registry the dispatcher checks against.
	Registry *schema.Registry
	// Send enqueues a message on the bus.
	Send   messaging.SendFunc
	Logger *slog.Logger
}

// Decode decodes the module's settings block into target.
func (e Env) Decode(target any) error {
	return e.Spec.Decode(target)
}

// DeclareMessage registers a message type the module sends or handles.
// Declaring a type another module already declared is not an error.
func (e Env) DeclareMessage(name string, v schema.Validator) error {
	err := e.Registry.AddMessage(name, v)
	if errors.Is(err, schema.ErrAlreadyRegistered) {
		return nil
	}
	return err
}

// NewMessage creates a message with the module as its source.
func (e Env) NewMessage(messageType string, data map[string]any, opts ...messaging.MessageOption) (*messaging.Message, error) {
	return messaging.NewMessage(e.Registry, messageType, e.Name, data, opts...)
}

// SendNew creates a message with the module as its source and sends it.
func (e Env) SendNew(messageType string, data map[string]any, opts ...messaging.MessageOption) error {
	msg, err := e.NewMessage(messageType, data, opts...)
	if err != nil {
		return err
	}
	return e.Send(msg)
}

// Shared is a concurrency-safe key/value store shared by all modules of a setup.
type Shared struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewShared creates an empty store.
func NewShared() *Shared {
	return &Shared{values: make(map[string]any)}
}

// Get returns the value stored under key.
func (s *Shared) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// Set stores value under key.
func (s *Shared) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}
