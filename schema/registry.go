package schema

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrUnregisteredMessageType is returned when a message refers to a type nobody registered.
	ErrUnregisteredMessageType = errors.New("schema: message type not registered")
	// ErrAlreadyRegistered is returned when a message type is registered twice.
	ErrAlreadyRegistered = errors.New("schema: message type already registered")
	// ErrEmptyTypeName is returned when registering a message type without a name.
	ErrEmptyTypeName = errors.New("schema: message type name cannot be empty")
)

// ViolationError reports a payload or response that does not match the
// registered validator of its message type.
type ViolationError struct {
	MessageType string
	Section     string
	Field       string
	Reason      string
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("schema violation in %q %s field %q: %s", e.MessageType, e.Section, e.Field, e.Reason)
}

// Registry maps message type names to their validators.
// Registration must precede first use of a type.
type Registry struct {
	types map[string]Validator
	mu    sync.RWMutex
}

// NewRegistry creates an empty message type registry.
func NewRegistry() *Registry {
	return &Registry{
		types: make(map[string]Validator),
	}
}

var defaultRegistry = NewRegistry()

// Default returns the process-wide registry.
func Default() *Registry {
	return defaultRegistry
}

// AddMessage registers a message type with the process-wide registry.
func AddMessage(name string, v Validator) error {
	return defaultRegistry.AddMessage(name, v)
}

// AddMessage registers a message type and its validator.
func (r *Registry) AddMessage(name string, v Validator) error {
	if name == "" {
		return ErrEmptyTypeName
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.types[name]; exists {
		return fmt.Errorf("%w: %q", ErrAlreadyRegistered, name)
	}
	r.types[name] = v
	return nil
}

// MustAddMessage is like AddMessage but panics on error. Meant for
// registrations that are part of program construction.
func (r *Registry) MustAddMessage(name string, v Validator) {
	if err := r.AddMessage(name, v); err != nil {
		panic(err)
	}
}

// Lookup returns the validator registered for name.
func (r *Registry) Lookup(name string) (Validator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, ok := r.types[name]
	if !ok {
		return Validator{}, fmt.Errorf("%w: %q", ErrUnregisteredMessageType, name)
	}
	return v, nil
}

// IsRegistered checks if a message type is registered.
func (r *Registry) IsRegistered(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.types[name]
	return ok
}

// Types returns all registered type names, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks a payload against the validator registered for messageType.
func (r *Registry) Validate(messageType string, data map[string]any) error {
	v, err := r.Lookup(messageType)
	if err != nil {
		return err
	}
	return v.ValidateData(messageType, data)
}

// ValidateResponse checks response data against the validator registered for messageType.
func (r *Registry) ValidateResponse(messageType string, data map[string]any) error {
	v, err := r.Lookup(messageType)
	if err != nil {
		return err
	}
	return v.ValidateResponse(messageType, data)
}
