package messaging

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/glimte/halcore/contracts"
	"github.com/glimte/halcore/schema"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrNotInFlight is returned when a response or error is attached to a
	// message that has not been delivered yet or has already completed.
	ErrNotInFlight = errors.New("messaging: message is not in flight")
	// ErrNilMessage is returned when a nil message is enqueued.
	ErrNilMessage = errors.New("messaging: message cannot be nil")
)

// MessageOption configures a Message at creation.
type MessageOption func(*Message)

// WithSync marks the message as a synchronization barrier: nothing else is
// delivered while it is in flight, and it is not delivered until everything
// sent before it has completed.
func WithSync() MessageOption {
	return func(m *Message) {
		m.sync = true
	}
}

// WithFinalizer sets a callback run exactly once after every module has
// finished with the message and before responses reach its source.
func WithFinalizer(fn func()) MessageOption {
	return func(m *Message) {
		m.finalizer = fn
	}
}

// WithLevel sets the diagnostic level. Level 1 messages are logged on
// delivery; higher levels are considered high-rate and are not.
func WithLevel(level int) MessageOption {
	return func(m *Message) {
		m.level = level
	}
}

// Message is the unit dispatched on the bus. It is shared by reference
// between modules once sent and tracks its own completion through a
// reference count armed by the dispatcher at delivery.
type Message struct {
	id        string
	mtype     string
	source    string
	data      map[string]any
	sync      bool
	level     int
	finalizer func()
	validator schema.Validator
	createdAt time.Time

	mu        sync.Mutex
	refCount  int
	armed     bool
	responses []contracts.Response
	errors    []contracts.Failure
	onZero    func(*Message)
	logger    *slog.Logger

	// Owned by the dispatcher.
	queued        bool
	sentAt        time.Time
	span          trace.Span
	stuckReported bool
}

// NewMessage creates a message of a registered type. It fails with
// schema.ErrUnregisteredMessageType if the type is unknown to reg, or with a
// *schema.ViolationError if data does not match the type's validator.
// A nil reg means the process-wide registry.
func NewMessage(reg *schema.Registry, messageType, source string, data map[string]any, opts ...MessageOption) (*Message, error) {
	if reg == nil {
		reg = schema.Default()
	}
	validator, err := reg.Lookup(messageType)
	if err != nil {
		return nil, err
	}
	if err := validator.ValidateData(messageType, data); err != nil {
		return nil, err
	}

	m := &Message{
		id:        uuid.New().String(),
		mtype:     messageType,
		source:    source,
		data:      data,
		level:     1,
		validator: validator,
		createdAt: time.Now(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// MustNewMessage is like NewMessage but panics on error. Intended for
// messages whose type and payload are fixed at compile time.
func MustNewMessage(reg *schema.Registry, messageType, source string, data map[string]any, opts ...MessageOption) *Message {
	m, err := NewMessage(reg, messageType, source, data, opts...)
	if err != nil {
		panic(err)
	}
	return m
}

// ID returns the message's unique identifier.
func (m *Message) ID() string { return m.id }

// Type returns the message type.
func (m *Message) Type() string { return m.mtype }

// IsType reports whether the message is of the given type.
func (m *Message) IsType(messageType string) bool { return m.mtype == messageType }

// Source returns the name of the module that created the message.
func (m *Message) Source() string { return m.source }

// Sync reports whether the message is a synchronization barrier.
func (m *Message) Sync() bool { return m.sync }

// Level returns the diagnostic level.
func (m *Message) Level() int { return m.level }

// CreatedAt returns when the message was created.
func (m *Message) CreatedAt() time.Time { return m.createdAt }

// Data returns the payload. Modules must treat it as read-only.
func (m *Message) Data() map[string]any { return m.data }

// Get returns the payload value stored under key.
func (m *Message) Get(key string) (any, bool) {
	v, ok := m.data[key]
	return v, ok
}

// RefCount returns the number of modules that still have to finish with the message.
func (m *Message) RefCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refCount
}

// AddResponse attaches data to the message on behalf of source. The data is
// checked against the response fields of the message type, when declared.
func (m *Message) AddResponse(source string, data map[string]any) error {
	if err := m.validator.ValidateResponse(m.mtype, data); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.inFlightLocked() {
		return fmt.Errorf("%w: cannot add response from %s to %q", ErrNotInFlight, source, m.mtype)
	}
	m.responses = append(m.responses, contracts.Response{
		Source:    source,
		Data:      data,
		CreatedAt: time.Now(),
	})
	return nil
}

// AddError attaches an error to the message on behalf of source.
func (m *Message) AddError(source, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.inFlightLocked() {
		return fmt.Errorf("%w: cannot add error from %s to %q", ErrNotInFlight, source, m.mtype)
	}
	m.errors = append(m.errors, contracts.Failure{
		Source:    source,
		Text:      text,
		CreatedAt: time.Now(),
	})
	return nil
}

// Responses returns a snapshot of the responses attached so far.
func (m *Message) Responses() []contracts.Response {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.responses)
}

// Errors returns a snapshot of the errors attached so far.
func (m *Message) Errors() []contracts.Failure {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.errors)
}

// HasErrors reports whether any module attached an error.
func (m *Message) HasErrors() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.errors) > 0
}

// RefDecrement signals that one module has finished with the message. It may
// be called from any goroutine. When the count reaches zero the dispatcher is
// woken to run the finalizer and hand the results to the source.
func (m *Message) RefDecrement() {
	m.mu.Lock()
	if !m.armed || m.refCount <= 0 {
		logger := m.logger
		m.mu.Unlock()
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("ignoring extra reference decrement",
			"messageType", m.mtype,
			"messageId", m.id,
		)
		return
	}
	m.refCount--
	zero := m.refCount == 0
	notify := m.onZero
	m.mu.Unlock()

	if zero && notify != nil {
		notify(m)
	}
}

// String implements fmt.Stringer for log output.
func (m *Message) String() string {
	return fmt.Sprintf("%s from %s (sync=%t, id=%s)", m.mtype, m.source, m.sync, m.id)
}

// arm prepares the message for delivery to count modules.
func (m *Message) arm(count int, onZero func(*Message), logger *slog.Logger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.armed = true
	m.refCount = count
	m.onZero = onZero
	m.logger = logger
}

// complete reports whether the message was delivered and every module finished.
func (m *Message) complete() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.armed && m.refCount == 0
}

func (m *Message) inFlightLocked() bool {
	return m.armed && m.refCount > 0
}
