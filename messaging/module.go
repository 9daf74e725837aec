package messaging

import "github.com/glimte/halcore/contracts"

// Module is the contract every component plugged into the bus implements.
//
// Receive is called once per message, in registration order. A module that
// returns nil owns one reference on the message and must call RefDecrement
// exactly once, either before returning or later from its own goroutine when
// asynchronous work completes. Returning an error records it on the message
// and releases the module's reference; the module must not also decrement.
type Module interface {
	Name() string
	Receive(msg *Message) error
	Teardown()
}

// ResponseHandler is implemented by modules that want the responses attached
// to messages they originated. OnResponse is called once per response.
type ResponseHandler interface {
	OnResponse(msg *Message, resp contracts.Response)
}

// ErrorHandler is implemented by modules that want the errors attached to
// messages they originated. Returning false lets the error propagate to the
// dispatcher's unhandled error handler.
type ErrorHandler interface {
	OnError(msg *Message, failure contracts.Failure) (handled bool)
}

// SendFunc is handed to modules at construction; it is the dispatcher's Enqueue.
type SendFunc func(msg *Message) error

// ModuleBase provides the name and a no-op Teardown for embedding.
type ModuleBase struct {
	name string
}

// NewModuleBase returns a ModuleBase reporting the given name.
func NewModuleBase(name string) ModuleBase {
	return ModuleBase{name: name}
}

// Name returns the module name.
func (b ModuleBase) Name() string { return b.name }

// Teardown does nothing.
func (b ModuleBase) Teardown() {}
