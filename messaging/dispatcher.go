package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/glimte/halcore/contracts"
	"github.com/glimte/halcore/schema"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultSyncBackoff is how long a pass waits before re-checking a sync barrier.
	DefaultSyncBackoff = 50 * time.Millisecond
	// DefaultSweepInterval is how often in-flight messages are swept when nothing is pending.
	DefaultSweepInterval = 10 * time.Millisecond
	// DefaultStuckTimeout is how long a message may stay in flight before it is reported.
	DefaultStuckTimeout = 30 * time.Second

	tracerName = "github.com/glimte/halcore/messaging"
)

var (
	// ErrDispatcherHalted is returned by Enqueue once a shutdown has been processed.
	ErrDispatcherHalted = errors.New("messaging: dispatcher halted")
	// ErrAlreadyStarted is returned when Start or SetModules is called on a running dispatcher.
	ErrAlreadyStarted = errors.New("messaging: dispatcher already started")
	// ErrAlreadyEnqueued is returned when the same message is enqueued twice.
	ErrAlreadyEnqueued = errors.New("messaging: message already enqueued")
	// ErrDuplicateModule is returned when two modules share a name.
	ErrDuplicateModule = errors.New("messaging: duplicate module name")
	// ErrModulePanic wraps a value recovered from a module callback.
	ErrModulePanic = errors.New("messaging: module panicked")
)

// UnhandledErrorFunc receives module errors the source module did not handle.
type UnhandledErrorFunc func(msg *Message, failure contracts.Failure)

// Stats is a point-in-time view of the dispatcher.
type Stats struct {
	Pending      int
	InFlight     int
	Enqueued     uint64
	Delivered    uint64
	Completed    uint64
	SyncBackoffs uint64
	Stuck        uint64
	Halted       bool
}

// Dispatcher owns the pending queue and the in-flight set and delivers
// messages to every module in registration order from a single goroutine.
type Dispatcher struct {
	registry      *schema.Registry
	logger        *slog.Logger
	metrics       *Metrics
	tracer        trace.Tracer
	syncBackoff   time.Duration
	sweepInterval time.Duration
	stuckTimeout  time.Duration
	unhandled     UnhandledErrorFunc

	mu            sync.Mutex
	modules       []Module
	byName        map[string]Module
	pending       []*Message
	continuations []*Message
	inFlight      []*Message
	finalizing    bool
	started       bool
	halted        bool
	stats         Stats

	wake chan struct{}
	done chan struct{}
}

// DispatcherOption configures the Dispatcher
type DispatcherOption func(*Dispatcher)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithRegistry sets the message type registry checked at enqueue.
func WithRegistry(reg *schema.Registry) DispatcherOption {
	return func(d *Dispatcher) {
		d.registry = reg
	}
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *Metrics) DispatcherOption {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// WithTracer sets the tracer used for message spans.
func WithTracer(tracer trace.Tracer) DispatcherOption {
	return func(d *Dispatcher) {
		d.tracer = tracer
	}
}

// WithSyncBackoff sets how long a blocked sync barrier waits before the next pass.
func WithSyncBackoff(delay time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if delay > 0 {
			d.syncBackoff = delay
		}
	}
}

// WithSweepInterval sets how often in-flight messages are swept while nothing is pending.
func WithSweepInterval(interval time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if interval > 0 {
			d.sweepInterval = interval
		}
	}
}

// WithStuckTimeout sets the age after which an in-flight message is reported
// as stuck. Zero disables the check.
func WithStuckTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		d.stuckTimeout = timeout
	}
}

// WithUnhandledErrorHandler replaces the default handler, which logs at error level.
func WithUnhandledErrorHandler(fn UnhandledErrorFunc) DispatcherOption {
	return func(d *Dispatcher) {
		d.unhandled = fn
	}
}

// NewDispatcher creates a dispatcher with no modules.
func NewDispatcher(options ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		registry:      schema.Default(),
		logger:        slog.Default(),
		tracer:        otel.Tracer(tracerName),
		syncBackoff:   DefaultSyncBackoff,
		sweepInterval: DefaultSweepInterval,
		stuckTimeout:  DefaultStuckTimeout,
		byName:        make(map[string]Module),
		wake:          make(chan struct{}, 1),
		done:          make(chan struct{}),
	}

	for _, opt := range options {
		opt(d)
	}

	if d.unhandled == nil {
		d.unhandled = d.logUnhandled
	}
	return d
}

// SetModules fixes the delivery order. It must be called before Start.
func (d *Dispatcher) SetModules(mods ...Module) error {
	byName := make(map[string]Module, len(mods))
	for i, mod := range mods {
		if mod == nil {
			return fmt.Errorf("messaging: module at position %d is nil", i)
		}
		if _, exists := byName[mod.Name()]; exists {
			return fmt.Errorf("%w: %q", ErrDuplicateModule, mod.Name())
		}
		byName[mod.Name()] = mod
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started {
		return ErrAlreadyStarted
	}
	d.modules = slices.Clone(mods)
	d.byName = byName
	return nil
}

// Modules returns the registered modules in delivery order.
func (d *Dispatcher) Modules() []Module {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.modules)
}

// Module returns the registered module with the given name.
func (d *Dispatcher) Module(name string) (Module, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	mod, ok := d.byName[name]
	return mod, ok
}

// Enqueue appends msg to the pending queue and wakes the scheduling loop.
// It never blocks and is safe to call from any goroutine, including from
// Receive, finalizers and response handlers. Messages enqueued while a
// finalizer runs are delivered before anything that was already waiting.
func (d *Dispatcher) Enqueue(msg *Message) error {
	if msg == nil {
		return ErrNilMessage
	}
	if !d.registry.IsRegistered(msg.Type()) {
		d.logger.Error("rejecting message of unregistered type",
			"messageType", msg.Type(),
			"source", msg.Source(),
		)
		return fmt.Errorf("%w: %q", schema.ErrUnregisteredMessageType, msg.Type())
	}

	d.mu.Lock()
	if d.halted {
		d.mu.Unlock()
		return fmt.Errorf("%w: cannot enqueue %q", ErrDispatcherHalted, msg.Type())
	}
	if msg.queued {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyEnqueued, msg)
	}
	msg.queued = true
	if d.finalizing {
		d.continuations = append(d.continuations, msg)
	} else {
		d.pending = append(d.pending, msg)
	}
	d.stats.Enqueued++
	pending, inFlight := len(d.pending)+len(d.continuations), len(d.inFlight)
	d.mu.Unlock()

	d.metrics.recordEnqueued(msg.Type())
	d.metrics.setQueues(pending, inFlight)
	d.poke()
	return nil
}

// Start launches the scheduling loop. Cancelling ctx tears the modules down
// and halts the dispatcher as a shutdown message would.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return ErrAlreadyStarted
	}
	d.started = true
	count := len(d.modules)
	d.mu.Unlock()

	d.logger.Info("dispatcher started",
		"modules", count,
		"syncBackoff", d.syncBackoff,
		"sweepInterval", d.sweepInterval,
	)
	go d.run(ctx)
	return nil
}

// Done is closed once the dispatcher has halted.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

// Idle reports whether nothing is pending and nothing is in flight.
func (d *Dispatcher) Idle() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending) == 0 && len(d.continuations) == 0 && len(d.inFlight) == 0
}

// Stats returns a snapshot of the dispatcher counters.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.stats
	s.Pending = len(d.pending) + len(d.continuations)
	s.InFlight = len(d.inFlight)
	s.Halted = d.halted
	return s
}

func (d *Dispatcher) poke() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.done)

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		delay, halted := d.pass()
		if halted {
			return
		}
		if delay > 0 {
			timer.Reset(delay)
		}

		select {
		case <-ctx.Done():
			d.abort(ctx.Err())
			return
		case <-d.wake:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// pass runs scheduling steps until the loop has to wait. It returns how long
// to wait before the next pass (zero means until woken) and whether the
// dispatcher halted.
func (d *Dispatcher) pass() (time.Duration, bool) {
	for {
		d.sweep()
		d.checkStuck()

		d.mu.Lock()
		if len(d.pending) == 0 {
			busy := len(d.inFlight) > 0
			d.mu.Unlock()
			if busy {
				return d.sweepInterval, false
			}
			return 0, false
		}

		head := d.pending[0]
		if d.blockedLocked(head) {
			d.stats.SyncBackoffs++
			d.mu.Unlock()
			d.metrics.recordSyncBackoff()
			return d.syncBackoff, false
		}

		d.pending[0] = nil
		d.pending = d.pending[1:]

		if head.IsType(contracts.Shutdown) {
			dropped := d.pending
			d.pending = nil
			d.halted = true
			mods := slices.Clone(d.modules)
			d.mu.Unlock()

			d.shutdown(head, mods, dropped)
			return 0, true
		}

		d.inFlight = append(d.inFlight, head)
		d.stats.Delivered++
		mods := d.modules
		pending, inFlight := len(d.pending), len(d.inFlight)
		d.mu.Unlock()

		d.metrics.setQueues(pending, inFlight)
		d.deliver(head, mods)
	}
}

// blockedLocked reports whether head has to wait: a sync message (and the
// shutdown message) waits for the in-flight set to drain, and nothing is
// delivered while a sync message is in flight.
func (d *Dispatcher) blockedLocked(head *Message) bool {
	if len(d.inFlight) == 0 {
		return false
	}
	if head.Sync() || head.IsType(contracts.Shutdown) {
		return true
	}
	for _, m := range d.inFlight {
		if m.Sync() {
			return true
		}
	}
	return false
}

func (d *Dispatcher) deliver(msg *Message, mods []Module) {
	msg.sentAt = time.Now()
	_, msg.span = d.tracer.Start(context.Background(), "deliver "+msg.Type(),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("halcore.message.type", msg.Type()),
			attribute.String("halcore.message.id", msg.ID()),
			attribute.String("halcore.message.source", msg.Source()),
			attribute.Bool("halcore.message.sync", msg.Sync()),
			attribute.Int("halcore.modules", len(mods)),
		),
	)
	msg.arm(len(mods), d.onZero, d.logger)
	d.metrics.recordDelivered(msg.Type())

	if msg.Level() <= 1 {
		d.logger.Debug("delivering message",
			"messageType", msg.Type(),
			"messageId", msg.ID(),
			"source", msg.Source(),
			"sync", msg.Sync(),
		)
	}

	for _, mod := range mods {
		d.receive(mod, msg)
	}
}

func (d *Dispatcher) receive(mod Module, msg *Message) {
	err := safeReceive(mod, msg)
	if err == nil {
		return
	}

	d.logger.Warn("module failed to receive message",
		"module", mod.Name(),
		"messageType", msg.Type(),
		"messageId", msg.ID(),
		"error", err,
	)
	if aerr := msg.AddError(mod.Name(), err.Error()); aerr != nil {
		d.logger.Error("failed to record module error",
			"module", mod.Name(),
			"messageType", msg.Type(),
			"error", aerr,
		)
	}
	msg.RefDecrement()
}

func safeReceive(mod Module, msg *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrModulePanic, r)
		}
	}()
	return mod.Receive(msg)
}

func (d *Dispatcher) onZero(*Message) {
	d.poke()
}

// sweep completes every in-flight message whose reference count reached
// zero. Messages enqueued by their finalizers go to the head of pending.
func (d *Dispatcher) sweep() {
	d.mu.Lock()
	var finished []*Message
	for _, m := range d.inFlight {
		if m.complete() {
			finished = append(finished, m)
		}
	}
	d.mu.Unlock()

	if len(finished) == 0 {
		return
	}

	for _, m := range finished {
		d.finish(m)
	}

	d.mu.Lock()
	d.inFlight = slices.DeleteFunc(d.inFlight, func(m *Message) bool {
		return slices.Contains(finished, m)
	})
	if len(d.continuations) > 0 {
		d.pending = append(d.continuations, d.pending...)
		d.continuations = nil
	}
	d.stats.Completed += uint64(len(finished))
	pending, inFlight := len(d.pending), len(d.inFlight)
	d.mu.Unlock()

	d.metrics.setQueues(pending, inFlight)
}

// finish runs the finalizer and then hands responses and errors to the
// source. Messages enqueued from any of these callbacks are continuations.
func (d *Dispatcher) finish(msg *Message) {
	d.mu.Lock()
	d.finalizing = true
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.finalizing = false
		d.mu.Unlock()
	}()

	if msg.finalizer != nil {
		d.safeCall("finalizer", msg, msg.finalizer)
	}

	responses := msg.Responses()
	failures := msg.Errors()
	src, _ := d.Module(msg.Source())

	if rh, ok := src.(ResponseHandler); ok {
		for _, resp := range responses {
			d.safeCall("response handler", msg, func() { rh.OnResponse(msg, resp) })
		}
	}

	eh, canHandle := src.(ErrorHandler)
	for _, failure := range failures {
		d.metrics.recordModuleError(msg.Type(), failure.Source)
		handled := false
		if canHandle {
			d.safeCall("error handler", msg, func() { handled = eh.OnError(msg, failure) })
		}
		if !handled {
			d.unhandled(msg, failure)
		}
	}

	elapsed := time.Since(msg.sentAt)
	d.metrics.recordCompleted(msg, len(failures), elapsed)
	if msg.span != nil {
		msg.span.SetAttributes(
			attribute.Int("halcore.responses", len(responses)),
			attribute.Int("halcore.errors", len(failures)),
		)
		if len(failures) > 0 {
			msg.span.SetStatus(codes.Error, failures[0].Error())
		}
		msg.span.End()
	}
}

func (d *Dispatcher) safeCall(what string, msg *Message, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("recovered panic",
				"in", what,
				"messageType", msg.Type(),
				"messageId", msg.ID(),
				"panic", r,
			)
		}
	}()
	fn()
}

func (d *Dispatcher) checkStuck() {
	if d.stuckTimeout <= 0 {
		return
	}

	d.mu.Lock()
	var stuck []*Message
	for _, m := range d.inFlight {
		if !m.stuckReported && time.Since(m.sentAt) > d.stuckTimeout && !m.complete() {
			m.stuckReported = true
			stuck = append(stuck, m)
		}
	}
	d.stats.Stuck += uint64(len(stuck))
	d.mu.Unlock()

	for _, m := range stuck {
		d.metrics.recordStuck(m.Type())
		d.logger.Warn("message stuck in flight",
			"messageType", m.Type(),
			"messageId", m.ID(),
			"refCount", m.RefCount(),
			"age", time.Since(m.sentAt),
		)
	}
}

func (d *Dispatcher) shutdown(msg *Message, mods []Module, dropped []*Message) {
	d.logger.Info("shutting down", "source", msg.Source(), "modules", len(mods))
	d.dropPending(dropped)
	d.teardown(mods)

	msg.sentAt = time.Now()
	msg.arm(0, nil, d.logger)
	d.finish(msg)
	d.logger.Info("dispatcher halted")
}

// abort halts the dispatcher when the Start context ends. Messages that
// complete before or during teardown are finished as usual; the errors of
// messages still in flight afterwards go to the unhandled error handler.
func (d *Dispatcher) abort(cause error) {
	d.mu.Lock()
	if d.halted {
		d.mu.Unlock()
		return
	}
	d.halted = true
	dropped := append(d.continuations, d.pending...)
	d.pending, d.continuations = nil, nil
	inFlight := len(d.inFlight)
	mods := slices.Clone(d.modules)
	d.mu.Unlock()

	d.logger.Info("context done, shutting down",
		"cause", cause,
		"inFlight", inFlight,
	)
	d.dropPending(dropped)
	d.sweep()
	d.teardown(mods)
	d.sweep()
	d.abandon()
	d.logger.Info("dispatcher halted")
}

func (d *Dispatcher) abandon() {
	d.mu.Lock()
	abandoned := d.inFlight
	d.inFlight = nil
	d.mu.Unlock()

	for _, m := range abandoned {
		failures := m.Errors()
		d.logger.Warn("abandoning in-flight message",
			"messageType", m.Type(),
			"messageId", m.ID(),
			"refCount", m.RefCount(),
			"errors", len(failures),
		)
		for _, failure := range failures {
			d.metrics.recordModuleError(m.Type(), failure.Source)
			d.unhandled(m, failure)
		}
		if m.span != nil {
			m.span.SetStatus(codes.Error, "abandoned at shutdown")
			m.span.End()
		}
	}
	d.metrics.setQueues(0, 0)
}

func (d *Dispatcher) dropPending(dropped []*Message) {
	for _, m := range dropped {
		d.logger.Warn("dropping pending message at shutdown",
			"messageType", m.Type(),
			"messageId", m.ID(),
			"source", m.Source(),
		)
	}
}

func (d *Dispatcher) teardown(mods []Module) {
	for i := len(mods) - 1; i >= 0; i-- {
		mod := mods[i]
		func() {
			defer func() {
				if r := recover(); r != nil {
					d.logger.Error("module teardown panicked",
						"module", mod.Name(),
						"panic", r,
					)
				}
			}()
			mod.Teardown()
		}()
	}
}

func (d *Dispatcher) logUnhandled(msg *Message, failure contracts.Failure) {
	d.logger.Error("unhandled module error",
		"messageType", msg.Type(),
		"messageId", msg.ID(),
		"source", msg.Source(),
		"module", failure.Source,
		"error", failure.Text,
	)
}
