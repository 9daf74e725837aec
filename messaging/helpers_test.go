package messaging

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/glimte/halcore/contracts"
	"github.com/glimte/halcore/schema"
	"github.com/stretchr/testify/require"
)

const (
	typePing  = "ping"
	typeWork  = "work"
	typeStep1 = "step 1"
	typeStep2 = "step 2"
	typeStep3 = "step 3"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	reg := schema.NewRegistry()
	require.NoError(t, RegisterCoreMessages(reg))
	reg.MustAddMessage(typePing, schema.Validator{
		Data: map[string]schema.Field{"text": schema.Optional(schema.TypeString)},
		Resp: map[string]schema.Field{"reply": schema.Required(schema.TypeString)},
	})
	reg.MustAddMessage(typeWork, schema.Validator{})
	reg.MustAddMessage(typeStep1, schema.Validator{})
	reg.MustAddMessage(typeStep2, schema.Validator{})
	reg.MustAddMessage(typeStep3, schema.Validator{})
	return reg
}

// newTestDispatcher builds and starts a dispatcher over mods. The loop stops
// when the test ends.
func newTestDispatcher(t *testing.T, reg *schema.Registry, mods []Module, opts ...DispatcherOption) *Dispatcher {
	t.Helper()
	options := append([]DispatcherOption{
		WithRegistry(reg),
		WithLogger(discardLogger()),
		WithSyncBackoff(5 * time.Millisecond),
		WithSweepInterval(time.Millisecond),
	}, opts...)
	d := NewDispatcher(options...)
	require.NoError(t, d.SetModules(mods...))
	require.NoError(t, d.Start(t.Context()))
	return d
}

func waitIdle(t *testing.T, d *Dispatcher) {
	t.Helper()
	require.Eventually(t, d.Idle, time.Second, time.Millisecond)
}

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, fmt.Sprintf(format, args...))
}

func (l *eventLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

// testModule records what it sees into a shared log. Without a receive
// function it finishes every message synchronously.
type testModule struct {
	ModuleBase
	log     *eventLog
	receive func(msg *Message) error
	handles bool
	// respond runs after a response is recorded.
	respond func(msg *Message, resp contracts.Response)

	mu        sync.Mutex
	responses []contracts.Response
	failures  []contracts.Failure
}

func newTestModule(name string, log *eventLog) *testModule {
	return &testModule{ModuleBase: NewModuleBase(name), log: log}
}

func (m *testModule) Receive(msg *Message) error {
	m.log.add("%s:%s", m.Name(), msg.Type())
	if m.receive != nil {
		return m.receive(msg)
	}
	msg.RefDecrement()
	return nil
}

func (m *testModule) Teardown() {
	m.log.add("%s:teardown", m.Name())
}

func (m *testModule) OnResponse(msg *Message, resp contracts.Response) {
	m.log.add("%s:response %s from %s", m.Name(), msg.Type(), resp.Source)
	m.mu.Lock()
	m.responses = append(m.responses, resp)
	m.mu.Unlock()
	if m.respond != nil {
		m.respond(msg, resp)
	}
}

func (m *testModule) OnError(msg *Message, failure contracts.Failure) bool {
	m.log.add("%s:error %s from %s", m.Name(), msg.Type(), failure.Source)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, failure)
	return m.handles
}

func (m *testModule) gotResponses() []contracts.Response {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]contracts.Response(nil), m.responses...)
}

func (m *testModule) gotFailures() []contracts.Failure {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]contracts.Failure(nil), m.failures...)
}

// holder keeps every message it receives until released.
type holder struct {
	ModuleBase
	held chan *Message
}

func newHolder(name string) *holder {
	return &holder{ModuleBase: NewModuleBase(name), held: make(chan *Message, 16)}
}

func (h *holder) Receive(msg *Message) error {
	h.held <- msg
	return nil
}

func (h *holder) next(t *testing.T) *Message {
	t.Helper()
	select {
	case msg := <-h.held:
		return msg
	case <-time.After(time.Second):
		t.Fatal("no message delivered")
		return nil
	}
}

func (h *holder) assertNothingHeld(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case msg := <-h.held:
		t.Fatalf("unexpected delivery of %s", msg)
	case <-time.After(wait):
	}
}

// keeper attaches an error to every message it receives and keeps it. With
// release set it lets go of what it kept at teardown.
type keeper struct {
	ModuleBase
	release bool

	mu   sync.Mutex
	kept []*Message
}

func newKeeper(name string, release bool) *keeper {
	return &keeper{ModuleBase: NewModuleBase(name), release: release}
}

func (k *keeper) Receive(msg *Message) error {
	_ = msg.AddError(k.Name(), "interrupted")
	k.mu.Lock()
	defer k.mu.Unlock()
	k.kept = append(k.kept, msg)
	return nil
}

func (k *keeper) keeping() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.kept)
}

func (k *keeper) Teardown() {
	if !k.release {
		return
	}
	k.mu.Lock()
	kept := k.kept
	k.kept = nil
	k.mu.Unlock()
	for _, msg := range kept {
		msg.RefDecrement()
	}
}
