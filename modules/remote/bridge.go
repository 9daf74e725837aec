package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/halcore/contracts"
	"github.com/glimte/halcore/internal/ids"
	"github.com/glimte/halcore/messaging"
	"github.com/glimte/halcore/modules"
	amqp "github.com/rabbitmq/amqp091-go"
)

// FactoryName is the name the bridge factory is registered under.
const FactoryName = "remote"

// Config is the bridge's setup block.
type Config struct {
	URL            string `hcl:"url"`
	Queue          string `hcl:"queue,optional"`
	Prefetch       int    `hcl:"prefetch,optional"`
	ReconnectDelay string `hcl:"reconnect_delay,optional"`
	ReplyTimeout   string `hcl:"reply_timeout,optional"`
}

// BridgeOption configures a Bridge.
type BridgeOption func(*Bridge)

// WithDialer replaces DialAMQP.
func WithDialer(dial Dialer) BridgeOption {
	return func(b *Bridge) {
		b.dial = dial
	}
}

// Factory returns the bridge factory.
func Factory(options ...BridgeOption) modules.Factory {
	return modules.Factory{
		APIVersion:  "^1.0",
		Description: "AMQP remote control: commands in, replies out",
		Constructor: func(env modules.Env) (messaging.Module, error) {
			var cfg Config
			if err := env.Decode(&cfg); err != nil {
				return nil, err
			}
			return New(env, cfg, options...)
		},
	}
}

type pendingReply struct {
	delivery amqp.Delivery
	reply    contracts.ReplyEnvelope
	ack      bool
}

// Bridge is the remote-control module.
type Bridge struct {
	messaging.ModuleBase
	env            modules.Env
	logger         *slog.Logger
	url            string
	queue          string
	prefetch       int
	reconnectDelay time.Duration
	replyTimeout   time.Duration
	dial           Dialer

	replies  chan pendingReply
	commands atomic.Int64
	rejected atomic.Int64

	mu      sync.Mutex
	ch      Channel
	closer  io.Closer
	cancel  context.CancelFunc
	running bool
	wg      sync.WaitGroup
}

// New creates a bridge. It does not connect until the bus starts.
func New(env modules.Env, cfg Config, options ...BridgeOption) (*Bridge, error) {
	if cfg.URL == "" {
		return nil, errors.New("remote: url is required")
	}
	reconnect, err := parseDuration(cfg.ReconnectDelay, time.Second)
	if err != nil {
		return nil, fmt.Errorf("remote: reconnect_delay: %w", err)
	}
	replyTimeout, err := parseDuration(cfg.ReplyTimeout, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("remote: reply_timeout: %w", err)
	}
	logger := env.Logger
	if logger == nil {
		logger = slog.Default()
	}

	b := &Bridge{
		ModuleBase:     messaging.NewModuleBase(env.Name),
		env:            env,
		logger:         logger,
		url:            cfg.URL,
		queue:          cfg.Queue,
		prefetch:       cfg.Prefetch,
		reconnectDelay: reconnect,
		replyTimeout:   replyTimeout,
		dial:           DialAMQP,
		replies:        make(chan pendingReply, 256),
	}
	if b.queue == "" {
		b.queue = "halcore.commands"
	}
	if b.prefetch <= 0 {
		b.prefetch = 8
	}
	for _, opt := range options {
		opt(b)
	}
	return b, nil
}

func parseDuration(s string, fallback time.Duration) (time.Duration, error) {
	if s == "" {
		return fallback, nil
	}
	return time.ParseDuration(s)
}

// Commands returns how many commands were turned into bus messages.
func (b *Bridge) Commands() int64 { return b.commands.Load() }

// Rejected returns how many commands were rejected.
func (b *Bridge) Rejected() int64 { return b.rejected.Load() }

// Receive implements messaging.Module. The bridge starts consuming once the
// bus has started.
func (b *Bridge) Receive(msg *messaging.Message) error {
	if msg.IsType(contracts.Start) {
		b.start()
	}
	msg.RefDecrement()
	return nil
}

// OnError keeps errors of forwarded commands away from the unhandled
// handler; they travel back in the reply.
func (b *Bridge) OnError(*messaging.Message, contracts.Failure) bool {
	return true
}

// Teardown stops consuming, flushes pending replies and closes the connection.
func (b *Bridge) Teardown() {
	b.mu.Lock()
	cancel := b.cancel
	b.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	b.wg.Wait()
	b.closeChannel()
	b.logger.Info("remote bridge stopped",
		"commands", b.commands.Load(),
		"rejected", b.rejected.Load(),
	)
}

func (b *Bridge) start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return
	}
	b.running = true

	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.wg.Add(2)
	go b.consume(ctx)
	go b.publishReplies(ctx)
}

func (b *Bridge) consume(ctx context.Context) {
	defer b.wg.Done()

	for {
		ch, closer, err := connect(ctx, b.dial, b.url, b.reconnectDelay, b.logger)
		if err != nil {
			return
		}
		b.setChannel(ch, closer)

		deliveries, err := b.subscribe(ctx, ch)
		if err != nil {
			b.logger.Error("failed to subscribe", "queue", b.queue, "error", err)
			b.closeChannel()
		} else {
			b.logger.Info("consuming remote commands", "queue", b.queue)
			for d := range deliveries {
				b.handle(d)
			}
		}

		if ctx.Err() != nil {
			return
		}
		b.closeChannel()
		b.logger.Warn("command stream closed, reconnecting", "queue", b.queue)
		select {
		case <-ctx.Done():
			return
		case <-time.After(b.reconnectDelay):
		}
	}
}

func (b *Bridge) subscribe(ctx context.Context, ch Channel) (<-chan amqp.Delivery, error) {
	if err := ch.Qos(b.prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("failed to set qos: %w", err)
	}
	if _, err := ch.QueueDeclare(b.queue, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}
	return ch.ConsumeWithContext(ctx, b.queue, b.Name(), false, false, false, false, nil)
}

func (b *Bridge) handle(d amqp.Delivery) {
	cmd, err := decodeCommand(d.Body)
	if err != nil {
		b.reject(d, cmd, fmt.Errorf("malformed command: %w", err))
		return
	}
	if cmd.CorrelationID == "" {
		cmd.CorrelationID = d.CorrelationId
	}
	if cmd.CorrelationID == "" {
		cmd.CorrelationID = ids.NewString()
	}

	opts := []messaging.MessageOption{}
	if cmd.Sync || cmd.Type == contracts.Shutdown {
		opts = append(opts, messaging.WithSync())
	}

	var msg *messaging.Message
	if cmd.Type != contracts.Shutdown {
		opts = append(opts, messaging.WithFinalizer(func() { b.complete(d, cmd, msg) }))
	}
	msg, err = b.env.NewMessage(cmd.Type, contracts.Normalize(cmd.Data), opts...)
	if err != nil {
		b.reject(d, cmd, err)
		return
	}

	// Replies to shutdown go out first: the bridge is torn down before the
	// shutdown message completes.
	if msg.IsType(contracts.Shutdown) {
		b.send(pendingReply{
			delivery: d,
			reply:    contracts.ReplyEnvelope{CorrelationID: cmd.CorrelationID, Type: cmd.Type, Success: true},
			ack:      true,
		})
	}

	if err := b.env.Send(msg); err != nil {
		if !msg.IsType(contracts.Shutdown) {
			b.reject(d, cmd, err)
		}
		return
	}
	b.commands.Add(1)
	b.logger.Debug("forwarded remote command",
		"messageType", cmd.Type,
		"correlationId", cmd.CorrelationID,
	)
}

// complete runs as the forwarded message's finalizer.
func (b *Bridge) complete(d amqp.Delivery, cmd contracts.Envelope, msg *messaging.Message) {
	failures := msg.Errors()
	pr := pendingReply{
		delivery: d,
		reply: contracts.ReplyEnvelope{
			CorrelationID: cmd.CorrelationID,
			Type:          cmd.Type,
			Success:       len(failures) == 0,
			Responses:     msg.Responses(),
			Errors:        failures,
		},
		ack: true,
	}
	select {
	case b.replies <- pr:
	default:
		go b.send(pr)
	}
}

func (b *Bridge) reject(d amqp.Delivery, cmd contracts.Envelope, err error) {
	b.rejected.Add(1)
	b.logger.Warn("rejecting remote command",
		"messageType", cmd.Type,
		"correlationId", d.CorrelationId,
		"error", err,
	)
	correlationID := cmd.CorrelationID
	if correlationID == "" {
		correlationID = d.CorrelationId
	}
	b.send(pendingReply{
		delivery: d,
		reply: contracts.ReplyEnvelope{
			CorrelationID: correlationID,
			Type:          cmd.Type,
			Errors:        []contracts.Failure{{Source: b.Name(), Text: err.Error(), CreatedAt: time.Now()}},
		},
	})
}

func (b *Bridge) publishReplies(ctx context.Context) {
	defer b.wg.Done()
	for {
		select {
		case pr := <-b.replies:
			b.send(pr)
		case <-ctx.Done():
			for {
				select {
				case pr := <-b.replies:
					b.send(pr)
				default:
					return
				}
			}
		}
	}
}

// send publishes the reply, when the command asked for one, then settles the delivery.
func (b *Bridge) send(pr pendingReply) {
	if pr.delivery.ReplyTo != "" {
		if err := b.publish(pr.delivery.ReplyTo, pr.reply); err != nil {
			b.logger.Error("failed to publish reply",
				"replyTo", pr.delivery.ReplyTo,
				"correlationId", pr.reply.CorrelationID,
				"error", err,
			)
		}
	}

	var err error
	if pr.ack {
		err = pr.delivery.Ack(false)
	} else {
		err = pr.delivery.Nack(false, false)
	}
	if err != nil {
		b.logger.Error("failed to settle delivery",
			"deliveryTag", pr.delivery.DeliveryTag,
			"ack", pr.ack,
			"error", err,
		)
	}
}

func (b *Bridge) publish(replyTo string, reply contracts.ReplyEnvelope) error {
	body, err := encodeReply(reply)
	if err != nil {
		return fmt.Errorf("failed to encode reply: %w", err)
	}

	b.mu.Lock()
	ch := b.ch
	b.mu.Unlock()
	if ch == nil {
		return ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.replyTimeout)
	defer cancel()
	return ch.PublishWithContext(ctx, "", replyTo, false, false, amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: reply.CorrelationID,
		Timestamp:     time.Now(),
		Body:          body,
	})
}

func (b *Bridge) setChannel(ch Channel, closer io.Closer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ch, b.closer = ch, closer
}

func (b *Bridge) closeChannel() {
	b.mu.Lock()
	ch, closer := b.ch, b.closer
	b.ch, b.closer = nil, nil
	b.mu.Unlock()

	if ch != nil {
		if err := ch.Close(); err != nil {
			b.logger.Debug("failed to close channel", "error", err)
		}
	}
	if closer != nil {
		if err := closer.Close(); err != nil {
			b.logger.Debug("failed to close connection", "error", err)
		}
	}
}
