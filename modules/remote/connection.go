package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrNotConnected is returned when a reply is published without a channel.
var ErrNotConnected = errors.New("remote: not connected")

// Channel is the part of an AMQP channel the bridge uses. *amqp.Channel implements it.
type Channel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	ConsumeWithContext(ctx context.Context, queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Dialer opens a channel. The returned closer releases the underlying connection.
type Dialer func(ctx context.Context, url string) (Channel, io.Closer, error)

// DialAMQP is the Dialer used outside tests.
func DialAMQP(_ context.Context, url string) (Channel, io.Closer, error) {
	conn, err := amqp.DialConfig(url, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("failed to open channel: %w", err)
	}
	return ch, conn, nil
}

// connect dials until it succeeds or ctx ends, backing off between attempts.
func connect(ctx context.Context, dial Dialer, url string, base time.Duration, logger *slog.Logger) (Channel, io.Closer, error) {
	for attempt := 0; ; attempt++ {
		ch, closer, err := dial(ctx, url)
		if err == nil {
			if attempt > 0 {
				logger.Info("connected to broker", "attempts", attempt+1)
			}
			return ch, closer, nil
		}

		delay := backoff(base, attempt)
		logger.Warn("broker connection failed",
			"error", err,
			"attempt", attempt+1,
			"retryIn", delay,
		)
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-time.After(delay):
		}
	}
}

// backoff grows exponentially from base with ±12.5% jitter, capped at one minute.
func backoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	const maxDelay = time.Minute

	delay := base << min(attempt, 16)
	if delay > maxDelay || delay <= 0 {
		delay = maxDelay
	}
	jitter := time.Duration(float64(delay) * 0.25)
	if jitter > 0 {
		delay = delay - jitter/2 + time.Duration(time.Now().UnixNano()%int64(jitter))
	}
	return delay
}
