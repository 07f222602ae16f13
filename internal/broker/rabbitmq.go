// Package broker wraps the AMQP connection used by the scoring pipeline:
// durable queue topology with a dead-letter exchange, persistent publishing,
// and a manual-ack consumer with an explicit republish retry policy.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	// DefaultMaxRetries bounds republishes before a message goes to the DLQ.
	DefaultMaxRetries = 3

	retryHeader     = "x-retry-count"
	lastErrorHeader = "x-last-error"
)

// Handler processes one decoded message body. A returned error routes the
// message through the retry policy.
type Handler func(ctx context.Context, body []byte) error

// RabbitMQ owns one connection and one channel. Channels are not safe for
// concurrent publishing from multiple goroutines; the dispatcher publishes
// from a single loop.
type RabbitMQ struct {
	conn    *amqp.Connection
	channel *amqp.Channel

	prefetch   int
	maxRetries int
}

// Options carries the broker tunables.
type Options struct {
	URL        string
	Prefetch   int
	MaxRetries int
}

// Dial connects, opens a channel and applies the prefetch bound.
func Dial(opts Options) (*RabbitMQ, error) {
	if opts.Prefetch <= 0 {
		opts.Prefetch = 1
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = DefaultMaxRetries
	}

	conn, err := amqp.Dial(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.Qos(opts.Prefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("amqp qos: %w", err)
	}

	return &RabbitMQ{
		conn:       conn,
		channel:    ch,
		prefetch:   opts.Prefetch,
		maxRetries: opts.MaxRetries,
	}, nil
}

// Close tears down the channel and connection.
func (b *RabbitMQ) Close() error {
	if b.channel != nil {
		b.channel.Close()
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}

// IsHealthy reports whether the underlying connection is still open.
func (b *RabbitMQ) IsHealthy() bool {
	return b.conn != nil && !b.conn.IsClosed()
}

// AssertQueue declares the full topology for a queue: the dead-letter
// exchange `{name}.dlx`, the dead-letter queue `{name}.dlq` bound to it, and
// the durable main queue wired to dead-letter into the exchange.
func (b *RabbitMQ) AssertQueue(name string) error {
	dlx := name + ".dlx"
	dlq := name + ".dlq"

	if err := b.channel.ExchangeDeclare(dlx, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", dlx, err)
	}
	if _, err := b.channel.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", dlq, err)
	}
	if err := b.channel.QueueBind(dlq, name, dlx, false, nil); err != nil {
		return fmt.Errorf("bind %s to %s: %w", dlq, dlx, err)
	}

	args := amqp.Table{
		"x-dead-letter-exchange":    dlx,
		"x-dead-letter-routing-key": name,
	}
	if _, err := b.channel.QueueDeclare(name, true, false, false, false, args); err != nil {
		return fmt.Errorf("declare queue %s: %w", name, err)
	}
	return nil
}

// Publish sends a persistent JSON message to the queue.
func (b *RabbitMQ) Publish(ctx context.Context, queue string, msg interface{}) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return b.publishRaw(ctx, queue, body, amqp.Table{})
}

func (b *RabbitMQ) publishRaw(ctx context.Context, queue string, body []byte, headers amqp.Table) error {
	err := b.channel.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Headers:      headers,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", queue, err)
	}
	return nil
}

// Consume processes messages from the queue until ctx is cancelled.
//
// On handler error the message is republished with an incremented
// `x-retry-count` header and the original is acked; once the count reaches
// the retry bound the message is nacked without requeue, which routes it to
// the DLQ through the queue's dead-letter exchange. Explicit republish,
// rather than broker requeue, is what lets the headers carry attempt history.
func (b *RabbitMQ) Consume(ctx context.Context, queue string, handler Handler) error {
	deliveries, err := b.channel.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", queue, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("consume %s: delivery channel closed", queue)
			}
			b.handleDelivery(ctx, queue, d, handler)
		}
	}
}

func (b *RabbitMQ) handleDelivery(ctx context.Context, queue string, d amqp.Delivery, handler Handler) {
	err := handler(ctx, d.Body)
	if err == nil {
		if ackErr := d.Ack(false); ackErr != nil {
			slog.Error("ack failed", "queue", queue, "error", ackErr)
		}
		return
	}

	retries := retryCount(d.Headers)
	if retries < b.maxRetries {
		headers := amqp.Table{
			retryHeader:     retries + 1,
			lastErrorHeader: err.Error(),
		}
		if pubErr := b.publishRaw(ctx, queue, d.Body, headers); pubErr != nil {
			slog.Error("retry republish failed", "queue", queue, "error", pubErr)
			// Keep the original alive; the broker redelivers it.
			if nackErr := d.Nack(false, true); nackErr != nil {
				slog.Error("nack failed", "queue", queue, "error", nackErr)
			}
			return
		}
		slog.Warn("message retried", "queue", queue, "attempt", retries+1, "error", err)
		if ackErr := d.Ack(false); ackErr != nil {
			slog.Error("ack failed", "queue", queue, "error", ackErr)
		}
		return
	}

	slog.Error("message exhausted retries, dead-lettering", "queue", queue, "retries", retries, "error", err)
	if nackErr := d.Nack(false, false); nackErr != nil {
		slog.Error("nack failed", "queue", queue, "error", nackErr)
	}
}

// retryCount reads the retry header, tolerating the integer widths AMQP
// clients use for table values.
func retryCount(headers amqp.Table) int {
	if headers == nil {
		return 0
	}
	switch v := headers[retryHeader].(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

// QueueMessageCount returns the queue's ready-message count. Best effort:
// errors report as zero.
func (b *RabbitMQ) QueueMessageCount(queue string) int {
	// Redeclaring with identical arguments is idempotent and returns the
	// current counts without risking a channel-closing passive declare.
	q, err := b.channel.QueueDeclare(queue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    queue + ".dlx",
		"x-dead-letter-routing-key": queue,
	})
	if err != nil {
		slog.Warn("queue depth probe failed", "queue", queue, "error", err)
		return 0
	}
	return q.Messages
}

// DeadLetterCount returns the ready-message count of the queue's DLQ. The
// DLQ is declared without dead-letter args, so the redeclare here must match.
func (b *RabbitMQ) DeadLetterCount(queue string) int {
	dlq := queue + ".dlq"
	q, err := b.channel.QueueDeclare(dlq, true, false, false, false, nil)
	if err != nil {
		slog.Warn("dlq depth probe failed", "queue", dlq, "error", err)
		return 0
	}
	return q.Messages
}

// PurgeQueue drops all ready messages and returns how many went.
func (b *RabbitMQ) PurgeQueue(queue string) (int, error) {
	n, err := b.channel.QueuePurge(queue, false)
	if err != nil {
		return 0, fmt.Errorf("purge %s: %w", queue, err)
	}
	return n, nil
}
