// Package broker owns the AMQP wiring for the delivery pipeline: one topic
// exchange routed by message kind into one replicated durable queue, with a
// direct dead-letter exchange and queue behind it. The publisher runs with
// confirms; the consumer uses manual acknowledgements and bounded prefetch.
package broker

import (
	"fmt"
	"log"
	"strings"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	// Exchange is the live topic exchange; routing keys are per kind,
	// e.g. "greeting.birthday".
	Exchange = "greetings"

	// MainQueue is the quorum queue workers consume from.
	MainQueue = "greetings.send"

	// DeadLetterExchange receives rejects-without-requeue from MainQueue.
	DeadLetterExchange = "greetings.dlx"

	// DeadLetterQueue is terminal; consuming it is an operator task.
	DeadLetterQueue = "greetings.dead"

	// deadLetterKey is the fixed routing key on the DLX binding.
	deadLetterKey = "dead"
)

// RoutingKey returns the topic routing key for a message kind.
func RoutingKey(messageType string) string {
	return "greeting." + strings.ToLower(messageType)
}

// bindingKey matches every kind routed into the main queue.
const bindingKey = "greeting.*"

// Broker holds the singleton AMQP connection for a process. Publisher and
// consumer each open their own logical channel on it.
type Broker struct {
	url string

	mu   sync.Mutex
	conn *amqp.Connection
}

// Dial connects to the broker and declares the full topology. The
// connection is owned by the caller and closed via Close on shutdown.
func Dial(url string) (*Broker, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("broker dial: %w", err)
	}
	b := &Broker{url: url, conn: conn}
	if err := b.declareTopology(); err != nil {
		conn.Close()
		return nil, err
	}
	log.Printf("[Broker] Connected, topology declared (exchange=%s queue=%s dlq=%s)",
		Exchange, MainQueue, DeadLetterQueue)
	return b, nil
}

// Channel opens a new logical channel on the shared connection.
func (b *Broker) Channel() (*amqp.Channel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil || b.conn.IsClosed() {
		return nil, fmt.Errorf("broker: connection closed")
	}
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("broker channel: %w", err)
	}
	return ch, nil
}

// Ping reports whether the connection is still open.
func (b *Broker) Ping() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil || b.conn.IsClosed() {
		return fmt.Errorf("broker: connection closed")
	}
	return nil
}

// Close shuts the connection down after channels drain.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return nil
	}
	err := b.conn.Close()
	b.conn = nil
	return err
}

// declareTopology is idempotent: every declare is a no-op when the entity
// already exists with the same properties.
func (b *Broker) declareTopology() error {
	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("broker topology channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}
	if err := ch.ExchangeDeclare(DeadLetterExchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead-letter exchange: %w", err)
	}

	// Quorum queues replicate across broker nodes with majority writes, so
	// a single broker failure loses nothing.
	if _, err := ch.QueueDeclare(MainQueue, true, false, false, false, amqp.Table{
		"x-queue-type":              "quorum",
		"x-dead-letter-exchange":    DeadLetterExchange,
		"x-dead-letter-routing-key": deadLetterKey,
	}); err != nil {
		return fmt.Errorf("declare main queue: %w", err)
	}
	// The DLQ has no onward DLX: it is the end of the line.
	if _, err := ch.QueueDeclare(DeadLetterQueue, true, false, false, false, amqp.Table{
		"x-queue-type": "quorum",
	}); err != nil {
		return fmt.Errorf("declare dead-letter queue: %w", err)
	}

	if err := ch.QueueBind(MainQueue, bindingKey, Exchange, false, nil); err != nil {
		return fmt.Errorf("bind main queue: %w", err)
	}
	if err := ch.QueueBind(DeadLetterQueue, deadLetterKey, DeadLetterExchange, false, nil); err != nil {
		return fmt.Errorf("bind dead-letter queue: %w", err)
	}
	return nil
}

// QueueDepths reports the message counts of the main queue and DLQ for the
// metrics surface. Passive declares fail if the queues are missing, which
// is itself a signal worth surfacing.
func (b *Broker) QueueDepths() (main, dead int, err error) {
	ch, err := b.Channel()
	if err != nil {
		return 0, 0, err
	}
	defer ch.Close()

	q, err := ch.QueueDeclarePassive(MainQueue, true, false, false, false, amqp.Table{
		"x-queue-type":              "quorum",
		"x-dead-letter-exchange":    DeadLetterExchange,
		"x-dead-letter-routing-key": deadLetterKey,
	})
	if err != nil {
		return 0, 0, fmt.Errorf("inspect main queue: %w", err)
	}
	dq, err := ch.QueueDeclarePassive(DeadLetterQueue, true, false, false, false, amqp.Table{
		"x-queue-type": "quorum",
	})
	if err != nil {
		return q.Messages, 0, fmt.Errorf("inspect dead-letter queue: %w", err)
	}
	return q.Messages, dq.Messages, nil
}
