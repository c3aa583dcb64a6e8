package broker

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Consumer wraps a manually-acknowledged subscription on the main queue.
type Consumer struct {
	ch  *amqp.Channel
	tag string
}

// NewConsumer opens a channel with the given prefetch bound. Prefetch keeps
// one slow worker from hoarding the queue while others idle.
func NewConsumer(b *Broker, tag string, prefetch int) (*Consumer, error) {
	ch, err := b.Channel()
	if err != nil {
		return nil, err
	}
	if prefetch <= 0 {
		prefetch = 5
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("set prefetch: %w", err)
	}
	return &Consumer{ch: ch, tag: tag}, nil
}

// Deliveries starts consuming from the main queue with manual acks. The
// returned channel closes when the AMQP channel closes.
func (c *Consumer) Deliveries() (<-chan amqp.Delivery, error) {
	deliveries, err := c.ch.Consume(MainQueue, c.tag, false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", MainQueue, err)
	}
	return deliveries, nil
}

// Cancel stops the subscription so in-flight deliveries can drain, then
// Close releases the channel.
func (c *Consumer) Cancel() error {
	return c.ch.Cancel(c.tag, false)
}

// Close releases the consumer channel.
func (c *Consumer) Close() error {
	return c.ch.Close()
}
