package broker

import (
	"context"
	"fmt"
	"log"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/ignite/greeting-service/internal/domain"
)

// Publisher publishes job envelopes with publisher confirms: a publish is
// not done until the broker acknowledges it was written to the quorum.
type Publisher struct {
	ch             *amqp.Channel
	confirmTimeout time.Duration
}

// NewPublisher opens a confirming channel on the broker connection.
func NewPublisher(b *Broker) (*Publisher, error) {
	ch, err := b.Channel()
	if err != nil {
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}
	return &Publisher{ch: ch, confirmTimeout: 10 * time.Second}, nil
}

// Publish sends the envelope for a message log row and waits for the
// broker confirm. An error (or a nack) means the caller must not advance
// the row's state: the next tick or the sweeper will retry.
func (p *Publisher) Publish(ctx context.Context, m *domain.MessageLog) error {
	env := NewEnvelope(m, time.Now().UTC())
	pub, err := env.Publishing()
	if err != nil {
		return err
	}

	confirmCtx, cancel := context.WithTimeout(ctx, p.confirmTimeout)
	defer cancel()

	conf, err := p.ch.PublishWithDeferredConfirmWithContext(
		confirmCtx, Exchange, RoutingKey(m.MessageType), false, false, pub)
	if err != nil {
		return fmt.Errorf("publish %s: %w", m.ID, err)
	}
	acked, err := conf.WaitContext(confirmCtx)
	if err != nil {
		return fmt.Errorf("publish confirm %s: %w", m.ID, err)
	}
	if !acked {
		return fmt.Errorf("publish %s: broker nacked", m.ID)
	}
	return nil
}

// Close releases the publisher channel.
func (p *Publisher) Close() {
	if err := p.ch.Close(); err != nil {
		log.Printf("[Publisher] channel close: %v", err)
	}
}
