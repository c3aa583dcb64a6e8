package worker

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/ignite/greeting-service/internal/broker"
	"github.com/ignite/greeting-service/internal/delivery"
	"github.com/ignite/greeting-service/internal/domain"
	"github.com/ignite/greeting-service/internal/pkg/logger"
	"github.com/ignite/greeting-service/internal/repository/postgres"
)

// DefaultMaxRetries bounds transient failures per message before the
// row is dead-lettered.
const DefaultMaxRetries = 3

// LogStore is the slice of the message log the worker mutates.
type LogStore interface {
	FindByID(ctx context.Context, id uuid.UUID) (*domain.MessageLog, error)
	MarkStatus(ctx context.Context, id uuid.UUID, from, to domain.Status) (bool, error)
	RecordSuccess(ctx context.Context, id uuid.UUID, sentAt time.Time, code int, body string) error
	RecordFailure(ctx context.Context, id uuid.UUID, code *int, body, errMsg string, maxRetries int) (domain.Status, error)
	RecordPermanentFailure(ctx context.Context, id uuid.UUID, code *int, body, errMsg string) error
}

// UserSource resolves the recipient at send time, so deletions between
// scheduling and delivery are honored.
type UserSource interface {
	FindByID(ctx context.Context, id uuid.UUID) (*domain.User, error)
}

// Sender is the delivery client surface the worker calls.
type Sender interface {
	Send(ctx context.Context, email, message string) (*delivery.Result, error)
}

// Observer receives per-delivery outcomes for the metrics surface.
type Observer interface {
	ObserveDelivery(messageType, outcome string, seconds float64)
}

// Stats are the pool's lifetime counters.
type Stats struct {
	Processed int64
	Sent      int64
	Retried   int64
	Failed    int64
	Dropped   int64 // duplicates and stale envelopes acked without sending
}

// Pool runs N consumer goroutines against the main queue.
type Pool struct {
	consumer    *broker.Consumer
	logs        LogStore
	users       UserSource
	sender      Sender
	observer    Observer
	concurrency int
	maxRetries  int

	processed int64
	sent      int64
	retried   int64
	failed    int64
	dropped   int64

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewPool wires a worker pool. observer may be nil.
func NewPool(consumer *broker.Consumer, logs LogStore, users UserSource, sender Sender, concurrency, maxRetries int, observer Observer) *Pool {
	if concurrency <= 0 {
		concurrency = 5
	}
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Pool{
		consumer:    consumer,
		logs:        logs,
		users:       users,
		sender:      sender,
		observer:    observer,
		concurrency: concurrency,
		maxRetries:  maxRetries,
	}
}

// Start launches the consumer goroutines. Idempotent.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}

	deliveries, err := p.consumer.Deliveries()
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true

	log.Printf("[WorkerPool] Starting %d workers (max_retries=%d)", p.concurrency, p.maxRetries)
	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go p.runWorker(runCtx, i, deliveries)
	}
	return nil
}

// Stop cancels the subscription and waits for every worker goroutine to
// exit. Deliveries already being handled run to completion and are acked
// or nacked on their own merits; only the pull loop stops early.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	if err := p.consumer.Cancel(); err != nil {
		log.Printf("[WorkerPool] Consumer cancel: %v", err)
	}
	p.cancel()
	p.wg.Wait()
	log.Printf("[WorkerPool] Stopped: %+v", p.Snapshot())
}

// Snapshot returns the current counters.
func (p *Pool) Snapshot() Stats {
	return Stats{
		Processed: atomic.LoadInt64(&p.processed),
		Sent:      atomic.LoadInt64(&p.sent),
		Retried:   atomic.LoadInt64(&p.retried),
		Failed:    atomic.LoadInt64(&p.failed),
		Dropped:   atomic.LoadInt64(&p.dropped),
	}
}

func (p *Pool) runWorker(ctx context.Context, id int, deliveries <-chan amqp.Delivery) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				log.Printf("[WorkerPool] Worker %d: delivery channel closed", id)
				return
			}
			p.handleDelivery(ctx, d)
		}
	}
}

func (p *Pool) observe(messageType, outcome string, started time.Time) {
	if p.observer != nil {
		p.observer.ObserveDelivery(messageType, outcome, time.Since(started).Seconds())
	}
}

// handleDelivery runs one envelope through the send path. Ack/nack/reject
// decisions mirror the row's state transition: the database is the source
// of truth, the queue only carries work.
func (p *Pool) handleDelivery(ctx context.Context, d amqp.Delivery) {
	// Shutdown cancels the consume loop, never work in progress. An envelope
	// already picked up runs to completion under the send path's own
	// timeouts, so a routine restart cannot burn a retry on a healthy
	// message or dead-letter it at the edge of the budget.
	ctx = context.WithoutCancel(ctx)

	atomic.AddInt64(&p.processed, 1)
	started := time.Now()

	env, err := broker.ParseEnvelope(d.Body)
	if err != nil {
		// Malformed payloads can never succeed; straight to the DLQ.
		log.Printf("[WorkerPool] Malformed envelope: %v", err)
		p.reject(d)
		atomic.AddInt64(&p.failed, 1)
		return
	}

	m, err := p.logs.FindByID(ctx, env.MessageID)
	if errors.Is(err, postgres.ErrNotFound) {
		log.Printf("[WorkerPool] No log row for %s, dropping", env.MessageID)
		p.ack(d)
		atomic.AddInt64(&p.dropped, 1)
		return
	}
	if err != nil {
		// Database blip: requeue and let a later attempt read the row.
		log.Printf("[WorkerPool] Load %s failed: %v", env.MessageID, err)
		p.nackRequeue(d)
		return
	}

	// Exactly-once guard: a redelivered envelope for a finished row is
	// dropped before the delivery API is ever touched.
	if m.Status.Terminal() {
		p.ack(d)
		atomic.AddInt64(&p.dropped, 1)
		p.observe(m.MessageType, "dropped", started)
		return
	}

	// SENDING means another worker holds the row right now. If that worker
	// died mid-send the sweeper re-drives it; this copy is surplus.
	if m.Status == domain.StatusSending {
		p.ack(d)
		atomic.AddInt64(&p.dropped, 1)
		p.observe(m.MessageType, "dropped", started)
		return
	}

	// No due-time gate here: the enqueuer's look-ahead bounds how early an
	// envelope can arrive, and broker latency is well under that margin.
	moved, err := p.logs.MarkStatus(ctx, m.ID, m.Status, domain.StatusSending)
	if err != nil {
		log.Printf("[WorkerPool] Claim %s failed: %v", m.ID, err)
		p.nackRequeue(d)
		return
	}
	if !moved {
		// Lost the claim race: another worker owns this row now.
		p.ack(d)
		atomic.AddInt64(&p.dropped, 1)
		return
	}

	user, err := p.users.FindByID(ctx, m.UserID)
	if errors.Is(err, postgres.ErrNotFound) || (err == nil && user.Deleted()) {
		msg := "user deleted before delivery"
		if err != nil {
			msg = "user record missing"
		}
		if ferr := p.logs.RecordPermanentFailure(ctx, m.ID, nil, "", msg); ferr != nil {
			log.Printf("[WorkerPool] Record failure for %s: %v", m.ID, ferr)
		}
		p.reject(d)
		atomic.AddInt64(&p.failed, 1)
		p.observe(m.MessageType, "failed", started)
		return
	}
	if err != nil {
		// Row is SENDING with no attempt made; roll it back so the
		// requeued envelope can claim it again.
		if _, rerr := p.logs.MarkStatus(ctx, m.ID, domain.StatusSending, domain.StatusQueued); rerr != nil {
			log.Printf("[WorkerPool] Rollback %s failed: %v", m.ID, rerr)
		}
		p.nackRequeue(d)
		return
	}

	res, sendErr := p.sender.Send(ctx, user.Email, m.MessageContent)
	if sendErr == nil {
		if err := p.logs.RecordSuccess(ctx, m.ID, time.Now().UTC(), res.StatusCode, res.Body); err != nil {
			// The send happened; never requeue here or it sends twice.
			log.Printf("[WorkerPool] Record success for %s failed: %v", m.ID, err)
		}
		logger.Info("message delivered",
			"message_id", m.ID,
			"message_type", m.MessageType,
			"recipient_email", user.Email,
		)
		p.ack(d)
		atomic.AddInt64(&p.sent, 1)
		p.observe(m.MessageType, "sent", started)
		return
	}

	var code *int
	var body string
	var apiErr *delivery.APIError
	if errors.As(sendErr, &apiErr) {
		code = &apiErr.StatusCode
		body = apiErr.Body
	}

	if Classify(sendErr) == ClassPermanent {
		if err := p.logs.RecordPermanentFailure(ctx, m.ID, code, body, sendErr.Error()); err != nil {
			log.Printf("[WorkerPool] Record permanent failure for %s: %v", m.ID, err)
		}
		log.Printf("[WorkerPool] Dead-lettering %s: %v", m.ID, sendErr)
		p.reject(d)
		atomic.AddInt64(&p.failed, 1)
		p.observe(m.MessageType, "failed", started)
		return
	}

	status, err := p.logs.RecordFailure(ctx, m.ID, code, body, sendErr.Error(), p.maxRetries)
	if err != nil {
		log.Printf("[WorkerPool] Record failure for %s: %v", m.ID, err)
		p.nackRequeue(d)
		return
	}
	if status == domain.StatusRetrying {
		log.Printf("[WorkerPool] Retrying %s (%v)", m.ID, sendErr)
		p.nackRequeue(d)
		atomic.AddInt64(&p.retried, 1)
		p.observe(m.MessageType, "retried", started)
		return
	}

	log.Printf("[WorkerPool] Retries exhausted for %s, dead-lettering", m.ID)
	p.reject(d)
	atomic.AddInt64(&p.failed, 1)
	p.observe(m.MessageType, "failed", started)
}

func (p *Pool) ack(d amqp.Delivery) {
	if err := d.Ack(false); err != nil {
		log.Printf("[WorkerPool] Ack failed: %v", err)
	}
}

func (p *Pool) nackRequeue(d amqp.Delivery) {
	if err := d.Nack(false, true); err != nil {
		log.Printf("[WorkerPool] Nack failed: %v", err)
	}
}

// reject without requeue routes the delivery through the dead-letter
// exchange into the DLQ.
func (p *Pool) reject(d amqp.Delivery) {
	if err := d.Reject(false); err != nil {
		log.Printf("[WorkerPool] Reject failed: %v", err)
	}
}
