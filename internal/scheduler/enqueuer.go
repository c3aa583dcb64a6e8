package scheduler

import (
	"context"
	"log"
	"time"

	"github.com/ignite/greeting-service/internal/domain"
)

// EnqueueStats summarizes one enqueuer tick.
type EnqueueStats struct {
	Published int
	Errors    int
}

// Enqueuer moves due SCHEDULED rows onto the broker. Publish happens before
// the status flip: if the confirm fails the row stays SCHEDULED and the next
// tick retries, and if the process dies between confirm and flip the worker's
// terminal-state check absorbs the duplicate delivery.
type Enqueuer struct {
	logs      LogStore
	publisher Publisher
	window    time.Duration
	batch     int
	now       func() time.Time
}

// NewEnqueuer wires the enqueue job. window is how far ahead of now a row may
// be and still ship this tick. The hour of margin absorbs clock skew and
// worker lag; workers send on consumption without re-checking the send time,
// so broker delivery latency is assumed well under the window.
func NewEnqueuer(logs LogStore, publisher Publisher, window time.Duration) *Enqueuer {
	if window <= 0 {
		window = time.Hour
	}
	return &Enqueuer{
		logs:      logs,
		publisher: publisher,
		window:    window,
		batch:     100,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run executes one enqueue tick: find SCHEDULED rows due by now+window,
// publish each with confirms, then flip SCHEDULED -> QUEUED.
func (e *Enqueuer) Run(ctx context.Context) (EnqueueStats, error) {
	now := e.now()
	var stats EnqueueStats

	// Lower bound far in the past: rows the enqueuer itself missed (downtime)
	// are still due, not the sweeper's exclusive property.
	due, err := e.logs.FindDueBetween(ctx, time.Time{}, now.Add(e.window), domain.StatusScheduled, e.batch)
	if err != nil {
		return stats, err
	}

	for i := range due {
		m := &due[i]
		if err := e.publisher.Publish(ctx, m); err != nil {
			log.Printf("[Enqueuer] Publish failed for %s: %v", m.ID, err)
			stats.Errors++
			continue
		}
		moved, err := e.logs.MarkStatus(ctx, m.ID, domain.StatusScheduled, domain.StatusQueued)
		if err != nil {
			log.Printf("[Enqueuer] Status flip failed for %s: %v", m.ID, err)
			stats.Errors++
			continue
		}
		if !moved {
			// Someone else already advanced the row; the duplicate publish is
			// harmless because workers check for terminal state first.
			log.Printf("[Enqueuer] Row %s already advanced past SCHEDULED", m.ID)
			continue
		}
		stats.Published++
	}

	if stats.Published > 0 || stats.Errors > 0 {
		log.Printf("[Enqueuer] Tick: published=%d errors=%d", stats.Published, stats.Errors)
	}
	return stats, nil
}
