package scheduler

import (
	"context"
	"log"
	"time"

	"github.com/ignite/greeting-service/internal/domain"
)

const (
	// DefaultRecoveryGrace is how far past its scheduled send time a
	// non-terminal row must be before the sweeper re-drives it. The grace
	// keeps the sweeper off rows the normal path is still working on.
	DefaultRecoveryGrace = 5 * time.Minute

	// DefaultRecoveryBatch caps one sweep so a large backlog after downtime
	// drains in steady slices instead of one thundering run.
	DefaultRecoveryBatch = 500

	// DefaultStaleSendingAge is how long a row may sit in SENDING before
	// its worker is presumed dead and the row is reclaimed. Longer than a
	// full retry cycle so in-flight sends are never stolen.
	DefaultStaleSendingAge = 10 * time.Minute
)

// RecoveryStats summarizes one sweep.
type RecoveryStats struct {
	Found       int
	Republished int
	Reclaimed   int
	Errors      int
}

// RecoverySweeper is the crash-recovery net. A row can strand in SCHEDULED
// (enqueuer never ran), QUEUED (publish confirmed but the broker copy was
// lost, or the worker died before touching the row), or RETRYING (worker
// died between the status write and the requeue). The sweeper finds rows in
// those states past their send time and republishes them; worker-side
// idempotency makes a duplicated republish harmless.
type RecoverySweeper struct {
	logs      LogStore
	publisher Publisher
	observer  Observer
	grace     time.Duration
	staleAge  time.Duration
	batch     int
	now       func() time.Time
}

// NewRecoverySweeper wires the sweep job with default grace and batch.
func NewRecoverySweeper(logs LogStore, publisher Publisher) *RecoverySweeper {
	return &RecoverySweeper{
		logs:      logs,
		publisher: publisher,
		grace:     DefaultRecoveryGrace,
		staleAge:  DefaultStaleSendingAge,
		batch:     DefaultRecoveryBatch,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetObserver attaches an outcome observer. May stay unset.
func (s *RecoverySweeper) SetObserver(o Observer) { s.observer = o }

// Run executes one sweep: overdue non-terminal rows first, then rows a
// crashed worker left claimed in SENDING.
func (s *RecoverySweeper) Run(ctx context.Context) (RecoveryStats, error) {
	cutoff := s.now().Add(-s.grace)
	var stats RecoveryStats

	missed, err := s.logs.FindMissed(ctx, cutoff, domain.RecoverableStatuses, s.batch)
	if err != nil {
		return stats, err
	}
	stats.Found = len(missed)
	if len(missed) > 0 {
		log.Printf("[RecoverySweeper] Found %d rows overdue past %s", len(missed), cutoff.Format(time.RFC3339))
	}

	for i := range missed {
		m := &missed[i]
		if err := s.publisher.Publish(ctx, m); err != nil {
			log.Printf("[RecoverySweeper] Republish failed for %s: %v", m.ID, err)
			stats.Errors++
			continue
		}
		// SCHEDULED and RETRYING rows move to QUEUED now that a broker copy
		// exists again; QUEUED rows stay QUEUED. A lost race means the normal
		// path got there first, which is fine.
		if m.Status != domain.StatusQueued {
			if _, err := s.logs.MarkStatus(ctx, m.ID, m.Status, domain.StatusQueued); err != nil {
				log.Printf("[RecoverySweeper] Status flip failed for %s: %v", m.ID, err)
				stats.Errors++
				continue
			}
		}
		stats.Republished++
	}

	stuck, err := s.logs.FindStuckSending(ctx, s.now().Add(-s.staleAge), s.batch)
	if err != nil {
		return stats, err
	}
	for i := range stuck {
		m := &stuck[i]
		// Reclaim before republishing so the queue copy finds a claimable
		// row. If the dead worker's send actually went out but its success
		// write was lost, the API gets one duplicate call; the log row is
		// the best truth available.
		moved, err := s.logs.MarkStatus(ctx, m.ID, domain.StatusSending, domain.StatusQueued)
		if err != nil {
			log.Printf("[RecoverySweeper] Reclaim failed for %s: %v", m.ID, err)
			stats.Errors++
			continue
		}
		if !moved {
			continue
		}
		m.Status = domain.StatusQueued
		if err := s.publisher.Publish(ctx, m); err != nil {
			// Row is QUEUED again; the overdue pass picks it up next sweep.
			log.Printf("[RecoverySweeper] Republish reclaimed %s failed: %v", m.ID, err)
			stats.Errors++
			continue
		}
		log.Printf("[RecoverySweeper] Reclaimed stuck row %s from dead worker", m.ID)
		stats.Reclaimed++
	}

	if stats.Republished > 0 || stats.Reclaimed > 0 || stats.Errors > 0 {
		log.Printf("[RecoverySweeper] Sweep done: republished=%d reclaimed=%d errors=%d",
			stats.Republished, stats.Reclaimed, stats.Errors)
	}
	if s.observer != nil && stats.Republished+stats.Reclaimed > 0 {
		s.observer.ObserveRecovered(stats.Republished + stats.Reclaimed)
	}
	return stats, nil
}
