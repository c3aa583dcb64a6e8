// Package scheduler hosts the periodic jobs that feed the pipeline: the
// pre-calculator that materializes upcoming occurrences into the message
// log, the enqueuer that hands due rows to the broker, the recovery sweeper
// that re-drives missed rows, and the partition maintainer. Jobs run on a
// shared cron runner; each job guards against overlapping runs.
package scheduler

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/greeting-service/internal/domain"
	"github.com/ignite/greeting-service/internal/strategy"
)

// UserSource is the read side of the user store the scheduler consumes.
type UserSource interface {
	FindCandidates(ctx context.Context, triggerField string, limit, offset int) ([]domain.User, error)
}

// LogStore is the slice of the message log the scheduler jobs touch.
type LogStore interface {
	InsertIfAbsent(ctx context.Context, m *domain.MessageLog) (bool, error)
	FindDueBetween(ctx context.Context, start, end time.Time, status domain.Status, limit int) ([]domain.MessageLog, error)
	FindMissed(ctx context.Context, olderThan time.Time, statuses []domain.Status, limit int) ([]domain.MessageLog, error)
	FindStuckSending(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.MessageLog, error)
	MarkStatus(ctx context.Context, id uuid.UUID, from, to domain.Status) (bool, error)
}

// Publisher hands a message log row to the broker, blocking on the confirm.
type Publisher interface {
	Publish(ctx context.Context, m *domain.MessageLog) error
}

// Observer receives job outcomes for the metrics surface.
type Observer interface {
	ObserveScheduled(messageType string)
	ObserveRecovered(count int)
}

// PreCalcStats summarizes one pre-calculation run.
type PreCalcStats struct {
	Evaluated  int
	Scheduled  int
	Duplicates int
	Skipped    int
	Errors     int
}

// PreCalculator materializes upcoming occurrences as SCHEDULED rows.
//
// Each run evaluates every candidate user at two probe instants: now and
// now+24h. The look-ahead probe catches occurrences whose send instant in a
// behind-UTC zone falls inside the coming day even though the user's local
// date has not reached the anchor yet. The two probes can both fire for the
// same occurrence; the idempotency key collapses them to one row.
type PreCalculator struct {
	users    UserSource
	logs     LogStore
	registry *strategy.Registry
	observer Observer
	batch    int
	now      func() time.Time
}

// NewPreCalculator wires the pre-calculation job.
func NewPreCalculator(users UserSource, logs LogStore, registry *strategy.Registry) *PreCalculator {
	return &PreCalculator{
		users:    users,
		logs:     logs,
		registry: registry,
		batch:    500,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetObserver attaches an outcome observer. May stay unset.
func (p *PreCalculator) SetObserver(o Observer) { p.observer = o }

// Run executes one pre-calculation pass over every registered strategy.
// Per-user failures are logged and counted; they never abort the run.
func (p *PreCalculator) Run(ctx context.Context) (PreCalcStats, error) {
	started := p.now()
	probes := []time.Time{started, started.Add(24 * time.Hour)}
	var stats PreCalcStats

	for _, strat := range p.registry.All() {
		sched := strat.Schedule()
		offset := 0
		for {
			users, err := p.users.FindCandidates(ctx, sched.TriggerField, p.batch, offset)
			if err != nil {
				return stats, err
			}
			if len(users) == 0 {
				break
			}
			for i := range users {
				p.evaluateUser(ctx, strat, &users[i], probes, &stats)
			}
			if len(users) < p.batch {
				break
			}
			offset += p.batch
		}
	}

	log.Printf("[PreCalculator] Run complete in %s: evaluated=%d scheduled=%d duplicates=%d skipped=%d errors=%d",
		time.Since(started).Round(time.Millisecond),
		stats.Evaluated, stats.Scheduled, stats.Duplicates, stats.Skipped, stats.Errors)
	return stats, nil
}

func (p *PreCalculator) evaluateUser(ctx context.Context, strat strategy.Strategy, user *domain.User, probes []time.Time, stats *PreCalcStats) {
	stats.Evaluated++

	if user.Deleted() {
		stats.Skipped++
		return
	}
	if vr := strat.Validate(user); !vr.Valid {
		log.Printf("[PreCalculator] Skipping user %s for %s: %v", user.ID, strat.MessageType(), vr.Errors)
		stats.Skipped++
		return
	} else if len(vr.Warnings) > 0 {
		log.Printf("[PreCalculator] User %s warnings for %s: %v", user.ID, strat.MessageType(), vr.Warnings)
	}

	// Both probes can resolve to the same occurrence; seen keeps the second
	// one from even reaching the database.
	seen := make(map[string]bool, len(probes))

	for _, probe := range probes {
		fires, occurrence, err := strat.ShouldSend(user, probe)
		if err != nil {
			log.Printf("[PreCalculator] ShouldSend failed for user %s: %v", user.ID, err)
			stats.Errors++
			return
		}
		if !fires {
			continue
		}

		key := domain.IdempotencyKey(user.ID, strat.MessageType(), occurrence, user.Timezone)
		if seen[key] {
			continue
		}
		seen[key] = true

		sendAt, err := strat.CalculateSendTime(user, occurrence)
		if err != nil {
			log.Printf("[PreCalculator] CalculateSendTime failed for user %s: %v", user.ID, err)
			stats.Errors++
			return
		}

		content := strat.ComposeMessage(user, strategy.Context{
			CurrentYear:    occurrence.Year,
			OccurrenceDate: occurrence,
			Timezone:       user.Timezone,
		})

		inserted, err := p.logs.InsertIfAbsent(ctx, &domain.MessageLog{
			UserID:            user.ID,
			MessageType:       strat.MessageType(),
			MessageContent:    content,
			ScheduledSendTime: sendAt,
			Status:            domain.StatusScheduled,
			IdempotencyKey:    key,
		})
		if err != nil {
			log.Printf("[PreCalculator] Insert failed for user %s: %v", user.ID, err)
			stats.Errors++
			return
		}
		if inserted {
			stats.Scheduled++
			if p.observer != nil {
				p.observer.ObserveScheduled(strat.MessageType())
			}
		} else {
			stats.Duplicates++
		}
	}
}
