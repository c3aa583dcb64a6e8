package scheduler

import (
	"context"
	"log"
	"time"
)

// PartitionStore provisions and retires monthly message_logs partitions.
type PartitionStore interface {
	EnsureMonthsAhead(ctx context.Context, now time.Time, monthsAhead int) error
	DropOlderThan(ctx context.Context, cutoff time.Time) ([]string, error)
}

// PartitionMaintainer keeps a runway of future partitions provisioned and
// drops partitions past the retention horizon. Scheduling a send into a
// month with no partition fails the INSERT, so the runway must always stay
// ahead of the pre-calculator's look-ahead.
type PartitionMaintainer struct {
	store           PartitionStore
	monthsAhead     int
	retentionMonths int
	now             func() time.Time
}

// NewPartitionMaintainer wires the maintenance job. Zero values fall back to
// a 3-month runway and 12-month retention; retentionMonths < 0 disables drops.
func NewPartitionMaintainer(store PartitionStore, monthsAhead, retentionMonths int) *PartitionMaintainer {
	if monthsAhead <= 0 {
		monthsAhead = 3
	}
	if retentionMonths == 0 {
		retentionMonths = 12
	}
	return &PartitionMaintainer{
		store:           store,
		monthsAhead:     monthsAhead,
		retentionMonths: retentionMonths,
		now:             func() time.Time { return time.Now().UTC() },
	}
}

// Run provisions the runway, then applies retention.
func (p *PartitionMaintainer) Run(ctx context.Context) error {
	now := p.now()

	if err := p.store.EnsureMonthsAhead(ctx, now, p.monthsAhead); err != nil {
		return err
	}
	log.Printf("[PartitionMaintainer] Ensured partitions through %s",
		now.AddDate(0, p.monthsAhead, 0).Format("2006-01"))

	if p.retentionMonths < 0 {
		return nil
	}
	cutoff := now.AddDate(0, -p.retentionMonths, 0)
	dropped, err := p.store.DropOlderThan(ctx, cutoff)
	if err != nil {
		return err
	}
	if len(dropped) > 0 {
		log.Printf("[PartitionMaintainer] Dropped %d expired partitions: %v", len(dropped), dropped)
	}
	return nil
}
