package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PartitionRepo provisions and retires the monthly partitions of
// message_logs. Keeping partitions small bounds index size; retention is a
// cheap partition drop instead of a bulk DELETE.
type PartitionRepo struct{ db *sql.DB }

// NewPartitionRepo creates a Postgres-backed partition maintainer.
func NewPartitionRepo(db *sql.DB) *PartitionRepo { return &PartitionRepo{db: db} }

// partitionName returns the child table name for the month containing t.
func partitionName(t time.Time) string {
	return fmt.Sprintf("message_logs_%04d_%02d", t.Year(), int(t.Month()))
}

// EnsureMonthsAhead creates partitions for the current month and the next
// monthsAhead months. CREATE TABLE IF NOT EXISTS makes re-runs free.
func (r *PartitionRepo) EnsureMonthsAhead(ctx context.Context, now time.Time, monthsAhead int) error {
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i <= monthsAhead; i++ {
		from := start.AddDate(0, i, 0)
		to := from.AddDate(0, 1, 0)
		ddl := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s PARTITION OF message_logs
			FOR VALUES FROM ('%s') TO ('%s')
		`, partitionName(from), from.Format("2006-01-02"), to.Format("2006-01-02"))
		if _, err := r.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create partition %s: %w", partitionName(from), err)
		}
	}
	return nil
}

// DropOlderThan detaches and drops partitions whose month ended before the
// retention cutoff. Returns the names dropped.
func (r *PartitionRepo) DropOlderThan(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT tablename FROM pg_tables
		WHERE schemaname = 'public' AND tablename LIKE 'message_logs_%'
		ORDER BY tablename
	`)
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("scan partition name: %w", err)
		}
		names = append(names, n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var dropped []string
	for _, n := range names {
		var y, m int
		if _, err := fmt.Sscanf(n, "message_logs_%04d_%02d", &y, &m); err != nil {
			continue
		}
		monthEnd := time.Date(y, time.Month(m), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
		if !monthEnd.Before(cutoff) {
			continue
		}
		if _, err := r.db.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, n)); err != nil {
			return dropped, fmt.Errorf("drop partition %s: %w", n, err)
		}
		dropped = append(dropped, n)
	}
	return dropped, nil
}
