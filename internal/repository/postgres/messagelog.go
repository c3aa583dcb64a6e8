package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ignite/greeting-service/internal/domain"
)

// MessageLogRepo implements the durable event log against PostgreSQL.
// The message_logs table is range-partitioned by month on
// scheduled_send_time; see migrations/ and PartitionMaintainer.
type MessageLogRepo struct{ db *sql.DB }

// NewMessageLogRepo creates a Postgres-backed message log repository.
func NewMessageLogRepo(db *sql.DB) *MessageLogRepo { return &MessageLogRepo{db: db} }

const messageLogColumns = `
	id, user_id, message_type, message_content,
	scheduled_send_time, actual_send_time, status,
	retry_count, last_retry_at,
	api_response_code, COALESCE(api_response_body,''), COALESCE(error_message,''),
	idempotency_key, created_at, updated_at`

// InsertIfAbsent inserts a fully-populated SCHEDULED row, respecting the
// idempotency-key uniqueness. It returns false without error when a row for
// the same occurrence already exists, so concurrent pre-calculation runs
// race harmlessly on the INSERT.
func (r *MessageLogRepo) InsertIfAbsent(ctx context.Context, m *domain.MessageLog) (bool, error) {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO message_logs (
			id, user_id, message_type, message_content,
			scheduled_send_time, status, retry_count, idempotency_key,
			created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, NOW(), NOW())
		ON CONFLICT (idempotency_key, scheduled_send_time) DO NOTHING
	`, m.ID, m.UserID, m.MessageType, m.MessageContent,
		m.ScheduledSendTime.UTC(), m.Status, m.IdempotencyKey)
	if err != nil {
		// A concurrent insert can still surface as a raw unique violation
		// when it lands between the conflict check and the write.
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("insert message log: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert message log: %w", err)
	}
	return n > 0, nil
}

// FindByID loads a single row, returning ErrNotFound when absent.
func (r *MessageLogRepo) FindByID(ctx context.Context, id uuid.UUID) (*domain.MessageLog, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+messageLogColumns+`
		FROM message_logs
		WHERE id = $1
	`, id)
	return scanMessageLog(row)
}

// FindByKey loads a row by its idempotency key.
func (r *MessageLogRepo) FindByKey(ctx context.Context, key string) (*domain.MessageLog, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+messageLogColumns+`
		FROM message_logs
		WHERE idempotency_key = $1
	`, key)
	return scanMessageLog(row)
}

// FindDueBetween returns rows in the given status whose scheduled send time
// falls in [start, end), oldest first, capped at limit.
func (r *MessageLogRepo) FindDueBetween(ctx context.Context, start, end time.Time, status domain.Status, limit int) ([]domain.MessageLog, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+messageLogColumns+`
		FROM message_logs
		WHERE status = $1
		  AND scheduled_send_time >= $2
		  AND scheduled_send_time < $3
		ORDER BY scheduled_send_time ASC
		LIMIT $4
	`, status, start.UTC(), end.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("find due message logs: %w", err)
	}
	defer rows.Close()
	return collectMessageLogs(rows)
}

// FindMissed returns non-terminal rows whose scheduled send time is older
// than olderThan, oldest first. The recovery sweeper re-drives these.
func (r *MessageLogRepo) FindMissed(ctx context.Context, olderThan time.Time, statuses []domain.Status, limit int) ([]domain.MessageLog, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+messageLogColumns+`
		FROM message_logs
		WHERE status = ANY($1)
		  AND scheduled_send_time < $2
		ORDER BY scheduled_send_time ASC
		LIMIT $3
	`, pq.Array(names), olderThan.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("find missed message logs: %w", err)
	}
	defer rows.Close()
	return collectMessageLogs(rows)
}

// FindStuckSending returns SENDING rows untouched since updatedBefore.
// A healthy send updates the row within its timeout budget; anything older
// belongs to a crashed worker.
func (r *MessageLogRepo) FindStuckSending(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.MessageLog, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+messageLogColumns+`
		FROM message_logs
		WHERE status = $1
		  AND updated_at < $2
		ORDER BY updated_at ASC
		LIMIT $3
	`, domain.StatusSending, updatedBefore.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("find stuck sending: %w", err)
	}
	defer rows.Close()
	return collectMessageLogs(rows)
}

// MarkStatus performs a guarded state transition: the UPDATE carries the
// source status in the WHERE clause so a lost race simply reports false
// instead of clobbering a concurrent transition.
func (r *MessageLogRepo) MarkStatus(ctx context.Context, id uuid.UUID, from, to domain.Status) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE message_logs
		SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2
	`, id, from, to)
	if err != nil {
		return false, fmt.Errorf("mark status %s->%s: %w", from, to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark status %s->%s: %w", from, to, err)
	}
	return n > 0, nil
}

// RecordSuccess finalizes a row as SENT with the delivery confirmation.
func (r *MessageLogRepo) RecordSuccess(ctx context.Context, id uuid.UUID, sentAt time.Time, code int, body string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE message_logs
		SET status = $2,
		    actual_send_time = $3,
		    api_response_code = $4,
		    api_response_body = $5,
		    error_message = NULL,
		    updated_at = NOW()
		WHERE id = $1 AND status NOT IN ($6, $7)
	`, id, domain.StatusSent, sentAt.UTC(), code, body, domain.StatusSent, domain.StatusFailed)
	if err != nil {
		return fmt.Errorf("record success: %w", err)
	}
	return nil
}

// RecordFailure registers a transient failure: it increments the retry
// count, stamps the diagnostic tail, and transitions to RETRYING while
// retries remain or FAILED once maxRetries is reached. The resulting status
// is returned so the worker can decide between requeue and dead-letter.
func (r *MessageLogRepo) RecordFailure(ctx context.Context, id uuid.UUID, code *int, body, errMsg string, maxRetries int) (domain.Status, error) {
	var status domain.Status
	err := r.db.QueryRowContext(ctx, `
		UPDATE message_logs
		SET retry_count = retry_count + 1,
		    last_retry_at = NOW(),
		    api_response_code = $2,
		    api_response_body = $3,
		    error_message = $4,
		    status = CASE WHEN retry_count + 1 >= $5 THEN $6::text ELSE $7::text END,
		    updated_at = NOW()
		WHERE id = $1 AND status NOT IN ($6, $8)
		RETURNING status
	`, id, code, body, errMsg, maxRetries,
		domain.StatusFailed, domain.StatusRetrying, domain.StatusSent).Scan(&status)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("record failure: %w", err)
	}
	return status, nil
}

// RecordPermanentFailure marks a row terminally FAILED without consuming
// the retry budget: the error class, not exhaustion, ends it.
func (r *MessageLogRepo) RecordPermanentFailure(ctx context.Context, id uuid.UUID, code *int, body, errMsg string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE message_logs
		SET status = $2,
		    api_response_code = $3,
		    api_response_body = $4,
		    error_message = $5,
		    last_retry_at = NOW(),
		    updated_at = NOW()
		WHERE id = $1 AND status <> $6
	`, id, domain.StatusFailed, code, body, errMsg, domain.StatusSent)
	if err != nil {
		return fmt.Errorf("record permanent failure: %w", err)
	}
	return nil
}

// CountByStatus returns row counts per status, feeding the metrics surface.
func (r *MessageLogRepo) CountByStatus(ctx context.Context) (map[domain.Status]int64, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM message_logs GROUP BY status
	`)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	out := make(map[domain.Status]int64)
	for rows.Next() {
		var s string
		var n int64
		if err := rows.Scan(&s, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		out[domain.Status(s)] = n
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMessageLog(row rowScanner) (*domain.MessageLog, error) {
	m := &domain.MessageLog{}
	var (
		actualSendTime sql.NullTime
		lastRetryAt    sql.NullTime
		responseCode   sql.NullInt64
	)
	err := row.Scan(
		&m.ID, &m.UserID, &m.MessageType, &m.MessageContent,
		&m.ScheduledSendTime, &actualSendTime, &m.Status,
		&m.RetryCount, &lastRetryAt,
		&responseCode, &m.APIResponseBody, &m.ErrorMessage,
		&m.IdempotencyKey, &m.CreatedAt, &m.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan message log: %w", err)
	}
	if actualSendTime.Valid {
		t := actualSendTime.Time
		m.ActualSendTime = &t
	}
	if lastRetryAt.Valid {
		t := lastRetryAt.Time
		m.LastRetryAt = &t
	}
	if responseCode.Valid {
		c := int(responseCode.Int64)
		m.APIResponseCode = &c
	}
	return m, nil
}

func collectMessageLogs(rows *sql.Rows) ([]domain.MessageLog, error) {
	var out []domain.MessageLog
	for rows.Next() {
		m, err := scanMessageLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}
