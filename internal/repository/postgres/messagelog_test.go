package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/greeting-service/internal/domain"
)

var messageLogRows = []string{
	"id", "user_id", "message_type", "message_content",
	"scheduled_send_time", "actual_send_time", "status",
	"retry_count", "last_retry_at",
	"api_response_code", "api_response_body", "error_message",
	"idempotency_key", "created_at", "updated_at",
}

func TestInsertIfAbsent(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewMessageLogRepo(db)
	m := &domain.MessageLog{
		UserID:            uuid.New(),
		MessageType:       "BIRTHDAY",
		MessageContent:    "Hey, Alice Johnson it's your birthday",
		ScheduledSendTime: time.Date(2026, time.May, 15, 13, 0, 0, 0, time.UTC),
		Status:            domain.StatusScheduled,
		IdempotencyKey:    "u:BIRTHDAY:2026-05-15:America/New_York",
	}

	mock.ExpectExec("INSERT INTO message_logs").
		WillReturnResult(sqlmock.NewResult(0, 1))
	inserted, err := repo.InsertIfAbsent(context.Background(), m)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.NotEqual(t, uuid.Nil, m.ID)

	// ON CONFLICT DO NOTHING reports zero rows: already scheduled, no error.
	mock.ExpectExec("INSERT INTO message_logs").
		WillReturnResult(sqlmock.NewResult(0, 0))
	inserted, err = repo.InsertIfAbsent(context.Background(), m)
	require.NoError(t, err)
	assert.False(t, inserted)

	// A raw unique violation from a racing insert is absorbed the same way.
	mock.ExpectExec("INSERT INTO message_logs").
		WillReturnError(&pq.Error{Code: uniqueViolationCode})
	inserted, err = repo.InsertIfAbsent(context.Background(), m)
	require.NoError(t, err)
	assert.False(t, inserted)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindByID_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT (.+) FROM message_logs").
		WillReturnRows(sqlmock.NewRows(messageLogRows))

	_, err = NewMessageLogRepo(db).FindByID(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFindByID_ScansNullableFields(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	id := uuid.New()
	userID := uuid.New()
	sched := time.Date(2026, time.May, 15, 13, 0, 0, 0, time.UTC)
	sent := sched.Add(2 * time.Minute)

	mock.ExpectQuery("SELECT (.+) FROM message_logs").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows(messageLogRows).AddRow(
			id, userID, "BIRTHDAY", "Hey, Alice Johnson it's your birthday",
			sched, sent, "SENT",
			2, sent,
			200, `{"ok":true}`, "",
			"key", sched, sent,
		))

	m, err := NewMessageLogRepo(db).FindByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSent, m.Status)
	assert.Equal(t, 2, m.RetryCount)
	require.NotNil(t, m.ActualSendTime)
	assert.Equal(t, sent, *m.ActualSendTime)
	require.NotNil(t, m.APIResponseCode)
	assert.Equal(t, 200, *m.APIResponseCode)
}

func TestMarkStatus_Guarded(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewMessageLogRepo(db)
	id := uuid.New()

	mock.ExpectExec("UPDATE message_logs").
		WithArgs(id, domain.StatusScheduled, domain.StatusQueued).
		WillReturnResult(sqlmock.NewResult(0, 1))
	ok, err := repo.MarkStatus(context.Background(), id, domain.StatusScheduled, domain.StatusQueued)
	require.NoError(t, err)
	assert.True(t, ok)

	// Source status no longer matches: the transition was lost to a racer
	// and must report false rather than overwrite.
	mock.ExpectExec("UPDATE message_logs").
		WithArgs(id, domain.StatusScheduled, domain.StatusQueued).
		WillReturnResult(sqlmock.NewResult(0, 0))
	ok, err = repo.MarkStatus(context.Background(), id, domain.StatusScheduled, domain.StatusQueued)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRecordFailure_TransitionsByRetryBudget(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewMessageLogRepo(db)
	id := uuid.New()
	code := 500

	mock.ExpectQuery("UPDATE message_logs").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("RETRYING"))
	status, err := repo.RecordFailure(context.Background(), id, &code, "boom", "http 500", 3)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRetrying, status)

	mock.ExpectQuery("UPDATE message_logs").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("FAILED"))
	status, err = repo.RecordFailure(context.Background(), id, &code, "boom", "http 500", 3)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, status)

	// Row vanished (already terminal elsewhere): ErrNotFound, caller drops.
	mock.ExpectQuery("UPDATE message_logs").
		WillReturnRows(sqlmock.NewRows([]string{"status"}))
	_, err = repo.RecordFailure(context.Background(), id, &code, "boom", "http 500", 3)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFindMissed(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	sched := time.Date(2026, time.May, 15, 13, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT (.+) FROM message_logs").
		WillReturnRows(sqlmock.NewRows(messageLogRows).AddRow(
			uuid.New(), uuid.New(), "BIRTHDAY", "hello",
			sched, nil, "SCHEDULED",
			0, nil,
			nil, "", "",
			"key", sched, sched,
		))

	missed, err := NewMessageLogRepo(db).FindMissed(
		context.Background(), sched.Add(time.Hour), domain.RecoverableStatuses, 500)
	require.NoError(t, err)
	require.Len(t, missed, 1)
	assert.Equal(t, domain.StatusScheduled, missed[0].Status)
	assert.Nil(t, missed[0].ActualSendTime)
}

func TestFindStuckSending(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	sched := time.Date(2026, time.May, 15, 13, 0, 0, 0, time.UTC)
	cutoff := sched.Add(30 * time.Minute)

	mock.ExpectQuery("SELECT (.+) FROM message_logs").
		WithArgs(domain.StatusSending, cutoff, 500).
		WillReturnRows(sqlmock.NewRows(messageLogRows).AddRow(
			uuid.New(), uuid.New(), "BIRTHDAY", "hello",
			sched, nil, "SENDING",
			1, sched,
			nil, "", "",
			"key", sched, sched,
		))

	stuck, err := NewMessageLogRepo(db).FindStuckSending(context.Background(), cutoff, 500)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, domain.StatusSending, stuck[0].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}
