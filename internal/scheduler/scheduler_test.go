package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/greeting-service/internal/civiltime"
	"github.com/ignite/greeting-service/internal/domain"
	"github.com/ignite/greeting-service/internal/strategy"
)

type fakeUsers struct {
	users []domain.User
}

func (f *fakeUsers) FindCandidates(_ context.Context, triggerField string, limit, offset int) ([]domain.User, error) {
	var out []domain.User
	for _, u := range f.users {
		switch triggerField {
		case "birthdayDate":
			if u.BirthdayDate == nil {
				continue
			}
		case "anniversaryDate":
			if u.AnniversaryDate == nil {
				continue
			}
		}
		out = append(out, u)
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type fakeLogs struct {
	rows   map[string]*domain.MessageLog // by idempotency key
	byID   map[uuid.UUID]*domain.MessageLog
	marked []string
}

func newFakeLogs() *fakeLogs {
	return &fakeLogs{
		rows: make(map[string]*domain.MessageLog),
		byID: make(map[uuid.UUID]*domain.MessageLog),
	}
}

func (f *fakeLogs) InsertIfAbsent(_ context.Context, m *domain.MessageLog) (bool, error) {
	if _, ok := f.rows[m.IdempotencyKey]; ok {
		return false, nil
	}
	cp := *m
	cp.ID = uuid.New()
	f.rows[m.IdempotencyKey] = &cp
	f.byID[cp.ID] = &cp
	return true, nil
}

func (f *fakeLogs) FindDueBetween(_ context.Context, start, end time.Time, status domain.Status, limit int) ([]domain.MessageLog, error) {
	var out []domain.MessageLog
	for _, m := range f.rows {
		if m.Status != status {
			continue
		}
		if m.ScheduledSendTime.Before(start) || !m.ScheduledSendTime.Before(end) {
			continue
		}
		out = append(out, *m)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeLogs) FindMissed(_ context.Context, olderThan time.Time, statuses []domain.Status, limit int) ([]domain.MessageLog, error) {
	var out []domain.MessageLog
	for _, m := range f.rows {
		recoverable := false
		for _, s := range statuses {
			if m.Status == s {
				recoverable = true
			}
		}
		if !recoverable || !m.ScheduledSendTime.Before(olderThan) {
			continue
		}
		out = append(out, *m)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeLogs) FindStuckSending(_ context.Context, updatedBefore time.Time, limit int) ([]domain.MessageLog, error) {
	var out []domain.MessageLog
	for _, m := range f.rows {
		if m.Status != domain.StatusSending || !m.UpdatedAt.Before(updatedBefore) {
			continue
		}
		out = append(out, *m)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeLogs) MarkStatus(_ context.Context, id uuid.UUID, from, to domain.Status) (bool, error) {
	m, ok := f.byID[id]
	if !ok || m.Status != from {
		return false, nil
	}
	m.Status = to
	f.marked = append(f.marked, string(from)+"->"+string(to))
	return true, nil
}

type fakePublisher struct {
	published []uuid.UUID
	failWith  error
}

func (f *fakePublisher) Publish(_ context.Context, m *domain.MessageLog) error {
	if f.failWith != nil {
		return f.failWith
	}
	f.published = append(f.published, m.ID)
	return nil
}

func nyUser(anchor civiltime.Date) domain.User {
	return domain.User{
		ID:           uuid.New(),
		FirstName:    "Ana",
		LastName:     "Silva",
		Email:        "ana@example.com",
		Timezone:     "America/New_York",
		BirthdayDate: &anchor,
	}
}

func TestPreCalculatorSchedulesBirthday(t *testing.T) {
	user := nyUser(civiltime.Date{Year: 1990, Month: time.May, Day: 15})
	logs := newFakeLogs()
	p := NewPreCalculator(&fakeUsers{users: []domain.User{user}}, logs, strategy.NewDefaultRegistry())
	// 12:00 UTC on May 15 is already May 15 in New York.
	p.now = func() time.Time { return time.Date(2026, time.May, 15, 12, 0, 0, 0, time.UTC) }

	stats, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Scheduled)
	assert.Equal(t, 0, stats.Errors)

	key := domain.IdempotencyKey(user.ID, "BIRTHDAY", civiltime.Date{Year: 2026, Month: time.May, Day: 15}, user.Timezone)
	row, ok := logs.rows[key]
	require.True(t, ok)
	assert.Equal(t, domain.StatusScheduled, row.Status)
	assert.Equal(t, "Hey, Ana Silva it's your birthday", row.MessageContent)
	// 09:00 EDT is 13:00 UTC.
	assert.Equal(t, time.Date(2026, time.May, 15, 13, 0, 0, 0, time.UTC), row.ScheduledSendTime)
}

func TestPreCalculatorLookAheadProbe(t *testing.T) {
	user := nyUser(civiltime.Date{Year: 1990, Month: time.May, Day: 15})
	logs := newFakeLogs()
	p := NewPreCalculator(&fakeUsers{users: []domain.User{user}}, logs, strategy.NewDefaultRegistry())
	// 00:05 UTC on May 15 is still May 14 in New York; only the +24h probe
	// sees the occurrence, but it must still be keyed to May 15.
	p.now = func() time.Time { return time.Date(2026, time.May, 15, 0, 5, 0, 0, time.UTC) }

	stats, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Scheduled)

	key := domain.IdempotencyKey(user.ID, "BIRTHDAY", civiltime.Date{Year: 2026, Month: time.May, Day: 15}, user.Timezone)
	_, ok := logs.rows[key]
	assert.True(t, ok)
}

func TestPreCalculatorRerunIsIdempotent(t *testing.T) {
	user := nyUser(civiltime.Date{Year: 1990, Month: time.May, Day: 15})
	logs := newFakeLogs()
	p := NewPreCalculator(&fakeUsers{users: []domain.User{user}}, logs, strategy.NewDefaultRegistry())
	p.now = func() time.Time { return time.Date(2026, time.May, 15, 12, 0, 0, 0, time.UTC) }

	_, err := p.Run(context.Background())
	require.NoError(t, err)
	stats, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, stats.Scheduled)
	assert.Equal(t, 1, stats.Duplicates)
	assert.Len(t, logs.rows, 1)
}

func TestPreCalculatorSkipsDeletedAndInvalid(t *testing.T) {
	deleted := nyUser(civiltime.Date{Year: 1990, Month: time.May, Day: 15})
	now := time.Now()
	deleted.DeletedAt = &now

	badZone := nyUser(civiltime.Date{Year: 1990, Month: time.May, Day: 15})
	badZone.Timezone = "Mars/Olympus"

	logs := newFakeLogs()
	p := NewPreCalculator(&fakeUsers{users: []domain.User{deleted, badZone}}, logs, strategy.NewDefaultRegistry())
	p.now = func() time.Time { return time.Date(2026, time.May, 15, 12, 0, 0, 0, time.UTC) }

	stats, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Scheduled)
	assert.Equal(t, 2, stats.Skipped)
	assert.Empty(t, logs.rows)
}

func TestEnqueuerPublishesAndFlips(t *testing.T) {
	logs := newFakeLogs()
	now := time.Date(2026, time.May, 15, 13, 0, 30, 0, time.UTC)

	due := &domain.MessageLog{
		UserID:            uuid.New(),
		MessageType:       "BIRTHDAY",
		ScheduledSendTime: now.Add(-30 * time.Second),
		Status:            domain.StatusScheduled,
		IdempotencyKey:    "k1",
	}
	_, err := logs.InsertIfAbsent(context.Background(), due)
	require.NoError(t, err)

	notYet := &domain.MessageLog{
		UserID:            uuid.New(),
		MessageType:       "BIRTHDAY",
		ScheduledSendTime: now.Add(2 * time.Hour),
		Status:            domain.StatusScheduled,
		IdempotencyKey:    "k2",
	}
	_, err = logs.InsertIfAbsent(context.Background(), notYet)
	require.NoError(t, err)

	pub := &fakePublisher{}
	e := NewEnqueuer(logs, pub, time.Minute)
	e.now = func() time.Time { return now }

	stats, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Published)
	assert.Len(t, pub.published, 1)
	assert.Equal(t, domain.StatusQueued, logs.rows["k1"].Status)
	assert.Equal(t, domain.StatusScheduled, logs.rows["k2"].Status)
}

func TestEnqueuerHourLookAhead(t *testing.T) {
	logs := newFakeLogs()
	now := time.Date(2026, time.May, 15, 13, 0, 0, 0, time.UTC)

	soon := &domain.MessageLog{
		UserID:            uuid.New(),
		MessageType:       "BIRTHDAY",
		ScheduledSendTime: now.Add(50 * time.Minute),
		Status:            domain.StatusScheduled,
		IdempotencyKey:    "k1",
	}
	_, err := logs.InsertIfAbsent(context.Background(), soon)
	require.NoError(t, err)

	later := &domain.MessageLog{
		UserID:            uuid.New(),
		MessageType:       "BIRTHDAY",
		ScheduledSendTime: now.Add(2 * time.Hour),
		Status:            domain.StatusScheduled,
		IdempotencyKey:    "k2",
	}
	_, err = logs.InsertIfAbsent(context.Background(), later)
	require.NoError(t, err)

	pub := &fakePublisher{}
	e := NewEnqueuer(logs, pub, 0) // default window is one hour
	e.now = func() time.Time { return now }

	stats, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Published, "rows due within the hour ship this tick")
	assert.Equal(t, domain.StatusQueued, logs.rows["k1"].Status)
	assert.Equal(t, domain.StatusScheduled, logs.rows["k2"].Status)
}

func TestEnqueuerLeavesRowOnPublishFailure(t *testing.T) {
	logs := newFakeLogs()
	now := time.Date(2026, time.May, 15, 13, 0, 30, 0, time.UTC)

	due := &domain.MessageLog{
		UserID:            uuid.New(),
		MessageType:       "BIRTHDAY",
		ScheduledSendTime: now.Add(-time.Minute),
		Status:            domain.StatusScheduled,
		IdempotencyKey:    "k1",
	}
	_, err := logs.InsertIfAbsent(context.Background(), due)
	require.NoError(t, err)

	pub := &fakePublisher{failWith: errors.New("broker down")}
	e := NewEnqueuer(logs, pub, time.Minute)
	e.now = func() time.Time { return now }

	stats, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Published)
	assert.Equal(t, 1, stats.Errors)
	assert.Equal(t, domain.StatusScheduled, logs.rows["k1"].Status, "failed publish must not advance the row")
}

func TestRecoverySweeperRepublishesOverdue(t *testing.T) {
	logs := newFakeLogs()
	now := time.Date(2026, time.May, 15, 14, 0, 0, 0, time.UTC)

	stuck := &domain.MessageLog{
		UserID:            uuid.New(),
		MessageType:       "BIRTHDAY",
		ScheduledSendTime: now.Add(-time.Hour),
		Status:            domain.StatusRetrying,
		IdempotencyKey:    "k1",
	}
	_, err := logs.InsertIfAbsent(context.Background(), stuck)
	require.NoError(t, err)

	fresh := &domain.MessageLog{
		UserID:            uuid.New(),
		MessageType:       "BIRTHDAY",
		ScheduledSendTime: now.Add(-time.Minute),
		Status:            domain.StatusQueued,
		IdempotencyKey:    "k2",
	}
	_, err = logs.InsertIfAbsent(context.Background(), fresh)
	require.NoError(t, err)

	pub := &fakePublisher{}
	s := NewRecoverySweeper(logs, pub)
	s.now = func() time.Time { return now }

	stats, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Found, "rows inside the grace window are left alone")
	assert.Equal(t, 1, stats.Republished)
	assert.Equal(t, domain.StatusQueued, logs.rows["k1"].Status)
}

func TestRecoverySweeperReclaimsStuckSending(t *testing.T) {
	logs := newFakeLogs()
	now := time.Date(2026, time.May, 15, 14, 0, 0, 0, time.UTC)

	abandoned := &domain.MessageLog{
		UserID:            uuid.New(),
		MessageType:       "BIRTHDAY",
		ScheduledSendTime: now.Add(-time.Hour),
		Status:            domain.StatusScheduled,
		IdempotencyKey:    "k1",
	}
	_, err := logs.InsertIfAbsent(context.Background(), abandoned)
	require.NoError(t, err)
	logs.rows["k1"].Status = domain.StatusSending
	logs.rows["k1"].UpdatedAt = now.Add(-30 * time.Minute)

	inFlight := &domain.MessageLog{
		UserID:            uuid.New(),
		MessageType:       "BIRTHDAY",
		ScheduledSendTime: now.Add(-time.Minute),
		Status:            domain.StatusScheduled,
		IdempotencyKey:    "k2",
	}
	_, err = logs.InsertIfAbsent(context.Background(), inFlight)
	require.NoError(t, err)
	logs.rows["k2"].Status = domain.StatusSending
	logs.rows["k2"].UpdatedAt = now.Add(-time.Minute)

	pub := &fakePublisher{}
	s := NewRecoverySweeper(logs, pub)
	s.now = func() time.Time { return now }

	stats, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Reclaimed)
	assert.Len(t, pub.published, 1)
	assert.Equal(t, domain.StatusQueued, logs.rows["k1"].Status)
	assert.Equal(t, domain.StatusSending, logs.rows["k2"].Status, "a live claim must not be stolen")
}

func TestServiceRejectsBadCronSpec(t *testing.T) {
	logs := newFakeLogs()
	e := NewEnqueuer(logs, &fakePublisher{}, time.Minute)

	_, err := NewService(CronSpecs{Enqueue: "not a cron spec"}, nil, nil, e, nil, nil)
	assert.Error(t, err)
}
