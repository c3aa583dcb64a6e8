package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/greeting-service/internal/civiltime"
)

var userRows = []string{
	"id", "first_name", "last_name", "email", "timezone",
	"birthday_date", "anniversary_date", "deleted_at", "created_at", "updated_at",
}

func TestFindByIDUser(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	id := uuid.New()
	created := time.Date(2025, time.January, 2, 0, 0, 0, 0, time.UTC)
	birthday := time.Date(1990, time.May, 15, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT (.+) FROM users").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows(userRows).AddRow(
			id, "Ana", "Silva", "ana@example.com", "America/New_York",
			birthday, nil, nil, created, created,
		))

	u, err := NewUserRepo(db).FindByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "ana@example.com", u.Email)
	require.NotNil(t, u.BirthdayDate)
	assert.Equal(t, civiltime.Date{Year: 1990, Month: time.May, Day: 15}, *u.BirthdayDate)
	assert.Nil(t, u.AnniversaryDate)
	assert.False(t, u.Deleted())
}

func TestFindCandidatesRejectsUnknownTrigger(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	_, err = NewUserRepo(db).FindCandidates(context.Background(), "favoriteColor", 100, 0)
	assert.Error(t, err)
}

func TestFindCandidatesFiltersDeleted(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	created := time.Date(2025, time.January, 2, 0, 0, 0, 0, time.UTC)
	birthday := time.Date(1990, time.May, 15, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT (.+) FROM users WHERE deleted_at IS NULL").
		WithArgs(100, 0).
		WillReturnRows(sqlmock.NewRows(userRows).AddRow(
			uuid.New(), "Ana", "Silva", "ana@example.com", "America/New_York",
			birthday, nil, nil, created, created,
		))

	users, err := NewUserRepo(db).FindCandidates(context.Background(), "birthdayDate", 100, 0)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindBirthdaysToday(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	created := time.Date(2025, time.January, 2, 0, 0, 0, 0, time.UTC)
	birthday := time.Date(1990, time.May, 15, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT (.+) FROM users").
		WillReturnRows(sqlmock.NewRows(userRows).AddRow(
			uuid.New(), "Ana", "Silva", "ana@example.com", "America/New_York",
			birthday, nil, nil, created, created,
		))

	users, err := NewUserRepo(db).FindBirthdaysToday(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "Ana", users[0].FirstName)
}

func TestFindAnniversariesTodayRejectsBadZone(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	zone := "Mars/Olympus"
	_, err = NewUserRepo(db).FindAnniversariesToday(context.Background(), &zone)
	assert.ErrorIs(t, err, civiltime.ErrInvalidZone)
}
