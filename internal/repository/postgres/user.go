package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/ignite/greeting-service/internal/civiltime"
	"github.com/ignite/greeting-service/internal/domain"
)

// UserRepo is the read-only view of the user store the pipeline consumes.
// Users are written by the external CRUD surface; the core only reads.
type UserRepo struct{ db *sql.DB }

// NewUserRepo creates a Postgres-backed user reader.
func NewUserRepo(db *sql.DB) *UserRepo { return &UserRepo{db: db} }

const userColumns = `
	id, first_name, last_name, email, timezone,
	birthday_date, anniversary_date, deleted_at, created_at, updated_at`

// triggerColumns whitelists the trigger fields strategies may declare.
// Anything else is a wiring bug, not user input, so it fails loudly.
var triggerColumns = map[string]string{
	"birthdayDate":    "birthday_date",
	"anniversaryDate": "anniversary_date",
}

// FindByID loads one user, deleted or not; callers check Deleted().
func (r *UserRepo) FindByID(ctx context.Context, id uuid.UUID) (*domain.User, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE id = $1
	`, id)
	return scanUser(row)
}

// FindCandidates streams the users eligible for a trigger field: not
// soft-deleted and with the field set. The pre-calculator pages through
// these and applies the strategy's own zone-projected decision per user.
func (r *UserRepo) FindCandidates(ctx context.Context, triggerField string, limit, offset int) ([]domain.User, error) {
	col, ok := triggerColumns[triggerField]
	if !ok {
		return nil, fmt.Errorf("unknown trigger field %q", triggerField)
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE deleted_at IS NULL
		  AND `+col+` IS NOT NULL
		ORDER BY id
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("find candidates: %w", err)
	}
	defer rows.Close()
	return collectUsers(rows)
}

// FindBirthdaysToday returns users whose birthday month/day matches today's
// date as seen from each user's own zone (or a fixed zone when given).
func (r *UserRepo) FindBirthdaysToday(ctx context.Context, zone *string) ([]domain.User, error) {
	return r.findAnchorsToday(ctx, "birthday_date", zone)
}

// FindAnniversariesToday is FindBirthdaysToday for the anniversary anchor.
func (r *UserRepo) FindAnniversariesToday(ctx context.Context, zone *string) ([]domain.User, error) {
	return r.findAnchorsToday(ctx, "anniversary_date", zone)
}

// findAnchorsToday pushes the per-user zone projection into SQL: "today" is
// (NOW() AT TIME ZONE user.timezone) unless an explicit zone overrides it.
// Feb 29 anchors match Feb 28 on non-leap years, mirroring
// civiltime.Occurrence.
func (r *UserRepo) findAnchorsToday(ctx context.Context, col string, zone *string) ([]domain.User, error) {
	if _, ok := map[string]bool{"birthday_date": true, "anniversary_date": true}[col]; !ok {
		return nil, fmt.Errorf("unknown anchor column %q", col)
	}

	zoneExpr := "timezone"
	args := []interface{}{}
	if zone != nil {
		if _, err := civiltime.LoadZone(*zone); err != nil {
			return nil, err
		}
		zoneExpr = "$1"
		args = append(args, *zone)
	}

	q := fmt.Sprintf(`
		SELECT `+userColumns+`
		FROM users
		WHERE deleted_at IS NULL
		  AND %[1]s IS NOT NULL
		  AND (
			(EXTRACT(MONTH FROM %[1]s) = EXTRACT(MONTH FROM (NOW() AT TIME ZONE %[2]s))
			 AND EXTRACT(DAY FROM %[1]s) = EXTRACT(DAY FROM (NOW() AT TIME ZONE %[2]s)))
			OR
			(EXTRACT(MONTH FROM %[1]s) = 2 AND EXTRACT(DAY FROM %[1]s) = 29
			 AND EXTRACT(MONTH FROM (NOW() AT TIME ZONE %[2]s)) = 2
			 AND EXTRACT(DAY FROM (NOW() AT TIME ZONE %[2]s)) = 28
			 AND NOT (EXTRACT(YEAR FROM (NOW() AT TIME ZONE %[2]s))::int %% 4 = 0
			          AND (EXTRACT(YEAR FROM (NOW() AT TIME ZONE %[2]s))::int %% 100 <> 0
			               OR EXTRACT(YEAR FROM (NOW() AT TIME ZONE %[2]s))::int %% 400 = 0)))
		  )
		ORDER BY id
	`, col, zoneExpr)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("find anchors today: %w", err)
	}
	defer rows.Close()
	return collectUsers(rows)
}

func scanUser(row rowScanner) (*domain.User, error) {
	u := &domain.User{}
	var (
		birthday    sql.NullTime
		anniversary sql.NullTime
		deletedAt   sql.NullTime
	)
	err := row.Scan(
		&u.ID, &u.FirstName, &u.LastName, &u.Email, &u.Timezone,
		&birthday, &anniversary, &deletedAt, &u.CreatedAt, &u.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	if birthday.Valid {
		d := civiltime.Date{Year: birthday.Time.Year(), Month: birthday.Time.Month(), Day: birthday.Time.Day()}
		u.BirthdayDate = &d
	}
	if anniversary.Valid {
		d := civiltime.Date{Year: anniversary.Time.Year(), Month: anniversary.Time.Month(), Day: anniversary.Time.Day()}
		u.AnniversaryDate = &d
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		u.DeletedAt = &t
	}
	return u, nil
}

func collectUsers(rows *sql.Rows) ([]domain.User, error) {
	var out []domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *u)
	}
	return out, rows.Err()
}
