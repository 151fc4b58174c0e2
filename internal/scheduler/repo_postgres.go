package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"leadflow-engine/internal/lead"
	"leadflow-engine/pkg/utils"
)

// PostgresRepo persists enrollments and attempts.
//
// Assumed tables:
// - enrollments(id, schedule_id, lead_id, channel, current_step, status,
//   next_scheduled_at, variables jsonb, created_at, updated_at)
// - attempts(id, enrollment_id, lead_id, step_order, template_id,
//   status, scheduled_for, sent_at, error_message, provider_message_id,
//   created_at, updated_at)
//
// ClaimStep and AdvanceStep are single guarded UPDATEs; the WHERE clause
// carries the expected state, so concurrent schedulers race on row
// versions instead of locks.
type PostgresRepo struct {
	db    *sql.DB
	clock func() time.Time
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db, clock: time.Now}
}

const enrollmentColumns = `id, schedule_id, lead_id, channel, current_step, status, next_scheduled_at, variables, created_at, updated_at`

const attemptColumns = `id, enrollment_id, lead_id, step_order, template_id, status, scheduled_for, sent_at, error_message, provider_message_id, created_at, updated_at`

func scanEnrollment(row interface{ Scan(...any) error }) (Enrollment, error) {
	var (
		e    Enrollment
		next sql.NullTime
		vars sql.NullString
	)
	if err := row.Scan(
		&e.ID, &e.ScheduleID, &e.LeadID, &e.Channel, &e.CurrentStep,
		&e.Status, &next, &vars, &e.CreatedAt, &e.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Enrollment{}, ErrNotFound
		}
		return Enrollment{}, err
	}
	if next.Valid {
		t := next.Time
		e.NextScheduledAt = &t
	}
	if vars.Valid && vars.String != "" {
		if err := json.Unmarshal([]byte(vars.String), &e.Variables); err != nil {
			return Enrollment{}, err
		}
	}
	return e, nil
}

func scanAttempt(row interface{ Scan(...any) error }) (Attempt, error) {
	var (
		a      Attempt
		sentAt sql.NullTime
		errMsg sql.NullString
		provID sql.NullString
	)
	if err := row.Scan(
		&a.ID, &a.EnrollmentID, &a.LeadID, &a.StepOrder, &a.TemplateID,
		&a.Status, &a.ScheduledFor, &sentAt, &errMsg, &provID,
		&a.CreatedAt, &a.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Attempt{}, ErrNotFound
		}
		return Attempt{}, err
	}
	if sentAt.Valid {
		t := sentAt.Time
		a.SentAt = &t
	}
	a.ErrorMessage = errMsg.String
	a.ProviderMessageID = provID.String
	return a, nil
}

func (r *PostgresRepo) CreateEnrollment(ctx context.Context, e Enrollment) error {
	now := r.clock().UTC()
	e.CreatedAt = now
	e.UpdatedAt = now

	vars := sql.NullString{}
	if len(e.Variables) > 0 {
		b, err := json.Marshal(e.Variables)
		if err != nil {
			return err
		}
		vars = sql.NullString{String: string(b), Valid: true}
	}

	const q = `
INSERT INTO enrollments (` + enrollmentColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
`
	_, err := r.db.ExecContext(ctx, q,
		e.ID, e.ScheduleID, e.LeadID, e.Channel, e.CurrentStep,
		e.Status, e.NextScheduledAt, vars, e.CreatedAt, e.UpdatedAt,
	)
	return err
}

func (r *PostgresRepo) FindEnrollment(ctx context.Context, id string) (Enrollment, error) {
	const q = `
SELECT ` + enrollmentColumns + `
FROM enrollments
WHERE id = $1
`
	return scanEnrollment(r.db.QueryRowContext(ctx, q, id))
}

func (r *PostgresRepo) HasActiveEnrollment(ctx context.Context, leadID string, ch lead.Channel) (bool, error) {
	const q = `
SELECT EXISTS (
  SELECT 1 FROM enrollments
  WHERE lead_id = $1 AND channel = $2 AND status IN ('active','paused')
)
`
	var exists bool
	err := r.db.QueryRowContext(ctx, q, leadID, ch).Scan(&exists)
	return exists, err
}

func (r *PostgresRepo) DueEnrollments(ctx context.Context, now time.Time, limit int) ([]Enrollment, error) {
	q := `
SELECT ` + enrollmentColumns + `
FROM enrollments
WHERE status = 'active' AND next_scheduled_at IS NOT NULL AND next_scheduled_at <= $1
ORDER BY next_scheduled_at ASC
`
	args := []any{now}
	if limit > 0 {
		q += `LIMIT $2
`
		args = append(args, limit)
	}
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Enrollment
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) ClaimStep(ctx context.Context, id string, fromStep int) (bool, error) {
	const q = `
UPDATE enrollments
SET next_scheduled_at = NULL, updated_at = $3
WHERE id = $1 AND current_step = $2 AND status = 'active' AND next_scheduled_at IS NOT NULL
`
	res, err := r.db.ExecContext(ctx, q, id, fromStep, r.clock().UTC())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r *PostgresRepo) RescheduleStep(ctx context.Context, id string, fromStep int, at time.Time) (bool, error) {
	const q = `
UPDATE enrollments
SET next_scheduled_at = $3, updated_at = $4
WHERE id = $1 AND current_step = $2 AND status = 'active' AND next_scheduled_at IS NULL
`
	res, err := r.db.ExecContext(ctx, q, id, fromStep, at.UTC(), r.clock().UTC())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r *PostgresRepo) AdvanceStep(ctx context.Context, id string, fromStep int, status Status, nextAt *time.Time) (bool, error) {
	const q = `
UPDATE enrollments
SET current_step = $2 + 1, status = $3, next_scheduled_at = $4, updated_at = $5
WHERE id = $1 AND current_step = $2 AND status IN ('active', $3)
`
	res, err := r.db.ExecContext(ctx, q, id, fromStep, status, nextAt, r.clock().UTC())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r *PostgresRepo) SetEnrollmentStatus(ctx context.Context, id string, status Status) error {
	const q = `
UPDATE enrollments SET status = $2, updated_at = $3 WHERE id = $1
`
	res, err := r.db.ExecContext(ctx, q, id, status, r.clock().UTC())
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrNotFound
	}
	return nil
}

// OptOutLead stops the lead's enrollments and cancels its pending
// attempts in one transaction, so a concurrent due scan observes either
// the old world or the fully-stopped one.
func (r *PostgresRepo) OptOutLead(ctx context.Context, leadID string) (int, error) {
	var n int64
	err := utils.WithTx(ctx, r.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		now := r.clock().UTC()
		const stop = `
UPDATE enrollments
SET status = 'opted_out', next_scheduled_at = NULL, updated_at = $2
WHERE lead_id = $1 AND status IN ('active','paused')
`
		res, err := tx.ExecContext(ctx, stop, leadID, now)
		if err != nil {
			return err
		}
		if n, err = res.RowsAffected(); err != nil {
			return err
		}
		const cancel = `
UPDATE attempts
SET status = 'canceled', updated_at = $2
WHERE lead_id = $1 AND status = 'scheduled'
`
		_, err = tx.ExecContext(ctx, cancel, leadID, now)
		return err
	})
	return int(n), err
}

func (r *PostgresRepo) SetScheduleEnrollmentsStatus(ctx context.Context, scheduleID string, from, to Status) (int, error) {
	const q = `
UPDATE enrollments SET status = $3, updated_at = $4
WHERE schedule_id = $1 AND status = $2
`
	res, err := r.db.ExecContext(ctx, q, scheduleID, from, to, r.clock().UTC())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (r *PostgresRepo) CreateAttempt(ctx context.Context, a Attempt) error {
	now := r.clock().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now

	const q = `
INSERT INTO attempts (` + attemptColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
`
	_, err := r.db.ExecContext(ctx, q,
		a.ID, a.EnrollmentID, a.LeadID, a.StepOrder, a.TemplateID,
		a.Status, a.ScheduledFor, a.SentAt, nullString(a.ErrorMessage),
		nullString(a.ProviderMessageID), a.CreatedAt, a.UpdatedAt,
	)
	return err
}

func (r *PostgresRepo) FindAttempt(ctx context.Context, id string) (Attempt, error) {
	const q = `
SELECT ` + attemptColumns + `
FROM attempts
WHERE id = $1
`
	return scanAttempt(r.db.QueryRowContext(ctx, q, id))
}

func (r *PostgresRepo) FindAttemptByProviderMessage(ctx context.Context, providerMessageID string) (Attempt, error) {
	if providerMessageID == "" {
		return Attempt{}, ErrNotFound
	}
	const q = `
SELECT ` + attemptColumns + `
FROM attempts
WHERE provider_message_id = $1
ORDER BY created_at DESC
LIMIT 1
`
	return scanAttempt(r.db.QueryRowContext(ctx, q, providerMessageID))
}

func (r *PostgresRepo) FinishAttempt(ctx context.Context, id string, status AttemptStatus, sentAt *time.Time, providerMessageID, errMsg string) error {
	const q = `
UPDATE attempts
SET status = $2,
    sent_at = $3,
    provider_message_id = COALESCE(NULLIF($4, ''), provider_message_id),
    error_message = $5,
    updated_at = $6
WHERE id = $1 AND status IN ('scheduled')
`
	res, err := r.db.ExecContext(ctx, q, id, status, sentAt, providerMessageID, nullString(errMsg), r.clock().UTC())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Distinguish a missing row from an already-terminal one.
		if _, err := r.FindAttempt(ctx, id); err != nil {
			return err
		}
		return ErrAttemptTerminal
	}
	return nil
}

func (r *PostgresRepo) MarkDeliveryFailed(ctx context.Context, id string, reason string) error {
	const q = `
UPDATE attempts
SET status = 'failed', error_message = $2, updated_at = $3
WHERE id = $1 AND status = 'sent'
`
	res, err := r.db.ExecContext(ctx, q, id, reason, r.clock().UTC())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := r.FindAttempt(ctx, id); err != nil {
			return err
		}
		return ErrAttemptTerminal
	}
	return nil
}

func (r *PostgresRepo) InFlightAttempts(ctx context.Context, enrollmentID string) (int, error) {
	const q = `
SELECT COUNT(*) FROM attempts WHERE enrollment_id = $1 AND status = 'scheduled'
`
	var n int
	err := r.db.QueryRowContext(ctx, q, enrollmentID).Scan(&n)
	return n, err
}

func (r *PostgresRepo) AttemptsByEnrollment(ctx context.Context, enrollmentID string) ([]Attempt, error) {
	const q = `
SELECT ` + attemptColumns + `
FROM attempts
WHERE enrollment_id = $1
ORDER BY step_order ASC
`
	return r.queryAttempts(ctx, q, enrollmentID)
}

func (r *PostgresRepo) AttemptsByLead(ctx context.Context, leadID string) ([]Attempt, error) {
	const q = `
SELECT ` + attemptColumns + `
FROM attempts
WHERE lead_id = $1
ORDER BY step_order ASC, created_at ASC
`
	return r.queryAttempts(ctx, q, leadID)
}

func (r *PostgresRepo) queryAttempts(ctx context.Context, q string, args ...any) ([]Attempt, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
