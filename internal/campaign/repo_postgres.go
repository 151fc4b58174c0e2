package campaign

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"leadflow-engine/pkg/utils"
)

// PostgresRepo persists campaigns and schedules.
//
// Assumed tables:
// - campaigns(id, name, active, qualification jsonb, created_at, updated_at)
// - schedules(id, campaign_id, name, channel, active, created_at, updated_at)
// - schedule_steps(schedule_id, sequence_order, delay_seconds, template_id,
//   conditions jsonb, allowed_window jsonb, critical)
//
// Conditions and windows are stored as JSON but always decoded into the
// typed structs; no loosely-typed blobs cross the repository boundary.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) CreateSchedule(ctx context.Context, s Schedule) error {
	if err := s.Validate(); err != nil {
		return err
	}
	return utils.WithTx(ctx, r.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		const q = `
INSERT INTO schedules (id, campaign_id, name, channel, active, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
`
		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx, q, s.ID, s.CampaignID, s.Name, s.Channel, s.Active, now, now); err != nil {
			return err
		}
		const qs = `
INSERT INTO schedule_steps (schedule_id, sequence_order, delay_seconds, template_id, conditions, allowed_window, critical)
VALUES ($1,$2,$3,$4,$5,$6,$7)
`
		for _, st := range s.Steps {
			cond, err := marshalNullable(st.Conditions)
			if err != nil {
				return err
			}
			win, err := marshalNullable(st.Window)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, qs, s.ID, st.SequenceOrder, int64(st.Delay/time.Second), st.TemplateID, cond, win, st.Critical); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *PostgresRepo) FindSchedule(ctx context.Context, scheduleID string) (Schedule, error) {
	const q = `
SELECT id, campaign_id, name, channel, active, created_at, updated_at
FROM schedules
WHERE id = $1
`
	var s Schedule
	if err := r.db.QueryRowContext(ctx, q, scheduleID).Scan(
		&s.ID, &s.CampaignID, &s.Name, &s.Channel, &s.Active, &s.CreatedAt, &s.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Schedule{}, ErrNotFound
		}
		return Schedule{}, err
	}

	const qs = `
SELECT sequence_order, delay_seconds, template_id, conditions, allowed_window, critical
FROM schedule_steps
WHERE schedule_id = $1
ORDER BY sequence_order ASC
`
	rows, err := r.db.QueryContext(ctx, qs, scheduleID)
	if err != nil {
		return Schedule{}, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			st           Step
			delaySeconds int64
			cond, win    sql.NullString
		)
		if err := rows.Scan(&st.SequenceOrder, &delaySeconds, &st.TemplateID, &cond, &win, &st.Critical); err != nil {
			return Schedule{}, err
		}
		st.Delay = time.Duration(delaySeconds) * time.Second
		if cond.Valid && cond.String != "" {
			st.Conditions = &SendConditions{}
			if err := json.Unmarshal([]byte(cond.String), st.Conditions); err != nil {
				return Schedule{}, err
			}
		}
		if win.Valid && win.String != "" {
			st.Window = &AllowedWindow{}
			if err := json.Unmarshal([]byte(win.String), st.Window); err != nil {
				return Schedule{}, err
			}
		}
		s.Steps = append(s.Steps, st)
	}
	if err := rows.Err(); err != nil {
		return Schedule{}, err
	}
	return s, nil
}

func (r *PostgresRepo) FindCampaign(ctx context.Context, campaignID string) (Campaign, error) {
	const q = `
SELECT id, name, active, qualification, created_at, updated_at
FROM campaigns
WHERE id = $1
`
	var (
		c    Campaign
		qual sql.NullString
	)
	if err := r.db.QueryRowContext(ctx, q, campaignID).Scan(
		&c.ID, &c.Name, &c.Active, &qual, &c.CreatedAt, &c.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Campaign{}, ErrNotFound
		}
		return Campaign{}, err
	}
	if qual.Valid && qual.String != "" {
		c.Qualification = &QualificationRules{}
		if err := json.Unmarshal([]byte(qual.String), c.Qualification); err != nil {
			return Campaign{}, err
		}
	}
	return c, nil
}

func (r *PostgresRepo) ListCampaigns(ctx context.Context) ([]Campaign, error) {
	const q = `
SELECT id, name, active, qualification, created_at, updated_at
FROM campaigns
ORDER BY id ASC
`
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Campaign
	for rows.Next() {
		var (
			c    Campaign
			qual sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.Name, &c.Active, &qual, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		if qual.Valid && qual.String != "" {
			c.Qualification = &QualificationRules{}
			if err := json.Unmarshal([]byte(qual.String), c.Qualification); err != nil {
				return nil, err
			}
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListSchedules returns the campaign's schedules with steps loaded.
// Campaigns carry a handful of schedules, so the N+1 step fetch is fine.
func (r *PostgresRepo) ListSchedules(ctx context.Context, campaignID string) ([]Schedule, error) {
	const q = `
SELECT id
FROM schedules
WHERE campaign_id = $1
ORDER BY id ASC
`
	rows, err := r.db.QueryContext(ctx, q, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]Schedule, 0, len(ids))
	for _, id := range ids {
		s, err := r.FindSchedule(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (r *PostgresRepo) SetScheduleActive(ctx context.Context, scheduleID string, active bool) error {
	const q = `
UPDATE schedules SET active = $2, updated_at = $3 WHERE id = $1
`
	res, err := r.db.ExecContext(ctx, q, scheduleID, active, time.Now().UTC())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func marshalNullable(v any) (sql.NullString, error) {
	switch t := v.(type) {
	case *SendConditions:
		if t == nil {
			return sql.NullString{}, nil
		}
	case *AllowedWindow:
		if t == nil {
			return sql.NullString{}, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}
