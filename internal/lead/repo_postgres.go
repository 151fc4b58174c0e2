package lead

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"leadflow-engine/pkg/utils"

	"github.com/google/uuid"
)

// PostgresRepo persists leads.
//
// Assumed table:
// - leads(id, email, phone, name, source, status, assigned_channel,
//   qualification_score, opted_out, metadata jsonb, created_at, updated_at)
type PostgresRepo struct {
	db    *sql.DB
	clock func() time.Time
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db, clock: time.Now}
}

const leadColumns = `id, email, phone, name, source, status, assigned_channel, qualification_score, opted_out, metadata, created_at, updated_at`

func scanLead(row interface{ Scan(...any) error }) (Lead, error) {
	var (
		l    Lead
		meta sql.NullString
	)
	if err := row.Scan(
		&l.ID, &l.Email, &l.Phone, &l.Name, &l.Source, &l.Status,
		&l.AssignedChannel, &l.QualificationScore, &l.OptedOut, &meta,
		&l.CreatedAt, &l.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Lead{}, ErrNotFound
		}
		return Lead{}, err
	}
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &l.Metadata); err != nil {
			return Lead{}, err
		}
	}
	return l, nil
}

func (r *PostgresRepo) Create(ctx context.Context, l Lead) (Lead, error) {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.Status == "" {
		l.Status = StatusNew
	}
	now := r.clock().UTC()
	l.CreatedAt = now
	l.UpdatedAt = now

	meta := sql.NullString{}
	if len(l.Metadata) > 0 {
		b, err := json.Marshal(l.Metadata)
		if err != nil {
			return Lead{}, err
		}
		meta = sql.NullString{String: string(b), Valid: true}
	}

	const q = `
INSERT INTO leads (` + leadColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
`
	_, err := r.db.ExecContext(ctx, q,
		l.ID, l.Email, l.Phone, l.Name, l.Source, l.Status,
		l.AssignedChannel, l.QualificationScore, l.OptedOut, meta,
		l.CreatedAt, l.UpdatedAt,
	)
	if err != nil {
		return Lead{}, err
	}
	return l, nil
}

func (r *PostgresRepo) FindByID(ctx context.Context, id string) (Lead, error) {
	const q = `
SELECT ` + leadColumns + `
FROM leads
WHERE id = $1
`
	return scanLead(r.db.QueryRowContext(ctx, q, id))
}

// UpdateStatus re-reads the lead inside a transaction with a row lock so
// concurrent job executors serialize their lifecycle transitions.
func (r *PostgresRepo) UpdateStatus(ctx context.Context, id string, to Status) (Lead, error) {
	var out Lead
	err := utils.WithTx(ctx, r.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		const sel = `
SELECT ` + leadColumns + `
FROM leads
WHERE id = $1
FOR UPDATE
`
		l, err := scanLead(tx.QueryRowContext(ctx, sel, id))
		if err != nil {
			return err
		}
		if !CanTransition(l.Status, to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, l.Status, to)
		}
		const upd = `
UPDATE leads SET status = $2, updated_at = $3 WHERE id = $1
`
		now := r.clock().UTC()
		if _, err := tx.ExecContext(ctx, upd, id, to, now); err != nil {
			return err
		}
		l.Status = to
		l.UpdatedAt = now
		out = l
		return nil
	})
	if err != nil {
		return Lead{}, err
	}
	return out, nil
}

func (r *PostgresRepo) AssignChannel(ctx context.Context, id string, ch Channel) (Lead, error) {
	const q = `
UPDATE leads SET assigned_channel = $2, updated_at = $3 WHERE id = $1
RETURNING ` + leadColumns + `
`
	return scanLead(r.db.QueryRowContext(ctx, q, id, ch, r.clock().UTC()))
}

func (r *PostgresRepo) SetScore(ctx context.Context, id string, score int) (Lead, error) {
	const q = `
UPDATE leads SET qualification_score = $2, updated_at = $3 WHERE id = $1
RETURNING ` + leadColumns + `
`
	return scanLead(r.db.QueryRowContext(ctx, q, id, score, r.clock().UTC()))
}

func (r *PostgresRepo) SetOptedOut(ctx context.Context, id string) (Lead, error) {
	const q = `
UPDATE leads SET opted_out = TRUE, updated_at = $2 WHERE id = $1
RETURNING ` + leadColumns + `
`
	return scanLead(r.db.QueryRowContext(ctx, q, id, r.clock().UTC()))
}
