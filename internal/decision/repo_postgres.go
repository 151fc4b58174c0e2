package decision

import (
	"context"
	"database/sql"
)

// PostgresRepo persists decision records.
//
// Assumed table:
// - agent_decisions(id, lead_id, action, channel, reasoning, score,
//   context jsonb, created_at)
// The table should carry an INSERT-only policy.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Append(ctx context.Context, rec Record) error {
	const q = `
INSERT INTO agent_decisions (id, lead_id, action, channel, reasoning, score, context, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
`
	_, err := r.db.ExecContext(ctx, q,
		rec.ID, rec.LeadID, rec.Action, rec.Channel, rec.Reasoning, rec.Score, rec.Context, rec.CreatedAt,
	)
	return err
}

func (r *PostgresRepo) ListByLead(ctx context.Context, leadID string) ([]Record, error) {
	const q = `
SELECT id, lead_id, action, channel, reasoning, score, context, created_at
FROM agent_decisions
WHERE lead_id = $1
ORDER BY created_at ASC, id ASC
`
	rows, err := r.db.QueryContext(ctx, q, leadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.LeadID, &rec.Action, &rec.Channel, &rec.Reasoning, &rec.Score, &rec.Context, &rec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
