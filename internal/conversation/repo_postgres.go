package conversation

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"leadflow-engine/internal/lead"
	"leadflow-engine/pkg/utils"
)

// PostgresRepo persists conversations and their messages.
//
// Assumed tables:
// - conversations(id, lead_id, channel, status, created_at, updated_at)
//   with UNIQUE(lead_id, channel)
// - messages(id, conversation_id, direction, body, template_id,
//   provider_message_id, created_at)
// Messages are INSERT-only.
type PostgresRepo struct {
	db    *sql.DB
	clock func() time.Time
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db, clock: time.Now}
}

func (r *PostgresRepo) SetClock(clock func() time.Time) { r.clock = clock }

func (r *PostgresRepo) Append(ctx context.Context, leadID string, ch lead.Channel, m Message) (Message, error) {
	now := r.clock().UTC()
	m.ID = uuid.NewString()
	m.CreatedAt = now

	err := utils.WithTx(ctx, r.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		// Lazily create the conversation on first append. ON CONFLICT
		// keeps the existing row and bumps updated_at.
		const upsert = `
INSERT INTO conversations (id, lead_id, channel, status, created_at, updated_at)
VALUES ($1,$2,$3,'active',$4,$4)
ON CONFLICT (lead_id, channel)
DO UPDATE SET updated_at = EXCLUDED.updated_at
RETURNING id
`
		if err := tx.QueryRowContext(ctx, upsert, uuid.NewString(), leadID, ch, now).Scan(&m.ConversationID); err != nil {
			return err
		}

		const insert = `
INSERT INTO messages (id, conversation_id, direction, body, template_id, provider_message_id, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
`
		_, err := tx.ExecContext(ctx, insert,
			m.ID, m.ConversationID, m.Direction, m.Body, m.TemplateID, m.ProviderMessageID, m.CreatedAt,
		)
		return err
	})
	if err != nil {
		return Message{}, err
	}
	return m, nil
}

func (r *PostgresRepo) History(ctx context.Context, leadID string, ch lead.Channel) ([]Message, error) {
	const q = `
SELECT m.id, m.conversation_id, m.direction, m.body, m.template_id, m.provider_message_id, m.created_at
FROM messages m
JOIN conversations c ON c.id = m.conversation_id
WHERE c.lead_id = $1 AND c.channel = $2
ORDER BY m.created_at ASC, m.id ASC
`
	rows, err := r.db.QueryContext(ctx, q, leadID, ch)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Direction, &m.Body, &m.TemplateID, &m.ProviderMessageID, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) End(ctx context.Context, leadID string, ch lead.Channel) error {
	const q = `
UPDATE conversations SET status = 'ended', updated_at = $3
WHERE lead_id = $1 AND channel = $2 AND status = 'active'
`
	res, err := r.db.ExecContext(ctx, q, leadID, ch, r.clock().UTC())
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
