package reporting

import (
	"context"
	"database/sql"
	"time"

	"leadflow-engine/internal/lead"
	"leadflow-engine/internal/scheduler"
)

// PostgresRepo reads reporting aggregates from the primary store.
// Campaign scoping goes through the schedules table; enrollments and
// attempts do not carry campaign_id themselves.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) ListEnrollments(ctx context.Context, campaignID string, from, to time.Time) ([]scheduler.Enrollment, error) {
	const q = `
SELECT e.id, e.schedule_id, e.lead_id, e.channel, e.current_step, e.status, e.next_scheduled_at, e.created_at, e.updated_at
FROM enrollments e
JOIN schedules s ON s.id = e.schedule_id
WHERE s.campaign_id = $1 AND e.created_at >= $2 AND e.created_at < $3
`
	rows, err := r.db.QueryContext(ctx, q, campaignID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []scheduler.Enrollment
	for rows.Next() {
		var e scheduler.Enrollment
		var next sql.NullTime
		if err := rows.Scan(&e.ID, &e.ScheduleID, &e.LeadID, &e.Channel, &e.CurrentStep, &e.Status, &next, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		if next.Valid {
			t := next.Time
			e.NextScheduledAt = &t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) ListAttempts(ctx context.Context, campaignID string, from, to time.Time) ([]scheduler.Attempt, error) {
	const q = `
SELECT a.id, a.enrollment_id, a.lead_id, a.step_order, a.template_id, a.status, a.scheduled_for, a.sent_at, a.error_message, a.provider_message_id, a.created_at
FROM attempts a
JOIN enrollments e ON e.id = a.enrollment_id
JOIN schedules s ON s.id = e.schedule_id
WHERE s.campaign_id = $1 AND a.created_at >= $2 AND a.created_at < $3
`
	rows, err := r.db.QueryContext(ctx, q, campaignID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []scheduler.Attempt
	for rows.Next() {
		var a scheduler.Attempt
		var sentAt sql.NullTime
		var errMsg, providerID sql.NullString
		if err := rows.Scan(&a.ID, &a.EnrollmentID, &a.LeadID, &a.StepOrder, &a.TemplateID, &a.Status, &a.ScheduledFor, &sentAt, &errMsg, &providerID, &a.CreatedAt); err != nil {
			return nil, err
		}
		if sentAt.Valid {
			t := sentAt.Time
			a.SentAt = &t
		}
		a.ErrorMessage = errMsg.String
		a.ProviderMessageID = providerID.String
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) CountInboundReplies(ctx context.Context, campaignID string, from, to time.Time) (int, error) {
	const q = `
SELECT COUNT(DISTINCT m.id)
FROM messages m
JOIN conversations c ON c.id = m.conversation_id
JOIN enrollments e ON e.lead_id = c.lead_id AND e.channel = c.channel
JOIN schedules s ON s.id = e.schedule_id
WHERE s.campaign_id = $1 AND m.direction = 'inbound' AND m.created_at >= $2 AND m.created_at < $3
`
	var n int
	err := r.db.QueryRowContext(ctx, q, campaignID, from, to).Scan(&n)
	return n, err
}

func (r *PostgresRepo) ListLeadStatuses(ctx context.Context, campaignID string, from, to time.Time) ([]lead.Status, error) {
	const q = `
SELECT l.status
FROM leads l
WHERE EXISTS (
  SELECT 1 FROM enrollments e
  JOIN schedules s ON s.id = e.schedule_id
  WHERE e.lead_id = l.id AND s.campaign_id = $1 AND e.created_at >= $2 AND e.created_at < $3
)
`
	rows, err := r.db.QueryContext(ctx, q, campaignID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []lead.Status
	for rows.Next() {
		var st lead.Status
		if err := rows.Scan(&st); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}
