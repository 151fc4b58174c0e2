package decision

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for decision records.
//
// It MUST be append-only; there are no update or delete operations.
type Repository interface {
	Append(ctx context.Context, rec Record) error
	ListByLead(ctx context.Context, leadID string) ([]Record, error)
}

var ErrInvalidRecord = errors.New("decision: invalid record")

// Log appends decision records with IDs and timestamps filled in.
type Log struct {
	repo  Repository
	clock func() time.Time

	// OnAppend observes every appended record. Metrics hook.
	OnAppend func(Action)
}

func NewLog(repo Repository) *Log {
	return &Log{repo: repo, clock: time.Now}
}

// SetClock overrides the log clock for deterministic tests.
func (l *Log) SetClock(clock func() time.Time) { l.clock = clock }

func (l *Log) Append(ctx context.Context, rec Record) error {
	if l.repo == nil {
		return errors.New("decision: repository not configured")
	}
	if rec.LeadID == "" || rec.Action == "" {
		return ErrInvalidRecord
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = l.clock().UTC()
	}
	if err := l.repo.Append(ctx, rec); err != nil {
		return err
	}
	if l.OnAppend != nil {
		l.OnAppend(rec.Action)
	}
	return nil
}

func (l *Log) History(ctx context.Context, leadID string) ([]Record, error) {
	if l.repo == nil {
		return nil, errors.New("decision: repository not configured")
	}
	return l.repo.ListByLead(ctx, leadID)
}
