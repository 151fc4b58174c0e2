package lead

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Repository is the narrow persistence contract the engine needs for
// leads.
type Repository interface {
	Create(ctx context.Context, l Lead) (Lead, error)
	FindByID(ctx context.Context, id string) (Lead, error)

	// UpdateStatus enforces lifecycle transitions; ErrInvalidTransition
	// when the move is not allowed.
	UpdateStatus(ctx context.Context, id string, to Status) (Lead, error)

	AssignChannel(ctx context.Context, id string, ch Channel) (Lead, error)
	SetScore(ctx context.Context, id string, score int) (Lead, error)
	SetOptedOut(ctx context.Context, id string) (Lead, error)
}

// MemoryRepo is an in-memory repository for tests and local development.
type MemoryRepo struct {
	mu    sync.RWMutex
	leads map[string]Lead
	clock func() time.Time
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{leads: make(map[string]Lead), clock: time.Now}
}

// SetClock overrides the repository clock for deterministic tests.
func (r *MemoryRepo) SetClock(clock func() time.Time) { r.clock = clock }

func (r *MemoryRepo) Create(ctx context.Context, l Lead) (Lead, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.Status == "" {
		l.Status = StatusNew
	}
	now := r.clock().UTC()
	l.CreatedAt = now
	l.UpdatedAt = now
	r.leads[l.ID] = l
	return l, nil
}

func (r *MemoryRepo) FindByID(ctx context.Context, id string) (Lead, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.leads[id]
	if !ok {
		return Lead{}, ErrNotFound
	}
	return l, nil
}

func (r *MemoryRepo) UpdateStatus(ctx context.Context, id string, to Status) (Lead, error) {
	return r.mutate(id, func(l *Lead) error {
		if !CanTransition(l.Status, to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, l.Status, to)
		}
		l.Status = to
		return nil
	})
}

func (r *MemoryRepo) AssignChannel(ctx context.Context, id string, ch Channel) (Lead, error) {
	return r.mutate(id, func(l *Lead) error {
		l.AssignedChannel = ch
		return nil
	})
}

func (r *MemoryRepo) SetScore(ctx context.Context, id string, score int) (Lead, error) {
	return r.mutate(id, func(l *Lead) error {
		l.QualificationScore = score
		return nil
	})
}

func (r *MemoryRepo) SetOptedOut(ctx context.Context, id string) (Lead, error) {
	return r.mutate(id, func(l *Lead) error {
		l.OptedOut = true
		return nil
	})
}

func (r *MemoryRepo) mutate(id string, fn func(*Lead) error) (Lead, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.leads[id]
	if !ok {
		return Lead{}, ErrNotFound
	}
	if err := fn(&l); err != nil {
		return Lead{}, err
	}
	l.UpdatedAt = r.clock().UTC()
	r.leads[id] = l
	return l, nil
}
