package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"leadflow-engine/internal/lead"
)

// MemoryRepo is the in-memory Repository for tests and local
// development. A single mutex makes every operation atomic, mirroring
// the transactional guarantees of the Postgres implementation.
type MemoryRepo struct {
	mu          sync.Mutex
	enrollments map[string]*Enrollment
	attempts    map[string]*Attempt
	clock       func() time.Time
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		enrollments: make(map[string]*Enrollment),
		attempts:    make(map[string]*Attempt),
		clock:       time.Now,
	}
}

func (r *MemoryRepo) SetClock(clock func() time.Time) { r.clock = clock }

func (r *MemoryRepo) CreateEnrollment(ctx context.Context, e Enrollment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock().UTC()
	e.CreatedAt = now
	e.UpdatedAt = now
	cp := e
	r.enrollments[e.ID] = &cp
	return nil
}

func (r *MemoryRepo) FindEnrollment(ctx context.Context, id string) (Enrollment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.enrollments[id]
	if !ok {
		return Enrollment{}, ErrNotFound
	}
	return *e, nil
}

func (r *MemoryRepo) HasActiveEnrollment(ctx context.Context, leadID string, ch lead.Channel) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.enrollments {
		if e.LeadID == leadID && e.Channel == ch && (e.Status == StatusActive || e.Status == StatusPaused) {
			return true, nil
		}
	}
	return false, nil
}

func (r *MemoryRepo) DueEnrollments(ctx context.Context, now time.Time, limit int) ([]Enrollment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Enrollment
	for _, e := range r.enrollments {
		if e.Status != StatusActive || e.NextScheduledAt == nil || e.NextScheduledAt.After(now) {
			continue
		}
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextScheduledAt.Before(*out[j].NextScheduledAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepo) ClaimStep(ctx context.Context, id string, fromStep int) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.enrollments[id]
	if !ok {
		return false, ErrNotFound
	}
	if e.Status != StatusActive || e.CurrentStep != fromStep || e.NextScheduledAt == nil {
		return false, nil
	}
	e.NextScheduledAt = nil
	e.UpdatedAt = r.clock().UTC()
	return true, nil
}

func (r *MemoryRepo) RescheduleStep(ctx context.Context, id string, fromStep int, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.enrollments[id]
	if !ok {
		return false, ErrNotFound
	}
	if e.Status != StatusActive || e.CurrentStep != fromStep || e.NextScheduledAt != nil {
		return false, nil
	}
	at = at.UTC()
	e.NextScheduledAt = &at
	e.UpdatedAt = r.clock().UTC()
	return true, nil
}

func (r *MemoryRepo) AdvanceStep(ctx context.Context, id string, fromStep int, status Status, nextAt *time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.enrollments[id]
	if !ok {
		return false, ErrNotFound
	}
	if e.CurrentStep != fromStep || (e.Status != StatusActive && e.Status != status) {
		return false, nil
	}
	e.CurrentStep = fromStep + 1
	e.Status = status
	e.NextScheduledAt = nextAt
	e.UpdatedAt = r.clock().UTC()
	return true, nil
}

func (r *MemoryRepo) SetEnrollmentStatus(ctx context.Context, id string, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.enrollments[id]
	if !ok {
		return ErrNotFound
	}
	e.Status = status
	e.UpdatedAt = r.clock().UTC()
	return nil
}

func (r *MemoryRepo) OptOutLead(ctx context.Context, leadID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.enrollments {
		if e.LeadID != leadID {
			continue
		}
		if e.Status == StatusActive || e.Status == StatusPaused {
			e.Status = StatusOptedOut
			e.NextScheduledAt = nil
			e.UpdatedAt = r.clock().UTC()
			n++
		}
	}
	for _, a := range r.attempts {
		if a.LeadID == leadID && a.Status == AttemptScheduled {
			a.Status = AttemptCanceled
			a.UpdatedAt = r.clock().UTC()
		}
	}
	return n, nil
}

func (r *MemoryRepo) SetScheduleEnrollmentsStatus(ctx context.Context, scheduleID string, from, to Status) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.enrollments {
		if e.ScheduleID == scheduleID && e.Status == from {
			e.Status = to
			e.UpdatedAt = r.clock().UTC()
			n++
		}
	}
	return n, nil
}

func (r *MemoryRepo) CreateAttempt(ctx context.Context, a Attempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now
	cp := a
	r.attempts[a.ID] = &cp
	return nil
}

func (r *MemoryRepo) FindAttempt(ctx context.Context, id string) (Attempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.attempts[id]
	if !ok {
		return Attempt{}, ErrNotFound
	}
	return *a, nil
}

func (r *MemoryRepo) FindAttemptByProviderMessage(ctx context.Context, providerMessageID string) (Attempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if providerMessageID == "" {
		return Attempt{}, ErrNotFound
	}
	for _, a := range r.attempts {
		if a.ProviderMessageID == providerMessageID {
			return *a, nil
		}
	}
	return Attempt{}, ErrNotFound
}

func (r *MemoryRepo) FinishAttempt(ctx context.Context, id string, status AttemptStatus, sentAt *time.Time, providerMessageID, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.attempts[id]
	if !ok {
		return ErrNotFound
	}
	if a.Status.Terminal() {
		return ErrAttemptTerminal
	}
	a.Status = status
	a.SentAt = sentAt
	if providerMessageID != "" {
		a.ProviderMessageID = providerMessageID
	}
	a.ErrorMessage = errMsg
	a.UpdatedAt = r.clock().UTC()
	return nil
}

func (r *MemoryRepo) MarkDeliveryFailed(ctx context.Context, id string, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.attempts[id]
	if !ok {
		return ErrNotFound
	}
	if a.Status != AttemptSent {
		return ErrAttemptTerminal
	}
	a.Status = AttemptFailed
	a.ErrorMessage = reason
	a.UpdatedAt = r.clock().UTC()
	return nil
}

func (r *MemoryRepo) InFlightAttempts(ctx context.Context, enrollmentID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, a := range r.attempts {
		if a.EnrollmentID == enrollmentID && a.Status.InFlight() {
			n++
		}
	}
	return n, nil
}

func (r *MemoryRepo) AttemptsByEnrollment(ctx context.Context, enrollmentID string) ([]Attempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Attempt
	for _, a := range r.attempts {
		if a.EnrollmentID == enrollmentID {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepOrder < out[j].StepOrder })
	return out, nil
}

func (r *MemoryRepo) AttemptsByLead(ctx context.Context, leadID string) ([]Attempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Attempt
	for _, a := range r.attempts {
		if a.LeadID == leadID {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StepOrder != out[j].StepOrder {
			return out[i].StepOrder < out[j].StepOrder
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}
