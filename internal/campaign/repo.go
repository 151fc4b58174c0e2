package campaign

import (
	"context"
	"sort"
	"sync"
)

// Repository is the narrow persistence contract the scheduler and the
// decision engine need for campaigns and schedules.
type Repository interface {
	CreateSchedule(ctx context.Context, s Schedule) error
	FindSchedule(ctx context.Context, scheduleID string) (Schedule, error)
	FindCampaign(ctx context.Context, campaignID string) (Campaign, error)
	ListCampaigns(ctx context.Context) ([]Campaign, error)
	ListSchedules(ctx context.Context, campaignID string) ([]Schedule, error)
	SetScheduleActive(ctx context.Context, scheduleID string, active bool) error
}

// MemoryRepo is an in-memory repository for tests and local development.
type MemoryRepo struct {
	mu        sync.RWMutex
	campaigns map[string]Campaign
	schedules map[string]Schedule
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		campaigns: make(map[string]Campaign),
		schedules: make(map[string]Schedule),
	}
}

func (r *MemoryRepo) PutCampaign(c Campaign) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.campaigns[c.ID] = c
}

func (r *MemoryRepo) CreateSchedule(ctx context.Context, s Schedule) error {
	if err := s.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	// Steps are stored sorted by sequence order so StepAt is positional.
	sorted := make([]Step, len(s.Steps))
	copy(sorted, s.Steps)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].SequenceOrder < sorted[j].SequenceOrder })
	s.Steps = sorted
	r.schedules[s.ID] = s
	return nil
}

func (r *MemoryRepo) FindSchedule(ctx context.Context, scheduleID string) (Schedule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schedules[scheduleID]
	if !ok {
		return Schedule{}, ErrNotFound
	}
	return s, nil
}

func (r *MemoryRepo) FindCampaign(ctx context.Context, campaignID string) (Campaign, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.campaigns[campaignID]
	if !ok {
		return Campaign{}, ErrNotFound
	}
	return c, nil
}

func (r *MemoryRepo) ListCampaigns(ctx context.Context) ([]Campaign, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Campaign, 0, len(r.campaigns))
	for _, c := range r.campaigns {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *MemoryRepo) ListSchedules(ctx context.Context, campaignID string) ([]Schedule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Schedule
	for _, s := range r.schedules {
		if s.CampaignID == campaignID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *MemoryRepo) SetScheduleActive(ctx context.Context, scheduleID string, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.schedules[scheduleID]
	if !ok {
		return ErrNotFound
	}
	s.Active = active
	r.schedules[scheduleID] = s
	return nil
}
