package reporting

import (
	"context"
	"sync"
	"time"

	"leadflow-engine/internal/lead"
	"leadflow-engine/internal/scheduler"
)

// MemoryRepo is a simple in-memory reporting repository for tests and
// early development. Rows carry the campaign id explicitly so the repo
// does not need the schedule join the Postgres implementation does.

type MemoryRepo struct {
	mu sync.Mutex

	// ScheduleCampaigns maps schedule id to campaign id.
	ScheduleCampaigns map[string]string

	Enrollments []scheduler.Enrollment
	Attempts    []AttemptRow
	Replies     []ReplyRow
	Leads       []LeadRow
}

type AttemptRow struct {
	CampaignID string
	Attempt    scheduler.Attempt
}

type ReplyRow struct {
	CampaignID string
	At         time.Time
}

type LeadRow struct {
	CampaignID string
	Status     lead.Status
	At         time.Time
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{ScheduleCampaigns: map[string]string{}}
}

func inRange(at, from, to time.Time) bool {
	return !at.Before(from) && at.Before(to)
}

func (r *MemoryRepo) ListEnrollments(ctx context.Context, campaignID string, from, to time.Time) ([]scheduler.Enrollment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]scheduler.Enrollment, 0)
	for _, e := range r.Enrollments {
		if r.ScheduleCampaigns[e.ScheduleID] != campaignID {
			continue
		}
		if !inRange(e.CreatedAt, from, to) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (r *MemoryRepo) ListAttempts(ctx context.Context, campaignID string, from, to time.Time) ([]scheduler.Attempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]scheduler.Attempt, 0)
	for _, row := range r.Attempts {
		if row.CampaignID != campaignID {
			continue
		}
		if !inRange(row.Attempt.CreatedAt, from, to) {
			continue
		}
		out = append(out, row.Attempt)
	}
	return out, nil
}

func (r *MemoryRepo) CountInboundReplies(ctx context.Context, campaignID string, from, to time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, row := range r.Replies {
		if row.CampaignID == campaignID && inRange(row.At, from, to) {
			n++
		}
	}
	return n, nil
}

func (r *MemoryRepo) ListLeadStatuses(ctx context.Context, campaignID string, from, to time.Time) ([]lead.Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]lead.Status, 0)
	for _, row := range r.Leads {
		if row.CampaignID == campaignID && inRange(row.At, from, to) {
			out = append(out, row.Status)
		}
	}
	return out, nil
}
