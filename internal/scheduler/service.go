package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"leadflow-engine/internal/campaign"
	"leadflow-engine/internal/conversation"
	"leadflow-engine/internal/faults"
	"leadflow-engine/internal/lead"
	"leadflow-engine/internal/queue"

	"github.com/google/uuid"
)

// JobTypeSend is the queue job type for firing one attempt.
const JobTypeSend = "attempt.send"

// SendPayload is the wire payload of a send job.
type SendPayload struct {
	AttemptID    string `json:"attempt_id"`
	EnrollmentID string `json:"enrollment_id"`
	LeadID       string `json:"lead_id"`
	StepOrder    int    `json:"step_order"`
}

// Service is the multi-attempt scheduler: it enrolls leads into
// schedules, computes due times under allowed windows, and turns due
// steps into queue jobs.
type Service struct {
	repo      Repository
	campaigns campaign.Repository
	leads     lead.Repository
	convs     conversation.Repository
	jobs      queue.Store

	log   *slog.Logger
	clock func() time.Time

	// dueBatch bounds one ProcessDue pass.
	dueBatch int
}

func NewService(repo Repository, campaigns campaign.Repository, leads lead.Repository, convs conversation.Repository, jobs queue.Store, log *slog.Logger) *Service {
	return &Service{
		repo:      repo,
		campaigns: campaigns,
		leads:     leads,
		convs:     convs,
		jobs:      jobs,
		log:       log,
		clock:     time.Now,
		dueBatch:  500,
	}
}

// SetClock overrides the service clock for deterministic tests.
func (s *Service) SetClock(clock func() time.Time) { s.clock = clock }

// SetDueBatch bounds how many enrollments one ProcessDue pass handles.
func (s *Service) SetDueBatch(n int) {
	if n > 0 {
		s.dueBatch = n
	}
}

// Enroll binds a lead to a schedule and computes the first attempt's due
// time: now + steps[0].Delay, shifted into the step's allowed window.
func (s *Service) Enroll(ctx context.Context, scheduleID, leadID string, variables map[string]string) (Enrollment, error) {
	sched, err := s.campaigns.FindSchedule(ctx, scheduleID)
	if err != nil {
		if errors.Is(err, campaign.ErrNotFound) {
			// Keep the sentinel; the HTTP layer maps it to 404.
			return Enrollment{}, fmt.Errorf("schedule %q: %w", scheduleID, err)
		}
		return Enrollment{}, err
	}
	if !sched.Active {
		return Enrollment{}, faults.Validation("schedule %q is not active", scheduleID)
	}

	l, err := s.leads.FindByID(ctx, leadID)
	if err != nil {
		if errors.Is(err, lead.ErrNotFound) {
			return Enrollment{}, fmt.Errorf("lead %q: %w", leadID, err)
		}
		return Enrollment{}, err
	}
	if l.OptedOut {
		return Enrollment{}, faults.Validation("lead %q has opted out", leadID)
	}

	ch := lead.Channel(sched.Channel)
	exists, err := s.repo.HasActiveEnrollment(ctx, leadID, ch)
	if err != nil {
		return Enrollment{}, err
	}
	if exists {
		return Enrollment{}, faults.Validation("lead %q already enrolled on channel %s", leadID, ch)
	}

	first, _ := sched.StepAt(0)
	due := s.clock().UTC().Add(first.Delay)
	if first.Window != nil {
		due = first.Window.Next(due)
	}

	e := Enrollment{
		ID:              uuid.NewString(),
		ScheduleID:      scheduleID,
		LeadID:          leadID,
		Channel:         ch,
		CurrentStep:     0,
		Status:          StatusActive,
		NextScheduledAt: &due,
		Variables:       variables,
	}
	if err := s.repo.CreateEnrollment(ctx, e); err != nil {
		return Enrollment{}, err
	}
	s.log.Info("lead enrolled", "enrollment_id", e.ID, "schedule_id", scheduleID, "lead_id", leadID, "first_attempt_at", due)
	return e, nil
}

// PauseSchedule moves a schedule's active enrollments to paused and
// deactivates the schedule; Resume reverses it.
func (s *Service) PauseSchedule(ctx context.Context, scheduleID string) error {
	if err := s.campaigns.SetScheduleActive(ctx, scheduleID, false); err != nil {
		return err
	}
	n, err := s.repo.SetScheduleEnrollmentsStatus(ctx, scheduleID, StatusActive, StatusPaused)
	if err != nil {
		return err
	}
	s.log.Info("schedule paused", "schedule_id", scheduleID, "enrollments", n)
	return nil
}

func (s *Service) ResumeSchedule(ctx context.Context, scheduleID string) error {
	if err := s.campaigns.SetScheduleActive(ctx, scheduleID, true); err != nil {
		return err
	}
	n, err := s.repo.SetScheduleEnrollmentsStatus(ctx, scheduleID, StatusPaused, StatusActive)
	if err != nil {
		return err
	}
	s.log.Info("schedule resumed", "schedule_id", scheduleID, "enrollments", n)
	return nil
}

// OptOut marks every enrollment of the lead opted_out and cancels its
// pending attempts. Atomic with respect to ProcessDue; send handlers
// additionally re-check status at the provider boundary.
func (s *Service) OptOut(ctx context.Context, leadID string) error {
	if _, err := s.leads.SetOptedOut(ctx, leadID); err != nil {
		return err
	}
	n, err := s.repo.OptOutLead(ctx, leadID)
	if err != nil {
		return err
	}
	s.log.Info("lead opted out", "lead_id", leadID, "enrollments_stopped", n)
	return nil
}

// ProcessDue fires every due step once. Runs on a fixed tick and is safe
// to call concurrently or back-to-back: each due step is guarded by a
// ClaimStep compare-and-set, so the second caller sees a no-op.
func (s *Service) ProcessDue(ctx context.Context) (int, error) {
	now := s.clock().UTC()
	due, err := s.repo.DueEnrollments(ctx, now, s.dueBatch)
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, e := range due {
		fired, err := s.processEnrollment(ctx, e, now)
		if err != nil {
			s.log.Error("due attempt processing failed", "enrollment_id", e.ID, "err", err)
			continue
		}
		if fired {
			processed++
		}
	}
	return processed, nil
}

func (s *Service) processEnrollment(ctx context.Context, e Enrollment, now time.Time) (bool, error) {
	sched, err := s.campaigns.FindSchedule(ctx, e.ScheduleID)
	if err != nil {
		return false, err
	}
	if !sched.Active {
		return false, nil
	}
	step, ok := sched.StepAt(e.CurrentStep)
	if !ok {
		// Drained schedule; close the enrollment out.
		return false, s.repo.SetEnrollmentStatus(ctx, e.ID, StatusCompleted)
	}

	l, err := s.leads.FindByID(ctx, e.LeadID)
	if err != nil {
		return false, err
	}
	if l.OptedOut {
		_, err := s.repo.OptOutLead(ctx, e.LeadID)
		return false, err
	}

	// Claim the step. Losing the CAS means a concurrent tick took it.
	claimed, err := s.repo.ClaimStep(ctx, e.ID, e.CurrentStep)
	if err != nil || !claimed {
		return false, err
	}

	if inflight, err := s.repo.InFlightAttempts(ctx, e.ID); err != nil {
		return false, err
	} else if inflight > 0 {
		return false, faults.Invariant("enrollment %s already has %d attempt(s) in flight", e.ID, inflight)
	}

	met, reason, err := s.conditionsMet(ctx, l, e, step)
	if err != nil {
		return false, err
	}

	var due time.Time
	if e.NextScheduledAt != nil {
		due = *e.NextScheduledAt
	} else {
		due = now
	}

	a := Attempt{
		ID:           uuid.NewString(),
		EnrollmentID: e.ID,
		LeadID:       e.LeadID,
		StepOrder:    step.SequenceOrder,
		TemplateID:   step.TemplateID,
		ScheduledFor: due,
	}

	if !met {
		// Unmet conditions skip the step without sending and advance.
		a.Status = AttemptSkipped
		a.ErrorMessage = reason
		if err := s.repo.CreateAttempt(ctx, a); err != nil {
			return false, err
		}
		if err := s.Advance(ctx, e.ID, e.CurrentStep, now); err != nil {
			return false, err
		}
		s.log.Info("attempt skipped", "enrollment_id", e.ID, "step", step.SequenceOrder, "reason", reason)
		return true, nil
	}

	a.Status = AttemptScheduled
	if err := s.repo.CreateAttempt(ctx, a); err != nil {
		return false, err
	}

	lane := queue.LaneStandard
	if step.Critical {
		lane = queue.LaneCritical
	}
	_, err = s.jobs.Enqueue(ctx, JobTypeSend, SendPayload{
		AttemptID:    a.ID,
		EnrollmentID: e.ID,
		LeadID:       e.LeadID,
		StepOrder:    step.SequenceOrder,
	}, queue.Options{
		Lane:     lane,
		Metadata: queue.Metadata{Source: "scheduler", LeadID: e.LeadID},
	})
	if err != nil {
		// The send never left the process. Cancel the attempt and put
		// the step back on the clock so the next tick retries it;
		// otherwise the enrollment is parked with no due time and no
		// job, and nothing would ever fire again.
		if ferr := s.repo.FinishAttempt(ctx, a.ID, AttemptCanceled, nil, "", "enqueue failed: "+err.Error()); ferr != nil {
			s.log.Error("attempt cancel failed after enqueue error", "attempt_id", a.ID, "err", ferr)
		}
		if _, rerr := s.repo.RescheduleStep(ctx, e.ID, e.CurrentStep, due); rerr != nil {
			s.log.Error("step reschedule failed after enqueue error", "enrollment_id", e.ID, "err", rerr)
		}
		return false, fmt.Errorf("enqueue send job: %w", err)
	}
	return true, nil
}

// Advance moves the enrollment past fromStep, computing the next step's
// due time relative to now (the moment the previous attempt fired) and
// shifting it into the step's allowed window. The enrollment completes
// when no steps remain.
func (s *Service) Advance(ctx context.Context, enrollmentID string, fromStep int, now time.Time) error {
	e, err := s.repo.FindEnrollment(ctx, enrollmentID)
	if err != nil {
		return err
	}
	sched, err := s.campaigns.FindSchedule(ctx, e.ScheduleID)
	if err != nil {
		return err
	}

	next, ok := sched.StepAt(fromStep + 1)
	if !ok {
		advanced, err := s.repo.AdvanceStep(ctx, enrollmentID, fromStep, StatusCompleted, nil)
		if err != nil {
			return err
		}
		if advanced {
			s.log.Info("enrollment completed", "enrollment_id", enrollmentID)
		}
		return nil
	}

	due := now.UTC().Add(next.Delay)
	if next.Window != nil {
		due = next.Window.Next(due)
	}
	_, err = s.repo.AdvanceStep(ctx, enrollmentID, fromStep, StatusActive, &due)
	return err
}

// conditionsMet evaluates the step's send gates against the lead.
func (s *Service) conditionsMet(ctx context.Context, l lead.Lead, e Enrollment, step campaign.Step) (bool, string, error) {
	c := step.Conditions
	if c == nil {
		return true, "", nil
	}
	if c.MinScore > 0 && l.QualificationScore < c.MinScore {
		return false, fmt.Sprintf("score %d below threshold %d", l.QualificationScore, c.MinScore), nil
	}
	for _, f := range c.RequiredFields {
		if !l.HasField(f) {
			return false, fmt.Sprintf("missing required field %q", f), nil
		}
	}
	if c.SkipIfReplied && s.convs != nil {
		history, err := s.convs.History(ctx, l.ID, e.Channel)
		if err != nil {
			return false, "", err
		}
		for _, m := range history {
			if m.Direction == conversation.DirectionInbound {
				return false, "lead already replied", nil
			}
		}
	}
	return true, "", nil
}

// Upcoming lists attempts due within the window, soonest first.
func (s *Service) Upcoming(ctx context.Context, window time.Duration) ([]UpcomingAttempt, error) {
	horizon := s.clock().UTC().Add(window)
	due, err := s.repo.DueEnrollments(ctx, horizon, 0)
	if err != nil {
		return nil, err
	}
	var out []UpcomingAttempt
	for _, e := range due {
		sched, err := s.campaigns.FindSchedule(ctx, e.ScheduleID)
		if err != nil {
			continue
		}
		step, ok := sched.StepAt(e.CurrentStep)
		if !ok || e.NextScheduledAt == nil {
			continue
		}
		out = append(out, UpcomingAttempt{
			EnrollmentID: e.ID,
			ScheduleID:   e.ScheduleID,
			LeadID:       e.LeadID,
			Channel:      e.Channel,
			StepOrder:    step.SequenceOrder,
			TemplateID:   step.TemplateID,
			At:           *e.NextScheduledAt,
		})
	}
	return out, nil
}
