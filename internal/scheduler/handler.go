package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"leadflow-engine/internal/conversation"
	"leadflow-engine/internal/faults"
	"leadflow-engine/internal/lead"
	"leadflow-engine/internal/provider"
	"leadflow-engine/internal/queue"
	"leadflow-engine/internal/ratelimit"
)

// SendExecutor is the queue handler for send jobs. The queue guarantees
// at-least-once execution; this handler is idempotent by re-reading the
// attempt first, and it re-checks enrollment and opt-out status
// immediately before the provider call so a post-opt-out claim becomes
// a no-op.
type SendExecutor struct {
	sched   *Service
	repo    Repository
	leads   lead.Repository
	convs   conversation.Repository
	senders provider.Registry
	limiter ratelimit.Limiter

	// AfterSend runs once per successful send; wiring uses it to
	// re-trigger the decision engine without a package cycle. The
	// schedule id lets the wiring resolve the campaign.
	AfterSend func(ctx context.Context, leadID, scheduleID string)

	// OnOutcome observes each settled send: sent, failed, suppressed.
	OnOutcome func(ch lead.Channel, outcome string)

	log         *slog.Logger
	clock       func() time.Time
	sendTimeout time.Duration
}

func NewSendExecutor(sched *Service, repo Repository, leads lead.Repository, convs conversation.Repository, senders provider.Registry, limiter ratelimit.Limiter, log *slog.Logger) *SendExecutor {
	return &SendExecutor{
		sched:       sched,
		repo:        repo,
		leads:       leads,
		convs:       convs,
		senders:     senders,
		limiter:     limiter,
		log:         log,
		clock:       time.Now,
		sendTimeout: 15 * time.Second,
	}
}

// SetClock overrides the executor clock for deterministic tests.
func (x *SendExecutor) SetClock(clock func() time.Time) { x.clock = clock }

func (x *SendExecutor) Handle(ctx context.Context, job queue.Job) error {
	var p SendPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return faults.Validation("malformed send payload: %v", err)
	}
	if p.AttemptID == "" || p.EnrollmentID == "" || p.LeadID == "" {
		return faults.Validation("send payload missing identifiers")
	}

	a, err := x.repo.FindAttempt(ctx, p.AttemptID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return faults.Validation("attempt %q not found", p.AttemptID)
		}
		return err
	}
	if a.Status.Terminal() {
		// Redelivery after a partial first run. The send itself settled;
		// if the first run died between FinishAttempt and Advance the
		// enrollment is still parked on the claimed step with no next
		// fire time, so finish the advance before acking the job.
		if a.Status == AttemptSent || a.Status == AttemptFailed {
			e, err := x.repo.FindEnrollment(ctx, p.EnrollmentID)
			if err != nil {
				return err
			}
			if e.Status == StatusActive && e.NextScheduledAt == nil {
				return x.sched.Advance(ctx, e.ID, e.CurrentStep, x.clock().UTC())
			}
		}
		return nil
	}

	e, err := x.repo.FindEnrollment(ctx, p.EnrollmentID)
	if err != nil {
		return err
	}
	if e.Status != StatusActive {
		// Opt-out or pause raced the claim; no visible side effect.
		x.log.Info("send suppressed", "attempt_id", a.ID, "enrollment_status", e.Status)
		x.observe(e.Channel, "suppressed")
		return x.repo.FinishAttempt(ctx, a.ID, AttemptCanceled, nil, "", "enrollment "+string(e.Status))
	}

	l, err := x.leads.FindByID(ctx, p.LeadID)
	if err != nil {
		return err
	}
	if l.OptedOut {
		x.log.Info("send suppressed", "attempt_id", a.ID, "reason", "lead opted out")
		x.observe(e.Channel, "suppressed")
		return x.repo.FinishAttempt(ctx, a.ID, AttemptCanceled, nil, "", "lead opted out")
	}

	if x.limiter != nil {
		ok, retryAfter, err := x.limiter.Allow(ctx, string(e.Channel), "send")
		if err != nil {
			return faults.Transient("rate limiter unavailable", err)
		}
		if !ok {
			return faults.RateLimited("send budget exhausted for "+string(e.Channel), retryAfter)
		}
	}

	sender, ok := x.senders[e.Channel]
	if !ok {
		return faults.Terminal("no provider configured for channel "+string(e.Channel), nil)
	}

	sendCtx, cancel := context.WithTimeout(ctx, x.sendTimeout)
	defer cancel()
	res, err := sender.Send(sendCtx, provider.SendRequest{
		LeadID:     l.ID,
		Channel:    e.Channel,
		To:         provider.AddressFor(l, e.Channel),
		TemplateID: a.TemplateID,
		Variables:  e.Variables,
	})
	now := x.clock().UTC()
	if err != nil {
		if faults.KindOf(err) == faults.KindTransient && job.Attempts+1 < job.MaxAttempts {
			// Attempt stays scheduled; the queue will retry with backoff.
			return err
		}
		// Out of retries or terminal rejection: the attempt fails with a
		// persisted reason and the sequence moves on.
		x.observe(e.Channel, "failed")
		if ferr := x.repo.FinishAttempt(ctx, a.ID, AttemptFailed, nil, "", err.Error()); ferr != nil {
			x.log.Error("attempt fail persist failed", "attempt_id", a.ID, "err", ferr)
		}
		if aerr := x.sched.Advance(ctx, e.ID, e.CurrentStep, now); aerr != nil {
			x.log.Error("enrollment advance failed", "enrollment_id", e.ID, "err", aerr)
		}
		return err
	}

	if err := x.repo.FinishAttempt(ctx, a.ID, AttemptSent, &now, res.ProviderMessageID, ""); err != nil {
		return err
	}
	if x.convs != nil {
		if _, err := x.convs.Append(ctx, l.ID, e.Channel, conversation.Message{
			Direction:         conversation.DirectionOutbound,
			Body:              res.Body,
			TemplateID:        a.TemplateID,
			ProviderMessageID: res.ProviderMessageID,
		}); err != nil {
			x.log.Error("conversation append failed", "lead_id", l.ID, "err", err)
		}
	}
	if l.Status == lead.StatusNew {
		if _, err := x.leads.UpdateStatus(ctx, l.ID, lead.StatusContacted); err != nil {
			x.log.Error("lead status update failed", "lead_id", l.ID, "err", err)
		}
	}
	if err := x.sched.Advance(ctx, e.ID, e.CurrentStep, now); err != nil {
		return err
	}
	x.log.Info("attempt sent", "attempt_id", a.ID, "lead_id", l.ID, "channel", e.Channel, "step", a.StepOrder, "provider_message_id", res.ProviderMessageID)
	x.observe(e.Channel, "sent")

	if x.AfterSend != nil {
		x.AfterSend(ctx, l.ID, e.ScheduleID)
	}
	return nil
}

func (x *SendExecutor) observe(ch lead.Channel, outcome string) {
	if x.OnOutcome != nil {
		x.OnOutcome(ch, outcome)
	}
}
