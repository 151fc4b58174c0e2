// Package webhook turns untrusted provider callbacks into attempt,
// conversation and lead updates. Every event must correlate to a known
// provider message id before any state is touched.
package webhook

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"leadflow-engine/internal/campaign"
	"leadflow-engine/internal/conversation"
	"leadflow-engine/internal/faults"
	"leadflow-engine/internal/overlord"
	"leadflow-engine/internal/provider"
	"leadflow-engine/internal/queue"
	"leadflow-engine/internal/scheduler"
)

type Service struct {
	repo      scheduler.Repository
	sched     *scheduler.Service
	campaigns campaign.Repository
	convs     conversation.Repository
	jobs      queue.Store

	log *slog.Logger
}

func NewService(repo scheduler.Repository, sched *scheduler.Service, campaigns campaign.Repository, convs conversation.Repository, jobs queue.Store, log *slog.Logger) *Service {
	return &Service{
		repo:      repo,
		sched:     sched,
		campaigns: campaigns,
		convs:     convs,
		jobs:      jobs,
		log:       log,
	}
}

// optOutWords are reply bodies that count as an unsubscribe request.
var optOutWords = map[string]bool{
	"stop":        true,
	"stop all":    true,
	"unsubscribe": true,
	"cancel":      true,
}

// Ingest processes one provider event. Events that do not correlate to
// a message we sent are rejected, never acted on.
func (s *Service) Ingest(ctx context.Context, ev provider.WebhookEvent) error {
	if ev.MessageID == "" {
		return faults.Validation("webhook event missing message id")
	}
	a, err := s.repo.FindAttemptByProviderMessage(ctx, ev.MessageID)
	if err != nil {
		if errors.Is(err, scheduler.ErrNotFound) {
			return faults.Validation("unknown provider message id %q", ev.MessageID)
		}
		return err
	}
	e, err := s.repo.FindEnrollment(ctx, a.EnrollmentID)
	if err != nil {
		return err
	}

	switch ev.Kind {
	case provider.WebhookReply:
		return s.ingestReply(ctx, a, e, ev)
	case provider.WebhookStatus:
		return s.ingestStatus(ctx, a, e, ev)
	default:
		return faults.Validation("unknown webhook event kind %q", ev.Kind)
	}
}

func (s *Service) ingestReply(ctx context.Context, a scheduler.Attempt, e scheduler.Enrollment, ev provider.WebhookEvent) error {
	if _, err := s.convs.Append(ctx, e.LeadID, e.Channel, conversation.Message{
		Direction: conversation.DirectionInbound,
		Body:      ev.Body,
	}); err != nil {
		return err
	}

	if optOutWords[strings.ToLower(strings.TrimSpace(ev.Body))] {
		s.log.Info("opt-out reply received", "lead_id", e.LeadID, "channel", e.Channel)
		return s.sched.OptOut(ctx, e.LeadID)
	}

	// A real reply is the strongest signal we get; re-evaluate the lead.
	sched, err := s.campaigns.FindSchedule(ctx, e.ScheduleID)
	if err != nil {
		return err
	}
	_, err = s.jobs.Enqueue(ctx, overlord.JobTypeEvaluate, overlord.EvaluatePayload{
		LeadID:     e.LeadID,
		CampaignID: sched.CampaignID,
	}, queue.Options{
		Lane:     queue.LaneStandard,
		Metadata: queue.Metadata{Source: "webhook", LeadID: e.LeadID},
	})
	if err != nil {
		return err
	}
	s.log.Info("inbound reply ingested", "lead_id", e.LeadID, "channel", e.Channel, "attempt_id", a.ID)
	return nil
}

func (s *Service) ingestStatus(ctx context.Context, a scheduler.Attempt, e scheduler.Enrollment, ev provider.WebhookEvent) error {
	switch ev.Status {
	case "delivered":
		s.log.Info("delivery confirmed", "attempt_id", a.ID, "lead_id", e.LeadID)
		return nil
	case "failed", "bounced":
		reason := ev.ErrorMessage
		if reason == "" {
			reason = "delivery " + ev.Status
		}
		if ev.ErrorCode != "" {
			reason += " (code " + ev.ErrorCode + ")"
		}
		err := s.repo.MarkDeliveryFailed(ctx, a.ID, reason)
		if errors.Is(err, scheduler.ErrAttemptTerminal) {
			// Duplicate or late receipt; the attempt already settled.
			return nil
		}
		if err != nil {
			return err
		}
		s.log.Warn("delivery failed", "attempt_id", a.ID, "lead_id", e.LeadID, "reason", reason)
		return nil
	case "opted_out":
		s.log.Info("opt-out receipt received", "lead_id", e.LeadID, "channel", e.Channel)
		return s.sched.OptOut(ctx, e.LeadID)
	default:
		return faults.Validation("unknown delivery status %q", ev.Status)
	}
}
