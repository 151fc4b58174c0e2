package reporting

import (
	"context"
	"errors"
	"time"

	"leadflow-engine/internal/lead"
	"leadflow-engine/internal/scheduler"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// Repository abstracts read access for reporting.
//
// Implementations should query immutable sources where possible
// (attempts, messages, decision records) so that re-running a report
// over a closed range is stable.

type Repository interface {
	ListEnrollments(ctx context.Context, campaignID string, from, to time.Time) ([]scheduler.Enrollment, error)
	ListAttempts(ctx context.Context, campaignID string, from, to time.Time) ([]scheduler.Attempt, error)
	CountInboundReplies(ctx context.Context, campaignID string, from, to time.Time) (int, error)
	ListLeadStatuses(ctx context.Context, campaignID string, from, to time.Time) ([]lead.Status, error)
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service { return &Service{repo: repo} }

func validateRange(rng TimeRange) error {
	if rng.From.IsZero() || rng.To.IsZero() || !rng.To.After(rng.From) {
		return ErrInvalidRequest
	}
	return nil
}

func (s *Service) CampaignSummary(ctx context.Context, req CampaignSummaryRequest) (CampaignSummary, error) {
	if req.CampaignID == "" {
		return CampaignSummary{}, ErrInvalidRequest
	}
	if err := validateRange(req.Range); err != nil {
		return CampaignSummary{}, err
	}
	if s.repo == nil {
		return CampaignSummary{}, errors.New("reporting: repository not configured")
	}

	out := CampaignSummary{CampaignID: req.CampaignID, Range: req.Range}

	enrs, err := s.repo.ListEnrollments(ctx, req.CampaignID, req.Range.From, req.Range.To)
	if err != nil {
		return CampaignSummary{}, err
	}
	for _, e := range enrs {
		out.EnrollmentsStarted++
		switch e.Status {
		case scheduler.StatusCompleted:
			out.EnrollmentsCompleted++
		case scheduler.StatusOptedOut:
			out.EnrollmentsOptedOut++
		case scheduler.StatusActive, scheduler.StatusPaused:
			// still in flight; counted in started only
		}
	}

	atts, err := s.repo.ListAttempts(ctx, req.CampaignID, req.Range.From, req.Range.To)
	if err != nil {
		return CampaignSummary{}, err
	}
	for _, a := range atts {
		switch a.Status {
		case scheduler.AttemptSent:
			out.AttemptsSent++
		case scheduler.AttemptFailed:
			out.AttemptsFailed++
		case scheduler.AttemptSkipped:
			out.AttemptsSkipped++
		case scheduler.AttemptCanceled:
			out.AttemptsCanceled++
		case scheduler.AttemptScheduled:
			out.AttemptsPending++
		}
	}

	out.RepliesInbound, err = s.repo.CountInboundReplies(ctx, req.CampaignID, req.Range.From, req.Range.To)
	if err != nil {
		return CampaignSummary{}, err
	}

	if fired := out.AttemptsSent + out.AttemptsFailed; fired > 0 {
		out.DeliveryRate = float64(out.AttemptsSent) / float64(fired)
	}
	if out.AttemptsSent > 0 {
		out.ReplyRate = float64(out.RepliesInbound) / float64(out.AttemptsSent)
	}
	return out, nil
}

func (s *Service) Funnel(ctx context.Context, req FunnelRequest) (Funnel, error) {
	if req.CampaignID == "" {
		return Funnel{}, ErrInvalidRequest
	}
	if err := validateRange(req.Range); err != nil {
		return Funnel{}, err
	}
	if s.repo == nil {
		return Funnel{}, errors.New("reporting: repository not configured")
	}

	statuses, err := s.repo.ListLeadStatuses(ctx, req.CampaignID, req.Range.From, req.Range.To)
	if err != nil {
		return Funnel{}, err
	}

	out := Funnel{CampaignID: req.CampaignID}
	qualifiedOrBeyond := 0
	for _, st := range statuses {
		switch st {
		case lead.StatusNew:
			out.New++
		case lead.StatusContacted:
			out.Contacted++
		case lead.StatusQualified:
			out.Qualified++
			qualifiedOrBeyond++
		case lead.StatusHandedOff:
			out.HandedOff++
			qualifiedOrBeyond++
		case lead.StatusRejected:
			out.Rejected++
		case lead.StatusArchived:
			out.Archived++
		}
	}
	if total := len(statuses); total > 0 {
		out.QualificationRate = float64(qualifiedOrBeyond) / float64(total)
	}
	return out, nil
}
