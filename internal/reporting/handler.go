package reporting

import (
	"context"
	"log/slog"
	"time"

	"leadflow-engine/internal/campaign"
	"leadflow-engine/internal/queue"
)

// JobTypeSnapshot is the cron-driven daily summary job.
const JobTypeSnapshot = "reporting.snapshot"

// Snapshotter logs a summary per active campaign. Downstream systems
// scrape the structured log; nothing is persisted here.
type Snapshotter struct {
	campaigns campaign.Repository
	reports   *Service
	log       *slog.Logger
	clock     func() time.Time

	// Window is the lookback per snapshot. Defaults to 24h.
	Window time.Duration
}

func NewSnapshotter(campaigns campaign.Repository, reports *Service, log *slog.Logger) *Snapshotter {
	return &Snapshotter{campaigns: campaigns, reports: reports, log: log, clock: time.Now, Window: 24 * time.Hour}
}

func (s *Snapshotter) SetClock(clock func() time.Time) { s.clock = clock }

func (s *Snapshotter) Handle(ctx context.Context, job queue.Job) error {
	camps, err := s.campaigns.ListCampaigns(ctx)
	if err != nil {
		return err
	}
	now := s.clock().UTC()
	rng := TimeRange{From: now.Add(-s.Window), To: now}
	for _, c := range camps {
		if !c.Active {
			continue
		}
		sum, err := s.reports.CampaignSummary(ctx, CampaignSummaryRequest{CampaignID: c.ID, Range: rng})
		if err != nil {
			s.log.Error("campaign snapshot failed", "campaign_id", c.ID, "err", err)
			continue
		}
		s.log.Info("campaign snapshot",
			"campaign_id", c.ID,
			"enrollments_started", sum.EnrollmentsStarted,
			"attempts_sent", sum.AttemptsSent,
			"attempts_failed", sum.AttemptsFailed,
			"replies_inbound", sum.RepliesInbound,
			"delivery_rate", sum.DeliveryRate,
			"reply_rate", sum.ReplyRate,
		)
	}
	return nil
}
