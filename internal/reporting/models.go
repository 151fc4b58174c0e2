package reporting

import "time"

// Common filtering inputs.

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// CampaignSummaryRequest requests aggregated outreach metrics for one
// campaign over a time range.

type CampaignSummaryRequest struct {
	CampaignID string    `json:"campaign_id"`
	Range      TimeRange `json:"range"`
}

type CampaignSummary struct {
	CampaignID string    `json:"campaign_id"`
	Range      TimeRange `json:"range"`

	EnrollmentsStarted   int `json:"enrollments_started"`
	EnrollmentsCompleted int `json:"enrollments_completed"`
	EnrollmentsOptedOut  int `json:"enrollments_opted_out"`

	AttemptsSent     int `json:"attempts_sent"`
	AttemptsFailed   int `json:"attempts_failed"`
	AttemptsSkipped  int `json:"attempts_skipped"`
	AttemptsCanceled int `json:"attempts_canceled"`
	AttemptsPending  int `json:"attempts_pending"`

	RepliesInbound int `json:"replies_inbound"`

	// DeliveryRate is sent / (sent + failed); zero when nothing fired.
	DeliveryRate float64 `json:"delivery_rate"`
	// ReplyRate is inbound replies / sent attempts.
	ReplyRate float64 `json:"reply_rate"`
}

// FunnelRequest requests lead pipeline counts for one campaign.

type FunnelRequest struct {
	CampaignID string    `json:"campaign_id"`
	Range      TimeRange `json:"range"`
}

// Funnel counts leads by lifecycle stage for leads touched by a
// campaign in the range.
type Funnel struct {
	CampaignID string `json:"campaign_id"`

	New       int `json:"new"`
	Contacted int `json:"contacted"`
	Qualified int `json:"qualified"`
	HandedOff int `json:"handed_off"`
	Rejected  int `json:"rejected"`
	Archived  int `json:"archived"`

	// QualificationRate is qualified-or-beyond / total.
	QualificationRate float64 `json:"qualification_rate"`
}
