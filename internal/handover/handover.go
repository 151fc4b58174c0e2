package handover

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"leadflow-engine/internal/decision"
	"leadflow-engine/internal/faults"
	"leadflow-engine/internal/lead"
	"leadflow-engine/internal/queue"
	"leadflow-engine/internal/ratelimit"
)

// JobTypeSubmit is the queue job type for delivering a qualified lead to
// external buyers. Always rides the critical lane.
const JobTypeSubmit = "handover.submit"

// Payload is the wire payload of a handover job.
type Payload struct {
	LeadID     string `json:"lead_id"`
	CampaignID string `json:"campaign_id"`
	Reason     string `json:"reason"`
}

// Destination is one external receiver of qualified leads.
//
// Rules:
// - No buyer/CRM API calls outside destination adapters.
// - Submit returns the receiver's reference for the accepted lead.
type Destination interface {
	Name() string
	Submit(ctx context.Context, l lead.Lead, p Payload) (string, error)
}

// DestinationResult is the audited outcome of one destination.
type DestinationResult struct {
	Destination string `json:"destination"`
	Accepted    bool   `json:"accepted"`
	Reference   string `json:"reference,omitempty"`
	Error       string `json:"error,omitempty"`
	Attempts    int    `json:"attempts"`
}

var ErrAllDestinationsFailed = errors.New("handover: all destinations failed")

// Executor submits qualified leads to destinations in priority order.
// The first acceptance wins; later destinations are fallbacks, not
// broadcast targets.
//
// The submit job is never retried at the queue level: a destination may
// have partially accepted the lead, and a re-run would double-submit.
// Retries happen here, per destination, with a small fixed bound.
type Executor struct {
	destinations []Destination
	leads        lead.Repository
	decisions    *decision.Log
	limiter      ratelimit.Limiter

	// OnResult observes every per-destination outcome. Metrics hook.
	OnResult func(destination string, accepted bool)

	log   *slog.Logger
	clock func() time.Time

	timeout    time.Duration
	retries    int
	retryPause time.Duration
}

func NewExecutor(destinations []Destination, leads lead.Repository, decisions *decision.Log, limiter ratelimit.Limiter, log *slog.Logger) *Executor {
	return &Executor{
		destinations: destinations,
		leads:        leads,
		decisions:    decisions,
		limiter:      limiter,
		log:          log,
		clock:        time.Now,
		timeout:      10 * time.Second,
		retries:      2,
		retryPause:   500 * time.Millisecond,
	}
}

// SetClock overrides the executor clock for deterministic tests.
func (x *Executor) SetClock(clock func() time.Time) { x.clock = clock }

// SetRetryPause shortens the inter-retry pause in tests.
func (x *Executor) SetRetryPause(d time.Duration) { x.retryPause = d }

// Execute submits the lead and records one handover decision carrying
// every per-destination result. At least one acceptance marks the lead
// handed_off; total failure marks it rejected and the returned error is
// terminal.
func (x *Executor) Execute(ctx context.Context, leadID, campaignID, reason string) ([]DestinationResult, error) {
	l, err := x.leads.FindByID(ctx, leadID)
	if err != nil {
		return nil, err
	}
	if l.Status == lead.StatusHandedOff {
		// Redelivered job after a crash; the submission already happened.
		return nil, nil
	}
	if l.Status != lead.StatusQualified {
		return nil, faults.Validation("lead %q is %s, not qualified", leadID, l.Status)
	}

	if x.limiter != nil {
		ok, retryAfter, err := x.limiter.Allow(ctx, "handover", "submit")
		if err != nil {
			return nil, faults.Transient("rate limiter unavailable", err)
		}
		if !ok {
			return nil, faults.RateLimited("handover budget exhausted", retryAfter)
		}
	}

	p := Payload{LeadID: leadID, CampaignID: campaignID, Reason: reason}
	var (
		results  []DestinationResult
		accepted bool
	)
	for _, d := range x.destinations {
		res := x.submitOne(ctx, d, l, p)
		results = append(results, res)
		if x.OnResult != nil {
			x.OnResult(res.Destination, res.Accepted)
		}
		if res.Accepted {
			accepted = true
			break
		}
		x.log.Warn("handover destination failed", "destination", d.Name(), "lead_id", leadID, "attempts", res.Attempts, "err", res.Error)
	}

	if err := x.record(ctx, l, reason, results, accepted); err != nil {
		return results, err
	}

	if accepted {
		if _, err := x.leads.UpdateStatus(ctx, leadID, lead.StatusHandedOff); err != nil {
			return results, err
		}
		x.log.Info("lead handed off", "lead_id", leadID, "campaign_id", campaignID, "destinations_tried", len(results))
		return results, nil
	}

	if _, err := x.leads.UpdateStatus(ctx, leadID, lead.StatusRejected); err != nil {
		return results, err
	}
	return results, faults.Terminal("all handover destinations rejected lead "+leadID, ErrAllDestinationsFailed)
}

// submitOne runs one destination with its own timeout per try and a
// bounded retry on transient errors.
func (x *Executor) submitOne(ctx context.Context, d Destination, l lead.Lead, p Payload) DestinationResult {
	res := DestinationResult{Destination: d.Name()}
	for try := 0; try <= x.retries; try++ {
		res.Attempts = try + 1
		callCtx, cancel := context.WithTimeout(ctx, x.timeout)
		ref, err := d.Submit(callCtx, l, p)
		cancel()
		if err == nil {
			res.Accepted = true
			res.Reference = ref
			res.Error = ""
			return res
		}
		res.Error = err.Error()
		if !faults.Retryable(err) || try == x.retries {
			return res
		}
		select {
		case <-ctx.Done():
			res.Error = ctx.Err().Error()
			return res
		case <-time.After(x.retryPause << try):
		}
	}
	return res
}

func (x *Executor) record(ctx context.Context, l lead.Lead, reason string, results []DestinationResult, accepted bool) error {
	detail, err := json.Marshal(results)
	if err != nil {
		return err
	}
	reasoning := "handover accepted"
	if !accepted {
		reasoning = "handover failed at every destination"
	}
	return x.decisions.Append(ctx, decision.Record{
		LeadID:    l.ID,
		Action:    decision.ActionHandover,
		Channel:   string(l.AssignedChannel),
		Reasoning: reasoning + ": " + reason,
		Score:     l.QualificationScore,
		Context:   string(detail),
	})
}

// Handle is the queue handler wrapper around Execute. Any error is
// terminal at the queue level to avoid double submission.
func (x *Executor) Handle(ctx context.Context, job queue.Job) error {
	var p Payload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return faults.Validation("malformed handover payload: %v", err)
	}
	if p.LeadID == "" || p.CampaignID == "" {
		return faults.Validation("handover payload missing identifiers")
	}
	_, err := x.Execute(ctx, p.LeadID, p.CampaignID, p.Reason)
	if err != nil && faults.KindOf(err) == faults.KindTransient {
		// Even transient failures must not re-run the whole submission.
		return faults.Terminal("handover aborted", err)
	}
	return err
}
