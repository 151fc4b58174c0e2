package overlord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"leadflow-engine/internal/campaign"
	"leadflow-engine/internal/conversation"
	"leadflow-engine/internal/decision"
	"leadflow-engine/internal/faults"
	"leadflow-engine/internal/handover"
	"leadflow-engine/internal/lead"
	"leadflow-engine/internal/queue"
	"leadflow-engine/internal/scheduler"
)

// Engine evaluates a lead's current state and conversation history.
//
// Priority:
//  1) Terminal guard (handed_off/archived leads are never re-decided)
//  2) Opt-out
//  3) Campaign qualification rules
//  4) Heuristic scoring fallback
//  5) Channel routing for unassigned leads
//
// Every invocation appends exactly one decision record, no-ops included.
// Side effects (status writes, enrollment, handover jobs) follow the
// recorded decision, never precede it.

type Engine struct {
	leads     lead.Repository
	campaigns campaign.Repository
	convs     conversation.Repository
	decisions *decision.Log
	sched     *scheduler.Service
	jobs      queue.Store

	log   *slog.Logger
	clock func() time.Time
}

// Decision is the outcome of one Evaluate invocation.
type Decision struct {
	Action    decision.Action
	Channel   lead.Channel
	Reasoning string
	Score     int
}

// QualifyThreshold is the heuristic score at which a lead qualifies when
// the campaign carries no explicit rules.
const QualifyThreshold = 75

var ErrLeadTerminal = errors.New("overlord: lead is in a terminal state")

func NewEngine(leads lead.Repository, campaigns campaign.Repository, convs conversation.Repository, decisions *decision.Log, sched *scheduler.Service, jobs queue.Store, log *slog.Logger) *Engine {
	return &Engine{
		leads:     leads,
		campaigns: campaigns,
		convs:     convs,
		decisions: decisions,
		sched:     sched,
		jobs:      jobs,
		log:       log,
		clock:     time.Now,
	}
}

// SetClock overrides the engine clock for deterministic tests.
func (e *Engine) SetClock(clock func() time.Time) { e.clock = clock }

// Evaluate runs the decision pipeline for one lead under one campaign.
func (e *Engine) Evaluate(ctx context.Context, leadID, campaignID string) (Decision, error) {
	l, err := e.leads.FindByID(ctx, leadID)
	if err != nil {
		if errors.Is(err, lead.ErrNotFound) {
			return Decision{}, faults.Validation("lead %q not found", leadID)
		}
		return Decision{}, err
	}

	c, err := e.campaigns.FindCampaign(ctx, campaignID)
	if err != nil {
		if errors.Is(err, campaign.ErrNotFound) {
			return Decision{}, faults.Validation("campaign %q not found", campaignID)
		}
		return Decision{}, err
	}

	history, err := e.history(ctx, l)
	if err != nil {
		return Decision{}, err
	}

	d, err := e.decide(ctx, l, c, history)
	if err != nil {
		return Decision{}, err
	}
	if err := e.record(ctx, l, d, history); err != nil {
		return Decision{}, err
	}
	if err := e.apply(ctx, l, c, d); err != nil {
		return d, err
	}
	e.log.Info("lead evaluated", "lead_id", l.ID, "campaign_id", c.ID, "action", d.Action, "channel", d.Channel, "score", d.Score, "reasoning", d.Reasoning)
	return d, nil
}

// Reroute moves an already-routed lead to another channel. It requires
// an explicit reason and is rejected once the lead is handed off or
// archived.
func (e *Engine) Reroute(ctx context.Context, leadID string, to lead.Channel, reason string) error {
	if reason == "" {
		return faults.Validation("reroute requires a reason")
	}
	l, err := e.leads.FindByID(ctx, leadID)
	if err != nil {
		return err
	}
	if l.Status == lead.StatusHandedOff || l.Status == lead.StatusArchived {
		return fmt.Errorf("%w: %s", ErrLeadTerminal, l.Status)
	}
	if l.AssignedChannel == "" {
		return faults.Validation("lead %q has no channel yet; evaluate it instead", leadID)
	}
	if l.AssignedChannel == to {
		return faults.Validation("lead %q is already on channel %s", leadID, to)
	}

	if err := e.decisions.Append(ctx, decision.Record{
		LeadID:    l.ID,
		Action:    decision.ActionReroute,
		Channel:   string(to),
		Reasoning: reason,
		Score:     l.QualificationScore,
	}); err != nil {
		return err
	}
	_, err = e.leads.AssignChannel(ctx, l.ID, to)
	if err != nil {
		return err
	}
	e.log.Info("lead rerouted", "lead_id", l.ID, "from", l.AssignedChannel, "to", to, "reason", reason)
	return nil
}

func (e *Engine) decide(ctx context.Context, l lead.Lead, c campaign.Campaign, history []conversation.Message) (Decision, error) {
	if l.Status == lead.StatusHandedOff || l.Status == lead.StatusArchived {
		return Decision{Action: decision.ActionNoop, Channel: l.AssignedChannel, Score: l.QualificationScore,
			Reasoning: "lead is " + string(l.Status) + "; nothing to decide"}, nil
	}
	if l.OptedOut {
		return Decision{Action: decision.ActionArchive, Channel: l.AssignedChannel, Score: l.QualificationScore,
			Reasoning: "lead opted out"}, nil
	}

	// Explicit campaign rules first.
	if c.Qualification != nil {
		met, why := rulesMet(*c.Qualification, l, history)
		if met {
			return Decision{Action: decision.ActionQualify, Channel: l.AssignedChannel, Score: l.QualificationScore,
				Reasoning: "campaign qualification rules met"}, nil
		}
		if l.AssignedChannel == "" {
			if ch, ok := pickChannel(l); ok {
				return Decision{Action: decision.ActionRouteChannel, Channel: ch, Score: l.QualificationScore,
					Reasoning: "initial channel routing; qualification pending: " + why}, nil
			}
			return Decision{Action: decision.ActionReject, Score: l.QualificationScore,
				Reasoning: "no reachable channel: lead has neither email nor phone"}, nil
		}
		return Decision{Action: decision.ActionNoop, Channel: l.AssignedChannel, Score: l.QualificationScore,
			Reasoning: "qualification pending: " + why}, nil
	}

	// Heuristic fallback.
	score := heuristicScore(l, history)
	if score >= QualifyThreshold {
		return Decision{Action: decision.ActionQualify, Channel: l.AssignedChannel, Score: score,
			Reasoning: fmt.Sprintf("heuristic score %d at or above threshold %d", score, QualifyThreshold)}, nil
	}
	if l.AssignedChannel == "" {
		if ch, ok := pickChannel(l); ok {
			return Decision{Action: decision.ActionRouteChannel, Channel: ch, Score: score,
				Reasoning: fmt.Sprintf("initial channel routing; heuristic score %d below threshold %d", score, QualifyThreshold)}, nil
		}
		return Decision{Action: decision.ActionReject, Score: score,
			Reasoning: "no reachable channel: lead has neither email nor phone"}, nil
	}
	return Decision{Action: decision.ActionNoop, Channel: l.AssignedChannel, Score: score,
		Reasoning: fmt.Sprintf("heuristic score %d below threshold %d", score, QualifyThreshold)}, nil
}

func (e *Engine) record(ctx context.Context, l lead.Lead, d Decision, history []conversation.Message) error {
	rec := decision.Record{
		LeadID:    l.ID,
		Action:    d.Action,
		Channel:   string(d.Channel),
		Reasoning: d.Reasoning,
		Score:     d.Score,
	}
	if d.Action == decision.ActionQualify {
		// Terminal decisions carry the triggering conversation snapshot.
		rec.Context = snapshot(history)
	}
	return e.decisions.Append(ctx, rec)
}

// apply performs the side effects of a recorded decision.
func (e *Engine) apply(ctx context.Context, l lead.Lead, c campaign.Campaign, d Decision) error {
	switch d.Action {
	case decision.ActionNoop:
		return nil

	case decision.ActionArchive:
		_, err := e.leads.UpdateStatus(ctx, l.ID, lead.StatusArchived)
		return err

	case decision.ActionReject:
		_, err := e.leads.UpdateStatus(ctx, l.ID, lead.StatusRejected)
		return err

	case decision.ActionRouteChannel:
		if _, err := e.leads.AssignChannel(ctx, l.ID, d.Channel); err != nil {
			return err
		}
		if d.Score != l.QualificationScore {
			if _, err := e.leads.SetScore(ctx, l.ID, d.Score); err != nil {
				return err
			}
		}
		return e.enroll(ctx, l, c, d.Channel)

	case decision.ActionQualify:
		if d.Score != l.QualificationScore {
			if _, err := e.leads.SetScore(ctx, l.ID, d.Score); err != nil {
				return err
			}
		}
		if _, err := e.leads.UpdateStatus(ctx, l.ID, lead.StatusQualified); err != nil {
			return err
		}
		_, err := e.jobs.Enqueue(ctx, handover.JobTypeSubmit, handover.Payload{
			LeadID:     l.ID,
			CampaignID: c.ID,
			Reason:     d.Reasoning,
		}, queue.Options{
			Lane:     queue.LaneCritical,
			Metadata: queue.Metadata{Source: "overlord", LeadID: l.ID},
		})
		return err

	default:
		return faults.Invariant("unhandled decision action %q", d.Action)
	}
}

// enroll puts a freshly-routed lead into the campaign's schedule for its
// channel, if one exists and the lead is not already enrolled.
func (e *Engine) enroll(ctx context.Context, l lead.Lead, c campaign.Campaign, ch lead.Channel) error {
	scheds, err := e.campaigns.ListSchedules(ctx, c.ID)
	if err != nil {
		return err
	}
	for _, s := range scheds {
		if !s.Active || s.Channel != string(ch) {
			continue
		}
		_, err := e.sched.Enroll(ctx, s.ID, l.ID, nil)
		if err != nil && faults.KindOf(err) != faults.KindValidation {
			return err
		}
		return nil
	}
	e.log.Info("no schedule for routed channel", "lead_id", l.ID, "campaign_id", c.ID, "channel", ch)
	return nil
}

// history returns the conversation on the assigned channel. Unrouted
// leads have no conversation yet.
func (e *Engine) history(ctx context.Context, l lead.Lead) ([]conversation.Message, error) {
	if l.AssignedChannel == "" || e.convs == nil {
		return nil, nil
	}
	return e.convs.History(ctx, l.ID, l.AssignedChannel)
}

func rulesMet(r campaign.QualificationRules, l lead.Lead, history []conversation.Message) (bool, string) {
	if l.QualificationScore < r.MinScore {
		return false, fmt.Sprintf("score %d below minimum %d", l.QualificationScore, r.MinScore)
	}
	for _, f := range r.RequiredFields {
		if !l.HasField(f) {
			return false, fmt.Sprintf("missing required field %q", f)
		}
	}
	if r.RequireReply && !hasInbound(history) {
		return false, "no inbound reply yet"
	}
	return true, ""
}

// pickChannel chooses the initial channel from the lead's reachable
// contact fields. Email wins over sms; chat is a last resort for leads
// that arrived through the site widget.
func pickChannel(l lead.Lead) (lead.Channel, bool) {
	switch {
	case l.Email != "":
		return lead.ChannelEmail, true
	case l.Phone != "":
		return lead.ChannelSMS, true
	case l.Metadata["chat_session"] != "":
		return lead.ChannelChat, true
	default:
		return "", false
	}
}

func hasInbound(history []conversation.Message) bool {
	for _, m := range history {
		if m.Direction == conversation.DirectionInbound {
			return true
		}
	}
	return false
}

// snapshot serializes the tail of the conversation for the decision
// audit trail.
func snapshot(history []conversation.Message) string {
	const keep = 5
	if len(history) > keep {
		history = history[len(history)-keep:]
	}
	type line struct {
		Direction conversation.Direction `json:"direction"`
		Body      string                 `json:"body"`
		At        time.Time              `json:"at"`
	}
	lines := make([]line, 0, len(history))
	for _, m := range history {
		lines = append(lines, line{Direction: m.Direction, Body: m.Body, At: m.CreatedAt})
	}
	b, err := json.Marshal(lines)
	if err != nil {
		return ""
	}
	return string(b)
}
