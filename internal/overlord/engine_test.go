package overlord

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadflow-engine/internal/campaign"
	"leadflow-engine/internal/conversation"
	"leadflow-engine/internal/decision"
	"leadflow-engine/internal/handover"
	"leadflow-engine/internal/lead"
	"leadflow-engine/internal/queue"
	"leadflow-engine/internal/scheduler"
)

type env struct {
	leads     *lead.MemoryRepo
	campaigns *campaign.MemoryRepo
	convs     *conversation.MemoryRepo
	decisions *decision.MemoryRepo
	store     *queue.MemoryStore
	schedRepo *scheduler.MemoryRepo
	engine    *Engine
}

func newEnv(t *testing.T) *env {
	t.Helper()
	log := slog.Default()
	e := &env{
		leads:     lead.NewMemoryRepo(),
		campaigns: campaign.NewMemoryRepo(),
		convs:     conversation.NewMemoryRepo(),
		decisions: decision.NewMemoryRepo(),
		store:     queue.NewMemoryStore(),
		schedRepo: scheduler.NewMemoryRepo(),
	}
	sched := scheduler.NewService(e.schedRepo, e.campaigns, e.leads, e.convs, e.store, log)
	e.engine = NewEngine(e.leads, e.campaigns, e.convs, decision.NewLog(e.decisions), sched, e.store, log)
	return e
}

func (e *env) seedCampaign(t *testing.T, rules *campaign.QualificationRules) {
	t.Helper()
	e.campaigns.PutCampaign(campaign.Campaign{ID: "camp-1", Name: "new applications", Active: true, Qualification: rules})
	err := e.campaigns.CreateSchedule(context.Background(), campaign.Schedule{
		ID:         "sched-email",
		CampaignID: "camp-1",
		Name:       "new_application_sequence",
		Channel:    string(lead.ChannelEmail),
		Active:     true,
		Steps: []campaign.Step{
			{SequenceOrder: 1, Delay: 0, TemplateID: "t-intro"},
			{SequenceOrder: 2, Delay: 24 * time.Hour, TemplateID: "t-followup"},
		},
	})
	if err != nil {
		t.Fatalf("seed schedule: %v", err)
	}
}

func (e *env) claimOne(t *testing.T, lane queue.Lane) (queue.Job, bool) {
	t.Helper()
	now := time.Now().Add(time.Minute)
	job, ok, err := e.store.Claim(context.Background(), lane, "test", now, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	return job, ok
}

func TestEvaluate_RoutesWebLeadToEmailAndEnrolls(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.seedCampaign(t, nil)
	_, err := e.leads.Create(ctx, lead.Lead{ID: "L1", Email: "ada@example.com", Name: "Ada", Source: "web"})
	require.NoError(t, err)

	d, err := e.engine.Evaluate(ctx, "L1", "camp-1")
	require.NoError(t, err)
	assert.Equal(t, decision.ActionRouteChannel, d.Action)
	assert.Equal(t, lead.ChannelEmail, d.Channel)

	l, err := e.leads.FindByID(ctx, "L1")
	require.NoError(t, err)
	assert.Equal(t, lead.ChannelEmail, l.AssignedChannel)

	recs := e.decisions.All()
	require.Len(t, recs, 1)
	assert.Equal(t, decision.ActionRouteChannel, recs[0].Action)

	// Routing also enrolled the lead into the channel's schedule.
	enrolled, err := e.schedRepo.HasActiveEnrollment(ctx, "L1", lead.ChannelEmail)
	require.NoError(t, err)
	assert.True(t, enrolled)
}

func TestEvaluate_RoutedLeadBelowThresholdIsRecordedNoop(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.seedCampaign(t, nil)
	_, err := e.leads.Create(ctx, lead.Lead{
		ID: "L1", Source: "import", Status: lead.StatusContacted, AssignedChannel: lead.ChannelEmail, Email: "a@b.c",
	})
	require.NoError(t, err)

	d, err := e.engine.Evaluate(ctx, "L1", "camp-1")
	require.NoError(t, err)
	assert.Equal(t, decision.ActionNoop, d.Action)

	// No-ops are never silently dropped.
	recs := e.decisions.All()
	require.Len(t, recs, 1)
	assert.Equal(t, decision.ActionNoop, recs[0].Action)
	assert.NotEmpty(t, recs[0].Reasoning)
}

func TestEvaluate_CampaignRulesQualifyAndTriggerHandover(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.seedCampaign(t, &campaign.QualificationRules{MinScore: 50, RequiredFields: []string{"email"}, RequireReply: true})
	_, err := e.leads.Create(ctx, lead.Lead{
		ID: "L1", Email: "ada@example.com", Source: "web", Status: lead.StatusContacted,
		AssignedChannel: lead.ChannelEmail, QualificationScore: 60,
	})
	require.NoError(t, err)
	_, err = e.convs.Append(ctx, "L1", lead.ChannelEmail, conversation.Message{
		Direction: conversation.DirectionInbound, Body: "yes, send me the paperwork",
	})
	require.NoError(t, err)

	d, err := e.engine.Evaluate(ctx, "L1", "camp-1")
	require.NoError(t, err)
	assert.Equal(t, decision.ActionQualify, d.Action)

	l, err := e.leads.FindByID(ctx, "L1")
	require.NoError(t, err)
	assert.Equal(t, lead.StatusQualified, l.Status)

	// Handover rides the critical lane.
	job, ok := e.claimOne(t, queue.LaneCritical)
	require.True(t, ok)
	assert.Equal(t, handover.JobTypeSubmit, job.Type)
	assert.Equal(t, "overlord", job.Metadata.Source)

	// The terminal decision carries the conversation snapshot.
	recs := e.decisions.All()
	require.Len(t, recs, 1)
	assert.Contains(t, recs[0].Context, "send me the paperwork")
}

func TestEvaluate_RulesPendingWithoutReply(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.seedCampaign(t, &campaign.QualificationRules{MinScore: 50, RequireReply: true})
	_, err := e.leads.Create(ctx, lead.Lead{
		ID: "L1", Email: "a@b.c", Status: lead.StatusContacted,
		AssignedChannel: lead.ChannelEmail, QualificationScore: 90,
	})
	require.NoError(t, err)

	d, err := e.engine.Evaluate(ctx, "L1", "camp-1")
	require.NoError(t, err)
	assert.Equal(t, decision.ActionNoop, d.Action)
	assert.Contains(t, d.Reasoning, "no inbound reply")
}

func TestEvaluate_HeuristicQualifiesEngagedLead(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.seedCampaign(t, nil)
	_, err := e.leads.Create(ctx, lead.Lead{
		ID: "L1", Email: "ada@example.com", Phone: "+15550001111", Name: "Ada", Source: "referral",
		Status: lead.StatusContacted, AssignedChannel: lead.ChannelEmail,
	})
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err = e.convs.Append(ctx, "L1", lead.ChannelEmail, conversation.Message{
			Direction: conversation.DirectionInbound, Body: "interested",
		})
		require.NoError(t, err)
	}

	d, err := e.engine.Evaluate(ctx, "L1", "camp-1")
	require.NoError(t, err)
	assert.Equal(t, decision.ActionQualify, d.Action)
	assert.GreaterOrEqual(t, d.Score, QualifyThreshold)
}

func TestEvaluate_OptedOutLeadIsArchived(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.seedCampaign(t, nil)
	_, err := e.leads.Create(ctx, lead.Lead{ID: "L1", Email: "a@b.c", OptedOut: true})
	require.NoError(t, err)

	d, err := e.engine.Evaluate(ctx, "L1", "camp-1")
	require.NoError(t, err)
	assert.Equal(t, decision.ActionArchive, d.Action)

	l, err := e.leads.FindByID(ctx, "L1")
	require.NoError(t, err)
	assert.Equal(t, lead.StatusArchived, l.Status)
}

func TestEvaluate_TerminalLeadIsNoop(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.seedCampaign(t, nil)
	_, err := e.leads.Create(ctx, lead.Lead{ID: "L1", Status: lead.StatusHandedOff, AssignedChannel: lead.ChannelEmail})
	require.NoError(t, err)

	d, err := e.engine.Evaluate(ctx, "L1", "camp-1")
	require.NoError(t, err)
	assert.Equal(t, decision.ActionNoop, d.Action)

	l, err := e.leads.FindByID(ctx, "L1")
	require.NoError(t, err)
	assert.Equal(t, lead.StatusHandedOff, l.Status)
}

func TestReroute(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.seedCampaign(t, nil)
	_, err := e.leads.Create(ctx, lead.Lead{
		ID: "L1", Email: "a@b.c", Phone: "+15550001111",
		Status: lead.StatusContacted, AssignedChannel: lead.ChannelEmail,
	})
	require.NoError(t, err)

	err = e.engine.Reroute(ctx, "L1", lead.ChannelSMS, "")
	require.Error(t, err, "reroute without a reason must be rejected")

	require.NoError(t, e.engine.Reroute(ctx, "L1", lead.ChannelSMS, "email bounced twice"))
	l, err := e.leads.FindByID(ctx, "L1")
	require.NoError(t, err)
	assert.Equal(t, lead.ChannelSMS, l.AssignedChannel)

	recs := e.decisions.All()
	require.Len(t, recs, 1)
	assert.Equal(t, decision.ActionReroute, recs[0].Action)
	assert.Equal(t, "email bounced twice", recs[0].Reasoning)

	_, err = e.leads.UpdateStatus(ctx, "L1", lead.StatusQualified)
	require.NoError(t, err)
	_, err = e.leads.UpdateStatus(ctx, "L1", lead.StatusHandedOff)
	require.NoError(t, err)
	err = e.engine.Reroute(ctx, "L1", lead.ChannelEmail, "try email again")
	assert.ErrorIs(t, err, ErrLeadTerminal)
}
