package webhook

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadflow-engine/internal/campaign"
	"leadflow-engine/internal/conversation"
	"leadflow-engine/internal/faults"
	"leadflow-engine/internal/lead"
	"leadflow-engine/internal/overlord"
	"leadflow-engine/internal/provider"
	"leadflow-engine/internal/queue"
	"leadflow-engine/internal/scheduler"
)

type env struct {
	repo  *scheduler.MemoryRepo
	leads *lead.MemoryRepo
	convs *conversation.MemoryRepo
	store *queue.MemoryStore
	svc   *Service
}

func newEnv(t *testing.T) *env {
	t.Helper()
	log := slog.Default()
	campaigns := campaign.NewMemoryRepo()
	e := &env{
		repo:  scheduler.NewMemoryRepo(),
		leads: lead.NewMemoryRepo(),
		convs: conversation.NewMemoryRepo(),
		store: queue.NewMemoryStore(),
	}
	campaigns.PutCampaign(campaign.Campaign{ID: "camp-1", Active: true})
	err := campaigns.CreateSchedule(context.Background(), campaign.Schedule{
		ID: "sched-1", CampaignID: "camp-1", Channel: string(lead.ChannelEmail), Active: true,
		Steps: []campaign.Step{{SequenceOrder: 1, TemplateID: "t-1"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	sched := scheduler.NewService(e.repo, campaigns, e.leads, e.convs, e.store, log)
	e.svc = NewService(e.repo, sched, campaigns, e.convs, e.store, log)
	return e
}

// seedSentAttempt creates a lead with one enrollment and a sent attempt
// correlated to provider message id "pm-1".
func seedSentAttempt(t *testing.T, e *env) {
	t.Helper()
	ctx := context.Background()
	if _, err := e.leads.Create(ctx, lead.Lead{ID: "L1", Email: "a@b.c", Status: lead.StatusContacted}); err != nil {
		t.Fatal(err)
	}
	if err := e.repo.CreateEnrollment(ctx, scheduler.Enrollment{
		ID: "enr-1", ScheduleID: "sched-1", LeadID: "L1",
		Channel: lead.ChannelEmail, Status: scheduler.StatusActive,
	}); err != nil {
		t.Fatal(err)
	}
	now := time.Now().UTC()
	if err := e.repo.CreateAttempt(ctx, scheduler.Attempt{
		ID: "att-1", EnrollmentID: "enr-1", LeadID: "L1", StepOrder: 1,
		TemplateID: "t-1", Status: scheduler.AttemptScheduled, ScheduledFor: now,
	}); err != nil {
		t.Fatal(err)
	}
	if err := e.repo.FinishAttempt(ctx, "att-1", scheduler.AttemptSent, &now, "pm-1", ""); err != nil {
		t.Fatal(err)
	}
}

func TestIngest_RejectsUncorrelatedEvents(t *testing.T) {
	e := newEnv(t)
	seedSentAttempt(t, e)

	err := e.svc.Ingest(context.Background(), provider.WebhookEvent{Kind: provider.WebhookReply, Body: "hi"})
	assert.Equal(t, faults.KindValidation, faults.KindOf(err))

	err = e.svc.Ingest(context.Background(), provider.WebhookEvent{Kind: provider.WebhookReply, MessageID: "forged", Body: "hi"})
	assert.Equal(t, faults.KindValidation, faults.KindOf(err))
}

func TestIngest_ReplyAppendsAndReevaluates(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	seedSentAttempt(t, e)

	err := e.svc.Ingest(ctx, provider.WebhookEvent{
		Kind: provider.WebhookReply, MessageID: "pm-1", From: "a@b.c", Body: "tell me more",
	})
	require.NoError(t, err)

	history, err := e.convs.History(ctx, "L1", lead.ChannelEmail)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, conversation.DirectionInbound, history[0].Direction)

	now := time.Now().Add(time.Minute)
	job, ok, err := e.store.Claim(ctx, queue.LaneStandard, "test", now, now.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, overlord.JobTypeEvaluate, job.Type)
	assert.Equal(t, "webhook", job.Metadata.Source)
}

func TestIngest_StopReplyOptsOut(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	seedSentAttempt(t, e)

	err := e.svc.Ingest(ctx, provider.WebhookEvent{
		Kind: provider.WebhookReply, MessageID: "pm-1", Body: "  STOP ",
	})
	require.NoError(t, err)

	l, err := e.leads.FindByID(ctx, "L1")
	require.NoError(t, err)
	assert.True(t, l.OptedOut)

	enr, err := e.repo.FindEnrollment(ctx, "enr-1")
	require.NoError(t, err)
	assert.Equal(t, scheduler.StatusOptedOut, enr.Status)
}

func TestIngest_BounceMarksAttemptFailed(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	seedSentAttempt(t, e)

	err := e.svc.Ingest(ctx, provider.WebhookEvent{
		Kind: provider.WebhookStatus, MessageID: "pm-1", Status: "bounced", ErrorCode: "550",
	})
	require.NoError(t, err)

	a, err := e.repo.FindAttempt(ctx, "att-1")
	require.NoError(t, err)
	assert.Equal(t, scheduler.AttemptFailed, a.Status)
	assert.Contains(t, a.ErrorMessage, "550")

	// A duplicate receipt settles quietly.
	err = e.svc.Ingest(ctx, provider.WebhookEvent{
		Kind: provider.WebhookStatus, MessageID: "pm-1", Status: "bounced",
	})
	require.NoError(t, err)
}

func TestIngest_DeliveredIsNoop(t *testing.T) {
	e := newEnv(t)
	seedSentAttempt(t, e)

	err := e.svc.Ingest(context.Background(), provider.WebhookEvent{
		Kind: provider.WebhookStatus, MessageID: "pm-1", Status: "delivered",
	})
	require.NoError(t, err)
}
