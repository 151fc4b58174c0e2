package scheduler

import (
	"context"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadflow-engine/internal/campaign"
	"leadflow-engine/internal/conversation"
	"leadflow-engine/internal/faults"
	"leadflow-engine/internal/lead"
	"leadflow-engine/internal/provider"
	"leadflow-engine/internal/queue"
)

// flakyAdvanceRepo fails AdvanceStep a fixed number of times before
// delegating, simulating a DB hiccup between the send and the advance.
type flakyAdvanceRepo struct {
	*MemoryRepo
	failures int32
}

func (r *flakyAdvanceRepo) AdvanceStep(ctx context.Context, id string, fromStep int, status Status, nextAt *time.Time) (bool, error) {
	if atomic.AddInt32(&r.failures, -1) >= 0 {
		return false, faults.Transient("enrollment advance unavailable", nil)
	}
	return r.MemoryRepo.AdvanceStep(ctx, id, fromStep, status, nextAt)
}

func TestSend_RedeliveryFinishesAdvanceAfterTransientFailure(t *testing.T) {
	ctx := context.Background()
	log := slog.Default()
	clock := newFakeClock()

	mem := NewMemoryRepo()
	mem.SetClock(clock.Now)
	repo := &flakyAdvanceRepo{MemoryRepo: mem, failures: 1}

	campaigns := campaign.NewMemoryRepo()
	leads := lead.NewMemoryRepo()
	leads.SetClock(clock.Now)
	convs := conversation.NewMemoryRepo()
	convs.SetClock(clock.Now)
	store := queue.NewMemoryStore()
	sender := provider.NewMemorySender("fake")

	svc := NewService(repo, campaigns, leads, convs, store, log)
	svc.SetClock(clock.Now)

	exec := NewSendExecutor(svc, repo, leads, convs, provider.Registry{lead.ChannelEmail: sender}, nil, log)
	exec.SetClock(clock.Now)

	runner := queue.NewRunner(store, queue.RunnerConfig{}, log)
	runner.SetClock(clock.Now)
	runner.Register(JobTypeSend, exec.Handle)

	campaigns.PutCampaign(campaign.Campaign{ID: "camp-1", Name: "spring outreach", Active: true})
	require.NoError(t, campaigns.CreateSchedule(ctx, campaign.Schedule{
		ID:         "sched-1",
		CampaignID: "camp-1",
		Name:       "welcome",
		Channel:    string(lead.ChannelEmail),
		Active:     true,
		Steps: []campaign.Step{
			{SequenceOrder: 1, Delay: 0, TemplateID: "t-intro"},
			{SequenceOrder: 2, Delay: 24 * time.Hour, TemplateID: "t-followup"},
		},
	}))
	_, err := leads.Create(ctx, lead.Lead{ID: "lead-1", Email: "ada@example.com"})
	require.NoError(t, err)

	enr, err := svc.Enroll(ctx, "sched-1", "lead-1", nil)
	require.NoError(t, err)

	n, err := svc.ProcessDue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// First delivery: the send and FinishAttempt succeed, the advance
	// fails, the job is rescheduled for a retry.
	require.Equal(t, 1, runner.ProcessOnce(ctx))
	require.Len(t, sender.Sent(), 1)

	cur, err := mem.FindEnrollment(ctx, enr.ID)
	require.NoError(t, err)
	require.Equal(t, 0, cur.CurrentStep)
	require.Nil(t, cur.NextScheduledAt)

	// Redelivery after backoff must not resend; it finishes the advance.
	clock.Advance(2 * time.Minute)
	require.Equal(t, 1, runner.ProcessOnce(ctx))
	require.Len(t, sender.Sent(), 1)

	cur, err = mem.FindEnrollment(ctx, enr.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, cur.CurrentStep)
	require.NotNil(t, cur.NextScheduledAt)

	// The follow-up still fires on its shifted schedule.
	clock.Advance(24*time.Hour + time.Minute)
	n, err = svc.ProcessDue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, 1, runner.ProcessOnce(ctx))
	require.Len(t, sender.Sent(), 2)
	assert.Equal(t, "t-followup", sender.Sent()[1].TemplateID)
}
