package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadflow-engine/internal/campaign"
	"leadflow-engine/internal/conversation"
	"leadflow-engine/internal/decision"
	"leadflow-engine/internal/handover"
	"leadflow-engine/internal/lead"
	"leadflow-engine/internal/overlord"
	"leadflow-engine/internal/provider"
	"leadflow-engine/internal/queue"
	"leadflow-engine/internal/scheduler"
	"leadflow-engine/internal/webhook"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Now().Add(time.Hour).UTC()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type stubCRM struct {
	mu    sync.Mutex
	calls int
}

func (s *stubCRM) Name() string { return "crm" }

func (s *stubCRM) Submit(ctx context.Context, l lead.Lead, p handover.Payload) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return "crm-ref-1", nil
}

type flowEnv struct {
	*testServer
	clock     *fakeClock
	decisions *decision.Log
	crm       *stubCRM
}

// newFlowEnv builds the whole pipeline behind the HTTP surface with an
// injectable clock, so multi-day sequences run in one test.
func newFlowEnv(t *testing.T) *flowEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := slog.Default()

	fe := &flowEnv{
		testServer: &testServer{
			leads:     lead.NewMemoryRepo(),
			campaigns: campaign.NewMemoryRepo(),
			schedRepo: scheduler.NewMemoryRepo(),
			store:     queue.NewMemoryStore(),
			sender:    provider.NewMemorySender("gw"),
		},
		clock: newFakeClock(),
		crm:   &stubCRM{},
	}
	convs := conversation.NewMemoryRepo()
	fe.decisions = decision.NewLog(decision.NewMemoryRepo())

	fe.leads.SetClock(fe.clock.Now)
	fe.schedRepo.SetClock(fe.clock.Now)
	convs.SetClock(fe.clock.Now)
	fe.decisions.SetClock(fe.clock.Now)

	fe.sched = scheduler.NewService(fe.schedRepo, fe.campaigns, fe.leads, convs, fe.store, log)
	fe.sched.SetClock(fe.clock.Now)

	exec := scheduler.NewSendExecutor(fe.sched, fe.schedRepo, fe.leads, convs, provider.Registry{lead.ChannelEmail: fe.sender}, nil, log)
	exec.SetClock(fe.clock.Now)

	engine := overlord.NewEngine(fe.leads, fe.campaigns, convs, fe.decisions, fe.sched, fe.store, log)
	engine.SetClock(fe.clock.Now)

	handoverExec := handover.NewExecutor([]handover.Destination{fe.crm}, fe.leads, fe.decisions, nil, log)
	handoverExec.SetClock(fe.clock.Now)

	fe.runner = queue.NewRunner(fe.store, queue.RunnerConfig{}, log)
	fe.runner.SetClock(fe.clock.Now)
	fe.runner.Register(scheduler.JobTypeSend, exec.Handle)
	fe.runner.Register(overlord.JobTypeEvaluate, engine.Handle)
	fe.runner.Register(handover.JobTypeSubmit, handoverExec.Handle)

	hooks := webhook.NewService(fe.schedRepo, fe.sched, fe.campaigns, convs, fe.store, log)

	h := Handlers{
		Scheduler:     fe.sched,
		Overlord:      engine,
		Leads:         fe.leads,
		Campaigns:     fe.campaigns,
		Decisions:     fe.decisions,
		Jobs:          fe.store,
		Runner:        fe.runner,
		Webhooks:      hooks,
		WebhookSecret: testSecret,
		Clock:         fe.clock.Now,
	}
	fe.router = gin.New()
	h.Register(fe.router)
	return fe
}

func (fe *flowEnv) drain(t *testing.T) int {
	t.Helper()
	return fe.runner.ProcessOnce(context.Background())
}

// The full journey: a web lead comes in, the decision engine routes it
// to email and enrolls it, the drip fires, the prospect replies, the
// lead qualifies and is handed to the CRM.
func TestLeadLifecycle_IntakeToHandover(t *testing.T) {
	fe := newFlowEnv(t)

	fe.campaigns.PutCampaign(campaign.Campaign{
		ID:            "camp-1",
		Name:          "spring outreach",
		Active:        true,
		Qualification: &campaign.QualificationRules{RequireReply: true},
	})
	require.NoError(t, fe.campaigns.CreateSchedule(context.Background(), campaign.Schedule{
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

	// Intake queues the first evaluation.
	w := fe.do(t, http.MethodPost, "/v1/leads", `{"email":"bob@example.com","name":"Bob","source":"web","campaign_id":"camp-1"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	var created lead.Lead
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	require.Equal(t, 1, fe.drain(t))

	l, err := fe.leads.FindByID(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, lead.ChannelEmail, l.AssignedChannel)

	ok, err := fe.schedRepo.HasActiveEnrollment(context.Background(), l.ID, lead.ChannelEmail)
	require.NoError(t, err)
	require.True(t, ok, "routing should enroll the lead into the email schedule")

	// Step 1 fires immediately.
	w = fe.do(t, http.MethodPost, "/v1/scheduler/process", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, fe.sender.Sent(), 1)

	// A day passes; the follow-up fires.
	fe.clock.Advance(24*time.Hour + time.Minute)
	fe.do(t, http.MethodPost, "/v1/scheduler/process", "")
	require.Len(t, fe.sender.Sent(), 2)

	// The prospect replies to the follow-up.
	form := url.Values{}
	form.Set("MessageId", "gw-2")
	form.Set("Channel", "email")
	form.Set("From", "bob@example.com")
	form.Set("Body", "Sounds interesting, tell me more")
	w = fe.postWebhook(t, form, sign(form.Encode()))
	require.Equal(t, http.StatusOK, w.Code)

	// Reply evaluation qualifies the lead and queues the handover,
	// which the next drain submits.
	require.GreaterOrEqual(t, fe.drain(t), 2)

	l, err = fe.leads.FindByID(context.Background(), l.ID)
	require.NoError(t, err)
	assert.Equal(t, lead.StatusHandedOff, l.Status)
	assert.Equal(t, 1, fe.crm.calls)

	recs, err := fe.decisions.History(context.Background(), l.ID)
	require.NoError(t, err)
	var actions []decision.Action
	for _, rec := range recs {
		actions = append(actions, rec.Action)
	}
	assert.Contains(t, actions, decision.ActionRouteChannel)
	assert.Contains(t, actions, decision.ActionQualify)
	assert.Contains(t, actions, decision.ActionHandover)
}

// A STOP reply must cancel everything outstanding and archive the lead
// on the next evaluation.
func TestLeadLifecycle_OptOutStopsSequence(t *testing.T) {
	fe := newFlowEnv(t)

	fe.campaigns.PutCampaign(campaign.Campaign{ID: "camp-1", Name: "spring outreach", Active: true})
	require.NoError(t, fe.campaigns.CreateSchedule(context.Background(), campaign.Schedule{
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

	w := fe.do(t, http.MethodPost, "/v1/leads", `{"email":"eve@example.com","source":"web","campaign_id":"camp-1"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	var created lead.Lead
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	fe.drain(t)
	fe.do(t, http.MethodPost, "/v1/scheduler/process", "")
	require.Len(t, fe.sender.Sent(), 1)

	form := url.Values{}
	form.Set("MessageId", "gw-1")
	form.Set("Channel", "email")
	form.Set("From", "eve@example.com")
	form.Set("Body", "STOP")
	w = fe.postWebhook(t, form, sign(form.Encode()))
	require.Equal(t, http.StatusOK, w.Code)
	fe.drain(t)

	l, err := fe.leads.FindByID(context.Background(), created.ID)
	require.NoError(t, err)
	assert.True(t, l.OptedOut)

	// The follow-up never fires.
	fe.clock.Advance(25 * time.Hour)
	fe.do(t, http.MethodPost, "/v1/scheduler/process", "")
	assert.Len(t, fe.sender.Sent(), 1)
}
