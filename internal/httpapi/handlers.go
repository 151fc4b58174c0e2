package httpapi

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"leadflow-engine/internal/campaign"
	"leadflow-engine/internal/decision"
	"leadflow-engine/internal/faults"
	"leadflow-engine/internal/lead"
	"leadflow-engine/internal/overlord"
	"leadflow-engine/internal/provider"
	"leadflow-engine/internal/queue"
	"leadflow-engine/internal/reporting"
	"leadflow-engine/internal/scheduler"
	"leadflow-engine/internal/webhook"
	"leadflow-engine/pkg/logger"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.

type Handlers struct {
	Scheduler *scheduler.Service
	Overlord  *overlord.Engine
	Leads     lead.Repository
	Campaigns campaign.Repository
	Decisions *decision.Log
	Jobs      queue.Store
	Runner    *queue.Runner
	Webhooks  *webhook.Service
	Reports   *reporting.Service
	Clock     func() time.Time

	// WebhookSecret verifies provider callback signatures. Empty disables
	// verification (local development only).
	WebhookSecret string
}

// fail maps an internal error to an HTTP response.
func fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, lead.ErrNotFound),
		errors.Is(err, campaign.ErrNotFound),
		errors.Is(err, scheduler.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	switch faults.KindOf(err) {
	case faults.KindValidation:
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case faults.KindRateLimit:
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
	default:
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// --- Enrollments ---

type enrollRequest struct {
	ScheduleID string            `json:"schedule_id"`
	LeadID     string            `json:"lead_id"`
	Variables  map[string]string `json:"variables,omitempty"`
}

func (h Handlers) Enroll(c *gin.Context) {
	var req enrollRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.ScheduleID == "" || req.LeadID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "schedule_id and lead_id required"})
		return
	}
	e, err := h.Scheduler.Enroll(c.Request.Context(), req.ScheduleID, req.LeadID, req.Variables)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, e)
}

// ProcessNow triggers a due scan and drains the resulting jobs inline.
// Operational and test hook; production relies on the background loop.
func (h Handlers) ProcessNow(c *gin.Context) {
	processed, err := h.Scheduler.ProcessDue(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	executed := 0
	if h.Runner != nil {
		executed = h.Runner.ProcessOnce(c.Request.Context())
	}
	c.JSON(http.StatusOK, gin.H{"processed": processed, "jobs_executed": executed})
}

func (h Handlers) UpcomingAttempts(c *gin.Context) {
	hours := 24
	if v := c.Query("window_hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "window_hours must be a positive integer"})
			return
		}
		hours = n
	}
	upcoming, err := h.Scheduler.Upcoming(c.Request.Context(), time.Duration(hours)*time.Hour)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"upcoming": upcoming})
}

// --- Queue ---

func (h Handlers) QueueStats(c *gin.Context) {
	stats, err := h.Jobs.Stats(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// --- Schedules ---

type toggleScheduleRequest struct {
	Active *bool `json:"active"`
}

func (h Handlers) ToggleSchedule(c *gin.Context) {
	id := c.Param("schedule_id")
	var req toggleScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Active == nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "active (boolean) required"})
		return
	}
	var err error
	if *req.Active {
		err = h.Scheduler.ResumeSchedule(c.Request.Context(), id)
	} else {
		err = h.Scheduler.PauseSchedule(c.Request.Context(), id)
	}
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"schedule_id": id, "active": *req.Active})
}

// --- Leads ---

type createLeadRequest struct {
	Email      string            `json:"email,omitempty"`
	Phone      string            `json:"phone,omitempty"`
	Name       string            `json:"name,omitempty"`
	Source     string            `json:"source"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CampaignID string            `json:"campaign_id,omitempty"`
}

// CreateLead ingests a lead and, when a campaign is named, queues its
// first evaluation.
func (h Handlers) CreateLead(c *gin.Context) {
	var req createLeadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.Source == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "source required"})
		return
	}
	if req.Email == "" && req.Phone == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "email or phone required"})
		return
	}
	l, err := h.Leads.Create(c.Request.Context(), lead.Lead{
		Email:    req.Email,
		Phone:    req.Phone,
		Name:     req.Name,
		Source:   req.Source,
		Metadata: req.Metadata,
	})
	if err != nil {
		fail(c, err)
		return
	}
	if req.CampaignID != "" {
		_, err = h.Jobs.Enqueue(c.Request.Context(), overlord.JobTypeEvaluate, overlord.EvaluatePayload{
			LeadID:     l.ID,
			CampaignID: req.CampaignID,
		}, queue.Options{
			Lane:     queue.LaneStandard,
			Metadata: queue.Metadata{Source: "intake", LeadID: l.ID},
		})
		if err != nil {
			fail(c, err)
			return
		}
	}
	c.JSON(http.StatusCreated, l)
}

func (h Handlers) GetLead(c *gin.Context) {
	l, err := h.Leads.FindByID(c.Request.Context(), c.Param("lead_id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, l)
}

type evaluateRequest struct {
	CampaignID string `json:"campaign_id"`
}

func (h Handlers) EvaluateLead(c *gin.Context) {
	var req evaluateRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.CampaignID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "campaign_id required"})
		return
	}
	d, err := h.Overlord.Evaluate(c.Request.Context(), c.Param("lead_id"), req.CampaignID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"action":    d.Action,
		"channel":   d.Channel,
		"reasoning": d.Reasoning,
		"score":     d.Score,
	})
}

type rerouteRequest struct {
	Channel string `json:"channel"`
	Reason  string `json:"reason"`
}

func (h Handlers) RerouteLead(c *gin.Context) {
	var req rerouteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	ch, err := lead.ParseChannel(req.Channel)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.Overlord.Reroute(c.Request.Context(), c.Param("lead_id"), ch, req.Reason); err != nil {
		if errors.Is(err, overlord.ErrLeadTerminal) {
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"lead_id": c.Param("lead_id"), "channel": ch})
}

func (h Handlers) OptOutLead(c *gin.Context) {
	id := c.Param("lead_id")
	if err := h.Scheduler.OptOut(c.Request.Context(), id); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"lead_id": id, "opted_out": true})
}

func (h Handlers) LeadDecisions(c *gin.Context) {
	recs, err := h.Decisions.History(c.Request.Context(), c.Param("lead_id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"decisions": recs})
}

// --- Reports ---

// reportRange parses from/to query params, defaulting to the last 24h.
func (h Handlers) reportRange(c *gin.Context) (reporting.TimeRange, bool) {
	now := time.Now
	if h.Clock != nil {
		now = h.Clock
	}
	rng := reporting.TimeRange{From: now().Add(-24 * time.Hour), To: now()}
	if v := c.Query("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "from must be RFC3339"})
			return rng, false
		}
		rng.From = t
	}
	if v := c.Query("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "to must be RFC3339"})
			return rng, false
		}
		rng.To = t
	}
	return rng, true
}

func (h Handlers) CampaignReport(c *gin.Context) {
	rng, ok := h.reportRange(c)
	if !ok {
		return
	}
	id := c.Param("campaign_id")
	summary, err := h.Reports.CampaignSummary(c.Request.Context(), reporting.CampaignSummaryRequest{CampaignID: id, Range: rng})
	if err != nil {
		if errors.Is(err, reporting.ErrInvalidRequest) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		fail(c, err)
		return
	}
	funnel, err := h.Reports.Funnel(c.Request.Context(), reporting.FunnelRequest{CampaignID: id, Range: rng})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"summary": summary, "funnel": funnel})
}

// --- Webhooks ---

// ProviderWebhook ingests delivery receipts and inbound replies. The
// signature (when configured) and the provider message id must both
// check out before anything mutates.
func (h Handlers) ProviderWebhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	if !provider.VerifySignature(h.WebhookSecret, body, c.GetHeader("X-Gateway-Signature")) {
		logger.FromGin(c).Warn("webhook signature rejected", "remote_addr", c.ClientIP())
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "bad signature"})
		return
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(body))

	ev, err := provider.ParseWebhookEvent(c.Request)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "malformed event"})
		return
	}
	if err := h.Webhooks.Ingest(c.Request.Context(), ev); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// --- Health ---

func (h Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
