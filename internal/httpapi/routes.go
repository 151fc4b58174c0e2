package httpapi

import "github.com/gin-gonic/gin"

// Register wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to
// internal services.
func (h Handlers) Register(r *gin.Engine) {
	// public
	r.GET("/healthz", h.Health)

	// Provider callbacks. Signature verification happens inside the
	// handler so a misconfigured route cannot bypass it.
	r.POST("/webhooks/provider", h.ProviderWebhook)

	v1 := r.Group("/v1")
	{
		leads := v1.Group("/leads")
		{
			leads.POST("", h.CreateLead)
			leads.GET("/:lead_id", h.GetLead)
			leads.POST("/:lead_id/evaluate", h.EvaluateLead)
			leads.POST("/:lead_id/reroute", h.RerouteLead)
			leads.POST("/:lead_id/optout", h.OptOutLead)
			leads.GET("/:lead_id/decisions", h.LeadDecisions)
		}

		v1.POST("/enrollments", h.Enroll)

		sched := v1.Group("/scheduler")
		{
			sched.POST("/process", h.ProcessNow)
			sched.GET("/upcoming", h.UpcomingAttempts)
		}

		v1.POST("/schedules/:schedule_id/toggle", h.ToggleSchedule)
		v1.GET("/queue/stats", h.QueueStats)
		v1.GET("/reports/campaigns/:campaign_id", h.CampaignReport)
	}
}
