package overlord

import (
	"context"
	"encoding/json"

	"leadflow-engine/internal/faults"
	"leadflow-engine/internal/queue"
)

// JobTypeEvaluate is the queue job type for asynchronous lead
// evaluation. Sends, webhook replies and manual triggers all enqueue it.
const JobTypeEvaluate = "lead.evaluate"

// EvaluatePayload is the wire payload of an evaluate job.
type EvaluatePayload struct {
	LeadID     string `json:"lead_id"`
	CampaignID string `json:"campaign_id"`
}

// Handle is the queue handler wrapper around Evaluate.
func (e *Engine) Handle(ctx context.Context, job queue.Job) error {
	var p EvaluatePayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return faults.Validation("malformed evaluate payload: %v", err)
	}
	if p.LeadID == "" || p.CampaignID == "" {
		return faults.Validation("evaluate payload missing identifiers")
	}
	_, err := e.Evaluate(ctx, p.LeadID, p.CampaignID)
	return err
}
