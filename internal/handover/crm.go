package handover

import (
	"context"
	"time"

	"github.com/go-resty/resty/v2"

	"leadflow-engine/internal/faults"
	"leadflow-engine/internal/lead"
)

// CRMDestination pushes leads into the fallback CRM over its JSON API.
type CRMDestination struct {
	client *resty.Client
}

type crmLead struct {
	ExternalID string `json:"external_id"`
	Email      string `json:"email,omitempty"`
	Phone      string `json:"phone,omitempty"`
	Name       string `json:"name,omitempty"`
	Source     string `json:"source"`
	Score      int    `json:"score"`
	CampaignID string `json:"campaign_id"`
	Reason     string `json:"reason"`
}

type crmResponse struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

func NewCRMDestination(baseURL, apiKey string, timeout time.Duration) *CRMDestination {
	return &CRMDestination{
		client: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(timeout).
			SetHeader("Authorization", "Bearer "+apiKey).
			SetHeader("Content-Type", "application/json"),
	}
}

func (d *CRMDestination) Name() string { return "crm" }

func (d *CRMDestination) Submit(ctx context.Context, l lead.Lead, p Payload) (string, error) {
	var out crmResponse
	resp, err := d.client.R().
		SetContext(ctx).
		SetBody(crmLead{
			ExternalID: l.ID,
			Email:      l.Email,
			Phone:      l.Phone,
			Name:       l.Name,
			Source:     l.Source,
			Score:      l.QualificationScore,
			CampaignID: p.CampaignID,
			Reason:     p.Reason,
		}).
		SetResult(&out).
		SetError(&out).
		Post("/api/v1/leads")
	if err != nil {
		return "", faults.Transient("crm unreachable", err)
	}
	switch {
	case resp.IsSuccess():
		if out.ID == "" {
			return "", faults.Transient("crm accepted without id", nil)
		}
		return out.ID, nil
	case resp.StatusCode() >= 500:
		return "", faults.Transient("crm error: "+resp.Status(), nil)
	default:
		msg := out.Error
		if msg == "" {
			msg = resp.Status()
		}
		return "", faults.Terminal("crm rejected lead: "+msg, nil)
	}
}
