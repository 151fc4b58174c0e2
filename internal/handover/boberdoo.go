package handover

import (
	"context"
	"encoding/xml"
	"time"

	"github.com/go-resty/resty/v2"

	"leadflow-engine/internal/faults"
	"leadflow-engine/internal/lead"
)

// BoberdooDestination posts leads to a boberdoo lead-distribution
// endpoint. The protocol is query-parameter based; responses are XML.
type BoberdooDestination struct {
	client *resty.Client

	// src and leadType identify the buyer's filter set.
	src      string
	leadType string
	key      string
}

type boberdooResponse struct {
	XMLName xml.Name `xml:"response"`
	Status  string   `xml:"status"`
	LeadID  string   `xml:"lead_id"`
	Price   string   `xml:"price"`
	Message string   `xml:"message"`
}

func NewBoberdooDestination(baseURL, src, leadType, key string, timeout time.Duration) *BoberdooDestination {
	return &BoberdooDestination{
		client:   resty.New().SetBaseURL(baseURL).SetTimeout(timeout),
		src:      src,
		leadType: leadType,
		key:      key,
	}
}

func (d *BoberdooDestination) Name() string { return "boberdoo" }

func (d *BoberdooDestination) Submit(ctx context.Context, l lead.Lead, p Payload) (string, error) {
	resp, err := d.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"src":         d.src,
			"type":        d.leadType,
			"key":         d.key,
			"email":       l.Email,
			"phone":       l.Phone,
			"name":        l.Name,
			"lead_source": l.Source,
			"our_id":      l.ID,
		}).
		Post("/leadimport.php")
	if err != nil {
		return "", faults.Transient("boberdoo unreachable", err)
	}
	if resp.StatusCode() >= 500 {
		return "", faults.Transient("boberdoo error: "+resp.Status(), nil)
	}
	if resp.IsError() {
		return "", faults.Terminal("boberdoo rejected request: "+resp.Status(), nil)
	}

	var br boberdooResponse
	if err := xml.Unmarshal(resp.Body(), &br); err != nil {
		return "", faults.Transient("boberdoo returned malformed response", err)
	}
	if br.Status != "Matched" {
		msg := br.Message
		if msg == "" {
			msg = br.Status
		}
		return "", faults.Terminal("boberdoo did not match lead: "+msg, nil)
	}
	return br.LeadID, nil
}
