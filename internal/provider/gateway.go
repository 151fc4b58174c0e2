package provider

import (
	"context"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"leadflow-engine/internal/faults"
)

// GatewaySender delivers messages through a generic HTTP messaging
// gateway. One instance per channel; the gateway multiplexes on the
// channel field of the request body.
type GatewaySender struct {
	name   string
	client *resty.Client
}

type gatewaySendResponse struct {
	MessageID string `json:"message_id"`
	Body      string `json:"body"`
	Error     string `json:"error"`
}

func NewGatewaySender(name, baseURL, apiKey string, timeout time.Duration) *GatewaySender {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Authorization", "Bearer "+apiKey).
		SetHeader("Content-Type", "application/json")
	return &GatewaySender{name: name, client: client}
}

func (g *GatewaySender) Name() string { return g.name }

func (g *GatewaySender) HealthCheck(ctx context.Context) error {
	resp, err := g.client.R().SetContext(ctx).Get("/health")
	if err != nil {
		return faults.Transient("gateway health check", err)
	}
	if resp.IsError() {
		return faults.Transient("gateway unhealthy: "+resp.Status(), nil)
	}
	return nil
}

func (g *GatewaySender) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	var out gatewaySendResponse
	resp, err := g.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		SetError(&out).
		Post("/v1/messages")
	if err != nil {
		return SendResult{}, faults.Transient("gateway unreachable", err)
	}

	switch {
	case resp.IsSuccess():
		if out.MessageID == "" {
			return SendResult{}, faults.Transient("gateway accepted without message id", nil)
		}
		return SendResult{ProviderMessageID: out.MessageID, Body: out.Body}, nil
	case resp.StatusCode() == 429:
		return SendResult{}, faults.RateLimited("gateway throttled", retryAfterHeader(resp))
	case resp.StatusCode() >= 500:
		return SendResult{}, faults.Transient("gateway error: "+resp.Status(), nil)
	default:
		msg := out.Error
		if msg == "" {
			msg = resp.Status()
		}
		return SendResult{}, faults.Terminal("gateway rejected message: "+msg, nil)
	}
}

func retryAfterHeader(resp *resty.Response) time.Duration {
	if s := resp.Header().Get("Retry-After"); s != "" {
		if secs, err := strconv.Atoi(s); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 30 * time.Second
}
