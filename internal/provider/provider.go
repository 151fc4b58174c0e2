package provider

import (
	"context"

	"leadflow-engine/internal/lead"
)

// Sender defines the provider-agnostic outbound messaging interface used
// by business logic.
//
// Rules:
// - No provider SDK calls outside provider adapters.
// - Keep request/response types provider-agnostic; store provider raw
//   payloads in metadata if needed.
// - One adapter per channel; the registry maps channels to adapters.
type Sender interface {
	Name() string
	HealthCheck(ctx context.Context) error

	Send(ctx context.Context, req SendRequest) (SendResult, error)
}

// Registry maps a delivery channel to its configured adapter.
type Registry map[lead.Channel]Sender

// SendRequest is a single outbound message at the provider boundary.
type SendRequest struct {
	LeadID  string       `json:"lead_id"`
	Channel lead.Channel `json:"channel"`

	// To is the channel address: an email address for email, E.164 for
	// sms, a session identifier for chat.
	To string `json:"to"`

	TemplateID string            `json:"template_id"`
	Variables  map[string]string `json:"variables,omitempty"`
}

// SendResult is the adapter response used for correlation with later
// webhook events.
type SendResult struct {
	// ProviderMessageID is the provider's unique identifier for this
	// message. Inbound webhooks reference it.
	ProviderMessageID string `json:"provider_message_id"`

	// Body is the rendered message text as accepted by the provider.
	Body string `json:"body,omitempty"`
}

// AddressFor picks the lead contact field matching the channel. Chat
// providers address leads by our own identifier.
func AddressFor(l lead.Lead, ch lead.Channel) string {
	switch ch {
	case lead.ChannelEmail:
		return l.Email
	case lead.ChannelSMS:
		return l.Phone
	default:
		return l.ID
	}
}
