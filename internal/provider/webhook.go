package provider

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
)

// WebhookEvent captures the subset of gateway callback fields we care
// about. Gateways send application/x-www-form-urlencoded by default.
//
// Keep it minimal and provider-adapter-only.
// Business logic (status transitions, re-evaluation) is not made here.

type WebhookEventKind string

const (
	WebhookStatus WebhookEventKind = "status"
	WebhookReply  WebhookEventKind = "reply"
)

type WebhookEvent struct {
	Kind WebhookEventKind

	// MessageID is the provider message id from the originating send.
	MessageID string

	Channel string

	// Status is set for Kind == WebhookStatus: delivered, failed, bounced.
	Status       string
	ErrorCode    string
	ErrorMessage string

	// From and Body are set for Kind == WebhookReply.
	From string
	Body string

	Timestamp string
}

func ParseWebhookEvent(r *http.Request) (WebhookEvent, error) {
	if err := r.ParseForm(); err != nil {
		return WebhookEvent{}, err
	}
	ev := WebhookEvent{
		MessageID:    r.PostFormValue("MessageId"),
		Channel:      strings.ToLower(r.PostFormValue("Channel")),
		Status:       strings.ToLower(r.PostFormValue("Status")),
		ErrorCode:    r.PostFormValue("ErrorCode"),
		ErrorMessage: r.PostFormValue("ErrorMessage"),
		From:         strings.TrimSpace(r.PostFormValue("From")),
		Body:         r.PostFormValue("Body"),
		Timestamp:    r.PostFormValue("Timestamp"),
	}
	if ev.Body != "" || ev.From != "" {
		ev.Kind = WebhookReply
	} else {
		ev.Kind = WebhookStatus
	}
	return ev, nil
}

// VerifySignature checks the hex HMAC-SHA256 of the raw request body
// carried in X-Gateway-Signature. An empty secret disables verification.
func VerifySignature(secret string, body []byte, signature string) bool {
	if secret == "" {
		return true
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(strings.ToLower(signature)))
}
