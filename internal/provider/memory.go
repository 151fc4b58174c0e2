package provider

import (
	"context"
	"fmt"
	"sync"
)

// MemorySender is an in-memory Sender for tests and local development.
// It records every accepted request and can be primed to fail.
type MemorySender struct {
	mu   sync.Mutex
	name string
	seq  int
	sent []SendRequest

	// Fail, when non-nil, is returned for every Send until cleared.
	Fail error

	// FailNext, when positive, fails that many Sends before succeeding.
	FailNext int
	FailWith error
}

func NewMemorySender(name string) *MemorySender {
	return &MemorySender{name: name}
}

func (m *MemorySender) Name() string { return m.name }

func (m *MemorySender) HealthCheck(ctx context.Context) error { return nil }

func (m *MemorySender) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return SendResult{}, m.Fail
	}
	if m.FailNext > 0 {
		m.FailNext--
		return SendResult{}, m.FailWith
	}
	m.seq++
	m.sent = append(m.sent, req)
	return SendResult{
		ProviderMessageID: fmt.Sprintf("%s-%d", m.name, m.seq),
		Body:              "template:" + req.TemplateID,
	}, nil
}

// Sent returns a copy of all accepted requests in order.
func (m *MemorySender) Sent() []SendRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SendRequest, len(m.sent))
	copy(out, m.sent)
	return out
}
