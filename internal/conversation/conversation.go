package conversation

import (
	"context"
	"errors"
	"sync"
	"time"

	"leadflow-engine/internal/lead"

	"github.com/google/uuid"
)

// Conversation is the ordered message history for one (lead, channel)
// pair.
//
// Invariants:
// - Messages are append-only; history is never rewritten.
// - Exactly one conversation exists per (lead, channel); repositories
//   create it lazily on first append.

type Conversation struct {
	ID      string       `json:"id" db:"id"`
	LeadID  string       `json:"lead_id" db:"lead_id"`
	Channel lead.Channel `json:"channel" db:"channel"`
	Status  Status       `json:"status" db:"status"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

type Direction string

const (
	DirectionOutbound Direction = "outbound"
	DirectionInbound  Direction = "inbound"
)

// Message is one entry in a conversation.
type Message struct {
	ID             string    `json:"id" db:"id"`
	ConversationID string    `json:"conversation_id" db:"conversation_id"`
	Direction      Direction `json:"direction" db:"direction"`
	Body           string    `json:"body" db:"body"`

	// TemplateID is set for outbound messages rendered from a template.
	TemplateID string `json:"template_id,omitempty" db:"template_id"`

	// ProviderMessageID correlates delivery receipts back to this message.
	ProviderMessageID string `json:"provider_message_id,omitempty" db:"provider_message_id"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

var ErrNotFound = errors.New("conversation: not found")

// Repository is the append-only persistence contract.
type Repository interface {
	Append(ctx context.Context, leadID string, ch lead.Channel, m Message) (Message, error)
	History(ctx context.Context, leadID string, ch lead.Channel) ([]Message, error)
	End(ctx context.Context, leadID string, ch lead.Channel) error
}

// MemoryRepo is an in-memory repository for tests and local development.
type MemoryRepo struct {
	mu    sync.RWMutex
	convs map[string]*Conversation
	msgs  map[string][]Message
	clock func() time.Time
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		convs: make(map[string]*Conversation),
		msgs:  make(map[string][]Message),
		clock: time.Now,
	}
}

func (r *MemoryRepo) SetClock(clock func() time.Time) { r.clock = clock }

func key(leadID string, ch lead.Channel) string { return leadID + "/" + string(ch) }

func (r *MemoryRepo) Append(ctx context.Context, leadID string, ch lead.Channel, m Message) (Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock().UTC()

	k := key(leadID, ch)
	c, ok := r.convs[k]
	if !ok {
		c = &Conversation{
			ID:        uuid.NewString(),
			LeadID:    leadID,
			Channel:   ch,
			Status:    StatusActive,
			CreatedAt: now,
		}
		r.convs[k] = c
	}
	c.UpdatedAt = now

	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	m.ConversationID = c.ID
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	r.msgs[k] = append(r.msgs[k], m)
	return m, nil
}

func (r *MemoryRepo) History(ctx context.Context, leadID string, ch lead.Channel) ([]Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	src := r.msgs[key(leadID, ch)]
	out := make([]Message, len(src))
	copy(out, src)
	return out, nil
}

func (r *MemoryRepo) End(ctx context.Context, leadID string, ch lead.Channel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.convs[key(leadID, ch)]
	if !ok {
		return ErrNotFound
	}
	c.Status = StatusEnded
	c.UpdatedAt = r.clock().UTC()
	return nil
}
