package scheduler

import (
	"errors"
	"time"

	"leadflow-engine/internal/lead"
)

// Enrollment binds a lead to a schedule and tracks its progress through
// the steps.
//
// Invariants:
// - At most one active enrollment per (lead, channel).
// - At most one attempt is in flight (scheduled, not yet terminal) per
//   enrollment at any instant. NextScheduledAt is nil exactly while a
//   step is in flight; the due scan only sees non-nil rows, so a step
//   can never double-fire.
// - Steps fire strictly in sequence order.

type Enrollment struct {
	ID         string       `json:"id" db:"id"`
	ScheduleID string       `json:"schedule_id" db:"schedule_id"`
	LeadID     string       `json:"lead_id" db:"lead_id"`
	Channel    lead.Channel `json:"channel" db:"channel"`

	// CurrentStep is the position (not sequence order) of the next step
	// to fire.
	CurrentStep int `json:"current_step" db:"current_step"`

	Status Status `json:"status" db:"status"`

	NextScheduledAt *time.Time `json:"next_scheduled_at,omitempty" db:"next_scheduled_at"`

	// Variables are template substitutions captured at enrollment.
	Variables map[string]string `json:"variables,omitempty"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusOptedOut  Status = "opted_out"
)

// Attempt is one fired (or skipped) step of an enrollment. Terminal
// attempts (sent, failed, skipped, canceled) are immutable.
type Attempt struct {
	ID           string `json:"id" db:"id"`
	EnrollmentID string `json:"enrollment_id" db:"enrollment_id"`
	LeadID       string `json:"lead_id" db:"lead_id"`

	StepOrder  int    `json:"step_order" db:"step_order"`
	TemplateID string `json:"template_id" db:"template_id"`

	Status       AttemptStatus `json:"status" db:"status"`
	ScheduledFor time.Time     `json:"scheduled_for" db:"scheduled_for"`
	SentAt       *time.Time    `json:"sent_at,omitempty" db:"sent_at"`
	ErrorMessage string        `json:"error_message,omitempty" db:"error_message"`

	// ProviderMessageID correlates provider delivery receipts.
	ProviderMessageID string `json:"provider_message_id,omitempty" db:"provider_message_id"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type AttemptStatus string

const (
	AttemptScheduled AttemptStatus = "scheduled"
	AttemptSent      AttemptStatus = "sent"
	AttemptFailed    AttemptStatus = "failed"
	AttemptSkipped   AttemptStatus = "skipped"
	AttemptCanceled  AttemptStatus = "canceled"
)

// InFlight reports whether the attempt still blocks its enrollment's
// next step.
func (s AttemptStatus) InFlight() bool {
	return s == AttemptScheduled
}

// Terminal reports whether the attempt is immutable.
func (s AttemptStatus) Terminal() bool {
	switch s {
	case AttemptSent, AttemptFailed, AttemptSkipped, AttemptCanceled:
		return true
	default:
		return false
	}
}

// UpcomingAttempt is a read-model row for the upcoming-attempts view.
type UpcomingAttempt struct {
	EnrollmentID string       `json:"enrollment_id"`
	ScheduleID   string       `json:"schedule_id"`
	LeadID       string       `json:"lead_id"`
	Channel      lead.Channel `json:"channel"`
	StepOrder    int          `json:"step_order"`
	TemplateID   string       `json:"template_id"`
	At           time.Time    `json:"at"`
}

var (
	ErrNotFound        = errors.New("scheduler: not found")
	ErrAlreadyEnrolled = errors.New("scheduler: lead already actively enrolled on this channel")
	ErrAttemptTerminal = errors.New("scheduler: attempt already terminal")
)
