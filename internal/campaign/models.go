package campaign

import (
	"errors"
	"fmt"
	"time"
)

// Campaign groups one or more schedules and carries the qualification
// criteria the decision engine evaluates for its leads.
//
// Invariants:
// - A schedule's steps have unique, strictly increasing sequence orders.
// - Step 0's delay is relative to enrollment; later delays are relative
//   to the previous attempt.

type Campaign struct {
	ID     string `json:"id" db:"id"`
	Name   string `json:"name" db:"name"`
	Active bool   `json:"active" db:"active"`

	// Qualification holds explicit qualification criteria. When nil the
	// decision engine falls back to heuristic scoring alone.
	Qualification *QualificationRules `json:"qualification,omitempty"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// QualificationRules are the explicit, deterministic criteria evaluated
// before any heuristic scoring.
type QualificationRules struct {
	MinScore       int      `json:"min_score"`
	RequiredFields []string `json:"required_fields,omitempty"`

	// RequireReply demands at least one inbound message before a lead
	// can qualify.
	RequireReply bool `json:"require_reply"`
}

// Schedule is a named drip sequence of steps within a campaign.
type Schedule struct {
	ID         string `json:"id" db:"id"`
	CampaignID string `json:"campaign_id" db:"campaign_id"`
	Name       string `json:"name" db:"name"`
	Channel    string `json:"channel" db:"channel"`
	Active     bool   `json:"active" db:"active"`

	Steps []Step `json:"steps"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Step is one attempt definition in a schedule.
type Step struct {
	SequenceOrder int           `json:"sequence_order" db:"sequence_order"`
	Delay         time.Duration `json:"delay" db:"delay"`
	TemplateID    string        `json:"template_id" db:"template_id"`

	// Conditions gate the send; an unmet condition skips the step
	// without sending and advances the enrollment.
	Conditions *SendConditions `json:"conditions,omitempty"`

	// Window constrains when the step may fire. Nil means anytime.
	Window *AllowedWindow `json:"window,omitempty"`

	// Critical marks handover-adjacent steps that must ride the
	// critical queue lane.
	Critical bool `json:"critical"`
}

// SendConditions are the validated, explicitly-typed send gates.
// Open-ended metadata lives in Extra only.
type SendConditions struct {
	MinScore       int      `json:"min_score,omitempty"`
	RequiredFields []string `json:"required_fields,omitempty"`

	// SkipIfReplied skips the step when the lead has already replied on
	// this channel, instead of sending another touch.
	SkipIfReplied bool `json:"skip_if_replied,omitempty"`

	Extra map[string]string `json:"extra,omitempty"`
}

var (
	ErrNotFound        = errors.New("campaign: not found")
	ErrInvalidSchedule = errors.New("campaign: invalid schedule")
)

// Validate checks the schedule's structural invariants.
func (s Schedule) Validate() error {
	if s.ID == "" || s.CampaignID == "" {
		return fmt.Errorf("%w: id and campaign_id required", ErrInvalidSchedule)
	}
	switch s.Channel {
	case "email", "sms", "chat":
	default:
		return fmt.Errorf("%w: unknown channel %q", ErrInvalidSchedule, s.Channel)
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("%w: at least one step required", ErrInvalidSchedule)
	}
	last := -1
	for i, st := range s.Steps {
		if st.SequenceOrder <= last {
			return fmt.Errorf("%w: sequence orders must be unique and increasing (step %d)", ErrInvalidSchedule, i)
		}
		last = st.SequenceOrder
		if st.Delay < 0 {
			return fmt.Errorf("%w: negative delay at step %d", ErrInvalidSchedule, i)
		}
		if st.TemplateID == "" {
			return fmt.Errorf("%w: template_id required at step %d", ErrInvalidSchedule, i)
		}
		if st.Window != nil {
			if err := st.Window.Validate(); err != nil {
				return fmt.Errorf("%w: step %d: %v", ErrInvalidSchedule, i, err)
			}
		}
	}
	return nil
}

// StepAt returns the step at position idx (0-based position, not
// sequence order).
func (s Schedule) StepAt(idx int) (Step, bool) {
	if idx < 0 || idx >= len(s.Steps) {
		return Step{}, false
	}
	return s.Steps[idx], true
}
