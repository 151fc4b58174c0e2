package lead

import (
	"errors"
	"fmt"
	"time"
)

// Lead is a sales prospect moving through the outreach pipeline.
//
// Invariants:
// - Leads are never deleted, only archived.
// - Status mutations happen only through the decision engine and job
//   executors, via Repository.UpdateStatus.

type Lead struct {
	ID string `json:"id" db:"id"`

	Email string `json:"email,omitempty" db:"email"`
	Phone string `json:"phone,omitempty" db:"phone"`
	Name  string `json:"name,omitempty" db:"name"`

	// Source records where the lead came from (web, partner, import).
	Source string `json:"source" db:"source"`

	Status          Status  `json:"status" db:"status"`
	AssignedChannel Channel `json:"assigned_channel,omitempty" db:"assigned_channel"`

	QualificationScore int `json:"qualification_score" db:"qualification_score"`

	// OptedOut blocks all further sends on every channel.
	OptedOut bool `json:"opted_out" db:"opted_out"`

	Metadata map[string]string `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type Status string

const (
	StatusNew       Status = "new"
	StatusContacted Status = "contacted"
	StatusQualified Status = "qualified"
	StatusHandedOff Status = "handed_off"
	StatusRejected  Status = "rejected"
	StatusArchived  Status = "archived"
)

type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelChat  Channel = "chat"
)

func ParseChannel(s string) (Channel, error) {
	switch Channel(s) {
	case ChannelEmail, ChannelSMS, ChannelChat:
		return Channel(s), nil
	default:
		return "", fmt.Errorf("lead: unknown channel %q", s)
	}
}

var (
	ErrNotFound          = errors.New("lead: not found")
	ErrInvalidTransition = errors.New("lead: invalid status transition")
)

// allowedTransitions encodes the lead lifecycle. Terminal-ish states can
// still archive; nothing leaves archived.
var allowedTransitions = map[Status][]Status{
	StatusNew:       {StatusContacted, StatusQualified, StatusRejected, StatusArchived},
	StatusContacted: {StatusQualified, StatusRejected, StatusArchived},
	StatusQualified: {StatusHandedOff, StatusRejected, StatusArchived},
	StatusHandedOff: {StatusArchived},
	StatusRejected:  {StatusArchived},
	StatusArchived:  {},
}

// CanTransition reports whether a lead may move from one status to
// another. Self-transitions are allowed (idempotent updates).
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// HasField reports whether a named contact/metadata field is populated,
// used by send conditions and qualification rules.
func (l Lead) HasField(name string) bool {
	switch name {
	case "email":
		return l.Email != ""
	case "phone":
		return l.Phone != ""
	case "name":
		return l.Name != ""
	case "source":
		return l.Source != ""
	default:
		return l.Metadata[name] != ""
	}
}
