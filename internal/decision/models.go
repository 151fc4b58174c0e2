package decision

import "time"

// Record is an immutable, append-only audit entry for every routing and
// qualification decision the engine makes.
//
// Invariants:
// - Records are never updated or deleted; this log is the system's
//   authoritative decision trace.
// - Records for a single lead are strictly time-ordered.
// - Decisions are never silently dropped: no-ops are recorded too.
//
// Storage recommendation (Postgres):
// - Table agent_decisions with an INSERT-only policy.
// - Optional: partition by time for retention.

type Record struct {
	ID     string `json:"id" db:"id"`
	LeadID string `json:"lead_id" db:"lead_id"`

	Action  Action `json:"action" db:"action"`
	Channel string `json:"channel,omitempty" db:"channel"`

	// Reasoning is a short human-readable explanation of why this
	// decision was taken.
	Reasoning string `json:"reasoning" db:"reasoning"`

	// Score is the qualification score at decision time.
	Score int `json:"score" db:"score"`

	// Context is a JSON snapshot of the inputs that drove the decision
	// (rule results, conversation summary, error detail).
	Context string `json:"context,omitempty" db:"context"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type Action string

const (
	ActionRouteChannel Action = "route_channel"
	ActionReroute      Action = "reroute_channel"
	ActionQualify      Action = "qualify"
	ActionReject       Action = "reject"
	ActionHandover     Action = "handover"
	ActionArchive      Action = "archive"
	ActionNoop         Action = "noop"
)
