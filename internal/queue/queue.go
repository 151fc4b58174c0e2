package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Lane is one of the priority queues. Lanes are processed independently
// and concurrently; the critical lane is serviced first when all lanes
// have eligible work.
type Lane string

const (
	LaneCritical   Lane = "critical"
	LaneStandard   Lane = "standard"
	LaneBackground Lane = "background"
)

// Lanes lists all lanes in servicing order.
func Lanes() []Lane { return []Lane{LaneCritical, LaneStandard, LaneBackground} }

// State is the job lifecycle:
// waiting -> active -> (completed | waiting [retry] | failed).
type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Metadata is the job envelope's source/correlation block.
type Metadata struct {
	Source string `json:"source"`
	LeadID string `json:"lead_id,omitempty"`

	// Attempt mirrors Job.Attempts at enqueue time for handler logging.
	Attempt int `json:"attempt"`
}

// Job is a unit of work owned exclusively by the queue. Handlers receive
// a copy; all state transitions go through the queue's atomic claim.
type Job struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Lane     Lane            `json:"lane"`
	Priority int             `json:"priority"`
	Payload  json.RawMessage `json:"payload"`
	Metadata Metadata        `json:"metadata"`

	Attempts     int       `json:"attempts"`
	MaxAttempts  int       `json:"max_attempts"`
	ScheduledFor time.Time `json:"scheduled_for"`

	State     State  `json:"state"`
	LastError string `json:"last_error,omitempty"`

	// seq breaks ordering ties by insertion order.
	seq int64
}

// Options controls enqueue behavior. Zero values mean: standard lane,
// priority 100, no delay, DefaultMaxAttempts.
type Options struct {
	Lane        Lane
	Priority    int
	Delay       time.Duration
	MaxAttempts int
	Metadata    Metadata
}

const (
	DefaultMaxAttempts = 3
	DefaultPriority    = 100
)

func (o Options) withDefaults() Options {
	out := o
	if out.Lane == "" {
		out.Lane = LaneStandard
	}
	if out.Priority <= 0 {
		out.Priority = DefaultPriority
	}
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = DefaultMaxAttempts
	}
	return out
}

var (
	ErrNotFound   = errors.New("queue: job not found")
	ErrNotClaimed = errors.New("queue: job not in claimable state")
	ErrNoHandler  = errors.New("queue: no handler registered for job type")
)

// Handler executes one job. Returned errors are classified through
// internal/faults to decide between retry and terminal failure.
// Idempotency of side effects is the handler's responsibility; the queue
// guarantees at-least-once execution with bounded retries.
type Handler func(ctx context.Context, job Job) error

// LaneStats are per-lane observable counters.
type LaneStats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

type Stats map[Lane]LaneStats

// Store is the durable job storage contract.
//
// Claim is the single most important operation: it must move a job from
// waiting to active atomically (compare-and-set) so two workers can never
// execute the same job concurrently.
type Store interface {
	Enqueue(ctx context.Context, typ string, payload any, opts Options) (string, error)

	// Claim returns the highest-priority eligible job in the lane, or
	// ok=false when none is due. The claimed job is leased to workerID
	// until leaseUntil; expired leases are reaped back to waiting.
	Claim(ctx context.Context, lane Lane, workerID string, now, leaseUntil time.Time) (Job, bool, error)

	Complete(ctx context.Context, jobID string) error

	// Retry reschedules a claimed job. countAttempt is false for
	// rate-limit requeues, which must not consume a retry attempt.
	Retry(ctx context.Context, jobID string, cause string, retryAt time.Time, countAttempt bool) error

	// FailTerminal marks a claimed job failed with a persisted reason.
	FailTerminal(ctx context.Context, jobID string, cause string) error

	// ReapExpired returns active jobs whose lease expired to waiting.
	ReapExpired(ctx context.Context, now time.Time) (int, error)

	Stats(ctx context.Context) (Stats, error)
}

// Backoff computes retry delays: Base * 2^attempts, capped at Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

func (b Backoff) withDefaults() Backoff {
	out := b
	if out.Base <= 0 {
		out.Base = 30 * time.Second
	}
	if out.Max <= 0 {
		out.Max = 30 * time.Minute
	}
	return out
}

// Delay returns the backoff delay after the given number of completed
// attempts.
func (b Backoff) Delay(attempts int) time.Duration {
	b = b.withDefaults()
	d := b.Base
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= b.Max {
			return b.Max
		}
	}
	if d > b.Max {
		return b.Max
	}
	return d
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	default:
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		return json.RawMessage(b), nil
	}
}
