package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is the in-process Store used by tests and local
// development.
//
// It implements the same interface and ordering as the Redis store, but
// its claim is a mutex compare-and-set: honest within one process, not
// across processes. It is a test double, not a production-equivalent
// backend; production wiring always uses RedisStore.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]*Job
	seq  int64

	leases    map[string]time.Time
	completed map[Lane]int64
	failed    map[Lane]int64

	clock func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:      make(map[string]*Job),
		leases:    make(map[string]time.Time),
		completed: make(map[Lane]int64),
		failed:    make(map[Lane]int64),
		clock:     time.Now,
	}
}

// SetClock overrides the store clock for deterministic tests.
func (s *MemoryStore) SetClock(clock func() time.Time) { s.clock = clock }

func (s *MemoryStore) Enqueue(ctx context.Context, typ string, payload any, opts Options) (string, error) {
	body, err := marshalPayload(payload)
	if err != nil {
		return "", err
	}
	opts = opts.withDefaults()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	j := &Job{
		ID:           uuid.NewString(),
		Type:         typ,
		Lane:         opts.Lane,
		Priority:     opts.Priority,
		Payload:      body,
		Metadata:     opts.Metadata,
		MaxAttempts:  opts.MaxAttempts,
		ScheduledFor: s.clock().Add(opts.Delay).UTC(),
		State:        StateWaiting,
		seq:          s.seq,
	}
	if opts.Delay <= 0 {
		j.ScheduledFor = s.clock().UTC()
	}
	s.jobs[j.ID] = j
	return j.ID, nil
}

// EnqueueAt is a test helper that pins the due time exactly.
func (s *MemoryStore) EnqueueAt(typ string, payload any, opts Options, due time.Time) (string, error) {
	id, err := s.Enqueue(context.Background(), typ, payload, opts)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[id].ScheduledFor = due.UTC()
	return id, nil
}

func (s *MemoryStore) Claim(ctx context.Context, lane Lane, workerID string, now, leaseUntil time.Time) (Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *Job
	for _, j := range s.jobs {
		if j.Lane != lane || j.State != StateWaiting || j.ScheduledFor.After(now) {
			continue
		}
		if best == nil || less(j, best) {
			best = j
		}
	}
	if best == nil {
		return Job{}, false, nil
	}
	best.State = StateActive
	s.leases[best.ID] = leaseUntil
	return *best, true, nil
}

// less orders eligible jobs: priority asc, then due time, then insertion.
func less(a, b *Job) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.ScheduledFor.Equal(b.ScheduledFor) {
		return a.ScheduledFor.Before(b.ScheduledFor)
	}
	return a.seq < b.seq
}

func (s *MemoryStore) Complete(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if j.State != StateActive {
		return ErrNotClaimed
	}
	j.State = StateCompleted
	delete(s.leases, jobID)
	s.completed[j.Lane]++
	return nil
}

func (s *MemoryStore) Retry(ctx context.Context, jobID string, cause string, retryAt time.Time, countAttempt bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if j.State != StateActive {
		return ErrNotClaimed
	}
	if countAttempt {
		j.Attempts++
	}
	j.State = StateWaiting
	j.LastError = cause
	j.ScheduledFor = retryAt.UTC()
	j.Metadata.Attempt = j.Attempts
	delete(s.leases, jobID)
	return nil
}

func (s *MemoryStore) FailTerminal(ctx context.Context, jobID string, cause string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if j.State != StateActive {
		return ErrNotClaimed
	}
	j.State = StateFailed
	j.LastError = cause
	delete(s.leases, jobID)
	s.failed[j.Lane]++
	return nil
}

func (s *MemoryStore) ReapExpired(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, until := range s.leases {
		if until.After(now) {
			continue
		}
		j, ok := s.jobs[id]
		if !ok || j.State != StateActive {
			delete(s.leases, id)
			continue
		}
		j.State = StateWaiting
		delete(s.leases, id)
		n++
	}
	return n, nil
}

func (s *MemoryStore) Stats(ctx context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := Stats{}
	for _, lane := range Lanes() {
		out[lane] = LaneStats{Completed: s.completed[lane], Failed: s.failed[lane]}
	}
	for _, j := range s.jobs {
		st := out[j.Lane]
		switch j.State {
		case StateWaiting:
			st.Waiting++
		case StateActive:
			st.Active++
		}
		out[j.Lane] = st
	}
	return out, nil
}

// Find returns a snapshot of a job, for tests and the ops API.
func (s *MemoryStore) Find(jobID string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return Job{}, false
	}
	return *j, true
}
