package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"leadflow-engine/internal/faults"

	"github.com/google/uuid"
)

// FailureEvent describes a job that reached a terminal failure. Emitted
// so terminal failures are always observable; no silent failure.
type FailureEvent struct {
	Job   Job
	Cause string
}

// RunnerConfig controls the worker pool.
type RunnerConfig struct {
	// Workers is the total number of worker goroutines.
	Workers int

	// LaneConcurrency caps concurrently executing jobs per lane so a
	// burst in one lane cannot monopolize the pool.
	LaneConcurrency map[Lane]int

	PollInterval time.Duration
	LeaseTTL     time.Duration
	Backoff      Backoff
}

func (c RunnerConfig) withDefaults() RunnerConfig {
	out := c
	if out.Workers <= 0 {
		out.Workers = 4
	}
	if out.LaneConcurrency == nil {
		out.LaneConcurrency = map[Lane]int{LaneCritical: 4, LaneStandard: 2, LaneBackground: 1}
	}
	if out.PollInterval <= 0 {
		out.PollInterval = 500 * time.Millisecond
	}
	if out.LeaseTTL <= 0 {
		out.LeaseTTL = 2 * time.Minute
	}
	return out
}

// Runner owns the handler registry and the per-lane worker loops.
//
// Workers scan lanes in servicing order (critical, standard, background)
// so the critical lane is drained first when every lane has eligible
// work, while per-lane concurrency caps keep standard and background
// from starving: a blocked job in one lane never consumes another lane's
// slots.
type Runner struct {
	store Store
	cfg   RunnerConfig
	log   *slog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler

	// slots holds per-lane concurrency tokens.
	slots map[Lane]chan struct{}

	onFailure func(FailureEvent)
	onResult  func(lane Lane, jobType string, outcome string)
	now       func() time.Time

	stop chan struct{}
	wg   sync.WaitGroup
}

func NewRunner(store Store, cfg RunnerConfig, log *slog.Logger) *Runner {
	cfg = cfg.withDefaults()
	r := &Runner{
		store:    store,
		cfg:      cfg,
		log:      log,
		handlers: make(map[string]Handler),
		slots:    make(map[Lane]chan struct{}),
		now:      time.Now,
		stop:     make(chan struct{}),
	}
	for _, lane := range Lanes() {
		n := cfg.LaneConcurrency[lane]
		if n <= 0 {
			n = 1
		}
		r.slots[lane] = make(chan struct{}, n)
	}
	return r
}

// SetClock overrides the runner clock for deterministic tests.
func (r *Runner) SetClock(now func() time.Time) { r.now = now }

// OnFailure registers the terminal-failure observer.
func (r *Runner) OnFailure(fn func(FailureEvent)) { r.onFailure = fn }

// OnResult registers a per-execution observer (metrics).
func (r *Runner) OnResult(fn func(lane Lane, jobType string, outcome string)) { r.onResult = fn }

// Register binds a handler to a job type. Registration happens once at
// startup; a job whose type has no handler fails terminally.
func (r *Runner) Register(typ string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[typ] = h
}

func (r *Runner) handler(typ string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[typ]
	return h, ok
}

// Start launches the worker pool and the lease reaper. Call Stop to
// drain.
func (r *Runner) Start(ctx context.Context) {
	for i := 0; i < r.cfg.Workers; i++ {
		workerID := fmt.Sprintf("worker-%d-%s", i, uuid.NewString()[:8])
		r.wg.Add(1)
		go r.workerLoop(ctx, workerID)
	}
	r.wg.Add(1)
	go r.reapLoop(ctx)
}

// Stop signals workers to finish their current job and exit.
func (r *Runner) Stop() {
	close(r.stop)
	r.wg.Wait()
}

func (r *Runner) workerLoop(ctx context.Context, workerID string) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		default:
		}
		if !r.runOne(ctx, workerID) {
			select {
			case <-ctx.Done():
				return
			case <-r.stop:
				return
			case <-time.After(r.cfg.PollInterval):
			}
		}
	}
}

// runOne claims and executes at most one job, scanning lanes in
// servicing order. Returns false when no lane had eligible work.
func (r *Runner) runOne(ctx context.Context, workerID string) bool {
	now := r.now()
	for _, lane := range Lanes() {
		select {
		case r.slots[lane] <- struct{}{}:
		default:
			continue // lane at capacity; a blocked lane never blocks the others
		}
		job, ok, err := r.store.Claim(ctx, lane, workerID, now, now.Add(r.cfg.LeaseTTL))
		if err != nil {
			<-r.slots[lane]
			r.log.Error("queue claim failed", "lane", lane, "err", err)
			continue
		}
		if !ok {
			<-r.slots[lane]
			continue
		}
		r.execute(ctx, job)
		<-r.slots[lane]
		return true
	}
	return false
}

// ProcessOnce drains all currently-eligible jobs synchronously. Used by
// the operational process-now hook and by tests; production workers use
// Start.
func (r *Runner) ProcessOnce(ctx context.Context) int {
	n := 0
	for r.runOne(ctx, "sync") {
		n++
	}
	return n
}

func (r *Runner) execute(ctx context.Context, job Job) {
	h, ok := r.handler(job.Type)
	if !ok {
		r.failTerminal(ctx, job, ErrNoHandler.Error())
		return
	}

	err := func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("handler panic: %v", p)
			}
		}()
		return h(ctx, job)
	}()

	if err == nil {
		if cerr := r.store.Complete(ctx, job.ID); cerr != nil {
			r.log.Error("job complete failed", "job_id", job.ID, "err", cerr)
		}
		r.observe(job, "completed")
		return
	}

	kind := faults.KindOf(err)
	switch kind {
	case faults.KindRateLimit:
		// Requeue after the window resets; does not consume an attempt.
		delay := r.cfg.PollInterval
		if d, ok := faults.RetryAfterOf(err); ok {
			delay = d
		}
		if rerr := r.store.Retry(ctx, job.ID, err.Error(), r.now().Add(delay), false); rerr != nil {
			r.log.Error("job requeue failed", "job_id", job.ID, "err", rerr)
		}
		r.observe(job, "rate_limited")
		r.log.Warn("job rate limited", "job_id", job.ID, "type", job.Type, "retry_in", delay)
	case faults.KindTransient:
		if job.Attempts+1 >= job.MaxAttempts {
			r.failTerminal(ctx, job, err.Error())
			return
		}
		delay := r.cfg.Backoff.Delay(job.Attempts)
		if rerr := r.store.Retry(ctx, job.ID, err.Error(), r.now().Add(delay), true); rerr != nil {
			r.log.Error("job retry failed", "job_id", job.ID, "err", rerr)
		}
		r.observe(job, "retried")
		r.log.Warn("job retry scheduled", "job_id", job.ID, "type", job.Type, "attempt", job.Attempts+1, "max_attempts", job.MaxAttempts, "retry_in", delay)
	case faults.KindInvariant:
		// Integrity alert: abort the attempt loudly.
		r.log.Error("scheduler invariant violation", "job_id", job.ID, "type", job.Type, "err", err)
		r.failTerminal(ctx, job, err.Error())
	default:
		r.failTerminal(ctx, job, err.Error())
	}
}

func (r *Runner) failTerminal(ctx context.Context, job Job, cause string) {
	if err := r.store.FailTerminal(ctx, job.ID, cause); err != nil {
		r.log.Error("job terminal-fail persist failed", "job_id", job.ID, "err", err)
	}
	r.observe(job, "failed")
	r.log.Error("job failed terminally", "job_id", job.ID, "type", job.Type, "lane", job.Lane, "cause", cause)
	if r.onFailure != nil {
		job.LastError = cause
		r.onFailure(FailureEvent{Job: job, Cause: cause})
	}
}

func (r *Runner) observe(job Job, outcome string) {
	if r.onResult != nil {
		r.onResult(job.Lane, job.Type, outcome)
	}
}

func (r *Runner) reapLoop(ctx context.Context) {
	defer r.wg.Done()
	t := time.NewTicker(30 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-t.C:
			if n, err := r.store.ReapExpired(ctx, r.now()); err != nil {
				r.log.Error("lease reap failed", "err", err)
			} else if n > 0 {
				r.log.Warn("reaped expired job leases", "count", n)
			}
		}
	}
}
