package queue

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Recurring enqueues maintenance/analytics jobs on cron expressions.
// Each firing enqueues a fresh job; the definition re-arms itself, so a
// successful run is always followed by the next scheduled one.
type Recurring struct {
	store Store
	log   *slog.Logger
	cron  *cron.Cron
}

// RecurringDef is one cron-driven job definition.
type RecurringDef struct {
	// Spec is a standard 5-field cron expression, e.g. "*/5 * * * *".
	Spec    string
	Type    string
	Payload any
	Opts    Options
}

func NewRecurring(store Store, log *slog.Logger) *Recurring {
	return &Recurring{store: store, log: log, cron: cron.New()}
}

// Add registers a definition. Returns the cron entry id for removal.
func (r *Recurring) Add(def RecurringDef) (cron.EntryID, error) {
	if def.Opts.Lane == "" {
		def.Opts.Lane = LaneBackground
	}
	if def.Opts.Metadata.Source == "" {
		def.Opts.Metadata.Source = "cron"
	}
	return r.cron.AddFunc(def.Spec, func() {
		id, err := r.store.Enqueue(context.Background(), def.Type, def.Payload, def.Opts)
		if err != nil {
			r.log.Error("recurring enqueue failed", "type", def.Type, "spec", def.Spec, "err", err)
			return
		}
		r.log.Debug("recurring job enqueued", "type", def.Type, "job_id", id)
	})
}

func (r *Recurring) Remove(id cron.EntryID) { r.cron.Remove(id) }

func (r *Recurring) Start() { r.cron.Start() }

// Stop halts scheduling and waits for in-flight enqueues.
func (r *Recurring) Stop() {
	<-r.cron.Stop().Done()
}
