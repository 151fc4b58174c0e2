// Package metrics exposes Prometheus instrumentation for the queue,
// the scheduler and the outbound send path.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"leadflow-engine/internal/queue"
)

const namespace = "leadflow"

// Metrics holds every exported series.
type Metrics struct {
	registry *prometheus.Registry

	JobsTotal      *prometheus.CounterVec
	QueueDepth     *prometheus.GaugeVec
	SendsTotal     *prometheus.CounterVec
	DecisionsTotal *prometheus.CounterVec
	HandoversTotal *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		JobsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "jobs_total",
			Help:      "Jobs executed, by lane, type, and outcome",
		}, []string{"lane", "type", "outcome"}),
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Jobs currently in each lane and state",
		}, []string{"lane", "state"}),
		SendsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "sends_total",
			Help:      "Provider sends, by channel and result",
		}, []string{"channel", "result"}),
		DecisionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "overlord",
			Name:      "decisions_total",
			Help:      "Decision records appended, by action",
		}, []string{"action"}),
		HandoversTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "handover",
			Name:      "submissions_total",
			Help:      "Handover submissions, by destination and result",
		}, []string{"destination", "result"}),
	}
}

// Handler serves the /metrics scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveJob is the queue Runner's OnResult hook.
func (m *Metrics) ObserveJob(lane queue.Lane, jobType, outcome string) {
	m.JobsTotal.WithLabelValues(string(lane), jobType, outcome).Inc()
}

// PollQueue refreshes the queue depth gauges from Store.Stats on a
// fixed interval until the context ends.
func (m *Metrics) PollQueue(ctx context.Context, store queue.Store, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := store.Stats(ctx)
			if err != nil {
				continue
			}
			for lane, ls := range stats {
				m.QueueDepth.WithLabelValues(string(lane), "waiting").Set(float64(ls.Waiting))
				m.QueueDepth.WithLabelValues(string(lane), "active").Set(float64(ls.Active))
				m.QueueDepth.WithLabelValues(string(lane), "completed").Set(float64(ls.Completed))
				m.QueueDepth.WithLabelValues(string(lane), "failed").Set(float64(ls.Failed))
			}
		}
	}
}
