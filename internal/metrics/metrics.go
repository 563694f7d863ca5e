package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the scheduler collectors. Each instance registers on its own
// registerer so several schedulers (or tests) can coexist in one process.
type Metrics struct {
	jobs       *prometheus.CounterVec
	duration   prometheus.Histogram
	slotsBusy  prometheus.Gauge
	reconnects prometheus.Counter
	passes     prometheus.Counter
	stagings   *prometheus.CounterVec
}

// New creates the collectors and registers them on reg. A nil reg keeps them
// unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		jobs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricJobsTotal,
				Help: "Jobs finished per pass, by outcome.",
			},
			[]string{"outcome"},
		),
		duration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    MetricJobDuration,
				Help:    "Wall time of successful job attempts, in seconds.",
				Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
			},
		),
		slotsBusy: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: MetricSlotsBusy,
				Help: "Slots currently owned by a running job.",
			},
		),
		reconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: MetricReconnectsTotal,
				Help: "Slot reconnections after transport failures.",
			},
		),
		passes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: MetricPassesTotal,
				Help: "Batch passes started.",
			},
		),
		stagings: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricCoreStagingsTotal,
				Help: "Core package stagings, by host.",
			},
			[]string{"host"},
		),
	}

	// Pre-initialize outcome labels so they appear with value 0.
	for _, o := range []string{OutcomeSucceeded, OutcomeFailed, OutcomeDropped} {
		m.jobs.WithLabelValues(o)
	}

	if reg != nil {
		reg.MustRegister(m.jobs, m.duration, m.slotsBusy, m.reconnects, m.passes, m.stagings)
	}
	return m
}

func (m *Metrics) JobFinished(outcome string, elapsed time.Duration) {
	m.jobs.WithLabelValues(outcome).Inc()
	if outcome == OutcomeSucceeded {
		m.duration.Observe(elapsed.Seconds())
	}
}

func (m *Metrics) SlotAcquired() { m.slotsBusy.Inc() }
func (m *Metrics) SlotReleased() { m.slotsBusy.Dec() }
func (m *Metrics) Reconnected()  { m.reconnects.Inc() }
func (m *Metrics) PassStarted()  { m.passes.Inc() }

func (m *Metrics) CoreStaged(host string) {
	m.stagings.WithLabelValues(host).Inc()
}
