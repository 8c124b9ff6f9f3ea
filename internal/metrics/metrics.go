// Package metrics exposes Prometheus collectors for the poll engine.
//
// All methods are safe to call on a nil *Metrics, so components can be
// constructed without instrumentation in tests.
package metrics

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "statstream"

// Reservation outcomes.
const (
	OutcomeStartable = "startable"
	OutcomeFailed    = "failed"
)

// Tick results.
const (
	TickOK         = "ok"
	TickNoContents = "no_contents"
	TickFailed     = "failed"
)

// Run end reasons.
const (
	ReasonExhausted = "exhausted"
	ReasonCancelled = "cancelled"
	ReasonSinkError = "sink_error"
)

// Metrics groups the collectors updated by the resolver and the scheduler.
type Metrics struct {
	reserved      *prometheus.CounterVec
	active        prometheus.Gauge
	finished      *prometheus.CounterVec
	ticks         *prometheus.CounterVec
	fetchDuration prometheus.Histogram
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered.
//
// Collectors already registered by an earlier New on the same registry are
// reused, so several engines can share one registry. Any other registration
// conflict is returned.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		reserved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_reserved_total",
			Help:      "Poll sessions created, by outcome.",
		}, []string{"outcome"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runs_active",
			Help:      "Poll loops currently running.",
		}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_finished_total",
			Help:      "Poll loops that ended, by reason.",
		}, []string{"reason"}),
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_total",
			Help:      "Poll ticks performed, by result.",
		}, []string{"result"}),
		fetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Latency of remote statistics requests.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if reg == nil {
		return m, nil
	}

	var err error
	if m.reserved, err = register(reg, m.reserved); err != nil {
		return nil, err
	}
	if m.active, err = register(reg, m.active); err != nil {
		return nil, err
	}
	if m.finished, err = register(reg, m.finished); err != nil {
		return nil, err
	}
	if m.ticks, err = register(reg, m.ticks); err != nil {
		return nil, err
	}
	if m.fetchDuration, err = register(reg, m.fetchDuration); err != nil {
		return nil, err
	}
	return m, nil
}

// register adds c to reg, returning the collector already registered under
// the same descriptor when there is one.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	err := reg.Register(c)
	if err == nil {
		return c, nil
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(T); ok {
			return existing, nil
		}
	}
	var zero T
	return zero, fmt.Errorf("register metrics: %w", err)
}

// Reserved counts n sessions created with the given outcome.
func (m *Metrics) Reserved(outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.reserved.WithLabelValues(outcome).Add(float64(n))
}

// RunStarted records a poll loop starting.
func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.active.Inc()
}

// RunFinished records a poll loop ending for reason.
func (m *Metrics) RunFinished(reason string) {
	if m == nil {
		return
	}
	m.active.Dec()
	m.finished.WithLabelValues(reason).Inc()
}

// Tick records one tick with its result and fetch latency.
func (m *Metrics) Tick(result string, latency time.Duration) {
	if m == nil {
		return
	}
	m.ticks.WithLabelValues(result).Inc()
	m.fetchDuration.Observe(latency.Seconds())
}
