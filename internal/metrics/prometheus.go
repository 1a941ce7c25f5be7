// Package metrics exports cycle, risk and delivery counters to Prometheus.
package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"signalcartel/internal/pkg/circuit"
	"signalcartel/internal/risk"
	"signalcartel/internal/types"
)

// Recorder owns its registry so several instances can coexist in tests.
type Recorder struct {
	registry *prometheus.Registry

	cycleDuration *prometheus.HistogramVec
	cyclesSkipped prometheus.Counter
	intents       *prometheus.CounterVec
	drops         *prometheus.CounterVec
	warnings      *prometheus.CounterVec
	exits         *prometheus.CounterVec
	heat          prometheus.Gauge
	drawdown      prometheus.Gauge
	equity        prometheus.Gauge
	breakerActive prometheus.Gauge
	halted        prometheus.Gauge
	venueBreaker  *prometheus.GaugeVec
	activeCount   prometheus.Gauge
}

func New(namespace string) *Recorder {
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		namespace = "signalcartel"
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Recorder{
		registry: reg,
		cycleDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Evaluation cycle duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"outcome"}),
		cyclesSkipped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_skipped_total",
			Help:      "Ticks skipped because the previous cycle was still running",
		}),
		intents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "intents_total",
			Help:      "Order intents emitted by kind",
		}, []string{"kind"}),
		drops: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "candidates_dropped_total",
			Help:      "Candidates dropped by error kind",
		}, []string{"kind"}),
		warnings: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "warnings_total",
			Help:      "Cycle warnings by kind",
		}, []string{"kind"}),
		exits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exits_total",
			Help:      "Exit signals by reason",
		}, []string{"reason"}),
		heat: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "portfolio_heat",
			Help:      "Sum of open risk as a fraction of equity",
		}),
		drawdown: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "portfolio_drawdown",
			Help:      "Current drawdown from peak equity",
		}),
		equity: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "portfolio_equity",
			Help:      "Current equity",
		}),
		breakerActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_active",
			Help:      "1 while the drawdown circuit breaker blocks new opens",
		}),
		halted: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "issuance_halted",
			Help:      "1 while issuance is halted after a fatal risk reading",
		}),
		venueBreaker: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "venue_breaker_state",
			Help:      "Venue breaker state: 0 closed, 1 open, 2 half-open",
		}, []string{"name"}),
		activeCount: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_triggers",
			Help:      "Active triggers after the last cycle",
		}),
	}
}

func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

func (r *Recorder) CycleCompleted(d time.Duration, timedOut bool) {
	outcome := "ok"
	if timedOut {
		outcome = "timeout"
	}
	r.cycleDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func (r *Recorder) CycleSkipped() { r.cyclesSkipped.Inc() }

func (r *Recorder) IntentIssued(kind string) { r.intents.WithLabelValues(kind).Inc() }

func (r *Recorder) CandidateDropped(kind types.ErrorKind) {
	r.drops.WithLabelValues(string(kind)).Inc()
}

func (r *Recorder) Warning(kind types.ErrorKind) {
	r.warnings.WithLabelValues(string(kind)).Inc()
}

func (r *Recorder) ExitSignalled(reason string) { r.exits.WithLabelValues(reason).Inc() }

func (r *Recorder) ActiveTriggers(n int) { r.activeCount.Set(float64(n)) }

func (r *Recorder) RiskState(s risk.State) {
	r.heat.Set(s.Heat)
	r.drawdown.Set(s.Drawdown)
	r.equity.Set(s.Equity)
	r.breakerActive.Set(boolGauge(s.Breaker.Active))
	r.halted.Set(boolGauge(s.Halted))
}

// VenueBreaker matches circuit.Breaker.OnStateChange.
func (r *Recorder) VenueBreaker(name string, _, to circuit.State) {
	r.venueBreaker.WithLabelValues(name).Set(float64(to))
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
