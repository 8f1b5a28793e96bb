package metrics

import (
	"math"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// LendingMetrics tracks the sRUB position engine and its surfaces.
type LendingMetrics struct {
	transactions    *prometheus.CounterVec
	confirmLatency  *prometheus.HistogramVec
	sequencerState  *prometheus.GaugeVec
	lotReadFailures prometheus.Counter
	refreshLatency  prometheus.Histogram
	healthFactor    prometheus.Gauge
	loanToValue     prometheus.Gauge
	scanWindows     *prometheus.CounterVec
	httpRequests    *prometheus.CounterVec
}

var (
	lendingOnce     sync.Once
	lendingRegistry *LendingMetrics
)

var sequencerStates = []string{"idle", "submitting", "pending", "confirmed", "failed"}

// Lending returns the lazily registered lending metrics.
func Lending() *LendingMetrics {
	lendingOnce.Do(func() {
		lendingRegistry = &LendingMetrics{
			transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "srub",
				Name:      "transactions_total",
				Help:      "Position transactions segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			confirmLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "srub",
				Name:      "transaction_confirm_seconds",
				Help:      "Time from submission to confirmation per operation.",
				Buckets:   []float64{1, 2, 5, 10, 20, 30, 60, 120, 300},
			}, []string{"operation"}),
			sequencerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "srub",
				Name:      "sequencer_state",
				Help:      "Current transaction sequencer state (1 for the active state).",
			}, []string{"state"}),
			lotReadFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "srub",
				Name:      "collateral_lot_read_failures_total",
				Help:      "Collateral lot amount reads that failed and were treated as zero.",
			}),
			refreshLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "srub",
				Name:      "position_refresh_seconds",
				Help:      "Latency of full position refreshes.",
				Buckets:   prometheus.DefBuckets,
			}),
			healthFactor: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "srub",
				Name:      "position_health_factor",
				Help:      "Last observed health factor; +Inf when there is no debt.",
			}),
			loanToValue: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "srub",
				Name:      "position_ltv_bps",
				Help:      "Last observed loan-to-value in basis points.",
			}),
			scanWindows: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "srub",
				Name:      "bond_scan_windows_total",
				Help:      "Bond discovery log windows by outcome.",
			}, []string{"outcome"}),
			httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "srub",
				Name:      "http_requests_total",
				Help:      "Lending API requests by route and status class.",
			}, []string{"route", "status"}),
		}
		prometheus.MustRegister(
			lendingRegistry.transactions,
			lendingRegistry.confirmLatency,
			lendingRegistry.sequencerState,
			lendingRegistry.lotReadFailures,
			lendingRegistry.refreshLatency,
			lendingRegistry.healthFactor,
			lendingRegistry.loanToValue,
			lendingRegistry.scanWindows,
			lendingRegistry.httpRequests,
		)
	})
	return lendingRegistry
}

func (m *LendingMetrics) ObserveTransaction(operation, outcome string) {
	if m == nil {
		return
	}
	m.transactions.WithLabelValues(label(operation), label(outcome)).Inc()
}

func (m *LendingMetrics) ObserveConfirmation(operation string, elapsed time.Duration) {
	if m == nil || elapsed < 0 {
		return
	}
	m.confirmLatency.WithLabelValues(label(operation)).Observe(elapsed.Seconds())
}

// SetSequencerState flips the state gauge so exactly one state reads 1.
func (m *LendingMetrics) SetSequencerState(state string) {
	if m == nil {
		return
	}
	state = strings.ToLower(strings.TrimSpace(state))
	for _, s := range sequencerStates {
		value := 0.0
		if s == state {
			value = 1
		}
		m.sequencerState.WithLabelValues(s).Set(value)
	}
}

func (m *LendingMetrics) RecordLotReadFailure() {
	if m == nil {
		return
	}
	m.lotReadFailures.Inc()
}

func (m *LendingMetrics) ObserveRefresh(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.refreshLatency.Observe(elapsed.Seconds())
}

// SetPositionRisk records the latest health factor and LTV. Pass infinite as
// true when the ledger reports unbounded health.
func (m *LendingMetrics) SetPositionRisk(health float64, infinite bool, ltvBps int64) {
	if m == nil {
		return
	}
	if infinite {
		health = math.Inf(1)
	}
	m.healthFactor.Set(health)
	m.loanToValue.Set(float64(ltvBps))
}

func (m *LendingMetrics) ObserveScanWindow(outcome string) {
	if m == nil {
		return
	}
	m.scanWindows.WithLabelValues(label(outcome)).Inc()
}

func (m *LendingMetrics) ObserveHTTPRequest(route string, status int) {
	if m == nil {
		return
	}
	class := "5xx"
	switch {
	case status < 300:
		class = "2xx"
	case status < 400:
		class = "3xx"
	case status < 500:
		class = "4xx"
	}
	m.httpRequests.WithLabelValues(label(route), class).Inc()
}

func label(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return "unknown"
	}
	return v
}
