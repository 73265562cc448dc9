package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	claimdMetricsOnce sync.Once
	claimdRegistry    *ClaimdMetrics
)

// ClaimdMetrics wraps collectors tracking the claim coordinator and the
// transaction monitors.
type ClaimdMetrics struct {
	claims            *prometheus.CounterVec
	settlementLatency prometheus.Histogram
	monitorPolls      *prometheus.CounterVec
	monitorErrors     *prometheus.CounterVec
	monitorsActive    prometheus.Gauge
	monitorsResumed   prometheus.Counter
	watchCredits      prometheus.Counter
}

// Claimd exposes the metrics registry for claimd.
func Claimd() *ClaimdMetrics {
	claimdMetricsOnce.Do(func() {
		claimdRegistry = &ClaimdMetrics{
			claims: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "bloom",
				Subsystem: "claimd",
				Name:      "claims_total",
				Help:      "Count of claim lifecycle transitions segmented by outcome.",
			}, []string{"outcome"}),
			settlementLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "bloom",
				Subsystem: "claimd",
				Name:      "settlement_latency_seconds",
				Help:      "Time from transaction submission to ledger settlement.",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
			}),
			monitorPolls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "bloom",
				Subsystem: "claimd",
				Name:      "monitor_polls_total",
				Help:      "Count of transaction monitor poll iterations segmented by reported state.",
			}, []string{"state"}),
			monitorErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "bloom",
				Subsystem: "claimd",
				Name:      "monitor_errors_total",
				Help:      "Count of transient monitor errors segmented by source.",
			}, []string{"source"}),
			monitorsActive: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "bloom",
				Subsystem: "claimd",
				Name:      "monitors_active",
				Help:      "Number of transaction monitors currently running.",
			}),
			monitorsResumed: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "bloom",
				Subsystem: "claimd",
				Name:      "monitors_resumed_total",
				Help:      "Count of monitors restarted by the recovery scan at boot.",
			}),
			watchCredits: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "bloom",
				Subsystem: "claimd",
				Name:      "watch_credits_total",
				Help:      "Count of deduplicated watch credits applied to reward balances.",
			}),
		}
		prometheus.MustRegister(
			claimdRegistry.claims,
			claimdRegistry.settlementLatency,
			claimdRegistry.monitorPolls,
			claimdRegistry.monitorErrors,
			claimdRegistry.monitorsActive,
			claimdRegistry.monitorsResumed,
			claimdRegistry.watchCredits,
		)
	})
	return claimdRegistry
}

// RecordClaim increments the lifecycle counter for the supplied outcome
// (requested, confirmed, settled, failed, cancelled).
func (m *ClaimdMetrics) RecordClaim(outcome string) {
	if m == nil {
		return
	}
	m.claims.WithLabelValues(labelValue(outcome)).Inc()
}

// ObserveSettlementLatency records the submission-to-settlement duration.
func (m *ClaimdMetrics) ObserveSettlementLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.settlementLatency.Observe(d.Seconds())
}

// RecordPoll increments the monitor poll counter for the reported state.
func (m *ClaimdMetrics) RecordPoll(state string) {
	if m == nil {
		return
	}
	m.monitorPolls.WithLabelValues(labelValue(state)).Inc()
}

// RecordMonitorError increments the transient error counter for the source
// (status or receipt).
func (m *ClaimdMetrics) RecordMonitorError(source string) {
	if m == nil {
		return
	}
	m.monitorErrors.WithLabelValues(labelValue(source)).Inc()
}

// MonitorStarted increments the active monitor gauge.
func (m *ClaimdMetrics) MonitorStarted() {
	if m == nil {
		return
	}
	m.monitorsActive.Inc()
}

// MonitorStopped decrements the active monitor gauge.
func (m *ClaimdMetrics) MonitorStopped() {
	if m == nil {
		return
	}
	m.monitorsActive.Dec()
}

// RecordResumed counts monitors restarted by the recovery scan.
func (m *ClaimdMetrics) RecordResumed(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.monitorsResumed.Add(float64(count))
}

// RecordWatchCredit counts an applied (non-replayed) watch credit.
func (m *ClaimdMetrics) RecordWatchCredit() {
	if m == nil {
		return
	}
	m.watchCredits.Inc()
}

func labelValue(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
