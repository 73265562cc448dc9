package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type eventMetrics struct {
	claimEvents *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking published claim outcome events.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			claimEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "bloom",
				Subsystem: "events",
				Name:      "claim_events_total",
				Help:      "Count of claim outcome events segmented by type.",
			}, []string{"type"}),
		}
		prometheus.MustRegister(eventRegistry.claimEvents)
	})
	return eventRegistry
}

// RecordClaimEvent increments the event counter for the supplied event type.
func (m *eventMetrics) RecordClaimEvent(eventType string) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(strings.ToLower(eventType))
	if normalized == "" {
		normalized = "unknown"
	}
	m.claimEvents.WithLabelValues(normalized).Inc()
}
