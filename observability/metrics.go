package observability

import (
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	portalMetricsOnce sync.Once
	portalRegistry    *PortalMetrics
)

// PortalMetrics wraps collectors tracking wallet sessions and user actions.
type PortalMetrics struct {
	actions         *prometheus.CounterVec
	latency         *prometheus.HistogramVec
	errors          *prometheus.CounterVec
	inflight        *prometheus.GaugeVec
	refreshes       *prometheus.CounterVec
	lastValue       *prometheus.GaugeVec
	networkSwitches *prometheus.CounterVec
	connected       prometheus.Gauge
}

// Portal exposes the process-wide metrics registry, registered with the
// default Prometheus registerer on first use.
func Portal() *PortalMetrics {
	portalMetricsOnce.Do(func() {
		portalRegistry = NewPortalMetrics(prometheus.DefaultRegisterer)
	})
	return portalRegistry
}

// NewPortalMetrics builds a registry and registers it with reg. Tests pass a
// fresh prometheus.NewRegistry().
func NewPortalMetrics(reg prometheus.Registerer) *PortalMetrics {
	m := &PortalMetrics{
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "portal",
			Subsystem: "actions",
			Name:      "total",
			Help:      "Settled user actions segmented by kind and outcome.",
		}, []string{"kind", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "portal",
			Subsystem: "actions",
			Name:      "latency_seconds",
			Help:      "Time from submission to settlement for user actions.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 40, 80, 160},
		}, []string{"kind"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "portal",
			Subsystem: "actions",
			Name:      "errors_total",
			Help:      "Failed or rejected actions segmented by kind and error class.",
		}, []string{"kind", "reason"}),
		inflight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "portal",
			Subsystem: "actions",
			Name:      "inflight",
			Help:      "Actions currently submitting or confirming (0 or 1 per kind).",
		}, []string{"kind"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "portal",
			Subsystem: "balances",
			Name:      "refreshes_total",
			Help:      "Derived balance refreshes segmented by trigger.",
		}, []string{"trigger"}),
		lastValue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "portal",
			Subsystem: "actions",
			Name:      "last_value_base_units",
			Help:      "Native value attached to the most recent successful action.",
		}, []string{"kind"}),
		networkSwitches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "portal",
			Subsystem: "network",
			Name:      "switches_total",
			Help:      "Network guard outcomes when the wallet was on the wrong chain.",
		}, []string{"result"}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "portal",
			Subsystem: "wallet",
			Name:      "connected",
			Help:      "Indicates whether a wallet session is connected (1) or not (0).",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.actions,
			m.latency,
			m.errors,
			m.inflight,
			m.refreshes,
			m.lastValue,
			m.networkSwitches,
			m.connected,
		)
	}
	return m
}

// ActionStarted marks an action of kind as in flight.
func (m *PortalMetrics) ActionStarted(kind string) {
	if m == nil {
		return
	}
	m.inflight.WithLabelValues(label(kind)).Set(1)
}

// ActionSettled records the outcome and latency of an action and clears the
// in-flight gauge.
func (m *PortalMetrics) ActionSettled(kind, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	kind = label(kind)
	m.inflight.WithLabelValues(kind).Set(0)
	m.actions.WithLabelValues(kind, label(outcome)).Inc()
	m.latency.WithLabelValues(kind).Observe(d.Seconds())
}

// RecordError increments the error counter for the supplied reason.
func (m *PortalMetrics) RecordError(kind, reason string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(label(kind), label(reason)).Inc()
}

// RecordRefresh counts a derived-balance refresh.
func (m *PortalMetrics) RecordRefresh(trigger string) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(label(trigger)).Inc()
}

// RecordValue stores the native value of the latest successful action.
func (m *PortalMetrics) RecordValue(kind string, value *big.Int) {
	if m == nil {
		return
	}
	m.lastValue.WithLabelValues(label(kind)).Set(bigToFloat(value))
}

// RecordNetworkSwitch counts a network guard outcome.
func (m *PortalMetrics) RecordNetworkSwitch(result string) {
	if m == nil {
		return
	}
	m.networkSwitches.WithLabelValues(label(result)).Inc()
}

// SetConnected toggles the wallet connected gauge.
func (m *PortalMetrics) SetConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.connected.Set(1)
		return
	}
	m.connected.Set(0)
}

func label(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unspecified"
	}
	return strings.ToLower(trimmed)
}

func bigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	floatVal, acc := new(big.Float).SetInt(value).Float64()
	if acc != big.Exact {
		if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
			return 0
		}
	}
	return floatVal
}
