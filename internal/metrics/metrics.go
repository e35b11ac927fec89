// Package metrics exposes the gateway's Prometheus instrumentation.
// Grounded on wisbric-nightowl's internal/telemetry/metrics.go: package-
// level metric vars plus an All() collector list for registration, rather
// than a struct the caller threads through every layer.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var ModelSlotsInUse = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "gateway",
		Subsystem: "ratelimit",
		Name:      "model_slots_in_use",
		Help:      "Current in-flight request count per model.",
	},
	[]string{"model"},
)

var AccountsInCooldown = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "gateway",
		Subsystem: "accountpool",
		Name:      "accounts_in_cooldown",
		Help:      "Current count of accounts in capacity cooldown per model.",
	},
	[]string{"model"},
)

var RefreshCoalescedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "token",
		Name:      "refresh_coalesced_total",
		Help:      "Total number of refresh calls whose singleflight result was shared with another concurrent caller, the leading caller included.",
	},
)

var RefreshRequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "token",
		Name:      "refresh_requests_total",
		Help:      "Total number of OAuth refresh POSTs, by outcome.",
	},
	[]string{"outcome"}, // "success" | "invalid_grant" | "transient" | "upstream"
)

var DispatchAttemptsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "dispatcher",
		Name:      "attempts_total",
		Help:      "Total number of upstream attempts by model and outcome.",
	},
	[]string{"model", "outcome"}, // "success" | "capacity_exhausted" | "error"
)

var RequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "gateway",
		Subsystem: "dispatcher",
		Name:      "request_duration_seconds",
		Help:      "End-to-end request latency, success and failure alike.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	},
	[]string{"model", "status"},
)

// All returns every gateway metric collector for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		ModelSlotsInUse,
		AccountsInCooldown,
		RefreshCoalescedTotal,
		RefreshRequestsTotal,
		DispatchAttemptsTotal,
		RequestDuration,
	}
}

// Register adds every gateway collector to reg (typically
// prometheus.DefaultRegisterer).
func Register(reg prometheus.Registerer) error {
	for _, c := range All() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
