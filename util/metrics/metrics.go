// Package metrics exposes prometheus collectors for the usage and suspension engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	RemoteOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vpnmarket",
		Subsystem: "remote",
		Name:      "operations_total",
		Help:      "Remote panel operations by operation and result.",
	}, []string{"op", "result"})

	RemoteAttempts = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "vpnmarket",
		Subsystem: "remote",
		Name:      "attempts",
		Help:      "Attempts used per remote operation.",
		Buckets:   []float64{1, 2, 3},
	}, []string{"op"})

	WalletCharges = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vpnmarket",
		Subsystem: "wallet",
		Name:      "charges_total",
		Help:      "Wallet charge outcomes by status.",
	}, []string{"status"})

	Suspensions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vpnmarket",
		Subsystem: "reseller",
		Name:      "suspensions_total",
		Help:      "Reseller suspensions by reason.",
	}, []string{"reason"})

	Reactivations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vpnmarket",
		Subsystem: "config",
		Name:      "reactivations_total",
		Help:      "Config re-enable attempts by reason and result.",
	}, []string{"reason", "result"})

	PanelUsageBytes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "vpnmarket",
		Subsystem: "panel",
		Name:      "usage_bytes",
		Help:      "Last aggregated usage per reseller and panel.",
	}, []string{"reseller", "panel"})

	PanelFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vpnmarket",
		Subsystem: "panel",
		Name:      "usage_failures_total",
		Help:      "Usage reads that failed per panel.",
	}, []string{"panel"})
)

// Registry holds the engine collectors; it is what the /metrics endpoint serves.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		RemoteOps,
		RemoteAttempts,
		WalletCharges,
		Suspensions,
		Reactivations,
		PanelUsageBytes,
		PanelFailures,
	)
}
