package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "surplus_ledgerd_build_info",
			Help: "Build information of the surplus ledger daemon",
		},
		[]string{"version", "commit", "date"},
	)

	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "surplus_ledgerd_operations_total",
			Help: "Total number of ledger operations",
		},
		[]string{"operation", "status"},
	)

	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "surplus_ledgerd_operation_duration_seconds",
			Help:    "Duration of ledger operations",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14), // 0.1ms to ~0.8s
		},
		[]string{"operation"},
	)

	DepositedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "surplus_ledgerd_deposited_units_total",
			Help: "Total units of surplus deposited",
		},
	)

	PaidTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "surplus_ledgerd_paid_units_total",
			Help: "Total units paid out through claims",
		},
	)
)
