package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	OrdersClaimedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "orders_claimed_total",
			Help: "Total number of orders claimed for dispatch",
		},
	)

	OrdersDispatchedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "orders_dispatched_total",
			Help: "Total number of orders successfully handed to a courier",
		},
	)

	OrdersFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "orders_failed_total",
			Help: "Total number of orders that exhausted the courier chain",
		},
	)

	CourierAttemptsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "courier_attempts_total",
			Help: "Total number of shipment creation attempts across providers",
		},
	)

	FraudChecksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fraud_checks_total",
			Help: "Total number of fraud verification calls",
		},
	)

	DispatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "order_dispatch_duration_seconds",
			Help:    "Duration of the per-order dispatch pipeline",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func Register() {
	prometheus.MustRegister(OrdersClaimedTotal)
	prometheus.MustRegister(OrdersDispatchedTotal)
	prometheus.MustRegister(OrdersFailedTotal)
	prometheus.MustRegister(CourierAttemptsTotal)
	prometheus.MustRegister(FraudChecksTotal)
	prometheus.MustRegister(DispatchDuration)
}
