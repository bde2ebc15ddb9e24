// Package metrics holds the Prometheus collectors of the engine and the
// exchange client. They are registered once in init() and served at /metrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	OrdersOpened = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ladder_orders_opened_total",
			Help: "Orders opened, by symbol and side",
		},
		[]string{"symbol", "side"},
	)

	OrdersClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ladder_orders_closed_total",
			Help: "Orders closed, by symbol and close reason",
		},
		[]string{"symbol", "reason"},
	)

	LadderAdvances = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ladder_advances_total",
			Help: "Ladder rung advances",
		},
		[]string{"symbol"},
	)

	StopFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ladder_stop_failures_total",
			Help: "Stop placements or cancels that exhausted their retries",
		},
		[]string{"symbol", "op"},
	)

	Anomalies = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ladder_anomalies_total",
			Help: "State inconsistencies reported for manual intervention",
		},
	)

	IndexEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ladder_index_entries",
			Help: "Active orders tracked by the target index",
		},
	)

	StreamReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "exchange_stream_reconnects_total",
			Help: "User data stream reconnects",
		},
	)

	Requests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exchange_requests_total",
			Help: "Exchange REST requests by path and status class",
		},
		[]string{"path", "status"},
	)
)

func init() {
	prometheus.MustRegister(
		OrdersOpened,
		OrdersClosed,
		LadderAdvances,
		StopFailures,
		Anomalies,
		IndexEntries,
		StreamReconnects,
		Requests,
	)
}
