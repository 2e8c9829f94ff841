package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RidersOnline = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "dispatch", Name: "riders_online", Help: "Riders currently in the pool"})

	ClaimsTotal         = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "claims_total", Help: "Successful order claims"})
	ClaimConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "claim_conflicts_total", Help: "Claims rejected because the order was already taken"})
	OrdersExpiredTotal  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "orders_expired_total", Help: "Orders auto-rejected by the sweeper"})

	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "dispatch", Name: "events_published_total", Help: "Events fanned out, by type"},
		[]string{"type"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
