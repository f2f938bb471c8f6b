package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SessionsConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pool",
		Name:      "sessions_connected",
		Help:      "Number of active stratum miner sessions.",
	})

	SharesAccepted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pool",
		Name:      "shares_accepted_total",
		Help:      "Total valid shares accepted.",
	})

	SharesRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pool",
		Name:      "shares_rejected_total",
		Help:      "Total shares rejected, by reason.",
	}, []string{"reason"})

	BlocksFound = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pool",
		Name:      "blocks_found_total",
		Help:      "Total blocks found by the pool.",
	})

	BlockSubmissions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pool",
		Name:      "block_submissions_total",
		Help:      "Block submission attempts by result.",
	}, []string{"result"})

	PoolHashrate = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pool",
		Name:      "hashrate",
		Help:      "Estimated pool hashrate in H/s.",
	})

	JobHeight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pool",
		Name:      "job_height",
		Help:      "Block height of the current mining job.",
	})

	UptimeSeconds = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pool",
		Name:      "uptime_seconds",
		Help:      "Server uptime in seconds.",
	})
)

func init() {
	prometheus.MustRegister(
		SessionsConnected,
		SharesAccepted,
		SharesRejected,
		BlocksFound,
		BlockSubmissions,
		PoolHashrate,
		JobHeight,
		UptimeSeconds,
	)
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
