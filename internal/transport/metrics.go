package transport

import "github.com/prometheus/client_golang/prometheus"

var (
	queriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "airscan",
		Subsystem: "http",
		Name:      "queries_total",
		Help:      "HTTP queries completed, by method and outcome.",
	}, []string{"method", "outcome"})

	queriesInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "airscan",
		Subsystem: "http",
		Name:      "queries_in_flight",
		Help:      "HTTP queries currently submitted and not yet completed or cancelled.",
	})

	queryDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "airscan",
		Subsystem: "http",
		Name:      "query_duration_seconds",
		Help:      "Duration of completed HTTP queries.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"method"})
)

// RegisterMetrics registers the transport collectors with reg.
func RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{queriesTotal, queriesInFlight, queryDuration} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
