package device

import "github.com/prometheus/client_golang/prometheus"

var (
	jobsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "airscan",
		Subsystem: "device",
		Name:      "jobs_total",
		Help:      "Scan jobs finished, by final status.",
	}, []string{"status"})

	pagesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "airscan",
		Subsystem: "device",
		Name:      "pages_received_total",
		Help:      "Page images received from devices.",
	})

	devicesKnown = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "airscan",
		Subsystem: "device",
		Name:      "known",
		Help:      "Devices currently in the device table.",
	})
)

// RegisterMetrics registers the device collectors with reg.
func RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{jobsTotal, pagesReceived, devicesKnown} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
