// Package metrics holds the Prometheus collectors for token capture. They are
// defined in a standalone package so provider, lifecycle and handler code can
// record without import cycles.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	ProviderRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "oauth2_capture_provider_requests_total",
		Help: "Outbound provider requests by provider, operation and outcome",
	}, []string{"provider", "op", "outcome"})

	ProviderLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "oauth2_capture_provider_request_duration_seconds",
		Help:    "Latency of outbound provider requests",
		Buckets: prometheus.ExponentialBuckets(0.025, 2, 10),
	}, []string{"provider", "op"})

	Refreshes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "oauth2_capture_refresh_total",
		Help: "Token refresh attempts by provider and outcome",
	}, []string{"provider", "outcome"})

	Callbacks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "oauth2_capture_callback_total",
		Help: "Authorization callbacks by provider and outcome",
	}, []string{"provider", "outcome"})
)

// Register registers the collectors on the given registry (or default if nil).
func Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range []prometheus.Collector{ProviderRequests, ProviderLatency, Refreshes, Callbacks} {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	return nil
}
