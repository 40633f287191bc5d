package proxy

import prom "github.com/prometheus/client_golang/prometheus"

var (
	metricRequestsTotal = prom.NewCounterVec(prom.CounterOpts{
		Name: "cdprelay_proxy_requests_total",
		Help: "Total number of requests proxied for inspected pages.",
	}, []string{"method"})
	metricRequestDuration = prom.NewHistogramVec(prom.HistogramOpts{
		Name:    "cdprelay_proxy_request_seconds",
		Help:    "Duration of proxied requests until the response head arrived.",
		Buckets: prom.DefBuckets,
	}, []string{"method", "status"})
)

func init() {
	prom.MustRegister(metricRequestsTotal, metricRequestDuration)
}
