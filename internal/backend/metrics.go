package backend

import (
	prom "github.com/prometheus/client_golang/prometheus"
)

var (
	metricPages = prom.NewGauge(prom.GaugeOpts{
		Name: "cdprelay_pages",
		Help: "Number of registered pages.",
	})
	metricClients = prom.NewGauge(prom.GaugeOpts{
		Name: "cdprelay_attached_clients",
		Help: "Number of attached DevTools clients.",
	})
	metricMessages = prom.NewCounterVec(prom.CounterOpts{
		Name: "cdprelay_messages_total",
		Help: "CDP messages handled, by outcome.",
	}, []string{"outcome"})
	metricTargetReconnects = prom.NewCounter(prom.CounterOpts{
		Name: "cdprelay_target_reconnects_total",
		Help: "Target registrations that reused an existing page.",
	})
	metricCorrelationTimeouts = prom.NewCounterVec(prom.CounterOpts{
		Name: "cdprelay_correlation_timeouts_total",
		Help: "Forwarded commands that got no target answer in time.",
	}, []string{"method"})
)

const (
	outcomeSent      = "sent"
	outcomeBuffered  = "buffered"
	outcomeDropped   = "dropped"
	outcomeForwarded = "forwarded"
	outcomeHandled   = "handled"
)

func init() {
	prom.MustRegister(metricPages, metricClients, metricMessages, metricTargetReconnects, metricCorrelationTimeouts)
}
