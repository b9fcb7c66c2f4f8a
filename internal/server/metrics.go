package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricRateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dropbridge",
		Subsystem: "server",
		Name:      "rate_limited_total",
		Help:      "Requests refused by the per-address rate limiter",
	})
	metricQUICAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dropbridge",
		Subsystem: "server",
		Name:      "quic_accepted_total",
		Help:      "QUIC connections accepted from bridged peers",
	})
)
