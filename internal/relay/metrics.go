package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dropbridge",
		Subsystem: "relay",
		Name:      "requests_total",
		Help:      "Total number of relayed native requests, per operation and outcome",
	}, []string{"op", "outcome"})
	metricAskDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "dropbridge",
		Subsystem: "relay",
		Name:      "ask_duration_seconds",
		Help:      "Time taken by peers to answer an ask",
		Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60},
	})
	metricDeliveredBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dropbridge",
		Subsystem: "relay",
		Name:      "delivered_bytes_total",
		Help:      "Total number of bytes acknowledged by receiving peers",
	})
)
