package bus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricQueued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dropbridge",
		Subsystem: "bus",
		Name:      "messages_queued_total",
		Help:      "Total number of messages queued towards bridged peers",
	})
	metricPending = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "dropbridge",
		Subsystem: "bus",
		Name:      "pending_requests",
		Help:      "Number of requests currently awaiting a reply",
	})
	metricRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dropbridge",
		Subsystem: "bus",
		Name:      "requests_total",
		Help:      "Total number of correlated requests, per outcome (replied/timeout/gone/cancelled/error)",
	}, []string{"outcome"})
	metricDroppedReplies = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dropbridge",
		Subsystem: "bus",
		Name:      "dropped_replies_total",
		Help:      "Total number of replies dropped, per reason (duplicate/late/unknown)",
	}, []string{"reason"})
)
